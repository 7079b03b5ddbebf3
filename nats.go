package talkspace

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
)

// NATS subjects mirror the STOMP destinations under a "talkspace" root.
// User channels are scoped by username:
//
//	/user/queue/messages -> talkspace.user.<username>.queue.messages
//	/app/chat.send       -> talkspace.app.chat.send
const natsSubjectRoot = "talkspace"

// NATSSubject maps a broker destination onto a NATS subject for user.
func NATSSubject(destination, user string) string {
	parts := []string{natsSubjectRoot}
	for _, p := range strings.Split(strings.Trim(destination, "/"), "/") {
		if p == "" {
			continue
		}
		parts = append(parts, p)
		if p == "user" && len(parts) == 2 {
			parts = append(parts, natsToken(user))
		}
	}
	return strings.Join(parts, ".")
}

// natsToken makes s safe as a single subject token.
func natsToken(s string) string {
	return strings.Map(func(r rune) rune {
		switch r {
		case '.', '*', '>', ' ', '\t':
			return '_'
		}
		return r
	}, s)
}

// NATSDialer connects to a NATS server as the broker. Reconnection is left
// to the ChannelManager unless MaxReconnects is set.
type NATSDialer struct {
	URL           string        // nats://localhost:4222
	Name          string        // client name for identification
	PingInterval  time.Duration // default 4s
	MaxReconnects int           // client-side reconnects before the link counts as lost
	Logger        *slog.Logger
}

func (d *NATSDialer) Dial(ctx context.Context, id Identity) (Broker, error) {
	ping := d.PingInterval
	if ping == 0 {
		ping = DefaultHeartbeatInterval
	}
	name := d.Name
	if name == "" {
		name = "talkspace-" + id.Username
	}
	logger := d.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "nats")

	b := &natsBroker{linkDone: linkDone{done: make(chan struct{})}, user: id.Username}
	opts := []nats.Option{
		nats.Name(name),
		nats.Token(id.Token),
		nats.PingInterval(ping),
		nats.MaxPingsOutstanding(2),
		nats.ReconnectWait(DefaultReconnectDelay),
		nats.MaxReconnects(d.MaxReconnects),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Warn("nats disconnected", "error", err)
			} else {
				logger.Info("nats disconnected")
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info("nats reconnected", "url", nc.ConnectedUrl())
		}),
		nats.ClosedHandler(func(nc *nats.Conn) {
			err := nc.LastError()
			if err == nil {
				err = fmt.Errorf("nats connection closed")
			}
			b.lost(err)
		}),
	}

	type result struct {
		nc  *nats.Conn
		err error
	}
	ch := make(chan result, 1)
	go func() {
		nc, err := nats.Connect(d.URL, opts...)
		ch <- result{nc, err}
	}()

	select {
	case <-ctx.Done():
		go func() {
			if r := <-ch; r.nc != nil {
				r.nc.Close()
			}
		}()
		return nil, ctx.Err()
	case r := <-ch:
		if r.err != nil {
			return nil, fmt.Errorf("nats connect: %w", r.err)
		}
		logger.Info("nats connected", "url", r.nc.ConnectedUrl())
		b.conn = r.nc
		return b, nil
	}
}

type natsBroker struct {
	linkDone
	conn *nats.Conn
	user string
}

func (b *natsBroker) Subscribe(destination string, handler func(body []byte)) (Subscription, error) {
	subject := NATSSubject(destination, b.user)
	sub, err := b.conn.Subscribe(subject, func(msg *nats.Msg) {
		handler(msg.Data)
	})
	if err != nil {
		return nil, fmt.Errorf("nats subscribe %s: %w", subject, err)
	}
	return sub, nil
}

func (b *natsBroker) Send(destination string, body []byte) error {
	return b.conn.Publish(NATSSubject(destination, b.user), body)
}

func (b *natsBroker) Close() error {
	if b.closing.Swap(true) {
		return nil
	}
	err := b.conn.Flush()
	b.conn.Close()
	b.end(errBrokerClosed)
	return err
}
