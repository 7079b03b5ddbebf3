package talkspace

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-stomp/stomp/v3"
	"nhooyr.io/websocket"
)

var errBrokerClosed = errors.New("broker closed")

// linkDone tracks the end of one broker link. The first call to end wins.
type linkDone struct {
	done    chan struct{}
	once    sync.Once
	mu      sync.Mutex
	err     error
	closing atomic.Bool
}

func (d *linkDone) end(err error) {
	d.once.Do(func() {
		d.mu.Lock()
		d.err = err
		d.mu.Unlock()
		close(d.done)
	})
}

// lost ends the link unless it is being closed on purpose.
func (d *linkDone) lost(err error) {
	if d.closing.Load() {
		return
	}
	d.end(err)
}

func (d *linkDone) Done() <-chan struct{} { return d.done }

func (d *linkDone) Err() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.err
}

// ============================================================================
// STOMP over WebSocket
// ============================================================================

const (
	stompDisconnectTimeout = 3 * time.Second
	// Outlives the DISCONNECT bound so a pending UNSUBSCRIBE ends with the
	// connection rather than on its own timer.
	stompUnsubscribeTimeout = 2 * stompDisconnectTimeout
)

// STOMPDialer connects to a STOMP broker over a raw WebSocket endpoint, e.g.
// ws://localhost:8080/ws/websocket.
type STOMPDialer struct {
	URL       string
	Heartbeat time.Duration // both directions; default 4s
	Logger    *slog.Logger
}

// Dial opens the WebSocket with the bearer token, then performs the STOMP
// CONNECT handshake carrying the same credential.
func (d *STOMPDialer) Dial(ctx context.Context, id Identity) (Broker, error) {
	heartbeat := d.Heartbeat
	if heartbeat == 0 {
		heartbeat = DefaultHeartbeatInterval
	}
	logger := d.Logger
	if logger == nil {
		logger = slog.Default()
	}
	auth := "Bearer " + id.Token

	ws, _, err := websocket.Dial(ctx, d.URL, &websocket.DialOptions{
		HTTPHeader:   http.Header{"Authorization": []string{auth}},
		Subprotocols: []string{"v12.stomp", "v11.stomp", "v10.stomp"},
	})
	if err != nil {
		return nil, fmt.Errorf("websocket dial %s: %w", d.URL, err)
	}

	// The byte stream outlives the dial context.
	streamCtx, cancel := context.WithCancel(context.Background())
	stream := websocket.NetConn(streamCtx, ws, websocket.MessageText)

	conn, err := stomp.Connect(stream,
		stomp.ConnOpt.HeartBeat(heartbeat, heartbeat),
		stomp.ConnOpt.Header("Authorization", auth),
		stomp.ConnOpt.DisconnectReceiptTimeout(stompDisconnectTimeout),
		stomp.ConnOpt.UnsubscribeReceiptTimeout(stompUnsubscribeTimeout),
	)
	if err != nil {
		cancel()
		_ = ws.Close(websocket.StatusPolicyViolation, "stomp connect failed")
		return nil, fmt.Errorf("stomp connect: %w", err)
	}

	return &stompBroker{
		linkDone: linkDone{done: make(chan struct{})},
		conn:     conn,
		ws:       ws,
		cancel:   cancel,
		auth:     auth,
		logger:   logger.With("component", "stomp"),
	}, nil
}

type stompBroker struct {
	linkDone
	conn   *stomp.Conn
	ws     *websocket.Conn
	cancel context.CancelFunc
	auth   string
	logger *slog.Logger
}

type stompSubscription struct {
	sub     *stomp.Subscription
	logger  *slog.Logger
	dropped atomic.Bool
}

// Unsubscribe stops delivery at once. The UNSUBSCRIBE receipt is awaited in
// the background; Close ends the subscription if the broker never answers.
func (s *stompSubscription) Unsubscribe() error {
	if s.dropped.Swap(true) {
		return nil
	}
	if !s.sub.Active() {
		return nil
	}
	go func() {
		if err := s.sub.Unsubscribe(); err != nil {
			s.logger.Debug("unsubscribe not acknowledged", "destination", s.sub.Destination(), "error", err)
		}
	}()
	return nil
}

func (b *stompBroker) Subscribe(destination string, handler func(body []byte)) (Subscription, error) {
	sub, err := b.conn.Subscribe(destination, stomp.AckAuto)
	if err != nil {
		return nil, err
	}
	s := &stompSubscription{sub: sub, logger: b.logger}

	go func() {
		for msg := range sub.C {
			if s.dropped.Load() {
				continue
			}
			if msg.Err != nil {
				b.lost(msg.Err)
				return
			}
			handler(msg.Body)
		}
		if !s.dropped.Load() {
			b.lost(fmt.Errorf("subscription %s closed", destination))
		}
	}()
	return s, nil
}

func (b *stompBroker) Send(destination string, body []byte) error {
	return b.conn.Send(destination, "application/json", body,
		stomp.SendOpt.Header("Authorization", b.auth))
}

// Close sends DISCONNECT and drops the socket once the receipt arrives or
// stompDisconnectTimeout passes.
func (b *stompBroker) Close() error {
	if b.closing.Swap(true) {
		return nil
	}

	err := b.conn.Disconnect()
	if errors.Is(err, stomp.ErrDisconnectReceiptTimeout) {
		b.logger.Warn("stomp disconnect receipt timed out")
	}

	b.cancel()
	_ = b.ws.Close(websocket.StatusNormalClosure, "")
	b.end(errBrokerClosed)
	return err
}
