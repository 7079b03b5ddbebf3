package talkspace

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
)

// ============================================================================
// Test Helpers
// ============================================================================

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type sentFrame struct {
	destination string
	body        []byte
}

type fakeBroker struct {
	mu           sync.Mutex
	handlers     map[string]func([]byte)
	subscribed   []string
	unsubscribed []string
	sent         []sentFrame
	sendErr      error
	closes       int

	done chan struct{}
	once sync.Once
	err  error
}

func newFakeBroker() *fakeBroker {
	return &fakeBroker{handlers: make(map[string]func([]byte)), done: make(chan struct{})}
}

type fakeSubscription struct {
	b           *fakeBroker
	destination string
}

func (s *fakeSubscription) Unsubscribe() error {
	s.b.mu.Lock()
	defer s.b.mu.Unlock()
	delete(s.b.handlers, s.destination)
	s.b.unsubscribed = append(s.b.unsubscribed, s.destination)
	return nil
}

func (b *fakeBroker) Subscribe(destination string, handler func([]byte)) (Subscription, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers[destination] = handler
	b.subscribed = append(b.subscribed, destination)
	return &fakeSubscription{b: b, destination: destination}, nil
}

func (b *fakeBroker) Send(destination string, body []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.sendErr != nil {
		return b.sendErr
	}
	b.sent = append(b.sent, sentFrame{destination, body})
	return nil
}

func (b *fakeBroker) Done() <-chan struct{} { return b.done }

func (b *fakeBroker) Err() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.err
}

func (b *fakeBroker) Close() error {
	b.mu.Lock()
	b.closes++
	b.mu.Unlock()
	b.drop(errBrokerClosed)
	return nil
}

// drop ends the link as if the server went away.
func (b *fakeBroker) drop(err error) {
	b.once.Do(func() {
		b.mu.Lock()
		b.err = err
		b.mu.Unlock()
		close(b.done)
	})
}

// handler returns the live handler for destination, or nil.
func (b *fakeBroker) handler(destination string) func([]byte) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.handlers[destination]
}

func (b *fakeBroker) deliver(destination, body string) {
	if h := b.handler(destination); h != nil {
		h([]byte(body))
	}
}

func (b *fakeBroker) frames() []sentFrame {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]sentFrame(nil), b.sent...)
}

type fakeDialer struct {
	mu      sync.Mutex
	errs    []error
	fail    error
	brokers []*fakeBroker
	dials   int
}

func (d *fakeDialer) Dial(ctx context.Context, id Identity) (Broker, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.dials++
	if d.fail != nil {
		return nil, d.fail
	}
	if len(d.errs) > 0 {
		err := d.errs[0]
		d.errs = d.errs[1:]
		if err != nil {
			return nil, err
		}
	}
	b := newFakeBroker()
	d.brokers = append(d.brokers, b)
	return b, nil
}

func (d *fakeDialer) dialCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dials
}

func (d *fakeDialer) last() *fakeBroker {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.brokers) == 0 {
		return nil
	}
	return d.brokers[len(d.brokers)-1]
}

var testIdentity = Identity{Username: "bob", Token: "token-bob"}

func newTestManager(d Dialer, cfg RealtimeConfig) *ChannelManager {
	if cfg.Logger == nil {
		cfg.Logger = discardLogger()
	}
	if cfg.ReconnectDelay == 0 {
		cfg.ReconnectDelay = 10 * time.Millisecond
	}
	return NewChannelManager(d, testIdentity, &cfg)
}

type stateLog struct {
	mu     sync.Mutex
	states []ConnectionState
}

func (l *stateLog) record(s ConnectionState) {
	l.mu.Lock()
	l.states = append(l.states, s)
	l.mu.Unlock()
}

func (l *stateLog) get() []ConnectionState {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]ConnectionState(nil), l.states...)
}

// ============================================================================
// Tests
// ============================================================================

func TestChannelManagerConnectSubscribesThreeChannels(t *testing.T) {
	d := &fakeDialer{}
	cm := newTestManager(d, RealtimeConfig{})
	states := &stateLog{}
	cm.OnStateChange(states.record)

	require.Equal(t, StateDisconnected, cm.State())
	require.NoError(t, cm.Connect(context.Background()))
	require.Equal(t, StateConnected, cm.State())
	require.Equal(t, []ConnectionState{StateConnecting, StateConnected}, states.get())

	b := d.last()
	require.ElementsMatch(t, []string{ChannelMessages, ChannelTyping, ChannelNotifications}, b.subscribed)

	// Connecting again while connected is a no-op.
	require.NoError(t, cm.Connect(context.Background()))
	require.Equal(t, 1, d.dialCount())
	require.NoError(t, cm.Close())
}

func TestChannelManagerDemultiplexes(t *testing.T) {
	d := &fakeDialer{}
	metrics := NewMetrics(prometheus.NewRegistry())
	cm := newTestManager(d, RealtimeConfig{Metrics: metrics})

	var (
		msgs   []Message
		sigs   []TypingSignal
		notifs []ChannelNotification
	)
	cm.OnMessage(func(m Message) { msgs = append(msgs, m) })
	cm.OnTyping(func(s TypingSignal) { sigs = append(sigs, s) })
	cm.OnNotification(func(n ChannelNotification) { notifs = append(notifs, n) })
	require.NoError(t, cm.Connect(context.Background()))

	b := d.last()
	b.deliver(ChannelMessages, `{"id":1,"sender":"alice","receiver":"bob","content":"one"}`)
	b.deliver(ChannelMessages, `{"id":2,"sender":"alice","receiver":"bob","content":"two"}`)
	b.deliver(ChannelMessages, `{"id":3,"content":"no sender"}`)
	b.deliver(ChannelTyping, `{"sender":"alice","receiver":"bob","typing":true}`)
	b.deliver(ChannelNotifications, `{"type":"NEW_CONVERSATION","sender":"carol","receiver":"bob"}`)
	b.deliver(ChannelNotifications, `garbage`)

	require.Len(t, msgs, 2)
	require.Equal(t, "one", msgs[0].Content)
	require.Equal(t, "two", msgs[1].Content)
	require.Equal(t, []TypingSignal{{Sender: "alice", Receiver: "bob", Typing: true}}, sigs)
	require.Len(t, notifs, 1)

	require.Equal(t, 2.0, testutil.ToFloat64(metrics.Messages.WithLabelValues("received")))
	require.Equal(t, 1.0, testutil.ToFloat64(metrics.DecodeErrors.WithLabelValues(ChannelMessages)))
	require.Equal(t, 1.0, testutil.ToFloat64(metrics.DecodeErrors.WithLabelValues(ChannelNotifications)))
	require.Equal(t, 1.0, testutil.ToFloat64(metrics.ConnectionState.WithLabelValues(string(StateConnected))))
	require.NoError(t, cm.Close())
}

func TestChannelManagerHandlerPanicIsolated(t *testing.T) {
	d := &fakeDialer{}
	cm := newTestManager(d, RealtimeConfig{})
	var got []string
	cm.OnMessage(func(m Message) { panic("boom") })
	cm.OnMessage(func(m Message) { got = append(got, m.Content) })
	require.NoError(t, cm.Connect(context.Background()))

	require.NotPanics(t, func() {
		d.last().deliver(ChannelMessages, `{"id":1,"sender":"alice","receiver":"bob","content":"still here"}`)
	})
	require.Equal(t, []string{"still here"}, got)
	require.NoError(t, cm.Close())
}

func TestChannelManagerPublish(t *testing.T) {
	d := &fakeDialer{}
	cm := newTestManager(d, RealtimeConfig{})

	err := cm.Publish(DestinationChatSend, ChatSendPayload{Sender: "bob", Receiver: "alice", Content: "hi"})
	require.ErrorIs(t, err, ErrNotConnected)

	require.NoError(t, cm.Connect(context.Background()))
	require.NoError(t, cm.Publish(DestinationChatSend, ChatSendPayload{Sender: "bob", Receiver: "alice", Content: "hi", ClientToken: "t"}))

	frames := d.last().frames()
	require.Len(t, frames, 1)
	require.Equal(t, DestinationChatSend, frames[0].destination)
	var payload map[string]any
	require.NoError(t, json.Unmarshal(frames[0].body, &payload))
	require.Equal(t, map[string]any{"sender": "bob", "receiver": "alice", "content": "hi", "clientToken": "t"}, payload)

	d.last().sendErr = errors.New("socket gone")
	require.Error(t, cm.Publish(DestinationTyping, TypingPayload{Sender: "bob", Receiver: "alice", Typing: true}))

	require.NoError(t, cm.Close())
	require.ErrorIs(t, cm.Publish(DestinationChatSend, ChatSendPayload{}), ErrNotConnected)
}

func TestChannelManagerCloseIdempotent(t *testing.T) {
	never := newTestManager(&fakeDialer{}, RealtimeConfig{})
	require.NoError(t, never.Close())
	require.NoError(t, never.Close())

	d := &fakeDialer{}
	cm := newTestManager(d, RealtimeConfig{})
	require.NoError(t, cm.Connect(context.Background()))
	b := d.last()

	require.NoError(t, cm.Close())
	require.NoError(t, cm.Close())
	require.Equal(t, StateDisconnected, cm.State())
	require.ElementsMatch(t, []string{ChannelMessages, ChannelTyping, ChannelNotifications}, b.unsubscribed)
	require.Equal(t, 1, b.closes)
}

func TestChannelManagerInertAfterTeardown(t *testing.T) {
	d := &fakeDialer{}
	cm := newTestManager(d, RealtimeConfig{})
	var got int
	cm.OnMessage(func(Message) { got++ })
	cm.OnTyping(func(TypingSignal) { got++ })
	cm.OnNotification(func(ChannelNotification) { got++ })
	require.NoError(t, cm.Connect(context.Background()))

	b := d.last()
	stale := map[string]func([]byte){
		ChannelMessages:      b.handler(ChannelMessages),
		ChannelTyping:        b.handler(ChannelTyping),
		ChannelNotifications: b.handler(ChannelNotifications),
	}
	require.NoError(t, cm.Close())

	stale[ChannelMessages]([]byte(`{"id":1,"sender":"alice","receiver":"bob","content":"late"}`))
	stale[ChannelTyping]([]byte(`{"sender":"alice","receiver":"bob","typing":true}`))
	stale[ChannelNotifications]([]byte(`{"type":"NEW_CONVERSATION","sender":"carol","receiver":"bob"}`))
	require.Zero(t, got)
}

func TestChannelManagerHandshakeFailureReconnects(t *testing.T) {
	d := &fakeDialer{errs: []error{errors.New("connection refused")}}
	cm := newTestManager(d, RealtimeConfig{})
	states := &stateLog{}
	cm.OnStateChange(states.record)
	var errs []error
	var mu sync.Mutex
	cm.OnError(func(err error) {
		mu.Lock()
		errs = append(errs, err)
		mu.Unlock()
	})

	err := cm.Connect(context.Background())
	require.Error(t, err)
	require.Equal(t, KindHandshake, KindOf(err))
	require.ErrorIs(t, err, ErrHandshake)
	require.ErrorIs(t, cm.LastError(), ErrHandshake)

	require.Eventually(t, func() bool { return cm.State() == StateConnected }, time.Second, 5*time.Millisecond)
	require.Equal(t, 2, d.dialCount())
	require.Nil(t, cm.LastError())

	require.Eventually(t, func() bool { return len(states.get()) == 4 }, time.Second, 5*time.Millisecond)
	require.Equal(t, []ConnectionState{StateConnecting, StateErrored, StateConnecting, StateConnected}, states.get())
	mu.Lock()
	require.Len(t, errs, 1)
	mu.Unlock()
	require.NoError(t, cm.Close())
}

func TestChannelManagerLinkLossReconnects(t *testing.T) {
	d := &fakeDialer{}
	cm := newTestManager(d, RealtimeConfig{})
	var mu sync.Mutex
	var got []string
	cm.OnMessage(func(m Message) {
		mu.Lock()
		got = append(got, m.Content)
		mu.Unlock()
	})
	require.NoError(t, cm.Connect(context.Background()))
	first := d.last()
	staleHandler := first.handler(ChannelMessages)

	first.drop(errors.New("ERROR frame: session expired"))
	require.Eventually(t, func() bool { return d.dialCount() == 2 && cm.State() == StateConnected }, time.Second, 5*time.Millisecond)

	require.Equal(t, 1, first.closes)
	require.Len(t, first.unsubscribed, 3)
	second := d.last()
	require.NotSame(t, first, second)
	require.Len(t, second.subscribed, 3)

	staleHandler([]byte(`{"id":1,"sender":"alice","receiver":"bob","content":"from old link"}`))
	second.deliver(ChannelMessages, `{"id":2,"sender":"alice","receiver":"bob","content":"from new link"}`)
	mu.Lock()
	require.Equal(t, []string{"from new link"}, got)
	mu.Unlock()
	require.NoError(t, cm.Close())
}

func TestChannelManagerTransportErrorSurfaced(t *testing.T) {
	d := &fakeDialer{}
	cm := newTestManager(d, RealtimeConfig{DisableReconnect: true})
	errCh := make(chan error, 1)
	cm.OnError(func(err error) { errCh <- err })
	require.NoError(t, cm.Connect(context.Background()))

	d.last().drop(errors.New("broker ERROR frame"))
	select {
	case err := <-errCh:
		require.Equal(t, KindTransport, KindOf(err))
		require.ErrorIs(t, err, ErrTransport)
	case <-time.After(time.Second):
		t.Fatal("no transport error reported")
	}
	require.Equal(t, StateErrored, cm.State())

	time.Sleep(50 * time.Millisecond)
	require.Equal(t, 1, d.dialCount())
	require.NoError(t, cm.Close())
}

func TestChannelManagerMaxReconnectAttempts(t *testing.T) {
	d := &fakeDialer{fail: errors.New("refused")}
	cm := newTestManager(d, RealtimeConfig{MaxReconnectAttempts: 2})

	require.Error(t, cm.Connect(context.Background()))
	require.Eventually(t, func() bool { return d.dialCount() == 3 }, time.Second, 5*time.Millisecond)
	time.Sleep(50 * time.Millisecond)
	require.Equal(t, 3, d.dialCount())
	require.Equal(t, StateErrored, cm.State())
	require.NoError(t, cm.Close())
}

func TestChannelManagerCloseStopsReconnecting(t *testing.T) {
	d := &fakeDialer{fail: errors.New("refused")}
	cm := newTestManager(d, RealtimeConfig{ReconnectDelay: 30 * time.Millisecond})

	require.Error(t, cm.Connect(context.Background()))
	require.NoError(t, cm.Close())
	time.Sleep(100 * time.Millisecond)
	require.Equal(t, 1, d.dialCount())
	require.Equal(t, StateDisconnected, cm.State())
}

func TestChannelManagerRequiresCredential(t *testing.T) {
	d := &fakeDialer{}
	cm := NewChannelManager(d, Identity{Username: "bob"}, &RealtimeConfig{Logger: discardLogger()})

	err := cm.Connect(context.Background())
	require.ErrorIs(t, err, ErrAuthenticationMissing)
	require.Equal(t, KindAuthMissing, KindOf(err))
	require.Zero(t, d.dialCount())
	require.Equal(t, StateDisconnected, cm.State())
}

func TestChannelManagerReconnectAfterClose(t *testing.T) {
	d := &fakeDialer{}
	cm := newTestManager(d, RealtimeConfig{})
	require.NoError(t, cm.Connect(context.Background()))
	require.NoError(t, cm.Close())
	require.NoError(t, cm.Connect(context.Background()))
	require.Equal(t, StateConnected, cm.State())
	require.Equal(t, 2, d.dialCount())
	require.NoError(t, cm.Close())
}
