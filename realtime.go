package talkspace

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// ============================================================================
// Broker Transport
// ============================================================================

// Subscription is one active inbound channel on a Broker.
type Subscription interface {
	Unsubscribe() error
}

// Broker is a single authenticated pub/sub link. Handlers for one
// subscription are called sequentially in delivery order.
type Broker interface {
	Subscribe(destination string, handler func(body []byte)) (Subscription, error)
	Send(destination string, body []byte) error
	// Done is closed when the link is lost or closed.
	Done() <-chan struct{}
	// Err explains why Done was closed.
	Err() error
	Close() error
}

// Dialer opens a Broker link authenticated as id. Heartbeats are the
// dialer's business.
type Dialer interface {
	Dial(ctx context.Context, id Identity) (Broker, error)
}

// ============================================================================
// Configuration
// ============================================================================

const (
	DefaultReconnectDelay    = 5 * time.Second
	DefaultHeartbeatInterval = 4 * time.Second
)

// RealtimeConfig configures a ChannelManager.
type RealtimeConfig struct {
	ReconnectDelay       time.Duration
	MaxReconnectAttempts int // 0 means unlimited
	DisableReconnect     bool
	Logger               *slog.Logger
	Metrics              *Metrics
}

func (c *RealtimeConfig) defaults() {
	if c.ReconnectDelay == 0 {
		c.ReconnectDelay = DefaultReconnectDelay
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

// ============================================================================
// Event Dispatcher
// ============================================================================

type eventDispatcher struct {
	mu             sync.RWMutex
	logger         *slog.Logger
	onMessage      []func(Message)
	onTyping       []func(TypingSignal)
	onNotification []func(ChannelNotification)
	onState        []func(ConnectionState)
	onError        []func(error)
}

func newEventDispatcher(logger *slog.Logger) *eventDispatcher {
	return &eventDispatcher{logger: logger}
}

// call runs one handler. A panicking handler is logged and must not take the
// subscription goroutine down with it.
func (d *eventDispatcher) call(event string, f func()) {
	defer func() {
		if r := recover(); r != nil {
			d.logger.Error("realtime handler panicked", "event", event, "panic", r)
		}
	}()
	f()
}

func (d *eventDispatcher) message(m Message) {
	d.mu.RLock()
	handlers := append([]func(Message){}, d.onMessage...)
	d.mu.RUnlock()
	for _, h := range handlers {
		d.call("message", func() { h(m) })
	}
}

func (d *eventDispatcher) typing(s TypingSignal) {
	d.mu.RLock()
	handlers := append([]func(TypingSignal){}, d.onTyping...)
	d.mu.RUnlock()
	for _, h := range handlers {
		d.call("typing", func() { h(s) })
	}
}

func (d *eventDispatcher) notification(n ChannelNotification) {
	d.mu.RLock()
	handlers := append([]func(ChannelNotification){}, d.onNotification...)
	d.mu.RUnlock()
	for _, h := range handlers {
		d.call("notification", func() { h(n) })
	}
}

func (d *eventDispatcher) state(s ConnectionState) {
	d.mu.RLock()
	handlers := append([]func(ConnectionState){}, d.onState...)
	d.mu.RUnlock()
	for _, h := range handlers {
		d.call("state", func() { h(s) })
	}
}

func (d *eventDispatcher) error(err error) {
	d.mu.RLock()
	handlers := append([]func(error){}, d.onError...)
	d.mu.RUnlock()
	for _, h := range handlers {
		d.call("error", func() { h(err) })
	}
}

// ============================================================================
// Reconnector
// ============================================================================

// reconnector implements the fixed-delay retry policy of the transport.
type reconnector struct {
	delay       time.Duration
	maxAttempts int
	attempt     int
}

func newReconnector(config *RealtimeConfig) *reconnector {
	return &reconnector{
		delay:       config.ReconnectDelay,
		maxAttempts: config.MaxReconnectAttempts,
	}
}

func (r *reconnector) shouldReconnect() bool {
	return r.maxAttempts == 0 || r.attempt < r.maxAttempts
}

func (r *reconnector) nextDelay() time.Duration {
	r.attempt++
	return r.delay
}

func (r *reconnector) reset() {
	r.attempt = 0
}

// ============================================================================
// ChannelManager
// ============================================================================

// link is one connected Broker with its three subscriptions. release runs
// at most once.
type link struct {
	seq    uint64
	broker Broker
	subs   []Subscription
	once   sync.Once
	err    error
}

func (l *link) release() error {
	l.once.Do(func() {
		var errs []error
		for _, s := range l.subs {
			if err := s.Unsubscribe(); err != nil {
				errs = append(errs, err)
			}
		}
		if err := l.broker.Close(); err != nil {
			errs = append(errs, err)
		}
		l.err = errors.Join(errs...)
	})
	return l.err
}

// ChannelManager owns the single realtime connection of a session. It
// subscribes the three inbound channels, decodes their payloads into typed
// events and publishes outbound payloads.
type ChannelManager struct {
	dialer     Dialer
	identity   Identity
	config     *RealtimeConfig
	logger     *slog.Logger
	metrics    *Metrics
	dispatcher *eventDispatcher

	mu        sync.Mutex
	state     ConnectionState
	link      *link
	seq       uint64 // bumped on every connect attempt and teardown
	recon     *reconnector
	runCancel context.CancelFunc
	runCtx    context.Context
	lastErr   error
}

// NewChannelManager creates a disconnected manager for id.
func NewChannelManager(dialer Dialer, id Identity, config *RealtimeConfig) *ChannelManager {
	cfg := RealtimeConfig{}
	if config != nil {
		cfg = *config
	}
	cfg.defaults()
	return &ChannelManager{
		dialer:     dialer,
		identity:   id,
		config:     &cfg,
		logger:     cfg.Logger.With("component", "realtime", "user", id.Username),
		metrics:    cfg.Metrics,
		dispatcher: newEventDispatcher(cfg.Logger),
		state:      StateDisconnected,
		recon:      newReconnector(&cfg),
	}
}

// OnMessage registers a handler for the direct-message channel.
func (cm *ChannelManager) OnMessage(h func(Message)) {
	cm.dispatcher.mu.Lock()
	cm.dispatcher.onMessage = append(cm.dispatcher.onMessage, h)
	cm.dispatcher.mu.Unlock()
}

// OnTyping registers a handler for the typing channel.
func (cm *ChannelManager) OnTyping(h func(TypingSignal)) {
	cm.dispatcher.mu.Lock()
	cm.dispatcher.onTyping = append(cm.dispatcher.onTyping, h)
	cm.dispatcher.mu.Unlock()
}

// OnNotification registers a handler for the notification channel.
func (cm *ChannelManager) OnNotification(h func(ChannelNotification)) {
	cm.dispatcher.mu.Lock()
	cm.dispatcher.onNotification = append(cm.dispatcher.onNotification, h)
	cm.dispatcher.mu.Unlock()
}

// OnStateChange registers a handler for connection state transitions.
func (cm *ChannelManager) OnStateChange(h func(ConnectionState)) {
	cm.dispatcher.mu.Lock()
	cm.dispatcher.onState = append(cm.dispatcher.onState, h)
	cm.dispatcher.mu.Unlock()
}

// OnError registers a handler for handshake and transport errors.
func (cm *ChannelManager) OnError(h func(error)) {
	cm.dispatcher.mu.Lock()
	cm.dispatcher.onError = append(cm.dispatcher.onError, h)
	cm.dispatcher.mu.Unlock()
}

// State returns the current connection state.
func (cm *ChannelManager) State() ConnectionState {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	return cm.state
}

// LastError returns the most recent handshake or transport error.
func (cm *ChannelManager) LastError() error {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	return cm.lastErr
}

// Connect dials the broker and subscribes the inbound channels. It is a
// no-op while connecting or connected. On failure the manager enters
// Errored and, unless disabled, retries after the reconnect delay.
func (cm *ChannelManager) Connect(ctx context.Context) error {
	if cm.identity.Token == "" {
		err := newChatError(KindAuthMissing, "connect", ErrAuthenticationMissing)
		cm.dispatcher.error(err)
		return err
	}

	cm.mu.Lock()
	if cm.runCtx == nil {
		cm.runCtx, cm.runCancel = context.WithCancel(context.Background())
	}
	runCtx := cm.runCtx
	cm.mu.Unlock()

	return cm.connect(ctx, runCtx)
}

func (cm *ChannelManager) connect(ctx, runCtx context.Context) error {
	cm.mu.Lock()
	if runCtx.Err() != nil {
		cm.mu.Unlock()
		return ErrSessionClosed
	}
	if cm.state == StateConnected || cm.state == StateConnecting {
		cm.mu.Unlock()
		return nil
	}
	cm.seq++
	seq := cm.seq
	cm.setStateLocked(StateConnecting)
	cm.mu.Unlock()
	cm.dispatcher.state(StateConnecting)

	l, err := cm.open(ctx, seq)
	if err != nil {
		herr := newChatError(KindHandshake, "connect", err)
		if !cm.fail(seq, herr) {
			return ErrSessionClosed
		}
		cm.scheduleReconnect(runCtx)
		return herr
	}

	cm.mu.Lock()
	if seq != cm.seq {
		// Torn down while the handshake was in flight.
		cm.mu.Unlock()
		_ = l.release()
		return ErrSessionClosed
	}
	cm.link = l
	cm.lastErr = nil
	cm.recon.reset()
	cm.setStateLocked(StateConnected)
	cm.mu.Unlock()

	cm.logger.Info("realtime connected")
	cm.dispatcher.state(StateConnected)

	go cm.watch(runCtx, l)
	return nil
}

// open dials and subscribes the three inbound channels of one link.
func (cm *ChannelManager) open(ctx context.Context, seq uint64) (*link, error) {
	broker, err := cm.dialer.Dial(ctx, cm.identity)
	if err != nil {
		return nil, err
	}
	l := &link{seq: seq, broker: broker}

	routes := []struct {
		destination string
		handler     func(body []byte)
	}{
		{ChannelMessages, cm.routeMessage(seq)},
		{ChannelTyping, cm.routeTyping(seq)},
		{ChannelNotifications, cm.routeNotification(seq)},
	}
	for _, r := range routes {
		sub, err := broker.Subscribe(r.destination, r.handler)
		if err != nil {
			_ = l.release()
			return nil, fmt.Errorf("subscribe %s: %w", r.destination, err)
		}
		l.subs = append(l.subs, sub)
	}
	return l, nil
}

// current reports whether events of link seq may still be delivered.
func (cm *ChannelManager) current(seq uint64) bool {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	return cm.link != nil && cm.link.seq == seq
}

func (cm *ChannelManager) routeMessage(seq uint64) func([]byte) {
	return func(body []byte) {
		if !cm.current(seq) {
			return
		}
		m, err := DecodeMessage(body)
		if err != nil {
			cm.dropped(ChannelMessages, err)
			return
		}
		cm.metrics.received("message")
		cm.logger.Debug("message received", "sender", m.Sender, "receiver", m.Receiver, "id", m.ID)
		cm.dispatcher.message(m)
	}
}

func (cm *ChannelManager) routeTyping(seq uint64) func([]byte) {
	return func(body []byte) {
		if !cm.current(seq) {
			return
		}
		s, err := DecodeTypingSignal(body)
		if err != nil {
			cm.dropped(ChannelTyping, err)
			return
		}
		cm.metrics.received("typing")
		cm.dispatcher.typing(s)
	}
}

func (cm *ChannelManager) routeNotification(seq uint64) func([]byte) {
	return func(body []byte) {
		if !cm.current(seq) {
			return
		}
		n, err := DecodeNotification(body)
		if err != nil {
			cm.dropped(ChannelNotifications, err)
			return
		}
		cm.metrics.received("notification")
		cm.dispatcher.notification(n)
	}
}

func (cm *ChannelManager) dropped(destination string, err error) {
	cm.metrics.decodeError(destination)
	cm.logger.Warn("dropping undecodable payload", "destination", destination, "error", err)
}

// watch waits for the link to end. A link lost without a teardown is a
// transport error.
func (cm *ChannelManager) watch(runCtx context.Context, l *link) {
	select {
	case <-runCtx.Done():
		return
	case <-l.broker.Done():
	}

	cause := l.broker.Err()
	if cause == nil {
		cause = errors.New("connection closed by broker")
	}
	terr := newChatError(KindTransport, "receive", cause)

	cm.mu.Lock()
	if cm.link != l {
		cm.mu.Unlock()
		return
	}
	cm.link = nil
	cm.mu.Unlock()

	_ = l.release()
	if cm.fail(l.seq, terr) {
		cm.scheduleReconnect(runCtx)
	}
}

// fail moves attempt seq to Errored. It reports false if seq was superseded.
func (cm *ChannelManager) fail(seq uint64, err error) bool {
	cm.mu.Lock()
	if seq != cm.seq {
		cm.mu.Unlock()
		return false
	}
	cm.lastErr = err
	cm.setStateLocked(StateErrored)
	cm.mu.Unlock()

	cm.logger.Warn("realtime error", "error", err)
	cm.dispatcher.state(StateErrored)
	cm.dispatcher.error(err)
	return true
}

func (cm *ChannelManager) scheduleReconnect(runCtx context.Context) {
	if cm.config.DisableReconnect {
		return
	}
	cm.mu.Lock()
	if !cm.recon.shouldReconnect() {
		cm.mu.Unlock()
		cm.logger.Warn("giving up reconnecting", "attempts", cm.recon.attempt)
		return
	}
	delay := cm.recon.nextDelay()
	attempt := cm.recon.attempt
	cm.mu.Unlock()

	cm.metrics.reconnect()
	cm.logger.Info("reconnecting", "attempt", attempt, "delay", delay)

	go func() {
		t := time.NewTimer(delay)
		defer t.Stop()
		select {
		case <-runCtx.Done():
			return
		case <-t.C:
		}
		_ = cm.connect(runCtx, runCtx)
	}()
}

// Publish marshals payload and sends it to destination. It does not wait
// for delivery. While not connected the payload is dropped and
// ErrNotConnected is returned; nothing is queued.
func (cm *ChannelManager) Publish(destination string, payload any) error {
	cm.mu.Lock()
	l := cm.link
	connected := cm.state == StateConnected
	cm.mu.Unlock()

	if l == nil || !connected {
		return ErrNotConnected
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}
	if err := l.broker.Send(destination, body); err != nil {
		return fmt.Errorf("publish %s: %w", destination, err)
	}
	cm.metrics.published(destination)
	return nil
}

// Close tears the connection down: it stops reconnecting, unsubscribes the
// three channels and releases the link. It is safe to call repeatedly and on
// a manager that never connected. A later Connect starts afresh.
func (cm *ChannelManager) Close() error {
	cm.mu.Lock()
	if cm.runCancel != nil {
		cm.runCancel()
		cm.runCancel = nil
		cm.runCtx = nil
	}
	l := cm.link
	cm.link = nil
	cm.seq++
	changed := cm.state != StateDisconnected
	cm.setStateLocked(StateDisconnected)
	cm.mu.Unlock()

	var err error
	if l != nil {
		err = l.release()
	}
	if changed {
		cm.logger.Info("realtime disconnected")
		cm.dispatcher.state(StateDisconnected)
	}
	return err
}

func (cm *ChannelManager) setStateLocked(s ConnectionState) {
	cm.state = s
	cm.metrics.setState(s)
}
