package talkspace

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// API is the REST collaborator a Session needs. *Client implements it.
type API interface {
	Conversations(ctx context.Context, user string) ([]ConversationSummary, error)
	History(ctx context.Context, user, partner string) ([]Message, error)
	MarkRead(ctx context.Context, partner, reader string) error
}

// Hooks are UI callbacks. Every field is optional. Hooks run outside the
// session lock and a panicking hook is logged and swallowed.
type Hooks struct {
	ConversationsChanged func([]ConversationSummary)
	TranscriptChanged    func(partner string, messages []Message)
	Typing               func(partner string, typing bool)
	StateChange          func(ConnectionState)
	Error                func(error)
	// Refresh runs after a notification-triggered conversation reload.
	Refresh func()
}

// SessionConfig configures a Session. The zero value is usable.
type SessionConfig struct {
	Realtime RealtimeConfig
	Hooks    Hooks
	Logger   *slog.Logger
	Metrics  *Metrics

	// EchoWindow bounds content matching of token-less echoes. Zero means
	// DefaultEchoWindow; negative disables content matching.
	EchoWindow time.Duration
	// TypingWindow is how long an unrefreshed typing signal stays visible.
	TypingWindow time.Duration
	// TypingRefresh throttles repeated typing=true publishes. Zero means
	// DefaultTypingRefresh; negative publishes on every input change.
	TypingRefresh time.Duration
	// Scheduler drives typing expiry; nil uses wall-clock timers.
	Scheduler Scheduler
}

func (c *SessionConfig) defaults() {
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	if c.Realtime.Logger == nil {
		c.Realtime.Logger = c.Logger
	}
	if c.Realtime.Metrics == nil {
		c.Realtime.Metrics = c.Metrics
	}
	switch {
	case c.EchoWindow == 0:
		c.EchoWindow = DefaultEchoWindow
	case c.EchoWindow < 0:
		c.EchoWindow = 0
	}
	switch {
	case c.TypingRefresh == 0:
		c.TypingRefresh = DefaultTypingRefresh
	case c.TypingRefresh < 0:
		c.TypingRefresh = 0
	}
}

// Session is one signed-in chat session: a realtime connection, the
// conversation list, the open transcript and the partner's typing state.
// Event callbacks are applied one at a time.
type Session struct {
	id      Identity
	api     API
	hooks   Hooks
	logger  *slog.Logger
	metrics *Metrics

	manager    *ChannelManager
	store      *ConversationStore
	transcript *Transcript
	tracker    *TypingTracker
	emitter    *TypingEmitter
	avatars    *Avatars

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu         sync.Mutex
	openGen    uint64
	openCancel context.CancelFunc
	closed     bool
	lastErr    error
	closeOnce  sync.Once
	closeErr   error
}

// NewSession wires a session for id. If api also implements ImageFetcher
// the session keeps an avatar registry.
func NewSession(id Identity, api API, dialer Dialer, config *SessionConfig) *Session {
	cfg := SessionConfig{}
	if config != nil {
		cfg = *config
	}
	cfg.defaults()

	ctx, cancel := context.WithCancel(context.Background())
	s := &Session{
		id:         id,
		api:        api,
		hooks:      cfg.Hooks,
		logger:     cfg.Logger.With("user", id.Username),
		metrics:    cfg.Metrics,
		manager:    NewChannelManager(dialer, id, &cfg.Realtime),
		store:      NewConversationStore(),
		transcript: NewTranscript(cfg.EchoWindow),
		ctx:        ctx,
		cancel:     cancel,
	}
	s.tracker = NewTypingTracker(cfg.TypingWindow, cfg.Scheduler, s.typingChanged)
	s.emitter = NewTypingEmitter(cfg.TypingRefresh, s.publishTyping)
	if f, ok := api.(ImageFetcher); ok {
		s.avatars = NewAvatars(f, cfg.Logger)
	}

	s.manager.OnMessage(s.handleMessage)
	s.manager.OnTyping(s.handleTyping)
	s.manager.OnNotification(s.handleNotification)
	s.manager.OnStateChange(func(st ConnectionState) {
		if s.hooks.StateChange != nil {
			s.call("state", func() { s.hooks.StateChange(st) })
		}
	})
	s.manager.OnError(s.report)
	return s
}

// Identity returns the local user.
func (s *Session) Identity() Identity { return s.id }

// Start connects the realtime channels and loads the conversation list. A
// handshake failure leaves the session reconnecting in the background; both
// failures are also reported through the Error hook.
func (s *Session) Start(ctx context.Context) error {
	connErr := s.manager.Connect(ctx)
	loadErr := s.LoadConversations(ctx)
	return errors.Join(connErr, loadErr)
}

// LoadConversations replaces the conversation list with a fresh snapshot.
func (s *Session) LoadConversations(ctx context.Context) error {
	if err := s.authenticated("load conversations"); err != nil {
		return err
	}
	gen := s.store.Generation()
	list, err := s.api.Conversations(ctx, s.id.Username)
	if err != nil {
		if ctx.Err() == nil {
			s.report(err)
		}
		return err
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrSessionClosed
	}
	s.store.LoadAt(gen, list)
	s.mu.Unlock()

	s.logger.Debug("conversations loaded", "count", len(list))
	s.conversationsChanged()
	return nil
}

// Open makes partner the open conversation: it fetches the history, marks
// the conversation read and then populates the transcript. A response that
// arrives after another Open, a CloseConversation or cancellation of ctx is
// discarded with ErrStaleResponse. If only the mark-read call fails, the
// history is still shown and the error wraps ErrNotMarkedRead.
func (s *Session) Open(ctx context.Context, partner string) error {
	if err := s.authenticated("open conversation"); err != nil {
		return err
	}

	_ = s.emitter.Clear()
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrSessionClosed
	}
	if s.openCancel != nil {
		s.openCancel()
	}
	s.openGen++
	gen := s.openGen
	octx, cancel := context.WithCancel(ctx)
	s.openCancel = cancel
	s.transcript.Open(partner)
	s.mu.Unlock()
	defer cancel()

	s.tracker.WatchAt(gen, partner)
	s.transcriptChanged()

	history, err := s.api.History(octx, s.id.Username, partner)
	if !s.currentOpen(gen) || octx.Err() != nil {
		return ErrStaleResponse
	}
	if err != nil {
		s.report(err)
		return err
	}

	markErr := s.api.MarkRead(octx, partner, s.id.Username)
	if markErr != nil {
		if octx.Err() == nil {
			s.report(markErr)
		}
		markErr = fmt.Errorf("%w: %w", ErrNotMarkedRead, markErr)
	}

	s.mu.Lock()
	if gen != s.openGen || s.closed {
		s.mu.Unlock()
		return ErrStaleResponse
	}
	if markErr == nil {
		s.store.MarkRead(partner)
	}
	s.transcript.LoadHistory(partner, history)
	s.mu.Unlock()

	s.logger.Debug("conversation opened", "partner", partner, "messages", len(history))
	s.conversationsChanged()
	s.transcriptChanged()
	return markErr
}

// CloseConversation closes the open conversation, if any.
func (s *Session) CloseConversation() {
	_ = s.emitter.Clear()
	s.mu.Lock()
	s.openGen++
	gen := s.openGen
	if s.openCancel != nil {
		s.openCancel()
		s.openCancel = nil
	}
	s.transcript.Close()
	s.mu.Unlock()

	s.tracker.WatchAt(gen, "")
	s.transcriptChanged()
}

// Send appends content to the open transcript and publishes it. The
// returned message carries a temporary id until the server echo replaces
// it. If the publish fails the message is rolled back.
func (s *Session) Send(content string) (Message, error) {
	if isBlank(content) {
		return Message{}, ErrEmptyMessage
	}
	if s.manager.State() != StateConnected {
		return Message{}, ErrNotConnected
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return Message{}, ErrSessionClosed
	}
	m, err := s.transcript.AppendOptimistic(s.id.Username, content, uuid.NewString())
	s.mu.Unlock()
	if err != nil {
		return Message{}, err
	}
	s.transcriptChanged()

	err = s.manager.Publish(DestinationChatSend, ChatSendPayload{
		Sender:      m.Sender,
		Receiver:    m.Receiver,
		Content:     m.Content,
		ClientToken: m.ClientToken,
	})
	if s.transcript.ReconcileOrRollback(m.ID, err) {
		s.metrics.rolledBack()
		s.transcriptChanged()
	}
	if err != nil {
		serr := newChatError(KindSend, "send", err)
		s.report(serr)
		return Message{}, serr
	}
	_ = s.emitter.Clear()
	return m, nil
}

// InputChanged reports the compose box text so the partner sees typing.
func (s *Session) InputChanged(text string) error {
	if s.transcript.Partner() == "" || s.manager.State() != StateConnected {
		return nil
	}
	return s.emitter.InputChanged(text)
}

func (s *Session) publishTyping(typing bool) error {
	partner := s.transcript.Partner()
	if partner == "" {
		return ErrNoOpenConversation
	}
	return s.manager.Publish(DestinationTyping, TypingPayload{
		Sender:   s.id.Username,
		Receiver: partner,
		Typing:   typing,
	})
}

// Avatar fetches the profile image of username. It returns the zero Avatar
// when the session has no image source or the fetch fails.
func (s *Session) Avatar(ctx context.Context, username string) (Avatar, error) {
	if s.avatars == nil {
		return Avatar{}, nil
	}
	a, err := s.avatars.Fetch(ctx, username)
	if err != nil && ctx.Err() == nil {
		s.report(err)
	}
	return a, err
}

// Avatars returns the avatar registry, or nil.
func (s *Session) Avatars() *Avatars { return s.avatars }

// Close tears the session down once: the realtime link is released, timers
// stop and avatar URLs are revoked. No inbound event is applied afterwards.
func (s *Session) Close() error {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.closed = true
		s.openGen++
		gen := s.openGen
		if s.openCancel != nil {
			s.openCancel()
			s.openCancel = nil
		}
		s.mu.Unlock()

		s.cancel()
		s.closeErr = s.manager.Close()
		s.emitter.Reset()
		s.tracker.WatchAt(gen, "")
		s.wg.Wait()
		if s.avatars != nil {
			s.avatars.RevokeAll()
		}
		s.logger.Info("session closed")
	})
	return s.closeErr
}

// ============================================================================
// Inbound events
// ============================================================================

func (s *Session) handleMessage(m Message) {
	self := s.id.Username

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	storeChanged := s.store.ApplyIncomingMessage(m, self, s.transcript.Partner())
	reconciled := s.transcript.Reconcile(m, self)
	transcriptChanged := reconciled || s.transcript.AppendIncoming(m)
	s.mu.Unlock()

	if reconciled {
		s.metrics.reconciled()
	}
	if storeChanged {
		s.conversationsChanged()
	} else if m.Partner(self) != s.OpenPartner() {
		s.logger.Debug("message for unknown conversation dropped", "partner", m.Partner(self))
	}
	if transcriptChanged {
		s.transcriptChanged()
	}
}

func (s *Session) handleTyping(sig TypingSignal) {
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return
	}
	s.tracker.Observe(sig, s.id.Username)
}

func (s *Session) handleNotification(n ChannelNotification) {
	if n.Kind != NotificationNewConversation {
		s.logger.Debug("ignoring notification", "type", n.Kind)
		return
	}
	if n.Receiver != s.id.Username || n.Sender == s.OpenPartner() {
		return
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.wg.Add(1)
	s.mu.Unlock()

	go func() {
		defer s.wg.Done()
		if err := s.LoadConversations(s.ctx); err != nil {
			return
		}
		if s.hooks.Refresh != nil {
			s.call("refresh", s.hooks.Refresh)
		}
	}()
}

func (s *Session) typingChanged(partner string, typing bool) {
	if s.hooks.Typing != nil {
		s.call("typing", func() { s.hooks.Typing(partner, typing) })
	}
}

// ============================================================================
// Snapshots
// ============================================================================

// Conversations returns the conversation list in snapshot order.
func (s *Session) Conversations() []ConversationSummary { return s.store.List() }

// TotalUnread sums unread counts over all conversations.
func (s *Session) TotalUnread() int { return s.store.TotalUnread() }

// Transcript returns the open conversation's messages.
func (s *Session) Transcript() []Message { return s.transcript.Messages() }

// OpenPartner returns the open conversation's partner, or "".
func (s *Session) OpenPartner() string { return s.transcript.Partner() }

// PartnerTyping reports whether the open partner is typing.
func (s *Session) PartnerTyping() bool { return s.tracker.Typing() }

// State returns the realtime connection state.
func (s *Session) State() ConnectionState { return s.manager.State() }

// LastError returns the most recently reported error.
func (s *Session) LastError() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastErr
}

// ============================================================================
// Helpers
// ============================================================================

func (s *Session) authenticated(op string) error {
	if s.id.Token != "" && s.id.Username != "" {
		return nil
	}
	err := newChatError(KindAuthMissing, op, ErrAuthenticationMissing)
	s.report(err)
	return err
}

func (s *Session) currentOpen(gen uint64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return gen == s.openGen && !s.closed
}

func (s *Session) report(err error) {
	s.mu.Lock()
	s.lastErr = err
	s.mu.Unlock()

	s.logger.Warn("session error", "kind", KindOf(err), "error", err)
	if s.hooks.Error != nil {
		s.call("error", func() { s.hooks.Error(err) })
	}
}

func (s *Session) conversationsChanged() {
	if s.hooks.ConversationsChanged != nil {
		list := s.store.List()
		s.call("conversations", func() { s.hooks.ConversationsChanged(list) })
	}
}

func (s *Session) transcriptChanged() {
	if s.hooks.TranscriptChanged != nil {
		partner, msgs := s.transcript.Partner(), s.transcript.Messages()
		s.call("transcript", func() { s.hooks.TranscriptChanged(partner, msgs) })
	}
}

func (s *Session) call(hook string, f func()) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("session hook panicked", "hook", hook, "panic", r)
		}
	}()
	f()
}
