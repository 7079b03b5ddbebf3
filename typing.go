package talkspace

import (
	"sync"
	"time"
)

const (
	// DefaultTypingWindow is how long a typing=true signal stays visible
	// without a refresh.
	DefaultTypingWindow = 2 * time.Second
	// DefaultTypingRefresh is the minimum gap between repeated outbound
	// typing=true publishes while the user keeps typing.
	DefaultTypingRefresh = time.Second
)

// Scheduler runs f once after d. The returned stop prevents f from running if
// it has not started yet.
type Scheduler func(d time.Duration, f func()) (stop func() bool)

func afterFunc(d time.Duration, f func()) func() bool {
	return time.AfterFunc(d, f).Stop
}

// TypingTracker tracks whether the watched partner is typing. A typing=true
// signal arms a single clear timer; every new signal cancels and re-arms it.
type TypingTracker struct {
	mu       sync.Mutex
	window   time.Duration
	schedule Scheduler
	onChange func(partner string, typing bool)

	partner  string
	typing   bool
	stop     func() bool
	seq      uint64
	watchGen uint64
}

// NewTypingTracker creates a tracker. schedule may be nil for wall-clock
// timers; onChange may be nil.
func NewTypingTracker(window time.Duration, schedule Scheduler, onChange func(partner string, typing bool)) *TypingTracker {
	if window <= 0 {
		window = DefaultTypingWindow
	}
	if schedule == nil {
		schedule = afterFunc
	}
	return &TypingTracker{window: window, schedule: schedule, onChange: onChange}
}

// Watch switches the tracked partner and clears any typing state.
func (tt *TypingTracker) Watch(partner string) {
	tt.mu.Lock()
	tt.switchLocked(partner)
}

// WatchAt is Watch for callers that number their switches. A switch older
// than the last one applied is ignored and WatchAt reports false.
func (tt *TypingTracker) WatchAt(gen uint64, partner string) bool {
	tt.mu.Lock()
	if gen < tt.watchGen {
		tt.mu.Unlock()
		return false
	}
	tt.watchGen = gen
	tt.switchLocked(partner)
	return true
}

// switchLocked is called with tt.mu held and releases it.
func (tt *TypingTracker) switchLocked(partner string) {
	prev, was := tt.partner, tt.typing
	tt.cancelLocked()
	tt.partner = partner
	tt.typing = false
	tt.mu.Unlock()

	if was {
		tt.notify(prev, false)
	}
}

// Typing reports whether the watched partner is currently typing.
func (tt *TypingTracker) Typing() bool {
	tt.mu.Lock()
	defer tt.mu.Unlock()
	return tt.typing
}

// Observe applies a signal addressed to self. Signals from anyone but the
// watched partner are ignored. It reports whether the signal was applied.
func (tt *TypingTracker) Observe(sig TypingSignal, self string) bool {
	tt.mu.Lock()
	if tt.partner == "" || sig.Sender != tt.partner || sig.Receiver != self {
		tt.mu.Unlock()
		return false
	}

	tt.cancelLocked()
	changed := tt.typing != sig.Typing
	tt.typing = sig.Typing
	partner := tt.partner
	if sig.Typing {
		seq := tt.seq
		tt.stop = tt.schedule(tt.window, func() { tt.expire(seq) })
	}
	tt.mu.Unlock()

	if changed {
		tt.notify(partner, sig.Typing)
	}
	return true
}

func (tt *TypingTracker) expire(seq uint64) {
	tt.mu.Lock()
	if seq != tt.seq || !tt.typing {
		tt.mu.Unlock()
		return
	}
	tt.typing = false
	tt.stop = nil
	partner := tt.partner
	tt.mu.Unlock()

	tt.notify(partner, false)
}

// cancelLocked stops the pending timer. Bumping seq also defuses a timer
// that already fired and is waiting for the lock.
func (tt *TypingTracker) cancelLocked() {
	tt.seq++
	if tt.stop != nil {
		tt.stop()
		tt.stop = nil
	}
}

func (tt *TypingTracker) notify(partner string, typing bool) {
	if tt.onChange != nil {
		tt.onChange(partner, typing)
	}
}

// ============================================================================
// Outbound typing
// ============================================================================

// TypingEmitter turns input change events into outbound typing publishes.
// It publishes on every flip of the typing state and, while typing
// continues, at most once per refresh interval. A non-positive refresh
// publishes on every change event.
type TypingEmitter struct {
	mu      sync.Mutex
	refresh time.Duration
	now     func() time.Time
	publish func(typing bool) error

	sent   bool
	last   bool
	lastAt time.Time
}

// NewTypingEmitter creates an emitter that calls publish.
func NewTypingEmitter(refresh time.Duration, publish func(typing bool) error) *TypingEmitter {
	return &TypingEmitter{refresh: refresh, now: time.Now, publish: publish}
}

// InputChanged reports the current input text. Non-empty text means typing.
func (e *TypingEmitter) InputChanged(text string) error {
	typing := text != ""

	e.mu.Lock()
	defer e.mu.Unlock()

	now := e.now()
	if e.refresh > 0 && e.sent && typing == e.last {
		if !typing || now.Sub(e.lastAt) < e.refresh {
			return nil
		}
	}
	if err := e.publish(typing); err != nil {
		return err
	}
	e.sent, e.last, e.lastAt = true, typing, now
	return nil
}

// Clear publishes typing=false if the last publish said typing, then forgets
// the state. Call it before leaving a conversation.
func (e *TypingEmitter) Clear() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	var err error
	if e.sent && e.last {
		err = e.publish(false)
	}
	e.sent, e.last = false, false
	return err
}

// Reset forgets what was last published without publishing anything. Use it
// when the link that carried the publishes is gone.
func (e *TypingEmitter) Reset() {
	e.mu.Lock()
	e.sent = false
	e.last = false
	e.mu.Unlock()
}
