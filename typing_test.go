package talkspace

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// fakeClock is a manual Scheduler.
type fakeClock struct {
	mu     sync.Mutex
	now    time.Duration
	timers []*fakeTimer
}

type fakeTimer struct {
	at      time.Duration
	f       func()
	stopped bool
	fired   bool
}

func (c *fakeClock) schedule(d time.Duration, f func()) func() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := &fakeTimer{at: c.now + d, f: f}
	c.timers = append(c.timers, t)
	return func() bool {
		c.mu.Lock()
		defer c.mu.Unlock()
		if t.fired || t.stopped {
			return false
		}
		t.stopped = true
		return true
	}
}

func (c *fakeClock) advance(d time.Duration) {
	c.mu.Lock()
	c.now += d
	var due []*fakeTimer
	for _, t := range c.timers {
		if !t.fired && !t.stopped && t.at <= c.now {
			t.fired = true
			due = append(due, t)
		}
	}
	c.mu.Unlock()
	for _, t := range due {
		t.f()
	}
}

func (c *fakeClock) pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, t := range c.timers {
		if !t.fired && !t.stopped {
			n++
		}
	}
	return n
}

type typingEvents struct {
	mu     sync.Mutex
	events []bool
}

func (e *typingEvents) record(_ string, typing bool) {
	e.mu.Lock()
	e.events = append(e.events, typing)
	e.mu.Unlock()
}

func (e *typingEvents) get() []bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]bool(nil), e.events...)
}

func TestTypingAutoClear(t *testing.T) {
	clock := &fakeClock{}
	events := &typingEvents{}
	tt := NewTypingTracker(DefaultTypingWindow, clock.schedule, events.record)
	tt.Watch("alice")

	require.True(t, tt.Observe(TypingSignal{Sender: "alice", Receiver: "bob", Typing: true}, "bob"))
	clock.advance(1000 * time.Millisecond)
	require.True(t, tt.Typing())
	clock.advance(1100 * time.Millisecond)
	require.False(t, tt.Typing())
	require.Equal(t, []bool{true, false}, events.get())
}

func TestTypingRearmedBySignal(t *testing.T) {
	clock := &fakeClock{}
	tt := NewTypingTracker(DefaultTypingWindow, clock.schedule, nil)
	tt.Watch("alice")
	sig := TypingSignal{Sender: "alice", Receiver: "bob", Typing: true}

	tt.Observe(sig, "bob")
	clock.advance(1500 * time.Millisecond)
	tt.Observe(sig, "bob")
	require.Equal(t, 1, clock.pending())

	clock.advance(600 * time.Millisecond)
	require.True(t, tt.Typing(), "the first timer must not clear a refreshed signal")
	clock.advance(1500 * time.Millisecond)
	require.False(t, tt.Typing())
	require.Zero(t, clock.pending())
}

func TestTypingFalseClearsImmediately(t *testing.T) {
	clock := &fakeClock{}
	events := &typingEvents{}
	tt := NewTypingTracker(DefaultTypingWindow, clock.schedule, events.record)
	tt.Watch("alice")

	tt.Observe(TypingSignal{Sender: "alice", Receiver: "bob", Typing: true}, "bob")
	tt.Observe(TypingSignal{Sender: "alice", Receiver: "bob", Typing: false}, "bob")
	require.False(t, tt.Typing())
	require.Zero(t, clock.pending())

	clock.advance(5 * time.Second)
	require.Equal(t, []bool{true, false}, events.get())
}

func TestTypingIgnoresOtherSignals(t *testing.T) {
	clock := &fakeClock{}
	tt := NewTypingTracker(DefaultTypingWindow, clock.schedule, nil)

	require.False(t, tt.Observe(TypingSignal{Sender: "alice", Receiver: "bob", Typing: true}, "bob"), "nothing watched")

	tt.Watch("alice")
	require.False(t, tt.Observe(TypingSignal{Sender: "carol", Receiver: "bob", Typing: true}, "bob"))
	require.False(t, tt.Observe(TypingSignal{Sender: "alice", Receiver: "dave", Typing: true}, "bob"))
	require.False(t, tt.Typing())
}

func TestTypingWatchClears(t *testing.T) {
	clock := &fakeClock{}
	events := &typingEvents{}
	tt := NewTypingTracker(DefaultTypingWindow, clock.schedule, events.record)
	tt.Watch("alice")
	tt.Observe(TypingSignal{Sender: "alice", Receiver: "bob", Typing: true}, "bob")

	tt.Watch("carol")
	require.False(t, tt.Typing())
	require.Zero(t, clock.pending())

	tt.Watch("")
	require.Equal(t, []bool{true, false}, events.get())
}

func TestTypingWatchAtIgnoresOlderSwitch(t *testing.T) {
	clock := &fakeClock{}
	tt := NewTypingTracker(DefaultTypingWindow, clock.schedule, nil)

	require.True(t, tt.WatchAt(2, "carol"))
	require.False(t, tt.WatchAt(1, "alice"))

	require.False(t, tt.Observe(TypingSignal{Sender: "alice", Receiver: "bob", Typing: true}, "bob"))
	require.True(t, tt.Observe(TypingSignal{Sender: "carol", Receiver: "bob", Typing: true}, "bob"))
	require.True(t, tt.Typing())

	require.True(t, tt.WatchAt(3, ""))
	require.False(t, tt.Typing())
}

func TestTypingWallClock(t *testing.T) {
	done := make(chan struct{})
	tt := NewTypingTracker(20*time.Millisecond, nil, func(_ string, typing bool) {
		if !typing {
			close(done)
		}
	})
	tt.Watch("alice")
	tt.Observe(TypingSignal{Sender: "alice", Receiver: "bob", Typing: true}, "bob")

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("typing never cleared")
	}
	require.False(t, tt.Typing())
}

// ============================================================================
// TypingEmitter
// ============================================================================

type publishLog struct {
	sent []bool
	err  error
}

func (p *publishLog) publish(typing bool) error {
	if p.err != nil {
		return p.err
	}
	p.sent = append(p.sent, typing)
	return nil
}

func TestTypingEmitterThrottles(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	log := &publishLog{}
	e := NewTypingEmitter(time.Second, log.publish)
	e.now = func() time.Time { return now }

	require.NoError(t, e.InputChanged("h"))
	now = now.Add(100 * time.Millisecond)
	require.NoError(t, e.InputChanged("he"))
	now = now.Add(time.Second)
	require.NoError(t, e.InputChanged("hel"))
	require.NoError(t, e.InputChanged(""))
	require.NoError(t, e.InputChanged(""))

	require.Equal(t, []bool{true, true, false}, log.sent)
}

func TestTypingEmitterUnthrottled(t *testing.T) {
	log := &publishLog{}
	e := NewTypingEmitter(0, log.publish)
	for _, s := range []string{"a", "ab", "abc", ""} {
		require.NoError(t, e.InputChanged(s))
	}
	require.Equal(t, []bool{true, true, true, false}, log.sent)
}

func TestTypingEmitterClear(t *testing.T) {
	log := &publishLog{}
	e := NewTypingEmitter(time.Second, log.publish)

	require.NoError(t, e.Clear())
	require.Empty(t, log.sent)

	require.NoError(t, e.InputChanged("x"))
	require.NoError(t, e.Clear())
	require.Equal(t, []bool{true, false}, log.sent)

	// After a clear the next keystroke publishes again.
	require.NoError(t, e.InputChanged("y"))
	require.Equal(t, []bool{true, false, true}, log.sent)
}

func TestTypingEmitterReset(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	log := &publishLog{}
	e := NewTypingEmitter(time.Second, log.publish)
	e.now = func() time.Time { return now }

	require.NoError(t, e.InputChanged("x"))
	e.Reset()
	require.NoError(t, e.Clear())
	require.Equal(t, []bool{true}, log.sent)

	// Within the refresh interval, but the reset state publishes again.
	require.NoError(t, e.InputChanged("xy"))
	require.Equal(t, []bool{true, true}, log.sent)
}

func TestTypingEmitterPublishError(t *testing.T) {
	log := &publishLog{err: errors.New("offline")}
	e := NewTypingEmitter(time.Second, log.publish)
	require.Error(t, e.InputChanged("x"))

	log.err = nil
	require.NoError(t, e.InputChanged("xy"))
	require.Equal(t, []bool{true}, log.sent)
}
