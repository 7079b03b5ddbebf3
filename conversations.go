package talkspace

import (
	"sort"
	"sync"
)

type conversationEntry struct {
	summary ConversationSummary
	// readGen is the store generation of the last MarkRead for this partner.
	readGen uint64
}

// ConversationStore holds at most one summary per partner. It is safe for
// concurrent use.
type ConversationStore struct {
	mu      sync.RWMutex
	entries map[string]*conversationEntry
	order   []string
	gen     uint64
}

// NewConversationStore creates an empty store.
func NewConversationStore() *ConversationStore {
	return &ConversationStore{entries: make(map[string]*conversationEntry)}
}

// Generation returns the current read generation. Capture it before fetching
// a snapshot and pass it to LoadAt.
func (s *ConversationStore) Generation() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.gen
}

// Load replaces the whole list with snapshot.
func (s *ConversationStore) Load(snapshot []ConversationSummary) {
	s.LoadAt(s.Generation(), snapshot)
}

// LoadAt replaces the whole list with a snapshot that was requested at
// generation gen. For partners marked read after gen the snapshot's unread
// count is stale and the store keeps its own.
func (s *ConversationStore) LoadAt(gen uint64, snapshot []ConversationSummary) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entries := make(map[string]*conversationEntry, len(snapshot))
	order := make([]string, 0, len(snapshot))
	for _, c := range snapshot {
		if c.Partner == "" {
			continue
		}
		if _, dup := entries[c.Partner]; dup {
			continue
		}
		e := &conversationEntry{summary: c}
		if c.UnreadCount < 0 {
			e.summary.UnreadCount = 0
		}
		if prev, ok := s.entries[c.Partner]; ok && prev.readGen > gen {
			e.summary.UnreadCount = prev.summary.UnreadCount
			e.readGen = prev.readGen
		}
		entries[c.Partner] = e
		order = append(order, c.Partner)
	}
	s.entries = entries
	s.order = order
}

// ApplyIncomingMessage folds a live message into the summary of its partner.
// The unread count grows unless the message is the local user's own echo in
// the open conversation. Messages for unknown partners are dropped and
// ApplyIncomingMessage reports false.
func (s *ConversationStore) ApplyIncomingMessage(m Message, self, openPartner string) bool {
	partner := m.Partner(self)

	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[partner]
	if !ok {
		return false
	}
	e.summary.LastMessage = m.Content
	e.summary.LastMessageTime = m.Timestamp
	if !(partner == openPartner && m.Sender == self) {
		e.summary.UnreadCount++
	}
	return true
}

// MarkRead zeroes the unread count of partner. It is idempotent and reports
// whether the partner is known.
func (s *ConversationStore) MarkRead(partner string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.gen++
	e, ok := s.entries[partner]
	if !ok {
		return false
	}
	e.summary.UnreadCount = 0
	e.readGen = s.gen
	return true
}

// Get returns the summary for partner.
func (s *ConversationStore) Get(partner string) (ConversationSummary, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.entries[partner]
	if !ok {
		return ConversationSummary{}, false
	}
	return e.summary, true
}

// List returns the summaries in snapshot order.
func (s *ConversationStore) List() []ConversationSummary {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]ConversationSummary, 0, len(s.order))
	for _, p := range s.order {
		out = append(out, s.entries[p].summary)
	}
	return out
}

// TotalUnread sums the unread counts.
func (s *ConversationStore) TotalUnread() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := 0
	for _, e := range s.entries {
		n += e.summary.UnreadCount
	}
	return n
}

// SortByRecent orders a list by last message time, newest first. Ordering is
// a view concern; the store itself keeps snapshot order.
func SortByRecent(list []ConversationSummary) {
	sort.SliceStable(list, func(i, j int) bool {
		return list[i].LastMessageTime.After(list[j].LastMessageTime)
	})
}
