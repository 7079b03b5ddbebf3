package talkspace

import (
	"sync"
	"time"
)

// DefaultEchoWindow bounds how long after an optimistic send a token-less
// server echo may still be matched to it by content.
const DefaultEchoWindow = 10 * time.Second

type pendingSend struct {
	token   string
	content string
	sentAt  time.Time
}

// Transcript is the message list of the open conversation. It is safe for
// concurrent use.
type Transcript struct {
	mu         sync.RWMutex
	partner    string
	messages   []Message
	pending    map[MessageID]pendingSend
	lastTemp   int64
	echoWindow time.Duration
	now        func() time.Time
}

// NewTranscript creates an empty transcript. A non-positive echoWindow
// disables content matching of token-less echoes.
func NewTranscript(echoWindow time.Duration) *Transcript {
	return &Transcript{
		pending:    make(map[MessageID]pendingSend),
		echoWindow: echoWindow,
		now:        time.Now,
	}
}

// Partner returns the partner of the open conversation, or "".
func (t *Transcript) Partner() string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.partner
}

// Open switches the transcript to partner and empties it.
func (t *Transcript) Open(partner string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.partner = partner
	t.messages = nil
	t.pending = make(map[MessageID]pendingSend)
}

// Close empties the transcript and forgets the partner.
func (t *Transcript) Close() {
	t.Open("")
}

// LoadHistory replaces the transcript for partner with history. Messages
// that arrived after the conversation opened survive the replace unless the
// history already contains them: live messages by server id, optimistic ones
// by client token.
func (t *Transcript) LoadHistory(partner string, history []Message) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if partner != t.partner {
		t.messages = nil
		t.pending = make(map[MessageID]pendingSend)
	}
	t.partner = partner

	ids := make(map[MessageID]bool, len(history))
	echoed := make(map[string]bool)
	for _, m := range history {
		if m.ID > 0 {
			ids[m.ID] = true
		}
		if m.ClientToken != "" {
			echoed[m.ClientToken] = true
		}
	}

	msgs := make([]Message, 0, len(history)+len(t.messages))
	msgs = append(msgs, history...)
	for _, m := range t.messages {
		if p, ok := t.pending[m.ID]; ok {
			if echoed[p.token] {
				delete(t.pending, m.ID)
				continue
			}
		} else if ids[m.ID] {
			continue
		}
		msgs = append(msgs, m)
	}
	t.messages = msgs
}

// AppendOptimistic appends an unconfirmed message from self to the open
// partner and returns it. The temporary id comes from a dedicated counter so
// it can never collide with a server id.
func (t *Transcript) AppendOptimistic(self, content, token string) (Message, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.partner == "" {
		return Message{}, ErrNoOpenConversation
	}
	t.lastTemp--
	now := t.now()
	m := Message{
		ID:          MessageID(t.lastTemp),
		Sender:      self,
		Receiver:    t.partner,
		Content:     content,
		Timestamp:   now,
		ClientToken: token,
	}
	t.messages = append(t.messages, m)
	t.pending[m.ID] = pendingSend{token: token, content: content, sentAt: now}
	return m, nil
}

// ReconcileOrRollback settles an optimistic message after its publish. A nil
// publishErr keeps the message as-is; a failure removes it. It reports
// whether the transcript changed.
func (t *Transcript) ReconcileOrRollback(id MessageID, publishErr error) bool {
	if publishErr == nil {
		return false
	}
	return t.Rollback(id)
}

// Rollback removes the optimistic message with the given temporary id.
func (t *Transcript) Rollback(id MessageID) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	if _, ok := t.pending[id]; !ok {
		return false
	}
	delete(t.pending, id)
	for i, m := range t.messages {
		if m.ID == id {
			t.messages = append(t.messages[:i], t.messages[i+1:]...)
			return true
		}
	}
	return false
}

// Reconcile replaces a pending optimistic message with its server echo in
// place. The echo is matched by client token, or failing that by identical
// content within the echo window, oldest first. It reports whether a pending
// message was replaced.
func (t *Transcript) Reconcile(echo Message, self string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	if echo.Sender != self || t.partner == "" || echo.Receiver != t.partner {
		return false
	}

	var (
		match  MessageID
		found  bool
		oldest time.Time
	)
	if echo.ClientToken != "" {
		for id, p := range t.pending {
			if p.token == echo.ClientToken {
				match, found = id, true
				break
			}
		}
	}
	if !found && t.echoWindow > 0 {
		now := t.now()
		for id, p := range t.pending {
			if p.content != echo.Content || now.Sub(p.sentAt) > t.echoWindow {
				continue
			}
			if !found || p.sentAt.Before(oldest) {
				match, found, oldest = id, true, p.sentAt
			}
		}
	}
	if !found {
		return false
	}

	delete(t.pending, match)
	for i, m := range t.messages {
		if m.ID == match {
			t.messages[i] = echo
			return true
		}
	}
	return false
}

// AppendIncoming appends m if it belongs to the open conversation. Redelivery
// of a server id already in the transcript is ignored.
func (t *Transcript) AppendIncoming(m Message) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.partner == "" || !m.Involves(t.partner) {
		return false
	}
	if m.ID > 0 {
		for _, existing := range t.messages {
			if existing.ID == m.ID {
				return false
			}
		}
	}
	t.messages = append(t.messages, m)
	return true
}

// Messages returns a copy of the transcript in display order.
func (t *Transcript) Messages() []Message {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return append([]Message(nil), t.messages...)
}

// PendingCount returns the number of unconfirmed optimistic messages.
func (t *Transcript) PendingCount() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.pending)
}
