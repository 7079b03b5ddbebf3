package talkspace

import (
	"strings"
	"time"
)

// ============================================================================
// Channels
// ============================================================================

// Inbound logical channels, scoped to the authenticated user by the broker.
const (
	ChannelMessages      = "/user/queue/messages"
	ChannelTyping        = "/user/queue/typing"
	ChannelNotifications = "/user/queue/notifications"
)

// Outbound destinations.
const (
	DestinationChatSend = "/app/chat.send"
	DestinationTyping   = "/app/typing"
)

// NotificationNewConversation tells the viewer a conversation appeared that the
// current list does not know about yet.
const NotificationNewConversation = "NEW_CONVERSATION"

// ============================================================================
// Connection State
// ============================================================================

// ConnectionState represents the realtime connection state.
type ConnectionState string

const (
	StateDisconnected ConnectionState = "disconnected"
	StateConnecting   ConnectionState = "connecting"
	StateConnected    ConnectionState = "connected"
	StateErrored      ConnectionState = "errored"
)

// ============================================================================
// Conversations
// ============================================================================

// ConversationSummary is one row of the conversation list.
type ConversationSummary struct {
	Partner         string    `json:"partnerUsername"`
	PartnerName     string    `json:"partnerName,omitempty"`
	PartnerImage    string    `json:"partnerImage,omitempty"`
	LastMessage     string    `json:"lastMessage,omitempty"`
	LastMessageTime time.Time `json:"lastMessageTime"`
	UnreadCount     int       `json:"unreadCount"`
}

// ============================================================================
// Messages
// ============================================================================

// MessageID identifies a message within a transcript. Server identifiers are
// positive, temporary client placeholders are negative.
type MessageID int64

// IsTemporary reports whether the id is a client placeholder awaiting the
// server echo.
func (id MessageID) IsTemporary() bool { return id < 0 }

// Message is a direct message between two users.
type Message struct {
	ID           MessageID `json:"id"`
	Sender       string    `json:"sender"`
	Receiver     string    `json:"receiver"`
	SenderName   string    `json:"senderName,omitempty"`
	ReceiverName string    `json:"receiverName,omitempty"`
	Content      string    `json:"content"`
	Timestamp    time.Time `json:"timestamp"`
	Read         bool      `json:"read"`
	ClientToken  string    `json:"clientToken,omitempty"`
}

// Partner returns whichever participant is not self.
func (m Message) Partner(self string) string {
	if m.Sender == self {
		return m.Receiver
	}
	return m.Sender
}

// Involves reports whether user is the sender or the receiver.
func (m Message) Involves(user string) bool {
	return m.Sender == user || m.Receiver == user
}

// ============================================================================
// Typing & Notifications
// ============================================================================

// TypingSignal is a transient "partner is typing" indicator.
type TypingSignal struct {
	Sender   string `json:"sender"`
	Receiver string `json:"receiver"`
	Typing   bool   `json:"typing"`
}

// ChannelNotification asks the viewer to refresh cross-conversation state.
type ChannelNotification struct {
	Kind     string `json:"type"`
	Sender   string `json:"sender"`
	Receiver string `json:"receiver"`
}

// ============================================================================
// Outbound Payloads
// ============================================================================

// ChatSendPayload is published to DestinationChatSend.
type ChatSendPayload struct {
	Sender      string `json:"sender"`
	Receiver    string `json:"receiver"`
	Content     string `json:"content"`
	ClientToken string `json:"clientToken,omitempty"`
}

// TypingPayload is published to DestinationTyping.
type TypingPayload struct {
	Sender   string `json:"sender"`
	Receiver string `json:"receiver"`
	Typing   bool   `json:"typing"`
}

func isBlank(s string) bool {
	return strings.TrimSpace(s) == ""
}
