package talkspace

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"
)

var (
	errMissing = errors.New("required field missing")
	errInvalid = errors.New("invalid value")
)

type wireMessage struct {
	ID           json.RawMessage `json:"id"`
	Sender       *string         `json:"sender"`
	Receiver     *string         `json:"receiver"`
	SenderName   string          `json:"senderName"`
	ReceiverName string          `json:"receiverName"`
	Content      *string         `json:"content"`
	Timestamp    json.RawMessage `json:"timestamp"`
	Read         bool            `json:"read"`
	ClientToken  string          `json:"clientToken"`
}

type wireConversation struct {
	Partner         *string         `json:"partnerUsername"`
	PartnerName     string          `json:"partnerName"`
	PartnerImage    string          `json:"partnerImage"`
	LastMessage     string          `json:"lastMessage"`
	LastMessageTime json.RawMessage `json:"lastMessageTime"`
	UnreadCount     *int            `json:"unreadCount"`
}

type wireTyping struct {
	Sender   *string `json:"sender"`
	Receiver *string `json:"receiver"`
	Typing   *bool   `json:"typing"`
}

type wireNotification struct {
	Kind     *string `json:"type"`
	Sender   *string `json:"sender"`
	Receiver *string `json:"receiver"`
}

// DecodeMessage decodes and validates one Message.
func DecodeMessage(data []byte) (Message, error) {
	var w wireMessage
	if err := json.Unmarshal(data, &w); err != nil {
		return Message{}, &DecodeError{Type: "Message", Err: err}
	}
	return w.toMessage(time.Now)
}

// DecodeMessages decodes a history array. One bad element fails the whole
// array.
func DecodeMessages(data []byte) ([]Message, error) {
	var ws []wireMessage
	if err := json.Unmarshal(data, &ws); err != nil {
		return nil, &DecodeError{Type: "[]Message", Err: err}
	}
	out := make([]Message, 0, len(ws))
	for i, w := range ws {
		m, err := w.toMessage(time.Now)
		if err != nil {
			return nil, fmt.Errorf("element %d: %w", i, err)
		}
		out = append(out, m)
	}
	return out, nil
}

func (w wireMessage) toMessage(now func() time.Time) (Message, error) {
	if w.Sender == nil || *w.Sender == "" {
		return Message{}, &DecodeError{Type: "Message", Field: "sender", Err: errMissing}
	}
	if w.Receiver == nil || *w.Receiver == "" {
		return Message{}, &DecodeError{Type: "Message", Field: "receiver", Err: errMissing}
	}
	if w.Content == nil {
		return Message{}, &DecodeError{Type: "Message", Field: "content", Err: errMissing}
	}
	id, err := decodeServerID(w.ID)
	if err != nil {
		return Message{}, &DecodeError{Type: "Message", Field: "id", Err: err}
	}
	return Message{
		ID:           id,
		Sender:       *w.Sender,
		Receiver:     *w.Receiver,
		SenderName:   w.SenderName,
		ReceiverName: w.ReceiverName,
		Content:      *w.Content,
		Timestamp:    timestampFromJSON(w.Timestamp, now),
		Read:         w.Read,
		ClientToken:  w.ClientToken,
	}, nil
}

// decodeServerID accepts a non-negative JSON number or digit string. An
// absent id decodes as 0, meaning "not yet known".
func decodeServerID(raw json.RawMessage) (MessageID, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return 0, nil
	}
	var s string
	if raw[0] == '"' {
		if err := json.Unmarshal(raw, &s); err != nil {
			return 0, err
		}
	} else {
		s = string(raw)
	}
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil || n < 0 {
		return 0, errInvalid
	}
	return MessageID(n), nil
}

// DecodeConversations decodes a conversation list snapshot.
func DecodeConversations(data []byte) ([]ConversationSummary, error) {
	var ws []wireConversation
	if err := json.Unmarshal(data, &ws); err != nil {
		return nil, &DecodeError{Type: "[]ConversationSummary", Err: err}
	}
	out := make([]ConversationSummary, 0, len(ws))
	for i, w := range ws {
		if w.Partner == nil || *w.Partner == "" {
			return nil, fmt.Errorf("element %d: %w", i,
				&DecodeError{Type: "ConversationSummary", Field: "partnerUsername", Err: errMissing})
		}
		unread := 0
		if w.UnreadCount != nil {
			if *w.UnreadCount < 0 {
				return nil, fmt.Errorf("element %d: %w", i,
					&DecodeError{Type: "ConversationSummary", Field: "unreadCount", Err: errInvalid})
			}
			unread = *w.UnreadCount
		}
		var last time.Time
		if len(bytes.TrimSpace(w.LastMessageTime)) > 0 && !bytes.Equal(bytes.TrimSpace(w.LastMessageTime), []byte("null")) {
			last = timestampFromJSON(w.LastMessageTime, time.Now)
		}
		out = append(out, ConversationSummary{
			Partner:         *w.Partner,
			PartnerName:     w.PartnerName,
			PartnerImage:    w.PartnerImage,
			LastMessage:     w.LastMessage,
			LastMessageTime: last,
			UnreadCount:     unread,
		})
	}
	return out, nil
}

// DecodeTypingSignal decodes and validates one TypingSignal.
func DecodeTypingSignal(data []byte) (TypingSignal, error) {
	var w wireTyping
	if err := json.Unmarshal(data, &w); err != nil {
		return TypingSignal{}, &DecodeError{Type: "TypingSignal", Err: err}
	}
	switch {
	case w.Sender == nil || *w.Sender == "":
		return TypingSignal{}, &DecodeError{Type: "TypingSignal", Field: "sender", Err: errMissing}
	case w.Receiver == nil || *w.Receiver == "":
		return TypingSignal{}, &DecodeError{Type: "TypingSignal", Field: "receiver", Err: errMissing}
	case w.Typing == nil:
		return TypingSignal{}, &DecodeError{Type: "TypingSignal", Field: "typing", Err: errMissing}
	}
	return TypingSignal{Sender: *w.Sender, Receiver: *w.Receiver, Typing: *w.Typing}, nil
}

// DecodeNotification decodes and validates one ChannelNotification.
func DecodeNotification(data []byte) (ChannelNotification, error) {
	var w wireNotification
	if err := json.Unmarshal(data, &w); err != nil {
		return ChannelNotification{}, &DecodeError{Type: "ChannelNotification", Err: err}
	}
	switch {
	case w.Kind == nil || *w.Kind == "":
		return ChannelNotification{}, &DecodeError{Type: "ChannelNotification", Field: "type", Err: errMissing}
	case w.Sender == nil:
		return ChannelNotification{}, &DecodeError{Type: "ChannelNotification", Field: "sender", Err: errMissing}
	case w.Receiver == nil || *w.Receiver == "":
		return ChannelNotification{}, &DecodeError{Type: "ChannelNotification", Field: "receiver", Err: errMissing}
	}
	return ChannelNotification{Kind: *w.Kind, Sender: *w.Sender, Receiver: *w.Receiver}, nil
}
