package talkspace

import (
	"errors"
	"fmt"
)

// ErrorKind classifies failures surfaced to the UI.
type ErrorKind string

const (
	KindAuthMissing ErrorKind = "auth_missing"
	KindHandshake   ErrorKind = "handshake"
	KindTransport   ErrorKind = "transport"
	KindSend        ErrorKind = "send"
	KindFetch       ErrorKind = "fetch"
)

var (
	ErrAuthenticationMissing = errors.New("no credential available")
	ErrHandshake             = errors.New("connection handshake failed")
	ErrTransport             = errors.New("connection error, please refresh")
	ErrSend                  = errors.New("message could not be sent")
	ErrFetch                 = errors.New("request failed")

	ErrNotConnected       = errors.New("not connected")
	ErrEmptyMessage       = errors.New("message is empty")
	ErrNoOpenConversation = errors.New("no conversation is open")
	ErrSessionClosed      = errors.New("session closed")
	ErrStaleResponse      = errors.New("response superseded")
	ErrNotMarkedRead      = errors.New("conversation not marked read")
)

var kindSentinels = map[ErrorKind]error{
	KindAuthMissing: ErrAuthenticationMissing,
	KindHandshake:   ErrHandshake,
	KindTransport:   ErrTransport,
	KindSend:        ErrSend,
	KindFetch:       ErrFetch,
}

// ChatError is a failure of one session operation.
type ChatError struct {
	Kind ErrorKind
	Op   string
	Err  error
}

func (e *ChatError) Error() string {
	if e.Err == nil {
		return string(e.Kind) + ": " + e.Op
	}
	return string(e.Kind) + ": " + e.Op + ": " + e.Err.Error()
}

func (e *ChatError) Unwrap() error { return e.Err }

// Is matches the sentinel of the error's kind, so callers can write
// errors.Is(err, ErrFetch) without caring which endpoint failed.
func (e *ChatError) Is(target error) bool {
	s, ok := kindSentinels[e.Kind]
	return ok && s == target
}

func newChatError(kind ErrorKind, op string, err error) *ChatError {
	return &ChatError{Kind: kind, Op: op, Err: err}
}

// KindOf returns the kind of a ChatError in err's chain, or "" if none.
func KindOf(err error) ErrorKind {
	var ce *ChatError
	if errors.As(err, &ce) {
		return ce.Kind
	}
	return ""
}

// DecodeError is returned when a wire payload does not satisfy its schema.
type DecodeError struct {
	Type  string
	Field string
	Err   error
}

func (e *DecodeError) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("decode %s: %v", e.Type, e.Err)
	}
	return fmt.Sprintf("decode %s.%s: %v", e.Type, e.Field, e.Err)
}

func (e *DecodeError) Unwrap() error { return e.Err }
