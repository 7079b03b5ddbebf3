// Package talkspace is the client-side session manager for TalkSpace chat.
//
// It keeps the conversation list, the transcript of the open conversation
// and the partner's typing state consistent with the backend, over one
// realtime broker connection plus a handful of REST calls.
//
// Example:
//
//	id, _ := talkspace.ResolveIdentity(token)
//	api := talkspace.NewClient(id.Token, talkspace.WithBaseURL("http://localhost:8080"))
//	dialer := &talkspace.STOMPDialer{URL: "ws://localhost:8080/ws/websocket"}
//	s := talkspace.NewSession(id, api, dialer, nil)
//	_ = s.Start(ctx)
//	_ = s.Open(ctx, "bob")
//	_ = s.Send("hi")
package talkspace

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

const (
	DefaultBaseURL = "http://localhost:8080"
	DefaultTimeout = 30 * time.Second
)

// ============================================================================
// Client
// ============================================================================

// Client calls the TalkSpace REST endpoints.
type Client struct {
	token      string
	baseURL    string
	httpClient *http.Client
}

type ClientOption func(*Client)

func WithBaseURL(u string) ClientOption {
	return func(c *Client) { c.baseURL = strings.TrimRight(u, "/") }
}

func WithTimeout(timeout time.Duration) ClientOption {
	return func(c *Client) { c.httpClient.Timeout = timeout }
}

func WithHTTPClient(client *http.Client) ClientOption {
	return func(c *Client) { c.httpClient = client }
}

// NewClient creates a REST client that authenticates with token.
func NewClient(token string, opts ...ClientOption) *Client {
	c := &Client{
		token:   token,
		baseURL: DefaultBaseURL,
		httpClient: &http.Client{
			Timeout: DefaultTimeout,
		},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// SetToken replaces the bearer token.
func (c *Client) SetToken(token string) {
	c.token = token
}

// ============================================================================
// Internal request helper
// ============================================================================

// doRequest performs one call and returns the response body. Non-2xx
// statuses are returned as errors carrying the status and a body excerpt.
func (c *Client) doRequest(ctx context.Context, method string, body interface{}, segments ...string) ([]byte, http.Header, error) {
	escaped := make([]string, len(segments))
	for i, s := range segments {
		escaped[i] = url.PathEscape(s)
	}
	u := c.baseURL + "/" + strings.Join(escaped, "/")

	var bodyReader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to marshal request: %w", err)
		}
		bodyReader = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, u, bodyReader)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, nil, &HTTPError{Method: method, URL: u, StatusCode: resp.StatusCode, Body: excerpt(data)}
	}
	return data, resp.Header, nil
}

// HTTPError is a non-2xx REST response.
type HTTPError struct {
	Method     string
	URL        string
	StatusCode int
	Body       string
}

func (e *HTTPError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("%s %s: %d %s", e.Method, e.URL, e.StatusCode, http.StatusText(e.StatusCode))
	}
	return fmt.Sprintf("%s %s: %d %s: %s", e.Method, e.URL, e.StatusCode, http.StatusText(e.StatusCode), e.Body)
}

func excerpt(b []byte) string {
	const limit = 200
	s := strings.TrimSpace(string(b))
	if len(s) > limit {
		s = s[:limit] + "..."
	}
	return s
}

// ============================================================================
// Endpoints
// ============================================================================

// Conversations fetches the conversation summaries of user.
func (c *Client) Conversations(ctx context.Context, user string) ([]ConversationSummary, error) {
	data, _, err := c.doRequest(ctx, http.MethodGet, nil, "conversations", user)
	if err != nil {
		return nil, newChatError(KindFetch, "load conversations", err)
	}
	list, err := DecodeConversations(data)
	if err != nil {
		return nil, newChatError(KindFetch, "load conversations", err)
	}
	return list, nil
}

// History fetches the messages between user and partner in display order.
func (c *Client) History(ctx context.Context, user, partner string) ([]Message, error) {
	data, _, err := c.doRequest(ctx, http.MethodGet, nil, "chat", "history", user, partner)
	if err != nil {
		return nil, newChatError(KindFetch, "load history", err)
	}
	msgs, err := DecodeMessages(data)
	if err != nil {
		return nil, newChatError(KindFetch, "load history", err)
	}
	return msgs, nil
}

// MarkRead tells the backend that reader has read everything partner sent.
func (c *Client) MarkRead(ctx context.Context, partner, reader string) error {
	if _, _, err := c.doRequest(ctx, http.MethodPost, nil, "chat", "read", partner, reader); err != nil {
		return newChatError(KindFetch, "mark read", err)
	}
	return nil
}

// UserImage fetches the raw profile image of username and the content type
// the server declared for it.
func (c *Client) UserImage(ctx context.Context, username string) ([]byte, string, error) {
	data, header, err := c.doRequest(ctx, http.MethodGet, nil, "user", "image", username)
	if err != nil {
		return nil, "", newChatError(KindFetch, "load avatar", err)
	}
	return data, header.Get("Content-Type"), nil
}
