package talkspace

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/c-pro/geche"
	"github.com/google/uuid"
	"github.com/h2non/filetype"
	"golang.org/x/sync/singleflight"
)

const (
	blobURLPrefix = "blob:talkspace/"
	// Bounds a shared fetch, which no single caller can cancel.
	avatarFetchTimeout = 30 * time.Second
)

// ErrNotImage is returned when a profile image body is not a known image
// format.
var ErrNotImage = errors.New("not an image")

// Avatar is a locally held profile image. The zero Avatar means "render the
// default avatar".
type Avatar struct {
	Username string
	MIME     string
	URL      string
}

type avatarBlob struct {
	username string
	mime     string
	data     []byte
}

// ImageFetcher loads raw profile images. *Client implements it.
type ImageFetcher interface {
	UserImage(ctx context.Context, username string) ([]byte, string, error)
}

// Avatars turns fetched profile images into revocable object URLs. A URL
// stays resolvable until it is revoked or superseded by a newer fetch for
// the same user.
type Avatars struct {
	fetcher ImageFetcher
	logger  *slog.Logger
	group   singleflight.Group

	mu     sync.Mutex
	blobs  geche.Geche[string, avatarBlob]
	byUser geche.Geche[string, string]
}

// NewAvatars creates an empty registry. logger may be nil.
func NewAvatars(fetcher ImageFetcher, logger *slog.Logger) *Avatars {
	if logger == nil {
		logger = slog.Default()
	}
	return &Avatars{
		fetcher: fetcher,
		logger:  logger.With("component", "avatars"),
		blobs:   geche.NewMapCache[string, avatarBlob](),
		byUser:  geche.NewMapCache[string, string](),
	}
}

// Fetch loads the profile image of username and registers a new URL for
// it, revoking the one it supersedes. Concurrent fetches for one username
// share a request; cancelling ctx abandons only this caller's wait. On
// failure it returns the zero Avatar and the error.
func (a *Avatars) Fetch(ctx context.Context, username string) (Avatar, error) {
	ch := a.group.DoChan(username, func() (interface{}, error) {
		fctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), avatarFetchTimeout)
		defer cancel()
		return a.fetch(fctx, username)
	})

	select {
	case <-ctx.Done():
		return Avatar{}, ctx.Err()
	case r := <-ch:
		if r.Err != nil {
			a.logger.Warn("avatar unavailable", "username", username, "error", r.Err)
			return Avatar{}, r.Err
		}
		return r.Val.(Avatar), nil
	}
}

func (a *Avatars) fetch(ctx context.Context, username string) (Avatar, error) {
	data, _, err := a.fetcher.UserImage(ctx, username)
	if err != nil {
		return Avatar{}, err
	}
	if !filetype.IsImage(data) {
		return Avatar{}, newChatError(KindFetch, "load avatar", fmt.Errorf("%s: %w", username, ErrNotImage))
	}
	kind, err := filetype.Match(data)
	if err != nil {
		return Avatar{}, newChatError(KindFetch, "load avatar", err)
	}

	url := blobURLPrefix + uuid.NewString()
	a.mu.Lock()
	prev, prevErr := a.byUser.Get(username)
	a.blobs.Set(url, avatarBlob{username: username, mime: kind.MIME.Value, data: data})
	a.byUser.Set(username, url)
	if prevErr == nil && prev != url {
		_ = a.blobs.Del(prev)
	}
	a.mu.Unlock()

	return Avatar{Username: username, MIME: kind.MIME.Value, URL: url}, nil
}

// Current returns the live avatar of username, if one was fetched.
func (a *Avatars) Current(username string) (Avatar, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	url, err := a.byUser.Get(username)
	if err != nil {
		return Avatar{}, false
	}
	b, err := a.blobs.Get(url)
	if err != nil {
		return Avatar{}, false
	}
	return Avatar{Username: username, MIME: b.mime, URL: url}, true
}

// Resolve returns the bytes and MIME type behind url.
func (a *Avatars) Resolve(url string) ([]byte, string, bool) {
	if !strings.HasPrefix(url, blobURLPrefix) {
		return nil, "", false
	}
	b, err := a.blobs.Get(url)
	if err != nil {
		return nil, "", false
	}
	return b.data, b.mime, true
}

// Revoke releases url. Revoking an unknown url is a no-op.
func (a *Avatars) Revoke(url string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	b, err := a.blobs.Get(url)
	if err != nil {
		return
	}
	_ = a.blobs.Del(url)
	if cur, err := a.byUser.Get(b.username); err == nil && cur == url {
		_ = a.byUser.Del(b.username)
	}
}

// RevokeAll releases every URL.
func (a *Avatars) RevokeAll() {
	a.mu.Lock()
	defer a.mu.Unlock()
	for url := range a.blobs.Snapshot() {
		_ = a.blobs.Del(url)
	}
	for user := range a.byUser.Snapshot() {
		_ = a.byUser.Del(user)
	}
}

// Len returns the number of live URLs.
func (a *Avatars) Len() int {
	return a.blobs.Len()
}
