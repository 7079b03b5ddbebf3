package talkspace

import (
	"fmt"
	"strings"

	"github.com/golang-jwt/jwt/v5"
)

// Identity is the local user a session acts as.
type Identity struct {
	Username string
	Token    string
}

// ResolveIdentity derives the local user from a bearer JWT. The signature is
// not verified here: the broker and REST backend verify it, this only needs
// the subject to scope subscriptions and outbound messages.
func ResolveIdentity(token string) (Identity, error) {
	token = strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(token), "Bearer "))
	if token == "" {
		return Identity{}, newChatError(KindAuthMissing, "resolve identity", ErrAuthenticationMissing)
	}

	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return Identity{}, newChatError(KindAuthMissing, "resolve identity", fmt.Errorf("parse token: %w", err))
	}

	sub, err := claims.GetSubject()
	if err != nil || sub == "" {
		// Some issuers put the login in a username claim instead of sub.
		if u, ok := claims["username"].(string); ok && u != "" {
			sub = u
		} else {
			return Identity{}, newChatError(KindAuthMissing, "resolve identity", fmt.Errorf("token has no subject"))
		}
	}
	return Identity{Username: sub, Token: token}, nil
}
