// Package tokenstore keeps the session credentials the agent authenticates
// with. The host editor (or the management API) writes them; the flush
// pipeline only reads.
package tokenstore

import (
	"context"
	"errors"
	"time"
)

// KeyJWT is the key the backend session token is stored under.
const KeyJWT = "jwt"

var (
	ErrTokenNotFound = errors.New("token not found")
	ErrTokenExpired  = errors.New("token expired")
)

// Token represents a stored token with metadata.
type Token struct {
	Key       string    `json:"key"`
	Value     string    `json:"value"`
	ExpiresAt time.Time `json:"expires_at"`
}

// IsExpired checks if the token has expired. A zero ExpiresAt never expires.
func (t *Token) IsExpired() bool {
	return !t.ExpiresAt.IsZero() && time.Now().After(t.ExpiresAt)
}

// Store defines the token storage interface.
type Store interface {
	// Set stores a token with the given key and TTL. ttl <= 0 means no expiry.
	Set(ctx context.Context, key, value string, ttl time.Duration) error
	// Get retrieves a token by key. Returns ErrTokenNotFound or ErrTokenExpired.
	Get(ctx context.Context, key string) (*Token, error)
	// Delete removes a token by key.
	Delete(ctx context.Context, key string) error
	// Cleanup removes all expired tokens.
	Cleanup(ctx context.Context) (int, error)
}

// Value returns the live value for key, or "" when it is missing or expired.
func Value(ctx context.Context, s Store, key string) string {
	if s == nil {
		return ""
	}
	tok, err := s.Get(ctx, key)
	if err != nil {
		return ""
	}
	return tok.Value
}

func expiry(ttl time.Duration) time.Time {
	if ttl <= 0 {
		return time.Time{}
	}
	return time.Now().Add(ttl)
}
