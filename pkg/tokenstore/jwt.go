package tokenstore

import (
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// DefaultSessionTTL applies when a session token carries no usable expiry.
const DefaultSessionTTL = 30 * 24 * time.Hour

// TTLFromJWT returns how long raw remains valid according to its exp claim.
// The signature is not verified; the backend does that. Tokens that are not
// JWTs or have no exp get fallback; an exp in the past is ErrTokenExpired.
func TTLFromJWT(raw string, now time.Time, fallback time.Duration) (time.Duration, error) {
	raw = strings.TrimSpace(raw)
	for _, prefix := range []string{"JWT ", "Bearer "} {
		raw = strings.TrimPrefix(raw, prefix)
	}

	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(raw, claims); err != nil {
		return fallback, nil
	}
	exp, err := claims.GetExpirationTime()
	if err != nil || exp == nil {
		return fallback, nil
	}
	ttl := exp.Time.Sub(now)
	if ttl <= 0 {
		return 0, ErrTokenExpired
	}
	return ttl, nil
}
