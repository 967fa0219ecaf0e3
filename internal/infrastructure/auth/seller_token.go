package auth

import (
	"time"

	"github.com/golang-jwt/jwt/v4"
)

// TokenInfo is what can be read from a bearer token without verifying it.
// Verification belongs to the product API; the chat server only forwards the token.
type TokenInfo struct {
	IsJWT     bool
	Subject   string
	ExpiresAt time.Time
}

// Expired reports whether the token carries an expiry that has already passed.
func (t TokenInfo) Expired(now time.Time) bool {
	return t.IsJWT && !t.ExpiresAt.IsZero() && now.After(t.ExpiresAt)
}

// InspectToken parses a JWT without checking its signature. Opaque tokens
// return a zero TokenInfo.
func InspectToken(token string) TokenInfo {
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return TokenInfo{}
	}

	info := TokenInfo{IsJWT: true}
	if sub, ok := claims["sub"].(string); ok {
		info.Subject = sub
	}
	switch exp := claims["exp"].(type) {
	case float64:
		info.ExpiresAt = time.Unix(int64(exp), 0)
	case int64:
		info.ExpiresAt = time.Unix(exp, 0)
	}
	return info
}
