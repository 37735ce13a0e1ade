package models

import "time"

// TokenInfo stores the session used for remote calls.
type TokenInfo struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`
	Email     string    `json:"email"`
	AuthID    string    `json:"auth_id"` // identity-provider subject, mapped to a numeric remote user id
}

// IsExpired checks if the token has expired. A zero expiry never expires.
func (t *TokenInfo) IsExpired() bool {
	return t.IsExpiredAt(time.Now())
}

// IsExpiredAt checks expiry against a given instant.
func (t *TokenInfo) IsExpiredAt(now time.Time) bool {
	if t.ExpiresAt.IsZero() {
		return false
	}
	return now.After(t.ExpiresAt)
}
