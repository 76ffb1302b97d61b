package models

import "time"

// Session is the record stored under session:<id>.
type Session struct {
	SessionID    string    `json:"session_id"`
	UserID       string    `json:"user_id"`
	IPAddress    string    `json:"ip_address"`
	UserAgent    string    `json:"user_agent"`
	CreatedAt    time.Time `json:"created_at"`
	LastActivity time.Time `json:"last_activity"`
	ExpiresAt    time.Time `json:"expires_at"`
}

func (s *Session) IsExpired(now time.Time) bool {
	return !s.ExpiresAt.IsZero() && now.After(s.ExpiresAt)
}

// RequestMetadata carries the request attributes recorded with a session
// and fed to threat analysis.
type RequestMetadata struct {
	IPAddress         string `json:"ip_address"`
	UserAgent         string `json:"user_agent"`
	Location          string `json:"location,omitempty"`
	DeviceFingerprint string `json:"device_fingerprint,omitempty"`
}

type RefreshToken struct {
	Token     string    `json:"token"`
	UserID    string    `json:"user_id"`
	ExpiresAt time.Time `json:"expires_at"`
}

// TokenPair is returned to clients after a successful login or refresh.
type TokenPair struct {
	AccessToken      string    `json:"access_token"`
	AccessExpiresAt  time.Time `json:"access_expires_at"`
	RefreshToken     string    `json:"refresh_token"`
	RefreshExpiresAt time.Time `json:"refresh_expires_at"`
	SessionID        string    `json:"session_id,omitempty"`
	TokenType        string    `json:"token_type"`
}
