package domain

import "time"

// Session is the server-side record of one device's refresh token. At most one
// Session exists per (UserID, DeviceID).
type Session struct {
	ID               string
	UserID           string
	DeviceID         string
	RefreshTokenHash string // SHA-256 hex of the current refresh token; the raw token is never stored
	LastUsedAt       time.Time
	ExpiresAt        time.Time // storage-level TTL for cleanup, not used for authorization
	CreatedAt        time.Time
}
