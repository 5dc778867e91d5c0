package repository

import (
	"context"
	"errors"
	"time"

	"clinix/backend/internal/session/domain"
)

// ErrDuplicateDevice is returned by Create when a session already exists for the (user, device) pair.
var ErrDuplicateDevice = errors.New("session already exists for device")

// Repository defines persistence for sessions.
type Repository interface {
	// ListByUser returns the user's sessions ordered by last_used_at ascending (oldest first).
	// Ties keep storage order.
	ListByUser(ctx context.Context, userID string) ([]*domain.Session, error)
	// GetByUserAndDevice returns nil, nil when no session exists.
	GetByUserAndDevice(ctx context.Context, userID, deviceID string) (*domain.Session, error)
	Create(ctx context.Context, s *domain.Session) error
	// Touch replaces the refresh token hash and timestamps of an existing row.
	Touch(ctx context.Context, id, refreshTokenHash string, lastUsedAt, expiresAt time.Time) error
	// Rotate replaces the hash only if the row still holds prevHash. Returns false when another
	// writer rotated first or the row is gone.
	Rotate(ctx context.Context, id, prevHash, nextHash string, lastUsedAt, expiresAt time.Time) (bool, error)
	Delete(ctx context.Context, id string) error
	// DeleteByUserAndDevice returns the number of rows removed; zero is not an error.
	DeleteByUserAndDevice(ctx context.Context, userID, deviceID string) (int64, error)
	// DeleteAllByUser returns the number of rows removed; zero is not an error.
	DeleteAllByUser(ctx context.Context, userID string) (int64, error)
}
