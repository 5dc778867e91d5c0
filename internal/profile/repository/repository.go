package repository

import (
	"context"

	"clinix/backend/internal/profile/domain"
)

// Repository defines persistence for one kind of profile.
type Repository interface {
	// Create inserts p unless a profile for p.UserID already exists, in which case
	// created is false and nothing changes. A clash on email with another user is
	// domain.ErrEmailTaken.
	Create(ctx context.Context, p *domain.Profile) (created bool, err error)
	// GetByUserID returns nil, nil when the user has no profile.
	GetByUserID(ctx context.Context, userID string) (*domain.Profile, error)
}
