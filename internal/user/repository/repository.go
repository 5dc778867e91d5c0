package repository

import (
	"context"
	"time"

	"clinix/backend/internal/user/domain"
)

// Repository defines persistence for users.
type Repository interface {
	// GetByID returns nil, nil when no user has id.
	GetByID(ctx context.Context, id string) (*domain.User, error)
	// GetByEmail returns nil, nil when the email is unknown.
	GetByEmail(ctx context.Context, email string) (*domain.User, error)
	// Create fails with domain.ErrDuplicateEmail when the email is taken.
	Create(ctx context.Context, u *domain.User) error
	UpdateLastLogin(ctx context.Context, id string, at time.Time) error
}
