// Package service provisions profiles from user-created events and serves them back.
package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	eventsdomain "clinix/backend/internal/events/domain"
	"clinix/backend/internal/logging"
	"clinix/backend/internal/profile/domain"
	"clinix/backend/internal/profile/repository"
)

var (
	// ErrProfileCreationFailed wraps storage failures during provisioning. The event should be retried.
	ErrProfileCreationFailed = errors.New("profile creation failed")
	ErrProfileNotFound       = errors.New("profile not found")
)

// Service provisions one kind of profile.
type Service struct {
	repo   repository.Repository
	kind   domain.Kind
	logger *slog.Logger
	now    func() time.Time
}

// NewService returns a Service for kind.
func NewService(repo repository.Repository, kind domain.Kind, logger *slog.Logger) *Service {
	if logger == nil {
		logger = logging.Discard()
	}
	return &Service{
		repo:   repo,
		kind:   kind,
		logger: logger.With(slog.String("profile_kind", string(kind))),
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// Kind returns the profile kind this service provisions.
func (s *Service) Kind() domain.Kind { return s.kind }

// Provision creates the profile for evt.UserID. It is idempotent: an existing profile
// for the same user is left untouched and reported as created=false with no error.
// An email owned by another user's profile returns domain.ErrEmailTaken.
func (s *Service) Provision(ctx context.Context, evt eventsdomain.UserCreated) (created bool, err error) {
	if err := evt.Validate(); err != nil {
		return false, err
	}
	p := &domain.Profile{
		ID:        uuid.NewString(),
		UserID:    evt.UserID,
		Kind:      s.kind,
		Email:     strings.ToLower(strings.TrimSpace(evt.Email)),
		FirstName: evt.FirstName,
		LastName:  evt.LastName,
		CreatedAt: s.now(),
	}
	created, err = s.repo.Create(ctx, p)
	switch {
	case errors.Is(err, domain.ErrEmailTaken):
		s.logger.WarnContext(ctx, "profile email already owned by another user",
			slog.String("user_id", evt.UserID))
		return false, err
	case err != nil:
		return false, fmt.Errorf("%w: %w", ErrProfileCreationFailed, err)
	}
	if created {
		s.logger.InfoContext(ctx, "profile provisioned", slog.String("user_id", evt.UserID), slog.String("profile_id", p.ID))
	} else {
		s.logger.InfoContext(ctx, "profile already provisioned", slog.String("user_id", evt.UserID))
	}
	return created, nil
}

// GetByUserID returns the caller's profile or ErrProfileNotFound.
func (s *Service) GetByUserID(ctx context.Context, userID string) (*domain.Profile, error) {
	p, err := s.repo.GetByUserID(ctx, userID)
	if err != nil {
		return nil, err
	}
	if p == nil {
		return nil, ErrProfileNotFound
	}
	return p, nil
}
