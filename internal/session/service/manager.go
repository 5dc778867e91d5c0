// Package service enforces the per-user device cap and refresh-token rotation
// on top of the session repository.
package service

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"clinix/backend/internal/logging"
	"clinix/backend/internal/security"
	"clinix/backend/internal/session/domain"
	"clinix/backend/internal/session/lock"
	"clinix/backend/internal/session/repository"
	"clinix/backend/internal/telemetry"
)

const (
	DefaultMaxDevices = 3
	DefaultSessionTTL = 5 * 24 * time.Hour
)

// ErrStaleRefreshToken is returned by Rotate when the stored hash no longer matches
// the presented token or the row is gone.
var ErrStaleRefreshToken = errors.New("refresh token superseded")

// Config bounds session growth per user.
type Config struct {
	MaxDevices int
	SessionTTL time.Duration
}

// Result describes what ManageSession did.
type Result struct {
	SessionID     string
	DeviceRevoked bool
	// ActiveSessions is the count loaded before this call changed anything.
	ActiveSessions int
	// Evicted lists the device ids removed to make room.
	Evicted []string
}

// Manager records and rotates device sessions.
type Manager struct {
	repo    repository.Repository
	locker  lock.Locker
	cfg     Config
	metrics *telemetry.Metrics
	logger  *slog.Logger
	now     func() time.Time
}

// NewManager returns a Manager. A nil locker falls back to an in-process keyed mutex.
func NewManager(repo repository.Repository, locker lock.Locker, cfg Config, metrics *telemetry.Metrics, logger *slog.Logger) *Manager {
	if locker == nil {
		locker = lock.NewKeyedMutex()
	}
	if cfg.MaxDevices < 1 {
		cfg.MaxDevices = DefaultMaxDevices
	}
	if cfg.SessionTTL <= 0 {
		cfg.SessionTTL = DefaultSessionTTL
	}
	if logger == nil {
		logger = logging.Discard()
	}
	return &Manager{
		repo:    repo,
		locker:  locker,
		cfg:     cfg,
		metrics: metrics,
		logger:  logger,
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// SetClock replaces the time source. Tests only.
func (m *Manager) SetClock(now func() time.Time) {
	m.now = now
}

// ManageSession records refreshToken for (userID, deviceID). A device that already has a
// session is updated in place. A new device at or above the cap first evicts the session
// with the oldest last use.
func (m *Manager) ManageSession(ctx context.Context, userID, deviceID, refreshToken string) (Result, error) {
	release, err := m.locker.Lock(ctx, "user:"+userID)
	if err != nil {
		return Result{}, err
	}
	defer release()

	hash := security.HashRefreshToken(refreshToken)
	now := m.now()
	expiresAt := now.Add(m.cfg.SessionTTL)

	sessions, err := m.repo.ListByUser(ctx, userID)
	if err != nil {
		return Result{}, err
	}
	res := Result{ActiveSessions: len(sessions)}

	for _, s := range sessions {
		if s.DeviceID == deviceID {
			if err := m.repo.Touch(ctx, s.ID, hash, now, expiresAt); err != nil {
				return Result{}, err
			}
			res.SessionID = s.ID
			return res, nil
		}
	}

	// Normally at most one row goes; the loop also drains a set that outgrew a lowered cap.
	remaining := sessions
	for len(remaining) >= m.cfg.MaxDevices {
		oldest := remaining[0]
		if err := m.repo.Delete(ctx, oldest.ID); err != nil {
			return Result{}, err
		}
		remaining = remaining[1:]
		res.DeviceRevoked = true
		res.Evicted = append(res.Evicted, oldest.DeviceID)
		m.metrics.Eviction(ctx)
		m.logger.InfoContext(ctx, "session evicted by device cap",
			slog.String("user_id", userID),
			slog.String("evicted_device_id", oldest.DeviceID),
			slog.Int("max_devices", m.cfg.MaxDevices),
		)
	}

	s := &domain.Session{
		ID:               uuid.NewString(),
		UserID:           userID,
		DeviceID:         deviceID,
		RefreshTokenHash: hash,
		LastUsedAt:       now,
		ExpiresAt:        expiresAt,
		CreatedAt:        now,
	}
	err = m.repo.Create(ctx, s)
	if errors.Is(err, repository.ErrDuplicateDevice) {
		// Another replica created the row without holding our lock; treat as reuse.
		existing, gerr := m.repo.GetByUserAndDevice(ctx, userID, deviceID)
		if gerr != nil {
			return Result{}, gerr
		}
		if existing == nil {
			return Result{}, err
		}
		if err := m.repo.Touch(ctx, existing.ID, hash, now, expiresAt); err != nil {
			return Result{}, err
		}
		res.SessionID = existing.ID
		return res, nil
	}
	if err != nil {
		return Result{}, err
	}
	res.SessionID = s.ID
	return res, nil
}

// Lookup returns the session for (userID, deviceID), or nil when none exists.
func (m *Manager) Lookup(ctx context.Context, userID, deviceID string) (*domain.Session, error) {
	return m.repo.GetByUserAndDevice(ctx, userID, deviceID)
}

// Rotate swaps s's hash for the hash of nextToken, provided the row still holds s's hash.
func (m *Manager) Rotate(ctx context.Context, s *domain.Session, nextToken string) error {
	now := m.now()
	ok, err := m.repo.Rotate(ctx, s.ID, s.RefreshTokenHash, security.HashRefreshToken(nextToken), now, now.Add(m.cfg.SessionTTL))
	if err != nil {
		return err
	}
	if !ok {
		return ErrStaleRefreshToken
	}
	return nil
}

// Revoke deletes the session for (userID, deviceID). Zero rows is not an error.
func (m *Manager) Revoke(ctx context.Context, userID, deviceID string) (int64, error) {
	return m.repo.DeleteByUserAndDevice(ctx, userID, deviceID)
}

// RevokeAll deletes every session of userID.
func (m *Manager) RevokeAll(ctx context.Context, userID string) (int64, error) {
	n, err := m.repo.DeleteAllByUser(ctx, userID)
	if err != nil {
		return n, err
	}
	m.metrics.Revocation(ctx)
	return n, nil
}
