package repository

import (
	"context"
	"sort"
	"sync"
	"time"

	"clinix/backend/internal/session/domain"
)

// MemoryRepository keeps sessions in process memory in insertion order. Used when
// DATABASE_URL is unset and in tests.
type MemoryRepository struct {
	mu   sync.Mutex
	rows []*domain.Session
}

// NewMemoryRepository returns an empty MemoryRepository.
func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{}
}

func (r *MemoryRepository) ListByUser(ctx context.Context, userID string) ([]*domain.Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*domain.Session
	for _, s := range r.rows {
		if s.UserID == userID {
			c := *s
			out = append(out, &c)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].LastUsedAt.Before(out[j].LastUsedAt) })
	return out, nil
}

func (r *MemoryRepository) GetByUserAndDevice(ctx context.Context, userID, deviceID string) (*domain.Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if s := r.find(userID, deviceID); s != nil {
		c := *s
		return &c, nil
	}
	return nil, nil
}

func (r *MemoryRepository) Create(ctx context.Context, s *domain.Session) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.find(s.UserID, s.DeviceID) != nil {
		return ErrDuplicateDevice
	}
	c := *s
	r.rows = append(r.rows, &c)
	return nil
}

func (r *MemoryRepository) Touch(ctx context.Context, id, refreshTokenHash string, lastUsedAt, expiresAt time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, s := range r.rows {
		if s.ID == id {
			s.RefreshTokenHash = refreshTokenHash
			s.LastUsedAt = lastUsedAt
			s.ExpiresAt = expiresAt
		}
	}
	return nil
}

func (r *MemoryRepository) Rotate(ctx context.Context, id, prevHash, nextHash string, lastUsedAt, expiresAt time.Time) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, s := range r.rows {
		if s.ID == id && s.RefreshTokenHash == prevHash {
			s.RefreshTokenHash = nextHash
			s.LastUsedAt = lastUsedAt
			s.ExpiresAt = expiresAt
			return true, nil
		}
	}
	return false, nil
}

func (r *MemoryRepository) Delete(ctx context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.remove(func(s *domain.Session) bool { return s.ID == id })
	return nil
}

func (r *MemoryRepository) DeleteByUserAndDevice(ctx context.Context, userID, deviceID string) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.remove(func(s *domain.Session) bool { return s.UserID == userID && s.DeviceID == deviceID }), nil
}

func (r *MemoryRepository) DeleteAllByUser(ctx context.Context, userID string) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.remove(func(s *domain.Session) bool { return s.UserID == userID }), nil
}

func (r *MemoryRepository) find(userID, deviceID string) *domain.Session {
	for _, s := range r.rows {
		if s.UserID == userID && s.DeviceID == deviceID {
			return s
		}
	}
	return nil
}

func (r *MemoryRepository) remove(match func(*domain.Session) bool) int64 {
	kept := r.rows[:0]
	var n int64
	for _, s := range r.rows {
		if match(s) {
			n++
			continue
		}
		kept = append(kept, s)
	}
	for i := len(kept); i < len(r.rows); i++ {
		r.rows[i] = nil
	}
	r.rows = kept
	return n
}
