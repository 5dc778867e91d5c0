package repository

import (
	"context"
	"sync"

	"clinix/backend/internal/profile/domain"
)

// MemoryRepository keeps profiles in process memory. Used when DATABASE_URL is unset and in tests.
type MemoryRepository struct {
	mu      sync.Mutex
	byUser  map[string]*domain.Profile
	byEmail map[string]string
}

// NewMemoryRepository returns an empty MemoryRepository.
func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{
		byUser:  make(map[string]*domain.Profile),
		byEmail: make(map[string]string),
	}
}

func (r *MemoryRepository) Create(ctx context.Context, p *domain.Profile) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.byUser[p.UserID]; ok {
		return false, nil
	}
	if owner, ok := r.byEmail[p.Email]; ok && owner != p.UserID {
		return false, domain.ErrEmailTaken
	}
	c := *p
	r.byUser[p.UserID] = &c
	r.byEmail[p.Email] = p.UserID
	return true, nil
}

func (r *MemoryRepository) GetByUserID(ctx context.Context, userID string) (*domain.Profile, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.byUser[userID]
	if !ok {
		return nil, nil
	}
	c := *p
	return &c, nil
}

// Len returns the number of stored profiles.
func (r *MemoryRepository) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.byUser)
}
