package repository

import (
	"context"
	"fmt"
	"sync"
	"time"

	"clinix/backend/internal/user/domain"
)

// MemoryRepository keeps users in process memory. Used when DATABASE_URL is unset and in tests.
type MemoryRepository struct {
	mu      sync.Mutex
	byID    map[string]*domain.User
	byEmail map[string]string
}

// NewMemoryRepository returns an empty MemoryRepository.
func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{
		byID:    make(map[string]*domain.User),
		byEmail: make(map[string]string),
	}
}

func (r *MemoryRepository) GetByID(ctx context.Context, id string) (*domain.User, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return cloneUser(r.byID[id]), nil
}

func (r *MemoryRepository) GetByEmail(ctx context.Context, email string) (*domain.User, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return cloneUser(r.byID[r.byEmail[email]]), nil
}

func (r *MemoryRepository) Create(ctx context.Context, u *domain.User) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.byEmail[u.Email]; ok {
		return domain.ErrDuplicateEmail
	}
	r.byID[u.ID] = cloneUser(u)
	r.byEmail[u.Email] = u.ID
	return nil
}

func (r *MemoryRepository) UpdateLastLogin(ctx context.Context, id string, at time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if u, ok := r.byID[id]; ok {
		t := at
		u.LastLoginAt = &t
		u.UpdatedAt = at
	}
	return nil
}

// SetStatus changes the status of id. Used by seed data and tests.
func (r *MemoryRepository) SetStatus(id string, status domain.UserStatus) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	u, ok := r.byID[id]
	if !ok {
		return fmt.Errorf("user %s not found", id)
	}
	u.Status = status
	return nil
}

func cloneUser(u *domain.User) *domain.User {
	if u == nil {
		return nil
	}
	c := *u
	c.Roles = append([]domain.Role(nil), u.Roles...)
	if u.LastLoginAt != nil {
		t := *u.LastLoginAt
		c.LastLoginAt = &t
	}
	return &c
}
