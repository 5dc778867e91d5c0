package repository

import (
	"context"
	"sync"

	"clinix/backend/internal/audit/domain"
)

// MemoryRepository keeps audit entries in process memory.
type MemoryRepository struct {
	mu      sync.Mutex
	entries []*domain.AuditLog
}

func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{}
}

func (r *MemoryRepository) Create(ctx context.Context, a *domain.AuditLog) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	c := *a
	r.entries = append(r.entries, &c)
	return nil
}

// Actions returns every recorded action in insertion order.
func (r *MemoryRepository) Actions() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.entries))
	for i, e := range r.entries {
		out[i] = e.Action
	}
	return out
}
