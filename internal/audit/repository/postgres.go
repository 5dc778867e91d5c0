package repository

import (
	"context"

	"github.com/samber/oops"

	"clinix/backend/internal/audit/domain"
	"clinix/backend/internal/db"
)

type PostgresRepository struct {
	pool db.Querier
}

// NewPostgresRepository returns an audit log repository that uses the given pool for persistence.
func NewPostgresRepository(pool db.Querier) *PostgresRepository {
	return &PostgresRepository{pool: pool}
}

// Create persists the audit log. The audit log must have ID set.
func (r *PostgresRepository) Create(ctx context.Context, a *domain.AuditLog) error {
	var userID, meta *string
	if a.UserID != "" {
		userID = &a.UserID
	}
	if a.Metadata != "" {
		meta = &a.Metadata
	}
	_, err := r.pool.Exec(ctx, `
		INSERT INTO audit_logs (id, user_id, action, resource, ip, metadata, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, a.ID, userID, a.Action, a.Resource, a.IP, meta, a.CreatedAt)
	if err != nil {
		return oops.Code("AUDIT_CREATE_FAILED").With("action", a.Action).Wrap(err)
	}
	return nil
}
