package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/samber/oops"

	"clinix/backend/internal/db"
	"clinix/backend/internal/profile/domain"
)

const profileColumns = `id, user_id, email, first_name, last_name, created_at`

type PostgresRepository struct {
	pool  db.Querier
	kind  domain.Kind
	table string
}

// NewPostgresRepository returns a profile repository backed by the <kind>_profiles table.
func NewPostgresRepository(pool db.Querier, kind domain.Kind) (*PostgresRepository, error) {
	if _, err := domain.ParseKind(string(kind)); err != nil {
		return nil, err
	}
	return &PostgresRepository{pool: pool, kind: kind, table: string(kind) + "_profiles"}, nil
}

func (r *PostgresRepository) Create(ctx context.Context, p *domain.Profile) (bool, error) {
	tag, err := r.pool.Exec(ctx, fmt.Sprintf(`
		INSERT INTO %s (id, user_id, email, first_name, last_name, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (user_id) DO NOTHING
	`, r.table),
		p.ID,
		p.UserID,
		p.Email,
		p.FirstName,
		p.LastName,
		p.CreatedAt,
	)
	if _, dup := db.UniqueViolation(err); dup {
		return false, domain.ErrEmailTaken
	}
	if err != nil {
		return false, oops.Code("PROFILE_CREATE_FAILED").
			With("kind", string(r.kind)).
			With("user_id", p.UserID).
			Wrap(err)
	}
	return tag.RowsAffected() == 1, nil
}

func (r *PostgresRepository) GetByUserID(ctx context.Context, userID string) (*domain.Profile, error) {
	row := r.pool.QueryRow(ctx, `SELECT `+profileColumns+` FROM `+r.table+` WHERE user_id = $1`, userID)
	p := domain.Profile{Kind: r.kind}
	err := row.Scan(&p.ID, &p.UserID, &p.Email, &p.FirstName, &p.LastName, &p.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, oops.Code("PROFILE_GET_FAILED").
			With("kind", string(r.kind)).
			With("user_id", userID).
			Wrap(err)
	}
	return &p, nil
}
