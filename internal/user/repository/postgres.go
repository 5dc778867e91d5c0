package repository

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/samber/oops"

	"clinix/backend/internal/db"
	"clinix/backend/internal/user/domain"
)

const userColumns = `id, email, password_hash, first_name, last_name, roles, status, last_login_at, created_at, updated_at`

type PostgresRepository struct {
	pool db.Querier
}

// NewPostgresRepository returns a user repository that uses the given pool for persistence.
func NewPostgresRepository(pool db.Querier) *PostgresRepository {
	return &PostgresRepository{pool: pool}
}

// GetByID returns the user for id, or nil if not found.
// It returns an error only for database failures, not for missing rows.
func (r *PostgresRepository) GetByID(ctx context.Context, id string) (*domain.User, error) {
	row := r.pool.QueryRow(ctx, `SELECT `+userColumns+` FROM users WHERE id = $1`, id)
	u, err := scanUser(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, oops.Code("USER_GET_BY_ID_FAILED").With("id", id).Wrap(err)
	}
	return u, nil
}

// GetByEmail returns the user with the given email, or nil if not found.
// It returns an error only for database failures, not for missing rows.
func (r *PostgresRepository) GetByEmail(ctx context.Context, email string) (*domain.User, error) {
	row := r.pool.QueryRow(ctx, `SELECT `+userColumns+` FROM users WHERE email = $1`, email)
	u, err := scanUser(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, oops.Code("USER_GET_BY_EMAIL_FAILED").Wrap(err)
	}
	return u, nil
}

// Create persists the user. The user must have ID set; it is not assigned by this method.
// A unique violation on email is reported as domain.ErrDuplicateEmail.
func (r *PostgresRepository) Create(ctx context.Context, u *domain.User) error {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO users (id, email, password_hash, first_name, last_name, roles, status, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`,
		u.ID,
		u.Email,
		u.PasswordHash,
		u.FirstName,
		u.LastName,
		domain.RoleStrings(u.Roles),
		string(u.Status),
		u.CreatedAt,
		u.UpdatedAt,
	)
	if _, dup := db.UniqueViolation(err); dup {
		return domain.ErrDuplicateEmail
	}
	if err != nil {
		return oops.Code("USER_CREATE_FAILED").With("id", u.ID).Wrap(err)
	}
	return nil
}

// UpdateLastLogin sets last_login_at for id. Missing users are not an error.
func (r *PostgresRepository) UpdateLastLogin(ctx context.Context, id string, at time.Time) error {
	_, err := r.pool.Exec(ctx, `UPDATE users SET last_login_at = $2, updated_at = $2 WHERE id = $1`, id, at)
	if err != nil {
		return oops.Code("USER_UPDATE_LAST_LOGIN_FAILED").With("id", id).Wrap(err)
	}
	return nil
}

func scanUser(row pgx.Row) (*domain.User, error) {
	var (
		u      domain.User
		roles  []string
		status string
	)
	if err := row.Scan(
		&u.ID,
		&u.Email,
		&u.PasswordHash,
		&u.FirstName,
		&u.LastName,
		&roles,
		&status,
		&u.LastLoginAt,
		&u.CreatedAt,
		&u.UpdatedAt,
	); err != nil {
		return nil, err
	}
	u.Status = domain.UserStatus(status)
	u.Roles = make([]domain.Role, len(roles))
	for i, r := range roles {
		u.Roles[i] = domain.Role(r)
	}
	return &u, nil
}
