package repository

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/samber/oops"

	"clinix/backend/internal/db"
	"clinix/backend/internal/session/domain"
)

const sessionColumns = `id, user_id, device_id, refresh_token_hash, last_used_at, expires_at, created_at`

type PostgresRepository struct {
	pool db.Querier
}

// NewPostgresRepository returns a session repository that uses the given pool for persistence.
func NewPostgresRepository(pool db.Querier) *PostgresRepository {
	return &PostgresRepository{pool: pool}
}

// ListByUser returns all sessions for the user, oldest last_used_at first. Ties fall back to
// insertion order via the serial seq column.
func (r *PostgresRepository) ListByUser(ctx context.Context, userID string) ([]*domain.Session, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT `+sessionColumns+`
		FROM user_sessions
		WHERE user_id = $1
		ORDER BY last_used_at ASC, seq ASC
	`, userID)
	if err != nil {
		return nil, oops.Code("SESSION_LIST_FAILED").With("user_id", userID).Wrap(err)
	}
	defer rows.Close()

	var out []*domain.Session
	for rows.Next() {
		s, err := scanSession(rows)
		if err != nil {
			return nil, oops.Code("SESSION_SCAN_FAILED").With("user_id", userID).Wrap(err)
		}
		out = append(out, s)
	}
	if err := rows.Err(); err != nil {
		return nil, oops.Code("SESSION_ROWS_ERROR").With("user_id", userID).Wrap(err)
	}
	return out, nil
}

// GetByUserAndDevice returns the session for the pair, or nil if not found.
// It returns an error only for database failures, not for missing rows.
func (r *PostgresRepository) GetByUserAndDevice(ctx context.Context, userID, deviceID string) (*domain.Session, error) {
	row := r.pool.QueryRow(ctx, `
		SELECT `+sessionColumns+`
		FROM user_sessions
		WHERE user_id = $1 AND device_id = $2
	`, userID, deviceID)
	s, err := scanSession(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, oops.Code("SESSION_GET_FAILED").With("user_id", userID).With("device_id", deviceID).Wrap(err)
	}
	return s, nil
}

// Create persists the session. The session must have ID set. The (user_id, device_id) unique
// index turns a concurrent duplicate into ErrDuplicateDevice.
func (r *PostgresRepository) Create(ctx context.Context, s *domain.Session) error {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO user_sessions (id, user_id, device_id, refresh_token_hash, last_used_at, expires_at, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`,
		s.ID,
		s.UserID,
		s.DeviceID,
		s.RefreshTokenHash,
		s.LastUsedAt,
		s.ExpiresAt,
		s.CreatedAt,
	)
	if _, dup := db.UniqueViolation(err); dup {
		return ErrDuplicateDevice
	}
	if err != nil {
		return oops.Code("SESSION_CREATE_FAILED").
			With("user_id", s.UserID).
			With("device_id", s.DeviceID).
			Wrap(err)
	}
	return nil
}

// Touch overwrites the refresh token hash and timestamps of the row.
func (r *PostgresRepository) Touch(ctx context.Context, id, refreshTokenHash string, lastUsedAt, expiresAt time.Time) error {
	_, err := r.pool.Exec(ctx, `
		UPDATE user_sessions
		SET refresh_token_hash = $2, last_used_at = $3, expires_at = $4
		WHERE id = $1
	`, id, refreshTokenHash, lastUsedAt, expiresAt)
	if err != nil {
		return oops.Code("SESSION_TOUCH_FAILED").With("id", id).Wrap(err)
	}
	return nil
}

// Rotate is a compare-and-swap on refresh_token_hash.
func (r *PostgresRepository) Rotate(ctx context.Context, id, prevHash, nextHash string, lastUsedAt, expiresAt time.Time) (bool, error) {
	tag, err := r.pool.Exec(ctx, `
		UPDATE user_sessions
		SET refresh_token_hash = $3, last_used_at = $4, expires_at = $5
		WHERE id = $1 AND refresh_token_hash = $2
	`, id, prevHash, nextHash, lastUsedAt, expiresAt)
	if err != nil {
		return false, oops.Code("SESSION_ROTATE_FAILED").With("id", id).Wrap(err)
	}
	return tag.RowsAffected() == 1, nil
}

// Delete removes the session with id. Missing rows are not an error.
func (r *PostgresRepository) Delete(ctx context.Context, id string) error {
	if _, err := r.pool.Exec(ctx, `DELETE FROM user_sessions WHERE id = $1`, id); err != nil {
		return oops.Code("SESSION_DELETE_FAILED").With("id", id).Wrap(err)
	}
	return nil
}

// DeleteByUserAndDevice removes the pair's session and reports how many rows went away.
func (r *PostgresRepository) DeleteByUserAndDevice(ctx context.Context, userID, deviceID string) (int64, error) {
	tag, err := r.pool.Exec(ctx, `DELETE FROM user_sessions WHERE user_id = $1 AND device_id = $2`, userID, deviceID)
	if err != nil {
		return 0, oops.Code("SESSION_DELETE_FAILED").With("user_id", userID).With("device_id", deviceID).Wrap(err)
	}
	return tag.RowsAffected(), nil
}

// DeleteAllByUser removes every session of the user.
func (r *PostgresRepository) DeleteAllByUser(ctx context.Context, userID string) (int64, error) {
	tag, err := r.pool.Exec(ctx, `DELETE FROM user_sessions WHERE user_id = $1`, userID)
	if err != nil {
		return 0, oops.Code("SESSION_DELETE_ALL_FAILED").With("user_id", userID).Wrap(err)
	}
	return tag.RowsAffected(), nil
}

func scanSession(row pgx.Row) (*domain.Session, error) {
	var s domain.Session
	if err := row.Scan(
		&s.ID,
		&s.UserID,
		&s.DeviceID,
		&s.RefreshTokenHash,
		&s.LastUsedAt,
		&s.ExpiresAt,
		&s.CreatedAt,
	); err != nil {
		return nil, err
	}
	return &s, nil
}
