package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/nkiryanov/gopherauth/internal/apperrors"
	"github.com/nkiryanov/gopherauth/internal/models"
)

type SessionRepo struct {
	DB DBTX
}

const putSession = `-- name: PutSession
INSERT INTO sessions (user_id, token_hash, created_at, rotated_at, expires_at)
VALUES ($1, $2, $3, $4, $5)
ON CONFLICT (user_id) DO UPDATE
SET token_hash = EXCLUDED.token_hash,
    created_at = EXCLUDED.created_at,
    rotated_at = EXCLUDED.rotated_at,
    expires_at = EXCLUDED.expires_at
`

func (r *SessionRepo) Put(ctx context.Context, s models.Session) error {
	_, err := r.DB.Exec(ctx, putSession, s.UserID, s.TokenHash, s.CreatedAt, s.RotatedAt, s.ExpiresAt)
	if err != nil {
		return fmt.Errorf("db error: %w", err)
	}
	return nil
}

const getSession = `-- name: GetSession
SELECT user_id, token_hash, created_at, rotated_at, expires_at
FROM sessions
WHERE user_id = $1
`

func (r *SessionRepo) Get(ctx context.Context, userID uuid.UUID) (models.Session, error) {
	rows, _ := r.DB.Query(ctx, getSession, userID)
	s, err := pgx.CollectOneRow(rows, rowToSession)

	switch {
	case err == nil:
		return s, nil
	case errors.Is(err, pgx.ErrNoRows):
		return s, fmt.Errorf("repo error: %w", apperrors.ErrSessionNotFound)
	default:
		return s, fmt.Errorf("db error: %w", err)
	}
}

const removeSession = `-- name: RemoveSession
DELETE FROM sessions
WHERE user_id = $1
`

func (r *SessionRepo) Remove(ctx context.Context, userID uuid.UUID) error {
	_, err := r.DB.Exec(ctx, removeSession, userID)
	if err != nil {
		return fmt.Errorf("db error: %w", err)
	}
	return nil
}

// Row lock taken by UPDATE serializes concurrent rotations:
// the second one re-checks token_hash after the first commits and matches nothing
const rotateSession = `-- name: RotateSession
UPDATE sessions
SET token_hash = $3, rotated_at = $4, expires_at = $5
WHERE user_id = $1 AND token_hash = $2
`

const sessionExists = `-- name: SessionExists
SELECT EXISTS (SELECT 1 FROM sessions WHERE user_id = $1)
`

func (r *SessionRepo) Rotate(ctx context.Context, userID uuid.UUID, expectedHash string, next models.Session) error {
	tag, err := r.DB.Exec(ctx, rotateSession, userID, expectedHash, next.TokenHash, next.RotatedAt, next.ExpiresAt)
	if err != nil {
		return fmt.Errorf("db error: %w", err)
	}
	if tag.RowsAffected() == 1 {
		return nil
	}

	// Nothing updated: find out why
	var exists bool
	err = r.DB.QueryRow(ctx, sessionExists, userID).Scan(&exists)
	switch {
	case err != nil:
		return fmt.Errorf("db error: %w", err)
	case exists:
		return fmt.Errorf("repo error: %w", apperrors.ErrSessionChanged)
	default:
		return fmt.Errorf("repo error: %w", apperrors.ErrSessionNotFound)
	}
}

const removeExpiredSessions = `-- name: RemoveExpiredSessions
DELETE FROM sessions
WHERE user_id IN (
    SELECT user_id FROM sessions
    WHERE expires_at <= $1
    ORDER BY expires_at
    LIMIT $2
    FOR UPDATE SKIP LOCKED
)
RETURNING user_id
`

func (r *SessionRepo) RemoveExpired(ctx context.Context, before time.Time, limit int) ([]uuid.UUID, error) {
	rows, _ := r.DB.Query(ctx, removeExpiredSessions, before, limit)
	ids, err := pgx.CollectRows(rows, pgx.RowTo[uuid.UUID])
	if err != nil {
		return nil, fmt.Errorf("db error: %w", err)
	}
	return ids, nil
}

func rowToSession(row pgx.CollectableRow) (models.Session, error) {
	var s models.Session
	err := row.Scan(&s.UserID, &s.TokenHash, &s.CreatedAt, &s.RotatedAt, &s.ExpiresAt)
	return s, err
}
