package session

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/pressly/goose/v3"
	_ "modernc.org/sqlite"

	"github.com/nkiryanov/gopherauth/internal/apperrors"
	"github.com/nkiryanov/gopherauth/internal/models"
)

//go:embed migrations/*.sql
var embedMigrations embed.FS

const inMemoryDSN = ":memory:"

// Durable session cache in a local sqlite file
type SQLiteCache struct {
	db  *sql.DB
	now func() time.Time
}

// OpenSQLite opens or creates cache file and migrates its schema.
// The file holds tokens, so it is readable by owner only
func OpenSQLite(ctx context.Context, path string) (*SQLiteCache, error) {
	if path != inMemoryDSN {
		f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o600)
		if err != nil {
			return nil, fmt.Errorf("can't open session file. Err: %w", err)
		}
		_ = f.Close()

		if err := os.Chmod(path, 0o600); err != nil {
			return nil, fmt.Errorf("can't restrict session file permissions. Err: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("can't open sqlite. Err: %w", err)
	}
	// Single writer, and ':memory:' database lives in one connection only
	db.SetMaxOpenConns(1)

	if err := migrate(ctx, db); err != nil {
		_ = db.Close()
		return nil, err
	}

	return &SQLiteCache{db: db, now: time.Now}, nil
}

func migrate(ctx context.Context, db *sql.DB) error {
	migrations, err := fs.Sub(embedMigrations, "migrations")
	if err != nil {
		return fmt.Errorf("migrations not embedded. Err: %w", err)
	}

	provider, err := goose.NewProvider(goose.DialectSQLite3, db, migrations)
	if err != nil {
		return fmt.Errorf("can't create migration provider. Err: %w", err)
	}

	if _, err := provider.Up(ctx); err != nil {
		return fmt.Errorf("migration failed. Err: %w", err)
	}
	return nil
}

func (c *SQLiteCache) Close() error {
	return c.db.Close()
}

const saveSession = `
INSERT INTO client_session (id, user_id, username, access_token, access_expires_at, refresh_token, refresh_expires_at, updated_at)
VALUES (1, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT (id) DO UPDATE
SET user_id = excluded.user_id,
    username = excluded.username,
    access_token = excluded.access_token,
    access_expires_at = excluded.access_expires_at,
    refresh_token = excluded.refresh_token,
    refresh_expires_at = excluded.refresh_expires_at,
    updated_at = excluded.updated_at
`

func (c *SQLiteCache) Save(ctx context.Context, s models.ClientSession) error {
	_, err := c.db.ExecContext(ctx, saveSession,
		s.UserID.String(),
		s.Username,
		s.AccessToken,
		s.AccessExpiresAt.UnixMilli(),
		s.RefreshToken,
		s.RefreshExpiresAt.UnixMilli(),
		c.now().UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("sqlite error: %w", err)
	}
	return nil
}

const loadSession = `
SELECT user_id, username, access_token, access_expires_at, refresh_token, refresh_expires_at
FROM client_session
WHERE id = 1
`

func (c *SQLiteCache) Load(ctx context.Context) (models.ClientSession, error) {
	var (
		s                models.ClientSession
		userID           string
		accessExpiresAt  int64
		refreshExpiresAt int64
	)

	err := c.db.QueryRowContext(ctx, loadSession).Scan(&userID, &s.Username, &s.AccessToken, &accessExpiresAt, &s.RefreshToken, &refreshExpiresAt)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return s, apperrors.ErrNoSession
	case err != nil:
		return s, fmt.Errorf("sqlite error: %w", err)
	}

	s.UserID, err = uuid.Parse(userID)
	if err != nil {
		return models.ClientSession{}, fmt.Errorf("corrupted session cache: %w", err)
	}
	s.AccessExpiresAt = time.UnixMilli(accessExpiresAt)
	s.RefreshExpiresAt = time.UnixMilli(refreshExpiresAt)

	return s, nil
}

func (c *SQLiteCache) Clear(ctx context.Context) error {
	if _, err := c.db.ExecContext(ctx, `DELETE FROM client_session`); err != nil {
		return fmt.Errorf("sqlite error: %w", err)
	}
	return nil
}
