package redis

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	goredis "github.com/redis/go-redis/v9"

	"github.com/nkiryanov/gopherauth/internal/apperrors"
	"github.com/nkiryanov/gopherauth/internal/models"
)

const defaultKeyPrefix = "gopherauth:session:"

const (
	fieldTokenHash = "token_hash"
	fieldCreatedAt = "created_at"
	fieldRotatedAt = "rotated_at"
	fieldExpiresAt = "expires_at"
)

const (
	rotateStatusNotFound int64 = 0
	rotateStatusMismatch int64 = 1
	rotateStatusRotated  int64 = 2
)

// KEYS[1] session key
// ARGV: expected hash, new hash, rotated at, expires at, expires at (unix ms)
const rotateSessionScript = `
local current = redis.call("HGET", KEYS[1], "token_hash")
if not current then
  return 0
end
if current ~= ARGV[1] then
  return 1
end
redis.call("HSET", KEYS[1], "token_hash", ARGV[2], "rotated_at", ARGV[3], "expires_at", ARGV[4])
redis.call("PEXPIREAT", KEYS[1], ARGV[5])
return 2
`

var rotateSessionLua = goredis.NewScript(rotateSessionScript)

// Session repository on redis.
// Every session is a hash that expires together with the refresh token
type SessionRepo struct {
	client goredis.UniversalClient
	prefix string
}

func NewSessionRepo(client goredis.UniversalClient) *SessionRepo {
	return &SessionRepo{client: client, prefix: defaultKeyPrefix}
}

func (r *SessionRepo) key(userID uuid.UUID) string {
	return r.prefix + userID.String()
}

func (r *SessionRepo) Put(ctx context.Context, s models.Session) error {
	key := r.key(s.UserID)

	_, err := r.client.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
		pipe.Del(ctx, key)
		pipe.HSet(ctx, key,
			fieldTokenHash, s.TokenHash,
			fieldCreatedAt, formatTime(s.CreatedAt),
			fieldRotatedAt, formatTime(s.RotatedAt),
			fieldExpiresAt, formatTime(s.ExpiresAt),
		)
		pipe.PExpireAt(ctx, key, s.ExpiresAt)
		return nil
	})
	if err != nil {
		return fmt.Errorf("redis error: %w", err)
	}
	return nil
}

func (r *SessionRepo) Get(ctx context.Context, userID uuid.UUID) (models.Session, error) {
	values, err := r.client.HGetAll(ctx, r.key(userID)).Result()
	if err != nil {
		return models.Session{}, fmt.Errorf("redis error: %w", err)
	}
	if len(values) == 0 {
		return models.Session{}, fmt.Errorf("repo error: %w", apperrors.ErrSessionNotFound)
	}

	s := models.Session{UserID: userID, TokenHash: values[fieldTokenHash]}
	err = errors.Join(
		parseTime(values[fieldCreatedAt], &s.CreatedAt),
		parseTime(values[fieldRotatedAt], &s.RotatedAt),
		parseTime(values[fieldExpiresAt], &s.ExpiresAt),
	)
	if err != nil {
		return models.Session{}, fmt.Errorf("corrupted session %s: %w", userID, err)
	}

	return s, nil
}

func (r *SessionRepo) Remove(ctx context.Context, userID uuid.UUID) error {
	if err := r.client.Del(ctx, r.key(userID)).Err(); err != nil {
		return fmt.Errorf("redis error: %w", err)
	}
	return nil
}

// Rotate compares the stored hash and swaps it inside one lua script, so redis executes it atomically
func (r *SessionRepo) Rotate(ctx context.Context, userID uuid.UUID, expectedHash string, next models.Session) error {
	status, err := rotateSessionLua.Run(ctx, r.client,
		[]string{r.key(userID)},
		expectedHash,
		next.TokenHash,
		formatTime(next.RotatedAt),
		formatTime(next.ExpiresAt),
		next.ExpiresAt.UnixMilli(),
	).Int64()
	if err != nil {
		return fmt.Errorf("redis error: %w", err)
	}

	switch status {
	case rotateStatusRotated:
		return nil
	case rotateStatusMismatch:
		return fmt.Errorf("repo error: %w", apperrors.ErrSessionChanged)
	case rotateStatusNotFound:
		return fmt.Errorf("repo error: %w", apperrors.ErrSessionNotFound)
	default:
		return fmt.Errorf("unexpected rotate status %d", status)
	}
}

// Redis evicts sessions by itself when keys expire, nothing to remove
func (r *SessionRepo) RemoveExpired(_ context.Context, _ time.Time, _ int) ([]uuid.UUID, error) {
	return nil, nil
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(value string, dst *time.Time) error {
	t, err := time.Parse(time.RFC3339Nano, value)
	if err != nil {
		return err
	}
	*dst = t
	return nil
}
