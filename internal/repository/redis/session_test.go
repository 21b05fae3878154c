package redis

import (
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nkiryanov/gopherauth/internal/apperrors"
	"github.com/nkiryanov/gopherauth/internal/models"
)

func newTestRedis(t *testing.T) (*miniredis.Miniredis, *goredis.Client) {
	t.Helper()

	mr := miniredis.RunT(t)
	client := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	return mr, client
}

func session(userID uuid.UUID, hash string, ttl time.Duration) models.Session {
	now := time.Now().UTC().Truncate(time.Millisecond)
	return models.Session{
		UserID:    userID,
		TokenHash: hash,
		CreatedAt: now,
		RotatedAt: now,
		ExpiresAt: now.Add(ttl),
	}
}

func Test_SessionRepo(t *testing.T) {
	t.Parallel()

	t.Run("put and get", func(t *testing.T) {
		mr, client := newTestRedis(t)
		repo := NewSessionRepo(client)
		s := session(uuid.New(), "hash-1", time.Hour)

		err := repo.Put(t.Context(), s)
		require.NoError(t, err)

		got, err := repo.Get(t.Context(), s.UserID)
		require.NoError(t, err)
		assert.Equal(t, s.UserID, got.UserID)
		assert.Equal(t, "hash-1", got.TokenHash)
		assert.WithinDuration(t, s.CreatedAt, got.CreatedAt, 0)
		assert.WithinDuration(t, s.ExpiresAt, got.ExpiresAt, 0)

		ttl := mr.TTL(defaultKeyPrefix + s.UserID.String())
		assert.InDelta(t, time.Hour.Seconds(), ttl.Seconds(), 5, "key must expire with the session")
	})

	t.Run("put replaces existing session", func(t *testing.T) {
		_, client := newTestRedis(t)
		repo := NewSessionRepo(client)
		userID := uuid.New()
		require.NoError(t, repo.Put(t.Context(), session(userID, "hash-1", time.Hour)))

		err := repo.Put(t.Context(), session(userID, "hash-2", time.Hour))
		require.NoError(t, err)

		got, err := repo.Get(t.Context(), userID)
		require.NoError(t, err)
		assert.Equal(t, "hash-2", got.TokenHash)
	})

	t.Run("get not found", func(t *testing.T) {
		_, client := newTestRedis(t)
		repo := NewSessionRepo(client)

		_, err := repo.Get(t.Context(), uuid.New())

		require.ErrorIs(t, err, apperrors.ErrSessionNotFound)
	})

	t.Run("expired session is gone", func(t *testing.T) {
		mr, client := newTestRedis(t)
		repo := NewSessionRepo(client)
		s := session(uuid.New(), "hash-1", time.Minute)
		require.NoError(t, repo.Put(t.Context(), s))

		mr.FastForward(2 * time.Minute)

		_, err := repo.Get(t.Context(), s.UserID)
		require.ErrorIs(t, err, apperrors.ErrSessionNotFound)
	})

	t.Run("remove is idempotent", func(t *testing.T) {
		_, client := newTestRedis(t)
		repo := NewSessionRepo(client)
		userID := uuid.New()
		require.NoError(t, repo.Put(t.Context(), session(userID, "hash-1", time.Hour)))

		require.NoError(t, repo.Remove(t.Context(), userID))
		require.NoError(t, repo.Remove(t.Context(), userID), "second remove should not fail")

		_, err := repo.Get(t.Context(), userID)
		require.ErrorIs(t, err, apperrors.ErrSessionNotFound)
	})

	t.Run("Rotate", func(t *testing.T) {
		t.Run("rotate ok if hash matches", func(t *testing.T) {
			_, client := newTestRedis(t)
			repo := NewSessionRepo(client)
			first := session(uuid.New(), "hash-1", time.Hour)
			require.NoError(t, repo.Put(t.Context(), first))
			next := session(first.UserID, "hash-2", 2*time.Hour)

			err := repo.Rotate(t.Context(), first.UserID, "hash-1", next)
			require.NoError(t, err)

			got, err := repo.Get(t.Context(), first.UserID)
			require.NoError(t, err)
			assert.Equal(t, "hash-2", got.TokenHash)
			assert.WithinDuration(t, next.ExpiresAt, got.ExpiresAt, 0)
			assert.WithinDuration(t, first.CreatedAt, got.CreatedAt, 0, "created at must be kept")
		})

		t.Run("changed if hash differs", func(t *testing.T) {
			_, client := newTestRedis(t)
			repo := NewSessionRepo(client)
			userID := uuid.New()
			require.NoError(t, repo.Put(t.Context(), session(userID, "hash-2", time.Hour)))

			err := repo.Rotate(t.Context(), userID, "hash-1", session(userID, "hash-3", time.Hour))
			require.ErrorIs(t, err, apperrors.ErrSessionChanged)

			got, err := repo.Get(t.Context(), userID)
			require.NoError(t, err)
			assert.Equal(t, "hash-2", got.TokenHash, "session must be untouched")
		})

		t.Run("not found if no session", func(t *testing.T) {
			_, client := newTestRedis(t)
			repo := NewSessionRepo(client)
			userID := uuid.New()

			err := repo.Rotate(t.Context(), userID, "hash-1", session(userID, "hash-2", time.Hour))
			require.ErrorIs(t, err, apperrors.ErrSessionNotFound)

			_, err = repo.Get(t.Context(), userID)
			require.ErrorIs(t, err, apperrors.ErrSessionNotFound, "rotate must not create session")
		})

		t.Run("only one concurrent rotation wins", func(t *testing.T) {
			_, client := newTestRedis(t)
			repo := NewSessionRepo(client)
			userID := uuid.New()
			require.NoError(t, repo.Put(t.Context(), session(userID, "hash-0", time.Hour)))

			const racers = 16
			var (
				wg      sync.WaitGroup
				start   = make(chan struct{})
				results = make(chan error, racers)
			)
			for range racers {
				wg.Add(1)
				go func() {
					defer wg.Done()
					<-start
					results <- repo.Rotate(t.Context(), userID, "hash-0", session(userID, "hash-"+uuid.NewString(), time.Hour))
				}()
			}
			close(start)
			wg.Wait()
			close(results)

			won := 0
			for err := range results {
				if err == nil {
					won++
					continue
				}
				require.ErrorIs(t, err, apperrors.ErrSessionChanged, "loser must see changed session")
			}
			require.Equal(t, 1, won, "exactly one rotation must win")
		})
	})

	t.Run("redis down", func(t *testing.T) {
		mr, client := newTestRedis(t)
		repo := NewSessionRepo(client)
		mr.Close()

		_, err := repo.Get(t.Context(), uuid.New())

		require.Error(t, err)
		require.NotErrorIs(t, err, apperrors.ErrSessionNotFound, "unavailable redis is not a missing session")
	})
}
