package client

import (
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/nkiryanov/gopherauth/internal/apperrors"
	"github.com/nkiryanov/gopherauth/internal/client/session"
	"github.com/nkiryanov/gopherauth/internal/handlers"
	"github.com/nkiryanov/gopherauth/internal/logger"
	"github.com/nkiryanov/gopherauth/internal/metrics"
	"github.com/nkiryanov/gopherauth/internal/repository/memory"
	"github.com/nkiryanov/gopherauth/internal/service/auth"
	"github.com/nkiryanov/gopherauth/internal/service/auth/tokenmanager"
)

type testServer struct {
	*httptest.Server

	clock     atomic.Int64
	refreshes atomic.Int32
}

func (s *testServer) now() time.Time {
	return time.Unix(0, s.clock.Load())
}

func (s *testServer) advance(d time.Duration) {
	s.clock.Add(int64(d))
}

// Real handlers over memory storage with controlled clock
func startServer(t *testing.T) *testServer {
	t.Helper()

	srv := &testServer{}
	srv.clock.Store(time.Now().UnixNano())

	tokens, err := tokenmanager.New(
		tokenmanager.Config{SecretKey: "test-secret", AccessTTL: time.Minute, RefreshTTL: time.Hour},
		tokenmanager.WithClock(srv.now),
	)
	require.NoError(t, err)

	storage := memory.NewStorage()
	s, err := auth.NewService(
		auth.Config{Hasher: auth.BcryptHasher{Cost: bcrypt.MinCost}, Now: srv.now},
		tokens, storage.User(), storage.Session(),
	)
	require.NoError(t, err)

	router := handlers.NewRouter(s, metrics.New(), logger.NewNoOpLogger())
	srv.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/api/auth/refresh" {
			srv.refreshes.Add(1)
		}
		router.ServeHTTP(w, r)
	}))
	t.Cleanup(srv.Close)

	return srv
}

func newClient(t *testing.T, srv *testServer, cache session.Cache) (*Client, *atomic.Int32) {
	t.Helper()

	var expired atomic.Int32
	c, err := New(Config{
		BaseURL:          srv.URL,
		Cache:            cache,
		OnSessionExpired: func(error) { expired.Add(1) },
	})
	require.NoError(t, err)
	return c, &expired
}

func TestNew(t *testing.T) {
	t.Parallel()

	_, err := New(Config{})
	require.Error(t, err)
}

func TestClient(t *testing.T) {
	t.Parallel()

	t.Run("register and me", func(t *testing.T) {
		srv := startServer(t)
		c, _ := newClient(t, srv, nil)

		s, err := c.Register(t.Context(), "nk", "StrongEnoughPassword")
		require.NoError(t, err)

		me, err := c.Me(t.Context())
		require.NoError(t, err)
		require.Equal(t, s.UserID, me.UserID)
		require.Equal(t, "nk", me.Username)
		require.Zero(t, srv.refreshes.Load())
	})

	t.Run("expired access token renewed once for concurrent requests", func(t *testing.T) {
		srv := startServer(t)
		c, expired := newClient(t, srv, nil)
		before, err := c.Register(t.Context(), "nk", "StrongEnoughPassword")
		require.NoError(t, err)

		srv.advance(2 * time.Minute)

		var wg sync.WaitGroup
		errs := make(chan error, 3)
		for range 3 {
			wg.Add(1)
			go func() {
				defer wg.Done()
				_, err := c.Me(t.Context())
				errs <- err
			}()
		}
		wg.Wait()
		close(errs)

		for err := range errs {
			require.NoError(t, err)
		}
		require.EqualValues(t, 1, srv.refreshes.Load())
		require.Zero(t, expired.Load())

		after, err := c.Session(t.Context())
		require.NoError(t, err)
		require.NotEqual(t, before.RefreshToken, after.RefreshToken)
		require.Equal(t, "nk", after.Username)
	})

	t.Run("session lost when refresh expired too", func(t *testing.T) {
		srv := startServer(t)
		c, expired := newClient(t, srv, nil)
		_, err := c.Login(t.Context(), "nobody", "StrongEnoughPassword")
		require.ErrorIs(t, err, apperrors.ErrInvalidCredentials)
		_, err = c.Register(t.Context(), "nk", "StrongEnoughPassword")
		require.NoError(t, err)

		srv.advance(2 * time.Hour)

		_, err = c.Me(t.Context())
		require.ErrorIs(t, err, apperrors.ErrSessionExpired)
		require.ErrorIs(t, err, apperrors.ErrTokenExpired)
		require.EqualValues(t, 1, expired.Load())

		_, err = c.Session(t.Context())
		require.ErrorIs(t, err, apperrors.ErrNoSession)
	})

	t.Run("logout", func(t *testing.T) {
		srv := startServer(t)
		c, _ := newClient(t, srv, nil)
		s, err := c.Register(t.Context(), "nk", "StrongEnoughPassword")
		require.NoError(t, err)

		require.NoError(t, c.Logout(t.Context()))

		_, err = c.Session(t.Context())
		require.ErrorIs(t, err, apperrors.ErrNoSession)

		// Server session is gone too
		_, err = c.api.Refresh(t.Context(), s.RefreshToken)
		require.ErrorIs(t, err, apperrors.ErrNoSession)

		// Logout twice is fine
		require.NoError(t, c.Logout(t.Context()))
	})

	t.Run("logout with expired access token ends server session", func(t *testing.T) {
		srv := startServer(t)
		c, expired := newClient(t, srv, nil)
		s, err := c.Register(t.Context(), "nk", "StrongEnoughPassword")
		require.NoError(t, err)

		srv.advance(2 * time.Minute)

		require.NoError(t, c.Logout(t.Context()))

		require.EqualValues(t, 1, srv.refreshes.Load(), "access token renewed before logout")
		require.Zero(t, expired.Load())
		_, err = c.Session(t.Context())
		require.ErrorIs(t, err, apperrors.ErrNoSession)

		_, err = c.api.Refresh(t.Context(), s.RefreshToken)
		require.ErrorIs(t, err, apperrors.ErrNoSession, "server session must not outlive logout")
	})

	t.Run("stolen refresh token used first", func(t *testing.T) {
		srv := startServer(t)
		c, expired := newClient(t, srv, nil)
		s, err := c.Register(t.Context(), "nk", "StrongEnoughPassword")
		require.NoError(t, err)

		_, err = c.api.Refresh(t.Context(), s.RefreshToken)
		require.NoError(t, err)
		srv.advance(2 * time.Minute)

		_, err = c.Me(t.Context())
		require.ErrorIs(t, err, apperrors.ErrSessionExpired)
		require.ErrorIs(t, err, apperrors.ErrTokenReuseDetected)
		require.EqualValues(t, 1, expired.Load())
	})

	t.Run("adopt and sqlite cache survive restart", func(t *testing.T) {
		srv := startServer(t)
		path := filepath.Join(t.TempDir(), "session.db")

		cache, err := session.OpenSQLite(t.Context(), path)
		require.NoError(t, err)
		c, _ := newClient(t, srv, cache)
		s, err := c.api.Register(t.Context(), "nk", "StrongEnoughPassword")
		require.NoError(t, err)
		require.NoError(t, c.Adopt(t.Context(), s))
		require.NoError(t, cache.Close())

		cache, err = session.OpenSQLite(t.Context(), path)
		require.NoError(t, err)
		t.Cleanup(func() { _ = cache.Close() })
		c, _ = newClient(t, srv, cache)

		me, err := c.Me(t.Context())
		require.NoError(t, err)
		require.Equal(t, s.UserID, me.UserID)
	})
}
