package refresher

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/nkiryanov/gopherauth/internal/apperrors"
	"github.com/nkiryanov/gopherauth/internal/client/session"
	"github.com/nkiryanov/gopherauth/internal/models"
)

// Server accepting only the current access token
type fakeServer struct {
	*httptest.Server

	valid atomic.Value // string

	mu      sync.Mutex
	headers []string
	bodies  []string
}

func newFakeServer(t *testing.T, valid string) *fakeServer {
	t.Helper()

	s := &fakeServer{}
	s.valid.Store(valid)
	s.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)

		s.mu.Lock()
		s.headers = append(s.headers, r.Header.Get("Authorization"))
		s.bodies = append(s.bodies, string(body))
		s.mu.Unlock()

		switch {
		case r.URL.Path == "/broken":
			w.WriteHeader(http.StatusInternalServerError)
			_, _ = w.Write([]byte("boom"))
		case r.Header.Get("Authorization") != "Bearer "+s.valid.Load().(string):
			w.WriteHeader(http.StatusUnauthorized)
		default:
			_, _ = w.Write([]byte("ok"))
		}
	}))
	t.Cleanup(s.Close)
	return s
}

func (s *fakeServer) seen() ([]string, []string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.headers...), append([]string(nil), s.bodies...)
}

type fakeRenewer struct {
	calls atomic.Int32

	// Signalled on every call if set
	started chan struct{}
	// Call waits for it if set
	gate chan struct{}

	refresh func(ctx context.Context, token string) (models.ClientSession, error)
}

func (r *fakeRenewer) Refresh(ctx context.Context, token string) (models.ClientSession, error) {
	r.calls.Add(1)
	if r.started != nil {
		r.started <- struct{}{}
	}
	if r.gate != nil {
		select {
		case <-r.gate:
		case <-ctx.Done():
			return models.ClientSession{}, ctx.Err()
		}
	}
	return r.refresh(ctx, token)
}

func renewTo(access string) func(context.Context, string) (models.ClientSession, error) {
	return func(_ context.Context, token string) (models.ClientSession, error) {
		if token != "refresh-old" {
			return models.ClientSession{}, apperrors.ErrTokenReuseDetected
		}
		return models.ClientSession{
			UserID:       userID,
			AccessToken:  access,
			RefreshToken: "refresh-new",
		}, nil
	}
}

var userID = uuid.New()

func oldSession() models.ClientSession {
	return models.ClientSession{
		UserID:       userID,
		Username:     "nk",
		AccessToken:  "access-old",
		RefreshToken: "refresh-old",
	}
}

type setup struct {
	cache     *session.MemoryCache
	transport *Transport
	client    *http.Client
	expired   atomic.Int32
	reasons   chan error
}

func newSetup(t *testing.T, renewer Renewer, timeout time.Duration) *setup {
	t.Helper()

	s := &setup{
		cache:   session.NewMemoryCache(),
		reasons: make(chan error, 16),
	}
	require.NoError(t, s.cache.Save(t.Context(), oldSession()))

	tr, err := New(Config{
		Cache:   s.cache,
		Renewer: renewer,
		Timeout: timeout,
		OnSessionExpired: func(reason error) {
			s.expired.Add(1)
			s.reasons <- reason
		},
	})
	require.NoError(t, err)

	s.transport = tr
	s.client = &http.Client{Transport: tr}
	return s
}

func (s *setup) get(ctx context.Context, url string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	return s.client.Do(req)
}

func readBody(t *testing.T, resp *http.Response) string {
	t.Helper()

	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	_ = resp.Body.Close()
	return string(data)
}

func Test_New(t *testing.T) {
	t.Parallel()

	_, err := New(Config{Renewer: &fakeRenewer{}})
	require.Error(t, err)

	_, err = New(Config{Cache: session.NewMemoryCache()})
	require.Error(t, err)

	tr, err := New(Config{Cache: session.NewMemoryCache(), Renewer: &fakeRenewer{}})
	require.NoError(t, err)
	require.Equal(t, defaultTimeout, tr.timeout)
	require.Equal(t, http.DefaultTransport, tr.base)
}

func Test_Transport(t *testing.T) {
	t.Parallel()

	t.Run("valid token sent as is", func(t *testing.T) {
		srv := newFakeServer(t, "access-old")
		renewer := &fakeRenewer{refresh: renewTo("access-new")}
		s := newSetup(t, renewer, 0)

		resp, err := s.get(t.Context(), srv.URL)

		require.NoError(t, err)
		require.Equal(t, http.StatusOK, resp.StatusCode)
		require.Equal(t, "ok", readBody(t, resp))
		headers, _ := srv.seen()
		require.Equal(t, []string{"Bearer access-old"}, headers)
		require.Zero(t, renewer.calls.Load())
	})

	t.Run("no header when cache empty", func(t *testing.T) {
		srv := newFakeServer(t, "access-old")
		s := newSetup(t, &fakeRenewer{refresh: renewTo("access-new")}, 0)
		require.NoError(t, s.cache.Clear(t.Context()))

		_, err := s.get(t.Context(), srv.URL+"/broken")

		require.NoError(t, err)
		headers, _ := srv.seen()
		require.Equal(t, []string{""}, headers)
	})

	t.Run("non 401 passed through", func(t *testing.T) {
		srv := newFakeServer(t, "access-old")
		renewer := &fakeRenewer{refresh: renewTo("access-new")}
		s := newSetup(t, renewer, 0)

		resp, err := s.get(t.Context(), srv.URL+"/broken")

		require.NoError(t, err)
		require.Equal(t, http.StatusInternalServerError, resp.StatusCode)
		require.Equal(t, "boom", readBody(t, resp))
		require.Zero(t, renewer.calls.Load())
	})

	t.Run("transport error passed through", func(t *testing.T) {
		srv := newFakeServer(t, "access-old")
		srv.Close()
		renewer := &fakeRenewer{refresh: renewTo("access-new")}
		s := newSetup(t, renewer, 0)

		_, err := s.get(t.Context(), srv.URL)

		require.Error(t, err)
		require.NotErrorIs(t, err, apperrors.ErrSessionExpired)
		require.Zero(t, renewer.calls.Load())
	})

	t.Run("401 renews and replays", func(t *testing.T) {
		srv := newFakeServer(t, "access-new")
		renewer := &fakeRenewer{refresh: renewTo("access-new")}
		s := newSetup(t, renewer, 0)

		resp, err := s.get(t.Context(), srv.URL)

		require.NoError(t, err)
		require.Equal(t, http.StatusOK, resp.StatusCode)
		require.Equal(t, "ok", readBody(t, resp))
		require.EqualValues(t, 1, renewer.calls.Load())

		headers, _ := srv.seen()
		require.Equal(t, []string{"Bearer access-old", "Bearer access-new"}, headers)

		cached, err := s.cache.Load(t.Context())
		require.NoError(t, err)
		require.Equal(t, "access-new", cached.AccessToken)
		require.Equal(t, "refresh-new", cached.RefreshToken)
		require.Equal(t, "nk", cached.Username, "username kept when renewal does not return it")
	})

	t.Run("body replayed", func(t *testing.T) {
		srv := newFakeServer(t, "access-new")
		s := newSetup(t, &fakeRenewer{refresh: renewTo("access-new")}, 0)

		// Reader without GetBody support
		body := io.NopCloser(strings.NewReader(`{"number": "42"}`))
		req, err := http.NewRequestWithContext(t.Context(), http.MethodPost, srv.URL, body)
		require.NoError(t, err)
		resp, err := s.client.Do(req)

		require.NoError(t, err)
		require.Equal(t, http.StatusOK, resp.StatusCode)
		_, bodies := srv.seen()
		require.Equal(t, []string{`{"number": "42"}`, `{"number": "42"}`}, bodies)
	})

	t.Run("concurrent 401 renew once", func(t *testing.T) {
		srv := newFakeServer(t, "access-new")
		renewer := &fakeRenewer{refresh: func(ctx context.Context, token string) (models.ClientSession, error) {
			time.Sleep(50 * time.Millisecond)
			return renewTo("access-new")(ctx, token)
		}}
		s := newSetup(t, renewer, 0)

		const n = 10
		var wg sync.WaitGroup
		errs := make(chan error, n)
		for range n {
			wg.Add(1)
			go func() {
				defer wg.Done()
				resp, err := s.get(context.Background(), srv.URL)
				if err != nil {
					errs <- err
					return
				}
				if resp.StatusCode != http.StatusOK {
					errs <- errors.New(resp.Status)
				}
				_ = resp.Body.Close()
			}()
		}
		wg.Wait()
		close(errs)

		for err := range errs {
			require.NoError(t, err)
		}
		require.EqualValues(t, 1, renewer.calls.Load())
		require.Zero(t, s.expired.Load())
	})

	t.Run("renewal failure expires session", func(t *testing.T) {
		srv := newFakeServer(t, "access-new")
		renewer := &fakeRenewer{
			started: make(chan struct{}, 1),
			gate:    make(chan struct{}),
			refresh: func(context.Context, string) (models.ClientSession, error) {
				return models.ClientSession{}, apperrors.ErrTokenReuseDetected
			},
		}
		s := newSetup(t, renewer, 0)

		const n = 5
		errs := make(chan error, n)
		for range n {
			go func() {
				_, err := s.get(context.Background(), srv.URL)
				errs <- err
			}()
		}
		<-renewer.started
		time.Sleep(50 * time.Millisecond) // let the rest join
		close(renewer.gate)

		for range n {
			err := <-errs
			require.ErrorIs(t, err, apperrors.ErrSessionExpired)
		}
		require.EqualValues(t, 1, renewer.calls.Load())
		require.EqualValues(t, 1, s.expired.Load())
		require.ErrorIs(t, <-s.reasons, apperrors.ErrTokenReuseDetected)

		_, err := s.cache.Load(t.Context())
		require.ErrorIs(t, err, apperrors.ErrNoSession)

		// Next request goes without the credentials
		_, err = s.get(t.Context(), srv.URL+"/broken")
		require.NoError(t, err)
		headers, _ := srv.seen()
		require.Equal(t, "", headers[len(headers)-1])
	})

	t.Run("nothing to renew with", func(t *testing.T) {
		srv := newFakeServer(t, "access-new")
		renewer := &fakeRenewer{refresh: renewTo("access-new")}
		s := newSetup(t, renewer, 0)
		require.NoError(t, s.cache.Save(t.Context(), models.ClientSession{AccessToken: "access-old"}))

		_, err := s.get(t.Context(), srv.URL)

		require.ErrorIs(t, err, apperrors.ErrSessionExpired)
		require.Zero(t, renewer.calls.Load())
		require.EqualValues(t, 1, s.expired.Load())
	})

	t.Run("renewal timeout", func(t *testing.T) {
		srv := newFakeServer(t, "access-new")
		renewer := &fakeRenewer{
			gate:    make(chan struct{}), // never released
			refresh: renewTo("access-new"),
		}
		s := newSetup(t, renewer, 50*time.Millisecond)

		_, err := s.get(t.Context(), srv.URL)

		require.ErrorIs(t, err, apperrors.ErrSessionExpired)
		require.ErrorIs(t, err, context.DeadlineExceeded)
		_, err = s.cache.Load(t.Context())
		require.ErrorIs(t, err, apperrors.ErrNoSession)
	})

	t.Run("401 after renewal is terminal", func(t *testing.T) {
		srv := newFakeServer(t, "never-valid")
		renewer := &fakeRenewer{refresh: renewTo("access-new")}
		s := newSetup(t, renewer, 0)

		_, err := s.get(t.Context(), srv.URL)

		require.ErrorIs(t, err, apperrors.ErrSessionExpired)
		require.EqualValues(t, 1, renewer.calls.Load())
		headers, _ := srv.seen()
		require.Len(t, headers, 2)
	})

	t.Run("already renewed by someone else", func(t *testing.T) {
		renewer := &fakeRenewer{refresh: renewTo("access-new")}
		s := newSetup(t, renewer, 0)

		// Server rejects the old token, the cache has a newer one at that moment
		resp, err := s.transport.renewed(t.Context(), "access-older")
		require.NoError(t, err)
		require.Equal(t, "access-old", resp.AccessToken)
		require.Zero(t, renewer.calls.Load())
	})

	t.Run("reset while renewal in flight", func(t *testing.T) {
		srv := newFakeServer(t, "access-new")
		renewer := &fakeRenewer{
			started: make(chan struct{}, 1),
			gate:    make(chan struct{}),
			refresh: renewTo("access-new"),
		}
		s := newSetup(t, renewer, 0)

		errs := make(chan error, 1)
		go func() {
			_, err := s.get(context.Background(), srv.URL)
			errs <- err
		}()
		<-renewer.started

		s.transport.Reset()
		require.NoError(t, s.cache.Clear(t.Context()))
		close(renewer.gate)

		require.ErrorIs(t, <-errs, apperrors.ErrSessionExpired)
		_, err := s.cache.Load(t.Context())
		require.ErrorIs(t, err, apperrors.ErrNoSession, "renewed session must not come back after reset")
		require.Zero(t, s.expired.Load())
	})

	t.Run("adopted session renews apart from reset renewal", func(t *testing.T) {
		srv := newFakeServer(t, "access-adopted-new")
		started := make(chan struct{}, 1)
		gate := make(chan struct{})
		renewer := &fakeRenewer{refresh: func(ctx context.Context, token string) (models.ClientSession, error) {
			if token == "refresh-adopted" {
				return models.ClientSession{UserID: userID, AccessToken: "access-adopted-new", RefreshToken: "refresh-adopted-new"}, nil
			}
			started <- struct{}{}
			<-gate
			return renewTo("access-new")(ctx, token)
		}}
		s := newSetup(t, renewer, 0)

		oldErrs := make(chan error, 1)
		go func() {
			_, err := s.get(context.Background(), srv.URL)
			oldErrs <- err
		}()
		<-started

		s.transport.Reset()
		require.NoError(t, s.cache.Save(t.Context(), models.ClientSession{
			UserID:       userID,
			AccessToken:  "access-adopted",
			RefreshToken: "refresh-adopted",
		}))

		type result struct {
			resp *http.Response
			err  error
		}
		adopted := make(chan result, 1)
		go func() {
			resp, err := s.get(context.Background(), srv.URL)
			adopted <- result{resp, err}
		}()

		select {
		case res := <-adopted:
			require.NoError(t, res.err)
			require.Equal(t, http.StatusOK, res.resp.StatusCode)
			_ = res.resp.Body.Close()
		case <-time.After(time.Second):
			close(gate)
			t.Fatal("request of adopted session waits for renewal of the reset one")
		}

		close(gate)
		require.ErrorIs(t, <-oldErrs, apperrors.ErrSessionExpired)

		require.EqualValues(t, 2, renewer.calls.Load())
		require.Zero(t, s.expired.Load())
		cached, err := s.cache.Load(t.Context())
		require.NoError(t, err)
		require.Equal(t, "access-adopted-new", cached.AccessToken)
	})

	t.Run("waiter gives up on own context", func(t *testing.T) {
		srv := newFakeServer(t, "access-new")
		renewer := &fakeRenewer{
			started: make(chan struct{}, 1),
			gate:    make(chan struct{}),
			refresh: renewTo("access-new"),
		}
		s := newSetup(t, renewer, 0)

		ctx, cancel := context.WithCancel(t.Context())
		errs := make(chan error, 1)
		go func() {
			_, err := s.get(ctx, srv.URL)
			errs <- err
		}()
		<-renewer.started

		cancel()
		require.ErrorIs(t, <-errs, context.Canceled)

		// Renewal goes on for the others
		close(renewer.gate)
		require.Eventually(t, func() bool {
			cached, err := s.cache.Load(t.Context())
			return err == nil && cached.AccessToken == "access-new"
		}, time.Second, 10*time.Millisecond)
	})
}
