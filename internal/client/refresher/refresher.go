// Package refresher renews the client session when the server rejects the access token.
//
// All requests share one renewal: concurrent 401 responses wait for a single refresh call,
// then replay with the new access token.
package refresher

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/nkiryanov/gopherauth/internal/apperrors"
	"github.com/nkiryanov/gopherauth/internal/client/session"
	"github.com/nkiryanov/gopherauth/internal/logger"
	"github.com/nkiryanov/gopherauth/internal/models"
)

const (
	defaultTimeout = 10 * time.Second

	// The cache holds one session, so there is one renewal per generation at most
	renewKey = "session"
)

var errNoRefreshToken = errors.New("no refresh token cached")

// Exchanges refresh token for a new session. Implemented by authapi.Client
type Renewer interface {
	Refresh(ctx context.Context, refreshToken string) (models.ClientSession, error)
}

type Config struct {
	// Transport to send requests with. http.DefaultTransport if not set
	Base http.RoundTripper

	Cache   session.Cache
	Renewer Renewer

	// Limit for a single renewal
	Timeout time.Duration

	// Called once per failed renewal, after the cache is cleared
	OnSessionExpired func(reason error)

	Logger logger.Logger
}

// Transport is http.RoundTripper which authorizes requests with the cached access token
type Transport struct {
	base      http.RoundTripper
	cache     session.Cache
	renewer   Renewer
	timeout   time.Duration
	onExpired func(reason error)
	logger    logger.Logger

	group singleflight.Group

	// Guards generation against cache writes made by renewal
	mu         sync.Mutex
	generation uint64
}

func New(cfg Config) (*Transport, error) {
	if cfg.Cache == nil {
		return nil, errors.New("refresher: cache is required")
	}
	if cfg.Renewer == nil {
		return nil, errors.New("refresher: renewer is required")
	}

	t := &Transport{
		base:      cfg.Base,
		cache:     cfg.Cache,
		renewer:   cfg.Renewer,
		timeout:   cfg.Timeout,
		onExpired: cfg.OnSessionExpired,
		logger:    cfg.Logger,
	}
	if t.base == nil {
		t.base = http.DefaultTransport
	}
	if t.timeout <= 0 {
		t.timeout = defaultTimeout
	}
	if t.logger == nil {
		t.logger = logger.NewNoOpLogger()
	}
	return t, nil
}

// Reset makes renewal in flight harmless: its result is dropped and its waiters get ErrSessionExpired.
// Call it before clearing the cache on logout
func (t *Transport) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.generation++
}

func (t *Transport) RoundTrip(req *http.Request) (*http.Response, error) {
	ctx := req.Context()

	req, err := replayable(req)
	if err != nil {
		return nil, err
	}

	var used string
	current, err := t.cache.Load(ctx)
	switch {
	case err == nil:
		used = current.AccessToken
	case !errors.Is(err, apperrors.ErrNoSession):
		closeBody(req)
		return nil, fmt.Errorf("failed to load session: %w", err)
	}

	resp, err := t.send(req, used, false)
	if err != nil || resp.StatusCode != http.StatusUnauthorized {
		return resp, err
	}
	discard(resp)

	fresh, err := t.renewed(ctx, used)
	if err != nil {
		return nil, err
	}

	resp, err = t.send(req, fresh.AccessToken, true)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode == http.StatusUnauthorized {
		discard(resp)
		return nil, fmt.Errorf("%w: access token rejected right after renewal", apperrors.ErrSessionExpired)
	}
	return resp, nil
}

// Wait for the session renewed after the used access token was rejected
func (t *Transport) renewed(ctx context.Context, used string) (models.ClientSession, error) {
	current, err := t.cache.Load(ctx)
	switch {
	case err == nil && current.AccessToken != used:
		return current, nil
	case errors.Is(err, apperrors.ErrNoSession) && used != "":
		// Session of this request is gone already: expired or logged out
		return models.ClientSession{}, fmt.Errorf("%w: %w", apperrors.ErrSessionExpired, errNoRefreshToken)
	}

	t.mu.Lock()
	gen := t.generation
	t.mu.Unlock()

	// Renewal of a reset generation must not be joined by requests of the adopted session
	ch := t.group.DoChan(fmt.Sprintf("%s:%d", renewKey, gen), func() (any, error) {
		return t.renew(gen, used)
	})

	select {
	case <-ctx.Done():
		return models.ClientSession{}, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return models.ClientSession{}, res.Err
		}
		return res.Val.(models.ClientSession), nil
	}
}

// Runs detached from callers: a waiter gone does not cancel renewal for the rest
func (t *Transport) renew(gen uint64, used string) (models.ClientSession, error) {
	ctx, cancel := context.WithTimeout(context.Background(), t.timeout)
	defer cancel()

	current, err := t.cache.Load(ctx)
	switch {
	case errors.Is(err, apperrors.ErrNoSession):
		return t.expire(ctx, gen, errNoRefreshToken)
	case err != nil:
		return t.expire(ctx, gen, fmt.Errorf("failed to load session: %w", err))
	case current.AccessToken != used:
		return current, nil
	case current.RefreshToken == "":
		return t.expire(ctx, gen, errNoRefreshToken)
	}

	t.logger.Debug("Renewing session", "user_id", current.UserID)

	next, err := t.renewer.Refresh(ctx, current.RefreshToken)
	if err != nil {
		return t.expire(ctx, gen, fmt.Errorf("renewal failed: %w", err))
	}
	if next.Username == "" {
		next.Username = current.Username
	}

	t.mu.Lock()
	if gen != t.generation {
		t.mu.Unlock()
		t.logger.Info("Session reset while renewal was in flight, renewed session dropped", "user_id", current.UserID)
		return models.ClientSession{}, fmt.Errorf("%w: session reset", apperrors.ErrSessionExpired)
	}
	err = t.cache.Save(ctx, next)
	t.mu.Unlock()

	if err != nil {
		// Previous refresh token is spent already, nothing to fall back to
		return t.expire(ctx, gen, fmt.Errorf("failed to save renewed session: %w", err))
	}

	t.logger.Debug("Session renewed", "user_id", next.UserID)
	return next, nil
}

func (t *Transport) expire(ctx context.Context, gen uint64, reason error) (models.ClientSession, error) {
	t.mu.Lock()
	stale := gen != t.generation
	var clearErr error
	if !stale {
		clearErr = t.cache.Clear(ctx)
	}
	t.mu.Unlock()

	if stale {
		return models.ClientSession{}, fmt.Errorf("%w: session reset", apperrors.ErrSessionExpired)
	}

	t.logger.Warn("Session expired", "reason", reason)
	if clearErr != nil {
		t.logger.Error("Failed to clear session cache", "error", clearErr)
	}
	if t.onExpired != nil {
		t.onExpired(reason)
	}

	return models.ClientSession{}, fmt.Errorf("%w: %w", apperrors.ErrSessionExpired, reason)
}

func (t *Transport) send(req *http.Request, access string, replay bool) (*http.Response, error) {
	r := req.Clone(req.Context())
	if replay && req.GetBody != nil {
		body, err := req.GetBody()
		if err != nil {
			return nil, fmt.Errorf("failed to rewind request body: %w", err)
		}
		r.Body = body
	}

	if access != "" {
		r.Header.Set("Authorization", "Bearer "+access)
	} else {
		r.Header.Del("Authorization")
	}

	return t.base.RoundTrip(r)
}

// Returns request which body can be sent twice
func replayable(req *http.Request) (*http.Request, error) {
	if req.Body == nil || req.Body == http.NoBody || req.GetBody != nil {
		return req, nil
	}

	data, err := io.ReadAll(req.Body)
	_ = req.Body.Close()
	if err != nil {
		return nil, fmt.Errorf("failed to read request body: %w", err)
	}

	r := req.Clone(req.Context())
	r.Body = io.NopCloser(bytes.NewReader(data))
	r.GetBody = func() (io.ReadCloser, error) {
		return io.NopCloser(bytes.NewReader(data)), nil
	}
	return r, nil
}

func closeBody(req *http.Request) {
	if req.Body != nil {
		_ = req.Body.Close()
	}
}

func discard(resp *http.Response) {
	_, _ = io.Copy(io.Discard, resp.Body)
	_ = resp.Body.Close()
}
