// Package client is the client side of gopherauth: it signs in, keeps the session
// and sends requests which are renewed transparently when the access token expires.
package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/nkiryanov/gopherauth/internal/apperrors"
	"github.com/nkiryanov/gopherauth/internal/client/authapi"
	"github.com/nkiryanov/gopherauth/internal/client/refresher"
	"github.com/nkiryanov/gopherauth/internal/client/session"
	"github.com/nkiryanov/gopherauth/internal/logger"
	"github.com/nkiryanov/gopherauth/internal/models"
)

const defaultRequestTimeout = 30 * time.Second

type Config struct {
	BaseURL string

	// Where the session is kept. Memory cache if not set
	Cache session.Cache

	// Limit for a single session renewal
	RenewTimeout time.Duration

	// Called when the session is lost and user has to sign in again
	OnSessionExpired func(reason error)

	// Transport for all requests. http.DefaultTransport if not set
	Base http.RoundTripper

	Logger logger.Logger
}

type Client struct {
	baseURL string
	api     *authapi.Client

	// Same endpoints called through the refresher, for calls that need a valid access token
	authorized *authapi.Client

	cache     session.Cache
	transport *refresher.Transport
	http      *http.Client
	logger    logger.Logger
}

func New(cfg Config) (*Client, error) {
	if cfg.BaseURL == "" {
		return nil, errors.New("client: base url is required")
	}
	if cfg.Cache == nil {
		cfg.Cache = session.NewMemoryCache()
	}
	if cfg.Base == nil {
		cfg.Base = http.DefaultTransport
	}
	if cfg.Logger == nil {
		cfg.Logger = logger.NewNoOpLogger()
	}

	// Auth calls go around the refresher: refresh must never trigger another refresh
	api := authapi.NewClient(cfg.BaseURL, &http.Client{Transport: cfg.Base, Timeout: defaultRequestTimeout}, cfg.Logger)

	transport, err := refresher.New(refresher.Config{
		Base:             cfg.Base,
		Cache:            cfg.Cache,
		Renewer:          api,
		Timeout:          cfg.RenewTimeout,
		OnSessionExpired: cfg.OnSessionExpired,
		Logger:           cfg.Logger,
	})
	if err != nil {
		return nil, err
	}

	httpClient := &http.Client{Transport: transport, Timeout: defaultRequestTimeout}

	return &Client{
		baseURL:    cfg.BaseURL,
		api:        api,
		authorized: authapi.NewClient(cfg.BaseURL, httpClient, cfg.Logger),
		cache:      cfg.Cache,
		transport:  transport,
		http:       httpClient,
		logger:     cfg.Logger,
	}, nil
}

// HTTPClient sends requests on behalf of the signed in user
func (c *Client) HTTPClient() *http.Client {
	return c.http
}

func (c *Client) Login(ctx context.Context, login string, password string) (models.ClientSession, error) {
	s, err := c.api.Login(ctx, login, password)
	if err != nil {
		return models.ClientSession{}, err
	}
	return s, c.Adopt(ctx, s)
}

func (c *Client) Register(ctx context.Context, login string, password string) (models.ClientSession, error) {
	s, err := c.api.Register(ctx, login, password)
	if err != nil {
		return models.ClientSession{}, err
	}
	return s, c.Adopt(ctx, s)
}

// Adopt replaces the current session with the one obtained elsewhere (e.g. OAuth callback)
func (c *Client) Adopt(ctx context.Context, s models.ClientSession) error {
	c.transport.Reset()
	if err := c.cache.Save(ctx, s); err != nil {
		return fmt.Errorf("failed to save session: %w", err)
	}
	return nil
}

// Logout ends the session on the server if it can, the local session is dropped anyway.
// Expired access token is renewed first, so the server session does not outlive logout
func (c *Client) Logout(ctx context.Context) error {
	_, err := c.cache.Load(ctx)
	switch {
	case errors.Is(err, apperrors.ErrNoSession):
	case err != nil:
		c.logger.Warn("Failed to load session on logout", "error", err)
	default:
		if err := c.authorized.Logout(ctx, ""); err != nil {
			c.logger.Warn("Server logout failed, dropping local session only", "error", err)
		}
	}

	c.transport.Reset()
	if err := c.cache.Clear(ctx); err != nil {
		return fmt.Errorf("failed to clear session: %w", err)
	}
	return nil
}

// Session returns the cached session, apperrors.ErrNoSession if signed out
func (c *Client) Session(ctx context.Context) (models.ClientSession, error) {
	return c.cache.Load(ctx)
}

// Me asks the server who the current user is
func (c *Client) Me(ctx context.Context) (models.Identity, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/api/user/me", nil)
	if err != nil {
		return models.Identity{}, fmt.Errorf("failed to create request: %w", err)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return models.Identity{}, err
	}
	defer resp.Body.Close() // nolint:errcheck

	if resp.StatusCode != http.StatusOK {
		return models.Identity{}, fmt.Errorf("unexpected response status %s", resp.Status)
	}

	var me struct {
		ID       uuid.UUID `json:"id"`
		Username string    `json:"username"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&me); err != nil {
		return models.Identity{}, fmt.Errorf("failed to decode response: %w", err)
	}

	return models.Identity{UserID: me.ID, Username: me.Username}, nil
}
