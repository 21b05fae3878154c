// Package authapi is HTTP client of the auth endpoints
package authapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/nkiryanov/gopherauth/internal/apperrors"
	"github.com/nkiryanov/gopherauth/internal/logger"
	"github.com/nkiryanov/gopherauth/internal/models"
)

const defaultTimeout = 10 * time.Second

// Error of the auth server response
type Error struct {
	Status  int
	Kind    string // "auth_failed", "service_error", "validation_failed"...
	Code    string // auth failure code, set only for "auth_failed"
	Message string
}

func (e *Error) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("auth api: status %d, %s: %s", e.Status, e.Code, e.Message)
	}
	return fmt.Sprintf("auth api: status %d, %s: %s", e.Status, e.Kind, e.Message)
}

// Unwrap allows errors.Is(err, apperrors.ErrTokenReuseDetected) and friends
func (e *Error) Unwrap() error {
	if err := apperrors.FromCode(e.Code); err != nil {
		return err
	}
	if e.Status == http.StatusConflict {
		return apperrors.ErrUserAlreadyExists
	}
	return nil
}

type Client struct {
	BaseURL string

	client *http.Client
	logger logger.Logger
}

// NewClient returns client of the server at baseURL.
// httpClient must not refresh tokens by itself: refresh call is made through it
func NewClient(baseURL string, httpClient *http.Client, logger logger.Logger) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: defaultTimeout}
	}
	return &Client{
		BaseURL: baseURL,
		client:  httpClient,
		logger:  logger,
	}
}

type tokenResponse struct {
	UserID           uuid.UUID `json:"user_id"`
	AccessToken      string    `json:"access_token"`
	AccessExpiresAt  time.Time `json:"access_expires_at"`
	RefreshToken     string    `json:"refresh_token"`
	RefreshExpiresAt time.Time `json:"refresh_expires_at"`
}

type errorResponse struct {
	Error   string `json:"error"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

type credentials struct {
	Login    string `json:"login"`
	Password string `json:"password"`
}

func (c *Client) Register(ctx context.Context, login string, password string) (models.ClientSession, error) {
	s, err := c.tokens(ctx, "/api/auth/register", credentials{Login: login, Password: password})
	if err != nil {
		return s, err
	}
	s.Username = login
	return s, nil
}

func (c *Client) Login(ctx context.Context, login string, password string) (models.ClientSession, error) {
	s, err := c.tokens(ctx, "/api/auth/login", credentials{Login: login, Password: password})
	if err != nil {
		return s, err
	}
	s.Username = login
	return s, nil
}

// Refresh exchanges refresh token for a new pair. Username is not known to the server response
func (c *Client) Refresh(ctx context.Context, refreshToken string) (models.ClientSession, error) {
	type request struct {
		RefreshToken string `json:"refresh_token"`
	}
	return c.tokens(ctx, "/api/auth/refresh", request{RefreshToken: refreshToken})
}

// Logout ends server session of the access token owner.
// accessToken may be empty if the http client authorizes requests by itself
func (c *Client) Logout(ctx context.Context, accessToken string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.BaseURL+"/api/auth/logout", nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	if accessToken != "" {
		req.Header.Set("Authorization", "Bearer "+accessToken)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close() // nolint:errcheck

	if resp.StatusCode != http.StatusOK {
		return c.processError(resp)
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	return nil
}

func (c *Client) tokens(ctx context.Context, path string, payload any) (models.ClientSession, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return models.ClientSession{}, fmt.Errorf("failed to encode request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.BaseURL+path, bytes.NewReader(body))
	if err != nil {
		return models.ClientSession{}, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return models.ClientSession{}, fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close() // nolint:errcheck

	if resp.StatusCode != http.StatusOK {
		return models.ClientSession{}, c.processError(resp)
	}

	var t tokenResponse
	if err := json.NewDecoder(resp.Body).Decode(&t); err != nil {
		c.logger.Warn("Failed to decode response", "error", err, "path", path)
		return models.ClientSession{}, fmt.Errorf("failed to decode response: %w", err)
	}

	return models.ClientSession{
		UserID:           t.UserID,
		AccessToken:      t.AccessToken,
		AccessExpiresAt:  t.AccessExpiresAt,
		RefreshToken:     t.RefreshToken,
		RefreshExpiresAt: t.RefreshExpiresAt,
	}, nil
}

func (c *Client) processError(resp *http.Response) error {
	apiErr := &Error{Status: resp.StatusCode}

	var e errorResponse
	if err := json.NewDecoder(resp.Body).Decode(&e); err != nil {
		c.logger.Debug("Error response is not json", "status_code", resp.StatusCode)
		apiErr.Kind = "unknown"
		apiErr.Message = http.StatusText(resp.StatusCode)
		return apiErr
	}

	apiErr.Kind = e.Error
	apiErr.Code = e.Code
	apiErr.Message = e.Message
	return apiErr
}
