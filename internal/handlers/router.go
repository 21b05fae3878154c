package handlers

import (
	"context"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/nkiryanov/gopherauth/internal/handlers/middleware"
	"github.com/nkiryanov/gopherauth/internal/logger"
	"github.com/nkiryanov/gopherauth/internal/models"
)

// chain applies middlewares in the given order: m1(m2(...(h)))
func chain(h http.Handler, mds ...func(next http.Handler) http.Handler) http.Handler {
	for i := len(mds) - 1; i >= 0; i-- {
		h = mds[i](h)
	}
	return h
}

type metricsService interface {
	Handler() http.Handler
	ObserveHTTPRequest(method string, path string, status int, duration time.Duration)
}

func NewRouter(
	authService authService,
	metrics metricsService,
	logger logger.Logger,
) http.Handler {
	withAuth := middleware.NewAuth(authService).Auth

	apiuser := http.NewServeMux()
	apiuser.Handle("GET /me", withAuth(handleUserMe()))

	root := http.NewServeMux()
	root.Handle("/api/auth/", http.StripPrefix("/api/auth", NewAuth(authService, logger).Handler()))
	root.Handle("/api/user/", http.StripPrefix("/api/user", apiuser))
	root.Handle("GET /metrics", metrics.Handler())

	handler := chain(root,
		middleware.LoggerMiddleware(logger),
		middleware.MetricsMiddleware(metrics),
	)

	return handler
}

type authService interface {
	// Register user with username and password
	// Has to return apperrors.ErrUserAlreadyExists if user already exists
	Register(ctx context.Context, username string, password string) (models.TokenPair, error)

	// Login user with username and password
	// Has to return apperrors.ErrInvalidCredentials if user not found or password is wrong
	Login(ctx context.Context, username string, password string) (models.TokenPair, error)

	// Exchange refresh token for a new pair
	// Fails with one of apperrors.ErrToken*, apperrors.ErrNoSession or apperrors.ErrTokenReuseDetected
	Refresh(ctx context.Context, refresh string) (models.TokenPair, error)

	// End user session
	Logout(ctx context.Context, userID uuid.UUID) error

	// Set auth tokens (access, refresh) to response
	SetTokens(ctx context.Context, w http.ResponseWriter, pair models.TokenPair)

	// Drop refresh cookie
	ClearTokens(w http.ResponseWriter)

	// Get refresh token from request cookie
	GetRefresh(r *http.Request) (string, error)

	// Get request and return user if it authenticated or error
	Auth(ctx context.Context, r *http.Request) (models.User, error)
}
