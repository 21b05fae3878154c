package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/nkiryanov/gopherauth/internal/db"
	"github.com/nkiryanov/gopherauth/internal/handlers"
	"github.com/nkiryanov/gopherauth/internal/logger"
	"github.com/nkiryanov/gopherauth/internal/metrics"
	"github.com/nkiryanov/gopherauth/internal/repository"
	"github.com/nkiryanov/gopherauth/internal/repository/memory"
	"github.com/nkiryanov/gopherauth/internal/repository/postgres"
	"github.com/nkiryanov/gopherauth/internal/repository/redis"
	"github.com/nkiryanov/gopherauth/internal/service/auth"
	"github.com/nkiryanov/gopherauth/internal/service/auth/tokenmanager"
	"github.com/nkiryanov/gopherauth/internal/service/sweeper"
)

const shutdownTimeout = 5 * time.Second

type ServerApp struct {
	ListenAddr string
	Handler    http.Handler

	sweeper *sweeper.Sweeper
	logger  logger.Logger

	// Release connections in reverse order
	closers []func()
}

func NewServerApp(ctx context.Context, c *Config) (_ *ServerApp, err error) {
	if err := c.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	// Initialize logger
	logger, err := logger.New(c.Environment, c.LogLevel)
	if err != nil {
		return nil, fmt.Errorf("error while initializing logger: %w", err)
	}

	app := &ServerApp{ListenAddr: c.ListenAddr, logger: logger}
	defer func() {
		if err != nil {
			app.close()
		}
	}()

	users, sessions, err := app.connectStorage(ctx, c)
	if err != nil {
		return nil, err
	}

	keys, err := c.Keys()
	if err != nil {
		return nil, err
	}
	tokenManager, err := tokenmanager.New(tokenmanager.Config{
		SecretKey:  c.SecretKey,
		Keys:       keys,
		KeyID:      c.SigningKeyID,
		AccessTTL:  c.AccessTTL,
		RefreshTTL: c.RefreshTTL,
	})
	if err != nil {
		return nil, fmt.Errorf("error while creating token manager. Err: %w", err)
	}

	var hasher auth.Hasher = auth.BcryptHasher{}
	if c.Hasher == hasherArgon2 {
		hasher = auth.Argon2Hasher{}
	}

	m := metrics.New()
	authService, err := auth.NewService(
		auth.Config{Hasher: hasher, Recorder: m, Logger: logger.With("component", "auth")},
		tokenManager,
		users,
		sessions,
	)
	if err != nil {
		return nil, fmt.Errorf("error while creating auth service. Err: %w", err)
	}

	if c.SessionStore == storeRedis {
		logger.Info("Redis expires sessions by itself, sweeper disabled")
	} else {
		app.sweeper = sweeper.New(
			sweeper.Config{Interval: c.SweepInterval},
			sessions,
			m,
			logger.With("component", "sweeper"),
		)
	}
	app.Handler = handlers.NewRouter(authService, m, logger)

	return app, nil
}

// Storage by configured session store. Users are kept in postgres when database is configured
func (app *ServerApp) connectStorage(ctx context.Context, c *Config) (repository.UserRepo, repository.SessionRepo, error) {
	var pg *postgres.Storage
	if c.DatabaseDSN != "" {
		pool, err := db.ConnectAndMigrate(ctx, c.DatabaseDSN)
		if err != nil {
			return nil, nil, fmt.Errorf("error while connecting to db. Err: %w", err)
		}
		app.closers = append(app.closers, pool.Close)
		pg = postgres.NewStorage(pool)
	}

	mem := memory.NewStorage()

	var users repository.UserRepo = mem.User()
	if pg != nil {
		users = pg.User()
	} else {
		app.logger.Warn("Database is not configured, users are kept in memory")
	}

	switch c.SessionStore {
	case storePostgres:
		return users, pg.Session(), nil
	case storeRedis:
		client, err := redis.Connect(ctx, c.RedisAddr)
		if err != nil {
			return nil, nil, err
		}
		app.closers = append(app.closers, func() { _ = client.Close() })
		return users, redis.NewSessionRepo(client), nil
	default:
		return users, mem.Session(), nil
	}
}

func (app *ServerApp) close() {
	for i := len(app.closers) - 1; i >= 0; i-- {
		app.closers[i]()
	}
	app.closers = nil
}

// Run starts http server and closes gracefully on context cancellation
func (app *ServerApp) Run(ctx context.Context) error {
	defer app.close()

	httpServer := &http.Server{
		Addr:    app.ListenAddr,
		Handler: app.Handler,
	}

	idleConnsClosed := make(chan struct{})
	srvCtx, srvCtxCancel := context.WithCancel(ctx)
	defer srvCtxCancel()

	var sweeperStopped <-chan struct{}
	if app.sweeper != nil {
		sweeperStopped = app.sweeper.Sweep(srvCtx)
	}

	go func() {
		<-srvCtx.Done()

		timeoutCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()

		if err := httpServer.Shutdown(timeoutCtx); errors.Is(err, context.DeadlineExceeded) {
			app.logger.Error("HTTP server shutdown timeout exceeded, forcing shutdown...")
		}
		app.logger.Info("HTTP server stopped")
		close(idleConnsClosed)
	}()

	// Listen and serve until context is cancelled; then close gracefully connections
	app.logger.Info("Starting server", "address", app.ListenAddr)
	err := httpServer.ListenAndServe()
	srvCtxCancel()
	<-idleConnsClosed
	if sweeperStopped != nil {
		<-sweeperStopped
	}

	return err
}
