package auth

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/nkiryanov/gopherauth/internal/apperrors"
	"github.com/nkiryanov/gopherauth/internal/logger"
	"github.com/nkiryanov/gopherauth/internal/models"
	"github.com/nkiryanov/gopherauth/internal/repository"
)

const (
	defaultAccessHeaderName  = "Authorization"
	defaultAccessAuthScheme  = "Bearer"
	defaultRefreshCookieName = "refreshtoken"
)

// Used on login for unknown users, so they are rejected as slow as users with wrong password
const dummyPassword = "gopherauth-dummy-password"

// Interface to create or compare secret hashes: user passwords and refresh tokens
type Hasher interface {
	// Salted slow hash of the secret
	Hash(secret string) (string, error)

	// Compare known digest and user provided secret.
	// Returns apperrors.ErrHashMismatch if they do not match.
	// Must be protected against timing attacks
	Compare(digest string, secret string) error
}

type TokenManager interface {
	IssuePair(identity models.Identity) (models.TokenPair, error)
	Verify(token string, expected models.TokenKind) (models.Claims, error)
	RefreshTTL() time.Duration
}

// Outcome observer, implemented by metrics
type Recorder interface {
	AuthEvent(op string, outcome string)
}

type noopRecorder struct{}

func (noopRecorder) AuthEvent(string, string) {}

type Config struct {
	// Hasher for passwords and refresh tokens. BcryptHasher if not set
	Hasher Hasher

	// Where access token is set in response and looked for in requests
	AccessHeaderName string
	AccessAuthScheme string

	// Cookie name to set refresh token for browser clients
	RefreshCookieName string

	Recorder Recorder
	Logger   logger.Logger

	// Time source for session records
	Now func() time.Time
}

type AuthService struct {
	tokens   TokenManager
	hasher   Hasher
	users    repository.UserRepo
	sessions repository.SessionRepo

	accessHeaderName  string
	accessAuthScheme  string
	refreshCookieName string

	recorder Recorder
	logger   logger.Logger
	now      func() time.Time

	dummyOnce sync.Once
	dummyHash string
}

func NewService(cfg Config, tokens TokenManager, users repository.UserRepo, sessions repository.SessionRepo) (*AuthService, error) {
	s := &AuthService{
		tokens:            tokens,
		hasher:            cfg.Hasher,
		users:             users,
		sessions:          sessions,
		accessHeaderName:  cfg.AccessHeaderName,
		accessAuthScheme:  cfg.AccessAuthScheme,
		refreshCookieName: cfg.RefreshCookieName,
		recorder:          cfg.Recorder,
		logger:            cfg.Logger,
		now:               cfg.Now,
	}

	setDefault := func(field *string, def string) {
		if *field == "" {
			*field = def
		}
	}
	setDefault(&s.accessHeaderName, defaultAccessHeaderName)
	setDefault(&s.accessAuthScheme, defaultAccessAuthScheme)
	setDefault(&s.refreshCookieName, defaultRefreshCookieName)

	if s.hasher == nil {
		s.hasher = BcryptHasher{}
	}
	if s.recorder == nil {
		s.recorder = noopRecorder{}
	}
	if s.logger == nil {
		s.logger = logger.NewNoOpLogger()
	}
	if s.now == nil {
		s.now = time.Now
	}

	return s, nil
}

// Register new user and start its session
func (s *AuthService) Register(ctx context.Context, username string, password string) (models.TokenPair, error) {
	pair, err := s.register(ctx, username, password)
	s.record("register", err)
	return pair, err
}

func (s *AuthService) register(ctx context.Context, username string, password string) (models.TokenPair, error) {
	hash, err := s.hasher.Hash(password)
	if err != nil {
		return models.TokenPair{}, fmt.Errorf("can't use this as password, error=%w", err)
	}

	user, err := s.users.CreateUser(ctx, username, hash)
	if err != nil {
		return models.TokenPair{}, err
	}

	return s.startSession(ctx, user.Identity())
}

// Check user credentials and start new session replacing the previous one.
// Unknown user and wrong password both fail with apperrors.ErrInvalidCredentials
func (s *AuthService) Login(ctx context.Context, username string, password string) (models.TokenPair, error) {
	pair, err := s.login(ctx, username, password)
	s.record("login", err)
	return pair, err
}

func (s *AuthService) login(ctx context.Context, username string, password string) (models.TokenPair, error) {
	user, err := s.users.GetUserByUsername(ctx, username)
	switch {
	case errors.Is(err, apperrors.ErrUserNotFound):
		_ = s.hasher.Compare(s.dummyDigest(), password)
		return models.TokenPair{}, apperrors.ErrInvalidCredentials
	case err != nil:
		return models.TokenPair{}, err
	}

	err = s.hasher.Compare(user.HashedPassword, password)
	switch {
	case errors.Is(err, apperrors.ErrHashMismatch), errors.Is(err, apperrors.ErrInvalidInput):
		return models.TokenPair{}, apperrors.ErrInvalidCredentials
	case err != nil:
		return models.TokenPair{}, err
	}

	return s.startSession(ctx, user.Identity())
}

// Exchange refresh token for a new pair.
// The presented token is single use: a second attempt with it ends the session
func (s *AuthService) Refresh(ctx context.Context, refresh string) (models.TokenPair, error) {
	pair, err := s.refresh(ctx, refresh)
	s.record("refresh", err)
	return pair, err
}

func (s *AuthService) refresh(ctx context.Context, refresh string) (models.TokenPair, error) {
	// Signature and expiry first, so garbage never reaches storage
	claims, err := s.tokens.Verify(refresh, models.TokenKindRefresh)
	if err != nil {
		return models.TokenPair{}, fmt.Errorf("refresh rejected: %w", err)
	}
	userID := claims.UserID

	record, err := s.sessions.Get(ctx, userID)
	switch {
	case errors.Is(err, apperrors.ErrSessionNotFound):
		return models.TokenPair{}, apperrors.ErrNoSession
	case err != nil:
		return models.TokenPair{}, err
	case record.Expired(s.now()):
		return models.TokenPair{}, apperrors.ErrNoSession
	}

	err = s.hasher.Compare(record.TokenHash, refresh)
	switch {
	case errors.Is(err, apperrors.ErrHashMismatch):
		return models.TokenPair{}, s.reuseDetected(ctx, userID, "token does not match session")
	case err != nil:
		return models.TokenPair{}, fmt.Errorf("session hash compare failed: %w", err)
	}

	pair, err := s.tokens.IssuePair(claims.Identity)
	if err != nil {
		return models.TokenPair{}, fmt.Errorf("token could not generated, sorry. %w", err)
	}

	next, err := s.newSession(pair)
	if err != nil {
		return models.TokenPair{}, err
	}
	next.CreatedAt = record.CreatedAt

	err = s.sessions.Rotate(ctx, userID, record.TokenHash, next)
	switch {
	case errors.Is(err, apperrors.ErrSessionChanged), errors.Is(err, apperrors.ErrSessionNotFound):
		// Someone rotated the same token a moment earlier
		return models.TokenPair{}, s.reuseDetected(ctx, userID, "concurrent rotation")
	case err != nil:
		return models.TokenPair{}, err
	}

	return pair, nil
}

// End user session. Calling it without a session is ok
func (s *AuthService) Logout(ctx context.Context, userID uuid.UUID) error {
	err := s.sessions.Remove(ctx, userID)
	s.record("logout", err)
	return err
}

// Verify access token and return who it was issued to
func (s *AuthService) Authenticate(_ context.Context, access string) (models.Identity, error) {
	claims, err := s.tokens.Verify(access, models.TokenKindAccess)
	if err != nil {
		return models.Identity{}, err
	}
	return claims.Identity, nil
}

func (s *AuthService) startSession(ctx context.Context, identity models.Identity) (models.TokenPair, error) {
	pair, err := s.tokens.IssuePair(identity)
	if err != nil {
		return models.TokenPair{}, fmt.Errorf("token could not generated, sorry. %w", err)
	}

	session, err := s.newSession(pair)
	if err != nil {
		return models.TokenPair{}, err
	}

	if err := s.sessions.Put(ctx, session); err != nil {
		return models.TokenPair{}, err
	}

	return pair, nil
}

func (s *AuthService) newSession(pair models.TokenPair) (models.Session, error) {
	hash, err := s.hasher.Hash(pair.Refresh.Value)
	if err != nil {
		return models.Session{}, fmt.Errorf("refresh token hash failed: %w", err)
	}

	now := s.now()
	return models.Session{
		UserID:    pair.UserID,
		TokenHash: hash,
		CreatedAt: now,
		RotatedAt: now,
		ExpiresAt: pair.Refresh.ExpiresAt,
	}, nil
}

// Revoke the session and report reuse. Removal failure is logged only: the caller is rejected anyway
func (s *AuthService) reuseDetected(ctx context.Context, userID uuid.UUID, reason string) error {
	s.logger.Warn("refresh token reuse detected, session revoked", "user_id", userID, "reason", reason)

	if err := s.sessions.Remove(ctx, userID); err != nil {
		s.logger.Error("failed to revoke session", "user_id", userID, "error", err)
	}
	return apperrors.ErrTokenReuseDetected
}

func (s *AuthService) dummyDigest() string {
	s.dummyOnce.Do(func() {
		s.dummyHash, _ = s.hasher.Hash(dummyPassword)
	})
	return s.dummyHash
}

func (s *AuthService) record(op string, err error) {
	outcome := "ok"
	if err != nil {
		outcome = apperrors.Code(err)
		if outcome == "" {
			outcome = "error"
		}
	}
	s.recorder.AuthEvent(op, outcome)
}
