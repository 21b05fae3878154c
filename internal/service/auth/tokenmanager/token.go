package tokenmanager

import (
	"errors"
	"fmt"
	"maps"
	"slices"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/nkiryanov/gopherauth/internal/apperrors"
	"github.com/nkiryanov/gopherauth/internal/models"
)

const (
	defaultAccessTokenTTL  = 15 * time.Minute
	defaultSigningMethod   = "HS256"
	defaultRefreshTokenTTL = 24 * time.Hour
	defaultKeyID           = "default"
)

type tokenClaims struct {
	jwt.RegisteredClaims
	Kind     models.TokenKind `json:"kind"`
	Username string           `json:"name,omitempty"`
}

// Token manager with sensible default
type Config struct {
	// Shorthand for a single signing key. Stored under "default" key id
	SecretKey string

	// Verification key set: key id -> secret.
	// Tokens signed by any of the keys are accepted, so keys may be swapped by configuration only
	Keys map[string]string

	// Key id used to sign new tokens.
	// May be empty if there is exactly one key
	KeyID string

	// JWT MAC (Message Authentication Code) algorithm
	// If not set than default is used
	Alg string

	// Optional "iss" claim. Checked on verify if set
	Issuer string

	// Access and refresh token lifetimes
	// If not set than default is used
	AccessTTL  time.Duration
	RefreshTTL time.Duration
}

type TokenManager struct {
	keys  map[string][]byte
	keyID string

	// JWT MAC (Message Authentication Code) algorithm
	alg    jwt.SigningMethod
	issuer string

	// Access and refresh token lifetimes
	accessTTL  time.Duration
	refreshTTL time.Duration

	now func() time.Time
}

type Option func(*TokenManager)

// Use custom time source for issuing and validating tokens
func WithClock(now func() time.Time) Option {
	return func(m *TokenManager) {
		m.now = now
	}
}

func New(cfg Config, opts ...Option) (*TokenManager, error) {
	keys := make(map[string][]byte, len(cfg.Keys)+1)
	for kid, secret := range cfg.Keys {
		if kid == "" || secret == "" {
			return nil, errors.New("key id and secret must not be empty")
		}
		keys[kid] = []byte(secret)
	}
	if cfg.SecretKey != "" {
		keys[defaultKeyID] = []byte(cfg.SecretKey)
	}
	if len(keys) == 0 {
		return nil, errors.New("secret key must not be empty")
	}

	keyID := cfg.KeyID
	switch {
	case keyID != "":
	case cfg.SecretKey != "":
		keyID = defaultKeyID
	case len(keys) == 1:
		keyID = slices.Collect(maps.Keys(keys))[0]
	default:
		return nil, errors.New("signing key id must be set when there are several keys")
	}
	if _, ok := keys[keyID]; !ok {
		return nil, fmt.Errorf("signing key %q not found in key set", keyID)
	}

	if cfg.Alg == "" {
		cfg.Alg = defaultSigningMethod
	}
	alg, ok := jwt.GetSigningMethod(cfg.Alg).(*jwt.SigningMethodHMAC)
	if !ok {
		return nil, fmt.Errorf("unsupported signing method %q, only HMAC is allowed", cfg.Alg)
	}

	setDefaultDuration := func(field *time.Duration, def time.Duration) {
		if *field == 0 {
			*field = def
		}
	}
	setDefaultDuration(&cfg.AccessTTL, defaultAccessTokenTTL)
	setDefaultDuration(&cfg.RefreshTTL, defaultRefreshTokenTTL)

	m := &TokenManager{
		keys:       keys,
		keyID:      keyID,
		alg:        alg,
		issuer:     cfg.Issuer,
		accessTTL:  cfg.AccessTTL,
		refreshTTL: cfg.RefreshTTL,
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}

	return m, nil
}

func (m *TokenManager) AccessTTL() time.Duration  { return m.accessTTL }
func (m *TokenManager) RefreshTTL() time.Duration { return m.refreshTTL }

// Issue signed token of the kind for the identity
func (m *TokenManager) Issue(identity models.Identity, kind models.TokenKind, ttl time.Duration) (models.IssuedToken, error) {
	var issued models.IssuedToken

	switch {
	case identity.UserID == uuid.Nil:
		return issued, fmt.Errorf("empty subject: %w", apperrors.ErrInvalidInput)
	case kind != models.TokenKindAccess && kind != models.TokenKindRefresh:
		return issued, fmt.Errorf("unknown token kind %q: %w", kind, apperrors.ErrInvalidInput)
	case ttl <= 0:
		return issued, fmt.Errorf("ttl must be positive: %w", apperrors.ErrInvalidInput)
	}

	now := m.now().Truncate(time.Second)
	expiresAt := now.Add(ttl)

	token := jwt.NewWithClaims(m.alg, tokenClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        uuid.NewString(),
			Subject:   identity.UserID.String(),
			Issuer:    m.issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
		},
		Kind:     kind,
		Username: identity.Username,
	})
	token.Header["kid"] = m.keyID

	signed, err := token.SignedString(m.keys[m.keyID])
	if err != nil {
		return issued, fmt.Errorf("error while signing %s token. Err: %w", kind, err)
	}

	return models.IssuedToken{Value: signed, ExpiresAt: expiresAt}, nil
}

// Issue access and refresh tokens with configured lifetimes
func (m *TokenManager) IssuePair(identity models.Identity) (models.TokenPair, error) {
	access, err := m.Issue(identity, models.TokenKindAccess, m.accessTTL)
	if err != nil {
		return models.TokenPair{}, err
	}

	refresh, err := m.Issue(identity, models.TokenKindRefresh, m.refreshTTL)
	if err != nil {
		return models.TokenPair{}, err
	}

	return models.TokenPair{UserID: identity.UserID, Access: access, Refresh: refresh}, nil
}

// Verify token signature, expiration and kind.
// Fails with one of apperrors.ErrToken* errors
func (m *TokenManager) Verify(token string, expected models.TokenKind) (models.Claims, error) {
	c := &tokenClaims{}

	options := []jwt.ParserOption{
		jwt.WithValidMethods([]string{m.alg.Alg()}),
		jwt.WithTimeFunc(m.now),
		jwt.WithExpirationRequired(),
	}
	if m.issuer != "" {
		options = append(options, jwt.WithIssuer(m.issuer))
	}

	_, err := jwt.ParseWithClaims(token, c, m.keyFunc, options...)

	switch {
	case err == nil:
	case errors.Is(err, jwt.ErrTokenMalformed):
		return models.Claims{}, fmt.Errorf("%w: %v", apperrors.ErrTokenMalformed, err)
	case errors.Is(err, jwt.ErrTokenSignatureInvalid), errors.Is(err, jwt.ErrTokenUnverifiable):
		return models.Claims{}, fmt.Errorf("%w: %v", apperrors.ErrTokenSignatureInvalid, err)
	case errors.Is(err, jwt.ErrTokenExpired):
		return models.Claims{}, fmt.Errorf("%w: %v", apperrors.ErrTokenExpired, err)
	default:
		return models.Claims{}, fmt.Errorf("%w: %v", apperrors.ErrTokenMalformed, err)
	}

	userID, err := uuid.Parse(c.Subject)
	if err != nil {
		return models.Claims{}, fmt.Errorf("%w: bad subject: %v", apperrors.ErrTokenMalformed, err)
	}

	if c.Kind != expected {
		return models.Claims{}, fmt.Errorf("%w: got %q, want %q", apperrors.ErrTokenKindMismatch, c.Kind, expected)
	}

	claims := models.Claims{
		Identity: models.Identity{UserID: userID, Username: c.Username},
		Kind:     c.Kind,
		ID:       c.ID,
	}
	if c.IssuedAt != nil {
		claims.IssuedAt = c.IssuedAt.Time
	}
	if c.ExpiresAt != nil {
		claims.ExpiresAt = c.ExpiresAt.Time
	}

	return claims, nil
}

func (m *TokenManager) keyFunc(t *jwt.Token) (any, error) {
	kid, _ := t.Header["kid"].(string)
	if kid == "" {
		return nil, errors.New("missing kid")
	}

	key, ok := m.keys[kid]
	if !ok {
		return nil, fmt.Errorf("unknown kid %q", kid)
	}

	return key, nil
}
