package models

import (
	"time"

	"github.com/google/uuid"
)

type TokenKind string

const (
	TokenKindAccess  TokenKind = "access"
	TokenKindRefresh TokenKind = "refresh"
)

// Who the token was issued to
type Identity struct {
	UserID   uuid.UUID
	Username string
}

// Verified token payload
type Claims struct {
	Identity
	Kind      TokenKind
	ID        string
	IssuedAt  time.Time
	ExpiresAt time.Time
}

type IssuedToken struct {
	Value     string
	ExpiresAt time.Time
}

// Token pair issued by TokenManager, AuthService
type TokenPair struct {
	UserID  uuid.UUID
	Access  IssuedToken
	Refresh IssuedToken
}
