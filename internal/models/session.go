package models

import (
	"time"

	"github.com/google/uuid"
)

// Server side session: at most one per user.
// TokenHash is the hash of the refresh token most recently issued to the user.
type Session struct {
	UserID    uuid.UUID
	TokenHash string
	CreatedAt time.Time
	RotatedAt time.Time
	ExpiresAt time.Time
}

func (s Session) Expired(now time.Time) bool {
	return !now.Before(s.ExpiresAt)
}

// Client side copy of the token pair
type ClientSession struct {
	UserID           uuid.UUID `json:"user_id"`
	Username         string    `json:"username,omitempty"`
	AccessToken      string    `json:"access_token"`
	AccessExpiresAt  time.Time `json:"access_expires_at"`
	RefreshToken     string    `json:"refresh_token"`
	RefreshExpiresAt time.Time `json:"refresh_expires_at"`
}
