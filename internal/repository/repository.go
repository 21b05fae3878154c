package repository

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/nkiryanov/gopherauth/internal/models"
)

// User repository interface
type UserRepo interface {
	// Create user
	// If user with username exists already has to return error apperrors.ErrUserAlreadyExists
	CreateUser(ctx context.Context, username string, hashedPassword string) (models.User, error)

	// Get user by it's id or username
	// If user not found must return apperrors.ErrUserNotFound
	GetUserByID(ctx context.Context, userID uuid.UUID) (models.User, error)
	GetUserByUsername(ctx context.Context, username string) (models.User, error)
}

// Session repository interface.
// Keeps at most one session per user
type SessionRepo interface {
	// Create or replace user session
	Put(ctx context.Context, session models.Session) error

	// Get user session
	// If there is no session must return apperrors.ErrSessionNotFound
	Get(ctx context.Context, userID uuid.UUID) (models.Session, error)

	// Remove user session. Not existed session is not an error
	Remove(ctx context.Context, userID uuid.UUID) error

	// Replace the session only if stored token hash is still expectedHash.
	// Must be atomic: of concurrent rotations from the same hash only one succeeds.
	// Has to return apperrors.ErrSessionChanged if the hash differs and apperrors.ErrSessionNotFound if there is no session
	Rotate(ctx context.Context, userID uuid.UUID, expectedHash string, next models.Session) error

	// Delete up to limit sessions expired before the time and return their user ids
	RemoveExpired(ctx context.Context, before time.Time, limit int) ([]uuid.UUID, error)
}
