package auth

import (
	"crypto/sha256"
	"errors"
	"fmt"

	"golang.org/x/crypto/bcrypt"

	"github.com/nkiryanov/gopherauth/internal/apperrors"
)

// Bcrypt hasher.
// Secret is pre-hashed with sha256 so long secrets (JWT refresh tokens) are not truncated at 72 bytes
type BcryptHasher struct {
	// bcrypt.DefaultCost if zero
	Cost int
}

func (h BcryptHasher) Hash(secret string) (string, error) {
	if secret == "" {
		return "", fmt.Errorf("empty secret: %w", apperrors.ErrInvalidInput)
	}

	cost := h.Cost
	if cost == 0 {
		cost = bcrypt.DefaultCost
	}

	sum := sha256.Sum256([]byte(secret))
	hash, err := bcrypt.GenerateFromPassword(sum[:], cost)
	if err != nil {
		return "", fmt.Errorf("bcrypt error: %w", err)
	}
	return string(hash), nil
}

func (h BcryptHasher) Compare(digest string, secret string) error {
	if secret == "" {
		return fmt.Errorf("empty secret: %w", apperrors.ErrInvalidInput)
	}

	sum := sha256.Sum256([]byte(secret))
	err := bcrypt.CompareHashAndPassword([]byte(digest), sum[:])

	switch {
	case err == nil:
		return nil
	case errors.Is(err, bcrypt.ErrMismatchedHashAndPassword):
		return apperrors.ErrHashMismatch
	default:
		return fmt.Errorf("bad bcrypt digest: %w: %v", apperrors.ErrInvalidInput, err)
	}
}
