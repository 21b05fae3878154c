package apperrors

import (
	"errors"
)

var (
	ErrInvalidInput = errors.New("invalid input")
	ErrHashMismatch = errors.New("hash does not match secret")

	ErrUserAlreadyExists  = errors.New("user already exists")
	ErrUserNotFound       = errors.New("user not found")
	ErrInvalidCredentials = errors.New("invalid credentials")

	// Token validation errors. All of them mean "treat the caller as unauthenticated"
	ErrTokenMalformed        = errors.New("token is malformed")
	ErrTokenSignatureInvalid = errors.New("token signature is invalid")
	ErrTokenExpired          = errors.New("token is expired")
	ErrTokenKindMismatch     = errors.New("token kind mismatch")

	// Session store errors
	ErrSessionNotFound = errors.New("session not found")
	ErrSessionChanged  = errors.New("session changed concurrently")

	// Refresh errors, both are terminal for the session
	ErrNoSession          = errors.New("no active session")
	ErrTokenReuseDetected = errors.New("refresh token reuse detected")

	// Client side terminal state after renewal failed
	ErrSessionExpired = errors.New("session expired, please sign in again")
)

// Code returns short machine readable code of auth failure or empty string if err is not one of them
func Code(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrInvalidCredentials):
		return "invalid_credentials"
	case errors.Is(err, ErrTokenMalformed):
		return "token_malformed"
	case errors.Is(err, ErrTokenSignatureInvalid):
		return "token_signature_invalid"
	case errors.Is(err, ErrTokenExpired):
		return "token_expired"
	case errors.Is(err, ErrTokenKindMismatch):
		return "token_kind_mismatch"
	case errors.Is(err, ErrNoSession):
		return "no_session"
	case errors.Is(err, ErrTokenReuseDetected):
		return "token_reuse_detected"
	default:
		return ""
	}
}

// FromCode is reverse of Code. Returns nil for unknown code
func FromCode(code string) error {
	for _, err := range []error{
		ErrInvalidCredentials,
		ErrTokenMalformed,
		ErrTokenSignatureInvalid,
		ErrTokenExpired,
		ErrTokenKindMismatch,
		ErrNoSession,
		ErrTokenReuseDetected,
	} {
		if Code(err) == code {
			return err
		}
	}
	return nil
}
