package auth

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"fmt"
	"strings"

	"golang.org/x/crypto/argon2"

	"github.com/nkiryanov/gopherauth/internal/apperrors"
)

const argon2ID = "argon2id"

// Argon2id hasher producing PHC strings: $argon2id$v=19$m=65536,t=1,p=2$<salt>$<hash>
// Zero fields fall back to RFC 9106 second recommended option
type Argon2Hasher struct {
	Memory  uint32 // KiB
	Time    uint32
	Threads uint8
	KeyLen  uint32
	SaltLen uint32
}

func (h Argon2Hasher) withDefaults() Argon2Hasher {
	if h.Memory == 0 {
		h.Memory = 64 * 1024
	}
	if h.Time == 0 {
		h.Time = 3
	}
	if h.Threads == 0 {
		h.Threads = 2
	}
	if h.KeyLen == 0 {
		h.KeyLen = 32
	}
	if h.SaltLen == 0 {
		h.SaltLen = 16
	}
	return h
}

func (h Argon2Hasher) Hash(secret string) (string, error) {
	if secret == "" {
		return "", fmt.Errorf("empty secret: %w", apperrors.ErrInvalidInput)
	}
	h = h.withDefaults()

	salt := make([]byte, h.SaltLen)
	if _, err := rand.Read(salt); err != nil {
		return "", fmt.Errorf("salt error: %w", err)
	}
	key := argon2.IDKey([]byte(secret), salt, h.Time, h.Memory, h.Threads, h.KeyLen)

	return fmt.Sprintf(
		"$%s$v=%d$m=%d,t=%d,p=%d$%s$%s",
		argon2ID, argon2.Version, h.Memory, h.Time, h.Threads,
		base64.RawStdEncoding.EncodeToString(salt),
		base64.RawStdEncoding.EncodeToString(key),
	), nil
}

func (h Argon2Hasher) Compare(digest string, secret string) error {
	if secret == "" {
		return fmt.Errorf("empty secret: %w", apperrors.ErrInvalidInput)
	}

	p, err := parsePHC(digest)
	if err != nil {
		return fmt.Errorf("bad argon2 digest: %w: %v", apperrors.ErrInvalidInput, err)
	}

	key := argon2.IDKey([]byte(secret), p.salt, p.time, p.memory, p.threads, uint32(len(p.key)))
	if subtle.ConstantTimeCompare(key, p.key) != 1 {
		return apperrors.ErrHashMismatch
	}
	return nil
}

type phc struct {
	memory  uint32
	time    uint32
	threads uint8
	salt    []byte
	key     []byte
}

func parsePHC(digest string) (phc, error) {
	var p phc

	// "", "argon2id", "v=19", "m=..,t=..,p=..", salt, key
	parts := strings.Split(digest, "$")
	if len(parts) != 6 || parts[0] != "" || parts[1] != argon2ID {
		return p, fmt.Errorf("not an %s PHC string", argon2ID)
	}

	var version int
	if _, err := fmt.Sscanf(parts[2], "v=%d", &version); err != nil {
		return p, fmt.Errorf("version: %w", err)
	}
	if version != argon2.Version {
		return p, fmt.Errorf("unsupported argon2 version %d", version)
	}

	if _, err := fmt.Sscanf(parts[3], "m=%d,t=%d,p=%d", &p.memory, &p.time, &p.threads); err != nil {
		return p, fmt.Errorf("params: %w", err)
	}

	var err error
	if p.salt, err = base64.RawStdEncoding.DecodeString(parts[4]); err != nil {
		return p, fmt.Errorf("salt: %w", err)
	}
	if p.key, err = base64.RawStdEncoding.DecodeString(parts[5]); err != nil {
		return p, fmt.Errorf("key: %w", err)
	}
	if len(p.key) == 0 || p.time == 0 || p.threads == 0 {
		return p, fmt.Errorf("zero params")
	}

	return p, nil
}
