package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/pflag"

	"github.com/nkiryanov/gopherauth/internal/logger"
)

const (
	defaultListenAddr    = "localhost:8000"
	defaultLoggingLevel  = logger.LevelInfo
	defaultEnvironment   = logger.EnvProduction
	defaultSessionStore  = storePostgres
	defaultHasher        = hasherBcrypt
	defaultSweepInterval = 10 * time.Minute
)

// Session stores
const (
	storePostgres = "postgres"
	storeRedis    = "redis"
	storeMemory   = "memory"
)

// Password and refresh token hashers
const (
	hasherBcrypt = "bcrypt"
	hasherArgon2 = "argon2"
)

type Config struct {
	// Default logging level
	LogLevel string

	// Address on which the gopherauth service will be run
	ListenAddr string

	// Database to connect to. Users live there, and sessions if SessionStore is postgres
	DatabaseDSN string

	// Shorthand for a single JWT signing key
	SecretKey string

	// Signing key set in format 'kid1:secret1,kid2:secret2'.
	// Tokens signed with any of them are accepted; new ones are signed with SigningKeyID
	SigningKeys  string
	SigningKeyID string

	// Token lifetimes. Token manager defaults if zero
	AccessTTL  time.Duration
	RefreshTTL time.Duration

	// Where refresh sessions are kept: postgres, redis or memory
	SessionStore string
	RedisAddr    string

	// bcrypt or argon2
	Hasher string

	// How often expired sessions are removed
	SweepInterval time.Duration

	// Environment
	Environment string
}

func NewConfig() *Config {
	return &Config{
		LogLevel:      defaultLoggingLevel,
		ListenAddr:    defaultListenAddr,
		Environment:   defaultEnvironment,
		SessionStore:  defaultSessionStore,
		Hasher:        defaultHasher,
		SweepInterval: defaultSweepInterval,
	}
}

// Load variable from '.env' file (should be located at working directory)
func (c *Config) LoadDotEnv(getwd func() (string, error)) error {
	wd, err := getwd()
	if err != nil {
		return err
	}

	envMap, err := godotenv.Read(filepath.Join(wd, ".env"))

	switch {
	case err == nil:
		return c.LoadEnv(func(key string) string {
			return envMap[key]
		})
	case errors.Is(err, os.ErrNotExist):
		return nil
	default:
		return err
	}
}

func (c *Config) LoadEnv(getenv func(string) string) error {
	// Set option to value if it not empty
	setString := func(o *string) func(value string) error {
		return func(value string) error {
			if value != "" {
				*o = value
			}
			return nil
		}
	}
	setDuration := func(o *time.Duration) func(value string) error {
		return func(value string) error {
			if value == "" {
				return nil
			}
			d, err := time.ParseDuration(value)
			if err != nil {
				return err
			}
			*o = d
			return nil
		}
	}

	envMap := map[string]func(string) error{
		"RUN_ADDRESS":    setString(&c.ListenAddr),
		"DATABASE_URI":   setString(&c.DatabaseDSN),
		"SECRET_KEY":     setString(&c.SecretKey),
		"SIGNING_KEYS":   setString(&c.SigningKeys),
		"SIGNING_KEY_ID": setString(&c.SigningKeyID),
		"ACCESS_TTL":     setDuration(&c.AccessTTL),
		"REFRESH_TTL":    setDuration(&c.RefreshTTL),
		"SESSION_STORE":  setString(&c.SessionStore),
		"REDIS_ADDR":     setString(&c.RedisAddr),
		"HASHER":         setString(&c.Hasher),
		"SWEEP_INTERVAL": setDuration(&c.SweepInterval),
		"LOG_LEVEL":      setString(&c.LogLevel),
		"ENVIRONMENT":    setString(&c.Environment),
	}

	for key, parseFn := range envMap {
		if err := parseFn(getenv(key)); err != nil {
			return fmt.Errorf("invalid %s: %w", key, err)
		}
	}
	return nil
}

func (c *Config) ParseFlags(args []string) error {
	fs := pflag.NewFlagSet("gopherauth", pflag.ContinueOnError)

	fs.StringVarP(&c.ListenAddr, "address", "a", c.ListenAddr, "Server listen address")
	fs.StringVarP(&c.DatabaseDSN, "database", "d", c.DatabaseDSN, "Database connection string")
	fs.StringVarP(&c.SecretKey, "secret-key", "s", c.SecretKey, "Secret key")
	fs.StringVarP(&c.SigningKeys, "signing-keys", "k", c.SigningKeys, "Signing keys 'kid:secret,...'")
	fs.StringVar(&c.SigningKeyID, "signing-key-id", c.SigningKeyID, "Key id to sign new tokens with")
	fs.DurationVar(&c.AccessTTL, "access-ttl", c.AccessTTL, "Access token lifetime")
	fs.DurationVar(&c.RefreshTTL, "refresh-ttl", c.RefreshTTL, "Refresh token lifetime")
	fs.StringVar(&c.SessionStore, "session-store", c.SessionStore, "Session store (postgres, redis, memory)")
	fs.StringVar(&c.RedisAddr, "redis", c.RedisAddr, "Redis address or url")
	fs.StringVar(&c.Hasher, "hasher", c.Hasher, "Hasher (bcrypt, argon2)")
	fs.DurationVar(&c.SweepInterval, "sweep-interval", c.SweepInterval, "Expired sessions cleanup interval")
	fs.StringVarP(&c.LogLevel, "log-level", "l", c.LogLevel, "Logging level (debug, info, warn, error)")
	fs.StringVarP(&c.Environment, "environment", "e", c.Environment, "Environment (dev, prod)")

	return fs.Parse(args)
}

// Validate checks options that depend on each other
func (c *Config) Validate() error {
	if c.SecretKey == "" && c.SigningKeys == "" {
		return errors.New("secret key or signing keys required")
	}
	if _, err := c.Keys(); err != nil {
		return err
	}

	switch c.SessionStore {
	case storePostgres:
		if c.DatabaseDSN == "" {
			return errors.New("database uri required for postgres session store")
		}
	case storeRedis:
		if c.RedisAddr == "" {
			return errors.New("redis address required for redis session store")
		}
	case storeMemory:
	default:
		return fmt.Errorf("unknown session store %q", c.SessionStore)
	}

	if !slices.Contains([]string{hasherBcrypt, hasherArgon2}, c.Hasher) {
		return fmt.Errorf("unknown hasher %q", c.Hasher)
	}
	return nil
}

// Keys parses SigningKeys into key id -> secret map
func (c *Config) Keys() (map[string]string, error) {
	keys := make(map[string]string)
	if c.SigningKeys == "" {
		return keys, nil
	}

	for pair := range strings.SplitSeq(c.SigningKeys, ",") {
		kid, secret, ok := strings.Cut(strings.TrimSpace(pair), ":")
		if !ok || kid == "" || secret == "" {
			return nil, fmt.Errorf("signing key %q is not in 'kid:secret' format", pair)
		}
		if _, exists := keys[kid]; exists {
			return nil, fmt.Errorf("signing key id %q is duplicated", kid)
		}
		keys[kid] = secret
	}
	return keys, nil
}
