package main

import (
	"errors"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/nkiryanov/gopherauth/internal/logger"
)

const (
	defaultServer       = "http://localhost:8000"
	defaultRenewTimeout = 10 * time.Second
	defaultLogLevel     = logger.LevelWarn
	envPrefix           = "GOPHERAUTH"
)

type Config struct {
	// Server base url
	Server string

	// sqlite file the session is kept in between runs
	SessionFile string

	RenewTimeout time.Duration
	LogLevel     string
}

// Loads config with precedence: flags, GOPHERAUTH_* env, <configDir>/config.yaml, defaults
func loadConfig(configDir string, fs *pflag.FlagSet) (*Config, error) {
	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(configDir)

	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	v.SetDefault("server", defaultServer)
	v.SetDefault("session-file", filepath.Join(configDir, "session.db"))
	v.SetDefault("renew-timeout", defaultRenewTimeout)
	v.SetDefault("log-level", defaultLogLevel)

	for _, key := range []string{"server", "session-file", "renew-timeout", "log-level"} {
		if f := fs.Lookup(key); f != nil {
			if err := v.BindPFlag(key, f); err != nil {
				return nil, err
			}
		}
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, err
		}
	}

	return &Config{
		Server:       strings.TrimRight(v.GetString("server"), "/"),
		SessionFile:  v.GetString("session-file"),
		RenewTimeout: v.GetDuration("renew-timeout"),
		LogLevel:     v.GetString("log-level"),
	}, nil
}
