// Command line client of gopherauth server.
//
//	authclient register -u <login>
//	authclient login -u <login>
//	authclient me
//	authclient logout
//
// The session is kept in sqlite file and renewed transparently while it is valid.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/pflag"
	"golang.org/x/term"

	"github.com/nkiryanov/gopherauth/internal/client"
	"github.com/nkiryanov/gopherauth/internal/client/session"
	"github.com/nkiryanov/gopherauth/internal/logger"
)

const usage = `Usage: authclient [flags] <register|login|me|logout>`

// Replaced in tests to not touch the terminal
var readPassword = func(w io.Writer) (string, error) {
	if _, err := fmt.Fprint(w, "Enter password: "); err != nil {
		return "", err
	}
	pw, err := term.ReadPassword(int(os.Stdin.Fd()))
	_, _ = fmt.Fprintln(w)
	if err != nil {
		return "", err
	}
	return string(pw), nil
}

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, os.Args[1:], os.Stdout); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, args []string, stdout io.Writer) error {
	fs := pflag.NewFlagSet("authclient", pflag.ContinueOnError)
	fs.SetOutput(stdout)
	fs.Usage = func() {
		_, _ = fmt.Fprintln(stdout, usage)
		fs.PrintDefaults()
	}

	home, _ := os.UserHomeDir()
	configDir := fs.String("config-dir", filepath.Join(home, ".gopherauth"), "Directory with config.yaml and session file")
	fs.String("server", "", "Server url")
	fs.String("session-file", "", "Session file")
	fs.Duration("renew-timeout", 0, "Session renewal timeout")
	fs.StringP("log-level", "l", "", "Logging level (debug, info, warn, error)")
	login := fs.StringP("login", "u", "", "Login for register and login commands")

	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() != 1 {
		fs.Usage()
		return errors.New("exactly one command expected")
	}

	cfg, err := loadConfig(*configDir, fs)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	log, err := logger.NewTextLogger(cfg.LogLevel)
	if err != nil {
		return err
	}

	if err := os.MkdirAll(filepath.Dir(cfg.SessionFile), 0o700); err != nil {
		return fmt.Errorf("failed to create session directory: %w", err)
	}
	cache, err := session.OpenSQLite(ctx, cfg.SessionFile)
	if err != nil {
		return err
	}
	defer cache.Close() // nolint:errcheck

	c, err := client.New(client.Config{
		BaseURL:      cfg.Server,
		Cache:        cache,
		RenewTimeout: cfg.RenewTimeout,
		OnSessionExpired: func(error) {
			_, _ = fmt.Fprintln(stdout, "Session expired, please sign in again")
		},
		Logger: log,
	})
	if err != nil {
		return err
	}

	return execute(ctx, c, fs.Arg(0), *login, stdout)
}
