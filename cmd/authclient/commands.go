package main

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/nkiryanov/gopherauth/internal/client"
	"github.com/nkiryanov/gopherauth/internal/models"
)

func execute(ctx context.Context, c *client.Client, command string, login string, stdout io.Writer) error {
	switch command {
	case "register", "login":
		if login == "" {
			return errors.New("login is required, use --login")
		}
		password, err := readPassword(stdout)
		if err != nil {
			return fmt.Errorf("failed to read password: %w", err)
		}

		signIn := c.Login
		if command == "register" {
			signIn = c.Register
		}
		s, err := signIn(ctx, login, password)
		if err != nil {
			return err
		}
		_, err = fmt.Fprintf(stdout, "Signed in as %s (%s)\n", s.Username, s.UserID)
		return err

	case "me":
		me, err := c.Me(ctx)
		if err != nil {
			return err
		}
		return printIdentity(stdout, me)

	case "logout":
		if err := c.Logout(ctx); err != nil {
			return err
		}
		_, err := fmt.Fprintln(stdout, "Signed out")
		return err

	default:
		return fmt.Errorf("unknown command %q", command)
	}
}

func printIdentity(w io.Writer, id models.Identity) error {
	_, err := fmt.Fprintf(w, "%s (%s)\n", id.Username, id.UserID)
	return err
}
