// ABOUTME: User administration and token issuing commands
// ABOUTME: Operates directly on the configured SQLite database

package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/fatih/color"
	"github.com/google/uuid"

	"github.com/2389/coven-chat/internal/auth"
	"github.com/2389/coven-chat/internal/config"
	"github.com/2389/coven-chat/internal/membership"
	"github.com/2389/coven-chat/internal/store"
)

const maxDisplayNameLen = 100

// validateHandle normalizes handle and checks it can be @mentioned.
func validateHandle(handle string) (string, error) {
	handle = strings.ToLower(strings.TrimPrefix(strings.TrimSpace(handle), "@"))
	if handle == "" {
		return "", errors.New("--handle is required")
	}
	got := membership.ExtractMentions("@" + handle)
	if len(got) != 1 || got[0] != handle {
		return "", fmt.Errorf("handle %q may only contain letters, digits, '_' and '-'", handle)
	}
	return handle, nil
}

func openStore(cfg *config.Config) (*store.SQLiteStore, error) {
	s, err := store.NewSQLiteStore(cfg.Database.Path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	return s, nil
}

func runUser(ctx context.Context, args []string) error {
	if len(args) == 0 {
		return errors.New("usage: coven-chat user <add|list>")
	}

	cfg, _, err := loadConfig()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	s, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer s.Close()

	switch args[0] {
	case "add":
		return addUser(ctx, s, os.Stdout, args[1:])
	case "list":
		return listUsers(ctx, s, os.Stdout)
	default:
		return fmt.Errorf("unknown user command: %s", args[0])
	}
}

func addUser(ctx context.Context, s store.Store, out io.Writer, args []string) error {
	fs := flag.NewFlagSet("user add", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	handle := fs.String("handle", "", "unique handle used in @mentions")
	name := fs.String("name", "", "display name")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() > 0 {
		return fmt.Errorf("unexpected argument: %s", fs.Arg(0))
	}

	h, err := validateHandle(*handle)
	if err != nil {
		return err
	}
	displayName := strings.TrimSpace(*name)
	if displayName == "" {
		displayName = h
	}
	if len(displayName) > maxDisplayNameLen {
		return fmt.Errorf("display name exceeds maximum length of %d characters", maxDisplayNameLen)
	}

	u := &store.User{
		ID:          uuid.New().String(),
		Handle:      h,
		DisplayName: displayName,
		CreatedAt:   time.Now().UTC(),
	}
	if err := s.CreateUser(ctx, u); err != nil {
		if errors.Is(err, store.ErrDuplicate) {
			return fmt.Errorf("handle @%s is already taken", h)
		}
		return fmt.Errorf("creating user: %w", err)
	}

	green := color.New(color.FgGreen)
	green.Fprintf(out, "  ✓ Created @%s\n", u.Handle)
	fmt.Fprintf(out, "    id: %s\n", u.ID)
	return nil
}

func listUsers(ctx context.Context, s store.Store, out io.Writer) error {
	users, err := s.ListUsers(ctx)
	if err != nil {
		return fmt.Errorf("listing users: %w", err)
	}
	if len(users) == 0 {
		fmt.Fprintln(out, "no users")
		return nil
	}

	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "HANDLE\tNAME\tID\tCREATED")
	for _, u := range users {
		fmt.Fprintf(tw, "@%s\t%s\t%s\t%s\n", u.Handle, u.DisplayName, u.ID, u.CreatedAt.Format(time.DateOnly))
	}
	return tw.Flush()
}

func runToken(ctx context.Context, args []string) error {
	cfg, _, err := loadConfig()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	s, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer s.Close()

	return issueToken(ctx, s, auth.NewJWTVerifier([]byte(cfg.Auth.JWTSecret)), os.Stdout, args)
}

func issueToken(ctx context.Context, s store.Store, issuer *auth.JWTVerifier, out io.Writer, args []string) error {
	fs := flag.NewFlagSet("token", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	handle := fs.String("handle", "", "user to issue the token for")
	ttl := fs.Duration("ttl", 24*time.Hour, "token lifetime")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *ttl <= 0 {
		return errors.New("--ttl must be positive")
	}

	h, err := validateHandle(*handle)
	if err != nil {
		return err
	}
	u, err := s.GetUserByHandle(ctx, h)
	if errors.Is(err, store.ErrNotFound) {
		return fmt.Errorf("no user @%s (create one with: coven-chat user add --handle %s)", h, h)
	}
	if err != nil {
		return fmt.Errorf("looking up user: %w", err)
	}

	token, err := issuer.Generate(u.ID, *ttl)
	if err != nil {
		return fmt.Errorf("generating token: %w", err)
	}
	fmt.Fprintln(out, token)
	return nil
}
