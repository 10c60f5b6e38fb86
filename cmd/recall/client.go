package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"strings"

	"recall/internal/app"
	"recall/internal/config"
)

// withApp opens the local runtime for one command. An account transition
// interrupted by a previous run is finished before fn runs.
func withApp(ctx context.Context, cfg *config.Config, fn func(*app.App) error) error {
	a, err := app.Open(ctx, cfg, app.Options{Password: os.Getenv(app.PasswordEnvKey)})
	if err != nil {
		return err
	}
	defer a.Close()

	if err := a.ResumeTransition(ctx); err != nil {
		return err
	}
	return fn(a)
}

// readPassword reads the first line of r.
func readPassword(r io.Reader) (string, error) {
	line, err := bufio.NewReader(r).ReadString('\n')
	if err != nil && err != io.EOF {
		return "", fmt.Errorf("read password: %w", err)
	}
	password := strings.TrimRight(line, "\r\n")
	if password == "" {
		return "", fmt.Errorf("password is empty")
	}
	return password, nil
}
