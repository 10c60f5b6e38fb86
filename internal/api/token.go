package api

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

const apiTokenEnvKey = "RECALL_API_TOKEN"

// TokenStore persists the session token between runs.
type TokenStore struct {
	path string
}

// NewTokenStore stores the token at path. An empty path keeps it in memory
// only.
func NewTokenStore(path string) *TokenStore {
	return &TokenStore{path: path}
}

// Load returns the saved token. RECALL_API_TOKEN overrides the file.
func (s *TokenStore) Load() (string, error) {
	if token := strings.TrimSpace(os.Getenv(apiTokenEnvKey)); token != "" {
		return token, nil
	}
	if s == nil || s.path == "" {
		return "", nil
	}
	data, err := os.ReadFile(s.path)
	if errors.Is(err, os.ErrNotExist) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("read token: %w", err)
	}
	return strings.TrimSpace(string(data)), nil
}

// Save writes the token readable only by the current user.
func (s *TokenStore) Save(token string) error {
	if s == nil || s.path == "" {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(s.path), 0o700); err != nil {
		return fmt.Errorf("create token dir: %w", err)
	}
	if err := os.WriteFile(s.path, []byte(token+"\n"), 0o600); err != nil {
		return fmt.Errorf("write token: %w", err)
	}
	return nil
}

// Clear removes the saved token.
func (s *TokenStore) Clear() error {
	if s == nil || s.path == "" {
		return nil
	}
	if err := os.Remove(s.path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("remove token: %w", err)
	}
	return nil
}
