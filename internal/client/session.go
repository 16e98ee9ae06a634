package client

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/atinyakov/GophBroker/internal/models"
)

// DefaultSessionFile is where the shell keeps its login between runs.
const DefaultSessionFile = ".gophbroker-session.json"

// Session is the persisted login of the shell.
type Session struct {
	BaseURL   string      `json:"base_url"`
	Username  string      `json:"username"`
	Role      models.Role `json:"role"`
	Token     string      `json:"access_token"`
	ExpiresAt time.Time   `json:"expires_at"`
}

// Valid reports whether the session holds a token that has not expired at
// now.
func (s *Session) Valid(now time.Time) bool {
	return s != nil && s.Token != "" && now.Before(s.ExpiresAt)
}

// LoadSession reads the session at path. A missing file yields an empty
// session and no error.
func LoadSession(path string) (*Session, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return &Session{}, nil
		}
		return nil, err
	}
	var s Session
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("failed to decode session %s: %w", path, err)
	}
	return &s, nil
}

// Save writes the session to path, readable by the owner only.
func (s *Session) Save(path string) error {
	data, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return err
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return err
		}
	}
	return os.WriteFile(path, data, 0o600)
}

// ClearSession removes the session file at path.
func ClearSession(path string) error {
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}
