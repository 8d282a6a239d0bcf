// Package settings persists client credentials saved by `burrow login` so
// the http command works without repeating --server and --token.
package settings

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
)

type Settings struct {
	ServerURL string `json:"server_url"`
	Token     string `json:"token"`
}

// Path is ~/.config/burrow/settings.json, falling back to the temp dir
// when the home directory is unknown.
func Path() string {
	base, err := os.UserConfigDir()
	if err != nil {
		base = os.TempDir()
	}
	return filepath.Join(base, "burrow", "settings.json")
}

func Load() (Settings, error) {
	raw, err := os.ReadFile(Path())
	if err != nil {
		return Settings{}, err
	}
	var s Settings
	if err := json.Unmarshal(raw, &s); err != nil {
		return Settings{}, err
	}
	s.ServerURL = strings.TrimSpace(s.ServerURL)
	s.Token = strings.TrimSpace(s.Token)
	if s.ServerURL == "" || s.Token == "" {
		return Settings{}, errors.New("settings file is missing server_url or token")
	}
	return s, nil
}

func Save(s Settings) error {
	s.ServerURL = strings.TrimSpace(s.ServerURL)
	s.Token = strings.TrimSpace(s.Token)
	if s.ServerURL == "" || s.Token == "" {
		return errors.New("server_url and token are required")
	}
	path := Path()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	b, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, b, 0o600)
}
