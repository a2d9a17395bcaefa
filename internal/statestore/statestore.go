// Package statestore persists user-facing settings per scope name at a
// platform-appropriate per-user location. Schemas are caller-defined;
// missing keys and missing scopes load as empty, never as errors.
package statestore

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

const productName = "siflow"

// Store reads and writes per-scope settings files.
type Store struct {
	baseDir string
}

// New creates a store rooted at the user's config directory
// (e.g. ~/.config/siflow on linux).
func New() (*Store, error) {
	base, err := os.UserConfigDir()
	if err != nil {
		return nil, fmt.Errorf("resolve config dir: %w", err)
	}
	return &Store{baseDir: filepath.Join(base, productName)}, nil
}

// NewAt creates a store rooted at an explicit directory (for testing).
func NewAt(dir string) *Store {
	return &Store{baseDir: dir}
}

func (s *Store) stateFile(scope string) string {
	return filepath.Join(s.baseDir, scope, "state.json")
}

// Load returns the settings for scope. A missing or unreadable file
// yields an empty map so callers can tolerate absent keys by default.
func (s *Store) Load(scope string) map[string]any {
	data, err := os.ReadFile(s.stateFile(scope))
	if err != nil {
		return map[string]any{}
	}
	var out map[string]any
	if err := json.Unmarshal(data, &out); err != nil || out == nil {
		return map[string]any{}
	}
	return out
}

// Save writes the settings for scope, creating parent directories.
func (s *Store) Save(scope string, data map[string]any) error {
	path := s.stateFile(scope)
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("create state dir: %w", err)
	}
	encoded, err := json.MarshalIndent(data, "", "  ")
	if err != nil {
		return fmt.Errorf("encode state: %w", err)
	}
	if err := os.WriteFile(path, append(encoded, '\n'), 0644); err != nil {
		return fmt.Errorf("write state: %w", err)
	}
	return nil
}

// Set updates one key in scope, read-modify-write.
func (s *Store) Set(scope, key string, value any) error {
	data := s.Load(scope)
	data[key] = value
	return s.Save(scope, data)
}
