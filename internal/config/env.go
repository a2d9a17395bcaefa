// Package config provides centralized configuration management.
// All SIFLOW_* environment lookups live here instead of scattered
// os.Getenv calls.
package config

import (
	"os"
	"path/filepath"
	"strconv"
	"sync"
)

// SiflowEnv holds all siflow environment variables.
type SiflowEnv struct {
	// ScriptsDir is the directory holding stage worker scripts (SIFLOW_SCRIPTS_DIR)
	ScriptsDir string

	// Interpreter is the executable used to run stage scripts (SIFLOW_INTERPRETER)
	Interpreter string

	// WorkDir is the root for per-run session directories (SIFLOW_WORK_DIR)
	WorkDir string

	// MaxConcurrent bounds simultaneously running stage processes (SIFLOW_MAX_CONCURRENT)
	MaxConcurrent int

	// EdbVersion is the vendor tool version passed to import/ports stages (SIFLOW_EDB_VERSION)
	EdbVersion string

	// LogJSON switches human log rendering to structured JSON (SIFLOW_LOG_JSON)
	LogJSON bool
}

var (
	env     *SiflowEnv
	envOnce sync.Once
)

// Env returns the singleton environment configuration.
// Thread-safe, loads once on first call.
func Env() *SiflowEnv {
	envOnce.Do(func() {
		env = &SiflowEnv{
			ScriptsDir:    os.Getenv("SIFLOW_SCRIPTS_DIR"),
			Interpreter:   getEnvDefault("SIFLOW_INTERPRETER", "python"),
			WorkDir:       os.Getenv("SIFLOW_WORK_DIR"),
			MaxConcurrent: getEnvInt("SIFLOW_MAX_CONCURRENT", 1),
			EdbVersion:    getEnvDefault("SIFLOW_EDB_VERSION", "2024.1"),
			LogJSON:       os.Getenv("SIFLOW_LOG_JSON") == "1",
		}
	})
	return env
}

// ResetEnv resets the cached environment (for testing).
func ResetEnv() {
	envOnce = sync.Once{}
	env = nil
}

func getEnvDefault(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			return n
		}
	}
	return fallback
}

// Paths holds standard siflow directory paths.
type Paths struct {
	// Home is the siflow home directory (~/.siflow)
	Home string

	// Data is the data directory (~/.siflow/data), holds the run history db
	Data string

	// Sessions is the default session root (~/.siflow/sessions)
	Sessions string
}

var (
	paths     *Paths
	pathsOnce sync.Once
)

// GetPaths returns the singleton paths configuration.
func GetPaths() *Paths {
	pathsOnce.Do(func() {
		home, err := os.UserHomeDir()
		if err != nil {
			home = "."
		}
		siflowHome := filepath.Join(home, ".siflow")

		paths = &Paths{
			Home:     siflowHome,
			Data:     filepath.Join(siflowHome, "data"),
			Sessions: filepath.Join(siflowHome, "sessions"),
		}
	})
	return paths
}

// Path returns a path under the siflow home directory.
func Path(parts ...string) string {
	p := GetPaths()
	allParts := append([]string{p.Home}, parts...)
	return filepath.Join(allParts...)
}

// EnsureDir creates a directory if it doesn't exist.
func EnsureDir(path string) error {
	return os.MkdirAll(path, 0755)
}
