package config

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"

	"transcribe-queue/internal/domain"
)

// Store defines persistence operations for service configuration.
type Store interface {
	Load() (domain.Config, error)
	Save(domain.Config) error
}

// JSONStore persists configuration in a single JSON file on disk.
type JSONStore struct {
	path string
}

// NewJSONStore creates a JSON-backed configuration store.
func NewJSONStore(path string) *JSONStore {
	return &JSONStore{path: path}
}

// Load reads configuration from disk or returns defaults when missing.
func (s *JSONStore) Load() (domain.Config, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return DefaultConfig(), nil
		}

		return domain.Config{}, err
	}

	cfg := DefaultConfig()
	if err := json.Unmarshal(data, &cfg); err != nil {
		return domain.Config{}, err
	}

	return normalize(cfg), nil
}

// Save writes configuration as indented JSON and creates parent directories.
func (s *JSONStore) Save(cfg domain.Config) error {
	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return err
	}

	data, err := json.MarshalIndent(normalize(cfg), "", "  ")
	if err != nil {
		return err
	}

	return os.WriteFile(s.path, data, 0o644)
}

// normalize backfills zero tuning values so a sparse file stays usable.
func normalize(cfg domain.Config) domain.Config {
	defaults := DefaultConfig()
	if cfg.QuietPeriodMS <= 0 {
		cfg.QuietPeriodMS = defaults.QuietPeriodMS
	}
	if cfg.PollIntervalMS <= 0 {
		cfg.PollIntervalMS = defaults.PollIntervalMS
	}
	if cfg.LeaseDurationSec <= 0 {
		cfg.LeaseDurationSec = defaults.LeaseDurationSec
	}
	if cfg.WorkerCount <= 0 {
		cfg.WorkerCount = defaults.WorkerCount
	}
	if len(cfg.Formats) == 0 {
		cfg.Formats = defaults.Formats
	}
	return cfg
}
