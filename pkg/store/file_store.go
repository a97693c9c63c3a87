package store

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// Load reads the account config file. A missing file is not an error — it
// returns an empty Config so the caller can fall back to single-account
// database discovery.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return &Config{Accounts: []*Account{}, ActiveIndex: 0}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read account config: %w", err)
	}
	var cfg Config
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse account config: %w", err)
	}
	if cfg.Accounts == nil {
		cfg.Accounts = []*Account{}
	}
	return &cfg, nil
}

// Save writes the config atomically: marshal, write to a temp file in the
// same directory, then rename over the destination. A partial write or a
// crash mid-write never corrupts the previous, valid file.
func Save(path string, cfg *Config) error {
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal account config: %w", err)
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}

	tmp, err := os.CreateTemp(dir, ".accounts-*.json.tmp")
	if err != nil {
		return fmt.Errorf("create temp config file: %w", err)
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath) // no-op once the rename below succeeds

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("write temp config file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp config file: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		return fmt.Errorf("rename temp config file: %w", err)
	}
	return nil
}
