// Package config loads and saves the client-side configuration file:
// the remote URL, the user's email, and the paths to the key file and the
// offline cache. Defaults live under ~/.envault.
package config

import (
	"encoding/json"
	"os"
	"path/filepath"
)

type Config struct {
	RemoteURL string `json:"remote_url"`
	Email     string `json:"email"`
	KeyID     string `json:"key_id,omitempty"` // fingerprint, set by init
	KeyPath   string `json:"key_path"`
	CachePath string `json:"cache_path"`
}

func DefaultDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".envault"), nil
}

func DefaultPath() (string, error) {
	dir, err := DefaultDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "config.json"), nil
}

// Load reads the config at path. A missing file yields a zero Config with
// defaulted paths, not an error; first run has nothing to load.
func Load(path string) (Config, error) {
	var cfg Config
	b, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			cfg.applyDefaults(filepath.Dir(path))
			return cfg, nil
		}
		return cfg, err
	}
	if err := json.Unmarshal(b, &cfg); err != nil {
		return cfg, err
	}
	cfg.applyDefaults(filepath.Dir(path))
	return cfg, nil
}

// Save writes the config with owner-only permissions, creating the directory
// if needed.
func Save(path string, cfg Config) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return err
	}
	b, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, b, 0o600)
}

func (c *Config) applyDefaults(dir string) {
	if c.KeyPath == "" {
		c.KeyPath = filepath.Join(dir, "key.json")
	}
	if c.CachePath == "" {
		c.CachePath = filepath.Join(dir, "cache.db")
	}
}
