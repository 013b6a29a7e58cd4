package config

import (
	"os"
	"path/filepath"
	"runtime"
	"testing"
)

func TestLoadMissingDefaults(t *testing.T) {
	dir := t.TempDir()
	cfg, err := Load(filepath.Join(dir, "config.json"))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.KeyPath != filepath.Join(dir, "key.json") {
		t.Fatalf("key path %q", cfg.KeyPath)
	}
	if cfg.CachePath != filepath.Join(dir, "cache.db") {
		t.Fatalf("cache path %q", cfg.CachePath)
	}
}

func TestSaveLoadRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sub", "config.json")
	in := Config{
		RemoteURL: "https://vault.example.com",
		Email:     "alice@acme.dev",
		KeyID:     "cafebabe",
	}
	if err := Save(path, in); err != nil {
		t.Fatalf("save: %v", err)
	}

	out, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if out.RemoteURL != in.RemoteURL || out.Email != in.Email || out.KeyID != in.KeyID {
		t.Fatalf("config %+v", out)
	}

	if runtime.GOOS != "windows" {
		fi, err := os.Stat(path)
		if err != nil {
			t.Fatalf("stat: %v", err)
		}
		if fi.Mode().Perm() != 0o600 {
			t.Fatalf("config mode %v, want 0600", fi.Mode().Perm())
		}
	}
}
