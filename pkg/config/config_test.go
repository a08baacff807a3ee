package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

// TestDefaultConfig verifies the defaults are valid
func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Default config is invalid: %v", err)
	}
	if cfg.Analysis.MaxEvaluations != 10000 {
		t.Errorf("Expected 10000 evaluations, got %d", cfg.Analysis.MaxEvaluations)
	}
	if cfg.FitTimeout() != 30*time.Second {
		t.Errorf("Expected 30s fit timeout, got %v", cfg.FitTimeout())
	}
}

// TestLoadMissing verifies a missing file yields the defaults
func TestLoadMissing(t *testing.T) {
	cfg, err := LoadConfig(filepath.Join(t.TempDir(), "absent.yaml"))
	if err != nil {
		t.Fatalf("Failed to load missing config: %v", err)
	}
	if cfg.Server.Addr != DefaultConfig().Server.Addr {
		t.Errorf("Expected default addr, got %s", cfg.Server.Addr)
	}
}

// TestRoundTrip verifies saved YAML and TOML files load back
func TestRoundTrip(t *testing.T) {
	for _, name := range []string{"config.yaml", "config.toml"} {
		path := filepath.Join(t.TempDir(), "nested", name)

		cfg := DefaultConfig()
		cfg.Server.Addr = "127.0.0.1:9000"
		cfg.Store.Capacity = 4
		cfg.Analysis.Solver = "bfgs"
		cfg.Analysis.FitTimeoutSeconds = 2.5
		cfg.Logging.Level = "debug"

		if err := SaveConfig(cfg, path); err != nil {
			t.Fatalf("Failed to save %s: %v", name, err)
		}

		loaded, err := LoadConfig(path)
		if err != nil {
			t.Fatalf("Failed to load %s: %v", name, err)
		}
		if loaded.Server.Addr != "127.0.0.1:9000" || loaded.Store.Capacity != 4 ||
			loaded.Analysis.Solver != "bfgs" || loaded.Logging.Level != "debug" {
			t.Errorf("%s: values did not survive the round trip: %+v", name, loaded)
		}
		if loaded.FitTimeout() != 2500*time.Millisecond {
			t.Errorf("%s: expected 2.5s timeout, got %v", name, loaded.FitTimeout())
		}
	}
}

// TestPartialFile verifies unset keys keep their defaults
func TestPartialFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte("store:\n  capacity: 2\n"), 0644); err != nil {
		t.Fatalf("Failed to write config: %v", err)
	}

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("Failed to load config: %v", err)
	}
	if cfg.Store.Capacity != 2 {
		t.Errorf("Expected capacity 2, got %d", cfg.Store.Capacity)
	}
	if cfg.Browse.MaxDepth != 3 {
		t.Errorf("Expected default max depth 3, got %d", cfg.Browse.MaxDepth)
	}
}

// TestInvalidConfig verifies bad values and bad syntax are rejected
func TestInvalidConfig(t *testing.T) {
	dir := t.TempDir()

	bad := filepath.Join(dir, "bad.yaml")
	if err := os.WriteFile(bad, []byte("analysis:\n  solver: simplex\n  workers: 0\n"), 0644); err != nil {
		t.Fatalf("Failed to write config: %v", err)
	}
	if _, err := LoadConfig(bad); err == nil {
		t.Errorf("Expected an unknown solver and zero workers to be rejected")
	}

	broken := filepath.Join(dir, "broken.toml")
	if err := os.WriteFile(broken, []byte("[store\ncapacity = "), 0644); err != nil {
		t.Fatalf("Failed to write config: %v", err)
	}
	if _, err := LoadConfig(broken); err == nil {
		t.Errorf("Expected malformed TOML to fail")
	}
}

// TestCreateDefaultConfigFile verifies the default file is written
func TestCreateDefaultConfigFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "volumeqa.yaml")
	if err := CreateDefaultConfigFile(path); err != nil {
		t.Fatalf("Failed to create default config: %v", err)
	}
	if _, err := os.Stat(path); err != nil {
		t.Errorf("Expected config file to exist: %v", err)
	}
}
