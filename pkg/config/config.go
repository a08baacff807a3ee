// Package config provides configuration loading and management for volumeqa.
// It handles loading configuration from YAML (or TOML) files and provides
// default values.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"

	"volumeqa/pkg/fit"
)

// Config represents the application configuration
type Config struct {
	// HTTP server parameters
	Server struct {
		// Addr is the listen address of the HTTP API
		Addr string `yaml:"addr" toml:"addr"`

		// CORSOrigins lists the origins allowed to call the API ("*" for any)
		CORSOrigins []string `yaml:"corsOrigins" toml:"corsOrigins"`

		// MaxBodyBytes caps the size of a request body (uploads included)
		MaxBodyBytes int64 `yaml:"maxBodyBytes" toml:"maxBodyBytes"`
	} `yaml:"server" toml:"server"`

	// Volume store parameters
	Store struct {
		// Capacity is the number of volumes kept in memory, 0 for unbounded
		Capacity int `yaml:"capacity" toml:"capacity"`
	} `yaml:"store" toml:"store"`

	// Analysis parameters
	Analysis struct {
		// Solver selects the least-squares solver: "lm" or "bfgs"
		Solver string `yaml:"solver" toml:"solver"`

		// MaxEvaluations is the residual evaluation budget of one fit attempt
		MaxEvaluations int `yaml:"maxEvaluations" toml:"maxEvaluations"`

		// FitTimeoutSeconds bounds the wall time of one Gaussian fit, 0 disables it
		FitTimeoutSeconds float64 `yaml:"fitTimeoutSeconds" toml:"fitTimeoutSeconds"`

		// Workers is the number of fits allowed to run at the same time
		Workers int `yaml:"workers" toml:"workers"`
	} `yaml:"analysis" toml:"analysis"`

	// Ingestion parameters
	Ingest struct {
		// Workers specifies how many files are decoded in parallel
		Workers int `yaml:"workers" toml:"workers"`
	} `yaml:"ingest" toml:"ingest"`

	// Directory browser parameters
	Browse struct {
		// Root is the directory listed when a request names no path
		Root string `yaml:"root" toml:"root"`

		// MaxDepth limits how deep the tree is expanded
		MaxDepth int `yaml:"maxDepth" toml:"maxDepth"`
	} `yaml:"browse" toml:"browse"`

	// Logging parameters
	Logging struct {
		// Level is one of debug, info, warn, error
		Level string `yaml:"level" toml:"level"`

		// File enables a rotating log file when set
		File string `yaml:"file" toml:"file"`

		// MaxSize is the size in megabytes at which the log file rotates
		MaxSize int `yaml:"maxSize" toml:"maxSize"`

		// MaxAge is the number of days rotated files are kept
		MaxAge int `yaml:"maxAge" toml:"maxAge"`

		// Console selects human-readable output instead of JSON
		Console bool `yaml:"console" toml:"console"`
	} `yaml:"logging" toml:"logging"`
}

// DefaultConfig returns a configuration with default values
func DefaultConfig() *Config {
	cfg := &Config{}

	cfg.Server.Addr = ":5000"
	cfg.Server.CORSOrigins = []string{"*"}
	cfg.Server.MaxBodyBytes = 1 << 30

	// Unbounded, one volume per distinct content
	cfg.Store.Capacity = 0

	cfg.Analysis.Solver = "lm"
	cfg.Analysis.MaxEvaluations = fit.DefaultMaxEvaluations
	cfg.Analysis.FitTimeoutSeconds = 30
	cfg.Analysis.Workers = runtime.NumCPU()

	cfg.Ingest.Workers = runtime.NumCPU() // Use all available cores by default

	cfg.Browse.Root = "."
	cfg.Browse.MaxDepth = 3

	cfg.Logging.Level = "info"
	cfg.Logging.MaxSize = 100
	cfg.Logging.MaxAge = 28
	cfg.Logging.Console = true

	return cfg
}

// FitTimeout returns the per-fit timeout, 0 when disabled.
func (c *Config) FitTimeout() time.Duration {
	return time.Duration(c.Analysis.FitTimeoutSeconds * float64(time.Second))
}

// Validate rejects values no component can work with.
func (c *Config) Validate() error {
	var errs []error
	if c.Server.Addr == "" {
		errs = append(errs, errors.New("server.addr must not be empty"))
	}
	if c.Server.MaxBodyBytes <= 0 {
		errs = append(errs, fmt.Errorf("server.maxBodyBytes must be positive, got %d", c.Server.MaxBodyBytes))
	}
	if c.Store.Capacity < 0 {
		errs = append(errs, fmt.Errorf("store.capacity must be >= 0, got %d", c.Store.Capacity))
	}
	if _, err := fit.NewSolver(c.Analysis.Solver, c.Analysis.MaxEvaluations); err != nil {
		errs = append(errs, fmt.Errorf("analysis.solver: %w", err))
	}
	if c.Analysis.MaxEvaluations <= 0 {
		errs = append(errs, fmt.Errorf("analysis.maxEvaluations must be positive, got %d", c.Analysis.MaxEvaluations))
	}
	if c.Analysis.FitTimeoutSeconds < 0 {
		errs = append(errs, fmt.Errorf("analysis.fitTimeoutSeconds must be >= 0, got %v", c.Analysis.FitTimeoutSeconds))
	}
	if c.Analysis.Workers <= 0 {
		errs = append(errs, fmt.Errorf("analysis.workers must be positive, got %d", c.Analysis.Workers))
	}
	if c.Ingest.Workers <= 0 {
		errs = append(errs, fmt.Errorf("ingest.workers must be positive, got %d", c.Ingest.Workers))
	}
	if c.Browse.MaxDepth < 0 {
		errs = append(errs, fmt.Errorf("browse.maxDepth must be >= 0, got %d", c.Browse.MaxDepth))
	}
	switch strings.ToLower(c.Logging.Level) {
	case "debug", "info", "warn", "error":
	default:
		errs = append(errs, fmt.Errorf("logging.level %q is not one of debug, info, warn, error", c.Logging.Level))
	}
	return errors.Join(errs...)
}

func isTOML(path string) bool {
	return strings.EqualFold(filepath.Ext(path), ".toml")
}

// LoadConfig loads configuration from a YAML file, or a TOML file when the
// path ends in .toml.
// If the file doesn't exist, it returns the default configuration
func LoadConfig(configPath string) (*Config, error) {
	cfg := DefaultConfig()

	// Check if config file exists
	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		return cfg, nil
	}

	// Read config file
	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("error reading config file: %w", err)
	}

	if isTOML(configPath) {
		if _, err := toml.Decode(string(data), cfg); err != nil {
			return nil, fmt.Errorf("error parsing config file: %w", err)
		}
	} else if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("error parsing config file: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config file %s: %w", configPath, err)
	}
	return cfg, nil
}

// SaveConfig saves the configuration to a YAML or TOML file
func SaveConfig(cfg *Config, configPath string) error {
	// Create directory if it doesn't exist
	dir := filepath.Dir(configPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("error creating config directory: %w", err)
	}

	var data []byte
	if isTOML(configPath) {
		var buf bytes.Buffer
		if err := toml.NewEncoder(&buf).Encode(cfg); err != nil {
			return fmt.Errorf("error marshaling config: %w", err)
		}
		data = buf.Bytes()
	} else {
		var err error
		if data, err = yaml.Marshal(cfg); err != nil {
			return fmt.Errorf("error marshaling config: %w", err)
		}
	}

	// Write to file
	if err := os.WriteFile(configPath, data, 0644); err != nil {
		return fmt.Errorf("error writing config file: %w", err)
	}

	return nil
}

// CreateDefaultConfigFile creates a default configuration file at the specified path
func CreateDefaultConfigFile(configPath string) error {
	cfg := DefaultConfig()
	return SaveConfig(cfg, configPath)
}
