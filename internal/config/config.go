// Package config loads the service configuration from a YAML file with
// environment variable overrides for deployment-specific values.
package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Storage backends.
const (
	StorageMemory   = "memory"
	StoragePostgres = "postgres"
)

// Config holds the server configuration.
type Config struct {
	Service ServiceConfig `yaml:"service"`
	Storage StorageConfig `yaml:"storage"`
	Workers WorkersConfig `yaml:"workers"`
}

// ServiceConfig identifies the service and its logging behavior.
type ServiceConfig struct {
	Name     string `yaml:"name"`
	LogLevel string `yaml:"log_level"`
}

// StorageConfig selects the state store backend.
type StorageConfig struct {
	Backend string `yaml:"backend"`
	DSN     string `yaml:"dsn"`
}

// WorkersConfig bounds the execution pool.
type WorkersConfig struct {
	Count int `yaml:"count"`
}

// Default returns the configuration used when no file is provided.
func Default() Config {
	return Config{
		Service: ServiceConfig{Name: "slidegen", LogLevel: "info"},
		Storage: StorageConfig{Backend: StorageMemory},
		Workers: WorkersConfig{Count: 4},
	}
}

// Load reads the configuration file at path, falling back to defaults for
// missing values. An empty path returns the defaults. The POSTGRES_DSN
// environment variable overrides the configured DSN.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("reading config %s: %w", path, err)
		}
		if err := yaml.Unmarshal(raw, &cfg); err != nil {
			return Config{}, fmt.Errorf("parsing config %s: %w", path, err)
		}
	}

	if dsn := os.Getenv("POSTGRES_DSN"); dsn != "" {
		cfg.Storage.DSN = dsn
	}

	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) validate() error {
	switch c.Storage.Backend {
	case StorageMemory:
	case StoragePostgres:
		if c.Storage.DSN == "" {
			return fmt.Errorf("storage backend %q requires a dsn", c.Storage.Backend)
		}
	default:
		return fmt.Errorf("unknown storage backend %q", c.Storage.Backend)
	}

	if c.Workers.Count < 1 {
		return fmt.Errorf("workers count must be at least 1, got %d", c.Workers.Count)
	}
	return nil
}
