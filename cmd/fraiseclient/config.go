package main

import (
	"fmt"
	"os"
	"regexp"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the configuration for a single fraiseclient run: one connection,
// one streaming query. Scoped to a one-shot CLI rather than a long-lived
// multi-tenant proxy — no listener ports, no tenant map, no hot-reload.
type Config struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Database string `yaml:"database"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
	SslMode  string `yaml:"ssl_mode"`

	Query          string        `yaml:"query"`
	ChunkSize      int           `yaml:"chunk_size"`
	MaxMemoryBytes int64         `yaml:"max_memory_bytes"`
	ConnectTimeout time.Duration `yaml:"connect_timeout"`
}

var envVarPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

// substituteEnvVars replaces ${VAR_NAME} patterns with environment variable
// values, so credentials can be kept out of the YAML file on disk.
func substituteEnvVars(data []byte) []byte {
	return envVarPattern.ReplaceAllFunc(data, func(match []byte) []byte {
		varName := envVarPattern.FindSubmatch(match)[1]
		if val, ok := os.LookupEnv(string(varName)); ok {
			return []byte(val)
		}
		return match
	})
}

// Load reads and parses a YAML config file with env var substitution.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	data = substituteEnvVars(data)

	cfg := &Config{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	if err := validate(cfg); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	applyDefaults(cfg)
	return cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.Port == 0 {
		cfg.Port = 5432
	}
	if cfg.SslMode == "" {
		cfg.SslMode = "disable"
	}
	if cfg.ChunkSize == 0 {
		cfg.ChunkSize = 256
	}
	if cfg.ConnectTimeout == 0 {
		cfg.ConnectTimeout = 10 * time.Second
	}
}

func validate(cfg *Config) error {
	if cfg.Host == "" {
		return fmt.Errorf("host is required")
	}
	if cfg.Database == "" {
		return fmt.Errorf("database is required")
	}
	if cfg.Username == "" {
		return fmt.Errorf("username is required")
	}
	if cfg.Query == "" {
		return fmt.Errorf("query is required")
	}
	switch cfg.SslMode {
	case "", "disable", "require", "verify-ca", "verify-full":
	default:
		return fmt.Errorf("unsupported ssl_mode %q", cfg.SslMode)
	}
	return nil
}
