package main

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	bucket "github.com/gradhouse/arxiv-bucket"
)

// Config holds arxiv-bucket settings read from config.yaml.
type Config struct {
	// SQL driver: sqlite (pure Go) or sqlite3 (cgo)
	Driver string `yaml:"driver"`
	// Submission entries kept in memory
	LRUSize int `yaml:"lru_size"`

	S3   S3Config   `yaml:"s3"`
	Sync SyncConfig `yaml:"sync"`
}

// S3Config configures access to the source bucket.
type S3Config struct {
	Region   string `yaml:"region"`
	Endpoint string `yaml:"endpoint"`
	Timeout  string `yaml:"timeout"`
}

// SyncConfig holds sync defaults.
type SyncConfig struct {
	Concurrency     int  `yaml:"concurrency"`
	Extract         bool `yaml:"extract"`
	DiscardArchives bool `yaml:"discard_archives"`
}

// DefaultConfig returns the built-in defaults.
func DefaultConfig() *Config {
	return &Config{
		Driver:  bucket.DriverPureGo,
		LRUSize: 50000,
		S3: S3Config{
			Region:  bucket.DefaultRegion,
			Timeout: "30m",
		},
		Sync: SyncConfig{
			Concurrency: 4,
		},
	}
}

// LoadConfig reads path over the defaults. A missing file is not an error.
func LoadConfig(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			cfg.applyEnvOverrides()
			return cfg, nil
		}
		return nil, fmt.Errorf("failed to read config: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	cfg.applyEnvOverrides()

	if _, err := cfg.S3Timeout(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Save writes the configuration as YAML.
func (c *Config) Save(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	return os.WriteFile(path, data, 0644)
}

func (c *Config) applyEnvOverrides() {
	if ep := os.Getenv("ARXIV_BUCKET_ENDPOINT"); ep != "" {
		c.S3.Endpoint = ep
	}
}

// S3Timeout parses the per-object download timeout.
func (c *Config) S3Timeout() (time.Duration, error) {
	if c.S3.Timeout == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(c.S3.Timeout)
	if err != nil {
		return 0, fmt.Errorf("invalid s3 timeout %q: %w", c.S3.Timeout, err)
	}
	return d, nil
}

// defaultRoot returns the mirror directory from ARXIV_BUCKET_ROOT, falling
// back to ~/.cache/arxiv-bucket.
func defaultRoot() string {
	if dir := os.Getenv("ARXIV_BUCKET_ROOT"); dir != "" {
		return dir
	}
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".cache", "arxiv-bucket")
}
