// Package config loads the exporter's configuration from the
// environment, optionally overlaid with a YAML file. A .env file is
// honored for local development.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config holds all configuration for the application.
type Config struct {
	WorkspaceURL string `yaml:"workspace_url" validate:"required,url"`
	Token        string `yaml:"token" validate:"required"`

	OutputDir string `yaml:"output_dir" validate:"required"`
	Format    string `yaml:"format" validate:"oneof=markdown json"`
	PageID    string `yaml:"page_id"`
	Query     string `yaml:"query"`

	Concurrency       int     `yaml:"concurrency" validate:"min=1,max=64"`
	QueueSize         int     `yaml:"queue_size" validate:"min=1"`
	RequestsPerSecond float64 `yaml:"requests_per_second" validate:"gt=0"`
}

// New loads configuration from environment variables, then overlays
// the YAML file at path if one is given.
func New(path string) (*Config, error) {
	if err := godotenv.Load(); err != nil {
		slog.Debug("config: no .env file found, relying on environment variables")
	}

	cfg := &Config{
		WorkspaceURL:      getEnv("WSEXPORT_URL", ""),
		Token:             getEnv("WSEXPORT_TOKEN", ""),
		OutputDir:         getEnv("WSEXPORT_OUTPUT_DIR", "./export"),
		Format:            getEnv("WSEXPORT_FORMAT", "markdown"),
		PageID:            getEnv("WSEXPORT_PAGE_ID", ""),
		Query:             getEnv("WSEXPORT_QUERY", ""),
		Concurrency:       getEnvInt("WSEXPORT_CONCURRENCY", 4),
		QueueSize:         getEnvInt("WSEXPORT_QUEUE_SIZE", 16),
		RequestsPerSecond: getEnvFloat("WSEXPORT_RPS", 3),
	}

	if path != "" {
		if err := cfg.applyFile(path); err != nil {
			return nil, err
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the struct tags; the CLI surfaces the message
// as-is.
func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return fmt.Errorf("config: invalid configuration: %w", err)
	}
	return nil
}

// applyFile overlays non-zero values from a YAML file. Values from
// the file win over the environment.
func (c *Config) applyFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("config: read %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("config: parse %s: %w", path, err)
	}
	return nil
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		slog.Warn("config: ignoring non-numeric value", "key", key, "value", v)
		return fallback
	}
	return n
}

func getEnvFloat(key string, fallback float64) float64 {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		slog.Warn("config: ignoring non-numeric value", "key", key, "value", v)
		return fallback
	}
	return f
}
