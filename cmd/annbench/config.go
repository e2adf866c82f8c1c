package main

import (
	"errors"
	"fmt"
	"io/fs"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"

	"github.com/23skdu/annbench/internal/schema"
)

// EnvPrefix is the prefix of every environment variable the driver reads.
const EnvPrefix = "ANNBENCH"

// Config validation errors
var (
	ErrInvalidMetric         = errors.New("metric must be angular or euclidean")
	ErrInvalidMaxConnections = errors.New("max_connections must be positive")
	ErrInvalidEFConstruction = errors.New("ef_construction must be positive")
	ErrInvalidEF             = errors.New("ef values must be positive")
	ErrInvalidDataset        = errors.New("n, dim, queries and k must be positive")
	ErrInvalidLogFormat      = errors.New("log_format must be 'json' or 'console'")
	ErrInvalidLogLevel       = errors.New("log_level must be debug, info, warn, or error")
)

// Config holds the driver settings. Environment variables set the defaults that
// command-line flags then override.
type Config struct {
	Metric         string `envconfig:"METRIC" default:"euclidean"`
	MaxConnections int    `envconfig:"M" default:"16"`
	EFConstruction int    `envconfig:"EF_CONSTRUCTION" default:"500"`
	EF             []int  `envconfig:"EF" default:"10,20,40,80,120,200,400,800"`

	N       int   `envconfig:"N" default:"10000"`
	Dim     int   `envconfig:"DIM" default:"64"`
	Queries int   `envconfig:"QUERIES" default:"100"`
	K       int   `envconfig:"K" default:"10"`
	Seed    int64 `envconfig:"SEED" default:"1"`

	// Definitions, when set, replaces the single run built from the tuning settings
	// above with every enabled definition for the metric.
	Definitions string `envconfig:"DEFINITIONS"`
	// DataPath persists the embedded instance's snapshot. Empty keeps it in memory.
	DataPath string `envconfig:"DATA_PATH"`

	MetricsAddr string `envconfig:"METRICS_ADDR"`
	LogFormat   string `envconfig:"LOG_FORMAT" default:"console"`
	LogLevel    string `envconfig:"LOG_LEVEL" default:"info"`
}

// DefaultConfig returns a Config with default values
func DefaultConfig() Config {
	return Config{
		Metric:         "euclidean",
		MaxConnections: 16,
		EFConstruction: 500,
		EF:             []int{10, 20, 40, 80, 120, 200, 400, 800},
		N:              10000,
		Dim:            64,
		Queries:        100,
		K:              10,
		Seed:           1,
		LogFormat:      "console",
		LogLevel:       "info",
	}
}

// LoadConfig reads envFile when it exists, then the process environment.
func LoadConfig(envFile string) (Config, error) {
	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return Config{}, fmt.Errorf("failed to load %s: %w", envFile, err)
		}
	}
	var cfg Config
	if err := envconfig.Process(EnvPrefix, &cfg); err != nil {
		return Config{}, fmt.Errorf("failed to process config: %w", err)
	}
	return cfg, nil
}

// ValidateConfig validates the configuration and returns an error if invalid
func ValidateConfig(cfg *Config) error {
	if _, err := schema.ResolveMetric(cfg.Metric); err != nil {
		return ErrInvalidMetric
	}
	if cfg.MaxConnections <= 0 {
		return ErrInvalidMaxConnections
	}
	if cfg.EFConstruction <= 0 {
		return ErrInvalidEFConstruction
	}
	if len(cfg.EF) == 0 {
		return ErrInvalidEF
	}
	for _, ef := range cfg.EF {
		if ef <= 0 {
			return ErrInvalidEF
		}
	}
	if cfg.N <= 0 || cfg.Dim <= 0 || cfg.Queries <= 0 || cfg.K <= 0 {
		return ErrInvalidDataset
	}
	if cfg.LogFormat != "json" && cfg.LogFormat != "console" {
		return ErrInvalidLogFormat
	}
	if cfg.LogLevel != "debug" && cfg.LogLevel != "info" && cfg.LogLevel != "warn" && cfg.LogLevel != "error" {
		return ErrInvalidLogLevel
	}
	return nil
}
