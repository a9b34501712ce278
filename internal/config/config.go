// Package config loads the merger's configuration from a YAML file with
// environment-variable overrides.
package config

import (
	"fmt"
	"os"
	"strconv"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Task    TaskConfig    `yaml:"task"`
	Source  SourceConfig  `yaml:"source"`
	Storage StorageConfig `yaml:"storage"`
	Catalog CatalogConfig `yaml:"catalog"`
	Metrics MetricsConfig `yaml:"metrics"`
	Log     LogConfig     `yaml:"log"`
}

// TaskConfig points at the task spec handed down by the supervisor.
type TaskConfig struct {
	SpecFile string `yaml:"spec_file"`
}

// SourceConfig locates the intermediate store holding partial partitions.
type SourceConfig struct {
	Backend        string `yaml:"backend"` // "local" | "gcs" | "s3"
	LocalDir       string `yaml:"local_dir"`
	GCSBucket      string `yaml:"gcs_bucket"`
	S3Bucket       string `yaml:"s3_bucket"`
	S3Endpoint     string `yaml:"s3_endpoint"`
	S3Region       string `yaml:"s3_region"`
	Prefix         string `yaml:"prefix"`
	RetryAttempts  int    `yaml:"retry_attempts"`
	RetryBackoffMs int    `yaml:"retry_backoff_ms"`
}

// StorageConfig locates deep storage for merged segments.
type StorageConfig struct {
	Backend    string `yaml:"backend"` // "local" | "gcs" | "s3"
	LocalDir   string `yaml:"local_dir"`
	GCSBucket  string `yaml:"gcs_bucket"`
	S3Bucket   string `yaml:"s3_bucket"`
	S3Endpoint string `yaml:"s3_endpoint"`
	S3Region   string `yaml:"s3_region"`
	Prefix     string `yaml:"prefix"`
}

type CatalogConfig struct {
	PostgresDSN string `yaml:"postgres_dsn"`
	Namespace   string `yaml:"namespace"`
}

type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Address string `yaml:"address"`
}

type LogConfig struct {
	Format string `yaml:"format"` // "json" | "text"
	Level  string `yaml:"level"`  // "debug" | "info" | "warn" | "error"
}

// Load reads the YAML config at path (optional), applies environment
// overrides, and fills in defaults.
func Load(path string) (Config, error) {
	var cfg Config

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	applyEnv(&cfg)
	applyDefaults(&cfg)
	return cfg, nil
}

// applyEnv overrides config fields from the environment. Env vars win over
// the YAML file so deployments can patch a shared config.
func applyEnv(cfg *Config) {
	setString(&cfg.Task.SpecFile, "TASK_SPEC_FILE")

	setString(&cfg.Source.Backend, "SOURCE_BACKEND")
	setString(&cfg.Source.LocalDir, "SOURCE_LOCAL_DIR")
	setString(&cfg.Source.GCSBucket, "SOURCE_GCS_BUCKET")
	setString(&cfg.Source.S3Bucket, "SOURCE_S3_BUCKET")
	setString(&cfg.Source.S3Endpoint, "SOURCE_S3_ENDPOINT")
	setString(&cfg.Source.S3Region, "SOURCE_S3_REGION")
	setString(&cfg.Source.Prefix, "SOURCE_PREFIX")
	setInt(&cfg.Source.RetryAttempts, "SOURCE_RETRY_ATTEMPTS")
	setInt(&cfg.Source.RetryBackoffMs, "SOURCE_RETRY_BACKOFF_MS")

	setString(&cfg.Storage.Backend, "STORAGE_BACKEND")
	setString(&cfg.Storage.LocalDir, "STORAGE_LOCAL_DIR")
	setString(&cfg.Storage.GCSBucket, "STORAGE_GCS_BUCKET")
	setString(&cfg.Storage.S3Bucket, "STORAGE_S3_BUCKET")
	setString(&cfg.Storage.S3Endpoint, "STORAGE_S3_ENDPOINT")
	setString(&cfg.Storage.S3Region, "STORAGE_S3_REGION")
	setString(&cfg.Storage.Prefix, "STORAGE_PREFIX")

	setString(&cfg.Catalog.PostgresDSN, "CATALOG_DSN")
	setString(&cfg.Catalog.Namespace, "CATALOG_NAMESPACE")

	if v := os.Getenv("METRICS_ENABLED"); v != "" {
		cfg.Metrics.Enabled = v == "true"
	}
	setString(&cfg.Metrics.Address, "METRICS_ADDRESS")

	setString(&cfg.Log.Format, "LOG_FORMAT")
	setString(&cfg.Log.Level, "LOG_LEVEL")
}

func applyDefaults(cfg *Config) {
	if cfg.Source.Backend == "" {
		cfg.Source.Backend = "local"
	}
	if cfg.Source.LocalDir == "" {
		cfg.Source.LocalDir = "./data/partial"
	}
	if cfg.Storage.Backend == "" {
		cfg.Storage.Backend = "local"
	}
	if cfg.Storage.LocalDir == "" {
		cfg.Storage.LocalDir = "./data/merged"
	}
	if cfg.Storage.Prefix == "" {
		cfg.Storage.Prefix = "merged/"
	}
	if cfg.Metrics.Address == "" {
		cfg.Metrics.Address = ":9090"
	}
	if cfg.Log.Format == "" {
		cfg.Log.Format = "json"
	}
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
}

func setString(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if parsed, err := strconv.Atoi(v); err == nil {
			*dst = parsed
		}
	}
}
