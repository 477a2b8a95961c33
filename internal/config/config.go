// Package config loads process configuration for the imgeval server and worker.
// Values come from an optional YAML file, are then overridden by IMGEVAL_*
// environment variables, and finally filled in from DefaultConfig and validated.
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

var validate = validator.New(validator.WithRequiredStructEnabled())

// ErrInvalidConfig is returned when the merged configuration fails validation.
var ErrInvalidConfig = errors.New("invalid configuration")

// Config holds the full process configuration.
type Config struct {
	Server      ServerConfig      `yaml:"server"`
	Database    DatabaseConfig    `yaml:"database"`
	Temporal    TemporalConfig    `yaml:"temporal"`
	Provider    ProviderConfig    `yaml:"provider"`
	Models      ModelsConfig      `yaml:"models"`
	Polling     PollingConfig     `yaml:"polling"`
	Blob        BlobConfig        `yaml:"blob"`
	Redis       RedisConfig       `yaml:"redis"`
	Cache       CacheConfig       `yaml:"cache"`
	Credentials CredentialsConfig `yaml:"credentials"`
	Log         LogConfig         `yaml:"log"`
}

// ServerConfig configures the HTTP API process.
type ServerConfig struct {
	Addr string `yaml:"addr" validate:"required"`
	// PublicBaseURL prefixes results links handed back on submission.
	PublicBaseURL string `yaml:"public_base_url"`
}

// DatabaseConfig selects the gorm dialect and connection string.
type DatabaseConfig struct {
	Driver string `yaml:"driver" validate:"required,oneof=postgres sqlite"`
	DSN    string `yaml:"dsn" validate:"required"`
}

// TemporalConfig locates the Temporal frontend and the task queue workers poll.
type TemporalConfig struct {
	Address   string `yaml:"address" validate:"required"`
	Namespace string `yaml:"namespace" validate:"required"`
	TaskQueue string `yaml:"task_queue" validate:"required"`
}

// ProviderConfig configures the prediction provider HTTP client.
type ProviderConfig struct {
	BaseURL         string        `yaml:"base_url" validate:"required,url"`
	RequestsPerSec  float64       `yaml:"requests_per_second" validate:"gt=0"`
	Burst           int           `yaml:"burst" validate:"gte=1"`
	Timeout         time.Duration `yaml:"timeout" validate:"gt=0"`
	DownloadTimeout time.Duration `yaml:"download_timeout" validate:"gt=0"`
}

// ModelsConfig maps scoring model names to provider model references.
type ModelsConfig struct {
	// PairwiseModel is the scoring model name evaluated by the similarity job.
	PairwiseModel string `yaml:"pairwise_model" validate:"required"`
	PairwiseRef   string `yaml:"pairwise_ref" validate:"required"`
	// BatchRef is the provider model that scores every other enabled model in one job.
	BatchRef    string   `yaml:"batch_ref" validate:"required"`
	BatchModels []string `yaml:"batch_models" validate:"required,min=1"`
}

// PollingConfig bounds how long a provider job is awaited.
type PollingConfig struct {
	InitialDelay time.Duration `yaml:"initial_delay" validate:"gte=0"`
	Interval     time.Duration `yaml:"interval" validate:"gt=0"`
	MaxAttempts  int           `yaml:"max_attempts" validate:"gte=1"`
	MaxElapsed   time.Duration `yaml:"max_elapsed" validate:"gt=0"`
}

// BlobConfig selects and configures the cache blob backend.
type BlobConfig struct {
	Backend       string `yaml:"backend" validate:"required,oneof=gcs minio memory"`
	Bucket        string `yaml:"bucket" validate:"required_unless=Backend memory"`
	PublicBaseURL string `yaml:"public_base_url"`
	Prefix        string `yaml:"prefix"`

	MinioEndpoint  string `yaml:"minio_endpoint" validate:"required_if=Backend minio"`
	MinioAccessKey string `yaml:"minio_access_key"`
	MinioSecretKey string `yaml:"minio_secret_key"`
	MinioUseSSL    bool   `yaml:"minio_use_ssl"`

	// GCSEmulatorHost points the GCS client at a fake-gcs-server instance.
	GCSEmulatorHost string `yaml:"gcs_emulator_host"`
}

// RedisConfig configures the generation lease store. An empty Addr disables leasing.
// LeaseTTL must be at least Polling.MaxElapsed plus Polling.Interval.
type RedisConfig struct {
	Addr     string        `yaml:"addr"`
	Password string        `yaml:"password"`
	DB       int           `yaml:"db"`
	LeaseTTL time.Duration `yaml:"lease_ttl" validate:"gt=0"`
}

// CacheConfig configures local scratch space for cache population.
type CacheConfig struct {
	ScratchDir string `yaml:"scratch_dir"`
}

// CredentialsConfig holds the secrets used to seal provider tokens and sign API keys.
type CredentialsConfig struct {
	// SealKey is a 32-byte key, hex encoded.
	SealKey string `yaml:"seal_key" validate:"required,hexadecimal,len=64"`
	// SigningKey is the HMAC key applied to API keys before hashing.
	SigningKey string `yaml:"signing_key" validate:"required"`
}

// LogConfig configures the process logger.
type LogConfig struct {
	Mode string `yaml:"mode" validate:"omitempty,oneof=dev development prod production"`
}

// Load reads path (when non-empty), applies environment overrides and
// defaults, and validates the result.
func Load(path string) (*Config, error) {
	cfg := &Config{}
	if path != "" {
		f, err := os.Open(path)
		if err != nil {
			return nil, fmt.Errorf("failed to open config file: %w", err)
		}
		defer f.Close()

		if err := yaml.NewDecoder(f).Decode(cfg); err != nil {
			return nil, fmt.Errorf("failed to decode config file: %w", err)
		}
	}
	if err := applyEnv(cfg, os.LookupEnv); err != nil {
		return nil, err
	}
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the merged configuration.
//
// Beyond per-field rules, the generation lease TTL must cover the longest
// provider wait plus one poll interval, so a lease whose renewals stall
// still outlives the job it guards.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}
	if minTTL := c.Polling.MaxElapsed + c.Polling.Interval; c.Redis.LeaseTTL < minTTL {
		return fmt.Errorf("%w: redis lease_ttl %s is shorter than polling max_elapsed plus interval (%s)",
			ErrInvalidConfig, c.Redis.LeaseTTL, minTTL)
	}
	return nil
}
