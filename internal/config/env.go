package config

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "IMGEVAL_"

type lookupFunc func(string) (string, bool)

// envBinding maps one environment variable onto a config field.
type envBinding struct {
	name string
	set  func(c *Config, v string) error
}

func str(dst func(*Config) *string) func(*Config, string) error {
	return func(c *Config, v string) error { *dst(c) = v; return nil }
}

func integer(dst func(*Config) *int) func(*Config, string) error {
	return func(c *Config, v string) error {
		n, err := strconv.Atoi(v)
		if err != nil {
			return err
		}
		*dst(c) = n
		return nil
	}
}

func float(dst func(*Config) *float64) func(*Config, string) error {
	return func(c *Config, v string) error {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return err
		}
		*dst(c) = f
		return nil
	}
}

func boolean(dst func(*Config) *bool) func(*Config, string) error {
	return func(c *Config, v string) error {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return err
		}
		*dst(c) = b
		return nil
	}
}

func duration(dst func(*Config) *time.Duration) func(*Config, string) error {
	return func(c *Config, v string) error {
		d, err := time.ParseDuration(v)
		if err != nil {
			return err
		}
		*dst(c) = d
		return nil
	}
}

var envBindings = []envBinding{
	{"SERVER_ADDR", str(func(c *Config) *string { return &c.Server.Addr })},
	{"SERVER_PUBLIC_BASE_URL", str(func(c *Config) *string { return &c.Server.PublicBaseURL })},
	{"DATABASE_DRIVER", str(func(c *Config) *string { return &c.Database.Driver })},
	{"DATABASE_DSN", str(func(c *Config) *string { return &c.Database.DSN })},
	{"TEMPORAL_ADDRESS", str(func(c *Config) *string { return &c.Temporal.Address })},
	{"TEMPORAL_NAMESPACE", str(func(c *Config) *string { return &c.Temporal.Namespace })},
	{"TEMPORAL_TASK_QUEUE", str(func(c *Config) *string { return &c.Temporal.TaskQueue })},
	{"PROVIDER_BASE_URL", str(func(c *Config) *string { return &c.Provider.BaseURL })},
	{"PROVIDER_REQUESTS_PER_SECOND", float(func(c *Config) *float64 { return &c.Provider.RequestsPerSec })},
	{"PROVIDER_BURST", integer(func(c *Config) *int { return &c.Provider.Burst })},
	{"PROVIDER_TIMEOUT", duration(func(c *Config) *time.Duration { return &c.Provider.Timeout })},
	{"MODELS_PAIRWISE_MODEL", str(func(c *Config) *string { return &c.Models.PairwiseModel })},
	{"MODELS_PAIRWISE_REF", str(func(c *Config) *string { return &c.Models.PairwiseRef })},
	{"MODELS_BATCH_REF", str(func(c *Config) *string { return &c.Models.BatchRef })},
	{"MODELS_BATCH_MODELS", func(c *Config, v string) error {
		c.Models.BatchModels = splitList(v)
		return nil
	}},
	{"POLLING_INITIAL_DELAY", duration(func(c *Config) *time.Duration { return &c.Polling.InitialDelay })},
	{"POLLING_INTERVAL", duration(func(c *Config) *time.Duration { return &c.Polling.Interval })},
	{"POLLING_MAX_ATTEMPTS", integer(func(c *Config) *int { return &c.Polling.MaxAttempts })},
	{"POLLING_MAX_ELAPSED", duration(func(c *Config) *time.Duration { return &c.Polling.MaxElapsed })},
	{"BLOB_BACKEND", str(func(c *Config) *string { return &c.Blob.Backend })},
	{"BLOB_BUCKET", str(func(c *Config) *string { return &c.Blob.Bucket })},
	{"BLOB_PUBLIC_BASE_URL", str(func(c *Config) *string { return &c.Blob.PublicBaseURL })},
	{"BLOB_PREFIX", str(func(c *Config) *string { return &c.Blob.Prefix })},
	{"BLOB_MINIO_ENDPOINT", str(func(c *Config) *string { return &c.Blob.MinioEndpoint })},
	{"BLOB_MINIO_ACCESS_KEY", str(func(c *Config) *string { return &c.Blob.MinioAccessKey })},
	{"BLOB_MINIO_SECRET_KEY", str(func(c *Config) *string { return &c.Blob.MinioSecretKey })},
	{"BLOB_MINIO_USE_SSL", boolean(func(c *Config) *bool { return &c.Blob.MinioUseSSL })},
	{"BLOB_GCS_EMULATOR_HOST", str(func(c *Config) *string { return &c.Blob.GCSEmulatorHost })},
	{"REDIS_ADDR", str(func(c *Config) *string { return &c.Redis.Addr })},
	{"REDIS_PASSWORD", str(func(c *Config) *string { return &c.Redis.Password })},
	{"REDIS_DB", integer(func(c *Config) *int { return &c.Redis.DB })},
	{"REDIS_LEASE_TTL", duration(func(c *Config) *time.Duration { return &c.Redis.LeaseTTL })},
	{"CACHE_SCRATCH_DIR", str(func(c *Config) *string { return &c.Cache.ScratchDir })},
	{"CREDENTIALS_SEAL_KEY", str(func(c *Config) *string { return &c.Credentials.SealKey })},
	{"CREDENTIALS_SIGNING_KEY", str(func(c *Config) *string { return &c.Credentials.SigningKey })},
	{"LOG_MODE", str(func(c *Config) *string { return &c.Log.Mode })},
}

// applyEnv overrides fields for every IMGEVAL_* variable that is set.
func applyEnv(c *Config, lookup lookupFunc) error {
	for _, b := range envBindings {
		raw, ok := lookup(EnvPrefix + b.name)
		if !ok {
			continue
		}
		raw = strings.TrimSpace(raw)
		if err := b.set(c, raw); err != nil {
			return fmt.Errorf("%w: %s%s=%q: %w", ErrInvalidConfig, EnvPrefix, b.name, raw, err)
		}
	}
	return nil
}

func splitList(v string) []string {
	var out []string
	for _, p := range strings.Split(v, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
