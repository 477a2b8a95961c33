package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testSealKey = "000102030405060708090a0b0c0d0e0f101112131415161718191a1b1c1d1e1f"

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	assert.Equal(t, DefaultServerAddr, cfg.Server.Addr)
	assert.Equal(t, DefaultInitialDelay, cfg.Polling.InitialDelay)
	assert.Equal(t, DefaultPollInterval, cfg.Polling.Interval)
	assert.Equal(t, "DreamSim", cfg.Models.PairwiseModel)
	assert.Equal(t, DefaultBatchModels, cfg.Models.BatchModels)

	// Credentials have no defaults.
	err := cfg.Validate()
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrInvalidConfig)

	cfg.Credentials.SealKey = testSealKey
	cfg.Credentials.SigningKey = "signing"
	require.NoError(t, cfg.Validate())
}

func TestLoadYAMLThenEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "imgeval.yaml")
	yamlDoc := strings.Join([]string{
		"server:",
		"  addr: \":9000\"",
		"database:",
		"  driver: postgres",
		"  dsn: postgres://localhost/imgeval",
		"polling:",
		"  interval: 5s",
		"  max_attempts: 12",
		"blob:",
		"  backend: minio",
		"  bucket: images",
		"  minio_endpoint: localhost:9000",
		"credentials:",
		"  seal_key: " + testSealKey,
		"  signing_key: from-file",
	}, "\n")
	require.NoError(t, os.WriteFile(path, []byte(yamlDoc), 0o600))

	t.Setenv("IMGEVAL_CREDENTIALS_SIGNING_KEY", "from-env")
	t.Setenv("IMGEVAL_MODELS_BATCH_MODELS", "CLIP, PickScore")
	t.Setenv("IMGEVAL_POLLING_MAX_ELAPSED", "30m")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, ":9000", cfg.Server.Addr)
	assert.Equal(t, "postgres", cfg.Database.Driver)
	assert.Equal(t, 5*time.Second, cfg.Polling.Interval)
	assert.Equal(t, 12, cfg.Polling.MaxAttempts)
	assert.Equal(t, 30*time.Minute, cfg.Polling.MaxElapsed)
	assert.Equal(t, "from-env", cfg.Credentials.SigningKey)
	assert.Equal(t, []string{"CLIP", "PickScore"}, cfg.Models.BatchModels)
	assert.Equal(t, DefaultInitialDelay, cfg.Polling.InitialDelay)
}

func TestApplyEnvRejectsBadValues(t *testing.T) {
	cfg := &Config{}
	lookup := func(k string) (string, bool) {
		if k == "IMGEVAL_POLLING_INTERVAL" {
			return "soon", true
		}
		return "", false
	}

	err := applyEnv(cfg, lookup)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrInvalidConfig)
	assert.Contains(t, err.Error(), "IMGEVAL_POLLING_INTERVAL")
}

func TestValidateBlobBackendRequirements(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Credentials.SealKey = testSealKey
	cfg.Credentials.SigningKey = "k"

	cfg.Blob.Backend = "gcs"
	require.Error(t, cfg.Validate(), "gcs requires a bucket")

	cfg.Blob.Bucket = "images"
	require.NoError(t, cfg.Validate())

	cfg.Blob.Backend = "minio"
	require.Error(t, cfg.Validate(), "minio requires an endpoint")
}

func TestValidateLeaseCoversPollWindow(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Credentials.SealKey = testSealKey
	cfg.Credentials.SigningKey = "k"
	require.NoError(t, cfg.Validate())
	assert.GreaterOrEqual(t, cfg.Redis.LeaseTTL, cfg.Polling.MaxElapsed+cfg.Polling.Interval)

	cfg.Redis.LeaseTTL = 15 * time.Minute
	err := cfg.Validate()
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrInvalidConfig)
	assert.Contains(t, err.Error(), "lease_ttl")

	cfg.Polling.MaxElapsed = 10 * time.Minute
	cfg.Polling.Interval = 5 * time.Minute
	require.NoError(t, cfg.Validate(), "a TTL equal to the poll window is enough")
}
