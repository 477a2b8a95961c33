package config

import "time"

// Server and storage defaults.
const (
	DefaultServerAddr       = ":8080"
	DefaultDatabaseDriver   = "sqlite"
	DefaultDatabaseDSN      = "file:imgeval.db?_busy_timeout=5000"
	DefaultTemporalAddress  = "localhost:7233"
	DefaultTemporalNS       = "default"
	DefaultTaskQueue        = "imgeval"
	DefaultBlobBackend      = "memory"
	DefaultProviderBaseURL  = "https://api.replicate.com"
	DefaultRequestsPerSec   = 10
	DefaultBurst            = 20
	DefaultProviderTimeout  = 30 * time.Second
	DefaultDownloadTimeout  = 2 * time.Minute
	DefaultLeaseTTL         = DefaultMaxElapsed + 10*time.Minute
	DefaultLogMode          = "development"
	DefaultPairwiseModel    = "DreamSim"
	DefaultPairwiseModelRef = "andreasjansson/dreamsim"
	DefaultBatchModelRef    = "andreasjansson/flash-eval"
)

// Polling defaults. The interval matches the provider's typical queue latency;
// MaxAttempts and MaxElapsed bound an otherwise unbounded wait.
const (
	DefaultInitialDelay = 2 * time.Second
	DefaultPollInterval = 10 * time.Second
	DefaultMaxAttempts  = 360
	DefaultMaxElapsed   = time.Hour
)

// DefaultBatchModels lists the scoring models the batch scorer understands.
var DefaultBatchModels = []string{"ImageReward", "Aesthetic", "CLIP", "BLIP", "PickScore"}

// DefaultConfig returns a configuration suitable for local development.
// Credentials are left empty and must be supplied.
func DefaultConfig() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}

func (c *Config) applyDefaults() {
	setDefault(&c.Server.Addr, DefaultServerAddr)
	setDefault(&c.Database.Driver, DefaultDatabaseDriver)
	setDefault(&c.Database.DSN, DefaultDatabaseDSN)
	setDefault(&c.Temporal.Address, DefaultTemporalAddress)
	setDefault(&c.Temporal.Namespace, DefaultTemporalNS)
	setDefault(&c.Temporal.TaskQueue, DefaultTaskQueue)
	setDefault(&c.Provider.BaseURL, DefaultProviderBaseURL)
	setDefault(&c.Provider.RequestsPerSec, DefaultRequestsPerSec)
	setDefault(&c.Provider.Burst, DefaultBurst)
	setDefault(&c.Provider.Timeout, DefaultProviderTimeout)
	setDefault(&c.Provider.DownloadTimeout, DefaultDownloadTimeout)
	setDefault(&c.Models.PairwiseModel, DefaultPairwiseModel)
	setDefault(&c.Models.PairwiseRef, DefaultPairwiseModelRef)
	setDefault(&c.Models.BatchRef, DefaultBatchModelRef)
	if len(c.Models.BatchModels) == 0 {
		c.Models.BatchModels = append([]string(nil), DefaultBatchModels...)
	}
	setDefault(&c.Polling.InitialDelay, DefaultInitialDelay)
	setDefault(&c.Polling.Interval, DefaultPollInterval)
	setDefault(&c.Polling.MaxAttempts, DefaultMaxAttempts)
	setDefault(&c.Polling.MaxElapsed, DefaultMaxElapsed)
	setDefault(&c.Blob.Backend, DefaultBlobBackend)
	setDefault(&c.Redis.LeaseTTL, DefaultLeaseTTL)
	setDefault(&c.Log.Mode, DefaultLogMode)
}

func setDefault[T comparable](dst *T, def T) {
	var zero T
	if *dst == zero {
		*dst = def
	}
}
