// Package worker provides initialization and setup utilities for Temporal workers.
// This package contains initialization logic that should be executed during
// worker and server startup, keeping activity packages focused on pure
// activity logic.
package worker

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/redis/go-redis/v9"
	"go.temporal.io/sdk/client"

	"github.com/ahrav/go-imgeval/internal/blobstore"
	"github.com/ahrav/go-imgeval/internal/cache"
	"github.com/ahrav/go-imgeval/internal/config"
	"github.com/ahrav/go-imgeval/internal/credentials"
	"github.com/ahrav/go-imgeval/internal/dispatch"
	"github.com/ahrav/go-imgeval/internal/platform/logger"
	"github.com/ahrav/go-imgeval/internal/polling"
	"github.com/ahrav/go-imgeval/internal/provider"
	"github.com/ahrav/go-imgeval/internal/results"
	"github.com/ahrav/go-imgeval/internal/store"
)

// Dial connects to Temporal, retrying until maxWait elapses. The process
// logger becomes the SDK logger, so activity loggers are zap-backed.
func Dial(ctx context.Context, cfg config.TemporalConfig, log *logger.Logger, maxWait time.Duration) (client.Client, error) {
	opts := client.Options{
		HostPort:  cfg.Address,
		Namespace: cfg.Namespace,
		Logger:    log,
	}
	deadline := time.Now().Add(maxWait)
	backoff := 250 * time.Millisecond
	for attempt := 1; ; attempt++ {
		dctx, cancel := context.WithTimeout(ctx, 5*time.Second)
		c, err := client.DialContext(dctx, opts)
		cancel()
		if err == nil {
			if attempt > 1 {
				log.Info("Connected to Temporal", "address", cfg.Address, "attempts", attempt)
			}
			return c, nil
		}
		if time.Now().After(deadline) {
			return nil, fmt.Errorf("temporal dial failed (address=%s namespace=%s): %w", cfg.Address, cfg.Namespace, err)
		}
		log.Warn("Temporal not reachable; retrying", "address", cfg.Address, "attempt", attempt, "error", err)

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(backoff):
		}
		backoff = min(backoff*2, 5*time.Second)
	}
}

// Deps holds the long-lived dependencies shared by the worker and the HTTP
// server. Build one with NewDeps and release it with Close.
//
// Cache always exists. When cfg.Redis.Addr is empty it runs without
// generation leases, which is only safe with a single worker. Providers
// opens sealed tokens with Sealer, so API processes and workers must share
// the same seal key.
type Deps struct {
	Config     *config.Config
	Log        *logger.Logger
	Store      store.Store
	Blobs      blobstore.Store
	Cache      *cache.Cache
	Sealer     *credentials.Sealer
	Providers  provider.SealedFactory
	Dispatcher *dispatch.Dispatcher
	Results    *results.Service

	redis   *redis.Client
	closers []func() error
}

// NewDeps opens the database, blob store and lease store named by cfg and
// wires the services on top of them. starter is normally the Temporal client.
func NewDeps(ctx context.Context, cfg *config.Config, log *logger.Logger, starter dispatch.WorkflowStarter) (*Deps, error) {
	d := &Deps{Config: cfg, Log: log}

	db, err := store.Open(cfg.Database.Driver, cfg.Database.DSN)
	if err != nil {
		return nil, err
	}
	if err := store.AutoMigrate(db); err != nil {
		return nil, err
	}
	if sqlDB, err := db.DB(); err == nil {
		d.closers = append(d.closers, sqlDB.Close)
	}
	d.Store = store.New(db)

	d.Blobs, err = blobstore.Open(ctx, cfg.Blob)
	if err != nil {
		_ = d.Close()
		return nil, fmt.Errorf("open blob store: %w", err)
	}
	if c, ok := d.Blobs.(interface{ Close() error }); ok {
		d.closers = append(d.closers, c.Close)
	}

	cacheOpts := cache.Options{
		ScratchDir: cfg.Cache.ScratchDir,
		HTTPClient: &http.Client{Timeout: cfg.Provider.DownloadTimeout},
		LeaseTTL:   cfg.Redis.LeaseTTL,
		Logger:     log,
	}
	if cfg.Redis.Addr != "" {
		d.redis = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		if err := d.redis.Ping(ctx).Err(); err != nil {
			_ = d.redis.Close()
			_ = d.Close()
			return nil, fmt.Errorf("connect redis %s: %w", cfg.Redis.Addr, err)
		}
		d.closers = append(d.closers, d.redis.Close)
		cacheOpts.Lease = d.redis
	} else {
		log.Warn("Redis not configured; generation leases disabled")
	}
	d.Cache = cache.New(d.Blobs, cacheOpts)

	d.Sealer, err = credentials.NewSealer(cfg.Credentials.SealKey, cfg.Credentials.SigningKey)
	if err != nil {
		_ = d.Close()
		return nil, err
	}
	d.Providers = provider.SealedFactory{
		Factory: provider.NewReplicateFactory(provider.Config{
			BaseURL:        cfg.Provider.BaseURL,
			RequestsPerSec: cfg.Provider.RequestsPerSec,
			Burst:          cfg.Provider.Burst,
			Timeout:        cfg.Provider.Timeout,
		}),
		Opener: d.Sealer,
	}

	d.Dispatcher = dispatch.New(d.Store, d.Sealer, d.Providers, starter, dispatch.Options{
		Models:         cfg.Models,
		Policy:         polling.PolicyFromConfig(cfg.Polling),
		TaskQueue:      cfg.Temporal.TaskQueue,
		ResultsBaseURL: cfg.Server.PublicBaseURL,
		Logger:         log,
	})
	d.Results = results.NewService(d.Store, d.Sealer, cfg.Models.PairwiseModel)
	return d, nil
}

// Close releases every resource NewDeps opened, in reverse order.
func (d *Deps) Close() error {
	var errs []error
	for i := len(d.closers) - 1; i >= 0; i-- {
		errs = append(errs, d.closers[i]())
	}
	d.closers = nil
	return errors.Join(errs...)
}
