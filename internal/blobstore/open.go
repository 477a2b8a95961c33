package blobstore

import (
	"context"
	"fmt"

	"github.com/ahrav/go-imgeval/internal/config"
)

// Open builds the backend selected by cfg.Backend.
func Open(ctx context.Context, cfg config.BlobConfig) (Store, error) {
	switch cfg.Backend {
	case "gcs":
		return NewGCSStore(ctx, GCSConfig{
			Bucket:        cfg.Bucket,
			PublicBaseURL: cfg.PublicBaseURL,
			EmulatorHost:  cfg.GCSEmulatorHost,
		})
	case "minio":
		return NewMinioStore(ctx, MinioConfig{
			Endpoint:      cfg.MinioEndpoint,
			AccessKey:     cfg.MinioAccessKey,
			SecretKey:     cfg.MinioSecretKey,
			UseSSL:        cfg.MinioUseSSL,
			Bucket:        cfg.Bucket,
			PublicBaseURL: cfg.PublicBaseURL,
		})
	case "memory", "":
		return NewMemoryStore(cfg.PublicBaseURL), nil
	default:
		return nil, fmt.Errorf("blobstore: unknown backend %q", cfg.Backend)
	}
}
