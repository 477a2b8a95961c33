package blobstore

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"

	"cloud.google.com/go/storage"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"
)

const defaultGCSPublicBase = "https://storage.googleapis.com"

// GCSConfig configures a GCSStore.
type GCSConfig struct {
	Bucket        string
	PublicBaseURL string
	// EmulatorHost, when set, points the client at a fake-gcs-server without authentication.
	EmulatorHost string
}

// GCSStore stores objects in one Google Cloud Storage bucket.
type GCSStore struct {
	client  *storage.Client
	bucket  string
	baseURL string
}

// NewGCSStore dials Cloud Storage using application default credentials, or
// the emulator when configured.
func NewGCSStore(ctx context.Context, cfg GCSConfig) (*GCSStore, error) {
	if cfg.Bucket == "" {
		return nil, errors.New("gcs: bucket is required")
	}

	var opts []option.ClientOption
	baseURL := strings.TrimRight(cfg.PublicBaseURL, "/")
	if host := strings.TrimRight(strings.TrimSpace(cfg.EmulatorHost), "/"); host != "" {
		_ = os.Setenv("STORAGE_EMULATOR_HOST", host)
		opts = append(opts, option.WithoutAuthentication())
		if baseURL == "" {
			baseURL = host
		}
	} else {
		opts = append(opts, option.WithScopes(storage.ScopeReadWrite))
	}
	if baseURL == "" {
		baseURL = defaultGCSPublicBase
	}

	client, err := storage.NewClient(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("gcs: failed to create storage client: %w", err)
	}
	return &GCSStore{client: client, bucket: cfg.Bucket, baseURL: baseURL}, nil
}

// Close releases the underlying client.
func (s *GCSStore) Close() error { return s.client.Close() }

// Put streams r into the bucket under key.
func (s *GCSStore) Put(ctx context.Context, key string, r io.Reader, _ int64, contentType string) error {
	if key == "" {
		return ErrKeyEmpty
	}
	w := s.client.Bucket(s.bucket).Object(key).NewWriter(ctx)
	w.ContentType = contentType
	if _, err := io.Copy(w, r); err != nil {
		_ = w.Close()
		return fmt.Errorf("gcs: failed to write %s: %w", key, err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("gcs: failed to close writer for %s: %w", key, err)
	}
	return nil
}

// PutIfAbsent writes data with a does-not-exist precondition; GCS rejects
// the write with 412 when another writer got there first.
func (s *GCSStore) PutIfAbsent(ctx context.Context, key string, data []byte, contentType string) error {
	if key == "" {
		return ErrKeyEmpty
	}
	obj := s.client.Bucket(s.bucket).Object(key).If(storage.Conditions{DoesNotExist: true})
	w := obj.NewWriter(ctx)
	w.ContentType = contentType
	if _, err := io.Copy(w, bytes.NewReader(data)); err != nil {
		_ = w.Close()
		return fmt.Errorf("gcs: failed to write %s: %w", key, err)
	}
	if err := w.Close(); err != nil {
		var gErr *googleapi.Error
		if errors.As(err, &gErr) && gErr.Code == http.StatusPreconditionFailed {
			return ErrExists
		}
		return fmt.Errorf("gcs: failed to close writer for %s: %w", key, err)
	}
	return nil
}

// Get reads the object at key.
func (s *GCSStore) Get(ctx context.Context, key string) ([]byte, error) {
	if key == "" {
		return nil, ErrKeyEmpty
	}
	r, err := s.client.Bucket(s.bucket).Object(key).NewReader(ctx)
	if err != nil {
		if errors.Is(err, storage.ErrObjectNotExist) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("gcs: failed to open %s: %w", key, err)
	}
	defer r.Close()
	return readAllLimited(r)
}

// URL returns the public object URL.
func (s *GCSStore) URL(key string) string {
	return joinURL(s.baseURL, s.bucket, key)
}
