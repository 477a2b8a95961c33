// Package blobstore provides the object storage behind the generation cache.
// Backends are interchangeable: Google Cloud Storage, any S3-compatible store
// reachable through MinIO, and an in-memory store for development and tests.
package blobstore

import (
	"context"
	"errors"
	"io"
	"mime"
	"path"
	"strings"
)

// Blob store errors.
var (
	ErrKeyEmpty = errors.New("blob key cannot be empty")
	ErrNotFound = errors.New("blob not found")
	ErrExists   = errors.New("blob already exists")
)

// Store is a flat key/value object store with public URLs.
type Store interface {
	// Put writes r under key, replacing any existing object. size may be -1 when unknown.
	Put(ctx context.Context, key string, r io.Reader, size int64, contentType string) error

	// PutIfAbsent writes data under key only when no object exists there yet.
	// Returns ErrExists when the key is taken; the existing object is untouched.
	PutIfAbsent(ctx context.Context, key string, data []byte, contentType string) error

	// Get reads the object at key. Returns ErrNotFound for missing keys.
	Get(ctx context.Context, key string) ([]byte, error)

	// URL returns the public URL for key. It does not check existence.
	URL(key string) string
}

// ContentTypeForKey guesses a content type from the key's extension.
func ContentTypeForKey(key string) string {
	ext := strings.ToLower(path.Ext(key))
	if ext == "" {
		return "application/octet-stream"
	}
	if ct := mime.TypeByExtension(ext); ct != "" {
		return ct
	}
	return "application/octet-stream"
}

func joinURL(base, bucket, key string) string {
	base = strings.TrimRight(base, "/")
	if bucket == "" {
		return base + "/" + key
	}
	return base + "/" + bucket + "/" + key
}

func readAllLimited(r io.Reader) ([]byte, error) {
	const maxObjectRead = 16 << 20
	return io.ReadAll(io.LimitReader(r, maxObjectRead))
}
