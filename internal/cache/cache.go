// Package cache is the content-addressable store of generated images.
//
// An entry is addressed by the model version and a hash of the canonical
// generation inputs. Each entry is two objects in the blob store: the image
// itself at "{key}.{ext}" and a JSON sidecar at "{key}.json" describing it.
// The sidecar is written once; when two writers race, the first entry wins
// and later writers adopt it. Entries never expire.
//
// A Redis-backed advisory lease lets one generation job per key run at a
// time, so identical concurrent requests wait for the cache instead of
// issuing duplicate provider jobs.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path"
	"strings"
	"sync/atomic"
	"time"

	"github.com/ahrav/go-imgeval/internal/blobstore"
	"github.com/ahrav/go-imgeval/internal/platform/logger"
)

const (
	defaultDownloadTimeout = 2 * time.Minute
	defaultExtension       = "png"
	sidecarExtension       = "json"
)

// ErrKeyEmpty is returned for operations on an empty cache key.
var ErrKeyEmpty = errors.New("cache: key cannot be empty")

// Entry describes one cached generation result.
type Entry struct {
	URL           string         `json:"url"`
	Labels        map[string]any `json:"labels"`
	JobID         string         `json:"job_id"`
	FileExtension string         `json:"file_extension"`
}

// Options configures a Cache.
type Options struct {
	// ScratchDir holds downloads while they are copied into the blob store.
	// Empty means the OS temp directory.
	ScratchDir string
	// HTTPClient downloads provider output. Defaults to a client with a 2 minute timeout.
	HTTPClient *http.Client
	// Lease enables cross-worker generation leases. Nil disables leasing.
	Lease    LeaseClient
	LeaseTTL time.Duration
	Logger   *logger.Logger
}

// Cache reads and populates the generation cache.
type Cache struct {
	blobs      blobstore.Store
	http       *http.Client
	scratchDir string
	lease      LeaseClient
	leaseTTL   time.Duration
	log        *logger.Logger

	hits   atomic.Int64
	misses atomic.Int64
}

// New creates a cache over blobs.
func New(blobs blobstore.Store, opts Options) *Cache {
	hc := opts.HTTPClient
	if hc == nil {
		hc = &http.Client{Timeout: defaultDownloadTimeout}
	}
	log := opts.Logger
	if log == nil {
		log = logger.NewNop()
	}
	return &Cache{
		blobs:      blobs,
		http:       hc,
		scratchDir: opts.ScratchDir,
		lease:      opts.Lease,
		leaseTTL:   opts.LeaseTTL,
		log:        log.With("component", "cache"),
	}
}

// Stats reports lookup hit and miss counts since construction.
func (c *Cache) Stats() (hits, misses int64) {
	return c.hits.Load(), c.misses.Load()
}

// Lookup returns the entry for key. A missing entry is reported as
// (Entry{}, false, nil); only storage failures are errors.
func (c *Cache) Lookup(ctx context.Context, key string) (Entry, bool, error) {
	if key == "" {
		return Entry{}, false, ErrKeyEmpty
	}
	raw, err := c.blobs.Get(ctx, sidecarKey(key))
	if errors.Is(err, blobstore.ErrNotFound) {
		c.misses.Add(1)
		return Entry{}, false, nil
	}
	if err != nil {
		return Entry{}, false, fmt.Errorf("cache: read sidecar %s: %w", key, err)
	}

	var e Entry
	if err := json.Unmarshal(raw, &e); err != nil {
		return Entry{}, false, fmt.Errorf("cache: decode sidecar %s: %w", key, err)
	}
	c.hits.Add(1)
	return e, true, nil
}

// Store copies the image at sourceURL into the cache under key and records
// its sidecar. When ext is empty it is taken from the source URL path.
// If an entry for key already exists, that entry is returned unchanged.
func (c *Cache) Store(
	ctx context.Context,
	key, sourceURL string,
	labels map[string]any,
	jobID, ext string,
) (Entry, error) {
	if key == "" {
		return Entry{}, ErrKeyEmpty
	}
	if existing, ok, err := c.Lookup(ctx, key); err != nil {
		return Entry{}, err
	} else if ok {
		return existing, nil
	}

	if ext == "" {
		ext = extensionOf(sourceURL)
	}
	blobKey := key + "." + ext

	if err := c.copyToBlob(ctx, sourceURL, blobKey); err != nil {
		return Entry{}, err
	}

	entry := Entry{
		URL:           c.blobs.URL(blobKey),
		Labels:        labels,
		JobID:         jobID,
		FileExtension: ext,
	}
	raw, err := json.Marshal(entry)
	if err != nil {
		return Entry{}, fmt.Errorf("cache: encode sidecar %s: %w", key, err)
	}

	err = c.blobs.PutIfAbsent(ctx, sidecarKey(key), raw, "application/json")
	switch {
	case err == nil:
		c.log.Debug("cache entry stored", "key", key, "url", entry.URL, "job_id", jobID)
		return entry, nil
	case errors.Is(err, blobstore.ErrExists):
		winner, ok, lerr := c.Lookup(ctx, key)
		if lerr != nil {
			return Entry{}, lerr
		}
		if !ok {
			return Entry{}, fmt.Errorf("cache: sidecar %s vanished after conflict", key)
		}
		c.log.Info("cache entry already present, adopting existing", "key", key, "job_id", winner.JobID)
		return winner, nil
	default:
		return Entry{}, fmt.Errorf("cache: write sidecar %s: %w", key, err)
	}
}

// copyToBlob downloads sourceURL into a scratch file and uploads it.
// Spooling to disk gives the blob store a known object size.
func (c *Cache) copyToBlob(ctx context.Context, sourceURL, blobKey string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, sourceURL, nil)
	if err != nil {
		return fmt.Errorf("cache: build download request: %w", err)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("cache: download %s: %w", sourceURL, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("cache: download %s: status %d", sourceURL, resp.StatusCode)
	}

	f, err := os.CreateTemp(c.scratchDir, "imgeval-*")
	if err != nil {
		return fmt.Errorf("cache: create scratch file: %w", err)
	}
	defer func() {
		_ = f.Close()
		_ = os.Remove(f.Name())
	}()

	size, err := io.Copy(f, resp.Body)
	if err != nil {
		return fmt.Errorf("cache: spool %s: %w", sourceURL, err)
	}
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		return fmt.Errorf("cache: rewind scratch file: %w", err)
	}

	contentType := resp.Header.Get("Content-Type")
	if contentType == "" {
		contentType = blobstore.ContentTypeForKey(blobKey)
	}
	if err := c.blobs.Put(ctx, blobKey, f, size, contentType); err != nil {
		return fmt.Errorf("cache: upload %s: %w", blobKey, err)
	}
	return nil
}

func sidecarKey(key string) string { return key + "." + sidecarExtension }

// extensionOf returns the lowercase extension of a URL's path, without the dot.
func extensionOf(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return defaultExtension
	}
	ext := strings.TrimPrefix(strings.ToLower(path.Ext(u.Path)), ".")
	if ext == "" || len(ext) > 5 {
		return defaultExtension
	}
	return ext
}
