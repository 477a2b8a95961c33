// Package cachetest provides fakes for exercising the content cache from
// other packages' tests.
package cachetest

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
)

// Lease is an in-memory cache.LeaseClient. Acquire calls carry an owner and
// a TTL, release calls only an owner. TTLs are enforced only when the lease
// is built with NewExpiringLease.
type Lease struct {
	mu       sync.Mutex
	owners   map[string]string
	deadline map[string]time.Time
	now      func() time.Time
}

// NewLease returns an empty lease table whose entries never expire.
func NewLease() *Lease { return &Lease{owners: map[string]string{}} }

// NewExpiringLease returns an empty lease table that expires entries by
// their acquire TTL, reading the time from now.
func NewExpiringLease(now func() time.Time) *Lease {
	return &Lease{owners: map[string]string{}, deadline: map[string]time.Time{}, now: now}
}

// Hold makes owner the holder of the lease stored under redisKey. On an
// expiring table the hold lasts until the next acquire sets a TTL.
func (l *Lease) Hold(redisKey, owner string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.owners[redisKey] = owner
	if l.deadline != nil {
		delete(l.deadline, redisKey)
	}
}

// Holder returns the owner of redisKey, if any.
func (l *Lease) Holder(redisKey string) (string, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.expire(redisKey)
	o, ok := l.owners[redisKey]
	return o, ok
}

// expire drops redisKey when its TTL has passed. l.mu must be held.
func (l *Lease) expire(redisKey string) {
	if l.now == nil {
		return
	}
	if d, ok := l.deadline[redisKey]; ok && !l.now().Before(d) {
		delete(l.owners, redisKey)
		delete(l.deadline, redisKey)
	}
}

// Eval implements cache.LeaseClient.
func (l *Lease) Eval(ctx context.Context, _ string, keys []string, args ...any) *redis.Cmd {
	cmd := redis.NewCmd(ctx)
	l.mu.Lock()
	defer l.mu.Unlock()

	key, owner := keys[0], args[0].(string)
	l.expire(key)
	current, held := l.owners[key]
	if len(args) == 2 {
		if held && current != owner {
			cmd.SetVal(int64(0))
			return cmd
		}
		l.owners[key] = owner
		if l.now != nil {
			l.deadline[key] = l.now().Add(time.Duration(args[1].(int64)) * time.Millisecond)
		}
		cmd.SetVal(int64(1))
		return cmd
	}
	if held && current == owner {
		delete(l.owners, key)
		if l.deadline != nil {
			delete(l.deadline, key)
		}
		cmd.SetVal(int64(1))
		return cmd
	}
	cmd.SetVal(int64(0))
	return cmd
}

// LeaseKey mirrors the Redis key the cache uses for a cache key.
func LeaseKey(cacheKey string) string { return "imgeval:lease:" + cacheKey }

// ImageServer serves body as a PNG at every path and counts requests.
func ImageServer(t testing.TB, body string) (*httptest.Server, *atomic.Int32) {
	t.Helper()
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		hits.Add(1)
		w.Header().Set("Content-Type", "image/png")
		_, _ = w.Write([]byte(body))
	}))
	t.Cleanup(srv.Close)
	return srv, &hits
}
