package cache

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// acquireLease sets the lease to the owner unless another owner holds it.
// Re-acquiring by the current owner refreshes the TTL, so a retried activity
// keeps its own lease.
//
// KEYS[1] = lease key
// ARGV[1] = owner
// ARGV[2] = TTL in milliseconds
const acquireLease = `
	local current = redis.call('GET', KEYS[1])
	if current == ARGV[1] then
		redis.call('PEXPIRE', KEYS[1], ARGV[2])
		return 1
	end
	if current then return 0 end
	redis.call('SET', KEYS[1], ARGV[1], 'PX', ARGV[2])
	return 1
`

// releaseLease deletes the lease only when the caller still owns it.
//
// KEYS[1] = lease key
// ARGV[1] = owner
const releaseLease = `
	if redis.call('GET', KEYS[1]) == ARGV[1] then
		return redis.call('DEL', KEYS[1])
	end
	return 0
`

// LeaseClient is the subset of the Redis client used for generation leases.
// *redis.Client satisfies it.
type LeaseClient interface {
	Eval(ctx context.Context, script string, keys []string, args ...any) *redis.Cmd
}

func leaseKey(key string) string { return "imgeval:lease:" + key }

// AcquireLease claims the right to generate the content for key on behalf
// of owner. It returns false when a different owner holds the lease. Without
// a configured lease client every acquisition succeeds.
func (c *Cache) AcquireLease(ctx context.Context, key, owner string) (bool, error) {
	if c.lease == nil {
		return true, nil
	}
	ttl := c.leaseTTL
	if ttl <= 0 {
		ttl = defaultLeaseTTL
	}
	res, err := c.lease.Eval(ctx, acquireLease, []string{leaseKey(key)}, owner, ttl.Milliseconds()).Int64()
	if err != nil {
		return false, fmt.Errorf("cache: acquire lease %s: %w", key, err)
	}
	return res == 1, nil
}

// ReleaseLease drops owner's lease on key. Releasing a lease the owner does
// not hold is a no-op.
func (c *Cache) ReleaseLease(ctx context.Context, key, owner string) error {
	if c.lease == nil {
		return nil
	}
	if err := c.lease.Eval(ctx, releaseLease, []string{leaseKey(key)}, owner).Err(); err != nil {
		return fmt.Errorf("cache: release lease %s: %w", key, err)
	}
	return nil
}

const defaultLeaseTTL = 15 * time.Minute
