package cache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// ErrLeaseHeld indicates another owner holds the lease.
var ErrLeaseHeld = errors.New("platform/cache: lease held by another owner")

// ErrLeaseLost indicates the lease expired or was taken over.
var ErrLeaseLost = errors.New("platform/cache: lease lost")

var renewScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0`)

var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0`)

// Lease is an owner-checked Redis lock with a TTL.
type Lease struct {
	client redis.UniversalClient
	key    string
	owner  string
	ttl    time.Duration
}

// NewLease prepares a lease on key. The owner token is random per lease.
func NewLease(client redis.UniversalClient, key string, ttl time.Duration) *Lease {
	return &Lease{client: client, key: key, owner: uuid.NewString(), ttl: ttl}
}

// Owner returns the token identifying this holder.
func (l *Lease) Owner() string { return l.owner }

// Acquire takes the lease if it is free.
func (l *Lease) Acquire(ctx context.Context) error {
	ok, err := l.client.SetNX(ctx, l.key, l.owner, l.ttl).Result()
	if err != nil {
		return fmt.Errorf("platform/cache: acquire %s: %w", l.key, err)
	}
	if !ok {
		return ErrLeaseHeld
	}
	return nil
}

// Renew extends the TTL while still owned.
func (l *Lease) Renew(ctx context.Context) error {
	n, err := renewScript.Run(ctx, l.client, []string{l.key}, l.owner, l.ttl.Milliseconds()).Int()
	if err != nil {
		return fmt.Errorf("platform/cache: renew %s: %w", l.key, err)
	}
	if n == 0 {
		return ErrLeaseLost
	}
	return nil
}

// Release drops the lease if still owned.
func (l *Lease) Release(ctx context.Context) error {
	if _, err := releaseScript.Run(ctx, l.client, []string{l.key}, l.owner).Result(); err != nil {
		return fmt.Errorf("platform/cache: release %s: %w", l.key, err)
	}
	return nil
}

// Hold renews the lease every ttl/3 until ctx ends, then releases it. It
// returns ErrLeaseLost if ownership is lost.
func (l *Lease) Hold(ctx context.Context) error {
	ticker := time.NewTicker(l.ttl / 3)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			releaseCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			return l.Release(releaseCtx)
		case <-ticker.C:
			if err := l.Renew(ctx); err != nil {
				if ctx.Err() != nil {
					continue
				}
				return err
			}
		}
	}
}
