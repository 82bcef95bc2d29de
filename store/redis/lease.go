package redis

import (
	"context"
	"errors"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/easelworks/easel"
)

// Compile-time interface check.
var _ easel.Lease = (*Lease)(nil)

// Lease is the watchdog scan lease, held via SET NX with a TTL.
type Lease struct {
	client *goredis.Client
}

// NewLease creates the watchdog lease on the shared store.
func NewLease(client *goredis.Client) *Lease {
	return &Lease{client: client}
}

// Acquire takes the lease with SET NX, or extends it when the holder
// already owns it.
func (l *Lease) Acquire(ctx context.Context, holder string, ttl time.Duration) (bool, error) {
	ok, err := l.client.SetNX(ctx, watchdogKey, holder, ttl).Result()
	if err != nil {
		return false, wrapErr("lease acquire", err)
	}
	if ok {
		return true, nil
	}

	current, err := l.client.Get(ctx, watchdogKey).Result()
	if err != nil {
		if errors.Is(err, goredis.Nil) {
			// Expired between SetNX and Get; next tick wins it.
			return false, nil
		}
		return false, wrapErr("lease get", err)
	}
	if current != holder {
		return false, nil
	}
	if err := l.client.Expire(ctx, watchdogKey, ttl).Err(); err != nil {
		return false, wrapErr("lease extend", err)
	}
	return true, nil
}

// Release deletes the lease if the holder still owns it.
func (l *Lease) Release(ctx context.Context, holder string) error {
	current, err := l.client.Get(ctx, watchdogKey).Result()
	if err != nil {
		if errors.Is(err, goredis.Nil) {
			return nil
		}
		return wrapErr("lease release get", err)
	}
	if current != holder {
		return nil
	}
	if err := l.client.Del(ctx, watchdogKey).Err(); err != nil {
		return wrapErr("lease release", err)
	}
	return nil
}
