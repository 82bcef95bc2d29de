package redis

import (
	"context"
	"errors"
	"log/slog"
	"strconv"

	goredis "github.com/redis/go-redis/v9"

	"github.com/easelworks/easel/gate"
)

// Compile-time interface check.
var _ gate.Gate = (*Gate)(nil)

// Gate is a fleet-wide concurrency gate backed by a single Redis
// counter. Acquire is a WATCH-guarded bounded increment, so every
// instance sees the same slot count.
type Gate struct {
	client *goredis.Client
	logger *slog.Logger
	max    int64
}

// NewGate creates a gate admitting at most max concurrent jobs across
// the fleet.
func NewGate(client *goredis.Client, max int64, logger *slog.Logger) *Gate {
	return &Gate{client: client, logger: logger, max: max}
}

// Acquire attempts a bounded increment of the slot counter.
func (g *Gate) Acquire(ctx context.Context) (bool, error) {
	acquired := false

	txn := func(tx *goredis.Tx) error {
		n, err := tx.Get(ctx, slotsKey).Int64()
		if err != nil && !errors.Is(err, goredis.Nil) {
			return err
		}
		if n >= g.max {
			acquired = false
			return nil
		}
		_, err = tx.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
			pipe.Incr(ctx, slotsKey)
			return nil
		})
		if err != nil {
			return err
		}
		acquired = true
		return nil
	}

	for range watchRetries {
		err := g.client.Watch(ctx, txn, slotsKey)
		if errors.Is(err, goredis.TxFailedErr) {
			continue
		}
		if err != nil {
			return false, wrapErr("gate acquire", err)
		}
		return acquired, nil
	}
	// Still contended after retries; treat as full and let the caller
	// leave the job queued.
	return false, nil
}

// Release decrements the slot counter, flooring it at zero.
func (g *Gate) Release(ctx context.Context) error {
	n, err := g.client.Decr(ctx, slotsKey).Result()
	if err != nil {
		return wrapErr("gate release", err)
	}
	if n < 0 {
		// Double release; put the counter back.
		g.logger.Warn("gate released below zero", slog.Int64("count", n))
		if err := g.client.Incr(ctx, slotsKey).Err(); err != nil {
			return wrapErr("gate release floor", err)
		}
	}
	return nil
}

// InUse reports the number of slots currently held.
func (g *Gate) InUse(ctx context.Context) (int64, error) {
	v, err := g.client.Get(ctx, slotsKey).Result()
	if errors.Is(err, goredis.Nil) {
		return 0, nil
	}
	if err != nil {
		return 0, wrapErr("gate in use", err)
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return 0, wrapErr("gate parse count", err)
	}
	return n, nil
}
