package postgres

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/easelworks/easel"
	"github.com/easelworks/easel/gate"
)

// Compile-time interface checks.
var (
	_ gate.Gate   = (*Gate)(nil)
	_ easel.Lease = (*Lease)(nil)
)

// gateRow is the easel_slots row the gate operates on.
const gateRow = "gate"

// Gate is a fleet-wide concurrency gate backed by a single counter row.
// The bounded-increment UPDATE is the arbiter: concurrent acquirers
// serialize on the row lock and at most max of them match the
// predicate.
type Gate struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
	max    int64
}

// NewGate creates a gate admitting at most max concurrent jobs across
// the fleet.
func NewGate(pool *pgxpool.Pool, max int64, logger *slog.Logger) *Gate {
	return &Gate{pool: pool, logger: logger, max: max}
}

// Acquire attempts a bounded increment of the slot counter.
func (g *Gate) Acquire(ctx context.Context) (bool, error) {
	tag, err := g.pool.Exec(ctx, `
		UPDATE easel_slots
		SET in_use = in_use + 1
		WHERE name = $1 AND in_use < $2`,
		gateRow, g.max,
	)
	if err != nil {
		return false, wrapErr("gate acquire", err)
	}
	return tag.RowsAffected() == 1, nil
}

// Release decrements the slot counter, flooring it at zero.
func (g *Gate) Release(ctx context.Context) error {
	tag, err := g.pool.Exec(ctx, `
		UPDATE easel_slots
		SET in_use = in_use - 1
		WHERE name = $1 AND in_use > 0`,
		gateRow,
	)
	if err != nil {
		return wrapErr("gate release", err)
	}
	if tag.RowsAffected() == 0 {
		// Double release; the floor predicate already kept the count at zero.
		g.logger.Warn("gate released at zero")
	}
	return nil
}

// InUse reports the number of slots currently held.
func (g *Gate) InUse(ctx context.Context) (int64, error) {
	var n int64
	err := g.pool.QueryRow(ctx,
		`SELECT in_use FROM easel_slots WHERE name = $1`, gateRow,
	).Scan(&n)
	if err != nil {
		return 0, wrapErr("gate in use", err)
	}
	return n, nil
}

// watchdogRow is the easel_leases row the watchdog lease operates on.
const watchdogRow = "watchdog"

// Lease is the watchdog scan lease, held as a row with an expiry.
type Lease struct {
	pool *pgxpool.Pool
}

// NewLease creates the watchdog lease on the shared store.
func NewLease(pool *pgxpool.Pool) *Lease {
	return &Lease{pool: pool}
}

// Acquire takes the lease when it is free or expired, or extends it
// when the holder already owns it.
func (l *Lease) Acquire(ctx context.Context, holder string, ttl time.Duration) (bool, error) {
	row := l.pool.QueryRow(ctx, `
		INSERT INTO easel_leases (name, holder, expires_at)
		VALUES ($1, $2, NOW() + $3 * interval '1 nanosecond')
		ON CONFLICT (name) DO UPDATE
		SET holder = EXCLUDED.holder, expires_at = EXCLUDED.expires_at
		WHERE easel_leases.holder = EXCLUDED.holder
		   OR easel_leases.expires_at < NOW()
		RETURNING holder`,
		watchdogRow, holder, ttl.Nanoseconds(),
	)
	var got string
	if err := row.Scan(&got); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return false, nil
		}
		return false, wrapErr("lease acquire", err)
	}
	return got == holder, nil
}

// Release gives the lease up if the holder still owns it.
func (l *Lease) Release(ctx context.Context, holder string) error {
	_, err := l.pool.Exec(ctx,
		`DELETE FROM easel_leases WHERE name = $1 AND holder = $2`,
		watchdogRow, holder,
	)
	if err != nil {
		return wrapErr("lease release", err)
	}
	return nil
}
