package easel

import (
	"context"
	"time"
)

// Lease is a short-lived exclusive hold used to keep fleet-wide
// housekeeping (the watchdog scan) down to one instance at a time.
// Implementations live next to the job stores.
type Lease interface {
	// Acquire attempts to take or renew the lease for the given holder.
	// It returns true when the holder owns the lease for the next ttl,
	// either by winning a free lease or by extending one it already
	// holds. A false return means another holder has it.
	Acquire(ctx context.Context, holder string, ttl time.Duration) (bool, error)

	// Release gives the lease up early if the holder still owns it.
	Release(ctx context.Context, holder string) error
}
