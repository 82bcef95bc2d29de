// Package gate bounds how many jobs the whole fleet may process at once.
//
// A Gate is a shared counting semaphore: Acquire takes a slot if one is
// free and reports whether it got one, Release returns a slot. Every job
// in the processing state holds exactly one slot, and the slot is
// returned when the job reaches a terminal state. Implementations live
// next to the job stores (store/redis, store/postgres, store/memory) so
// the count survives instance restarts.
package gate

import "context"

// Gate limits concurrent processing across all instances.
type Gate interface {
	// Acquire attempts to take a slot. It returns false when the fleet
	// is already at capacity; that is a routine outcome, not an error.
	Acquire(ctx context.Context) (bool, error)

	// Release returns a previously acquired slot. Releasing more slots
	// than were acquired must not drive the count negative.
	Release(ctx context.Context) error

	// InUse reports the number of slots currently held.
	InUse(ctx context.Context) (int64, error)
}
