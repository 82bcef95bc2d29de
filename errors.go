package easel

import "errors"

var (
	// Configuration errors.
	ErrNoStore   = errors.New("easel: no store configured")
	ErrNoGate    = errors.New("easel: no concurrency gate configured")
	ErrNoProcess = errors.New("easel: no process function configured")

	// Data errors — returned to the immediate caller.
	ErrJobNotFound      = errors.New("easel: job not found")
	ErrJobExists        = errors.New("easel: job already exists")
	ErrInvalidTransition = errors.New("easel: invalid state transition")

	// Race errors — expected under concurrency, absorbed and retried
	// internally, never surfaced to clients.
	ErrClaimLost     = errors.New("easel: claim lost to another worker")
	ErrNotClaimOwner = errors.New("easel: worker does not hold the claim")

	// Infrastructure errors — retried with backoff before escalating.
	ErrStoreUnavailable = errors.New("easel: shared store unavailable")
	ErrTxConflict       = errors.New("easel: transaction conflict")
)
