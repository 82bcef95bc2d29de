package job

import (
	"context"
	"time"

	"github.com/easelworks/easel/id"
)

// ListOpts controls filtering and pagination for owner job listings.
type ListOpts struct {
	// State filters by job state. Empty means all states.
	State State
	// Limit is the maximum number of jobs to return. Zero means no limit.
	Limit int
	// Offset is the number of jobs to skip.
	Offset int
}

// CountOpts controls filtering for job count queries.
type CountOpts struct {
	// Owner filters by owner. Empty means all owners.
	Owner string
	// State filters by job state. Empty means all states.
	State State
}

// Store is the persistence contract for jobs. Every mutating operation
// is a single atomic conditional write ("transition X only if the
// current state is Y and the claim owner matches"); two instances
// racing on the same job observe exactly one winner. Implementations
// must never read-then-write without a conditioning check.
//
// Implementations wrap driver failures in easel.ErrStoreUnavailable so
// callers can distinguish infrastructure trouble from data errors.
type Store interface {
	// CreateJob persists a new job record. Returns easel.ErrJobExists
	// if the id is already present.
	CreateJob(ctx context.Context, j *Job) error

	// GetJob retrieves a job snapshot by id. Returns
	// easel.ErrJobNotFound for unknown ids.
	GetJob(ctx context.Context, jobID id.JobID) (*Job, error)

	// EnqueueJob transitions pending → queued. Returns
	// easel.ErrInvalidTransition if the job is in any other state.
	EnqueueJob(ctx context.Context, jobID id.JobID) (*Job, error)

	// ClaimJob atomically transitions queued → processing and records
	// the worker as claim owner, only if the job is queued with no
	// claim owner. Returns easel.ErrClaimLost when another worker won.
	ClaimJob(ctx context.Context, jobID id.JobID, workerID id.WorkerID) (*Job, error)

	// ReleaseJob transitions processing → queued and clears the claim,
	// only if the given worker holds it. Used when the concurrency
	// gate rejects a freshly claimed job.
	ReleaseJob(ctx context.Context, jobID id.JobID, workerID id.WorkerID) error

	// FinishJob transitions processing → completed or failed, only if
	// the given worker holds the claim. Records the result reference
	// or error summary and clears the claim.
	FinishJob(ctx context.Context, jobID id.JobID, workerID id.WorkerID, state State, resultRef, errorSummary string) (*Job, error)

	// TimeoutJob transitions processing → timed_out regardless of who
	// holds the claim. The watchdog uses this against workers presumed
	// dead. Returns easel.ErrInvalidTransition if the job is not
	// processing (e.g. its worker reported a terminal state first).
	TimeoutJob(ctx context.Context, jobID id.JobID) (*Job, error)

	// CancelJob transitions pending|queued → cancelled, only if the
	// owner matches. Returns easel.ErrInvalidTransition once a worker
	// has claimed the job.
	CancelJob(ctx context.Context, jobID id.JobID, owner string) (*Job, error)

	// NextQueued returns up to limit queued jobs, oldest first. These
	// are claim candidates only; ClaimJob still arbitrates races.
	NextQueued(ctx context.Context, limit int) ([]*Job, error)

	// ListJobsByOwner returns an owner's jobs, newest first.
	ListJobsByOwner(ctx context.Context, owner string, opts ListOpts) ([]*Job, error)

	// ScanOverdue returns processing jobs whose deadline plus grace
	// has passed, i.e. whose worker is presumed dead.
	ScanOverdue(ctx context.Context, grace time.Duration) ([]*Job, error)

	// CountJobs returns the number of jobs matching the given options.
	CountJobs(ctx context.Context, opts CountOpts) (int64, error)
}
