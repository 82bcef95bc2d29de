// Package registry implements the task registry: the single authority
// for job lifecycle transitions. Every mutation goes through the shared
// store's conditional writes, terminal transitions return the job's
// concurrency slot, and every state change is announced on the
// notification bus.
package registry

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/easelworks/easel"
	"github.com/easelworks/easel/gate"
	"github.com/easelworks/easel/id"
	"github.com/easelworks/easel/job"
	"github.com/easelworks/easel/notify"
)

// Registry coordinates job state against the shared store. It is safe
// for concurrent use; the store's conditional writes arbitrate races
// between instances, not the Registry itself.
type Registry struct {
	store  job.Store
	gate   gate.Gate
	bus    notify.Bus
	logger *slog.Logger

	defaultTimeout time.Duration
}

// Option configures a Registry.
type Option func(*Registry)

// WithLogger sets a custom logger.
func WithLogger(l *slog.Logger) Option {
	return func(r *Registry) { r.logger = l }
}

// WithDefaultTimeout sets the execution deadline stamped on new jobs.
func WithDefaultTimeout(d time.Duration) Option {
	return func(r *Registry) { r.defaultTimeout = d }
}

// New creates a Registry over the given store, gate, and bus.
func New(store job.Store, g gate.Gate, bus notify.Bus, opts ...Option) (*Registry, error) {
	if store == nil {
		return nil, easel.ErrNoStore
	}
	if g == nil {
		return nil, easel.ErrNoGate
	}
	r := &Registry{
		store:          store,
		gate:           g,
		bus:            bus,
		logger:         slog.Default(),
		defaultTimeout: easel.DefaultConfig().JobTimeout,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r, nil
}

// Create registers a new job in the pending state. Resubmitting the
// same ID with the same owner and payload is idempotent and returns
// the existing record; a mismatched resubmit returns ErrJobExists.
func (r *Registry) Create(ctx context.Context, jobID id.JobID, owner string, p job.Payload) (*job.Job, error) {
	if err := p.Validate(); err != nil {
		return nil, err
	}

	j := &job.Job{
		ID:        jobID,
		Owner:     owner,
		State:     job.StatePending,
		Payload:   p,
		Timeout:   r.defaultTimeout,
		CreatedAt: time.Now().UTC(),
	}

	err := r.store.CreateJob(ctx, j)
	if err == nil {
		r.logger.Info("job created",
			slog.String("job_id", jobID.String()),
			slog.String("owner", owner),
			slog.String("style", string(p.Style)),
		)
		return j, nil
	}
	if !errors.Is(err, easel.ErrJobExists) {
		return nil, err
	}

	existing, getErr := r.store.GetJob(ctx, jobID)
	if getErr != nil {
		return nil, err
	}
	if existing.Owner == owner && existing.Payload.Equal(p) {
		return existing, nil
	}
	return nil, easel.ErrJobExists
}

// Enqueue admits a pending job to the claim queue.
func (r *Registry) Enqueue(ctx context.Context, jobID id.JobID) (*job.Job, error) {
	j, err := r.store.EnqueueJob(ctx, jobID)
	if err != nil {
		return nil, err
	}
	r.publish(ctx, j)
	return j, nil
}

// Claim transitions a queued job to processing on behalf of a worker.
// Exactly one of several racing claimers succeeds; the rest get
// ErrClaimLost.
func (r *Registry) Claim(ctx context.Context, jobID id.JobID, workerID id.WorkerID) (*job.Job, error) {
	j, err := r.store.ClaimJob(ctx, jobID, workerID)
	if err != nil {
		return nil, err
	}
	r.publish(ctx, j)
	return j, nil
}

// Release puts a claimed job back in the queue. Used when the
// concurrency gate rejects a freshly claimed job; no slot is held at
// that point, so none is returned.
func (r *Registry) Release(ctx context.Context, jobID id.JobID, workerID id.WorkerID) error {
	if err := r.store.ReleaseJob(ctx, jobID, workerID); err != nil {
		return err
	}
	if j, err := r.store.GetJob(ctx, jobID); err == nil {
		r.publish(ctx, j)
	}
	return nil
}

// Complete records a successful transformation and returns the job's
// concurrency slot.
func (r *Registry) Complete(ctx context.Context, jobID id.JobID, workerID id.WorkerID, resultRef string) (*job.Job, error) {
	j, err := r.store.FinishJob(ctx, jobID, workerID, job.StateCompleted, resultRef, "")
	if err != nil {
		return nil, err
	}
	r.releaseSlot(ctx, j)
	r.publish(ctx, j)
	return j, nil
}

// Fail records a failed transformation and returns the job's
// concurrency slot.
func (r *Registry) Fail(ctx context.Context, jobID id.JobID, workerID id.WorkerID, errorSummary string) (*job.Job, error) {
	j, err := r.store.FinishJob(ctx, jobID, workerID, job.StateFailed, "", errorSummary)
	if err != nil {
		return nil, err
	}
	r.releaseSlot(ctx, j)
	r.publish(ctx, j)
	return j, nil
}

// Timeout forces a processing job to timed_out and returns its slot.
// The watchdog uses this against workers presumed dead; when the
// worker reported a terminal state first, the conditional write fails
// with ErrInvalidTransition and that result stands.
func (r *Registry) Timeout(ctx context.Context, jobID id.JobID) (*job.Job, error) {
	j, err := r.store.TimeoutJob(ctx, jobID)
	if err != nil {
		return nil, err
	}
	r.releaseSlot(ctx, j)
	r.publish(ctx, j)
	return j, nil
}

// Cancel withdraws a pending or queued job on behalf of its owner.
// Once a worker holds the claim the job is no longer cancellable and
// ErrInvalidTransition is returned.
func (r *Registry) Cancel(ctx context.Context, jobID id.JobID, owner string) (*job.Job, error) {
	j, err := r.store.CancelJob(ctx, jobID, owner)
	if err != nil {
		return nil, err
	}
	r.publish(ctx, j)
	return j, nil
}

// Get retrieves a job snapshot.
func (r *Registry) Get(ctx context.Context, jobID id.JobID) (*job.Job, error) {
	return r.store.GetJob(ctx, jobID)
}

// ListByOwner returns an owner's jobs, newest first, optionally
// filtered by state.
func (r *Registry) ListByOwner(ctx context.Context, owner string, opts job.ListOpts) ([]*job.Job, error) {
	return r.store.ListJobsByOwner(ctx, owner, opts)
}

// CountByOwner returns how many of an owner's jobs are in the given
// state. An empty state counts all of the owner's jobs.
func (r *Registry) CountByOwner(ctx context.Context, owner string, state job.State) (int64, error) {
	return r.store.CountJobs(ctx, job.CountOpts{Owner: owner, State: state})
}

// NextQueued returns claim candidates, oldest first.
func (r *Registry) NextQueued(ctx context.Context, limit int) ([]*job.Job, error) {
	return r.store.NextQueued(ctx, limit)
}

// ScanOverdue returns processing jobs past deadline plus grace.
func (r *Registry) ScanOverdue(ctx context.Context, grace time.Duration) ([]*job.Job, error) {
	return r.store.ScanOverdue(ctx, grace)
}

// releaseSlot returns the slot a terminal transition freed. The
// conditional store write guarantees only one terminal op succeeds per
// job, so the slot is released exactly once.
func (r *Registry) releaseSlot(ctx context.Context, j *job.Job) {
	if err := r.gate.Release(ctx); err != nil {
		r.logger.Error("failed to release concurrency slot",
			slog.String("job_id", j.ID.String()),
			slog.String("error", err.Error()),
		)
	}
}

// publish announces a state change on the bus. Best-effort: a publish
// failure never rolls back the transition.
func (r *Registry) publish(ctx context.Context, j *job.Job) {
	if r.bus == nil {
		return
	}
	if err := r.bus.Publish(ctx, notify.NewEvent(j)); err != nil {
		r.logger.Warn("failed to publish job event",
			slog.String("job_id", j.ID.String()),
			slog.String("state", string(j.State)),
			slog.String("error", err.Error()),
		)
	}
}
