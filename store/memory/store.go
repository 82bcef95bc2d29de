// Package memory implements the job store, concurrency gate, and
// watchdog lease entirely in process memory. Safe for concurrent
// access. Intended for unit testing and single-node development; state
// does not survive a restart and is invisible to other instances.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/easelworks/easel"
	"github.com/easelworks/easel/gate"
	"github.com/easelworks/easel/id"
	"github.com/easelworks/easel/job"
)

// Compile-time interface checks.
var (
	_ job.Store   = (*Store)(nil)
	_ gate.Gate   = (*Gate)(nil)
	_ easel.Lease = (*Lease)(nil)
)

// Store is a fully in-memory job store.
type Store struct {
	mu   sync.RWMutex
	jobs map[string]*job.Job
}

// New returns a new empty Store.
func New() *Store {
	return &Store{jobs: make(map[string]*job.Job)}
}

// Ping always succeeds for the memory store.
func (m *Store) Ping(_ context.Context) error { return nil }

// Close is a no-op for the memory store.
func (m *Store) Close() error { return nil }

// CreateJob persists a new job record.
func (m *Store) CreateJob(_ context.Context, j *job.Job) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := j.ID.String()
	if _, exists := m.jobs[key]; exists {
		return easel.ErrJobExists
	}
	cp := *j
	m.jobs[key] = &cp
	return nil
}

// GetJob retrieves a job snapshot by id.
func (m *Store) GetJob(_ context.Context, jobID id.JobID) (*job.Job, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	j, ok := m.jobs[jobID.String()]
	if !ok {
		return nil, easel.ErrJobNotFound
	}
	cp := *j
	return &cp, nil
}

// EnqueueJob transitions pending → queued.
func (m *Store) EnqueueJob(_ context.Context, jobID id.JobID) (*job.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	j, ok := m.jobs[jobID.String()]
	if !ok {
		return nil, easel.ErrJobNotFound
	}
	if j.State != job.StatePending {
		return nil, easel.ErrInvalidTransition
	}
	j.State = job.StateQueued
	cp := *j
	return &cp, nil
}

// ClaimJob transitions queued → processing for exactly one caller.
func (m *Store) ClaimJob(_ context.Context, jobID id.JobID, workerID id.WorkerID) (*job.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	j, ok := m.jobs[jobID.String()]
	if !ok {
		return nil, easel.ErrJobNotFound
	}
	if j.State != job.StateQueued || !j.ClaimOwner.IsNil() {
		return nil, easel.ErrClaimLost
	}
	now := time.Now().UTC()
	j.State = job.StateProcessing
	j.ClaimOwner = workerID
	j.ClaimedAt = &now
	cp := *j
	return &cp, nil
}

// ReleaseJob transitions processing → queued and clears the claim.
func (m *Store) ReleaseJob(_ context.Context, jobID id.JobID, workerID id.WorkerID) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	j, ok := m.jobs[jobID.String()]
	if !ok {
		return easel.ErrJobNotFound
	}
	if j.State != job.StateProcessing {
		return easel.ErrInvalidTransition
	}
	if j.ClaimOwner != workerID {
		return easel.ErrNotClaimOwner
	}
	j.State = job.StateQueued
	j.ClaimOwner = id.WorkerID{}
	j.ClaimedAt = nil
	return nil
}

// FinishJob transitions processing → completed or failed.
func (m *Store) FinishJob(_ context.Context, jobID id.JobID, workerID id.WorkerID, state job.State, resultRef, errorSummary string) (*job.Job, error) {
	if state != job.StateCompleted && state != job.StateFailed {
		return nil, easel.ErrInvalidTransition
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	j, ok := m.jobs[jobID.String()]
	if !ok {
		return nil, easel.ErrJobNotFound
	}
	if j.State != job.StateProcessing {
		return nil, easel.ErrInvalidTransition
	}
	if j.ClaimOwner != workerID {
		return nil, easel.ErrNotClaimOwner
	}
	now := time.Now().UTC()
	j.State = state
	j.ResultRef = resultRef
	j.ErrorSummary = errorSummary
	j.ClaimOwner = id.WorkerID{}
	j.FinishedAt = &now
	cp := *j
	return &cp, nil
}

// TimeoutJob transitions processing → timed_out regardless of claimant.
func (m *Store) TimeoutJob(_ context.Context, jobID id.JobID) (*job.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	j, ok := m.jobs[jobID.String()]
	if !ok {
		return nil, easel.ErrJobNotFound
	}
	if j.State != job.StateProcessing {
		return nil, easel.ErrInvalidTransition
	}
	now := time.Now().UTC()
	j.State = job.StateTimedOut
	j.ErrorSummary = "transformation timed out"
	j.ClaimOwner = id.WorkerID{}
	j.FinishedAt = &now
	cp := *j
	return &cp, nil
}

// CancelJob transitions pending|queued → cancelled when the owner matches.
func (m *Store) CancelJob(_ context.Context, jobID id.JobID, owner string) (*job.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	j, ok := m.jobs[jobID.String()]
	if !ok || j.Owner != owner {
		return nil, easel.ErrJobNotFound
	}
	if j.State != job.StatePending && j.State != job.StateQueued {
		return nil, easel.ErrInvalidTransition
	}
	now := time.Now().UTC()
	j.State = job.StateCancelled
	j.FinishedAt = &now
	cp := *j
	return &cp, nil
}

// NextQueued returns up to limit queued jobs, oldest first.
func (m *Store) NextQueued(_ context.Context, limit int) ([]*job.Job, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var queued []*job.Job
	for _, j := range m.jobs {
		if j.State == job.StateQueued {
			cp := *j
			queued = append(queued, &cp)
		}
	}
	sort.Slice(queued, func(i, k int) bool {
		return queued[i].CreatedAt.Before(queued[k].CreatedAt)
	})
	if limit > 0 && len(queued) > limit {
		queued = queued[:limit]
	}
	return queued, nil
}

// ListJobsByOwner returns an owner's jobs, newest first.
func (m *Store) ListJobsByOwner(_ context.Context, owner string, opts job.ListOpts) ([]*job.Job, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var jobs []*job.Job
	for _, j := range m.jobs {
		if j.Owner != owner {
			continue
		}
		if opts.State != "" && j.State != opts.State {
			continue
		}
		cp := *j
		jobs = append(jobs, &cp)
	}
	sort.Slice(jobs, func(i, k int) bool {
		return jobs[i].CreatedAt.After(jobs[k].CreatedAt)
	})

	if opts.Offset > 0 {
		if opts.Offset >= len(jobs) {
			return nil, nil
		}
		jobs = jobs[opts.Offset:]
	}
	if opts.Limit > 0 && len(jobs) > opts.Limit {
		jobs = jobs[:opts.Limit]
	}
	return jobs, nil
}

// ScanOverdue returns processing jobs whose deadline plus grace has passed.
func (m *Store) ScanOverdue(_ context.Context, grace time.Duration) ([]*job.Job, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	now := time.Now().UTC()
	var overdue []*job.Job
	for _, j := range m.jobs {
		if j.Overdue(now, grace) {
			cp := *j
			overdue = append(overdue, &cp)
		}
	}
	return overdue, nil
}

// CountJobs returns the number of jobs matching the given options.
func (m *Store) CountJobs(_ context.Context, opts job.CountOpts) (int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var count int64
	for _, j := range m.jobs {
		if opts.Owner != "" && j.Owner != opts.Owner {
			continue
		}
		if opts.State != "" && j.State != opts.State {
			continue
		}
		count++
	}
	return count, nil
}
