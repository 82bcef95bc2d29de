package job

import (
	"time"

	"github.com/easelworks/easel/id"
)

// State represents the lifecycle state of a job.
type State string

const (
	// StatePending means the job record exists but has not been
	// admitted to the queue yet.
	StatePending State = "pending"
	// StateQueued means the job is waiting to be claimed by a worker.
	StateQueued State = "queued"
	// StateProcessing means a worker holds the claim and is executing
	// the transform.
	StateProcessing State = "processing"
	// StateCompleted means the transform finished and a result
	// reference was recorded.
	StateCompleted State = "completed"
	// StateFailed means the transform raised an error.
	StateFailed State = "failed"
	// StateTimedOut means the job overran its deadline, either
	// observed by its worker or forced by the watchdog.
	StateTimedOut State = "timed_out"
	// StateCancelled means the owner withdrew the job before any
	// worker claimed it.
	StateCancelled State = "cancelled"
)

// transitions is the set of legal state changes. Anything not listed
// here is rejected; in particular nothing moves backward, nothing
// skips processing on the way to completed/failed/timed_out, and
// nothing leaves a terminal state.
var transitions = map[State][]State{
	StatePending:    {StateQueued, StateCancelled},
	StateQueued:     {StateProcessing, StateCancelled},
	StateProcessing: {StateCompleted, StateFailed, StateTimedOut},
}

// CanTransition reports whether moving from one state to another is legal.
func CanTransition(from, to State) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// States returns every lifecycle state in progression order.
func States() []State {
	return []State{
		StatePending,
		StateQueued,
		StateProcessing,
		StateCompleted,
		StateFailed,
		StateTimedOut,
		StateCancelled,
	}
}

// Terminal reports whether a state is final.
func (s State) Terminal() bool {
	switch s {
	case StateCompleted, StateFailed, StateTimedOut, StateCancelled:
		return true
	}
	return false
}

// Job is a single image-transformation request tracked in the shared
// store. Registry is the sole mutator; everything else reads snapshots.
type Job struct {
	ID           id.JobID  `json:"id"`
	Owner        string    `json:"owner"`
	State        State     `json:"state"`
	Payload      Payload   `json:"payload"`
	ResultRef    string    `json:"result_ref,omitempty"`
	ErrorSummary string    `json:"error_summary,omitempty"`

	// ClaimOwner identifies the worker holding the processing lease.
	// Invariant: non-nil exactly while State == processing.
	ClaimOwner id.WorkerID `json:"claim_owner,omitempty"`

	Timeout    time.Duration `json:"timeout,omitempty"`
	CreatedAt  time.Time     `json:"created_at"`
	ClaimedAt  *time.Time    `json:"claimed_at,omitempty"`
	FinishedAt *time.Time    `json:"finished_at,omitempty"`
}

// Overdue reports whether a processing job has exceeded its deadline
// by more than the grace margin at the given instant.
func (j *Job) Overdue(now time.Time, grace time.Duration) bool {
	if j.State != StateProcessing || j.ClaimedAt == nil {
		return false
	}
	return now.After(j.ClaimedAt.Add(j.Timeout + grace))
}
