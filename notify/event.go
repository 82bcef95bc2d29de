// Package notify fans job state changes out to the owners watching them.
// A Bus carries one topic per owner; every event for an owner's jobs is
// published on that owner's topic and delivered to all of the owner's
// live subscriptions, on whichever instance they are connected.
package notify

import (
	"time"

	"github.com/easelworks/easel/id"
	"github.com/easelworks/easel/job"
)

// Event is a job state change as delivered to a watching owner.
type Event struct {
	// ID uniquely identifies the event.
	ID id.EventID `json:"id"`

	// JobID is the job that changed.
	JobID id.JobID `json:"job_id"`

	// Owner is the submitter the event belongs to. It doubles as the
	// topic the event is published on.
	Owner string `json:"owner"`

	// State is the state the job entered.
	State job.State `json:"state"`

	// ResultRef is set when State is completed.
	ResultRef string `json:"result_ref,omitempty"`

	// ErrorSummary is set when State is failed or timed_out.
	ErrorSummary string `json:"error_summary,omitempty"`

	// EmittedAt is when the transition was recorded.
	EmittedAt time.Time `json:"emitted_at"`
}

// NewEvent builds an event from a job's current record.
func NewEvent(j *job.Job) Event {
	return Event{
		ID:           id.NewEventID(),
		JobID:        j.ID,
		Owner:        j.Owner,
		State:        j.State,
		ResultRef:    j.ResultRef,
		ErrorSummary: j.ErrorSummary,
		EmittedAt:    time.Now().UTC(),
	}
}
