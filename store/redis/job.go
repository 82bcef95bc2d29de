package redis

import (
	"context"
	"errors"
	"sort"
	"strconv"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/easelworks/easel"
	"github.com/easelworks/easel/id"
	"github.com/easelworks/easel/job"
)

// CreateJob stores the job as a Hash and indexes it under its owner.
// The WATCH makes the existence check conditional: of two racing
// creates of the same id, the loser's EXEC fails, and the retry
// observes the winner's record and lands on ErrJobExists.
func (s *Store) CreateJob(ctx context.Context, j *job.Job) error {
	jID := j.ID.String()
	key := jobKey(jID)

	txn := func(tx *goredis.Tx) error {
		exists, err := tx.Exists(ctx, key).Result()
		if err != nil {
			return err
		}
		if exists > 0 {
			return easel.ErrJobExists
		}
		_, err = tx.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
			pipe.HSet(ctx, key, jobToMap(j))
			pipe.Expire(ctx, key, s.retention)
			pipe.SAdd(ctx, jobIDsKey, jID)
			pipe.SAdd(ctx, ownerKey(j.Owner), jID)
			pipe.Expire(ctx, ownerKey(j.Owner), s.retention)
			return nil
		})
		return err
	}

	return s.watch(ctx, "create job", txn, key)
}

// GetJob retrieves a job by ID.
func (s *Store) GetJob(ctx context.Context, jobID id.JobID) (*job.Job, error) {
	return s.getJobByKey(ctx, jobKey(jobID.String()))
}

// EnqueueJob transitions pending → queued and adds the job to the
// claim queue.
func (s *Store) EnqueueJob(ctx context.Context, jobID id.JobID) (*job.Job, error) {
	jID := jobID.String()
	key := jobKey(jID)
	var out *job.Job

	txn := func(tx *goredis.Tx) error {
		j, err := s.getJobByKeyCmd(ctx, tx, key)
		if err != nil {
			return err
		}
		if j.State != job.StatePending {
			return easel.ErrInvalidTransition
		}
		_, err = tx.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
			pipe.HSet(ctx, key, "state", string(job.StateQueued))
			pipe.Expire(ctx, key, s.retention)
			pipe.ZAdd(ctx, queuedKey, goredis.Z{
				Score:  float64(j.CreatedAt.UnixMilli()),
				Member: jID,
			})
			return nil
		})
		if err != nil {
			return err
		}
		j.State = job.StateQueued
		out = j
		return nil
	}

	if err := s.watch(ctx, "enqueue job", txn, key); err != nil {
		return nil, err
	}
	return out, nil
}

// ClaimJob transitions queued → processing for exactly one caller. A
// lost WATCH or a job already claimed both surface as ErrClaimLost.
func (s *Store) ClaimJob(ctx context.Context, jobID id.JobID, workerID id.WorkerID) (*job.Job, error) {
	jID := jobID.String()
	key := jobKey(jID)
	var out *job.Job

	txn := func(tx *goredis.Tx) error {
		j, err := s.getJobByKeyCmd(ctx, tx, key)
		if err != nil {
			return err
		}
		if j.State != job.StateQueued || !j.ClaimOwner.IsNil() {
			return easel.ErrClaimLost
		}
		now := time.Now().UTC()
		_, err = tx.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
			pipe.HSet(ctx, key,
				"state", string(job.StateProcessing),
				"claim_owner", workerID.String(),
				"claimed_at", now.Format(time.RFC3339Nano),
			)
			pipe.Expire(ctx, key, s.retention)
			pipe.ZRem(ctx, queuedKey, jID)
			pipe.SAdd(ctx, processingKey, jID)
			return nil
		})
		if err != nil {
			return err
		}
		j.State = job.StateProcessing
		j.ClaimOwner = workerID
		j.ClaimedAt = &now
		out = j
		return nil
	}

	err := s.watch(ctx, "claim job", txn, key)
	if errors.Is(err, easel.ErrTxConflict) {
		return nil, easel.ErrClaimLost
	}
	if err != nil {
		return nil, err
	}
	return out, nil
}

// ReleaseJob transitions processing → queued and clears the claim.
func (s *Store) ReleaseJob(ctx context.Context, jobID id.JobID, workerID id.WorkerID) error {
	jID := jobID.String()
	key := jobKey(jID)

	txn := func(tx *goredis.Tx) error {
		j, err := s.getJobByKeyCmd(ctx, tx, key)
		if err != nil {
			return err
		}
		if j.State != job.StateProcessing {
			return easel.ErrInvalidTransition
		}
		if j.ClaimOwner != workerID {
			return easel.ErrNotClaimOwner
		}
		_, err = tx.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
			pipe.HSet(ctx, key, "state", string(job.StateQueued))
			pipe.HDel(ctx, key, "claim_owner", "claimed_at")
			pipe.Expire(ctx, key, s.retention)
			pipe.SRem(ctx, processingKey, jID)
			pipe.ZAdd(ctx, queuedKey, goredis.Z{
				Score:  float64(j.CreatedAt.UnixMilli()),
				Member: jID,
			})
			return nil
		})
		return err
	}

	return s.watch(ctx, "release job", txn, key)
}

// FinishJob transitions processing → completed or failed, conditional
// on the caller holding the claim.
func (s *Store) FinishJob(ctx context.Context, jobID id.JobID, workerID id.WorkerID, state job.State, resultRef, errorSummary string) (*job.Job, error) {
	if state != job.StateCompleted && state != job.StateFailed {
		return nil, easel.ErrInvalidTransition
	}

	jID := jobID.String()
	key := jobKey(jID)
	var out *job.Job

	txn := func(tx *goredis.Tx) error {
		j, err := s.getJobByKeyCmd(ctx, tx, key)
		if err != nil {
			return err
		}
		if j.State != job.StateProcessing {
			return easel.ErrInvalidTransition
		}
		if j.ClaimOwner != workerID {
			return easel.ErrNotClaimOwner
		}
		now := time.Now().UTC()
		_, err = tx.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
			pipe.HSet(ctx, key,
				"state", string(state),
				"result_ref", resultRef,
				"error_summary", errorSummary,
				"finished_at", now.Format(time.RFC3339Nano),
			)
			pipe.HDel(ctx, key, "claim_owner", "claimed_at")
			pipe.Expire(ctx, key, s.retention)
			pipe.SRem(ctx, processingKey, jID)
			return nil
		})
		if err != nil {
			return err
		}
		j.State = state
		j.ResultRef = resultRef
		j.ErrorSummary = errorSummary
		j.ClaimOwner = id.WorkerID{}
		j.ClaimedAt = nil
		j.FinishedAt = &now
		out = j
		return nil
	}

	if err := s.watch(ctx, "finish job", txn, key); err != nil {
		return nil, err
	}
	return out, nil
}

// TimeoutJob transitions processing → timed_out regardless of who
// holds the claim. If the worker already reported a terminal state the
// conditional check fails and that result stands.
func (s *Store) TimeoutJob(ctx context.Context, jobID id.JobID) (*job.Job, error) {
	jID := jobID.String()
	key := jobKey(jID)
	var out *job.Job

	txn := func(tx *goredis.Tx) error {
		j, err := s.getJobByKeyCmd(ctx, tx, key)
		if err != nil {
			return err
		}
		if j.State != job.StateProcessing {
			return easel.ErrInvalidTransition
		}
		now := time.Now().UTC()
		_, err = tx.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
			pipe.HSet(ctx, key,
				"state", string(job.StateTimedOut),
				"error_summary", "transformation timed out",
				"finished_at", now.Format(time.RFC3339Nano),
			)
			pipe.HDel(ctx, key, "claim_owner", "claimed_at")
			pipe.Expire(ctx, key, s.retention)
			pipe.SRem(ctx, processingKey, jID)
			return nil
		})
		if err != nil {
			return err
		}
		j.State = job.StateTimedOut
		j.ErrorSummary = "transformation timed out"
		j.ClaimOwner = id.WorkerID{}
		j.ClaimedAt = nil
		j.FinishedAt = &now
		out = j
		return nil
	}

	if err := s.watch(ctx, "timeout job", txn, key); err != nil {
		return nil, err
	}
	return out, nil
}

// CancelJob transitions pending|queued → cancelled when the owner matches.
func (s *Store) CancelJob(ctx context.Context, jobID id.JobID, owner string) (*job.Job, error) {
	jID := jobID.String()
	key := jobKey(jID)
	var out *job.Job

	txn := func(tx *goredis.Tx) error {
		j, err := s.getJobByKeyCmd(ctx, tx, key)
		if err != nil {
			return err
		}
		if j.Owner != owner {
			return easel.ErrJobNotFound
		}
		if j.State != job.StatePending && j.State != job.StateQueued {
			return easel.ErrInvalidTransition
		}
		now := time.Now().UTC()
		_, err = tx.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
			pipe.HSet(ctx, key,
				"state", string(job.StateCancelled),
				"finished_at", now.Format(time.RFC3339Nano),
			)
			pipe.Expire(ctx, key, s.retention)
			pipe.ZRem(ctx, queuedKey, jID)
			return nil
		})
		if err != nil {
			return err
		}
		j.State = job.StateCancelled
		j.FinishedAt = &now
		out = j
		return nil
	}

	if err := s.watch(ctx, "cancel job", txn, key); err != nil {
		return nil, err
	}
	return out, nil
}

// NextQueued returns up to limit queued jobs, oldest first.
func (s *Store) NextQueued(ctx context.Context, limit int) ([]*job.Job, error) {
	ids, err := s.client.ZRangeByScore(ctx, queuedKey, &goredis.ZRangeBy{
		Min:   "-inf",
		Max:   "+inf",
		Count: int64(limit),
	}).Result()
	if err != nil {
		return nil, wrapErr("next queued", err)
	}

	jobs := make([]*job.Job, 0, len(ids))
	for _, jID := range ids {
		j, getErr := s.getJobByKey(ctx, jobKey(jID))
		if getErr != nil {
			// Record expired out from under its index entry.
			if errors.Is(getErr, easel.ErrJobNotFound) {
				s.client.ZRem(ctx, queuedKey, jID)
				continue
			}
			return nil, getErr
		}
		// The index can lag a racing transition briefly.
		if j.State != job.StateQueued {
			continue
		}
		jobs = append(jobs, j)
	}
	return jobs, nil
}

// ListJobsByOwner returns an owner's jobs, newest first.
func (s *Store) ListJobsByOwner(ctx context.Context, owner string, opts job.ListOpts) ([]*job.Job, error) {
	ids, err := s.client.SMembers(ctx, ownerKey(owner)).Result()
	if err != nil {
		return nil, wrapErr("list by owner", err)
	}

	jobs := make([]*job.Job, 0, len(ids))
	for _, jID := range ids {
		j, getErr := s.getJobByKey(ctx, jobKey(jID))
		if getErr != nil {
			continue // expired records drop out of listings
		}
		if opts.State != "" && j.State != opts.State {
			continue
		}
		jobs = append(jobs, j)
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
func (s *Store) ScanOverdue(ctx context.Context, grace time.Duration) ([]*job.Job, error) {
	ids, err := s.client.SMembers(ctx, processingKey).Result()
	if err != nil {
		return nil, wrapErr("scan overdue", err)
	}

	now := time.Now().UTC()
	var overdue []*job.Job
	for _, jID := range ids {
		j, getErr := s.getJobByKey(ctx, jobKey(jID))
		if getErr != nil {
			if errors.Is(getErr, easel.ErrJobNotFound) {
				s.client.SRem(ctx, processingKey, jID)
				continue
			}
			return nil, getErr
		}
		if j.Overdue(now, grace) {
			overdue = append(overdue, j)
		}
	}
	return overdue, nil
}

// CountJobs returns the number of jobs matching the given options.
func (s *Store) CountJobs(ctx context.Context, opts job.CountOpts) (int64, error) {
	idsKey := jobIDsKey
	if opts.Owner != "" {
		idsKey = ownerKey(opts.Owner)
	}
	ids, err := s.client.SMembers(ctx, idsKey).Result()
	if err != nil {
		return 0, wrapErr("count jobs", err)
	}

	var count int64
	for _, jID := range ids {
		j, getErr := s.getJobByKey(ctx, jobKey(jID))
		if getErr != nil {
			continue
		}
		if opts.State != "" && j.State != opts.State {
			continue
		}
		count++
	}
	return count, nil
}

// ── helpers ──

// watchRetries bounds how often a lost WATCH is retried. Each retry
// re-reads the job, so the loser of a race lands on the right sentinel
// once it observes the winner's write.
const watchRetries = 5

// watch runs txn under an optimistic WATCH on the given keys. Driver
// failures map to ErrStoreUnavailable; a WATCH still contended after
// all retries maps to ErrTxConflict. Sentinels raised inside txn pass
// through untouched.
func (s *Store) watch(ctx context.Context, op string, txn func(*goredis.Tx) error, keys ...string) error {
	for range watchRetries {
		err := s.client.Watch(ctx, txn, keys...)
		switch {
		case err == nil:
			return nil
		case errors.Is(err, goredis.TxFailedErr):
			continue
		case errors.Is(err, easel.ErrJobNotFound),
			errors.Is(err, easel.ErrJobExists),
			errors.Is(err, easel.ErrInvalidTransition),
			errors.Is(err, easel.ErrClaimLost),
			errors.Is(err, easel.ErrNotClaimOwner):
			return err
		default:
			return wrapErr(op, err)
		}
	}
	return easel.ErrTxConflict
}

func jobToMap(j *job.Job) map[string]interface{} {
	m := map[string]interface{}{
		"id":            j.ID.String(),
		"owner":         j.Owner,
		"state":         string(j.State),
		"input_ref":     j.Payload.InputRef,
		"style":         string(j.Payload.Style),
		"method":        string(j.Payload.Method),
		"result_ref":    j.ResultRef,
		"error_summary": j.ErrorSummary,
		"timeout":       strconv.FormatInt(int64(j.Timeout), 10),
		"created_at":    j.CreatedAt.Format(time.RFC3339Nano),
	}
	if !j.ClaimOwner.IsNil() {
		m["claim_owner"] = j.ClaimOwner.String()
	}
	if j.ClaimedAt != nil {
		m["claimed_at"] = j.ClaimedAt.Format(time.RFC3339Nano)
	}
	if j.FinishedAt != nil {
		m["finished_at"] = j.FinishedAt.Format(time.RFC3339Nano)
	}
	return m
}

func (s *Store) getJobByKey(ctx context.Context, key string) (*job.Job, error) {
	return s.getJobByKeyCmd(ctx, s.client, key)
}

func (s *Store) getJobByKeyCmd(ctx context.Context, c goredis.Cmdable, key string) (*job.Job, error) {
	vals, err := c.HGetAll(ctx, key).Result()
	if err != nil {
		return nil, wrapErr("get job", err)
	}
	if len(vals) == 0 {
		return nil, easel.ErrJobNotFound
	}
	return mapToJob(vals)
}

func mapToJob(m map[string]string) (*job.Job, error) {
	jID, err := id.ParseJobID(m["id"])
	if err != nil {
		return nil, wrapErr("parse job id", err)
	}

	timeout, _ := strconv.ParseInt(m["timeout"], 10, 64)          //nolint:errcheck // best-effort parse from trusted Redis data
	createdAt, _ := time.Parse(time.RFC3339Nano, m["created_at"]) //nolint:errcheck // best-effort parse from trusted Redis data

	j := &job.Job{
		ID:    jID,
		Owner: m["owner"],
		State: job.State(m["state"]),
		Payload: job.Payload{
			InputRef: m["input_ref"],
			Style:    job.Style(m["style"]),
			Method:   job.Method(m["method"]),
		},
		ResultRef:    m["result_ref"],
		ErrorSummary: m["error_summary"],
		Timeout:      time.Duration(timeout),
		CreatedAt:    createdAt,
	}

	if wid := m["claim_owner"]; wid != "" {
		j.ClaimOwner, _ = id.ParseWorkerID(wid) //nolint:errcheck // best-effort parse from trusted Redis data
	}
	if v := m["claimed_at"]; v != "" {
		t, _ := time.Parse(time.RFC3339Nano, v) //nolint:errcheck // best-effort parse from trusted Redis data
		j.ClaimedAt = &t
	}
	if v := m["finished_at"]; v != "" {
		t, _ := time.Parse(time.RFC3339Nano, v) //nolint:errcheck // best-effort parse from trusted Redis data
		j.FinishedAt = &t
	}

	return j, nil
}
