package postgres

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/easelworks/easel"
	"github.com/easelworks/easel/id"
	"github.com/easelworks/easel/job"
)

const jobColumns = `
	id, owner, state, input_ref, style, method,
	result_ref, error_summary, claim_owner, timeout_ns,
	created_at, claimed_at, finished_at`

// CreateJob persists a new job record.
func (s *Store) CreateJob(ctx context.Context, j *job.Job) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO easel_jobs (
			id, owner, state, input_ref, style, method,
			result_ref, error_summary, timeout_ns, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		j.ID.String(), j.Owner, string(j.State),
		j.Payload.InputRef, string(j.Payload.Style), string(j.Payload.Method),
		j.ResultRef, j.ErrorSummary, j.Timeout.Nanoseconds(), j.CreatedAt,
	)
	if err != nil {
		if isDuplicateKey(err) {
			return easel.ErrJobExists
		}
		return wrapErr("create job", err)
	}
	return nil
}

// GetJob retrieves a job by ID.
func (s *Store) GetJob(ctx context.Context, jobID id.JobID) (*job.Job, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+jobColumns+` FROM easel_jobs WHERE id = $1`,
		jobID.String(),
	)
	j, err := scanJob(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, easel.ErrJobNotFound
		}
		return nil, wrapErr("get job", err)
	}
	return j, nil
}

// EnqueueJob transitions pending → queued.
func (s *Store) EnqueueJob(ctx context.Context, jobID id.JobID) (*job.Job, error) {
	row := s.pool.QueryRow(ctx, `
		UPDATE easel_jobs
		SET state = 'queued'
		WHERE id = $1 AND state = 'pending'
		RETURNING `+jobColumns,
		jobID.String(),
	)
	j, err := scanJob(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, s.transitionMiss(ctx, jobID)
		}
		return nil, wrapErr("enqueue job", err)
	}
	return j, nil
}

// ClaimJob transitions queued → processing for exactly one caller. The
// state and claim-owner predicates make the UPDATE the arbiter: only
// one concurrent claimant matches the row.
func (s *Store) ClaimJob(ctx context.Context, jobID id.JobID, workerID id.WorkerID) (*job.Job, error) {
	row := s.pool.QueryRow(ctx, `
		UPDATE easel_jobs
		SET state = 'processing', claim_owner = $2, claimed_at = NOW()
		WHERE id = $1 AND state = 'queued' AND claim_owner IS NULL
		RETURNING `+jobColumns,
		jobID.String(), workerID.String(),
	)
	j, err := scanJob(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			if _, getErr := s.GetJob(ctx, jobID); getErr != nil {
				return nil, getErr
			}
			return nil, easel.ErrClaimLost
		}
		return nil, wrapErr("claim job", err)
	}
	return j, nil
}

// ReleaseJob transitions processing → queued and clears the claim.
func (s *Store) ReleaseJob(ctx context.Context, jobID id.JobID, workerID id.WorkerID) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE easel_jobs
		SET state = 'queued', claim_owner = NULL, claimed_at = NULL
		WHERE id = $1 AND state = 'processing' AND claim_owner = $2`,
		jobID.String(), workerID.String(),
	)
	if err != nil {
		return wrapErr("release job", err)
	}
	if tag.RowsAffected() == 0 {
		return s.claimMiss(ctx, jobID, workerID)
	}
	return nil
}

// FinishJob transitions processing → completed or failed, conditional
// on the caller holding the claim.
func (s *Store) FinishJob(ctx context.Context, jobID id.JobID, workerID id.WorkerID, state job.State, resultRef, errorSummary string) (*job.Job, error) {
	if state != job.StateCompleted && state != job.StateFailed {
		return nil, easel.ErrInvalidTransition
	}

	row := s.pool.QueryRow(ctx, `
		UPDATE easel_jobs
		SET state = $3, result_ref = $4, error_summary = $5,
		    claim_owner = NULL, claimed_at = NULL, finished_at = NOW()
		WHERE id = $1 AND state = 'processing' AND claim_owner = $2
		RETURNING `+jobColumns,
		jobID.String(), workerID.String(), string(state), resultRef, errorSummary,
	)
	j, err := scanJob(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, s.claimMiss(ctx, jobID, workerID)
		}
		return nil, wrapErr("finish job", err)
	}
	return j, nil
}

// TimeoutJob transitions processing → timed_out regardless of who
// holds the claim.
func (s *Store) TimeoutJob(ctx context.Context, jobID id.JobID) (*job.Job, error) {
	row := s.pool.QueryRow(ctx, `
		UPDATE easel_jobs
		SET state = 'timed_out', error_summary = 'transformation timed out',
		    claim_owner = NULL, claimed_at = NULL, finished_at = NOW()
		WHERE id = $1 AND state = 'processing'
		RETURNING `+jobColumns,
		jobID.String(),
	)
	j, err := scanJob(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, s.transitionMiss(ctx, jobID)
		}
		return nil, wrapErr("timeout job", err)
	}
	return j, nil
}

// CancelJob transitions pending|queued → cancelled when the owner matches.
func (s *Store) CancelJob(ctx context.Context, jobID id.JobID, owner string) (*job.Job, error) {
	row := s.pool.QueryRow(ctx, `
		UPDATE easel_jobs
		SET state = 'cancelled', finished_at = NOW()
		WHERE id = $1 AND owner = $2 AND state IN ('pending', 'queued')
		RETURNING `+jobColumns,
		jobID.String(), owner,
	)
	j, err := scanJob(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			existing, getErr := s.GetJob(ctx, jobID)
			if getErr != nil {
				return nil, getErr
			}
			if existing.Owner != owner {
				return nil, easel.ErrJobNotFound
			}
			return nil, easel.ErrInvalidTransition
		}
		return nil, wrapErr("cancel job", err)
	}
	return j, nil
}

// NextQueued returns up to limit queued jobs, oldest first.
func (s *Store) NextQueued(ctx context.Context, limit int) ([]*job.Job, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+jobColumns+`
		FROM easel_jobs
		WHERE state = 'queued'
		ORDER BY created_at ASC
		LIMIT $1`,
		limit,
	)
	if err != nil {
		return nil, wrapErr("next queued", err)
	}
	defer rows.Close()
	return collectJobs(rows)
}

// ListJobsByOwner returns an owner's jobs, newest first.
func (s *Store) ListJobsByOwner(ctx context.Context, owner string, opts job.ListOpts) ([]*job.Job, error) {
	limit := opts.Limit
	if limit <= 0 {
		limit = -1 // LIMIT ALL
	}
	rows, err := s.pool.Query(ctx, `
		SELECT `+jobColumns+`
		FROM easel_jobs
		WHERE owner = $1 AND ($2 = '' OR state = $2)
		ORDER BY created_at DESC
		LIMIT NULLIF($3, -1) OFFSET $4`,
		owner, string(opts.State), limit, opts.Offset,
	)
	if err != nil {
		return nil, wrapErr("list by owner", err)
	}
	defer rows.Close()
	return collectJobs(rows)
}

// ScanOverdue returns processing jobs whose deadline plus grace has passed.
func (s *Store) ScanOverdue(ctx context.Context, grace time.Duration) ([]*job.Job, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+jobColumns+`
		FROM easel_jobs
		WHERE state = 'processing'
		  AND claimed_at + (timeout_ns + $1) * interval '1 nanosecond' < NOW()`,
		grace.Nanoseconds(),
	)
	if err != nil {
		return nil, wrapErr("scan overdue", err)
	}
	defer rows.Close()
	return collectJobs(rows)
}

// CountJobs returns the number of jobs matching the given options.
func (s *Store) CountJobs(ctx context.Context, opts job.CountOpts) (int64, error) {
	var count int64
	err := s.pool.QueryRow(ctx, `
		SELECT COUNT(*)
		FROM easel_jobs
		WHERE ($1 = '' OR owner = $1) AND ($2 = '' OR state = $2)`,
		opts.Owner, string(opts.State),
	).Scan(&count)
	if err != nil {
		return 0, wrapErr("count jobs", err)
	}
	return count, nil
}

// ── helpers ──

// transitionMiss explains why a state-conditioned UPDATE matched no
// rows: either the job is gone or it is in the wrong state.
func (s *Store) transitionMiss(ctx context.Context, jobID id.JobID) error {
	if _, err := s.GetJob(ctx, jobID); err != nil {
		return err
	}
	return easel.ErrInvalidTransition
}

// claimMiss explains why a claim-conditioned UPDATE matched no rows.
func (s *Store) claimMiss(ctx context.Context, jobID id.JobID, workerID id.WorkerID) error {
	existing, err := s.GetJob(ctx, jobID)
	if err != nil {
		return err
	}
	if existing.State == job.StateProcessing && existing.ClaimOwner != workerID {
		return easel.ErrNotClaimOwner
	}
	return easel.ErrInvalidTransition
}

func scanJob(row pgx.Row) (*job.Job, error) {
	var (
		jobID      string
		claimOwner *string
		timeoutNS  int64
		j          job.Job
	)
	err := row.Scan(
		&jobID, &j.Owner, &j.State,
		&j.Payload.InputRef, &j.Payload.Style, &j.Payload.Method,
		&j.ResultRef, &j.ErrorSummary, &claimOwner, &timeoutNS,
		&j.CreatedAt, &j.ClaimedAt, &j.FinishedAt,
	)
	if err != nil {
		return nil, err
	}

	j.ID, err = id.ParseJobID(jobID)
	if err != nil {
		return nil, err
	}
	if claimOwner != nil && *claimOwner != "" {
		j.ClaimOwner, err = id.ParseWorkerID(*claimOwner)
		if err != nil {
			return nil, err
		}
	}
	j.Timeout = time.Duration(timeoutNS)
	return &j, nil
}

func collectJobs(rows pgx.Rows) ([]*job.Job, error) {
	var jobs []*job.Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, wrapErr("scan job row", err)
		}
		jobs = append(jobs, j)
	}
	if err := rows.Err(); err != nil {
		return nil, wrapErr("iterate job rows", err)
	}
	return jobs, nil
}
