// Package worker drives job execution: an Executor that runs one
// claimed job through the middleware chain and reports the outcome, a
// Pool that claims queued jobs under the fleet-wide concurrency gate,
// and a Watchdog that reclaims jobs from workers presumed dead.
package worker

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/easelworks/easel"
	"github.com/easelworks/easel/backoff"
	"github.com/easelworks/easel/id"
	"github.com/easelworks/easel/job"
	"github.com/easelworks/easel/middleware"
	"github.com/easelworks/easel/process"
	"github.com/easelworks/easel/registry"
)

// reportAttempts bounds how often a terminal report is retried while
// the store is unavailable. Giving up leaves the job in processing for
// the watchdog, so the bound only caps how long a finished result
// waits on a store outage before that fallback takes over.
const reportAttempts = 4

// Executor runs a single claimed job through middleware and the
// processing function, then reports the terminal state to the registry.
type Executor struct {
	registry   *registry.Registry
	process    process.Func
	workerID   id.WorkerID
	mw         middleware.Middleware
	logger     *slog.Logger
	storeRetry backoff.Strategy
}

// NewExecutor creates an Executor. The middleware are applied
// left-to-right around the processing function.
func NewExecutor(
	reg *registry.Registry,
	proc process.Func,
	workerID id.WorkerID,
	logger *slog.Logger,
	mws ...middleware.Middleware,
) *Executor {
	return &Executor{
		registry:   reg,
		process:    proc,
		workerID:   workerID,
		mw:         middleware.Chain(mws...),
		logger:     logger,
		storeRetry: backoff.StoreRetryStrategy(),
	}
}

// Execute runs a claimed job to its terminal state. The caller must
// hold both the claim and a concurrency slot; the terminal report
// returns the slot through the registry.
//
// A cancelled context means the instance is shutting down: the job is
// left in processing and the watchdog reclaims it later.
func (e *Executor) Execute(ctx context.Context, j *job.Job) error {
	var resultRef string
	terminal := func(ctx context.Context) error {
		ref, err := e.process(ctx, j.Payload)
		if err != nil {
			return err
		}
		resultRef = ref
		return nil
	}

	err := e.mw(ctx, j, terminal)

	// The job context may be expired by now; the terminal report must
	// still reach the store.
	reportCtx := context.WithoutCancel(ctx)

	switch {
	case err == nil:
		return e.reportCompleted(reportCtx, j, resultRef)
	case errors.Is(err, context.DeadlineExceeded):
		return e.reportTimedOut(reportCtx, j)
	case errors.Is(err, context.Canceled):
		e.logger.Warn("job abandoned during shutdown",
			slog.String("job_id", j.ID.String()),
		)
		return err
	default:
		return e.reportFailed(reportCtx, j, err)
	}
}

func (e *Executor) reportCompleted(ctx context.Context, j *job.Job, resultRef string) error {
	return e.report(ctx, j, "completed", func(ctx context.Context) error {
		_, err := e.registry.Complete(ctx, j.ID, e.workerID, resultRef)
		if err == nil {
			e.logger.Info("job completed",
				slog.String("job_id", j.ID.String()),
				slog.String("result_ref", resultRef),
			)
		}
		return err
	})
}

func (e *Executor) reportTimedOut(ctx context.Context, j *job.Job) error {
	return e.report(ctx, j, "timed_out", func(ctx context.Context) error {
		_, err := e.registry.Timeout(ctx, j.ID)
		if err == nil {
			e.logger.Warn("job exceeded its deadline",
				slog.String("job_id", j.ID.String()),
				slog.Duration("timeout", j.Timeout),
			)
		}
		return err
	})
}

func (e *Executor) reportFailed(ctx context.Context, j *job.Job, execErr error) error {
	summary := summarize(execErr)
	e.logger.Error("job execution failed",
		slog.String("job_id", j.ID.String()),
		slog.String("summary", summary),
		slog.String("error", execErr.Error()),
	)

	return e.report(ctx, j, "failed", func(ctx context.Context) error {
		_, err := e.registry.Fail(ctx, j.ID, e.workerID, summary)
		return err
	})
}

// report delivers one terminal state to the registry, retrying with
// backoff while the store is unavailable. The result already exists at
// this point; losing it to a transient store blip would surface as a
// spurious watchdog timeout to the owner.
func (e *Executor) report(ctx context.Context, j *job.Job, wanted string, attempt func(context.Context) error) error {
	for i := 1; ; i++ {
		err := attempt(ctx)
		if err == nil {
			return nil
		}
		if !errors.Is(err, easel.ErrStoreUnavailable) || i == reportAttempts {
			return e.absorbLostClaim(j, wanted, err)
		}
		delay := e.storeRetry.Delay(i)
		e.logger.Warn("terminal report failed, retrying",
			slog.String("job_id", j.ID.String()),
			slog.String("wanted", wanted),
			slog.Int("attempt", i),
			slog.Duration("delay", delay),
			slog.String("error", err.Error()),
		)
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return err
		}
	}
}

// absorbLostClaim swallows the race where the watchdog (or a duplicate
// report) reached the terminal state first. The store arbitrated, the
// winning result stands, and there is nothing for this worker to retry.
func (e *Executor) absorbLostClaim(j *job.Job, wanted string, err error) error {
	if errors.Is(err, easel.ErrInvalidTransition) ||
		errors.Is(err, easel.ErrNotClaimOwner) ||
		errors.Is(err, easel.ErrJobNotFound) {
		e.logger.Warn("terminal report lost to a concurrent transition",
			slog.String("job_id", j.ID.String()),
			slog.String("wanted", wanted),
		)
		return nil
	}
	return err
}

// summarize produces the owner-visible error summary. Categorized
// process errors carry their own message; anything else is reported as
// an internal error so raw error text never reaches clients.
func summarize(err error) string {
	var pe *process.Error
	if errors.As(err, &pe) {
		return pe.Error()
	}
	return "internal error"
}
