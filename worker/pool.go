package worker

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"

	"github.com/easelworks/easel"
	"github.com/easelworks/easel/backoff"
	"github.com/easelworks/easel/gate"
	"github.com/easelworks/easel/id"
	"github.com/easelworks/easel/registry"
)

// Pool claims queued jobs and executes them through the Executor. The
// fleet-wide concurrency gate decides admission; the local semaphore
// bounds how many executions this instance runs at once.
type Pool struct {
	registry *registry.Registry
	gate     gate.Gate
	executor *Executor
	workerID id.WorkerID
	logger   *slog.Logger

	local      int64
	claimRate  float64
	idle       backoff.Strategy
	storeRetry backoff.Strategy

	limiter *rate.Limiter
	sem     *semaphore.Weighted

	loopCtx    context.Context
	loopCancel context.CancelFunc
	execCtx    context.Context
	execCancel context.CancelFunc

	wg      sync.WaitGroup
	mu      sync.Mutex
	running bool
}

// PoolOption configures a Pool.
type PoolOption func(*Pool)

// WithLocalConcurrency bounds concurrent executions on this instance.
func WithLocalConcurrency(n int) PoolOption {
	return func(p *Pool) { p.local = int64(n) }
}

// WithClaimRate bounds claim attempts per second. Zero disables pacing.
func WithClaimRate(perSecond float64) PoolOption {
	return func(p *Pool) { p.claimRate = perSecond }
}

// WithIdleBackoff sets the pacing used when the queue is empty.
func WithIdleBackoff(s backoff.Strategy) PoolOption {
	return func(p *Pool) { p.idle = s }
}

// WithStoreRetryBackoff sets the pacing used after store errors.
func WithStoreRetryBackoff(s backoff.Strategy) PoolOption {
	return func(p *Pool) { p.storeRetry = s }
}

// NewPool creates a worker pool around the given executor.
func NewPool(
	reg *registry.Registry,
	g gate.Gate,
	executor *Executor,
	workerID id.WorkerID,
	logger *slog.Logger,
	opts ...PoolOption,
) *Pool {
	p := &Pool{
		registry:   reg,
		gate:       g,
		executor:   executor,
		workerID:   workerID,
		logger:     logger,
		local:      5,
		claimRate:  10,
		idle:       backoff.IdleStrategy(),
		storeRetry: backoff.StoreRetryStrategy(),
	}
	for _, opt := range opts {
		opt(p)
	}
	p.sem = semaphore.NewWeighted(p.local)
	if p.claimRate > 0 {
		p.limiter = rate.NewLimiter(rate.Limit(p.claimRate), 1)
	}
	return p
}

// WorkerID returns the pool's worker identifier.
func (p *Pool) WorkerID() id.WorkerID { return p.workerID }

// Start launches the claim loop. It returns immediately.
func (p *Pool) Start(_ context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.running {
		return nil
	}
	p.running = true

	p.loopCtx, p.loopCancel = context.WithCancel(context.Background())
	p.execCtx, p.execCancel = context.WithCancel(context.Background())

	p.logger.Info("worker pool starting",
		slog.String("worker_id", p.workerID.String()),
		slog.Int64("local_concurrency", p.local),
	)

	p.wg.Add(1)
	go p.claimLoop()
	return nil
}

// Stop stops claiming new jobs and waits for in-flight executions. If
// the context expires first, execution contexts are cancelled and the
// abandoned jobs are left for the watchdog.
func (p *Pool) Stop(ctx context.Context) error {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return nil
	}
	p.running = false
	p.mu.Unlock()

	p.logger.Info("worker pool stopping", slog.String("worker_id", p.workerID.String()))
	p.loopCancel()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		p.logger.Info("worker pool stopped gracefully")
	case <-ctx.Done():
		p.logger.Warn("worker pool shutdown timed out, cancelling in-flight jobs")
		p.execCancel()
		p.wg.Wait()
	}

	p.execCancel()
	return nil
}

// claimLoop polls for queued jobs and hands claims to executions until
// the pool stops.
func (p *Pool) claimLoop() {
	defer p.wg.Done()

	var idleMisses, storeFailures int
	for {
		select {
		case <-p.loopCtx.Done():
			return
		default:
		}

		if p.limiter != nil {
			if err := p.limiter.Wait(p.loopCtx); err != nil {
				return
			}
		}

		candidates, err := p.registry.NextQueued(p.loopCtx, int(p.local))
		if err != nil {
			if p.loopCtx.Err() != nil {
				return
			}
			storeFailures++
			p.logger.Error("failed to poll queue",
				slog.String("error", err.Error()),
				slog.Int("failures", storeFailures),
			)
			p.sleep(p.storeRetry.Delay(storeFailures))
			continue
		}
		storeFailures = 0

		started := 0
		for _, candidate := range candidates {
			if p.tryRun(candidate.ID) {
				started++
			}
		}

		if started == 0 {
			idleMisses++
			p.sleep(p.idle.Delay(idleMisses))
			continue
		}
		idleMisses = 0
	}
}

// tryRun claims one candidate and starts its execution. The claim is
// taken first and released again when the fleet gate rejects; that way
// a rejected job never holds a claim while waiting.
func (p *Pool) tryRun(jobID id.JobID) bool {
	if err := p.sem.Acquire(p.loopCtx, 1); err != nil {
		return false
	}

	j, err := p.registry.Claim(p.loopCtx, jobID, p.workerID)
	if err != nil {
		p.sem.Release(1)
		if errors.Is(err, easel.ErrClaimLost) ||
			errors.Is(err, easel.ErrInvalidTransition) ||
			errors.Is(err, easel.ErrJobNotFound) {
			// Another instance got there first.
			return false
		}
		p.logger.Error("claim failed",
			slog.String("job_id", jobID.String()),
			slog.String("error", err.Error()),
		)
		return false
	}

	admitted, err := p.gate.Acquire(p.loopCtx)
	if err != nil {
		p.logger.Error("gate check failed",
			slog.String("job_id", j.ID.String()),
			slog.String("error", err.Error()),
		)
	}
	if err != nil || !admitted {
		if relErr := p.registry.Release(p.loopCtx, j.ID, p.workerID); relErr != nil {
			p.logger.Error("failed to release rejected claim",
				slog.String("job_id", j.ID.String()),
				slog.String("error", relErr.Error()),
			)
		}
		p.sem.Release(1)
		return false
	}

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		defer p.sem.Release(1)
		if execErr := p.executor.Execute(p.execCtx, j); execErr != nil {
			p.logger.Debug("execution ended with error",
				slog.String("job_id", j.ID.String()),
				slog.String("error", execErr.Error()),
			)
		}
	}()
	return true
}

func (p *Pool) sleep(d time.Duration) {
	select {
	case <-time.After(d):
	case <-p.loopCtx.Done():
	}
}
