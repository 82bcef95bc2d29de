package worker

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/easelworks/easel"
	"github.com/easelworks/easel/registry"
)

// Watchdog periodically scans for processing jobs whose worker is
// presumed dead and forces them to timed_out, returning their
// concurrency slots. A store lease elects a single scanner across the
// fleet; every instance runs a Watchdog, but only the lease holder
// sweeps.
type Watchdog struct {
	registry *registry.Registry
	lease    easel.Lease
	holder   string
	logger   *slog.Logger

	interval time.Duration
	grace    time.Duration

	stopCh  chan struct{}
	wg      sync.WaitGroup
	mu      sync.Mutex
	running bool
}

// WatchdogOption configures a Watchdog.
type WatchdogOption func(*Watchdog)

// WithInterval sets the sweep period.
func WithInterval(d time.Duration) WatchdogOption {
	return func(w *Watchdog) { w.interval = d }
}

// WithGrace sets the margin past a job's deadline before a sweep forces
// it to timed_out.
func WithGrace(d time.Duration) WatchdogOption {
	return func(w *Watchdog) { w.grace = d }
}

// NewWatchdog creates a Watchdog identified by holder on the lease.
func NewWatchdog(
	reg *registry.Registry,
	lease easel.Lease,
	holder string,
	logger *slog.Logger,
	opts ...WatchdogOption,
) *Watchdog {
	w := &Watchdog{
		registry: reg,
		lease:    lease,
		holder:   holder,
		logger:   logger,
		interval: 30 * time.Second,
		grace:    time.Minute,
		stopCh:   make(chan struct{}),
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Start launches the sweep loop. It returns immediately.
func (w *Watchdog) Start(_ context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.running {
		return nil
	}
	w.running = true

	w.logger.Info("watchdog starting",
		slog.String("holder", w.holder),
		slog.Duration("interval", w.interval),
		slog.Duration("grace", w.grace),
	)

	w.wg.Add(1)
	go w.loop()
	return nil
}

// Stop halts the sweep loop and gives up the lease.
func (w *Watchdog) Stop(ctx context.Context) error {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return nil
	}
	w.running = false
	w.mu.Unlock()

	close(w.stopCh)
	w.wg.Wait()

	if err := w.lease.Release(ctx, w.holder); err != nil {
		w.logger.Warn("failed to release watchdog lease",
			slog.String("error", err.Error()),
		)
	}
	return nil
}

func (w *Watchdog) loop() {
	defer w.wg.Done()

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-w.stopCh:
			return
		case <-ticker.C:
			w.sweep(context.Background())
		}
	}
}

// sweep takes (or renews) the scanner lease and forces every overdue
// job to timed_out. Lease TTL is twice the interval so the lease
// survives one missed tick but moves on quickly when the holder dies.
func (w *Watchdog) sweep(ctx context.Context) {
	held, err := w.lease.Acquire(ctx, w.holder, 2*w.interval)
	if err != nil {
		w.logger.Error("watchdog lease check failed",
			slog.String("error", err.Error()),
		)
		return
	}
	if !held {
		return
	}

	overdue, err := w.registry.ScanOverdue(ctx, w.grace)
	if err != nil {
		w.logger.Error("overdue scan failed",
			slog.String("error", err.Error()),
		)
		return
	}

	for _, j := range overdue {
		if _, err := w.registry.Timeout(ctx, j.ID); err != nil {
			if errors.Is(err, easel.ErrInvalidTransition) || errors.Is(err, easel.ErrJobNotFound) {
				// Its worker reported a terminal state between the
				// scan and the write. That result stands.
				continue
			}
			w.logger.Error("failed to time out overdue job",
				slog.String("job_id", j.ID.String()),
				slog.String("error", err.Error()),
			)
			continue
		}
		w.logger.Warn("forced overdue job to timed_out",
			slog.String("job_id", j.ID.String()),
			slog.String("claim_owner", j.ClaimOwner.String()),
		)
	}
}
