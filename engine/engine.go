// Package engine wires the easel subsystems together: registry,
// concurrency gate, worker pool, watchdog, notification bus, and
// connection directory.
//
// This package exists to break the import cycle: the root easel package
// defines the sentinel errors and contracts the subsystem packages
// import, so it cannot import those packages back. The engine sits
// above all of them and below the application layer.
package engine

import (
	"context"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/easelworks/easel"
	"github.com/easelworks/easel/backoff"
	"github.com/easelworks/easel/conn"
	"github.com/easelworks/easel/gate"
	"github.com/easelworks/easel/id"
	"github.com/easelworks/easel/job"
	mw "github.com/easelworks/easel/middleware"
	"github.com/easelworks/easel/notify"
	"github.com/easelworks/easel/process"
	"github.com/easelworks/easel/registry"
	"github.com/easelworks/easel/store/memory"
	"github.com/easelworks/easel/worker"
)

// Engine is one coordinator instance: interchangeable with every other
// instance pointed at the same store, gate, and bus.
type Engine struct {
	cfg    easel.Config
	store  job.Store
	gate   gate.Gate
	bus    notify.Bus
	lease  easel.Lease
	proc   process.Func
	logger *slog.Logger
	mws    []mw.Middleware

	// OpenTelemetry providers (optional; nil means use global).
	tracerProvider trace.TracerProvider
	meterProvider  metric.MeterProvider

	workerID  id.WorkerID
	registry  *registry.Registry
	pool      *worker.Pool
	watchdog  *worker.Watchdog
	directory *conn.Directory
}

// Option configures an Engine.
type Option func(*Engine)

// WithConfig replaces the default coordination parameters.
func WithConfig(cfg easel.Config) Option {
	return func(eng *Engine) { eng.cfg = cfg }
}

// WithStore sets the shared job store. Required.
func WithStore(s job.Store) Option {
	return func(eng *Engine) { eng.store = s }
}

// WithGate sets the fleet-wide concurrency gate. Required.
func WithGate(g gate.Gate) Option {
	return func(eng *Engine) { eng.gate = g }
}

// WithBus sets the notification bus. Defaults to the in-process broker,
// which only serves single-instance deployments.
func WithBus(b notify.Bus) Option {
	return func(eng *Engine) { eng.bus = b }
}

// WithLease sets the watchdog's single-scanner lease. Defaults to an
// in-memory lease, which only serves single-instance deployments.
func WithLease(l easel.Lease) Option {
	return func(eng *Engine) { eng.lease = l }
}

// WithProcess sets the transformation function. Required.
func WithProcess(fn process.Func) Option {
	return func(eng *Engine) { eng.proc = fn }
}

// WithLogger sets the structured logger.
func WithLogger(logger *slog.Logger) Option {
	return func(eng *Engine) { eng.logger = logger }
}

// WithMiddleware appends middleware to the execution chain, inside the
// default stack.
func WithMiddleware(m mw.Middleware) Option {
	return func(eng *Engine) { eng.mws = append(eng.mws, m) }
}

// WithTracerProvider sets a custom OTel TracerProvider. If not set, the
// global otel.GetTracerProvider() is used.
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(eng *Engine) { eng.tracerProvider = tp }
}

// WithMeterProvider sets a custom OTel MeterProvider. If not set, the
// global otel.GetMeterProvider() is used.
func WithMeterProvider(mp metric.MeterProvider) Option {
	return func(eng *Engine) { eng.meterProvider = mp }
}

// New assembles an Engine. The store, gate, and process function are
// required; bus and lease fall back to in-process implementations
// suitable for a single instance.
func New(opts ...Option) (*Engine, error) {
	eng := &Engine{
		cfg:    easel.DefaultConfig(),
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(eng)
	}

	if eng.store == nil {
		return nil, easel.ErrNoStore
	}
	if eng.gate == nil {
		return nil, easel.ErrNoGate
	}
	if eng.proc == nil {
		return nil, easel.ErrNoProcess
	}
	if err := eng.cfg.Validate(); err != nil {
		return nil, err
	}
	if eng.bus == nil {
		eng.bus = notify.NewBroker(eng.logger)
	}
	if eng.lease == nil {
		eng.lease = memory.NewLease()
	}

	reg, err := registry.New(eng.store, eng.gate, eng.bus,
		registry.WithLogger(eng.logger),
		registry.WithDefaultTimeout(eng.cfg.JobTimeout),
	)
	if err != nil {
		return nil, err
	}
	eng.registry = reg
	eng.workerID = id.NewWorkerID()

	var tracingMw mw.Middleware
	if eng.tracerProvider != nil {
		tracingMw = mw.TracingWithTracer(eng.tracerProvider.Tracer("github.com/easelworks/easel"))
	} else {
		tracingMw = mw.Tracing()
	}

	var metricsMw mw.Middleware
	if eng.meterProvider != nil {
		metricsMw = mw.MetricsWithMeter(eng.meterProvider.Meter("github.com/easelworks/easel"))
	} else {
		metricsMw = mw.Metrics()
	}

	// Default stack: recover → tracing → metrics → logging → timeout.
	allMws := []mw.Middleware{
		mw.Recover(eng.logger),
		tracingMw,
		metricsMw,
		mw.Logging(eng.logger),
	}
	allMws = append(allMws, eng.mws...)
	allMws = append(allMws, mw.Timeout(eng.logger))

	executor := worker.NewExecutor(reg, eng.proc, eng.workerID, eng.logger, allMws...)

	eng.pool = worker.NewPool(reg, eng.gate, executor, eng.workerID, eng.logger,
		worker.WithLocalConcurrency(eng.cfg.LocalConcurrency),
		worker.WithClaimRate(eng.cfg.ClaimRate),
		worker.WithIdleBackoff(backoff.NewExponentialWithJitter(250*time.Millisecond, eng.cfg.PollInterval)),
	)

	eng.watchdog = worker.NewWatchdog(reg, eng.lease, eng.workerID.String(), eng.logger,
		worker.WithInterval(eng.cfg.WatchdogInterval),
		worker.WithGrace(eng.cfg.WatchdogGrace),
	)

	eng.directory = conn.NewDirectory(eng.bus, eng.logger)

	return eng, nil
}

// Start launches the worker pool and watchdog.
func (eng *Engine) Start(ctx context.Context) error {
	eng.logger.Info("engine starting",
		slog.String("worker_id", eng.workerID.String()),
		slog.Int("max_concurrency", eng.cfg.MaxConcurrency),
		slog.Duration("job_timeout", eng.cfg.JobTimeout),
	)

	if err := eng.pool.Start(ctx); err != nil {
		return err
	}
	return eng.watchdog.Start(ctx)
}

// Stop shuts the instance down: no new claims, in-flight jobs get the
// configured shutdown window, then connections and the bus close.
func (eng *Engine) Stop(ctx context.Context) error {
	if _, hasDeadline := ctx.Deadline(); !hasDeadline {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, eng.cfg.ShutdownTimeout)
		defer cancel()
	}

	if err := eng.pool.Stop(ctx); err != nil {
		eng.logger.Error("pool stop error", slog.String("error", err.Error()))
	}
	if err := eng.watchdog.Stop(ctx); err != nil {
		eng.logger.Error("watchdog stop error", slog.String("error", err.Error()))
	}
	if err := eng.directory.Close(); err != nil {
		eng.logger.Error("directory close error", slog.String("error", err.Error()))
	}
	return eng.bus.Close()
}

// Registry returns the job registry.
func (eng *Engine) Registry() *registry.Registry { return eng.registry }

// Directory returns the connection directory.
func (eng *Engine) Directory() *conn.Directory { return eng.directory }

// WorkerID returns this instance's worker identifier.
func (eng *Engine) WorkerID() id.WorkerID { return eng.workerID }

// Config returns the effective configuration.
func (eng *Engine) Config() easel.Config { return eng.cfg }
