// Command easeld runs one coordination instance: it serves the HTTP
// and WebSocket API, claims and executes queued jobs, and sweeps for
// jobs abandoned by crashed peers. Multiple instances pointed at the
// same store form a fleet.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/kelseyhightower/envconfig"
	amqp091 "github.com/rabbitmq/amqp091-go"
	goredis "github.com/redis/go-redis/v9"

	"github.com/easelworks/easel"
	"github.com/easelworks/easel/api"
	"github.com/easelworks/easel/blob"
	"github.com/easelworks/easel/conn"
	"github.com/easelworks/easel/engine"
	"github.com/easelworks/easel/gate"
	"github.com/easelworks/easel/job"
	"github.com/easelworks/easel/notify"
	amqpbus "github.com/easelworks/easel/notify/amqp"
	"github.com/easelworks/easel/store/postgres"
	redisstore "github.com/easelworks/easel/store/redis"
)

// serverEnv holds the wiring the daemon reads from EASEL_* environment
// variables. Coordination tuning lives in the YAML config file; this
// is only addresses, credentials, and backend selection.
type serverEnv struct {
	Listen       string            `default:":8080"`
	Backend      string            `default:"redis"`
	RedisAddr    string            `split_words:"true" default:"localhost:6379"`
	PostgresDSN  string            `split_words:"true"`
	AMQPURL      string            `envconfig:"AMQP_URL"`
	TransformURL string            `split_words:"true" required:"true"`
	S3Bucket     string            `split_words:"true"`
	APIKeys      map[string]string `split_words:"true"` // owner:key pairs
}

func main() {
	configPath := flag.String("config", "", "path to YAML config file")
	flag.Parse()

	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	if err := run(logger, *configPath); err != nil {
		logger.Error("easeld exiting", slog.String("error", err.Error()))
		os.Exit(1)
	}
}

func run(logger *slog.Logger, configPath string) error {
	cfg := easel.DefaultConfig()
	if configPath != "" {
		var err error
		if cfg, err = easel.LoadConfig(configPath); err != nil {
			return err
		}
	}
	// Environment variables override file values field by field.
	if err := envconfig.Process("easel", &cfg); err != nil {
		return fmt.Errorf("apply environment overrides: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	var env serverEnv
	if err := envconfig.Process("easel", &env); err != nil {
		return fmt.Errorf("read environment: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	backend, err := buildBackend(ctx, env, cfg, logger)
	if err != nil {
		return err
	}
	defer backend.cleanup()

	eng, err := engine.New(
		engine.WithConfig(cfg),
		engine.WithStore(backend.store),
		engine.WithGate(backend.gate),
		engine.WithLease(backend.lease),
		engine.WithBus(backend.bus),
		engine.WithProcess(newTransform(env.TransformURL)),
		engine.WithLogger(logger),
	)
	if err != nil {
		return err
	}

	auth := conn.NewAPIKeyAuthenticator()
	for owner, key := range env.APIKeys {
		auth.SetKey(owner, key)
	}

	apiOpts := []api.Option{}
	if env.S3Bucket != "" {
		resolver, err := blob.NewResolver(ctx, env.S3Bucket)
		if err != nil {
			return fmt.Errorf("init blob resolver: %w", err)
		}
		apiOpts = append(apiOpts, api.WithResolver(resolver))
	}
	a := api.New(eng.Registry(), eng.Directory(), auth, logger, apiOpts...)

	srv := &http.Server{
		Addr:              env.Listen,
		Handler:           a.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	if err := eng.Start(ctx); err != nil {
		return err
	}

	serveErr := make(chan error, 1)
	go func() {
		logger.Info("easeld listening",
			slog.String("addr", env.Listen),
			slog.String("backend", env.Backend),
			slog.String("worker_id", eng.WorkerID().String()),
		)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
	}()

	select {
	case err := <-serveErr:
		stopEngine(eng, cfg, logger)
		return err
	case <-ctx.Done():
	}

	logger.Info("shutting down", slog.Duration("timeout", cfg.ShutdownTimeout))
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown error", slog.String("error", err.Error()))
	}
	if err := eng.Stop(shutdownCtx); err != nil {
		logger.Error("engine stop error", slog.String("error", err.Error()))
	}
	return nil
}

func stopEngine(eng *engine.Engine, cfg easel.Config, logger *slog.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := eng.Stop(ctx); err != nil {
		logger.Error("engine stop error", slog.String("error", err.Error()))
	}
}

// backend bundles the shared-store implementations the instance was
// configured with, plus whatever connections must be torn down on exit.
type backend struct {
	store   job.Store
	gate    gate.Gate
	lease   easel.Lease
	bus     notify.Bus
	cleanup func()
}

func buildBackend(ctx context.Context, env serverEnv, cfg easel.Config, logger *slog.Logger) (*backend, error) {
	switch env.Backend {
	case "redis":
		return buildRedis(ctx, env, cfg, logger)
	case "postgres":
		return buildPostgres(ctx, env, cfg, logger)
	default:
		return nil, fmt.Errorf("unknown backend %q (want redis or postgres)", env.Backend)
	}
}

func buildRedis(ctx context.Context, env serverEnv, cfg easel.Config, logger *slog.Logger) (*backend, error) {
	client := goredis.NewClient(&goredis.Options{Addr: env.RedisAddr})
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("ping redis %s: %w", env.RedisAddr, err)
	}

	b := &backend{
		store: redisstore.New(client),
		gate:  redisstore.NewGate(client, int64(cfg.MaxConcurrency), logger),
		lease: redisstore.NewLease(client),
	}
	cleanups := []func(){func() { client.Close() }} //nolint:errcheck

	bus, busCleanup, err := buildBus(env, logger, func() notify.Bus {
		return redisstore.NewBus(client, logger)
	})
	if err != nil {
		return nil, err
	}
	b.bus = bus
	if busCleanup != nil {
		cleanups = append(cleanups, busCleanup)
	}
	b.cleanup = func() {
		for i := len(cleanups) - 1; i >= 0; i-- {
			cleanups[i]()
		}
	}
	return b, nil
}

func buildPostgres(ctx context.Context, env serverEnv, cfg easel.Config, logger *slog.Logger) (*backend, error) {
	if env.PostgresDSN == "" {
		return nil, errors.New("postgres backend requires EASEL_POSTGRES_DSN")
	}
	st, err := postgres.New(ctx, env.PostgresDSN)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}

	b := &backend{
		store: st,
		gate:  postgres.NewGate(st.Pool(), int64(cfg.MaxConcurrency), logger),
		lease: postgres.NewLease(st.Pool()),
	}
	cleanups := []func(){func() { st.Close() }} //nolint:errcheck

	bus, busCleanup, err := buildBus(env, logger, func() notify.Bus {
		logger.Warn("no AMQP_URL configured; events only reach subscribers on this instance")
		return notify.NewBroker(logger)
	})
	if err != nil {
		return nil, err
	}
	b.bus = bus
	if busCleanup != nil {
		cleanups = append(cleanups, busCleanup)
	}
	b.cleanup = func() {
		for i := len(cleanups) - 1; i >= 0; i-- {
			cleanups[i]()
		}
	}
	return b, nil
}

// buildBus prefers an AMQP bus when one is configured, otherwise it
// falls back to the backend's native bus.
func buildBus(env serverEnv, logger *slog.Logger, fallback func() notify.Bus) (notify.Bus, func(), error) {
	if env.AMQPURL == "" {
		return fallback(), nil, nil
	}
	amqpConn, err := amqp091.Dial(env.AMQPURL)
	if err != nil {
		return nil, nil, fmt.Errorf("dial amqp: %w", err)
	}
	bus, err := amqpbus.New(amqpConn, logger)
	if err != nil {
		amqpConn.Close() //nolint:errcheck
		return nil, nil, fmt.Errorf("init amqp bus: %w", err)
	}
	return bus, func() { amqpConn.Close() }, nil //nolint:errcheck
}
