// Package easel is the coordination core for long-running image
// transformation jobs executed by a fleet of interchangeable, stateless
// worker instances.
//
// No instance holds durable local memory: every guarantee the package
// makes — at-most-once execution per job, a fleet-wide concurrency
// ceiling, timeout enforcement, and delivery of lifecycle events to
// whichever instance currently serves the client — is built on atomic
// conditional operations against a shared store and a publish/subscribe
// channel.
//
// The pieces:
//
//   - registry.Registry owns the job lifecycle state machine and is the
//     only mutator of job records.
//   - gate.Gate bounds the number of simultaneously processing jobs
//     across the whole fleet.
//   - worker.Pool claims admitted jobs and runs the opaque transform;
//     worker.Watchdog force-times-out jobs whose worker went silent.
//   - notify.Bus fans out state transitions on per-owner topics;
//     conn.Directory forwards them to this instance's live connections.
//   - store/redis, store/postgres, and store/memory implement the
//     shared-store contracts.
//
// The engine package wires the pieces into one instance:
//
//	rdb := redis.NewClient(&redis.Options{Addr: "localhost:6379"})
//	st := redisstore.New(rdb)
//	eng, err := engine.New(
//		engine.WithStore(st),
//		engine.WithGate(redisstore.NewGate(rdb, int64(cfg.MaxConcurrency), logger)),
//		engine.WithBus(redisstore.NewBus(rdb, logger)),
//		engine.WithLease(redisstore.NewLease(rdb)),
//		engine.WithProcess(sketchFn),
//	)
//	if err != nil { ... }
//	if err := eng.Start(ctx); err != nil { ... }
//	defer eng.Stop(ctx)
package easel
