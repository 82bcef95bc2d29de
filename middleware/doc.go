// Package middleware provides composable middleware for transformation
// execution.
//
// A [Middleware] is a function that wraps a transformation handler.
// Middleware are composed into a chain using [Chain] and applied before
// each claimed job runs. They are applied right-to-left: the first
// middleware in the slice is the outermost wrapper.
//
//	// logging → recover → handler
//	chain := middleware.Chain(middleware.Logging(logger), middleware.Recover(logger))
//
// # Built-in Middleware
//
//   - [Logging] — logs job ID, owner, duration, and outcome at each run
//   - [Recover] — catches panics in the transformation and converts them to errors
//   - [Timeout] — cancels the job context after the job's configured duration
//   - [Tracing] — wraps execution in an OpenTelemetry span
//   - [Metrics] — records per-job duration and outcome counters
//
// Middleware MUST call next to continue the chain unless intentionally
// short-circuiting.
package middleware
