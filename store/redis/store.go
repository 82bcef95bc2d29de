package redis

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/easelworks/easel"
	"github.com/easelworks/easel/job"
)

// Compile-time interface check.
var _ job.Store = (*Store)(nil)

// DefaultRetention is how long job records stay readable after their
// last write.
const DefaultRetention = 24 * time.Hour

// Option configures the Store.
type Option func(*Store)

// WithLogger sets a custom logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Store) { s.logger = l }
}

// WithRetention overrides the record retention TTL.
func WithRetention(d time.Duration) Option {
	return func(s *Store) { s.retention = d }
}

// Store implements job.Store backed by Redis. Conditional transitions
// use WATCH so concurrent writers to the same job serialize on exactly
// one winner.
type Store struct {
	client    *redis.Client
	logger    *slog.Logger
	retention time.Duration
}

// New creates a new Redis-backed store. The caller owns the Redis
// client lifecycle.
func New(client *redis.Client, opts ...Option) *Store {
	s := &Store{
		client:    client,
		logger:    slog.Default(),
		retention: DefaultRetention,
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Client returns the underlying Redis client.
func (s *Store) Client() *redis.Client { return s.client }

// Ping verifies the Redis connection is alive.
func (s *Store) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// Close is a no-op — the caller owns the Redis client lifecycle.
func (s *Store) Close(_ context.Context) error { return nil }

// wrapErr marks a driver failure as infrastructure trouble so callers
// can retry with backoff instead of surfacing it as a data error.
func wrapErr(op string, err error) error {
	return fmt.Errorf("easel/redis: %s: %w: %w", op, easel.ErrStoreUnavailable, err)
}
