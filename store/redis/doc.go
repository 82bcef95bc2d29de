// Package redis implements the shared job store, concurrency gate,
// watchdog lease, and notification bus on Redis. Jobs are stored as
// Hashes with a retention TTL, the queue is a Sorted Set ordered by
// creation time, and conditional transitions run as optimistic WATCH
// transactions so two instances racing on the same job observe exactly
// one winner.
//
// The caller owns the *redis.Client lifecycle:
//
//	client := redis.NewClient(&redis.Options{Addr: "localhost:6379"})
//	s := redisstore.New(client)
//	if err := s.Ping(ctx); err != nil { ... }
package redis
