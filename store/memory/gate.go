package memory

import (
	"context"
	"sync"
	"time"
)

// Gate is an in-memory concurrency gate. The slot count only covers
// workers in the same process.
type Gate struct {
	mu    sync.Mutex
	max   int64
	inUse int64
}

// NewGate creates a gate admitting at most max concurrent jobs.
func NewGate(max int64) *Gate {
	return &Gate{max: max}
}

// Acquire takes a slot when one is free.
func (g *Gate) Acquire(_ context.Context) (bool, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.inUse >= g.max {
		return false, nil
	}
	g.inUse++
	return true, nil
}

// Release returns a slot, flooring the count at zero.
func (g *Gate) Release(_ context.Context) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.inUse > 0 {
		g.inUse--
	}
	return nil
}

// InUse reports the number of slots currently held.
func (g *Gate) InUse(_ context.Context) (int64, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.inUse, nil
}

// Lease is an in-memory watchdog lease.
type Lease struct {
	mu     sync.Mutex
	holder string
	until  time.Time
}

// NewLease creates an unheld lease.
func NewLease() *Lease {
	return &Lease{}
}

// Acquire takes or renews the lease for the holder.
func (l *Lease) Acquire(_ context.Context, holder string, ttl time.Duration) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := time.Now()
	if l.holder != "" && l.holder != holder && now.Before(l.until) {
		return false, nil
	}
	l.holder = holder
	l.until = now.Add(ttl)
	return true, nil
}

// Release gives the lease up if the holder still owns it.
func (l *Lease) Release(_ context.Context, holder string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.holder == holder {
		l.holder = ""
		l.until = time.Time{}
	}
	return nil
}
