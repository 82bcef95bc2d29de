// Package conn tracks the live client connections of a single
// instance and forwards notification events to them. Each instance
// keeps its own directory; the bus carries events between instances and
// the directory delivers them to whoever is connected locally.
package conn

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/easelworks/easel/notify"
)

// ErrDirectoryClosed is returned by Register after Close.
var ErrDirectoryClosed = errors.New("conn: directory closed")

// Conn is one delivery target, typically a websocket. Send must not
// block indefinitely; an error drops the connection from the directory.
type Conn interface {
	Send(evt notify.Event) error
	Close() error
}

// Directory maps owners to their open connections. The first
// connection for an owner subscribes the owner's topic on the bus and
// starts a pump goroutine; the last one to leave closes the
// subscription again, so an instance only listens for owners it
// actually serves.
type Directory struct {
	bus    notify.Bus
	logger *slog.Logger

	mu     sync.Mutex
	owners map[string]*ownerEntry
	closed bool

	wg sync.WaitGroup
}

type ownerEntry struct {
	conns map[string]Conn
	sub   notify.Subscription
}

// NewDirectory creates a Directory delivering from the given bus.
func NewDirectory(bus notify.Bus, logger *slog.Logger) *Directory {
	return &Directory{
		bus:    bus,
		logger: logger,
		owners: make(map[string]*ownerEntry),
	}
}

// Register adds a connection for the owner and returns its id. The
// connection starts receiving the owner's events immediately.
func (d *Directory) Register(ctx context.Context, owner string, c Conn) (string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed {
		return "", ErrDirectoryClosed
	}

	entry, ok := d.owners[owner]
	if !ok {
		sub, err := d.bus.Subscribe(ctx, owner)
		if err != nil {
			return "", err
		}
		entry = &ownerEntry{
			conns: make(map[string]Conn),
			sub:   sub,
		}
		d.owners[owner] = entry

		d.wg.Add(1)
		go d.pump(owner, entry)

		d.logger.Debug("subscribed owner topic", slog.String("owner", owner))
	}

	connID := uuid.NewString()
	entry.conns[connID] = c

	d.logger.Info("connection registered",
		slog.String("owner", owner),
		slog.String("conn_id", connID),
		slog.Int("owner_conns", len(entry.conns)),
	)
	return connID, nil
}

// Unregister removes a connection. When it was the owner's last one the
// topic subscription is closed.
func (d *Directory) Unregister(owner, connID string) {
	d.mu.Lock()
	entry, ok := d.owners[owner]
	if !ok {
		d.mu.Unlock()
		return
	}
	c, had := entry.conns[connID]
	delete(entry.conns, connID)
	last := len(entry.conns) == 0
	if last {
		delete(d.owners, owner)
	}
	d.mu.Unlock()

	if had {
		_ = c.Close()
	}
	if last {
		// Closing the subscription ends the pump goroutine.
		if err := entry.sub.Close(); err != nil {
			d.logger.Warn("failed to close owner subscription",
				slog.String("owner", owner),
				slog.String("error", err.Error()),
			)
		}
		d.logger.Debug("unsubscribed owner topic", slog.String("owner", owner))
	}
}

// ConnCount returns the number of live connections for an owner.
func (d *Directory) ConnCount(owner string) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	entry, ok := d.owners[owner]
	if !ok {
		return 0
	}
	return len(entry.conns)
}

// Close drops every connection and subscription.
func (d *Directory) Close() error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil
	}
	d.closed = true
	owners := d.owners
	d.owners = make(map[string]*ownerEntry)
	d.mu.Unlock()

	for _, entry := range owners {
		_ = entry.sub.Close()
		for _, c := range entry.conns {
			_ = c.Close()
		}
	}
	d.wg.Wait()
	return nil
}

// pump forwards the owner's bus events to every registered connection.
// A connection whose Send fails is dropped.
func (d *Directory) pump(owner string, entry *ownerEntry) {
	defer d.wg.Done()

	for evt := range entry.sub.C() {
		d.mu.Lock()
		targets := make(map[string]Conn, len(entry.conns))
		for connID, c := range entry.conns {
			targets[connID] = c
		}
		d.mu.Unlock()

		for connID, c := range targets {
			if err := c.Send(evt); err != nil {
				d.logger.Warn("dropping unresponsive connection",
					slog.String("owner", owner),
					slog.String("conn_id", connID),
					slog.String("error", err.Error()),
				)
				d.Unregister(owner, connID)
			}
		}
	}
}
