package notify

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
)

// Compile-time interface check.
var _ Bus = (*Broker)(nil)

// DefaultBufferSize is the default per-subscription event buffer.
const DefaultBufferSize = 64

// Broker is an in-process Bus. Events published on an instance reach
// only subscriptions on that same instance, which makes it suitable for
// single-node deployments and tests. Multi-instance deployments use the
// Redis or AMQP bus instead.
type Broker struct {
	logger *slog.Logger

	mu     sync.RWMutex
	owners map[string]map[string]*brokerSub // owner → subID → sub
	closed bool

	totalPublished atomic.Int64
	totalDropped   atomic.Int64

	bufferSize int
}

// BrokerOption configures a Broker.
type BrokerOption func(*Broker)

// WithBufferSize sets the per-subscription event buffer size.
func WithBufferSize(size int) BrokerOption {
	return func(b *Broker) { b.bufferSize = size }
}

// NewBroker creates an in-process notification broker. A nil logger
// falls back to slog.Default.
func NewBroker(logger *slog.Logger, opts ...BrokerOption) *Broker {
	if logger == nil {
		logger = slog.Default()
	}
	b := &Broker{
		logger:     logger,
		owners:     make(map[string]map[string]*brokerSub),
		bufferSize: DefaultBufferSize,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Publish delivers the event to every live subscription on the event's
// owner topic. Subscriptions with a full buffer have the event dropped.
func (b *Broker) Publish(_ context.Context, evt Event) error {
	b.mu.RLock()
	subs := b.owners[evt.Owner]
	// Copy to avoid holding the lock during send.
	targets := make([]*brokerSub, 0, len(subs))
	for _, s := range subs {
		targets = append(targets, s)
	}
	b.mu.RUnlock()

	for _, s := range targets {
		if s.send(evt) {
			b.totalPublished.Add(1)
		} else {
			b.totalDropped.Add(1)
			b.logger.Warn("notification dropped",
				slog.String("owner", evt.Owner),
				slog.String("job_id", evt.JobID.String()),
			)
		}
	}
	return nil
}

// Subscribe opens a subscription on the owner's topic.
func (b *Broker) Subscribe(_ context.Context, owner string) (Subscription, error) {
	sub := &brokerSub{
		id:     uuid.NewString(),
		owner:  owner,
		ch:     make(chan Event, b.bufferSize),
		broker: b,
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		sub.closeChan()
		return sub, nil
	}
	subs, ok := b.owners[owner]
	if !ok {
		subs = make(map[string]*brokerSub)
		b.owners[owner] = subs
	}
	subs[sub.id] = sub
	return sub, nil
}

// Close shuts the broker down and closes every subscription.
func (b *Broker) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	for owner, subs := range b.owners {
		for _, s := range subs {
			s.closeChan()
		}
		delete(b.owners, owner)
	}
	return nil
}

// SubscriberCount returns the number of live subscriptions for an owner.
func (b *Broker) SubscriberCount(owner string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.owners[owner])
}

// Stats returns broker counters.
func (b *Broker) Stats() BrokerStats {
	b.mu.RLock()
	owners := len(b.owners)
	subs := 0
	for _, m := range b.owners {
		subs += len(m)
	}
	b.mu.RUnlock()
	return BrokerStats{
		OwnerCount:      owners,
		SubscriberCount: subs,
		TotalPublished:  b.totalPublished.Load(),
		TotalDropped:    b.totalDropped.Load(),
	}
}

// BrokerStats contains broker counters.
type BrokerStats struct {
	OwnerCount      int   `json:"owner_count"`
	SubscriberCount int   `json:"subscriber_count"`
	TotalPublished  int64 `json:"total_published"`
	TotalDropped    int64 `json:"total_dropped"`
}

// remove detaches a subscription and cleans up its owner topic when empty.
func (b *Broker) remove(sub *brokerSub) {
	b.mu.Lock()
	defer b.mu.Unlock()
	subs, ok := b.owners[sub.owner]
	if !ok {
		return
	}
	delete(subs, sub.id)
	if len(subs) == 0 {
		delete(b.owners, sub.owner)
	}
}

type brokerSub struct {
	id     string
	owner  string
	broker *Broker

	// mu serializes sends against close so a publish racing the last
	// unsubscribe can never hit a closed channel.
	mu     sync.Mutex
	ch     chan Event
	closed bool
}

func (s *brokerSub) C() <-chan Event { return s.ch }

func (s *brokerSub) Close() error {
	s.broker.remove(s)
	s.closeChan()
	return nil
}

// send attempts a non-blocking delivery. Returns false when the
// subscription is closed or its buffer is full.
func (s *brokerSub) send(evt Event) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	select {
	case s.ch <- evt:
		return true
	default:
		return false
	}
}

func (s *brokerSub) closeChan() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	close(s.ch)
}
