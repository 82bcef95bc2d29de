package redis

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"sync/atomic"

	goredis "github.com/redis/go-redis/v9"

	"github.com/easelworks/easel/notify"
)

// Compile-time interface check.
var _ notify.Bus = (*Bus)(nil)

// Bus is a fleet-wide notification bus on Redis pub/sub. Each owner's
// events go over the channel easel:notify:{owner}, so an event
// published by any instance reaches subscribers on every instance.
type Bus struct {
	client *goredis.Client
	logger *slog.Logger

	mu     sync.Mutex
	subs   map[*busSub]struct{}
	closed bool
}

// NewBus creates a pub/sub notification bus on the given client.
func NewBus(client *goredis.Client, logger *slog.Logger) *Bus {
	return &Bus{
		client: client,
		logger: logger,
		subs:   make(map[*busSub]struct{}),
	}
}

// Publish sends the event on its owner's channel.
func (b *Bus) Publish(ctx context.Context, evt notify.Event) error {
	body, err := json.Marshal(evt)
	if err != nil {
		return wrapErr("marshal event", err)
	}
	if err := b.client.Publish(ctx, notifyChannel(evt.Owner), body).Err(); err != nil {
		return wrapErr("publish event", err)
	}
	return nil
}

// Subscribe opens a pub/sub subscription on the owner's channel.
func (b *Bus) Subscribe(ctx context.Context, owner string) (notify.Subscription, error) {
	ps := b.client.Subscribe(ctx, notifyChannel(owner))
	// Force the subscribe round-trip so a publish immediately after
	// Subscribe returns is not missed.
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return nil, wrapErr("subscribe", err)
	}

	sub := &busSub{
		bus: b,
		ps:  ps,
		out: make(chan notify.Event, notify.DefaultBufferSize),
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		_ = ps.Close()
		return nil, wrapErr("subscribe", context.Canceled)
	}
	b.subs[sub] = struct{}{}
	b.mu.Unlock()

	go sub.pump(owner)
	return sub, nil
}

// Close shuts the bus down and closes every subscription.
func (b *Bus) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	subs := make([]*busSub, 0, len(b.subs))
	for s := range b.subs {
		subs = append(subs, s)
	}
	b.subs = make(map[*busSub]struct{})
	b.mu.Unlock()

	for _, s := range subs {
		_ = s.Close()
	}
	return nil
}

func (b *Bus) remove(sub *busSub) {
	b.mu.Lock()
	delete(b.subs, sub)
	b.mu.Unlock()
}

type busSub struct {
	bus    *Bus
	ps     *goredis.PubSub
	out    chan notify.Event
	closed atomic.Bool
}

func (s *busSub) C() <-chan notify.Event { return s.out }

// pump decodes pub/sub messages onto the subscription channel until the
// underlying PubSub closes. Delivery is non-blocking; a full buffer
// drops the event.
func (s *busSub) pump(owner string) {
	defer func() {
		if s.closed.CompareAndSwap(false, true) {
			close(s.out)
		}
	}()
	for msg := range s.ps.Channel() {
		var evt notify.Event
		if err := json.Unmarshal([]byte(msg.Payload), &evt); err != nil {
			s.bus.logger.Warn("discarding malformed notification",
				slog.String("owner", owner),
				slog.String("error", err.Error()),
			)
			continue
		}
		select {
		case s.out <- evt:
		default:
			s.bus.logger.Warn("notification dropped",
				slog.String("owner", owner),
				slog.String("job_id", evt.JobID.String()),
			)
		}
	}
}

func (s *busSub) Close() error {
	s.bus.remove(s)
	// Closing the PubSub ends Channel(), which lets pump close out.
	return s.ps.Close()
}
