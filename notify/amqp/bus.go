// Package amqp implements a fleet-wide notification bus on RabbitMQ.
//
// Events are published to a direct exchange with the owner as the
// routing key. Each subscription declares an exclusive auto-delete
// queue bound to its owner's routing key, so every instance with a
// watcher for that owner receives every event, regardless of which
// instance published it.
package amqp

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/easelworks/easel/notify"
)

// Compile-time interface check.
var _ notify.Bus = (*Bus)(nil)

// DefaultExchange is the exchange notifications are published to.
const DefaultExchange = "easel.notifications"

// Bus is a notify.Bus backed by a RabbitMQ direct exchange.
type Bus struct {
	conn     *amqp.Connection
	ch       *amqp.Channel
	exchange string
	logger   *slog.Logger

	mu     sync.Mutex
	subs   map[string]*subscription // queue name → subscription
	closed bool
}

// Option configures a Bus.
type Option func(*Bus)

// WithExchange overrides the exchange name.
func WithExchange(name string) Option {
	return func(b *Bus) { b.exchange = name }
}

// Dial connects to RabbitMQ and declares the notification exchange.
func Dial(url string, logger *slog.Logger, opts ...Option) (*Bus, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("easel/amqp: dial: %w", err)
	}
	bus, err := New(conn, logger, opts...)
	if err != nil {
		_ = conn.Close()
		return nil, err
	}
	return bus, nil
}

// New builds a Bus on an existing connection. The Bus owns a channel on
// the connection but not the connection itself unless created via Dial.
func New(conn *amqp.Connection, logger *slog.Logger, opts ...Option) (*Bus, error) {
	ch, err := conn.Channel()
	if err != nil {
		return nil, fmt.Errorf("easel/amqp: open channel: %w", err)
	}

	b := &Bus{
		conn:     conn,
		ch:       ch,
		exchange: DefaultExchange,
		logger:   logger,
		subs:     make(map[string]*subscription),
	}
	for _, opt := range opts {
		opt(b)
	}

	if err := ch.ExchangeDeclare(
		b.exchange,
		"direct",
		true,  // durable
		false, // auto-delete
		false, // internal
		false, // no-wait
		nil,
	); err != nil {
		_ = ch.Close()
		return nil, fmt.Errorf("easel/amqp: declare exchange: %w", err)
	}
	return b, nil
}

// Publish sends the event to the exchange with the owner as routing key.
func (b *Bus) Publish(ctx context.Context, evt notify.Event) error {
	body, err := json.Marshal(evt)
	if err != nil {
		return fmt.Errorf("easel/amqp: marshal event: %w", err)
	}
	err = b.ch.PublishWithContext(ctx,
		b.exchange,
		evt.Owner, // routing key
		false,     // mandatory
		false,     // immediate
		amqp.Publishing{
			ContentType: "application/json",
			Body:        body,
		},
	)
	if err != nil {
		return fmt.Errorf("easel/amqp: publish event: %w", err)
	}
	return nil
}

// Subscribe declares an exclusive queue bound to the owner's routing key
// and starts consuming it.
func (b *Bus) Subscribe(ctx context.Context, owner string) (notify.Subscription, error) {
	// Each subscription gets its own channel so QoS and consume state
	// stay independent of the publish channel.
	ch, err := b.conn.Channel()
	if err != nil {
		return nil, fmt.Errorf("easel/amqp: open channel: %w", err)
	}

	q, err := ch.QueueDeclare(
		"",    // server-generated name
		false, // durable
		true,  // auto-delete
		true,  // exclusive
		false, // no-wait
		nil,
	)
	if err != nil {
		_ = ch.Close()
		return nil, fmt.Errorf("easel/amqp: declare queue: %w", err)
	}

	if err := ch.QueueBind(q.Name, owner, b.exchange, false, nil); err != nil {
		_ = ch.Close()
		return nil, fmt.Errorf("easel/amqp: bind queue: %w", err)
	}

	msgs, err := ch.Consume(
		q.Name,
		"",    // consumer tag
		true,  // auto-ack
		true,  // exclusive
		false, // no-local
		false, // no-wait
		nil,
	)
	if err != nil {
		_ = ch.Close()
		return nil, fmt.Errorf("easel/amqp: consume: %w", err)
	}

	sub := &subscription{
		bus:   b,
		ch:    ch,
		queue: q.Name,
		out:   make(chan notify.Event, notify.DefaultBufferSize),
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		_ = ch.Close()
		return nil, fmt.Errorf("easel/amqp: bus closed")
	}
	b.subs[q.Name] = sub
	b.mu.Unlock()

	go sub.pump(ctx, msgs)
	return sub, nil
}

// Close shuts the bus down and closes all subscriptions.
func (b *Bus) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	subs := make([]*subscription, 0, len(b.subs))
	for _, s := range b.subs {
		subs = append(subs, s)
	}
	b.subs = make(map[string]*subscription)
	b.mu.Unlock()

	for _, s := range subs {
		_ = s.Close()
	}
	if err := b.ch.Close(); err != nil {
		_ = b.conn.Close()
		return fmt.Errorf("easel/amqp: close channel: %w", err)
	}
	return b.conn.Close()
}

func (b *Bus) remove(queue string) {
	b.mu.Lock()
	delete(b.subs, queue)
	b.mu.Unlock()
}

type subscription struct {
	bus    *Bus
	ch     *amqp.Channel
	queue  string
	out    chan notify.Event
	closed atomic.Bool
}

func (s *subscription) C() <-chan notify.Event { return s.out }

// pump decodes deliveries onto the subscription channel until the
// consume channel or the context ends.
func (s *subscription) pump(ctx context.Context, msgs <-chan amqp.Delivery) {
	defer func() {
		if s.closed.CompareAndSwap(false, true) {
			close(s.out)
		}
	}()
	for {
		select {
		case msg, ok := <-msgs:
			if !ok {
				return
			}
			var evt notify.Event
			if err := json.Unmarshal(msg.Body, &evt); err != nil {
				s.bus.logger.Warn("discarding malformed notification",
					slog.String("queue", s.queue),
					slog.String("error", err.Error()),
				)
				continue
			}
			select {
			case s.out <- evt:
			case <-ctx.Done():
				return
			}
		case <-ctx.Done():
			return
		}
	}
}

func (s *subscription) Close() error {
	s.bus.remove(s.queue)
	// Closing the channel ends the consume stream, which lets pump
	// close the out channel.
	return s.ch.Close()
}
