package notify

import "context"

// Bus publishes job state changes and delivers them to per-owner
// subscriptions. Implementations decide the reach: the in-process
// [Broker] covers a single instance, while the Redis and AMQP buses
// fan events out across the fleet.
//
// Delivery is best-effort. A subscriber that cannot keep up has events
// dropped rather than blocking the publisher; the job record in the
// store remains the source of truth.
type Bus interface {
	// Publish sends an event on the owner's topic.
	Publish(ctx context.Context, evt Event) error

	// Subscribe opens a subscription to all events for the given owner.
	// The caller must Close the subscription when done.
	Subscribe(ctx context.Context, owner string) (Subscription, error)

	// Close tears down the bus and closes all subscriptions.
	Close() error
}

// Subscription is one owner's live event feed.
type Subscription interface {
	// C returns the event channel. It is closed when the subscription
	// ends, whether by Close or by the bus shutting down.
	C() <-chan Event

	// Close ends the subscription and releases its resources.
	// Safe to call more than once.
	Close() error
}
