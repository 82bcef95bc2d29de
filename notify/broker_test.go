package notify_test

import (
	"context"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/easelworks/easel/id"
	"github.com/easelworks/easel/job"
	"github.com/easelworks/easel/notify"
)

func newBroker(t *testing.T, opts ...notify.BrokerOption) *notify.Broker {
	t.Helper()
	b := notify.NewBroker(slog.Default(), opts...)
	t.Cleanup(func() { _ = b.Close() })
	return b
}

func eventFor(owner string, state job.State) notify.Event {
	return notify.NewEvent(&job.Job{
		ID:    id.NewJobID(),
		Owner: owner,
		State: state,
	})
}

func recv(t *testing.T, sub notify.Subscription) notify.Event {
	t.Helper()
	select {
	case evt, ok := <-sub.C():
		if !ok {
			t.Fatal("subscription channel closed")
		}
		return evt
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for event")
	}
	return notify.Event{}
}

func TestBroker_DeliversToOwner(t *testing.T) {
	b := newBroker(t)
	ctx := context.Background()

	sub, err := b.Subscribe(ctx, "user-1")
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer sub.Close()

	want := eventFor("user-1", job.StateCompleted)
	if err := b.Publish(ctx, want); err != nil {
		t.Fatalf("publish: %v", err)
	}

	got := recv(t, sub)
	if got.JobID != want.JobID {
		t.Errorf("job ID = %v, want %v", got.JobID, want.JobID)
	}
	if got.State != job.StateCompleted {
		t.Errorf("state = %v, want %v", got.State, job.StateCompleted)
	}
}

func TestBroker_OwnerIsolation(t *testing.T) {
	b := newBroker(t)
	ctx := context.Background()

	subA, _ := b.Subscribe(ctx, "user-a")
	subB, _ := b.Subscribe(ctx, "user-b")
	defer subA.Close()
	defer subB.Close()

	_ = b.Publish(ctx, eventFor("user-a", job.StateQueued))

	recv(t, subA)

	select {
	case evt := <-subB.C():
		t.Fatalf("user-b received user-a's event: %+v", evt)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestBroker_MultipleSubscriptionsForOneOwner(t *testing.T) {
	b := newBroker(t)
	ctx := context.Background()

	sub1, _ := b.Subscribe(ctx, "user-1")
	sub2, _ := b.Subscribe(ctx, "user-1")
	defer sub1.Close()
	defer sub2.Close()

	_ = b.Publish(ctx, eventFor("user-1", job.StateProcessing))

	recv(t, sub1)
	recv(t, sub2)
}

func TestBroker_DropsWhenBufferFull(t *testing.T) {
	b := newBroker(t, notify.WithBufferSize(1))
	ctx := context.Background()

	sub, _ := b.Subscribe(ctx, "user-1")
	defer sub.Close()

	// Nothing draining the channel: the second publish must be dropped,
	// not block.
	_ = b.Publish(ctx, eventFor("user-1", job.StateQueued))
	_ = b.Publish(ctx, eventFor("user-1", job.StateProcessing))

	stats := b.Stats()
	if stats.TotalPublished != 1 {
		t.Errorf("TotalPublished = %d, want 1", stats.TotalPublished)
	}
	if stats.TotalDropped != 1 {
		t.Errorf("TotalDropped = %d, want 1", stats.TotalDropped)
	}
}

func TestBroker_CloseSubscriptionCleansUpOwner(t *testing.T) {
	b := newBroker(t)
	ctx := context.Background()

	sub, _ := b.Subscribe(ctx, "user-1")
	if got := b.SubscriberCount("user-1"); got != 1 {
		t.Fatalf("SubscriberCount = %d, want 1", got)
	}

	if err := sub.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if got := b.SubscriberCount("user-1"); got != 0 {
		t.Errorf("SubscriberCount after close = %d, want 0", got)
	}

	if _, ok := <-sub.C(); ok {
		t.Error("expected closed channel after Close")
	}
}

func TestBroker_CloseIsIdempotent(t *testing.T) {
	b := notify.NewBroker(slog.Default())
	sub, _ := b.Subscribe(context.Background(), "user-1")

	if err := b.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if err := b.Close(); err != nil {
		t.Fatalf("second close: %v", err)
	}
	if err := sub.Close(); err != nil {
		t.Fatalf("sub close after broker close: %v", err)
	}
}

func TestBroker_PublishAfterCloseIsNoOp(t *testing.T) {
	b := notify.NewBroker(slog.Default())
	_ = b.Close()

	if err := b.Publish(context.Background(), eventFor("user-1", job.StateQueued)); err != nil {
		t.Fatalf("publish after close: %v", err)
	}
}

func TestBroker_PublishRacesUnsubscribe(t *testing.T) {
	b := newBroker(t, notify.WithBufferSize(1))
	ctx := context.Background()
	evt := eventFor("user-1", job.StateQueued)

	// A publish landing between the unsubscribe check and the channel
	// close used to be able to hit a closed channel. Interleave the two
	// aggressively; any regression panics.
	for range 500 {
		sub, err := b.Subscribe(ctx, "user-1")
		if err != nil {
			t.Fatalf("Subscribe() error = %v", err)
		}

		var wg sync.WaitGroup
		wg.Add(2)
		go func() {
			defer wg.Done()
			for range 20 {
				_ = b.Publish(ctx, evt)
			}
		}()
		go func() {
			defer wg.Done()
			_ = sub.Close()
		}()
		wg.Wait()

		// Drain anything buffered before the close; the closed channel
		// ends the loop.
		for range sub.C() {
		}
	}
}
