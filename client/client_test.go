package client_test

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/easelworks/easel/api"
	"github.com/easelworks/easel/client"
	"github.com/easelworks/easel/conn"
	"github.com/easelworks/easel/id"
	"github.com/easelworks/easel/job"
	"github.com/easelworks/easel/notify"
	"github.com/easelworks/easel/registry"
	"github.com/easelworks/easel/store/memory"
)

func newClient(t *testing.T) (*client.Client, *registry.Registry) {
	c, reg, _ := newClientServer(t)
	return c, reg
}

func newClientServer(t *testing.T) (*client.Client, *registry.Registry, string) {
	t.Helper()
	logger := slog.Default()

	broker := notify.NewBroker(logger)
	t.Cleanup(func() { broker.Close() })

	reg, err := registry.New(memory.New(), memory.NewGate(4), broker)
	if err != nil {
		t.Fatalf("registry.New() error = %v", err)
	}

	dir := conn.NewDirectory(broker, logger)
	t.Cleanup(func() { dir.Close() })

	auth := conn.NewAPIKeyAuthenticator()
	auth.SetKey("user-1", "sk-alpha")

	srv := httptest.NewServer(api.New(reg, dir, auth, logger).Router())
	t.Cleanup(srv.Close)

	c := client.New(srv.URL,
		client.WithToken("sk-alpha"),
		client.WithPollInterval(5*time.Millisecond),
	)
	return c, reg, srv.URL
}

func submitReq() api.SubmitJobRequest {
	return api.SubmitJobRequest{
		InputRef: "uploads/user-1/photo.png",
		Style:    "pencil",
		Method:   "basic",
	}
}

func TestSubmitAndStatus(t *testing.T) {
	c, _ := newClient(t)
	ctx := context.Background()

	created, err := c.Submit(ctx, submitReq())
	if err != nil {
		t.Fatalf("Submit() error = %v", err)
	}
	if created.State != job.StateQueued {
		t.Errorf("State = %q, want %q", created.State, job.StateQueued)
	}

	got, err := c.GetStatus(ctx, created.ID)
	if err != nil {
		t.Fatalf("GetStatus() error = %v", err)
	}
	if got.ID != created.ID {
		t.Errorf("GetStatus returned job %s, want %s", got.ID, created.ID)
	}
}

func TestGetStatus_NotFound(t *testing.T) {
	c, _ := newClient(t)

	_, err := c.GetStatus(context.Background(), id.NewJobID())
	var apiErr *client.APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("GetStatus() error = %v, want *APIError", err)
	}
	if apiErr.StatusCode != http.StatusNotFound {
		t.Errorf("StatusCode = %d, want %d", apiErr.StatusCode, http.StatusNotFound)
	}
}

func TestCancel(t *testing.T) {
	c, _ := newClient(t)
	ctx := context.Background()

	created, err := c.Submit(ctx, submitReq())
	if err != nil {
		t.Fatalf("Submit() error = %v", err)
	}

	cancelled, err := c.Cancel(ctx, created.ID)
	if err != nil {
		t.Fatalf("Cancel() error = %v", err)
	}
	if cancelled.State != job.StateCancelled {
		t.Errorf("State = %q, want %q", cancelled.State, job.StateCancelled)
	}
}

func TestList(t *testing.T) {
	c, _ := newClient(t)
	ctx := context.Background()

	for range 3 {
		if _, err := c.Submit(ctx, submitReq()); err != nil {
			t.Fatalf("Submit() error = %v", err)
		}
	}

	jobs, err := c.List(ctx, job.ListOpts{State: job.StateQueued})
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	if len(jobs) != 3 {
		t.Errorf("got %d jobs, want 3", len(jobs))
	}
}

func TestWaitForResult(t *testing.T) {
	c, reg := newClient(t)
	ctx := context.Background()

	created, err := c.Submit(ctx, submitReq())
	if err != nil {
		t.Fatalf("Submit() error = %v", err)
	}

	// A worker finishes the job while the client polls.
	go func() {
		workerID := id.NewWorkerID()
		if _, err := reg.Claim(ctx, created.ID, workerID); err != nil {
			return
		}
		time.Sleep(20 * time.Millisecond)
		//nolint:errcheck // test worker, the poll assertion catches misses
		reg.Complete(ctx, created.ID, workerID, "results/user-1/photo.png")
	}()

	waitCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	done, err := c.WaitForResult(waitCtx, created.ID)
	if err != nil {
		t.Fatalf("WaitForResult() error = %v", err)
	}
	if done.State != job.StateCompleted {
		t.Errorf("State = %q, want %q", done.State, job.StateCompleted)
	}
	if done.ResultRef != "results/user-1/photo.png" {
		t.Errorf("ResultRef = %q", done.ResultRef)
	}
}

func TestSubscribe(t *testing.T) {
	c, _ := newClient(t)
	ctx := context.Background()

	sub, err := c.Subscribe(ctx)
	if err != nil {
		t.Fatalf("Subscribe() error = %v", err)
	}
	defer sub.Close()

	created, err := c.Submit(ctx, submitReq())
	if err != nil {
		t.Fatalf("Submit() error = %v", err)
	}

	select {
	case evt := <-sub.C():
		if evt.JobID != created.ID {
			t.Errorf("event JobID = %s, want %s", evt.JobID, created.ID)
		}
		if evt.State != job.StateQueued {
			t.Errorf("event State = %q, want %q", evt.State, job.StateQueued)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for event")
	}
}

func TestSubscribe_BadToken(t *testing.T) {
	_, _, url := newClientServer(t)

	wrong := client.New(url, client.WithToken("sk-wrong"))
	if _, err := wrong.Subscribe(context.Background()); err == nil {
		t.Fatal("Subscribe() with a bad token should fail")
	}
}

func TestStats(t *testing.T) {
	c, _ := newClient(t)
	ctx := context.Background()

	if _, err := c.Submit(ctx, submitReq()); err != nil {
		t.Fatalf("Submit() error = %v", err)
	}

	stats, err := c.Stats(ctx)
	if err != nil {
		t.Fatalf("Stats() error = %v", err)
	}
	if stats.Total != 1 {
		t.Errorf("Total = %d, want 1", stats.Total)
	}
	if stats.States[job.StateQueued] != 1 {
		t.Errorf("queued = %d, want 1", stats.States[job.StateQueued])
	}
}
