package worker_test

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/easelworks/easel/id"
	"github.com/easelworks/easel/job"
	"github.com/easelworks/easel/registry"
	"github.com/easelworks/easel/store/memory"
	"github.com/easelworks/easel/worker"
)

// crashedJob simulates a worker that claimed a job, took a fleet slot,
// and died: the job sits in processing with a held slot and nobody to
// report a terminal state.
func crashedJob(t *testing.T, reg *registry.Registry, g *memory.Gate) *job.Job {
	t.Helper()
	ctx := context.Background()

	j := submit(t, reg, "user-1")
	claimed, err := reg.Claim(ctx, j.ID, id.NewWorkerID())
	if err != nil {
		t.Fatalf("Claim() error = %v", err)
	}
	if ok, _ := g.Acquire(ctx); !ok {
		t.Fatal("gate should have a free slot")
	}
	return claimed
}

func TestWatchdog_ReclaimsCrashedWorkerJob(t *testing.T) {
	g := memory.NewGate(1)
	reg, err := registry.New(memory.New(), g, nil, registry.WithDefaultTimeout(time.Millisecond))
	if err != nil {
		t.Fatalf("registry.New() error = %v", err)
	}
	j := crashedJob(t, reg, g)

	w := worker.NewWatchdog(reg, memory.NewLease(), "instance-1", slog.Default(),
		worker.WithInterval(10*time.Millisecond),
		worker.WithGrace(0),
	)
	if err := w.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	defer w.Stop(context.Background())

	waitForState(t, reg, j.ID, job.StateTimedOut)
	if n, _ := g.InUse(context.Background()); n != 0 {
		t.Errorf("InUse() = %d after reclaim, want 0", n)
	}

	got, _ := reg.Get(context.Background(), j.ID)
	if got.ErrorSummary == "" {
		t.Error("timed out job should carry an error summary")
	}
}

func TestWatchdog_OnlyLeaseHolderSweeps(t *testing.T) {
	g := memory.NewGate(1)
	reg, err := registry.New(memory.New(), g, nil, registry.WithDefaultTimeout(time.Millisecond))
	if err != nil {
		t.Fatalf("registry.New() error = %v", err)
	}
	j := crashedJob(t, reg, g)

	// Another instance holds the scanner lease for the whole test.
	lease := memory.NewLease()
	if ok, _ := lease.Acquire(context.Background(), "instance-other", time.Minute); !ok {
		t.Fatal("lease should be free")
	}

	w := worker.NewWatchdog(reg, lease, "instance-1", slog.Default(),
		worker.WithInterval(5*time.Millisecond),
		worker.WithGrace(0),
	)
	if err := w.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	defer w.Stop(context.Background())

	time.Sleep(50 * time.Millisecond)
	got, _ := reg.Get(context.Background(), j.ID)
	if got.State != job.StateProcessing {
		t.Errorf("State = %q, a non-holder must not sweep", got.State)
	}
}

func TestWatchdog_LeavesHealthyJobsAlone(t *testing.T) {
	g := memory.NewGate(1)
	reg, err := registry.New(memory.New(), g, nil)
	if err != nil {
		t.Fatalf("registry.New() error = %v", err)
	}
	// Default five-minute timeout: nowhere near overdue.
	j := crashedJob(t, reg, g)

	w := worker.NewWatchdog(reg, memory.NewLease(), "instance-1", slog.Default(),
		worker.WithInterval(5*time.Millisecond),
		worker.WithGrace(time.Minute),
	)
	if err := w.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	defer w.Stop(context.Background())

	time.Sleep(50 * time.Millisecond)
	got, _ := reg.Get(context.Background(), j.ID)
	if got.State != job.StateProcessing {
		t.Errorf("State = %q, healthy processing jobs must not be touched", got.State)
	}
}
