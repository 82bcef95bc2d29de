package engine_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/easelworks/easel"
	"github.com/easelworks/easel/engine"
	"github.com/easelworks/easel/id"
	"github.com/easelworks/easel/job"
	"github.com/easelworks/easel/process"
	"github.com/easelworks/easel/store/memory"
)

func noopProcess(_ context.Context, p job.Payload) (string, error) {
	return "results/" + p.InputRef, nil
}

func fastConfig() easel.Config {
	cfg := easel.DefaultConfig()
	cfg.PollInterval = 10 * time.Millisecond
	cfg.WatchdogInterval = 10 * time.Millisecond
	cfg.ClaimRate = 0
	return cfg
}

func newEngine(t *testing.T, proc process.Func, cfg easel.Config) *engine.Engine {
	t.Helper()
	eng, err := engine.New(
		engine.WithStore(memory.New()),
		engine.WithGate(memory.NewGate(int64(cfg.MaxConcurrency))),
		engine.WithProcess(proc),
		engine.WithConfig(cfg),
	)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		eng.Stop(ctx)
	})
	return eng
}

func TestNew_Validation(t *testing.T) {
	store := memory.New()
	g := memory.NewGate(1)

	if _, err := engine.New(engine.WithGate(g), engine.WithProcess(noopProcess)); !errors.Is(err, easel.ErrNoStore) {
		t.Errorf("missing store error = %v, want ErrNoStore", err)
	}
	if _, err := engine.New(engine.WithStore(store), engine.WithProcess(noopProcess)); !errors.Is(err, easel.ErrNoGate) {
		t.Errorf("missing gate error = %v, want ErrNoGate", err)
	}
	if _, err := engine.New(engine.WithStore(store), engine.WithGate(g)); !errors.Is(err, easel.ErrNoProcess) {
		t.Errorf("missing process error = %v, want ErrNoProcess", err)
	}

	bad := easel.DefaultConfig()
	bad.MaxConcurrency = 0
	if _, err := engine.New(
		engine.WithStore(store),
		engine.WithGate(g),
		engine.WithProcess(noopProcess),
		engine.WithConfig(bad),
	); err == nil {
		t.Error("invalid config should be rejected")
	}
}

func TestEngine_EndToEnd(t *testing.T) {
	eng := newEngine(t, noopProcess, fastConfig())
	ctx := context.Background()

	if err := eng.Start(ctx); err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	reg := eng.Registry()
	j, err := reg.Create(ctx, id.NewJobID(), "user-1", job.Payload{
		InputRef: "uploads/user-1/photo.png",
		Style:    job.StyleWatercolor,
		Method:   job.MethodArtistic,
	})
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	if _, err := reg.Enqueue(ctx, j.ID); err != nil {
		t.Fatalf("Enqueue() error = %v", err)
	}

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		got, err := reg.Get(ctx, j.ID)
		if err != nil {
			t.Fatalf("Get() error = %v", err)
		}
		if got.State == job.StateCompleted {
			if got.ResultRef != "results/uploads/user-1/photo.png" {
				t.Errorf("ResultRef = %q", got.ResultRef)
			}
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("job never completed")
}

func TestEngine_WatchdogRecoversAbandonedJob(t *testing.T) {
	cfg := fastConfig()
	cfg.JobTimeout = 20 * time.Millisecond
	cfg.WatchdogGrace = 0

	eng := newEngine(t, noopProcess, cfg)
	ctx := context.Background()

	reg := eng.Registry()
	j, err := reg.Create(ctx, id.NewJobID(), "user-1", job.Payload{
		InputRef: "uploads/user-1/photo.png",
		Style:    job.StylePencil,
		Method:   job.MethodBasic,
	})
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	if _, err := reg.Enqueue(ctx, j.ID); err != nil {
		t.Fatalf("Enqueue() error = %v", err)
	}
	// Claim on behalf of a worker that will never report back.
	if _, err := reg.Claim(ctx, j.ID, id.NewWorkerID()); err != nil {
		t.Fatalf("Claim() error = %v", err)
	}

	if err := eng.Start(ctx); err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		got, err := reg.Get(ctx, j.ID)
		if err != nil {
			t.Fatalf("Get() error = %v", err)
		}
		if got.State == job.StateTimedOut {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("abandoned job was never timed out")
}
