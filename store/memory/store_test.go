package memory_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/easelworks/easel"
	"github.com/easelworks/easel/id"
	"github.com/easelworks/easel/job"
	"github.com/easelworks/easel/store/memory"
)

func newJob(owner string) *job.Job {
	return &job.Job{
		ID:    id.NewJobID(),
		Owner: owner,
		State: job.StatePending,
		Payload: job.Payload{
			InputRef: "uploads/" + owner + "/photo.png",
			Style:    job.StylePencil,
			Method:   job.MethodBasic,
		},
		Timeout:   5 * time.Minute,
		CreatedAt: time.Now().UTC(),
	}
}

// seedQueued creates a job and moves it to queued.
func seedQueued(t *testing.T, s *memory.Store, owner string) *job.Job {
	t.Helper()
	ctx := context.Background()
	j := newJob(owner)
	if err := s.CreateJob(ctx, j); err != nil {
		t.Fatalf("create: %v", err)
	}
	queued, err := s.EnqueueJob(ctx, j.ID)
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	return queued
}

// seedProcessing creates a job and claims it for the given worker.
func seedProcessing(t *testing.T, s *memory.Store, owner string, w id.WorkerID) *job.Job {
	t.Helper()
	j := seedQueued(t, s, owner)
	claimed, err := s.ClaimJob(context.Background(), j.ID, w)
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	return claimed
}

func TestCreateJob_Duplicate(t *testing.T) {
	s := memory.New()
	ctx := context.Background()
	j := newJob("user-1")

	if err := s.CreateJob(ctx, j); err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := s.CreateJob(ctx, j); !errors.Is(err, easel.ErrJobExists) {
		t.Fatalf("expected ErrJobExists, got %v", err)
	}
}

func TestGetJob_NotFound(t *testing.T) {
	s := memory.New()
	_, err := s.GetJob(context.Background(), id.NewJobID())
	if !errors.Is(err, easel.ErrJobNotFound) {
		t.Fatalf("expected ErrJobNotFound, got %v", err)
	}
}

func TestGetJob_ReturnsSnapshot(t *testing.T) {
	s := memory.New()
	ctx := context.Background()
	j := newJob("user-1")
	if err := s.CreateJob(ctx, j); err != nil {
		t.Fatalf("create: %v", err)
	}

	got, err := s.GetJob(ctx, j.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	// Mutating the snapshot must not leak into the store.
	got.State = job.StateCompleted
	again, _ := s.GetJob(ctx, j.ID)
	if again.State != job.StatePending {
		t.Errorf("snapshot mutation leaked into store: %v", again.State)
	}
}

func TestEnqueueJob_OnlyFromPending(t *testing.T) {
	s := memory.New()
	ctx := context.Background()
	j := seedQueued(t, s, "user-1")

	if j.State != job.StateQueued {
		t.Fatalf("state = %v, want queued", j.State)
	}
	if _, err := s.EnqueueJob(ctx, j.ID); !errors.Is(err, easel.ErrInvalidTransition) {
		t.Fatalf("expected ErrInvalidTransition on double enqueue, got %v", err)
	}
}

func TestClaimJob_SingleWinner(t *testing.T) {
	s := memory.New()
	ctx := context.Background()
	j := seedQueued(t, s, "user-1")

	const workers = 16
	var wg sync.WaitGroup
	var mu sync.Mutex
	var wins, losses int

	for range workers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := s.ClaimJob(ctx, j.ID, id.NewWorkerID())
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				wins++
			case errors.Is(err, easel.ErrClaimLost):
				losses++
			default:
				t.Errorf("unexpected claim error: %v", err)
			}
		}()
	}
	wg.Wait()

	if wins != 1 {
		t.Errorf("wins = %d, want exactly 1", wins)
	}
	if losses != workers-1 {
		t.Errorf("losses = %d, want %d", losses, workers-1)
	}
}

func TestClaimJob_RecordsClaimant(t *testing.T) {
	s := memory.New()
	w := id.NewWorkerID()
	claimed := seedProcessing(t, s, "user-1", w)

	if claimed.State != job.StateProcessing {
		t.Errorf("state = %v, want processing", claimed.State)
	}
	if claimed.ClaimOwner != w {
		t.Errorf("claim owner = %v, want %v", claimed.ClaimOwner, w)
	}
	if claimed.ClaimedAt == nil {
		t.Error("claimed_at not set")
	}
}

func TestReleaseJob_RestoresQueued(t *testing.T) {
	s := memory.New()
	ctx := context.Background()
	w := id.NewWorkerID()
	j := seedProcessing(t, s, "user-1", w)

	if err := s.ReleaseJob(ctx, j.ID, w); err != nil {
		t.Fatalf("release: %v", err)
	}

	got, _ := s.GetJob(ctx, j.ID)
	if got.State != job.StateQueued {
		t.Errorf("state = %v, want queued", got.State)
	}
	if !got.ClaimOwner.IsNil() {
		t.Errorf("claim owner not cleared: %v", got.ClaimOwner)
	}
}

func TestReleaseJob_WrongWorker(t *testing.T) {
	s := memory.New()
	j := seedProcessing(t, s, "user-1", id.NewWorkerID())

	err := s.ReleaseJob(context.Background(), j.ID, id.NewWorkerID())
	if !errors.Is(err, easel.ErrNotClaimOwner) {
		t.Fatalf("expected ErrNotClaimOwner, got %v", err)
	}
}

func TestFinishJob_Completed(t *testing.T) {
	s := memory.New()
	ctx := context.Background()
	w := id.NewWorkerID()
	j := seedProcessing(t, s, "user-1", w)

	done, err := s.FinishJob(ctx, j.ID, w, job.StateCompleted, "results/user-1/out.png", "")
	if err != nil {
		t.Fatalf("finish: %v", err)
	}
	if done.State != job.StateCompleted {
		t.Errorf("state = %v, want completed", done.State)
	}
	if done.ResultRef != "results/user-1/out.png" {
		t.Errorf("result ref = %q", done.ResultRef)
	}
	if done.FinishedAt == nil {
		t.Error("finished_at not set")
	}
	if !done.ClaimOwner.IsNil() {
		t.Error("claim owner not cleared on finish")
	}
}

func TestFinishJob_WrongWorker(t *testing.T) {
	s := memory.New()
	j := seedProcessing(t, s, "user-1", id.NewWorkerID())

	_, err := s.FinishJob(context.Background(), j.ID, id.NewWorkerID(), job.StateFailed, "", "boom")
	if !errors.Is(err, easel.ErrNotClaimOwner) {
		t.Fatalf("expected ErrNotClaimOwner, got %v", err)
	}
}

func TestFinishJob_RejectsNonTerminalState(t *testing.T) {
	s := memory.New()
	w := id.NewWorkerID()
	j := seedProcessing(t, s, "user-1", w)

	_, err := s.FinishJob(context.Background(), j.ID, w, job.StateQueued, "", "")
	if !errors.Is(err, easel.ErrInvalidTransition) {
		t.Fatalf("expected ErrInvalidTransition, got %v", err)
	}
}

func TestTimeoutJob_ForcesTerminal(t *testing.T) {
	s := memory.New()
	ctx := context.Background()
	j := seedProcessing(t, s, "user-1", id.NewWorkerID())

	timed, err := s.TimeoutJob(ctx, j.ID)
	if err != nil {
		t.Fatalf("timeout: %v", err)
	}
	if timed.State != job.StateTimedOut {
		t.Errorf("state = %v, want timed_out", timed.State)
	}
	if timed.ErrorSummary == "" {
		t.Error("expected error summary on timeout")
	}
}

func TestTimeoutJob_LosesToFinish(t *testing.T) {
	s := memory.New()
	ctx := context.Background()
	w := id.NewWorkerID()
	j := seedProcessing(t, s, "user-1", w)

	if _, err := s.FinishJob(ctx, j.ID, w, job.StateCompleted, "results/r.png", ""); err != nil {
		t.Fatalf("finish: %v", err)
	}
	if _, err := s.TimeoutJob(ctx, j.ID); !errors.Is(err, easel.ErrInvalidTransition) {
		t.Fatalf("expected ErrInvalidTransition after finish, got %v", err)
	}

	got, _ := s.GetJob(ctx, j.ID)
	if got.State != job.StateCompleted {
		t.Errorf("state = %v, completed result must stand", got.State)
	}
}

func TestCancelJob_PreClaimOnly(t *testing.T) {
	s := memory.New()
	ctx := context.Background()

	j := seedQueued(t, s, "user-1")
	cancelled, err := s.CancelJob(ctx, j.ID, "user-1")
	if err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if cancelled.State != job.StateCancelled {
		t.Errorf("state = %v, want cancelled", cancelled.State)
	}

	claimed := seedProcessing(t, s, "user-1", id.NewWorkerID())
	if _, err := s.CancelJob(ctx, claimed.ID, "user-1"); !errors.Is(err, easel.ErrInvalidTransition) {
		t.Fatalf("expected ErrInvalidTransition after claim, got %v", err)
	}
}

func TestCancelJob_OwnerMismatch(t *testing.T) {
	s := memory.New()
	j := seedQueued(t, s, "user-1")

	_, err := s.CancelJob(context.Background(), j.ID, "user-2")
	if !errors.Is(err, easel.ErrJobNotFound) {
		t.Fatalf("expected ErrJobNotFound for foreign owner, got %v", err)
	}
}

func TestNextQueued_OldestFirst(t *testing.T) {
	s := memory.New()
	ctx := context.Background()

	base := time.Now().UTC()
	var ids []id.JobID
	for i := range 3 {
		j := newJob("user-1")
		j.CreatedAt = base.Add(time.Duration(i) * time.Second)
		if err := s.CreateJob(ctx, j); err != nil {
			t.Fatalf("create: %v", err)
		}
		if _, err := s.EnqueueJob(ctx, j.ID); err != nil {
			t.Fatalf("enqueue: %v", err)
		}
		ids = append(ids, j.ID)
	}

	got, err := s.NextQueued(ctx, 2)
	if err != nil {
		t.Fatalf("next queued: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("len = %d, want 2", len(got))
	}
	if got[0].ID != ids[0] || got[1].ID != ids[1] {
		t.Errorf("wrong order: got %v, %v", got[0].ID, got[1].ID)
	}
}

func TestListJobsByOwner_FilterAndPaginate(t *testing.T) {
	s := memory.New()
	ctx := context.Background()

	for range 3 {
		seedQueued(t, s, "user-1")
	}
	seedProcessing(t, s, "user-1", id.NewWorkerID())
	seedQueued(t, s, "user-2")

	all, err := s.ListJobsByOwner(ctx, "user-1", job.ListOpts{})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(all) != 4 {
		t.Errorf("len(all) = %d, want 4", len(all))
	}

	queued, _ := s.ListJobsByOwner(ctx, "user-1", job.ListOpts{State: job.StateQueued})
	if len(queued) != 3 {
		t.Errorf("len(queued) = %d, want 3", len(queued))
	}

	page, _ := s.ListJobsByOwner(ctx, "user-1", job.ListOpts{Limit: 2, Offset: 3})
	if len(page) != 1 {
		t.Errorf("len(page) = %d, want 1", len(page))
	}

	none, _ := s.ListJobsByOwner(ctx, "user-1", job.ListOpts{Offset: 10})
	if len(none) != 0 {
		t.Errorf("len past end = %d, want 0", len(none))
	}
}

func TestScanOverdue(t *testing.T) {
	s := memory.New()
	ctx := context.Background()
	w := id.NewWorkerID()

	fresh := seedProcessing(t, s, "user-1", w)

	stale := newJob("user-1")
	stale.Timeout = time.Millisecond
	if err := s.CreateJob(ctx, stale); err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := s.EnqueueJob(ctx, stale.ID); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if _, err := s.ClaimJob(ctx, stale.ID, w); err != nil {
		t.Fatalf("claim: %v", err)
	}

	time.Sleep(5 * time.Millisecond)

	overdue, err := s.ScanOverdue(ctx, 0)
	if err != nil {
		t.Fatalf("scan: %v", err)
	}
	if len(overdue) != 1 {
		t.Fatalf("len(overdue) = %d, want 1", len(overdue))
	}
	if overdue[0].ID != stale.ID {
		t.Errorf("wrong job flagged: %v (fresh was %v)", overdue[0].ID, fresh.ID)
	}
}

func TestCountJobs(t *testing.T) {
	s := memory.New()
	ctx := context.Background()

	seedQueued(t, s, "user-1")
	seedQueued(t, s, "user-1")
	seedProcessing(t, s, "user-2", id.NewWorkerID())

	total, err := s.CountJobs(ctx, job.CountOpts{})
	if err != nil {
		t.Fatalf("count: %v", err)
	}
	if total != 3 {
		t.Errorf("total = %d, want 3", total)
	}

	processing, _ := s.CountJobs(ctx, job.CountOpts{State: job.StateProcessing})
	if processing != 1 {
		t.Errorf("processing = %d, want 1", processing)
	}

	owned, _ := s.CountJobs(ctx, job.CountOpts{Owner: "user-1"})
	if owned != 2 {
		t.Errorf("owned = %d, want 2", owned)
	}
}

func TestCreateJob_RacingDuplicates(t *testing.T) {
	s := memory.New()
	ctx := context.Background()
	j := newJob("user-1")

	const racers = 8
	var wg sync.WaitGroup
	results := make(chan error, racers)
	for range racers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			results <- s.CreateJob(ctx, j)
		}()
	}
	wg.Wait()
	close(results)

	var wins, exists int
	for err := range results {
		switch {
		case err == nil:
			wins++
		case errors.Is(err, easel.ErrJobExists):
			exists++
		default:
			t.Errorf("CreateJob() unexpected error = %v", err)
		}
	}
	if wins != 1 {
		t.Errorf("winners = %d, want exactly 1", wins)
	}
	if exists != racers-1 {
		t.Errorf("ErrJobExists = %d, want %d", exists, racers-1)
	}
}
