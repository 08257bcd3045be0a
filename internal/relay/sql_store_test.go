package relay

import (
	"context"
	"errors"
	"testing"

	"Treasury-Relay/internal/storage/sqlstore"
)

func newSQLiteStore(t *testing.T) *SQLStore {
	t.Helper()
	store, err := NewSQLStore(context.Background(), sqlstore.Config{Driver: sqlstore.DriverSQLite, DSN: ":memory:"})
	if err != nil {
		t.Fatalf("open sqlite store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestSQLStoreClaimLifecycle(t *testing.T) {
	ctx := context.Background()
	store := newSQLiteStore(t)

	job := &Job{ID: "job-1", Proposal: "prop", Metadata: map[string]string{"source": "test"}, Status: StatusPending, MaxRetries: 2}
	if err := store.Create(ctx, job); err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := store.Create(ctx, &Job{ID: "job-1", Proposal: "prop", Status: StatusPending}); !errors.Is(err, ErrJobConflict) {
		t.Fatalf("expected conflict, got %v", err)
	}
	got, err := store.Get(ctx, "job-1")
	if err != nil || got.Metadata["source"] != "test" || got.Result != nil {
		t.Fatalf("get = %+v, %v", got, err)
	}

	claimed, err := store.Claim(ctx, "job-1")
	if err != nil || claimed.Status != StatusRunning || claimed.Attempts != 1 {
		t.Fatalf("claim = %+v, %v", claimed, err)
	}
	if _, err := store.Claim(ctx, "job-1"); !errors.Is(err, ErrJobConflict) {
		t.Fatalf("expected running conflict, got %v", err)
	}
	if err := store.MarkFailed(ctx, "job-1", CodeJobProcessing, "boom", false); err != nil {
		t.Fatalf("mark failed: %v", err)
	}
	failed, _ := store.Get(ctx, "job-1")
	if failed.Status != StatusFailed || failed.ErrorCode != string(CodeJobProcessing) || failed.Terminal {
		t.Fatalf("unexpected failed job: %+v", failed)
	}

	if _, err := store.Claim(ctx, "job-1"); err != nil {
		t.Fatalf("retry claim: %v", err)
	}
	if err := store.MarkSucceeded(ctx, "job-1", ExecutionResult{Signature: "sig-1", Slot: 9, Note: "ok"}); err != nil {
		t.Fatalf("mark succeeded: %v", err)
	}
	done, _ := store.Get(ctx, "job-1")
	if done.Result == nil || done.Result.Signature != "sig-1" || done.Result.Slot != 9 || done.Result.Note != "ok" {
		t.Fatalf("unexpected result: %+v", done.Result)
	}
	if _, err := store.Claim(ctx, "job-1"); !errors.Is(err, ErrJobCompleted) {
		t.Fatalf("expected completed, got %v", err)
	}
	if _, err := store.Get(ctx, "missing"); !errors.Is(err, ErrJobNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
	if err := store.MarkFailed(ctx, "missing", CodeJobProcessing, "x", true); !errors.Is(err, ErrJobNotFound) {
		t.Fatalf("expected not found on mark, got %v", err)
	}
}

func TestSQLStoreTerminalIsSticky(t *testing.T) {
	ctx := context.Background()
	store := newSQLiteStore(t)
	_ = store.Create(ctx, &Job{ID: "job-1", Proposal: "prop", Status: StatusPending, MaxRetries: 5})
	if _, err := store.Claim(ctx, "job-1"); err != nil {
		t.Fatalf("claim: %v", err)
	}
	_ = store.MarkFailed(ctx, "job-1", CodeJobValidation, "bad", true)
	_ = store.MarkFailed(ctx, "job-1", CodeJobProcessing, "later", false)
	if _, err := store.Claim(ctx, "job-1"); !errors.Is(err, ErrJobExhausted) {
		t.Fatalf("expected exhausted, got %v", err)
	}
	job, _ := store.Get(ctx, "job-1")
	if !job.Terminal {
		t.Fatalf("terminal flag was cleared: %+v", job)
	}
}

func TestSQLStoreListAndStats(t *testing.T) {
	ctx := context.Background()
	store := newSQLiteStore(t)
	for _, j := range []struct{ id, proposal string }{{"a", "alpha"}, {"b", "beta"}, {"c", "alpha"}} {
		if err := store.Create(ctx, &Job{ID: j.id, Proposal: j.proposal, Status: StatusPending, MaxRetries: 3}); err != nil {
			t.Fatalf("create %s: %v", j.id, err)
		}
	}
	_, _ = store.Claim(ctx, "a")
	_ = store.MarkSucceeded(ctx, "a", ExecutionResult{Signature: "SigA"})

	jobs, err := store.List(ctx, buildListOptions([]ListOption{WithProposal("alpha")}))
	if err != nil || len(jobs) != 2 {
		t.Fatalf("proposal filter = %v, %v", ids(jobs), err)
	}
	jobs, _ = store.List(ctx, buildListOptions([]ListOption{WithQuery("siga")}))
	if got := ids(jobs); len(got) != 1 || got[0] != "a" {
		t.Fatalf("query filter = %v", got)
	}
	jobs, _ = store.List(ctx, buildListOptions([]ListOption{WithResultPresence(true)}))
	if len(jobs) != 1 || jobs[0].Result == nil {
		t.Fatalf("result filter = %v", ids(jobs))
	}
	jobs, _ = store.List(ctx, buildListOptions([]ListOption{WithStatuses(StatusPending), WithLimit(1)}))
	if len(jobs) != 1 || jobs[0].Status != StatusPending {
		t.Fatalf("status filter = %v", ids(jobs))
	}

	stats, err := store.Stats(ctx, buildListOptions(nil))
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if stats.Total != 3 || stats.Pending != 2 || stats.Succeeded != 1 {
		t.Fatalf("unexpected stats: %+v", stats)
	}
	empty, err := store.Stats(ctx, buildListOptions([]ListOption{WithProposal("nobody")}))
	if err != nil || empty.Total != 0 {
		t.Fatalf("empty stats = %+v, %v", empty, err)
	}
}
