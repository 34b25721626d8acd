package worker

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"report-service/internal/config"
	"report-service/internal/logging"
	"report-service/internal/models"
	"report-service/internal/producer"
	"report-service/internal/store"
)

func newTestEngine(st store.Store, workerID string, maxAttempts int) *Engine {
	cfg := config.Config{
		InstanceID:       workerID,
		PollInterval:     10 * time.Millisecond,
		StaleLockTimeout: time.Minute,
		MaxAttempts:      maxAttempts,
	}
	return NewEngine(cfg, st, producer.New(), logging.NewNop())
}

func validParams() models.ReportParams {
	return models.ReportParams{From: "2024-01-01", To: "2024-01-03", Format: models.FormatCSV}
}

func insertPending(t *testing.T, st store.Store, params models.ReportParams) models.Report {
	t.Helper()
	report, err := st.InsertReport(context.Background(), store.InsertReportParams{
		TenantID: "acme",
		Type:     models.TypeUsageSummary,
		Params:   params,
	})
	if err != nil {
		t.Fatalf("insert report: %v", err)
	}
	return report
}

func TestTickCompletesJob(t *testing.T) {
	ctx := context.Background()
	mem := store.NewMemory()
	engine := newTestEngine(mem, "w1", 3)

	job := insertPending(t, mem, validParams())

	worked, err := engine.Tick(ctx)
	if err != nil || !worked {
		t.Fatalf("tick: worked=%v err=%v", worked, err)
	}

	got, err := mem.GetReport(ctx, job.ID)
	if err != nil {
		t.Fatalf("get report: %v", err)
	}
	if got.State != models.StateCompleted {
		t.Fatalf("expected COMPLETED, got %s", got.State)
	}
	if got.Attempts != 1 {
		t.Fatalf("expected attempts=1, got %d", got.Attempts)
	}
	if got.LockedAt != nil || got.LockedBy != nil {
		t.Fatalf("lease not cleared: %+v", got)
	}

	artifact, err := mem.GetArtifactByReportID(ctx, job.ID)
	if err != nil {
		t.Fatalf("artifact missing: %v", err)
	}
	if artifact.ContentType != "text/csv" {
		t.Fatalf("unexpected content type %s", artifact.ContentType)
	}

	execs := mem.Executions(job.ID)
	if len(execs) != 1 || execs[0].FinishedAt == nil || execs[0].Error != nil {
		t.Fatalf("expected one closed clean execution, got %+v", execs)
	}
}

func TestTickIdleWhenNothingPending(t *testing.T) {
	engine := newTestEngine(store.NewMemory(), "w1", 3)
	worked, err := engine.Tick(context.Background())
	if err != nil {
		t.Fatalf("tick: %v", err)
	}
	if worked {
		t.Fatal("expected idle tick")
	}
}

// A worker that finds the artifact already present must converge to COMPLETED
// without writing a second artifact or charging an attempt.
func TestConvergenceAfterPeerArtifact(t *testing.T) {
	ctx := context.Background()
	mem := store.NewMemory()
	engine := newTestEngine(mem, "w1", 3)

	job := insertPending(t, mem, validParams())
	if _, err := mem.InsertArtifact(ctx, store.InsertArtifactParams{
		ReportID:    job.ID,
		ContentType: "text/csv",
		Content:     []byte("peer"),
		Checksum:    "peer-sum",
	}); err != nil {
		t.Fatalf("pre-insert artifact: %v", err)
	}

	worked, err := engine.Tick(ctx)
	if err != nil || !worked {
		t.Fatalf("tick: worked=%v err=%v", worked, err)
	}

	got, _ := mem.GetReport(ctx, job.ID)
	if got.State != models.StateCompleted {
		t.Fatalf("expected COMPLETED, got %s", got.State)
	}
	if got.Attempts != 0 {
		t.Fatalf("convergence must not charge an attempt, got %d", got.Attempts)
	}

	artifact, err := mem.GetArtifactByReportID(ctx, job.ID)
	if err != nil {
		t.Fatalf("artifact: %v", err)
	}
	if string(artifact.Content) != "peer" {
		t.Fatal("peer artifact was replaced")
	}

	execs := mem.Executions(job.ID)
	if len(execs) != 1 || execs[0].FinishedAt == nil {
		t.Fatalf("execution not closed: %+v", execs)
	}
}

func TestRetryThenFailed(t *testing.T) {
	ctx := context.Background()
	mem := store.NewMemory()
	engine := newTestEngine(mem, "w1", 2)

	// Inverted date range makes the producer fail every attempt.
	job := insertPending(t, mem, models.ReportParams{From: "2024-02-02", To: "2024-02-01", Format: models.FormatCSV})

	worked, err := engine.Tick(ctx)
	if err != nil || !worked {
		t.Fatalf("first tick: worked=%v err=%v", worked, err)
	}
	got, _ := mem.GetReport(ctx, job.ID)
	if got.State != models.StatePending || got.Attempts != 1 {
		t.Fatalf("expected PENDING attempts=1, got %s attempts=%d", got.State, got.Attempts)
	}
	if got.LockedAt != nil || got.LockedBy != nil {
		t.Fatal("lease not cleared on retry")
	}

	worked, err = engine.Tick(ctx)
	if err != nil || !worked {
		t.Fatalf("second tick: worked=%v err=%v", worked, err)
	}
	got, _ = mem.GetReport(ctx, job.ID)
	if got.State != models.StateFailed || got.Attempts != 2 {
		t.Fatalf("expected FAILED attempts=2, got %s attempts=%d", got.State, got.Attempts)
	}

	// FAILED is terminal: no further tick may pick the job up.
	worked, err = engine.Tick(ctx)
	if err != nil {
		t.Fatalf("third tick: %v", err)
	}
	if worked {
		t.Fatal("FAILED job was claimed again")
	}

	execs := mem.Executions(job.ID)
	if len(execs) != 2 {
		t.Fatalf("expected 2 executions, got %d", len(execs))
	}
	for _, e := range execs {
		if e.FinishedAt == nil || e.Error == nil {
			t.Fatalf("execution not closed with error: %+v", e)
		}
	}
	if _, err := mem.GetArtifactByReportID(ctx, job.ID); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("failed job must have no artifact, err=%v", err)
	}
}

func TestStaleLeaseRecovery(t *testing.T) {
	ctx := context.Background()
	mem := store.NewMemory()

	job := insertPending(t, mem, validParams())
	if _, err := mem.ClaimNextPending(ctx, time.Now().UTC(), "crashed-worker"); err != nil {
		t.Fatalf("claim: %v", err)
	}

	engine := newTestEngine(mem, "w2", 3)
	engine.staleAfter = 20 * time.Millisecond
	time.Sleep(30 * time.Millisecond)

	engine.recoverStale(ctx)

	got, _ := mem.GetReport(ctx, job.ID)
	if got.State != models.StatePending {
		t.Fatalf("expected PENDING after recovery, got %s", got.State)
	}
	if got.LockedAt != nil || got.LockedBy != nil {
		t.Fatal("lease fields not cleared")
	}
	if got.Attempts != 0 {
		t.Fatalf("recovery must not touch attempts, got %d", got.Attempts)
	}
}

func TestFreshLeaseNotRecovered(t *testing.T) {
	ctx := context.Background()
	mem := store.NewMemory()

	job := insertPending(t, mem, validParams())
	if _, err := mem.ClaimNextPending(ctx, time.Now().UTC(), "busy-worker"); err != nil {
		t.Fatalf("claim: %v", err)
	}

	engine := newTestEngine(mem, "w2", 3)
	engine.recoverStale(ctx)

	got, _ := mem.GetReport(ctx, job.ID)
	if got.State != models.StateRunning {
		t.Fatalf("fresh lease was recovered, state=%s", got.State)
	}
}

// Two workers racing over ten jobs must leave every job COMPLETED with exactly
// one artifact and no lingering lease.
func TestMultiWorkerRace(t *testing.T) {
	ctx := context.Background()
	mem := store.NewMemory()

	ids := make([]string, 0, 10)
	for i := 0; i < 10; i++ {
		job := insertPending(t, mem, validParams())
		ids = append(ids, job.ID)
	}

	w1 := newTestEngine(mem, "w1", 3)
	w2 := newTestEngine(mem, "w2", 3)

	var wg sync.WaitGroup
	for _, engine := range []*Engine{w1, w2} {
		wg.Add(1)
		go func(e *Engine) {
			defer wg.Done()
			for i := 0; i < 10; i++ {
				if _, err := e.Tick(ctx); err != nil {
					t.Errorf("tick: %v", err)
					return
				}
			}
		}(engine)
	}
	wg.Wait()

	for _, id := range ids {
		got, err := mem.GetReport(ctx, id)
		if err != nil {
			t.Fatalf("get report: %v", err)
		}
		if got.State != models.StateCompleted {
			t.Fatalf("job %s not COMPLETED: %s", id, got.State)
		}
		if got.LockedAt != nil || got.LockedBy != nil {
			t.Fatalf("job %s kept its lease", id)
		}
		if _, err := mem.GetArtifactByReportID(ctx, id); err != nil {
			t.Fatalf("job %s missing artifact: %v", id, err)
		}
	}
}

func TestRunStopsOnCancel(t *testing.T) {
	mem := store.NewMemory()
	engine := newTestEngine(mem, "w1", 3)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- engine.Run(ctx) }()

	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("expected context.Canceled, got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("worker did not stop after cancel")
	}
}
