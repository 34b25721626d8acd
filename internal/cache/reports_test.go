package cache

import (
	"context"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"report-service/internal/models"
)

func newTestCache(t *testing.T) *Reports {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	t.Cleanup(mr.Close)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	return NewReports(client, time.Minute)
}

func TestCacheRoundTrip(t *testing.T) {
	ctx := context.Background()
	c := newTestCache(t)

	report := models.Report{
		ID:       "r1",
		TenantID: "t1",
		Type:     models.TypeUsageSummary,
		Params:   models.ReportParams{From: "2024-01-01", To: "2024-01-31", Format: models.FormatCSV},
		State:    models.StateCompleted,
		Attempts: 1,
	}
	artifact := &models.Artifact{ID: "a1", ReportID: "r1", ContentType: "text/csv", SizeBytes: 42, Checksum: "abc"}

	c.Set(ctx, report, artifact)

	got, gotArtifact, ok := c.Get(ctx, "r1")
	if !ok {
		t.Fatal("expected cache hit")
	}
	if got.ID != report.ID || got.State != models.StateCompleted {
		t.Fatalf("unexpected report: %+v", got)
	}
	if gotArtifact == nil || gotArtifact.Checksum != "abc" {
		t.Fatalf("unexpected artifact: %+v", gotArtifact)
	}
}

func TestCacheRejectsNonTerminal(t *testing.T) {
	ctx := context.Background()
	c := newTestCache(t)

	report := models.Report{ID: "r2", State: models.StateRunning}
	c.Set(ctx, report, nil)

	if _, _, ok := c.Get(ctx, "r2"); ok {
		t.Fatal("RUNNING report must not be cached")
	}
}

func TestCacheMiss(t *testing.T) {
	ctx := context.Background()
	c := newTestCache(t)

	if _, _, ok := c.Get(ctx, "missing"); ok {
		t.Fatal("expected miss for unknown id")
	}
}
