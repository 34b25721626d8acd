package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"report-service/internal/models"
)

// ErrNotFound is returned when a report, artifact or execution row is absent.
var ErrNotFound = errors.New("resource not found")

// DuplicateError reports a unique-constraint violation. Column names the
// colliding column so callers can tell an idempotency-key collision from an
// artifact convergence.
type DuplicateError struct {
	Column string
}

func (e *DuplicateError) Error() string {
	return fmt.Sprintf("duplicate value for %s", e.Column)
}

// IsDuplicate reports whether err is a DuplicateError, returning it if so.
func IsDuplicate(err error) (*DuplicateError, bool) {
	var dup *DuplicateError
	if errors.As(err, &dup) {
		return dup, true
	}
	return nil, false
}

// InsertReportParams collects inputs required to insert a report row.
type InsertReportParams struct {
	TenantID       string
	Type           string
	Params         models.ReportParams
	IdempotencyKey string
}

// InsertArtifactParams collects inputs required to insert an artifact row.
type InsertArtifactParams struct {
	ReportID    string
	ContentType string
	Content     []byte
	Checksum    string
}

// ListFilter selects a tenant page. Cursor is the id of the last report of the
// previous page; empty means the first page.
type ListFilter struct {
	TenantID string
	State    string
	Type     string
	Limit    int
	Cursor   string
}

// Store abstracts report persistence. The Postgres implementation is the
// production store; the memory implementation backs tests and local runs.
type Store interface {
	// InsertReport inserts a PENDING row. A non-empty key that collides with an
	// existing row yields a DuplicateError for column idempotency_key.
	InsertReport(ctx context.Context, p InsertReportParams) (models.Report, error)
	GetReport(ctx context.Context, id string) (models.Report, error)
	FindByIdempotencyKey(ctx context.Context, key string) (models.Report, error)
	// FindEquivalent returns the best existing row with identical
	// (tenant, type, params) in state COMPLETED or RUNNING: COMPLETED before
	// RUNNING, then newest created_at.
	FindEquivalent(ctx context.Context, tenantID, reportType string, params models.ReportParams) (models.Report, error)
	// SetIdempotencyKey backfills the key onto a row that has none. A concurrent
	// claim of the same key on another row yields a DuplicateError.
	SetIdempotencyKey(ctx context.Context, id, key string) error

	// ClaimNextPending atomically claims the oldest eligible PENDING row
	// (lease absent or older than staleCutoff), transitions it to RUNNING with
	// a fresh lease, and returns it. ErrNotFound when no row is eligible.
	ClaimNextPending(ctx context.Context, staleCutoff time.Time, workerID string) (models.Report, error)
	// MarkCompleted transitions to COMPLETED with the given attempts counter
	// and clears the lease.
	MarkCompleted(ctx context.Context, id string, attempts int) error
	// MarkFailedOrRetry sets attempts and the next state (PENDING or FAILED)
	// and clears the lease.
	MarkFailedOrRetry(ctx context.Context, id string, attempts int, state string) error
	// RecoverStaleLeases resets RUNNING rows whose locked_at predates cutoff
	// back to PENDING with the lease cleared, returning the row count.
	RecoverStaleLeases(ctx context.Context, cutoff time.Time) (int64, error)

	// InsertArtifact inserts the artifact row for a report. A second artifact
	// for the same report yields a DuplicateError for column report_id.
	InsertArtifact(ctx context.Context, p InsertArtifactParams) (models.Artifact, error)
	// CompleteWithArtifact atomically inserts the artifact, marks the report
	// COMPLETED with the given attempts, and closes the execution. A
	// DuplicateError for column report_id means another worker already
	// produced the artifact; nothing is written in that case.
	CompleteWithArtifact(ctx context.Context, executionID string, artifact InsertArtifactParams, attempts int) (models.Artifact, error)
	GetArtifactByReportID(ctx context.Context, reportID string) (models.Artifact, error)
	// GetArtifactMeta is GetArtifactByReportID without loading content bytes.
	GetArtifactMeta(ctx context.Context, reportID string) (models.Artifact, error)

	CreateExecution(ctx context.Context, reportID string, attempt int) (models.Execution, error)
	CloseExecution(ctx context.Context, id string, execErr error) error

	ListByTenant(ctx context.Context, f ListFilter) ([]models.Report, string, error)

	Ping(ctx context.Context) error
	Close()
}

var (
	_ Store = (*Postgres)(nil)
	_ Store = (*Memory)(nil)
)
