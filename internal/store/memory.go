package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"report-service/internal/models"
)

// Memory stores reports in memory for tests and local development. A single
// mutex makes every operation atomic, which mirrors the row-lock guarantees
// the Postgres implementation gets from the database.
type Memory struct {
	mu         sync.Mutex
	reports    map[string]*models.Report
	artifacts  map[string]*models.Artifact // keyed by report id
	executions map[string]*models.Execution
	seq        int
}

func NewMemory() *Memory {
	return &Memory{
		reports:    make(map[string]*models.Report),
		artifacts:  make(map[string]*models.Artifact),
		executions: make(map[string]*models.Execution),
	}
}

func (s *Memory) Close() {}

func (s *Memory) Ping(context.Context) error { return nil }

func (s *Memory) InsertReport(_ context.Context, p InsertReportParams) (models.Report, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if p.IdempotencyKey != "" {
		for _, r := range s.reports {
			if r.IdempotencyKey != nil && *r.IdempotencyKey == p.IdempotencyKey {
				return models.Report{}, &DuplicateError{Column: "idempotency_key"}
			}
		}
	}

	now := s.now()
	report := &models.Report{
		ID:        uuid.New().String(),
		TenantID:  p.TenantID,
		Type:      p.Type,
		Params:    p.Params,
		State:     models.StatePending,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if p.IdempotencyKey != "" {
		key := p.IdempotencyKey
		report.IdempotencyKey = &key
	}
	s.reports[report.ID] = report
	return *report, nil
}

// now returns strictly increasing UTC timestamps so created_at ordering is
// total even when inserts land within one clock tick.
func (s *Memory) now() time.Time {
	s.seq++
	return time.Now().UTC().Add(time.Duration(s.seq) * time.Microsecond)
}

func (s *Memory) GetReport(_ context.Context, id string) (models.Report, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	report, ok := s.reports[id]
	if !ok {
		return models.Report{}, ErrNotFound
	}
	return *report, nil
}

func (s *Memory) FindByIdempotencyKey(_ context.Context, key string) (models.Report, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, r := range s.reports {
		if r.IdempotencyKey != nil && *r.IdempotencyKey == key {
			return *r, nil
		}
	}
	return models.Report{}, ErrNotFound
}

func (s *Memory) FindEquivalent(_ context.Context, tenantID, reportType string, params models.ReportParams) (models.Report, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var best *models.Report
	for _, r := range s.reports {
		if r.TenantID != tenantID || r.Type != reportType || r.Params != params {
			continue
		}
		if r.State != models.StateCompleted && r.State != models.StateRunning {
			continue
		}
		if best == nil || betterEquivalent(r, best) {
			best = r
		}
	}
	if best == nil {
		return models.Report{}, ErrNotFound
	}
	return *best, nil
}

// betterEquivalent orders candidates COMPLETED before RUNNING, then newest first.
func betterEquivalent(a, b *models.Report) bool {
	if a.State != b.State {
		return a.State == models.StateCompleted
	}
	return a.CreatedAt.After(b.CreatedAt)
}

func (s *Memory) SetIdempotencyKey(_ context.Context, id, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	report, ok := s.reports[id]
	if !ok {
		return ErrNotFound
	}
	if report.IdempotencyKey != nil {
		return nil
	}
	for _, r := range s.reports {
		if r.IdempotencyKey != nil && *r.IdempotencyKey == key {
			return &DuplicateError{Column: "idempotency_key"}
		}
	}
	report.IdempotencyKey = &key
	report.UpdatedAt = s.now()
	return nil
}

func (s *Memory) ClaimNextPending(_ context.Context, staleCutoff time.Time, workerID string) (models.Report, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var oldest *models.Report
	for _, r := range s.reports {
		if r.State != models.StatePending {
			continue
		}
		if r.LockedAt != nil && !r.LockedAt.Before(staleCutoff) {
			continue
		}
		if oldest == nil || r.CreatedAt.Before(oldest.CreatedAt) {
			oldest = r
		}
	}
	if oldest == nil {
		return models.Report{}, ErrNotFound
	}

	now := s.now()
	oldest.State = models.StateRunning
	oldest.LockedAt = &now
	oldest.LockedBy = &workerID
	oldest.UpdatedAt = now
	return *oldest, nil
}

func (s *Memory) MarkCompleted(_ context.Context, id string, attempts int) error {
	return s.transition(id, models.StateCompleted, attempts)
}

func (s *Memory) MarkFailedOrRetry(_ context.Context, id string, attempts int, state string) error {
	return s.transition(id, state, attempts)
}

func (s *Memory) transition(id, state string, attempts int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	report, ok := s.reports[id]
	if !ok {
		return ErrNotFound
	}
	report.State = state
	report.Attempts = attempts
	report.LockedAt = nil
	report.LockedBy = nil
	report.UpdatedAt = s.now()
	return nil
}

func (s *Memory) RecoverStaleLeases(_ context.Context, cutoff time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var count int64
	for _, r := range s.reports {
		if r.State == models.StateRunning && r.LockedAt != nil && r.LockedAt.Before(cutoff) {
			r.State = models.StatePending
			r.LockedAt = nil
			r.LockedBy = nil
			r.UpdatedAt = s.now()
			count++
		}
	}
	return count, nil
}

func (s *Memory) InsertArtifact(_ context.Context, p InsertArtifactParams) (models.Artifact, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.insertArtifactLocked(p)
}

func (s *Memory) insertArtifactLocked(p InsertArtifactParams) (models.Artifact, error) {
	if _, exists := s.artifacts[p.ReportID]; exists {
		return models.Artifact{}, &DuplicateError{Column: "report_id"}
	}
	artifact := &models.Artifact{
		ID:          uuid.New().String(),
		ReportID:    p.ReportID,
		ContentType: p.ContentType,
		Content:     append([]byte(nil), p.Content...),
		SizeBytes:   int64(len(p.Content)),
		Checksum:    p.Checksum,
		CreatedAt:   s.now(),
	}
	s.artifacts[p.ReportID] = artifact
	return *artifact, nil
}

func (s *Memory) CompleteWithArtifact(_ context.Context, executionID string, p InsertArtifactParams, attempts int) (models.Artifact, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	artifact, err := s.insertArtifactLocked(p)
	if err != nil {
		return models.Artifact{}, err
	}
	if report, ok := s.reports[p.ReportID]; ok {
		report.State = models.StateCompleted
		report.Attempts = attempts
		report.LockedAt = nil
		report.LockedBy = nil
		report.UpdatedAt = s.now()
	}
	if exec, ok := s.executions[executionID]; ok {
		finished := s.now()
		exec.FinishedAt = &finished
		exec.Error = nil
	}
	return artifact, nil
}

func (s *Memory) GetArtifactByReportID(_ context.Context, reportID string) (models.Artifact, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	artifact, ok := s.artifacts[reportID]
	if !ok {
		return models.Artifact{}, ErrNotFound
	}
	clone := *artifact
	clone.Content = append([]byte(nil), artifact.Content...)
	return clone, nil
}

func (s *Memory) GetArtifactMeta(ctx context.Context, reportID string) (models.Artifact, error) {
	artifact, err := s.GetArtifactByReportID(ctx, reportID)
	if err != nil {
		return models.Artifact{}, err
	}
	artifact.Content = nil
	return artifact, nil
}

func (s *Memory) CreateExecution(_ context.Context, reportID string, attempt int) (models.Execution, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	exec := &models.Execution{
		ID:        uuid.New().String(),
		ReportID:  reportID,
		Attempt:   attempt,
		StartedAt: s.now(),
	}
	s.executions[exec.ID] = exec
	return *exec, nil
}

func (s *Memory) CloseExecution(_ context.Context, id string, execErr error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	exec, ok := s.executions[id]
	if !ok {
		return ErrNotFound
	}
	finished := s.now()
	exec.FinishedAt = &finished
	if execErr != nil {
		msg := execErr.Error()
		exec.Error = &msg
	}
	return nil
}

func (s *Memory) ListByTenant(_ context.Context, f ListFilter) ([]models.Report, string, error) {
	if f.Limit <= 0 {
		f.Limit = 20
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	matches := make([]models.Report, 0)
	for _, r := range s.reports {
		if r.TenantID != f.TenantID {
			continue
		}
		if f.State != "" && r.State != f.State {
			continue
		}
		if f.Type != "" && r.Type != f.Type {
			continue
		}
		matches = append(matches, *r)
	}
	sort.Slice(matches, func(i, j int) bool {
		if !matches[i].CreatedAt.Equal(matches[j].CreatedAt) {
			return matches[i].CreatedAt.After(matches[j].CreatedAt)
		}
		return matches[i].ID < matches[j].ID
	})

	start := 0
	if f.Cursor != "" {
		start = len(matches)
		for i, r := range matches {
			if r.ID == f.Cursor {
				start = i + 1
				break
			}
		}
	}

	end := start + f.Limit
	nextCursor := ""
	if end < len(matches) {
		nextCursor = matches[end-1].ID
	} else {
		end = len(matches)
	}
	return matches[start:end], nextCursor, nil
}

// Executions returns all execution rows for a report, oldest first. Test helper.
func (s *Memory) Executions(reportID string) []models.Execution {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]models.Execution, 0)
	for _, e := range s.executions {
		if e.ReportID == reportID {
			out = append(out, *e)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Attempt < out[j].Attempt })
	return out
}
