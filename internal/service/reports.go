package service

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"report-service/internal/cache"
	"report-service/internal/logging"
	"report-service/internal/models"
	"report-service/internal/store"
)

// ErrNotFound is returned when a report or artifact does not exist.
var ErrNotFound = errors.New("report not found")

// ErrConflict is returned when an artifact is requested before the report
// reached COMPLETED.
var ErrConflict = errors.New("report not completed")

// SubmitRequest is one validated submission.
type SubmitRequest struct {
	TenantID       string
	Type           string
	Params         models.ReportParams
	IdempotencyKey string
}

// Reports implements the job service operations. The cache is optional; nil
// disables it.
type Reports struct {
	store store.Store
	cache *cache.Reports
	log   *zap.SugaredLogger
}

func NewReports(st store.Store, c *cache.Reports, log *zap.SugaredLogger) *Reports {
	return &Reports{store: st, cache: c, log: log}
}

// Create inserts a PENDING report unless an equivalent COMPLETED or RUNNING
// one already exists for the same (tenant, type, params). The boolean reports
// whether a new row was inserted.
func (s *Reports) Create(ctx context.Context, req SubmitRequest) (models.Report, bool, error) {
	log := logging.FromContext(ctx, s.log)

	existing, err := s.store.FindEquivalent(ctx, req.TenantID, req.Type, req.Params)
	if err == nil {
		log.Debugw("semantic hit", "report_id", existing.ID, "tenant_id", req.TenantID)
		return existing, false, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return models.Report{}, false, fmt.Errorf("semantic lookup: %w", err)
	}

	report, err := s.store.InsertReport(ctx, store.InsertReportParams{
		TenantID:       req.TenantID,
		Type:           req.Type,
		Params:         req.Params,
		IdempotencyKey: req.IdempotencyKey,
	})
	if err != nil {
		return models.Report{}, false, err
	}
	log.Infow("report created", "report_id", report.ID, "tenant_id", report.TenantID, "type", report.Type)
	return report, true, nil
}

// GetReport returns the report plus artifact metadata when one exists.
func (s *Reports) GetReport(ctx context.Context, id string) (models.Report, *models.Artifact, error) {
	if s.cache != nil {
		if report, artifact, ok := s.cache.Get(ctx, id); ok {
			return report, artifact, nil
		}
	}

	report, err := s.store.GetReport(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return models.Report{}, nil, ErrNotFound
	}
	if err != nil {
		return models.Report{}, nil, err
	}

	var artifact *models.Artifact
	meta, err := s.store.GetArtifactMeta(ctx, id)
	if err == nil {
		artifact = &meta
	} else if !errors.Is(err, store.ErrNotFound) {
		return models.Report{}, nil, err
	}

	// Terminal states never transition out, so their representations are safe
	// to cache indefinitely.
	if s.cache != nil && models.TerminalState(report.State) {
		s.cache.Set(ctx, report, artifact)
	}
	return report, artifact, nil
}

const (
	defaultPageSize = 20
	maxPageSize     = 100
)

// List returns one page of a tenant's reports, newest first.
func (s *Reports) List(ctx context.Context, f store.ListFilter) ([]models.Report, string, error) {
	if f.Limit <= 0 {
		f.Limit = defaultPageSize
	}
	if f.Limit > maxPageSize {
		f.Limit = maxPageSize
	}
	return s.store.ListByTenant(ctx, f)
}

// GetArtifact returns the artifact content for a COMPLETED report.
func (s *Reports) GetArtifact(ctx context.Context, id string) (models.Artifact, error) {
	report, err := s.store.GetReport(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return models.Artifact{}, ErrNotFound
	}
	if err != nil {
		return models.Artifact{}, err
	}
	if report.State != models.StateCompleted {
		return models.Artifact{}, ErrConflict
	}

	artifact, err := s.store.GetArtifactByReportID(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return models.Artifact{}, ErrNotFound
	}
	if err != nil {
		return models.Artifact{}, err
	}
	return artifact, nil
}

// Healthy reports whether the store answers a trivial probe.
func (s *Reports) Healthy(ctx context.Context) bool {
	return s.store.Ping(ctx) == nil
}
