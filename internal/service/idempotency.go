package service

import (
	"context"
	"errors"
	"fmt"

	"report-service/internal/logging"
	"report-service/internal/models"
	"report-service/internal/store"
)

// backfillRetries bounds the key-backfill conflict loop. Each retry means a
// concurrent submitter won the key, so one pass is normally enough.
const backfillRetries = 3

// Resolve maps a submission to the single report that represents it, creating
// one only when no eligible report exists. The boolean reports whether a new
// row was inserted. Uniqueness violations are converted into re-reads and
// never surface.
func (s *Reports) Resolve(ctx context.Context, req SubmitRequest) (models.Report, bool, error) {
	log := logging.FromContext(ctx, s.log)

	for i := 0; i < backfillRetries; i++ {
		// Key hit: a prior submission with this key owns the answer.
		if req.IdempotencyKey != "" {
			report, err := s.store.FindByIdempotencyKey(ctx, req.IdempotencyKey)
			if err == nil {
				return report, false, nil
			}
			if !errors.Is(err, store.ErrNotFound) {
				return models.Report{}, false, fmt.Errorf("key lookup: %w", err)
			}
		}

		report, created, err := s.Create(ctx, req)
		if err != nil {
			if dup, ok := store.IsDuplicate(err); ok && dup.Column == "idempotency_key" {
				// A concurrent submitter inserted the key between our lookup
				// and the insert; re-read and use theirs.
				log.Debugw("idempotency key claimed concurrently", "tenant_id", req.TenantID)
				continue
			}
			return models.Report{}, false, err
		}

		// Key backfill: a semantic hit on a keyless row adopts the key so
		// later retries short-circuit on step one.
		if req.IdempotencyKey != "" && report.IdempotencyKey == nil {
			if err := s.store.SetIdempotencyKey(ctx, report.ID, req.IdempotencyKey); err != nil {
				if _, ok := store.IsDuplicate(err); ok {
					// The key landed on a different row concurrently; that row
					// is the authoritative answer.
					log.Debugw("key backfill lost race", "report_id", report.ID)
					continue
				}
				return models.Report{}, false, fmt.Errorf("key backfill: %w", err)
			}
			key := req.IdempotencyKey
			report.IdempotencyKey = &key
		}
		return report, created, nil
	}

	// Every retry found the key claimed but the row gone by the next read.
	// Fall back to a last direct lookup before giving up.
	report, err := s.store.FindByIdempotencyKey(ctx, req.IdempotencyKey)
	if err != nil {
		return models.Report{}, false, fmt.Errorf("resolve submission: %w", err)
	}
	return report, false, nil
}
