package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"

	"report-service/internal/models"
)

const pgUniqueViolation = "23505"

// Postgres implements Store on a pgxpool connection.
type Postgres struct {
	pool *pgxpool.Pool
}

// NewPostgres creates a pooled connection to Postgres.
func NewPostgres(ctx context.Context, dsn string) (*Postgres, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return &Postgres{pool: pool}, nil
}

func (s *Postgres) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

func (s *Postgres) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

const reportColumns = `id, tenant_id, type, params, state, attempts, idempotency_key, locked_at, locked_by, created_at, updated_at`

func (s *Postgres) InsertReport(ctx context.Context, p InsertReportParams) (models.Report, error) {
	paramsJSON, err := json.Marshal(p.Params)
	if err != nil {
		return models.Report{}, fmt.Errorf("marshal params: %w", err)
	}

	id := uuid.New().String()
	now := time.Now().UTC()

	_, err = s.pool.Exec(ctx, `
		INSERT INTO reports (id, tenant_id, type, params, state, attempts, idempotency_key, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, 0, $6, $7, $7)
	`, id, p.TenantID, p.Type, paramsJSON, models.StatePending, emptyToNil(p.IdempotencyKey), now)
	if err != nil {
		if dup := duplicateFromPg(err); dup != nil {
			return models.Report{}, dup
		}
		return models.Report{}, fmt.Errorf("insert report: %w", err)
	}

	return models.Report{
		ID:             id,
		TenantID:       p.TenantID,
		Type:           p.Type,
		Params:         p.Params,
		State:          models.StatePending,
		Attempts:       0,
		IdempotencyKey: emptyToNil(p.IdempotencyKey),
		CreatedAt:      now,
		UpdatedAt:      now,
	}, nil
}

func (s *Postgres) GetReport(ctx context.Context, id string) (models.Report, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+reportColumns+` FROM reports WHERE id = $1`, id)
	return scanReport(row)
}

func (s *Postgres) FindByIdempotencyKey(ctx context.Context, key string) (models.Report, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+reportColumns+` FROM reports WHERE idempotency_key = $1`, key)
	return scanReport(row)
}

func (s *Postgres) FindEquivalent(ctx context.Context, tenantID, reportType string, params models.ReportParams) (models.Report, error) {
	paramsJSON, err := json.Marshal(params)
	if err != nil {
		return models.Report{}, fmt.Errorf("marshal params: %w", err)
	}
	row := s.pool.QueryRow(ctx, `
		SELECT `+reportColumns+`
		FROM reports
		WHERE tenant_id = $1 AND type = $2 AND params = $3::jsonb AND state IN ($4, $5)
		ORDER BY CASE state WHEN $4 THEN 0 ELSE 1 END, created_at DESC
		LIMIT 1
	`, tenantID, reportType, paramsJSON, models.StateCompleted, models.StateRunning)
	return scanReport(row)
}

func (s *Postgres) SetIdempotencyKey(ctx context.Context, id, key string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE reports SET idempotency_key = $2, updated_at = NOW()
		WHERE id = $1 AND idempotency_key IS NULL
	`, id, key)
	if err != nil {
		if dup := duplicateFromPg(err); dup != nil {
			return dup
		}
		return fmt.Errorf("set idempotency key: %w", err)
	}
	return nil
}

// ClaimNextPending claims the oldest eligible PENDING row in one statement.
// The sub-select takes a row lock and skips rows held by concurrent claims.
func (s *Postgres) ClaimNextPending(ctx context.Context, staleCutoff time.Time, workerID string) (models.Report, error) {
	row := s.pool.QueryRow(ctx, `
		UPDATE reports
		SET state = $1, locked_at = NOW(), locked_by = $2, updated_at = NOW()
		WHERE id = (
			SELECT id FROM reports
			WHERE state = $3 AND (locked_at IS NULL OR locked_at < $4)
			ORDER BY created_at
			LIMIT 1
			FOR UPDATE SKIP LOCKED
		)
		RETURNING `+reportColumns,
		models.StateRunning, workerID, models.StatePending, staleCutoff)
	return scanReport(row)
}

func (s *Postgres) MarkCompleted(ctx context.Context, id string, attempts int) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE reports
		SET state = $2, attempts = $3, locked_at = NULL, locked_by = NULL, updated_at = NOW()
		WHERE id = $1
	`, id, models.StateCompleted, attempts)
	if err != nil {
		return fmt.Errorf("mark completed: %w", err)
	}
	return nil
}

func (s *Postgres) MarkFailedOrRetry(ctx context.Context, id string, attempts int, state string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE reports
		SET state = $2, attempts = $3, locked_at = NULL, locked_by = NULL, updated_at = NOW()
		WHERE id = $1
	`, id, state, attempts)
	if err != nil {
		return fmt.Errorf("mark %s: %w", strings.ToLower(state), err)
	}
	return nil
}

func (s *Postgres) RecoverStaleLeases(ctx context.Context, cutoff time.Time) (int64, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE reports
		SET state = $1, locked_at = NULL, locked_by = NULL, updated_at = NOW()
		WHERE state = $2 AND locked_at < $3
	`, models.StatePending, models.StateRunning, cutoff)
	if err != nil {
		return 0, fmt.Errorf("recover stale leases: %w", err)
	}
	return tag.RowsAffected(), nil
}

func (s *Postgres) InsertArtifact(ctx context.Context, p InsertArtifactParams) (models.Artifact, error) {
	artifact, err := insertArtifact(ctx, s.pool, p)
	if err != nil {
		return models.Artifact{}, err
	}
	return artifact, nil
}

func (s *Postgres) CompleteWithArtifact(ctx context.Context, executionID string, p InsertArtifactParams, attempts int) (models.Artifact, error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return models.Artifact{}, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx) // safe no-op on commit

	artifact, err := insertArtifact(ctx, tx, p)
	if err != nil {
		return models.Artifact{}, err
	}
	_, err = tx.Exec(ctx, `
		UPDATE reports
		SET state = $2, attempts = $3, locked_at = NULL, locked_by = NULL, updated_at = NOW()
		WHERE id = $1
	`, p.ReportID, models.StateCompleted, attempts)
	if err != nil {
		return models.Artifact{}, fmt.Errorf("mark completed: %w", err)
	}
	_, err = tx.Exec(ctx, `
		UPDATE report_executions SET finished_at = NOW(), error = NULL WHERE id = $1
	`, executionID)
	if err != nil {
		return models.Artifact{}, fmt.Errorf("close execution: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return models.Artifact{}, fmt.Errorf("commit: %w", err)
	}
	return artifact, nil
}

type execer interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

func insertArtifact(ctx context.Context, db execer, p InsertArtifactParams) (models.Artifact, error) {
	id := uuid.New().String()
	var createdAt time.Time
	err := db.QueryRow(ctx, `
		INSERT INTO report_artifacts (id, report_id, content_type, content, size_bytes, checksum, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, NOW())
		RETURNING created_at
	`, id, p.ReportID, p.ContentType, p.Content, len(p.Content), p.Checksum).Scan(&createdAt)
	if err != nil {
		if dup := duplicateFromPg(err); dup != nil {
			return models.Artifact{}, dup
		}
		return models.Artifact{}, fmt.Errorf("insert artifact: %w", err)
	}
	return models.Artifact{
		ID:          id,
		ReportID:    p.ReportID,
		ContentType: p.ContentType,
		Content:     p.Content,
		SizeBytes:   int64(len(p.Content)),
		Checksum:    p.Checksum,
		CreatedAt:   createdAt,
	}, nil
}

func (s *Postgres) GetArtifactByReportID(ctx context.Context, reportID string) (models.Artifact, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT id, report_id, content_type, content, size_bytes, checksum, created_at
		FROM report_artifacts WHERE report_id = $1
	`, reportID)

	var a models.Artifact
	if err := row.Scan(&a.ID, &a.ReportID, &a.ContentType, &a.Content, &a.SizeBytes, &a.Checksum, &a.CreatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.Artifact{}, ErrNotFound
		}
		return models.Artifact{}, fmt.Errorf("query artifact: %w", err)
	}
	return a, nil
}

func (s *Postgres) GetArtifactMeta(ctx context.Context, reportID string) (models.Artifact, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT id, report_id, content_type, size_bytes, checksum, created_at
		FROM report_artifacts WHERE report_id = $1
	`, reportID)

	var a models.Artifact
	if err := row.Scan(&a.ID, &a.ReportID, &a.ContentType, &a.SizeBytes, &a.Checksum, &a.CreatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.Artifact{}, ErrNotFound
		}
		return models.Artifact{}, fmt.Errorf("query artifact meta: %w", err)
	}
	return a, nil
}

func (s *Postgres) CreateExecution(ctx context.Context, reportID string, attempt int) (models.Execution, error) {
	id := uuid.New().String()
	var startedAt time.Time
	err := s.pool.QueryRow(ctx, `
		INSERT INTO report_executions (id, report_id, attempt, started_at)
		VALUES ($1, $2, $3, NOW())
		RETURNING started_at
	`, id, reportID, attempt).Scan(&startedAt)
	if err != nil {
		return models.Execution{}, fmt.Errorf("insert execution: %w", err)
	}
	return models.Execution{ID: id, ReportID: reportID, Attempt: attempt, StartedAt: startedAt}, nil
}

func (s *Postgres) CloseExecution(ctx context.Context, id string, execErr error) error {
	var msg *string
	if execErr != nil {
		m := execErr.Error()
		msg = &m
	}
	_, err := s.pool.Exec(ctx, `
		UPDATE report_executions SET finished_at = NOW(), error = $2 WHERE id = $1
	`, id, msg)
	if err != nil {
		return fmt.Errorf("close execution: %w", err)
	}
	return nil
}

func (s *Postgres) ListByTenant(ctx context.Context, f ListFilter) ([]models.Report, string, error) {
	if f.Limit <= 0 {
		f.Limit = 20
	}

	var cursorRow *models.Report
	if f.Cursor != "" {
		row, err := s.GetReport(ctx, f.Cursor)
		if errors.Is(err, ErrNotFound) {
			return []models.Report{}, "", nil
		}
		if err != nil {
			return nil, "", err
		}
		cursorRow = &row
	}

	query := strings.Builder{}
	query.WriteString(`SELECT ` + reportColumns + ` FROM reports WHERE tenant_id = $1`)
	args := []any{f.TenantID}

	if f.State != "" {
		args = append(args, f.State)
		fmt.Fprintf(&query, " AND state = $%d", len(args))
	}
	if f.Type != "" {
		args = append(args, f.Type)
		fmt.Fprintf(&query, " AND type = $%d", len(args))
	}
	if cursorRow != nil {
		args = append(args, cursorRow.CreatedAt, cursorRow.ID)
		fmt.Fprintf(&query, " AND (created_at < $%d OR (created_at = $%d AND id > $%d))", len(args)-1, len(args)-1, len(args))
	}
	args = append(args, f.Limit+1)
	fmt.Fprintf(&query, " ORDER BY created_at DESC, id ASC LIMIT $%d", len(args))

	rows, err := s.pool.Query(ctx, query.String(), args...)
	if err != nil {
		return nil, "", fmt.Errorf("list reports: %w", err)
	}
	defer rows.Close()

	reports := make([]models.Report, 0, f.Limit)
	for rows.Next() {
		report, err := scanReport(rows)
		if err != nil {
			return nil, "", err
		}
		reports = append(reports, report)
	}
	if rows.Err() != nil {
		return nil, "", fmt.Errorf("iterate reports: %w", rows.Err())
	}

	nextCursor := ""
	if len(reports) > f.Limit {
		reports = reports[:f.Limit]
		nextCursor = reports[len(reports)-1].ID
	}
	return reports, nextCursor, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanReport(row rowScanner) (models.Report, error) {
	var (
		report     models.Report
		paramsJSON []byte
		idem       pgtype.Text
		lockedBy   pgtype.Text
		lockedAt   pgtype.Timestamptz
	)
	err := row.Scan(&report.ID, &report.TenantID, &report.Type, &paramsJSON, &report.State,
		&report.Attempts, &idem, &lockedAt, &lockedBy, &report.CreatedAt, &report.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.Report{}, ErrNotFound
		}
		return models.Report{}, fmt.Errorf("scan report: %w", err)
	}
	if err := json.Unmarshal(paramsJSON, &report.Params); err != nil {
		return models.Report{}, fmt.Errorf("unmarshal params: %w", err)
	}
	report.IdempotencyKey = textPtr(idem)
	report.LockedBy = textPtr(lockedBy)
	if lockedAt.Valid {
		t := lockedAt.Time
		report.LockedAt = &t
	}
	return report, nil
}

// duplicateFromPg translates a unique violation into a DuplicateError carrying
// the colliding column, derived from the constraint name.
func duplicateFromPg(err error) *DuplicateError {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) || pgErr.Code != pgUniqueViolation {
		return nil
	}
	switch {
	case strings.Contains(pgErr.ConstraintName, "idempotency_key"):
		return &DuplicateError{Column: "idempotency_key"}
	case strings.Contains(pgErr.ConstraintName, "report_id"):
		return &DuplicateError{Column: "report_id"}
	default:
		return &DuplicateError{Column: pgErr.ConstraintName}
	}
}

func textPtr(t pgtype.Text) *string {
	if t.Valid {
		return &t.String
	}
	return nil
}

func emptyToNil(v string) *string {
	if v == "" {
		return nil
	}
	return &v
}
