package models

import (
	"time"
)

// ReportState enumerates lifecycle states persisted in Postgres.
const (
	StatePending   = "PENDING"
	StateRunning   = "RUNNING"
	StateCompleted = "COMPLETED"
	StateFailed    = "FAILED"
)

// Report types accepted by the service.
const (
	TypeUsageSummary  = "USAGE_SUMMARY"
	TypeBillingExport = "BILLING_EXPORT"
	TypeAuditSnapshot = "AUDIT_SNAPSHOT"
)

// Output formats accepted in report params.
const (
	FormatCSV  = "CSV"
	FormatJSON = "JSON"
)

// ValidType reports whether t is one of the closed report types.
func ValidType(t string) bool {
	switch t {
	case TypeUsageSummary, TypeBillingExport, TypeAuditSnapshot:
		return true
	}
	return false
}

// ValidFormat reports whether f is one of the closed output formats.
func ValidFormat(f string) bool {
	return f == FormatCSV || f == FormatJSON
}

// TerminalState reports whether s is COMPLETED or FAILED.
func TerminalState(s string) bool {
	return s == StateCompleted || s == StateFailed
}

// ReportParams is the structured job payload.
type ReportParams struct {
	From   string `json:"from"`
	To     string `json:"to"`
	Format string `json:"format"`
}

// Report represents one submission persisted in Postgres.
type Report struct {
	ID             string       `json:"id"`
	TenantID       string       `json:"tenant_id"`
	Type           string       `json:"type"`
	Params         ReportParams `json:"params"`
	State          string       `json:"state"`
	Attempts       int          `json:"attempts"`
	IdempotencyKey *string      `json:"idempotency_key,omitempty"`
	LockedAt       *time.Time   `json:"locked_at,omitempty"`
	LockedBy       *string      `json:"locked_by,omitempty"`
	CreatedAt      time.Time    `json:"created_at"`
	UpdatedAt      time.Time    `json:"updated_at"`
}

// Artifact is the produced output of a report. At most one exists per report.
type Artifact struct {
	ID          string    `json:"id"`
	ReportID    string    `json:"report_id"`
	ContentType string    `json:"content_type"`
	Content     []byte    `json:"-"`
	SizeBytes   int64     `json:"size_bytes"`
	Checksum    string    `json:"checksum"`
	CreatedAt   time.Time `json:"created_at"`
}

// Execution is an audit row for one attempt at producing an artifact.
type Execution struct {
	ID         string     `json:"id"`
	ReportID   string     `json:"report_id"`
	Attempt    int        `json:"attempt"`
	StartedAt  time.Time  `json:"started_at"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
	Error      *string    `json:"error,omitempty"`
}
