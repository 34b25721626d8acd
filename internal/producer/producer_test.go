package producer

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"strings"
	"testing"

	"report-service/internal/models"
)

func TestProduceCSV(t *testing.T) {
	p := New()
	params := models.ReportParams{From: "2024-01-01", To: "2024-01-03", Format: models.FormatCSV}

	result, err := p.Produce(models.TypeUsageSummary, params)
	if err != nil {
		t.Fatalf("produce: %v", err)
	}
	if result.ContentType != "text/csv" {
		t.Fatalf("expected text/csv, got %s", result.ContentType)
	}

	lines := strings.Split(strings.TrimSpace(string(result.Content)), "\n")
	// Header plus one row per day in the range.
	if len(lines) != 4 {
		t.Fatalf("expected 4 csv lines, got %d", len(lines))
	}
	if !strings.HasPrefix(lines[0], "date,metric,value") {
		t.Fatalf("unexpected header: %s", lines[0])
	}

	sum := sha256.Sum256(result.Content)
	if result.Checksum != hex.EncodeToString(sum[:]) {
		t.Fatalf("checksum does not match content")
	}
}

func TestProduceJSON(t *testing.T) {
	p := New()
	params := models.ReportParams{From: "2024-02-01", To: "2024-02-01", Format: models.FormatJSON}

	result, err := p.Produce(models.TypeBillingExport, params)
	if err != nil {
		t.Fatalf("produce: %v", err)
	}
	if result.ContentType != "application/json" {
		t.Fatalf("expected application/json, got %s", result.ContentType)
	}

	var doc struct {
		ReportType string `json:"report_type"`
		Rows       []struct {
			Metric string `json:"metric"`
		} `json:"rows"`
	}
	if err := json.Unmarshal(result.Content, &doc); err != nil {
		t.Fatalf("unmarshal content: %v", err)
	}
	if doc.ReportType != models.TypeBillingExport {
		t.Fatalf("unexpected report_type: %s", doc.ReportType)
	}
	if len(doc.Rows) != 1 || doc.Rows[0].Metric != "billed_amount" {
		t.Fatalf("unexpected rows: %+v", doc.Rows)
	}
}

func TestProduceMimeByFormat(t *testing.T) {
	p := New()
	// Two runs differ byte-wise (embedded timestamp) but the MIME type is a
	// pure function of the format.
	params := models.ReportParams{From: "2024-01-01", To: "2024-01-02", Format: models.FormatCSV}
	a, err := p.Produce(models.TypeAuditSnapshot, params)
	if err != nil {
		t.Fatalf("produce: %v", err)
	}
	b, err := p.Produce(models.TypeAuditSnapshot, params)
	if err != nil {
		t.Fatalf("produce: %v", err)
	}
	if a.ContentType != b.ContentType {
		t.Fatalf("mime type changed between runs: %s vs %s", a.ContentType, b.ContentType)
	}
}

func TestProduceRejectsInvertedRange(t *testing.T) {
	p := New()
	params := models.ReportParams{From: "2024-03-02", To: "2024-03-01", Format: models.FormatCSV}
	if _, err := p.Produce(models.TypeUsageSummary, params); err == nil {
		t.Fatal("expected error for inverted range")
	}
}
