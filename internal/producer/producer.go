package producer

import (
	"bytes"
	"crypto/sha256"
	"encoding/csv"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"report-service/internal/models"
)

// Producer synthesizes report content. It is a pure function of the report
// type and params plus the generation instant; it never touches the store.
type Producer struct{}

func New() *Producer {
	return &Producer{}
}

// Result is the produced artifact content.
type Result struct {
	Content     []byte
	ContentType string
	Checksum    string
}

// Produce renders the report body for the given type and params. The MIME type
// is fully determined by params.Format; the body embeds the generation
// timestamp, so repeated calls differ byte-wise.
func (p *Producer) Produce(reportType string, params models.ReportParams) (Result, error) {
	rows, err := buildRows(reportType, params)
	if err != nil {
		return Result{}, err
	}

	var content []byte
	var contentType string
	switch params.Format {
	case models.FormatCSV:
		content, err = renderCSV(rows)
		contentType = "text/csv"
	case models.FormatJSON:
		content, err = renderJSON(reportType, params, rows)
		contentType = "application/json"
	default:
		return Result{}, fmt.Errorf("unsupported format %q", params.Format)
	}
	if err != nil {
		return Result{}, err
	}

	sum := sha256.Sum256(content)
	return Result{
		Content:     content,
		ContentType: contentType,
		Checksum:    hex.EncodeToString(sum[:]),
	}, nil
}

type row struct {
	Date   string  `json:"date"`
	Metric string  `json:"metric"`
	Value  float64 `json:"value"`
}

// buildRows derives one line per day in the requested range. The values are
// synthesized from the date so the content is stable enough to eyeball but
// carries no real business meaning.
func buildRows(reportType string, params models.ReportParams) ([]row, error) {
	from, err := time.Parse("2006-01-02", params.From)
	if err != nil {
		return nil, fmt.Errorf("parse from date: %w", err)
	}
	to, err := time.Parse("2006-01-02", params.To)
	if err != nil {
		return nil, fmt.Errorf("parse to date: %w", err)
	}
	if to.Before(from) {
		return nil, fmt.Errorf("date range inverted: %s > %s", params.From, params.To)
	}

	metric := metricFor(reportType)
	rows := make([]row, 0)
	for d := from; !d.After(to); d = d.AddDate(0, 0, 1) {
		rows = append(rows, row{
			Date:   d.Format("2006-01-02"),
			Metric: metric,
			Value:  float64(d.YearDay()%97) + float64(d.Day())/100,
		})
	}
	return rows, nil
}

func metricFor(reportType string) string {
	switch reportType {
	case models.TypeBillingExport:
		return "billed_amount"
	case models.TypeAuditSnapshot:
		return "audit_events"
	default:
		return "usage_units"
	}
}

func renderCSV(rows []row) ([]byte, error) {
	var buf bytes.Buffer
	w := csv.NewWriter(&buf)
	if err := w.Write([]string{"date", "metric", "value", "generated_at"}); err != nil {
		return nil, fmt.Errorf("write csv header: %w", err)
	}
	generatedAt := time.Now().UTC().Format(time.RFC3339Nano)
	for _, r := range rows {
		record := []string{r.Date, r.Metric, fmt.Sprintf("%.2f", r.Value), generatedAt}
		if err := w.Write(record); err != nil {
			return nil, fmt.Errorf("write csv row: %w", err)
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return nil, fmt.Errorf("flush csv: %w", err)
	}
	return buf.Bytes(), nil
}

func renderJSON(reportType string, params models.ReportParams, rows []row) ([]byte, error) {
	doc := map[string]any{
		"report_type":  reportType,
		"from":         params.From,
		"to":           params.To,
		"generated_at": time.Now().UTC().Format(time.RFC3339Nano),
		"rows":         rows,
	}
	content, err := json.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("marshal report: %w", err)
	}
	return content, nil
}
