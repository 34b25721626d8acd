package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"report-service/internal/models"
	"report-service/internal/service"
	"report-service/internal/store"
	"report-service/internal/telemetry"
)

const maxIdempotencyKeyLen = 255

// Server wires HTTP handlers for the report API.
type Server struct {
	reports *service.Reports
	log     *zap.SugaredLogger
}

// New constructs the API server.
func New(reports *service.Reports, log *zap.SugaredLogger) *Server {
	return &Server{reports: reports, log: log}
}

// Router builds the HTTP router.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(CorrelationID)

	r.Get("/health", s.handleHealth)
	r.Mount("/metrics", telemetry.Handler())

	r.Post("/reports", s.handleSubmit)
	r.Get("/reports/{id}", s.handleGetReport)
	r.Get("/reports/{id}/download", s.handleDownload)
	r.Get("/tenants/{tenant}/reports", s.handleList)
	return r
}

type submitParams struct {
	From   string `json:"from"`
	To     string `json:"to"`
	Format string `json:"format"`
}

type submitRequest struct {
	Tenant string       `json:"tenant"`
	Type   string       `json:"type"`
	Params submitParams `json:"params"`
}

type reportResponse struct {
	models.Report
	Artifact *models.Artifact `json:"artifact,omitempty"`
}

func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	var req submitRequest
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(&req); err != nil {
		s.writeError(w, r, http.StatusBadRequest, "invalid request body")
		return
	}
	if msg, ok := validateSubmit(req); !ok {
		s.writeError(w, r, http.StatusBadRequest, msg)
		return
	}

	key := r.Header.Get("Idempotency-Key")
	if len(key) > maxIdempotencyKeyLen {
		s.writeError(w, r, http.StatusBadRequest, "Idempotency-Key exceeds 255 characters")
		return
	}

	report, created, err := s.reports.Resolve(r.Context(), service.SubmitRequest{
		TenantID: strings.TrimSpace(req.Tenant),
		Type:     req.Type,
		Params: models.ReportParams{
			From:   req.Params.From,
			To:     req.Params.To,
			Format: req.Params.Format,
		},
		IdempotencyKey: key,
	})
	if err != nil {
		s.logError(r, "submit report", err)
		s.writeError(w, r, http.StatusInternalServerError, "internal server error")
		return
	}

	status := http.StatusOK
	var artifact *models.Artifact
	if created {
		status = http.StatusCreated
		telemetry.ReportsSubmitted.Inc()
	} else {
		telemetry.ReportsDeduped.Inc()
		// A replayed submission may resolve to an already-completed report;
		// its representation carries the artifact metadata.
		if report.State == models.StateCompleted {
			if _, meta, err := s.reports.GetReport(r.Context(), report.ID); err == nil {
				artifact = meta
			}
		}
	}
	writeJSON(w, status, reportResponse{Report: report, Artifact: artifact})
}

func validateSubmit(req submitRequest) (string, bool) {
	tenant := strings.TrimSpace(req.Tenant)
	if tenant == "" || len(tenant) > 64 {
		return "tenant is required and must be at most 64 characters", false
	}
	if !models.ValidType(req.Type) {
		return fmt.Sprintf("unknown report type %q", req.Type), false
	}
	if !models.ValidFormat(req.Params.Format) {
		return fmt.Sprintf("unknown output format %q", req.Params.Format), false
	}
	from, err := time.Parse("2006-01-02", req.Params.From)
	if err != nil {
		return "params.from must be a YYYY-MM-DD date", false
	}
	to, err := time.Parse("2006-01-02", req.Params.To)
	if err != nil {
		return "params.to must be a YYYY-MM-DD date", false
	}
	if to.Before(from) {
		return "params.to must not precede params.from", false
	}
	return "", true
}

func (s *Server) handleGetReport(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	report, artifact, err := s.reports.GetReport(r.Context(), id)
	if errors.Is(err, service.ErrNotFound) {
		s.writeError(w, r, http.StatusNotFound, "report not found")
		return
	}
	if err != nil {
		s.logError(r, "get report", err)
		s.writeError(w, r, http.StatusInternalServerError, "internal server error")
		return
	}
	writeJSON(w, http.StatusOK, reportResponse{Report: report, Artifact: artifact})
}

func (s *Server) handleDownload(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	artifact, err := s.reports.GetArtifact(r.Context(), id)
	if errors.Is(err, service.ErrNotFound) {
		s.writeError(w, r, http.StatusNotFound, "report or artifact not found")
		return
	}
	if errors.Is(err, service.ErrConflict) {
		s.writeError(w, r, http.StatusConflict, "report is not completed yet")
		return
	}
	if err != nil {
		s.logError(r, "download artifact", err)
		s.writeError(w, r, http.StatusInternalServerError, "internal server error")
		return
	}

	w.Header().Set("Content-Type", artifact.ContentType)
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", "report-"+id))
	w.Header().Set("Content-Length", strconv.FormatInt(artifact.SizeBytes, 10))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(artifact.Content)
}

type listResponse struct {
	Reports    []models.Report `json:"reports"`
	NextCursor string          `json:"next_cursor,omitempty"`
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	tenant := chi.URLParam(r, "tenant")
	query := r.URL.Query()

	filter := store.ListFilter{
		TenantID: tenant,
		State:    query.Get("state"),
		Type:     query.Get("type"),
		Cursor:   query.Get("cursor"),
	}
	if filter.State != "" && !validState(filter.State) {
		s.writeError(w, r, http.StatusBadRequest, fmt.Sprintf("unknown state %q", filter.State))
		return
	}
	if filter.Type != "" && !models.ValidType(filter.Type) {
		s.writeError(w, r, http.StatusBadRequest, fmt.Sprintf("unknown report type %q", filter.Type))
		return
	}
	if raw := query.Get("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit < 1 {
			s.writeError(w, r, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		filter.Limit = limit
	}

	reports, nextCursor, err := s.reports.List(r.Context(), filter)
	if err != nil {
		s.logError(r, "list reports", err)
		s.writeError(w, r, http.StatusInternalServerError, "internal server error")
		return
	}
	writeJSON(w, http.StatusOK, listResponse{Reports: reports, NextCursor: nextCursor})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if !s.reports.Healthy(r.Context()) {
		s.writeError(w, r, http.StatusServiceUnavailable, "store unavailable")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func validState(state string) bool {
	switch state {
	case models.StatePending, models.StateRunning, models.StateCompleted, models.StateFailed:
		return true
	}
	return false
}

type errorPayload struct {
	StatusCode    int    `json:"statusCode"`
	Timestamp     string `json:"timestamp"`
	Path          string `json:"path"`
	CorrelationID string `json:"correlationId"`
	Message       string `json:"message"`
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, statusCode int, message string) {
	writeJSON(w, statusCode, errorPayload{
		StatusCode:    statusCode,
		Timestamp:     time.Now().UTC().Format(time.RFC3339),
		Path:          r.URL.Path,
		CorrelationID: GetCorrelationID(r.Context()),
		Message:       message,
	})
}

func (s *Server) logError(r *http.Request, msg string, err error) {
	s.log.Errorw(msg, "error", err, "path", r.URL.Path, "correlation_id", GetCorrelationID(r.Context()))
}

func writeJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(payload)
}
