package api

import (
	"context"
	"net/http"

	"github.com/google/uuid"

	"report-service/internal/logging"
)

// CorrelationHeader is consumed from the request and echoed on every response.
const CorrelationHeader = "x-correlation-id"

// CorrelationID echoes the request's correlation id or mints one, stashes it
// in the context and sets it on the response.
func CorrelationID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		correlationID := r.Header.Get(CorrelationHeader)
		if correlationID == "" {
			correlationID = uuid.NewString()
		}

		ctx := logging.WithCorrelationID(r.Context(), correlationID)
		w.Header().Set(CorrelationHeader, correlationID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// GetCorrelationID returns the correlation id carried by ctx.
func GetCorrelationID(ctx context.Context) string {
	if id := logging.CorrelationID(ctx); id != "" {
		return id
	}
	return "unknown"
}
