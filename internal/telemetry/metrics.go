package telemetry

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	once sync.Once

	ReportsSubmitted = prometheus.NewCounter(prometheus.CounterOpts{Name: "reports_submitted_total", Help: "Report rows created via the API"})
	ReportsDeduped   = prometheus.NewCounter(prometheus.CounterOpts{Name: "reports_deduplicated_total", Help: "Submissions resolved to an existing report"})
	ClaimsTotal      = prometheus.NewCounter(prometheus.CounterOpts{Name: "reports_claimed_total", Help: "Jobs claimed by workers"})
	CompletedTotal   = prometheus.NewCounter(prometheus.CounterOpts{Name: "reports_completed_total", Help: "Jobs completed with a fresh artifact"})
	ConvergedTotal   = prometheus.NewCounter(prometheus.CounterOpts{Name: "reports_converged_total", Help: "Jobs completed by observing a peer's artifact"})
	RetriesTotal     = prometheus.NewCounter(prometheus.CounterOpts{Name: "reports_retried_total", Help: "Failed attempts returned to PENDING"})
	FailedTotal      = prometheus.NewCounter(prometheus.CounterOpts{Name: "reports_failed_total", Help: "Jobs that exhausted max attempts"})
	StaleRecovered   = prometheus.NewCounter(prometheus.CounterOpts{Name: "reports_stale_leases_recovered_total", Help: "RUNNING rows reset after lease expiry"})
)

// Handler exposes the /metrics HTTP handler with a singleton registry.
func Handler() http.Handler {
	once.Do(func() {
		prometheus.MustRegister(
			ReportsSubmitted,
			ReportsDeduped,
			ClaimsTotal,
			CompletedTotal,
			ConvergedTotal,
			RetriesTotal,
			FailedTotal,
			StaleRecovered,
		)
	})
	return promhttp.Handler()
}
