package telemetry

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	once sync.Once

	MessagesProcessed = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "etl_messages_processed_total", Help: "Messages processed successfully, per stage"}, []string{"stage"})
	MessagesFailed    = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "etl_messages_failed_total", Help: "Messages whose handler failed and were requeued, per stage"}, []string{"stage"})
	MessagesRejected  = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "etl_messages_rejected_total", Help: "Messages dropped for missing required fields, per stage"}, []string{"stage"})
	TokenPeeks        = prometheus.NewCounter(prometheus.CounterOpts{Name: "etl_token_peeks_total", Help: "Peek-for-token queue inspections"})
	JobResets         = prometheus.NewCounter(prometheus.CounterOpts{Name: "etl_job_resets_total", Help: "Jobs reset back to READY after drain"})
	ResetExtensions   = prometheus.NewCounter(prometheus.CounterOpts{Name: "etl_reset_extensions_total", Help: "Drain checks that found remaining work and extended"})
	FastRetries       = prometheus.NewCounter(prometheus.CounterOpts{Name: "etl_fast_retries_total", Help: "Fast-retry reschedules of the orchestrator"})
	WorkersRunning    = prometheus.NewGauge(prometheus.GaugeOpts{Name: "etl_workers_running", Help: "Worker goroutines currently running"})
)

// Handler exposes the /metrics HTTP handler with a singleton registry.
func Handler() http.Handler {
	once.Do(func() {
		prometheus.MustRegister(
			MessagesProcessed,
			MessagesFailed,
			MessagesRejected,
			TokenPeeks,
			JobResets,
			ResetExtensions,
			FastRetries,
			WorkersRunning,
		)
	})
	return promhttp.Handler()
}
