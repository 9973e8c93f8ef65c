package telemetry

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	once sync.Once

	JobsEnqueued    = prometheus.NewCounter(prometheus.CounterOpts{Name: "labrunner_jobs_enqueued_total", Help: "Jobs added to server queues"})
	JobsAdmitted    = prometheus.NewCounter(prometheus.CounterOpts{Name: "labrunner_jobs_admitted_total", Help: "Jobs admitted to a running slot"})
	JobsCompleted   = prometheus.NewCounter(prometheus.CounterOpts{Name: "labrunner_jobs_completed_total", Help: "Jobs that finished successfully"})
	JobsFailed      = prometheus.NewCounter(prometheus.CounterOpts{Name: "labrunner_jobs_failed_total", Help: "Jobs the remote rejected"})
	JobsTimedOut    = prometheus.NewCounter(prometheus.CounterOpts{Name: "labrunner_jobs_timeout_total", Help: "Jobs that exceeded their duration budget"})
	ProbeErrors     = prometheus.NewCounter(prometheus.CounterOpts{Name: "labrunner_probe_transport_errors_total", Help: "Status probes that failed in transport"})
	ProbesThrottled = prometheus.NewCounter(prometheus.CounterOpts{Name: "labrunner_probes_throttled_total", Help: "Status probes skipped by the rate limiter"})
	CutoffProbes    = prometheus.NewCounter(prometheus.CounterOpts{Name: "labrunner_cutoff_probes_total", Help: "Trial executions issued by cutoff discovery"})

	RunningGauge = prometheus.NewGaugeVec(prometheus.GaugeOpts{Name: "labrunner_jobs_running", Help: "Jobs currently running"}, []string{"server"})
	PendingGauge = prometheus.NewGaugeVec(prometheus.GaugeOpts{Name: "labrunner_jobs_pending", Help: "Queue depth"}, []string{"server"})
)

// Handler exposes the /metrics HTTP handler with a singleton registry.
func Handler() http.Handler {
	once.Do(func() {
		prometheus.MustRegister(
			JobsEnqueued,
			JobsAdmitted,
			JobsCompleted,
			JobsFailed,
			JobsTimedOut,
			ProbeErrors,
			ProbesThrottled,
			CutoffProbes,
			RunningGauge,
			PendingGauge,
		)
	})
	return promhttp.Handler()
}
