// Package metrics defines the Prometheus collectors for the worker loop.
// A nil *Worker is valid and records nothing.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/SirClappington/jobq/internal/domain"
)

const namespace = "jobq"

// Outcome labels for job_outcomes_total.
const (
	OutcomeCompleted = "completed"
	OutcomeFailed    = "failed"
	OutcomeDead      = "dead"
	OutcomeLost      = "claim_lost"
)

type Worker struct {
	outcomes    *prometheus.CounterVec
	duration    *prometheus.HistogramVec
	inFlight    prometheus.Gauge
	claimErrors prometheus.Counter
	reaped      *prometheus.CounterVec
	cleaned     prometheus.Counter
}

// NewWorker registers the worker collectors with reg.
func NewWorker(reg prometheus.Registerer) *Worker {
	m := &Worker{
		outcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "job_outcomes_total",
			Help:      "Recorded job outcomes by type and outcome.",
		}, []string{"type", "outcome"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "handler_duration_seconds",
			Help:      "Handler execution time by job type.",
			Buckets:   prometheus.ExponentialBuckets(0.01, 4, 8),
		}, []string{"type"}),
		inFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "jobs_in_flight",
			Help:      "Jobs currently executing in this worker.",
		}),
		claimErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "claim_errors_total",
			Help:      "Failed claim attempts against the job store.",
		}),
		reaped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stuck_jobs_reaped_total",
			Help:      "Jobs reset by the stuck-job reaper by resulting status.",
		}, []string{"status"}),
		cleaned: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "jobs_cleaned_total",
			Help:      "Completed jobs deleted by the retention sweep.",
		}),
	}
	reg.MustRegister(m.outcomes, m.duration, m.inFlight, m.claimErrors, m.reaped, m.cleaned)
	return m
}

func (m *Worker) Outcome(t domain.Type, outcome string, took time.Duration) {
	if m == nil {
		return
	}
	m.outcomes.WithLabelValues(string(t), outcome).Inc()
	m.duration.WithLabelValues(string(t)).Observe(took.Seconds())
}

func (m *Worker) JobStarted() {
	if m != nil {
		m.inFlight.Inc()
	}
}

func (m *Worker) JobFinished() {
	if m != nil {
		m.inFlight.Dec()
	}
}

func (m *Worker) ClaimError() {
	if m != nil {
		m.claimErrors.Inc()
	}
}

func (m *Worker) Reaped(status domain.Status) {
	if m != nil {
		m.reaped.WithLabelValues(string(status)).Inc()
	}
}

func (m *Worker) Cleaned(n int64) {
	if m != nil {
		m.cleaned.Add(float64(n))
	}
}
