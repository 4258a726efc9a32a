package worker

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Job outcomes
const (
	outcomeFinished    = "finished"
	outcomeFailed      = "failed"
	outcomeBlocked     = "blocked"
	outcomeInterrupted = "interrupted"
	outcomeZombie      = "zombie"
	outcomeSkipped     = "skipped"
)

// Message reject reasons
const (
	rejectUndecodable = "undecodable"
	rejectUnexpected  = "unexpected_type"
	rejectUnknownJob  = "unknown_job"
)

// Metrics holds the worker's Prometheus collectors
type Metrics struct {
	jobs     *prometheus.CounterVec
	restarts *prometheus.CounterVec
	active   prometheus.Gauge
	rejected *prometheus.CounterVec
}

// NewMetrics creates the worker collectors and registers them with reg
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		jobs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "jobq",
			Subsystem: "worker",
			Name:      "jobs_total",
			Help:      "Jobs taken from the submit queue, by outcome.",
		}, []string{"outcome"}),
		restarts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "jobq",
			Subsystem: "worker",
			Name:      "thread_restarts_total",
			Help:      "Supervised thread restarts, by thread kind.",
		}, []string{"kind"}),
		active: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "jobq",
			Subsystem: "worker",
			Name:      "active_jobs",
			Help:      "Jobs currently being processed.",
		}),
		rejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "jobq",
			Subsystem: "worker",
			Name:      "rejected_messages_total",
			Help:      "Messages rejected without requeue, by reason.",
		}, []string{"reason"}),
	}
	reg.MustRegister(m.jobs, m.restarts, m.active, m.rejected)
	return m
}

func (m *Metrics) jobOutcome(outcome string) {
	m.jobs.WithLabelValues(outcome).Inc()
}

func (m *Metrics) threadRestarted(kind ThreadKind) {
	m.restarts.WithLabelValues(kind.String()).Inc()
}

func (m *Metrics) messageRejected(reason string) {
	m.rejected.WithLabelValues(reason).Inc()
}
