package jobmetrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics exposes Prometheus collectors for background jobs.
type Metrics struct {
	runs     *prometheus.CounterVec
	failures *prometheus.CounterVec
	duration *prometheus.HistogramVec
	relayed  *prometheus.CounterVec
	drift    prometheus.Gauge
}

var (
	defaultOnce    sync.Once
	defaultMetrics *Metrics
)

// NewMetrics registers the job metrics against the provided registerer. When the
// registerer is nil the default Prometheus registerer is used.
func NewMetrics(registerer prometheus.Registerer) *Metrics {
	if registerer == nil {
		defaultOnce.Do(func() {
			defaultMetrics = buildMetrics(prometheus.DefaultRegisterer)
		})
		return defaultMetrics
	}
	return buildMetrics(registerer)
}

// Tracker provides lifecycle instrumentation helpers for a single job run.
type Tracker struct {
	metrics *Metrics
	job     string
	start   time.Time
}

// Track spawns a tracker for the given job name.
func (m *Metrics) Track(job string) *Tracker {
	if m == nil {
		return &Tracker{job: job, start: time.Now()}
	}
	return &Tracker{metrics: m, job: job, start: time.Now()}
}

// End finalises the tracker, recording duration, success/failure counts and
// returning the provided error untouched.
func (t *Tracker) End(err error) error {
	if t == nil || t.metrics == nil || t.job == "" {
		return err
	}
	status := "success"
	if err != nil {
		status = "failure"
		t.metrics.failures.WithLabelValues(t.job).Inc()
	}
	t.metrics.runs.WithLabelValues(t.job, status).Inc()
	t.metrics.duration.WithLabelValues(t.job).Observe(time.Since(t.start).Seconds())
	return err
}

// AddRelayed counts bridge requests handed to the relay by outcome.
func (m *Metrics) AddRelayed(outcome string, count int) {
	if m == nil || count <= 0 {
		return
	}
	m.relayed.WithLabelValues(outcome).Add(float64(count))
}

// SetInvariantDrift records whether the last integrity audit found a mismatch.
func (m *Metrics) SetInvariantDrift(broken bool) {
	if m == nil {
		return
	}
	if broken {
		m.drift.Set(1)
		return
	}
	m.drift.Set(0)
}

func buildMetrics(registerer prometheus.Registerer) *Metrics {
	runs := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "solace_jobs_total",
		Help: "Total job executions partitioned by job name and status.",
	}, []string{"job", "status"})
	failures := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "solace_jobs_failures_total",
		Help: "Total failures observed for background jobs.",
	}, []string{"job"})
	duration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "solace_job_duration_seconds",
		Help:    "Duration in seconds of background job executions.",
		Buckets: prometheus.DefBuckets,
	}, []string{"job"})
	relayed := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "solace_bridge_requests_relayed_total",
		Help: "Bridge initiation requests processed by the relay, by outcome.",
	}, []string{"outcome"})
	drift := prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "solace_ledger_invariant_broken",
		Help: "1 when the last integrity audit found balances out of line with supply.",
	})
	registerer.MustRegister(runs, failures, duration, relayed, drift)
	return &Metrics{runs: runs, failures: failures, duration: duration, relayed: relayed, drift: drift}
}
