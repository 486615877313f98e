package metrics

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/loiht2/ml-platform-finetune-orchestrator/models"
)

const namespace = "finetune"

// Recorder exposes orchestrator metrics. A nil *Recorder records nothing.
type Recorder struct {
	jobsSubmitted     *prometheus.CounterVec
	transitions       *prometheus.CounterVec
	activeJobs        *prometheus.GaugeVec
	metricFlushes     *prometheus.CounterVec
	pointsFlushed     *prometheus.CounterVec
	pollErrors        *prometheus.CounterVec
	storeSyncFailures prometheus.Counter
	storeAvailable    prometheus.Gauge
}

// NewRecorder creates the collectors and registers them with registry
func NewRecorder(registry prometheus.Registerer) (*Recorder, error) {
	r := &Recorder{
		jobsSubmitted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "jobs_submitted_total",
				Help:      "Total number of training jobs accepted by a provider",
			},
			[]string{"provider"},
		),
		transitions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "job_transitions_total",
				Help:      "Total number of job state transitions",
			},
			[]string{"provider", "from", "to"},
		),
		activeJobs: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "active_jobs",
				Help:      "Jobs in the active set by status",
			},
			[]string{"status"},
		),
		metricFlushes: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "metric_flushes_total",
				Help:      "Metric batch delivery attempts by result",
			},
			[]string{"provider", "result"},
		),
		pointsFlushed: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "metric_points_flushed_total",
				Help:      "Metric points delivered to providers",
			},
			[]string{"provider"},
		),
		pollErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "status_poll_errors_total",
				Help:      "Failed provider status polls",
			},
			[]string{"provider"},
		),
		storeSyncFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "store_sync_failures_total",
			Help:      "Failed writes of job state to the persistent store",
		}),
		storeAvailable: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "store_available",
			Help:      "1 when the persistent store accepted the last write, 0 while running in memory only",
		}),
	}

	for _, c := range []prometheus.Collector{
		r.jobsSubmitted, r.transitions, r.activeJobs, r.metricFlushes,
		r.pointsFlushed, r.pollErrors, r.storeSyncFailures, r.storeAvailable,
	} {
		if err := registry.Register(c); err != nil {
			return nil, err
		}
	}
	r.storeAvailable.Set(1)
	return r, nil
}

func (r *Recorder) JobSubmitted(provider string) {
	if r == nil {
		return
	}
	r.jobsSubmitted.WithLabelValues(provider).Inc()
}

func (r *Recorder) Transition(provider string, from, to models.Status) {
	if r == nil {
		return
	}
	r.transitions.WithLabelValues(provider, string(from), string(to)).Inc()
}

// SetActive replaces the per-status gauge with counts
func (r *Recorder) SetActive(counts map[models.Status]int) {
	if r == nil {
		return
	}
	for _, s := range models.AllStatuses {
		r.activeJobs.WithLabelValues(string(s)).Set(float64(counts[s]))
	}
}

// MetricFlush records one batch delivery attempt for a provider
func (r *Recorder) MetricFlush(provider string, points int, err error) {
	if r == nil {
		return
	}
	if err != nil {
		r.metricFlushes.WithLabelValues(provider, "error").Inc()
		return
	}
	r.metricFlushes.WithLabelValues(provider, "ok").Inc()
	r.pointsFlushed.WithLabelValues(provider).Add(float64(points))
}

func (r *Recorder) PollError(provider string) {
	if r == nil {
		return
	}
	r.pollErrors.WithLabelValues(provider).Inc()
}

// StoreSync records the outcome of a store write
func (r *Recorder) StoreSync(err error) {
	if r == nil {
		return
	}
	if err != nil {
		r.storeSyncFailures.Inc()
		r.storeAvailable.Set(0)
		return
	}
	r.storeAvailable.Set(1)
}
