package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "assetpipe"

// Metrics holds the Prometheus collectors of the pipeline. A nil *Metrics is valid
// and records nothing, so components can run without a registry.
type Metrics struct {
	CacheHits      prometheus.Counter
	CacheMisses    prometheus.Counter
	CacheEvictions prometheus.Counter
	CacheRefused   prometheus.Counter
	CacheBytes     prometheus.Gauge
	CacheEntries   prometheus.Gauge

	JobTransitions *prometheus.CounterVec
	JobsActive     prometheus.Gauge
	JobRetries     prometheus.Counter
	StageDuration  *prometheus.HistogramVec

	QualityLevel   prometheus.Gauge
	QualityVersion prometheus.Gauge
	FPS            prometheus.Gauge
	FrameTimeMs    prometheus.Gauge
}

// New registers every collector on reg.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		CacheHits: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "cache", Name: "hits_total",
			Help: "Cache lookups that found a record.",
		}),
		CacheMisses: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "cache", Name: "misses_total",
			Help: "Cache lookups that found nothing.",
		}),
		CacheEvictions: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "cache", Name: "evictions_total",
			Help: "Records evicted to make room for new inserts.",
		}),
		CacheRefused: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "cache", Name: "refused_total",
			Help: "Inserts refused because the record could not fit in the budget.",
		}),
		CacheBytes: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "cache", Name: "bytes",
			Help: "Bytes currently held by the cache.",
		}),
		CacheEntries: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "cache", Name: "entries",
			Help: "Records currently held by the cache.",
		}),
		JobTransitions: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "scheduler", Name: "job_transitions_total",
			Help: "Job state transitions by target state.",
		}, []string{"state"}),
		JobsActive: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "scheduler", Name: "jobs_active",
			Help: "Jobs currently loading.",
		}),
		JobRetries: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "scheduler", Name: "retries_total",
			Help: "Automatic retries of failed jobs.",
		}),
		StageDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace, Subsystem: "scheduler", Name: "stage_duration_seconds",
			Help:    "Duration of pipeline stages.",
			Buckets: prometheus.ExponentialBuckets(0.001, 4, 8),
		}, []string{"stage"}),
		QualityLevel: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "quality", Name: "level",
			Help: "Effective quality level (0=low, 3=ultra).",
		}),
		QualityVersion: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "quality", Name: "settings_version",
			Help: "Version of the current quality settings.",
		}),
		FPS: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "telemetry", Name: "fps",
			Help: "Most recently sampled frames per second.",
		}),
		FrameTimeMs: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "telemetry", Name: "frame_time_ms",
			Help: "Most recently sampled frame time in milliseconds.",
		}),
	}
}

func (m *Metrics) CacheLookup(hit bool) {
	if m == nil {
		return
	}
	if hit {
		m.CacheHits.Inc()
	} else {
		m.CacheMisses.Inc()
	}
}

func (m *Metrics) CacheEvicted(n int) {
	if m == nil || n == 0 {
		return
	}
	m.CacheEvictions.Add(float64(n))
}

func (m *Metrics) CacheRefusal() {
	if m == nil {
		return
	}
	m.CacheRefused.Inc()
}

func (m *Metrics) CacheUsage(bytes int64, entries int) {
	if m == nil {
		return
	}
	m.CacheBytes.Set(float64(bytes))
	m.CacheEntries.Set(float64(entries))
}

func (m *Metrics) JobTransition(state string) {
	if m == nil {
		return
	}
	m.JobTransitions.WithLabelValues(state).Inc()
}

func (m *Metrics) SetActiveJobs(n int) {
	if m == nil {
		return
	}
	m.JobsActive.Set(float64(n))
}

func (m *Metrics) Retry() {
	if m == nil {
		return
	}
	m.JobRetries.Inc()
}

func (m *Metrics) ObserveStage(stage string, seconds float64) {
	if m == nil {
		return
	}
	m.StageDuration.WithLabelValues(stage).Observe(seconds)
}

func (m *Metrics) Quality(level int, version uint64) {
	if m == nil {
		return
	}
	m.QualityLevel.Set(float64(level))
	m.QualityVersion.Set(float64(version))
}

func (m *Metrics) Sample(fps, frameTimeMs float64) {
	if m == nil {
		return
	}
	m.FPS.Set(fps)
	m.FrameTimeMs.Set(frameTimeMs)
}
