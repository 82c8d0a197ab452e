package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// EngineMetrics records dispatcher and projection activity.
type EngineMetrics struct {
	tickDuration *prometheus.HistogramVec
	dispatched   *prometheus.CounterVec
	failed       *prometheus.CounterVec
	deadLettered prometheus.Counter
	projected    *prometheus.CounterVec
}

// NewEngineMetrics registers the engine metrics on the provided registerer.
func NewEngineMetrics(reg prometheus.Registerer) *EngineMetrics {
	if reg == nil {
		return &EngineMetrics{}
	}
	tickDuration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "engine_tick_duration_seconds",
		Help:    "Duration of dispatcher and projection ticks in seconds.",
		Buckets: prometheus.DefBuckets,
	}, []string{"worker"})
	dispatched := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "engine_events_dispatched_total",
		Help: "Events successfully published and marked dispatched.",
	}, []string{"name"})
	failed := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "engine_dispatch_failures_total",
		Help: "Per-event dispatch failures, left for retry.",
	}, []string{"name"})
	deadLettered := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "engine_events_dead_lettered_total",
		Help: "Events moved to the dispatch dead-letter table.",
	})
	projected := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "engine_projection_events_total",
		Help: "Events applied by projection runners.",
	}, []string{"projection"})
	reg.MustRegister(tickDuration, dispatched, failed, deadLettered, projected)
	return &EngineMetrics{
		tickDuration: tickDuration,
		dispatched:   dispatched,
		failed:       failed,
		deadLettered: deadLettered,
		projected:    projected,
	}
}

// ObserveTick records the duration of one worker tick.
func (m *EngineMetrics) ObserveTick(worker string, duration time.Duration) {
	if m == nil || m.tickDuration == nil {
		return
	}
	m.tickDuration.WithLabelValues(normalizeLabel(worker)).Observe(duration.Seconds())
}

// IncDispatched counts a successfully dispatched event by name.
func (m *EngineMetrics) IncDispatched(name string) {
	if m == nil || m.dispatched == nil {
		return
	}
	m.dispatched.WithLabelValues(normalizeLabel(name)).Inc()
}

// IncDispatchFailure counts a per-event failure eligible for retry.
func (m *EngineMetrics) IncDispatchFailure(name string) {
	if m == nil || m.failed == nil {
		return
	}
	m.failed.WithLabelValues(normalizeLabel(name)).Inc()
}

// IncDeadLettered counts an event moved to the dead-letter table.
func (m *EngineMetrics) IncDeadLettered() {
	if m == nil || m.deadLettered == nil {
		return
	}
	m.deadLettered.Inc()
}

// AddProjected counts events applied by the named projection.
func (m *EngineMetrics) AddProjected(projection string, n int) {
	if m == nil || m.projected == nil || n <= 0 {
		return
	}
	m.projected.WithLabelValues(normalizeLabel(projection)).Add(float64(n))
}

func normalizeLabel(v string) string {
	if v == "" {
		return "unknown"
	}
	return v
}
