package observability

import "sync"

// Metrics provides counters, gauges, and histogram recording primitives.
type Metrics interface {
	IncCounter(name string, value float64, labels map[string]string)
	ObserveHistogram(name string, value float64, labels map[string]string)
	SetGauge(name string, value float64, labels map[string]string)
}

var defaultMetrics Metrics = noopMetrics{}

// SetMetrics overrides the global metrics implementation used by the system.
func SetMetrics(metrics Metrics) {
	if metrics == nil {
		defaultMetrics = noopMetrics{}
		return
	}
	defaultMetrics = metrics
}

// Telemetry returns the current global metrics collector.
func Telemetry() Metrics {
	return defaultMetrics
}

type noopMetrics struct{}

func (noopMetrics) IncCounter(string, float64, map[string]string)       {}
func (noopMetrics) ObserveHistogram(string, float64, map[string]string) {}
func (noopMetrics) SetGauge(string, float64, map[string]string)         {}

// BuilderMetricsSnapshot captures event-builder-focused runtime counters.
type BuilderMetricsSnapshot struct {
	PoolAvailable         map[string]int   `json:"pool_available"`
	TimeoutFixups         map[string]int   `json:"timeout_fixups"`
	ThrottledMilliseconds map[string]int64 `json:"throttled_ms"`
}

// RuntimeMetrics accumulates builder metrics in-memory for periodic export.
type RuntimeMetrics struct {
	mu      sync.Mutex
	builder BuilderMetricsSnapshot
}

// NewRuntimeMetrics constructs a metrics accumulator with empty maps.
func NewRuntimeMetrics() *RuntimeMetrics {
	metrics := new(RuntimeMetrics)
	metrics.builder = BuilderMetricsSnapshot{
		PoolAvailable:         make(map[string]int),
		TimeoutFixups:         make(map[string]int),
		ThrottledMilliseconds: make(map[string]int64),
	}
	return metrics
}

// RecordPoolAvailable tracks the latest free-cell count for a named pool.
func (m *RuntimeMetrics) RecordPoolAvailable(pool string, available int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.builder.PoolAvailable[pool] = available
}

// IncrementTimeoutFixups increments the forced-completion counter for a
// contract/read-out group key.
func (m *RuntimeMetrics) IncrementTimeoutFixups(group string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.builder.TimeoutFixups[group]++
}

// AddThrottledMilliseconds accumulates rate-limiter-suppressed verbose
// logging time for a component key.
func (m *RuntimeMetrics) AddThrottledMilliseconds(component string, delta int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.builder.ThrottledMilliseconds[component] += delta
}

// Snapshot copies the current builder metrics state for reporting.
func (m *RuntimeMetrics) Snapshot() BuilderMetricsSnapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	snapshot := BuilderMetricsSnapshot{
		PoolAvailable:         make(map[string]int, len(m.builder.PoolAvailable)),
		TimeoutFixups:         make(map[string]int, len(m.builder.TimeoutFixups)),
		ThrottledMilliseconds: make(map[string]int64, len(m.builder.ThrottledMilliseconds)),
	}
	for k, v := range m.builder.PoolAvailable {
		snapshot.PoolAvailable[k] = v
	}
	for k, v := range m.builder.TimeoutFixups {
		snapshot.TimeoutFixups[k] = v
	}
	for k, v := range m.builder.ThrottledMilliseconds {
		snapshot.ThrottledMilliseconds[k] = v
	}
	return snapshot
}
