package telemetry

import (
	"context"
	"sync"

	"github.com/psdaq-go/ebcore/internal/observability"

	"go.opentelemetry.io/otel/attribute"
	apimetric "go.opentelemetry.io/otel/metric"
)

// MeterAdapter implements observability.Metrics over an OTel meter,
// creating one instrument per metric name on first use and caching it for
// subsequent calls. Labels become attributes at record time; OTel has no
// notion of a label set fixed at instrument-creation time the way a
// Prometheus client does.
type MeterAdapter struct {
	meter apimetric.Meter

	mu         sync.Mutex
	counters   map[string]apimetric.Float64Counter
	histograms map[string]apimetric.Float64Histogram
	gauges     map[string]apimetric.Float64Gauge
}

// NewMeterAdapter constructs a MeterAdapter over the meter named
// instrumentationName, obtained from providers.MeterProvider.
func NewMeterAdapter(providers Providers, instrumentationName string) *MeterAdapter {
	return &MeterAdapter{
		meter:      providers.MeterProvider.Meter(instrumentationName),
		counters:   make(map[string]apimetric.Float64Counter),
		histograms: make(map[string]apimetric.Float64Histogram),
		gauges:     make(map[string]apimetric.Float64Gauge),
	}
}

var _ observability.Metrics = (*MeterAdapter)(nil)

func (m *MeterAdapter) IncCounter(name string, value float64, labels map[string]string) {
	m.mu.Lock()
	counter, ok := m.counters[name]
	if !ok {
		var err error
		counter, err = m.meter.Float64Counter(name)
		if err != nil {
			m.mu.Unlock()
			return
		}
		m.counters[name] = counter
	}
	m.mu.Unlock()
	counter.Add(context.Background(), value, apimetric.WithAttributes(attributesOf(labels)...))
}

func (m *MeterAdapter) ObserveHistogram(name string, value float64, labels map[string]string) {
	m.mu.Lock()
	hist, ok := m.histograms[name]
	if !ok {
		var err error
		hist, err = m.meter.Float64Histogram(name)
		if err != nil {
			m.mu.Unlock()
			return
		}
		m.histograms[name] = hist
	}
	m.mu.Unlock()
	hist.Record(context.Background(), value, apimetric.WithAttributes(attributesOf(labels)...))
}

func (m *MeterAdapter) SetGauge(name string, value float64, labels map[string]string) {
	m.mu.Lock()
	gauge, ok := m.gauges[name]
	if !ok {
		var err error
		gauge, err = m.meter.Float64Gauge(name)
		if err != nil {
			m.mu.Unlock()
			return
		}
		m.gauges[name] = gauge
	}
	m.mu.Unlock()
	gauge.Record(context.Background(), value, apimetric.WithAttributes(attributesOf(labels)...))
}

func attributesOf(labels map[string]string) []attribute.KeyValue {
	if len(labels) == 0 {
		return nil
	}
	attrs := make([]attribute.KeyValue, 0, len(labels))
	for k, v := range labels {
		attrs = append(attrs, attribute.String(k, v))
	}
	return attrs
}
