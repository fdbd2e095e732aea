package obs

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Label is a key/value pair attached to measurements.
type Label struct {
	Key   string
	Value string
}

// Meter is a very small interface for emitting counters/histograms.
// Implementations may no-op or bridge to a metrics system.
type Meter interface {
	Counter(name string, value float64, labels ...Label)
	Histogram(name string, value float64, labels ...Label)
}

// NopMeter is a Meter that discards all measurements.
type NopMeter struct{}

func (NopMeter) Counter(name string, value float64, labels ...Label)   {}
func (NopMeter) Histogram(name string, value float64, labels ...Label) {}

// OtelMeter bridges Meter to an OpenTelemetry meter. Instruments are created
// lazily on first use and cached by name.
type OtelMeter struct {
	m metric.Meter

	mu         sync.Mutex
	counters   map[string]metric.Float64Counter
	histograms map[string]metric.Float64Histogram
}

// NewOtelMeter returns a Meter recording through provider p under the given
// instrumentation scope. A nil p uses the global provider.
func NewOtelMeter(p metric.MeterProvider, scope string) *OtelMeter {
	if p == nil {
		p = otel.GetMeterProvider()
	}
	return &OtelMeter{
		m:          p.Meter(scope),
		counters:   make(map[string]metric.Float64Counter),
		histograms: make(map[string]metric.Float64Histogram),
	}
}

func (o *OtelMeter) Counter(name string, value float64, labels ...Label) {
	c, err := o.counter(name)
	if err != nil {
		otel.Handle(err)
		return
	}
	c.Add(context.Background(), value, metric.WithAttributes(attributes(labels)...))
}

func (o *OtelMeter) Histogram(name string, value float64, labels ...Label) {
	h, err := o.histogram(name)
	if err != nil {
		otel.Handle(err)
		return
	}
	h.Record(context.Background(), value, metric.WithAttributes(attributes(labels)...))
}

func (o *OtelMeter) counter(name string) (metric.Float64Counter, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if c, ok := o.counters[name]; ok {
		return c, nil
	}
	c, err := o.m.Float64Counter(name)
	if err != nil {
		return nil, err
	}
	o.counters[name] = c
	return c, nil
}

func (o *OtelMeter) histogram(name string) (metric.Float64Histogram, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if h, ok := o.histograms[name]; ok {
		return h, nil
	}
	h, err := o.m.Float64Histogram(name)
	if err != nil {
		return nil, err
	}
	o.histograms[name] = h
	return h, nil
}

func attributes(labels []Label) []attribute.KeyValue {
	if len(labels) == 0 {
		return nil
	}
	kv := make([]attribute.KeyValue, len(labels))
	for i, l := range labels {
		kv[i] = attribute.String(l.Key, l.Value)
	}
	return kv
}
