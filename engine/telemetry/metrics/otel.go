package metrics

import (
	"context"
	"strings"
	"sync"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
)

// OTelProviderOptions configures the OpenTelemetry bridge.
type OTelProviderOptions struct {
	ServiceName string // meter name; "claw" when empty
}

// NewOTelProvider returns a Provider backed by an OTel MeterProvider.
// Exporters and views can be layered on by callers via the SDK; this bridge
// stays zero-config so deployments choose their own pipeline.
func NewOTelProvider(opts OTelProviderOptions) Provider {
	mp := sdkmetric.NewMeterProvider()
	name := opts.ServiceName
	if name == "" {
		name = "claw"
	}
	return &otelProvider{mp: mp, meter: mp.Meter(name)}
}

type otelProvider struct {
	mp    *sdkmetric.MeterProvider
	meter metric.Meter
}

func otelName(c CommonOpts) string {
	parts := make([]string, 0, 3)
	if c.Namespace != "" {
		parts = append(parts, c.Namespace)
	}
	if c.Subsystem != "" {
		parts = append(parts, c.Subsystem)
	}
	parts = append(parts, c.Name)
	return strings.Join(parts, ".")
}

func attrs(keys, values []string) []attribute.KeyValue {
	n := len(keys)
	if len(values) < n {
		n = len(values)
	}
	out := make([]attribute.KeyValue, 0, n)
	for i := 0; i < n; i++ {
		out = append(out, attribute.String(keys[i], values[i]))
	}
	return out
}

func (p *otelProvider) NewCounter(opts CounterOpts) Counter {
	inst, err := p.meter.Float64Counter(otelName(opts.CommonOpts), metric.WithDescription(opts.Help))
	if err != nil {
		return noopCounter{}
	}
	return otelCounter{c: inst, labels: opts.Labels}
}

func (p *otelProvider) NewGauge(opts GaugeOpts) Gauge {
	// Gauge Set semantics are simulated with an UpDownCounter delta.
	inst, err := p.meter.Float64UpDownCounter(otelName(opts.CommonOpts), metric.WithDescription(opts.Help))
	if err != nil {
		return noopGauge{}
	}
	return &otelGauge{c: inst, labels: opts.Labels, last: make(map[string]float64)}
}

func (p *otelProvider) NewHistogram(opts HistogramOpts) Histogram {
	inst, err := p.meter.Float64Histogram(otelName(opts.CommonOpts), metric.WithDescription(opts.Help))
	if err != nil {
		return noopHistogram{}
	}
	return otelHistogram{h: inst, labels: opts.Labels}
}

func (p *otelProvider) Health(context.Context) error { return nil }

type otelCounter struct {
	c      metric.Float64Counter
	labels []string
}

func (c otelCounter) Inc(delta float64, labels ...string) {
	c.c.Add(context.Background(), delta, metric.WithAttributes(attrs(c.labels, labels)...))
}

type otelGauge struct {
	c      metric.Float64UpDownCounter
	labels []string

	mu   sync.Mutex
	last map[string]float64
}

func (g *otelGauge) Set(v float64, labels ...string) {
	key := strings.Join(labels, "\x00")
	g.mu.Lock()
	delta := v - g.last[key]
	g.last[key] = v
	g.mu.Unlock()
	g.c.Add(context.Background(), delta, metric.WithAttributes(attrs(g.labels, labels)...))
}

func (g *otelGauge) Add(delta float64, labels ...string) {
	key := strings.Join(labels, "\x00")
	g.mu.Lock()
	g.last[key] += delta
	g.mu.Unlock()
	g.c.Add(context.Background(), delta, metric.WithAttributes(attrs(g.labels, labels)...))
}

type otelHistogram struct {
	h      metric.Float64Histogram
	labels []string
}

func (h otelHistogram) Observe(v float64, labels ...string) {
	h.h.Record(context.Background(), v, metric.WithAttributes(attrs(h.labels, labels)...))
}
