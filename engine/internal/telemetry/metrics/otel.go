package metrics

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
)

// OTelProviderOptions configures the OpenTelemetry backend.
type OTelProviderOptions struct {
	// MeterName names the instrumentation scope; empty defaults to
	// "lnautopilot".
	MeterName string
}

// NewOTelProvider returns a Provider backed by an OTEL MeterProvider.
// Exporters, views, and resource attributes are layered on by the
// deployment; this keeps the engine itself zero-config. Gauge Set semantics
// are simulated with an UpDownCounter carrying the delta from the last set
// value, since OTEL has no synchronous settable gauge.
func NewOTelProvider(opts OTelProviderOptions) Provider {
	name := opts.MeterName
	if name == "" {
		name = "lnautopilot"
	}
	mp := sdkmetric.NewMeterProvider()
	return &otelProvider{mp: mp, meter: mp.Meter(name)}
}

type otelProvider struct {
	mp    *sdkmetric.MeterProvider
	meter metric.Meter
}

func (p *otelProvider) NewCounter(opts CounterOpts) Counter {
	inst, err := p.meter.Float64Counter(otelName(opts.CommonOpts), metric.WithDescription(opts.Help))
	if err != nil {
		return noopCounter{}
	}
	return &otelCounter{c: inst, labelKeys: opts.Labels}
}

func (p *otelProvider) NewGauge(opts GaugeOpts) Gauge {
	inst, err := p.meter.Float64UpDownCounter(otelName(opts.CommonOpts), metric.WithDescription(opts.Help))
	if err != nil {
		return noopGauge{}
	}
	return &otelGauge{g: inst, labelKeys: opts.Labels}
}

func (p *otelProvider) NewHistogram(opts HistogramOpts) Histogram {
	inst, err := p.meter.Float64Histogram(otelName(opts.CommonOpts), metric.WithDescription(opts.Help))
	if err != nil {
		return noopHistogram{}
	}
	return &otelHistogram{h: inst, labelKeys: opts.Labels}
}

func (p *otelProvider) NewTimer(h HistogramOpts) func() Timer {
	hist := p.NewHistogram(h)
	return func() Timer { return &otelTimer{h: hist, start: time.Now()} }
}

func (p *otelProvider) Health(ctx context.Context) error { return nil }

// otelName joins namespace/subsystem/name with the '.'-separated convention
// OTEL instrument names use.
func otelName(c CommonOpts) string {
	name := c.Name
	if c.Subsystem != "" {
		name = c.Subsystem + "." + name
	}
	if c.Namespace != "" {
		name = c.Namespace + "." + name
	}
	return name
}

type otelCounter struct {
	c         metric.Float64Counter
	labelKeys []string
}

func (c *otelCounter) Inc(delta float64, labels ...string) {
	if delta <= 0 {
		return
	}
	c.c.Add(context.Background(), delta, metric.WithAttributes(attrSet(c.labelKeys, labels)...))
}

type otelGauge struct {
	g         metric.Float64UpDownCounter
	labelKeys []string

	mu   sync.Mutex
	last float64
}

func (g *otelGauge) Set(v float64, labels ...string) {
	g.mu.Lock()
	diff := v - g.last
	g.last = v
	g.mu.Unlock()
	if diff != 0 {
		g.g.Add(context.Background(), diff, metric.WithAttributes(attrSet(g.labelKeys, labels)...))
	}
}

func (g *otelGauge) Add(delta float64, labels ...string) {
	if delta == 0 {
		return
	}
	g.mu.Lock()
	g.last += delta
	g.mu.Unlock()
	g.g.Add(context.Background(), delta, metric.WithAttributes(attrSet(g.labelKeys, labels)...))
}

type otelHistogram struct {
	h         metric.Float64Histogram
	labelKeys []string
}

func (h *otelHistogram) Observe(v float64, labels ...string) {
	h.h.Record(context.Background(), v, metric.WithAttributes(attrSet(h.labelKeys, labels)...))
}

type otelTimer struct {
	h     Histogram
	start time.Time
}

func (t *otelTimer) ObserveDuration(labels ...string) {
	t.h.Observe(time.Since(t.start).Seconds(), labels...)
}

// attrSet pairs positional label keys with the values supplied at the call
// site; extra values without a declared key are dropped.
func attrSet(keys, values []string) []attribute.KeyValue {
	n := min(len(keys), len(values))
	if n == 0 {
		return nil
	}
	attrs := make([]attribute.KeyValue, 0, n)
	for i := 0; i < n; i++ {
		attrs = append(attrs, attribute.String(keys[i], values[i]))
	}
	return attrs
}
