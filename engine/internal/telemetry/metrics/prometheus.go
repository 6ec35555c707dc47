package metrics

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"regexp"
	"strings"
	"sync"
	"time"

	prom "github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var metricNameRE = regexp.MustCompile(`^[a-zA-Z_:][a-zA-Z0-9_:]*$`)

// PrometheusProvider implements Provider on a Prometheus registry. The
// engine's instrument set is small and its label values are bounded
// (channel-independent: subsystem names, decision kinds, severities), so
// instruments are registered eagerly and cached by fully-qualified name.
type PrometheusProvider struct {
	reg *prom.Registry

	mu         sync.RWMutex
	counters   map[string]*prom.CounterVec
	gauges     map[string]*prom.GaugeVec
	histograms map[string]*prom.HistogramVec
	problems   []error

	handler http.Handler
}

type PrometheusProviderOptions struct {
	// Registry lets the caller supply a shared registry; nil creates one.
	Registry *prom.Registry
}

func NewPrometheusProvider(opts PrometheusProviderOptions) *PrometheusProvider {
	reg := opts.Registry
	if reg == nil {
		reg = prom.NewRegistry()
	}
	return &PrometheusProvider{
		reg:        reg,
		counters:   make(map[string]*prom.CounterVec),
		gauges:     make(map[string]*prom.GaugeVec),
		histograms: make(map[string]*prom.HistogramVec),
		handler:    promhttp.HandlerFor(reg, promhttp.HandlerOpts{}),
	}
}

// MetricsHandler returns the HTTP handler serving the /metrics scrape
// endpoint for this provider's registry.
func (p *PrometheusProvider) MetricsHandler() http.Handler { return p.handler }

func fqName(c CommonOpts) (string, error) {
	if c.Name == "" {
		return "", errors.New("metric name required")
	}
	parts := make([]string, 0, 3)
	if c.Namespace != "" {
		parts = append(parts, c.Namespace)
	}
	if c.Subsystem != "" {
		parts = append(parts, c.Subsystem)
	}
	parts = append(parts, c.Name)
	fq := strings.Join(parts, "_")
	if !metricNameRE.MatchString(fq) {
		return "", fmt.Errorf("invalid metric name: %s", fq)
	}
	return fq, nil
}

func (p *PrometheusProvider) NewCounter(opts CounterOpts) Counter {
	fq, err := fqName(opts.CommonOpts)
	if err != nil {
		p.recordProblem(err)
		return noopCounter{}
	}
	p.mu.RLock()
	cv := p.counters[fq]
	p.mu.RUnlock()
	if cv == nil {
		vec := prom.NewCounterVec(prom.CounterOpts{Name: fq, Help: opts.Help}, opts.Labels)
		if cv, err = registerOrExisting(p, vec); err != nil {
			return noopCounter{}
		}
		p.mu.Lock()
		p.counters[fq] = cv
		p.mu.Unlock()
	}
	return promCounter{cv: cv}
}

func (p *PrometheusProvider) NewGauge(opts GaugeOpts) Gauge {
	fq, err := fqName(opts.CommonOpts)
	if err != nil {
		p.recordProblem(err)
		return noopGauge{}
	}
	p.mu.RLock()
	gv := p.gauges[fq]
	p.mu.RUnlock()
	if gv == nil {
		vec := prom.NewGaugeVec(prom.GaugeOpts{Name: fq, Help: opts.Help}, opts.Labels)
		if gv, err = registerOrExisting(p, vec); err != nil {
			return noopGauge{}
		}
		p.mu.Lock()
		p.gauges[fq] = gv
		p.mu.Unlock()
	}
	return promGauge{gv: gv}
}

func (p *PrometheusProvider) NewHistogram(opts HistogramOpts) Histogram {
	fq, err := fqName(opts.CommonOpts)
	if err != nil {
		p.recordProblem(err)
		return noopHistogram{}
	}
	p.mu.RLock()
	hv := p.histograms[fq]
	p.mu.RUnlock()
	if hv == nil {
		buckets := opts.Buckets
		if len(buckets) == 0 {
			buckets = prom.DefBuckets
		}
		vec := prom.NewHistogramVec(prom.HistogramOpts{Name: fq, Help: opts.Help, Buckets: buckets}, opts.Labels)
		if hv, err = registerOrExisting(p, vec); err != nil {
			return noopHistogram{}
		}
		p.mu.Lock()
		p.histograms[fq] = hv
		p.mu.Unlock()
	}
	return promHistogram{hv: hv}
}

func (p *PrometheusProvider) NewTimer(h HistogramOpts) func() Timer {
	hist := p.NewHistogram(h)
	return func() Timer { return &promTimer{hist: hist, start: time.Now()} }
}

// Health reports any instrument-construction problems accumulated so far;
// instrumentation failures never surface at the call sites themselves.
func (p *PrometheusProvider) Health(ctx context.Context) error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if len(p.problems) == 0 {
		return nil
	}
	return fmt.Errorf("prometheus provider encountered %d problems (first: %v)", len(p.problems), p.problems[0])
}

func (p *PrometheusProvider) recordProblem(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.problems = append(p.problems, err)
}

// registerOrExisting registers vec, resolving AlreadyRegisteredError to the
// existing collector so two constructions of the same instrument share it.
func registerOrExisting[T prom.Collector](p *PrometheusProvider, vec T) (T, error) {
	err := p.reg.Register(vec)
	if err == nil {
		return vec, nil
	}
	var are prom.AlreadyRegisteredError
	if errors.As(err, &are) {
		if existing, ok := are.ExistingCollector.(T); ok {
			return existing, nil
		}
	}
	p.recordProblem(err)
	var zero T
	return zero, err
}

type promCounter struct {
	cv *prom.CounterVec
}

func (c promCounter) Inc(delta float64, labels ...string) {
	if delta <= 0 {
		return
	}
	c.cv.WithLabelValues(labels...).Add(delta)
}

type promGauge struct {
	gv *prom.GaugeVec
}

func (g promGauge) Set(v float64, labels ...string) {
	g.gv.WithLabelValues(labels...).Set(v)
}

func (g promGauge) Add(delta float64, labels ...string) {
	if delta == 0 {
		return
	}
	g.gv.WithLabelValues(labels...).Add(delta)
}

type promHistogram struct {
	hv *prom.HistogramVec
}

func (h promHistogram) Observe(v float64, labels ...string) {
	h.hv.WithLabelValues(labels...).Observe(v)
}

type promTimer struct {
	hist  Histogram
	start time.Time
}

func (t *promTimer) ObserveDuration(labels ...string) {
	t.hist.Observe(time.Since(t.start).Seconds(), labels...)
}
