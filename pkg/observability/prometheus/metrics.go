// Package prometheus wires pkg/service's MetricsSink to the Prometheus
// client, projecting the sink's arbitrary per-request Tags down to a small,
// fixed label set so a connection's tag decorator can't blow up metric
// cardinality. See the natssink package for a sink that forwards tags
// verbatim instead.
package prometheus

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/fluxorio/pipeline/pkg/service"
)

var (
	// DefaultRegistry is the default Prometheus registry.
	DefaultRegistry = prometheus.NewRegistry()

	// DefaultRegisterer namespaces every metric under this package with a
	// constant "component" label, so the pipeline's metrics can be told
	// apart from whatever else shares the registry.
	DefaultRegisterer = prometheus.WrapRegistererWith(prometheus.Labels{"component": "pipeline"}, DefaultRegistry)
)

// Sink implements service.MetricsSink against the five metrics the core
// emits: requests, latency, errors, concurrent_requests and
// requests_per_connection. All are labeled by Config.Name only; arbitrary
// Tags are never promoted to labels here.
type Sink struct {
	requests   *prometheus.CounterVec
	latencyMs  *prometheus.HistogramVec
	errors     *prometheus.CounterVec
	concurrent *prometheus.GaugeVec
	perConn    *prometheus.HistogramVec
}

var _ service.MetricsSink = (*Sink)(nil)

// NewSink registers the pipeline's metrics against registerer and returns a
// Sink ready to pass to service.WithMetrics. A nil registerer uses
// DefaultRegisterer.
func NewSink(registerer prometheus.Registerer) *Sink {
	if registerer == nil {
		registerer = DefaultRegisterer
	}
	f := promauto.With(registerer)

	return &Sink{
		requests: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pipeline_requests_total",
				Help: "Total number of responses pushed to the wire.",
			},
			[]string{"name"},
		),
		latencyMs: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "pipeline_request_latency_ms",
				Help:    "Time from admission to push, in milliseconds.",
				Buckets: []float64{1, 2, 5, 10, 25, 50, 100, 250, 500, 1000, 2500, 5000},
			},
			[]string{"name"},
		),
		errors: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pipeline_errors_total",
				Help: "Total number of handler, timeout, overflow or dropped-reply failures.",
			},
			[]string{"name", "class"},
		),
		concurrent: f.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "pipeline_concurrent_requests",
				Help: "Number of requests admitted but not yet emitted, per connection's owning service.",
			},
			[]string{"name"},
		),
		perConn: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "pipeline_requests_per_connection",
				Help:    "Total requests seen on one connection, recorded once at close.",
				Buckets: prometheus.ExponentialBuckets(1, 4, 10),
			},
			[]string{"name"},
		),
	}
}

func (s *Sink) IncRequests(name string, _ service.Tags) {
	s.requests.WithLabelValues(name).Inc()
}

func (s *Sink) ObserveLatencyMs(name string, ms float64, _ service.Tags) {
	s.latencyMs.WithLabelValues(name).Observe(ms)
}

func (s *Sink) IncErrors(name string, class service.ErrorClass, _ service.Tags) {
	s.errors.WithLabelValues(name, string(class)).Inc()
}

func (s *Sink) AddConcurrentRequests(name string, delta int) {
	s.concurrent.WithLabelValues(name).Add(float64(delta))
}

func (s *Sink) ObserveRequestsPerConnection(name string, count float64) {
	s.perConn.WithLabelValues(name).Observe(count)
}

// Registry lazily creates ad hoc counters, gauges and histograms on first
// use and returns the same vector on every later call for the same name,
// for callers that want a one-off metric without plumbing a new field
// through Sink.
type Registry struct {
	registerer prometheus.Registerer

	mu         sync.RWMutex
	counters   map[string]*prometheus.CounterVec
	gauges     map[string]*prometheus.GaugeVec
	histograms map[string]*prometheus.HistogramVec
}

// NewRegistry returns a Registry backed by registerer. A nil registerer uses
// DefaultRegisterer.
func NewRegistry(registerer prometheus.Registerer) *Registry {
	if registerer == nil {
		registerer = DefaultRegisterer
	}
	return &Registry{
		registerer: registerer,
		counters:   make(map[string]*prometheus.CounterVec),
		gauges:     make(map[string]*prometheus.GaugeVec),
		histograms: make(map[string]*prometheus.HistogramVec),
	}
}

// Counter returns the named CounterVec, creating it on first use.
func (r *Registry) Counter(name, help string, labels ...string) *prometheus.CounterVec {
	r.mu.RLock()
	if c, ok := r.counters[name]; ok {
		r.mu.RUnlock()
		return c
	}
	r.mu.RUnlock()

	r.mu.Lock()
	defer r.mu.Unlock()
	if c, ok := r.counters[name]; ok {
		return c
	}
	c := promauto.With(r.registerer).NewCounterVec(prometheus.CounterOpts{Name: name, Help: help}, labels)
	r.counters[name] = c
	return c
}

// Gauge returns the named GaugeVec, creating it on first use.
func (r *Registry) Gauge(name, help string, labels ...string) *prometheus.GaugeVec {
	r.mu.RLock()
	if g, ok := r.gauges[name]; ok {
		r.mu.RUnlock()
		return g
	}
	r.mu.RUnlock()

	r.mu.Lock()
	defer r.mu.Unlock()
	if g, ok := r.gauges[name]; ok {
		return g
	}
	g := promauto.With(r.registerer).NewGaugeVec(prometheus.GaugeOpts{Name: name, Help: help}, labels)
	r.gauges[name] = g
	return g
}

// Histogram returns the named HistogramVec, creating it on first use. A nil
// buckets slice uses prometheus.DefBuckets.
func (r *Registry) Histogram(name, help string, buckets []float64, labels ...string) *prometheus.HistogramVec {
	r.mu.RLock()
	if h, ok := r.histograms[name]; ok {
		r.mu.RUnlock()
		return h
	}
	r.mu.RUnlock()

	r.mu.Lock()
	defer r.mu.Unlock()
	if h, ok := r.histograms[name]; ok {
		return h
	}
	opts := prometheus.HistogramOpts{Name: name, Help: help, Buckets: buckets}
	if buckets == nil {
		opts.Buckets = prometheus.DefBuckets
	}
	h := promauto.With(r.registerer).NewHistogramVec(opts, labels)
	r.histograms[name] = h
	return h
}
