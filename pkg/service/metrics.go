package service

// Tags is the arbitrary, request/response-derived label set a TagDecorator
// produces. Sinks are free to project this down to a fixed label set (as
// the Prometheus sink does, to bound cardinality) or forward it verbatim
// (as the NATS sink does).
type Tags map[string]string

// TagDecorator computes the tag set attached to the "requests" and
// "latency" metrics for one request/response pair. It runs once, when the
// response becomes available, and the result is cached on the pending entry
// (PendingEntry.tagsSnapshot in the spec's data model).
type TagDecorator[Req, Resp any] func(req Req, resp Resp) Tags

// MetricsSink is where the core emits the five events described in the
// metrics table: requests, latency, errors, concurrent_requests and
// requests_per_connection. name is Config.Name, the metric-namespace
// identifier for the connection's owning service.
type MetricsSink interface {
	// IncRequests counts one response about to be pushed to the wire.
	// Only called when Config.RequestMetrics is true.
	IncRequests(name string, tags Tags)

	// ObserveLatencyMs records the time from admission to push, in
	// milliseconds. Only called when Config.RequestMetrics is true.
	ObserveLatencyMs(name string, ms float64, tags Tags)

	// IncErrors counts one handler, timeout or overflow failure, tagged by
	// error class. Called regardless of Config.RequestMetrics.
	IncErrors(name string, class ErrorClass, tags Tags)

	// AddConcurrentRequests adjusts the in-flight gauge by delta, which is
	// +1 on enqueue, -1 on drain, or -N on connection close discarding N
	// remaining entries.
	AddConcurrentRequests(name string, delta int)

	// ObserveRequestsPerConnection records the total request count seen on
	// one connection, emitted exactly once, at close.
	ObserveRequestsPerConnection(name string, count float64)
}

// NoopMetricsSink discards every event. Useful as a default for tests and
// for handlers that don't care about observability.
type NoopMetricsSink struct{}

func (NoopMetricsSink) IncRequests(string, Tags)                    {}
func (NoopMetricsSink) ObserveLatencyMs(string, float64, Tags)      {}
func (NoopMetricsSink) IncErrors(string, ErrorClass, Tags)          {}
func (NoopMetricsSink) AddConcurrentRequests(string, int)           {}
func (NoopMetricsSink) ObserveRequestsPerConnection(string, float64) {}
