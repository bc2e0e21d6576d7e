package service

import "time"

// NoTimeout disables the per-request deadline sweep. RequestTimeout set to
// this value means a request may sit at the head of the pending queue
// indefinitely without being failed by IdleCheck.
const NoTimeout time.Duration = 0

// RequestLogFormatter renders a request for the error log. Implementations
// must never panic; a panicking formatter is caught and suppressed so a
// broken formatter cannot take down the connection (see Config.LogErrors).
type RequestLogFormatter[Req any] func(req Req) string

// Config is the immutable, per-connection configuration for a Service.
// All fields are read at construction time and never mutated afterwards.
type Config[Req any] struct {
	// Name is the metric-namespace identifier, e.g. "echo" or "gateway".
	Name string

	// RequestTimeout is the maximum time a request may sit at the head of
	// the pending queue before IdleCheck fails it with ErrTimeout.
	// NoTimeout (zero) disables the sweep entirely.
	RequestTimeout time.Duration

	// RequestBufferSize bounds the number of concurrently in-flight
	// requests per connection. Must be >= 1.
	RequestBufferSize int

	// LogErrors enables error-severity logging of handler, timeout and
	// overflow failures, including a rendering of the offending request.
	LogErrors bool

	// RequestLogFormat renders the request for the error log. When nil, a
	// fmt.Sprintf("%+v", ...) rendering is used instead.
	RequestLogFormat RequestLogFormatter[Req]

	// RequestMetrics enables the per-request "requests" rate and "latency"
	// histogram. Disabling it does not affect "errors", "concurrent_requests"
	// or "requests_per_connection", which are always emitted.
	RequestMetrics bool
}

// withDefaults applies the fail-fast defaults the dispatcher relies on. It never
// mutates the receiver; callers should assign the returned value back.
func (c Config[Req]) withDefaults() Config[Req] {
	if c.RequestBufferSize < 1 {
		c.RequestBufferSize = 1
	}
	if c.Name == "" {
		c.Name = "service"
	}
	return c
}
