// Package natssink implements pkg/service's MetricsSink by publishing each
// event as JSON to a NATS subject, forwarding the full, arbitrary Tags map
// verbatim rather than projecting it down to a fixed label set the way the
// prometheus sink does. Use this when the consumer on the other end (a log
// aggregator, a metrics pipeline with its own cardinality budget) can
// tolerate high-cardinality tags; use the prometheus sink when it can't.
package natssink

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/fluxorio/pipeline/pkg/core"
	"github.com/fluxorio/pipeline/pkg/service"
)

// Config configures a Sink's NATS connection and subject layout.
type Config struct {
	// URL is the NATS server URL. Empty uses nats.DefaultURL.
	URL string

	// Prefix is prepended to every published subject. Default: "pipeline".
	Prefix string

	// Name is an optional NATS connection name, useful for server-side
	// connection listings.
	Name string
}

// Sink publishes every MetricsSink event to <prefix>.metrics.<event>.
// Subject layout:
//   - <prefix>.metrics.requests
//   - <prefix>.metrics.latency
//   - <prefix>.metrics.errors
//   - <prefix>.metrics.concurrent_requests
//   - <prefix>.metrics.requests_per_connection
type Sink struct {
	nc     *nats.Conn
	prefix string
	logger core.Logger
}

var _ service.MetricsSink = (*Sink)(nil)

// event is the envelope published for every metric. Fields are omitted when
// not meaningful for the event in question.
type event struct {
	Name      string       `json:"name"`
	Timestamp int64        `json:"ts_unix_ms"`
	Tags      service.Tags `json:"tags,omitempty"`
	Delta     int          `json:"delta,omitempty"`
	Value     float64      `json:"value,omitempty"`
	Class     string       `json:"class,omitempty"`
}

// New connects to NATS and returns a Sink. The connection is owned by the
// Sink; call Close when the sink is no longer needed.
func New(cfg Config) (*Sink, error) {
	url := cfg.URL
	if url == "" {
		url = nats.DefaultURL
	}
	prefix := cfg.Prefix
	if prefix == "" {
		prefix = "pipeline"
	}

	nc, err := nats.Connect(url, func(o *nats.Options) error {
		if cfg.Name != "" {
			o.Name = cfg.Name
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("natssink: connect: %w", err)
	}

	return &Sink{nc: nc, prefix: prefix, logger: core.NewDefaultLogger()}, nil
}

// Close closes the underlying NATS connection.
func (s *Sink) Close() {
	s.nc.Close()
}

func (s *Sink) subject(event string) string {
	return s.prefix + ".metrics." + event
}

func (s *Sink) publish(subject string, ev event) {
	data, err := json.Marshal(ev)
	if err != nil {
		s.logger.Errorf("natssink: marshal %s: %v", subject, err)
		return
	}
	if err := s.nc.Publish(subject, data); err != nil {
		s.logger.Errorf("natssink: publish %s: %v", subject, err)
	}
}

func (s *Sink) IncRequests(name string, tags service.Tags) {
	s.publish(s.subject("requests"), event{
		Name:      name,
		Timestamp: time.Now().UnixMilli(),
		Tags:      tags,
		Delta:     1,
	})
}

func (s *Sink) ObserveLatencyMs(name string, ms float64, tags service.Tags) {
	s.publish(s.subject("latency"), event{
		Name:      name,
		Timestamp: time.Now().UnixMilli(),
		Tags:      tags,
		Value:     ms,
	})
}

func (s *Sink) IncErrors(name string, class service.ErrorClass, tags service.Tags) {
	s.publish(s.subject("errors"), event{
		Name:      name,
		Timestamp: time.Now().UnixMilli(),
		Tags:      tags,
		Class:     string(class),
		Delta:     1,
	})
}

func (s *Sink) AddConcurrentRequests(name string, delta int) {
	s.publish(s.subject("concurrent_requests"), event{
		Name:      name,
		Timestamp: time.Now().UnixMilli(),
		Delta:     delta,
	})
}

func (s *Sink) ObserveRequestsPerConnection(name string, count float64) {
	s.publish(s.subject("requests_per_connection"), event{
		Name:      name,
		Timestamp: time.Now().UnixMilli(),
		Value:     count,
	})
}
