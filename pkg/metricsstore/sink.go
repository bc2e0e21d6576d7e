package metricsstore

import (
	"context"
	"time"

	"github.com/fluxorio/pipeline/pkg/core"
	"github.com/fluxorio/pipeline/pkg/service"
)

// PersistingSink decorates another service.MetricsSink, additionally
// recording every ObserveRequestsPerConnection call to a Store. Writes are
// handed to a background goroutine draining a bounded channel, so a slow or
// momentarily unavailable database never blocks the Service actor loop that
// calls into the sink; snapshots are dropped (and logged) under sustained
// overload rather than applying backpressure to request handling.
type PersistingSink struct {
	service.MetricsSink
	store  *Store
	logger core.Logger
	queue  chan Snapshot
	done   chan struct{}
}

// NewPersistingSink wraps inner, persisting ObserveRequestsPerConnection
// samples to store. queueSize bounds how many unwritten samples may be
// buffered before new ones are dropped.
func NewPersistingSink(inner service.MetricsSink, store *Store, queueSize int, logger core.Logger) *PersistingSink {
	if inner == nil {
		inner = service.NoopMetricsSink{}
	}
	if queueSize < 1 {
		queueSize = 64
	}
	if logger == nil {
		logger = core.NewDefaultLogger()
	}
	s := &PersistingSink{
		MetricsSink: inner,
		store:       store,
		logger:      logger,
		queue:       make(chan Snapshot, queueSize),
		done:        make(chan struct{}),
	}
	go s.writeLoop()
	return s
}

func (s *PersistingSink) writeLoop() {
	defer close(s.done)
	for snap := range s.queue {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := s.store.RecordSnapshot(ctx, snap); err != nil {
			s.logger.Errorf("metricsstore: dropping snapshot for %s: %v", snap.Name, err)
		}
		cancel()
	}
}

// ObserveRequestsPerConnection implements service.MetricsSink, forwarding to
// the wrapped sink and additionally enqueuing a persisted snapshot.
func (s *PersistingSink) ObserveRequestsPerConnection(name string, count float64) {
	s.MetricsSink.ObserveRequestsPerConnection(name, count)

	select {
	case s.queue <- Snapshot{Name: name, Count: count, RecordedAt: time.Now()}:
	default:
		s.logger.Warnf("metricsstore: snapshot queue full, dropping sample for %s", name)
	}
}

// Close stops accepting new snapshots and waits for the writer goroutine to
// drain its queue.
func (s *PersistingSink) Close() {
	close(s.queue)
	<-s.done
}
