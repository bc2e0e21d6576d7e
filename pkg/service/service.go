// Package service implements the pipelined request-response core described
// by the framework's service layer: for a single connection, it accepts a
// stream of decoded requests, dispatches them to a user-supplied Handler
// that may complete synchronously or asynchronously, and emits responses
// through a Controller in the exact order requests arrived - regardless of
// the order in which handler results become available.
//
// The core is deliberately ignorant of byte framing, socket I/O and worker
// scheduling; see the tcp and wsconn packages for concrete Controller
// implementations, and Handler for the one seam user code occupies.
package service

import (
	"context"
	"fmt"
	"time"

	"github.com/fluxorio/pipeline/pkg/core"
	"github.com/fluxorio/pipeline/pkg/core/concurrency"
)

// internal actor messages. The Service's mutable state is only ever touched
// from the single goroutine draining inbox, so none of the handlers below
// take a lock.
type msgRequest[Req any] struct {
	ctx context.Context
	req Req
}

type msgCompletion[Req, Resp any] struct {
	entry *pendingEntry[Req, Resp]
	val   Resp
	err   error
}

type msgWriteResult[Req, Resp any] struct {
	entry  *pendingEntry[Req, Resp]
	result WriteResult
}

type msgIdleCheck struct{}

type msgGracefulDisconnect struct{}

type msgConnectionClosed struct {
	cause error
}

// Option configures a Service at construction time.
type Option[Req, Resp any] func(*Service[Req, Resp])

// WithClock injects a deadline clock, overriding SystemClock. Tests use this
// to drive idle-sweep scenarios with a VirtualClock.
func WithClock[Req, Resp any](clock Clock) Option[Req, Resp] {
	return func(s *Service[Req, Resp]) { s.clock = clock }
}

// WithMetrics installs a MetricsSink, overriding NoopMetricsSink.
func WithMetrics[Req, Resp any](sink MetricsSink) Option[Req, Resp] {
	return func(s *Service[Req, Resp]) { s.metrics = sink }
}

// WithLogger installs a core.Logger, overriding core.NewDefaultLogger().
func WithLogger[Req, Resp any](logger core.Logger) Option[Req, Resp] {
	return func(s *Service[Req, Resp]) { s.logger = logger }
}

// WithTagDecorator installs the function that computes metric tags from a
// request/response pair once the response is available.
func WithTagDecorator[Req, Resp any](fn TagDecorator[Req, Resp]) Option[Req, Resp] {
	return func(s *Service[Req, Resp]) { s.tagFn = fn }
}

// WithConnectionID overrides the auto-generated connection identifier used
// in log lines.
func WithConnectionID[Req, Resp any](id string) Option[Req, Resp] {
	return func(s *Service[Req, Resp]) { s.connID = id }
}

// Service is the per-connection state machine. One instance is owned by
// exactly one connection: created on connection establishment, driven by
// ProcessMessage/IdleCheck/GracefulDisconnect/ConnectionClosed, and
// destroyed after ConnectionClosed has flushed metrics.
type Service[Req, Resp any] struct {
	config     Config[Req]
	clock      Clock
	handler    Handler[Req, Resp]
	controller Controller[Resp]
	metrics    MetricsSink
	logger     core.Logger
	tagFn      TagDecorator[Req, Resp]
	connID     string

	inbox    concurrency.Mailbox
	executor concurrency.Executor
	done     chan struct{}

	// Actor-owned state. Touched only on the goroutine draining inbox.
	// The spec's connection state (§3) also lists a drainPaused flag, but
	// drain()'s pause/resume decision is driven entirely by
	// controller.CanPush() - a separate flag would only ever mirror it, so
	// it's dropped here.
	pending         *pendingQueue[Req, Resp]
	disconnecting   bool
	closed          bool
	numRequests     uint64
	pausedReadsOnce bool
}

// New constructs a Service bound to one connection's handler and
// controller. Call Start to begin processing.
func New[Req, Resp any](cfg Config[Req], handler Handler[Req, Resp], controller Controller[Resp], opts ...Option[Req, Resp]) *Service[Req, Resp] {
	if handler == nil {
		panic("service: handler cannot be nil")
	}
	if controller == nil {
		panic("service: controller cannot be nil")
	}
	cfg = cfg.withDefaults()

	s := &Service[Req, Resp]{
		config:     cfg,
		clock:      SystemClock{},
		handler:    handler,
		controller: controller,
		metrics:    NoopMetricsSink{},
		logger:     core.NewDefaultLogger(),
		pending:    newPendingQueue[Req, Resp](cfg.RequestBufferSize + 1),
		done:       make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.connID == "" {
		s.connID = core.GenerateRequestID()
	}

	// The mailbox only ever carries internal command messages - one per
	// admitted request, one per handler completion, one per write result,
	// plus the occasional idle tick or lifecycle call. Sized with headroom
	// over the configured concurrency bound so Send never has to drop a
	// message under correctly-configured backpressure. Send fails rather
	// than blocks on a full mailbox, and a completion or write-result
	// message that fails to send is not retried.
	capacity := cfg.RequestBufferSize*4 + 32
	s.inbox = concurrency.NewBoundedMailbox(capacity)
	return s
}

// Start launches the connection's actor loop. ctx bounds the loop's
// lifetime; cancelling it is equivalent to an abrupt ConnectionClosed, but
// controllers should prefer calling ConnectionClosed explicitly so the
// close cause is recorded.
func (s *Service[Req, Resp]) Start(ctx context.Context) {
	s.executor = concurrency.NewExecutor(ctx, concurrency.ExecutorConfig{Workers: 1, QueueSize: 1})
	task := concurrency.NewNamedTask(fmt.Sprintf("service-loop-%s", s.connID), func(ctx context.Context) error {
		defer close(s.done)
		return s.loop(ctx)
	})
	if err := s.executor.Submit(task); err != nil {
		s.logger.Errorf("service[%s]: failed to start actor loop: %v", s.connID, err)
		close(s.done)
	}
}

// Wait blocks until the connection's actor loop has exited, i.e. until
// ConnectionClosed/ConnectionLost has fully run.
func (s *Service[Req, Resp]) Wait() {
	<-s.done
}

func (s *Service[Req, Resp]) loop(ctx context.Context) error {
	for {
		msg, err := s.inbox.Receive(ctx)
		if err != nil {
			s.onConnectionClosed(err)
			return nil
		}
		switch m := msg.(type) {
		case msgRequest[Req]:
			s.onRequest(m.ctx, m.req)
		case msgCompletion[Req, Resp]:
			s.onCompletion(m.entry, m.val, m.err)
		case msgWriteResult[Req, Resp]:
			s.onWriteResult(m.entry, m.result)
		case msgIdleCheck:
			s.onIdleCheck()
		case msgGracefulDisconnect:
			s.onGracefulDisconnect()
		case msgConnectionClosed:
			s.onConnectionClosed(m.cause)
			return nil
		}
	}
}

// ProcessMessage admits one decoded request. It never blocks: the request
// is handed to the actor loop via the internal mailbox and this call
// returns as soon as that hand-off succeeds.
func (s *Service[Req, Resp]) ProcessMessage(ctx context.Context, req Req) error {
	return s.inbox.Send(msgRequest[Req]{ctx: ctx, req: req})
}

// IdleCheck is the controller's periodic hook for expiring timed-out
// entries at the pending queue's head. period is accepted for symmetry with
// the spec's polling contract but is not otherwise interpreted here; the
// controller owns the polling cadence.
func (s *Service[Req, Resp]) IdleCheck(period time.Duration) error {
	return s.inbox.Send(msgIdleCheck{})
}

// GracefulDisconnect begins the drain-to-close protocol: stop admitting new
// reads, let in-flight work finish, then close once the queue empties.
// ShutdownRequest is an alias.
func (s *Service[Req, Resp]) GracefulDisconnect() error {
	return s.inbox.Send(msgGracefulDisconnect{})
}

// ShutdownRequest is an alias for GracefulDisconnect.
func (s *Service[Req, Resp]) ShutdownRequest() error {
	return s.GracefulDisconnect()
}

// ConnectionClosed finalizes the connection: emits the
// requests_per_connection histogram, decrements concurrent_requests by the
// remaining queue size, discards remaining entries without pushing them,
// and stops the actor loop. ConnectionLost is an alias.
func (s *Service[Req, Resp]) ConnectionClosed(cause error) error {
	return s.inbox.Send(msgConnectionClosed{cause: cause})
}

// ConnectionLost is an alias for ConnectionClosed.
func (s *Service[Req, Resp]) ConnectionLost(cause error) error {
	return s.ConnectionClosed(cause)
}
