package tcp

import (
	"bufio"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fluxorio/pipeline/pkg/core"
	"github.com/fluxorio/pipeline/pkg/core/concurrency"
	"github.com/fluxorio/pipeline/pkg/service"
)

// TCPServer implements Server: a fail-fast, backpressured TCP acceptor that
// hands each accepted connection to its own pkg/service.Service, wired
// through a connController. Accept -> bounded queue -> worker pool mirrors
// the accept-loop/mailbox/executor shape used throughout this module's
// connection-handling code.
var _ Server = (*TCPServer)(nil)

type TCPServer struct {
	addr   string
	config *TCPServerConfig

	mu       sync.RWMutex
	listener net.Listener
	stopping int32

	connMailbox concurrency.Mailbox
	executor    concurrency.Executor
	workers     int
	maxQueue    int

	startWorkersOnce sync.Once
	stopOnce         sync.Once
	stopErr          error

	handler      service.Handler[string, string]
	backpressure *BackpressureController
	maxConns     int
	activeConns  int64

	conns   map[string]*service.Service[string, string]
	connsMu sync.Mutex

	metricsSink service.MetricsSink
	logger      core.Logger

	queuedConnections   int64
	rejectedConnections int64
	totalAccepted       int64
	handledConnections  int64
	errorConnections    int64
}

// TCPServerConfig configures the TCP server and the per-connection Service
// it creates.
type TCPServerConfig struct {
	Addr string

	// Backpressure: bounded queue + worker pool for accepted connections.
	MaxQueue int
	Workers  int
	// MaxConns bounds concurrent in-flight connections (queued + handling).
	// 0 means unlimited.
	MaxConns int

	// TLSConfig enables TLS when non-nil.
	TLSConfig *tls.Config

	// ReadTimeout bounds the wait for the next line on the socket itself,
	// independent of Service.RequestTimeout. WriteTimeout is normalized by
	// NewTCPServer but is not applied to socket writes.
	ReadTimeout  time.Duration
	WriteTimeout time.Duration

	// Service is the per-connection pipeline configuration (request
	// timeout, buffer size, metrics, logging). Name is used as-is.
	Service service.Config[string]

	// IdleCheckPeriod is how often each connection's Service.IdleCheck runs.
	IdleCheckPeriod time.Duration
}

// DefaultTCPServerConfig returns a sensible default configuration.
func DefaultTCPServerConfig(addr string) *TCPServerConfig {
	if addr == "" {
		addr = ":9000"
	}
	return &TCPServerConfig{
		Addr:            addr,
		MaxQueue:        1000,
		Workers:         50,
		MaxConns:        0,
		TLSConfig:       nil,
		ReadTimeout:     0,
		WriteTimeout:    5 * time.Second,
		Service:         service.Config[string]{Name: "tcp", RequestBufferSize: 32},
		IdleCheckPeriod: time.Second,
	}
}

// NewTCPServer creates a new TCP server. handler is invoked once per
// request, on whichever connection received it; metrics, if non-nil, is
// shared across every connection's Service.
func NewTCPServer(config *TCPServerConfig, handler service.Handler[string, string], metrics service.MetricsSink) *TCPServer {
	if config == nil {
		config = DefaultTCPServerConfig(":9000")
	}
	if handler == nil {
		panic("tcp: handler cannot be nil")
	}
	if config.Addr == "" {
		config.Addr = ":9000"
	}
	if config.MaxQueue < 1 {
		config.MaxQueue = 100
	}
	if config.Workers < 1 {
		config.Workers = 1
	}
	if config.MaxConns < 0 {
		config.MaxConns = 0
	}
	if config.WriteTimeout <= 0 {
		config.WriteTimeout = 5 * time.Second
	}
	if config.IdleCheckPeriod <= 0 {
		config.IdleCheckPeriod = time.Second
	}
	if metrics == nil {
		metrics = service.NoopMetricsSink{}
	}

	normalCapacity := config.MaxQueue + config.Workers

	s := &TCPServer{
		addr:         config.Addr,
		config:       config,
		connMailbox:  concurrency.NewBoundedMailbox(config.MaxQueue),
		executor:     concurrency.NewExecutor(context.Background(), concurrency.ExecutorConfig{Workers: config.Workers, QueueSize: config.MaxQueue}),
		workers:      config.Workers,
		maxQueue:     config.MaxQueue,
		maxConns:     config.MaxConns,
		backpressure: NewBackpressureController(normalCapacity, 60),
		handler:      handler,
		metricsSink:  metrics,
		logger:       core.NewDefaultLogger(),
		conns:        make(map[string]*service.Service[string, string]),
	}
	s.startConnWorkers()
	return s
}

// ListeningAddr returns the actual listening address (useful when Addr is
// ":0"). Returns empty string if not currently listening.
func (s *TCPServer) ListeningAddr() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// Start implements Server. It blocks until Stop is called or the listener
// fails.
func (s *TCPServer) Start() error {
	s.startConnWorkers()

	var (
		ln  net.Listener
		err error
	)
	if s.config.TLSConfig != nil {
		ln, err = tls.Listen("tcp", s.addr, s.config.TLSConfig)
	} else {
		ln, err = net.Listen("tcp", s.addr)
	}
	if err != nil {
		return err
	}

	s.mu.Lock()
	s.listener = ln
	s.mu.Unlock()

	for {
		conn, err := ln.Accept()
		if err != nil {
			if atomic.LoadInt32(&s.stopping) == 1 || errors.Is(err, net.ErrClosed) {
				return nil
			}
			return err
		}

		atomic.AddInt64(&s.totalAccepted, 1)
		if !s.tryAcquireConnSlot() {
			atomic.AddInt64(&s.rejectedConnections, 1)
			_ = conn.Close()
			continue
		}
		s.enqueueConn(conn)
	}
}

// Stop implements Server: gracefully disconnects every open connection,
// stops accepting new ones, waits for each tracked connection's Service to
// exit, then allows the worker pool up to 5s to shut down.
// Safe to call more than once; only the first call does any work.
func (s *TCPServer) Stop() error {
	s.stopOnce.Do(func() {
		atomic.StoreInt32(&s.stopping, 1)

		s.mu.Lock()
		ln := s.listener
		s.listener = nil
		s.mu.Unlock()
		if ln != nil {
			_ = ln.Close()
		}

		s.connsMu.Lock()
		services := make([]*service.Service[string, string], 0, len(s.conns))
		for _, svc := range s.conns {
			services = append(services, svc)
		}
		s.connsMu.Unlock()
		for _, svc := range services {
			_ = svc.GracefulDisconnect()
		}
		for _, svc := range services {
			svc.Wait()
		}

		s.connMailbox.Close()

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s.stopErr = s.executor.Shutdown(ctx)
	})
	return s.stopErr
}

// Metrics implements Server.
func (s *TCPServer) Metrics() ServerMetrics {
	bp := s.backpressure.GetMetrics()
	normalCapacity := int(bp.NormalCapacity)

	queued := atomic.LoadInt64(&s.queuedConnections)
	queueUtil := 0.0
	if s.maxQueue > 0 {
		queueUtil = float64(queued) / float64(s.maxQueue) * 100
		if queueUtil > 100.0 {
			queueUtil = 100.0
		}
	}

	return ServerMetrics{
		QueuedConnections:   queued,
		RejectedConnections: atomic.LoadInt64(&s.rejectedConnections),
		QueueCapacity:       s.maxQueue,
		Workers:             s.workers,
		QueueUtilization:    queueUtil,
		NormalCCU:           normalCapacity,
		CurrentCCU:          int(bp.CurrentLoad),
		CCUUtilization:      bp.Utilization,
		TotalAccepted:       atomic.LoadInt64(&s.totalAccepted),
		HandledConnections:  atomic.LoadInt64(&s.handledConnections),
		ErrorConnections:    atomic.LoadInt64(&s.errorConnections),
		ActiveConnections:   atomic.LoadInt64(&s.activeConns),
	}
}

func (s *TCPServer) tryAcquireConnSlot() bool {
	if s.maxConns <= 0 {
		atomic.AddInt64(&s.activeConns, 1)
		return true
	}
	for {
		cur := atomic.LoadInt64(&s.activeConns)
		if int(cur) >= s.maxConns {
			return false
		}
		if atomic.CompareAndSwapInt64(&s.activeConns, cur, cur+1) {
			return true
		}
	}
}

func (s *TCPServer) releaseConnSlot() {
	atomic.AddInt64(&s.activeConns, -1)
}

func (s *TCPServer) enqueueConn(conn net.Conn) {
	if !s.backpressure.TryAcquire() {
		atomic.AddInt64(&s.rejectedConnections, 1)
		s.releaseConnSlot()
		_ = conn.Close()
		return
	}
	if err := s.connMailbox.Send(conn); err != nil {
		s.backpressure.Release()
		atomic.AddInt64(&s.rejectedConnections, 1)
		s.releaseConnSlot()
		_ = conn.Close()
		return
	}
	atomic.AddInt64(&s.queuedConnections, 1)
}

func (s *TCPServer) startConnWorkers() {
	s.startWorkersOnce.Do(func() {
		for i := 0; i < s.workers; i++ {
			task := concurrency.NewNamedTask(
				fmt.Sprintf("tcp-worker-%d", i),
				func(ctx context.Context) error {
					return s.processConnFromMailbox(ctx)
				},
			)
			if err := s.executor.Submit(task); err != nil {
				s.logger.Errorf("tcp: failed to start worker %d: %v", i, err)
			}
		}
	})
}

func (s *TCPServer) processConnFromMailbox(ctx context.Context) error {
	for {
		msg, err := s.connMailbox.Receive(ctx)
		if err != nil {
			return err
		}

		conn, ok := msg.(net.Conn)
		if !ok || conn == nil {
			s.backpressure.Release()
			s.releaseConnSlot()
			continue
		}

		atomic.AddInt64(&s.queuedConnections, -1)
		atomic.AddInt64(&s.handledConnections, 1)

		func() {
			defer func() {
				if r := recover(); r != nil {
					atomic.AddInt64(&s.errorConnections, 1)
					s.logger.Errorf("tcp: panic handling connection (isolated): %v", r)
				}
			}()
			if err := s.serveConn(ctx, conn); err != nil {
				atomic.AddInt64(&s.errorConnections, 1)
			}
		}()

		s.backpressure.Release()
		s.releaseConnSlot()
	}
}

// serveConn runs one connection's read loop, feeding decoded lines into a
// freshly constructed Service and pumping its periodic idle check, until the
// connection closes (cleanly or otherwise).
func (s *TCPServer) serveConn(ctx context.Context, conn net.Conn) error {
	connID := core.GenerateRequestID()
	ctrl := newConnController(conn, s.config.Service.RequestBufferSize, s.logger)

	svc := service.New(s.config.Service, s.handler, ctrl,
		service.WithMetrics[string, string](s.metricsSink),
		service.WithLogger[string, string](s.logger),
		service.WithConnectionID[string, string](connID),
	)

	s.connsMu.Lock()
	s.conns[connID] = svc
	s.connsMu.Unlock()
	defer func() {
		s.connsMu.Lock()
		delete(s.conns, connID)
		s.connsMu.Unlock()
	}()

	svcCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	svc.Start(svcCtx)

	idleDone := make(chan struct{})
	go func() {
		defer close(idleDone)
		ticker := time.NewTicker(s.config.IdleCheckPeriod)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if err := svc.IdleCheck(s.config.IdleCheckPeriod); err != nil {
					return
				}
			case <-ctrl.closed:
				return
			}
		}
	}()

	var readErr error
	scanner := bufio.NewScanner(conn)
	for scanner.Scan() {
		if ctrl.readsPaused() {
			break
		}
		if s.config.ReadTimeout > 0 {
			_ = conn.SetReadDeadline(time.Now().Add(s.config.ReadTimeout))
		}
		line := scanner.Text()
		if err := svc.ProcessMessage(svcCtx, line); err != nil {
			readErr = err
			break
		}
	}
	if readErr == nil {
		readErr = scanner.Err()
	}

	_ = svc.ConnectionClosed(readErr)
	svc.Wait()
	<-idleDone
	ctrl.shutdown()
	return readErr
}
