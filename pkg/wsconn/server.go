package wsconn

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/fluxorio/pipeline/pkg/core"
	"github.com/fluxorio/pipeline/pkg/service"
)

// ServerConfig configures the WebSocket bridge and the per-connection
// Service it creates for each upgraded request.
type ServerConfig struct {
	// CheckOrigin overrides the upgrader's origin check. Nil allows all
	// origins, matching this module's other development-oriented defaults.
	CheckOrigin func(r *http.Request) bool

	// Service is the per-connection pipeline configuration.
	Service service.Config[string]

	// IdleCheckPeriod is how often each connection's Service.IdleCheck runs.
	IdleCheckPeriod time.Duration
}

// DefaultServerConfig returns a sensible default configuration.
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		Service:         service.Config[string]{Name: "ws", RequestBufferSize: 32},
		IdleCheckPeriod: time.Second,
	}
}

// Server upgrades incoming HTTP requests to WebSocket connections and runs
// one pkg/service.Service per connection, mirroring pkg/tcp.TCPServer's
// shape but over http.Handler instead of a raw listener.
type Server struct {
	config   ServerConfig
	upgrader websocket.Upgrader
	handler  service.Handler[string, string]
	metrics  service.MetricsSink
	logger   core.Logger

	connsMu sync.Mutex
	conns   map[string]*service.Service[string, string]
}

// NewServer creates a Server. handler is invoked once per request, on
// whichever connection received it; metrics, if non-nil, is shared across
// every connection's Service.
func NewServer(config ServerConfig, handler service.Handler[string, string], metrics service.MetricsSink) *Server {
	if handler == nil {
		panic("wsconn: handler cannot be nil")
	}
	if config.Service.RequestBufferSize < 1 {
		config.Service.RequestBufferSize = 32
	}
	if config.IdleCheckPeriod <= 0 {
		config.IdleCheckPeriod = time.Second
	}
	if metrics == nil {
		metrics = service.NoopMetricsSink{}
	}
	checkOrigin := config.CheckOrigin
	if checkOrigin == nil {
		checkOrigin = func(r *http.Request) bool { return true }
	}
	return &Server{
		config:  config,
		handler: handler,
		metrics: metrics,
		logger:  core.NewDefaultLogger(),
		conns:   make(map[string]*service.Service[string, string]),
		upgrader: websocket.Upgrader{
			CheckOrigin: checkOrigin,
		},
	}
}

// ServeHTTP implements http.Handler: it upgrades the request and blocks
// serving that connection until it closes.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Errorf("wsconn: upgrade failed: %v", err)
		return
	}
	s.serveConn(r.Context(), conn)
}

// Shutdown gracefully disconnects every open connection and waits for them
// to drain.
func (s *Server) Shutdown(ctx context.Context) error {
	s.connsMu.Lock()
	services := make([]*service.Service[string, string], 0, len(s.conns))
	for _, svc := range s.conns {
		services = append(services, svc)
	}
	s.connsMu.Unlock()

	for _, svc := range services {
		_ = svc.GracefulDisconnect()
	}
	done := make(chan struct{})
	go func() {
		for _, svc := range services {
			svc.Wait()
		}
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Server) serveConn(ctx context.Context, conn *websocket.Conn) {
	connID := core.GenerateRequestID()
	ctrl := NewController(conn, s.config.Service.RequestBufferSize, s.logger)

	svc := service.New(s.config.Service, s.handler, ctrl,
		service.WithMetrics[string, string](s.metrics),
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
			case <-ctrl.Closed():
				return
			}
		}
	}()

	var readErr error
	for {
		if ctrl.ReadsPaused() {
			break
		}
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			readErr = err
			break
		}
		if msgType != websocket.TextMessage {
			continue
		}
		if err := svc.ProcessMessage(svcCtx, string(data)); err != nil {
			readErr = err
			break
		}
	}

	_ = svc.ConnectionClosed(readErr)
	svc.Wait()
	<-idleDone
	ctrl.Shutdown()
}
