// Command echoserver runs a TCP line-protocol echo service on top of
// pkg/service and pkg/tcp, with Prometheus metrics, OpenTelemetry tracing,
// and sqlite-backed connection-load history, all wired from a single YAML
// config file.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"math/rand"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel/trace"

	"github.com/fluxorio/pipeline/pkg/config"
	"github.com/fluxorio/pipeline/pkg/core"
	"github.com/fluxorio/pipeline/pkg/db"
	"github.com/fluxorio/pipeline/pkg/metricsstore"
	obsprom "github.com/fluxorio/pipeline/pkg/observability/prometheus"
	"github.com/fluxorio/pipeline/pkg/service"
	"github.com/fluxorio/pipeline/pkg/tcp"
	"github.com/fluxorio/pipeline/pkg/tracing"
)

// appConfig is the YAML-loadable shape of this binary's configuration.
type appConfig struct {
	TCPAddr        string        `yaml:"tcp_addr"`
	MetricsAddr    string        `yaml:"metrics_addr"`
	Workers        int           `yaml:"workers"`
	MaxQueue       int           `yaml:"max_queue"`
	MaxConns       int           `yaml:"max_conns"`
	RequestTimeout time.Duration `yaml:"request_timeout"`
	MinLatency     time.Duration `yaml:"min_latency"`
	MaxLatency     time.Duration `yaml:"max_latency"`
	MetricsDBPath  string        `yaml:"metrics_db_path"`
	TracingExport  string        `yaml:"tracing_exporter"`
}

func defaultAppConfig() appConfig {
	return appConfig{
		TCPAddr:        ":9000",
		MetricsAddr:    ":9100",
		Workers:        16,
		MaxQueue:       256,
		MaxConns:       0,
		RequestTimeout: 5 * time.Second,
		MinLatency:     0,
		MaxLatency:     5 * time.Millisecond,
		MetricsDBPath:  "echoserver_metrics.db",
		TracingExport:  "stdout",
	}
}

func main() {
	configPath := flag.String("config", "", "path to a YAML config file (optional)")
	flag.Parse()

	cfg := defaultAppConfig()
	if *configPath != "" {
		if err := config.LoadWithEnv(*configPath, "ECHOSERVER", &cfg); err != nil {
			log.Fatalf("echoserver: load config: %v", err)
		}
	}

	logger := core.NewDefaultLogger()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	tp, shutdownTracing, err := tracing.NewTracerProvider(ctx, tracing.Config{
		ServiceName: "echoserver",
		Exporter:    tracing.ExporterKind(cfg.TracingExport),
	})
	if err != nil {
		log.Fatalf("echoserver: tracing: %v", err)
	}
	tracer := tp.Tracer("echoserver")
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracing(shutdownCtx); err != nil {
			logger.Errorf("echoserver: tracing shutdown: %v", err)
		}
	}()

	promSink := obsprom.NewSink(obsprom.DefaultRegisterer)

	var sink service.MetricsSink = promSink
	if cfg.MetricsDBPath != "" {
		pool, err := db.NewPool(db.PoolConfig{
			DSN:          cfg.MetricsDBPath,
			DriverName:   "sqlite3",
			MaxOpenConns: 1,
			MaxIdleConns: 1,
		})
		if err != nil {
			log.Fatalf("echoserver: metrics db: %v", err)
		}
		defer pool.Close()

		store := metricsstore.NewStore(pool)
		if err := store.EnsureSchema(ctx); err != nil {
			log.Fatalf("echoserver: metrics schema: %v", err)
		}
		persisting := metricsstore.NewPersistingSink(promSink, store, 256, logger)
		defer persisting.Close()
		sink = persisting
	}

	handler := &tracedLatencyEchoHandler{tracer: tracer, min: cfg.MinLatency, max: cfg.MaxLatency}

	serverCfg := &tcp.TCPServerConfig{
		Addr:     cfg.TCPAddr,
		MaxQueue: cfg.MaxQueue,
		Workers:  cfg.Workers,
		MaxConns: cfg.MaxConns,
		Service: service.Config[string]{
			Name:              "echo",
			RequestTimeout:    cfg.RequestTimeout,
			RequestBufferSize: 64,
			LogErrors:         true,
			RequestMetrics:    true,
		},
		IdleCheckPeriod: time.Second,
	}
	server := tcp.NewTCPServer(serverCfg, handler, sink)

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(obsprom.DefaultRegistry, promhttp.HandlerOpts{}))
	metricsHTTP := &http.Server{Addr: cfg.MetricsAddr, Handler: mux}

	go func() {
		if err := metricsHTTP.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Errorf("echoserver: metrics server: %v", err)
		}
	}()

	go func() {
		logger.Infof("echoserver: listening on %s", cfg.TCPAddr)
		if err := server.Start(); err != nil {
			logger.Errorf("echoserver: tcp server: %v", err)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh

	logger.Info("echoserver: shutting down")
	if err := server.Stop(); err != nil {
		logger.Errorf("echoserver: stop: %v", err)
	}

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelShutdown()
	_ = metricsHTTP.Shutdown(shutdownCtx)
}

// tracedLatencyEchoHandler echoes each request back, prefixed, after an
// artificial delay uniformly distributed in [min, max], run on its own
// goroutine. When max <= min no delay is added at all: the response is
// returned already resolved, so it can take the dispatcher's fast path.
type tracedLatencyEchoHandler struct {
	tracer   trace.Tracer
	min, max time.Duration
}

func (h *tracedLatencyEchoHandler) ProcessRequest(ctx context.Context, req string) *service.Future[string] {
	ctx, span := h.tracer.Start(ctx, "echo.ProcessRequest")

	if h.max <= h.min {
		span.End()
		return service.Resolved(fmt.Sprintf("echo:%s", req))
	}

	f := service.NewFuture[string]()
	delay := h.min + time.Duration(rand.Int63n(int64(h.max-h.min)+1))
	go func() {
		defer span.End()
		timer := time.NewTimer(delay)
		defer timer.Stop()
		select {
		case <-timer.C:
			f.Complete(fmt.Sprintf("echo:%s", req), nil)
		case <-ctx.Done():
			f.Complete("", ctx.Err())
		}
	}()
	return f
}

// ProcessFailure renders a handler panic, a timeout, or an admission-time
// overflow as a protocol-visible error line instead of a response body.
func (h *tracedLatencyEchoHandler) ProcessFailure(req string, err error) string {
	return "ERR:" + req + ":" + err.Error()
}
