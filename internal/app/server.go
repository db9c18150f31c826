package app

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/glimte/mmate-rpc/health"
	"github.com/glimte/mmate-rpc/internal/metrics"
	"github.com/glimte/mmate-rpc/messaging"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

// ShutdownTimeout bounds the graceful stop of an HTTP listener
const ShutdownTimeout = 5 * time.Second

const (
	readyTimeout  = 2 * time.Second
	maxGoroutines = 10000
	maxQueueDepth = 1000
)

// observability bundles the metrics registry and readiness checks shared by
// both services
type observability struct {
	registry  *prometheus.Registry
	collector *metrics.Collector
	health    *health.Registry
}

func newObservability(driver string, transport health.StateReporter) *observability {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	checks := health.NewRegistry(
		health.NewTransportChecker(driver, transport),
		health.NewRuntimeChecker(maxGoroutines),
	)
	checks.SetMetadata("driver", driver)

	return &observability{
		registry:  reg,
		collector: metrics.NewCollector(reg),
		health:    checks,
	}
}

// watchQueue adds a queue depth check when the transport can inspect queues
func (o *observability) watchQueue(transport messaging.Transport, queue string) {
	if inspector, ok := transport.(messaging.QueueInspector); ok {
		o.health.Register(health.NewQueueChecker(inspector, queue, maxQueueDepth))
	}
	o.health.SetMetadata("queue", queue)
}

func (o *observability) readyHandler() http.Handler {
	return health.NewHandler(o.health, readyTimeout)
}

func (o *observability) metricsHandler() http.Handler {
	return metrics.Handler(o.registry)
}

func newServer(addr string, handler http.Handler) *http.Server {
	return &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
}

// listen binds the server's address and serves in the background. The
// returned channel yields the serve error, if any, and is then closed.
func listen(server *http.Server, logger *slog.Logger) (net.Addr, <-chan error, error) {
	ln, err := net.Listen("tcp", server.Addr)
	if err != nil {
		return nil, nil, err
	}

	errCh := make(chan error, 1)
	go func() {
		defer close(errCh)
		logger.Info("http server listening", "address", ln.Addr().String())
		if err := server.Serve(ln); !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()
	return ln.Addr(), errCh, nil
}

func shutdown(server *http.Server, logger *slog.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), ShutdownTimeout)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		logger.Error("http server shutdown failed", "error", err)
	}
}
