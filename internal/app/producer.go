package app

import (
	"context"
	"log/slog"
	"net/http"

	mmate "github.com/glimte/mmate-rpc"
	"github.com/glimte/mmate-rpc/health"
	"github.com/glimte/mmate-rpc/internal/config"
	"github.com/glimte/mmate-rpc/internal/httpapi"
	"github.com/glimte/mmate-rpc/messaging"
)

const maxPendingRequests = 1000

// Producer serves the HTTP trigger that publishes requests
type Producer struct {
	addr    string
	logger  *slog.Logger
	client  *mmate.Client
	handler http.Handler
}

// NewProducer wires a producer on transport. The producer owns the
// transport from here on.
func NewProducer(cfg *config.Config, transport messaging.Transport, logger *slog.Logger) *Producer {
	obs := newObservability(cfg.Broker.Driver, transport)

	client := mmate.NewClient(transport,
		mmate.WithLogger(logger),
		mmate.WithRequestTimeout(cfg.Producer.RequestTimeout),
		mmate.WithMetrics(obs.collector),
	)

	obs.health.Register(health.NewPendingRequestsChecker(client.Publisher(), maxPendingRequests))
	obs.watchQueue(transport, client.Queue())
	obs.health.SetMetadata("role", "producer")

	return &Producer{
		addr:   cfg.Producer.Addr,
		logger: logger,
		client: client,
		handler: httpapi.NewProducerRouter(httpapi.ProducerConfig{
			Sender:      client,
			Ready:       obs.readyHandler(),
			Metrics:     obs.metricsHandler(),
			CORSOrigins: cfg.HTTP.CORSOrigins,
			Logger:      logger,
		}),
	}
}

// Client returns the producer's messaging client
func (p *Producer) Client() *mmate.Client {
	return p.client
}

// Handler returns the producer's HTTP handler
func (p *Producer) Handler() http.Handler {
	return p.handler
}

// Run serves HTTP until ctx is done, then shuts the listener down and
// closes the client
func (p *Producer) Run(ctx context.Context) error {
	defer p.close()

	server := newServer(p.addr, p.handler)
	_, errCh, err := listen(server, p.logger)
	if err != nil {
		return err
	}

	select {
	case <-ctx.Done():
		p.logger.Info("producer stopping")
	case err = <-errCh:
		p.logger.Error("http server failed", "error", err)
	}

	shutdown(server, p.logger)
	return err
}

func (p *Producer) close() {
	if err := p.client.Close(); err != nil {
		p.logger.Error("failed to close client", "error", err)
	}
}
