package app

import (
	"context"
	"log/slog"
	"net/http"

	mmate "github.com/glimte/mmate-rpc"
	"github.com/glimte/mmate-rpc/interceptors"
	"github.com/glimte/mmate-rpc/internal/config"
	"github.com/glimte/mmate-rpc/internal/httpapi"
	"github.com/glimte/mmate-rpc/messaging"
)

// Consumer dispatches the work queue to the handler table
type Consumer struct {
	addr     string
	logger   *slog.Logger
	client   *mmate.Client
	registry *messaging.Registry
	handler  http.Handler
}

// NewConsumer wires a consumer on transport. The consumer owns the
// transport from here on, including when an error is returned.
func NewConsumer(cfg *config.Config, transport messaging.Transport, logger *slog.Logger) (*Consumer, error) {
	registry, err := messaging.NewRegistry(Handlers(logger)...)
	if err != nil {
		_ = transport.Close()
		return nil, err
	}

	obs := newObservability(cfg.Broker.Driver, transport)

	client := mmate.NewClient(transport,
		mmate.WithLogger(logger),
		mmate.WithMetrics(obs.collector),
		mmate.WithInterceptors(consumerInterceptors(cfg, logger)...),
		mmate.WithReplyOnUnmatched(cfg.Consumer.ReplyOnUnmatched),
	)

	obs.watchQueue(transport, client.Queue())
	obs.health.SetMetadata("role", "consumer")

	return &Consumer{
		addr:     cfg.Consumer.Addr,
		logger:   logger,
		client:   client,
		registry: registry,
		handler: httpapi.NewConsumerRouter(httpapi.ConsumerConfig{
			Queue:    client.Queue(),
			Patterns: registry.Patterns(),
			Ready:    obs.readyHandler(),
			Metrics:  obs.metricsHandler(),
			Logger:   logger,
		}),
	}, nil
}

func consumerInterceptors(cfg *config.Config, logger *slog.Logger) []interceptors.Interceptor {
	list := []interceptors.Interceptor{interceptors.NewLoggingInterceptor(logger)}
	if cfg.Consumer.HandlerTimeout > 0 {
		list = append(list, interceptors.NewTimeoutInterceptor(cfg.Consumer.HandlerTimeout))
	}
	return list
}

// Handler returns the consumer's HTTP handler
func (c *Consumer) Handler() http.Handler {
	return c.handler
}

// Run dispatches messages and serves HTTP until ctx is done or the
// subscription is lost for good
func (c *Consumer) Run(ctx context.Context) error {
	defer c.close()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	server := newServer(c.addr, c.handler)
	_, httpErr, err := listen(server, c.logger)
	if err != nil {
		return err
	}

	serveErr := make(chan error, 1)
	go func() {
		serveErr <- c.client.Serve(ctx, c.registry)
	}()

	select {
	case <-ctx.Done():
		c.logger.Info("consumer stopping")
		err = <-serveErr
	case err = <-serveErr:
		if err != nil {
			c.logger.Error("dispatcher stopped", "error", err)
		}
	case err = <-httpErr:
		c.logger.Error("http server failed", "error", err)
		cancel()
		<-serveErr
	}

	shutdown(server, c.logger)
	return err
}

func (c *Consumer) close() {
	if err := c.client.Close(); err != nil {
		c.logger.Error("failed to close client", "error", err)
	}
}
