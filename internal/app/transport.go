package app

import (
	"context"
	"fmt"
	"log/slog"

	mmate "github.com/glimte/mmate-rpc"
	"github.com/glimte/mmate-rpc/internal/config"
	"github.com/glimte/mmate-rpc/internal/rabbitmq"
	"github.com/glimte/mmate-rpc/internal/reliability"
	"github.com/glimte/mmate-rpc/messaging"
	natstransport "github.com/glimte/mmate-rpc/transports/nats"
	rabbittransport "github.com/glimte/mmate-rpc/transports/rabbitmq"
)

type dialFunc func(ctx context.Context, cfg *config.Config, logger *slog.Logger) (messaging.Transport, error)

var drivers = map[string]dialFunc{
	config.DriverRabbitMQ: dialRabbitMQ,
	config.DriverNATS:     dialNATS,
}

// DialTransport connects to the configured broker, retrying the initial
// connection with exponential backoff. Once connected the transport keeps
// itself connected.
func DialTransport(ctx context.Context, cfg *config.Config, logger *slog.Logger) (messaging.Transport, error) {
	dial, ok := drivers[cfg.Broker.Driver]
	if !ok {
		return nil, fmt.Errorf("%w: unknown broker driver %q", config.ErrInvalidConfig, cfg.Broker.Driver)
	}

	policy := reliability.Policy{
		Attempts:      cfg.Connect.Attempts,
		Base:          cfg.Connect.Backoff,
		Max:           30 * cfg.Connect.Backoff,
		JitterPercent: reliability.DefaultPolicy.JitterPercent,
	}
	return connect(ctx, policy, logger.With("driver", cfg.Broker.Driver), func(ctx context.Context) (messaging.Transport, error) {
		return dial(ctx, cfg, logger)
	})
}

func connect(ctx context.Context, policy reliability.Policy, logger *slog.Logger, dial func(ctx context.Context) (messaging.Transport, error)) (messaging.Transport, error) {
	var transport messaging.Transport
	err := reliability.RetryWithLogger(ctx, policy, logger, func(ctx context.Context) error {
		t, err := dial(ctx)
		if err != nil {
			return err
		}
		transport = t
		return nil
	})
	if err != nil {
		return nil, err
	}
	return transport, nil
}

func dialRabbitMQ(ctx context.Context, cfg *config.Config, logger *slog.Logger) (messaging.Transport, error) {
	transport, err := rabbittransport.Dial(ctx, cfg.RabbitMQ.URL,
		rabbittransport.WithLogger(logger),
		rabbittransport.WithDurable(mmate.QueueDurable),
		rabbittransport.WithConfirms(cfg.RabbitMQ.Confirms),
		rabbittransport.WithConfirmTimeout(cfg.RabbitMQ.ConfirmTimeout),
		rabbittransport.WithConnectionOptions(
			rabbitmq.WithReconnectDelay(cfg.RabbitMQ.ReconnectDelay),
			rabbitmq.WithMaxRetries(cfg.RabbitMQ.MaxReconnects),
		),
	)
	if err != nil {
		if !rabbitmq.IsRetryable(err) {
			return nil, reliability.Permanent(err)
		}
		return nil, err
	}
	return transport, nil
}

func dialNATS(ctx context.Context, cfg *config.Config, logger *slog.Logger) (messaging.Transport, error) {
	return natstransport.Dial(ctx, cfg.NATS.URL,
		natstransport.WithLogger(logger),
		natstransport.WithQueueGroup(cfg.NATS.QueueGroup),
	)
}
