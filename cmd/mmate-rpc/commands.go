package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"

	mmate "github.com/glimte/mmate-rpc"
	"github.com/glimte/mmate-rpc/internal/app"
	"github.com/glimte/mmate-rpc/internal/config"
	"github.com/glimte/mmate-rpc/internal/logging"
	"github.com/spf13/cobra"
)

var errInvalidJSON = errors.New("payload is not valid JSON")

type globals struct {
	configFile string
	cfg        *config.Config
	logger     *slog.Logger
}

func newRootCommand() *cobra.Command {
	g := &globals{}

	rootCmd := &cobra.Command{
		Use:   "mmate-rpc",
		Short: "Request/reply and event messaging over RabbitMQ or NATS",
		Long: `mmate-rpc runs the producer and consumer services of a pattern-addressed
messaging pipeline and can send or emit single messages from the shell.`,
		Version:       versionString(),
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(g.configFile)
			if err != nil {
				return err
			}
			logger, err := logging.Setup(os.Stderr, cfg.Log.Level, cfg.Log.Format)
			if err != nil {
				return err
			}
			g.cfg = cfg
			g.logger = logger
			return nil
		},
	}
	rootCmd.PersistentFlags().StringVarP(&g.configFile, "config", "c", "", "Config file (yaml, json or toml)")

	rootCmd.AddCommand(
		producerCommand(g),
		consumerCommand(g),
		sendCommand(g),
		emitCommand(g),
	)

	return rootCmd
}

func producerCommand(g *globals) *cobra.Command {
	return &cobra.Command{
		Use:   "producer",
		Short: "Serve the HTTP trigger that sends requests to the consumer",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			transport, err := app.DialTransport(cmd.Context(), g.cfg, g.logger)
			if err != nil {
				return err
			}
			return app.NewProducer(g.cfg, transport, g.logger).Run(cmd.Context())
		},
	}
}

func consumerCommand(g *globals) *cobra.Command {
	return &cobra.Command{
		Use:   "consumer",
		Short: "Dispatch messages from the work queue to their handlers",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			transport, err := app.DialTransport(cmd.Context(), g.cfg, g.logger)
			if err != nil {
				return err
			}
			consumer, err := app.NewConsumer(g.cfg, transport, g.logger)
			if err != nil {
				return err
			}
			return consumer.Run(cmd.Context())
		},
	}
}

func sendCommand(g *globals) *cobra.Command {
	return &cobra.Command{
		Use:   "send <pattern> [json]",
		Short: "Send a request and print the reply",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			payload, err := payloadArg(args)
			if err != nil {
				return err
			}

			client, err := dialClient(cmd, g)
			if err != nil {
				return err
			}
			defer client.Close()

			reply, err := client.Send(cmd.Context(), args[0], payload)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), string(reply))
			return nil
		},
	}
}

func emitCommand(g *globals) *cobra.Command {
	return &cobra.Command{
		Use:   "emit <pattern> [json]",
		Short: "Publish an event without waiting for a reply",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			payload, err := payloadArg(args)
			if err != nil {
				return err
			}

			client, err := dialClient(cmd, g)
			if err != nil {
				return err
			}
			defer client.Close()

			return client.Emit(cmd.Context(), args[0], payload)
		},
	}
}

func dialClient(cmd *cobra.Command, g *globals) (*mmate.Client, error) {
	transport, err := app.DialTransport(cmd.Context(), g.cfg, g.logger)
	if err != nil {
		return nil, err
	}
	return mmate.NewClient(transport,
		mmate.WithLogger(g.logger),
		mmate.WithRequestTimeout(g.cfg.Producer.RequestTimeout),
	), nil
}

// payloadArg returns the optional JSON argument after the pattern. A
// missing argument is null.
func payloadArg(args []string) (json.RawMessage, error) {
	if len(args) < 2 {
		return json.RawMessage("null"), nil
	}
	raw := json.RawMessage(args[1])
	if !json.Valid(raw) {
		return nil, fmt.Errorf("%w: %s", errInvalidJSON, args[1])
	}
	return raw, nil
}
