package app

import (
	"context"
	"log/slog"

	"github.com/glimte/mmate-rpc/messaging"
)

// ConsumerReply is what message_print answers with
const ConsumerReply = "Message received by Consumer!"

// PrintMessage is the payload of message_print
type PrintMessage struct {
	Text string `json:"text" validate:"required"`
}

// Handlers returns the consumer's handler table
func Handlers(logger *slog.Logger) []messaging.Registration {
	return []messaging.Registration{
		messaging.Register("message_print", messaging.HandlerOf(
			func(ctx context.Context, msg PrintMessage) (string, error) {
				logger.InfoContext(ctx, "message received", "text", msg.Text)
				return ConsumerReply, nil
			})),
	}
}
