package messaging

import (
	"context"
	"fmt"

	"github.com/glimte/mmate-rpc/contracts"
)

// ConnectionState is the lifecycle state of a broker link
type ConnectionState int32

const (
	StateDisconnected ConnectionState = iota
	StateConnecting
	StateConnected
	StateClosing
)

func (s ConnectionState) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateClosing:
		return "closing"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// Transport is a managed link to a broker. A single Transport is shared by
// every Publisher and Dispatcher in a process.
type Transport interface {
	// Publish sends env to queue. It fails with *PublishError when the link
	// is not Connected; nothing is buffered locally.
	Publish(ctx context.Context, queue string, env *contracts.Envelope) error

	// Subscribe declares queue if absent and starts delivering its envelopes
	Subscribe(ctx context.Context, queue string) (Subscription, error)

	// SubscribeReplies opens a private reply destination exclusive to the caller
	SubscribeReplies(ctx context.Context) (Subscription, error)

	// State reports the current link state
	State() ConnectionState

	// Close releases the link. It is idempotent.
	Close() error
}

// Subscription is a lazy, non-restartable sequence of envelopes. The channel
// returned by Envelopes is closed when the subscription is closed, its
// context is cancelled, or the link is lost for good.
type Subscription interface {
	// Queue is the name of the subscribed queue, used as replyTo for reply subscriptions
	Queue() string

	// Envelopes delivers received envelopes in arrival order
	Envelopes() <-chan *contracts.Envelope

	// Close stops delivery. It is idempotent.
	Close() error
}

// QueueStats is a point-in-time view of a queue
type QueueStats struct {
	Queue     string `json:"queue"`
	Messages  int    `json:"messages"`
	Consumers int    `json:"consumers"`
}

// QueueInspector is implemented by transports that can report the depth
// of a queue. It fails with ErrQueueNotFound when the queue was never
// declared.
type QueueInspector interface {
	InspectQueue(ctx context.Context, queue string) (QueueStats, error)
}
