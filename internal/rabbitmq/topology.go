package rabbitmq

import (
	"context"
	"errors"
	"sync"

	amqp "github.com/rabbitmq/amqp091-go"
)

// QueueDeclaration defines a queue to be declared
type QueueDeclaration struct {
	Name       string
	Durable    bool
	AutoDelete bool
	Exclusive  bool
	Arguments  amqp.Table
}

// TopologyManager declares queues on the default exchange. Declarations
// are remembered per connection so repeated publishes to the same queue
// only declare it once.
type TopologyManager struct {
	pool *ChannelPool

	mu       sync.Mutex
	declared map[string]QueueDeclaration
}

// NewTopologyManager creates a new topology manager. It forgets its
// declarations whenever the connection is re-established.
func NewTopologyManager(pool *ChannelPool) *TopologyManager {
	tm := &TopologyManager{
		pool:     pool,
		declared: make(map[string]QueueDeclaration),
	}
	if pool != nil && pool.manager != nil {
		pool.manager.AddStateListener(tm)
	}
	return tm
}

// EnsureQueue declares queue unless it was already declared on the
// current connection
func (tm *TopologyManager) EnsureQueue(ctx context.Context, queue QueueDeclaration) error {
	if tm.isDeclared(queue.Name) {
		return nil
	}
	_, err := tm.DeclareQueue(ctx, queue)
	return err
}

// DeclareQueue declares queue on the broker
func (tm *TopologyManager) DeclareQueue(ctx context.Context, queue QueueDeclaration) (amqp.Queue, error) {
	var result amqp.Queue
	err := tm.pool.Execute(ctx, func(ch *PooledChannel) error {
		var err error
		result, err = ch.QueueDeclare(
			queue.Name,
			queue.Durable,
			queue.AutoDelete,
			queue.Exclusive,
			false, // no-wait
			queue.Arguments,
		)
		return err
	})
	if err != nil {
		return result, &TopologyError{
			Component: "queue",
			Name:      queue.Name,
			Op:        "declare",
			Err:       err,
		}
	}

	tm.mu.Lock()
	tm.declared[queue.Name] = queue
	tm.mu.Unlock()

	return result, nil
}

// InspectQueue passively declares name and returns its message and consumer
// counts. A missing queue fails with a TopologyError wrapping the broker's
// 404 channel error.
func (tm *TopologyManager) InspectQueue(ctx context.Context, name string) (amqp.Queue, error) {
	var result amqp.Queue
	err := tm.pool.Execute(ctx, func(ch *PooledChannel) error {
		var err error
		result, err = ch.QueueDeclarePassive(name, false, false, false, false, nil)
		return err
	})
	if err != nil {
		return result, &TopologyError{
			Component: "queue",
			Name:      name,
			Op:        "inspect",
			Err:       err,
		}
	}
	return result, nil
}

// IsNotFound reports whether err is the broker refusing a passive
// declaration of an absent queue
func IsNotFound(err error) bool {
	var amqpErr *amqp.Error
	return errors.As(err, &amqpErr) && amqpErr.Code == amqp.NotFound
}

// DeleteQueue deletes a queue and forgets its declaration
func (tm *TopologyManager) DeleteQueue(ctx context.Context, name string) error {
	tm.forget(name)

	err := tm.pool.Execute(ctx, func(ch *PooledChannel) error {
		_, err := ch.QueueDelete(name, false, false, false)
		return err
	})
	if err != nil {
		return &TopologyError{
			Component: "queue",
			Name:      name,
			Op:        "delete",
			Err:       err,
		}
	}
	return nil
}

// Declared returns the queues declared on the current connection
func (tm *TopologyManager) Declared() []QueueDeclaration {
	tm.mu.Lock()
	defer tm.mu.Unlock()

	out := make([]QueueDeclaration, 0, len(tm.declared))
	for _, q := range tm.declared {
		out = append(out, q)
	}
	return out
}

// Reset forgets every declaration
func (tm *TopologyManager) Reset() {
	tm.mu.Lock()
	defer tm.mu.Unlock()
	clear(tm.declared)
}

func (tm *TopologyManager) isDeclared(name string) bool {
	tm.mu.Lock()
	defer tm.mu.Unlock()
	_, ok := tm.declared[name]
	return ok
}

func (tm *TopologyManager) forget(name string) {
	tm.mu.Lock()
	defer tm.mu.Unlock()
	delete(tm.declared, name)
}

// OnConnected implements ConnectionStateListener
func (tm *TopologyManager) OnConnected() {}

// OnDisconnected implements ConnectionStateListener. Non-durable queues may
// be gone once the broker comes back, so every declaration is dropped.
func (tm *TopologyManager) OnDisconnected(err error) {
	tm.Reset()
}

// OnReconnecting implements ConnectionStateListener
func (tm *TopologyManager) OnReconnecting(attempt int) {}
