// Package memory provides an in-process broker and a messaging.Transport
// over it. Messages still pass through the wire codec, so behavior matches
// the networked transports: FIFO per queue, competing consumers, exclusive
// reply queues, and non-durable queues that lose their contents when the
// broker restarts.
package memory

import (
	"sync"
)

type message struct {
	body          []byte
	correlationID string
	replyTo       string
	headers       map[string]string
}

type queue struct {
	name      string
	durable   bool
	exclusive bool

	mu        sync.Mutex
	items     []message
	consumers int
	signal    chan struct{}
}

func newQueue(name string, durable, exclusive bool) *queue {
	return &queue{
		name:      name,
		durable:   durable,
		exclusive: exclusive,
		signal:    make(chan struct{}, 1),
	}
}

func (q *queue) push(m message) {
	q.mu.Lock()
	q.items = append(q.items, m)
	q.mu.Unlock()
	q.wake()
}

func (q *queue) pop() (message, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.items) == 0 {
		return message{}, false
	}
	m := q.items[0]
	q.items[0] = message{}
	q.items = q.items[1:]
	return m, true
}

func (q *queue) purge() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	n := len(q.items)
	q.items = nil
	return n
}

func (q *queue) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

func (q *queue) attach(delta int) {
	q.mu.Lock()
	q.consumers += delta
	q.mu.Unlock()
}

func (q *queue) stats() (messages, consumers int) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items), q.consumers
}

func (q *queue) wake() {
	select {
	case q.signal <- struct{}{}:
	default:
	}
}

// Broker is an in-process message broker shared by Transports
type Broker struct {
	mu        sync.Mutex
	queues    map[string]*queue
	published map[string]int
}

// NewBroker creates an empty broker
func NewBroker() *Broker {
	return &Broker{
		queues:    make(map[string]*queue),
		published: make(map[string]int),
	}
}

// declare returns the queue called name, creating it if absent
func (b *Broker) declare(name string, durable, exclusive bool) *queue {
	b.mu.Lock()
	defer b.mu.Unlock()

	if q, ok := b.queues[name]; ok {
		return q
	}
	q := newQueue(name, durable, exclusive)
	b.queues[name] = q
	return q
}

func (b *Broker) lookup(name string) (*queue, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	q, ok := b.queues[name]
	return q, ok
}

func (b *Broker) delete(name string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.queues, name)
}

func (b *Broker) recordPublish(name string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.published[name]++
}

func (b *Broker) wakeAll() {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, q := range b.queues {
		q.wake()
	}
}

// Restart simulates a broker restart: every non-durable queue loses its
// unread messages. It returns the number of messages dropped.
func (b *Broker) Restart() int {
	b.mu.Lock()
	defer b.mu.Unlock()

	dropped := 0
	for _, q := range b.queues {
		if !q.durable {
			dropped += q.purge()
		}
	}
	return dropped
}

// Depth returns the number of unread messages in queue
func (b *Broker) Depth(name string) int {
	q, ok := b.lookup(name)
	if !ok {
		return 0
	}
	return q.len()
}

// Published returns how many messages were routed to queue
func (b *Broker) Published(name string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.published[name]
}

// Queues returns the names of the declared queues
func (b *Broker) Queues() []string {
	b.mu.Lock()
	defer b.mu.Unlock()

	names := make([]string, 0, len(b.queues))
	for name := range b.queues {
		names = append(names, name)
	}
	return names
}
