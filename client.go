// Copyright 2024 Mmate Contributors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package mmate

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/glimte/mmate-rpc/interceptors"
	"github.com/glimte/mmate-rpc/messaging"
)

// DefaultQueue is the work queue shared by producers and consumers
const DefaultQueue = "main_queue"

// QueueDurable is the durability of DefaultQueue. Messages in it do not
// survive a broker restart.
const QueueDurable = false

// Client ties a Publisher and Dispatchers to a single transport
type Client struct {
	transport messaging.Transport
	queue     string
	logger    *slog.Logger
	publisher *messaging.Publisher
	dispatch  []messaging.DispatcherOption

	mu     sync.Mutex
	closed bool
}

type clientConfig struct {
	queue            string
	logger           *slog.Logger
	requestTimeout   time.Duration
	metrics          messaging.MetricsCollector
	interceptors     []interceptors.Interceptor
	replyOnUnmatched bool
}

// ClientOption configures the client
type ClientOption func(*clientConfig)

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) ClientOption {
	return func(c *clientConfig) {
		c.logger = logger
	}
}

// WithQueue replaces DefaultQueue
func WithQueue(queue string) ClientOption {
	return func(c *clientConfig) {
		c.queue = queue
	}
}

// WithRequestTimeout bounds Send calls whose context has no deadline
func WithRequestTimeout(timeout time.Duration) ClientOption {
	return func(c *clientConfig) {
		c.requestTimeout = timeout
	}
}

// WithMetrics sets the metrics collector
func WithMetrics(metrics messaging.MetricsCollector) ClientOption {
	return func(c *clientConfig) {
		c.metrics = metrics
	}
}

// WithInterceptors wraps every handler run by Serve
func WithInterceptors(list ...interceptors.Interceptor) ClientOption {
	return func(c *clientConfig) {
		c.interceptors = append(c.interceptors, list...)
	}
}

// WithReplyOnUnmatched makes Serve answer requests for unknown patterns
// with a no_handler error reply instead of dropping them
func WithReplyOnUnmatched(enabled bool) ClientOption {
	return func(c *clientConfig) {
		c.replyOnUnmatched = enabled
	}
}

// NewClient creates a client on transport. The client takes ownership of
// the transport and closes it in Close.
func NewClient(transport messaging.Transport, options ...ClientOption) *Client {
	cfg := &clientConfig{
		queue:          DefaultQueue,
		logger:         slog.Default(),
		requestTimeout: messaging.DefaultRequestTimeout,
		metrics:        messaging.NoOpMetricsCollector{},
	}
	for _, opt := range options {
		opt(cfg)
	}

	publisher := messaging.NewPublisher(transport, cfg.queue,
		messaging.WithPublisherLogger(cfg.logger),
		messaging.WithRequestTimeout(cfg.requestTimeout),
		messaging.WithPublisherMetrics(cfg.metrics),
	)

	return &Client{
		transport: transport,
		queue:     cfg.queue,
		logger:    cfg.logger,
		publisher: publisher,
		dispatch: []messaging.DispatcherOption{
			messaging.WithDispatcherLogger(cfg.logger),
			messaging.WithDispatcherMetrics(cfg.metrics),
			messaging.WithInterceptors(cfg.interceptors...),
			messaging.WithReplyOnUnmatched(cfg.replyOnUnmatched),
		},
	}
}

// Publisher returns the client's publisher
func (c *Client) Publisher() *messaging.Publisher {
	return c.publisher
}

// Transport returns the underlying transport
func (c *Client) Transport() messaging.Transport {
	return c.transport
}

// Queue returns the work queue
func (c *Client) Queue() string {
	return c.queue
}

// Send publishes a request on the work queue and waits for its reply
func (c *Client) Send(ctx context.Context, pattern string, payload any) (json.RawMessage, error) {
	return c.publisher.Send(ctx, pattern, payload)
}

// Emit publishes an event on the work queue
func (c *Client) Emit(ctx context.Context, pattern string, payload any) error {
	return c.publisher.Emit(ctx, pattern, payload)
}

// Serve dispatches envelopes from the work queue to registry until ctx is
// done or the subscription is lost
func (c *Client) Serve(ctx context.Context, registry *messaging.Registry) error {
	return messaging.NewDispatcher(c.transport, registry, c.dispatch...).Serve(ctx, c.queue)
}

// Close closes the publisher, failing pending requests, then the transport.
// It is idempotent.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()

	err := errors.Join(c.publisher.Close(), c.transport.Close())
	c.logger.Info("client closed", "queue", c.queue)
	return err
}
