package rabbitmq

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"sync"
	"sync/atomic"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// State is the lifecycle state of the connection
type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateClosing
)

func (s State) String() string {
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

// ConnectionStateListener receives connection state change notifications
type ConnectionStateListener interface {
	OnConnected()
	OnDisconnected(err error)
	OnReconnecting(attempt int)
}

// Dialer opens an AMQP connection
type Dialer func(url string) (*amqp.Connection, error)

// ConnectionManager owns a single RabbitMQ connection and re-establishes it
// when the broker drops it.
//
// States move Disconnected → Connecting → Connected. A lost connection goes
// back to Disconnected and, while retries remain, to Connecting again.
// Close moves through Closing to a terminal Disconnected.
type ConnectionManager struct {
	url            string
	name           string
	dial           Dialer
	reconnectDelay time.Duration
	dialTimeout    time.Duration
	maxRetries     int
	logger         *slog.Logger

	state atomic.Int32

	mu      sync.RWMutex
	conn    *amqp.Connection
	closed  bool
	fatal   error
	waiters []chan struct{}

	done     chan struct{}
	doneOnce sync.Once

	stateListeners []ConnectionStateListener
	listenersMu    sync.RWMutex
}

// ConnectionOption configures the ConnectionManager
type ConnectionOption func(*ConnectionManager)

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) ConnectionOption {
	return func(cm *ConnectionManager) {
		cm.logger = logger
	}
}

// WithReconnectDelay sets the base delay between reconnection attempts
func WithReconnectDelay(delay time.Duration) ConnectionOption {
	return func(cm *ConnectionManager) {
		cm.reconnectDelay = delay
	}
}

// WithMaxRetries sets the maximum number of reconnection attempts after a
// lost connection. A negative value retries forever; zero disables
// reconnection.
func WithMaxRetries(retries int) ConnectionOption {
	return func(cm *ConnectionManager) {
		cm.maxRetries = retries
	}
}

// WithDialTimeout bounds each dial attempt
func WithDialTimeout(timeout time.Duration) ConnectionOption {
	return func(cm *ConnectionManager) {
		cm.dialTimeout = timeout
	}
}

// WithConnectionName sets the client-provided connection name shown by the broker
func WithConnectionName(name string) ConnectionOption {
	return func(cm *ConnectionManager) {
		cm.name = name
	}
}

// WithDialer replaces the function used to open connections
func WithDialer(dial Dialer) ConnectionOption {
	return func(cm *ConnectionManager) {
		cm.dial = dial
	}
}

// NewConnectionManager creates a new connection manager
func NewConnectionManager(url string, options ...ConnectionOption) *ConnectionManager {
	cm := &ConnectionManager{
		url:            url,
		name:           "mmate-rpc",
		reconnectDelay: 5 * time.Second,
		dialTimeout:    30 * time.Second,
		maxRetries:     -1,
		logger:         slog.Default(),
		done:           make(chan struct{}),
	}

	for _, opt := range options {
		opt(cm)
	}

	if cm.dial == nil {
		cm.dial = cm.dialAMQP
	}

	return cm
}

func (cm *ConnectionManager) dialAMQP(url string) (*amqp.Connection, error) {
	cfg := amqp.Config{
		Heartbeat:  10 * time.Second,
		Locale:     "en_US",
		Properties: amqp.NewConnectionProperties(),
	}
	cfg.Properties.SetClientConnectionName(cm.name)
	return amqp.DialConfig(url, cfg)
}

// Connect establishes the initial connection
func (cm *ConnectionManager) Connect(ctx context.Context) error {
	cm.mu.Lock()
	defer cm.mu.Unlock()

	if cm.closed {
		return &ConnectionError{
			Op:        "connect",
			URL:       SanitizeURL(cm.url),
			Err:       ErrConnectionClosed,
			Timestamp: time.Now(),
		}
	}
	if cm.State() == StateConnected {
		return nil
	}

	cm.setState(StateConnecting)

	conn, err := cm.dialWithTimeout(ctx)
	if err != nil {
		cm.setState(StateDisconnected)
		return &ConnectionError{
			Op:        "connect",
			URL:       SanitizeURL(cm.url),
			Err:       err,
			Timestamp: time.Now(),
			Attempts:  1,
		}
	}

	cm.install(conn)
	cm.logger.Info("connected to RabbitMQ", "url", SanitizeURL(cm.url))
	return nil
}

// dialWithTimeout runs the dialer in a goroutine so ctx and the dial
// timeout can abandon it
func (cm *ConnectionManager) dialWithTimeout(ctx context.Context) (*amqp.Connection, error) {
	dialCtx, cancel := context.WithTimeout(ctx, cm.dialTimeout)
	defer cancel()

	type result struct {
		conn *amqp.Connection
		err  error
	}
	resultChan := make(chan result, 1)

	go func() {
		conn, err := cm.dial(cm.url)
		resultChan <- result{conn: conn, err: err}
	}()

	select {
	case res := <-resultChan:
		return res.conn, res.err
	case <-dialCtx.Done():
		go func() {
			if res := <-resultChan; res.conn != nil {
				_ = res.conn.Close()
			}
		}()
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, ErrConnectionTimeout
	}
}

// install makes conn current. Callers hold cm.mu.
func (cm *ConnectionManager) install(conn *amqp.Connection) {
	cm.conn = conn
	notifyClose := conn.NotifyClose(make(chan *amqp.Error, 1))
	cm.setState(StateConnected)

	for _, w := range cm.waiters {
		close(w)
	}
	cm.waiters = nil

	cm.notifyConnected()
	go cm.handleReconnect(notifyClose)
}

// GetConnection returns the current connection
func (cm *ConnectionManager) GetConnection() (*amqp.Connection, error) {
	cm.mu.RLock()
	defer cm.mu.RUnlock()

	if cm.closed {
		return nil, ErrConnectionClosed
	}
	if cm.conn == nil || cm.State() != StateConnected {
		return nil, ErrConnectionNotReady
	}
	if cm.conn.IsClosed() {
		return nil, ErrConnectionClosed
	}

	return cm.conn, nil
}

// State returns the current state
func (cm *ConnectionManager) State() State {
	return State(cm.state.Load())
}

// IsConnected returns the connection status
func (cm *ConnectionManager) IsConnected() bool {
	return cm.State() == StateConnected
}

// Connected returns a channel that is closed once the manager is Connected
func (cm *ConnectionManager) Connected() <-chan struct{} {
	cm.mu.Lock()
	defer cm.mu.Unlock()

	ch := make(chan struct{})
	if cm.State() == StateConnected {
		close(ch)
		return ch
	}
	cm.waiters = append(cm.waiters, ch)
	return ch
}

// Done is closed when the manager is closed or gave up reconnecting
func (cm *ConnectionManager) Done() <-chan struct{} {
	return cm.done
}

// Err returns the error that ended reconnection, if any
func (cm *ConnectionManager) Err() error {
	cm.mu.RLock()
	defer cm.mu.RUnlock()
	return cm.fatal
}

// URL returns the sanitized broker URL
func (cm *ConnectionManager) URL() string {
	return SanitizeURL(cm.url)
}

// Close closes the connection. It is idempotent.
func (cm *ConnectionManager) Close() error {
	cm.mu.Lock()
	if cm.closed {
		cm.mu.Unlock()
		return nil
	}
	cm.closed = true
	cm.setState(StateClosing)
	conn := cm.conn
	cm.conn = nil
	cm.mu.Unlock()

	cm.terminate()

	var err error
	if conn != nil && !conn.IsClosed() {
		err = conn.Close()
	}

	cm.setState(StateDisconnected)
	cm.logger.Info("connection manager closed", "url", SanitizeURL(cm.url))
	return err
}

func (cm *ConnectionManager) terminate() {
	cm.doneOnce.Do(func() {
		close(cm.done)
	})
}

func (cm *ConnectionManager) setState(s State) {
	cm.state.Store(int32(s))
}

// handleReconnect waits for the connection to drop and starts reconnecting
func (cm *ConnectionManager) handleReconnect(notifyClose <-chan *amqp.Error) {
	select {
	case amqpErr, ok := <-notifyClose:
		cm.mu.Lock()
		if cm.closed {
			cm.mu.Unlock()
			return
		}
		cm.conn = nil
		cm.setState(StateDisconnected)
		cm.mu.Unlock()

		var err error = ErrConnectionClosed
		if ok && amqpErr != nil {
			err = amqpErr
		}
		cm.logger.Error("connection lost", "error", err)
		cm.notifyDisconnected(err)

		cm.reconnect()

	case <-cm.done:
	}
}

// reconnect dials until it succeeds, the manager closes, or retries run out
func (cm *ConnectionManager) reconnect() {
	retries := 0
	startTime := time.Now()

	for {
		select {
		case <-cm.done:
			return
		default:
		}

		if cm.maxRetries >= 0 && retries >= cm.maxRetries {
			err := &ConnectionError{
				Op:        "reconnect",
				URL:       SanitizeURL(cm.url),
				Err:       ErrMaxRetriesExceeded,
				Timestamp: time.Now(),
				Attempts:  retries,
			}

			cm.mu.Lock()
			cm.fatal = err
			cm.mu.Unlock()

			cm.logger.Error("max reconnection attempts reached",
				"attempts", retries,
				"duration", time.Since(startTime))

			cm.terminate()
			cm.notifyDisconnected(err)
			return
		}

		delay := cm.calculateBackoff(retries)
		if retries > 0 {
			select {
			case <-time.After(delay):
			case <-cm.done:
				return
			}
		}

		cm.logger.Info("attempting to reconnect",
			"attempt", retries+1,
			"maxRetries", cm.maxRetries)
		cm.notifyReconnecting(retries + 1)

		cm.mu.Lock()
		if cm.closed {
			cm.mu.Unlock()
			return
		}
		cm.setState(StateConnecting)
		cm.mu.Unlock()

		conn, err := cm.dialWithTimeout(context.Background())

		cm.mu.Lock()
		if cm.closed {
			cm.mu.Unlock()
			if conn != nil {
				_ = conn.Close()
			}
			return
		}
		if err != nil {
			cm.setState(StateDisconnected)
			cm.mu.Unlock()

			cm.logger.Error("reconnection failed",
				"error", err,
				"attempt", retries+1,
				"nextRetryIn", cm.calculateBackoff(retries+1))
			retries++
			continue
		}
		cm.install(conn)
		cm.mu.Unlock()

		cm.logger.Info("reconnected to RabbitMQ",
			"attempts", retries+1,
			"duration", time.Since(startTime))
		return
	}
}

// AddStateListener adds a connection state listener
func (cm *ConnectionManager) AddStateListener(listener ConnectionStateListener) {
	cm.listenersMu.Lock()
	defer cm.listenersMu.Unlock()
	cm.stateListeners = append(cm.stateListeners, listener)
}

// RemoveStateListener removes a connection state listener
func (cm *ConnectionManager) RemoveStateListener(listener ConnectionStateListener) {
	cm.listenersMu.Lock()
	defer cm.listenersMu.Unlock()

	for i, l := range cm.stateListeners {
		if l == listener {
			cm.stateListeners = append(cm.stateListeners[:i], cm.stateListeners[i+1:]...)
			break
		}
	}
}

func (cm *ConnectionManager) notifyConnected() {
	cm.listenersMu.RLock()
	defer cm.listenersMu.RUnlock()

	for _, listener := range cm.stateListeners {
		go listener.OnConnected()
	}
}

func (cm *ConnectionManager) notifyDisconnected(err error) {
	cm.listenersMu.RLock()
	defer cm.listenersMu.RUnlock()

	for _, listener := range cm.stateListeners {
		go listener.OnDisconnected(err)
	}
}

func (cm *ConnectionManager) notifyReconnecting(attempt int) {
	cm.listenersMu.RLock()
	defer cm.listenersMu.RUnlock()

	for _, listener := range cm.stateListeners {
		go listener.OnReconnecting(attempt)
	}
}

// calculateBackoff returns the delay before attempt: exponential in the
// attempt number, capped at five minutes, with ±25% jitter
func (cm *ConnectionManager) calculateBackoff(attempt int) time.Duration {
	base := cm.reconnectDelay
	if base <= 0 {
		base = 5 * time.Second
	}
	maxDelay := 5 * time.Minute

	if attempt > 20 {
		attempt = 20
	}
	delay := base * time.Duration(1<<uint(attempt))
	if delay > maxDelay || delay <= 0 {
		delay = maxDelay
	}

	jitter := int64(delay) / 4
	if jitter > 0 {
		delay += time.Duration(rand.Int64N(2*jitter+1) - jitter)
	}
	return delay
}
