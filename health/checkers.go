package health

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"time"

	"github.com/glimte/mmate-rpc/messaging"
)

// StateReporter is the part of a transport a TransportChecker needs
type StateReporter interface {
	State() messaging.ConnectionState
}

// errReporter is implemented by transports that can give up reconnecting
type errReporter interface {
	Err() error
}

// TransportChecker reports the broker link state. Connected is healthy,
// Connecting is degraded and anything else is unhealthy.
type TransportChecker struct {
	name      string
	transport StateReporter
}

// NewTransportChecker creates a checker named after the broker driver
func NewTransportChecker(name string, transport StateReporter) *TransportChecker {
	return &TransportChecker{name: name, transport: transport}
}

func (c *TransportChecker) Name() string {
	return c.name
}

func (c *TransportChecker) Check(ctx context.Context) CheckResult {
	start := time.Now()
	state := c.transport.State()

	result := CheckResult{
		Name:      c.name,
		Timestamp: start,
		Details:   map[string]any{"state": state.String()},
	}

	switch state {
	case messaging.StateConnected:
		result.Status = StatusHealthy
		result.Message = "broker connected"
	case messaging.StateConnecting:
		result.Status = StatusDegraded
		result.Message = "reconnecting to broker"
	default:
		result.Status = StatusUnhealthy
		result.Message = "broker " + state.String()
		if r, ok := c.transport.(errReporter); ok {
			if err := r.Err(); err != nil {
				result.Error = err.Error()
			}
		}
	}

	result.Duration = time.Since(start)
	return result
}

// QueueChecker inspects a work queue on transports that support it
type QueueChecker struct {
	inspector messaging.QueueInspector
	queue     string
	maxDepth  int
}

// NewQueueChecker creates a checker that degrades when queue holds more than
// maxDepth messages or holds messages nobody consumes
func NewQueueChecker(inspector messaging.QueueInspector, queue string, maxDepth int) *QueueChecker {
	return &QueueChecker{inspector: inspector, queue: queue, maxDepth: maxDepth}
}

func (c *QueueChecker) Name() string {
	return "queue"
}

func (c *QueueChecker) Check(ctx context.Context) CheckResult {
	start := time.Now()
	result := CheckResult{
		Name:      c.Name(),
		Status:    StatusHealthy,
		Timestamp: start,
		Details:   map[string]any{"queue": c.queue},
	}

	stats, err := c.inspector.InspectQueue(ctx, c.queue)
	result.Duration = time.Since(start)

	switch {
	case errors.Is(err, messaging.ErrQueueNotFound):
		result.Status = StatusDegraded
		result.Message = "queue not declared yet"
		return result
	case err != nil:
		result.Status = StatusUnhealthy
		result.Message = "failed to inspect queue"
		result.Error = err.Error()
		return result
	}

	result.Details["messages"] = stats.Messages
	result.Details["consumers"] = stats.Consumers

	switch {
	case c.maxDepth > 0 && stats.Messages > c.maxDepth:
		result.Status = StatusDegraded
		result.Message = fmt.Sprintf("%d messages waiting", stats.Messages)
	case stats.Consumers == 0 && stats.Messages > 0:
		result.Status = StatusDegraded
		result.Message = fmt.Sprintf("no consumers for %d messages", stats.Messages)
	}
	return result
}

// PendingCounter is the part of a publisher a PendingRequestsChecker needs
type PendingCounter interface {
	Pending() int
}

// PendingRequestsChecker degrades when too many requests await replies
type PendingRequestsChecker struct {
	publisher PendingCounter
	threshold int
}

// NewPendingRequestsChecker creates a checker that degrades above threshold
func NewPendingRequestsChecker(publisher PendingCounter, threshold int) *PendingRequestsChecker {
	return &PendingRequestsChecker{publisher: publisher, threshold: threshold}
}

func (c *PendingRequestsChecker) Name() string {
	return "pending_requests"
}

func (c *PendingRequestsChecker) Check(ctx context.Context) CheckResult {
	pending := c.publisher.Pending()

	result := CheckResult{
		Name:      c.Name(),
		Status:    StatusHealthy,
		Timestamp: time.Now(),
		Details: map[string]any{
			"pending":   pending,
			"threshold": c.threshold,
		},
	}
	if c.threshold > 0 && pending > c.threshold {
		result.Status = StatusDegraded
		result.Message = fmt.Sprintf("%d requests awaiting replies", pending)
	}
	return result
}

// RuntimeChecker reports heap and goroutine usage
type RuntimeChecker struct {
	maxGoroutines int
}

// NewRuntimeChecker creates a checker that degrades above maxGoroutines
func NewRuntimeChecker(maxGoroutines int) *RuntimeChecker {
	return &RuntimeChecker{maxGoroutines: maxGoroutines}
}

func (c *RuntimeChecker) Name() string {
	return "runtime"
}

func (c *RuntimeChecker) Check(ctx context.Context) CheckResult {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)
	goroutines := runtime.NumGoroutine()

	result := CheckResult{
		Name:      c.Name(),
		Status:    StatusHealthy,
		Timestamp: time.Now(),
		Details: map[string]any{
			"goroutines":  goroutines,
			"heapAllocMB": m.HeapAlloc / 1024 / 1024,
			"numGC":       m.NumGC,
		},
	}
	if c.maxGoroutines > 0 && goroutines > c.maxGoroutines {
		result.Status = StatusDegraded
		result.Message = fmt.Sprintf("%d goroutines running", goroutines)
	}
	return result
}
