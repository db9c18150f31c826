package health

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/glimte/mmate-rpc/messaging"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fixed(name string, status Status) Checker {
	return NewCheckerFunc(name, func(ctx context.Context) CheckResult {
		return CheckResult{Name: name, Status: status, Timestamp: time.Now()}
	})
}

type stateFunc func() messaging.ConnectionState

func (f stateFunc) State() messaging.ConnectionState { return f() }

type inspectFunc func(ctx context.Context, queue string) (messaging.QueueStats, error)

func (f inspectFunc) InspectQueue(ctx context.Context, queue string) (messaging.QueueStats, error) {
	return f(ctx, queue)
}

type pendingCount int

func (p pendingCount) Pending() int { return int(p) }

func TestRegistryCheck(t *testing.T) {
	tests := []struct {
		name     string
		checkers []Checker
		want     Status
	}{
		{"no checkers", nil, StatusHealthy},
		{"all healthy", []Checker{fixed("a", StatusHealthy), fixed("b", StatusHealthy)}, StatusHealthy},
		{"one degraded", []Checker{fixed("a", StatusHealthy), fixed("b", StatusDegraded)}, StatusDegraded},
		{"unhealthy wins", []Checker{fixed("a", StatusDegraded), fixed("b", StatusUnhealthy), fixed("c", StatusHealthy)}, StatusUnhealthy},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			report := NewRegistry(tt.checkers...).Check(context.Background())

			assert.Equal(t, tt.want, report.Status)
			assert.Len(t, report.Checks, len(tt.checkers))
		})
	}
}

func TestRegistryCheckTimeout(t *testing.T) {
	slow := NewCheckerFunc("slow", func(ctx context.Context) CheckResult {
		<-ctx.Done()
		time.Sleep(50 * time.Millisecond)
		return CheckResult{Name: "slow", Status: StatusHealthy}
	})
	registry := NewRegistry(slow, fixed("fast", StatusHealthy))
	registry.SetMetadata("queue", "main_queue")

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	report := registry.Check(ctx)

	assert.Equal(t, StatusUnhealthy, report.Status)
	assert.Equal(t, StatusUnhealthy, report.Checks["slow"].Status)
	assert.Equal(t, "check timed out", report.Checks["slow"].Message)
	assert.Equal(t, "main_queue", report.Metadata["queue"])
}

func TestRegistryReplacesByName(t *testing.T) {
	registry := NewRegistry(fixed("broker", StatusUnhealthy))
	registry.Register(fixed("broker", StatusHealthy))

	report := registry.Check(context.Background())
	assert.Equal(t, StatusHealthy, report.Status)
	assert.Len(t, report.Checks, 1)
}

func TestHandler(t *testing.T) {
	tests := []struct {
		name   string
		status Status
		code   int
	}{
		{"healthy", StatusHealthy, http.StatusOK},
		{"degraded", StatusDegraded, http.StatusOK},
		{"unhealthy", StatusUnhealthy, http.StatusServiceUnavailable},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			handler := NewHandler(NewRegistry(fixed("broker", tt.status)), time.Second)

			rec := httptest.NewRecorder()
			handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))

			assert.Equal(t, tt.code, rec.Code)
			assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))

			var report Report
			require.NoError(t, json.NewDecoder(rec.Body).Decode(&report))
			assert.Equal(t, tt.status, report.Status)
			assert.Equal(t, tt.status, report.Checks["broker"].Status)
		})
	}
}

func TestTransportChecker(t *testing.T) {
	tests := []struct {
		state messaging.ConnectionState
		want  Status
	}{
		{messaging.StateConnected, StatusHealthy},
		{messaging.StateConnecting, StatusDegraded},
		{messaging.StateDisconnected, StatusUnhealthy},
		{messaging.StateClosing, StatusUnhealthy},
	}

	for _, tt := range tests {
		t.Run(tt.state.String(), func(t *testing.T) {
			checker := NewTransportChecker("rabbitmq", stateFunc(func() messaging.ConnectionState { return tt.state }))

			result := checker.Check(context.Background())

			assert.Equal(t, "rabbitmq", checker.Name())
			assert.Equal(t, tt.want, result.Status)
			assert.Equal(t, tt.state.String(), result.Details["state"])
		})
	}
}

type gaveUp struct{ err error }

func (g gaveUp) State() messaging.ConnectionState { return messaging.StateDisconnected }
func (g gaveUp) Err() error                       { return g.err }

func TestTransportCheckerReportsTerminalError(t *testing.T) {
	t.Run("error from a transport that gave up", func(t *testing.T) {
		result := NewTransportChecker("rabbitmq", gaveUp{err: errors.New("max reconnection attempts exceeded")}).Check(context.Background())

		assert.Equal(t, StatusUnhealthy, result.Status)
		assert.Equal(t, "max reconnection attempts exceeded", result.Error)
	})

	t.Run("no error while reconnection continues", func(t *testing.T) {
		result := NewTransportChecker("rabbitmq", gaveUp{}).Check(context.Background())

		assert.Equal(t, StatusUnhealthy, result.Status)
		assert.Empty(t, result.Error)
	})
}

func TestPendingRequestsChecker(t *testing.T) {
	assert.Equal(t, StatusHealthy, NewPendingRequestsChecker(pendingCount(3), 10).Check(context.Background()).Status)
	assert.Equal(t, StatusDegraded, NewPendingRequestsChecker(pendingCount(11), 10).Check(context.Background()).Status)
	assert.Equal(t, StatusHealthy, NewPendingRequestsChecker(pendingCount(1000), 0).Check(context.Background()).Status, "zero disables the threshold")
}

func TestRuntimeChecker(t *testing.T) {
	result := NewRuntimeChecker(0).Check(context.Background())
	assert.Equal(t, StatusHealthy, result.Status)
	assert.Contains(t, result.Details, "goroutines")

	result = NewRuntimeChecker(1).Check(context.Background())
	assert.Equal(t, StatusDegraded, result.Status)
}

func TestQueueChecker(t *testing.T) {
	tests := []struct {
		name    string
		stats   messaging.QueueStats
		err     error
		want    Status
		message string
	}{
		{"idle", messaging.QueueStats{Messages: 0, Consumers: 1}, nil, StatusHealthy, ""},
		{"backlog with consumers", messaging.QueueStats{Messages: 5, Consumers: 2}, nil, StatusHealthy, ""},
		{"too deep", messaging.QueueStats{Messages: 101, Consumers: 2}, nil, StatusDegraded, "101 messages waiting"},
		{"no consumers", messaging.QueueStats{Messages: 3}, nil, StatusDegraded, "no consumers for 3 messages"},
		{"not declared", messaging.QueueStats{}, messaging.ErrQueueNotFound, StatusDegraded, "queue not declared yet"},
		{"broker down", messaging.QueueStats{}, messaging.ErrNotConnected, StatusUnhealthy, "failed to inspect queue"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			checker := NewQueueChecker(inspectFunc(func(ctx context.Context, queue string) (messaging.QueueStats, error) {
				assert.Equal(t, "main_queue", queue)
				return tt.stats, tt.err
			}), "main_queue", 100)

			result := checker.Check(context.Background())

			assert.Equal(t, "queue", checker.Name())
			assert.Equal(t, tt.want, result.Status)
			assert.Equal(t, tt.message, result.Message)
			assert.Equal(t, "main_queue", result.Details["queue"])
		})
	}
}
