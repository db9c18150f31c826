package messaging

import "time"

// Outcome labels recorded by MetricsCollector
const (
	OutcomeSuccess   = "success"
	OutcomeError     = "error"
	OutcomeTimeout   = "timeout"
	OutcomeUnmatched = "unmatched"
)

// MetricsCollector collects messaging metrics
type MetricsCollector interface {
	// RecordPublish records an outgoing envelope of the given kind
	RecordPublish(pattern, kind string, err error)

	// RecordRequest records a completed Send and its round-trip time
	RecordRequest(pattern string, duration time.Duration, outcome string)

	// RecordDispatch records a handled inbound envelope
	RecordDispatch(pattern string, duration time.Duration, outcome string)

	// SetPendingRequests reports the number of in-flight Send calls
	SetPendingRequests(n int)
}

// NoOpMetricsCollector is a no-op implementation of MetricsCollector
type NoOpMetricsCollector struct{}

func (NoOpMetricsCollector) RecordPublish(string, string, error) {}
func (NoOpMetricsCollector) RecordRequest(string, time.Duration, string) {}
func (NoOpMetricsCollector) RecordDispatch(string, time.Duration, string) {}
func (NoOpMetricsCollector) SetPendingRequests(int) {}
