package messaging

import (
	"errors"
	"fmt"
)

var (
	ErrNotConnected       = errors.New("messaging: broker not connected")
	ErrTransportClosed    = errors.New("messaging: transport closed")
	ErrSubscriptionClosed = errors.New("messaging: subscription closed")
	ErrPublisherClosed    = errors.New("messaging: publisher closed")
	ErrRequestTimeout     = errors.New("messaging: request timed out")
	ErrQueueNotFound      = errors.New("messaging: queue not found")

	ErrEmptyPattern     = errors.New("messaging: pattern is empty")
	ErrNilHandler       = errors.New("messaging: handler is nil")
	ErrDuplicatePattern = errors.New("messaging: pattern already registered")
)

// ConnectionError reports that the broker link could not be established or maintained
type ConnectionError struct {
	Transport string
	Op        string
	Err       error
}

func (e *ConnectionError) Error() string {
	if e.Transport == "" {
		return fmt.Sprintf("connection error: %s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("%s connection error: %s: %v", e.Transport, e.Op, e.Err)
}

func (e *ConnectionError) Unwrap() error {
	return e.Err
}

// PublishError reports a publish that was attempted while not connected or
// was rejected by the broker
type PublishError struct {
	Queue   string
	Pattern string
	Err     error
}

func (e *PublishError) Error() string {
	return fmt.Sprintf("publish %q to queue %q failed: %v", e.Pattern, e.Queue, e.Err)
}

func (e *PublishError) Unwrap() error {
	return e.Err
}

// RequestError reports a Send that failed before or while awaiting its reply
type RequestError struct {
	Pattern       string
	CorrelationID string
	Err           error
}

func (e *RequestError) Error() string {
	if e.CorrelationID == "" {
		return fmt.Sprintf("request %q failed: %v", e.Pattern, e.Err)
	}
	return fmt.Sprintf("request %q (correlationId=%s) failed: %v", e.Pattern, e.CorrelationID, e.Err)
}

func (e *RequestError) Unwrap() error {
	return e.Err
}

// HandlerError reports that the remote handler failed. It is the error
// returned by Send when an error-typed reply arrives.
type HandlerError struct {
	Pattern string
	Code    string
	Message string
}

func (e *HandlerError) Error() string {
	return fmt.Sprintf("handler for %q failed (%s): %s", e.Pattern, e.Code, e.Message)
}

// IsTimeout reports whether err is a request that ran out of time
func IsTimeout(err error) bool {
	return errors.Is(err, ErrRequestTimeout)
}
