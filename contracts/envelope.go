package contracts

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
)

// ErrInvalidEnvelope is returned when an envelope fails validation
var ErrInvalidEnvelope = errors.New("contracts: invalid envelope")

// Kind classifies an envelope by its correlation metadata
type Kind int

const (
	// KindEvent is a fire-and-forget message
	KindEvent Kind = iota
	// KindRequest expects exactly one reply on ReplyTo
	KindRequest
	// KindReply answers a request identified by CorrelationID
	KindReply
)

func (k Kind) String() string {
	switch k {
	case KindEvent:
		return "event"
	case KindRequest:
		return "request"
	case KindReply:
		return "reply"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// Envelope is the unit of transmission
type Envelope struct {
	Pattern       string            `json:"pattern" validate:"required,max=255"`
	Payload       json.RawMessage   `json:"payload,omitempty"`
	CorrelationID string            `json:"correlationId,omitempty" validate:"omitempty,max=255"`
	ReplyTo       string            `json:"replyTo,omitempty" validate:"omitempty,max=255"`
	Error         *ErrorReply       `json:"error,omitempty"`
	Headers       map[string]string `json:"headers,omitempty"`
	Timestamp     time.Time         `json:"timestamp"`
}

// NewEvent creates an envelope without correlation metadata
func NewEvent(pattern string, payload json.RawMessage) *Envelope {
	return &Envelope{
		Pattern:   pattern,
		Payload:   payload,
		Timestamp: time.Now().UTC(),
	}
}

// NewRequest creates an envelope that expects a reply on replyTo
func NewRequest(pattern string, payload json.RawMessage, correlationID, replyTo string) *Envelope {
	env := NewEvent(pattern, payload)
	env.CorrelationID = correlationID
	env.ReplyTo = replyTo
	return env
}

// NewReply creates the reply to request carrying payload. The reply is
// addressed to the request's ReplyTo and copies its CorrelationID.
func NewReply(request *Envelope, payload json.RawMessage) *Envelope {
	return &Envelope{
		Pattern:       request.ReplyTo,
		Payload:       payload,
		CorrelationID: request.CorrelationID,
		Timestamp:     time.Now().UTC(),
	}
}

// NewErrorReply creates a reply to request that reports a failure
func NewErrorReply(request *Envelope, reply *ErrorReply) *Envelope {
	env := NewReply(request, nil)
	env.Error = reply
	return env
}

// Kind reports whether the envelope is an event, request or reply
func (e *Envelope) Kind() Kind {
	switch {
	case e.CorrelationID == "":
		return KindEvent
	case e.ReplyTo != "":
		return KindRequest
	default:
		return KindReply
	}
}

// IsRequest reports whether a reply is expected
func (e *Envelope) IsRequest() bool {
	return e.Kind() == KindRequest
}

// IsReply reports whether the envelope answers a request
func (e *Envelope) IsReply() bool {
	return e.Kind() == KindReply
}

// Failed reports whether the envelope is an error reply
func (e *Envelope) Failed() bool {
	return e.Error != nil
}

// Validate checks the envelope invariants
func (e *Envelope) Validate() error {
	if e == nil {
		return fmt.Errorf("%w: nil envelope", ErrInvalidEnvelope)
	}
	if err := validate().Struct(e); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidEnvelope, err)
	}
	if len(e.Payload) > 0 && !json.Valid(e.Payload) {
		return fmt.Errorf("%w: payload is not valid JSON", ErrInvalidEnvelope)
	}
	if e.ReplyTo != "" && e.CorrelationID == "" {
		return fmt.Errorf("%w: replyTo set without correlationId", ErrInvalidEnvelope)
	}
	return nil
}

var (
	validatorOnce sync.Once
	validatorInst *validator.Validate
)

func validate() *validator.Validate {
	validatorOnce.Do(func() {
		validatorInst = validator.New(validator.WithRequiredStructEnabled())
	})
	return validatorInst
}
