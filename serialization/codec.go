// Package serialization maps envelopes onto broker message bodies.
//
// The default WireCodec speaks the JSON framing used by NestJS
// microservices, so producers and consumers built with this module
// interoperate with Node services on the same queue:
//
//	request/event: {"pattern": "...", "data": ..., "id": "<correlationId>"}
//	reply:         {"id": "<correlationId>", "response": ..., "err": ..., "isDisposed": true}
//
// Correlation identifiers and reply destinations also travel as transport
// properties; transports overlay those on the decoded envelope.
package serialization

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/glimte/mmate-rpc/contracts"
)

// ContentTypeJSON is the content type of WireCodec bodies
const ContentTypeJSON = "application/json"

var (
	// ErrEmptyBody is returned when a message body is empty
	ErrEmptyBody = errors.New("serialization: empty message body")
	// ErrMissingPattern is returned when a non-reply body carries no pattern
	ErrMissingPattern = errors.New("serialization: message has no pattern")
)

// Codec converts envelopes to and from message bodies
type Codec interface {
	// Marshal encodes env into a message body
	Marshal(env *contracts.Envelope) ([]byte, error)

	// Unmarshal decodes a body received on source. Replies take source as their pattern.
	Unmarshal(source string, data []byte) (*contracts.Envelope, error)

	// ContentType is the MIME type advertised for encoded bodies
	ContentType() string
}

// WireCodec is the default Codec
type WireCodec struct{}

// NewWireCodec creates a WireCodec
func NewWireCodec() *WireCodec {
	return &WireCodec{}
}

type requestPacket struct {
	Pattern string          `json:"pattern"`
	Data    json.RawMessage `json:"data,omitempty"`
	ID      string          `json:"id,omitempty"`
}

type replyPacket struct {
	ID         string          `json:"id"`
	Response   json.RawMessage `json:"response,omitempty"`
	Err        *wireError      `json:"err,omitempty"`
	IsDisposed bool            `json:"isDisposed"`
}

type wireError struct {
	Status  string `json:"status"`
	Code    string `json:"code,omitempty"`
	Message string `json:"message"`
}

// inbound is the union of both packet shapes
type inbound struct {
	Pattern    json.RawMessage `json:"pattern"`
	Data       json.RawMessage `json:"data"`
	ID         string          `json:"id"`
	Response   json.RawMessage `json:"response"`
	Err        json.RawMessage `json:"err"`
	IsDisposed bool            `json:"isDisposed"`
}

// ContentType implements Codec
func (c *WireCodec) ContentType() string {
	return ContentTypeJSON
}

// Marshal implements Codec
func (c *WireCodec) Marshal(env *contracts.Envelope) ([]byte, error) {
	if env == nil {
		return nil, fmt.Errorf("serialization: %w", contracts.ErrInvalidEnvelope)
	}

	if env.IsReply() {
		packet := replyPacket{
			ID:         env.CorrelationID,
			Response:   env.Payload,
			IsDisposed: true,
		}
		if env.Error != nil {
			packet.Err = &wireError{
				Status:  "error",
				Code:    env.Error.Code,
				Message: env.Error.Message,
			}
		}
		return json.Marshal(packet)
	}

	if env.Pattern == "" {
		return nil, ErrMissingPattern
	}
	return json.Marshal(requestPacket{
		Pattern: env.Pattern,
		Data:    env.Payload,
		ID:      env.CorrelationID,
	})
}

// Unmarshal implements Codec
func (c *WireCodec) Unmarshal(source string, data []byte) (*contracts.Envelope, error) {
	if len(bytes.TrimSpace(data)) == 0 {
		return nil, ErrEmptyBody
	}

	var in inbound
	if err := json.Unmarshal(data, &in); err != nil {
		return nil, fmt.Errorf("serialization: decode body: %w", err)
	}

	env := &contracts.Envelope{Timestamp: time.Now().UTC()}

	if isPresent(in.Pattern) {
		pattern, err := normalizePattern(in.Pattern)
		if err != nil {
			return nil, err
		}
		env.Pattern = pattern
		env.Payload = in.Data
		env.CorrelationID = in.ID
		return env, nil
	}

	if !in.IsDisposed && in.ID == "" {
		return nil, ErrMissingPattern
	}

	env.Pattern = source
	env.CorrelationID = in.ID
	env.Payload = in.Response
	if isPresent(in.Err) {
		env.Error = decodeError(in.Err)
	}
	return env, nil
}

func isPresent(raw json.RawMessage) bool {
	return len(raw) > 0 && !bytes.Equal(raw, []byte("null"))
}

// normalizePattern accepts string patterns and object patterns. Objects are
// rendered with sorted keys so equal patterns compare equal as strings.
func normalizePattern(raw json.RawMessage) (string, error) {
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		if s == "" {
			return "", ErrMissingPattern
		}
		return s, nil
	}

	var obj map[string]any
	if err := json.Unmarshal(raw, &obj); err != nil {
		return "", fmt.Errorf("serialization: unsupported pattern %s", raw)
	}
	out, err := json.Marshal(obj)
	if err != nil {
		return "", fmt.Errorf("serialization: encode pattern: %w", err)
	}
	return string(out), nil
}

// decodeError accepts a bare string or an object with code/message
func decodeError(raw json.RawMessage) *contracts.ErrorReply {
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return contracts.NewError(contracts.CodeHandlerError, s)
	}

	var we wireError
	if err := json.Unmarshal(raw, &we); err == nil && we.Message != "" {
		code := we.Code
		if code == "" {
			code = contracts.CodeHandlerError
		}
		return contracts.NewError(code, we.Message)
	}

	return contracts.NewError(contracts.CodeHandlerError, string(raw))
}
