package contracts

import (
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEnvelopeKind(t *testing.T) {
	t.Run("event has no correlation metadata", func(t *testing.T) {
		env := NewEvent("user.created", json.RawMessage(`{"id":1}`))

		assert.Equal(t, KindEvent, env.Kind())
		assert.False(t, env.IsRequest())
		assert.False(t, env.IsReply())
		assert.NotZero(t, env.Timestamp)
	})

	t.Run("request carries correlation and reply destination", func(t *testing.T) {
		env := NewRequest("message_print", json.RawMessage(`{}`), "corr-1", "reply.q")

		assert.Equal(t, KindRequest, env.Kind())
		assert.True(t, env.IsRequest())
		assert.Equal(t, "request", env.Kind().String())
	})

	t.Run("reply is addressed to the request reply destination", func(t *testing.T) {
		req := NewRequest("message_print", json.RawMessage(`{}`), "corr-1", "reply.q")
		reply := NewReply(req, json.RawMessage(`"ok"`))

		assert.Equal(t, KindReply, reply.Kind())
		assert.Equal(t, "reply.q", reply.Pattern)
		assert.Equal(t, "corr-1", reply.CorrelationID)
		assert.Empty(t, reply.ReplyTo)
		assert.False(t, reply.Failed())

		// the request is left untouched
		assert.Equal(t, "message_print", req.Pattern)
		assert.Equal(t, "reply.q", req.ReplyTo)
	})

	t.Run("error reply carries the failure", func(t *testing.T) {
		req := NewRequest("message_print", nil, "corr-2", "reply.q")
		reply := NewErrorReply(req, NewError(CodeHandlerError, "boom"))

		assert.True(t, reply.Failed())
		assert.True(t, reply.IsReply())
		assert.Equal(t, "handler_error: boom", reply.Error.Error())
	})
}

func TestEnvelopeValidate(t *testing.T) {
	tests := []struct {
		name    string
		env     *Envelope
		wantErr bool
	}{
		{name: "valid event", env: NewEvent("a", json.RawMessage(`{"x":1}`))},
		{name: "valid request", env: NewRequest("a", nil, "c", "r")},
		{name: "nil envelope", env: nil, wantErr: true},
		{name: "empty pattern", env: NewEvent("", nil), wantErr: true},
		{name: "pattern too long", env: NewEvent(strings.Repeat("p", 256), nil), wantErr: true},
		{name: "payload not json", env: NewEvent("a", json.RawMessage(`{oops`)), wantErr: true},
		{name: "replyTo without correlation", env: &Envelope{Pattern: "a", ReplyTo: "r"}, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.env.Validate()
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrInvalidEnvelope)
				return
			}
			assert.NoError(t, err)
		})
	}
}

type printPayload struct {
	Text string `json:"text" validate:"required"`
}

func TestPayloadRoundTrip(t *testing.T) {
	payloads := []any{
		map[string]any{"text": "Hello from Producer!"},
		"Message received by Consumer!",
		[]any{1.5, "two", true, nil, map[string]any{"nested": []any{"x"}}},
		float64(42),
		nil,
	}

	for _, p := range payloads {
		raw, err := EncodePayload(p)
		require.NoError(t, err)

		got, err := DecodePayload[any](raw)
		require.NoError(t, err)
		assert.Equal(t, p, got)
	}

	t.Run("typed payload", func(t *testing.T) {
		raw, err := EncodePayload(printPayload{Text: "hi"})
		require.NoError(t, err)
		assert.JSONEq(t, `{"text":"hi"}`, string(raw))

		got, err := DecodePayload[printPayload](raw)
		require.NoError(t, err)
		assert.Equal(t, "hi", got.Text)
	})

	t.Run("raw payload passes through", func(t *testing.T) {
		raw, err := EncodePayload(json.RawMessage(`{"a":[1,2]}`))
		require.NoError(t, err)
		assert.Equal(t, `{"a":[1,2]}`, string(raw))

		_, err = EncodePayload(json.RawMessage(`{`))
		assert.ErrorIs(t, err, ErrInvalidPayload)
	})

	t.Run("empty payload decodes to zero value", func(t *testing.T) {
		got, err := DecodePayload[printPayload](nil)
		require.NoError(t, err)
		assert.Equal(t, printPayload{}, got)
	})

	t.Run("mismatched payload fails", func(t *testing.T) {
		_, err := DecodePayload[printPayload](json.RawMessage(`"text"`))
		assert.ErrorIs(t, err, ErrInvalidPayload)
	})
}

func TestValidatePayload(t *testing.T) {
	assert.NoError(t, ValidatePayload(printPayload{Text: "x"}))
	assert.ErrorIs(t, ValidatePayload(printPayload{}), ErrInvalidPayload)
	assert.NoError(t, ValidatePayload("plain string"))
	assert.NoError(t, ValidatePayload(map[string]any{}))
}
