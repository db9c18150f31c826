package contracts

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/go-playground/validator/v10"
)

// ErrInvalidPayload is returned when a payload cannot be decoded or fails validation
var ErrInvalidPayload = errors.New("contracts: invalid payload")

// EncodePayload serializes v into the wire representation of a payload.
// A json.RawMessage is passed through after a validity check.
func EncodePayload[T any](v T) (json.RawMessage, error) {
	if raw, ok := any(v).(json.RawMessage); ok {
		if len(raw) == 0 {
			return json.RawMessage("null"), nil
		}
		if !json.Valid(raw) {
			return nil, fmt.Errorf("%w: raw payload is not valid JSON", ErrInvalidPayload)
		}
		return raw, nil
	}

	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	return data, nil
}

// DecodePayload deserializes raw into a T. An empty payload decodes to the zero value.
func DecodePayload[T any](raw json.RawMessage) (T, error) {
	var v T
	if len(raw) == 0 {
		return v, nil
	}
	if err := json.Unmarshal(raw, &v); err != nil {
		return v, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	return v, nil
}

// ValidatePayload runs struct tag validation on v. Values that are not
// structs (strings, maps, slices) have no tags and always pass.
func ValidatePayload(v any) error {
	err := validate().Struct(v)
	if err == nil {
		return nil
	}

	var invalid *validator.InvalidValidationError
	if errors.As(err, &invalid) {
		return nil
	}
	return fmt.Errorf("%w: %v", ErrInvalidPayload, err)
}
