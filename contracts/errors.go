package contracts

import "fmt"

// Error codes carried by ErrorReply
const (
	CodeHandlerError   = "handler_error"
	CodePanic          = "panic"
	CodeNoHandler      = "no_handler"
	CodeInvalidPayload = "invalid_payload"
)

// ErrorReply is the payload of an error-typed reply envelope
type ErrorReply struct {
	Code    string `json:"code,omitempty"`
	Message string `json:"message"`
}

// NewError creates an ErrorReply
func NewError(code, message string) *ErrorReply {
	return &ErrorReply{Code: code, Message: message}
}

func (e *ErrorReply) Error() string {
	if e.Code == "" {
		return e.Message
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}
