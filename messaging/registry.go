package messaging

import (
	"fmt"
	"slices"

	"github.com/samber/lo"
)

// Registration binds a pattern to a handler
type Registration struct {
	Pattern string
	Handler Handler
}

// Register creates a Registration
func Register(pattern string, handler Handler) Registration {
	return Registration{Pattern: pattern, Handler: handler}
}

// RegisterFunc creates a Registration from a function
func RegisterFunc(pattern string, fn HandlerFunc) Registration {
	if fn == nil {
		return Registration{Pattern: pattern}
	}
	return Registration{Pattern: pattern, Handler: fn}
}

// Registry maps patterns to handlers. It is built once and never mutated,
// so lookups need no locking.
type Registry struct {
	handlers map[string]Handler
}

// NewRegistry builds a registry from a fixed set of registrations
func NewRegistry(registrations ...Registration) (*Registry, error) {
	handlers := make(map[string]Handler, len(registrations))

	for _, reg := range registrations {
		if reg.Pattern == "" {
			return nil, ErrEmptyPattern
		}
		if reg.Handler == nil {
			return nil, fmt.Errorf("%w: %q", ErrNilHandler, reg.Pattern)
		}
		if _, exists := handlers[reg.Pattern]; exists {
			return nil, fmt.Errorf("%w: %q", ErrDuplicatePattern, reg.Pattern)
		}
		handlers[reg.Pattern] = reg.Handler
	}

	return &Registry{handlers: handlers}, nil
}

// Lookup returns the handler registered for exactly pattern
func (r *Registry) Lookup(pattern string) (Handler, bool) {
	h, ok := r.handlers[pattern]
	return h, ok
}

// Patterns returns the registered patterns in sorted order
func (r *Registry) Patterns() []string {
	patterns := lo.Keys(r.handlers)
	slices.Sort(patterns)
	return patterns
}

// Len returns the number of registered patterns
func (r *Registry) Len() int {
	return len(r.handlers)
}
