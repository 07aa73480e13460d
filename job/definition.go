package job

import "context"

// Definition is a typed job definition with a handler function.
// T is the payload type (must be JSON-serializable).
type Definition[T any] struct {
	// Type is the unique identifier for this job type.
	Type string

	// Handler processes the decoded payload and reports the outcome.
	Handler func(ctx context.Context, payload T) (*Result, error)
}

// NewDefinition creates a typed job definition.
func NewDefinition[T any](jobType string, handler func(ctx context.Context, payload T) (*Result, error)) *Definition[T] {
	return &Definition[T]{
		Type:    jobType,
		Handler: handler,
	}
}
