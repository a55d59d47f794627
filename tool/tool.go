// Package tool owns the callable tools an agent may invoke: the Tool
// contract, the Registry that holds them, and the Executor that runs
// invocations with argument validation, timeouts, and retry.
package tool

import (
	"context"
	"errors"
)

// Reserved tool names the agent runtime recognises as sentinels.
const (
	// NameFinalAnswer terminates the loop successfully with
	// arguments.answer as the task result.
	NameFinalAnswer = "final_answer"

	// NameThink records reasoning without side effects.
	NameThink = "think"
)

// Tool is a named, JSON-Schema-described callable.
type Tool interface {
	// Name is the identifier the model calls the tool by.
	Name() string

	// Description tells the model what the tool does.
	Description() string

	// Schema is the JSON-Schema object describing the arguments.
	Schema() map[string]any

	// Execute runs the tool. Implementations honour ctx cancellation.
	Execute(ctx context.Context, args map[string]any) (any, error)
}

// Result is the outcome of one tool invocation.
type Result struct {
	Success   bool   `json:"success"`
	Result    any    `json:"result,omitempty"`
	Error     string `json:"error,omitempty"`
	ElapsedMS int64  `json:"elapsed_ms"`
}

// InvalidArgumentsError marks arguments that failed schema validation.
// Never retried.
type InvalidArgumentsError struct {
	err error
}

func (e *InvalidArgumentsError) Error() string { return e.err.Error() }
func (e *InvalidArgumentsError) Unwrap() error { return e.err }

// NewInvalidArgumentsError wraps a validation failure.
func NewInvalidArgumentsError(err error) error {
	return &InvalidArgumentsError{err: err}
}

// IsInvalidArguments reports whether err is an argument-validation
// failure.
func IsInvalidArguments(err error) bool {
	var inv *InvalidArgumentsError
	return errors.As(err, &inv)
}
