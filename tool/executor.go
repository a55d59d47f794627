package tool

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/c360studio/agentmesh/llm"
)

// ExecOptions override the executor defaults for one invocation,
// typically from the agent definition's per-tool configuration.
type ExecOptions struct {
	// Timeout bounds the invocation. Zero uses the executor default.
	Timeout time.Duration

	// RetryCount is how many times to retry after the first attempt.
	// Only timeouts and transient errors are retried.
	RetryCount int

	// RetryDelay is the sleep between attempts.
	RetryDelay time.Duration
}

// Executor runs tool invocations: schema-validates arguments, bounds
// execution with a timeout, and retries transient failures. It emits no
// events; the caller owns the lifecycle event.
type Executor struct {
	registry       *Registry
	defaultTimeout time.Duration
	logger         *slog.Logger
	sleep          func(context.Context, time.Duration) error

	mu      sync.Mutex
	schemas map[string]*jsonschema.Schema
}

// ExecutorOption configures an Executor.
type ExecutorOption func(*Executor)

// WithDefaultTimeout sets the fallback invocation timeout.
func WithDefaultTimeout(d time.Duration) ExecutorOption {
	return func(e *Executor) { e.defaultTimeout = d }
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) ExecutorOption {
	return func(e *Executor) {
		if logger != nil {
			e.logger = logger
		}
	}
}

// NewExecutor creates an executor over the registry.
func NewExecutor(registry *Registry, opts ...ExecutorOption) *Executor {
	e := &Executor{
		registry:       registry,
		defaultTimeout: 30 * time.Second,
		logger:         slog.Default(),
		sleep:          sleepCtx,
		schemas:        make(map[string]*jsonschema.Schema),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Execute runs one invocation and always returns a Result; errors are
// folded into Result.Error so the agent loop can feed them back to the
// model.
func (e *Executor) Execute(ctx context.Context, name string, args map[string]any, opts ExecOptions) *Result {
	start := time.Now()

	t, ok := e.registry.Get(name)
	if !ok {
		return &Result{
			Success:   false,
			Error:     fmt.Sprintf("Tool '%s' not found", name),
			ElapsedMS: time.Since(start).Milliseconds(),
		}
	}

	if err := e.validate(t, args); err != nil {
		return &Result{
			Success:   false,
			Error:     err.Error(),
			ElapsedMS: time.Since(start).Milliseconds(),
		}
	}

	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = e.defaultTimeout
	}

	var lastErr error
	for attempt := 0; attempt <= opts.RetryCount; attempt++ {
		result, err := e.runOnce(ctx, t, args, timeout)
		if err == nil {
			return &Result{
				Success:   true,
				Result:    result,
				ElapsedMS: time.Since(start).Milliseconds(),
			}
		}
		lastErr = err

		if !retryable(err) || attempt == opts.RetryCount {
			break
		}
		e.logger.Debug("Tool invocation failed, retrying",
			"tool", name,
			"attempt", attempt+1,
			"retry_count", opts.RetryCount,
			"error", err)
		if opts.RetryDelay > 0 {
			if sleepErr := e.sleep(ctx, opts.RetryDelay); sleepErr != nil {
				lastErr = sleepErr
				break
			}
		}
	}

	return &Result{
		Success:   false,
		Error:     lastErr.Error(),
		ElapsedMS: time.Since(start).Milliseconds(),
	}
}

// ExecuteCall decodes a structured tool call's JSON arguments and runs
// it.
func (e *Executor) ExecuteCall(ctx context.Context, call llm.ToolCall, opts ExecOptions) *Result {
	args, err := DecodeArguments(call.Function.Arguments)
	if err != nil {
		return &Result{
			Success: false,
			Error:   fmt.Sprintf("invalid arguments for tool '%s': %v", call.Function.Name, err),
		}
	}
	return e.Execute(ctx, call.Function.Name, args, opts)
}

// DecodeArguments parses a tool call's raw JSON argument string. An
// empty string decodes to an empty map.
func DecodeArguments(raw string) (map[string]any, error) {
	if raw == "" {
		return map[string]any{}, nil
	}
	var args map[string]any
	if err := json.Unmarshal([]byte(raw), &args); err != nil {
		return nil, fmt.Errorf("parse arguments: %w", err)
	}
	return args, nil
}

// runOnce executes the tool under its timeout.
func (e *Executor) runOnce(ctx context.Context, t Tool, args map[string]any, timeout time.Duration) (any, error) {
	execCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	type outcome struct {
		result any
		err    error
	}
	done := make(chan outcome, 1)
	go func() {
		result, err := t.Execute(execCtx, args)
		done <- outcome{result, err}
	}()

	select {
	case <-execCtx.Done():
		return nil, fmt.Errorf("tool '%s' timed out after %s: %w", t.Name(), timeout, execCtx.Err())
	case out := <-done:
		if out.err != nil {
			return nil, fmt.Errorf("tool '%s': %w", t.Name(), out.err)
		}
		return out.result, nil
	}
}

// validate checks the arguments against the tool's JSON schema. Schemas
// are compiled once per tool name.
func (e *Executor) validate(t Tool, args map[string]any) error {
	sch, err := e.compiled(t)
	if err != nil {
		return fmt.Errorf("tool '%s' schema: %w", t.Name(), err)
	}
	if sch == nil {
		return nil
	}
	if err := sch.Validate(anyMap(args)); err != nil {
		return NewInvalidArgumentsError(fmt.Errorf("invalid arguments for tool '%s': %w", t.Name(), err))
	}
	return nil
}

func (e *Executor) compiled(t Tool) (*jsonschema.Schema, error) {
	name := t.Name()
	e.mu.Lock()
	defer e.mu.Unlock()

	if sch, ok := e.schemas[name]; ok {
		return sch, nil
	}

	raw := t.Schema()
	if raw == nil {
		e.schemas[name] = nil
		return nil, nil
	}

	// Round-trip through JSON so schema literals written with Go types
	// (ints, []any) become the shapes the compiler expects.
	data, err := json.Marshal(raw)
	if err != nil {
		return nil, fmt.Errorf("marshal schema: %w", err)
	}
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("parse schema: %w", err)
	}

	compiler := jsonschema.NewCompiler()
	url := "tool://" + name + "/schema.json"
	if err := compiler.AddResource(url, doc); err != nil {
		return nil, fmt.Errorf("add schema resource: %w", err)
	}
	sch, err := compiler.Compile(url)
	if err != nil {
		return nil, fmt.Errorf("compile schema: %w", err)
	}

	e.schemas[name] = sch
	return sch, nil
}

// anyMap round-trips arguments to plain JSON types so validation sees
// the same shapes the model produced.
func anyMap(args map[string]any) any {
	data, err := json.Marshal(args)
	if err != nil {
		return args
	}
	var out any
	if err := json.Unmarshal(data, &out); err != nil {
		return args
	}
	return out
}

// retryable reports whether a failed attempt should be retried: only
// timeouts and transient errors qualify.
func retryable(err error) bool {
	if IsInvalidArguments(err) {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	return llm.IsTransient(err)
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
