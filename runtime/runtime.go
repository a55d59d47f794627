// Package runtime drives one task through the observe-think-act loop:
// assemble the conversation, call the LLM, execute the tool calls it
// returns, and stop on final_answer or an exhausted budget.
package runtime

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/c360studio/agentmesh/agent"
	"github.com/c360studio/agentmesh/event"
	"github.com/c360studio/agentmesh/llm"
	"github.com/c360studio/agentmesh/memory"
	"github.com/c360studio/agentmesh/tool"
)

// Completer is the slice of the LLM client the runtime needs.
type Completer interface {
	Complete(ctx context.Context, req llm.Request) (*llm.Response, error)
}

// LongTermMemory persists knowledge across tasks. *memory.LongTermStore
// satisfies it.
type LongTermMemory interface {
	Recent(ctx context.Context, agentID string, limit int) ([]*memory.Record, error)
	Put(ctx context.Context, agentID, key string, value map[string]any) error
}

// recallLimit bounds how many stored memories are folded into the
// system prompt.
const recallLimit = 5

// ExecutionResult is the outcome of one task execution.
type ExecutionResult struct {
	Success     bool   `json:"success"`
	Result      any    `json:"result,omitempty"`
	Error       string `json:"error,omitempty"`
	Iterations  int    `json:"iterations"`
	TotalTokens int    `json:"total_tokens"`
	ElapsedMS   int64  `json:"elapsed_ms"`
}

// Runtime executes tasks for one agent instance. A runtime never has
// two overlapping Execute calls; the worker serialises access.
type Runtime struct {
	definition *agent.Definition
	instanceID string
	llm        Completer
	memory     memory.Store
	registry   *tool.Registry
	executor   *tool.Executor
	longTerm   LongTermMemory
	events     event.Sink
	logger     *slog.Logger
	now        func() time.Time
}

// Option configures a Runtime.
type Option func(*Runtime)

// WithEventSink routes lifecycle events to the sink.
func WithEventSink(sink event.Sink) Option {
	return func(r *Runtime) {
		if sink != nil {
			r.events = sink
		}
	}
}

// WithLongTermMemory enables cross-task recall and retention.
func WithLongTermMemory(lt LongTermMemory) Option {
	return func(r *Runtime) { r.longTerm = lt }
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(r *Runtime) {
		if logger != nil {
			r.logger = logger
		}
	}
}

// New creates a runtime for one agent instance.
func New(def *agent.Definition, instanceID string, completer Completer, mem memory.Store,
	registry *tool.Registry, executor *tool.Executor, opts ...Option) *Runtime {
	r := &Runtime{
		definition: def,
		instanceID: instanceID,
		llm:        completer,
		memory:     mem,
		registry:   registry,
		executor:   executor,
		events:     event.Discard,
		logger:     slog.Default(),
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Execute runs one task to a terminal outcome. The returned result is
// never nil; failures are reported in Result.Error with the budget or
// cause named.
func (r *Runtime) Execute(ctx context.Context, taskID, taskInput string) *ExecutionResult {
	start := r.now()
	constraints := r.definition.Constraints
	maxElapsed := time.Duration(constraints.MaxExecutionTimeSeconds) * time.Second

	res := &ExecutionResult{}
	fail := func(format string, args ...any) *ExecutionResult {
		res.Success = false
		res.Error = fmt.Sprintf(format, args...)
		res.ElapsedMS = r.now().Sub(start).Milliseconds()
		return res
	}
	succeed := func(result any) *ExecutionResult {
		res.Success = true
		res.Result = result
		res.ElapsedMS = r.now().Sub(start).Milliseconds()
		r.remember(ctx, taskID, result, res)
		return res
	}

	if err := r.memory.Add(ctx, r.definition.ID, taskID, llm.Message{
		Role:    llm.RoleUser,
		Content: taskInput,
	}); err != nil {
		return fail("record task input: %v", err)
	}

	systemPrompt := r.definition.SystemPrompt() + r.recall(ctx)
	allowed := r.effectiveTools()
	schemas := r.registry.Schemas(allowed)

	for res.Iterations < constraints.MaxIterations {
		// Budget checks at the iteration boundary.
		if err := ctx.Err(); err != nil {
			return fail("execution cancelled: %v", err)
		}
		if elapsed := r.now().Sub(start); elapsed > maxElapsed {
			return fail("timeout: %s elapsed exceeds budget of %s", elapsed.Round(time.Millisecond), maxElapsed)
		}
		res.Iterations++

		messages, err := r.buildMessages(ctx, systemPrompt, taskID)
		if err != nil {
			return fail("assemble messages: %v", err)
		}

		req := llm.Request{
			Model:         r.definition.Model.ModelID,
			Messages:      messages,
			Temperature:   r.definition.Model.Temperature,
			MaxTokens:     r.definition.Model.MaxTokens,
			StopSequences: r.definition.Model.StopSequences,
		}
		if len(schemas) > 0 {
			req.Tools = schemas
			req.ToolChoice = "auto"
		}

		resp, err := r.llm.Complete(ctx, req)
		if err != nil {
			return fail("llm call failed: %v", err)
		}
		res.TotalTokens += resp.Usage.PromptTokens + resp.Usage.CompletionTokens

		r.emit(ctx, event.AgentLLMCall(r.instanceID, taskID, resp.Model,
			resp.Usage.PromptTokens, resp.Usage.CompletionTokens, resp.LatencyMS))
		r.emit(ctx, event.TaskProgress(taskID, r.instanceID, res.Iterations, res.TotalTokens))

		if res.TotalTokens >= constraints.MaxTokensPerTask {
			return fail("token limit exceeded: %d >= %d", res.TotalTokens, constraints.MaxTokensPerTask)
		}

		if resp.HasToolCalls() {
			answer, done, err := r.handleToolCalls(ctx, taskID, resp)
			if err != nil {
				return fail("%v", err)
			}
			if done {
				return succeed(answer)
			}
			continue
		}

		// Some providers emit tool invocations as plain text.
		if constraints.TextToolCallFallback {
			if call := ParseTextToolCall(resp.Content, allowed); call != nil {
				r.logger.Warn("Parsed tool call from text content",
					"tool", call.Function.Name,
					"instance_id", r.instanceID,
					"task_id", taskID)
				answer, done, err := r.runTextCall(ctx, taskID, resp.Content, call)
				if err != nil {
					return fail("%v", err)
				}
				if done {
					return succeed(answer)
				}
				continue
			}
		}

		// No tool calls at all: the content is the final answer.
		if err := r.memory.Add(ctx, r.definition.ID, taskID, llm.Message{
			Role:    llm.RoleAssistant,
			Content: resp.Content,
		}); err != nil {
			return fail("record final answer: %v", err)
		}
		return succeed(resp.Content)
	}

	return fail("max iterations reached: %d", res.Iterations)
}

// handleToolCalls appends the assistant turn and executes each call in
// order. Returns (answer, true, nil) when final_answer fires.
func (r *Runtime) handleToolCalls(ctx context.Context, taskID string, resp *llm.Response) (any, bool, error) {
	calls := resp.ToolCalls
	if limit := r.definition.Constraints.MaxToolCallsPerIteration; limit > 0 && len(calls) > limit {
		calls = calls[:limit]
	}

	if err := r.memory.Add(ctx, r.definition.ID, taskID, llm.Message{
		Role:      llm.RoleAssistant,
		Content:   resp.Content,
		ToolCalls: calls,
	}); err != nil {
		return nil, false, fmt.Errorf("record assistant turn: %w", err)
	}

	for _, call := range calls {
		if call.Function.Name == tool.NameFinalAnswer {
			args, err := tool.DecodeArguments(call.Function.Arguments)
			if err != nil {
				return nil, false, fmt.Errorf("decode final answer: %w", err)
			}
			return args["answer"], true, nil
		}

		result := r.executor.ExecuteCall(ctx, call, r.execOptions(call.Function.Name))
		r.emit(ctx, event.AgentToolCall(r.instanceID, taskID, call.Function.Name,
			result.Success, result.ElapsedMS))
		if call.Function.Name == tool.NameThink {
			r.emitThinking(ctx, taskID, call.Function.Arguments)
		}

		if err := r.memory.Add(ctx, r.definition.ID, taskID, toolResultMessage(call.ID, result)); err != nil {
			return nil, false, fmt.Errorf("record tool result: %w", err)
		}
	}
	return nil, false, nil
}

// emitThinking surfaces a think call's recorded reasoning as an event.
func (r *Runtime) emitThinking(ctx context.Context, taskID, arguments string) {
	args, err := tool.DecodeArguments(arguments)
	if err != nil {
		return
	}
	thought, _ := args["thought"].(string)
	if thought != "" {
		r.emit(ctx, event.AgentThinking(r.instanceID, taskID, thought))
	}
}

// runTextCall executes a tool call parsed out of text content.
func (r *Runtime) runTextCall(ctx context.Context, taskID, content string, call *llm.ToolCall) (any, bool, error) {
	if call.Function.Name == tool.NameFinalAnswer {
		args, err := tool.DecodeArguments(call.Function.Arguments)
		if err != nil {
			return nil, false, fmt.Errorf("decode final answer: %w", err)
		}
		return args["answer"], true, nil
	}

	result := r.executor.ExecuteCall(ctx, *call, r.execOptions(call.Function.Name))
	r.emit(ctx, event.AgentToolCall(r.instanceID, taskID, call.Function.Name,
		result.Success, result.ElapsedMS))
	if call.Function.Name == tool.NameThink {
		r.emitThinking(ctx, taskID, call.Function.Arguments)
	}

	if err := r.memory.Add(ctx, r.definition.ID, taskID, llm.Message{
		Role:    llm.RoleAssistant,
		Content: content,
	}); err != nil {
		return nil, false, fmt.Errorf("record assistant turn: %w", err)
	}
	if err := r.memory.Add(ctx, r.definition.ID, taskID, toolResultMessage(call.ID, result)); err != nil {
		return nil, false, fmt.Errorf("record tool result: %w", err)
	}
	return nil, false, nil
}

// buildMessages prepends the system prompt to the memory window, bounded
// by message count and, when configured, estimated tokens.
func (r *Runtime) buildMessages(ctx context.Context, systemPrompt, taskID string) ([]llm.Message, error) {
	window, err := r.memory.Window(ctx, r.definition.ID, taskID,
		r.definition.Memory.ShortTermMaxMessages)
	if err != nil {
		return nil, err
	}
	window = memory.TrimToTokenBudget(window, r.definition.Memory.ShortTermMaxTokens)
	messages := make([]llm.Message, 0, len(window)+1)
	messages = append(messages, llm.Message{Role: llm.RoleSystem, Content: systemPrompt})
	return append(messages, window...), nil
}

// recall renders the agent's most recent long-term memories as a system
// prompt suffix. Recall failures degrade to an empty prompt rather than
// failing the task.
func (r *Runtime) recall(ctx context.Context) string {
	if r.longTerm == nil {
		return ""
	}
	recs, err := r.longTerm.Recent(ctx, r.definition.ID, recallLimit)
	if err != nil {
		r.logger.Warn("Long-term recall failed",
			"agent_id", r.definition.ID, "error", err)
		return ""
	}
	if len(recs) == 0 {
		return ""
	}

	var b strings.Builder
	b.WriteString("\n\nWhat you remember from earlier tasks:")
	for _, rec := range recs {
		data, err := json.Marshal(rec.Value)
		if err != nil {
			continue
		}
		fmt.Fprintf(&b, "\n- %s: %s", rec.Key, data)
	}
	return b.String()
}

// remember stores a successful outcome for future recall, keyed by task.
func (r *Runtime) remember(ctx context.Context, taskID string, result any, res *ExecutionResult) {
	if r.longTerm == nil {
		return
	}
	err := r.longTerm.Put(ctx, r.definition.ID, "task-"+taskID, map[string]any{
		"task_id":    taskID,
		"result":     result,
		"iterations": res.Iterations,
	})
	if err != nil {
		r.logger.Warn("Failed to store long-term memory",
			"agent_id", r.definition.ID, "task_id", taskID, "error", err)
	}
}

// effectiveTools resolves the allow/deny lists against the registry.
func (r *Runtime) effectiveTools() []string {
	candidates := r.definition.Constraints.AllowedTools
	if candidates == nil {
		candidates = r.registry.Names()
	}
	out := make([]string, 0, len(candidates))
	for _, name := range candidates {
		if r.definition.Constraints.ToolAllowed(name) {
			out = append(out, name)
		}
	}
	return out
}

// execOptions maps the definition's per-tool configuration onto the
// executor.
func (r *Runtime) execOptions(name string) tool.ExecOptions {
	for _, tc := range r.definition.Tools {
		if tc.Name == name {
			return tool.ExecOptions{
				Timeout:    time.Duration(tc.TimeoutSeconds) * time.Second,
				RetryCount: tc.RetryCount,
				RetryDelay: time.Duration(tc.RetryDelaySeconds * float64(time.Second)),
			}
		}
	}
	return tool.ExecOptions{}
}

func (r *Runtime) emit(ctx context.Context, e *event.Event) {
	if err := r.events.Emit(ctx, e); err != nil {
		r.logger.Warn("Failed to emit event", "event_type", e.Type, "error", err)
	}
}

// toolResultMessage folds a tool outcome into a conversation turn.
func toolResultMessage(callID string, result *tool.Result) llm.Message {
	content := "Error: " + result.Error
	if result.Success {
		if data, err := json.Marshal(result.Result); err == nil {
			content = string(data)
		} else {
			content = fmt.Sprintf("%v", result.Result)
		}
	}
	return llm.Message{
		Role:       llm.RoleTool,
		Content:    content,
		ToolCallID: callID,
	}
}
