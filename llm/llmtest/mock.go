// Package llmtest provides a scripted Provider for tests.
package llmtest

import (
	"context"
	"fmt"
	"sync"

	"github.com/c360studio/agentmesh/llm"
)

// Step is one scripted provider turn: either a response or an error.
type Step struct {
	Response *llm.Response
	Err      error
}

// MockProvider replays a script of responses in order. Once the script
// is exhausted it repeats the last step, so loops that poll past the
// script's end stay deterministic.
type MockProvider struct {
	mu       sync.Mutex
	name     string
	script   []Step
	calls    int
	Requests []llm.Request
}

// NewMockProvider creates a provider named "mock" with the given script.
func NewMockProvider(steps ...Step) *MockProvider {
	return &MockProvider{name: "mock", script: steps}
}

// Named sets the provider name and returns the receiver.
func (m *MockProvider) Named(name string) *MockProvider {
	m.name = name
	return m
}

// Name implements llm.Provider.
func (m *MockProvider) Name() string { return m.name }

// Calls returns how many Complete calls the provider has served.
func (m *MockProvider) Calls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}

// Complete implements llm.Provider.
func (m *MockProvider) Complete(_ context.Context, req llm.Request) (*llm.Response, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if len(m.script) == 0 {
		return nil, llm.NewFatalError(fmt.Errorf("mock provider %s has no script", m.name))
	}

	idx := m.calls
	if idx >= len(m.script) {
		idx = len(m.script) - 1
	}
	m.calls++
	m.Requests = append(m.Requests, req)

	step := m.script[idx]
	if step.Err != nil {
		return nil, step.Err
	}
	resp := *step.Response
	return &resp, nil
}

// Stream implements llm.Provider by delivering the scripted content as a
// single chunk.
func (m *MockProvider) Stream(ctx context.Context, req llm.Request, fn func(chunk string) error) (*llm.Response, error) {
	resp, err := m.Complete(ctx, req)
	if err != nil {
		return nil, err
	}
	if resp.Content != "" {
		if err := fn(resp.Content); err != nil {
			return nil, err
		}
	}
	return resp, nil
}

// TextResponse scripts a plain assistant message.
func TextResponse(content string) Step {
	return Step{Response: &llm.Response{
		Content:      content,
		Model:        "mock-model",
		FinishReason: "stop",
		Usage:        llm.Usage{PromptTokens: 10, CompletionTokens: 5, TotalTokens: 15},
	}}
}

// ToolCallResponse scripts a structured tool invocation.
func ToolCallResponse(callID, name, argumentsJSON string) Step {
	return Step{Response: &llm.Response{
		Model:        "mock-model",
		FinishReason: "tool_calls",
		Usage:        llm.Usage{PromptTokens: 10, CompletionTokens: 5, TotalTokens: 15},
		ToolCalls: []llm.ToolCall{{
			ID:   callID,
			Type: "function",
			Function: llm.FunctionCall{
				Name:      name,
				Arguments: argumentsJSON,
			},
		}},
	}}
}

// FinalAnswer scripts a final_answer tool call.
func FinalAnswer(answer string) Step {
	return ToolCallResponse("call-final", "final_answer",
		fmt.Sprintf(`{"answer":%q}`, answer))
}

// Failure scripts an error step.
func Failure(err error) Step {
	return Step{Err: err}
}
