package providers

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360studio/agentmesh/llm"
)

func TestAnthropicCompleteRoundTrip(t *testing.T) {
	var captured map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/messages", r.URL.Path)
		assert.Equal(t, anthropicVersion, r.Header.Get("anthropic-version"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&captured))

		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{
			"model": "claude-sonnet-4-20250514",
			"stop_reason": "tool_use",
			"content": [
				{"type": "text", "text": "Let me check."},
				{"type": "tool_use", "id": "tu_1", "name": "calculator", "input": {"expression": "6*7"}}
			],
			"usage": {"input_tokens": 20, "output_tokens": 12}
		}`))
	}))
	defer srv.Close()

	p := NewAnthropic(WithAnthropicEndpoint(srv.URL))
	resp, err := p.Complete(context.Background(), llm.Request{
		Model: "claude-sonnet-4-20250514",
		Messages: []llm.Message{
			{Role: llm.RoleSystem, Content: "You are a calculator."},
			{Role: llm.RoleUser, Content: "what is 6*7"},
		},
		Tools: []llm.ToolDefinition{{
			Type: "function",
			Function: llm.FunctionDefinition{
				Name:       "calculator",
				Parameters: map[string]any{"type": "object"},
			},
		}},
	})
	require.NoError(t, err)

	assert.Equal(t, "Let me check.", resp.Content)
	require.Len(t, resp.ToolCalls, 1)
	assert.Equal(t, "calculator", resp.ToolCalls[0].Function.Name)
	assert.JSONEq(t, `{"expression":"6*7"}`, resp.ToolCalls[0].Function.Arguments)
	assert.Equal(t, 32, resp.Usage.TotalTokens)
	assert.Equal(t, "tool_use", resp.FinishReason)

	// System prompt leaves the messages array; tools carry input_schema.
	assert.Equal(t, "You are a calculator.", captured["system"])
	msgs := captured["messages"].([]any)
	require.Len(t, msgs, 1)
	tools := captured["tools"].([]any)
	require.Len(t, tools, 1)
	assert.Contains(t, tools[0].(map[string]any), "input_schema")
}

func TestAnthropicToolResultBecomesUserTurn(t *testing.T) {
	var captured map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&captured))
		_, _ = w.Write([]byte(`{"model":"m","stop_reason":"end_turn","content":[{"type":"text","text":"42"}],"usage":{"input_tokens":1,"output_tokens":1}}`))
	}))
	defer srv.Close()

	p := NewAnthropic(WithAnthropicEndpoint(srv.URL))
	_, err := p.Complete(context.Background(), llm.Request{
		Model: "m",
		Messages: []llm.Message{
			{Role: llm.RoleUser, Content: "what is 6*7"},
			{Role: llm.RoleAssistant, ToolCalls: []llm.ToolCall{{
				ID: "tu_1", Type: "function",
				Function: llm.FunctionCall{Name: "calculator", Arguments: `{"expression":"6*7"}`},
			}}},
			{Role: llm.RoleTool, ToolCallID: "tu_1", Content: `{"result":42}`},
		},
	})
	require.NoError(t, err)

	msgs := captured["messages"].([]any)
	require.Len(t, msgs, 3)
	last := msgs[2].(map[string]any)
	assert.Equal(t, "user", last["role"])
	block := last["content"].([]any)[0].(map[string]any)
	assert.Equal(t, "tool_result", block["type"])
	assert.Equal(t, "tu_1", block["tool_use_id"])
}

func TestAnthropicErrorClassification(t *testing.T) {
	tests := []struct {
		name   string
		status int
		check  func(error) bool
	}{
		{"rate limited", http.StatusTooManyRequests, llm.IsRateLimit},
		{"server error", http.StatusInternalServerError, llm.IsTransient},
		{"bad request", http.StatusBadRequest, llm.IsFatal},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
				w.WriteHeader(tt.status)
			}))
			defer srv.Close()

			p := NewAnthropic(WithAnthropicEndpoint(srv.URL))
			_, err := p.Complete(context.Background(), llm.Request{
				Model:    "m",
				Messages: []llm.Message{{Role: llm.RoleUser, Content: "hi"}},
			})
			require.Error(t, err)
			assert.True(t, tt.check(err))
		})
	}
}

func TestOpenAICompleteRoundTrip(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/chat/completions", r.URL.Path)
		_, _ = w.Write([]byte(`{
			"model": "gpt-4o",
			"choices": [{
				"message": {
					"content": "",
					"tool_calls": [{"id":"call_1","type":"function","function":{"name":"calculator","arguments":"{\"expression\":\"6*7\"}"}}]
				},
				"finish_reason": "tool_calls"
			}],
			"usage": {"prompt_tokens": 15, "completion_tokens": 9, "total_tokens": 24}
		}`))
	}))
	defer srv.Close()

	p := NewOpenAI(WithOpenAIEndpoint(srv.URL + "/v1"))
	resp, err := p.Complete(context.Background(), llm.Request{
		Model:    "gpt-4o",
		Messages: []llm.Message{{Role: llm.RoleUser, Content: "what is 6*7"}},
	})
	require.NoError(t, err)

	require.Len(t, resp.ToolCalls, 1)
	assert.Equal(t, "calculator", resp.ToolCalls[0].Function.Name)
	assert.Equal(t, 24, resp.Usage.TotalTokens)
	assert.Equal(t, "tool_calls", resp.FinishReason)
}

func TestOpenAIEmptyChoicesIsTransient(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{"model":"m","choices":[],"usage":{}}`))
	}))
	defer srv.Close()

	p := NewOpenAI(WithOpenAIEndpoint(srv.URL))
	_, err := p.Complete(context.Background(), llm.Request{
		Model:    "m",
		Messages: []llm.Message{{Role: llm.RoleUser, Content: "hi"}},
	})
	require.Error(t, err)
	assert.True(t, llm.IsTransient(err))
}

func TestOpenAINameOverride(t *testing.T) {
	p := NewOpenAI(WithOpenAIName("ollama"), WithOpenAIEndpoint("http://localhost:11434/v1"))
	assert.Equal(t, "ollama", p.Name())
}

func TestStreamDeliversSingleChunk(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{"model":"m","stop_reason":"end_turn","content":[{"type":"text","text":"hello"}],"usage":{"input_tokens":1,"output_tokens":1}}`))
	}))
	defer srv.Close()

	p := NewAnthropic(WithAnthropicEndpoint(srv.URL))
	var chunks []string
	resp, err := p.Stream(context.Background(), llm.Request{
		Model:    "m",
		Messages: []llm.Message{{Role: llm.RoleUser, Content: "hi"}},
	}, func(chunk string) error {
		chunks = append(chunks, chunk)
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"hello"}, chunks)
	assert.Equal(t, "hello", resp.Content)
}
