package providers

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/c360studio/agentmesh/llm"
)

// OpenAI speaks the chat-completions wire format. It also covers
// OpenAI-compatible endpoints (Ollama, OpenRouter, vLLM) through
// WithOpenAIEndpoint.
type OpenAI struct {
	name     string
	endpoint string
	apiKey   string
	http     *http.Client
}

// OpenAIOption configures the adapter.
type OpenAIOption func(*OpenAI)

// WithOpenAIEndpoint overrides the API base URL.
func WithOpenAIEndpoint(url string) OpenAIOption {
	return func(o *OpenAI) {
		if url != "" {
			o.endpoint = url
		}
	}
}

// WithOpenAIName overrides the provider name reported to the breaker,
// for compatible backends that are not OpenAI.
func WithOpenAIName(name string) OpenAIOption {
	return func(o *OpenAI) {
		if name != "" {
			o.name = name
		}
	}
}

// WithOpenAITimeout bounds one round trip.
func WithOpenAITimeout(d time.Duration) OpenAIOption {
	return func(o *OpenAI) { o.http = newHTTPClient(d) }
}

// NewOpenAI creates the adapter. The API key comes from OPENAI_API_KEY.
func NewOpenAI(opts ...OpenAIOption) *OpenAI {
	o := &OpenAI{
		name:     "openai",
		endpoint: "https://api.openai.com/v1",
		apiKey:   os.Getenv("OPENAI_API_KEY"),
		http:     newHTTPClient(0),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Name identifies the provider in logs and circuit events.
func (o *OpenAI) Name() string { return o.name }

type openAIRequest struct {
	Model       string               `json:"model"`
	Messages    []openAIMessage      `json:"messages"`
	Temperature float64              `json:"temperature,omitempty"`
	MaxTokens   int                  `json:"max_tokens,omitempty"`
	Stop        []string             `json:"stop,omitempty"`
	Tools       []llm.ToolDefinition `json:"tools,omitempty"`
	ToolChoice  string               `json:"tool_choice,omitempty"`
}

type openAIMessage struct {
	Role       string         `json:"role"`
	Content    string         `json:"content"`
	ToolCallID string         `json:"tool_call_id,omitempty"`
	ToolCalls  []llm.ToolCall `json:"tool_calls,omitempty"`
}

type openAIResponse struct {
	Model   string `json:"model"`
	Choices []struct {
		Message struct {
			Content   string         `json:"content"`
			ToolCalls []llm.ToolCall `json:"tool_calls"`
		} `json:"message"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
		TotalTokens      int `json:"total_tokens"`
	} `json:"usage"`
}

// Complete performs one completion round trip.
func (o *OpenAI) Complete(ctx context.Context, req llm.Request) (*llm.Response, error) {
	out := openAIRequest{
		Model:       req.Model,
		Temperature: req.Temperature,
		MaxTokens:   req.MaxTokens,
		Stop:        req.StopSequences,
		Tools:       req.Tools,
		ToolChoice:  req.ToolChoice,
	}
	for _, msg := range req.Messages {
		out.Messages = append(out.Messages, openAIMessage{
			Role:       msg.Role,
			Content:    msg.Content,
			ToolCallID: msg.ToolCallID,
			ToolCalls:  msg.ToolCalls,
		})
	}
	body, err := json.Marshal(out)
	if err != nil {
		return nil, llm.NewFatalError(err)
	}

	url := strings.TrimSuffix(o.endpoint, "/")
	if !strings.HasSuffix(url, "/chat/completions") {
		url += "/chat/completions"
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, llm.NewFatalError(err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if o.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+o.apiKey)
	}

	start := time.Now()
	resp, err := o.http.Do(httpReq)
	if err != nil {
		return nil, llm.NewTransientError(fmt.Errorf("%s request: %w", o.name, err))
	}
	data, err := readBody(resp)
	if err != nil {
		return nil, llm.NewTransientError(fmt.Errorf("read %s response: %w", o.name, err))
	}
	if resp.StatusCode != http.StatusOK {
		return nil, classifyStatus(resp.StatusCode, data)
	}

	var parsed openAIResponse
	if err := json.Unmarshal(data, &parsed); err != nil {
		return nil, llm.NewTransientError(fmt.Errorf("parse %s response: %w", o.name, err))
	}
	if len(parsed.Choices) == 0 {
		return nil, llm.NewTransientError(fmt.Errorf("%s returned no choices", o.name))
	}

	choice := parsed.Choices[0]
	return &llm.Response{
		Content:      choice.Message.Content,
		Model:        parsed.Model,
		FinishReason: choice.FinishReason,
		ToolCalls:    choice.Message.ToolCalls,
		LatencyMS:    time.Since(start).Milliseconds(),
		Usage: llm.Usage{
			PromptTokens:     parsed.Usage.PromptTokens,
			CompletionTokens: parsed.Usage.CompletionTokens,
			TotalTokens:      parsed.Usage.TotalTokens,
		},
	}, nil
}

// Stream delivers the completion as a single chunk, like the Anthropic
// adapter.
func (o *OpenAI) Stream(ctx context.Context, req llm.Request, fn func(chunk string) error) (*llm.Response, error) {
	resp, err := o.Complete(ctx, req)
	if err != nil {
		return nil, err
	}
	if resp.Content != "" && fn != nil {
		if err := fn(resp.Content); err != nil {
			return nil, err
		}
	}
	return resp, nil
}
