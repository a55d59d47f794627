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

const anthropicVersion = "2023-06-01"

// Anthropic speaks the Anthropic messages API, including tool use.
type Anthropic struct {
	endpoint string
	apiKey   string
	http     *http.Client
}

// AnthropicOption configures the adapter.
type AnthropicOption func(*Anthropic)

// WithAnthropicEndpoint overrides the API base URL.
func WithAnthropicEndpoint(url string) AnthropicOption {
	return func(a *Anthropic) {
		if url != "" {
			a.endpoint = url
		}
	}
}

// WithAnthropicTimeout bounds one round trip.
func WithAnthropicTimeout(d time.Duration) AnthropicOption {
	return func(a *Anthropic) { a.http = newHTTPClient(d) }
}

// NewAnthropic creates the adapter. The API key comes from
// ANTHROPIC_API_KEY.
func NewAnthropic(opts ...AnthropicOption) *Anthropic {
	a := &Anthropic{
		endpoint: "https://api.anthropic.com",
		apiKey:   os.Getenv("ANTHROPIC_API_KEY"),
		http:     newHTTPClient(0),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Name identifies the provider in logs and circuit events.
func (a *Anthropic) Name() string { return "anthropic" }

type anthropicRequest struct {
	Model       string             `json:"model"`
	MaxTokens   int                `json:"max_tokens"`
	System      string             `json:"system,omitempty"`
	Messages    []anthropicMessage `json:"messages"`
	Temperature float64            `json:"temperature,omitempty"`
	Stop        []string           `json:"stop_sequences,omitempty"`
	Tools       []anthropicTool    `json:"tools,omitempty"`
}

type anthropicMessage struct {
	Role    string           `json:"role"`
	Content []anthropicBlock `json:"content"`
}

type anthropicBlock struct {
	Type string `json:"type"`

	// text
	Text string `json:"text,omitempty"`

	// tool_use
	ID    string          `json:"id,omitempty"`
	Name  string          `json:"name,omitempty"`
	Input json.RawMessage `json:"input,omitempty"`

	// tool_result
	ToolUseID string `json:"tool_use_id,omitempty"`
	Content   string `json:"content,omitempty"`
}

type anthropicTool struct {
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	InputSchema map[string]any `json:"input_schema"`
}

type anthropicResponse struct {
	Model      string           `json:"model"`
	StopReason string           `json:"stop_reason"`
	Content    []anthropicBlock `json:"content"`
	Usage      struct {
		InputTokens  int `json:"input_tokens"`
		OutputTokens int `json:"output_tokens"`
	} `json:"usage"`
}

// Complete performs one completion round trip.
func (a *Anthropic) Complete(ctx context.Context, req llm.Request) (*llm.Response, error) {
	body, err := a.buildRequest(req)
	if err != nil {
		return nil, llm.NewFatalError(err)
	}

	url := strings.TrimSuffix(a.endpoint, "/") + "/v1/messages"
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, llm.NewFatalError(err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("anthropic-version", anthropicVersion)
	if a.apiKey != "" {
		httpReq.Header.Set("x-api-key", a.apiKey)
	}

	start := time.Now()
	resp, err := a.http.Do(httpReq)
	if err != nil {
		return nil, llm.NewTransientError(fmt.Errorf("anthropic request: %w", err))
	}
	data, err := readBody(resp)
	if err != nil {
		return nil, llm.NewTransientError(fmt.Errorf("read anthropic response: %w", err))
	}
	if resp.StatusCode != http.StatusOK {
		return nil, classifyStatus(resp.StatusCode, data)
	}

	var parsed anthropicResponse
	if err := json.Unmarshal(data, &parsed); err != nil {
		return nil, llm.NewTransientError(fmt.Errorf("parse anthropic response: %w", err))
	}
	out := a.toResponse(&parsed)
	out.LatencyMS = time.Since(start).Milliseconds()
	return out, nil
}

// Stream delivers the completion as a single chunk. Incremental SSE
// decoding is not worth carrying until something consumes partial text.
func (a *Anthropic) Stream(ctx context.Context, req llm.Request, fn func(chunk string) error) (*llm.Response, error) {
	resp, err := a.Complete(ctx, req)
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

func (a *Anthropic) buildRequest(req llm.Request) ([]byte, error) {
	out := anthropicRequest{
		Model:       req.Model,
		MaxTokens:   req.MaxTokens,
		Temperature: req.Temperature,
		Stop:        req.StopSequences,
	}
	if out.MaxTokens <= 0 {
		out.MaxTokens = 4096
	}

	for _, t := range req.Tools {
		out.Tools = append(out.Tools, anthropicTool{
			Name:        t.Function.Name,
			Description: t.Function.Description,
			InputSchema: t.Function.Parameters,
		})
	}

	for _, msg := range req.Messages {
		switch msg.Role {
		case llm.RoleSystem:
			out.System = msg.Content
		case llm.RoleTool:
			// Tool results ride in a user turn.
			out.Messages = append(out.Messages, anthropicMessage{
				Role: "user",
				Content: []anthropicBlock{{
					Type:      "tool_result",
					ToolUseID: msg.ToolCallID,
					Content:   msg.Content,
				}},
			})
		case llm.RoleAssistant:
			blocks := []anthropicBlock{}
			if msg.Content != "" {
				blocks = append(blocks, anthropicBlock{Type: "text", Text: msg.Content})
			}
			for _, call := range msg.ToolCalls {
				blocks = append(blocks, anthropicBlock{
					Type:  "tool_use",
					ID:    call.ID,
					Name:  call.Function.Name,
					Input: json.RawMessage(call.Function.Arguments),
				})
			}
			out.Messages = append(out.Messages, anthropicMessage{Role: "assistant", Content: blocks})
		default:
			out.Messages = append(out.Messages, anthropicMessage{
				Role:    "user",
				Content: []anthropicBlock{{Type: "text", Text: msg.Content}},
			})
		}
	}
	return json.Marshal(out)
}

func (a *Anthropic) toResponse(parsed *anthropicResponse) *llm.Response {
	out := &llm.Response{
		Model:        parsed.Model,
		FinishReason: parsed.StopReason,
		Usage: llm.Usage{
			PromptTokens:     parsed.Usage.InputTokens,
			CompletionTokens: parsed.Usage.OutputTokens,
			TotalTokens:      parsed.Usage.InputTokens + parsed.Usage.OutputTokens,
		},
	}
	for _, block := range parsed.Content {
		switch block.Type {
		case "text":
			out.Content += block.Text
		case "tool_use":
			out.ToolCalls = append(out.ToolCalls, llm.ToolCall{
				ID:   block.ID,
				Type: "function",
				Function: llm.FunctionCall{
					Name:      block.Name,
					Arguments: string(block.Input),
				},
			})
		}
	}
	return out
}
