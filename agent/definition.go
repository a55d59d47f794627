// Package agent defines agent configuration and runtime instance state.
// A Definition is the immutable description of what an agent is and may
// do; an Instance is the mutable record of one agent running on a worker.
package agent

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// ErrNotFound is returned by stores when no definition or instance
// exists for an id.
var ErrNotFound = fmt.Errorf("agent record not found")

// Provider identifies an LLM backend.
type Provider string

const (
	ProviderAnthropic Provider = "anthropic"
	ProviderOpenAI    Provider = "openai"
	ProviderBedrock   Provider = "bedrock"
	ProviderLocal     Provider = "local"
)

// ModelConfig selects and tunes the LLM an agent speaks to.
type ModelConfig struct {
	Provider      Provider       `json:"provider" yaml:"provider"`
	ModelID       string         `json:"model_id" yaml:"model_id"`
	Temperature   float64        `json:"temperature" yaml:"temperature"`
	MaxTokens     int            `json:"max_tokens" yaml:"max_tokens"`
	TopP          float64        `json:"top_p" yaml:"top_p"`
	StopSequences []string       `json:"stop_sequences,omitempty" yaml:"stop_sequences,omitempty"`
	ExtraParams   map[string]any `json:"extra_params,omitempty" yaml:"extra_params,omitempty"`
}

// DefaultModelConfig returns the model settings used when a definition
// leaves them unset.
func DefaultModelConfig() ModelConfig {
	return ModelConfig{
		Provider:    ProviderAnthropic,
		ModelID:     "claude-sonnet-4-20250514",
		Temperature: 0.7,
		MaxTokens:   4096,
		TopP:        1.0,
	}
}

// ToolConfig grants an agent one tool with per-tool execution limits.
type ToolConfig struct {
	ToolID            string         `json:"tool_id" yaml:"tool_id"`
	Name              string         `json:"name" yaml:"name"`
	Description       string         `json:"description" yaml:"description"`
	ParametersSchema  map[string]any `json:"parameters_schema" yaml:"parameters_schema"`
	TimeoutSeconds    int            `json:"timeout_seconds" yaml:"timeout_seconds"`
	RetryCount        int            `json:"retry_count" yaml:"retry_count"`
	RetryDelaySeconds float64        `json:"retry_delay_seconds" yaml:"retry_delay_seconds"`
}

// MemoryConfig shapes the agent's conversation memory.
type MemoryConfig struct {
	ShortTermEnabled     bool `json:"short_term_enabled" yaml:"short_term_enabled"`
	ShortTermMaxMessages int  `json:"short_term_max_messages" yaml:"short_term_max_messages"`

	// ShortTermMaxTokens additionally bounds the window by estimated
	// token count. Zero means message count alone decides.
	ShortTermMaxTokens int `json:"short_term_max_tokens,omitempty" yaml:"short_term_max_tokens,omitempty"`

	LongTermEnabled  bool   `json:"long_term_enabled" yaml:"long_term_enabled"`
	LongTermProvider string `json:"long_term_provider,omitempty" yaml:"long_term_provider,omitempty"`
}

// DefaultMemoryConfig returns a 50-message short-term window and no
// long-term store.
func DefaultMemoryConfig() MemoryConfig {
	return MemoryConfig{
		ShortTermEnabled:     true,
		ShortTermMaxMessages: 50,
	}
}

// Constraints bound a single task execution.
type Constraints struct {
	MaxIterations            int `json:"max_iterations" yaml:"max_iterations"`
	MaxExecutionTimeSeconds  int `json:"max_execution_time_seconds" yaml:"max_execution_time_seconds"`
	MaxTokensPerTask         int `json:"max_tokens_per_task" yaml:"max_tokens_per_task"`
	MaxToolCallsPerIteration int `json:"max_tool_calls_per_iteration" yaml:"max_tool_calls_per_iteration"`

	// AllowedTools nil means every registered tool is allowed.
	AllowedTools []string `json:"allowed_tools,omitempty" yaml:"allowed_tools,omitempty"`
	DeniedTools  []string `json:"denied_tools,omitempty" yaml:"denied_tools,omitempty"`

	// TextToolCallFallback enables parsing tool calls out of plain text
	// when the provider returns none structurally.
	TextToolCallFallback bool `json:"text_tool_call_fallback,omitempty" yaml:"text_tool_call_fallback,omitempty"`
}

// DefaultConstraints returns the stock execution budgets.
func DefaultConstraints() Constraints {
	return Constraints{
		MaxIterations:            25,
		MaxExecutionTimeSeconds:  300,
		MaxTokensPerTask:         100_000,
		MaxToolCallsPerIteration: 10,
	}
}

// ToolAllowed reports whether the constraints permit calling the named
// tool. Deny wins over allow.
func (c Constraints) ToolAllowed(name string) bool {
	for _, denied := range c.DeniedTools {
		if denied == name {
			return false
		}
	}
	if c.AllowedTools == nil {
		return true
	}
	for _, allowed := range c.AllowedTools {
		if allowed == name {
			return true
		}
	}
	return false
}

// Definition is the immutable configuration of an agent.
type Definition struct {
	ID        string `json:"agent_id" yaml:"agent_id"`
	Name      string `json:"name" yaml:"name"`
	Role      string `json:"role" yaml:"role"`
	Goal      string `json:"goal" yaml:"goal"`
	Backstory string `json:"backstory,omitempty" yaml:"backstory,omitempty"`

	Model       ModelConfig  `json:"llm_config" yaml:"llm_config"`
	Tools       []ToolConfig `json:"tools,omitempty" yaml:"tools,omitempty"`
	Memory      MemoryConfig `json:"memory" yaml:"memory"`
	Constraints Constraints  `json:"constraints" yaml:"constraints"`

	Capabilities []string `json:"capabilities,omitempty" yaml:"capabilities,omitempty"`

	TenantID  string         `json:"tenant_id,omitempty" yaml:"tenant_id,omitempty"`
	Metadata  map[string]any `json:"metadata,omitempty" yaml:"metadata,omitempty"`
	CreatedAt time.Time      `json:"created_at" yaml:"created_at"`
	UpdatedAt time.Time      `json:"updated_at" yaml:"updated_at"`
}

// NewDefinition creates a definition with defaults filled in.
func NewDefinition(name, role, goal string) *Definition {
	now := time.Now().UTC()
	return &Definition{
		ID:          uuid.NewString(),
		Name:        name,
		Role:        role,
		Goal:        goal,
		Model:       DefaultModelConfig(),
		Memory:      DefaultMemoryConfig(),
		Constraints: DefaultConstraints(),
		CreatedAt:   now,
		UpdatedAt:   now,
	}
}

// Validate checks the fields a store refuses to persist without.
func (d *Definition) Validate() error {
	if d.ID == "" {
		return fmt.Errorf("agent definition missing id")
	}
	if d.Name == "" {
		return fmt.Errorf("agent definition %s missing name", d.ID)
	}
	if d.Role == "" {
		return fmt.Errorf("agent definition %s missing role", d.ID)
	}
	if d.Goal == "" {
		return fmt.Errorf("agent definition %s missing goal", d.ID)
	}
	return nil
}

// HasCapabilities reports whether the definition's capability set covers
// every required tag.
func (d *Definition) HasCapabilities(required []string) bool {
	for _, req := range required {
		found := false
		for _, cap := range d.Capabilities {
			if cap == req {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

// SystemPrompt renders the agent's persona for the LLM from its name,
// role, goal, backstory, and tool names.
func (d *Definition) SystemPrompt() string {
	parts := []string{
		fmt.Sprintf("You are %s, a %s.", d.Name, d.Role),
		fmt.Sprintf("\nYour goal: %s", d.Goal),
	}
	if d.Backstory != "" {
		parts = append(parts, fmt.Sprintf("\nBackground: %s", d.Backstory))
	}
	if len(d.Tools) > 0 {
		names := make([]string, len(d.Tools))
		for i, t := range d.Tools {
			names[i] = t.Name
		}
		parts = append(parts, fmt.Sprintf("\nYou have access to the following tools: %s", strings.Join(names, ", ")))
	}
	return strings.Join(parts, "\n")
}
