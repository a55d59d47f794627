package tool

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/c360studio/agentmesh/llm"
)

// Registry holds the set of callable tools. The final_answer and think
// sentinels are always present.
type Registry struct {
	mu    sync.RWMutex
	tools map[string]Tool
}

// NewRegistry creates a registry pre-loaded with the sentinel tools.
func NewRegistry() *Registry {
	r := &Registry{tools: make(map[string]Tool)}
	r.tools[NameFinalAnswer] = finalAnswerTool{}
	r.tools[NameThink] = thinkTool{}
	return r
}

// Register adds or replaces a tool. The sentinel names are reserved.
func (r *Registry) Register(t Tool) error {
	name := t.Name()
	if name == "" {
		return fmt.Errorf("tool has no name")
	}
	if name == NameFinalAnswer || name == NameThink {
		return fmt.Errorf("tool name %q is reserved", name)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tools[name] = t
	return nil
}

// Get returns the named tool.
func (r *Registry) Get(name string) (Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tools[name]
	return t, ok
}

// Names returns every registered tool name, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.tools))
	for name := range r.tools {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// Schemas returns the LLM tool definitions for the named tools, in the
// order given. Unknown names are silently skipped. A nil allowed list
// yields every registered tool, sorted by name.
func (r *Registry) Schemas(allowed []string) []llm.ToolDefinition {
	if allowed == nil {
		allowed = r.Names()
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]llm.ToolDefinition, 0, len(allowed))
	for _, name := range allowed {
		t, ok := r.tools[name]
		if !ok {
			continue
		}
		out = append(out, llm.ToolDefinition{
			Type: "function",
			Function: llm.FunctionDefinition{
				Name:        t.Name(),
				Description: t.Description(),
				Parameters:  t.Schema(),
			},
		})
	}
	return out
}

// finalAnswerTool is a schema-only sentinel; the runtime intercepts it
// before the executor ever runs it.
type finalAnswerTool struct{}

func (finalAnswerTool) Name() string { return NameFinalAnswer }

func (finalAnswerTool) Description() string {
	return "Provide the final answer and finish the task. Call this when the task is complete."
}

func (finalAnswerTool) Schema() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"answer": map[string]any{
				"type":        "string",
				"description": "The final answer to the task",
			},
		},
		"required": []any{"answer"},
	}
}

func (finalAnswerTool) Execute(_ context.Context, args map[string]any) (any, error) {
	return args["answer"], nil
}

// thinkTool records reasoning without side effects.
type thinkTool struct{}

func (thinkTool) Name() string { return NameThink }

func (thinkTool) Description() string {
	return "Record intermediate reasoning. Has no side effects; use it to think step by step."
}

func (thinkTool) Schema() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"thought": map[string]any{
				"type":        "string",
				"description": "The reasoning to record",
			},
		},
		"required": []any{"thought"},
	}
}

func (thinkTool) Execute(_ context.Context, args map[string]any) (any, error) {
	return args["thought"], nil
}
