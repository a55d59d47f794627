package runtime

import (
	"encoding/json"
	"regexp"
	"strings"

	"github.com/google/uuid"
	"github.com/kaptinlin/jsonrepair"

	"github.com/c360studio/agentmesh/llm"
)

// Pre-compiled patterns for extracting a JSON tool call from text.
var (
	// fencedJSONPattern matches an object inside ```json ... ``` or
	// bare ``` ... ``` fences.
	fencedJSONPattern = regexp.MustCompile("(?s)```(?:json)?\\s*\\n?(\\{.*?\\})\\s*```")
	// bareObjectPattern is the greedy fallback for an unfenced object.
	bareObjectPattern = regexp.MustCompile(`(?s)\{[\s\S]*\}`)
)

// textToolCall is the shape a text-emitted invocation must decode to.
type textToolCall struct {
	Name       string         `json:"name"`
	Arguments  map[string]any `json:"arguments"`
	Parameters map[string]any `json:"parameters"`
}

// ParseTextToolCall extracts a tool call from plain text content. Some
// providers emit invocations as JSON text instead of structured calls;
// the permitted shapes are a bare object carrying "name" plus
// "arguments" or "parameters", or such an object inside code fences.
// The parsed name must be in the allowed list. Returns nil when the
// content is not a tool call.
func ParseTextToolCall(content string, allowed []string) *llm.ToolCall {
	content = strings.TrimSpace(content)
	if content == "" {
		return nil
	}

	var candidates []string
	if m := fencedJSONPattern.FindStringSubmatch(content); len(m) > 1 {
		candidates = append(candidates, m[1])
	}
	if strings.HasPrefix(content, "{") && strings.HasSuffix(content, "}") {
		candidates = append(candidates, content)
	}
	if m := bareObjectPattern.FindString(content); m != "" {
		candidates = append(candidates, m)
	}

	for _, candidate := range candidates {
		if call := decodeToolCall(candidate, allowed); call != nil {
			return call
		}
	}
	return nil
}

// decodeToolCall parses one candidate object, repairing malformed JSON
// before giving up on it.
func decodeToolCall(raw string, allowed []string) *llm.ToolCall {
	var parsed textToolCall
	if err := json.Unmarshal([]byte(raw), &parsed); err != nil {
		repaired, repairErr := jsonrepair.JSONRepair(raw)
		if repairErr != nil {
			return nil
		}
		if err := json.Unmarshal([]byte(repaired), &parsed); err != nil {
			return nil
		}
	}

	if parsed.Name == "" || !nameAllowed(parsed.Name, allowed) {
		return nil
	}

	args := parsed.Arguments
	if args == nil {
		args = parsed.Parameters
	}
	if args == nil {
		args = map[string]any{}
	}
	data, err := json.Marshal(args)
	if err != nil {
		return nil
	}

	return &llm.ToolCall{
		ID:   uuid.NewString(),
		Type: "function",
		Function: llm.FunctionCall{
			Name:      parsed.Name,
			Arguments: string(data),
		},
	}
}

func nameAllowed(name string, allowed []string) bool {
	for _, a := range allowed {
		if a == name {
			return true
		}
	}
	return false
}
