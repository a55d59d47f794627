package workflow

import (
	"fmt"
	"regexp"
)

var (
	inputPlaceholder = regexp.MustCompile(`\$\{input\.(\w+)\}`)
	stepPlaceholder  = regexp.MustCompile(`\$\{steps\.(\w+)\.(\w+)\}`)
)

// Interpolate renders a task template against the execution context:
// ${input.key} resolves from the workflow input, ${steps.id.key} from a
// completed step's result object. Traversal is deep over maps and
// slices. A string that is exactly one placeholder takes the resolved
// value with its type; placeholders embedded in larger strings are
// stringified in place. Unresolved placeholders stay literal so a bad
// reference is visible in the rendered task.
func Interpolate(template, input map[string]any, stepResults map[string]any) map[string]any {
	rendered, _ := interpolateValue(template, input, stepResults).(map[string]any)
	return rendered
}

func interpolateValue(v any, input, steps map[string]any) any {
	switch val := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, item := range val {
			out[k] = interpolateValue(item, input, steps)
		}
		return out
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = interpolateValue(item, input, steps)
		}
		return out
	case string:
		return interpolateString(val, input, steps)
	default:
		return v
	}
}

func interpolateString(s string, input, steps map[string]any) any {
	// A lone placeholder keeps the referenced value's type.
	if m := inputPlaceholder.FindStringSubmatch(s); m != nil && m[0] == s {
		if v, ok := input[m[1]]; ok {
			return v
		}
		return s
	}
	if m := stepPlaceholder.FindStringSubmatch(s); m != nil && m[0] == s {
		if v, ok := stepResultKey(steps, m[1], m[2]); ok {
			return v
		}
		return s
	}

	s = inputPlaceholder.ReplaceAllStringFunc(s, func(match string) string {
		key := inputPlaceholder.FindStringSubmatch(match)[1]
		if v, ok := input[key]; ok {
			return fmt.Sprintf("%v", v)
		}
		return match
	})
	s = stepPlaceholder.ReplaceAllStringFunc(s, func(match string) string {
		m := stepPlaceholder.FindStringSubmatch(match)
		if v, ok := stepResultKey(steps, m[1], m[2]); ok {
			return fmt.Sprintf("%v", v)
		}
		return match
	})
	return s
}

func stepResultKey(steps map[string]any, stepID, key string) (any, bool) {
	result, ok := steps[stepID]
	if !ok {
		return nil, false
	}
	m, ok := result.(map[string]any)
	if !ok {
		return nil, false
	}
	v, ok := m[key]
	return v, ok
}
