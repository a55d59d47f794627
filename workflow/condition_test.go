package workflow

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEvaluateCondition(t *testing.T) {
	input := map[string]any{
		"count":  float64(3),
		"name":   "alpha",
		"ready":  true,
		"budget": float64(100),
	}
	steps := map[string]any{
		"fetch": map[string]any{"status": "ok", "rows": float64(12)},
	}

	tests := []struct {
		name string
		expr string
		want bool
	}{
		{"numeric comparison", "input.count > 2", true},
		{"numeric equality", "input.count == 3", true},
		{"string equality", "input.name == 'alpha'", true},
		{"string inequality", "input.name != 'beta'", true},
		{"boolean member", "input.ready", true},
		{"negation", "!input.ready", false},
		{"step result access", "steps.fetch.status == 'ok'", true},
		{"and", "input.count > 2 && steps.fetch.rows >= 12", true},
		{"or short circuit", "input.count > 100 || input.ready", true},
		{"arithmetic", "input.count * 2 + 1 == 7", true},
		{"division", "input.budget / 4 == 25", true},
		{"parentheses", "(input.count + 1) * 2 == 8", true},
		{"missing member is falsy", "input.missing", false},
		{"missing member equality", "input.missing == 'x'", false},
		{"ordering against missing is false", "input.missing > 5", false},
		{"string ordering", "input.name < 'beta'", true},
		{"unary minus", "-input.count < 0", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := EvaluateCondition(tt.expr, input, steps)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestEvaluateConditionErrors(t *testing.T) {
	tests := []struct {
		name string
		expr string
	}{
		{"unknown root name", "config.value > 1"},
		{"bare root", "input"},
		{"function call", "len(input.items) > 0"},
		{"unterminated string", "input.name == 'alpha"},
		{"trailing operator", "input.count >"},
		{"unbalanced parens", "(input.count > 1"},
		{"unexpected character", "input.count @ 3"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := EvaluateCondition(tt.expr, map[string]any{}, map[string]any{})
			assert.Error(t, err)
		})
	}
}

func TestValidateConditionIsSyntaxOnly(t *testing.T) {
	// References to members that may not exist yet must still validate.
	assert.NoError(t, ValidateCondition("steps.later.result == 'done'"))
	assert.Error(t, ValidateCondition("import os"))
}

func TestEvaluateConditionDivisionByZero(t *testing.T) {
	_, err := EvaluateCondition("input.count / 0 > 1", map[string]any{"count": 1}, nil)
	assert.Error(t, err)
}
