package workflow

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func agentStep(id string, deps ...string) *Step {
	return &Step{
		ID:           id,
		Name:         id,
		Type:         StepAgentTask,
		TaskTemplate: map[string]any{"description": "do " + id},
		DependsOn:    deps,
	}
}

func TestDefinitionValidate(t *testing.T) {
	d := NewDefinition("report")
	d.Steps = []*Step{
		agentStep("gather"),
		agentStep("analyze", "gather"),
		agentStep("publish", "analyze"),
	}
	require.NoError(t, d.Validate())
}

func TestDefinitionValidateRejections(t *testing.T) {
	tests := []struct {
		name  string
		steps []*Step
	}{
		{"no steps", nil},
		{"duplicate id", []*Step{agentStep("a"), agentStep("a")}},
		{"unknown dependency", []*Step{agentStep("a", "ghost")}},
		{"dependency listed later", []*Step{agentStep("a", "b"), agentStep("b")}},
		{"agent task without template", []*Step{{ID: "a", Type: StepAgentTask}}},
		{"parallel without children", []*Step{{ID: "a", Type: StepParallel}}},
		{"conditional without condition", []*Step{{ID: "a", Type: StepConditional}}},
		{"conditional with bad condition", []*Step{{
			ID: "a", Type: StepConditional, Condition: "os.exit()",
		}}},
		{"loop without iterations", []*Step{{
			ID: "a", Type: StepLoop, Children: []*Step{agentStep("b")},
		}}},
		{"wait without seconds", []*Step{{ID: "a", Type: StepWait}}},
		{"subprocess without target", []*Step{{ID: "a", Type: StepSubprocess}}},
		{"unknown type", []*Step{{ID: "a", Type: "teleport"}}},
		{"duplicate id in children", []*Step{
			agentStep("a"),
			{ID: "p", Type: StepParallel, Children: []*Step{agentStep("a")}},
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := NewDefinition("bad")
			d.Steps = tt.steps
			assert.Error(t, d.Validate())
		})
	}
}

func TestDefinitionStepLookup(t *testing.T) {
	d := NewDefinition("tree")
	child := agentStep("leaf")
	d.Steps = []*Step{
		agentStep("root"),
		{ID: "par", Name: "par", Type: StepParallel, Children: []*Step{child}},
	}
	assert.Equal(t, child, d.Step("leaf"))
	assert.Nil(t, d.Step("missing"))
}
