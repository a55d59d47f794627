package runtime

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360studio/agentmesh/agent"
	"github.com/c360studio/agentmesh/event"
	"github.com/c360studio/agentmesh/llm"
	"github.com/c360studio/agentmesh/llm/llmtest"
	"github.com/c360studio/agentmesh/memory"
	"github.com/c360studio/agentmesh/tool"
)

type addTool struct{}

func (addTool) Name() string { return "add" }

func (addTool) Description() string { return "Add two numbers" }

func (addTool) Schema() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"a": map[string]any{"type": "number"},
			"b": map[string]any{"type": "number"},
		},
		"required": []any{"a", "b"},
	}
}

func (addTool) Execute(_ context.Context, args map[string]any) (any, error) {
	a, _ := args["a"].(float64)
	b, _ := args["b"].(float64)
	return a + b, nil
}

type fixture struct {
	runtime  *Runtime
	store    *event.MemoryStore
	memory   *memory.InMemoryStore
	provider *llmtest.MockProvider
	def      *agent.Definition
}

func newFixture(t *testing.T, def *agent.Definition, steps ...llmtest.Step) *fixture {
	t.Helper()

	registry := tool.NewRegistry()
	require.NoError(t, registry.Register(addTool{}))

	store := event.NewMemoryStore()
	mem := memory.NewInMemoryStore(def.Memory.ShortTermMaxMessages)
	provider := llmtest.NewMockProvider(steps...)
	rt := New(def, "inst-1",
		provider,
		mem,
		registry,
		tool.NewExecutor(registry),
		WithEventSink(event.NewEmitter(store, nil, nil)),
	)
	return &fixture{runtime: rt, store: store, memory: mem, provider: provider, def: def}
}

func testDefinition() *agent.Definition {
	def := agent.NewDefinition("Ada", "assistant", "solve tasks")
	def.Capabilities = []string{"sum"}
	return def
}

func TestExecuteHappyPath(t *testing.T) {
	f := newFixture(t, testDefinition(),
		llmtest.ToolCallResponse("call-1", "add", `{"a":2,"b":3}`),
		llmtest.FinalAnswer("5"),
	)

	res := f.runtime.Execute(context.Background(), "task-1", "what is 2+3?")
	require.True(t, res.Success, res.Error)
	assert.Equal(t, "5", res.Result)
	assert.Equal(t, 2, res.Iterations)
	assert.Equal(t, 30, res.TotalTokens)

	var types []event.Type
	for _, e := range f.store.All() {
		types = append(types, e.Type)
	}
	assert.Equal(t, []event.Type{
		event.TypeAgentLLMCall,
		event.TypeTaskProgress,
		event.TypeAgentToolCall,
		event.TypeAgentLLMCall,
		event.TypeTaskProgress,
	}, types)

	// Conversation: user input, assistant tool call, tool result.
	msgs, err := f.memory.Get(context.Background(), f.def.ID, "task-1", 0)
	require.NoError(t, err)
	require.Len(t, msgs, 3)
	assert.Equal(t, llm.RoleUser, msgs[0].Role)
	assert.Equal(t, llm.RoleAssistant, msgs[1].Role)
	require.Len(t, msgs[1].ToolCalls, 1)
	assert.Equal(t, llm.RoleTool, msgs[2].Role)
	assert.Equal(t, "call-1", msgs[2].ToolCallID)
	assert.Equal(t, "5", msgs[2].Content)
}

func TestExecuteProgressCarriesIterationAndTokens(t *testing.T) {
	f := newFixture(t, testDefinition(),
		llmtest.ToolCallResponse("call-1", "add", `{"a":2,"b":3}`),
		llmtest.FinalAnswer("5"),
	)

	res := f.runtime.Execute(context.Background(), "task-1", "what is 2+3?")
	require.True(t, res.Success, res.Error)

	var progress []*event.Event
	for _, e := range f.store.All() {
		if e.Type == event.TypeTaskProgress {
			progress = append(progress, e)
		}
	}
	require.Len(t, progress, 2)
	assert.Equal(t, "task-1", progress[0].AggregateID)
	assert.Equal(t, 1, progress[0].Payload["iteration"])
	assert.Equal(t, 15, progress[0].Payload["total_tokens"])
	assert.Equal(t, 2, progress[1].Payload["iteration"])
	assert.Equal(t, 30, progress[1].Payload["total_tokens"])
}

func TestExecuteEmitsThinking(t *testing.T) {
	f := newFixture(t, testDefinition(),
		llmtest.ToolCallResponse("call-1", "think", `{"thought":"split the problem in two"}`),
		llmtest.FinalAnswer("5"),
	)

	res := f.runtime.Execute(context.Background(), "task-1", "hard question")
	require.True(t, res.Success, res.Error)

	var thinking []*event.Event
	for _, e := range f.store.All() {
		if e.Type == event.TypeAgentThinking {
			thinking = append(thinking, e)
		}
	}
	require.Len(t, thinking, 1)
	assert.Equal(t, "inst-1", thinking[0].AggregateID)
	assert.Equal(t, "task-1", thinking[0].Payload["task_id"])
	assert.Equal(t, "split the problem in two", thinking[0].Payload["thought"])
}

func TestExecuteContentIsFinalAnswer(t *testing.T) {
	f := newFixture(t, testDefinition(), llmtest.TextResponse("the answer is 42"))

	res := f.runtime.Execute(context.Background(), "task-1", "answer?")
	require.True(t, res.Success)
	assert.Equal(t, "the answer is 42", res.Result)
	assert.Equal(t, 1, res.Iterations)
}

func TestExecuteMaxIterations(t *testing.T) {
	def := testDefinition()
	def.Constraints.MaxIterations = 2

	f := newFixture(t, def,
		llmtest.ToolCallResponse("call-1", "add", `{"a":1,"b":1}`),
	)

	res := f.runtime.Execute(context.Background(), "task-1", "loop forever")
	require.False(t, res.Success)
	assert.Contains(t, res.Error, "max iterations")
	assert.Equal(t, 2, res.Iterations)

	llmCalls := 0
	for _, e := range f.store.All() {
		if e.Type == event.TypeAgentLLMCall {
			llmCalls++
		}
	}
	assert.Equal(t, 2, llmCalls)
}

func TestExecuteTokenLimit(t *testing.T) {
	def := testDefinition()
	def.Constraints.MaxTokensPerTask = 20 // each mock call burns 15

	f := newFixture(t, def,
		llmtest.ToolCallResponse("call-1", "add", `{"a":1,"b":1}`),
	)

	res := f.runtime.Execute(context.Background(), "task-1", "count")
	require.False(t, res.Success)
	assert.Contains(t, res.Error, "token limit")
	assert.LessOrEqual(t, res.Iterations, def.Constraints.MaxIterations)
}

type fakeLongTerm struct {
	recs      []*memory.Record
	recentErr error
	putAgent  string
	putKey    string
	putValue  map[string]any
}

func (f *fakeLongTerm) Recent(_ context.Context, _ string, _ int) ([]*memory.Record, error) {
	return f.recs, f.recentErr
}

func (f *fakeLongTerm) Put(_ context.Context, agentID, key string, value map[string]any) error {
	f.putAgent, f.putKey, f.putValue = agentID, key, value
	return nil
}

func TestExecuteRecallsAndStoresLongTermMemory(t *testing.T) {
	lt := &fakeLongTerm{recs: []*memory.Record{{
		AgentID: "agent-1",
		Key:     "preferences",
		Value:   map[string]any{"tone": "terse"},
	}}}

	f := newFixture(t, testDefinition(), llmtest.TextResponse("done"))
	WithLongTermMemory(lt)(f.runtime)

	res := f.runtime.Execute(context.Background(), "task-1", "greet")
	require.True(t, res.Success, res.Error)

	require.Len(t, f.provider.Requests, 1)
	system := f.provider.Requests[0].Messages[0]
	require.Equal(t, llm.RoleSystem, system.Role)
	assert.Contains(t, system.Content, "remember from earlier tasks")
	assert.Contains(t, system.Content, "preferences")
	assert.Contains(t, system.Content, "terse")

	assert.Equal(t, f.def.ID, lt.putAgent)
	assert.Equal(t, "task-task-1", lt.putKey)
	assert.Equal(t, "done", lt.putValue["result"])
}

func TestExecuteRecallFailureIsNonFatal(t *testing.T) {
	lt := &fakeLongTerm{recentErr: context.DeadlineExceeded}

	f := newFixture(t, testDefinition(), llmtest.TextResponse("done"))
	WithLongTermMemory(lt)(f.runtime)

	res := f.runtime.Execute(context.Background(), "task-1", "greet")
	require.True(t, res.Success, res.Error)
	assert.NotContains(t, f.provider.Requests[0].Messages[0].Content, "remember")
}

func TestExecuteTokenBudgetTrimsWindow(t *testing.T) {
	def := testDefinition()
	def.Memory.ShortTermMaxTokens = 1 // only the newest turn fits

	f := newFixture(t, def,
		llmtest.ToolCallResponse("call-1", "add", `{"a":2,"b":3}`),
		llmtest.FinalAnswer("5"),
	)

	res := f.runtime.Execute(context.Background(), "task-1", "what is 2+3?")
	require.True(t, res.Success, res.Error)

	require.Len(t, f.provider.Requests, 2)

	// First call: window is the lone task input, which always survives.
	first := f.provider.Requests[0].Messages
	require.Len(t, first, 2)
	assert.Equal(t, llm.RoleSystem, first[0].Role)
	assert.Equal(t, llm.RoleUser, first[1].Role)

	// Second call: the tool result is the newest turn; older turns were
	// trimmed to the budget.
	second := f.provider.Requests[1].Messages
	require.Len(t, second, 2)
	assert.Equal(t, llm.RoleSystem, second[0].Role)
	assert.Equal(t, llm.RoleTool, second[1].Role)
}

func TestExecuteWallClockTimeout(t *testing.T) {
	def := testDefinition()
	def.Constraints.MaxExecutionTimeSeconds = 10

	f := newFixture(t, def,
		llmtest.ToolCallResponse("call-1", "add", `{"a":1,"b":1}`),
	)

	base := time.Now()
	calls := 0
	f.runtime.now = func() time.Time {
		calls++
		if calls > 3 {
			return base.Add(11 * time.Second)
		}
		return base
	}

	res := f.runtime.Execute(context.Background(), "task-1", "slow")
	require.False(t, res.Success)
	assert.Contains(t, res.Error, "timeout")
}

func TestExecuteCancellation(t *testing.T) {
	f := newFixture(t, testDefinition(), llmtest.TextResponse("never reached"))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	res := f.runtime.Execute(ctx, "task-1", "cancelled before start")
	require.False(t, res.Success)
	assert.Contains(t, res.Error, "cancelled")
}

func TestExecuteTextFallbackEnabled(t *testing.T) {
	def := testDefinition()
	def.Constraints.TextToolCallFallback = true

	f := newFixture(t, def,
		llmtest.TextResponse(`{"name":"add","arguments":{"a":2,"b":3}}`),
		llmtest.FinalAnswer("5"),
	)

	res := f.runtime.Execute(context.Background(), "task-1", "2+3")
	require.True(t, res.Success, res.Error)
	assert.Equal(t, "5", res.Result)

	toolCalls := 0
	for _, e := range f.store.All() {
		if e.Type == event.TypeAgentToolCall {
			toolCalls++
		}
	}
	assert.Equal(t, 1, toolCalls)
}

func TestExecuteTextFallbackDisabledByDefault(t *testing.T) {
	content := `{"name":"add","arguments":{"a":2,"b":3}}`
	f := newFixture(t, testDefinition(), llmtest.TextResponse(content))

	res := f.runtime.Execute(context.Background(), "task-1", "2+3")
	require.True(t, res.Success)
	assert.Equal(t, content, res.Result, "without the flag, content is the final answer")
}

func TestExecuteFailedToolFeedsErrorBack(t *testing.T) {
	f := newFixture(t, testDefinition(),
		llmtest.ToolCallResponse("call-1", "missing_tool", `{}`),
		llmtest.FinalAnswer("done"),
	)

	res := f.runtime.Execute(context.Background(), "task-1", "use a bad tool")
	require.True(t, res.Success, res.Error)

	msgs, err := f.memory.Get(context.Background(), f.def.ID, "task-1", 0)
	require.NoError(t, err)
	var toolMsg *llm.Message
	for i := range msgs {
		if msgs[i].Role == llm.RoleTool {
			toolMsg = &msgs[i]
		}
	}
	require.NotNil(t, toolMsg)
	assert.Contains(t, toolMsg.Content, "Tool 'missing_tool' not found")
}

func TestParseTextToolCall(t *testing.T) {
	allowed := []string{"add", "final_answer"}

	tests := []struct {
		name     string
		content  string
		wantName string
	}{
		{"bare object with arguments", `{"name":"add","arguments":{"a":2,"b":3}}`, "add"},
		{"bare object with parameters", `{"name":"add","parameters":{"a":2,"b":3}}`, "add"},
		{"json code fence", "```json\n{\"name\":\"add\",\"arguments\":{\"a\":1,\"b\":1}}\n```", "add"},
		{"generic code fence", "```\n{\"name\":\"add\",\"arguments\":{}}\n```", "add"},
		{"embedded in prose", `I'll call the tool: {"name":"add","arguments":{"a":1,"b":2}}`, "add"},
		{"repairable json", `{"name": "add", "arguments": {"a": 2, "b": 3,}}`, "add"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			call := ParseTextToolCall(tt.content, allowed)
			require.NotNil(t, call)
			assert.Equal(t, tt.wantName, call.Function.Name)
			assert.Equal(t, "function", call.Type)
			assert.NotEmpty(t, call.ID)
		})
	}
}

func TestParseTextToolCallRejects(t *testing.T) {
	allowed := []string{"add"}

	tests := []struct {
		name    string
		content string
	}{
		{"empty", ""},
		{"plain prose", "the answer is 5"},
		{"name not allowed", `{"name":"shell","arguments":{}}`},
		{"no name field", `{"arguments":{"a":1}}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Nil(t, ParseTextToolCall(tt.content, allowed))
		})
	}
}

func TestParseTextToolCallRoundTrip(t *testing.T) {
	call := ParseTextToolCall(`{"name":"add","arguments":{"a":2,"b":3}}`, []string{"add"})
	require.NotNil(t, call)

	var args map[string]any
	require.NoError(t, json.Unmarshal([]byte(call.Function.Arguments), &args))
	assert.Equal(t, map[string]any{"a": 2.0, "b": 3.0}, args)
}
