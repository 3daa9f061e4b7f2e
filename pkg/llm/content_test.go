package llm

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestTurn_IsValid(t *testing.T) {
	assert.True(t, NewUserTurn("hi").IsValid())
	assert.False(t, Turn{Role: RoleModel}.IsValid())
	assert.False(t, Turn{Role: RoleModel, Parts: []Part{{Text: ""}}}.IsValid())
	assert.True(t, Turn{Role: RoleModel, Parts: []Part{{Thought: true}}}.IsValid())
	assert.True(t, Turn{Role: RoleModel, Parts: []Part{{ToolCall: &ToolCall{Name: "x"}}}}.IsValid())
}

func TestTurn_TextSkipsThoughts(t *testing.T) {
	turn := Turn{Role: RoleModel, Parts: []Part{
		{Text: "thinking", Thought: true},
		{Text: "Hello "},
		{ToolCall: &ToolCall{Name: "x"}},
		{Text: "world"},
	}}
	assert.Equal(t, "Hello world", turn.Text())
	assert.Len(t, turn.ToolCalls(), 1)
}

func TestTurn_IsToolResponse(t *testing.T) {
	resp := NewToolResultTurn([]ToolResult{{CallID: "1", Name: "a", Output: "ok"}, {CallID: "2", Name: "b"}})
	assert.True(t, resp.IsToolResponse())
	assert.Len(t, resp.Parts, 2)
	assert.Equal(t, "2", resp.Parts[1].ToolResult.CallID)

	assert.False(t, NewUserTurn("hi").IsToolResponse())
	assert.False(t, Turn{Role: RoleUser}.IsToolResponse())
}

func TestTurn_CloneIsDeep(t *testing.T) {
	orig := Turn{Role: RoleModel, Parts: []Part{{ToolCall: &ToolCall{Name: "x", Args: map[string]interface{}{"k": "v"}}}}}
	cp := orig.Clone()
	cp.Parts[0].ToolCall.Args["k"] = "changed"
	cp.Parts[0].ToolCall.Name = "y"

	assert.Equal(t, "v", orig.Parts[0].ToolCall.Args["k"])
	assert.Equal(t, "x", orig.Parts[0].ToolCall.Name)
	assert.Nil(t, CloneTurns(nil))
}

func TestRole_Valid(t *testing.T) {
	assert.True(t, RoleUser.Valid())
	assert.True(t, RoleModel.Valid())
	assert.False(t, Role("system").Valid())
}

func TestEvent_Part(t *testing.T) {
	p, ok := ThoughtEvent("hmm").Part()
	assert.True(t, ok)
	assert.True(t, p.Thought)

	p, ok = ToolCallEvent(ToolCall{Name: "x"}).Part()
	assert.True(t, ok)
	assert.Equal(t, ToolCallPending, p.ToolCall.Status)

	_, ok = DoneEvent(FinishStop, nil).Part()
	assert.False(t, ok)
}

func TestTokenLimitAndEstimate(t *testing.T) {
	assert.Equal(t, 2_097_152, TokenLimit("gemini-1.5-pro-latest"))
	assert.Equal(t, 200_000, TokenLimit("claude-sonnet-4-5"))
	assert.Equal(t, DefaultTokenLimit, TokenLimit("some-unknown-model"))

	turns := []Turn{NewUserTurn("abcd")}
	assert.Equal(t, (turns[0].SerializedLength()+3)/4, EstimateTokens(turns))
}

func TestActiveModel(t *testing.T) {
	m := NewActiveModel("a")
	assert.False(t, m.Set("a"))
	assert.False(t, m.Set(""))
	assert.True(t, m.Set("b"))
	assert.Equal(t, "b", m.Get())
	assert.Equal(t, 1, m.Switches())
}

func TestNewAPIError(t *testing.T) {
	long := make([]byte, 1000)
	for i := range long {
		long[i] = 'x'
	}
	err := NewAPIError("openai", 429, string(long))
	assert.True(t, err.RateLimited())
	assert.False(t, err.ServerError())
	assert.Len(t, err.Message, 515)
	assert.Contains(t, err.Error(), "status 429")
}
