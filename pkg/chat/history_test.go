package chat

import (
	"testing"

	"github.com/harun/parley/pkg/llm"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExtractCuratedHistory(t *testing.T) {
	tests := []struct {
		name string
		in   []llm.Turn
		want []string
	}{
		{
			name: "empty",
			in:   nil,
			want: nil,
		},
		{
			name: "all valid",
			in:   []llm.Turn{llm.NewUserTurn("u1"), llm.NewModelTurn("m1"), llm.NewUserTurn("u2"), llm.NewModelTurn("m2")},
			want: []string{"u1", "m1", "u2", "m2"},
		},
		{
			name: "invalid reply drops its user turn",
			in: []llm.Turn{
				llm.NewUserTurn("u1"), llm.NewModelTurn("m1"),
				llm.NewUserTurn("u2"), {Role: llm.RoleModel},
				llm.NewUserTurn("u3"), llm.NewModelTurn("m3"),
			},
			want: []string{"u1", "m1", "u3", "m3"},
		},
		{
			name: "one bad turn invalidates the whole model run",
			in: []llm.Turn{
				llm.NewUserTurn("u1"),
				llm.NewModelTurn("m1a"),
				{Role: llm.RoleModel, Parts: []llm.Part{{Text: ""}}},
				llm.NewUserTurn("u2"),
			},
			want: []string{"u2"},
		},
		{
			name: "consecutive valid model turns kept",
			in:   []llm.Turn{llm.NewUserTurn("u1"), llm.NewModelTurn("a"), llm.NewModelTurn("b")},
			want: []string{"u1", "a", "b"},
		},
		{
			name: "trailing user turn kept",
			in:   []llm.Turn{llm.NewUserTurn("u1"), {Role: llm.RoleModel}, llm.NewUserTurn("u2")},
			want: []string{"u2"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var got []string
			for _, turn := range extractCuratedHistory(tt.in) {
				got = append(got, turn.Text())
			}
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestConsolidate(t *testing.T) {
	call := &llm.ToolCall{ID: "1", Name: "read_file"}
	parts := []llm.Part{
		{Text: "thinking", Thought: true},
		{Text: "Hel"},
		{Text: ""},
		{Text: "lo"},
		{ToolCall: call},
		{Text: " after"},
		{Text: " call"},
	}

	got := consolidate(parts)
	require.Len(t, got, 3)
	assert.Equal(t, "Hello", got[0].Text)
	assert.Equal(t, call, got[1].ToolCall)
	assert.Equal(t, " after call", got[2].Text)

	// input is not modified
	assert.Equal(t, "Hel", parts[1].Text)
}

func TestModelTurn(t *testing.T) {
	empty := modelTurn([]llm.Part{{Text: "only thoughts", Thought: true}})
	assert.Equal(t, llm.RoleModel, empty.Role)
	assert.Empty(t, empty.Parts)
	assert.False(t, empty.IsValid())

	turn := modelTurn([]llm.Part{{Text: "a"}, {Text: "b"}})
	assert.True(t, turn.IsValid())
	assert.Equal(t, "ab", turn.Text())
}

func TestWithoutToolCalls(t *testing.T) {
	parts := []llm.Part{{Text: "a"}, {ToolCall: &llm.ToolCall{Name: "x"}}, {Text: "b"}}
	got := withoutToolCalls(parts)
	require.Len(t, got, 2)
	assert.Len(t, parts, 3)
	assert.NotNil(t, parts[1].ToolCall)
}

func TestNewAFCEntries(t *testing.T) {
	afc := []llm.Turn{
		llm.NewUserTurn("old"), llm.NewModelTurn("old reply"),
		llm.NewUserTurn("new"), {Role: llm.RoleModel, Parts: []llm.Part{{ToolCall: &llm.ToolCall{Name: "t"}}}},
	}

	got := newAFCEntries(afc, 2)
	require.Len(t, got, 2)
	assert.Equal(t, "new", got[0].Text())

	assert.Nil(t, newAFCEntries(afc, 4))
	assert.Nil(t, newAFCEntries(nil, 0))
}

func TestValidateHistory(t *testing.T) {
	assert.NoError(t, validateHistory([]llm.Turn{llm.NewUserTurn("a"), {Role: llm.RoleModel}}))

	err := validateHistory([]llm.Turn{llm.NewUserTurn("a"), {Role: "function"}})
	assert.ErrorIs(t, err, ErrInvalidRole)
	assert.ErrorContains(t, err, "turn 1")
}
