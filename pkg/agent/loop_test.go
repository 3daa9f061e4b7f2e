package agent

import (
	"context"
	"testing"

	"github.com/harun/parley/pkg/llm"
	"github.com/stretchr/testify/assert"
)

func TestRepetitionDetector_ToolCalls(t *testing.T) {
	d := NewRepetitionDetector()
	call := llm.ToolCallEvent(llm.ToolCall{Name: "read_file", Args: map[string]interface{}{"path": "a.go", "max_bytes": 10}})
	// same arguments in another map order
	same := llm.ToolCallEvent(llm.ToolCall{Name: "read_file", Args: map[string]interface{}{"max_bytes": 10, "path": "a.go"}})

	for i := 0; i < DefaultToolCallLoopThreshold-1; i++ {
		assert.False(t, d.AddAndCheck(call), "call %d", i)
	}
	assert.True(t, d.AddAndCheck(same))
	assert.True(t, d.TurnStarted(context.Background()))
}

func TestRepetitionDetector_DifferentCallsReset(t *testing.T) {
	d := NewRepetitionDetector()
	a := llm.ToolCallEvent(llm.ToolCall{Name: "echo", Args: map[string]interface{}{"input": "a"}})
	b := llm.ToolCallEvent(llm.ToolCall{Name: "echo", Args: map[string]interface{}{"input": "b"}})

	for i := 0; i < 20; i++ {
		ev := a
		if i%2 == 1 {
			ev = b
		}
		assert.False(t, d.AddAndCheck(ev))
	}
	assert.False(t, d.TurnStarted(context.Background()))
}

func TestRepetitionDetector_Content(t *testing.T) {
	d := &RepetitionDetector{ContentThreshold: 3}

	assert.False(t, d.AddAndCheck(llm.ContentEvent("again")))
	assert.False(t, d.AddAndCheck(llm.ContentEvent("   ")))
	assert.False(t, d.AddAndCheck(llm.ContentEvent("again ")))
	assert.True(t, d.AddAndCheck(llm.ContentEvent("again")))

	d.Reset()
	assert.False(t, d.TurnStarted(context.Background()))
	assert.False(t, d.AddAndCheck(llm.ContentEvent("again")))
}

func TestRepetitionDetector_IgnoresOtherEvents(t *testing.T) {
	d := &RepetitionDetector{ToolCallThreshold: 2}
	call := llm.ToolCallEvent(llm.ToolCall{Name: "x"})

	assert.False(t, d.AddAndCheck(call))
	assert.False(t, d.AddAndCheck(llm.ThoughtEvent("hmm")))
	assert.False(t, d.AddAndCheck(llm.DoneEvent(llm.FinishToolCalls, nil)))
	assert.True(t, d.AddAndCheck(call))
}
