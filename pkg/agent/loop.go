package agent

import (
	"context"
	"encoding/json"
	"strings"
	"sync"

	"github.com/harun/parley/pkg/llm"
)

const (
	DefaultToolCallLoopThreshold = 5
	DefaultContentLoopThreshold  = 10
)

// LoopDetector watches a run for repetition. TurnStarted is asked before each model turn
// and AddAndCheck for every stream event; a true result aborts the turn.
type LoopDetector interface {
	TurnStarted(ctx context.Context) bool
	AddAndCheck(ev llm.Event) bool
}

// RepetitionDetector flags identical consecutive tool calls and identical consecutive
// content chunks. Once a loop is detected it stays detected.
type RepetitionDetector struct {
	ToolCallThreshold int
	ContentThreshold  int

	mu           sync.Mutex
	lastCall     string
	callRepeats  int
	lastChunk    string
	chunkRepeats int
	detected     bool
}

// NewRepetitionDetector creates a detector with the default thresholds
func NewRepetitionDetector() *RepetitionDetector {
	return &RepetitionDetector{
		ToolCallThreshold: DefaultToolCallLoopThreshold,
		ContentThreshold:  DefaultContentLoopThreshold,
	}
}

// TurnStarted reports whether a loop was already detected
func (d *RepetitionDetector) TurnStarted(context.Context) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.detected
}

// AddAndCheck records ev and reports whether a loop is now detected
func (d *RepetitionDetector) AddAndCheck(ev llm.Event) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.detected {
		return true
	}

	switch ev.Type {
	case llm.EventToolCallRequest:
		if ev.ToolCall == nil {
			return false
		}
		key := callKey(*ev.ToolCall)
		if key == d.lastCall {
			d.callRepeats++
		} else {
			d.lastCall = key
			d.callRepeats = 1
		}
		d.lastChunk, d.chunkRepeats = "", 0
		d.detected = d.callRepeats >= threshold(d.ToolCallThreshold, DefaultToolCallLoopThreshold)

	case llm.EventContent:
		chunk := strings.TrimSpace(ev.Text)
		if chunk == "" {
			return false
		}
		if chunk == d.lastChunk {
			d.chunkRepeats++
		} else {
			d.lastChunk = chunk
			d.chunkRepeats = 1
		}
		d.detected = d.chunkRepeats >= threshold(d.ContentThreshold, DefaultContentLoopThreshold)
	}
	return d.detected
}

// Reset forgets everything seen so far
func (d *RepetitionDetector) Reset() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.lastCall, d.callRepeats = "", 0
	d.lastChunk, d.chunkRepeats = "", 0
	d.detected = false
}

// callKey identifies a call by name and arguments; json.Marshal sorts map keys
func callKey(call llm.ToolCall) string {
	args, err := json.Marshal(call.Args)
	if err != nil {
		return call.Name
	}
	return call.Name + ":" + string(args)
}

func threshold(v, def int) int {
	if v <= 0 {
		return def
	}
	return v
}
