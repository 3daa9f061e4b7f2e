package llm

import (
	"encoding/json"
	"strings"

	"github.com/rs/zerolog/log"
	"github.com/tidwall/gjson"
)

type pendingCall struct {
	id   string
	name string
	args strings.Builder
}

// ToolCallAssembler buffers streamed tool-call fragments (start, argument deltas, stop)
// and yields one ToolCall per call once its argument JSON is structurally complete.
// Keys are vendor-specific (a block or choice index).
type ToolCallAssembler struct {
	pending map[string]*pendingCall
	order   []string
}

// NewToolCallAssembler creates an empty assembler
func NewToolCallAssembler() *ToolCallAssembler {
	return &ToolCallAssembler{pending: make(map[string]*pendingCall)}
}

// Start registers a call. A repeated start for a known key only fills missing id/name.
func (a *ToolCallAssembler) Start(key, id, name string) {
	if pc, ok := a.pending[key]; ok {
		if pc.id == "" {
			pc.id = id
		}
		if pc.name == "" {
			pc.name = name
		}
		return
	}
	a.pending[key] = &pendingCall{id: id, name: name}
	a.order = append(a.order, key)
}

// Append adds an argument fragment. Fragments for an unknown key start an anonymous call.
func (a *ToolCallAssembler) Append(key, fragment string) {
	pc, ok := a.pending[key]
	if !ok {
		a.Start(key, "", "")
		pc = a.pending[key]
	}
	pc.args.WriteString(fragment)
}

// Has reports whether a call is buffered under key
func (a *ToolCallAssembler) Has(key string) bool {
	_, ok := a.pending[key]
	return ok
}

// Len returns the number of buffered calls
func (a *ToolCallAssembler) Len() int {
	return len(a.order)
}

// Finish completes the call under key. ok is false when nothing is buffered or the
// arguments are not yet structurally complete JSON; an incomplete call stays buffered.
func (a *ToolCallAssembler) Finish(key string) (ToolCall, bool) {
	pc, exists := a.pending[key]
	if !exists {
		return ToolCall{}, false
	}

	raw := strings.TrimSpace(pc.args.String())
	if raw != "" && !gjson.Valid(raw) {
		return ToolCall{}, false
	}

	call, err := pc.toolCall(raw)
	if err != nil {
		return ToolCall{}, false
	}
	a.remove(key)
	return call, true
}

// Drain completes every buffered call in start order. Calls whose arguments never became
// valid JSON are still emitted, with empty arguments, so downstream repair can act on them.
func (a *ToolCallAssembler) Drain() []ToolCall {
	var calls []ToolCall
	for _, key := range append([]string(nil), a.order...) {
		if call, ok := a.Finish(key); ok {
			calls = append(calls, call)
			continue
		}
		pc := a.pending[key]
		log.Warn().
			Str("tool", pc.name).
			Int("bytes", pc.args.Len()).
			Msg("Tool call arguments incomplete at end of stream")
		calls = append(calls, ToolCall{ID: pc.id, Name: pc.name, Args: map[string]interface{}{}, Status: ToolCallPending})
		a.remove(key)
	}
	return calls
}

func (a *ToolCallAssembler) remove(key string) {
	delete(a.pending, key)
	for i, k := range a.order {
		if k == key {
			a.order = append(a.order[:i], a.order[i+1:]...)
			break
		}
	}
}

func (pc *pendingCall) toolCall(raw string) (ToolCall, error) {
	args := map[string]interface{}{}
	if raw != "" {
		if err := json.Unmarshal([]byte(raw), &args); err != nil {
			return ToolCall{}, err
		}
		if args == nil {
			args = map[string]interface{}{}
		}
	}
	return ToolCall{ID: pc.id, Name: pc.name, Args: args, Status: ToolCallPending}, nil
}
