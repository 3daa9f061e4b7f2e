package llm

// EventType enumerates the normalized stream events
type EventType string

const (
	EventContent          EventType = "content"
	EventThought          EventType = "thought"
	EventToolCallRequest  EventType = "tool_call_request"
	EventToolCallResponse EventType = "tool_call_response"
	EventError            EventType = "error"
	EventDone             EventType = "done"
)

// FinishReason is the closed set of terminal outcomes understood outside the adapters
type FinishReason string

const (
	FinishStop      FinishReason = "stop"
	FinishMaxTokens FinishReason = "max_tokens"
	FinishSafety    FinishReason = "safety"
	FinishToolCalls FinishReason = "tool_calls"
	FinishError     FinishReason = "error"
	FinishUnknown   FinishReason = "unknown"
)

// Usage carries optional token accounting reported by a provider
type Usage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

// Event is a single normalized stream element
type Event struct {
	Type       EventType    `json:"type"`
	Text       string       `json:"text,omitempty"`
	ToolCall   *ToolCall    `json:"tool_call,omitempty"`
	ToolResult *ToolResult  `json:"tool_result,omitempty"`
	Err        error        `json:"-"`
	Finish     FinishReason `json:"finish,omitempty"`
	Usage      *Usage       `json:"usage,omitempty"`
}

// ContentEvent builds a text delta event
func ContentEvent(text string) Event {
	return Event{Type: EventContent, Text: text}
}

// ThoughtEvent builds a reasoning delta event
func ThoughtEvent(text string) Event {
	return Event{Type: EventThought, Text: text}
}

// ToolCallEvent builds a complete tool call request event
func ToolCallEvent(call ToolCall) Event {
	if call.Status == "" {
		call.Status = ToolCallPending
	}
	return Event{Type: EventToolCallRequest, ToolCall: &call}
}

// DoneEvent builds the terminal event of a stream
func DoneEvent(finish FinishReason, usage *Usage) Event {
	return Event{Type: EventDone, Finish: finish, Usage: usage}
}

// Part converts a content-bearing event into the transcript part it represents.
// ok is false for events that never reach history (errors, done, tool responses).
func (e Event) Part() (Part, bool) {
	switch e.Type {
	case EventContent:
		return Part{Text: e.Text}, true
	case EventThought:
		return Part{Text: e.Text, Thought: true}, true
	case EventToolCallRequest:
		if e.ToolCall == nil {
			return Part{}, false
		}
		call := *e.ToolCall
		return Part{ToolCall: &call}, true
	default:
		return Part{}, false
	}
}
