package llm

import (
	"encoding/json"
	"strings"
)

// Role identifies who produced a turn
type Role string

const (
	RoleUser  Role = "user"
	RoleModel Role = "model"
)

// Valid reports whether r is one of the two conversation roles
func (r Role) Valid() bool {
	return r == RoleUser || r == RoleModel
}

// ToolCallStatus tracks a tool call through execution
type ToolCallStatus string

const (
	ToolCallPending   ToolCallStatus = "pending"
	ToolCallExecuting ToolCallStatus = "executing"
	ToolCallCompleted ToolCallStatus = "completed"
	ToolCallError     ToolCallStatus = "error"
)

// ToolCall is a structured request from the model to invoke a tool
type ToolCall struct {
	ID     string                 `json:"id"`
	Name   string                 `json:"name"`
	Args   map[string]interface{} `json:"args"`
	Status ToolCallStatus         `json:"status,omitempty"`
}

// ToolResult is the outcome of a tool call, sent back to the model in the next user turn
type ToolResult struct {
	CallID  string `json:"call_id"`
	Name    string `json:"name"`
	Output  string `json:"output"`
	IsError bool   `json:"is_error,omitempty"`
}

// Part is one ordered element of a turn. Exactly one of Text, ToolCall or ToolResult is set;
// Thought marks a text part as model reasoning.
type Part struct {
	Text       string      `json:"text,omitempty"`
	Thought    bool        `json:"thought,omitempty"`
	ToolCall   *ToolCall   `json:"tool_call,omitempty"`
	ToolResult *ToolResult `json:"tool_result,omitempty"`
}

// IsText reports whether the part carries plain (non-thought) text
func (p Part) IsText() bool {
	return p.ToolCall == nil && p.ToolResult == nil && !p.Thought
}

// Empty reports whether the part carries nothing a provider would accept
func (p Part) Empty() bool {
	return p.ToolCall == nil && p.ToolResult == nil && p.Text == "" && !p.Thought
}

// Turn is one role-tagged unit of conversation history
type Turn struct {
	Role  Role   `json:"role"`
	Parts []Part `json:"parts"`
}

// NewUserTurn creates a user turn holding a single text part
func NewUserTurn(text string) Turn {
	return Turn{Role: RoleUser, Parts: []Part{{Text: text}}}
}

// NewModelTurn creates a model turn holding a single text part
func NewModelTurn(text string) Turn {
	return Turn{Role: RoleModel, Parts: []Part{{Text: text}}}
}

// NewToolResultTurn wraps tool results into the user turn that answers a model's calls
func NewToolResultTurn(results []ToolResult) Turn {
	parts := make([]Part, 0, len(results))
	for i := range results {
		r := results[i]
		parts = append(parts, Part{ToolResult: &r})
	}
	return Turn{Role: RoleUser, Parts: parts}
}

// Text concatenates the non-thought text parts of the turn
func (t Turn) Text() string {
	var sb strings.Builder
	for _, p := range t.Parts {
		if p.IsText() {
			sb.WriteString(p.Text)
		}
	}
	return sb.String()
}

// ToolCalls returns the tool calls emitted in the turn
func (t Turn) ToolCalls() []ToolCall {
	var calls []ToolCall
	for _, p := range t.Parts {
		if p.ToolCall != nil {
			calls = append(calls, *p.ToolCall)
		}
	}
	return calls
}

// IsToolResponse reports whether the turn only carries tool results
func (t Turn) IsToolResponse() bool {
	if t.Role != RoleUser || len(t.Parts) == 0 {
		return false
	}
	for _, p := range t.Parts {
		if p.ToolResult == nil {
			return false
		}
	}
	return true
}

// IsValid reports whether a turn has at least one part and no empty parts.
// Thought-only parts count as content; a turn with zero parts does not.
func (t Turn) IsValid() bool {
	if len(t.Parts) == 0 {
		return false
	}
	for _, p := range t.Parts {
		if p.Empty() {
			return false
		}
	}
	return true
}

// Clone returns a deep copy of the turn
func (t Turn) Clone() Turn {
	out := Turn{Role: t.Role, Parts: make([]Part, len(t.Parts))}
	for i, p := range t.Parts {
		out.Parts[i] = p
		if p.ToolCall != nil {
			call := *p.ToolCall
			call.Args = cloneArgs(p.ToolCall.Args)
			out.Parts[i].ToolCall = &call
		}
		if p.ToolResult != nil {
			res := *p.ToolResult
			out.Parts[i].ToolResult = &res
		}
	}
	return out
}

// CloneTurns deep-copies a turn slice
func CloneTurns(turns []Turn) []Turn {
	if turns == nil {
		return nil
	}
	out := make([]Turn, len(turns))
	for i, t := range turns {
		out[i] = t.Clone()
	}
	return out
}

// SerializedLength is the JSON length of the turn, used as a token proportion proxy
func (t Turn) SerializedLength() int {
	data, err := json.Marshal(t)
	if err != nil {
		return len(t.Text())
	}
	return len(data)
}

func cloneArgs(args map[string]interface{}) map[string]interface{} {
	if args == nil {
		return nil
	}
	out := make(map[string]interface{}, len(args))
	for k, v := range args {
		out[k] = v
	}
	return out
}
