package agent

import (
	"errors"

	"github.com/harun/parley/pkg/chat"
	"github.com/harun/parley/pkg/llm"
	"github.com/harun/parley/pkg/toolexecutor"
)

// DefaultMaxTurns bounds the model turns of a single run
const DefaultMaxTurns = 100

// ContinuationPrompt is sent when the model is expected to keep speaking
const ContinuationPrompt = "Please continue."

var (
	// ErrSessionTurnLimit is returned once a conversation has used its configured turn budget
	ErrSessionTurnLimit = errors.New("maximum session turns reached")
	// ErrInvalidConversation is returned when a run has no chat or no tool adapter
	ErrInvalidConversation = errors.New("conversation requires a chat and a tool adapter")
)

// Conversation binds one session id to its chat and its tool adapter. Each conversation owns
// its own history and repair counters.
type Conversation struct {
	ID    string
	Chat  *chat.Chat
	Tools *toolexecutor.Adapter
}

// Sink receives every event of a run: stream events as they arrive and one
// tool_call_response event per executed call.
type Sink func(ev llm.Event)

// RunParams is the input of one run
type RunParams struct {
	Conversation *Conversation
	Parts        []llm.Part
	Sink         Sink
}

// RunResult summarizes a run
type RunResult struct {
	// Text is the text of the last model turn that produced any
	Text      string
	ToolCalls []llm.ToolCall
	Turns     int
	Finish    llm.FinishReason

	Aborted         bool
	LoopDetected    bool
	ModelSwitched   bool
	MaxTurnsReached bool
}
