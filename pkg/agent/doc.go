// Package agent drives a conversation through model turns and tool calls.
//
// Invariants:
// - Runs are serialized per conversation lane ("session-<id>") through commandqueue.
// - Every run is bounded by a maximum number of model turns.
// - Tool calls of one model turn execute in parallel; their results are sent back in call order.
// - Continuation without user input is skipped when the active model changed during the turn.
//
// Usage:
//
//	runner, _ := agent.NewRunner(agent.Config{CommandQueue: commandqueue.New()})
//	result, _ := runner.Run(ctx, agent.RunParams{
//		Conversation: &agent.Conversation{ID: id, Chat: c, Tools: tools},
//		Parts:        []llm.Part{{Text: "hello"}},
//		Sink:         func(ev llm.Event) { fmt.Print(ev.Text) },
//	})
//	_ = result
package agent
