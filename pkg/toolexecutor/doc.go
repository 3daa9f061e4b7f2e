// Package toolexecutor registers tools and executes model tool calls for one conversation.
//
// Invariants:
// - Tool names are unique within a Registry.
// - Parameters are schema-validated before execution; missing required arguments may be
//   recovered from <name>value</name> tags in the latest assistant text.
// - ExecuteCall never returns an error; failures are error-flagged tool results.
// - Repair counters are per Adapter: three consecutive unrecoverable failures on a tool put
//   it in the error loop state until Reset.
//
// Usage:
//
//	reg := toolexecutor.NewRegistry()
//	_ = reg.Register(toolexecutor.ToolDefinition{
//		Name: "echo",
//		Description: "Echo input",
//		Parameters: []toolexecutor.ToolParameter{{Name: "text", Type: "string", Description: "text", Required: true}},
//		Handler: func(ctx context.Context, params map[string]interface{}) (interface{}, error) { return params["text"], nil },
//	})
//	adapter := toolexecutor.NewAdapter(reg, toolexecutor.Options{})
//	res := adapter.ExecuteCall(ctx, toolexecutor.CallRequest{Call: call})
package toolexecutor
