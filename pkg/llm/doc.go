// Package llm defines the provider-neutral conversation model shared by every backend.
//
// Invariants:
// - A Turn's role is exactly RoleUser or RoleModel.
// - Adapters are stateless with respect to history; callers pass the full request each time.
// - A Stream is finite, single-use, and ends with io.EOF after a done event.
//
// Usage:
//
//	turn := llm.NewUserTurn("hello")
//	stream, _ := adapter.GenerateContentStream(ctx, llm.Request{Model: "gemini-2.5-pro", History: []llm.Turn{turn}})
//	defer stream.Close()
//	for {
//		ev, err := stream.Recv()
//		if err != nil {
//			break
//		}
//		_ = ev
//	}
package llm
