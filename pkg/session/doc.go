// Package session persists conversation transcripts using JSONL files.
//
// Invariants:
// - Session ids are validated and path-safe.
// - Writes for the same session are serialized.
// - Rewrites are atomic (temp file + rename).
//
// Usage:
//
//	store, _ := session.New("/tmp/parley/sessions")
//	_ = store.Append(ctx, id, llm.NewUserTurn("hello"))
//	turns, _ := store.Load(ctx, id)
//	_ = turns
package session
