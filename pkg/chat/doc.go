// Package chat keeps the turn log of one conversation and talks to a provider adapter on
// its behalf.
//
// The comprehensive history records every exchange, including failed model output. The
// curated history, which is what gets sent to providers, drops invalid model turns along
// with the user turn that produced them so requests keep user/model alternation.
//
// Sends are serialized per Chat. A streaming send holds the chat until its Stream is
// drained or closed; at that point the user turn and the model output received so far are
// recorded and the next send may start.
//
// TryCompress summarizes older history into a state snapshot once the curated history
// crosses a fraction of the model's token limit.
package chat
