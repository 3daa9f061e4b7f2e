package tracing

import (
	"context"

	"github.com/google/uuid"
)

// Scope names the request, agent run, conversation and model a unit of work belongs to.
// Empty fields are unknown.
type Scope struct {
	TraceID    string
	RunID      string
	SessionKey string
	Model      string
}

func (s Scope) empty() bool {
	return s == Scope{}
}

type scopeKey struct{}

// ScopeFrom returns the scope carried by ctx
func ScopeFrom(ctx context.Context) Scope {
	s, _ := ctx.Value(scopeKey{}).(Scope)
	return s
}

func withScope(ctx context.Context, update func(*Scope)) context.Context {
	s := ScopeFrom(ctx)
	update(&s)
	return context.WithValue(ctx, scopeKey{}, s)
}

func NewTraceID() string { return uuid.New().String() }

func NewRunID() string { return uuid.New().String() }

func WithTraceID(ctx context.Context, id string) context.Context {
	return withScope(ctx, func(s *Scope) { s.TraceID = id })
}

func WithRunID(ctx context.Context, id string) context.Context {
	return withScope(ctx, func(s *Scope) { s.RunID = id })
}

// WithSessionKey tags ctx with the conversation id
func WithSessionKey(ctx context.Context, key string) context.Context {
	return withScope(ctx, func(s *Scope) { s.SessionKey = key })
}

// WithModel tags ctx with the model a run started on
func WithModel(ctx context.Context, model string) context.Context {
	return withScope(ctx, func(s *Scope) { s.Model = model })
}

func GetTraceID(ctx context.Context) string    { return ScopeFrom(ctx).TraceID }
func GetRunID(ctx context.Context) string      { return ScopeFrom(ctx).RunID }
func GetSessionKey(ctx context.Context) string { return ScopeFrom(ctx).SessionKey }
func GetModel(ctx context.Context) string      { return ScopeFrom(ctx).Model }

// NewRequestContext starts a new trace
func NewRequestContext(ctx context.Context) context.Context {
	return WithTraceID(ctx, NewTraceID())
}

// NewRunContext gives an agent run its own run id, keeping the trace. An empty model
// leaves the current one in place.
func NewRunContext(ctx context.Context, model string) context.Context {
	return withScope(ctx, func(s *Scope) {
		s.RunID = NewRunID()
		if model != "" {
			s.Model = model
		}
	})
}
