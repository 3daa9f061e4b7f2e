package llm

import (
	"context"
)

// FunctionDeclaration describes a tool to the model
type FunctionDeclaration struct {
	Name        string                 `json:"name"`
	Description string                 `json:"description"`
	Parameters  map[string]interface{} `json:"parameters"`
}

// GenerateConfig holds per-request generation parameters
type GenerateConfig struct {
	Temperature float64 `json:"temperature,omitempty"`
	MaxTokens   int     `json:"max_tokens,omitempty"`
}

// Request is the provider-neutral request built by the session manager
type Request struct {
	Model             string
	History           []Turn
	SystemInstruction string
	Tools             []FunctionDeclaration
	Config            GenerateConfig
}

// Response is a single-shot provider answer
type Response struct {
	Turn   Turn
	Finish FinishReason
	Usage  *Usage
	// AFCHistory is the provider-side automatic function calling transcript, when reported.
	// It starts with the request history the provider was given.
	AFCHistory []Turn
}

// Text returns the non-thought text of the response
func (r *Response) Text() string {
	if r == nil {
		return ""
	}
	return r.Turn.Text()
}

// TokenCount is the result of a token counting call. Total is nil when the provider
// cannot report a count.
type TokenCount struct {
	Total *int
}

// Known reports whether a count is available
func (t TokenCount) Known() bool {
	return t.Total != nil
}

// Stream is a finite, pull-based, single-use event sequence.
// Recv returns io.EOF once the stream is exhausted.
type Stream interface {
	Recv() (Event, error)
	Close() error
}

// Adapter is a per-backend codec bound once at session construction
type Adapter interface {
	// Name returns the backend name
	Name() string

	// GenerateContent performs a non-streaming call
	GenerateContent(ctx context.Context, req Request) (*Response, error)

	// GenerateContentStream opens a streaming call
	GenerateContentStream(ctx context.Context, req Request) (Stream, error)

	// CountTokens reports the token count of contents for the model
	CountTokens(ctx context.Context, model string, contents []Turn) (TokenCount, error)
}
