package llm

import (
	"errors"
	"fmt"
	"net/http"
	"time"
)

var (
	// ErrStreamClosed is returned by Recv after Close
	ErrStreamClosed = errors.New("stream closed")

	// ErrEmptyResponse is returned when a provider answers without any candidate
	ErrEmptyResponse = errors.New("provider returned no candidates")
)

// APIError is a typed provider failure carrying the HTTP status when known
type APIError struct {
	Provider   string
	StatusCode int
	Message    string
	RetryAfter time.Duration
	// Cause is the vendor SDK error, when the failure came through an SDK
	Cause error
}

func (e *APIError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("%s API error (status %d): %s", e.Provider, e.StatusCode, e.Message)
	}
	return fmt.Sprintf("%s API error: %s", e.Provider, e.Message)
}

func (e *APIError) Unwrap() error {
	return e.Cause
}

// RateLimited reports whether the error is a quota/rate-limit failure
func (e *APIError) RateLimited() bool {
	return e.StatusCode == http.StatusTooManyRequests
}

// ServerError reports whether the error is a server-class failure
func (e *APIError) ServerError() bool {
	return e.StatusCode >= 500 && e.StatusCode <= 599
}

// NewAPIError builds an APIError, truncating long bodies
func NewAPIError(provider string, status int, body string) *APIError {
	const maxBody = 512
	if len(body) > maxBody {
		body = body[:maxBody] + "..."
	}
	return &APIError{Provider: provider, StatusCode: status, Message: body}
}
