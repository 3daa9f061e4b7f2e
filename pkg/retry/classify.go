package retry

import (
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"strings"
	"syscall"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/harun/parley/pkg/llm"
	"github.com/openai/openai-go"
	"google.golang.org/genai"
)

// Reason labels used for retry metrics and logs
const (
	ReasonRateLimit = "rate_limit"
	ReasonServer    = "server"
	ReasonNetwork   = "network"
	ReasonOther     = "other"
)

var rateLimitMarkers = []string{
	"429",
	"rate limit",
	"rate_limit",
	"resource_exhausted",
	"too many requests",
	"quota",
}

var serverMarkers = []string{
	"500",
	"502",
	"503",
	"504",
	"529",
	"overloaded",
	"internal server error",
	"service unavailable",
	"bad gateway",
}

var networkMarkers = []string{
	"econnreset",
	"etimedout",
	"connection reset",
	"connection refused",
	"broken pipe",
	"unexpected eof",
	"tls handshake timeout",
}

// statusOf extracts an HTTP status from typed provider errors. Providers disagree on
// which type they return, so each known shape is tried in turn.
func statusOf(err error) (int, bool) {
	var apiErr *llm.APIError
	if errors.As(err, &apiErr) && apiErr.StatusCode > 0 {
		return apiErr.StatusCode, true
	}
	var oe *openai.Error
	if errors.As(err, &oe) {
		return oe.StatusCode, true
	}
	var ae *anthropic.Error
	if errors.As(err, &ae) {
		return ae.StatusCode, true
	}
	var ge genai.APIError
	if errors.As(err, &ge) {
		return ge.Code, true
	}
	var gp *genai.APIError
	if errors.As(err, &gp) {
		return gp.Code, true
	}
	return 0, false
}

// Classify returns the reason label for a transient error, or ReasonOther
func Classify(err error) string {
	if err == nil {
		return ReasonOther
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return ReasonOther
	}

	if status, ok := statusOf(err); ok {
		switch {
		case status == http.StatusTooManyRequests:
			return ReasonRateLimit
		case status >= 500 && status <= 599:
			return ReasonServer
		case status == http.StatusRequestTimeout:
			return ReasonNetwork
		}
		if status >= 400 {
			// A definite client error is never retried, whatever its message says
			return ReasonOther
		}
	}

	if errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, syscall.ECONNRESET) || errors.Is(err, syscall.EPIPE) {
		return ReasonNetwork
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return ReasonNetwork
	}

	msg := strings.ToLower(err.Error())
	switch {
	case containsAny(msg, rateLimitMarkers):
		return ReasonRateLimit
	case containsAny(msg, serverMarkers):
		return ReasonServer
	case containsAny(msg, networkMarkers):
		return ReasonNetwork
	}
	return ReasonOther
}

// IsTransient reports whether err is a rate-limit, server-class or network failure
func IsTransient(err error) bool {
	return Classify(err) != ReasonOther
}

// IsRateLimit reports whether err is a quota/rate-limit failure
func IsRateLimit(err error) bool {
	return Classify(err) == ReasonRateLimit
}

func containsAny(s string, markers []string) bool {
	for _, m := range markers {
		if strings.Contains(s, m) {
			return true
		}
	}
	return false
}
