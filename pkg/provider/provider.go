package provider

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/harun/parley/internal/observability"
	"github.com/harun/parley/internal/tracing"
	"github.com/harun/parley/pkg/llm"
	"github.com/openai/openai-go"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"google.golang.org/genai"
)

// Backend names
const (
	Gemini    = "gemini"
	Anthropic = "anthropic"
	OpenAI    = "openai"
)

const (
	defaultGeminiBaseURL    = "https://generativelanguage.googleapis.com"
	defaultAnthropicBaseURL = "https://api.anthropic.com"
	defaultOpenAIBaseURL    = "https://api.openai.com/v1"

	defaultMaxTokens = 8192
	maxErrorBody     = 4096
)

// ErrUnknownProvider is returned by New for an unsupported backend name
var ErrUnknownProvider = errors.New("unsupported provider")

// Config selects and configures one backend. It is immutable for a session.
type Config struct {
	Provider   string
	APIKey     string
	BaseURL    string
	ProxyURL   string
	HTTPClient *http.Client
}

// Codec converts a turn list to and from the vendor request body shape
type Codec interface {
	EncodeHistory(turns []llm.Turn) ([]byte, error)
	DecodeHistory(data []byte) ([]llm.Turn, error)
}

// Backend is a provider adapter together with its wire codec
type Backend interface {
	llm.Adapter
	Codec
}

// New binds the adapter for cfg.Provider. The variant is chosen from the explicit provider
// name only, never from the model id.
func New(ctx context.Context, cfg Config) (Backend, error) {
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		c, err := NewHTTPClient(cfg.ProxyURL)
		if err != nil {
			return nil, err
		}
		httpClient = c
	}

	switch strings.ToLower(strings.TrimSpace(cfg.Provider)) {
	case Gemini:
		return NewGemini(ctx, cfg.APIKey, cfg.BaseURL, httpClient)
	case Anthropic:
		return NewAnthropic(cfg.APIKey, cfg.BaseURL, httpClient), nil
	case OpenAI:
		return NewOpenAI(cfg.APIKey, cfg.BaseURL, httpClient), nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownProvider, cfg.Provider)
	}
}

// NewHTTPClient builds the client shared by SDK and raw streaming calls. No overall
// timeout is set so long streams are bounded by their context only.
func NewHTTPClient(proxyURL string) (*http.Client, error) {
	transport := http.DefaultTransport.(*http.Transport).Clone()
	if proxyURL != "" {
		u, err := url.Parse(proxyURL)
		if err != nil {
			return nil, fmt.Errorf("invalid proxy URL: %w", err)
		}
		transport.Proxy = http.ProxyURL(u)
	}
	return &http.Client{Transport: transport}, nil
}

// postStream opens a streaming POST. Non-2xx statuses become *llm.APIError.
func postStream(ctx context.Context, client *http.Client, provider, endpoint string, headers map[string]string, body []byte) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to build %s stream request: %w", provider, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "text/event-stream")
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s stream request failed: %w", provider, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		defer resp.Body.Close()
		data, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		apiErr := llm.NewAPIError(provider, resp.StatusCode, strings.TrimSpace(string(data)))
		apiErr.RetryAfter = parseRetryAfter(resp.Header.Get("Retry-After"))
		return nil, apiErr
	}

	return resp, nil
}

func parseRetryAfter(value string) time.Duration {
	value = strings.TrimSpace(value)
	if value == "" {
		return 0
	}
	if secs, err := strconv.Atoi(value); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	if at, err := http.ParseTime(value); err == nil {
		if d := time.Until(at); d > 0 {
			return d
		}
	}
	return 0
}

// wrapSDKError normalizes vendor SDK failures into *llm.APIError, keeping the SDK error
// reachable through errors.As.
func wrapSDKError(provider string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}

	var existing *llm.APIError
	if errors.As(err, &existing) {
		return err
	}

	var oe *openai.Error
	if errors.As(err, &oe) {
		apiErr := &llm.APIError{Provider: provider, StatusCode: oe.StatusCode, Message: err.Error(), Cause: err}
		if oe.Response != nil {
			apiErr.RetryAfter = parseRetryAfter(oe.Response.Header.Get("Retry-After"))
		}
		return apiErr
	}

	var ae *anthropic.Error
	if errors.As(err, &ae) {
		apiErr := &llm.APIError{Provider: provider, StatusCode: ae.StatusCode, Message: err.Error(), Cause: err}
		if ae.Response != nil {
			apiErr.RetryAfter = parseRetryAfter(ae.Response.Header.Get("Retry-After"))
		}
		return apiErr
	}

	var ge genai.APIError
	if errors.As(err, &ge) {
		return &llm.APIError{Provider: provider, StatusCode: ge.Code, Message: ge.Message, Cause: err}
	}
	var gp *genai.APIError
	if errors.As(err, &gp) {
		return &llm.APIError{Provider: provider, StatusCode: gp.Code, Message: gp.Message, Cause: err}
	}

	return fmt.Errorf("%s request failed: %w", provider, err)
}

// observe starts a span and returns a completion func recording metrics for the call
func observe(ctx context.Context, provider, mode, model string) (context.Context, func(error)) {
	ctx, span := tracing.StartSpan(ctx, "parley.provider", "provider."+mode,
		attribute.String("provider", provider),
		attribute.String("model", model),
	)
	start := time.Now()

	return ctx, func(err error) {
		observability.RecordProviderCall(provider, mode, time.Since(start), err == nil)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}
}

// dropChunk logs and counts a malformed stream chunk. The stream continues.
func dropChunk(provider string, payload []byte, reason string) {
	observability.RecordStreamChunkDropped(provider)
	log.Warn().
		Str("provider", provider).
		Int("bytes", len(payload)).
		Str("reason", reason).
		Msg("Skipping malformed stream chunk")
}

func trimBase(base, fallback string) string {
	if strings.TrimSpace(base) == "" {
		base = fallback
	}
	return strings.TrimRight(strings.TrimSpace(base), "/")
}

func doneEvent(finish llm.FinishReason, usage llm.Usage, sawUsage bool) llm.Event {
	if !sawUsage {
		return llm.DoneEvent(finish, nil)
	}
	u := usage
	return llm.DoneEvent(finish, &u)
}
