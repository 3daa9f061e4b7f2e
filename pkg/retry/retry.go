// Package retry wraps provider calls with exponential backoff and the persistent-quota
// model fallback.
package retry

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"time"

	"github.com/harun/parley/internal/observability"
	"github.com/harun/parley/internal/tracing"
	"github.com/harun/parley/pkg/llm"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

const (
	DefaultMaxAttempts  = 5
	DefaultInitialDelay = 5 * time.Second
	DefaultMaxDelay     = 30 * time.Second

	jitterFraction = 0.3
)

// ErrRetriesExhausted wraps the last error once the attempt cap is hit
var ErrRetriesExhausted = errors.New("retries exhausted")

// QuotaHandler is consulted after the attempt cap is hit with a rate-limit error. A non-empty
// model id means the active model was swapped and the operation should be reissued.
type QuotaHandler func(ctx context.Context, authMode string, err error) (string, error)

// Options configures Do
type Options struct {
	MaxAttempts  int
	InitialDelay time.Duration
	MaxDelay     time.Duration

	// ShouldRetry overrides IsTransient
	ShouldRetry func(error) bool

	AuthMode          string
	OnPersistentQuota QuotaHandler
}

func (o Options) withDefaults() Options {
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = DefaultMaxAttempts
	}
	if o.InitialDelay <= 0 {
		o.InitialDelay = DefaultInitialDelay
	}
	if o.MaxDelay <= 0 {
		o.MaxDelay = DefaultMaxDelay
	}
	if o.MaxDelay < o.InitialDelay {
		o.MaxDelay = o.InitialDelay
	}
	if o.ShouldRetry == nil {
		o.ShouldRetry = IsTransient
	}
	return o
}

// Do runs op until it succeeds, fails permanently, or the attempt cap is reached.
// op must read per-attempt inputs (such as the active model) on every call.
func Do[T any](ctx context.Context, opts Options, op func(ctx context.Context) (T, error)) (T, error) {
	var zero T
	opts = opts.withDefaults()

	ctx, span := tracing.StartSpan(ctx, "parley.retry", "retry.do",
		attribute.Int("max_attempts", opts.MaxAttempts),
	)
	defer span.End()
	logger := tracing.LoggerFromContext(ctx, log.Logger)

	fail := func(err error) (T, error) {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return zero, err
	}

	attempt := 0
	delay := opts.InitialDelay
	for {
		attempt++
		result, err := op(ctx)
		if err == nil {
			span.SetAttributes(attribute.Int("attempts", attempt))
			return result, nil
		}

		if ctx.Err() != nil {
			return fail(err)
		}
		if !opts.ShouldRetry(err) {
			return fail(err)
		}

		if attempt >= opts.MaxAttempts {
			if !IsRateLimit(err) || opts.AuthMode != AuthModeOAuth || opts.OnPersistentQuota == nil {
				return fail(fmt.Errorf("%w after %d attempts: %w", ErrRetriesExhausted, attempt, err))
			}

			model, herr := opts.OnPersistentQuota(ctx, opts.AuthMode, err)
			if herr != nil {
				logger.Warn().Err(herr).Msg("Fallback handler failed")
				return fail(err)
			}
			if model == "" {
				return fail(err)
			}

			logger.Warn().Str("model", model).Int("attempts", attempt).Msg("Persistent quota error, retrying on fallback model")
			attempt = 0
			delay = opts.InitialDelay
			continue
		}

		reason := Classify(err)
		observability.RecordRetryAttempt(reason)

		wait := jitter(delay)
		var apiErr *llm.APIError
		if errors.As(err, &apiErr) && apiErr.RetryAfter > 0 {
			wait = apiErr.RetryAfter
		}

		logger.Info().
			Err(err).
			Int("attempt", attempt).
			Str("reason", reason).
			Dur("delay", wait).
			Msg("Retrying after error")

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return fail(ctx.Err())
		case <-timer.C:
		}

		delay *= 2
		if delay > opts.MaxDelay {
			delay = opts.MaxDelay
		}
	}
}

// jitter spreads d by ±30%
func jitter(d time.Duration) time.Duration {
	spread := float64(d) * jitterFraction * (rand.Float64()*2 - 1)
	out := time.Duration(float64(d) + spread)
	if out < 0 {
		return 0
	}
	return out
}
