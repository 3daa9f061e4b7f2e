package retry

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/harun/parley/pkg/llm"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fastOptions(max int) Options {
	return Options{MaxAttempts: max, InitialDelay: time.Millisecond, MaxDelay: 4 * time.Millisecond}
}

func rateLimited() error {
	return llm.NewAPIError("openai", 429, "rate limit reached")
}

func TestDo_SucceedsAfterKRateLimits(t *testing.T) {
	for _, k := range []int{0, 1, 3, 4} {
		t.Run(fmt.Sprintf("k=%d", k), func(t *testing.T) {
			calls := 0
			got, err := Do(context.Background(), fastOptions(5), func(ctx context.Context) (string, error) {
				calls++
				if calls <= k {
					return "", rateLimited()
				}
				return "ok", nil
			})

			require.NoError(t, err)
			assert.Equal(t, "ok", got)
			assert.Equal(t, k+1, calls)
		})
	}
}

func TestDo_NeverExceedsAttemptCap(t *testing.T) {
	calls := 0
	_, err := Do(context.Background(), fastOptions(3), func(ctx context.Context) (int, error) {
		calls++
		return 0, rateLimited()
	})

	assert.Equal(t, 3, calls)
	assert.ErrorIs(t, err, ErrRetriesExhausted)

	var apiErr *llm.APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, 429, apiErr.StatusCode)
}

func TestDo_PermanentErrorIsNotRetried(t *testing.T) {
	permanent := llm.NewAPIError("anthropic", 400, "bad request: 500 tokens too many")
	calls := 0
	_, err := Do(context.Background(), fastOptions(5), func(ctx context.Context) (int, error) {
		calls++
		return 0, permanent
	})

	assert.Equal(t, 1, calls)
	assert.Same(t, permanent, err)
}

func TestDo_StopsOnContextCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	opts := Options{MaxAttempts: 5, InitialDelay: time.Hour}

	done := make(chan error, 1)
	go func() {
		_, err := Do(ctx, opts, func(ctx context.Context) (int, error) {
			calls++
			return 0, rateLimited()
		})
		done <- err
	}()

	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
		assert.Equal(t, 1, calls)
	case <-time.After(2 * time.Second):
		t.Fatal("Do did not return after cancel")
	}
}

func TestDo_HonoursRetryAfter(t *testing.T) {
	opts := Options{MaxAttempts: 2, InitialDelay: time.Hour, MaxDelay: time.Hour}
	calls := 0
	start := time.Now()
	_, err := Do(context.Background(), opts, func(ctx context.Context) (int, error) {
		calls++
		if calls == 1 {
			e := rateLimited().(*llm.APIError)
			e.RetryAfter = 5 * time.Millisecond
			return 0, e
		}
		return 1, nil
	})

	require.NoError(t, err)
	assert.Less(t, time.Since(start), time.Minute)
}

func TestDo_PersistentQuotaFallback(t *testing.T) {
	model := llm.NewActiveModel("gemini-2.5-pro")
	policy := &FallbackPolicy{Model: model, FallbackModel: "gemini-2.5-flash"}

	opts := fastOptions(2)
	opts.AuthMode = AuthModeOAuth
	opts.OnPersistentQuota = policy.Handle

	var seen []string
	got, err := Do(context.Background(), opts, func(ctx context.Context) (string, error) {
		seen = append(seen, model.Get())
		if model.Get() == "gemini-2.5-pro" {
			return "", rateLimited()
		}
		return "flash answer", nil
	})

	require.NoError(t, err)
	assert.Equal(t, "flash answer", got)
	assert.Equal(t, []string{"gemini-2.5-pro", "gemini-2.5-pro", "gemini-2.5-flash"}, seen)
	assert.Equal(t, 1, model.Switches())
}

func TestDo_FallbackDeclinedPropagatesOriginalError(t *testing.T) {
	model := llm.NewActiveModel("gemini-2.5-pro")
	policy := &FallbackPolicy{
		Model:         model,
		FallbackModel: "gemini-2.5-flash",
		Consent: func(ctx context.Context, current, fallback string, err error) (bool, error) {
			return false, nil
		},
	}

	original := rateLimited()
	opts := fastOptions(2)
	opts.AuthMode = AuthModeOAuth
	opts.OnPersistentQuota = policy.Handle

	_, err := Do(context.Background(), opts, func(ctx context.Context) (int, error) {
		return 0, original
	})

	assert.Same(t, original, err)
	assert.Equal(t, "gemini-2.5-pro", model.Get())
}

func TestDo_FallbackStopsWhenAlreadyOnFallback(t *testing.T) {
	model := llm.NewActiveModel("gemini-2.5-flash")
	policy := &FallbackPolicy{Model: model, FallbackModel: "gemini-2.5-flash"}

	opts := fastOptions(2)
	opts.AuthMode = AuthModeOAuth
	opts.OnPersistentQuota = policy.Handle

	calls := 0
	_, err := Do(context.Background(), opts, func(ctx context.Context) (int, error) {
		calls++
		return 0, rateLimited()
	})

	assert.Error(t, err)
	assert.Equal(t, 2, calls)
	assert.Equal(t, 0, model.Switches())
}

func TestDo_FallbackOnlyForOAuth(t *testing.T) {
	model := llm.NewActiveModel("gemini-2.5-pro")
	policy := &FallbackPolicy{Model: model, FallbackModel: "gemini-2.5-flash"}

	opts := fastOptions(2)
	opts.AuthMode = AuthModeAPIKey
	opts.OnPersistentQuota = policy.Handle

	_, err := Do(context.Background(), opts, func(ctx context.Context) (int, error) {
		return 0, rateLimited()
	})

	assert.ErrorIs(t, err, ErrRetriesExhausted)
	assert.Equal(t, "gemini-2.5-pro", model.Get())
}

func TestFallbackPolicy_ConsentError(t *testing.T) {
	boom := errors.New("stdin closed")
	policy := &FallbackPolicy{
		Model:         llm.NewActiveModel("a"),
		FallbackModel: "b",
		Consent: func(ctx context.Context, current, fallback string, err error) (bool, error) {
			return false, boom
		},
	}

	model, err := policy.Handle(context.Background(), AuthModeOAuth, rateLimited())
	assert.ErrorIs(t, err, boom)
	assert.Empty(t, model)
}

func TestClassify(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want string
	}{
		{"nil", nil, ReasonOther},
		{"api 429", llm.NewAPIError("gemini", 429, "x"), ReasonRateLimit},
		{"api 503", llm.NewAPIError("openai", 503, "x"), ReasonServer},
		{"api 529 overloaded", llm.NewAPIError("anthropic", 529, "x"), ReasonServer},
		{"api 401", llm.NewAPIError("openai", 401, "429 mentioned in body"), ReasonOther},
		{"message rate limit", errors.New("Rate limit exceeded"), ReasonRateLimit},
		{"message resource exhausted", errors.New("RESOURCE_EXHAUSTED: quota"), ReasonRateLimit},
		{"message 502", errors.New("upstream returned 502"), ReasonServer},
		{"connection reset", errors.New("read tcp: connection reset by peer"), ReasonNetwork},
		{"wrapped", fmt.Errorf("call failed: %w", llm.NewAPIError("openai", 500, "x")), ReasonServer},
		{"canceled", context.Canceled, ReasonOther},
		{"plain", errors.New("invalid argument"), ReasonOther},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Classify(tt.err))
		})
	}
}

func TestJitterStaysInRange(t *testing.T) {
	d := 100 * time.Millisecond
	for i := 0; i < 200; i++ {
		j := jitter(d)
		assert.GreaterOrEqual(t, j, 70*time.Millisecond)
		assert.LessOrEqual(t, j, 130*time.Millisecond)
	}
}
