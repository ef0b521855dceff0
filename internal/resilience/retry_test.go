package resilience

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meridianbio/drugintel/internal/model"
	"github.com/meridianbio/drugintel/internal/provider"
)

func serverFailure() error {
	return &provider.Failure{Kind: model.ErrorKindServer, StatusCode: 503, Message: "upstream down"}
}

func fastRetry(attempts int) RetryConfig {
	return RetryConfig{MaxAttempts: attempts, InitialBackoff: time.Millisecond, JitterFraction: -1}
}

func TestDoValFirstTrySucceeds(t *testing.T) {
	calls := 0
	val, err := DoVal(context.Background(), fastRetry(3), func(context.Context) (string, error) {
		calls++
		return "ok", nil
	})
	require.NoError(t, err)
	assert.Equal(t, "ok", val)
	assert.Equal(t, 1, calls)
}

func TestDoValRetriesTransientFailure(t *testing.T) {
	calls := 0
	val, err := DoVal(context.Background(), fastRetry(3), func(context.Context) (string, error) {
		calls++
		if calls < 3 {
			return "", serverFailure()
		}
		return "recovered", nil
	})
	require.NoError(t, err)
	assert.Equal(t, "recovered", val)
	assert.Equal(t, 3, calls)
}

func TestDoValExhaustsAttempts(t *testing.T) {
	calls := 0
	_, err := DoVal(context.Background(), fastRetry(3), func(context.Context) (string, error) {
		calls++
		return "", serverFailure()
	})
	require.Error(t, err)
	var f *provider.Failure
	require.ErrorAs(t, err, &f)
	assert.Equal(t, 3, calls)
}

func TestDoValTerminalFailureNotRetried(t *testing.T) {
	calls := 0
	_, err := DoVal(context.Background(), fastRetry(3), func(context.Context) (string, error) {
		calls++
		return "", &provider.Failure{Kind: model.ErrorKindBadRequest, StatusCode: 400, Message: "malformed prompt"}
	})
	require.Error(t, err)
	assert.Equal(t, 1, calls, "bad_request is terminal, one attempt only")
}

func TestDoValOpenCircuitNotRetried(t *testing.T) {
	calls := 0
	_, err := DoVal(context.Background(), fastRetry(3), func(context.Context) (string, error) {
		calls++
		return "", ErrCircuitOpen
	})
	require.ErrorIs(t, err, ErrCircuitOpen)
	assert.Equal(t, 1, calls)
}

func TestDoValStopsOnCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	_, err := DoVal(ctx, fastRetry(5), func(context.Context) (string, error) {
		calls++
		cancel()
		return "", serverFailure()
	})
	require.Error(t, err)
	assert.Equal(t, 1, calls, "no retry after the caller cancels")
}

func TestDoValOnRetryAttemptNumbers(t *testing.T) {
	cfg := fastRetry(3)
	var attempts []int
	cfg.OnRetry = func(attempt int, err error) {
		attempts = append(attempts, attempt)
		assert.Error(t, err)
	}

	_, err := DoVal(context.Background(), cfg, func(context.Context) (string, error) {
		return "", serverFailure()
	})
	require.Error(t, err)
	assert.Equal(t, []int{1, 2}, attempts, "no callback after the final attempt")
}

func TestRetryable(t *testing.T) {
	assert.True(t, Retryable(serverFailure()))
	assert.True(t, Retryable(&provider.Failure{Kind: model.ErrorKindRateLimited}))
	assert.True(t, Retryable(errors.New("connection reset")), "unclassified errors are treated as network-level")
	assert.False(t, Retryable(&provider.Failure{Kind: model.ErrorKindAuth}))
	assert.False(t, Retryable(ErrCircuitOpen))
	assert.False(t, Retryable(context.Canceled))
}

func TestWithRetryDefaults(t *testing.T) {
	cfg := withRetryDefaults(RetryConfig{})
	def := DefaultRetryConfig()
	assert.Equal(t, def.MaxAttempts, cfg.MaxAttempts)
	assert.Equal(t, def.InitialBackoff, cfg.InitialBackoff)
	assert.Equal(t, def.MaxBackoff, cfg.MaxBackoff)
	assert.Equal(t, def.Multiplier, cfg.Multiplier)

	// Negative jitter means "explicitly off", not "use the default".
	cfg = withRetryDefaults(RetryConfig{JitterFraction: -1})
	assert.Zero(t, cfg.JitterFraction)
}
