package resilience

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meridianbio/drugintel/internal/model"
	"github.com/meridianbio/drugintel/internal/provider"
)

func failingCall(ctx context.Context) (string, error) {
	return "", &provider.Failure{Kind: model.ErrorKindServer, StatusCode: 502, Message: "bad gateway"}
}

func okCall(ctx context.Context) (string, error) {
	return "ok", nil
}

func testBreaker(threshold int) *CircuitBreaker {
	return NewCircuitBreaker("alpha", CircuitBreakerConfig{
		FailureThreshold: threshold,
		ResetTimeout:     time.Hour,
	})
}

func TestBreakerOpensAtThreshold(t *testing.T) {
	cb := testBreaker(2)
	ctx := context.Background()

	_, err := ExecuteVal(ctx, cb, failingCall)
	require.Error(t, err)
	assert.Equal(t, CircuitClosed, cb.State())

	_, err = ExecuteVal(ctx, cb, failingCall)
	require.Error(t, err)
	assert.Equal(t, CircuitOpen, cb.State())

	// The provider is no longer contacted.
	calls := 0
	_, err = ExecuteVal(ctx, cb, func(context.Context) (string, error) {
		calls++
		return "ok", nil
	})
	require.ErrorIs(t, err, ErrCircuitOpen)
	assert.Zero(t, calls)
}

func TestBreakerSuccessResetsFailureCount(t *testing.T) {
	cb := testBreaker(2)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, _ = ExecuteVal(ctx, cb, failingCall)
		_, err := ExecuteVal(ctx, cb, okCall)
		require.NoError(t, err)
	}
	assert.Equal(t, CircuitClosed, cb.State(), "interleaved successes keep the circuit closed")
}

func TestBreakerHalfOpenAfterResetTimeout(t *testing.T) {
	cb := testBreaker(1)
	ctx := context.Background()

	_, _ = ExecuteVal(ctx, cb, failingCall)
	require.Equal(t, CircuitOpen, cb.State())

	now := time.Now()
	cb.now = func() time.Time { return now.Add(2 * time.Hour) }
	assert.Equal(t, CircuitHalfOpen, cb.State())
}

func TestBreakerProbeSuccessCloses(t *testing.T) {
	cb := testBreaker(1)
	ctx := context.Background()

	_, _ = ExecuteVal(ctx, cb, failingCall)
	now := time.Now()
	cb.now = func() time.Time { return now.Add(2 * time.Hour) }

	val, err := ExecuteVal(ctx, cb, okCall)
	require.NoError(t, err)
	assert.Equal(t, "ok", val)
	assert.Equal(t, CircuitClosed, cb.State())
}

func TestBreakerProbeFailureReopens(t *testing.T) {
	cb := testBreaker(1)
	ctx := context.Background()

	_, _ = ExecuteVal(ctx, cb, failingCall)
	now := time.Now()
	elapsed := 2 * time.Hour
	cb.now = func() time.Time { return now.Add(elapsed) }

	_, err := ExecuteVal(ctx, cb, failingCall)
	require.Error(t, err)

	// The failed probe restarts the open window.
	assert.Equal(t, CircuitOpen, cb.State())
	_, err = ExecuteVal(ctx, cb, okCall)
	require.ErrorIs(t, err, ErrCircuitOpen)
}

func TestBreakerIgnoresCancelledCalls(t *testing.T) {
	cb := testBreaker(1)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, err := ExecuteVal(ctx, cb, func(context.Context) (string, error) {
			return "", context.Canceled
		})
		require.Error(t, err)
	}
	assert.Equal(t, CircuitClosed, cb.State(), "caller cancellation says nothing about provider health")
}

func TestProviderBreakersIsolation(t *testing.T) {
	pb := NewProviderBreakers(CircuitBreakerConfig{FailureThreshold: 1, ResetTimeout: time.Hour})
	ctx := context.Background()

	_, _ = ExecuteVal(ctx, pb.Get("alpha"), failingCall)

	assert.Equal(t, CircuitOpen, pb.Get("alpha").State())
	assert.Equal(t, CircuitClosed, pb.Get("beta").State(), "one provider tripping does not affect another")

	states := pb.States()
	assert.Equal(t, CircuitOpen, states["alpha"])
	assert.Equal(t, CircuitClosed, states["beta"])
}

func TestProviderBreakersSameInstance(t *testing.T) {
	pb := NewProviderBreakers(CircuitBreakerConfig{})
	assert.Same(t, pb.Get("alpha"), pb.Get("alpha"))
}

func TestCircuitStateString(t *testing.T) {
	assert.Equal(t, "closed", CircuitClosed.String())
	assert.Equal(t, "open", CircuitOpen.String())
	assert.Equal(t, "half-open", CircuitHalfOpen.String())
}
