package resilience

import (
	"context"
	"errors"
	"math/rand/v2"
	"time"

	"go.uber.org/zap"

	"github.com/meridianbio/drugintel/internal/provider"
)

// RetryConfig controls retry pacing for one provider call.
type RetryConfig struct {
	// MaxAttempts counts the first try; 1 disables retries. Default: 3.
	MaxAttempts int

	// InitialBackoff is the delay before the first retry. Each further
	// retry multiplies it by Multiplier, capped at MaxBackoff.
	// Defaults: 500ms, 2.0, 30s.
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	Multiplier     float64

	// JitterFraction spreads each delay by up to ±fraction so the calls
	// of a category fan-out don't retry in lockstep. Default: 0.25.
	// Negative disables jitter.
	JitterFraction float64

	// ShouldRetry overrides Retryable as the transient check.
	ShouldRetry func(err error) bool

	// OnRetry is invoked with the attempt number before each retry sleep.
	OnRetry func(attempt int, err error)
}

// DefaultRetryConfig returns the retry tuning used for provider calls.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts:    3,
		InitialBackoff: 500 * time.Millisecond,
		MaxBackoff:     30 * time.Second,
		Multiplier:     2.0,
		JitterFraction: 0.25,
	}
}

// Retryable is the default retry predicate. An open-circuit rejection is
// never retried here: the breaker already decided the provider is down, and
// hammering it defeats the point. Everything else follows the provider
// error taxonomy, so a rate limit or upstream 5xx retries while an auth
// failure or malformed prompt fails the call immediately.
func Retryable(err error) bool {
	if errors.Is(err, ErrCircuitOpen) {
		return false
	}
	return provider.IsTransientKind(provider.Classify(err))
}

// DoVal runs fn up to cfg.MaxAttempts times, backing off between attempts.
// Context cancellation stops the loop immediately, during a call and during
// a backoff sleep alike. The value of the first successful call is returned;
// after the last attempt the final error is.
func DoVal[T any](ctx context.Context, cfg RetryConfig, fn func(ctx context.Context) (T, error)) (T, error) {
	cfg = withRetryDefaults(cfg)
	shouldRetry := cfg.ShouldRetry
	if shouldRetry == nil {
		shouldRetry = Retryable
	}

	var zero T
	delay := cfg.InitialBackoff
	for attempt := 1; ; attempt++ {
		val, err := fn(ctx)
		if err == nil {
			return val, nil
		}
		if ctx.Err() != nil || !shouldRetry(err) || attempt >= cfg.MaxAttempts {
			return zero, err
		}

		if cfg.OnRetry != nil {
			cfg.OnRetry(attempt, err)
		}

		timer := time.NewTimer(jittered(delay, cfg.JitterFraction))
		select {
		case <-ctx.Done():
			timer.Stop()
			return zero, err
		case <-timer.C:
		}

		delay = time.Duration(float64(delay) * cfg.Multiplier)
		if delay > cfg.MaxBackoff {
			delay = cfg.MaxBackoff
		}
	}
}

func withRetryDefaults(cfg RetryConfig) RetryConfig {
	def := DefaultRetryConfig()
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = def.MaxAttempts
	}
	if cfg.InitialBackoff <= 0 {
		cfg.InitialBackoff = def.InitialBackoff
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = def.MaxBackoff
	}
	if cfg.Multiplier <= 0 {
		cfg.Multiplier = def.Multiplier
	}
	if cfg.JitterFraction < 0 {
		cfg.JitterFraction = 0
	}
	return cfg
}

func jittered(delay time.Duration, fraction float64) time.Duration {
	if fraction <= 0 {
		return delay
	}
	spread := float64(delay) * fraction
	d := float64(delay) + (rand.Float64()*2-1)*spread
	if d < 0 {
		return 0
	}
	return time.Duration(d)
}

// RetryLogger returns an OnRetry callback that logs each retry of a
// provider operation.
func RetryLogger(providerID, operation string) func(int, error) {
	return func(attempt int, err error) {
		zap.L().Warn("retrying provider call",
			zap.String("provider", providerID),
			zap.String("operation", operation),
			zap.Int("attempt", attempt),
			zap.Error(err),
		)
	}
}
