// Package resilience guards outbound provider calls: bounded retries with
// exponential backoff for transient failures, and a per-provider circuit
// breaker so a struggling provider is skipped at resolution time instead of
// timing out every category it appears in. Failure classification defers to
// the provider error taxonomy in internal/provider.
package resilience

import (
	"context"
	"sync"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/meridianbio/drugintel/internal/model"
	"github.com/meridianbio/drugintel/internal/provider"
)

// CircuitState is the lifecycle state of one provider's breaker.
type CircuitState int

const (
	// CircuitClosed lets calls through; the provider is healthy.
	CircuitClosed CircuitState = iota
	// CircuitOpen rejects calls without contacting the provider.
	CircuitOpen
	// CircuitHalfOpen lets probe calls through to test recovery.
	CircuitHalfOpen
)

func (s CircuitState) String() string {
	switch s {
	case CircuitClosed:
		return "closed"
	case CircuitOpen:
		return "open"
	case CircuitHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// ErrCircuitOpen is returned when a call is rejected because the provider's
// circuit is open.
var ErrCircuitOpen = eris.New("provider circuit is open")

// CircuitBreakerConfig controls when a provider's circuit trips and recovers.
type CircuitBreakerConfig struct {
	// FailureThreshold is the consecutive-failure count that opens the
	// circuit. Default: 5.
	FailureThreshold int

	// ResetTimeout is how long an open circuit waits before letting a
	// probe call through. Default: 30s.
	ResetTimeout time.Duration

	// HalfOpenProbes is how many consecutive probe successes close the
	// circuit again. Default: 1.
	HalfOpenProbes int

	// ShouldTrip overrides the default failure check. The default counts
	// every failure except a cancelled call: the caller giving up says
	// nothing about the provider's health.
	ShouldTrip func(err error) bool
}

// DefaultCircuitBreakerConfig returns the breaker tuning used for providers.
func DefaultCircuitBreakerConfig() CircuitBreakerConfig {
	return CircuitBreakerConfig{
		FailureThreshold: 5,
		ResetTimeout:     30 * time.Second,
		HalfOpenProbes:   1,
	}
}

func countsAsFailure(err error) bool {
	return provider.Classify(err) != model.ErrorKindCancelled
}

// CircuitBreaker tracks consecutive failures for one provider.
type CircuitBreaker struct {
	providerID string
	cfg        CircuitBreakerConfig

	mu          sync.Mutex
	state       CircuitState
	failures    int
	probeOK     int
	lastFailure time.Time

	now func() time.Time
}

// NewCircuitBreaker creates a breaker for the named provider.
func NewCircuitBreaker(providerID string, cfg CircuitBreakerConfig) *CircuitBreaker {
	def := DefaultCircuitBreakerConfig()
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = def.FailureThreshold
	}
	if cfg.ResetTimeout <= 0 {
		cfg.ResetTimeout = def.ResetTimeout
	}
	if cfg.HalfOpenProbes <= 0 {
		cfg.HalfOpenProbes = def.HalfOpenProbes
	}
	return &CircuitBreaker{
		providerID: providerID,
		cfg:        cfg,
		state:      CircuitClosed,
		now:        time.Now,
	}
}

// ExecuteVal runs fn through the breaker. It returns ErrCircuitOpen without
// calling fn when the circuit is open and the reset timeout has not elapsed;
// otherwise fn's outcome feeds the failure counter.
func ExecuteVal[T any](ctx context.Context, cb *CircuitBreaker, fn func(ctx context.Context) (T, error)) (T, error) {
	var zero T
	if err := cb.allow(); err != nil {
		return zero, err
	}

	val, err := fn(ctx)
	cb.observe(err)
	return val, err
}

// State returns the breaker's current state, reporting half-open once an
// open circuit's reset timeout has elapsed.
func (cb *CircuitBreaker) State() CircuitState {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if cb.state == CircuitOpen && cb.now().Sub(cb.lastFailure) >= cb.cfg.ResetTimeout {
		return CircuitHalfOpen
	}
	return cb.state
}

func (cb *CircuitBreaker) allow() error {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if cb.state != CircuitOpen {
		return nil
	}
	if cb.now().Sub(cb.lastFailure) >= cb.cfg.ResetTimeout {
		cb.transition(CircuitHalfOpen)
		return nil
	}
	return ErrCircuitOpen
}

func (cb *CircuitBreaker) observe(err error) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	shouldTrip := cb.cfg.ShouldTrip
	if shouldTrip == nil {
		shouldTrip = countsAsFailure
	}

	if err == nil || !shouldTrip(err) {
		switch cb.state {
		case CircuitHalfOpen:
			cb.probeOK++
			if cb.probeOK >= cb.cfg.HalfOpenProbes {
				cb.transition(CircuitClosed)
				cb.failures = 0
				cb.probeOK = 0
			}
		case CircuitClosed:
			cb.failures = 0
		}
		return
	}

	cb.failures++
	cb.lastFailure = cb.now()

	switch cb.state {
	case CircuitClosed:
		if cb.failures >= cb.cfg.FailureThreshold {
			cb.transition(CircuitOpen)
		}
	case CircuitHalfOpen:
		// A failed probe reopens immediately.
		cb.transition(CircuitOpen)
		cb.probeOK = 0
	}
}

// transition must be called with cb.mu held.
func (cb *CircuitBreaker) transition(to CircuitState) {
	from := cb.state
	cb.state = to

	log := zap.L().Info
	if to == CircuitOpen {
		log = zap.L().Warn
	}
	log("provider circuit state changed",
		zap.String("provider", cb.providerID),
		zap.Stringer("from", from),
		zap.Stringer("to", to),
		zap.Int("consecutive_failures", cb.failures),
	)
}

// ProviderBreakers holds one circuit breaker per provider id.
type ProviderBreakers struct {
	mu       sync.RWMutex
	breakers map[string]*CircuitBreaker
	cfg      CircuitBreakerConfig
}

// NewProviderBreakers creates an empty per-provider breaker registry.
func NewProviderBreakers(cfg CircuitBreakerConfig) *ProviderBreakers {
	return &ProviderBreakers{
		breakers: make(map[string]*CircuitBreaker),
		cfg:      cfg,
	}
}

// Get returns the breaker for a provider, creating it on first use.
func (pb *ProviderBreakers) Get(providerID string) *CircuitBreaker {
	pb.mu.RLock()
	cb, ok := pb.breakers[providerID]
	pb.mu.RUnlock()
	if ok {
		return cb
	}

	pb.mu.Lock()
	defer pb.mu.Unlock()
	if cb, ok = pb.breakers[providerID]; ok {
		return cb
	}
	cb = NewCircuitBreaker(providerID, pb.cfg)
	pb.breakers[providerID] = cb
	return cb
}

// States snapshots every known provider's circuit state.
func (pb *ProviderBreakers) States() map[string]CircuitState {
	pb.mu.RLock()
	defer pb.mu.RUnlock()
	states := make(map[string]CircuitState, len(pb.breakers))
	for id, cb := range pb.breakers {
		states[id] = cb.State()
	}
	return states
}
