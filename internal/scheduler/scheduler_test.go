package scheduler

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meridianbio/drugintel/internal/cost"
	"github.com/meridianbio/drugintel/internal/model"
	"github.com/meridianbio/drugintel/internal/provider"
	"github.com/meridianbio/drugintel/internal/resilience"
	"github.com/meridianbio/drugintel/internal/resolver"
)

type stubClient struct {
	id    string
	calls atomic.Int32
	fn    func(call int32) (*provider.Response, error)
}

func (c *stubClient) ID() string { return c.id }

func (c *stubClient) Call(ctx context.Context, prompt string, temperature float64) (*provider.Response, error) {
	n := c.calls.Add(1)
	if c.fn != nil {
		return c.fn(n)
	}
	return &provider.Response{
		Text:  "| Field | Value |\n|---|---|\n| route | oral |",
		Usage: model.TokenUsage{InputTokens: 100, OutputTokens: 50},
	}, nil
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.DefaultRate = 1000
	cfg.RateBurst = 100
	cfg.CacheTTL = 0
	cfg.Retry = resilience.RetryConfig{
		MaxAttempts:    3,
		InitialBackoff: time.Millisecond,
		MaxBackoff:     5 * time.Millisecond,
	}
	return cfg
}

func newTestScheduler(cfg Config, clients ...provider.Client) *Scheduler {
	reg := provider.NewRegistry()
	for _, c := range clients {
		reg.Register(c)
	}
	return New(cfg, reg, cost.NewCalculator(cost.DefaultRates()))
}

func TestCollectOneRecordPerCall(t *testing.T) {
	good := &stubClient{id: "anthropic"}
	bad := &stubClient{id: "openai", fn: func(int32) (*provider.Response, error) {
		return nil, &provider.Failure{Kind: model.ErrorKindBadRequest, StatusCode: 400, Message: "bad prompt"}
	}}
	s := newTestScheduler(testConfig(), good, bad)

	calls := []resolver.ResolvedCall{
		{Provider: "anthropic", Temperature: 0.0, Prompt: "p"},
		{Provider: "anthropic", Temperature: 0.4, Prompt: "p"},
		{Provider: "openai", Temperature: 0.0, Prompt: "p"},
	}
	records := s.Collect(context.Background(), "req-1", "pharmacokinetics", calls, nil)

	require.Len(t, records, 3)
	for i, rec := range records {
		assert.Equal(t, "req-1", rec.RequestID)
		assert.Equal(t, "pharmacokinetics", rec.CategoryKey)
		assert.Equal(t, calls[i].Provider, rec.Provider)
		assert.Equal(t, calls[i].Temperature, rec.Temperature)
	}

	assert.True(t, records[0].Success)
	assert.Len(t, records[0].StructuredData, 1)
	assert.True(t, records[1].Success)

	assert.False(t, records[2].Success)
	assert.Equal(t, model.ErrorKindBadRequest, records[2].ErrorKind)
	assert.Equal(t, int32(1), bad.calls.Load(), "bad_request is permanent, no retries")
}

func TestCollectUnregisteredProvider(t *testing.T) {
	s := newTestScheduler(testConfig())

	records := s.Collect(context.Background(), "req-1", "cat", []resolver.ResolvedCall{
		{Provider: "nope", Temperature: 0.0, Prompt: "p"},
	}, nil)

	require.Len(t, records, 1)
	assert.False(t, records[0].Success)
	assert.Equal(t, model.ErrorKindBadRequest, records[0].ErrorKind)
	assert.Contains(t, records[0].ErrorMessage, "not registered")
}

func TestCollectRetriesTransient(t *testing.T) {
	flaky := &stubClient{id: "anthropic", fn: func(n int32) (*provider.Response, error) {
		if n < 3 {
			return nil, &provider.Failure{Kind: model.ErrorKindServer, StatusCode: 503, Message: "overloaded"}
		}
		return &provider.Response{Text: "ok", Usage: model.TokenUsage{InputTokens: 10, OutputTokens: 5}}, nil
	}}
	s := newTestScheduler(testConfig(), flaky)

	records := s.Collect(context.Background(), "req-1", "cat", []resolver.ResolvedCall{
		{Provider: "anthropic", Temperature: 0.0, Prompt: "p"},
	}, nil)

	require.Len(t, records, 1)
	assert.True(t, records[0].Success)
	assert.Equal(t, 3, records[0].Attempts)
}

func TestCollectExhaustedRetriesRecordsFailure(t *testing.T) {
	down := &stubClient{id: "anthropic", fn: func(int32) (*provider.Response, error) {
		return nil, &provider.Failure{Kind: model.ErrorKindServer, StatusCode: 500, Message: "down"}
	}}
	s := newTestScheduler(testConfig(), down)

	records := s.Collect(context.Background(), "req-1", "cat", []resolver.ResolvedCall{
		{Provider: "anthropic", Temperature: 0.0, Prompt: "p"},
	}, nil)

	require.Len(t, records, 1)
	assert.False(t, records[0].Success)
	assert.Equal(t, model.ErrorKindServer, records[0].ErrorKind)
	assert.Equal(t, 3, records[0].Attempts)
}

func TestCollectCacheHit(t *testing.T) {
	cfg := testConfig()
	cfg.CacheTTL = time.Minute
	client := &stubClient{id: "anthropic"}
	s := newTestScheduler(cfg, client)

	call := []resolver.ResolvedCall{{Provider: "anthropic", Temperature: 0.2, Prompt: "same prompt"}}

	first := s.Collect(context.Background(), "req-1", "cat", call, nil)
	second := s.Collect(context.Background(), "req-2", "cat", call, nil)

	require.True(t, first[0].Success)
	assert.False(t, first[0].FromCache)

	require.True(t, second[0].Success)
	assert.True(t, second[0].FromCache)
	assert.Equal(t, first[0].RawText, second[0].RawText)
	assert.Equal(t, int32(1), client.calls.Load())
	assert.Zero(t, second[0].Usage.CostUSD, "cache hits are free")
}

func TestCollectBudgetExhausted(t *testing.T) {
	client := &stubClient{id: "anthropic"}
	s := newTestScheduler(testConfig(), client)

	budget := cost.NewBudget(0.01)
	budget.Charge(0.02)

	records := s.Collect(context.Background(), "req-1", "cat", []resolver.ResolvedCall{
		{Provider: "anthropic", Temperature: 0.0, Prompt: "p"},
	}, budget)

	require.Len(t, records, 1)
	assert.False(t, records[0].Success)
	assert.Equal(t, model.ErrorKindCancelled, records[0].ErrorKind)
	assert.Contains(t, records[0].ErrorMessage, "budget")
	assert.Zero(t, client.calls.Load())
}

func TestCollectChargesBudget(t *testing.T) {
	cfg := testConfig()
	cfg.ProviderModels = map[string]string{"anthropic": "claude-haiku-4-5-20251001"}
	client := &stubClient{id: "anthropic"}
	s := newTestScheduler(cfg, client)

	budget := cost.NewBudget(1.00)
	records := s.Collect(context.Background(), "req-1", "cat", []resolver.ResolvedCall{
		{Provider: "anthropic", Temperature: 0.0, Prompt: "p"},
	}, budget)

	require.True(t, records[0].Success)
	assert.Greater(t, records[0].Usage.CostUSD, 0.0)
	assert.InDelta(t, records[0].Usage.CostUSD, budget.SpentUSD(), 1e-9)
}

func TestCollectCancelledContext(t *testing.T) {
	client := &stubClient{id: "anthropic"}
	s := newTestScheduler(testConfig(), client)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	records := s.Collect(ctx, "req-1", "cat", []resolver.ResolvedCall{
		{Provider: "anthropic", Temperature: 0.0, Prompt: "p"},
	}, nil)

	require.Len(t, records, 1)
	assert.False(t, records[0].Success)
	assert.Equal(t, model.ErrorKindCancelled, records[0].ErrorKind)
}

func TestHealthyTracksBreaker(t *testing.T) {
	cfg := testConfig()
	cfg.Breaker = resilience.CircuitBreakerConfig{FailureThreshold: 2, ResetTimeout: time.Hour}
	cfg.Retry.MaxAttempts = 1
	down := &stubClient{id: "anthropic", fn: func(int32) (*provider.Response, error) {
		return nil, &provider.Failure{Kind: model.ErrorKindServer, StatusCode: 500, Message: "down"}
	}}
	s := newTestScheduler(cfg, down)

	assert.True(t, s.Healthy("anthropic"))

	calls := []resolver.ResolvedCall{{Provider: "anthropic", Temperature: 0.0, Prompt: "p"}}
	s.Collect(context.Background(), "req-1", "cat", calls, nil)
	s.Collect(context.Background(), "req-1", "cat", calls, nil)

	assert.False(t, s.Healthy("anthropic"))
}
