// Package scheduler executes the resolved provider call matrix for a
// category under bounded concurrency, rate limits, and circuit breakers,
// producing exactly one collection record per resolved tuple.
package scheduler

import (
	"context"
	"strconv"
	"sync"
	"time"

	gocache "github.com/patrickmn/go-cache"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"

	"github.com/meridianbio/drugintel/internal/cost"
	"github.com/meridianbio/drugintel/internal/model"
	"github.com/meridianbio/drugintel/internal/provider"
	"github.com/meridianbio/drugintel/internal/resilience"
	"github.com/meridianbio/drugintel/internal/resolver"
)

// Config controls scheduler concurrency, pacing, and timeouts.
type Config struct {
	// GlobalConcurrency caps in-flight provider calls across all
	// categories of a request. Default: 8.
	GlobalConcurrency int `yaml:"global_concurrency" mapstructure:"global_concurrency"`

	// ProviderConcurrency caps in-flight calls per provider. Overridden
	// per provider via ProviderLimits. Default: 3.
	ProviderConcurrency int            `yaml:"provider_concurrency" mapstructure:"provider_concurrency"`
	ProviderLimits      map[string]int `yaml:"provider_limits" mapstructure:"provider_limits"`

	// DefaultRate is requests per second per provider; ProviderRates
	// overrides per provider. Default: 2 rps, burst 2.
	DefaultRate   float64            `yaml:"default_rate" mapstructure:"default_rate"`
	ProviderRates map[string]float64 `yaml:"provider_rates" mapstructure:"provider_rates"`
	RateBurst     int                `yaml:"rate_burst" mapstructure:"rate_burst"`

	// CallTimeout bounds a single provider attempt. Default: 90s.
	CallTimeout time.Duration `yaml:"call_timeout" mapstructure:"call_timeout"`

	// CategoryTimeout bounds the whole call matrix for one category.
	// Calls still pending at expiry are recorded as timeouts and the
	// category proceeds with whatever completed. Default: 5m.
	CategoryTimeout time.Duration `yaml:"category_timeout" mapstructure:"category_timeout"`

	// CacheTTL controls the response cache. Zero disables caching.
	CacheTTL time.Duration `yaml:"cache_ttl" mapstructure:"cache_ttl"`

	// ProviderModels maps provider id to the model id used for cost
	// attribution.
	ProviderModels map[string]string `yaml:"provider_models" mapstructure:"provider_models"`

	Retry   resilience.RetryConfig          `yaml:"-" mapstructure:"-"`
	Breaker resilience.CircuitBreakerConfig `yaml:"-" mapstructure:"-"`
}

// DefaultConfig returns scheduler defaults.
func DefaultConfig() Config {
	return Config{
		GlobalConcurrency:   8,
		ProviderConcurrency: 3,
		DefaultRate:         2,
		RateBurst:           2,
		CallTimeout:         90 * time.Second,
		CategoryTimeout:     5 * time.Minute,
		CacheTTL:            15 * time.Minute,
		Retry:               resilience.DefaultRetryConfig(),
		Breaker:             resilience.DefaultCircuitBreakerConfig(),
	}
}

type cachedResponse struct {
	text string
	rows []model.TableRow
}

// Scheduler fans out resolved calls with bounded concurrency. One instance
// is shared by all requests; per-request state (the budget) is passed in.
type Scheduler struct {
	cfg       Config
	providers *provider.Registry
	calc      *cost.Calculator
	global    *semaphore.Weighted
	breakers  *resilience.ProviderBreakers
	cache     *gocache.Cache

	mu       sync.Mutex
	perProv  map[string]*semaphore.Weighted
	limiters map[string]*rate.Limiter
}

// New creates a Scheduler over the given provider registry.
func New(cfg Config, providers *provider.Registry, calc *cost.Calculator) *Scheduler {
	def := DefaultConfig()
	if cfg.GlobalConcurrency <= 0 {
		cfg.GlobalConcurrency = def.GlobalConcurrency
	}
	if cfg.ProviderConcurrency <= 0 {
		cfg.ProviderConcurrency = def.ProviderConcurrency
	}
	if cfg.DefaultRate <= 0 {
		cfg.DefaultRate = def.DefaultRate
	}
	if cfg.RateBurst <= 0 {
		cfg.RateBurst = def.RateBurst
	}
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = def.CallTimeout
	}
	if cfg.CategoryTimeout <= 0 {
		cfg.CategoryTimeout = def.CategoryTimeout
	}

	s := &Scheduler{
		cfg:       cfg,
		providers: providers,
		calc:      calc,
		global:    semaphore.NewWeighted(int64(cfg.GlobalConcurrency)),
		breakers:  resilience.NewProviderBreakers(cfg.Breaker),
		perProv:   make(map[string]*semaphore.Weighted),
		limiters:  make(map[string]*rate.Limiter),
	}
	if cfg.CacheTTL > 0 {
		s.cache = gocache.New(cfg.CacheTTL, 2*cfg.CacheTTL)
	}
	return s
}

// Healthy reports whether a provider's circuit is accepting calls. The
// resolver uses this to skip providers that are currently tripped.
func (s *Scheduler) Healthy(providerID string) bool {
	return s.breakers.Get(providerID).State() != resilience.CircuitOpen
}

// CircuitStates reports each known provider's circuit state by name, for
// health reporting.
func (s *Scheduler) CircuitStates() map[string]string {
	states := s.breakers.States()
	out := make(map[string]string, len(states))
	for id, st := range states {
		out[id] = st.String()
	}
	return out
}

// Collect executes every resolved call for one category and returns one
// record per call, in call order. It never returns an error: failures are
// encoded on the records themselves.
func (s *Scheduler) Collect(ctx context.Context, requestID, categoryKey string, calls []resolver.ResolvedCall, budget *cost.Budget) []model.CollectionRecord {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.CategoryTimeout)
	defer cancel()

	records := make([]model.CollectionRecord, len(calls))
	var wg sync.WaitGroup
	for i, call := range calls {
		wg.Add(1)
		go func(i int, call resolver.ResolvedCall) {
			defer wg.Done()
			records[i] = s.execute(ctx, requestID, categoryKey, call, budget)
		}(i, call)
	}
	wg.Wait()

	return records
}

func (s *Scheduler) execute(ctx context.Context, requestID, categoryKey string, call resolver.ResolvedCall, budget *cost.Budget) model.CollectionRecord {
	rec := model.CollectionRecord{
		RequestID:   requestID,
		CategoryKey: categoryKey,
		Provider:    call.Provider,
		Temperature: call.Temperature,
	}
	start := time.Now()
	defer func() {
		rec.LatencyMS = time.Since(start).Milliseconds()
	}()

	client := s.providers.Get(call.Provider)
	if client == nil {
		rec.ErrorKind = model.ErrorKindBadRequest
		rec.ErrorMessage = "provider not registered: " + call.Provider
		return rec
	}

	if cached, ok := s.cacheGet(call); ok {
		rec.Success = true
		rec.FromCache = true
		rec.RawText = cached.text
		rec.StructuredData = cached.rows
		return rec
	}

	if !budget.Allows(0) {
		rec.ErrorKind = model.ErrorKindCancelled
		rec.ErrorMessage = "request budget exhausted"
		return rec
	}

	if err := s.global.Acquire(ctx, 1); err != nil {
		return s.fail(rec, err, 0)
	}
	defer s.global.Release(1)

	sem := s.providerSem(call.Provider)
	if err := sem.Acquire(ctx, 1); err != nil {
		return s.fail(rec, err, 0)
	}
	defer sem.Release(1)

	if err := s.limiter(call.Provider).Wait(ctx); err != nil {
		return s.fail(rec, err, 0)
	}

	breaker := s.breakers.Get(call.Provider)
	attempts := 0

	retryCfg := s.cfg.Retry
	retryCfg.OnRetry = resilience.RetryLogger(call.Provider, "collect")

	resp, err := resilience.DoVal(ctx, retryCfg, func(ctx context.Context) (*provider.Response, error) {
		attempts++
		callCtx, cancel := context.WithTimeout(ctx, s.cfg.CallTimeout)
		defer cancel()
		return resilience.ExecuteVal(callCtx, breaker, func(ctx context.Context) (*provider.Response, error) {
			return client.Call(ctx, call.Prompt, call.Temperature)
		})
	})
	if err != nil {
		return s.fail(rec, err, attempts)
	}

	rec.Success = true
	rec.Attempts = attempts
	rec.RawText = resp.Text
	rec.Usage = resp.Usage
	rec.Usage.CostUSD = s.calc.Tokens(call.Provider, s.cfg.ProviderModels[call.Provider], resp.Usage.InputTokens, resp.Usage.OutputTokens)
	budget.Charge(rec.Usage.CostUSD)

	rec.StructuredData = ExtractTables(resp.Text)
	s.cacheSet(call, cachedResponse{text: resp.Text, rows: rec.StructuredData})

	zap.L().Debug("scheduler: call completed",
		zap.String("request_id", requestID),
		zap.String("tuple", rec.Tuple()),
		zap.Int("attempts", attempts),
		zap.Int("rows", len(rec.StructuredData)),
		zap.Int64("latency_ms", time.Since(start).Milliseconds()),
	)
	return rec
}

func (s *Scheduler) fail(rec model.CollectionRecord, err error, attempts int) model.CollectionRecord {
	rec.Success = false
	rec.Attempts = attempts
	rec.ErrorKind = provider.Classify(err)
	rec.ErrorMessage = err.Error()
	zap.L().Warn("scheduler: call failed",
		zap.String("request_id", rec.RequestID),
		zap.String("tuple", rec.Tuple()),
		zap.String("kind", string(rec.ErrorKind)),
		zap.Int("attempts", attempts),
		zap.Error(err),
	)
	return rec
}

func (s *Scheduler) providerSem(id string) *semaphore.Weighted {
	s.mu.Lock()
	defer s.mu.Unlock()
	if sem, ok := s.perProv[id]; ok {
		return sem
	}
	limit := s.cfg.ProviderConcurrency
	if n, ok := s.cfg.ProviderLimits[id]; ok && n > 0 {
		limit = n
	}
	sem := semaphore.NewWeighted(int64(limit))
	s.perProv[id] = sem
	return sem
}

func (s *Scheduler) limiter(id string) *rate.Limiter {
	s.mu.Lock()
	defer s.mu.Unlock()
	if l, ok := s.limiters[id]; ok {
		return l
	}
	rps := s.cfg.DefaultRate
	if r, ok := s.cfg.ProviderRates[id]; ok && r > 0 {
		rps = r
	}
	l := rate.NewLimiter(rate.Limit(rps), s.cfg.RateBurst)
	s.limiters[id] = l
	return l
}

func cacheKey(call resolver.ResolvedCall) string {
	return call.Provider + "\x00" + strconv.FormatFloat(call.Temperature, 'f', -1, 64) + "\x00" + call.Prompt
}

func (s *Scheduler) cacheGet(call resolver.ResolvedCall) (cachedResponse, bool) {
	if s.cache == nil {
		return cachedResponse{}, false
	}
	v, ok := s.cache.Get(cacheKey(call))
	if !ok {
		return cachedResponse{}, false
	}
	return v.(cachedResponse), true
}

func (s *Scheduler) cacheSet(call resolver.ResolvedCall, resp cachedResponse) {
	if s.cache == nil {
		return
	}
	s.cache.Set(cacheKey(call), resp, gocache.DefaultExpiration)
}
