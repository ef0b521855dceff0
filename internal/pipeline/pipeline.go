// Package pipeline orchestrates a drug intelligence request end to end:
// fan out categories, collect provider responses, validate, merge, and
// derive phase-2 scores — recording every stage in the audit trail.
package pipeline

import (
	"context"
	"sync"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/meridianbio/drugintel/internal/category"
	"github.com/meridianbio/drugintel/internal/cost"
	"github.com/meridianbio/drugintel/internal/merge"
	"github.com/meridianbio/drugintel/internal/model"
	"github.com/meridianbio/drugintel/internal/resolver"
	"github.com/meridianbio/drugintel/internal/scheduler"
	"github.com/meridianbio/drugintel/internal/stage"
	"github.com/meridianbio/drugintel/internal/store"
	"github.com/meridianbio/drugintel/internal/validator"
)

// Config controls request-level orchestration.
type Config struct {
	// CategoryConcurrency caps how many categories run simultaneously.
	// Provider-level limits live in the scheduler.
	CategoryConcurrency int `yaml:"category_concurrency" mapstructure:"category_concurrency"`

	// RequestBudgetUSD is the advisory spend ceiling per request.
	// Non-positive means unlimited.
	RequestBudgetUSD float64 `yaml:"request_budget_usd" mapstructure:"request_budget_usd"`
}

// DefaultConfig returns orchestration defaults.
func DefaultConfig() Config {
	return Config{
		CategoryConcurrency: 4,
		RequestBudgetUSD:    0,
	}
}

// Pipeline wires the stage components together for one deployment. Safe for
// concurrent use; per-request state lives on the stack of Run.
type Pipeline struct {
	cfg        Config
	store      store.Store
	categories *category.Registry
	scheduler  *scheduler.Scheduler
	merger     *merge.Merger
	recorder   *stage.Recorder
	validation validator.Config
}

// New assembles a pipeline from its components.
func New(cfg Config, st store.Store, reg *category.Registry, sched *scheduler.Scheduler, merger *merge.Merger, rec *stage.Recorder, vcfg validator.Config) *Pipeline {
	if cfg.CategoryConcurrency <= 0 {
		cfg.CategoryConcurrency = DefaultConfig().CategoryConcurrency
	}
	return &Pipeline{
		cfg:        cfg,
		store:      st,
		categories: reg,
		scheduler:  sched,
		merger:     merger,
		recorder:   rec,
		validation: vcfg,
	}
}

// Submit validates configuration for a request and persists it in pending
// status. Configuration failures (unknown category keys, unrenderable
// prompt templates) reject the request here, before any provider call.
func (p *Pipeline) Submit(ctx context.Context, drugName, deliveryMethod string, categoryKeys []string) (*model.DrugRequest, []model.CategoryConfig, error) {
	cats, err := p.categories.Filter(categoryKeys)
	if err != nil {
		return nil, nil, err
	}
	if len(cats) == 0 {
		return nil, nil, &category.ConfigError{Reason: "no enabled categories to run"}
	}

	// Render every phase-1 template once up front so template failures
	// surface as submission errors, not mid-flight category failures.
	for _, cat := range cats {
		if cat.Phase != model.PhaseCollection {
			continue
		}
		if _, err := resolver.Resolve(cat, drugName, deliveryMethod, nil); err != nil {
			return nil, nil, err
		}
	}

	req, err := p.store.CreateRequest(ctx, drugName, deliveryMethod, len(cats))
	if err != nil {
		return nil, nil, eris.Wrap(err, "pipeline: create request")
	}
	zap.L().Info("pipeline: request submitted",
		zap.String("request_id", req.ID),
		zap.String("drug", drugName),
		zap.Int("categories", len(cats)),
	)
	return req, cats, nil
}

// Run processes a submitted request to a terminal status. Individual
// provider failures never abort the run; they degrade the affected
// category's result instead. Cancellation preserves already-finalized
// category results.
func (p *Pipeline) Run(ctx context.Context, req *model.DrugRequest, cats []model.CategoryConfig) error {
	log := zap.L().With(zap.String("request_id", req.ID), zap.String("drug", req.DrugName))
	log.Info("pipeline: starting request")

	setStatus := func(status model.RequestStatus) {
		// Status writes use a detached context so cancellation can still
		// be recorded after ctx is done.
		if err := p.store.UpdateRequestStatus(context.WithoutCancel(ctx), req.ID, status); err != nil {
			log.Warn("pipeline: failed to update status", zap.Error(err))
		}
	}
	setStatus(model.RequestStatusProcessing)

	budget := cost.NewBudget(p.cfg.RequestBudgetUSD)

	var phase1, phase2 []model.CategoryConfig
	for _, cat := range cats {
		if cat.Phase == model.PhaseDerived {
			phase2 = append(phase2, cat)
		} else {
			phase1 = append(phase1, cat)
		}
	}

	// Phase 1: independent collection categories under a concurrency cap.
	var (
		mu      sync.Mutex
		results = make(map[string]*model.MergedResult, len(phase1))
		failed  int
	)
	var g errgroup.Group
	g.SetLimit(p.cfg.CategoryConcurrency)

	for _, cat := range phase1 {
		g.Go(func() error {
			if ctx.Err() != nil {
				return nil
			}
			result, err := p.runCategory(ctx, req, cat, budget)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case result != nil:
				results[cat.Key] = result
			case err != nil && !eris.Is(err, context.Canceled):
				failed++
			}
			return nil
		})
	}
	_ = g.Wait()

	// Phase 2: derived categories consume the finalized phase-1 results.
	for _, cat := range phase2 {
		if ctx.Err() != nil {
			break
		}
		if err := p.runDerivedCategory(ctx, req, cat, results); err != nil {
			log.Error("pipeline: derived category failed",
				zap.String("category", cat.Key), zap.Error(err))
			failed++
		}
	}

	switch {
	case ctx.Err() != nil:
		setStatus(model.RequestStatusCancelled)
		log.Info("pipeline: request cancelled",
			zap.Int("finalized_categories", len(results)),
			zap.Float64("spent_usd", budget.SpentUSD()),
		)
		return ctx.Err()
	case failed > 0:
		setStatus(model.RequestStatusFailed)
		log.Warn("pipeline: request failed",
			zap.Int("failed_categories", failed),
			zap.Float64("spent_usd", budget.SpentUSD()),
		)
		return eris.Errorf("pipeline: %d of %d categories failed", failed, len(cats))
	default:
		setStatus(model.RequestStatusCompleted)
		log.Info("pipeline: request completed",
			zap.Int("categories", len(cats)),
			zap.Float64("spent_usd", budget.SpentUSD()),
		)
		return nil
	}
}

// runCategory takes one phase-1 category through resolve → collection →
// validation → merge → summarization. It returns the finalized result, or
// (nil, ctx.Err()) when cancelled before finalization, or (nil, err) on an
// infrastructure failure.
func (p *Pipeline) runCategory(ctx context.Context, req *model.DrugRequest, cat model.CategoryConfig, budget *cost.Budget) (*model.MergedResult, error) {
	log := zap.L().With(
		zap.String("request_id", req.ID),
		zap.String("category", cat.Key),
	)

	var calls []resolver.ResolvedCall
	err := p.recorder.Track(ctx, req.ID, cat.Key, model.StageResolve,
		map[string]any{"drug": req.DrugName, "delivery_method": req.DeliveryMethod},
		func(ctx context.Context) (any, map[string]any, error) {
			var resolveErr error
			calls, resolveErr = resolver.Resolve(cat, req.DrugName, req.DeliveryMethod, p.scheduler.Healthy)
			return calls, map[string]any{"calls": len(calls)}, resolveErr
		})
	if err != nil {
		return nil, eris.Wrapf(err, "pipeline: resolve %s", cat.Key)
	}

	if len(calls) == 0 {
		// Every bound provider is tripped. The request still terminates
		// with a degraded result rather than hanging on this category.
		log.Warn("pipeline: no healthy providers for category")
		return p.finalizeDegraded(ctx, req, cat, "no healthy providers")
	}

	var records []model.CollectionRecord
	err = p.recorder.Track(ctx, req.ID, cat.Key, model.StageCollection, calls,
		func(ctx context.Context) (any, map[string]any, error) {
			records = p.scheduler.Collect(ctx, req.ID, cat.Key, calls, budget)
			successes := 0
			for _, rec := range records {
				if rec.Success {
					successes++
				}
			}
			return nil, map[string]any{
				"records":   len(records),
				"successes": successes,
			}, nil
		})
	if err != nil {
		return nil, eris.Wrapf(err, "pipeline: collection %s", cat.Key)
	}
	if err := p.store.AppendCollectionRecords(context.WithoutCancel(ctx), records); err != nil {
		return nil, eris.Wrapf(err, "pipeline: persist collection records %s", cat.Key)
	}
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}

	var validations []model.SourceValidationResult
	err = p.recorder.Track(ctx, req.ID, cat.Key, model.StageValidation, nil,
		func(ctx context.Context) (any, map[string]any, error) {
			passed := 0
			for _, rec := range records {
				if !rec.Success {
					continue
				}
				v := validator.Validate(rec, p.validation)
				if v.Passed {
					passed++
				}
				validations = append(validations, v)
			}
			return validations, map[string]any{
				"validated": len(validations),
				"passed":    passed,
			}, nil
		})
	if err != nil {
		return nil, eris.Wrapf(err, "pipeline: validation %s", cat.Key)
	}
	if len(validations) > 0 {
		if err := p.store.AppendValidations(context.WithoutCancel(ctx), validations); err != nil {
			return nil, eris.Wrapf(err, "pipeline: persist validations %s", cat.Key)
		}
	}
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}

	var result *model.MergedResult
	err = p.recorder.Track(ctx, req.ID, cat.Key, model.StageMerge, nil,
		func(ctx context.Context) (any, map[string]any, error) {
			var mergeErr error
			result, mergeErr = p.merger.Merge(ctx, cat, records, validations, budget)
			if mergeErr != nil {
				return nil, nil, mergeErr
			}
			return result, map[string]any{
				"merge_method":   string(result.Method),
				"sources_merged": result.SourcesMerged,
				"conflicts":      len(result.Conflicts),
			}, nil
		})
	if err != nil {
		return nil, eris.Wrapf(err, "pipeline: merge %s", cat.Key)
	}

	return result, p.finalize(ctx, req, cat, result)
}

// runDerivedCategory computes a phase-2 composite from the phase-1 results.
// Collection and validation are recorded as skipped so the audit trail shows
// the full stage sequence for every category.
func (p *Pipeline) runDerivedCategory(ctx context.Context, req *model.DrugRequest, cat model.CategoryConfig, inputs map[string]*model.MergedResult) error {
	const reason = "derived-only category"
	for _, st := range []model.Stage{model.StageResolve, model.StageCollection, model.StageValidation} {
		if err := p.recorder.Skip(ctx, req.ID, cat.Key, st, reason); err != nil {
			return eris.Wrapf(err, "pipeline: record skip %s", cat.Key)
		}
	}

	weights := make(map[string]float64, len(inputs))
	for key := range inputs {
		if c := p.categories.ByKey(key); c != nil {
			weights[key] = c.Weight
		}
	}

	var result *model.MergedResult
	err := p.recorder.Track(ctx, req.ID, cat.Key, model.StageMerge,
		map[string]any{"inputs": len(inputs)},
		func(ctx context.Context) (any, map[string]any, error) {
			var deriveErr error
			result, deriveErr = p.merger.Derive(cat, req.ID, inputs, weights)
			if deriveErr != nil {
				return nil, nil, deriveErr
			}
			return result, map[string]any{"composite": result.Overall}, nil
		})
	if err != nil {
		return eris.Wrapf(err, "pipeline: derive %s", cat.Key)
	}

	return p.finalize(ctx, req, cat, result)
}

// finalizeDegraded stores the fallback result for a category whose fan-out
// produced zero calls, recording the intervening stages as skipped.
func (p *Pipeline) finalizeDegraded(ctx context.Context, req *model.DrugRequest, cat model.CategoryConfig, reason string) (*model.MergedResult, error) {
	for _, st := range []model.Stage{model.StageCollection, model.StageValidation, model.StageMerge} {
		if err := p.recorder.Skip(ctx, req.ID, cat.Key, st, reason); err != nil {
			return nil, eris.Wrapf(err, "pipeline: record skip %s", cat.Key)
		}
	}
	result := p.merger.Degraded(cat, req.ID, reason)
	return result, p.finalize(ctx, req, cat, result)
}

// finalize persists a category's merged result, records the summarization
// stage, and advances monotonic request progress.
func (p *Pipeline) finalize(ctx context.Context, req *model.DrugRequest, cat model.CategoryConfig, result *model.MergedResult) error {
	// Persistence is not interruptible: a finalized result survives
	// cancellation of the surrounding request.
	saveCtx := context.WithoutCancel(ctx)
	if err := p.store.SaveMergedResult(saveCtx, result); err != nil {
		return eris.Wrapf(err, "pipeline: save merged result %s", cat.Key)
	}

	err := p.recorder.Track(saveCtx, req.ID, cat.Key, model.StageSummarize, nil,
		func(context.Context) (any, map[string]any, error) {
			return map[string]any{
				"key_findings": result.KeyFindings,
				"content_len":  len(result.Content),
			}, map[string]any{"overall_confidence": result.Overall}, nil
		})
	if err != nil {
		return eris.Wrapf(err, "pipeline: summarization %s", cat.Key)
	}

	if err := p.store.IncrementCompleted(saveCtx, req.ID); err != nil {
		return eris.Wrapf(err, "pipeline: increment progress %s", cat.Key)
	}
	return nil
}

// Status returns the externally visible progress summary for a request.
func (p *Pipeline) Status(ctx context.Context, requestID string) (*model.RequestStatusView, error) {
	req, err := p.store.GetRequest(ctx, requestID)
	if err != nil {
		return nil, err
	}
	return &model.RequestStatusView{
		RequestID:           req.ID,
		Status:              req.Status,
		CompletedCategories: req.CompletedCategories,
		TotalCategories:     req.TotalCategories,
	}, nil
}
