package main

import (
	"context"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/meridianbio/drugintel/internal/category"
	"github.com/meridianbio/drugintel/internal/cost"
	"github.com/meridianbio/drugintel/internal/merge"
	"github.com/meridianbio/drugintel/internal/pipeline"
	"github.com/meridianbio/drugintel/internal/provider"
	"github.com/meridianbio/drugintel/internal/scheduler"
	"github.com/meridianbio/drugintel/internal/stage"
	"github.com/meridianbio/drugintel/internal/store"
	anthropicpkg "github.com/meridianbio/drugintel/pkg/anthropic"
	"github.com/meridianbio/drugintel/pkg/perplexity"
)

// pipelineEnv holds the initialized store, provider registry, and pipeline
// shared by the run/serve commands.
type pipelineEnv struct {
	Store      store.Store
	Categories *category.Registry
	Providers  *provider.Registry
	Scheduler  *scheduler.Scheduler
	Recorder   *stage.Recorder
	Pipeline   *pipeline.Pipeline
}

// Close releases resources held by the pipeline environment.
func (pe *pipelineEnv) Close() {
	if pe.Store != nil {
		_ = pe.Store.Close()
	}
}

// initStore opens the configured database backend.
func initStore(ctx context.Context) (store.Store, error) {
	switch cfg.Store.Driver {
	case "postgres":
		return store.NewPostgres(ctx, cfg.Store.DatabaseURL, nil)
	case "sqlite":
		return store.NewSQLite(cfg.Store.Path)
	default:
		return nil, eris.Errorf("unsupported store driver %q", cfg.Store.Driver)
	}
}

// initPipeline validates config, opens the store, registers the configured
// provider adapters, and assembles the pipeline. Callers should defer
// env.Close().
func initPipeline(ctx context.Context, mode string) (*pipelineEnv, error) {
	if err := cfg.Validate(mode); err != nil {
		return nil, err
	}

	st, err := initStore(ctx)
	if err != nil {
		return nil, err
	}
	if err := st.Migrate(ctx); err != nil {
		_ = st.Close()
		return nil, eris.Wrap(err, "migrate store")
	}

	registry, err := category.LoadFile(cfg.Categories.Path)
	if err != nil {
		_ = st.Close()
		return nil, err
	}

	providers := provider.NewRegistry()
	if cfg.Anthropic.Key != "" {
		providers.Register(provider.NewAnthropicAdapter(
			anthropicpkg.NewClient(cfg.Anthropic.Key), cfg.Anthropic.Model, cfg.Anthropic.MaxTokens))
	}
	if cfg.OpenAI.Key != "" {
		providers.Register(provider.NewOpenAIAdapter(cfg.OpenAI.Key, cfg.OpenAI.Model, cfg.OpenAI.MaxTokens))
	}
	if cfg.Gemini.Key != "" {
		gem, gemErr := provider.NewGeminiAdapter(ctx, cfg.Gemini.Key, cfg.Gemini.Model)
		if gemErr != nil {
			_ = st.Close()
			return nil, gemErr
		}
		providers.Register(gem)
	}
	if cfg.Perplexity.Key != "" {
		providers.Register(provider.NewPerplexityAdapter(
			perplexity.NewClient(cfg.Perplexity.Key,
				perplexity.WithBaseURL(cfg.Perplexity.BaseURL),
				perplexity.WithModel(cfg.Perplexity.Model)),
			cfg.Perplexity.Model))
	}
	zap.L().Info("providers registered", zap.Strings("ids", providers.IDs()))

	sched := scheduler.New(cfg.Scheduler, providers, cost.NewCalculator(cfg.Pricing))

	var reconciler merge.Reconciler
	if cfg.Merge.ReconcilerProvider != "" {
		client := providers.Get(cfg.Merge.ReconcilerProvider)
		if client == nil {
			zap.L().Warn("reconciler provider has no registered client, model-assisted resolution disabled",
				zap.String("provider", cfg.Merge.ReconcilerProvider))
		} else {
			reconciler = merge.NewProviderReconciler(client)
		}
	}

	recorder := stage.NewRecorder(st)
	p := pipeline.New(cfg.Pipeline, st, registry, sched,
		merge.New(cfg.Merge.Config, reconciler), recorder, cfg.Validator)

	return &pipelineEnv{
		Store:      st,
		Categories: registry,
		Providers:  providers,
		Scheduler:  sched,
		Recorder:   recorder,
		Pipeline:   p,
	}, nil
}
