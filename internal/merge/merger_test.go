package merge

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meridianbio/drugintel/internal/cost"
	"github.com/meridianbio/drugintel/internal/model"
)

func testCategory(providers ...string) model.CategoryConfig {
	bindings := make([]model.ProviderBinding, 0, len(providers))
	for _, p := range providers {
		bindings = append(bindings, model.ProviderBinding{Provider: p, Temperatures: []float64{0.0}, SupportsTemperature: true})
	}
	return model.CategoryConfig{
		Key:         "drug_interactions",
		DisplayName: "Drug Interactions",
		Phase:       model.PhaseCollection,
		Weight:      1.0,
		Enabled:     true,
		Providers:   bindings,
	}
}

func successRecord(provider string, temp float64, rows ...model.TableRow) model.CollectionRecord {
	return model.CollectionRecord{
		RequestID:      "req-1",
		CategoryKey:    "drug_interactions",
		Provider:       provider,
		Temperature:    temp,
		Success:        true,
		StructuredData: rows,
	}
}

func failedRecord(provider string, temp float64) model.CollectionRecord {
	return model.CollectionRecord{
		RequestID:   "req-1",
		CategoryKey: "drug_interactions",
		Provider:    provider,
		Temperature: temp,
		Success:     false,
		ErrorKind:   model.ErrorKindServer,
	}
}

func passedValidation(provider string, temp, score float64, authority int) model.SourceValidationResult {
	return model.SourceValidationResult{
		RequestID:       "req-1",
		CategoryKey:     "drug_interactions",
		Provider:        provider,
		Temperature:     temp,
		AuthorityScore:  authority,
		ValidationScore: score,
		Passed:          true,
	}
}

func halfLifeRow(value string) model.TableRow {
	return model.TableRow{"field": "half_life", "value": value}
}

func TestMergeConfidenceWeightedConflict(t *testing.T) {
	cat := testCategory("anthropic", "gemini")
	records := []model.CollectionRecord{
		successRecord("anthropic", 0.0, halfLifeRow("12h")),
		successRecord("gemini", 0.0, halfLifeRow("14h")),
	}
	validations := []model.SourceValidationResult{
		passedValidation("anthropic", 0.0, 1.0, 80),
		passedValidation("gemini", 0.0, 1.0, 60),
	}

	result, err := New(DefaultConfig(), nil).Merge(context.Background(), cat, records, validations, nil)
	require.NoError(t, err)

	assert.Equal(t, 2, result.SourcesMerged)
	require.Len(t, result.Conflicts, 1)
	conflict := result.Conflicts[0]
	assert.Equal(t, "half_life", conflict.Field)
	assert.Equal(t, model.MergeConfidenceWeighted, conflict.Resolution)
	assert.Equal(t, "anthropic", conflict.WinningSource)
	assert.Equal(t, "12h", conflict.WinningValue)
	assert.Equal(t, "12h", result.StructuredData["half_life"])
	assert.Equal(t, model.MergeConfidenceWeighted, result.Method)
}

func TestMergeAllFailedIsFallback(t *testing.T) {
	cat := testCategory("anthropic", "gemini")
	records := []model.CollectionRecord{
		failedRecord("anthropic", 0.0),
		failedRecord("gemini", 0.0),
	}

	cfg := DefaultConfig()
	result, err := New(cfg, nil).Merge(context.Background(), cat, records, nil, nil)
	require.NoError(t, err)

	assert.Equal(t, model.MergeFallback, result.Method)
	assert.Equal(t, 0, result.SourcesMerged)
	assert.Empty(t, result.Conflicts)
	assert.Equal(t, cfg.QualityFloor, result.DataQuality)
	assert.NotEmpty(t, result.Content, "a degraded result still carries content")
}

func TestMergeFallbackUsesBestUnvalidatedSource(t *testing.T) {
	cat := testCategory("anthropic", "gemini")
	records := []model.CollectionRecord{
		successRecord("gemini", 0.0, halfLifeRow("14h")),
		successRecord("anthropic", 0.0, halfLifeRow("12h")),
	}
	validations := []model.SourceValidationResult{
		{Provider: "gemini", Temperature: 0.0, AuthorityScore: 60, ValidationScore: 0.4, Passed: false},
		{Provider: "anthropic", Temperature: 0.0, AuthorityScore: 80, ValidationScore: 0.5, Passed: false},
	}

	result, err := New(DefaultConfig(), nil).Merge(context.Background(), cat, records, validations, nil)
	require.NoError(t, err)

	assert.Equal(t, model.MergeFallback, result.Method)
	assert.Equal(t, 0, result.SourcesMerged, "unvalidated sources never count as merged")
	assert.Equal(t, "12h", result.StructuredData["half_life"], "highest authority source contributes content")
}

func TestMergeAgreementIsConsensus(t *testing.T) {
	cat := testCategory("anthropic", "openai")
	records := []model.CollectionRecord{
		successRecord("anthropic", 0.0, halfLifeRow("12h")),
		successRecord("openai", 0.0, halfLifeRow("12 H")),
	}
	validations := []model.SourceValidationResult{
		passedValidation("anthropic", 0.0, 1.0, 80),
		passedValidation("openai", 0.0, 1.0, 75),
	}

	result, err := New(DefaultConfig(), nil).Merge(context.Background(), cat, records, validations, nil)
	require.NoError(t, err)

	assert.Equal(t, model.MergeConsensus, result.Method)
	assert.Empty(t, result.Conflicts)
	assert.Equal(t, "12h", result.StructuredData["half_life"])
}

func TestMergeConflictSymmetry(t *testing.T) {
	cat := testCategory("anthropic", "gemini")
	recA := successRecord("anthropic", 0.0, halfLifeRow("12h"))
	recB := successRecord("gemini", 0.0, halfLifeRow("14h"))
	validations := []model.SourceValidationResult{
		passedValidation("anthropic", 0.0, 1.0, 80),
		passedValidation("gemini", 0.0, 1.0, 60),
	}

	m := New(DefaultConfig(), nil)
	forward, err := m.Merge(context.Background(), cat, []model.CollectionRecord{recA, recB}, validations, nil)
	require.NoError(t, err)
	reversed, err := m.Merge(context.Background(), cat, []model.CollectionRecord{recB, recA}, validations, nil)
	require.NoError(t, err)

	assert.Equal(t, forward.Conflicts[0].WinningValue, reversed.Conflicts[0].WinningValue)
	assert.Equal(t, forward.StructuredData, reversed.StructuredData)
	assert.Equal(t, forward.Content, reversed.Content)
}

func TestMergeAuthorityBreaksConfidenceTie(t *testing.T) {
	cat := testCategory("anthropic", "openai")
	records := []model.CollectionRecord{
		successRecord("anthropic", 0.0, halfLifeRow("12h")),
		successRecord("openai", 0.0, halfLifeRow("14h")),
	}
	// Both confidences are 0.6; authority differs.
	validations := []model.SourceValidationResult{
		passedValidation("anthropic", 0.0, 0.8, 75),
		passedValidation("openai", 0.0, 0.75, 80),
	}

	result, err := New(DefaultConfig(), nil).Merge(context.Background(), cat, records, validations, nil)
	require.NoError(t, err)

	require.Len(t, result.Conflicts, 1)
	assert.Equal(t, model.MergeAuthorityWeighted, result.Conflicts[0].Resolution)
	assert.Equal(t, "openai", result.Conflicts[0].WinningSource)
}

func TestMergeFullTieFallsBackToConfigOrder(t *testing.T) {
	cat := testCategory("openai", "anthropic")
	records := []model.CollectionRecord{
		successRecord("anthropic", 0.0, halfLifeRow("12h")),
		successRecord("openai", 0.0, halfLifeRow("14h")),
	}
	validations := []model.SourceValidationResult{
		passedValidation("anthropic", 0.0, 1.0, 80),
		passedValidation("openai", 0.0, 1.0, 80),
	}

	result, err := New(DefaultConfig(), nil).Merge(context.Background(), cat, records, validations, nil)
	require.NoError(t, err)

	require.Len(t, result.Conflicts, 1)
	assert.Equal(t, model.MergeFallbackFirst, result.Conflicts[0].Resolution)
	assert.Equal(t, "openai", result.Conflicts[0].WinningSource, "config order decides full ties")
}

func TestMergeFullTieWithoutConfigOrderIsAlphabetical(t *testing.T) {
	cat := testCategory()
	cat.Providers = nil
	records := []model.CollectionRecord{
		successRecord("openai", 0.0, halfLifeRow("14h")),
		successRecord("anthropic", 0.0, halfLifeRow("12h")),
	}
	validations := []model.SourceValidationResult{
		passedValidation("anthropic", 0.0, 1.0, 80),
		passedValidation("openai", 0.0, 1.0, 80),
	}

	result, err := New(DefaultConfig(), nil).Merge(context.Background(), cat, records, validations, nil)
	require.NoError(t, err)

	require.Len(t, result.Conflicts, 1)
	assert.Equal(t, "anthropic", result.Conflicts[0].WinningSource, "lower provider id wins a bare tie")
}

type stubReconciler struct {
	choice string
	err    error
	calls  int
}

func (r *stubReconciler) Reconcile(ctx context.Context, categoryKey, field string, values []model.CompetingValue) (string, model.TokenUsage, error) {
	r.calls++
	return r.choice, model.TokenUsage{InputTokens: 50, OutputTokens: 5, CostUSD: 0.002}, r.err
}

func fullTieInputs() (model.CategoryConfig, []model.CollectionRecord, []model.SourceValidationResult) {
	cat := testCategory("anthropic", "gemini")
	records := []model.CollectionRecord{
		successRecord("anthropic", 0.0, halfLifeRow("12h")),
		successRecord("gemini", 0.0, halfLifeRow("14h")),
	}
	validations := []model.SourceValidationResult{
		passedValidation("anthropic", 0.0, 1.0, 80),
		passedValidation("gemini", 0.0, 1.0, 80),
	}
	return cat, records, validations
}

func TestMergeModelAssistedResolution(t *testing.T) {
	cat, records, validations := fullTieInputs()
	rec := &stubReconciler{choice: "14h"}
	budget := cost.NewBudget(1.00)

	result, err := New(DefaultConfig(), rec).Merge(context.Background(), cat, records, validations, budget)
	require.NoError(t, err)

	require.Len(t, result.Conflicts, 1)
	assert.Equal(t, model.MergeModelAssisted, result.Conflicts[0].Resolution)
	assert.Equal(t, "gemini", result.Conflicts[0].WinningSource)
	require.NotNil(t, result.LLMUsage)
	assert.Equal(t, 0.002, result.LLMUsage.CostUSD)
	assert.InDelta(t, 0.002, budget.SpentUSD(), 1e-9)
}

func TestMergeModelAssistedFailureFallsThrough(t *testing.T) {
	cat, records, validations := fullTieInputs()
	rec := &stubReconciler{choice: "not one of the values"}

	result, err := New(DefaultConfig(), rec).Merge(context.Background(), cat, records, validations, nil)
	require.NoError(t, err)

	require.Len(t, result.Conflicts, 1)
	assert.Equal(t, model.MergeFallbackFirst, result.Conflicts[0].Resolution)
	assert.Equal(t, "anthropic", result.Conflicts[0].WinningSource)
	assert.Nil(t, result.LLMUsage)
}

func TestMergeModelAssistedSkippedWithoutBudget(t *testing.T) {
	cat, records, validations := fullTieInputs()
	rec := &stubReconciler{choice: "14h"}
	budget := cost.NewBudget(0.001)

	result, err := New(DefaultConfig(), rec).Merge(context.Background(), cat, records, validations, budget)
	require.NoError(t, err)

	assert.Zero(t, rec.calls, "no reconciliation call without budget headroom")
	assert.Equal(t, model.MergeFallbackFirst, result.Conflicts[0].Resolution)
}

func TestMergeContractViolations(t *testing.T) {
	m := New(DefaultConfig(), nil)

	_, err := m.Merge(context.Background(), testCategory("anthropic"), nil, nil, nil)
	var cv *ContractViolationError
	require.ErrorAs(t, err, &cv)

	wrong := successRecord("anthropic", 0.0)
	wrong.CategoryKey = "other_category"
	_, err = m.Merge(context.Background(), testCategory("anthropic"), []model.CollectionRecord{wrong}, nil, nil)
	require.ErrorAs(t, err, &cv)

	// A successful record with no joined validation is a wiring bug.
	_, err = m.Merge(context.Background(), testCategory("anthropic"), []model.CollectionRecord{successRecord("anthropic", 0.0)}, nil, nil)
	require.ErrorAs(t, err, &cv)
}

func TestMergeScores(t *testing.T) {
	cat := testCategory("anthropic", "openai")
	records := []model.CollectionRecord{
		successRecord("anthropic", 0.0,
			halfLifeRow("12h"),
			model.TableRow{"field": "route", "value": "oral"},
		),
		successRecord("openai", 0.0, halfLifeRow("14h")),
	}
	validations := []model.SourceValidationResult{
		passedValidation("anthropic", 0.0, 1.0, 80),
		passedValidation("openai", 0.0, 0.8, 75),
	}

	result, err := New(DefaultConfig(), nil).Merge(context.Background(), cat, records, validations, nil)
	require.NoError(t, err)

	assert.InDelta(t, 0.9, result.DataQuality, 1e-9, "mean of surviving validation scores")
	// Agreement ratio is 1/2: route uncontested, half_life conflicted.
	expectedConfidence := mergeConfidence(0.5, 2, 77.5)
	assert.InDelta(t, expectedConfidence, result.MergeConfidence, 1e-9)
	assert.InDelta(t, (result.DataQuality+result.MergeConfidence)/2, result.Overall, 1e-9)
}

func TestMergeKeyFindings(t *testing.T) {
	cat := testCategory("anthropic")
	cat.ImportanceHints = []string{"half_life"}
	records := []model.CollectionRecord{
		successRecord("anthropic", 0.0,
			model.TableRow{"field": "aaa_minor", "value": "x"},
			halfLifeRow("12h"),
			model.TableRow{"field": "route", "value": "oral"},
		),
	}
	validations := []model.SourceValidationResult{passedValidation("anthropic", 0.0, 1.0, 80)}

	cfg := DefaultConfig()
	cfg.KeyFindings = 2
	result, err := New(cfg, nil).Merge(context.Background(), cat, records, validations, nil)
	require.NoError(t, err)

	require.Len(t, result.KeyFindings, 2)
	assert.Equal(t, "half_life", result.KeyFindings[0].Field, "importance hints rank first")
}

func TestMergeContentSectionOrder(t *testing.T) {
	cat := testCategory("anthropic")
	cat.SectionOrder = []string{"half_life", "route"}
	records := []model.CollectionRecord{
		successRecord("anthropic", 0.0,
			model.TableRow{"field": "route", "value": "oral"},
			halfLifeRow("12h"),
			model.TableRow{"field": "notes", "value": "take with food"},
		),
	}
	validations := []model.SourceValidationResult{passedValidation("anthropic", 0.0, 1.0, 80)}

	result, err := New(DefaultConfig(), nil).Merge(context.Background(), cat, records, validations, nil)
	require.NoError(t, err)

	halfIdx := strings.Index(result.Content, "half_life")
	routeIdx := strings.Index(result.Content, "route: oral")
	notesIdx := strings.Index(result.Content, "notes")
	require.Positive(t, halfIdx)
	assert.Less(t, halfIdx, routeIdx, "section order drives content layout")
	assert.Less(t, routeIdx, notesIdx, "unmatched claims land in the trailing section")
}

func TestDerive(t *testing.T) {
	cat := model.CategoryConfig{Key: "formulation_score", DisplayName: "Formulation Score", Phase: model.PhaseDerived, Weight: 1.0}
	inputs := map[string]*model.MergedResult{
		"pharmacokinetics":  {CategoryKey: "pharmacokinetics", Overall: 0.8, DataQuality: 0.9, MergeConfidence: 0.7},
		"drug_interactions": {CategoryKey: "drug_interactions", Overall: 0.6, DataQuality: 0.8, MergeConfidence: 0.4},
	}
	weights := map[string]float64{"pharmacokinetics": 3.0, "drug_interactions": 1.0}

	result, err := New(DefaultConfig(), nil).Derive(cat, "req-1", inputs, weights)
	require.NoError(t, err)

	assert.Equal(t, 2, result.SourcesMerged)
	assert.Equal(t, "0.750", result.StructuredData["composite_score"])
	assert.Empty(t, result.Conflicts, "phase-1 output is trusted single-source input")
	assert.Contains(t, result.Content, "Composite score: 0.750")
}

func TestDeriveContract(t *testing.T) {
	m := New(DefaultConfig(), nil)
	var cv *ContractViolationError

	_, err := m.Derive(testCategory("anthropic"), "req-1", map[string]*model.MergedResult{"x": {}}, nil)
	require.ErrorAs(t, err, &cv)

	derived := model.CategoryConfig{Key: "formulation_score", Phase: model.PhaseDerived}
	_, err = m.Derive(derived, "req-1", nil, nil)
	require.ErrorAs(t, err, &cv)
}
