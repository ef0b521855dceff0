package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/rotisserie/eris"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meridianbio/drugintel/internal/model"
)

func newTestSQLiteStore(t *testing.T) *SQLiteStore {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "test.db")
	st, err := NewSQLite(dbPath)
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() }) //nolint:errcheck
	require.NoError(t, st.Migrate(context.Background()))
	return st
}

func createTestRequest(t *testing.T, st *SQLiteStore, total int) *model.DrugRequest {
	t.Helper()
	req, err := st.CreateRequest(context.Background(), "semaglutide", "oral", total)
	require.NoError(t, err)
	return req
}

func TestSQLite_RequestLifecycle(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	req := createTestRequest(t, st, 5)
	assert.Equal(t, model.RequestStatusPending, req.Status)

	require.NoError(t, st.UpdateRequestStatus(ctx, req.ID, model.RequestStatusProcessing))

	got, err := st.GetRequest(ctx, req.ID)
	require.NoError(t, err)
	assert.Equal(t, model.RequestStatusProcessing, got.Status)
	assert.Equal(t, "semaglutide", got.DrugName)
	assert.Equal(t, 5, got.TotalCategories)
	assert.Equal(t, 0, got.CompletedCategories)
}

func TestSQLite_GetRequest_NotFound(t *testing.T) {
	st := newTestSQLiteStore(t)

	_, err := st.GetRequest(context.Background(), "nonexistent")
	require.Error(t, err)
	assert.True(t, eris.Is(err, ErrNotFound))
}

func TestSQLite_TerminalStatusIsSticky(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	req := createTestRequest(t, st, 5)
	require.NoError(t, st.UpdateRequestStatus(ctx, req.ID, model.RequestStatusCompleted))

	// Cancelling a completed request is a no-op, not an error.
	require.NoError(t, st.UpdateRequestStatus(ctx, req.ID, model.RequestStatusCancelled))

	got, err := st.GetRequest(ctx, req.ID)
	require.NoError(t, err)
	assert.Equal(t, model.RequestStatusCompleted, got.Status)
}

func TestSQLite_IncrementCompletedIsBounded(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	req := createTestRequest(t, st, 2)
	require.NoError(t, st.IncrementCompleted(ctx, req.ID))
	require.NoError(t, st.IncrementCompleted(ctx, req.ID))
	// Past the total, the counter stops moving.
	require.NoError(t, st.IncrementCompleted(ctx, req.ID))

	got, err := st.GetRequest(ctx, req.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, got.CompletedCategories)
}

func TestSQLite_ListRequests_FilterByStatus(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	a := createTestRequest(t, st, 1)
	createTestRequest(t, st, 1)
	require.NoError(t, st.UpdateRequestStatus(ctx, a.ID, model.RequestStatusCompleted))

	completed, err := st.ListRequests(ctx, RequestFilter{Status: model.RequestStatusCompleted})
	require.NoError(t, err)
	require.Len(t, completed, 1)
	assert.Equal(t, a.ID, completed[0].ID)

	all, err := st.ListRequests(ctx, RequestFilter{})
	require.NoError(t, err)
	assert.Len(t, all, 2)
}

func TestSQLite_CollectionRecordsRoundTrip(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()
	req := createTestRequest(t, st, 1)

	records := []model.CollectionRecord{
		{
			RequestID:   req.ID,
			CategoryKey: "pharmacokinetics",
			Provider:    "anthropic",
			Temperature: 0.0,
			RawText:     "| Field | Value |",
			StructuredData: []model.TableRow{
				{"field": "half_life", "value": "12h"},
			},
			Success:   true,
			Attempts:  1,
			LatencyMS: 1200,
			Usage:     model.TokenUsage{InputTokens: 100, OutputTokens: 50, CostUSD: 0.003},
		},
		{
			RequestID:    req.ID,
			CategoryKey:  "pharmacokinetics",
			Provider:     "openai",
			Temperature:  0.3,
			Success:      false,
			ErrorKind:    model.ErrorKindServer,
			ErrorMessage: "upstream 503",
			Attempts:     3,
		},
	}
	require.NoError(t, st.AppendCollectionRecords(ctx, records))

	got, err := st.ListCollectionRecords(ctx, req.ID, "pharmacokinetics")
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "anthropic", got[0].Provider)
	assert.Equal(t, "12h", got[0].StructuredData[0]["value"])
	assert.Equal(t, 0.003, got[0].Usage.CostUSD)
	assert.False(t, got[1].Success)
	assert.Equal(t, model.ErrorKindServer, got[1].ErrorKind)
}

func TestSQLite_DuplicateTupleRejected(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()
	req := createTestRequest(t, st, 1)

	rec := model.CollectionRecord{RequestID: req.ID, CategoryKey: "cat", Provider: "anthropic", Temperature: 0.0, Success: true}
	require.NoError(t, st.AppendCollectionRecords(ctx, []model.CollectionRecord{rec}))
	require.Error(t, st.AppendCollectionRecords(ctx, []model.CollectionRecord{rec}))
}

func TestSQLite_ValidationsRoundTrip(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()
	req := createTestRequest(t, st, 1)

	results := []model.SourceValidationResult{
		{RequestID: req.ID, CategoryKey: "cat", Provider: "anthropic", Temperature: 0.0, AuthorityScore: 80, TotalRows: 5, ValidatedRows: 4, ValidationScore: 0.8, Passed: true, PassRatePct: 80},
	}
	require.NoError(t, st.AppendValidations(ctx, results))

	got, err := st.ListValidations(ctx, req.ID, "cat")
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, 0.8, got[0].ValidationScore)
	assert.True(t, got[0].Passed)
}

func TestSQLite_MergedResultRoundTrip(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()
	req := createTestRequest(t, st, 1)

	result := &model.MergedResult{
		RequestID:       req.ID,
		CategoryKey:     "drug_interactions",
		Content:         "# Drug Interactions",
		StructuredData:  map[string]string{"half_life": "12h"},
		Method:          model.MergeConfidenceWeighted,
		SourcesMerged:   2,
		MergeConfidence: 0.8,
		DataQuality:     0.9,
		Overall:         0.85,
		CreatedAt:       time.Now().UTC(),
	}
	require.NoError(t, st.SaveMergedResult(ctx, result))

	got, err := st.GetMergedResult(ctx, req.ID, "drug_interactions")
	require.NoError(t, err)
	assert.Equal(t, result.Content, got.Content)
	assert.Equal(t, result.StructuredData, got.StructuredData)
	assert.Equal(t, result.Method, got.Method)

	_, err = st.GetMergedResult(ctx, req.ID, "unknown_category")
	require.Error(t, err)
	assert.True(t, eris.Is(err, ErrNotFound))

	// One result per (request, category); a re-run uses a fresh request.
	require.Error(t, st.SaveMergedResult(ctx, result))
}

func TestSQLite_StageAuditTrail(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()
	req := createTestRequest(t, st, 1)

	now := time.Now().UTC()
	stages := []model.StageExecution{
		{RequestID: req.ID, CategoryKey: "cat", Stage: model.StageResolve, StageOrder: 1, Executed: true, Output: []byte(`[]`), StartedAt: now, CompletedAt: now},
		{RequestID: req.ID, CategoryKey: "cat", Stage: model.StageCollection, StageOrder: 2, Executed: true, Metadata: map[string]any{"records": float64(3)}, StartedAt: now, CompletedAt: now},
		{RequestID: req.ID, CategoryKey: "cat", Stage: model.StageMerge, StageOrder: 3, Skipped: true, SkipReason: "derived-only category", StartedAt: now, CompletedAt: now},
	}
	for _, e := range stages {
		_, err := st.AppendStage(ctx, e)
		require.NoError(t, err)
	}

	got, err := st.ListStages(ctx, req.ID)
	require.NoError(t, err)
	require.Len(t, got, 3)
	assert.Equal(t, model.StageResolve, got[0].Stage)
	assert.Equal(t, model.StageCollection, got[1].Stage)
	assert.Equal(t, float64(3), got[1].Metadata["records"])
	assert.True(t, got[2].Skipped)
	assert.Equal(t, "derived-only category", got[2].SkipReason)
}

func TestSQLite_DuplicateStageRejected(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()
	req := createTestRequest(t, st, 1)

	now := time.Now().UTC()
	exec := model.StageExecution{RequestID: req.ID, CategoryKey: "cat", Stage: model.StageMerge, StageOrder: 1, Executed: true, StartedAt: now, CompletedAt: now}
	_, err := st.AppendStage(ctx, exec)
	require.NoError(t, err)

	// Same stage again, even at a new order, violates the triple constraint.
	exec.StageOrder = 2
	_, err = st.AppendStage(ctx, exec)
	require.Error(t, err)
	assert.True(t, eris.Is(err, ErrDuplicateStage))

	// A different stage reusing an existing order is also rejected.
	other := model.StageExecution{RequestID: req.ID, CategoryKey: "cat", Stage: model.StageValidation, StageOrder: 1, Executed: true, StartedAt: now, CompletedAt: now}
	_, err = st.AppendStage(ctx, other)
	require.Error(t, err)
	assert.True(t, eris.Is(err, ErrDuplicateStage))
}
