// Package store persists requests, collection records, validation results,
// merged results, and the stage audit trail.
package store

import (
	"context"

	"github.com/rotisserie/eris"

	"github.com/meridianbio/drugintel/internal/model"
)

// ErrNotFound is returned when a requested entity does not exist.
var ErrNotFound = eris.New("not found")

// ErrDuplicateStage is returned when a (request, category, stage) triple or
// stage order is recorded twice. The audit trail is append-only; a re-run
// uses a fresh request instead of superseding records.
var ErrDuplicateStage = eris.New("duplicate stage execution")

// RequestFilter specifies criteria for listing requests.
type RequestFilter struct {
	Status model.RequestStatus `json:"status,omitempty"`
	Limit  int                 `json:"limit,omitempty"`
	Offset int                 `json:"offset,omitempty"`
}

// Store defines the persistence interface for the intelligence pipeline.
type Store interface {
	// Requests
	CreateRequest(ctx context.Context, drugName, deliveryMethod string, totalCategories int) (*model.DrugRequest, error)
	UpdateRequestStatus(ctx context.Context, requestID string, status model.RequestStatus) error
	IncrementCompleted(ctx context.Context, requestID string) error
	GetRequest(ctx context.Context, requestID string) (*model.DrugRequest, error)
	ListRequests(ctx context.Context, filter RequestFilter) ([]model.DrugRequest, error)

	// Collection and validation, append-only per (request, category)
	AppendCollectionRecords(ctx context.Context, records []model.CollectionRecord) error
	ListCollectionRecords(ctx context.Context, requestID, categoryKey string) ([]model.CollectionRecord, error)
	AppendValidations(ctx context.Context, results []model.SourceValidationResult) error
	ListValidations(ctx context.Context, requestID, categoryKey string) ([]model.SourceValidationResult, error)

	// Merged results, one per (request, category)
	SaveMergedResult(ctx context.Context, result *model.MergedResult) error
	GetMergedResult(ctx context.Context, requestID, categoryKey string) (*model.MergedResult, error)
	ListMergedResults(ctx context.Context, requestID string) ([]model.MergedResult, error)

	// Stage audit trail
	AppendStage(ctx context.Context, exec model.StageExecution) (*model.StageExecution, error)
	ListStages(ctx context.Context, requestID string) ([]model.StageExecution, error)

	// Lifecycle
	Migrate(ctx context.Context) error
	Close() error
}
