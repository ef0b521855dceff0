package model

import "time"

// Stage names one pipeline stage for a category.
type Stage string

const (
	StageResolve    Stage = "resolve"
	StageCollection Stage = "collection"
	StageValidation Stage = "validation"
	StageMerge      Stage = "merge"
	StageSummarize  Stage = "summarization"
)

// StageExecution is the append-only envelope recording one stage's
// input/output for one category of one request. Duplicate
// (request, category, stage) triples are rejected by the store to
// preserve the original audit trail.
type StageExecution struct {
	ID          string         `json:"id"`
	RequestID   string         `json:"request_id"`
	CategoryKey string         `json:"category_key"`
	Stage       Stage          `json:"stage"`
	StageOrder  int            `json:"stage_order"`
	Executed    bool           `json:"executed"`
	Skipped     bool           `json:"skipped"`
	SkipReason  string         `json:"skip_reason,omitempty"`
	Input       []byte         `json:"input,omitempty"`
	Output      []byte         `json:"output,omitempty"`
	Metadata    map[string]any `json:"metadata,omitempty"`
	DurationMS  int64          `json:"duration_ms"`
	StartedAt   time.Time      `json:"started_at"`
	CompletedAt time.Time      `json:"completed_at"`
}

// ProgressEvent is emitted once per stage transition per category for
// consumption by a surrounding real-time UI.
type ProgressEvent struct {
	RequestID   string    `json:"request_id"`
	CategoryKey string    `json:"category_key"`
	Stage       Stage     `json:"stage"`
	Executed    bool      `json:"executed"`
	Skipped     bool      `json:"skipped"`
	Timestamp   time.Time `json:"timestamp"`
}
