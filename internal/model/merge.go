package model

import "time"

// MergeMethod names the strategy that produced a merged value or result.
type MergeMethod string

const (
	MergeConfidenceWeighted MergeMethod = "confidence_weighted"
	MergeAuthorityWeighted  MergeMethod = "authority_weighted"
	MergeModelAssisted      MergeMethod = "model_assisted"
	MergeFallbackFirst      MergeMethod = "fallback_first_available"
	// MergeFallback marks a degraded category result produced when no
	// source passed validation.
	MergeFallback MergeMethod = "fallback"
	// MergeConsensus marks a clean merge with at least one surviving source.
	MergeConsensus MergeMethod = "consensus"
)

// CompetingValue is one side of a detected disagreement.
type CompetingValue struct {
	Provider string  `json:"provider"`
	Value    string  `json:"value"`
	Weight   float64 `json:"weight"`
}

// ConflictRecord documents one field-level disagreement between sources and
// how it was resolved. Immutable; references only providers that contributed
// a CollectionRecord to the category.
type ConflictRecord struct {
	Field          string           `json:"field"`
	Values         []CompetingValue `json:"values"`
	WinningValue   string           `json:"winning_value"`
	WinningSource  string           `json:"winning_source"`
	Resolution     MergeMethod      `json:"resolution"`
	Rationale      string           `json:"rationale"`
}

// KeyFinding is one of the top-N claims surfaced from a merged category.
type KeyFinding struct {
	Field      string  `json:"field"`
	Value      string  `json:"value"`
	Confidence float64 `json:"confidence"`
	Conflicted bool    `json:"conflicted"`
}

// AuditEntry records one merge-operation decision for replay.
type AuditEntry struct {
	Stage   string    `json:"stage"`
	Detail  string    `json:"detail"`
	At      time.Time `json:"at"`
}

// MergedResult is the single authoritative answer for one category of one
// request. Created once by the merger; a re-run produces a new result.
type MergedResult struct {
	RequestID       string            `json:"request_id"`
	CategoryKey     string            `json:"category_key"`
	Content         string            `json:"content"`
	StructuredData  map[string]string `json:"structured_data,omitempty"`
	Tables          []TableRow        `json:"tables,omitempty"`
	MergeConfidence float64           `json:"merge_confidence_score"`
	DataQuality     float64           `json:"data_quality_score"`
	Overall         float64           `json:"overall_confidence"`
	Method          MergeMethod       `json:"merge_method"`
	SourcesMerged   int               `json:"sources_merged"`
	Conflicts       []ConflictRecord  `json:"conflicts,omitempty"`
	KeyFindings     []KeyFinding      `json:"key_findings,omitempty"`
	AuditLog        []AuditEntry      `json:"audit_log,omitempty"`
	LLMUsage        *TokenUsage       `json:"llm_usage,omitempty"`
	CreatedAt       time.Time         `json:"created_at"`
}
