package model

// SourceValidationResult is a per-CollectionRecord quality judgment.
// One-to-one with a successful record; never mutated after creation.
type SourceValidationResult struct {
	RequestID       string  `json:"request_id"`
	CategoryKey     string  `json:"category_key"`
	Provider        string  `json:"provider"`
	Temperature     float64 `json:"temperature"`
	AuthorityScore  int     `json:"authority_score"`
	TotalRows       int     `json:"total_rows"`
	ValidatedRows   int     `json:"validated_rows"`
	ValidationScore float64 `json:"validation_score"`
	Passed          bool    `json:"passed"`
	PassRatePct     float64 `json:"pass_rate_pct"`
}

// Confidence derives the per-source conflict-resolution weight:
// validation score scaled by provider authority.
func (v SourceValidationResult) Confidence() float64 {
	return v.ValidationScore * float64(v.AuthorityScore) / 100.0
}
