package validator

// AuthorityTable maps provider ids to static trust scores (0-100) used as
// conflict-resolution weights. Providers without an entry score Baseline.
type AuthorityTable struct {
	Scores   map[string]int `yaml:"scores" mapstructure:"scores"`
	Baseline int            `yaml:"baseline" mapstructure:"baseline"`
}

// DefaultAuthorityTable returns the built-in provider trust weights.
func DefaultAuthorityTable() AuthorityTable {
	return AuthorityTable{
		Scores: map[string]int{
			"anthropic":  80,
			"openai":     75,
			"perplexity": 70,
			"gemini":     65,
		},
		Baseline: 50,
	}
}

// Score returns the authority score for a provider, clamped to [0, 100].
func (t AuthorityTable) Score(providerID string) int {
	score, ok := t.Scores[providerID]
	if !ok {
		score = t.Baseline
	}
	if score < 0 {
		return 0
	}
	if score > 100 {
		return 100
	}
	return score
}
