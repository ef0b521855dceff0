package model

// CategoryPhase distinguishes data-collection categories from derived
// scoring categories that consume phase-1 output.
type CategoryPhase int

const (
	PhaseCollection CategoryPhase = 1
	PhaseDerived    CategoryPhase = 2
)

// ProviderBinding names one provider invocation plan within a category:
// which temperatures to sample and which one to use when the provider
// only supports a single temperature.
type ProviderBinding struct {
	Provider            string    `json:"provider" yaml:"provider"`
	Temperatures        []float64 `json:"temperatures" yaml:"temperatures"`
	DefaultTemperature  float64   `json:"default_temperature" yaml:"default_temperature"`
	SupportsTemperature bool      `json:"supports_temperature" yaml:"supports_temperature"`
}

// CategoryConfig is one configured topic of inquiry. Immutable during a run;
// the taxonomy content itself is opaque configuration loaded by the category
// registry.
type CategoryConfig struct {
	Key             string            `json:"key" yaml:"key"`
	DisplayName     string            `json:"display_name" yaml:"display_name"`
	Phase           CategoryPhase     `json:"phase" yaml:"phase"`
	Weight          float64           `json:"weight" yaml:"weight"`
	Enabled         bool              `json:"enabled" yaml:"enabled"`
	PromptTemplate  string            `json:"prompt_template" yaml:"prompt_template"`
	Providers       []ProviderBinding `json:"providers" yaml:"providers"`
	SourcePriority  []string          `json:"source_priority,omitempty" yaml:"source_priority"`
	SectionOrder    []string          `json:"section_order,omitempty" yaml:"section_order"`
	ImportanceHints []string          `json:"importance_hints,omitempty" yaml:"importance_hints"`
}

// ProviderOrder returns provider ids in config order. Used by the merger's
// fallback-first resolution and by content synthesis, which must not depend
// on source arrival order.
func (c CategoryConfig) ProviderOrder() []string {
	order := make([]string, 0, len(c.Providers))
	for _, b := range c.Providers {
		order = append(order, b.Provider)
	}
	return order
}
