// Package resolver expands a category configuration and drug name into the
// concrete, ordered list of provider calls the scheduler will execute.
package resolver

import (
	"fmt"
	"sort"
	"strings"

	"github.com/meridianbio/drugintel/internal/model"
)

const (
	placeholderDrug     = "{{drug}}"
	placeholderDelivery = "{{delivery_method}}"

	// defaultDeliveryContext substitutes for {{delivery_method}} when the
	// request carries no delivery context.
	defaultDeliveryContext = "any delivery method"
)

// TemplateError reports a prompt template that cannot be rendered. It is a
// configuration failure surfaced at submission time, before any provider
// call is made.
type TemplateError struct {
	CategoryKey string
	Placeholder string
}

func (e *TemplateError) Error() string {
	return fmt.Sprintf("category %q: prompt template missing required placeholder %s", e.CategoryKey, e.Placeholder)
}

// ResolvedCall is one concrete provider invocation: provider, temperature,
// and fully rendered prompt.
type ResolvedCall struct {
	Provider    string  `json:"provider"`
	Temperature float64 `json:"temperature"`
	Prompt      string  `json:"prompt"`
}

// HealthPredicate reports whether a provider is currently usable. The
// scheduler supplies one backed by its circuit breakers; tests supply stubs.
type HealthPredicate func(providerID string) bool

// Resolve expands one category into its ordered call list. Output ordering
// is stable: providers in config order, temperatures ascending. A provider
// that does not support temperature sampling collapses to a single call at
// its configured default temperature.
func Resolve(cfg model.CategoryConfig, drugName, deliveryContext string, healthy HealthPredicate) ([]ResolvedCall, error) {
	drugName = strings.TrimSpace(drugName)
	if drugName == "" {
		return nil, &TemplateError{CategoryKey: cfg.Key, Placeholder: placeholderDrug}
	}
	if !strings.Contains(cfg.PromptTemplate, placeholderDrug) {
		return nil, &TemplateError{CategoryKey: cfg.Key, Placeholder: placeholderDrug}
	}

	if deliveryContext == "" {
		deliveryContext = defaultDeliveryContext
	}
	prompt := strings.ReplaceAll(cfg.PromptTemplate, placeholderDrug, drugName)
	prompt = strings.ReplaceAll(prompt, placeholderDelivery, deliveryContext)

	var calls []ResolvedCall
	for _, binding := range cfg.Providers {
		if healthy != nil && !healthy(binding.Provider) {
			continue
		}
		temps := append([]float64(nil), binding.Temperatures...)
		sort.Float64s(temps)
		if !binding.SupportsTemperature {
			// One call at the configured default, never an arbitrary pick.
			temps = []float64{binding.DefaultTemperature}
		}
		for _, t := range temps {
			calls = append(calls, ResolvedCall{
				Provider:    binding.Provider,
				Temperature: t,
				Prompt:      prompt,
			})
		}
	}
	return calls, nil
}
