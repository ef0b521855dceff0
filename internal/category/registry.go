// Package category loads and indexes the category taxonomy. The taxonomy
// content is opaque configuration: a key, a prompt template, a weight, an
// enabled flag, and the provider/temperature bindings to invoke.
package category

import (
	_ "embed"
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/rotisserie/eris"
	"gopkg.in/yaml.v3"

	"github.com/meridianbio/drugintel/internal/model"
)

//go:embed categories.yaml
var defaultCategoriesYAML []byte

// ConfigError reports malformed category configuration. It fails a request
// at submission time, before any provider calls are made.
type ConfigError struct {
	Key    string
	Reason string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("category config %q: %s", e.Key, e.Reason)
}

// Registry is an indexed, immutable collection of category configs.
type Registry struct {
	categories []model.CategoryConfig
	byKey      map[string]*model.CategoryConfig
}

type registryFile struct {
	Categories []model.CategoryConfig `yaml:"categories"`
}

// Load parses and validates a category registry from YAML bytes.
func Load(data []byte) (*Registry, error) {
	var file registryFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, eris.Wrap(err, "category: unmarshal registry")
	}
	return New(file.Categories)
}

// LoadFile reads a category registry from the given path, falling back to
// the embedded default taxonomy when path is empty.
func LoadFile(path string) (*Registry, error) {
	if path == "" {
		return Load(defaultCategoriesYAML)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, eris.Wrapf(err, "category: read %s", path)
	}
	return Load(data)
}

// New validates the given configs and builds an indexed registry.
func New(categories []model.CategoryConfig) (*Registry, error) {
	r := &Registry{
		categories: categories,
		byKey:      make(map[string]*model.CategoryConfig, len(categories)),
	}
	for i := range r.categories {
		c := &r.categories[i]
		if err := validate(c); err != nil {
			return nil, err
		}
		if _, dup := r.byKey[c.Key]; dup {
			return nil, &ConfigError{Key: c.Key, Reason: "duplicate key"}
		}
		r.byKey[c.Key] = c
	}
	return r, nil
}

func validate(c *model.CategoryConfig) error {
	if c.Key == "" {
		return &ConfigError{Key: c.Key, Reason: "key is required"}
	}
	if c.Phase == 0 {
		c.Phase = model.PhaseCollection
	}
	if c.Phase != model.PhaseCollection && c.Phase != model.PhaseDerived {
		return &ConfigError{Key: c.Key, Reason: fmt.Sprintf("invalid phase %d", c.Phase)}
	}
	if c.Weight == 0 {
		c.Weight = 1.0
	}
	if c.Phase == model.PhaseCollection {
		if strings.TrimSpace(c.PromptTemplate) == "" {
			return &ConfigError{Key: c.Key, Reason: "prompt_template is required"}
		}
		if len(c.Providers) == 0 {
			return &ConfigError{Key: c.Key, Reason: "at least one provider binding is required"}
		}
	}
	for i := range c.Providers {
		b := &c.Providers[i]
		if b.Provider == "" {
			return &ConfigError{Key: c.Key, Reason: "provider binding with empty provider id"}
		}
		if len(b.Temperatures) == 0 {
			b.Temperatures = []float64{b.DefaultTemperature}
		}
		sort.Float64s(b.Temperatures)
		if !containsTemp(b.Temperatures, b.DefaultTemperature) {
			b.DefaultTemperature = b.Temperatures[0]
		}
	}
	return nil
}

func containsTemp(temps []float64, t float64) bool {
	for _, v := range temps {
		if v == t {
			return true
		}
	}
	return false
}

// Enabled returns enabled categories in registry order.
func (r *Registry) Enabled() []model.CategoryConfig {
	out := make([]model.CategoryConfig, 0, len(r.categories))
	for _, c := range r.categories {
		if c.Enabled {
			out = append(out, c)
		}
	}
	return out
}

// All returns every category in registry order.
func (r *Registry) All() []model.CategoryConfig {
	return append([]model.CategoryConfig(nil), r.categories...)
}

// ByKey returns the category for the given key, or nil if not found.
func (r *Registry) ByKey(key string) *model.CategoryConfig {
	return r.byKey[key]
}

// Filter returns the enabled categories matching the given keys; an empty
// filter returns all enabled categories. Unknown keys produce a ConfigError
// so a typo fails fast at submission time.
func (r *Registry) Filter(keys []string) ([]model.CategoryConfig, error) {
	if len(keys) == 0 {
		return r.Enabled(), nil
	}
	out := make([]model.CategoryConfig, 0, len(keys))
	for _, k := range keys {
		c := r.byKey[k]
		if c == nil {
			return nil, &ConfigError{Key: k, Reason: "unknown category"}
		}
		if c.Enabled {
			out = append(out, *c)
		}
	}
	return out, nil
}
