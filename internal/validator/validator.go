// Package validator converts a collection record's extracted tables into a
// per-source quality judgment used to weight the merge.
package validator

import (
	"fmt"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"github.com/meridianbio/drugintel/internal/model"
)

// Config controls row-level validity checks and score thresholds.
type Config struct {
	// RequiredFields must be present and non-empty in a row for it to
	// count as validated. Matched case-insensitively against row keys.
	RequiredFields []string `yaml:"required_fields" mapstructure:"required_fields"`

	// NumericFields must parse as numbers when present.
	NumericFields []string `yaml:"numeric_fields" mapstructure:"numeric_fields"`

	// Ranges constrains numeric fields to [min, max] when configured.
	Ranges map[string][2]float64 `yaml:"ranges" mapstructure:"ranges"`

	// NoTableScore is the validation score assigned when a record yielded
	// no structured rows: unstructured, but not necessarily wrong.
	NoTableScore float64 `yaml:"no_table_score" mapstructure:"no_table_score"`

	// PassThreshold is the minimum validation score to pass.
	PassThreshold float64 `yaml:"pass_threshold" mapstructure:"pass_threshold"`

	Authority AuthorityTable `yaml:"authority" mapstructure:"authority"`
}

// DefaultConfig returns validation defaults.
func DefaultConfig() Config {
	return Config{
		RequiredFields: []string{"field", "value"},
		NoTableScore:   0.5,
		PassThreshold:  0.6,
		Authority:      DefaultAuthorityTable(),
	}
}

// Validate scores one collection record. The record itself is never
// mutated; the result is a separate, joined record.
func Validate(rec model.CollectionRecord, cfg Config) model.SourceValidationResult {
	result := model.SourceValidationResult{
		RequestID:      rec.RequestID,
		CategoryKey:    rec.CategoryKey,
		Provider:       rec.Provider,
		Temperature:    rec.Temperature,
		AuthorityScore: cfg.Authority.Score(rec.Provider),
		TotalRows:      len(rec.StructuredData),
	}

	if result.TotalRows == 0 {
		result.ValidationScore = cfg.NoTableScore
	} else {
		for _, row := range rec.StructuredData {
			if rowValid(row, cfg) {
				result.ValidatedRows++
			}
		}
		result.ValidationScore = float64(result.ValidatedRows) / float64(result.TotalRows)
	}

	result.Passed = result.ValidationScore >= cfg.PassThreshold
	result.PassRatePct = result.ValidationScore * 100

	zap.L().Debug("validator: source scored",
		zap.String("category", rec.CategoryKey),
		zap.String("provider", rec.Provider),
		zap.Int("total_rows", result.TotalRows),
		zap.Int("validated_rows", result.ValidatedRows),
		zap.Float64("score", result.ValidationScore),
		zap.Bool("passed", result.Passed),
	)

	return result
}

func rowValid(row model.TableRow, cfg Config) bool {
	lower := make(map[string]any, len(row))
	for k, v := range row {
		lower[strings.ToLower(strings.TrimSpace(k))] = v
	}

	for _, req := range cfg.RequiredFields {
		v, ok := lower[strings.ToLower(req)]
		if !ok || strings.TrimSpace(fmt.Sprintf("%v", v)) == "" {
			return false
		}
	}

	for _, nf := range cfg.NumericFields {
		v, ok := lower[strings.ToLower(nf)]
		if !ok {
			continue
		}
		n, ok := parseNumeric(v)
		if !ok {
			return false
		}
		if bounds, has := cfg.Ranges[nf]; has {
			if n < bounds[0] || n > bounds[1] {
				return false
			}
		}
	}

	return true
}

func parseNumeric(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case string:
		cleaned := strings.TrimSpace(n)
		cleaned = strings.ReplaceAll(cleaned, ",", "")
		// Tolerate trailing units like "12h" or "85%".
		cleaned = strings.TrimRightFunc(cleaned, func(r rune) bool {
			return (r < '0' || r > '9') && r != '.' && r != '-'
		})
		if cleaned == "" {
			return 0, false
		}
		f, err := strconv.ParseFloat(cleaned, 64)
		if err != nil {
			return 0, false
		}
		return f, true
	default:
		return 0, false
	}
}
