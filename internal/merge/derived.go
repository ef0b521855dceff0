package merge

import (
	"fmt"
	"sort"
	"time"

	"github.com/meridianbio/drugintel/internal/model"
)

// Derive produces the result of a phase-2 scoring category from already
// finalized phase-1 results. Phase-1 output is treated as reconciled,
// single-trusted-source input: no claim extraction, no conflict detection.
// Weights come from the contributing categories' configured weights.
func (m *Merger) Derive(cat model.CategoryConfig, requestID string, inputs map[string]*model.MergedResult, weights map[string]float64) (*model.MergedResult, error) {
	if cat.Phase != model.PhaseDerived {
		return nil, &ContractViolationError{Reason: fmt.Sprintf("category %q is not a derived category", cat.Key)}
	}
	if len(inputs) == 0 {
		return nil, &ContractViolationError{Reason: fmt.Sprintf("derived category %q given no phase-1 inputs", cat.Key)}
	}

	result := &model.MergedResult{
		RequestID:      requestID,
		CategoryKey:    cat.Key,
		Method:         model.MergeConsensus,
		SourcesMerged:  len(inputs),
		StructuredData: make(map[string]string, len(inputs)+1),
		CreatedAt:      time.Now().UTC(),
	}

	keys := make([]string, 0, len(inputs))
	for k := range inputs {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var weightedSum, weightTotal, qualitySum, confidenceSum float64
	for _, key := range keys {
		in := inputs[key]
		w := weights[key]
		if w <= 0 {
			w = 1.0
		}
		weightedSum += w * in.Overall
		weightTotal += w
		qualitySum += in.DataQuality
		confidenceSum += in.MergeConfidence

		result.StructuredData[key] = fmt.Sprintf("%.3f", in.Overall)
		result.Tables = append(result.Tables, model.TableRow{
			"field": key,
			"value": fmt.Sprintf("%.3f", in.Overall),
		})
		result.AuditLog = append(result.AuditLog, model.AuditEntry{
			Stage:  stateResolving,
			Detail: fmt.Sprintf("input %s contributes overall %.3f at weight %.2f", key, in.Overall, w),
			At:     time.Now().UTC(),
		})
	}

	composite := weightedSum / weightTotal
	result.StructuredData["composite_score"] = fmt.Sprintf("%.3f", composite)
	result.Tables = append(result.Tables, model.TableRow{
		"field": "composite_score",
		"value": fmt.Sprintf("%.3f", composite),
	})

	result.DataQuality = qualitySum / float64(len(inputs))
	result.MergeConfidence = confidenceSum / float64(len(inputs))
	result.Overall = m.overall(result.DataQuality, result.MergeConfidence)

	result.Content = synthesizeDerived(cat, keys, inputs, composite)
	result.KeyFindings = []model.KeyFinding{{
		Field:      "composite_score",
		Value:      fmt.Sprintf("%.3f", composite),
		Confidence: result.MergeConfidence,
	}}
	result.AuditLog = append(result.AuditLog, model.AuditEntry{
		Stage:  stateFinalized,
		Detail: fmt.Sprintf("derived composite %.3f from %d categories", composite, len(inputs)),
		At:     time.Now().UTC(),
	})
	return result, nil
}

func synthesizeDerived(cat model.CategoryConfig, keys []string, inputs map[string]*model.MergedResult, composite float64) string {
	out := fmt.Sprintf("# %s\n\nComposite score: %.3f\n\n## Contributing Categories\n", displayName(cat), composite)
	for _, key := range keys {
		in := inputs[key]
		out += fmt.Sprintf("- %s: overall %.3f (quality %.3f, confidence %.3f, method %s)\n",
			key, in.Overall, in.DataQuality, in.MergeConfidence, in.Method)
	}
	return out
}
