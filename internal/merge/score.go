package merge

import "math"

// mergeConfidence blends agreement ratio, surviving source count, and mean
// provider authority into one confidence score in [0, 1]. Agreement
// dominates; source count saturates at three sources.
func mergeConfidence(agreementRatio float64, sources int, meanAuthority float64) float64 {
	if sources <= 0 {
		return 0
	}
	sourceFactor := math.Min(1, float64(sources)/3.0)
	score := 0.6*agreementRatio + 0.2*sourceFactor + 0.2*(meanAuthority/100.0)
	return clamp01(score)
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
