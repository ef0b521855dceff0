package cost

import "sync/atomic"

// Budget is a shared spend counter for one request, updated atomically by
// concurrent provider calls. The scheduler owns it for the duration of a
// request; there is no global lock around the pipeline.
type Budget struct {
	limitMicros int64
	spentMicros atomic.Int64
}

// NewBudget creates a budget with the given USD ceiling. A non-positive
// limit means unlimited.
func NewBudget(limitUSD float64) *Budget {
	return &Budget{limitMicros: usdToMicros(limitUSD)}
}

// Charge records spend. It always succeeds; budget enforcement is advisory
// via Allows, since an in-flight call cannot be un-spent.
func (b *Budget) Charge(usd float64) {
	b.spentMicros.Add(usdToMicros(usd))
}

// Allows reports whether a further spend of the given size would stay
// within the ceiling.
func (b *Budget) Allows(usd float64) bool {
	if b == nil || b.limitMicros <= 0 {
		return true
	}
	return b.spentMicros.Load()+usdToMicros(usd) <= b.limitMicros
}

// SpentUSD returns the total recorded spend.
func (b *Budget) SpentUSD() float64 {
	if b == nil {
		return 0
	}
	return float64(b.spentMicros.Load()) / 1e6
}

func usdToMicros(usd float64) int64 {
	return int64(usd * 1e6)
}
