package merge

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/meridianbio/drugintel/internal/cost"
	"github.com/meridianbio/drugintel/internal/model"
)

// Merge states, recorded on the audit log in transition order.
const (
	stateCollecting         = "collecting"
	stateValidating         = "validating"
	stateDetectingConflicts = "detecting_conflicts"
	stateResolving          = "resolving"
	stateFinalized          = "finalized"
)

// ContractViolationError marks a programming error in how the merger was
// invoked. Business-data problems (disagreement, empty tables, failed
// sources) never produce one; they are encoded on the result instead.
type ContractViolationError struct {
	Reason string
}

func (e *ContractViolationError) Error() string {
	return "merge contract violation: " + e.Reason
}

// Reconciler is the model-assisted resolution step: given a disputed field
// and its competing values, it returns the chosen value verbatim.
type Reconciler interface {
	Reconcile(ctx context.Context, categoryKey, field string, values []model.CompetingValue) (string, model.TokenUsage, error)
}

// Config controls conflict detection and scoring.
type Config struct {
	// NumericTolerance is the relative tolerance under which two numeric
	// values with the same unit are considered to agree.
	NumericTolerance float64 `yaml:"numeric_tolerance" mapstructure:"numeric_tolerance"`

	// QualityFloor is the data quality score assigned to a fully degraded
	// result with no usable sources.
	QualityFloor float64 `yaml:"quality_floor" mapstructure:"quality_floor"`

	// QualityWeight and ConfidenceWeight blend data quality and merge
	// confidence into the overall score. They are normalized at use.
	QualityWeight    float64 `yaml:"quality_weight" mapstructure:"quality_weight"`
	ConfidenceWeight float64 `yaml:"confidence_weight" mapstructure:"confidence_weight"`

	// KeyFindings is the number of top claims surfaced per category.
	KeyFindings int `yaml:"key_findings" mapstructure:"key_findings"`

	// ReconcileCostEstimate is the budget headroom required before a
	// model-assisted resolution call is attempted.
	ReconcileCostEstimate float64 `yaml:"reconcile_cost_estimate" mapstructure:"reconcile_cost_estimate"`
}

// DefaultConfig returns merge defaults.
func DefaultConfig() Config {
	return Config{
		NumericTolerance:      0.05,
		QualityFloor:          0.1,
		QualityWeight:         0.5,
		ConfidenceWeight:      0.5,
		KeyFindings:           5,
		ReconcileCostEstimate: 0.01,
	}
}

// Merger reconciles one category's sources. Stateless across calls; safe
// for concurrent use.
type Merger struct {
	cfg        Config
	reconciler Reconciler
}

// New creates a Merger. A nil reconciler disables model-assisted resolution;
// the ladder then terminates at fallback-first-available.
func New(cfg Config, reconciler Reconciler) *Merger {
	def := DefaultConfig()
	if cfg.NumericTolerance <= 0 {
		cfg.NumericTolerance = def.NumericTolerance
	}
	if cfg.QualityFloor <= 0 {
		cfg.QualityFloor = def.QualityFloor
	}
	if cfg.QualityWeight <= 0 && cfg.ConfidenceWeight <= 0 {
		cfg.QualityWeight = def.QualityWeight
		cfg.ConfidenceWeight = def.ConfidenceWeight
	}
	if cfg.KeyFindings <= 0 {
		cfg.KeyFindings = def.KeyFindings
	}
	if cfg.ReconcileCostEstimate <= 0 {
		cfg.ReconcileCostEstimate = def.ReconcileCostEstimate
	}
	return &Merger{cfg: cfg, reconciler: reconciler}
}

type source struct {
	rec model.CollectionRecord
	val model.SourceValidationResult
}

type resolvedClaim struct {
	Claim
	conflicted bool
	method     model.MergeMethod
}

// Merge produces exactly one MergedResult for a category's settled records.
// It returns an error only for contract violations; every data condition,
// including zero usable sources, yields a result.
func (m *Merger) Merge(ctx context.Context, cat model.CategoryConfig, records []model.CollectionRecord, validations []model.SourceValidationResult, budget *cost.Budget) (*model.MergedResult, error) {
	if cat.Key == "" {
		return nil, &ContractViolationError{Reason: "category config has no key"}
	}
	if len(records) == 0 {
		return nil, &ContractViolationError{Reason: fmt.Sprintf("no collection records for category %q", cat.Key)}
	}
	for _, rec := range records {
		if rec.CategoryKey != cat.Key {
			return nil, &ContractViolationError{Reason: fmt.Sprintf("record for category %q given to merger for %q", rec.CategoryKey, cat.Key)}
		}
	}

	result := &model.MergedResult{
		RequestID:   records[0].RequestID,
		CategoryKey: cat.Key,
		CreatedAt:   time.Now().UTC(),
	}
	audit := func(stage, format string, args ...any) {
		result.AuditLog = append(result.AuditLog, model.AuditEntry{
			Stage:  stage,
			Detail: fmt.Sprintf(format, args...),
			At:     time.Now().UTC(),
		})
	}
	audit(stateCollecting, "%d records settled, %d successful", len(records), countSuccessful(records))

	valByTuple := make(map[string]model.SourceValidationResult, len(validations))
	for _, v := range validations {
		valByTuple[tupleKey(v.Provider, v.Temperature)] = v
	}

	var surviving []source
	for _, rec := range records {
		if !rec.Success {
			continue
		}
		val, ok := valByTuple[tupleKey(rec.Provider, rec.Temperature)]
		if !ok {
			return nil, &ContractViolationError{Reason: fmt.Sprintf("successful record %s has no validation result", rec.Tuple())}
		}
		if val.Passed {
			surviving = append(surviving, source{rec: rec, val: val})
		}
	}
	audit(stateValidating, "%d of %d successful sources passed validation", len(surviving), countSuccessful(records))

	if len(surviving) == 0 {
		m.finalizeFallback(result, cat, records, valByTuple, audit)
		return result, nil
	}

	claims := collectClaims(surviving)
	byField := groupByField(claims)
	fields := sortedFields(byField)

	var resolved []resolvedClaim
	var conflictFields []string
	for _, field := range fields {
		group := byField[field]
		if m.agrees(group) {
			resolved = append(resolved, resolvedClaim{Claim: bestClaim(group), method: model.MergeConsensus})
			continue
		}
		conflictFields = append(conflictFields, field)
	}
	audit(stateDetectingConflicts, "%d fields claimed, %d conflicts", len(fields), len(conflictFields))

	method := model.MergeConsensus
	for _, field := range conflictFields {
		conflict, winner, usage := m.resolve(ctx, cat, field, byField[field], budget)
		result.Conflicts = append(result.Conflicts, conflict)
		resolved = append(resolved, resolvedClaim{Claim: winner, conflicted: true, method: conflict.Resolution})
		if usage != nil {
			if result.LLMUsage == nil {
				result.LLMUsage = &model.TokenUsage{}
			}
			result.LLMUsage.Add(*usage)
		}
		method = deeperMethod(method, conflict.Resolution)
		audit(stateResolving, "field %q resolved via %s in favor of %s", field, conflict.Resolution, conflict.WinningSource)
	}

	sort.Slice(resolved, func(i, j int) bool { return resolved[i].Field < resolved[j].Field })

	result.Method = method
	result.SourcesMerged = len(surviving)
	result.StructuredData = make(map[string]string, len(resolved))
	result.Tables = make([]model.TableRow, 0, len(resolved))
	for _, rc := range resolved {
		result.StructuredData[rc.Field] = rc.Value
		result.Tables = append(result.Tables, model.TableRow{"field": rc.Field, "value": rc.Value})
	}
	result.Content = synthesize(cat, resolved)
	result.KeyFindings = m.keyFindings(cat, resolved)

	result.DataQuality = meanValidation(surviving)
	agreement := 1.0
	if len(fields) > 0 {
		agreement = float64(len(fields)-len(conflictFields)) / float64(len(fields))
	}
	result.MergeConfidence = mergeConfidence(agreement, len(surviving), meanAuthority(surviving))
	result.Overall = m.overall(result.DataQuality, result.MergeConfidence)

	audit(stateFinalized, "method=%s sources=%d overall=%.2f", result.Method, result.SourcesMerged, result.Overall)
	zap.L().Info("merge: category finalized",
		zap.String("request_id", result.RequestID),
		zap.String("category", cat.Key),
		zap.String("method", string(result.Method)),
		zap.Int("sources_merged", result.SourcesMerged),
		zap.Int("conflicts", len(result.Conflicts)),
		zap.Float64("overall", result.Overall),
	)
	return result, nil
}

// Degraded produces the fallback result for a category whose fan-out
// resolved to zero calls (every provider unhealthy or disabled). The
// pipeline still terminates with output; quality sits at the floor.
func (m *Merger) Degraded(cat model.CategoryConfig, requestID, reason string) *model.MergedResult {
	result := &model.MergedResult{
		RequestID:       requestID,
		CategoryKey:     cat.Key,
		Method:          model.MergeFallback,
		SourcesMerged:   0,
		DataQuality:     m.cfg.QualityFloor,
		MergeConfidence: 0,
		Overall:         m.overall(m.cfg.QualityFloor, 0),
		Content:         fmt.Sprintf("No provider calls could be scheduled for %s: %s.", displayName(cat), reason),
		CreatedAt:       time.Now().UTC(),
	}
	result.AuditLog = append(result.AuditLog, model.AuditEntry{
		Stage:  stateFinalized,
		Detail: "degraded: " + reason,
		At:     time.Now().UTC(),
	})
	return result
}

// finalizeFallback produces the degraded result when no source passed
// validation: sources_merged stays zero and the method is fallback. The
// single highest-authority successful record, if any, still contributes
// content so the category is never empty-handed.
func (m *Merger) finalizeFallback(result *model.MergedResult, cat model.CategoryConfig, records []model.CollectionRecord, valByTuple map[string]model.SourceValidationResult, audit func(string, string, ...any)) {
	result.Method = model.MergeFallback
	result.SourcesMerged = 0
	result.DataQuality = m.cfg.QualityFloor
	result.MergeConfidence = 0
	result.Overall = m.overall(result.DataQuality, 0)

	var best *source
	for _, rec := range records {
		if !rec.Success {
			continue
		}
		val := valByTuple[tupleKey(rec.Provider, rec.Temperature)]
		if best == nil || val.AuthorityScore > best.val.AuthorityScore {
			s := source{rec: rec, val: val}
			best = &s
		}
	}

	if best == nil {
		result.Content = fmt.Sprintf("No provider responses were collected for %s; the category is reported without findings.", displayName(cat))
		audit(stateFinalized, "fallback: no successful sources")
		return
	}

	claims := extractClaims(best.rec, best.val.Confidence(), best.val.AuthorityScore)
	resolved := make([]resolvedClaim, 0, len(claims))
	result.StructuredData = make(map[string]string, len(claims))
	for _, c := range claims {
		resolved = append(resolved, resolvedClaim{Claim: c, method: model.MergeFallback})
		result.StructuredData[c.Field] = c.Value
		result.Tables = append(result.Tables, model.TableRow{"field": c.Field, "value": c.Value})
	}
	sort.Slice(resolved, func(i, j int) bool { return resolved[i].Field < resolved[j].Field })
	result.Content = synthesize(cat, resolved)
	result.KeyFindings = m.keyFindings(cat, resolved)
	if best.val.ValidationScore > result.DataQuality {
		result.DataQuality = best.val.ValidationScore
		result.Overall = m.overall(result.DataQuality, 0)
	}
	audit(stateFinalized, "fallback: using unvalidated source %s (authority %d)", best.rec.Provider, best.val.AuthorityScore)
}

// agrees reports whether every claim in the group asserts the same value
// within the configured numeric tolerance.
func (m *Merger) agrees(group []Claim) bool {
	for i := 1; i < len(group); i++ {
		if !valuesAgree(group[0].Value, group[i].Value, m.cfg.NumericTolerance) {
			return false
		}
	}
	return true
}

// resolve applies the resolution ladder to one conflicted field. The
// returned winner is deterministic for a fixed input set regardless of the
// order sources completed in.
func (m *Merger) resolve(ctx context.Context, cat model.CategoryConfig, field string, group []Claim, budget *cost.Budget) (model.ConflictRecord, Claim, *model.TokenUsage) {
	candidates := append([]Claim(nil), group...)
	sort.Slice(candidates, func(i, j int) bool { return candidates[i].Provider < candidates[j].Provider })

	values := make([]model.CompetingValue, 0, len(candidates))
	for _, c := range candidates {
		values = append(values, model.CompetingValue{Provider: c.Provider, Value: c.Value, Weight: c.Confidence})
	}
	conflict := model.ConflictRecord{Field: field, Values: values}

	finish := func(winner Claim, method model.MergeMethod, rationale string, usage *model.TokenUsage) (model.ConflictRecord, Claim, *model.TokenUsage) {
		conflict.WinningValue = winner.Value
		conflict.WinningSource = winner.Provider
		conflict.Resolution = method
		conflict.Rationale = rationale
		return conflict, winner, usage
	}

	// Confidence-weighted: a strict maximum wins outright.
	tied := topByConfidence(candidates)
	if len(tied) == 1 {
		return finish(tied[0], model.MergeConfidenceWeighted,
			fmt.Sprintf("highest source confidence %.3f", tied[0].Confidence), nil)
	}

	// Authority-weighted among the confidence-tied candidates.
	byAuthority := topByAuthority(tied)
	if len(byAuthority) == 1 {
		return finish(byAuthority[0], model.MergeAuthorityWeighted,
			fmt.Sprintf("confidence tied; highest provider authority %d", byAuthority[0].Authority), nil)
	}

	// Model-assisted, when configured and the budget has headroom.
	if m.reconciler != nil && budget.Allows(m.cfg.ReconcileCostEstimate) {
		choice, usage, err := m.reconciler.Reconcile(ctx, cat.Key, field, values)
		if err == nil {
			for _, c := range candidates {
				if normalizeValue(c.Value) == normalizeValue(choice) {
					budget.Charge(usage.CostUSD)
					return finish(c, model.MergeModelAssisted, "reconciliation model selected this value", &usage)
				}
			}
			err = fmt.Errorf("reconciler chose %q, which matches no competing value", choice)
		}
		zap.L().Warn("merge: model-assisted resolution failed, falling through",
			zap.String("category", cat.Key),
			zap.String("field", field),
			zap.Error(err),
		)
	}

	// Guaranteed terminator: first source in provider configuration order,
	// lexicographically lower provider id when config order does not decide.
	winner := firstByConfigOrder(candidates, cat.ProviderOrder())
	return finish(winner, model.MergeFallbackFirst, "tied on confidence and authority; first source in provider configuration order", nil)
}

func topByConfidence(candidates []Claim) []Claim {
	best := candidates[0].Confidence
	for _, c := range candidates[1:] {
		if c.Confidence > best {
			best = c.Confidence
		}
	}
	var tied []Claim
	for _, c := range candidates {
		if c.Confidence == best {
			tied = append(tied, c)
		}
	}
	return tied
}

func topByAuthority(candidates []Claim) []Claim {
	best := candidates[0].Authority
	for _, c := range candidates[1:] {
		if c.Authority > best {
			best = c.Authority
		}
	}
	var tied []Claim
	for _, c := range candidates {
		if c.Authority == best {
			tied = append(tied, c)
		}
	}
	return tied
}

func firstByConfigOrder(candidates []Claim, order []string) Claim {
	rank := make(map[string]int, len(order))
	for i, p := range order {
		rank[p] = i
	}
	pos := func(p string) int {
		if r, ok := rank[p]; ok {
			return r
		}
		return len(order)
	}
	winner := candidates[0]
	for _, c := range candidates[1:] {
		if pos(c.Provider) < pos(winner.Provider) ||
			(pos(c.Provider) == pos(winner.Provider) && c.Provider < winner.Provider) {
			winner = c
		}
	}
	return winner
}

// collectClaims extracts claims from every surviving source, collapsing a
// provider's multi-temperature records so each provider asserts each field
// at most once (lowest temperature wins, matching resolver call order).
func collectClaims(surviving []source) []Claim {
	type key struct{ provider, field string }
	seen := make(map[key]bool)
	var claims []Claim
	for _, s := range surviving {
		for _, c := range extractClaims(s.rec, s.val.Confidence(), s.val.AuthorityScore) {
			k := key{provider: c.Provider, field: c.Field}
			if seen[k] {
				continue
			}
			seen[k] = true
			claims = append(claims, c)
		}
	}
	return claims
}

func groupByField(claims []Claim) map[string][]Claim {
	byField := make(map[string][]Claim)
	for _, c := range claims {
		byField[c.Field] = append(byField[c.Field], c)
	}
	return byField
}

func sortedFields(byField map[string][]Claim) []string {
	fields := make([]string, 0, len(byField))
	for f := range byField {
		fields = append(fields, f)
	}
	sort.Strings(fields)
	return fields
}

// bestClaim picks the representative claim for an agreed field: highest
// confidence, then lower provider id.
func bestClaim(group []Claim) Claim {
	best := group[0]
	for _, c := range group[1:] {
		if c.Confidence > best.Confidence ||
			(c.Confidence == best.Confidence && c.Provider < best.Provider) {
			best = c
		}
	}
	return best
}

var ladderDepth = map[model.MergeMethod]int{
	model.MergeConsensus:          0,
	model.MergeConfidenceWeighted: 1,
	model.MergeAuthorityWeighted:  2,
	model.MergeModelAssisted:      3,
	model.MergeFallbackFirst:      4,
}

// deeperMethod keeps the weakest-guarantee method used across a category's
// conflicts as the result-level merge method.
func deeperMethod(a, b model.MergeMethod) model.MergeMethod {
	if ladderDepth[b] > ladderDepth[a] {
		return b
	}
	return a
}

func (m *Merger) overall(quality, confidence float64) float64 {
	total := m.cfg.QualityWeight + m.cfg.ConfidenceWeight
	if total <= 0 {
		return clamp01((quality + confidence) / 2)
	}
	return clamp01((m.cfg.QualityWeight*quality + m.cfg.ConfidenceWeight*confidence) / total)
}

func (m *Merger) keyFindings(cat model.CategoryConfig, resolved []resolvedClaim) []model.KeyFinding {
	type scored struct {
		finding model.KeyFinding
		score   float64
	}
	hints := make([]string, 0, len(cat.ImportanceHints))
	for _, h := range cat.ImportanceHints {
		hints = append(hints, normalizeField(h))
	}

	items := make([]scored, 0, len(resolved))
	for _, rc := range resolved {
		score := rc.Confidence
		if !rc.conflicted {
			score += 0.25
		}
		for _, h := range hints {
			if h != "" && strings.Contains(rc.Field, h) {
				score += 0.5
				break
			}
		}
		items = append(items, scored{
			finding: model.KeyFinding{
				Field:      rc.Field,
				Value:      rc.Value,
				Confidence: rc.Confidence,
				Conflicted: rc.conflicted,
			},
			score: score,
		})
	}

	sort.Slice(items, func(i, j int) bool {
		if items[i].score != items[j].score {
			return items[i].score > items[j].score
		}
		return items[i].finding.Field < items[j].finding.Field
	})

	n := m.cfg.KeyFindings
	if n > len(items) {
		n = len(items)
	}
	findings := make([]model.KeyFinding, 0, n)
	for _, it := range items[:n] {
		findings = append(findings, it.finding)
	}
	return findings
}

// synthesize assembles the merged textual content in category section
// order. Output depends only on the resolved claim set and the config,
// never on source arrival order.
func synthesize(cat model.CategoryConfig, resolved []resolvedClaim) string {
	var b strings.Builder
	fmt.Fprintf(&b, "# %s\n", displayName(cat))

	remaining := append([]resolvedClaim(nil), resolved...)
	sort.Slice(remaining, func(i, j int) bool { return remaining[i].Field < remaining[j].Field })

	writeSection := func(title string, claims []resolvedClaim) {
		if len(claims) == 0 {
			return
		}
		fmt.Fprintf(&b, "\n## %s\n", title)
		for _, rc := range claims {
			fmt.Fprintf(&b, "- %s: %s\n", rc.Field, rc.Value)
		}
	}

	for _, section := range cat.SectionOrder {
		token := normalizeField(section)
		var matched, rest []resolvedClaim
		for _, rc := range remaining {
			if token != "" && (strings.Contains(rc.Field, token) || strings.Contains(token, rc.Field)) {
				matched = append(matched, rc)
			} else {
				rest = append(rest, rc)
			}
		}
		writeSection(sectionTitle(section), matched)
		remaining = rest
	}

	if len(cat.SectionOrder) == 0 {
		writeSection("Findings", remaining)
	} else {
		writeSection("Additional Findings", remaining)
	}

	return b.String()
}

func sectionTitle(section string) string {
	words := strings.FieldsFunc(section, func(r rune) bool { return r == '_' || r == ' ' || r == '-' })
	for i, w := range words {
		if w == "" {
			continue
		}
		words[i] = strings.ToUpper(w[:1]) + w[1:]
	}
	return strings.Join(words, " ")
}

func displayName(cat model.CategoryConfig) string {
	if cat.DisplayName != "" {
		return cat.DisplayName
	}
	return sectionTitle(cat.Key)
}

func countSuccessful(records []model.CollectionRecord) int {
	n := 0
	for _, rec := range records {
		if rec.Success {
			n++
		}
	}
	return n
}

func meanValidation(surviving []source) float64 {
	if len(surviving) == 0 {
		return 0
	}
	sum := 0.0
	for _, s := range surviving {
		sum += s.val.ValidationScore
	}
	return sum / float64(len(surviving))
}

func meanAuthority(surviving []source) float64 {
	if len(surviving) == 0 {
		return 0
	}
	sum := 0.0
	for _, s := range surviving {
		sum += float64(s.val.AuthorityScore)
	}
	return sum / float64(len(surviving))
}

func tupleKey(provider string, temperature float64) string {
	return fmt.Sprintf("%s/%g", provider, temperature)
}
