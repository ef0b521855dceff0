// Package merge reconciles the validated sources of one category into a
// single result, detecting and resolving field-level disagreements.
package merge

import (
	"fmt"
	"math"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"golang.org/x/text/cases"

	"github.com/meridianbio/drugintel/internal/model"
)

// Claim is one normalized (field, value) assertion made by one source.
type Claim struct {
	Field      string
	Value      string
	Provider   string
	Confidence float64
	Authority  int
}

var keyValueLineRe = regexp.MustCompile(`^\s*[-*]?\s*\*{0,2}([A-Za-z][A-Za-z0-9 _/()-]{1,60}?)\*{0,2}\s*:\s+(.+)$`)

// extractClaims pulls claims from a record's structured rows and raw text.
// Rows shaped as field/value pairs map directly; other rows contribute one
// claim per column. Raw text contributes "Key: value" lines outside tables.
// The first claim per field wins within a single source.
func extractClaims(rec model.CollectionRecord, confidence float64, authority int) []Claim {
	var claims []Claim
	seen := make(map[string]bool)

	add := func(field, value string) {
		field = normalizeField(field)
		value = strings.TrimSpace(value)
		if field == "" || value == "" || len(value) > 200 || seen[field] {
			return
		}
		seen[field] = true
		claims = append(claims, Claim{
			Field:      field,
			Value:      value,
			Provider:   rec.Provider,
			Confidence: confidence,
			Authority:  authority,
		})
	}

	for _, row := range rec.StructuredData {
		if field, value, ok := fieldValuePair(row); ok {
			add(field, value)
			continue
		}
		keys := make([]string, 0, len(row))
		for k := range row {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			add(k, stringify(row[k]))
		}
	}

	for _, line := range strings.Split(rec.RawText, "\n") {
		if strings.HasPrefix(strings.TrimSpace(line), "|") {
			continue
		}
		if m := keyValueLineRe.FindStringSubmatch(line); m != nil {
			add(m[1], m[2])
		}
	}

	return claims
}

func fieldValuePair(row model.TableRow) (string, string, bool) {
	var field, value string
	var hasField, hasValue bool
	for k, v := range row {
		switch strings.ToLower(strings.TrimSpace(k)) {
		case "field":
			field, hasField = stringify(v), true
		case "value":
			value, hasValue = stringify(v), true
		}
	}
	return field, value, hasField && hasValue
}

func stringify(v any) string {
	switch s := v.(type) {
	case string:
		return s
	case float64:
		return strconv.FormatFloat(s, 'f', -1, 64)
	case nil:
		return ""
	default:
		return fmt.Sprintf("%v", s)
	}
}

func normalizeField(field string) string {
	field = cases.Fold().String(strings.TrimSpace(field))
	field = strings.Join(strings.Fields(field), "_")
	return strings.Trim(field, "_*")
}

// normalizeValue folds case and collapses whitespace for comparison.
func normalizeValue(value string) string {
	return strings.Join(strings.Fields(cases.Fold().String(value)), " ")
}

// splitNumeric parses a value as a number with an optional unit suffix
// ("12h" -> 12, "h"; "1,200 mg" -> 1200, "mg").
func splitNumeric(value string) (float64, string, bool) {
	s := strings.TrimSpace(strings.ReplaceAll(value, ",", ""))
	i := 0
	for i < len(s) && (s[i] == '-' || s[i] == '.' || (s[i] >= '0' && s[i] <= '9')) {
		i++
	}
	if i == 0 {
		return 0, "", false
	}
	n, err := strconv.ParseFloat(s[:i], 64)
	if err != nil {
		return 0, "", false
	}
	unit := cases.Fold().String(strings.TrimSpace(s[i:]))
	return n, unit, true
}

// valuesAgree reports whether two claimed values are the same assertion:
// case/whitespace-insensitive string equality, or numeric equality within
// the given relative tolerance when both parse as numbers with the same unit.
func valuesAgree(a, b string, tolerance float64) bool {
	if normalizeValue(a) == normalizeValue(b) {
		return true
	}
	na, ua, okA := splitNumeric(a)
	nb, ub, okB := splitNumeric(b)
	if !okA || !okB || ua != ub {
		return false
	}
	if na == nb {
		return true
	}
	scale := math.Max(math.Abs(na), math.Abs(nb))
	return math.Abs(na-nb) <= tolerance*scale
}
