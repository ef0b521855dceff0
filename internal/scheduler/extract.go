package scheduler

import (
	"encoding/json"
	"regexp"
	"strings"

	"go.uber.org/zap"

	"github.com/meridianbio/drugintel/internal/model"
)

var fencedJSONRe = regexp.MustCompile("(?s)```(?:json)?\\s*(\\{.*?\\}|\\[.*?\\])\\s*```")

// ExtractTables locates and parses embedded tabular data in a raw provider
// response: markdown tables and fenced JSON blocks. Parse failures are
// non-fatal and simply yield no rows for the unparseable fragment.
func ExtractTables(text string) []model.TableRow {
	var rows []model.TableRow
	rows = append(rows, extractMarkdownTables(text)...)
	rows = append(rows, extractJSONBlocks(text)...)
	return rows
}

func extractMarkdownTables(text string) []model.TableRow {
	var rows []model.TableRow
	lines := strings.Split(text, "\n")

	for i := 0; i < len(lines); i++ {
		if !isTableLine(lines[i]) {
			continue
		}
		// A table needs a header row followed by a separator row.
		if i+1 >= len(lines) || !isSeparatorLine(lines[i+1]) {
			continue
		}

		headers := splitTableRow(lines[i])
		j := i + 2
		for ; j < len(lines) && isTableLine(lines[j]); j++ {
			cells := splitTableRow(lines[j])
			row := make(model.TableRow, len(headers))
			for k, h := range headers {
				if k < len(cells) {
					row[normalizeHeader(h)] = cells[k]
				}
			}
			if len(row) > 0 {
				rows = append(rows, row)
			}
		}
		i = j - 1
	}

	return rows
}

func isTableLine(line string) bool {
	trimmed := strings.TrimSpace(line)
	return strings.HasPrefix(trimmed, "|") && strings.Count(trimmed, "|") >= 2
}

func isSeparatorLine(line string) bool {
	trimmed := strings.TrimSpace(line)
	if !isTableLine(trimmed) {
		return false
	}
	for _, cell := range splitTableRow(trimmed) {
		if cell == "" {
			continue
		}
		if strings.Trim(cell, ":-") != "" {
			return false
		}
	}
	return true
}

func splitTableRow(line string) []string {
	trimmed := strings.Trim(strings.TrimSpace(line), "|")
	parts := strings.Split(trimmed, "|")
	out := make([]string, len(parts))
	for i, p := range parts {
		out[i] = strings.TrimSpace(p)
	}
	return out
}

func normalizeHeader(h string) string {
	h = strings.ToLower(strings.TrimSpace(h))
	h = strings.ReplaceAll(h, " ", "_")
	return h
}

func extractJSONBlocks(text string) []model.TableRow {
	var rows []model.TableRow
	for _, match := range fencedJSONRe.FindAllStringSubmatch(text, -1) {
		fragment := match[1]

		var arr []map[string]any
		if err := json.Unmarshal([]byte(fragment), &arr); err == nil {
			for _, obj := range arr {
				rows = append(rows, model.TableRow(obj))
			}
			continue
		}

		var obj map[string]any
		if err := json.Unmarshal([]byte(fragment), &obj); err == nil {
			rows = append(rows, model.TableRow(obj))
			continue
		}

		zap.L().Debug("scheduler: unparseable json block skipped",
			zap.Int("fragment_len", len(fragment)),
		)
	}
	return rows
}
