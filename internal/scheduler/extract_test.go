package scheduler

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExtractMarkdownTable(t *testing.T) {
	text := `Here is the interaction profile:

| Field | Value | Severity |
|-------|-------|----------|
| Warfarin | Increased INR | major |
| Ibuprofen | GI bleeding risk | moderate |

Additional notes follow.`

	rows := ExtractTables(text)
	require.Len(t, rows, 2)
	assert.Equal(t, "Warfarin", rows[0]["field"])
	assert.Equal(t, "Increased INR", rows[0]["value"])
	assert.Equal(t, "major", rows[0]["severity"])
	assert.Equal(t, "Ibuprofen", rows[1]["field"])
}

func TestExtractMarkdownTableHeaderNormalization(t *testing.T) {
	text := "| Half Life | Peak Time |\n|---|---|\n| 12h | 2h |"

	rows := ExtractTables(text)
	require.Len(t, rows, 1)
	assert.Equal(t, "12h", rows[0]["half_life"])
	assert.Equal(t, "2h", rows[0]["peak_time"])
}

func TestExtractJSONArray(t *testing.T) {
	text := "```json\n[{\"field\": \"bioavailability\", \"value\": 85}, {\"field\": \"tmax\", \"value\": \"2h\"}]\n```"

	rows := ExtractTables(text)
	require.Len(t, rows, 2)
	assert.Equal(t, "bioavailability", rows[0]["field"])
	assert.Equal(t, float64(85), rows[0]["value"])
}

func TestExtractJSONObject(t *testing.T) {
	text := "```\n{\"field\": \"clearance\", \"value\": \"hepatic\"}\n```"

	rows := ExtractTables(text)
	require.Len(t, rows, 1)
	assert.Equal(t, "clearance", rows[0]["field"])
}

func TestExtractIgnoresMalformed(t *testing.T) {
	tests := []struct {
		name string
		text string
	}{
		{name: "no structure", text: "plain prose about a drug with no tables"},
		{name: "broken json", text: "```json\n{\"field\": \n```"},
		{name: "header without separator", text: "| a | b |\n| 1 | 2 |"},
		{name: "empty", text: ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Empty(t, ExtractTables(tt.text))
		})
	}
}

func TestExtractMixedSources(t *testing.T) {
	text := "| Field | Value |\n|---|---|\n| route | oral |\n\n```json\n{\"field\": \"dose\", \"value\": \"10mg\"}\n```"

	rows := ExtractTables(text)
	assert.Len(t, rows, 2)
}
