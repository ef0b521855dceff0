package model

import "strconv"

// TableRow is one row of structured data extracted from a provider response.
// Keys are column headers (markdown tables) or object keys (JSON blocks).
type TableRow map[string]any

// ErrorKind classifies a failed provider call on a CollectionRecord.
type ErrorKind string

const (
	ErrorKindNone        ErrorKind = ""
	ErrorKindTimeout     ErrorKind = "timeout"
	ErrorKindRateLimited ErrorKind = "rate_limited"
	ErrorKindServer      ErrorKind = "server_error"
	ErrorKindBadRequest  ErrorKind = "bad_request"
	ErrorKindAuth        ErrorKind = "auth_failure"
	ErrorKindCancelled   ErrorKind = "cancelled"
	ErrorKindNetwork     ErrorKind = "network"
)

// TokenUsage tracks token consumption and attributed cost for one call.
type TokenUsage struct {
	InputTokens  int     `json:"input_tokens"`
	OutputTokens int     `json:"output_tokens"`
	CostUSD      float64 `json:"cost_usd"`
}

// Add merges token usage from another instance.
func (t *TokenUsage) Add(other TokenUsage) {
	t.InputTokens += other.InputTokens
	t.OutputTokens += other.OutputTokens
	t.CostUSD += other.CostUSD
}

// CollectionRecord is the raw outcome of one provider/temperature call for
// one category. Exactly one exists per resolved (request, category, provider,
// temperature) tuple, success or failure; immutable once written.
type CollectionRecord struct {
	RequestID      string     `json:"request_id"`
	CategoryKey    string     `json:"category_key"`
	Provider       string     `json:"provider"`
	Temperature    float64    `json:"temperature"`
	RawText        string     `json:"raw_text,omitempty"`
	StructuredData []TableRow `json:"structured_data,omitempty"`
	Success        bool       `json:"success"`
	ErrorKind      ErrorKind  `json:"error_kind,omitempty"`
	ErrorMessage   string     `json:"error_message,omitempty"`
	Attempts       int        `json:"attempts"`
	LatencyMS      int64      `json:"latency_ms"`
	Usage          TokenUsage `json:"usage"`
	FromCache      bool       `json:"from_cache,omitempty"`
}

// Tuple returns the identity of the record within a run.
func (r CollectionRecord) Tuple() string {
	return r.CategoryKey + "/" + r.Provider + "/" + strconv.FormatFloat(r.Temperature, 'f', -1, 64)
}
