package model

import (
	"strings"
	"time"
)

// ConfidenceTier classifies how reliable a role's data source is expected
// to be. Public-record roles answer from assessor and listing data;
// estimate roles infer from comparable markets.
type ConfidenceTier string

const (
	TierHighConfidencePublic ConfidenceTier = "high-confidence-public"
	TierEstimate             ConfidenceTier = "estimate"
)

// ParseMethod identifies which cascade stage produced a ParsedResult.
type ParseMethod string

const (
	ParseDirectJSON    ParseMethod = "direct-json"
	ParseFencedJSON    ParseMethod = "fenced-json"
	ParseEmbeddedJSON  ParseMethod = "embedded-json"
	ParseDualBlock     ParseMethod = "dual-block"
	ParseRegexFallback ParseMethod = "regex-fallback"
	ParseFailed        ParseMethod = "failed"
)

// Confidence is the coarse per-role confidence label derived from
// citation count (or asserted by the model itself).
type Confidence string

const (
	ConfidenceHigh   Confidence = "HIGH"
	ConfidenceMedium Confidence = "MEDIUM"
	ConfidenceLow    Confidence = "LOW"
)

// Rank orders confidence labels: LOW < MEDIUM < HIGH.
func (c Confidence) Rank() int {
	switch c {
	case ConfidenceHigh:
		return 2
	case ConfidenceMedium:
		return 1
	default:
		return 0
	}
}

// RoleStatus describes the terminal state of one role within a batch.
type RoleStatus string

const (
	RoleStatusSuccess RoleStatus = "success"
	RoleStatusError   RoleStatus = "error"
	RoleStatusTimeout RoleStatus = "timeout"
)

// Subject identifies the parcel under research.
type Subject struct {
	Address string `json:"address"`
	City    string `json:"city"`
	State   string `json:"state"`
}

// FullAddress returns the canonical "address, city, state" form used for
// cache keys and upsert identity.
func (s Subject) FullAddress() string {
	return strings.Join([]string{s.Address, s.City, s.State}, ", ")
}

// QueryRole is one of the fixed concurrent sub-queries issued per batch.
// Roles are immutable once the orchestrator is constructed.
type QueryRole struct {
	ID             string         `json:"id" yaml:"id"`
	PromptTemplate string         `json:"-" yaml:"prompt_template"`
	SystemPrompt   string         `json:"-" yaml:"system_prompt"`
	ExpectedFields []string       `json:"expected_fields" yaml:"expected_fields"`
	Tier           ConfidenceTier `json:"tier" yaml:"tier"`
}

// RawResponse is the provider's answer to one role: free-form text plus
// the cited source URLs. It is consumed by the parser and not persisted.
type RawResponse struct {
	Text      string   `json:"text"`
	Citations []string `json:"citations"`
}

// ParsedResult is the per-role output of the parse and validate steps.
type ParsedResult struct {
	Status         RoleStatus     `json:"status"`
	ParseMethod    ParseMethod    `json:"parse_method"`
	StructuredData map[string]any `json:"structured_data"`
	DetailedText   string         `json:"detailed_analysis,omitempty"`
	CitationCount  int            `json:"citation_count"`
	Citations      []string       `json:"citations,omitempty"`
	Confidence     Confidence     `json:"confidence,omitempty"`
	MissingFields  int            `json:"missing_fields"`
	Error          string         `json:"error,omitempty"`
}

// BatchMetadata summarizes one orchestration run.
type BatchMetadata struct {
	TotalRoles       int       `json:"total_roles"`
	Succeeded        int       `json:"succeeded"`
	Failed           int       `json:"failed"`
	TimedOut         int       `json:"timed_out"`
	ElapsedSeconds   float64   `json:"elapsed_seconds"`
	CostUSD          float64   `json:"cost_usd"`
	DeadlineExceeded bool      `json:"deadline_exceeded"`
	ResearchedAt     time.Time `json:"researched_at"`
}

// BatchResult is the user-facing aggregate for one subject. It is
// immutable after the orchestrator returns it; the cache and store treat
// it as an opaque value to serialize. RoleIDs preserves the declared
// launch order so presentation is independent of completion order.
type BatchResult struct {
	Subject  Subject                  `json:"subject"`
	RoleIDs  []string                 `json:"role_ids"`
	Roles    map[string]*ParsedResult `json:"roles"`
	Metadata BatchMetadata            `json:"metadata"`
}

// Property is the persisted record for one researched parcel.
type Property struct {
	ID                  string       `json:"id"`
	Address             string       `json:"address"`
	City                string       `json:"city"`
	State               string       `json:"state"`
	Research            *BatchResult `json:"research"`
	ResearchTimeSeconds float64      `json:"research_time_seconds"`
	RolesUsed           int          `json:"roles_used"`
	CostUSD             float64      `json:"cost_usd"`
	CreatedAt           time.Time    `json:"created_at"`
	UpdatedAt           time.Time    `json:"updated_at"`
}

// PropertyStats holds aggregate store metrics for the stats endpoint.
type PropertyStats struct {
	TotalProperties    int        `json:"total_properties"`
	UniqueMarkets      int        `json:"unique_markets"`
	AvgResearchSeconds float64    `json:"avg_research_time_seconds"`
	PropertiesToday    int        `json:"properties_today"`
	PropertiesThisWeek int        `json:"properties_this_week"`
	LastResearchAt     *time.Time `json:"last_research_at,omitempty"`
}
