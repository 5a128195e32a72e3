package domain

// Intent names a canned graph query.
type Intent string

const (
	IntentShowHighRisk             Intent = "SHOW_HIGH_RISK"
	IntentLargeIncoming            Intent = "LARGE_INCOMING"
	IntentHighRiskJurisdiction     Intent = "HIGH_RISK_JURISDICTION"
	IntentStructuringNearThreshold Intent = "STRUCTURING_NEAR_THRESHOLD"
	IntentCircularFlow             Intent = "CIRCULAR_FLOW"
	IntentTopClusters              Intent = "TOP_CLUSTERS"
)

// Intents lists every supported intent.
var Intents = []Intent{
	IntentShowHighRisk,
	IntentLargeIncoming,
	IntentHighRiskJurisdiction,
	IntentStructuringNearThreshold,
	IntentCircularFlow,
	IntentTopClusters,
}

// Valid reports whether i is a supported intent.
func (i Intent) Valid() bool {
	for _, known := range Intents {
		if i == known {
			return true
		}
	}
	return false
}

// QueryParams carries optional intent parameters. Nil means default.
type QueryParams struct {
	MinRisk      *float64 `json:"min_risk,omitempty"`
	MinAmount    *float64 `json:"min_amount,omitempty"`
	Jurisdiction *int     `json:"jurisdiction,omitempty"`
	Limit        *int     `json:"limit,omitempty"`
}

// QueryRequest is a structured query against one bucket.
type QueryRequest struct {
	Intent Intent      `json:"intent"`
	Params QueryParams `json:"params"`
	Bucket int         `json:"bucket"`
}

// QueryResult is the output of an intent handler.
type QueryResult struct {
	Intent     Intent   `json:"intent"`
	EntityIDs  []string `json:"entity_ids"`
	Edges      []Edge   `json:"edges"`
	TotalCount int      `json:"total_count"`
	Summary    string   `json:"summary"`
}

// ParsedQuery is a free-text question mapped onto an intent.
type ParsedQuery struct {
	Intent         Intent      `json:"intent"`
	Params         QueryParams `json:"params"`
	Interpretation string      `json:"interpretation"`
}
