package domain

import "time"

// Alert severities.
const (
	SeverityLow    = "low"
	SeverityMedium = "medium"
	SeverityHigh   = "high"
)

// AlertRule is a CEL boolean expression evaluated against every RiskRecord
// of a recomputed bucket.
type AlertRule struct {
	ID          string    `json:"id"`
	DatasetID   string    `json:"datasetId"`
	Name        string    `json:"name"`
	Description string    `json:"description"`
	Expression  string    `json:"expression"`
	Severity    string    `json:"severity"`
	Enabled     bool      `json:"enabled"`
	CreatedAt   time.Time `json:"createdAt"`
	UpdatedAt   time.Time `json:"updatedAt"`
}

// Alert records a rule firing for an entity in a bucket.
type Alert struct {
	ID        string    `json:"id"`
	DatasetID string    `json:"datasetId"`
	RuleID    string    `json:"ruleId"`
	RuleName  string    `json:"ruleName"`
	Severity  string    `json:"severity"`
	EntityID  string    `json:"entityId"`
	Bucket    int       `json:"bucket"`
	RiskScore float64   `json:"riskScore"`
	Reasons   []Reason  `json:"reasons"`
	CreatedAt time.Time `json:"createdAt"`
}

// StoredRisk is a persisted RiskRecord, part of the audit trail.
type StoredRisk struct {
	DatasetID  string     `json:"datasetId"`
	Bucket     int        `json:"bucket"`
	EntityID   string     `json:"entityId"`
	Generation uint64     `json:"generation"`
	Record     RiskRecord `json:"record"`
	ComputedAt time.Time  `json:"computedAt"`
}
