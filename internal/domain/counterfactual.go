package domain

// RemovedEdge is a transfer dropped by a counterfactual and the rule that chose it.
type RemovedEdge struct {
	FromID string  `json:"from_id"`
	ToID   string  `json:"to_id"`
	Amount float64 `json:"amount"`
	Reason string  `json:"reason"`
}

// CounterfactualDelta summarizes the effect of removing edges.
type CounterfactualDelta struct {
	RiskScore      float64 `json:"risk_score"`
	TxCountRemoved int     `json:"tx_count_removed"`
}

// CounterfactualResult compares an entity's risk before and after
// removing its suspicious edges.
type CounterfactualResult struct {
	EntityID       string              `json:"entity_id"`
	Bucket         int                 `json:"bucket"`
	Original       RiskRecord          `json:"original"`
	Counterfactual RiskRecord          `json:"counterfactual"`
	RemovedEdges   []RemovedEdge       `json:"removed_edges"`
	Delta          CounterfactualDelta `json:"delta"`
}
