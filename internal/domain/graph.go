package domain

// Cluster is a connected component of high-risk entities.
type Cluster struct {
	ClusterID string   `json:"cluster_id"`
	EntityIDs []string `json:"entity_ids"`
	RiskScore float64  `json:"risk_score"`
	Size      int      `json:"size"`
}

// Edge is a directed transfer used for visualization.
type Edge struct {
	FromID string  `json:"from_id"`
	ToID   string  `json:"to_id"`
	Amount float64 `json:"amount"`
}

// Node is an entity as rendered in a graph view.
type Node struct {
	ID                 string  `json:"id"`
	JurisdictionBucket int     `json:"jurisdiction_bucket"`
	KYCLevel           string  `json:"kyc_level"`
	RiskScore          float64 `json:"risk_score"`
}

// Neighborhood is the k-hop subgraph around an entity.
type Neighborhood struct {
	CenterID string `json:"center_id"`
	K        int    `json:"k"`
	Nodes    []Node `json:"nodes"`
	Edges    []Edge `json:"edges"`
}
