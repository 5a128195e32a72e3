package domain

// SnapshotMeta describes the dataset around a snapshot view.
type SnapshotMeta struct {
	Bucket            int   `json:"t"`
	NBuckets          int   `json:"n_buckets"`
	NEntities         int   `json:"n_entities"`
	NTransactions     int   `json:"n_transactions"`
	BucketSizeSeconds int64 `json:"bucket_size_seconds"`
}

// SnapshotView is the graph of one bucket as rendered by clients.
type SnapshotView struct {
	Nodes []Node       `json:"nodes"`
	Edges []Edge       `json:"edges"`
	Meta  SnapshotMeta `json:"meta"`
}

// EntityDetail is an entity, its risk in a bucket and its flows there.
type EntityDetail struct {
	Entity   Entity     `json:"entity"`
	Bucket   int        `json:"t"`
	Risk     RiskRecord `json:"risk"`
	Activity Activity   `json:"activity"`
}

// DashboardKPIs are the headline numbers of one bucket.
type DashboardKPIs struct {
	HighRiskEntities  int     `json:"high_risk_entities"`
	NewAnomalies      int     `json:"new_anomalies"`
	ClusterCount      int     `json:"cluster_count"`
	CrossBorderRatio  float64 `json:"cross_border_ratio"`
	TotalEntities     int     `json:"total_entities"`
	TotalTransactions int     `json:"total_transactions"`
}

// TrendPoint is the aggregate risk of one bucket.
type TrendPoint struct {
	Bucket        int     `json:"bucket"`
	TotalRisk     float64 `json:"total_risk"`
	HighRiskCount int     `json:"high_risk_count"`
	EntityCount   int     `json:"entity_count"`
}

// HeatmapCell is the risk of one jurisdiction bucket.
type HeatmapCell struct {
	Jurisdiction  int     `json:"jurisdiction"`
	AvgRisk       float64 `json:"avg_risk"`
	EntityCount   int     `json:"entity_count"`
	HighRiskCount int     `json:"high_risk_count"`
}

// Dashboard is the executive summary of one bucket.
type Dashboard struct {
	Bucket  int           `json:"bucket"`
	KPIs    DashboardKPIs `json:"kpis"`
	Trend   []TrendPoint  `json:"trend"`
	Heatmap []HeatmapCell `json:"heatmap"`
}
