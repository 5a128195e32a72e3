package domain

// Detector names as they appear in reasons and evidence.
const (
	DetectorVelocity     = "velocity"
	DetectorStructuring  = "structuring"
	DetectorCircularFlow = "circular_flow"
)

// FeatureRecord holds per-entity aggregates for one bucket.
type FeatureRecord struct {
	TxOutCount           int       `json:"tx_out_count"`
	TxInCount            int       `json:"tx_in_count"`
	TxOutSum             float64   `json:"tx_out_sum"`
	TxInSum              float64   `json:"tx_in_sum"`
	TotalTx              int       `json:"total_tx"`
	UniqueCounterparties int       `json:"unique_counterparties"`
	TxPerMinute          float64   `json:"tx_per_minute"`
	Amounts              []float64 `json:"amounts"`
}

// VelocityEvidence supports a velocity reason.
type VelocityEvidence struct {
	TxCount          int     `json:"tx_count"`
	TxPerMinute      float64 `json:"tx_per_minute"`
	PopulationMedian int     `json:"population_median"`
	PopulationP95    int     `json:"population_p95"`
}

// StructuringEvidence supports a structuring reason.
type StructuringEvidence struct {
	NearThresholdCount int     `json:"near_threshold_count"`
	Threshold          float64 `json:"threshold"`
	Delta              float64 `json:"delta"`
}

// CircularFlowEvidence supports a circular-flow reason.
type CircularFlowEvidence struct {
	CycleCount          int      `json:"cycle_count"`
	ShortestCycleLength int      `json:"shortest_cycle_length"`
	Counterparties      []string `json:"counterparties"`
}

// Evidence is keyed by detector name on the wire. A detector is present
// only when its own score exceeded the inclusion cutoff.
type Evidence struct {
	Velocity     *VelocityEvidence     `json:"velocity,omitempty"`
	Structuring  *StructuringEvidence  `json:"structuring,omitempty"`
	CircularFlow *CircularFlowEvidence `json:"circular_flow,omitempty"`
	FlaggedTxIDs []string              `json:"flagged_tx_ids,omitempty"`
}

// Empty reports whether no detector contributed evidence.
func (e Evidence) Empty() bool {
	return e.Velocity == nil && e.Structuring == nil && e.CircularFlow == nil && len(e.FlaggedTxIDs) == 0
}

// Detectors lists the detectors present in the evidence, in fixed order.
func (e Evidence) Detectors() []string {
	var out []string
	if e.Velocity != nil {
		out = append(out, DetectorVelocity)
	}
	if e.Structuring != nil {
		out = append(out, DetectorStructuring)
	}
	if e.CircularFlow != nil {
		out = append(out, DetectorCircularFlow)
	}
	return out
}

// Reason is one ranked contribution to a risk score.
type Reason struct {
	Detector string  `json:"detector"`
	Detail   string  `json:"detail"`
	Weight   float64 `json:"weight"`
}

// RiskRecord is the fused risk of one entity in one bucket.
type RiskRecord struct {
	RiskScore float64  `json:"risk_score"`
	Reasons   []Reason `json:"reasons"`
	Evidence  Evidence `json:"evidence"`
}

// ZeroRisk is what callers observe for an entity absent from a bucket.
func ZeroRisk() RiskRecord {
	return RiskRecord{Reasons: []Reason{}}
}

// BucketRisk is the fusion output for one bucket. Order lists entities in
// first-appearance order and is the tie-break order for rankings.
type BucketRisk struct {
	Order   []string
	Records map[string]RiskRecord
}

// NewBucketRisk returns an empty result.
func NewBucketRisk() *BucketRisk {
	return &BucketRisk{Records: make(map[string]RiskRecord)}
}

// Get returns the record for id, or the zero record when absent.
func (b *BucketRisk) Get(id string) (RiskRecord, bool) {
	if b == nil {
		return ZeroRisk(), false
	}
	r, ok := b.Records[id]
	if !ok {
		return ZeroRisk(), false
	}
	return r, true
}

// Score returns the risk score of id, 0 when absent.
func (b *BucketRisk) Score(id string) float64 {
	r, _ := b.Get(id)
	return r.RiskScore
}

// Len returns the number of scored entities.
func (b *BucketRisk) Len() int {
	if b == nil {
		return 0
	}
	return len(b.Order)
}
