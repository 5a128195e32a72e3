package risk

import (
	"sort"

	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/shopspring/decimal"
)

// Fusion policy.
const (
	WeightVelocity     = 0.4
	WeightStructuring  = 0.3
	WeightCircularFlow = 0.3

	// InclusionCutoff is the minimum detector score that yields a reason.
	InclusionCutoff = 0.05

	MaxReasons      = 3
	MaxFlaggedTxIDs = 20
)

// Scorer fuses detector outputs into RiskRecords.
type Scorer struct {
	Limits CycleLimits
}

// NewScorer returns a Scorer with production limits.
func NewScorer() *Scorer {
	return &Scorer{Limits: DefaultCycleLimits()}
}

var defaultScorer = NewScorer()

// ComputeBucket scores every entity active in txs with production limits.
// Both bucket precomputation and counterfactual re-scoring go through here.
func ComputeBucket(txs []domain.Transaction) *domain.BucketRisk {
	return defaultScorer.ComputeBucket(txs)
}

// ComputeBucket scores every entity active in txs. Entities without
// activity are absent from the result.
func (s *Scorer) ComputeBucket(txs []domain.Transaction) *domain.BucketRisk {
	out := domain.NewBucketRisk()
	if len(txs) == 0 {
		return out
	}

	features := ExtractFeatures(txs)
	pop := NewPopulation(features)
	graph := NewFlowGraph(txs)

	for _, id := range features.Order {
		rec := features.Records[id]
		out.Order = append(out.Order, id)
		out.Records[id] = s.score(id, rec, pop, graph, txs)
	}
	return out
}

func (s *Scorer) score(id string, rec domain.FeatureRecord, pop Population, graph *FlowGraph, txs []domain.Transaction) domain.RiskRecord {
	vel, velEv := Velocity(rec, pop)
	str, strEv := Structuring(rec)
	circ, circEv := CircularFlow(id, graph, s.Limits)

	raw := decimal.NewFromFloat(WeightVelocity).Mul(decimal.NewFromFloat(vel.Score)).
		Add(decimal.NewFromFloat(WeightStructuring).Mul(decimal.NewFromFloat(str.Score))).
		Add(decimal.NewFromFloat(WeightCircularFlow).Mul(decimal.NewFromFloat(circ.Score)))
	fused, _ := raw.Float64()

	record := domain.RiskRecord{
		RiskScore: round(clamp01(fused), 4),
		Reasons:   []domain.Reason{},
	}

	if vel.Score > InclusionCutoff {
		record.Reasons = append(record.Reasons, reason(domain.DetectorVelocity, vel, WeightVelocity))
		record.Evidence.Velocity = velEv
	}
	if str.Score > InclusionCutoff {
		record.Reasons = append(record.Reasons, reason(domain.DetectorStructuring, str, WeightStructuring))
		record.Evidence.Structuring = strEv
		record.Evidence.FlaggedTxIDs = flaggedOutbound(id, txs)
	}
	if circ.Score > InclusionCutoff {
		record.Reasons = append(record.Reasons, reason(domain.DetectorCircularFlow, circ, WeightCircularFlow))
		record.Evidence.CircularFlow = circEv
	}

	sort.SliceStable(record.Reasons, func(i, j int) bool {
		return record.Reasons[i].Weight > record.Reasons[j].Weight
	})
	if len(record.Reasons) > MaxReasons {
		record.Reasons = record.Reasons[:MaxReasons]
	}
	return record
}

func reason(detector string, sig Signal, weight float64) domain.Reason {
	return domain.Reason{
		Detector: detector,
		Detail:   sig.Detail,
		Weight:   round(weight*sig.Score, 4),
	}
}

// flaggedOutbound lists the entity's outbound structuring-band transfers.
// The structuring score itself counts both directions.
func flaggedOutbound(id string, txs []domain.Transaction) []string {
	var ids []string
	for _, tx := range txs {
		if tx.FromID == id && InStructuringBand(tx.Amount) {
			ids = append(ids, tx.TxID)
			if len(ids) == MaxFlaggedTxIDs {
				break
			}
		}
	}
	return ids
}
