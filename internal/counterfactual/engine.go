// Package counterfactual answers "what if this entity's suspicious edges
// were absent": it removes them from a copy of the bucket and re-scores.
package counterfactual

import (
	"cmp"
	"slices"

	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/risk"
	"github.com/shopspring/decimal"
)

// Edge selection.
const (
	MaxRemovedEdges = 50

	// RapidGapSeconds is the gap under which consecutive transfers of a
	// velocity outlier are treated as rapid-fire.
	RapidGapSeconds = 120
)

// Reader is the read side of a snapshot store.
type Reader interface {
	BucketTransactions(b int) ([]domain.Transaction, error)
	EntityRisk(b int, id string) domain.RiskRecord
}

// Engine computes counterfactuals. It never mutates the reader.
type Engine struct {
	reader Reader
	scorer *risk.Scorer
}

// NewEngine creates an engine that re-scores with production limits.
func NewEngine(reader Reader) *Engine {
	return &Engine{reader: reader, scorer: risk.NewScorer()}
}

type edgeKey struct {
	from, to string
	amount   float64
}

// Compute removes the suspicious edges of entityID in bucket and reports
// the resulting risk delta.
func (e *Engine) Compute(entityID string, bucket int) (*domain.CounterfactualResult, error) {
	txs, err := e.reader.BucketTransactions(bucket)
	if err != nil {
		return nil, err
	}
	original := e.reader.EntityRisk(bucket, entityID)

	suspicious := SuspiciousEdges(entityID, txs, original.Evidence)
	keys := make(map[edgeKey]struct{}, len(suspicious))
	for _, s := range suspicious {
		keys[edgeKey{s.FromID, s.ToID, s.Amount}] = struct{}{}
	}

	cleaned := make([]domain.Transaction, 0, len(txs))
	for _, tx := range txs {
		if _, drop := keys[edgeKey{tx.FromID, tx.ToID, tx.Amount}]; !drop {
			cleaned = append(cleaned, tx)
		}
	}

	after, _ := e.scorer.ComputeBucket(cleaned).Get(entityID)

	delta, _ := decimal.NewFromFloat(after.RiskScore).
		Sub(decimal.NewFromFloat(original.RiskScore)).
		Round(4).Float64()

	return &domain.CounterfactualResult{
		EntityID:       entityID,
		Bucket:         bucket,
		Original:       original,
		Counterfactual: after,
		RemovedEdges:   suspicious,
		Delta: domain.CounterfactualDelta{
			RiskScore:      delta,
			TxCountRemoved: len(txs) - len(cleaned),
		},
	}, nil
}

// SuspiciousEdges selects the entity's edges behind its evidence. The
// structuring, circular-flow and velocity rules are applied in that order,
// deduplicated by (from, to, amount) and capped at MaxRemovedEdges.
func SuspiciousEdges(entityID string, txs []domain.Transaction, ev domain.Evidence) []domain.RemovedEdge {
	var own []domain.Transaction
	for _, tx := range txs {
		if tx.FromID == entityID || tx.ToID == entityID {
			own = append(own, tx)
		}
	}

	out := []domain.RemovedEdge{}
	seen := make(map[edgeKey]struct{})
	add := func(tx domain.Transaction, reason string) bool {
		key := edgeKey{tx.FromID, tx.ToID, tx.Amount}
		if _, ok := seen[key]; ok {
			return true
		}
		seen[key] = struct{}{}
		out = append(out, domain.RemovedEdge{FromID: tx.FromID, ToID: tx.ToID, Amount: tx.Amount, Reason: reason})
		return len(out) < MaxRemovedEdges
	}

	if ev.Structuring != nil && ev.Structuring.NearThresholdCount > 0 {
		for _, tx := range own {
			if risk.InStructuringBand(tx.Amount) && !add(tx, domain.DetectorStructuring) {
				return out
			}
		}
	}

	if ev.CircularFlow != nil && len(ev.CircularFlow.Counterparties) > 0 {
		parties := make(map[string]struct{}, len(ev.CircularFlow.Counterparties))
		for _, cp := range ev.CircularFlow.Counterparties {
			parties[cp] = struct{}{}
		}
		for _, tx := range own {
			other := tx.FromID
			if tx.FromID == entityID {
				other = tx.ToID
			}
			if _, ok := parties[other]; ok && !add(tx, domain.DetectorCircularFlow) {
				return out
			}
		}
	}

	if ev.Velocity != nil && ev.Velocity.TxCount > ev.Velocity.PopulationP95 {
		byTime := slices.Clone(own)
		slices.SortStableFunc(byTime, func(a, b domain.Transaction) int {
			return cmp.Compare(a.Timestamp, b.Timestamp)
		})
		for i := 1; i < len(byTime); i++ {
			if byTime[i].Timestamp-byTime[i-1].Timestamp < RapidGapSeconds && !add(byTime[i], domain.DetectorVelocity) {
				return out
			}
		}
	}

	return out
}
