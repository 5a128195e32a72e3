package risk

import (
	"fmt"
	"slices"

	"github.com/dustin/go-humanize"
	"github.com/opensource-finance/kestrel/internal/domain"
)

// Structuring band: amounts in [StructuringThreshold-StructuringDelta, StructuringThreshold).
const (
	StructuringThreshold = 10000.0
	StructuringDelta     = 1000.0
)

// Signal is a detector's score and its one-line explanation.
// The zero Signal means no signal.
type Signal struct {
	Score  float64
	Detail string
}

// InStructuringBand reports whether amount sits just under the reporting threshold.
func InStructuringBand(amount float64) bool {
	return amount >= StructuringThreshold-StructuringDelta && amount < StructuringThreshold
}

// Population is the bucket-wide baseline of total_tx used by the velocity detector.
type Population struct {
	Size int
	P50  int
	P95  int
}

// NewPopulation computes p50 and p95 by sorted-index lookup, without interpolation.
func NewPopulation(f *Features) Population {
	totals := make([]int, 0, len(f.Records))
	for _, r := range f.Records {
		totals = append(totals, r.TotalTx)
	}
	if len(totals) == 0 {
		return Population{}
	}
	slices.Sort(totals)
	n := len(totals)
	return Population{
		Size: n,
		P50:  totals[n/2],
		P95:  totals[int(float64(n)*0.95)],
	}
}

// Degenerate reports whether the population cannot separate outliers.
func (p Population) Degenerate() bool {
	return p.P95 <= p.P50
}

// Velocity scores how far total_tx sits between the median (0) and p95 (1).
func Velocity(rec domain.FeatureRecord, pop Population) (Signal, *domain.VelocityEvidence) {
	if pop.Size == 0 {
		return Signal{}, nil
	}

	var score float64
	if !pop.Degenerate() {
		score = clamp01(float64(rec.TotalTx-pop.P50) / float64(max(pop.P95-pop.P50, 1)))
	}

	ev := &domain.VelocityEvidence{
		TxCount:          rec.TotalTx,
		TxPerMinute:      rec.TxPerMinute,
		PopulationMedian: pop.P50,
		PopulationP95:    pop.P95,
	}
	detail := fmt.Sprintf("%d tx in bucket (p50=%d, p95=%d)", rec.TotalTx, pop.P50, pop.P95)
	return Signal{Score: score, Detail: detail}, ev
}

// Structuring counts amounts in the structuring band, in either direction.
// One hit scores 0; five or more saturate at 1.
func Structuring(rec domain.FeatureRecord) (Signal, *domain.StructuringEvidence) {
	if len(rec.Amounts) == 0 {
		return Signal{}, nil
	}

	count := 0
	for _, a := range rec.Amounts {
		if InStructuringBand(a) {
			count++
		}
	}

	var score float64
	if count > 0 {
		score = clamp01(float64(count-1) / 4)
	}

	ev := &domain.StructuringEvidence{
		NearThresholdCount: count,
		Threshold:          StructuringThreshold,
		Delta:              StructuringDelta,
	}
	detail := fmt.Sprintf("%d tx in $%s-$%s range", count,
		humanize.Comma(int64(StructuringThreshold-StructuringDelta)),
		humanize.Comma(int64(StructuringThreshold)))
	return Signal{Score: score, Detail: detail}, ev
}

// CircularFlow scores the shortest cycle through start: a 3-edge cycle
// scores 1.0 and each extra edge costs 0.3.
func CircularFlow(start string, g *FlowGraph, limits CycleLimits) (Signal, *domain.CircularFlowEvidence) {
	search := FindCycles(start, g, limits)
	if len(search.Cycles) == 0 {
		return Signal{}, nil
	}

	shortest := search.Cycles[0].Len()
	members := make(map[string]struct{})
	for _, c := range search.Cycles {
		shortest = min(shortest, c.Len())
		for _, id := range c {
			if id != start {
				members[id] = struct{}{}
			}
		}
	}

	counterparties := make([]string, 0, len(members))
	for id := range members {
		counterparties = append(counterparties, id)
	}
	slices.Sort(counterparties)
	if len(counterparties) > MaxCycleCounterparties {
		counterparties = counterparties[:MaxCycleCounterparties]
	}

	ev := &domain.CircularFlowEvidence{
		CycleCount:          len(search.Cycles),
		ShortestCycleLength: shortest,
		Counterparties:      counterparties,
	}
	detail := fmt.Sprintf("cycle of length %d detected (%d total)", shortest, len(search.Cycles))
	return Signal{Score: clamp01(1 - float64(shortest-3)*0.3), Detail: detail}, ev
}
