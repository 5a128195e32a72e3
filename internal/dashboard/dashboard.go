// Package dashboard aggregates bucket risk into executive KPIs.
package dashboard

import (
	"slices"

	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/graph"
	"github.com/shopspring/decimal"
)

// Thresholds.
const (
	// HighRisk is the score above which an entity counts as high risk.
	HighRisk = 0.5
	// Risky is the score above which a transfer counts as risky.
	Risky = 0.3
)

// Reader is the read side of a snapshot store.
type Reader interface {
	BucketRisk(b int) (*domain.BucketRisk, error)
	BucketTransactions(b int) ([]domain.Transaction, error)
	Entities() []domain.Entity
	NBuckets() int
}

// Compute builds the dashboard of bucket.
func Compute(r Reader, bucket int) (*domain.Dashboard, error) {
	txs, err := r.BucketTransactions(bucket)
	if err != nil {
		return nil, err
	}
	br, err := r.BucketRisk(bucket)
	if err != nil {
		return nil, err
	}

	jurisdiction := make(map[string]int, len(r.Entities()))
	for _, e := range r.Entities() {
		jurisdiction[e.ID] = e.JurisdictionBucket
	}

	kpis := domain.DashboardKPIs{
		HighRiskEntities:  highRiskCount(br),
		ClusterCount:      len(graph.DetectClusters(br, txs, graph.DefaultClusterThreshold)),
		TotalEntities:     br.Len(),
		TotalTransactions: len(txs),
	}
	if kpis.TotalEntities == 0 {
		kpis.TotalEntities = len(r.Entities())
	}

	if bucket > 0 {
		prev, _ := r.BucketRisk(bucket - 1)
		for _, id := range br.Order {
			if br.Score(id) > HighRisk && prev.Score(id) <= HighRisk {
				kpis.NewAnomalies++
			}
		}
	}

	var crossBorder, risky int
	for _, tx := range txs {
		if br.Score(tx.FromID) <= Risky && br.Score(tx.ToID) <= Risky {
			continue
		}
		risky++
		from, okFrom := jurisdiction[tx.FromID]
		to, okTo := jurisdiction[tx.ToID]
		if okFrom && okTo && from != to {
			crossBorder++
		}
	}
	kpis.CrossBorderRatio, _ = decimal.NewFromInt(int64(crossBorder)).
		DivRound(decimal.NewFromInt(int64(max(risky, 1))), 4).Float64()

	return &domain.Dashboard{
		Bucket:  bucket,
		KPIs:    kpis,
		Trend:   trend(r),
		Heatmap: heatmap(br, jurisdiction),
	}, nil
}

func highRiskCount(br *domain.BucketRisk) int {
	n := 0
	for _, rec := range br.Records {
		if rec.RiskScore > HighRisk {
			n++
		}
	}
	return n
}

// trend summarizes every bucket. Buckets without computed risk report zeros.
func trend(r Reader) []domain.TrendPoint {
	out := make([]domain.TrendPoint, 0, r.NBuckets())
	for b := range r.NBuckets() {
		p := domain.TrendPoint{Bucket: b}
		if br, err := r.BucketRisk(b); err == nil {
			total := decimal.Zero
			for _, rec := range br.Records {
				total = total.Add(decimal.NewFromFloat(rec.RiskScore))
			}
			p.TotalRisk, _ = total.Round(2).Float64()
			p.HighRiskCount = highRiskCount(br)
			p.EntityCount = br.Len()
		}
		out = append(out, p)
	}
	return out
}

// heatmap groups scored entities by jurisdiction, ascending. Ids without an
// entity record fall into jurisdiction 0.
func heatmap(br *domain.BucketRisk, jurisdiction map[string]int) []domain.HeatmapCell {
	type agg struct {
		total    decimal.Decimal
		count    int
		highRisk int
	}
	byJur := make(map[int]*agg)
	for _, id := range br.Order {
		score := br.Score(id)
		j := jurisdiction[id]
		a, ok := byJur[j]
		if !ok {
			a = &agg{}
			byJur[j] = a
		}
		a.total = a.total.Add(decimal.NewFromFloat(score))
		a.count++
		if score > HighRisk {
			a.highRisk++
		}
	}

	keys := make([]int, 0, len(byJur))
	for j := range byJur {
		keys = append(keys, j)
	}
	slices.Sort(keys)

	out := make([]domain.HeatmapCell, 0, len(keys))
	for _, j := range keys {
		a := byJur[j]
		avg, _ := a.total.DivRound(decimal.NewFromInt(int64(a.count)), 4).Float64()
		out = append(out, domain.HeatmapCell{
			Jurisdiction:  j,
			AvgRisk:       avg,
			EntityCount:   a.count,
			HighRiskCount: a.highRisk,
		})
	}
	return out
}
