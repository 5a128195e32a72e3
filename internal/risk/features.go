// Package risk turns a bucket's transactions into per-entity risk records:
// feature extraction, the velocity, structuring and circular-flow
// detectors, and weighted score fusion.
package risk

import (
	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/shopspring/decimal"
)

// accumulator collects one entity's raw activity during a single pass.
type accumulator struct {
	outCount       int
	inCount        int
	outSum         decimal.Decimal
	inSum          decimal.Decimal
	counterparties map[string]struct{}
	amounts        []float64
	timestamps     []int64
}

func newAccumulator() *accumulator {
	return &accumulator{counterparties: make(map[string]struct{})}
}

// Features is the feature table of one bucket. Order lists entities in
// first-appearance order (sender before receiver).
type Features struct {
	Order   []string
	Records map[string]domain.FeatureRecord
}

// Get returns the features of id.
func (f *Features) Get(id string) (domain.FeatureRecord, bool) {
	r, ok := f.Records[id]
	return r, ok
}

// ExtractFeatures builds one FeatureRecord per entity active in txs.
// Input order is irrelevant to the result values; it only fixes Order.
func ExtractFeatures(txs []domain.Transaction) *Features {
	accs := make(map[string]*accumulator)
	var order []string

	get := func(id string) *accumulator {
		a, ok := accs[id]
		if !ok {
			a = newAccumulator()
			accs[id] = a
			order = append(order, id)
		}
		return a
	}

	for _, tx := range txs {
		amount := decimal.NewFromFloat(tx.Amount)

		sender := get(tx.FromID)
		sender.outCount++
		sender.outSum = sender.outSum.Add(amount)
		sender.amounts = append(sender.amounts, tx.Amount)
		sender.timestamps = append(sender.timestamps, tx.Timestamp)

		receiver := get(tx.ToID)
		receiver.inCount++
		receiver.inSum = receiver.inSum.Add(amount)

		if tx.IsSelfLoop() {
			continue
		}
		receiver.amounts = append(receiver.amounts, tx.Amount)
		sender.counterparties[tx.ToID] = struct{}{}
		receiver.counterparties[tx.FromID] = struct{}{}
	}

	out := &Features{
		Order:   order,
		Records: make(map[string]domain.FeatureRecord, len(accs)),
	}
	for _, id := range order {
		a := accs[id]
		out.Records[id] = domain.FeatureRecord{
			TxOutCount:           a.outCount,
			TxInCount:            a.inCount,
			TxOutSum:             roundDecimal(a.outSum, 2),
			TxInSum:              roundDecimal(a.inSum, 2),
			TotalTx:              a.outCount + a.inCount,
			UniqueCounterparties: len(a.counterparties),
			TxPerMinute:          txPerMinute(a.timestamps),
			Amounts:              a.amounts,
		}
	}
	return out
}

// txPerMinute is the entity's sending rate over the span of its outbound
// timestamps; amounts cover both directions but the rate does not.
// Fewer than two timestamps yield 0; a zero span is treated as one second.
func txPerMinute(timestamps []int64) float64 {
	if len(timestamps) < 2 {
		return 0
	}
	lo, hi := timestamps[0], timestamps[0]
	for _, ts := range timestamps[1:] {
		lo = min(lo, ts)
		hi = max(hi, ts)
	}
	span := max(hi-lo, 1)
	return round(float64(len(timestamps))/float64(span)*60, 4)
}

func round(v float64, places int32) float64 {
	return roundDecimal(decimal.NewFromFloat(v), places)
}

func roundDecimal(d decimal.Decimal, places int32) float64 {
	f, _ := d.Round(places).Float64()
	return f
}

func clamp01(v float64) float64 {
	return max(0, min(1, v))
}
