// Package query runs the six canned graph/risk intents against a bucket.
// Every handler is deterministic: rankings sort by score descending and
// break ties by the bucket's first-appearance order.
package query

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"

	"github.com/dustin/go-humanize"
	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/graph"
	"github.com/shopspring/decimal"
)

// ErrUnknownIntent is returned for intents outside the supported set.
var ErrUnknownIntent = errors.New("unknown intent")

// Result caps.
const (
	MaxEntities        = 50
	MaxClusterEntities = 100
	MaxEdges           = 200
)

// Parameter defaults.
const (
	DefaultMinRisk      = 0.6
	DefaultMinAmount    = 50000.0
	DefaultClusterLimit = 5
	StructuringMinCount = 2
)

// Reader is the read side of a snapshot store.
type Reader interface {
	BucketRisk(b int) (*domain.BucketRisk, error)
	BucketTransactions(b int) ([]domain.Transaction, error)
	Entity(id string) (domain.Entity, bool)
}

// Executor dispatches intents to handlers.
type Executor struct {
	reader           Reader
	clusterThreshold float64
}

// NewExecutor creates an executor over reader.
func NewExecutor(reader Reader, clusterThreshold float64) *Executor {
	return &Executor{reader: reader, clusterThreshold: clusterThreshold}
}

type handlerFunc func(e *Executor, p domain.QueryParams, br *domain.BucketRisk, txs []domain.Transaction) *domain.QueryResult

var handlers = map[domain.Intent]handlerFunc{
	domain.IntentShowHighRisk:             (*Executor).highRisk,
	domain.IntentLargeIncoming:            (*Executor).largeIncoming,
	domain.IntentHighRiskJurisdiction:     (*Executor).jurisdiction,
	domain.IntentStructuringNearThreshold: (*Executor).structuring,
	domain.IntentCircularFlow:             (*Executor).circularFlow,
	domain.IntentTopClusters:              (*Executor).topClusters,
}

// Execute runs req against its bucket.
func (e *Executor) Execute(ctx context.Context, req domain.QueryRequest) (*domain.QueryResult, error) {
	handler, ok := handlers[req.Intent]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownIntent, req.Intent)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	br, err := e.reader.BucketRisk(req.Bucket)
	if err != nil {
		return nil, err
	}
	txs, err := e.reader.BucketTransactions(req.Bucket)
	if err != nil {
		return nil, err
	}

	res := handler(e, req.Params, br, txs)
	res.Intent = req.Intent
	return res, nil
}

func (e *Executor) highRisk(p domain.QueryParams, br *domain.BucketRisk, txs []domain.Transaction) *domain.QueryResult {
	minRisk := floatOr(p.MinRisk, DefaultMinRisk)

	var matched []string
	for _, id := range br.Order {
		if br.Records[id].RiskScore >= minRisk {
			matched = append(matched, id)
		}
	}
	rankByRisk(matched, br)

	return result(matched, MaxEntities, graph.EdgesAmong(set(matched), txs, MaxEdges),
		fmt.Sprintf("%d entities with risk >= %.0f%%", len(matched), minRisk*100))
}

func (e *Executor) largeIncoming(p domain.QueryParams, _ *domain.BucketRisk, txs []domain.Transaction) *domain.QueryResult {
	minAmount := floatOr(p.MinAmount, DefaultMinAmount)

	var order []string
	sums := make(map[string]decimal.Decimal)
	for _, tx := range txs {
		cur, ok := sums[tx.ToID]
		if !ok {
			order = append(order, tx.ToID)
		}
		sums[tx.ToID] = cur.Add(decimal.NewFromFloat(tx.Amount))
	}

	incoming := make(map[string]float64, len(sums))
	var matched []string
	for _, id := range order {
		incoming[id], _ = sums[id].Float64()
		if incoming[id] >= minAmount {
			matched = append(matched, id)
		}
	}
	rankBy(matched, func(id string) float64 { return incoming[id] })

	return result(matched, MaxEntities, graph.EdgesTouching(set(matched), txs, MaxEdges),
		fmt.Sprintf("%d entities receiving >= $%s", len(matched), humanize.Comma(int64(math.Round(minAmount)))))
}

func (e *Executor) jurisdiction(p domain.QueryParams, br *domain.BucketRisk, txs []domain.Transaction) *domain.QueryResult {
	jur := intOr(p.Jurisdiction, 0)

	var matched []string
	for _, id := range br.Order {
		ent, ok := e.reader.Entity(id)
		if ok && ent.JurisdictionBucket == jur && br.Records[id].RiskScore > 0 {
			matched = append(matched, id)
		}
	}
	rankByRisk(matched, br)

	return result(matched, MaxEntities, graph.EdgesAmong(set(matched), txs, MaxEdges),
		fmt.Sprintf("%d risky entities in jurisdiction %d", len(matched), jur))
}

func (e *Executor) structuring(_ domain.QueryParams, br *domain.BucketRisk, txs []domain.Transaction) *domain.QueryResult {
	var matched []string
	for _, id := range br.Order {
		ev := br.Records[id].Evidence.Structuring
		if ev != nil && ev.NearThresholdCount >= StructuringMinCount {
			matched = append(matched, id)
		}
	}
	rankByRisk(matched, br)

	return result(matched, MaxEntities, graph.EdgesTouching(set(matched), txs, MaxEdges),
		fmt.Sprintf("%d entities with structuring patterns", len(matched)))
}

func (e *Executor) circularFlow(_ domain.QueryParams, br *domain.BucketRisk, txs []domain.Transaction) *domain.QueryResult {
	var matched []string
	inMatched := make(map[string]bool)
	counterparties := make(map[string]struct{})
	for _, id := range br.Order {
		ev := br.Records[id].Evidence.CircularFlow
		if ev != nil && ev.CycleCount >= 1 {
			matched = append(matched, id)
			inMatched[id] = true
			for _, cp := range ev.Counterparties {
				counterparties[cp] = struct{}{}
			}
		}
	}

	extra := make([]string, 0, len(counterparties))
	for cp := range counterparties {
		if !inMatched[cp] {
			extra = append(extra, cp)
		}
	}
	sort.Strings(extra)
	matched = append(matched, extra...)
	rankByRisk(matched, br)

	return result(matched, MaxEntities, graph.EdgesAmong(set(matched), txs, MaxEdges),
		fmt.Sprintf("%d entities involved in circular flows", len(matched)))
}

func (e *Executor) topClusters(p domain.QueryParams, br *domain.BucketRisk, txs []domain.Transaction) *domain.QueryResult {
	limit := max(intOr(p.Limit, DefaultClusterLimit), 0)

	clusters := graph.DetectClusters(br, txs, e.clusterThreshold)
	sort.SliceStable(clusters, func(i, j int) bool {
		return clusters[i].RiskScore > clusters[j].RiskScore
	})
	top := clusters[:min(limit, len(clusters))]

	var matched []string
	seen := make(map[string]bool)
	for _, c := range top {
		for _, id := range c.EntityIDs {
			if !seen[id] {
				seen[id] = true
				matched = append(matched, id)
			}
		}
	}

	return result(matched, MaxClusterEntities, graph.EdgesAmong(seen, txs, MaxEdges),
		fmt.Sprintf("Top %d clusters (%d entities)", len(top), len(matched)))
}

func result(matched []string, limit int, edges []domain.Edge, summary string) *domain.QueryResult {
	ids := make([]string, 0, min(len(matched), limit))
	ids = append(ids, matched[:min(len(matched), limit)]...)
	return &domain.QueryResult{
		EntityIDs:  ids,
		Edges:      edges,
		TotalCount: len(matched),
		Summary:    summary,
	}
}

func rankByRisk(ids []string, br *domain.BucketRisk) {
	rankBy(ids, br.Score)
}

// rankBy sorts ids by score descending; equal scores keep their order.
func rankBy(ids []string, score func(string) float64) {
	sort.SliceStable(ids, func(i, j int) bool {
		return score(ids[i]) > score(ids[j])
	})
}

func set(ids []string) map[string]bool {
	m := make(map[string]bool, len(ids))
	for _, id := range ids {
		m[id] = true
	}
	return m
}

func floatOr(v *float64, def float64) float64 {
	if v == nil {
		return def
	}
	return *v
}

func intOr(v *int, def int) int {
	if v == nil {
		return def
	}
	return *v
}
