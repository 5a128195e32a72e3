// Package snapshot holds one dataset in memory: entities, transactions,
// the bucket index, the global undirected adjacency and the precomputed
// risk of every bucket.
//
// A Store has no internal locking. Readers and the single writer that
// appends transactions and recomputes buckets must be serialized by the
// owner (see service.Service).
package snapshot

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strconv"
	"time"

	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/risk"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"
)

var (
	ErrNotLoaded         = errors.New("snapshot not loaded")
	ErrBucketOutOfRange  = errors.New("bucket out of range")
	ErrBucketNotComputed = errors.New("bucket risk not computed")
)

// Store is an explicitly owned, in-memory snapshot.
type Store struct {
	meta         domain.SnapshotMetadata
	entities     []domain.Entity
	entitiesByID map[string]int
	transactions []domain.Transaction
	buckets      [][]int
	adjacency    map[string]map[string]struct{}

	risk        []*domain.BucketRisk
	generations []uint64

	scorer *risk.Scorer
	logger *slog.Logger
	loaded bool
}

// Option configures a Store.
type Option func(*Store)

// WithScorer overrides the fusion scorer.
func WithScorer(sc *risk.Scorer) Option {
	return func(s *Store) { s.scorer = sc }
}

// WithLogger sets the logger used for load and precompute summaries.
func WithLogger(l *slog.Logger) Option {
	return func(s *Store) { s.logger = l }
}

// New creates an empty store.
func New(opts ...Option) *Store {
	s := &Store{
		scorer: risk.NewScorer(),
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Load validates snap and builds the runtime indices in one pass over
// entities and transactions. Risk is not computed; call Precompute.
func (s *Store) Load(snap *domain.Snapshot) error {
	if err := Validate(snap); err != nil {
		return err
	}

	meta := snap.Metadata
	if meta.T0 != nil {
		t0 := *meta.T0
		meta.T0 = &t0
	}
	if meta.BucketSizeSeconds == 0 {
		meta.BucketSizeSeconds = domain.DefaultBucketSizeSeconds
	}

	txs := slices.Clone(snap.Transactions)
	var buckets [][]int
	var err error
	if len(snap.BucketIndex) > 0 {
		buckets, err = indexFromMap(snap.BucketIndex, txs)
	} else {
		buckets, err = bucketize(&meta, txs)
	}
	if err != nil {
		return err
	}
	meta.NBuckets = max(meta.NBuckets, len(buckets))
	for len(buckets) < meta.NBuckets {
		buckets = append(buckets, nil)
	}

	entitiesByID := make(map[string]int, len(snap.Entities))
	for i, e := range snap.Entities {
		entitiesByID[e.ID] = i
	}

	s.meta = meta
	s.entities = slices.Clone(snap.Entities)
	s.entitiesByID = entitiesByID
	s.transactions = txs
	s.buckets = buckets
	s.adjacency = make(map[string]map[string]struct{})
	for _, tx := range txs {
		s.link(tx)
	}
	s.risk = make([]*domain.BucketRisk, meta.NBuckets)
	s.generations = make([]uint64, meta.NBuckets)
	s.loaded = true

	s.logger.Info("snapshot loaded",
		"entities", len(s.entities),
		"transactions", len(s.transactions),
		"buckets", meta.NBuckets,
		"bucket_size_seconds", meta.BucketSizeSeconds,
	)
	return nil
}

// indexFromMap adopts a precomputed bucket index, keeping its tx order.
func indexFromMap(index map[string][]int, txs []domain.Transaction) ([][]int, error) {
	n := 0
	parsed := make(map[int][]int, len(index))
	for key, idxs := range index {
		b, err := strconv.Atoi(key)
		if err != nil || b < 0 {
			return nil, &ValidationError{Problems: []FieldError{{
				Record: "bucket_index", Index: -1, Field: key, Reason: "bucket key must be a non-negative integer",
			}}}
		}
		parsed[b] = idxs
		n = max(n, b+1)
	}

	buckets := make([][]int, n)
	for b, idxs := range parsed {
		buckets[b] = slices.Clone(idxs)
		for _, i := range idxs {
			txs[i].BucketIndex = b
		}
	}
	return buckets, nil
}

// bucketize assigns bucket_index = (timestamp - t0) / bucket_size to every
// transaction. t0 defaults to the earliest timestamp when the snapshot
// does not carry one.
func bucketize(meta *domain.SnapshotMetadata, txs []domain.Transaction) ([][]int, error) {
	if len(txs) == 0 {
		return nil, nil
	}
	if meta.T0 == nil {
		t0 := txs[0].Timestamp
		for _, tx := range txs[1:] {
			t0 = min(t0, tx.Timestamp)
		}
		meta.T0 = &t0
	}
	t0 := *meta.T0

	verr := &ValidationError{}
	var buckets [][]int
	for i := range txs {
		if txs[i].Timestamp < t0 {
			verr.add("transaction", i, "timestamp", "precedes t0")
			continue
		}
		b := int((txs[i].Timestamp - t0) / meta.BucketSizeSeconds)
		txs[i].BucketIndex = b
		for len(buckets) <= b {
			buckets = append(buckets, nil)
		}
		buckets[b] = append(buckets[b], i)
	}
	if err := verr.orNil(); err != nil {
		return nil, err
	}
	return buckets, nil
}

func (s *Store) link(tx domain.Transaction) {
	if tx.IsSelfLoop() {
		return
	}
	s.neighborSet(tx.FromID)[tx.ToID] = struct{}{}
	s.neighborSet(tx.ToID)[tx.FromID] = struct{}{}
}

func (s *Store) neighborSet(id string) map[string]struct{} {
	set, ok := s.adjacency[id]
	if !ok {
		set = make(map[string]struct{})
		s.adjacency[id] = set
	}
	return set
}

// Precompute scores every bucket. Buckets are independent, so up to
// workers buckets are fused concurrently; results are installed only
// after all of them succeed.
func (s *Store) Precompute(ctx context.Context, workers int) error {
	if !s.loaded {
		return ErrNotLoaded
	}
	start := time.Now()

	results := make([]*domain.BucketRisk, len(s.buckets))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(max(workers, 1))
	for b := range s.buckets {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			results[b] = s.scorer.ComputeBucket(s.bucketTransactions(b))
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return fmt.Errorf("precompute: %w", err)
	}

	scored, nonzero, maxScore := 0, 0, 0.0
	for b, br := range results {
		s.risk[b] = br
		s.generations[b]++
		for _, rec := range br.Records {
			scored++
			if rec.RiskScore > 0 {
				nonzero++
			}
			maxScore = max(maxScore, rec.RiskScore)
		}
	}

	s.logger.Info("risk precomputed",
		"entity_buckets", scored,
		"nonzero", nonzero,
		"max_score", maxScore,
		"duration_ms", time.Since(start).Milliseconds(),
	)
	return nil
}

// RecomputeBucket reruns fusion for one bucket and bumps its generation.
func (s *Store) RecomputeBucket(b int) (*domain.BucketRisk, error) {
	if err := s.CheckBucket(b); err != nil {
		return nil, err
	}
	br := s.scorer.ComputeBucket(s.bucketTransactions(b))
	s.risk[b] = br
	s.generations[b]++
	return br, nil
}

// AppendTransaction adds tx to bucket b in O(1) without touching other
// buckets. The bucket's risk is stale until RecomputeBucket is called.
func (s *Store) AppendTransaction(b int, tx domain.Transaction) error {
	if err := s.CheckBucket(b); err != nil {
		return err
	}
	if err := ValidateTransaction(tx); err != nil {
		return err
	}
	tx.BucketIndex = b
	s.transactions = append(s.transactions, tx)
	s.buckets[b] = append(s.buckets[b], len(s.transactions)-1)
	s.link(tx)
	return nil
}

// CheckBucket reports whether b is a valid bucket of a loaded snapshot.
func (s *Store) CheckBucket(b int) error {
	if !s.loaded {
		return ErrNotLoaded
	}
	if b < 0 || b >= len(s.buckets) {
		return fmt.Errorf("%w: t=%d not in [0, %d]", ErrBucketOutOfRange, b, len(s.buckets)-1)
	}
	return nil
}

// BucketTransactions returns a copy of bucket b's transactions in their
// original relative order.
func (s *Store) BucketTransactions(b int) ([]domain.Transaction, error) {
	if err := s.CheckBucket(b); err != nil {
		return nil, err
	}
	return s.bucketTransactions(b), nil
}

func (s *Store) bucketTransactions(b int) []domain.Transaction {
	idxs := s.buckets[b]
	out := make([]domain.Transaction, len(idxs))
	for i, idx := range idxs {
		out[i] = s.transactions[idx]
	}
	return out
}

// BucketRisk returns the precomputed risk of bucket b.
func (s *Store) BucketRisk(b int) (*domain.BucketRisk, error) {
	if err := s.CheckBucket(b); err != nil {
		return nil, err
	}
	if s.risk[b] == nil {
		return nil, fmt.Errorf("%w: t=%d", ErrBucketNotComputed, b)
	}
	return s.risk[b], nil
}

// EntityRisk returns the risk of id in bucket b. Entities without activity
// in the bucket, or an invalid bucket, yield the zero record.
func (s *Store) EntityRisk(b int, id string) domain.RiskRecord {
	if b < 0 || b >= len(s.risk) {
		return domain.ZeroRisk()
	}
	rec, _ := s.risk[b].Get(id)
	return rec
}

// Generation increments every time bucket b's risk is replaced.
func (s *Store) Generation(b int) uint64 {
	if b < 0 || b >= len(s.generations) {
		return 0
	}
	return s.generations[b]
}

// Entity looks up an entity by id.
func (s *Store) Entity(id string) (domain.Entity, bool) {
	i, ok := s.entitiesByID[id]
	if !ok {
		return domain.Entity{}, false
	}
	return s.entities[i], true
}

// Entities returns all entities in load order.
func (s *Store) Entities() []domain.Entity {
	return s.entities
}

// Neighbors returns the sorted global undirected neighbors of id.
func (s *Store) Neighbors(id string) []string {
	set := s.adjacency[id]
	out := make([]string, 0, len(set))
	for n := range set {
		out = append(out, n)
	}
	slices.Sort(out)
	return out
}

// NBuckets returns the number of buckets.
func (s *Store) NBuckets() int {
	return len(s.buckets)
}

// Metadata returns the effective bucketing metadata.
func (s *Store) Metadata() domain.SnapshotMetadata {
	m := s.meta
	m.NBuckets = len(s.buckets)
	if m.T0 != nil {
		t0 := *m.T0
		m.T0 = &t0
	}
	return m
}

// TransactionCount returns the number of transactions across all buckets.
func (s *Store) TransactionCount() int {
	return len(s.transactions)
}

// Loaded reports whether Load succeeded.
func (s *Store) Loaded() bool {
	return s.loaded
}

// BucketEntities lists entities active in bucket b in first-appearance order.
func (s *Store) BucketEntities(b int) []string {
	if s.CheckBucket(b) != nil {
		return nil
	}
	seen := make(map[string]struct{})
	var out []string
	for _, idx := range s.buckets[b] {
		tx := s.transactions[idx]
		for _, id := range [2]string{tx.FromID, tx.ToID} {
			if _, ok := seen[id]; !ok {
				seen[id] = struct{}{}
				out = append(out, id)
			}
		}
	}
	return out
}

// Activity aggregates id's flows in bucket b.
func (s *Store) Activity(b int, id string) (domain.Activity, bool) {
	if s.CheckBucket(b) != nil {
		return domain.Activity{}, false
	}
	var act domain.Activity
	var inSum, outSum decimal.Decimal
	found := false
	for _, idx := range s.buckets[b] {
		tx := s.transactions[idx]
		amt := decimal.NewFromFloat(tx.Amount)
		if tx.FromID == id {
			act.OutCount++
			outSum = outSum.Add(amt)
			found = true
		}
		if tx.ToID == id {
			act.InCount++
			inSum = inSum.Add(amt)
			found = true
		}
	}
	act.InSum, _ = inSum.Round(2).Float64()
	act.OutSum, _ = outSum.Round(2).Float64()
	return act, found
}
