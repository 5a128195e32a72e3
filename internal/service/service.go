// Package service owns one loaded snapshot and serializes access to it.
// Reads share the lock; injections take it exclusively.
package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/opensource-finance/kestrel/internal/cache"
	"github.com/opensource-finance/kestrel/internal/counterfactual"
	"github.com/opensource-finance/kestrel/internal/dashboard"
	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/graph"
	"github.com/opensource-finance/kestrel/internal/metrics"
	"github.com/opensource-finance/kestrel/internal/query"
	"github.com/opensource-finance/kestrel/internal/rules"
	"github.com/opensource-finance/kestrel/internal/snapshot"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
)

var (
	ErrEntityNotFound  = errors.New("entity not found")
	ErrInvalidHops     = fmt.Errorf("k must be between 1 and %d", graph.MaxHops)
	ErrEmptyBatch      = errors.New("no transactions to inject")
	ErrRuleNotFound    = errors.New("rule not found")
	ErrNoRepository    = errors.New("repository not configured")
	ErrNoRuleEngine    = errors.New("rule engine not configured")
	ErrDatasetRequired = errors.New("dataset id is required")
)

const defaultQueryTTL = 5 * time.Minute

// Service is the risk core for one dataset.
type Service struct {
	mu sync.RWMutex

	datasetID string
	store     *snapshot.Store
	executor  *query.Executor
	cf        *counterfactual.Engine

	cache    domain.Cache
	queryTTL time.Duration
	repo     domain.Repository
	bus      domain.EventBus
	rules    *rules.Engine
	metrics  *metrics.Metrics

	clusterThreshold float64
	persistRisk      bool

	tracer trace.Tracer
	logger *slog.Logger
}

// Option configures a Service.
type Option func(*Service)

// WithRepository enables the audit trail, rule storage and alert history.
func WithRepository(r domain.Repository) Option {
	return func(s *Service) { s.repo = r }
}

// WithCache caches query results for ttl.
func WithCache(c domain.Cache, ttl time.Duration) Option {
	return func(s *Service) {
		s.cache = c
		if ttl > 0 {
			s.queryTTL = ttl
		}
	}
}

// WithBus publishes recompute and alert events.
func WithBus(b domain.EventBus) Option {
	return func(s *Service) { s.bus = b }
}

// WithRules evaluates alert rules after every recompute.
func WithRules(e *rules.Engine) Option {
	return func(s *Service) { s.rules = e }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Service) { s.metrics = m }
}

func WithLogger(l *slog.Logger) Option {
	return func(s *Service) { s.logger = l }
}

// WithClusterThreshold sets the default cluster membership threshold.
func WithClusterThreshold(t float64) Option {
	return func(s *Service) {
		if t > 0 {
			s.clusterThreshold = t
		}
	}
}

// WithRiskPersistence writes every computed bucket to the repository.
func WithRiskPersistence(enabled bool) Option {
	return func(s *Service) { s.persistRisk = enabled }
}

// New wraps a loaded store.
func New(datasetID string, store *snapshot.Store, opts ...Option) (*Service, error) {
	if datasetID == "" {
		return nil, ErrDatasetRequired
	}
	if store == nil || !store.Loaded() {
		return nil, snapshot.ErrNotLoaded
	}

	s := &Service{
		datasetID:        datasetID,
		store:            store,
		queryTTL:         defaultQueryTTL,
		clusterThreshold: graph.DefaultClusterThreshold,
		tracer:           otel.Tracer("kestrel-service"),
		logger:           slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.executor = query.NewExecutor(store, s.clusterThreshold)
	s.cf = counterfactual.NewEngine(store)
	return s, nil
}

// DatasetID returns the dataset this service serves.
func (s *Service) DatasetID() string {
	return s.datasetID
}

// NBuckets returns the number of buckets in the snapshot.
func (s *Service) NBuckets() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.store.NBuckets()
}

// Precompute scores every bucket and, when enabled, persists the result.
func (s *Service) Precompute(ctx context.Context, workers int) error {
	s.mu.Lock()
	start := time.Now()
	err := s.store.Precompute(ctx, workers)
	s.metrics.ObservePrecompute(time.Since(start))
	if err != nil {
		s.mu.Unlock()
		return err
	}

	type computed struct {
		bucket     int
		generation uint64
		risk       *domain.BucketRisk
	}
	var pending []computed
	if s.persistRisk && s.repo != nil {
		for b := range s.store.NBuckets() {
			br, _ := s.store.BucketRisk(b)
			pending = append(pending, computed{b, s.store.Generation(b), br})
		}
	}
	s.mu.Unlock()

	for _, c := range pending {
		if err := s.repo.SaveBucketRisk(ctx, s.datasetID, c.bucket, c.generation, c.risk); err != nil {
			return fmt.Errorf("persist bucket %d: %w", c.bucket, err)
		}
	}
	if len(pending) > 0 {
		s.logger.Info("risk persisted", "dataset_id", s.datasetID, "buckets", len(pending))
	}
	return nil
}

// Ready reports whether the snapshot is loaded and every configured
// backend answers.
func (s *Service) Ready(ctx context.Context) error {
	s.mu.RLock()
	loaded := s.store.Loaded()
	s.mu.RUnlock()
	if !loaded {
		return snapshot.ErrNotLoaded
	}

	if s.repo != nil {
		if err := s.repo.Ping(ctx); err != nil {
			return fmt.Errorf("repository: %w", err)
		}
	}
	if s.cache != nil {
		if err := s.cache.Ping(ctx); err != nil {
			return fmt.Errorf("cache: %w", err)
		}
	}
	if s.bus != nil {
		if err := s.bus.Ping(ctx); err != nil {
			return fmt.Errorf("bus: %w", err)
		}
	}
	return nil
}

// Snapshot returns the graph of bucket t. An empty bucket lists every
// entity with no edges.
func (s *Service) Snapshot(bucket int) (*domain.SnapshotView, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	br, err := s.store.BucketRisk(bucket)
	if err != nil {
		return nil, err
	}
	txs, err := s.store.BucketTransactions(bucket)
	if err != nil {
		return nil, err
	}

	ids := s.store.BucketEntities(bucket)
	if len(ids) == 0 {
		for _, e := range s.store.Entities() {
			ids = append(ids, e.ID)
		}
	}
	slices.Sort(ids)

	view := &domain.SnapshotView{
		Nodes: make([]domain.Node, 0, len(ids)),
		Edges: make([]domain.Edge, 0, len(txs)),
	}
	for _, id := range ids {
		view.Nodes = append(view.Nodes, s.node(id, br))
	}
	for _, tx := range txs {
		if tx.IsSelfLoop() {
			continue
		}
		view.Edges = append(view.Edges, domain.Edge{FromID: tx.FromID, ToID: tx.ToID, Amount: tx.Amount})
	}

	meta := s.store.Metadata()
	view.Meta = domain.SnapshotMeta{
		Bucket:            bucket,
		NBuckets:          s.store.NBuckets(),
		NEntities:         len(s.store.Entities()),
		NTransactions:     s.store.TransactionCount(),
		BucketSizeSeconds: meta.BucketSizeSeconds,
	}
	return view, nil
}

// node renders id for a graph view; unresolved ids get the unknown placeholder.
func (s *Service) node(id string, br *domain.BucketRisk) domain.Node {
	e, ok := s.store.Entity(id)
	if !ok {
		e = domain.UnknownEntity(id)
	}
	return domain.Node{
		ID:                 e.ID,
		JurisdictionBucket: e.JurisdictionBucket,
		KYCLevel:           e.KYCLevel,
		RiskScore:          br.Score(id),
	}
}

// resolve finds id in the entity list. An id missing from the list but
// active in bucket is valid and resolves to the unknown placeholder.
// Callers hold the lock.
func (s *Service) resolve(id string, bucket int) (domain.Entity, error) {
	if e, ok := s.store.Entity(id); ok {
		return e, nil
	}
	if _, ok := s.store.Activity(bucket, id); ok {
		return domain.UnknownEntity(id), nil
	}
	return domain.Entity{}, fmt.Errorf("%w: %s", ErrEntityNotFound, id)
}

// EntityDetail returns an entity with its risk and flows in bucket t.
func (s *Service) EntityDetail(id string, bucket int) (*domain.EntityDetail, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if err := s.store.CheckBucket(bucket); err != nil {
		return nil, err
	}
	e, err := s.resolve(id, bucket)
	if err != nil {
		return nil, err
	}
	act, _ := s.store.Activity(bucket, id)
	return &domain.EntityDetail{
		Entity:   e,
		Bucket:   bucket,
		Risk:     s.store.EntityRisk(bucket, id),
		Activity: act,
	}, nil
}

// Neighbors returns the k-hop subgraph around id in bucket t.
func (s *Service) Neighbors(id string, k, bucket int) (*domain.Neighborhood, error) {
	if k < 1 || k > graph.MaxHops {
		return nil, ErrInvalidHops
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	br, err := s.store.BucketRisk(bucket)
	if err != nil {
		return nil, err
	}
	if _, err := s.resolve(id, bucket); err != nil {
		return nil, err
	}
	txs, _ := s.store.BucketTransactions(bucket)

	ids, edges := graph.Neighborhood(id, k, txs)
	out := &domain.Neighborhood{
		CenterID: id,
		K:        k,
		Nodes:    make([]domain.Node, 0, len(ids)),
		Edges:    edges,
	}
	for _, nid := range ids {
		out.Nodes = append(out.Nodes, s.node(nid, br))
	}
	return out, nil
}

// Clusters groups the risky entities of bucket t. A non-positive
// threshold selects the configured default.
func (s *Service) Clusters(bucket int, threshold float64) ([]domain.Cluster, error) {
	if threshold <= 0 {
		threshold = s.clusterThreshold
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	br, err := s.store.BucketRisk(bucket)
	if err != nil {
		return nil, err
	}
	txs, _ := s.store.BucketTransactions(bucket)
	return graph.DetectClusters(br, txs, threshold), nil
}

// Query runs a structured query, serving repeated requests from the cache
// until the bucket is recomputed.
func (s *Service) Query(ctx context.Context, req domain.QueryRequest) (*domain.QueryResult, error) {
	if !req.Intent.Valid() {
		return nil, fmt.Errorf("%w: %q", query.ErrUnknownIntent, req.Intent)
	}
	start := time.Now()

	s.mu.RLock()
	defer s.mu.RUnlock()

	if err := s.store.CheckBucket(req.Bucket); err != nil {
		return nil, err
	}

	key := cache.QueryKey(req.Bucket, s.store.Generation(req.Bucket), req.Intent, req.Params)
	if s.cache != nil {
		cached, err := s.cache.GetQueryResult(ctx, s.datasetID, key)
		if err != nil {
			s.logger.Warn("query cache read failed", "key", key, "error", err)
		} else if cached != nil {
			s.metrics.ObserveQuery(string(req.Intent), true, time.Since(start))
			return cached, nil
		}
	}

	res, err := s.executor.Execute(ctx, req)
	if err != nil {
		return nil, err
	}

	if s.cache != nil {
		if err := s.cache.SetQueryResult(ctx, s.datasetID, key, res, s.queryTTL); err != nil {
			s.logger.Warn("query cache write failed", "key", key, "error", err)
		}
	}
	s.metrics.ObserveQuery(string(req.Intent), false, time.Since(start))
	return res, nil
}

// ParseQuery maps free text onto an intent.
func (s *Service) ParseQuery(text string) domain.ParsedQuery {
	return query.ParseIntent(text)
}

// Counterfactual removes id's suspicious edges in bucket t and re-scores it.
func (s *Service) Counterfactual(id string, bucket int) (*domain.CounterfactualResult, error) {
	start := time.Now()

	s.mu.RLock()
	defer s.mu.RUnlock()

	if _, err := s.store.BucketRisk(bucket); err != nil {
		return nil, err
	}
	if _, err := s.resolve(id, bucket); err != nil {
		return nil, err
	}
	res, err := s.cf.Compute(id, bucket)
	if err != nil {
		return nil, err
	}
	s.metrics.ObserveCounterfactual(time.Since(start))
	return res, nil
}

// Dashboard summarizes bucket t.
func (s *Service) Dashboard(bucket int) (*domain.Dashboard, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return dashboard.Compute(s.store, bucket)
}
