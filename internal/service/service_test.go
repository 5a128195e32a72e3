package service

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/opensource-finance/kestrel/internal/bus"
	"github.com/opensource-finance/kestrel/internal/cache"
	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/query"
	"github.com/opensource-finance/kestrel/internal/repository"
	"github.com/opensource-finance/kestrel/internal/rules"
	"github.com/opensource-finance/kestrel/internal/snapshot"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testDataset = "test-ds"

// testSnapshot has a structuring pair in bucket 0, a three-party cycle in
// bucket 1 and an empty bucket 2. X never transacts.
func testSnapshot() *domain.Snapshot {
	snap := &domain.Snapshot{
		Metadata: domain.SnapshotMetadata{BucketSizeSeconds: 86400, T0: epoch(0), NBuckets: 3},
	}
	for i, id := range []string{"S", "R", "A", "B", "C", "X"} {
		snap.Entities = append(snap.Entities, domain.Entity{
			ID:                 id,
			Type:               "individual",
			Bank:               "bank-1",
			JurisdictionBucket: i % 2,
			KYCLevel:           domain.KYCStandard,
		})
	}
	for i := range 10 {
		snap.Transactions = append(snap.Transactions, domain.Transaction{
			TxID: fmt.Sprintf("s%d", i), FromID: "S", ToID: "R",
			Amount: 9100 + float64(i)*50, Currency: "USD", Timestamp: int64(i) * 3600,
		})
	}
	for i, pair := range [][2]string{{"A", "B"}, {"B", "C"}, {"C", "A"}} {
		snap.Transactions = append(snap.Transactions, domain.Transaction{
			TxID: fmt.Sprintf("c%d", i), FromID: pair[0], ToID: pair[1],
			Amount: 500, Currency: "USD", Timestamp: 86400 + int64(i)*100,
		})
	}
	return snap
}

func epoch(ts int64) *int64 { return &ts }

type fixture struct {
	svc   *Service
	repo  *repository.SQLRepository
	cache *cache.LRUCache
	bus   *bus.ChannelBus
	rules *rules.Engine
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	store := snapshot.New()
	require.NoError(t, store.Load(testSnapshot()))

	repo, err := repository.New(domain.RepositoryConfig{
		Driver:     "sqlite",
		SQLitePath: filepath.Join(t.TempDir(), "kestrel.db"),
	})
	require.NoError(t, err)
	t.Cleanup(func() { repo.Close() })

	lru := cache.NewLRUCache(100)
	b := bus.NewChannelBus(16)
	t.Cleanup(func() { b.Close() })

	engine, err := rules.NewEngine(2)
	require.NoError(t, err)

	svc, err := New(testDataset, store,
		WithRepository(repo),
		WithCache(lru, time.Minute),
		WithBus(b),
		WithRules(engine),
		WithRiskPersistence(true),
	)
	require.NoError(t, err)
	require.NoError(t, svc.Precompute(context.Background(), 2))

	return &fixture{svc: svc, repo: repo, cache: lru, bus: b, rules: engine}
}

func TestNewRequiresLoadedStore(t *testing.T) {
	_, err := New(testDataset, snapshot.New())
	assert.ErrorIs(t, err, snapshot.ErrNotLoaded)

	store := snapshot.New()
	require.NoError(t, store.Load(testSnapshot()))
	_, err = New("", store)
	assert.ErrorIs(t, err, ErrDatasetRequired)
}

func TestSnapshotView(t *testing.T) {
	f := newFixture(t)

	t.Run("ActiveBucket", func(t *testing.T) {
		view, err := f.svc.Snapshot(1)
		require.NoError(t, err)

		ids := make([]string, len(view.Nodes))
		for i, n := range view.Nodes {
			ids[i] = n.ID
			assert.Equal(t, 0.3, n.RiskScore, "node %s", n.ID)
		}
		assert.Equal(t, []string{"A", "B", "C"}, ids)
		assert.Len(t, view.Edges, 3)
		assert.Equal(t, domain.SnapshotMeta{
			Bucket:            1,
			NBuckets:          3,
			NEntities:         6,
			NTransactions:     13,
			BucketSizeSeconds: 86400,
		}, view.Meta)
	})

	t.Run("EmptyBucketListsEveryEntity", func(t *testing.T) {
		view, err := f.svc.Snapshot(2)
		require.NoError(t, err)
		assert.Len(t, view.Nodes, 6)
		assert.Empty(t, view.Edges)
		for _, n := range view.Nodes {
			assert.Zero(t, n.RiskScore)
		}
	})

	t.Run("OutOfRange", func(t *testing.T) {
		_, err := f.svc.Snapshot(3)
		assert.ErrorIs(t, err, snapshot.ErrBucketOutOfRange)
	})
}

func TestEntityDetail(t *testing.T) {
	f := newFixture(t)

	detail, err := f.svc.EntityDetail("S", 0)
	require.NoError(t, err)
	assert.Equal(t, "S", detail.Entity.ID)
	assert.Equal(t, 0.3, detail.Risk.RiskScore)
	assert.Equal(t, 10, detail.Activity.OutCount)
	assert.Zero(t, detail.Activity.InCount)

	idle, err := f.svc.EntityDetail("X", 0)
	require.NoError(t, err)
	assert.Zero(t, idle.Risk.RiskScore)
	assert.NotNil(t, idle.Risk.Reasons)

	_, err = f.svc.EntityDetail("nobody", 0)
	assert.ErrorIs(t, err, ErrEntityNotFound)

	_, err = f.svc.EntityDetail("S", -1)
	assert.ErrorIs(t, err, snapshot.ErrBucketOutOfRange)
}

func TestNeighbors(t *testing.T) {
	f := newFixture(t)

	n, err := f.svc.Neighbors("A", 1, 1)
	require.NoError(t, err)
	assert.Equal(t, "A", n.CenterID)
	assert.Len(t, n.Nodes, 3)
	assert.Len(t, n.Edges, 3)

	for _, k := range []int{0, 4} {
		_, err := f.svc.Neighbors("A", k, 1)
		assert.ErrorIs(t, err, ErrInvalidHops, "k=%d", k)
	}

	_, err = f.svc.Neighbors("nobody", 1, 1)
	assert.ErrorIs(t, err, ErrEntityNotFound)
}

func TestClusters(t *testing.T) {
	f := newFixture(t)

	clusters, err := f.svc.Clusters(1, 0)
	require.NoError(t, err)
	require.Len(t, clusters, 1)
	assert.Equal(t, 3, clusters[0].Size)

	none, err := f.svc.Clusters(1, 0.9)
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestQueryCaching(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	req := domain.QueryRequest{Intent: domain.IntentStructuringNearThreshold, Bucket: 0}

	first, err := f.svc.Query(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, []string{"S", "R"}, first.EntityIDs)

	size, _ := f.cache.Stats()
	assert.Equal(t, 1, size)

	second, err := f.svc.Query(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, first, second)
	size, _ = f.cache.Stats()
	assert.Equal(t, 1, size, "repeat query must hit the cache")

	_, err = f.svc.InjectTransactions(ctx, 0, []domain.Transaction{
		{TxID: "n1", FromID: "X", ToID: "S", Amount: 20, Currency: "USD", Timestamp: 100},
	}, TriggerAPI)
	require.NoError(t, err)

	_, err = f.svc.Query(ctx, req)
	require.NoError(t, err)
	size, _ = f.cache.Stats()
	assert.Equal(t, 2, size, "recompute must change the cache key")
}

func TestQueryErrors(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.svc.Query(ctx, domain.QueryRequest{Intent: "NOPE"})
	assert.ErrorIs(t, err, query.ErrUnknownIntent)

	_, err = f.svc.Query(ctx, domain.QueryRequest{Intent: domain.IntentShowHighRisk, Bucket: 9})
	assert.ErrorIs(t, err, snapshot.ErrBucketOutOfRange)
}

func TestCounterfactual(t *testing.T) {
	f := newFixture(t)

	res, err := f.svc.Counterfactual("S", 0)
	require.NoError(t, err)
	assert.Equal(t, 0.3, res.Original.RiskScore)
	assert.Zero(t, res.Counterfactual.RiskScore)
	assert.Equal(t, -0.3, res.Delta.RiskScore)
	assert.Equal(t, 10, res.Delta.TxCountRemoved)

	_, err = f.svc.Counterfactual("nobody", 0)
	assert.ErrorIs(t, err, ErrEntityNotFound)
}

func TestUnresolvedEntityIsValid(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	var txs []domain.Transaction
	for i := range 5 {
		txs = append(txs, domain.Transaction{
			TxID: fmt.Sprintf("g%d", i), FromID: "ghost", ToID: "R",
			Amount: 9500, Currency: "USD", Timestamp: 40000 + int64(i)*60,
		})
	}
	_, err := f.svc.InjectTransactions(ctx, 0, txs, TriggerAPI)
	require.NoError(t, err)

	detail, err := f.svc.EntityDetail("ghost", 0)
	require.NoError(t, err)
	assert.Equal(t, domain.UnknownEntity("ghost"), detail.Entity)
	assert.Equal(t, 0.3, detail.Risk.RiskScore)
	assert.Equal(t, 5, detail.Activity.OutCount)

	res, err := f.svc.Counterfactual("ghost", 0)
	require.NoError(t, err)
	assert.Equal(t, 0.3, res.Original.RiskScore)
	assert.Zero(t, res.Counterfactual.RiskScore)
	assert.Equal(t, 5, res.Delta.TxCountRemoved)

	view, err := f.svc.Snapshot(0)
	require.NoError(t, err)
	var ghost *domain.Node
	for i := range view.Nodes {
		if view.Nodes[i].ID == "ghost" {
			ghost = &view.Nodes[i]
		}
	}
	require.NotNil(t, ghost, "unresolved id must still appear in the bucket view")
	assert.Equal(t, 0.3, ghost.RiskScore)

	n, err := f.svc.Neighbors("ghost", 1, 0)
	require.NoError(t, err)
	assert.Len(t, n.Nodes, 2)

	_, err = f.svc.EntityDetail("ghost", 1)
	assert.ErrorIs(t, err, ErrEntityNotFound, "inactive in bucket 1 and not in the entity list")
}

func TestDashboard(t *testing.T) {
	f := newFixture(t)

	d, err := f.svc.Dashboard(1)
	require.NoError(t, err)
	assert.Equal(t, 1, d.KPIs.ClusterCount)
	assert.Equal(t, 3, d.KPIs.TotalEntities)
	assert.Len(t, d.Trend, 3)
}

func TestInjectTransactions(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	require.NoError(t, f.svc.SaveRule(ctx, &domain.AlertRule{
		ID:         "structuring-x",
		Name:       "Structuring by X",
		Expression: `entity_id == "X" && "structuring" in detectors`,
		Severity:   domain.SeverityHigh,
		Enabled:    true,
	}))

	events := make(chan *domain.Message, 8)
	for _, topic := range []string{domain.TopicBucketRecomputed, domain.TopicAlert} {
		_, err := f.bus.Subscribe(ctx, testDataset, topic, func(_ context.Context, msg *domain.Message) error {
			events <- msg
			return nil
		})
		require.NoError(t, err)
	}

	var batch []domain.Transaction
	for i := range 5 {
		batch = append(batch, domain.Transaction{
			TxID: fmt.Sprintf("x%d", i), FromID: "X", ToID: "A",
			Amount: 9500, Currency: "USD", Timestamp: 90000 + int64(i)*60,
		})
	}

	event, err := f.svc.InjectTransactions(ctx, 1, batch, TriggerAPI)
	require.NoError(t, err)
	assert.Equal(t, 1, event.Bucket)
	assert.Equal(t, uint64(2), event.Generation)
	assert.Equal(t, 5, event.Appended)
	assert.Equal(t, 4, event.Entities)
	assert.Equal(t, 1, event.AlertsRaised)

	received := map[string]*domain.Message{}
	for len(received) < 2 {
		select {
		case msg := <-events:
			received[msg.Topic] = msg
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out waiting for events, got %d", len(received))
		}
	}
	var published domain.RecomputeEvent
	require.NoError(t, json.Unmarshal(received[domain.TopicBucketRecomputed].Payload, &published))
	assert.Equal(t, event.Generation, published.Generation)

	var alert domain.Alert
	require.NoError(t, json.Unmarshal(received[domain.TopicAlert].Payload, &alert))
	assert.Equal(t, "X", alert.EntityID)
	assert.Equal(t, "structuring-x", alert.RuleID)

	stored, err := f.svc.Alerts(ctx, 1)
	require.NoError(t, err)
	require.Len(t, stored, 1)
	assert.Equal(t, domain.SeverityHigh, stored[0].Severity)

	history, err := f.svc.EntityHistory(ctx, "X")
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, uint64(2), history[0].Generation)
	assert.Greater(t, history[0].Record.RiskScore, 0.0)
}

func TestInjectValidation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.svc.InjectTransactions(ctx, 0, nil, TriggerAPI)
	assert.ErrorIs(t, err, ErrEmptyBatch)

	_, err = f.svc.InjectTransactions(ctx, 0, []domain.Transaction{
		{TxID: "ok", FromID: "S", ToID: "R", Amount: 1},
		{TxID: "bad", FromID: "S", ToID: "R", Amount: -1},
	}, TriggerAPI)
	assert.ErrorIs(t, err, snapshot.ErrInvalidSnapshot)

	detail, err := f.svc.EntityDetail("S", 0)
	require.NoError(t, err)
	assert.Equal(t, 10, detail.Activity.OutCount, "rejected batch must not be appended")

	_, err = f.svc.InjectTransactions(ctx, 7, []domain.Transaction{
		{TxID: "ok", FromID: "S", ToID: "R", Amount: 1},
	}, TriggerAPI)
	assert.ErrorIs(t, err, snapshot.ErrBucketOutOfRange)
}

func TestRuleManagement(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	rule := &domain.AlertRule{Name: "high", Expression: "risk_score > 0.5", Enabled: true}
	require.NoError(t, f.svc.SaveRule(ctx, rule))
	assert.NotEmpty(t, rule.ID)
	assert.Equal(t, domain.SeverityMedium, rule.Severity)

	got, err := f.svc.GetRule(ctx, rule.ID)
	require.NoError(t, err)
	assert.Equal(t, "risk_score > 0.5", got.Expression)

	err = f.svc.SaveRule(ctx, &domain.AlertRule{ID: "broken", Expression: "risk_score +", Enabled: true})
	assert.ErrorIs(t, err, repository.ErrInvalidInput)

	listed, err := f.svc.ListRules()
	require.NoError(t, err)
	assert.Len(t, listed, 1)

	require.NoError(t, f.svc.DeleteRule(ctx, rule.ID))
	listed, _ = f.svc.ListRules()
	assert.Empty(t, listed)

	_, err = f.svc.GetRule(ctx, "missing")
	assert.ErrorIs(t, err, ErrRuleNotFound)

	require.NoError(t, f.svc.SaveRule(ctx, &domain.AlertRule{ID: "again", Expression: "tx_count > 3", Enabled: true}))
	require.NoError(t, f.rules.Close())
	n, err := f.svc.ReloadRules(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestBucketAudit(t *testing.T) {
	f := newFixture(t)

	records, err := f.svc.BucketAudit(context.Background(), 1)
	require.NoError(t, err)
	require.Len(t, records, 3)
	for _, r := range records {
		assert.Equal(t, uint64(1), r.Generation)
	}
}

func TestOptionalBackendsMissing(t *testing.T) {
	store := snapshot.New()
	require.NoError(t, store.Load(testSnapshot()))
	svc, err := New(testDataset, store)
	require.NoError(t, err)
	require.NoError(t, svc.Precompute(context.Background(), 1))
	ctx := context.Background()

	_, err = svc.Alerts(ctx, 0)
	assert.ErrorIs(t, err, ErrNoRepository)
	_, err = svc.ListRules()
	assert.ErrorIs(t, err, ErrNoRuleEngine)

	res, err := svc.Query(ctx, domain.QueryRequest{Intent: domain.IntentShowHighRisk, Bucket: 0})
	require.NoError(t, err)
	assert.NotNil(t, res)
	require.NoError(t, svc.Ready(ctx))
}
