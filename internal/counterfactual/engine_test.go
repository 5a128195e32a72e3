package counterfactual

import (
	"errors"
	"fmt"
	"testing"

	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/risk"
)

// memReader serves a single bucket scored with production limits.
type memReader struct {
	txs  []domain.Transaction
	risk *domain.BucketRisk
}

func newMemReader(txs []domain.Transaction) *memReader {
	return &memReader{txs: txs, risk: risk.ComputeBucket(txs)}
}

var errNoBucket = errors.New("no such bucket")

func (m *memReader) BucketTransactions(b int) ([]domain.Transaction, error) {
	if b != 0 {
		return nil, errNoBucket
	}
	return append([]domain.Transaction(nil), m.txs...), nil
}

func (m *memReader) EntityRisk(b int, id string) domain.RiskRecord {
	r, _ := m.risk.Get(id)
	return r
}

func tx(id, from, to string, amount float64, ts int64) domain.Transaction {
	return domain.Transaction{TxID: id, FromID: from, ToID: to, Amount: amount, Currency: "USD", Timestamp: ts}
}

func TestStructuringRemovedCompletely(t *testing.T) {
	var txs []domain.Transaction
	for i := 0; i < 10; i++ {
		txs = append(txs, tx(fmt.Sprintf("t%d", i), "S", "R", 9100+float64(i)*50, int64(i)*3600))
	}
	r := newMemReader(txs)

	res, err := NewEngine(r).Compute("S", 0)
	if err != nil {
		t.Fatalf("Compute failed: %v", err)
	}
	if res.Original.RiskScore != 0.3 {
		t.Fatalf("original risk = %v, want 0.3", res.Original.RiskScore)
	}
	if res.Counterfactual.RiskScore != 0 {
		t.Errorf("counterfactual risk = %v, want 0", res.Counterfactual.RiskScore)
	}
	if res.Delta.TxCountRemoved != 10 {
		t.Errorf("tx_count_removed = %d, want 10", res.Delta.TxCountRemoved)
	}
	if res.Delta.RiskScore != -0.3 {
		t.Errorf("delta = %v, want -0.3", res.Delta.RiskScore)
	}
	if len(res.RemovedEdges) != 10 {
		t.Errorf("removed edges = %d, want 10", len(res.RemovedEdges))
	}
	for _, e := range res.RemovedEdges {
		if e.Reason != domain.DetectorStructuring {
			t.Errorf("edge %+v has reason %q", e, e.Reason)
		}
	}
}

func TestDuplicateKeysRemoveEveryMatch(t *testing.T) {
	// Two transfers share (from, to, amount); one edge entry removes both.
	txs := []domain.Transaction{
		tx("a", "S", "R", 9500, 0),
		tx("b", "S", "R", 9500, 10),
		tx("c", "S", "R", 9600, 20),
		tx("d", "S", "R", 120, 30),
	}
	r := newMemReader(txs)

	res, err := NewEngine(r).Compute("S", 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(res.RemovedEdges) != 2 {
		t.Fatalf("removed edges = %d, want 2", len(res.RemovedEdges))
	}
	if res.Delta.TxCountRemoved != 3 {
		t.Errorf("tx_count_removed = %d, want 3", res.Delta.TxCountRemoved)
	}
}

func TestCircularFlowEdges(t *testing.T) {
	txs := []domain.Transaction{
		tx("1", "A", "B", 500, 0),
		tx("2", "B", "C", 500, 100),
		tx("3", "C", "A", 500, 200),
		tx("4", "A", "D", 70, 300),
	}
	r := newMemReader(txs)

	res, err := NewEngine(r).Compute("A", 0)
	if err != nil {
		t.Fatal(err)
	}

	want := map[string]bool{"A->B": true, "C->A": true}
	if len(res.RemovedEdges) != len(want) {
		t.Fatalf("removed edges = %+v", res.RemovedEdges)
	}
	for _, e := range res.RemovedEdges {
		if !want[e.FromID+"->"+e.ToID] {
			t.Errorf("unexpected removed edge %+v", e)
		}
		if e.Reason != domain.DetectorCircularFlow {
			t.Errorf("edge %+v has reason %q", e, e.Reason)
		}
	}
	if res.Counterfactual.Evidence.CircularFlow != nil {
		t.Error("cycle should be broken in the counterfactual")
	}
	if res.Delta.RiskScore >= 0 {
		t.Errorf("delta = %v, want negative", res.Delta.RiskScore)
	}
}

func TestNoEvidenceNoChange(t *testing.T) {
	txs := []domain.Transaction{
		tx("1", "A", "B", 100, 0),
		tx("2", "B", "C", 200, 0),
	}
	r := newMemReader(txs)

	res, err := NewEngine(r).Compute("A", 0)
	if err != nil {
		t.Fatal(err)
	}
	if res.RemovedEdges == nil || len(res.RemovedEdges) != 0 {
		t.Errorf("removed edges = %#v, want empty non-nil", res.RemovedEdges)
	}
	if res.Delta.TxCountRemoved != 0 || res.Delta.RiskScore != 0 {
		t.Errorf("delta = %+v, want zero", res.Delta)
	}
}

func TestUnknownEntity(t *testing.T) {
	r := newMemReader([]domain.Transaction{tx("1", "A", "B", 100, 0)})

	res, err := NewEngine(r).Compute("ghost", 0)
	if err != nil {
		t.Fatal(err)
	}
	if res.Original.RiskScore != 0 || res.Counterfactual.RiskScore != 0 {
		t.Errorf("unknown entity should score 0 both ways: %+v", res)
	}
}

func TestBucketError(t *testing.T) {
	r := newMemReader(nil)
	if _, err := NewEngine(r).Compute("A", 7); !errors.Is(err, errNoBucket) {
		t.Errorf("err = %v, want errNoBucket", err)
	}
}

func TestSuspiciousEdgesCap(t *testing.T) {
	var txs []domain.Transaction
	for i := 0; i < 80; i++ {
		txs = append(txs, tx(fmt.Sprintf("t%d", i), "S", fmt.Sprintf("R%d", i), 9001+float64(i), 0))
	}
	ev := domain.Evidence{Structuring: &domain.StructuringEvidence{NearThresholdCount: 80}}

	got := SuspiciousEdges("S", txs, ev)
	if len(got) != MaxRemovedEdges {
		t.Errorf("len = %d, want %d", len(got), MaxRemovedEdges)
	}
}

func TestVelocityRapidFire(t *testing.T) {
	txs := []domain.Transaction{
		tx("3", "V", "B", 10, 1000),
		tx("1", "V", "B", 11, 0),
		tx("2", "V", "C", 12, 60),
		tx("4", "D", "V", 13, 1050),
	}
	ev := domain.Evidence{Velocity: &domain.VelocityEvidence{TxCount: 4, PopulationP95: 2}}

	got := SuspiciousEdges("V", txs, ev)
	// Sorted by time: 0, 60, 1000, 1050. Gaps under 120s flag tx at 60 and 1050.
	if len(got) != 2 {
		t.Fatalf("got %+v", got)
	}
	if got[0].Amount != 12 || got[1].Amount != 13 {
		t.Errorf("got %+v", got)
	}

	ev.Velocity.TxCount = 2
	if got := SuspiciousEdges("V", txs, ev); len(got) != 0 {
		t.Errorf("entity at p95 should not flag velocity edges: %+v", got)
	}
}
