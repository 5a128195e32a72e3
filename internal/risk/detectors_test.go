package risk

import (
	"fmt"
	"testing"

	"github.com/opensource-finance/kestrel/internal/domain"
)

func TestStructuring(t *testing.T) {
	t.Run("SingleHitScoresZero", func(t *testing.T) {
		sig, ev := Structuring(domain.FeatureRecord{Amounts: []float64{9500}})
		if sig.Score != 0 {
			t.Errorf("expected 0, got %v", sig.Score)
		}
		if ev.NearThresholdCount != 1 {
			t.Errorf("expected count 1, got %d", ev.NearThresholdCount)
		}
	})

	t.Run("FiveHitsSaturate", func(t *testing.T) {
		sig, ev := Structuring(domain.FeatureRecord{Amounts: []float64{9000, 9100, 9200, 9300, 9999.99}})
		if sig.Score != 1 {
			t.Errorf("expected 1.0, got %v", sig.Score)
		}
		if sig.Detail != "5 tx in $9,000-$10,000 range" {
			t.Errorf("unexpected detail %q", sig.Detail)
		}
		if ev.Threshold != 10000 || ev.Delta != 1000 {
			t.Errorf("unexpected evidence %+v", ev)
		}
	})

	t.Run("BandIsHalfOpen", func(t *testing.T) {
		if !InStructuringBand(9000) {
			t.Error("9000 should be in band")
		}
		if InStructuringBand(10000) {
			t.Error("10000 should be outside band")
		}
		if InStructuringBand(8999.99) {
			t.Error("8999.99 should be outside band")
		}
	})

	t.Run("NoAmounts", func(t *testing.T) {
		sig, ev := Structuring(domain.FeatureRecord{})
		if sig != (Signal{}) || ev != nil {
			t.Errorf("expected no signal, got %+v %+v", sig, ev)
		}
	})
}

func TestVelocity(t *testing.T) {
	features := func(totals ...int) *Features {
		f := &Features{Records: make(map[string]domain.FeatureRecord)}
		for i, n := range totals {
			id := fmt.Sprintf("e%d", i)
			f.Order = append(f.Order, id)
			f.Records[id] = domain.FeatureRecord{TotalTx: n}
		}
		return f
	}

	t.Run("UniformPopulation", func(t *testing.T) {
		pop := NewPopulation(features(7, 7, 7, 7))
		if !pop.Degenerate() {
			t.Fatal("expected degenerate population")
		}
		sig, ev := Velocity(domain.FeatureRecord{TotalTx: 7}, pop)
		if sig.Score != 0 {
			t.Errorf("expected 0, got %v", sig.Score)
		}
		if ev == nil || ev.PopulationMedian != 7 || ev.PopulationP95 != 7 {
			t.Errorf("unexpected evidence %+v", ev)
		}
	})

	t.Run("SortedIndexPercentiles", func(t *testing.T) {
		pop := NewPopulation(features(10, 1, 1, 1, 1))
		if pop.P50 != 1 || pop.P95 != 10 {
			t.Fatalf("expected p50=1 p95=10, got %+v", pop)
		}

		cases := []struct {
			total int
			want  float64
		}{
			{1, 0},
			{4, 3.0 / 9.0},
			{10, 1},
			{25, 1},
		}
		for _, c := range cases {
			sig, _ := Velocity(domain.FeatureRecord{TotalTx: c.total}, pop)
			if sig.Score != c.want {
				t.Errorf("total %d: expected %v, got %v", c.total, c.want, sig.Score)
			}
		}
	})

	t.Run("Detail", func(t *testing.T) {
		pop := Population{Size: 3, P50: 2, P95: 8}
		sig, _ := Velocity(domain.FeatureRecord{TotalTx: 8}, pop)
		if sig.Detail != "8 tx in bucket (p50=2, p95=8)" {
			t.Errorf("unexpected detail %q", sig.Detail)
		}
	})

	t.Run("EmptyPopulation", func(t *testing.T) {
		sig, ev := Velocity(domain.FeatureRecord{TotalTx: 3}, Population{})
		if sig.Score != 0 || ev != nil {
			t.Errorf("expected no signal, got %+v %+v", sig, ev)
		}
	})
}

func TestCircularFlow(t *testing.T) {
	limits := DefaultCycleLimits()

	t.Run("Triangle", func(t *testing.T) {
		g := NewFlowGraph([]domain.Transaction{
			tx("t1", "A", "B", 1, 0),
			tx("t2", "B", "C", 1, 1),
			tx("t3", "C", "A", 1, 2),
		})
		for _, id := range []string{"A", "B", "C"} {
			sig, ev := CircularFlow(id, g, limits)
			if sig.Score != 1 {
				t.Errorf("%s: expected 1.0, got %v", id, sig.Score)
			}
			if ev.ShortestCycleLength != 3 || ev.CycleCount != 1 {
				t.Errorf("%s: unexpected evidence %+v", id, ev)
			}
		}
		_, ev := CircularFlow("A", g, limits)
		if len(ev.Counterparties) != 2 || ev.Counterparties[0] != "B" || ev.Counterparties[1] != "C" {
			t.Errorf("expected sorted counterparties [B C], got %v", ev.Counterparties)
		}
	})

	t.Run("Acyclic", func(t *testing.T) {
		g := NewFlowGraph([]domain.Transaction{
			tx("t1", "A", "B", 1, 0),
			tx("t2", "B", "C", 1, 1),
			tx("t3", "A", "C", 1, 2),
		})
		for _, id := range []string{"A", "B", "C"} {
			sig, ev := CircularFlow(id, g, limits)
			if sig.Score != 0 || ev != nil {
				t.Errorf("%s: expected no signal, got %+v", id, sig)
			}
		}
	})

	t.Run("SelfLoopIsNotACycle", func(t *testing.T) {
		g := NewFlowGraph([]domain.Transaction{tx("t1", "A", "A", 1, 0)})
		if sig, _ := CircularFlow("A", g, limits); sig.Score != 0 {
			t.Errorf("expected 0, got %v", sig.Score)
		}
	})

	t.Run("LengthPenalty", func(t *testing.T) {
		square := NewFlowGraph([]domain.Transaction{
			tx("t1", "A", "B", 1, 0),
			tx("t2", "B", "C", 1, 1),
			tx("t3", "C", "D", 1, 2),
			tx("t4", "D", "A", 1, 3),
		})
		sig, ev := CircularFlow("A", square, limits)
		if ev == nil || ev.ShortestCycleLength != 4 {
			t.Fatalf("expected a 4-edge cycle, got %+v", ev)
		}
		if sig.Score < 0.6999 || sig.Score > 0.7001 {
			t.Errorf("expected 0.7, got %v", sig.Score)
		}

		pentagon := NewFlowGraph([]domain.Transaction{
			tx("t1", "A", "B", 1, 0),
			tx("t2", "B", "C", 1, 1),
			tx("t3", "C", "D", 1, 2),
			tx("t4", "D", "E", 1, 3),
			tx("t5", "E", "A", 1, 4),
		})
		if sig, _ := CircularFlow("A", pentagon, limits); sig.Score != 0 {
			t.Errorf("5-edge cycle is beyond max depth, got %v", sig.Score)
		}
	})

	t.Run("TwoCycleSaturates", func(t *testing.T) {
		g := NewFlowGraph([]domain.Transaction{
			tx("t1", "A", "B", 1, 0),
			tx("t2", "B", "A", 1, 1),
		})
		sig, ev := CircularFlow("A", g, limits)
		if sig.Score != 1 || ev.ShortestCycleLength != 2 {
			t.Errorf("expected score 1 and length 2, got %v %+v", sig.Score, ev)
		}
	})
}

func TestFindCyclesVisitBudget(t *testing.T) {
	triangle := NewFlowGraph([]domain.Transaction{
		tx("t1", "A", "B", 1, 0),
		tx("t2", "B", "C", 1, 1),
		tx("t3", "C", "A", 1, 2),
	})

	t.Run("BudgetStopsBeforeClosingEdge", func(t *testing.T) {
		res := FindCycles("A", triangle, CycleLimits{MaxDepth: 4, MaxVisits: 3})
		if !res.Exhausted || len(res.Cycles) != 0 {
			t.Errorf("expected exhausted search with no cycles, got %+v", res)
		}
		res = FindCycles("A", triangle, CycleLimits{MaxDepth: 4, MaxVisits: 4})
		if res.Exhausted || len(res.Cycles) != 1 || res.Visits != 3 {
			t.Errorf("expected one cycle in 3 visits, got %+v", res)
		}
	})

	t.Run("DenseGraphIsBounded", func(t *testing.T) {
		var txs []domain.Transaction
		for i := 0; i < 40; i++ {
			for j := 0; j < 40; j++ {
				if i != j {
					txs = append(txs, tx("", fmt.Sprintf("n%02d", i), fmt.Sprintf("n%02d", j), 1, 0))
				}
			}
		}
		g := NewFlowGraph(txs)
		res := FindCycles("n00", g, DefaultCycleLimits())
		if !res.Exhausted {
			t.Error("expected the budget to be exhausted on a dense graph")
		}
		if res.Visits != DefaultMaxVisits {
			t.Errorf("expected exactly %d visits, got %d", DefaultMaxVisits, res.Visits)
		}
		if len(res.Cycles) == 0 {
			t.Error("expected cycles found before the cutoff to be kept")
		}
		for _, c := range res.Cycles {
			if c[0] != "n00" || c[len(c)-1] != "n00" {
				t.Fatalf("cycle does not close on start: %v", c)
			}
		}
	})
}
