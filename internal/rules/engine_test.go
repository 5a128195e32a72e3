package rules

import (
	"context"
	"fmt"
	"strings"
	"testing"

	"github.com/opensource-finance/kestrel/internal/domain"
)

func rule(id, expr string) *domain.AlertRule {
	return &domain.AlertRule{ID: id, Name: strings.ToUpper(id), Expression: expr, Severity: domain.SeverityHigh, Enabled: true}
}

func subjects() []Subject {
	return []Subject{
		{
			EntityID: "hub", Jurisdiction: 3, KYCLevel: domain.KYCStandard, TxCount: 14,
			Record: domain.RiskRecord{
				RiskScore: 0.88,
				Reasons:   []domain.Reason{{Detector: domain.DetectorVelocity, Weight: 0.4}},
				Evidence: domain.Evidence{
					Velocity:    &domain.VelocityEvidence{TxCount: 14},
					Structuring: &domain.StructuringEvidence{NearThresholdCount: 6},
				},
			},
		},
		{
			EntityID: "ring", Jurisdiction: 1, KYCLevel: domain.KYCEnhanced, TxCount: 2,
			Record: domain.RiskRecord{
				RiskScore: 0.3,
				Evidence:  domain.Evidence{CircularFlow: &domain.CircularFlowEvidence{CycleCount: 2, ShortestCycleLength: 3}},
			},
		},
		{EntityID: "quiet", Jurisdiction: 3, TxCount: 1, Record: domain.ZeroRisk()},
	}
}

func newEngine(t *testing.T) *Engine {
	t.Helper()
	e, err := NewEngine(4)
	if err != nil {
		t.Fatalf("failed to create engine: %v", err)
	}
	t.Cleanup(func() { e.Close() })
	return e
}

func matchedEntities(alerts []*domain.Alert) []string {
	var ids []string
	for _, a := range alerts {
		ids = append(ids, a.RuleID+"/"+a.EntityID)
	}
	return ids
}

func TestEvaluate(t *testing.T) {
	tests := []struct {
		name string
		expr string
		want []string
	}{
		{"Score", "risk_score > 0.8", []string{"r/hub"}},
		{"Detectors", `"circular_flow" in detectors`, []string{"r/ring"}},
		{"NearThreshold", "near_threshold_count >= 5 && jurisdiction == 3", []string{"r/hub"}},
		{"Cycles", "cycle_count > 1", []string{"r/ring"}},
		{"KYC", `kyc_level == "enhanced" && bucket == 4`, []string{"r/ring"}},
		{"TxCount", "tx_count <= 2", []string{"r/ring", "r/quiet"}},
		{"EntityID", `entity_id.startsWith("q")`, []string{"r/quiet"}},
		{"NoMatch", "risk_score > 1.0", nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := newEngine(t)
			if err := e.LoadRule(rule("r", tt.expr)); err != nil {
				t.Fatalf("LoadRule failed: %v", err)
			}
			alerts, err := e.Evaluate(context.Background(), "ds", 4, subjects())
			if err != nil {
				t.Fatalf("Evaluate failed: %v", err)
			}
			got := matchedEntities(alerts)
			if fmt.Sprint(got) != fmt.Sprint(tt.want) {
				t.Errorf("matched %v, want %v", got, tt.want)
			}
		})
	}
}

func TestAlertFields(t *testing.T) {
	e := newEngine(t)
	_ = e.LoadRule(rule("hot", "risk_score > 0.8"))

	alerts, err := e.Evaluate(context.Background(), "ds", 7, subjects())
	if err != nil {
		t.Fatal(err)
	}
	if len(alerts) != 1 {
		t.Fatalf("expected 1 alert, got %d", len(alerts))
	}
	a := alerts[0]
	if a.ID == "" || a.DatasetID != "ds" || a.Bucket != 7 || a.RuleName != "HOT" {
		t.Errorf("unexpected alert %+v", a)
	}
	if a.RiskScore != 0.88 || len(a.Reasons) != 1 || a.Severity != domain.SeverityHigh {
		t.Errorf("alert must carry the record: %+v", a)
	}
	if a.CreatedAt.IsZero() {
		t.Error("CreatedAt must be set")
	}
}

func TestAlertOrder(t *testing.T) {
	e := newEngine(t)
	for _, id := range []string{"b", "c", "a"} {
		if err := e.LoadRule(rule(id, "tx_count > 1")); err != nil {
			t.Fatal(err)
		}
	}
	alerts, err := e.Evaluate(context.Background(), "ds", 0, subjects())
	if err != nil {
		t.Fatal(err)
	}
	want := "[a/hub a/ring b/hub b/ring c/hub c/ring]"
	if got := fmt.Sprint(matchedEntities(alerts)); got != want {
		t.Errorf("order %s, want %s", got, want)
	}
}

func TestCompileErrors(t *testing.T) {
	e := newEngine(t)
	tests := []struct {
		name string
		rule *domain.AlertRule
	}{
		{"Syntax", rule("x", "this is not CEL !!!")},
		{"NotBool", rule("x", "risk_score * 2.0")},
		{"UnknownVariable", rule("x", "amount > 10.0")},
		{"BadSeverity", &domain.AlertRule{ID: "x", Expression: "true", Severity: "urgent", Enabled: true}},
		{"Nil", nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := e.ValidateRule(tt.rule); err == nil {
				t.Error("expected validation error")
			}
		})
	}
	if e.RulesCount() != 0 {
		t.Errorf("validation must not load rules, count = %d", e.RulesCount())
	}
}

func TestLoadDisabledRuleUnloads(t *testing.T) {
	e := newEngine(t)
	r := rule("r", "true")
	_ = e.LoadRule(r)
	if e.RulesCount() != 1 {
		t.Fatalf("expected 1 rule")
	}

	off := *r
	off.Enabled = false
	if err := e.LoadRule(&off); err != nil {
		t.Fatal(err)
	}
	if e.RulesCount() != 0 {
		t.Errorf("disabled rule should be unloaded")
	}
}

func TestReloadRules(t *testing.T) {
	e := newEngine(t)
	_ = e.LoadRule(rule("old", "true"))

	disabled := rule("off", "true")
	disabled.Enabled = false
	if err := e.ReloadRules([]*domain.AlertRule{rule("new", "false"), disabled}); err != nil {
		t.Fatalf("ReloadRules failed: %v", err)
	}
	loaded := e.Rules()
	if len(loaded) != 1 || loaded[0].ID != "new" {
		t.Errorf("loaded = %+v", loaded)
	}

	if err := e.ReloadRules([]*domain.AlertRule{rule("broken", "risk_score +")}); err == nil {
		t.Error("expected compile error")
	}
	if loaded := e.Rules(); len(loaded) != 1 || loaded[0].ID != "new" {
		t.Errorf("failed reload must keep previous rules, got %+v", loaded)
	}
}

func TestEvaluateEmpty(t *testing.T) {
	e := newEngine(t)
	alerts, err := e.Evaluate(context.Background(), "ds", 0, subjects())
	if err != nil || alerts == nil || len(alerts) != 0 {
		t.Errorf("no rules: got %v, %v", alerts, err)
	}

	_ = e.LoadRule(rule("r", "true"))
	alerts, err = e.Evaluate(context.Background(), "ds", 0, nil)
	if err != nil || len(alerts) != 0 {
		t.Errorf("no subjects: got %v, %v", alerts, err)
	}
}

func TestEvaluateCancelled(t *testing.T) {
	e := newEngine(t)
	_ = e.LoadRule(rule("r", "true"))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := e.Evaluate(ctx, "ds", 0, subjects()); err == nil {
		t.Error("expected context error")
	}
}
