package domain

import "testing"

func TestConfigValidate(t *testing.T) {
	t.Run("Defaults", func(t *testing.T) {
		if err := DefaultConfig().Validate(); err != nil {
			t.Fatalf("default config invalid: %v", err)
		}
		if err := ProConfig().Validate(); err != nil {
			t.Fatalf("pro config invalid: %v", err)
		}
	})

	t.Run("RejectsBadValues", func(t *testing.T) {
		cfg := DefaultConfig()
		cfg.Server.Port = 0
		cfg.Engine.PrecomputeWorkers = 0
		cfg.Repository.Driver = "mysql"
		if err := cfg.Validate(); err == nil {
			t.Fatal("expected validation error")
		}
	})
}

func TestBucketRiskGet(t *testing.T) {
	var nilRisk *BucketRisk
	if _, ok := nilRisk.Get("a"); ok {
		t.Error("nil bucket risk should report absence")
	}
	if nilRisk.Len() != 0 {
		t.Error("nil bucket risk should be empty")
	}

	br := NewBucketRisk()
	br.Order = append(br.Order, "a")
	br.Records["a"] = RiskRecord{RiskScore: 0.5}

	if got := br.Score("a"); got != 0.5 {
		t.Errorf("expected 0.5, got %v", got)
	}
	r, ok := br.Get("missing")
	if ok || r.RiskScore != 0 || r.Reasons == nil {
		t.Errorf("missing entity should yield zero record with empty reasons, got %+v", r)
	}
}

func TestIntentValid(t *testing.T) {
	for _, i := range Intents {
		if !i.Valid() {
			t.Errorf("%s should be valid", i)
		}
	}
	if Intent("DROP_TABLES").Valid() {
		t.Error("unknown intent reported valid")
	}
}
