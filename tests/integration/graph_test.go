//go:build integration
// +build integration

// Package integration exercises a running Kestrel instance end to end.
//
// Run with: KESTREL_TEST_URL=http://localhost:8080 go test -tags=integration -v ./tests/integration/...
//
// The server must have a snapshot with at least one bucket loaded. Tests
// that inject transactions mutate bucket 0 of that snapshot.
package integration

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"testing"
	"time"
)

// TestConfig holds test environment configuration
type TestConfig struct {
	BaseURL   string
	DatasetID string
}

func getTestConfig() TestConfig {
	baseURL := os.Getenv("KESTREL_TEST_URL")
	if baseURL == "" {
		baseURL = "http://localhost:8080"
	}
	return TestConfig{
		BaseURL:   baseURL,
		DatasetID: os.Getenv("KESTREL_TEST_DATASET_ID"),
	}
}

// ============================================================================
// API response types (the subset these tests inspect)
// ============================================================================

type Node struct {
	ID        string  `json:"id"`
	RiskScore float64 `json:"risk_score"`
}

type SnapshotView struct {
	Nodes []Node `json:"nodes"`
	Meta  struct {
		Bucket   int `json:"t"`
		NBuckets int `json:"n_buckets"`
	} `json:"meta"`
}

type QueryResult struct {
	Intent     string   `json:"intent"`
	EntityIDs  []string `json:"entity_ids"`
	TotalCount int      `json:"total_count"`
	Summary    string   `json:"summary"`
}

type EntityDetail struct {
	Risk struct {
		RiskScore float64 `json:"risk_score"`
		Evidence  struct {
			Structuring *struct {
				NearThresholdCount int `json:"near_threshold_count"`
			} `json:"structuring"`
		} `json:"evidence"`
	} `json:"risk"`
}

// ============================================================================
// Test Helper Functions
// ============================================================================

func call(t *testing.T, config TestConfig, method, path string, body any) (int, []byte) {
	t.Helper()

	var reader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("Failed to marshal request: %v", err)
		}
		reader = bytes.NewReader(b)
	}

	req, err := http.NewRequest(method, config.BaseURL+path, reader)
	if err != nil {
		t.Fatalf("Failed to create request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if config.DatasetID != "" {
		req.Header.Set("X-Dataset-ID", config.DatasetID)
	}

	client := &http.Client{Timeout: 30 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		t.Fatalf("Request failed: %v", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("Failed to read response: %v", err)
	}
	return resp.StatusCode, respBody
}

func getJSON[T any](t *testing.T, config TestConfig, method, path string, body any, want int) T {
	t.Helper()

	status, respBody := call(t, config, method, path, body)
	if status != want {
		t.Fatalf("%s %s: expected status %d, got %d: %s", method, path, want, status, string(respBody))
	}
	var out T
	if err := json.Unmarshal(respBody, &out); err != nil {
		t.Fatalf("Failed to unmarshal response: %v (body: %s)", err, string(respBody))
	}
	return out
}

// ============================================================================
// Health
// ============================================================================

func TestHealthAndReadiness(t *testing.T) {
	config := getTestConfig()

	health := getJSON[map[string]any](t, config, http.MethodGet, "/health", nil, http.StatusOK)
	if health["status"] != "healthy" {
		t.Errorf("Expected healthy status, got %v", health["status"])
	}

	status, body := call(t, config, http.MethodGet, "/ready", nil)
	if status != http.StatusOK {
		t.Errorf("Expected ready, got %d: %s", status, string(body))
	}
}

// ============================================================================
// Graph views
// ============================================================================

func TestSnapshotBucketZero(t *testing.T) {
	config := getTestConfig()

	view := getJSON[SnapshotView](t, config, http.MethodGet, "/snapshot?t=0", nil, http.StatusOK)
	if view.Meta.Bucket != 0 {
		t.Errorf("Expected meta.t = 0, got %d", view.Meta.Bucket)
	}
	if view.Meta.NBuckets < 1 {
		t.Fatalf("Expected at least one bucket, got %d", view.Meta.NBuckets)
	}
	for i := 1; i < len(view.Nodes); i++ {
		if view.Nodes[i-1].ID > view.Nodes[i].ID {
			t.Errorf("Nodes not sorted by id: %s before %s", view.Nodes[i-1].ID, view.Nodes[i].ID)
			break
		}
	}
	for _, n := range view.Nodes {
		if n.RiskScore < 0 || n.RiskScore > 1 {
			t.Errorf("Node %s risk %.3f outside [0, 1]", n.ID, n.RiskScore)
		}
	}
}

func TestBucketOutOfRange_Error(t *testing.T) {
	config := getTestConfig()

	view := getJSON[SnapshotView](t, config, http.MethodGet, "/snapshot?t=0", nil, http.StatusOK)
	path := fmt.Sprintf("/snapshot?t=%d", view.Meta.NBuckets)

	status, body := call(t, config, http.MethodGet, path, nil)
	if status != http.StatusBadRequest {
		t.Errorf("Expected 400 for t=n_buckets, got %d: %s", status, string(body))
	}
}

// ============================================================================
// Queries
// ============================================================================

func TestQueryHighRisk(t *testing.T) {
	config := getTestConfig()

	req := map[string]any{"intent": "SHOW_HIGH_RISK", "params": map[string]any{"limit": 5}, "bucket": 0}
	result := getJSON[QueryResult](t, config, http.MethodPost, "/query", req, http.StatusOK)

	if result.Intent != "SHOW_HIGH_RISK" {
		t.Errorf("Expected intent echoed, got %s", result.Intent)
	}
	if len(result.EntityIDs) > 5 {
		t.Errorf("Expected at most 5 entities, got %d", len(result.EntityIDs))
	}
	if result.TotalCount < len(result.EntityIDs) {
		t.Errorf("total_count %d smaller than returned %d", result.TotalCount, len(result.EntityIDs))
	}
	if result.Summary == "" {
		t.Error("Expected a summary")
	}
}

func TestQueryUnknownIntent_Error(t *testing.T) {
	config := getTestConfig()

	status, body := call(t, config, http.MethodPost, "/query", map[string]any{"intent": "NOPE", "bucket": 0})
	if status != http.StatusBadRequest {
		t.Errorf("Expected 400, got %d: %s", status, string(body))
	}
}

func TestParseQuery(t *testing.T) {
	config := getTestConfig()

	parsed := getJSON[map[string]any](t, config, http.MethodPost, "/query/parse",
		map[string]string{"text": "show circular flows"}, http.StatusOK)
	if parsed["intent"] != "CIRCULAR_FLOW" {
		t.Errorf("Expected CIRCULAR_FLOW, got %v", parsed["intent"])
	}
}

// ============================================================================
// Anomaly injection
// ============================================================================

func TestInjectStructuring(t *testing.T) {
	config := getTestConfig()

	view := getJSON[SnapshotView](t, config, http.MethodGet, "/snapshot?t=0", nil, http.StatusOK)
	if len(view.Nodes) < 2 {
		t.Skip("bucket 0 needs two entities to inject between")
	}
	from, to := view.Nodes[0].ID, view.Nodes[1].ID

	txs := make([]map[string]any, 6)
	now := time.Now().Unix()
	for i := range txs {
		txs[i] = map[string]any{
			"tx_id":          fmt.Sprintf("it-%d-%d", now, i),
			"from_id":        from,
			"to_id":          to,
			"amount":         9600.0,
			"currency":       "USD",
			"timestamp":      now + int64(i),
			"payment_format": "Wire",
		}
	}

	status, body := call(t, config, http.MethodPost, "/buckets/0/transactions", map[string]any{"transactions": txs})
	switch status {
	case http.StatusOK:
	case http.StatusAccepted:
		// Queued for the injection worker; give it a moment to apply.
		time.Sleep(500 * time.Millisecond)
	default:
		t.Fatalf("Expected 200 or 202, got %d: %s", status, string(body))
	}

	detail := getJSON[EntityDetail](t, config, http.MethodGet, "/entities/"+from+"?t=0", nil, http.StatusOK)
	if detail.Risk.Evidence.Structuring == nil {
		t.Fatalf("Expected structuring evidence on %s after injection", from)
	}
	if detail.Risk.Evidence.Structuring.NearThresholdCount < 6 {
		t.Errorf("Expected at least 6 near-threshold transfers, got %d",
			detail.Risk.Evidence.Structuring.NearThresholdCount)
	}
}

func TestInjectEmptyBatch_Error(t *testing.T) {
	config := getTestConfig()

	status, body := call(t, config, http.MethodPost, "/buckets/0/transactions", map[string]any{"transactions": []any{}})
	if status != http.StatusBadRequest {
		t.Errorf("Expected 400, got %d: %s", status, string(body))
	}
}
