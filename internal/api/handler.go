package api

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/opensource-finance/kestrel/internal/bus"
	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/service"
	"github.com/opensource-finance/kestrel/internal/snapshot"
)

// Handler holds dependencies for API handlers.
type Handler struct {
	svc     *service.Service
	bus     domain.EventBus
	async   bool
	version string
}

// NewHandler creates a new API handler. With async set and a bus
// available, injections are queued for the worker instead of applied inline.
func NewHandler(svc *service.Service, bus domain.EventBus, async bool, version string) *Handler {
	return &Handler{
		svc:     svc,
		bus:     bus,
		async:   async && bus != nil,
		version: version,
	}
}

// Health reports liveness and the state of optional backends.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	status := "healthy"
	if err := h.svc.Ready(r.Context()); err != nil {
		status = "degraded"
	}

	writeJSON(w, http.StatusOK, map[string]string{
		"status":  status,
		"version": h.version,
		"dataset": h.svc.DatasetID(),
	})
}

// Ready returns 503 until the snapshot is scored and backends answer.
func (h *Handler) Ready(w http.ResponseWriter, r *http.Request) {
	if err := h.svc.Ready(r.Context()); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{
			"ready": "false",
			"error": err.Error(),
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"ready": "true"})
}

// Snapshot handles GET /snapshot?t=.
func (h *Handler) Snapshot(w http.ResponseWriter, r *http.Request) {
	t, err := intQuery(r, "t", nil)
	if err != nil {
		badRequest(w, err)
		return
	}
	view, err := h.svc.Snapshot(t)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

// Entity handles GET /entities/{id}?t=. The bucket defaults to 0.
func (h *Handler) Entity(w http.ResponseWriter, r *http.Request) {
	t, err := intQuery(r, "t", intPtr(0))
	if err != nil {
		badRequest(w, err)
		return
	}
	detail, err := h.svc.EntityDetail(chi.URLParam(r, "id"), t)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, detail)
}

// Neighbors handles GET /neighbors?id=&k=&t=.
func (h *Handler) Neighbors(w http.ResponseWriter, r *http.Request) {
	id := r.URL.Query().Get("id")
	if id == "" {
		badRequest(w, fmt.Errorf("%w: id", errMissingParam))
		return
	}
	k, err := intQuery(r, "k", intPtr(1))
	if err != nil {
		badRequest(w, err)
		return
	}
	t, err := intQuery(r, "t", nil)
	if err != nil {
		badRequest(w, err)
		return
	}

	n, err := h.svc.Neighbors(id, k, t)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, n)
}

// Clusters handles GET /clusters?t=&threshold=.
func (h *Handler) Clusters(w http.ResponseWriter, r *http.Request) {
	t, err := intQuery(r, "t", nil)
	if err != nil {
		badRequest(w, err)
		return
	}
	threshold, err := floatQuery(r, "threshold", 0)
	if err != nil {
		badRequest(w, err)
		return
	}
	if threshold < 0 || threshold > 1 {
		badRequest(w, errors.New("threshold must be between 0 and 1"))
		return
	}

	clusters, err := h.svc.Clusters(t, threshold)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"t":        t,
		"clusters": clusters,
		"count":    len(clusters),
	})
}

// Query handles POST /query.
func (h *Handler) Query(w http.ResponseWriter, r *http.Request) {
	var req domain.QueryRequest
	if err := decodeJSON(r, &req); err != nil {
		badRequest(w, err)
		return
	}
	res, err := h.svc.Query(r.Context(), req)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// ParseQueryRequest is the request body for POST /query/parse.
type ParseQueryRequest struct {
	Text string `json:"text"`
}

// ParseQuery handles POST /query/parse.
func (h *Handler) ParseQuery(w http.ResponseWriter, r *http.Request) {
	var req ParseQueryRequest
	if err := decodeJSON(r, &req); err != nil {
		badRequest(w, err)
		return
	}
	if req.Text == "" {
		badRequest(w, errors.New("text is required"))
		return
	}
	writeJSON(w, http.StatusOK, h.svc.ParseQuery(req.Text))
}

// Counterfactual handles GET /counterfactual?id=&t=.
func (h *Handler) Counterfactual(w http.ResponseWriter, r *http.Request) {
	id := r.URL.Query().Get("id")
	if id == "" {
		badRequest(w, fmt.Errorf("%w: id", errMissingParam))
		return
	}
	t, err := intQuery(r, "t", nil)
	if err != nil {
		badRequest(w, err)
		return
	}

	res, err := h.svc.Counterfactual(id, t)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// Dashboard handles GET /dashboard?t=.
func (h *Handler) Dashboard(w http.ResponseWriter, r *http.Request) {
	t, err := intQuery(r, "t", nil)
	if err != nil {
		badRequest(w, err)
		return
	}
	d, err := h.svc.Dashboard(t)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, d)
}

// InjectRequest is the request body for POST /buckets/{t}/transactions.
type InjectRequest struct {
	Transactions []domain.Transaction `json:"transactions"`
}

// Inject handles POST /buckets/{t}/transactions.
func (h *Handler) Inject(w http.ResponseWriter, r *http.Request) {
	t, err := bucketPath(r)
	if err != nil {
		badRequest(w, err)
		return
	}
	var req InjectRequest
	if err := decodeJSON(r, &req); err != nil {
		badRequest(w, err)
		return
	}

	if !h.async {
		event, err := h.svc.InjectTransactions(r.Context(), t, req.Transactions, service.TriggerAPI)
		if err != nil {
			writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, event)
		return
	}

	// Reject what the worker would reject before queueing.
	if len(req.Transactions) == 0 {
		writeError(w, r, service.ErrEmptyBatch)
		return
	}
	if n := h.svc.NBuckets(); t < 0 || t >= n {
		writeError(w, r, fmt.Errorf("%w: t=%d not in [0, %d]", snapshot.ErrBucketOutOfRange, t, n-1))
		return
	}
	for i, tx := range req.Transactions {
		if err := snapshot.ValidateTransaction(tx); err != nil {
			writeError(w, r, fmt.Errorf("transaction %d: %w", i, err))
			return
		}
	}

	batch := domain.InjectionBatch{Bucket: t, Transactions: req.Transactions}
	if err := bus.PublishJSON(r.Context(), h.bus, h.svc.DatasetID(), domain.TopicTransactionInjected, batch); err != nil {
		slog.Error("failed to queue injection", "bucket", t, "error", err)
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "event bus unavailable"})
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{
		"status":       "queued",
		"bucket":       t,
		"transactions": len(req.Transactions),
	})
}
