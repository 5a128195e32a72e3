package api

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/repository"
)

// ListRules returns the rules loaded in the engine.
func (h *Handler) ListRules(w http.ResponseWriter, r *http.Request) {
	loaded, err := h.svc.ListRules()
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"rules": loaded,
		"count": len(loaded),
	})
}

// GetRule retrieves a rule by ID.
func (h *Handler) GetRule(w http.ResponseWriter, r *http.Request) {
	rule, err := h.svc.GetRule(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rule)
}

// CreateRuleRequest is the request body for creating a rule.
type CreateRuleRequest struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	Expression  string `json:"expression"`
	Severity    string `json:"severity,omitempty"`
	Enabled     *bool  `json:"enabled,omitempty"`
}

// CreateRule validates, stores and loads a rule. Rules are enabled unless
// the request says otherwise.
func (h *Handler) CreateRule(w http.ResponseWriter, r *http.Request) {
	var req CreateRuleRequest
	if err := decodeJSON(r, &req); err != nil {
		badRequest(w, err)
		return
	}
	if req.Name == "" || req.Expression == "" {
		badRequest(w, errors.New("name and expression are required"))
		return
	}

	rule := &domain.AlertRule{
		ID:          req.ID,
		Name:        req.Name,
		Description: req.Description,
		Expression:  req.Expression,
		Severity:    req.Severity,
		Enabled:     req.Enabled == nil || *req.Enabled,
	}
	if err := h.svc.SaveRule(r.Context(), rule); err != nil {
		writeError(w, r, err)
		return
	}

	slog.Info("rule created", "id", rule.ID, "name", rule.Name)
	writeJSON(w, http.StatusCreated, rule)
}

// DeleteRule disables a rule.
func (h *Handler) DeleteRule(w http.ResponseWriter, r *http.Request) {
	if err := h.svc.DeleteRule(r.Context(), chi.URLParam(r, "id")); err != nil {
		writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ReloadRules reloads the enabled stored rules into the engine.
func (h *Handler) ReloadRules(w http.ResponseWriter, r *http.Request) {
	n, err := h.svc.ReloadRules(r.Context())
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"message": "rules reloaded successfully",
		"count":   n,
	})
}

// ListAlerts handles GET /alerts?t=. Without t every bucket is listed.
func (h *Handler) ListAlerts(w http.ResponseWriter, r *http.Request) {
	t, err := intQuery(r, "t", intPtr(repository.AllBuckets))
	if err != nil {
		badRequest(w, err)
		return
	}
	alerts, err := h.svc.Alerts(r.Context(), t)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"alerts": alerts,
		"count":  len(alerts),
	})
}

// EntityHistory handles GET /entities/{id}/history.
func (h *Handler) EntityHistory(w http.ResponseWriter, r *http.Request) {
	records, err := h.svc.EntityHistory(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"records": records,
		"count":   len(records),
	})
}

// BucketAudit handles GET /audit/buckets/{t}.
func (h *Handler) BucketAudit(w http.ResponseWriter, r *http.Request) {
	t, err := bucketPath(r)
	if err != nil {
		badRequest(w, err)
		return
	}
	records, err := h.svc.BucketAudit(r.Context(), t)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"t":       t,
		"records": records,
		"count":   len(records),
	})
}
