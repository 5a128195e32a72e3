package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/opensource-finance/kestrel/internal/query"
	"github.com/opensource-finance/kestrel/internal/repository"
	"github.com/opensource-finance/kestrel/internal/service"
	"github.com/opensource-finance/kestrel/internal/snapshot"
)

var errMissingParam = errors.New("missing parameter")

// intQuery reads an integer query parameter. def is used when the
// parameter is absent; a nil def makes it required.
func intQuery(r *http.Request, name string, def *int) (int, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		if def == nil {
			return 0, fmt.Errorf("%w: %s", errMissingParam, name)
		}
		return *def, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("%s must be an integer", name)
	}
	return v, nil
}

func floatQuery(r *http.Request, name string, def float64) (float64, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return def, nil
	}
	v, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return 0, fmt.Errorf("%s must be a number", name)
	}
	return v, nil
}

// bucketPath reads the {t} URL parameter.
func bucketPath(r *http.Request) (int, error) {
	v, err := strconv.Atoi(chi.URLParam(r, "t"))
	if err != nil {
		return 0, errors.New("bucket must be an integer")
	}
	return v, nil
}

func intPtr(v int) *int { return &v }

func decodeJSON(r *http.Request, v any) error {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return errors.New("invalid JSON request body")
	}
	return nil
}

func badRequest(w http.ResponseWriter, err error) {
	writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
}

// writeError maps service and store errors onto HTTP statuses.
func writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, snapshot.ErrBucketOutOfRange),
		errors.Is(err, snapshot.ErrInvalidSnapshot),
		errors.Is(err, service.ErrInvalidHops),
		errors.Is(err, service.ErrEmptyBatch),
		errors.Is(err, query.ErrUnknownIntent),
		errors.Is(err, repository.ErrInvalidInput):
		status = http.StatusBadRequest
	case errors.Is(err, service.ErrEntityNotFound),
		errors.Is(err, service.ErrRuleNotFound),
		errors.Is(err, repository.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, service.ErrNoRepository),
		errors.Is(err, service.ErrNoRuleEngine),
		errors.Is(err, snapshot.ErrNotLoaded),
		errors.Is(err, snapshot.ErrBucketNotComputed):
		status = http.StatusServiceUnavailable
	}

	if status == http.StatusInternalServerError {
		slog.Error("request failed",
			"path", r.URL.Path,
			"request_id", GetRequestID(r.Context()),
			"error", err,
		)
		writeJSON(w, status, map[string]string{"error": "internal server error"})
		return
	}
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}
