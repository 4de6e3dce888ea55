package handlers

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/google/uuid"

	"github.com/designdesk/backend/internal/middleware"
	"github.com/designdesk/backend/internal/models"
)

// IdempotencyHeader carries the client-chosen key that makes a mutation safe to retry.
const IdempotencyHeader = "Idempotency-Key"

const maxBodyBytes = 1 << 20

// errorBody is the shape of every error response.
type errorBody struct {
	Error string `json:"error"`
	Code  string `json:"code"`
	Field string `json:"field,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError maps domain errors onto HTTP statuses. Anything unrecognized is logged and
// reported as a 500 without details.
func writeError(w http.ResponseWriter, logger *slog.Logger, err error) {
	var (
		ve *models.ValidationError
		gv *models.GuardViolation
	)
	switch {
	case errors.As(err, &ve):
		writeJSON(w, http.StatusBadRequest, errorBody{Error: ve.Error(), Code: "validation", Field: ve.Field})
	case errors.As(err, &gv):
		status := http.StatusConflict
		if gv.Code == models.GuardForbidden {
			status = http.StatusForbidden
		}
		writeJSON(w, status, errorBody{Error: gv.Error(), Code: gv.Code})
	case errors.Is(err, models.ErrInsufficientCredits):
		writeJSON(w, http.StatusPaymentRequired, errorBody{Error: err.Error(), Code: "insufficient_credits"})
	case errors.Is(err, models.ErrAlreadyAssigned):
		writeJSON(w, http.StatusConflict, errorBody{Error: err.Error(), Code: "already_assigned"})
	case errors.Is(err, models.ErrNotFound):
		writeJSON(w, http.StatusNotFound, errorBody{Error: "not found", Code: "not_found"})
	case errors.Is(err, models.ErrTransitionFailed):
		logger.Error("transition failed", "error", err)
		w.Header().Set("Retry-After", "1")
		writeJSON(w, http.StatusServiceUnavailable, errorBody{Error: "transition failed, retry with the same idempotency key", Code: "transition_failed"})
	default:
		logger.Error("request failed", "error", err)
		writeJSON(w, http.StatusInternalServerError, errorBody{Error: "internal error", Code: "internal"})
	}
}

// decode reads a JSON body into v. An empty body leaves v untouched.
func decode(w http.ResponseWriter, r *http.Request, v any) error {
	if r.Body == nil || r.ContentLength == 0 {
		return nil
	}
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil && !errors.Is(err, io.EOF) {
		return models.NewValidationError("body", "invalid JSON: %v", err)
	}
	return nil
}

func pathID(r *http.Request, name string) (uuid.UUID, error) {
	id, err := uuid.Parse(r.PathValue(name))
	if err != nil {
		return uuid.Nil, models.NewValidationError(name, "must be a uuid")
	}
	return id, nil
}

// queryLimit parses ?limit=, falling back to def.
func queryLimit(r *http.Request, def int) (int, error) {
	raw := r.URL.Query().Get("limit")
	if raw == "" {
		return def, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		return 0, models.NewValidationError("limit", "must be a positive integer")
	}
	return n, nil
}

// actorOr401 fetches the authenticated actor or writes a 401.
func actorOr401(w http.ResponseWriter, r *http.Request) (models.Actor, bool) {
	a, ok := middleware.ActorFromCtx(r.Context())
	if !ok {
		writeJSON(w, http.StatusUnauthorized, errorBody{Error: "unauthorized", Code: "unauthorized"})
	}
	return a, ok
}
