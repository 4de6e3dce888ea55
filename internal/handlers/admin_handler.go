package handlers

import (
	"context"
	"log/slog"
	"net/http"
	"strings"

	"github.com/google/uuid"

	"github.com/designdesk/backend/internal/ledger"
	"github.com/designdesk/backend/internal/lifecycle"
	"github.com/designdesk/backend/internal/models"
)

// AdminLedger is the ledger surface reserved for admins.
type AdminLedger interface {
	Adjust(ctx context.Context, admin models.Actor, accountID uuid.UUID, amount int, reason string) (*models.LedgerEntry, error)
	Reconcile(ctx context.Context, accountID uuid.UUID) (*ledger.ReconcileReport, error)
}

// FreelancerFlags updates approval and availability.
type FreelancerFlags interface {
	GetByID(ctx context.Context, id uuid.UUID) (*models.Account, error)
	UpdateFlags(ctx context.Context, id uuid.UUID, approved, available *bool) (*models.Account, error)
}

// CategoryAdmin reloads the category catalog.
type CategoryAdmin interface {
	Import(ctx context.Context, cats []*models.Category) error
	Reload()
	List(ctx context.Context) ([]*models.Category, error)
}

// AdminHandler serves /v1/admin endpoints. Routes are wrapped in middleware.RequireAdmin;
// the engine and ledger re-check the role.
type AdminHandler struct {
	Engine     Engine
	Ledger     AdminLedger
	Accounts   FreelancerFlags
	Categories CategoryAdmin
	// LoadCategories reads the catalog file. Nil means reload only drops the cache.
	LoadCategories func() ([]*models.Category, error)
	Logger         *slog.Logger
}

// --- POST /v1/admin/tasks/{id}/force ---

type forceRequest struct {
	Status models.TaskStatus `json:"status"`
	Reason string            `json:"reason"`
}

func (h *AdminHandler) Force(w http.ResponseWriter, r *http.Request) {
	actor, ok := actorOr401(w, r)
	if !ok {
		return
	}
	id, err := pathID(r, "id")
	if err != nil {
		writeError(w, h.Logger, err)
		return
	}
	var req forceRequest
	if err := decode(w, r, &req); err != nil {
		writeError(w, h.Logger, err)
		return
	}
	res, err := h.Engine.ForceTransition(r.Context(), id, req.Status, actor, req.Reason, r.Header.Get(IdempotencyHeader))
	if err != nil {
		writeError(w, h.Logger, err)
		return
	}
	h.Logger.Warn("status forced", "task_id", id, "admin_id", actor.ID, "status", res.Task.Status, "reason", req.Reason)
	writeJSON(w, http.StatusOK, res)
}

// --- POST /v1/admin/tasks/{id}/extra-scope ---

type extraScopeRequest struct {
	Credits int    `json:"credits"`
	Reason  string `json:"reason"`
}

func (h *AdminHandler) FlagExtraScope(w http.ResponseWriter, r *http.Request) {
	var req extraScopeRequest
	if err := decode(w, r, &req); err != nil {
		writeError(w, h.Logger, err)
		return
	}
	h.apply(w, r, lifecycle.TransitionRequest{Event: lifecycle.EventFlagExtraScope, Credits: req.Credits, Reason: req.Reason})
}

// --- POST /v1/admin/tasks/{id}/resolve ---

type resolveRequest struct {
	Outcome string `json:"outcome"` // "complete" or "rework"
	Note    string `json:"note"`
}

func (h *AdminHandler) Resolve(w http.ResponseWriter, r *http.Request) {
	var req resolveRequest
	if err := decode(w, r, &req); err != nil {
		writeError(w, h.Logger, err)
		return
	}
	var ev lifecycle.Event
	switch strings.ToLower(req.Outcome) {
	case "complete":
		ev = lifecycle.EventResolveComplete
	case "rework":
		ev = lifecycle.EventResolveRework
	default:
		writeError(w, h.Logger, models.NewValidationError("outcome", "must be complete or rework"))
		return
	}
	h.apply(w, r, lifecycle.TransitionRequest{Event: ev, Reason: req.Note})
}

func (h *AdminHandler) apply(w http.ResponseWriter, r *http.Request, req lifecycle.TransitionRequest) {
	actor, ok := actorOr401(w, r)
	if !ok {
		return
	}
	id, err := pathID(r, "id")
	if err != nil {
		writeError(w, h.Logger, err)
		return
	}
	req.TaskID = id
	req.Actor = actor
	req.IdempotencyKey = r.Header.Get(IdempotencyHeader)
	res, err := h.Engine.ApplyTransition(r.Context(), req)
	if err != nil {
		writeError(w, h.Logger, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// --- POST /v1/admin/tasks/purge ---

type purgeRequest struct {
	TaskIDs []uuid.UUID `json:"task_ids"`
}

// Purge reports partial success: tasks purged before a failure stay purged.
func (h *AdminHandler) Purge(w http.ResponseWriter, r *http.Request) {
	actor, ok := actorOr401(w, r)
	if !ok {
		return
	}
	var req purgeRequest
	if err := decode(w, r, &req); err != nil {
		writeError(w, h.Logger, err)
		return
	}
	report, err := h.Engine.Purge(r.Context(), actor, req.TaskIDs)
	if err != nil && report == nil {
		writeError(w, h.Logger, err)
		return
	}
	if err != nil {
		h.Logger.Error("purge partially failed", "admin_id", actor.ID, "error", err)
		writeJSON(w, http.StatusMultiStatus, map[string]any{"report": report, "error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"report": report})
}

// --- POST /v1/admin/accounts/{id}/adjust ---

type adjustRequest struct {
	Amount int    `json:"amount"`
	Reason string `json:"reason"`
}

func (h *AdminHandler) Adjust(w http.ResponseWriter, r *http.Request) {
	actor, ok := actorOr401(w, r)
	if !ok {
		return
	}
	id, err := pathID(r, "id")
	if err != nil {
		writeError(w, h.Logger, err)
		return
	}
	var req adjustRequest
	if err := decode(w, r, &req); err != nil {
		writeError(w, h.Logger, err)
		return
	}
	entry, err := h.Ledger.Adjust(r.Context(), actor, id, req.Amount, req.Reason)
	if err != nil {
		writeError(w, h.Logger, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"entry": entry, "balance": entry.BalanceAfter})
}

// --- POST /v1/admin/accounts/{id}/reconcile ---

func (h *AdminHandler) Reconcile(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		writeError(w, h.Logger, err)
		return
	}
	report, err := h.Ledger.Reconcile(r.Context(), id)
	if err != nil {
		writeError(w, h.Logger, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

// --- PATCH /v1/admin/accounts/{id}/freelancer ---

type freelancerFlagsRequest struct {
	Approved  *bool `json:"approved"`
	Available *bool `json:"available"`
}

func (h *AdminHandler) UpdateFreelancer(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		writeError(w, h.Logger, err)
		return
	}
	var req freelancerFlagsRequest
	if err := decode(w, r, &req); err != nil {
		writeError(w, h.Logger, err)
		return
	}
	acc, err := h.Accounts.GetByID(r.Context(), id)
	if err != nil {
		writeError(w, h.Logger, err)
		return
	}
	if acc.Role != models.RoleFreelancer {
		writeError(w, h.Logger, models.NewValidationError("id", "account is not a freelancer"))
		return
	}
	acc, err = h.Accounts.UpdateFlags(r.Context(), id, req.Approved, req.Available)
	if err != nil {
		writeError(w, h.Logger, err)
		return
	}
	writeJSON(w, http.StatusOK, acc)
}

// --- POST /v1/admin/categories/reload ---

func (h *AdminHandler) ReloadCategories(w http.ResponseWriter, r *http.Request) {
	if h.LoadCategories != nil {
		cats, err := h.LoadCategories()
		if err != nil {
			writeError(w, h.Logger, err)
			return
		}
		if err := h.Categories.Import(r.Context(), cats); err != nil {
			writeError(w, h.Logger, err)
			return
		}
	}
	h.Categories.Reload()
	cats, err := h.Categories.List(r.Context())
	if err != nil {
		writeError(w, h.Logger, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"categories": cats})
}
