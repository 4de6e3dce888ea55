package handlers

import (
	"context"
	"log/slog"
	"net/http"
	"strings"

	"github.com/google/uuid"

	"github.com/designdesk/backend/internal/models"
)

const defaultLedgerLimit = 50

// AccountStore is the account access the account endpoints need.
type AccountStore interface {
	GetByID(ctx context.Context, id uuid.UUID) (*models.Account, error)
	UpdateFlags(ctx context.Context, id uuid.UUID, approved, available *bool) (*models.Account, error)
}

// LedgerReader lists an account's entries, newest first.
type LedgerReader interface {
	History(ctx context.Context, accountID uuid.UUID, limit int) ([]*models.LedgerEntry, error)
}

// CategoryLister lists commissionable categories.
type CategoryLister interface {
	List(ctx context.Context) ([]*models.Category, error)
}

// AccountHandler serves the caller's own account, ledger and the category list.
type AccountHandler struct {
	Accounts   AccountStore
	Ledger     LedgerReader
	Categories CategoryLister
	Logger     *slog.Logger
}

// GET /v1/account/me
func (h *AccountHandler) GetMe(w http.ResponseWriter, r *http.Request) {
	actor, ok := actorOr401(w, r)
	if !ok {
		return
	}
	acc, err := h.Accounts.GetByID(r.Context(), actor.ID)
	if err != nil {
		writeError(w, h.Logger, err)
		return
	}
	writeJSON(w, http.StatusOK, acc)
}

// PATCH /v1/account/availability
func (h *AccountHandler) SetAvailability(w http.ResponseWriter, r *http.Request) {
	actor, ok := actorOr401(w, r)
	if !ok {
		return
	}
	if !actor.IsFreelancer() {
		writeError(w, h.Logger, &models.GuardViolation{Code: models.GuardForbidden, Event: "availability", Reason: "only freelancers set availability"})
		return
	}
	var body struct {
		Available *bool `json:"available"`
	}
	if err := decode(w, r, &body); err != nil {
		writeError(w, h.Logger, err)
		return
	}
	if body.Available == nil {
		writeError(w, h.Logger, models.NewValidationError("available", "is required"))
		return
	}
	acc, err := h.Accounts.UpdateFlags(r.Context(), actor.ID, nil, body.Available)
	if err != nil {
		writeError(w, h.Logger, err)
		return
	}
	writeJSON(w, http.StatusOK, acc)
}

// GET /v1/ledger
//
// Admins may pass ?account_id= to read another account's ledger.
func (h *AccountHandler) ListLedger(w http.ResponseWriter, r *http.Request) {
	actor, ok := actorOr401(w, r)
	if !ok {
		return
	}
	accountID := actor.ID
	if raw := strings.TrimSpace(r.URL.Query().Get("account_id")); raw != "" {
		id, err := uuid.Parse(raw)
		if err != nil {
			writeError(w, h.Logger, models.NewValidationError("account_id", "must be a uuid"))
			return
		}
		if id != actor.ID && !actor.IsAdmin() {
			writeError(w, h.Logger, &models.GuardViolation{Code: models.GuardForbidden, Event: "list_ledger", Reason: "only admins read other ledgers"})
			return
		}
		accountID = id
	}
	limit, err := queryLimit(r, defaultLedgerLimit)
	if err != nil {
		writeError(w, h.Logger, err)
		return
	}
	acc, err := h.Accounts.GetByID(r.Context(), accountID)
	if err != nil {
		writeError(w, h.Logger, err)
		return
	}
	entries, err := h.Ledger.History(r.Context(), accountID, limit)
	if err != nil {
		writeError(w, h.Logger, err)
		return
	}
	if entries == nil {
		entries = []*models.LedgerEntry{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"balance": acc.CreditBalance, "entries": entries})
}

// GET /v1/categories
func (h *AccountHandler) ListCategories(w http.ResponseWriter, r *http.Request) {
	cats, err := h.Categories.List(r.Context())
	if err != nil {
		writeError(w, h.Logger, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"categories": cats})
}
