package handlers

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/google/uuid"

	"github.com/designdesk/backend/internal/models"
)

// SignatureHeader carries the hex HMAC-SHA256 of the raw webhook body.
const SignatureHeader = "X-Signature"

// Purchaser credits an account for a confirmed payment, idempotently per provider transaction.
type Purchaser interface {
	Purchase(ctx context.Context, accountID uuid.UUID, credits int, providerTxID string) (*models.LedgerEntry, bool, error)
}

// PaymentWebhook receives purchase confirmations from the payment provider. Providers retry
// until they see a 2xx, so a replayed transaction id answers 200 with the original entry.
type PaymentWebhook struct {
	Ledger Purchaser
	Secret []byte
	Logger *slog.Logger
}

type paymentEvent struct {
	ProviderTxID string    `json:"provider_tx_id"`
	AccountID    uuid.UUID `json:"account_id"`
	Credits      int       `json:"credits"`
}

// POST /v1/webhooks/payments
func (h *PaymentWebhook) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		writeError(w, h.Logger, models.NewValidationError("body", "unreadable: %v", err))
		return
	}
	if !h.validSignature(body, r.Header.Get(SignatureHeader)) {
		h.Logger.Warn("payment webhook signature rejected", "remote_addr", r.RemoteAddr)
		writeJSON(w, http.StatusUnauthorized, errorBody{Error: "invalid signature", Code: "unauthorized"})
		return
	}

	var ev paymentEvent
	if err := json.Unmarshal(body, &ev); err != nil {
		writeError(w, h.Logger, models.NewValidationError("body", "invalid JSON: %v", err))
		return
	}
	if ev.AccountID == uuid.Nil {
		writeError(w, h.Logger, models.NewValidationError("account_id", "is required"))
		return
	}

	entry, replayed, err := h.Ledger.Purchase(r.Context(), ev.AccountID, ev.Credits, ev.ProviderTxID)
	if err != nil {
		writeError(w, h.Logger, err)
		return
	}
	status := http.StatusCreated
	if replayed {
		status = http.StatusOK
		h.Logger.Info("payment webhook replayed", "provider_tx_id", ev.ProviderTxID)
	}
	writeJSON(w, status, map[string]any{"entry": entry, "replayed": replayed})
}

func (h *PaymentWebhook) validSignature(body []byte, header string) bool {
	if len(h.Secret) == 0 {
		return false
	}
	got, err := hex.DecodeString(strings.TrimPrefix(strings.TrimSpace(header), "sha256="))
	if err != nil || len(got) == 0 {
		return false
	}
	return hmac.Equal(got, Sign(h.Secret, body))
}

// Sign computes the webhook signature for body.
func Sign(secret, body []byte) []byte {
	mac := hmac.New(sha256.New, secret)
	mac.Write(body)
	return mac.Sum(nil)
}
