package ledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/designdesk/backend/internal/models"
)

const (
	defaultHistoryLimit = 50
	maxHistoryLimit     = 500
)

// TxBeginner abstracts transaction creation so tests don't need a pgxpool.Pool.
type TxBeginner interface {
	Begin(ctx context.Context) (pgx.Tx, error)
}

// AccountStore is the account access the ledger needs.
type AccountStore interface {
	GetByID(ctx context.Context, id uuid.UUID) (*models.Account, error)
	GetByIDForUpdate(ctx context.Context, tx pgx.Tx, id uuid.UUID) (*models.Account, error)
	SetBalanceTx(ctx context.Context, tx pgx.Tx, id uuid.UUID, balance int) error
}

// EntryStore persists ledger entries. Entries are insert-only.
type EntryStore interface {
	CreateTx(ctx context.Context, tx pgx.Tx, e *models.LedgerEntry) error
	GetByExternalRef(ctx context.Context, ref string) (*models.LedgerEntry, error)
	GetByExternalRefTx(ctx context.Context, tx pgx.Tx, ref string) (*models.LedgerEntry, error)
	SumByAccountTx(ctx context.Context, tx pgx.Tx, accountID uuid.UUID) (int, error)
	ListByAccount(ctx context.Context, accountID uuid.UUID, limit int) ([]*models.LedgerEntry, error)
}

// Entry is a requested credit movement. Amount is signed: debits are negative.
type Entry struct {
	AccountID   uuid.UUID
	Amount      int
	Kind        models.EntryKind
	TaskID      *uuid.UUID
	ExternalRef string
	Description string
}

// ReconcileReport describes the cached balance before and after reconciliation.
type ReconcileReport struct {
	AccountID uuid.UUID `json:"account_id"`
	Cached    int       `json:"cached"`
	Computed  int       `json:"computed"`
	Repaired  bool      `json:"repaired"`
}

// Drift is the difference between the ledger sum and the cached balance.
func (r ReconcileReport) Drift() int { return r.Computed - r.Cached }

// Service is the only writer of ledger entries and cached balances.
type Service struct {
	Pool     TxBeginner
	Accounts AccountStore
	Entries  EntryStore
	Logger   *slog.Logger
}

func NewService(pool TxBeginner, accounts AccountStore, entries EntryStore, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{Pool: pool, Accounts: accounts, Entries: entries, Logger: logger}
}

// AppendTx locks the account row (SELECT FOR UPDATE), computes the new balance, inserts the
// entry with balance_after and refreshes the cached balance. Call within a transaction.
func (s *Service) AppendTx(ctx context.Context, tx pgx.Tx, e Entry) (*models.LedgerEntry, error) {
	if err := validateEntry(e); err != nil {
		return nil, err
	}
	acc, err := s.Accounts.GetByIDForUpdate(ctx, tx, e.AccountID)
	if err != nil {
		return nil, err
	}
	newBalance := acc.CreditBalance + e.Amount
	if e.Kind == models.EntryUsage && newBalance < 0 {
		return nil, models.ErrInsufficientCredits
	}
	entry := &models.LedgerEntry{
		ID:           uuid.New(),
		AccountID:    e.AccountID,
		TaskID:       e.TaskID,
		Kind:         e.Kind,
		Amount:       e.Amount,
		BalanceAfter: newBalance,
		Description:  e.Description,
	}
	if e.ExternalRef != "" {
		ref := e.ExternalRef
		entry.ExternalRef = &ref
	}
	if err := s.Entries.CreateTx(ctx, tx, entry); err != nil {
		return nil, err
	}
	if err := s.Accounts.SetBalanceTx(ctx, tx, e.AccountID, newBalance); err != nil {
		return nil, err
	}
	return entry, nil
}

// Append runs AppendTx in its own transaction and returns the new balance.
func (s *Service) Append(ctx context.Context, e Entry) (int, error) {
	tx, err := s.Pool.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	entry, err := s.AppendTx(ctx, tx, e)
	if err != nil {
		return 0, err
	}
	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("commit: %w", err)
	}
	return entry.BalanceAfter, nil
}

// BalanceOf returns the cached balance, which every write refreshes in the same transaction.
func (s *Service) BalanceOf(ctx context.Context, accountID uuid.UUID) (int, error) {
	acc, err := s.Accounts.GetByID(ctx, accountID)
	if err != nil {
		return 0, err
	}
	return acc.CreditBalance, nil
}

// History returns the newest entries first.
func (s *Service) History(ctx context.Context, accountID uuid.UUID, limit int) ([]*models.LedgerEntry, error) {
	if limit <= 0 {
		limit = defaultHistoryLimit
	}
	if limit > maxHistoryLimit {
		limit = maxHistoryLimit
	}
	return s.Entries.ListByAccount(ctx, accountID, limit)
}

// Purchase credits the account for a confirmed payment. The provider transaction id is the
// idempotency key: a replay returns the original entry and replayed=true.
func (s *Service) Purchase(ctx context.Context, accountID uuid.UUID, credits int, providerTxID string) (entry *models.LedgerEntry, replayed bool, err error) {
	providerTxID = strings.TrimSpace(providerTxID)
	if providerTxID == "" {
		return nil, false, models.NewValidationError("provider_tx_id", "is required")
	}
	if credits <= 0 {
		return nil, false, models.NewValidationError("credits", "must be > 0")
	}

	tx, err := s.Pool.Begin(ctx)
	if err != nil {
		return nil, false, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	// Lock first so replays for the same account serialize behind the original.
	if _, err := s.Accounts.GetByIDForUpdate(ctx, tx, accountID); err != nil {
		return nil, false, err
	}
	existing, err := s.Entries.GetByExternalRefTx(ctx, tx, providerTxID)
	switch {
	case err == nil:
		if err := matchPurchase(existing, accountID, credits); err != nil {
			return nil, false, err
		}
		return existing, true, nil
	case !errors.Is(err, models.ErrNotFound):
		return nil, false, err
	}

	entry, err = s.AppendTx(ctx, tx, Entry{
		AccountID:   accountID,
		Amount:      credits,
		Kind:        models.EntryPurchase,
		ExternalRef: providerTxID,
		Description: fmt.Sprintf("purchase of %d credits", credits),
	})
	if isUniqueViolation(err) {
		_ = tx.Rollback(ctx)
		return s.replayPurchase(ctx, accountID, credits, providerTxID)
	}
	if err != nil {
		return nil, false, err
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, false, fmt.Errorf("commit: %w", err)
	}
	s.Logger.Info("credits purchased", "account_id", accountID, "credits", credits, "provider_tx_id", providerTxID)
	return entry, false, nil
}

// replayPurchase resolves a provider id committed concurrently under a different account lock.
func (s *Service) replayPurchase(ctx context.Context, accountID uuid.UUID, credits int, providerTxID string) (*models.LedgerEntry, bool, error) {
	existing, err := s.Entries.GetByExternalRef(ctx, providerTxID)
	if err != nil {
		return nil, false, err
	}
	if err := matchPurchase(existing, accountID, credits); err != nil {
		return nil, false, err
	}
	return existing, true, nil
}

func matchPurchase(e *models.LedgerEntry, accountID uuid.UUID, credits int) error {
	if e.AccountID != accountID || e.Amount != credits || e.Kind != models.EntryPurchase {
		return models.NewValidationError("provider_tx_id", "already used for a different purchase")
	}
	return nil
}

// Adjust applies an admin correction. The resulting balance may go negative.
func (s *Service) Adjust(ctx context.Context, admin models.Actor, accountID uuid.UUID, amount int, reason string) (*models.LedgerEntry, error) {
	if !admin.IsAdmin() {
		return nil, &models.GuardViolation{Code: models.GuardForbidden, Event: "adjust", Reason: "only admins adjust balances"}
	}
	reason = strings.TrimSpace(reason)
	if reason == "" {
		return nil, models.NewValidationError("reason", "is required")
	}
	tx, err := s.Pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	entry, err := s.AppendTx(ctx, tx, Entry{
		AccountID:   accountID,
		Amount:      amount,
		Kind:        models.EntryManualAdjust,
		Description: fmt.Sprintf("manual adjustment by %s: %s", admin.ID, reason),
	})
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit: %w", err)
	}
	s.Logger.Warn("manual credit adjustment",
		"admin_id", admin.ID,
		"account_id", accountID,
		"amount", amount,
		"balance_after", entry.BalanceAfter,
		"reason", reason,
	)
	return entry, nil
}

// Reconcile recomputes the balance from the ledger and repairs the cached value if it drifted.
func (s *Service) Reconcile(ctx context.Context, accountID uuid.UUID) (*ReconcileReport, error) {
	tx, err := s.Pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	acc, err := s.Accounts.GetByIDForUpdate(ctx, tx, accountID)
	if err != nil {
		return nil, err
	}
	sum, err := s.Entries.SumByAccountTx(ctx, tx, accountID)
	if err != nil {
		return nil, err
	}
	report := &ReconcileReport{AccountID: accountID, Cached: acc.CreditBalance, Computed: sum}
	if sum == acc.CreditBalance {
		return report, nil
	}
	if err := s.Accounts.SetBalanceTx(ctx, tx, accountID, sum); err != nil {
		return nil, err
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit: %w", err)
	}
	report.Repaired = true
	s.Logger.Warn("balance drift repaired", "account_id", accountID, "cached", report.Cached, "computed", sum)
	return report, nil
}

func validateEntry(e Entry) error {
	if e.AccountID == uuid.Nil {
		return models.NewValidationError("account_id", "is required")
	}
	if !e.Kind.IsValid() {
		return models.NewValidationError("kind", "unknown entry kind %q", e.Kind)
	}
	if e.Amount == 0 {
		return models.NewValidationError("amount", "must be non-zero")
	}
	switch e.Kind {
	case models.EntryPurchase, models.EntryRefund:
		if e.Amount < 0 {
			return models.NewValidationError("amount", "%s entries credit the account", e.Kind)
		}
	case models.EntryUsage:
		if e.Amount > 0 {
			return models.NewValidationError("amount", "usage entries debit the account")
		}
	}
	return nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}
