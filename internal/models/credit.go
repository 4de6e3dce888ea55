package models

import (
	"time"

	"github.com/google/uuid"
)

// EntryKind is the business reason for a ledger entry.
type EntryKind string

const (
	EntryPurchase     EntryKind = "purchase"
	EntryUsage        EntryKind = "usage"
	EntryRefund       EntryKind = "refund"
	EntryManualAdjust EntryKind = "manual_adjust"
)

func (k EntryKind) IsValid() bool {
	switch k {
	case EntryPurchase, EntryUsage, EntryRefund, EntryManualAdjust:
		return true
	}
	return false
}

// LedgerEntry is an immutable, signed credit movement. Corrections are new offsetting entries.
type LedgerEntry struct {
	ID           uuid.UUID  `json:"id"`
	AccountID    uuid.UUID  `json:"account_id"`
	TaskID       *uuid.UUID `json:"task_id,omitempty"`
	Kind         EntryKind  `json:"kind"`
	Amount       int        `json:"amount"`
	BalanceAfter int        `json:"balance_after"`
	ExternalRef  *string    `json:"external_ref,omitempty"`
	Description  string     `json:"description"`
	CreatedAt    time.Time  `json:"created_at"`
}
