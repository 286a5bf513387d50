/**
 * @description
 * This file defines the core ledger models for the reward-service. Every movement of
 * bacon is an immutable Transaction appended to an account's log; balances are never
 * stored on their own but derived by folding the log.
 *
 * @notes
 * - Amounts are `int64` in the smallest currency unit (cents). Bacon is 1:1 with currency.
 * - `RunningBalance` is the account balance after the entry is applied.
 */

package domain

import (
	"time"

	"github.com/google/uuid"
)

// TransactionKind classifies a ledger entry.
type TransactionKind string

const (
	KindEarned     TransactionKind = "earned"
	KindWithdrawal TransactionKind = "withdrawal"
	KindBonus      TransactionKind = "bonus"
	KindPenalty    TransactionKind = "penalty"
	KindTransfer   TransactionKind = "transfer"
)

// Valid reports whether k is one of the known kinds.
func (k TransactionKind) Valid() bool {
	switch k {
	case KindEarned, KindWithdrawal, KindBonus, KindPenalty, KindTransfer:
		return true
	}
	return false
}

// Debit reports whether entries of this kind must carry a negative amount.
func (k TransactionKind) Debit() bool {
	return k == KindWithdrawal || k == KindPenalty
}

// TransactionStatus is the settlement state of a ledger entry. Only withdrawal
// entries move between statuses after they are written.
type TransactionStatus string

const (
	StatusPending    TransactionStatus = "pending"
	StatusProcessing TransactionStatus = "processing"
	StatusCompleted  TransactionStatus = "completed"
	StatusFailed     TransactionStatus = "failed"
)

// Terminal reports whether no further transitions are allowed.
func (s TransactionStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// Transaction is one immutable entry in an account's ledger.
// This struct maps directly to the `ledger_transactions` table.
type Transaction struct {
	ID             uuid.UUID         `json:"id"`
	AccountID      string            `json:"account_id"`
	Sequence       int64             `json:"sequence"`
	Kind           TransactionKind   `json:"kind"`
	Amount         int64             `json:"amount"`          // in cents, signed
	RunningBalance int64             `json:"running_balance"` // in cents
	SourceRef      string            `json:"source_ref"`
	Status         TransactionStatus `json:"status"`
	CreatedAt      time.Time         `json:"created_at"`
	ProcessedAt    *time.Time        `json:"processed_at,omitempty"`
}

// PostRequest describes one entry to append to the ledger.
type PostRequest struct {
	AccountID string
	Kind      TransactionKind
	Amount    int64
	SourceRef string
	Status    TransactionStatus
}

// Account is a ledger account. Its balance lives in the entries, not here.
type Account struct {
	ID        string    `json:"id"`
	CreatedAt time.Time `json:"created_at"`
}

// AccountBalance is the folded view of an account's ledger.
type AccountBalance struct {
	AccountID      string `json:"account_id"`
	Available      int64  `json:"available"`       // in cents
	Pending        int64  `json:"pending"`         // in cents
	LifetimeEarned int64  `json:"lifetime_earned"` // in cents
	TotalWithdrawn int64  `json:"total_withdrawn"` // in cents
}

// HistoryOptions controls pagination of an account's history.
type HistoryOptions struct {
	Limit  int
	Offset int
}

// FoldBalance derives an AccountBalance from entries ordered by sequence ascending.
// Available is the running balance of the last entry.
func FoldBalance(accountID string, entries []Transaction) AccountBalance {
	balance := AccountBalance{AccountID: accountID}
	for _, entry := range entries {
		switch entry.Kind {
		case KindEarned:
			balance.LifetimeEarned += entry.Amount
			if entry.Status == StatusPending {
				balance.Pending += entry.Amount
			}
		case KindBonus:
			balance.LifetimeEarned += entry.Amount
		case KindWithdrawal:
			if entry.Status == StatusCompleted {
				balance.TotalWithdrawn += -entry.Amount
			}
		}
	}
	if len(entries) > 0 {
		balance.Available = entries[len(entries)-1].RunningBalance
	}
	return balance
}
