package domain

import (
	"time"

	"github.com/google/uuid"
)

// Withdrawal tracks the lifecycle of a payout request. Its ID is the ID of the
// withdrawal ledger entry that reserved the funds.
type Withdrawal struct {
	ID              uuid.UUID         `json:"id"`
	AccountID       string            `json:"account_id"`
	PaymentMethodID uuid.UUID         `json:"payment_method_id"`
	Amount          int64             `json:"amount"`     // in cents, positive
	Fee             int64             `json:"fee"`        // in cents
	NetAmount       int64             `json:"net_amount"` // in cents
	Status          TransactionStatus `json:"status"`
	PayoutReference *string           `json:"payout_reference,omitempty"`
	FailureReason   *string           `json:"failure_reason,omitempty"`
	ReversalID      *uuid.UUID        `json:"reversal_id,omitempty"`
	Deadline        time.Time         `json:"deadline"`
	CreatedAt       time.Time         `json:"created_at"`
	UpdatedAt       time.Time         `json:"updated_at"`
	ProcessedAt     *time.Time        `json:"processed_at,omitempty"`
}

// WithdrawalRequest is the DTO for incoming withdrawal API requests.
type WithdrawalRequest struct {
	Amount          int64      `json:"amount"` // in cents
	PaymentMethodID *uuid.UUID `json:"payment_method_id,omitempty"`
}

// WithdrawalTransition moves a withdrawal entry between statuses. When Reversal is
// set the store appends it in the same unit that marks the entry failed.
type WithdrawalTransition struct {
	ID              uuid.UUID
	From            []TransactionStatus
	To              TransactionStatus
	At              time.Time
	PayoutReference *string
	FailureReason   *string
	Reversal        *PostRequest
}

// PayoutStatusEvent is the message emitted by the payout processor for payout lifecycle updates.
type PayoutStatusEvent struct {
	EventID         string    `json:"event_id"`
	TransactionID   string    `json:"transaction_id"`
	PayoutReference string    `json:"payout_reference"`
	Status          string    `json:"status"`
	Reason          string    `json:"reason"`
	OccurredAt      time.Time `json:"occurred_at"`
}
