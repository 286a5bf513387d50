package domain

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// PaymentMethodType is the kind of payout destination.
type PaymentMethodType string

const (
	PaymentMethodBank   PaymentMethodType = "bank"
	PaymentMethodWallet PaymentMethodType = "wallet"
	PaymentMethodCard   PaymentMethodType = "card"
	PaymentMethodCrypto PaymentMethodType = "crypto"
	PaymentMethodOther  PaymentMethodType = "other"
)

// Valid reports whether t is a known payment method type.
func (t PaymentMethodType) Valid() bool {
	switch t {
	case PaymentMethodBank, PaymentMethodWallet, PaymentMethodCard, PaymentMethodCrypto, PaymentMethodOther:
		return true
	}
	return false
}

// FeeSchedule is the withdrawal fee charged by a payout destination.
// Percentage is expressed out of 100 (2.9 means 2.9%).
type FeeSchedule struct {
	Percentage decimal.Decimal `json:"percentage"`
	Fixed      int64           `json:"fixed"`   // in cents
	Minimum    int64           `json:"minimum"` // in cents
}

// PaymentMethod is a payout destination registered by an account holder.
type PaymentMethod struct {
	ID          uuid.UUID         `json:"id"`
	AccountID   string            `json:"account_id"`
	Type        PaymentMethodType `json:"type"`
	Label       string            `json:"label,omitempty"`
	FeeSchedule FeeSchedule       `json:"fee_schedule"`
	IsVerified  bool              `json:"is_verified"`
	IsDefault   bool              `json:"is_default"`
	CreatedAt   time.Time         `json:"created_at"`
	UpdatedAt   time.Time         `json:"updated_at"`
}

// AddPaymentMethodRequest is the DTO for registering a payout destination.
type AddPaymentMethodRequest struct {
	Type        PaymentMethodType `json:"type"`
	Label       string            `json:"label"`
	FeeSchedule *FeeSchedule      `json:"fee_schedule,omitempty"`
	MakeDefault bool              `json:"make_default"`
}

// FeeQuote is the fee breakdown for a prospective withdrawal.
type FeeQuote struct {
	Amount          int64     `json:"amount"`
	Fee             int64     `json:"fee"`
	NetAmount       int64     `json:"net_amount"`
	PaymentMethodID uuid.UUID `json:"payment_method_id"`
}
