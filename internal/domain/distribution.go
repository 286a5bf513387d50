package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// MaxChainDegrees is the deepest referral degree that can earn from a sale.
const MaxChainDegrees = 6

// ChainLink is one participant of a referral chain.
type ChainLink struct {
	Degree    int    `json:"degree"`
	AccountID string `json:"account_id"`
}

// Sale is the "sale completed" event that triggers a reward distribution.
type Sale struct {
	ListingID        string          `json:"listing_id"`
	Price            int64           `json:"price"` // in cents
	RewardPercentage decimal.Decimal `json:"reward_percentage"`
	MaxDegrees       int             `json:"max_degrees"`
	Chain            []ChainLink     `json:"chain"`
	CompletedAt      time.Time       `json:"completed_at"`
}

// DistributionStatus is the outcome of a distribution attempt.
type DistributionStatus string

const (
	DistributionCompleted              DistributionStatus = "completed"
	DistributionDuplicate              DistributionStatus = "duplicate"
	DistributionReconciliationRequired DistributionStatus = "reconciliation_required"
)

// DegreePayout is the share allocated to one filled degree.
type DegreePayout struct {
	Degree    int    `json:"degree"`
	AccountID string `json:"account_id"`
	Percent   int64  `json:"percent"`
	Amount    int64  `json:"amount"` // in cents
}

// Distribution records how a sale's reward pool was split.
// This struct maps directly to the `reward_distributions` table.
type Distribution struct {
	ListingID     string             `json:"listing_id"`
	Status        DistributionStatus `json:"status"`
	Pool          int64              `json:"pool"`
	Payouts       []DegreePayout     `json:"payouts"`
	CharityAmount int64              `json:"charity_amount"`
	Sale          Sale               `json:"sale"`
	Attempts      int                `json:"attempts"`
	LastError     string             `json:"last_error,omitempty"`
	CreatedAt     time.Time          `json:"created_at"`
	UpdatedAt     time.Time          `json:"updated_at"`
}

// DistributedTotal is the sum of every degree payout and the charity remainder.
func (d *Distribution) DistributedTotal() int64 {
	total := d.CharityAmount
	for _, payout := range d.Payouts {
		total += payout.Amount
	}
	return total
}
