// Package fee computes withdrawal fees from a payment method's fee schedule.
// Everything here is pure; amounts are in cents.
package fee

import (
	"fmt"

	"github.com/bacon/reward-service/internal/domain"
	"github.com/shopspring/decimal"
)

var hundred = decimal.NewFromInt(100)

// defaultSchedules are applied when a payment method is registered without an explicit schedule.
var defaultSchedules = map[domain.PaymentMethodType]domain.FeeSchedule{
	domain.PaymentMethodBank:   {Percentage: decimal.Zero, Fixed: 25, Minimum: 25},
	domain.PaymentMethodWallet: {Percentage: decimal.RequireFromString("1.5"), Fixed: 0, Minimum: 50},
	domain.PaymentMethodCard:   {Percentage: decimal.RequireFromString("2.9"), Fixed: 30, Minimum: 30},
	domain.PaymentMethodCrypto: {Percentage: decimal.NewFromInt(1), Fixed: 0, Minimum: 100},
	domain.PaymentMethodOther:  {Percentage: decimal.NewFromInt(2), Fixed: 0, Minimum: 50},
}

// DefaultSchedule returns the platform's fee schedule for a payment method type.
func DefaultSchedule(t domain.PaymentMethodType) domain.FeeSchedule {
	if schedule, ok := defaultSchedules[t]; ok {
		return schedule
	}
	return defaultSchedules[domain.PaymentMethodOther]
}

// ValidateSchedule rejects negative components and percentages above 100.
func ValidateSchedule(schedule domain.FeeSchedule) error {
	if schedule.Percentage.IsNegative() || schedule.Percentage.GreaterThan(hundred) {
		return fmt.Errorf("%w: percentage must be between 0 and 100", domain.ErrInvalidFeeSchedule)
	}
	if schedule.Fixed < 0 || schedule.Minimum < 0 {
		return fmt.Errorf("%w: fixed and minimum fees must not be negative", domain.ErrInvalidFeeSchedule)
	}
	return nil
}

// Calculate returns max(amount*percentage/100 + fixed, minimum), rounded half up to the cent.
func Calculate(amount int64, schedule domain.FeeSchedule) (int64, error) {
	if amount < 0 {
		return 0, fmt.Errorf("%w: fee amount must not be negative, got %d", domain.ErrInvalidAmount, amount)
	}

	fee := decimal.NewFromInt(amount).
		Mul(schedule.Percentage).
		Div(hundred).
		Add(decimal.NewFromInt(schedule.Fixed)).
		Round(0).
		IntPart()

	if fee < schedule.Minimum {
		fee = schedule.Minimum
	}
	return fee, nil
}

// Net returns the fee and the amount left for the payout destination.
// A fee that would consume the whole amount is rejected.
func Net(amount int64, schedule domain.FeeSchedule) (fee int64, net int64, err error) {
	fee, err = Calculate(amount, schedule)
	if err != nil {
		return 0, 0, err
	}
	if fee >= amount {
		return 0, 0, fmt.Errorf("%w: fee %d leaves nothing to pay out from %d", domain.ErrInvalidAmount, fee, amount)
	}
	return fee, amount - fee, nil
}
