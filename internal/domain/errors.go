package domain

import "errors"

var (
	ErrInsufficientFunds          = errors.New("insufficient funds")
	ErrBelowMinimum               = errors.New("amount below minimum withdrawal")
	ErrInvalidAmount              = errors.New("invalid amount")
	ErrAccountNotFound            = errors.New("account not found")
	ErrDuplicateSaleEvent         = errors.New("sale already distributed")
	ErrPayoutTimeout              = errors.New("payout confirmation timed out")
	ErrDistributionPartialFailure = errors.New("distribution partially failed")

	ErrInvalidSale             = errors.New("invalid sale event")
	ErrTransactionNotFound     = errors.New("transaction not found")
	ErrWithdrawalNotFound      = errors.New("withdrawal not found")
	ErrPaymentMethodNotFound   = errors.New("payment method not found")
	ErrPaymentMethodUnverified = errors.New("payment method not verified")
	ErrInvalidFeeSchedule      = errors.New("invalid fee schedule")
	ErrInvalidQualityScore     = errors.New("quality score must be between 0 and 4")
	ErrStatusConflict          = errors.New("transaction status changed concurrently")
	ErrRateLimited             = errors.New("too many withdrawal requests")
)
