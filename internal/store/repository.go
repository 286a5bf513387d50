/**
 * @description
 * This file defines the store interfaces for the reward-service. The ledger is the only
 * shared mutable resource: every balance change goes through Post, ApplyDistribution,
 * CreateWithdrawal, TransitionWithdrawal or AdvanceTier, each of which is serialised per
 * account by the implementation.
 *
 * @dependencies
 * - internal/domain: For the service's domain models.
 */

package store

import (
	"context"
	"time"

	"github.com/bacon/reward-service/internal/domain"
	"github.com/google/uuid"
)

// LedgerStore is the append-only transaction log.
type LedgerStore interface {
	OpenAccount(ctx context.Context, accountID string) (*domain.Account, error)
	Post(ctx context.Context, req domain.PostRequest) (*domain.Transaction, error)
	// Entries returns every entry for the account ordered by sequence ascending.
	Entries(ctx context.Context, accountID string) ([]domain.Transaction, error)
	// History returns a page of entries, newest first.
	History(ctx context.Context, accountID string, opts domain.HistoryOptions) ([]domain.Transaction, error)
	FindTransactionByID(ctx context.Context, transactionID uuid.UUID) (*domain.Transaction, error)
}

// DistributionStore persists reward distributions keyed by listing.
type DistributionStore interface {
	// ApplyDistribution posts every request and records the distribution as completed in
	// one unit. It fails with domain.ErrDuplicateSaleEvent when the listing is already completed.
	ApplyDistribution(ctx context.Context, dist *domain.Distribution, requests []domain.PostRequest) ([]domain.Transaction, error)
	FindDistribution(ctx context.Context, listingID string) (*domain.Distribution, error)
	FlagDistributionForReconciliation(ctx context.Context, dist *domain.Distribution) error
	ListDistributionsForReconciliation(ctx context.Context, limit int) ([]domain.Distribution, error)
}

// WithdrawalStore persists withdrawal lifecycles alongside their ledger entries.
type WithdrawalStore interface {
	// CreateWithdrawal posts the reserving entry and saves the withdrawal record in one unit.
	CreateWithdrawal(ctx context.Context, withdrawal *domain.Withdrawal, entry domain.PostRequest) (*domain.Transaction, error)
	FindWithdrawalByID(ctx context.Context, withdrawalID uuid.UUID) (*domain.Withdrawal, error)
	// TransitionWithdrawal fails with domain.ErrStatusConflict when the current status is not in From.
	TransitionWithdrawal(ctx context.Context, transition domain.WithdrawalTransition) (*domain.Withdrawal, *domain.Transaction, error)
	ListWithdrawalsByStatus(ctx context.Context, status domain.TransactionStatus, limit int) ([]domain.Withdrawal, error)
	ListOverdueWithdrawals(ctx context.Context, now time.Time, limit int) ([]domain.Withdrawal, error)
}

// PaymentMethodStore is the payment method registry.
type PaymentMethodStore interface {
	// CreatePaymentMethod saves the method; when IsDefault is set any other default for the account is cleared.
	CreatePaymentMethod(ctx context.Context, method *domain.PaymentMethod) error
	ListPaymentMethods(ctx context.Context, accountID string) ([]domain.PaymentMethod, error)
	FindPaymentMethodByID(ctx context.Context, methodID uuid.UUID) (*domain.PaymentMethod, error)
	FindDefaultPaymentMethod(ctx context.Context, accountID string) (*domain.PaymentMethod, error)
	SetDefaultPaymentMethod(ctx context.Context, accountID string, methodID uuid.UUID) error
	SetPaymentMethodVerified(ctx context.Context, methodID uuid.UUID, verified bool) (*domain.PaymentMethod, error)
}

// ProgressionStore persists degree progression state.
type ProgressionStore interface {
	GetProgression(ctx context.Context, accountID string) (*domain.DegreeProgression, error)
	SetQualityScore(ctx context.Context, accountID string, score float64) (*domain.DegreeProgression, error)
	// RecordProgressionTotals raises the cumulative totals; lower values are ignored.
	RecordProgressionTotals(ctx context.Context, accountID string, totalBacon, totalReferrals int64) (*domain.DegreeProgression, error)
	// AdvanceTier fails with domain.ErrStatusConflict when the stored tier differs from FromTier.
	AdvanceTier(ctx context.Context, advance domain.TierAdvance) (*domain.DegreeProgression, *domain.Transaction, error)
}

// Repository is the full set of persistence operations.
type Repository interface {
	LedgerStore
	DistributionStore
	WithdrawalStore
	PaymentMethodStore
	ProgressionStore
}
