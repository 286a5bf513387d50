package store

import (
	"fmt"
	"time"

	"github.com/bacon/reward-service/internal/domain"
	"github.com/google/uuid"
)

const (
	defaultHistoryLimit = 20
	maxHistoryLimit     = 100
)

func normalizeHistoryOptions(opts domain.HistoryOptions) domain.HistoryOptions {
	if opts.Limit <= 0 {
		opts.Limit = defaultHistoryLimit
	}
	if opts.Limit > maxHistoryLimit {
		opts.Limit = maxHistoryLimit
	}
	if opts.Offset < 0 {
		opts.Offset = 0
	}
	return opts
}

// validatePost checks the sign rules for a ledger entry: withdrawals and penalties
// debit, earnings and bonuses credit, transfers go either way but never zero.
func validatePost(req domain.PostRequest) error {
	if req.AccountID == "" {
		return fmt.Errorf("%w: empty account id", domain.ErrAccountNotFound)
	}
	if !req.Kind.Valid() {
		return fmt.Errorf("%w: unknown transaction kind %q", domain.ErrInvalidAmount, req.Kind)
	}
	switch {
	case req.Amount == 0:
		return fmt.Errorf("%w: zero amount", domain.ErrInvalidAmount)
	case req.Kind.Debit() && req.Amount > 0:
		return fmt.Errorf("%w: %s amount must be negative", domain.ErrInvalidAmount, req.Kind)
	case (req.Kind == domain.KindEarned || req.Kind == domain.KindBonus) && req.Amount < 0:
		return fmt.Errorf("%w: %s amount must be positive", domain.ErrInvalidAmount, req.Kind)
	}
	return nil
}

// nextEntry builds the entry that follows a ledger head at (balance, sequence).
func nextEntry(balance, sequence int64, req domain.PostRequest, now time.Time) (domain.Transaction, error) {
	if err := validatePost(req); err != nil {
		return domain.Transaction{}, err
	}
	running := balance + req.Amount
	if running < 0 {
		return domain.Transaction{}, fmt.Errorf("%w: account %s has %d, entry needs %d", domain.ErrInsufficientFunds, req.AccountID, balance, -req.Amount)
	}
	status := req.Status
	if status == "" {
		status = domain.StatusCompleted
	}
	entry := domain.Transaction{
		ID:             uuid.New(),
		AccountID:      req.AccountID,
		Sequence:       sequence + 1,
		Kind:           req.Kind,
		Amount:         req.Amount,
		RunningBalance: running,
		SourceRef:      req.SourceRef,
		Status:         status,
		CreatedAt:      now,
	}
	if status.Terminal() {
		processedAt := now
		entry.ProcessedAt = &processedAt
	}
	return entry, nil
}

func statusIn(status domain.TransactionStatus, allowed []domain.TransactionStatus) bool {
	for _, candidate := range allowed {
		if candidate == status {
			return true
		}
	}
	return false
}
