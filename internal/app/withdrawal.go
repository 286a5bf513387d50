package app

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"

	"github.com/bacon/reward-service/internal/domain"
	"github.com/bacon/reward-service/internal/fee"
	"github.com/bacon/reward-service/internal/metrics"
	"github.com/bacon/reward-service/pkg/payoutclient"
	"github.com/google/uuid"
)

const (
	failureReasonCancelled     = "cancelled"
	failureReasonPayoutFailed  = "payout_failed"
	failureReasonPayoutRefused = "payout_rejected"
)

var openWithdrawalStatuses = []domain.TransactionStatus{domain.StatusPending, domain.StatusProcessing}

// RateLimitedError reports a throttled withdrawal request.
type RateLimitedError struct {
	RetryAfterSeconds int
}

func (e *RateLimitedError) Error() string {
	return fmt.Sprintf("%s: retry after %ds", domain.ErrRateLimited, e.RetryAfterSeconds)
}

func (e *RateLimitedError) Unwrap() error {
	return domain.ErrRateLimited
}

// RequestWithdrawal validates a withdrawal and reserves the funds by posting a pending
// withdrawal entry. Validation failures write nothing. When a payout processor is configured
// the payout is submitted straight away.
func (s *Service) RequestWithdrawal(ctx context.Context, accountID string, req domain.WithdrawalRequest) (*domain.Withdrawal, error) {
	if req.Amount <= 0 {
		recordRejection(domain.ErrInvalidAmount)
		return nil, fmt.Errorf("%w: withdrawal amount must be positive", domain.ErrInvalidAmount)
	}
	if req.Amount < s.settings.MinimumWithdrawal {
		recordRejection(domain.ErrBelowMinimum)
		return nil, fmt.Errorf("%w: %d is below the %d minimum", domain.ErrBelowMinimum, req.Amount, s.settings.MinimumWithdrawal)
	}
	// The store re-checks under the account lock; this only orders the validation errors.
	balance, err := s.Balance(ctx, accountID)
	if err != nil {
		return nil, err
	}
	if req.Amount > balance.Available {
		recordRejection(domain.ErrInsufficientFunds)
		return nil, fmt.Errorf("%w: requested %d, available %d", domain.ErrInsufficientFunds, req.Amount, balance.Available)
	}
	if err := s.checkWithdrawalRateLimit(ctx, accountID); err != nil {
		return nil, err
	}

	method, err := s.resolvePaymentMethod(ctx, accountID, req.PaymentMethodID)
	if err != nil {
		return nil, err
	}
	if !method.IsVerified {
		return nil, fmt.Errorf("%w: %s", domain.ErrPaymentMethodUnverified, method.ID)
	}
	charged, net, err := fee.Net(req.Amount, method.FeeSchedule)
	if err != nil {
		return nil, err
	}

	withdrawal := &domain.Withdrawal{
		AccountID:       accountID,
		PaymentMethodID: method.ID,
		Amount:          req.Amount,
		Fee:             charged,
		NetAmount:       net,
		Deadline:        s.clock.Now().UTC().Add(s.settings.PayoutTimeout),
	}
	entry, err := s.repo.CreateWithdrawal(ctx, withdrawal, domain.PostRequest{
		AccountID: accountID,
		Kind:      domain.KindWithdrawal,
		Amount:    -req.Amount,
		SourceRef: "payment_method:" + method.ID.String(),
		Status:    domain.StatusPending,
	})
	if err != nil {
		recordRejection(err)
		return nil, err
	}

	log.Printf("level=info component=service flow=withdrawal msg=\"withdrawal reserved\" account_id=%s withdrawal_id=%s amount=%d fee=%d net=%d", accountID, withdrawal.ID, withdrawal.Amount, withdrawal.Fee, withdrawal.NetAmount)
	s.afterPost(ctx, false, *entry)
	metrics.WithdrawalTransitionsTotal.WithLabelValues(string(domain.StatusPending), "").Inc()
	s.publish(ctx, withdrawalEventPrefix+string(domain.StatusPending), withdrawal)

	if s.payouts == nil {
		return withdrawal, nil
	}
	dispatched, err := s.dispatchPayout(ctx, withdrawal, method)
	if err != nil {
		// Still pending; the dispatch job resubmits it.
		log.Printf("level=warn component=service flow=withdrawal msg=\"payout dispatch deferred\" withdrawal_id=%s err=%v", withdrawal.ID, err)
		return withdrawal, nil
	}
	return dispatched, nil
}

func (s *Service) checkWithdrawalRateLimit(ctx context.Context, accountID string) error {
	if s.limiter == nil || s.settings.WithdrawalRateLimit <= 0 {
		return nil
	}
	count, retryAfter, err := s.limiter.ConsumeRateLimit(ctx, withdrawalRateLimitScope, accountID, s.settings.WithdrawalRateLimit, withdrawalRateLimitWindow)
	if err != nil {
		log.Printf("level=warn component=service flow=withdrawal msg=\"rate limiter unavailable; allowing request\" account_id=%s err=%v", accountID, err)
		return nil
	}
	if count > s.settings.WithdrawalRateLimit {
		return &RateLimitedError{RetryAfterSeconds: retryAfter}
	}
	return nil
}

// GetWithdrawal returns a withdrawal owned by accountID.
func (s *Service) GetWithdrawal(ctx context.Context, accountID string, withdrawalID uuid.UUID) (*domain.Withdrawal, error) {
	withdrawal, err := s.repo.FindWithdrawalByID(ctx, withdrawalID)
	if err != nil {
		return nil, err
	}
	if withdrawal.AccountID != accountID {
		return nil, domain.ErrWithdrawalNotFound
	}
	return withdrawal, nil
}

// CancelWithdrawal fails a still-pending withdrawal and restores the reserved funds.
// Once the payout is processing it can no longer be cancelled.
func (s *Service) CancelWithdrawal(ctx context.Context, accountID string, withdrawalID uuid.UUID) (*domain.Withdrawal, error) {
	withdrawal, err := s.GetWithdrawal(ctx, accountID, withdrawalID)
	if err != nil {
		return nil, err
	}
	if withdrawal.Status != domain.StatusPending {
		return withdrawal, fmt.Errorf("%w: withdrawal %s is %s", domain.ErrStatusConflict, withdrawal.ID, withdrawal.Status)
	}
	return s.failWithdrawal(ctx, withdrawal, []domain.TransactionStatus{domain.StatusPending}, failureReasonCancelled)
}

// OnPayoutConfirmed applies the processor's final answer for a withdrawal. Success completes
// it from processing; failure fails it from pending or processing and restores the funds.
// Confirmations for withdrawals that are already completed or failed are ignored.
func (s *Service) OnPayoutConfirmed(ctx context.Context, withdrawalID uuid.UUID, success bool, payoutReference, reason string) (*domain.Withdrawal, error) {
	withdrawal, err := s.repo.FindWithdrawalByID(ctx, withdrawalID)
	if err != nil {
		return nil, err
	}
	if withdrawal.Status.Terminal() {
		logDuplicateConfirmation(withdrawal, success)
		return withdrawal, nil
	}

	var updated *domain.Withdrawal
	if success {
		// A settlement reported before the processor acknowledged the payout still passes
		// through processing.
		if withdrawal.Status == domain.StatusPending {
			withdrawal, err = s.MarkPayoutProcessing(ctx, withdrawal.ID, payoutReference)
			if err != nil {
				return nil, err
			}
			if withdrawal.Status.Terminal() {
				logDuplicateConfirmation(withdrawal, success)
				return withdrawal, nil
			}
		}
		updated, err = s.transitionWithdrawal(ctx, domain.WithdrawalTransition{
			ID:              withdrawal.ID,
			From:            []domain.TransactionStatus{domain.StatusProcessing},
			To:              domain.StatusCompleted,
			At:              s.clock.Now().UTC(),
			PayoutReference: optionalString(payoutReference),
		}, "")
	} else {
		if strings.TrimSpace(reason) == "" {
			reason = failureReasonPayoutFailed
		}
		updated, err = s.failWithdrawal(ctx, withdrawal, openWithdrawalStatuses, reason)
	}
	if errors.Is(err, domain.ErrStatusConflict) && updated != nil && updated.Status.Terminal() {
		logDuplicateConfirmation(updated, success)
		return updated, nil
	}
	return updated, err
}

// MarkPayoutProcessing records that the processor accepted a payout. Withdrawals already
// processing or finished are left alone.
func (s *Service) MarkPayoutProcessing(ctx context.Context, withdrawalID uuid.UUID, payoutReference string) (*domain.Withdrawal, error) {
	withdrawal, err := s.repo.FindWithdrawalByID(ctx, withdrawalID)
	if err != nil {
		return nil, err
	}
	if withdrawal.Status != domain.StatusPending {
		return withdrawal, nil
	}
	updated, err := s.transitionWithdrawal(ctx, domain.WithdrawalTransition{
		ID:              withdrawal.ID,
		From:            []domain.TransactionStatus{domain.StatusPending},
		To:              domain.StatusProcessing,
		At:              s.clock.Now().UTC(),
		PayoutReference: optionalString(payoutReference),
	}, "")
	if errors.Is(err, domain.ErrStatusConflict) && updated != nil {
		return updated, nil
	}
	return updated, err
}

func logDuplicateConfirmation(withdrawal *domain.Withdrawal, success bool) {
	level := "info"
	if (withdrawal.Status == domain.StatusCompleted) != success {
		level = "warn"
	}
	log.Printf("level=%s component=service flow=withdrawal msg=\"confirmation for finished withdrawal ignored\" withdrawal_id=%s status=%s success=%t", level, withdrawal.ID, withdrawal.Status, success)
}

// failWithdrawal moves a withdrawal to failed and posts the entry restoring its reserved amount.
// The original withdrawal entry is never changed beyond its status.
func (s *Service) failWithdrawal(ctx context.Context, withdrawal *domain.Withdrawal, from []domain.TransactionStatus, reason string) (*domain.Withdrawal, error) {
	return s.transitionWithdrawal(ctx, domain.WithdrawalTransition{
		ID:            withdrawal.ID,
		From:          from,
		To:            domain.StatusFailed,
		At:            s.clock.Now().UTC(),
		FailureReason: &reason,
		Reversal: &domain.PostRequest{
			AccountID: withdrawal.AccountID,
			Kind:      domain.KindTransfer,
			Amount:    withdrawal.Amount,
			SourceRef: reversalSourcePrefix + withdrawal.ID.String(),
			Status:    domain.StatusCompleted,
		},
	}, reason)
}

func (s *Service) transitionWithdrawal(ctx context.Context, transition domain.WithdrawalTransition, reason string) (*domain.Withdrawal, error) {
	updated, reversal, err := s.repo.TransitionWithdrawal(ctx, transition)
	if err != nil {
		return updated, err
	}
	metrics.WithdrawalTransitionsTotal.WithLabelValues(string(updated.Status), reason).Inc()
	log.Printf("level=info component=service flow=withdrawal msg=\"withdrawal transitioned\" withdrawal_id=%s status=%s reason=%q", updated.ID, updated.Status, reason)
	if reversal != nil {
		s.afterPost(ctx, false, *reversal)
	}
	s.publish(ctx, withdrawalEventPrefix+string(updated.Status), updated)
	return updated, nil
}

// dispatchPayout submits a pending withdrawal to the processor and marks it processing.
// A request the processor refuses outright fails the withdrawal and restores the funds;
// transient errors leave it pending.
func (s *Service) dispatchPayout(ctx context.Context, withdrawal *domain.Withdrawal, method *domain.PaymentMethod) (*domain.Withdrawal, error) {
	if method == nil {
		found, err := s.repo.FindPaymentMethodByID(ctx, withdrawal.PaymentMethodID)
		if err != nil {
			return nil, err
		}
		method = found
	}

	dispatchCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), payoutDispatchTimeout)
	defer cancel()

	start := s.clock.Now()
	resp, err := s.payouts.InitiatePayout(dispatchCtx, payoutclient.PayoutRequest{
		Reference:       withdrawal.ID.String(),
		AccountID:       withdrawal.AccountID,
		PaymentMethodID: method.ID.String(),
		MethodType:      string(method.Type),
		Currency:        s.settings.Currency,
		Amount:          withdrawal.NetAmount,
		Fee:             withdrawal.Fee,
	})
	metrics.RecordPayoutDispatch(s.clock.Since(start), err)
	if err != nil {
		var apiErr *payoutclient.ErrorResponse
		if errors.As(err, &apiErr) && apiErr.Permanent() {
			reason := failureReasonPayoutRefused
			if apiErr.Code != "" {
				reason += ": " + apiErr.Code
			}
			return s.failWithdrawal(ctx, withdrawal, []domain.TransactionStatus{domain.StatusPending}, reason)
		}
		return nil, err
	}

	switch normalizeStatus(resp.Data.Status) {
	case string(domain.StatusCompleted):
		return s.OnPayoutConfirmed(ctx, withdrawal.ID, true, resp.Data.ID, "")
	case string(domain.StatusFailed):
		return s.OnPayoutConfirmed(ctx, withdrawal.ID, false, resp.Data.ID, failureReasonPayoutRefused)
	default:
		return s.MarkPayoutProcessing(ctx, withdrawal.ID, resp.Data.ID)
	}
}

// DispatchPendingPayouts resubmits pending withdrawals that have not reached the processor.
func (s *Service) DispatchPendingPayouts(ctx context.Context) (int, error) {
	if s.payouts == nil {
		return 0, nil
	}
	pending, err := s.repo.ListWithdrawalsByStatus(ctx, domain.StatusPending, maxDispatchBatch)
	if err != nil {
		return 0, err
	}
	now := s.clock.Now()
	dispatched := 0
	for i := range pending {
		withdrawal := pending[i]
		if !withdrawal.Deadline.After(now) {
			continue // left for the timeout sweep
		}
		if _, err := s.dispatchPayout(ctx, &withdrawal, nil); err != nil {
			log.Printf("level=warn component=service flow=withdrawal msg=\"payout dispatch failed\" withdrawal_id=%s err=%v", withdrawal.ID, err)
			continue
		}
		dispatched++
	}
	return dispatched, nil
}

// SweepTimedOutWithdrawals fails and reverses every withdrawal whose confirmation did not
// arrive before its deadline.
func (s *Service) SweepTimedOutWithdrawals(ctx context.Context) (int, error) {
	overdue, err := s.repo.ListOverdueWithdrawals(ctx, s.clock.Now().UTC(), maxSweepBatch)
	if err != nil {
		return 0, err
	}
	swept := 0
	for i := range overdue {
		withdrawal := overdue[i]
		_, err := s.failWithdrawal(ctx, &withdrawal, openWithdrawalStatuses, domain.ErrPayoutTimeout.Error())
		if errors.Is(err, domain.ErrStatusConflict) {
			continue
		}
		if err != nil {
			log.Printf("level=error component=service flow=withdrawal msg=\"timeout reversal failed\" withdrawal_id=%s err=%v", withdrawal.ID, err)
			continue
		}
		log.Printf("level=warn component=service flow=withdrawal msg=\"withdrawal timed out; funds restored\" withdrawal_id=%s account_id=%s amount=%d", withdrawal.ID, withdrawal.AccountID, withdrawal.Amount)
		swept++
	}
	return swept, nil
}

// ProcessPayoutStatus applies a processor status event.
func (s *Service) ProcessPayoutStatus(ctx context.Context, event domain.PayoutStatusEvent) (*domain.Withdrawal, error) {
	withdrawalID, err := uuid.Parse(strings.TrimSpace(event.TransactionID))
	if err != nil {
		return nil, fmt.Errorf("%w: invalid transaction id %q", domain.ErrWithdrawalNotFound, event.TransactionID)
	}
	switch normalizeStatus(event.Status) {
	case string(domain.StatusCompleted):
		return s.OnPayoutConfirmed(ctx, withdrawalID, true, event.PayoutReference, "")
	case string(domain.StatusFailed):
		return s.OnPayoutConfirmed(ctx, withdrawalID, false, event.PayoutReference, event.Reason)
	case string(domain.StatusProcessing):
		return s.MarkPayoutProcessing(ctx, withdrawalID, event.PayoutReference)
	default:
		return nil, fmt.Errorf("%w: unknown payout status %q", domain.ErrStatusConflict, event.Status)
	}
}

func normalizeStatus(status string) string {
	status = strings.TrimSpace(strings.ToLower(status))
	switch status {
	case "successful", "success", "completed", "paid", "settled":
		return string(domain.StatusCompleted)
	case "failed", "failure", "rejected", "returned", "reversed":
		return string(domain.StatusFailed)
	case "initiated", "processing", "pending", "accepted", "in_transit":
		return string(domain.StatusProcessing)
	default:
		return status
	}
}

func optionalString(value string) *string {
	if strings.TrimSpace(value) == "" {
		return nil
	}
	return &value
}
