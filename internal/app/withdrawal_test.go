package app

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/bacon/reward-service/internal/domain"
	"github.com/bacon/reward-service/pkg/payoutclient"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"
)

type payoutGatewayStub struct {
	mu       sync.Mutex
	status   string
	err      error
	requests []payoutclient.PayoutRequest
}

func (g *payoutGatewayStub) InitiatePayout(ctx context.Context, payout payoutclient.PayoutRequest) (*payoutclient.PayoutResponse, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.requests = append(g.requests, payout)
	if g.err != nil {
		return nil, g.err
	}
	resp := &payoutclient.PayoutResponse{}
	resp.Data.ID = "po_" + payout.Reference[:8]
	resp.Data.Status = g.status
	return resp, nil
}

func (g *payoutGatewayStub) set(status string, err error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.status = status
	g.err = err
}

type rateLimiterStub struct {
	count      int
	retryAfter int
	err        error
}

func (l *rateLimiterStub) ConsumeRateLimit(ctx context.Context, scope, subject string, limit int, window time.Duration) (int, int, error) {
	l.count++
	return l.count, l.retryAfter, l.err
}

func TestRequestWithdrawal_InsufficientFundsWritesNothing(t *testing.T) {
	env := newTestEnv(t)
	env.openAccounts(t, "alice")
	env.credit(t, "alice", 4000)
	env.addVerifiedCard(t, "alice")

	_, err := env.svc.RequestWithdrawal(context.Background(), "alice", domain.WithdrawalRequest{Amount: 5000})
	require.ErrorIs(t, err, domain.ErrInsufficientFunds)

	require.Equal(t, int64(4000), env.available(t, "alice"))
	history, err := env.svc.History(context.Background(), "alice", domain.HistoryOptions{})
	require.NoError(t, err)
	require.Len(t, history, 1)
}

func TestRequestWithdrawal_InsufficientFundsReportedBeforeMethodChecks(t *testing.T) {
	limiter := &rateLimiterStub{retryAfter: 30}
	env := newTestEnv(t, withLimiter(limiter, 5))
	env.openAccounts(t, "alice")
	env.credit(t, "alice", 4000)
	ctx := context.Background()

	_, err := env.svc.RequestWithdrawal(ctx, "alice", domain.WithdrawalRequest{Amount: 5000})
	require.ErrorIs(t, err, domain.ErrInsufficientFunds)

	_, err = env.svc.AddPaymentMethod(ctx, "alice", domain.AddPaymentMethodRequest{Type: domain.PaymentMethodBank})
	require.NoError(t, err)
	_, err = env.svc.RequestWithdrawal(ctx, "alice", domain.WithdrawalRequest{Amount: 5000})
	require.ErrorIs(t, err, domain.ErrInsufficientFunds)

	require.Zero(t, limiter.count)
	require.Equal(t, int64(4000), env.available(t, "alice"))
}

func TestRequestWithdrawal_ReservesFundsNetOfFee(t *testing.T) {
	env := newTestEnv(t)
	env.openAccounts(t, "alice")
	env.credit(t, "alice", 20000)
	card := env.addVerifiedCard(t, "alice")
	ctx := context.Background()

	quote, err := env.svc.QuoteFee(ctx, "alice", 10000, nil)
	require.NoError(t, err)
	require.Equal(t, int64(320), quote.Fee)
	require.Equal(t, int64(9680), quote.NetAmount)

	withdrawal, err := env.svc.RequestWithdrawal(ctx, "alice", domain.WithdrawalRequest{Amount: 10000, PaymentMethodID: &card.ID})
	require.NoError(t, err)
	require.Equal(t, domain.StatusPending, withdrawal.Status)
	require.Equal(t, int64(320), withdrawal.Fee)
	require.Equal(t, int64(9680), withdrawal.NetAmount)
	require.True(t, withdrawal.Deadline.Equal(env.clock.Now().Add(30*time.Minute)))

	balance, err := env.svc.Balance(ctx, "alice")
	require.NoError(t, err)
	require.Equal(t, int64(10000), balance.Available)

	entry, err := env.repo.FindTransactionByID(ctx, withdrawal.ID)
	require.NoError(t, err)
	require.Equal(t, domain.KindWithdrawal, entry.Kind)
	require.Equal(t, int64(-10000), entry.Amount)
	require.Equal(t, domain.StatusPending, entry.Status)
}

func TestRequestWithdrawal_ConcurrentRequestsNeverOverdraw(t *testing.T) {
	env := newTestEnv(t)
	env.openAccounts(t, "alice")
	env.credit(t, "alice", 4000)
	env.addVerifiedCard(t, "alice")

	var g errgroup.Group
	results := make([]error, 2)
	for i := range results {
		g.Go(func() error {
			_, results[i] = env.svc.RequestWithdrawal(context.Background(), "alice", domain.WithdrawalRequest{Amount: 3000})
			return nil
		})
	}
	require.NoError(t, g.Wait())

	succeeded := 0
	for _, err := range results {
		if err == nil {
			succeeded++
			continue
		}
		require.ErrorIs(t, err, domain.ErrInsufficientFunds)
	}
	require.Equal(t, 1, succeeded)
	require.Equal(t, int64(1000), env.available(t, "alice"))
}

func TestRequestWithdrawal_Validation(t *testing.T) {
	env := newTestEnv(t)
	env.openAccounts(t, "alice", "bob")
	env.credit(t, "alice", 50000)
	ctx := context.Background()

	_, err := env.svc.RequestWithdrawal(ctx, "alice", domain.WithdrawalRequest{Amount: 5000})
	require.ErrorIs(t, err, domain.ErrPaymentMethodNotFound)

	method, err := env.svc.AddPaymentMethod(ctx, "alice", domain.AddPaymentMethodRequest{Type: domain.PaymentMethodBank})
	require.NoError(t, err)
	require.True(t, method.IsDefault)

	_, err = env.svc.RequestWithdrawal(ctx, "alice", domain.WithdrawalRequest{Amount: 5000})
	require.ErrorIs(t, err, domain.ErrPaymentMethodUnverified)

	_, err = env.svc.RequestWithdrawal(ctx, "alice", domain.WithdrawalRequest{Amount: 999})
	require.ErrorIs(t, err, domain.ErrBelowMinimum)

	_, err = env.svc.RequestWithdrawal(ctx, "alice", domain.WithdrawalRequest{Amount: -5})
	require.ErrorIs(t, err, domain.ErrInvalidAmount)

	bobs := env.addVerifiedCard(t, "bob")
	_, err = env.svc.RequestWithdrawal(ctx, "alice", domain.WithdrawalRequest{Amount: 5000, PaymentMethodID: &bobs.ID})
	require.ErrorIs(t, err, domain.ErrPaymentMethodNotFound)

	require.Equal(t, int64(50000), env.available(t, "alice"))
}

func TestRequestWithdrawal_RateLimited(t *testing.T) {
	limiter := &rateLimiterStub{retryAfter: 42}
	env := newTestEnv(t, withLimiter(limiter, 1))
	env.openAccounts(t, "alice")
	env.credit(t, "alice", 10000)
	env.addVerifiedCard(t, "alice")
	ctx := context.Background()

	_, err := env.svc.RequestWithdrawal(ctx, "alice", domain.WithdrawalRequest{Amount: 2000})
	require.NoError(t, err)

	_, err = env.svc.RequestWithdrawal(ctx, "alice", domain.WithdrawalRequest{Amount: 2000})
	require.ErrorIs(t, err, domain.ErrRateLimited)
	var limited *RateLimitedError
	require.True(t, errors.As(err, &limited))
	require.Equal(t, 42, limited.RetryAfterSeconds)
	require.Equal(t, int64(8000), env.available(t, "alice"))

	// A broken limiter does not block withdrawals.
	limiter.err = errors.New("redis: connection refused")
	_, err = env.svc.RequestWithdrawal(ctx, "alice", domain.WithdrawalRequest{Amount: 2000})
	require.NoError(t, err)
}

func TestSweepTimedOutWithdrawals_RestoresFunds(t *testing.T) {
	env := newTestEnv(t)
	env.openAccounts(t, "alice")
	env.credit(t, "alice", 10000)
	env.addVerifiedCard(t, "alice")
	ctx := context.Background()

	withdrawal, err := env.svc.RequestWithdrawal(ctx, "alice", domain.WithdrawalRequest{Amount: 6000})
	require.NoError(t, err)
	require.Equal(t, int64(4000), env.available(t, "alice"))

	env.clock.Advance(29 * time.Minute)
	swept, err := env.svc.SweepTimedOutWithdrawals(ctx)
	require.NoError(t, err)
	require.Zero(t, swept)

	env.clock.Advance(2 * time.Minute)
	swept, err = env.svc.SweepTimedOutWithdrawals(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, swept)

	failed, err := env.svc.GetWithdrawal(ctx, "alice", withdrawal.ID)
	require.NoError(t, err)
	require.Equal(t, domain.StatusFailed, failed.Status)
	require.NotNil(t, failed.FailureReason)
	require.Equal(t, domain.ErrPayoutTimeout.Error(), *failed.FailureReason)
	require.NotNil(t, failed.ReversalID)
	require.Equal(t, int64(10000), env.available(t, "alice"))

	history, err := env.svc.History(ctx, "alice", domain.HistoryOptions{})
	require.NoError(t, err)
	require.Equal(t, domain.KindTransfer, history[0].Kind)
	require.Equal(t, "withdrawal_reversal:"+withdrawal.ID.String(), history[0].SourceRef)
	require.Equal(t, domain.StatusFailed, history[1].Status)

	swept, err = env.svc.SweepTimedOutWithdrawals(ctx)
	require.NoError(t, err)
	require.Zero(t, swept)
}

func TestOnPayoutConfirmed_DuplicatesAreIgnored(t *testing.T) {
	env := newTestEnv(t)
	env.openAccounts(t, "alice")
	env.credit(t, "alice", 10000)
	env.addVerifiedCard(t, "alice")
	ctx := context.Background()

	withdrawal, err := env.svc.RequestWithdrawal(ctx, "alice", domain.WithdrawalRequest{Amount: 5000})
	require.NoError(t, err)

	completed, err := env.svc.OnPayoutConfirmed(ctx, withdrawal.ID, true, "po_123", "")
	require.NoError(t, err)
	require.Equal(t, domain.StatusCompleted, completed.Status)
	require.Equal(t, "po_123", *completed.PayoutReference)

	again, err := env.svc.OnPayoutConfirmed(ctx, withdrawal.ID, true, "po_123", "")
	require.NoError(t, err)
	require.Equal(t, domain.StatusCompleted, again.Status)

	conflicting, err := env.svc.OnPayoutConfirmed(ctx, withdrawal.ID, false, "po_123", "bank_rejected")
	require.NoError(t, err)
	require.Equal(t, domain.StatusCompleted, conflicting.Status)

	balance, err := env.svc.Balance(ctx, "alice")
	require.NoError(t, err)
	require.Equal(t, int64(5000), balance.Available)
	require.Equal(t, int64(5000), balance.TotalWithdrawn)

	// A timeout sweep after completion changes nothing.
	env.clock.Advance(time.Hour)
	swept, err := env.svc.SweepTimedOutWithdrawals(ctx)
	require.NoError(t, err)
	require.Zero(t, swept)
}

func TestOnPayoutConfirmed_SuccessFromPendingPassesThroughProcessing(t *testing.T) {
	env := newTestEnv(t)
	env.openAccounts(t, "alice")
	env.credit(t, "alice", 10000)
	env.addVerifiedCard(t, "alice")
	ctx := context.Background()

	withdrawal, err := env.svc.RequestWithdrawal(ctx, "alice", domain.WithdrawalRequest{Amount: 5000})
	require.NoError(t, err)
	require.Equal(t, domain.StatusPending, withdrawal.Status)

	completed, err := env.svc.OnPayoutConfirmed(ctx, withdrawal.ID, true, "po_456", "")
	require.NoError(t, err)
	require.Equal(t, domain.StatusCompleted, completed.Status)
	require.Equal(t, "po_456", *completed.PayoutReference)

	require.Equal(t, 1, env.events.count(withdrawalEventPrefix+string(domain.StatusProcessing)))
	require.Equal(t, 1, env.events.count(withdrawalEventPrefix+string(domain.StatusCompleted)))
	require.Equal(t, int64(5000), env.available(t, "alice"))
}

func TestOnPayoutConfirmed_FailureReversesOnce(t *testing.T) {
	env := newTestEnv(t)
	env.openAccounts(t, "alice")
	env.credit(t, "alice", 10000)
	env.addVerifiedCard(t, "alice")
	ctx := context.Background()

	withdrawal, err := env.svc.RequestWithdrawal(ctx, "alice", domain.WithdrawalRequest{Amount: 5000})
	require.NoError(t, err)

	failed, err := env.svc.OnPayoutConfirmed(ctx, withdrawal.ID, false, "", "")
	require.NoError(t, err)
	require.Equal(t, domain.StatusFailed, failed.Status)
	require.Equal(t, failureReasonPayoutFailed, *failed.FailureReason)

	_, err = env.svc.OnPayoutConfirmed(ctx, withdrawal.ID, false, "", "")
	require.NoError(t, err)
	_, err = env.svc.OnPayoutConfirmed(ctx, withdrawal.ID, true, "po_late", "")
	require.NoError(t, err)

	require.Equal(t, int64(10000), env.available(t, "alice"))
	history, err := env.svc.History(ctx, "alice", domain.HistoryOptions{})
	require.NoError(t, err)
	require.Len(t, history, 3)
}

func TestCancelWithdrawal(t *testing.T) {
	env := newTestEnv(t)
	env.openAccounts(t, "alice", "bob")
	env.credit(t, "alice", 10000)
	env.addVerifiedCard(t, "alice")
	ctx := context.Background()

	first, err := env.svc.RequestWithdrawal(ctx, "alice", domain.WithdrawalRequest{Amount: 3000})
	require.NoError(t, err)

	_, err = env.svc.CancelWithdrawal(ctx, "bob", first.ID)
	require.ErrorIs(t, err, domain.ErrWithdrawalNotFound)

	cancelled, err := env.svc.CancelWithdrawal(ctx, "alice", first.ID)
	require.NoError(t, err)
	require.Equal(t, domain.StatusFailed, cancelled.Status)
	require.Equal(t, failureReasonCancelled, *cancelled.FailureReason)
	require.Equal(t, int64(10000), env.available(t, "alice"))

	_, err = env.svc.CancelWithdrawal(ctx, "alice", first.ID)
	require.ErrorIs(t, err, domain.ErrStatusConflict)

	second, err := env.svc.RequestWithdrawal(ctx, "alice", domain.WithdrawalRequest{Amount: 3000})
	require.NoError(t, err)
	_, err = env.svc.MarkPayoutProcessing(ctx, second.ID, "po_9")
	require.NoError(t, err)
	_, err = env.svc.CancelWithdrawal(ctx, "alice", second.ID)
	require.ErrorIs(t, err, domain.ErrStatusConflict)
	require.Equal(t, int64(7000), env.available(t, "alice"))
}

func TestRequestWithdrawal_DispatchesPayout(t *testing.T) {
	gateway := &payoutGatewayStub{status: "processing"}
	env := newTestEnv(t, withPayouts(gateway))
	env.openAccounts(t, "alice")
	env.credit(t, "alice", 20000)
	card := env.addVerifiedCard(t, "alice")

	withdrawal, err := env.svc.RequestWithdrawal(context.Background(), "alice", domain.WithdrawalRequest{Amount: 10000})
	require.NoError(t, err)
	require.Equal(t, domain.StatusProcessing, withdrawal.Status)
	require.NotNil(t, withdrawal.PayoutReference)

	require.Len(t, gateway.requests, 1)
	sent := gateway.requests[0]
	require.Equal(t, withdrawal.ID.String(), sent.Reference)
	require.Equal(t, card.ID.String(), sent.PaymentMethodID)
	require.Equal(t, int64(9680), sent.Amount)
	require.Equal(t, int64(320), sent.Fee)
	require.Equal(t, "USD", sent.Currency)
}

func TestRequestWithdrawal_PermanentPayoutRejectionRestoresFunds(t *testing.T) {
	gateway := &payoutGatewayStub{err: &payoutclient.ErrorResponse{StatusCode: 422, Code: "invalid_destination"}}
	env := newTestEnv(t, withPayouts(gateway))
	env.openAccounts(t, "alice")
	env.credit(t, "alice", 20000)
	env.addVerifiedCard(t, "alice")

	withdrawal, err := env.svc.RequestWithdrawal(context.Background(), "alice", domain.WithdrawalRequest{Amount: 10000})
	require.NoError(t, err)
	require.Equal(t, domain.StatusFailed, withdrawal.Status)
	require.Equal(t, "payout_rejected: invalid_destination", *withdrawal.FailureReason)
	require.Equal(t, int64(20000), env.available(t, "alice"))
}

func TestDispatchPendingPayouts_RetriesTransientFailures(t *testing.T) {
	gateway := &payoutGatewayStub{err: &payoutclient.ErrorResponse{StatusCode: 503}}
	env := newTestEnv(t, withPayouts(gateway))
	env.openAccounts(t, "alice")
	env.credit(t, "alice", 20000)
	env.addVerifiedCard(t, "alice")
	ctx := context.Background()

	withdrawal, err := env.svc.RequestWithdrawal(ctx, "alice", domain.WithdrawalRequest{Amount: 10000})
	require.NoError(t, err)
	require.Equal(t, domain.StatusPending, withdrawal.Status)

	gateway.set("successful", nil)
	dispatched, err := env.svc.DispatchPendingPayouts(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, dispatched)

	settled, err := env.svc.GetWithdrawal(ctx, "alice", withdrawal.ID)
	require.NoError(t, err)
	require.Equal(t, domain.StatusCompleted, settled.Status)

	dispatched, err = env.svc.DispatchPendingPayouts(ctx)
	require.NoError(t, err)
	require.Zero(t, dispatched)
}

func TestProcessPayoutStatus(t *testing.T) {
	env := newTestEnv(t)
	env.openAccounts(t, "alice")
	env.credit(t, "alice", 20000)
	env.addVerifiedCard(t, "alice")
	ctx := context.Background()

	withdrawal, err := env.svc.RequestWithdrawal(ctx, "alice", domain.WithdrawalRequest{Amount: 5000})
	require.NoError(t, err)

	updated, err := env.svc.ProcessPayoutStatus(ctx, domain.PayoutStatusEvent{TransactionID: withdrawal.ID.String(), Status: "initiated", PayoutReference: "po_1"})
	require.NoError(t, err)
	require.Equal(t, domain.StatusProcessing, updated.Status)

	updated, err = env.svc.ProcessPayoutStatus(ctx, domain.PayoutStatusEvent{TransactionID: withdrawal.ID.String(), Status: "Successful"})
	require.NoError(t, err)
	require.Equal(t, domain.StatusCompleted, updated.Status)

	_, err = env.svc.ProcessPayoutStatus(ctx, domain.PayoutStatusEvent{TransactionID: withdrawal.ID.String(), Status: "teleported"})
	require.ErrorIs(t, err, domain.ErrStatusConflict)

	_, err = env.svc.ProcessPayoutStatus(ctx, domain.PayoutStatusEvent{TransactionID: "not-a-uuid", Status: "failed"})
	require.ErrorIs(t, err, domain.ErrWithdrawalNotFound)

	_, err = env.svc.ProcessPayoutStatus(ctx, domain.PayoutStatusEvent{TransactionID: uuid.NewString(), Status: "failed"})
	require.ErrorIs(t, err, domain.ErrWithdrawalNotFound)
}
