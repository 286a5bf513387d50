package store

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/bacon/reward-service/internal/domain"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"
)

func newTestRepository(t *testing.T, accounts ...string) *MemoryRepository {
	t.Helper()
	repo := NewMemoryRepository(clockwork.NewFakeClockAt(time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)))
	for _, id := range accounts {
		_, err := repo.OpenAccount(context.Background(), id)
		require.NoError(t, err)
	}
	return repo
}

func requireChain(t *testing.T, entries []domain.Transaction) {
	t.Helper()
	var prev int64
	for i, entry := range entries {
		require.Equal(t, int64(i+1), entry.Sequence, "sequence gap at %d", i)
		require.Equal(t, prev+entry.Amount, entry.RunningBalance, "running balance broken at %d", i)
		require.GreaterOrEqual(t, entry.RunningBalance, int64(0))
		prev = entry.RunningBalance
	}
}

func TestPost_MaintainsRunningBalance(t *testing.T) {
	ctx := context.Background()
	repo := newTestRepository(t, "acct_1")

	requests := []domain.PostRequest{
		{AccountID: "acct_1", Kind: domain.KindEarned, Amount: 8000, SourceRef: "listing:1"},
		{AccountID: "acct_1", Kind: domain.KindBonus, Amount: 500, SourceRef: "tier:1"},
		{AccountID: "acct_1", Kind: domain.KindWithdrawal, Amount: -3000, Status: domain.StatusPending},
		{AccountID: "acct_1", Kind: domain.KindPenalty, Amount: -500},
		{AccountID: "acct_1", Kind: domain.KindTransfer, Amount: 3000},
	}
	for _, req := range requests {
		_, err := repo.Post(ctx, req)
		require.NoError(t, err)
	}

	entries, err := repo.Entries(ctx, "acct_1")
	require.NoError(t, err)
	require.Len(t, entries, len(requests))
	requireChain(t, entries)
	require.Equal(t, int64(8000), entries[len(entries)-1].RunningBalance)
	require.Nil(t, entries[2].ProcessedAt)
	require.NotNil(t, entries[0].ProcessedAt)
}

func TestPost_InsufficientFundsWritesNothing(t *testing.T) {
	ctx := context.Background()
	repo := newTestRepository(t, "acct_1")
	_, err := repo.Post(ctx, domain.PostRequest{AccountID: "acct_1", Kind: domain.KindEarned, Amount: 4000})
	require.NoError(t, err)

	_, err = repo.Post(ctx, domain.PostRequest{AccountID: "acct_1", Kind: domain.KindWithdrawal, Amount: -5000})
	require.ErrorIs(t, err, domain.ErrInsufficientFunds)

	entries, err := repo.Entries(ctx, "acct_1")
	require.NoError(t, err)
	require.Len(t, entries, 1)
	require.Equal(t, int64(4000), entries[0].RunningBalance)
}

func TestPost_RejectsBadRequests(t *testing.T) {
	ctx := context.Background()
	repo := newTestRepository(t, "acct_1")

	tests := []struct {
		name string
		req  domain.PostRequest
		want error
	}{
		{"unknown account", domain.PostRequest{AccountID: "ghost", Kind: domain.KindEarned, Amount: 1}, domain.ErrAccountNotFound},
		{"zero amount", domain.PostRequest{AccountID: "acct_1", Kind: domain.KindEarned}, domain.ErrInvalidAmount},
		{"positive withdrawal", domain.PostRequest{AccountID: "acct_1", Kind: domain.KindWithdrawal, Amount: 10}, domain.ErrInvalidAmount},
		{"negative earning", domain.PostRequest{AccountID: "acct_1", Kind: domain.KindEarned, Amount: -10}, domain.ErrInvalidAmount},
		{"unknown kind", domain.PostRequest{AccountID: "acct_1", Kind: "gift", Amount: 10}, domain.ErrInvalidAmount},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := repo.Post(ctx, tc.req)
			require.ErrorIs(t, err, tc.want)
		})
	}
}

func TestPost_ConcurrentWritersNeverLoseUpdates(t *testing.T) {
	ctx := context.Background()
	repo := newTestRepository(t, "acct_1")

	const writers = 50
	var g errgroup.Group
	for i := 0; i < writers; i++ {
		g.Go(func() error {
			_, err := repo.Post(ctx, domain.PostRequest{AccountID: "acct_1", Kind: domain.KindEarned, Amount: 100})
			return err
		})
	}
	require.NoError(t, g.Wait())

	entries, err := repo.Entries(ctx, "acct_1")
	require.NoError(t, err)
	require.Len(t, entries, writers)
	requireChain(t, entries)
	require.Equal(t, int64(writers*100), entries[len(entries)-1].RunningBalance)
}

func TestPost_ConcurrentDebitsCannotOverdraw(t *testing.T) {
	ctx := context.Background()
	repo := newTestRepository(t, "acct_1")
	_, err := repo.Post(ctx, domain.PostRequest{AccountID: "acct_1", Kind: domain.KindEarned, Amount: 4000})
	require.NoError(t, err)

	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		succeeded int
		rejected  int
	)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := repo.Post(ctx, domain.PostRequest{AccountID: "acct_1", Kind: domain.KindWithdrawal, Amount: -3000, Status: domain.StatusPending})
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				succeeded++
			case errors.Is(err, domain.ErrInsufficientFunds):
				rejected++
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	require.Equal(t, 1, succeeded)
	require.Equal(t, 1, rejected)
	entries, err := repo.Entries(ctx, "acct_1")
	require.NoError(t, err)
	requireChain(t, entries)
	require.Equal(t, int64(1000), entries[len(entries)-1].RunningBalance)
}

func TestHistory_NewestFirstWithPaging(t *testing.T) {
	ctx := context.Background()
	repo := newTestRepository(t, "acct_1")
	for i := 1; i <= 5; i++ {
		_, err := repo.Post(ctx, domain.PostRequest{AccountID: "acct_1", Kind: domain.KindEarned, Amount: int64(i)})
		require.NoError(t, err)
	}

	page, err := repo.History(ctx, "acct_1", domain.HistoryOptions{Limit: 2, Offset: 1})
	require.NoError(t, err)
	require.Len(t, page, 2)
	require.Equal(t, int64(4), page[0].Sequence)
	require.Equal(t, int64(3), page[1].Sequence)

	all, err := repo.History(ctx, "acct_1", domain.HistoryOptions{})
	require.NoError(t, err)
	require.Len(t, all, 5)

	past, err := repo.History(ctx, "acct_1", domain.HistoryOptions{Offset: 10})
	require.NoError(t, err)
	require.Empty(t, past)
}

func TestApplyDistribution_AllOrNothing(t *testing.T) {
	ctx := context.Background()
	repo := newTestRepository(t, "ref_1", "charity")

	dist := &domain.Distribution{ListingID: "listing_1", Pool: 1000}
	_, err := repo.ApplyDistribution(ctx, dist, []domain.PostRequest{
		{AccountID: "ref_1", Kind: domain.KindEarned, Amount: 400},
		{AccountID: "ref_missing", Kind: domain.KindEarned, Amount: 250},
		{AccountID: "charity", Kind: domain.KindEarned, Amount: 350},
	})
	require.ErrorIs(t, err, domain.ErrAccountNotFound)

	for _, id := range []string{"ref_1", "charity"} {
		entries, err := repo.Entries(ctx, id)
		require.NoError(t, err)
		require.Empty(t, entries, "account %s was partially paid", id)
	}
	found, err := repo.FindDistribution(ctx, "listing_1")
	require.NoError(t, err)
	require.Nil(t, found)
}

func TestApplyDistribution_RejectsDuplicateListing(t *testing.T) {
	ctx := context.Background()
	repo := newTestRepository(t, "ref_1")
	requests := []domain.PostRequest{{AccountID: "ref_1", Kind: domain.KindEarned, Amount: 400}}

	_, err := repo.ApplyDistribution(ctx, &domain.Distribution{ListingID: "listing_1", Pool: 400}, requests)
	require.NoError(t, err)
	_, err = repo.ApplyDistribution(ctx, &domain.Distribution{ListingID: "listing_1", Pool: 400}, requests)
	require.ErrorIs(t, err, domain.ErrDuplicateSaleEvent)

	entries, err := repo.Entries(ctx, "ref_1")
	require.NoError(t, err)
	require.Len(t, entries, 1)
}

func TestTransitionWithdrawal_ReversesAndRejectsStaleTransitions(t *testing.T) {
	ctx := context.Background()
	repo := newTestRepository(t, "acct_1")
	_, err := repo.Post(ctx, domain.PostRequest{AccountID: "acct_1", Kind: domain.KindEarned, Amount: 10000})
	require.NoError(t, err)

	withdrawal := &domain.Withdrawal{AccountID: "acct_1", Amount: 6000, NetAmount: 6000}
	entry, err := repo.CreateWithdrawal(ctx, withdrawal, domain.PostRequest{AccountID: "acct_1", Kind: domain.KindWithdrawal, Amount: -6000, Status: domain.StatusPending})
	require.NoError(t, err)
	require.Equal(t, entry.ID, withdrawal.ID)
	require.Equal(t, int64(4000), entry.RunningBalance)

	reason := "payout_timeout"
	updated, reversal, err := repo.TransitionWithdrawal(ctx, domain.WithdrawalTransition{
		ID:            withdrawal.ID,
		From:          []domain.TransactionStatus{domain.StatusPending, domain.StatusProcessing},
		To:            domain.StatusFailed,
		At:            time.Date(2026, 1, 3, 0, 0, 0, 0, time.UTC),
		FailureReason: &reason,
		Reversal:      &domain.PostRequest{AccountID: "acct_1", Kind: domain.KindTransfer, Amount: 6000},
	})
	require.NoError(t, err)
	require.Equal(t, domain.StatusFailed, updated.Status)
	require.NotNil(t, reversal)
	require.Equal(t, int64(10000), reversal.RunningBalance)
	require.Equal(t, reversal.ID, *updated.ReversalID)

	original, err := repo.FindTransactionByID(ctx, withdrawal.ID)
	require.NoError(t, err)
	require.Equal(t, domain.StatusFailed, original.Status)
	require.NotNil(t, original.ProcessedAt)
	require.Equal(t, int64(-6000), original.Amount)

	_, _, err = repo.TransitionWithdrawal(ctx, domain.WithdrawalTransition{
		ID:   withdrawal.ID,
		From: []domain.TransactionStatus{domain.StatusPending, domain.StatusProcessing},
		To:   domain.StatusCompleted,
		At:   time.Now(),
	})
	require.ErrorIs(t, err, domain.ErrStatusConflict)

	entries, err := repo.Entries(ctx, "acct_1")
	require.NoError(t, err)
	require.Len(t, entries, 3)
	requireChain(t, entries)
}

func TestPaymentMethods_SingleDefault(t *testing.T) {
	ctx := context.Background()
	repo := newTestRepository(t, "acct_1")

	first := &domain.PaymentMethod{AccountID: "acct_1", Type: domain.PaymentMethodBank}
	require.NoError(t, repo.CreatePaymentMethod(ctx, first))
	require.True(t, first.IsDefault, "first method becomes default")

	second := &domain.PaymentMethod{AccountID: "acct_1", Type: domain.PaymentMethodCard}
	require.NoError(t, repo.CreatePaymentMethod(ctx, second))
	require.False(t, second.IsDefault)

	require.NoError(t, repo.SetDefaultPaymentMethod(ctx, "acct_1", second.ID))
	methods, err := repo.ListPaymentMethods(ctx, "acct_1")
	require.NoError(t, err)
	require.Len(t, methods, 2)
	defaults := 0
	for _, m := range methods {
		if m.IsDefault {
			defaults++
			require.Equal(t, second.ID, m.ID)
		}
	}
	require.Equal(t, 1, defaults)

	require.ErrorIs(t, repo.SetDefaultPaymentMethod(ctx, "acct_2", first.ID), domain.ErrPaymentMethodNotFound)
}

func TestAdvanceTier_CompareAndSet(t *testing.T) {
	ctx := context.Background()
	repo := newTestRepository(t, "acct_1")
	at := time.Date(2026, 1, 3, 0, 0, 0, 0, time.UTC)

	advance := domain.TierAdvance{
		AccountID: "acct_1",
		FromTier:  0,
		ToTier:    2,
		At:        at,
		Bonus:     &domain.PostRequest{AccountID: "acct_1", Kind: domain.KindBonus, Amount: 2500, SourceRef: "tier:2"},
	}
	progression, bonus, err := repo.AdvanceTier(ctx, advance)
	require.NoError(t, err)
	require.Equal(t, 2, progression.CurrentTier)
	require.Equal(t, int64(2500), bonus.RunningBalance)

	_, _, err = repo.AdvanceTier(ctx, advance)
	require.ErrorIs(t, err, domain.ErrStatusConflict)

	entries, err := repo.Entries(ctx, "acct_1")
	require.NoError(t, err)
	require.Len(t, entries, 1)
}
