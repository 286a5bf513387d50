package app

import (
	"context"
	"testing"

	"github.com/bacon/reward-service/internal/domain"
	"github.com/stretchr/testify/require"
)

func TestHighestSatisfiedTier(t *testing.T) {
	cases := []struct {
		name      string
		bacon     int64
		referrals int64
		quality   float64
		want      int
	}{
		{"nothing earned", 0, 0, 4.0, 0},
		{"exact associate minimums", 10000, 3, 2.0, 1},
		{"one referral short", 10000, 2, 4.0, 0},
		{"quality holds back", 2000000, 500, 2.4, 1},
		{"bacon holds back", 49999, 100, 4.0, 1},
		{"exact bachelor minimums", 50000, 10, 2.5, 2},
		{"doctorate", 1000000, 150, 3.5, 4},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			require.Equal(t, tc.want, highestSatisfiedTier(tc.bacon, tc.referrals, tc.quality).Level)
		})
	}
}

func TestTiers_StrictlyAscending(t *testing.T) {
	table := Tiers()
	for i := 1; i < len(table); i++ {
		require.Equal(t, i, table[i].Level)
		require.Greater(t, table[i].MinBacon, table[i-1].MinBacon)
		require.Greater(t, table[i].MinReferrals, table[i-1].MinReferrals)
		require.Greater(t, table[i].MinQualityScore, table[i-1].MinQualityScore)
	}
}

func TestEvaluateProgression_AdvancesAndPaysBonusOnce(t *testing.T) {
	env := newTestEnv(t)
	env.openAccounts(t, "alice")
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		env.credit(t, "alice", 4000)
	}
	view, err := env.svc.Progression(ctx, "alice")
	require.NoError(t, err)
	require.Zero(t, view.CurrentTier)
	require.Equal(t, int64(12000), view.TotalBaconEarned)
	require.Equal(t, int64(3), view.TotalSuccessfulReferrals)
	require.Equal(t, "Associate", view.NextTier.Name)

	view, err = env.svc.SetQualityScore(ctx, "alice", 2.0)
	require.NoError(t, err)
	require.Equal(t, 1, view.CurrentTier)
	require.Equal(t, "Associate", view.TierName)
	require.Equal(t, int64(12500), env.available(t, "alice"))
	require.Equal(t, 1, env.events.count(EventTierAdvanced))

	history, err := env.svc.History(ctx, "alice", domain.HistoryOptions{Limit: 1})
	require.NoError(t, err)
	require.Equal(t, domain.KindBonus, history[0].Kind)
	require.Equal(t, "tier_advance:1", history[0].SourceRef)

	advance, err := env.svc.EvaluateProgression(ctx, "alice")
	require.NoError(t, err)
	require.Nil(t, advance)
	require.Equal(t, int64(12500), env.available(t, "alice"))
}

func TestEvaluateProgression_PaysEachReachedTierOnce(t *testing.T) {
	env := newTestEnv(t)
	env.openAccounts(t, "alice")
	ctx := context.Background()

	_, err := env.svc.SetQualityScore(ctx, "alice", 3.0)
	require.NoError(t, err)
	for i := 0; i < 10; i++ {
		env.credit(t, "alice", 4000)
	}
	view, err := env.svc.Progression(ctx, "alice")
	require.NoError(t, err)
	require.Equal(t, 1, view.CurrentTier)

	env.credit(t, "alice", 20000)
	view, err = env.svc.Progression(ctx, "alice")
	require.NoError(t, err)
	require.Equal(t, 2, view.CurrentTier)

	entries, err := env.repo.Entries(ctx, "alice")
	require.NoError(t, err)
	var bonuses []int64
	for _, entry := range entries {
		if entry.Kind == domain.KindBonus {
			bonuses = append(bonuses, entry.Amount)
		}
	}
	require.Equal(t, []int64{500, 2500}, bonuses)
}

func TestEvaluateProgression_BonusCrossingNextTierSettlesInOneEvaluation(t *testing.T) {
	env := newTestEnv(t)
	env.openAccounts(t, "alice")
	ctx := context.Background()

	_, err := env.svc.SetQualityScore(ctx, "alice", 2.5)
	require.NoError(t, err)
	for i := 0; i < 9; i++ {
		env.credit(t, "alice", 100)
	}
	// 49,600 bacon and 10 referrals reach Associate; its 500 bonus lifts bacon past Bachelor's 50,000.
	env.credit(t, "alice", 48700)

	view, err := env.svc.Progression(ctx, "alice")
	require.NoError(t, err)
	require.Equal(t, 2, view.CurrentTier)
	require.Equal(t, int64(52600), view.TotalBaconEarned)
	require.Equal(t, int64(52600), env.available(t, "alice"))
	require.Equal(t, 2, env.events.count(EventTierAdvanced))

	advance, err := env.svc.EvaluateProgression(ctx, "alice")
	require.NoError(t, err)
	require.Nil(t, advance)

	entries, err := env.repo.Entries(ctx, "alice")
	require.NoError(t, err)
	var bonuses []string
	for _, entry := range entries {
		if entry.Kind == domain.KindBonus {
			bonuses = append(bonuses, entry.SourceRef)
		}
	}
	require.Equal(t, []string{"tier_advance:1", "tier_advance:2"}, bonuses)
	require.Equal(t, int64(52600), env.available(t, "alice"))
}

func TestEvaluateProgression_SkippedTiersEarnNoBonus(t *testing.T) {
	env := newTestEnv(t)
	env.openAccounts(t, "alice")
	ctx := context.Background()

	for i := 0; i < 10; i++ {
		env.credit(t, "alice", 6000)
	}
	_, err := env.svc.SetQualityScore(ctx, "alice", 2.5)
	require.NoError(t, err)

	entries, err := env.repo.Entries(ctx, "alice")
	require.NoError(t, err)
	bonusTotal := int64(0)
	for _, entry := range entries {
		if entry.Kind == domain.KindBonus {
			bonusTotal += entry.Amount
		}
	}
	require.Equal(t, int64(2500), bonusTotal)
}

func TestProgression_TierNeverDecreases(t *testing.T) {
	env := newTestEnv(t)
	env.openAccounts(t, "alice")
	env.addVerifiedCard(t, "alice")
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		env.credit(t, "alice", 4000)
	}
	_, err := env.svc.SetQualityScore(ctx, "alice", 2.0)
	require.NoError(t, err)

	_, err = env.svc.RequestWithdrawal(ctx, "alice", domain.WithdrawalRequest{Amount: 12000})
	require.NoError(t, err)
	view, err := env.svc.SetQualityScore(ctx, "alice", 0.5)
	require.NoError(t, err)

	require.Equal(t, 1, view.CurrentTier)
	require.Equal(t, int64(12500), view.TotalBaconEarned)
	require.Equal(t, 0.5, view.QualityScore)
}

func TestSetQualityScore_RejectsOutOfRange(t *testing.T) {
	env := newTestEnv(t)
	env.openAccounts(t, "alice")

	for _, score := range []float64{-0.1, 4.01} {
		_, err := env.svc.SetQualityScore(context.Background(), "alice", score)
		require.ErrorIs(t, err, domain.ErrInvalidQualityScore)
	}
}

func TestEvaluateProgression_CharityIsNotEvaluatedOnCredit(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	_, err := env.repo.SetQualityScore(ctx, DefaultCharityAccountID, 4.0)
	require.NoError(t, err)
	for i := 0; i < 5; i++ {
		env.credit(t, DefaultCharityAccountID, 5000)
	}

	view, err := env.svc.Progression(ctx, DefaultCharityAccountID)
	require.NoError(t, err)
	require.Zero(t, view.CurrentTier)
	require.Zero(t, env.events.count(EventTierAdvanced))
}
