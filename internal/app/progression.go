package app

import (
	"context"
	"errors"
	"fmt"
	"log"
	"math"
	"strconv"

	"github.com/bacon/reward-service/internal/domain"
	"github.com/bacon/reward-service/internal/metrics"
)

// tiers is the advancement table in strictly ascending order. A tier is reached only when
// all three minimums are met.
var tiers = []domain.Tier{
	{Level: 0, Name: "Enrolled"},
	{Level: 1, Name: "Associate", MinBacon: 10000, MinReferrals: 3, MinQualityScore: 2.0, Bonus: 500},
	{Level: 2, Name: "Bachelor", MinBacon: 50000, MinReferrals: 10, MinQualityScore: 2.5, Bonus: 2500},
	{Level: 3, Name: "Master", MinBacon: 250000, MinReferrals: 40, MinQualityScore: 3.0, Bonus: 10000},
	{Level: 4, Name: "Doctorate", MinBacon: 1000000, MinReferrals: 150, MinQualityScore: 3.5, Bonus: 50000},
}

const (
	maxQualityScore       = 4.0
	maxAdvanceCASAttempts = 3
)

// Tiers returns a copy of the advancement table.
func Tiers() []domain.Tier {
	out := make([]domain.Tier, len(tiers))
	copy(out, tiers)
	return out
}

func tierByLevel(level int) (domain.Tier, bool) {
	if level < 0 || level >= len(tiers) {
		return domain.Tier{}, false
	}
	return tiers[level], true
}

// highestSatisfiedTier returns the top tier whose minimums are all met.
func highestSatisfiedTier(bacon, referrals int64, quality float64) domain.Tier {
	for i := len(tiers) - 1; i > 0; i-- {
		t := tiers[i]
		if bacon >= t.MinBacon && referrals >= t.MinReferrals && quality >= t.MinQualityScore {
			return t
		}
	}
	return tiers[0]
}

// progressionTotals folds lifetime bacon (earned plus bonus) and the successful referral
// count (one per earned entry) from an account's ledger.
func progressionTotals(entries []domain.Transaction) (bacon, referrals int64) {
	for _, entry := range entries {
		switch entry.Kind {
		case domain.KindEarned:
			bacon += entry.Amount
			referrals++
		case domain.KindBonus:
			bacon += entry.Amount
		}
	}
	return bacon, referrals
}

// EvaluateProgression recomputes the account's totals and advances it to the highest tier it
// now satisfies, posting that tier's bonus once. Tiers skipped in a single jump earn no bonus.
// A tier bonus counts toward lifetime bacon, so the bonus posting is evaluated in turn until the
// tier settles. It returns the last advance, or nil when no boundary was crossed.
func (s *Service) EvaluateProgression(ctx context.Context, accountID string) (*domain.TierAdvance, error) {
	var last *domain.TierAdvance
	for i := 0; i < len(tiers); i++ {
		advance, err := s.advanceTier(ctx, accountID)
		if err != nil {
			return last, err
		}
		if advance == nil {
			break
		}
		last = advance
	}
	return last, nil
}

// advanceTier performs a single advancement step from the account's current ledger fold.
func (s *Service) advanceTier(ctx context.Context, accountID string) (*domain.TierAdvance, error) {
	entries, err := s.repo.Entries(ctx, accountID)
	if err != nil {
		return nil, err
	}
	bacon, referrals := progressionTotals(entries)

	for attempt := 0; attempt < maxAdvanceCASAttempts; attempt++ {
		progression, err := s.repo.RecordProgressionTotals(ctx, accountID, bacon, referrals)
		if err != nil {
			return nil, fmt.Errorf("record progression totals: %w", err)
		}

		target := highestSatisfiedTier(progression.TotalBaconEarned, progression.TotalSuccessfulReferrals, progression.QualityScore)
		if target.Level <= progression.CurrentTier {
			return nil, nil
		}

		advance := domain.TierAdvance{
			AccountID:                accountID,
			FromTier:                 progression.CurrentTier,
			ToTier:                   target.Level,
			TotalBaconEarned:         progression.TotalBaconEarned,
			TotalSuccessfulReferrals: progression.TotalSuccessfulReferrals,
			At:                       s.clock.Now().UTC(),
		}
		if target.Bonus > 0 {
			advance.Bonus = &domain.PostRequest{
				AccountID: accountID,
				Kind:      domain.KindBonus,
				Amount:    target.Bonus,
				SourceRef: tierBonusSourcePrefix + strconv.Itoa(target.Level),
				Status:    domain.StatusCompleted,
			}
		}

		_, bonus, err := s.repo.AdvanceTier(ctx, advance)
		if errors.Is(err, domain.ErrStatusConflict) {
			// Another evaluation moved the tier first; re-read and decide again.
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("advance tier: %w", err)
		}

		metrics.TierAdvancementsTotal.WithLabelValues(target.Name).Inc()
		log.Printf("level=info component=service flow=progression msg=\"tier advanced\" account_id=%s from=%d to=%d bonus=%d", accountID, advance.FromTier, advance.ToTier, target.Bonus)
		if bonus != nil {
			// EvaluateProgression re-runs the step for the bonus itself.
			s.afterPost(ctx, false, *bonus)
		}
		s.publish(ctx, EventTierAdvanced, advance)
		return &advance, nil
	}
	return nil, fmt.Errorf("%w: tier advance for %s kept conflicting", domain.ErrStatusConflict, accountID)
}

// Progression returns the account's tier state. Totals come from the ledger fold, so the view
// is current even if a re-evaluation has not run yet.
func (s *Service) Progression(ctx context.Context, accountID string) (*domain.ProgressionView, error) {
	stored, err := s.repo.GetProgression(ctx, accountID)
	if err != nil {
		return nil, err
	}
	entries, err := s.repo.Entries(ctx, accountID)
	if err != nil {
		return nil, err
	}
	bacon, referrals := progressionTotals(entries)

	view := &domain.ProgressionView{DegreeProgression: *stored}
	view.AccountID = accountID
	view.TotalBaconEarned = max(view.TotalBaconEarned, bacon)
	view.TotalSuccessfulReferrals = max(view.TotalSuccessfulReferrals, referrals)
	if current, ok := tierByLevel(view.CurrentTier); ok {
		view.TierName = current.Name
	}
	if next, ok := tierByLevel(view.CurrentTier + 1); ok {
		view.NextTier = &next
	}
	return view, nil
}

// SetQualityScore records the account's quality metric (a GPA in [0, 4]) and re-evaluates its tier.
func (s *Service) SetQualityScore(ctx context.Context, accountID string, score float64) (*domain.ProgressionView, error) {
	if math.IsNaN(score) || score < 0 || score > maxQualityScore {
		return nil, fmt.Errorf("%w: %v outside [0, %v]", domain.ErrInvalidQualityScore, score, maxQualityScore)
	}
	if _, err := s.repo.SetQualityScore(ctx, accountID, score); err != nil {
		return nil, err
	}
	if _, err := s.EvaluateProgression(ctx, accountID); err != nil {
		return nil, err
	}
	return s.Progression(ctx, accountID)
}
