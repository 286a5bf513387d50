package app

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strconv"
	"strings"
	"time"

	"github.com/bacon/reward-service/internal/domain"
	"github.com/bacon/reward-service/internal/metrics"
	"github.com/cenkalti/backoff/v4"
	"github.com/shopspring/decimal"
)

// degreeShares is the percentage of the reward pool owed to each chain degree, indexed by
// degree-1. It covers all six degrees and sums to 100; shares of unfilled degrees go to charity.
// No other code may hold payout percentages.
var degreeShares = [domain.MaxChainDegrees]int64{40, 25, 15, 10, 7, 3}

var hundred = decimal.NewFromInt(100)

// DegreeShare returns the pool percentage for a degree in [1, 6], or 0 outside that range.
func DegreeShare(degree int) int64 {
	if degree < 1 || degree > domain.MaxChainDegrees {
		return 0
	}
	return degreeShares[degree-1]
}

// normalizeSale validates a sale and fills defaults: a zero MaxDegrees means all six degrees,
// and chain links without a degree take their position.
func normalizeSale(sale domain.Sale) (domain.Sale, error) {
	sale.ListingID = strings.TrimSpace(sale.ListingID)
	if sale.ListingID == "" {
		return sale, fmt.Errorf("%w: listing id is required", domain.ErrInvalidSale)
	}
	if sale.Price < 0 {
		return sale, fmt.Errorf("%w: negative price", domain.ErrInvalidSale)
	}
	if sale.RewardPercentage.IsNegative() || sale.RewardPercentage.GreaterThan(hundred) {
		return sale, fmt.Errorf("%w: reward percentage %s outside [0, 100]", domain.ErrInvalidSale, sale.RewardPercentage)
	}
	if sale.MaxDegrees < 0 || sale.MaxDegrees > domain.MaxChainDegrees {
		return sale, fmt.Errorf("%w: max degrees %d outside [1, %d]", domain.ErrInvalidSale, sale.MaxDegrees, domain.MaxChainDegrees)
	}
	if sale.MaxDegrees == 0 {
		sale.MaxDegrees = domain.MaxChainDegrees
	}
	if len(sale.Chain) > domain.MaxChainDegrees {
		return sale, fmt.Errorf("%w: chain has %d links, at most %d allowed", domain.ErrInvalidSale, len(sale.Chain), domain.MaxChainDegrees)
	}

	chain := make([]domain.ChainLink, len(sale.Chain))
	for i, link := range sale.Chain {
		link.AccountID = strings.TrimSpace(link.AccountID)
		if link.Degree == 0 {
			link.Degree = i + 1
		}
		if link.Degree != i+1 {
			return sale, fmt.Errorf("%w: chain link %d has degree %d", domain.ErrInvalidSale, i, link.Degree)
		}
		if link.AccountID == "" {
			return sale, fmt.Errorf("%w: degree %d has no account", domain.ErrInvalidSale, link.Degree)
		}
		chain[i] = link
	}
	sale.Chain = chain
	return sale, nil
}

// ComputeDistribution splits a sale's reward pool across its referral chain.
//
// pool = floor(price * rewardPercentage / 100). Each filled degree up to MaxDegrees gets
// floor(pool * share / 100); everything else, including rounding remainders, goes to the
// charity account, so payouts plus charity always equal the pool exactly.
func ComputeDistribution(sale domain.Sale, charityAccountID string) (*domain.Distribution, []domain.PostRequest, error) {
	sale, err := normalizeSale(sale)
	if err != nil {
		return nil, nil, err
	}

	pool := decimal.NewFromInt(sale.Price).Mul(sale.RewardPercentage).Div(hundred).Floor().IntPart()
	dist := &domain.Distribution{
		ListingID: sale.ListingID,
		Pool:      pool,
		Sale:      sale,
		Payouts:   make([]domain.DegreePayout, 0, len(sale.Chain)),
	}

	requests := make([]domain.PostRequest, 0, len(sale.Chain)+1)
	paid := int64(0)
	for _, link := range sale.Chain {
		if link.Degree > sale.MaxDegrees {
			break
		}
		share := DegreeShare(link.Degree)
		amount := pool * share / 100
		dist.Payouts = append(dist.Payouts, domain.DegreePayout{
			Degree:    link.Degree,
			AccountID: link.AccountID,
			Percent:   share,
			Amount:    amount,
		})
		paid += amount
		if amount > 0 {
			requests = append(requests, domain.PostRequest{
				AccountID: link.AccountID,
				Kind:      domain.KindEarned,
				Amount:    amount,
				SourceRef: distributionSourcePrefix + sale.ListingID + ":degree:" + strconv.Itoa(link.Degree),
				Status:    domain.StatusCompleted,
			})
		}
	}

	dist.CharityAmount = pool - paid
	if dist.CharityAmount > 0 {
		requests = append(requests, domain.PostRequest{
			AccountID: charityAccountID,
			Kind:      domain.KindEarned,
			Amount:    dist.CharityAmount,
			SourceRef: distributionSourcePrefix + sale.ListingID + ":charity",
			Status:    domain.StatusCompleted,
		})
	}
	return dist, requests, nil
}

// Distribute pays out a completed sale exactly once per listing.
//
// All entries for the sale are written as one unit. A failed unit is retried with exponential
// backoff; once attempts run out the sale is stored as reconciliation_required and returned
// with that status and a nil error. A listing that was already paid returns
// domain.ErrDuplicateSaleEvent alongside the stored distribution.
func (s *Service) Distribute(ctx context.Context, sale domain.Sale) (*domain.Distribution, error) {
	dist, requests, err := ComputeDistribution(sale, s.settings.CharityAccountID)
	if err != nil {
		metrics.DistributionsTotal.WithLabelValues("invalid").Inc()
		return nil, err
	}

	existing, err := s.repo.FindDistribution(ctx, dist.ListingID)
	if err != nil {
		return nil, fmt.Errorf("lookup distribution: %w", err)
	}
	if existing != nil && existing.Status == domain.DistributionCompleted {
		return s.duplicateDistribution(existing)
	}

	attempts := 0
	operation := func() error {
		attempts++
		dist.Attempts = attempts
		posted, err := s.repo.ApplyDistribution(ctx, dist, requests)
		if err != nil {
			if errors.Is(err, domain.ErrDuplicateSaleEvent) || errors.Is(err, domain.ErrInvalidAmount) {
				return backoff.Permanent(err)
			}
			return err
		}
		s.afterPost(ctx, true, posted...)
		return nil
	}
	notify := func(err error, wait time.Duration) {
		log.Printf("level=warn component=service flow=distribution msg=\"distribution attempt failed; retrying\" listing_id=%s attempt=%d backoff=%s err=%v", dist.ListingID, attempts, wait, err)
	}

	err = backoff.RetryNotify(operation, s.distributionBackOff(ctx), notify)
	metrics.DistributionAttempts.Observe(float64(attempts))

	switch {
	case err == nil:
		metrics.DistributionsTotal.WithLabelValues(string(domain.DistributionCompleted)).Inc()
		metrics.DistributedAmountTotal.WithLabelValues("referrer").Add(float64(dist.Pool - dist.CharityAmount))
		metrics.DistributedAmountTotal.WithLabelValues("charity").Add(float64(dist.CharityAmount))
		log.Printf("level=info component=service flow=distribution msg=\"sale distributed\" listing_id=%s pool=%d degrees=%d charity=%d attempts=%d", dist.ListingID, dist.Pool, len(dist.Payouts), dist.CharityAmount, attempts)
		s.publish(ctx, EventDistributionCompleted, dist)
		return dist, nil
	case errors.Is(err, domain.ErrDuplicateSaleEvent):
		stored, findErr := s.repo.FindDistribution(ctx, dist.ListingID)
		if findErr != nil || stored == nil {
			stored = dist
		}
		return s.duplicateDistribution(stored)
	case ctx.Err() != nil:
		return nil, fmt.Errorf("distribution for listing %s interrupted: %w", dist.ListingID, ctx.Err())
	}

	return s.flagForReconciliation(ctx, dist, err)
}

func (s *Service) duplicateDistribution(stored *domain.Distribution) (*domain.Distribution, error) {
	metrics.DistributionsTotal.WithLabelValues(string(domain.DistributionDuplicate)).Inc()
	log.Printf("level=info component=service flow=distribution msg=\"duplicate sale event ignored\" listing_id=%s", stored.ListingID)
	dup := *stored
	dup.Status = domain.DistributionDuplicate
	return &dup, fmt.Errorf("%w: listing %s", domain.ErrDuplicateSaleEvent, stored.ListingID)
}

func (s *Service) flagForReconciliation(ctx context.Context, dist *domain.Distribution, cause error) (*domain.Distribution, error) {
	partial := fmt.Errorf("%w: listing %s after %d attempts: %v", domain.ErrDistributionPartialFailure, dist.ListingID, dist.Attempts, cause)
	log.Printf("level=error component=service flow=distribution msg=\"distribution exhausted retries; flagging for reconciliation\" listing_id=%s err=%v", dist.ListingID, partial)

	dist.LastError = cause.Error()
	if err := s.repo.FlagDistributionForReconciliation(ctx, dist); err != nil {
		if errors.Is(err, domain.ErrDuplicateSaleEvent) {
			return s.duplicateDistribution(dist)
		}
		return nil, fmt.Errorf("flag listing %s for reconciliation: %w", dist.ListingID, err)
	}
	metrics.DistributionsTotal.WithLabelValues(string(domain.DistributionReconciliationRequired)).Inc()
	s.publish(ctx, EventDistributionReconciliation, dist)
	return dist, nil
}

func (s *Service) distributionBackOff(ctx context.Context) backoff.BackOff {
	exp := backoff.NewExponentialBackOff()
	exp.InitialInterval = s.settings.DistributionBaseBackoff
	exp.MaxInterval = 30 * s.settings.DistributionBaseBackoff
	exp.MaxElapsedTime = 0
	exp.Reset()
	return backoff.WithContext(backoff.WithMaxRetries(exp, uint64(s.settings.DistributionMaxAttempts-1)), ctx)
}

// PendingReconciliation lists sales whose distribution could not be completed.
func (s *Service) PendingReconciliation(ctx context.Context, limit int) ([]domain.Distribution, error) {
	return s.repo.ListDistributionsForReconciliation(ctx, limit)
}

// ReconcileDistributions retries every flagged sale once through Distribute. It returns how
// many were completed (or found already complete) and how many remain flagged.
func (s *Service) ReconcileDistributions(ctx context.Context) (resolved int, remaining int, err error) {
	flagged, err := s.repo.ListDistributionsForReconciliation(ctx, maxReconciliationBatch)
	if err != nil {
		return 0, 0, err
	}
	for _, pending := range flagged {
		dist, distErr := s.Distribute(ctx, pending.Sale)
		switch {
		case errors.Is(distErr, domain.ErrDuplicateSaleEvent):
			resolved++
		case distErr != nil:
			remaining++
			log.Printf("level=warn component=service flow=reconciliation msg=\"retry failed\" listing_id=%s err=%v", pending.ListingID, distErr)
		case dist.Status == domain.DistributionCompleted:
			resolved++
		default:
			remaining++
		}
		if ctx.Err() != nil {
			return resolved, remaining, ctx.Err()
		}
	}
	return resolved, remaining, nil
}
