/**
 * @description
 * This file contains the core of the reward-service business layer. The `Service` struct
 * owns every operation that changes the ledger: reward distribution, withdrawals, tier
 * advancement and payment method registration. Reads (balance, history, progression) are
 * folds over the ledger and never cached outside the store.
 *
 * @dependencies
 * - internal/domain, internal/store: For domain models and data access.
 * - pkg/rabbitmq: For the event publisher contract (RabbitMQ or Kafka backed).
 * - github.com/jonboulle/clockwork: For deadlines that tests can drive.
 */

package app

import (
	"context"
	"errors"
	"log"
	"strings"
	"time"

	"github.com/bacon/reward-service/internal/domain"
	"github.com/bacon/reward-service/internal/metrics"
	"github.com/bacon/reward-service/internal/store"
	"github.com/bacon/reward-service/pkg/payoutclient"
	"github.com/bacon/reward-service/pkg/rabbitmq"
	"github.com/jonboulle/clockwork"
)

const (
	DefaultEventsExchange          = "reward.events"
	DefaultCharityAccountID        = "charity"
	DefaultMinimumWithdrawal       = 1000 // $10.00 in cents
	DefaultPayoutTimeout           = 30 * time.Minute
	DefaultDistributionMaxAttempts = 4
	DefaultDistributionBaseBackoff = 100 * time.Millisecond
)

// Routing keys for published events.
const (
	EventTransactionPosted          = "ledger.transaction.posted"
	EventDistributionCompleted      = "reward.distribution.completed"
	EventDistributionReconciliation = "reward.distribution.reconciliation_required"
	EventTierAdvanced               = "progression.tier.advanced"
	withdrawalEventPrefix           = "withdrawal."
	withdrawalRateLimitScope        = "withdrawal_request"
	withdrawalRateLimitWindow       = time.Minute
	reversalSourcePrefix            = "withdrawal_reversal:"
	distributionSourcePrefix        = "listing:"
	tierBonusSourcePrefix           = "tier_advance:"
	defaultCurrency                 = "USD"
	payoutDispatchTimeout           = 20 * time.Second
	maxReconciliationBatch          = 50
	maxSweepBatch                   = 100
	maxDispatchBatch                = 50
	eventPublishTimeout             = 5 * time.Second
)

// Settings carries the tunables the service reads from configuration.
type Settings struct {
	EventsExchange          string
	CharityAccountID        string
	MinimumWithdrawal       int64 // in cents
	PayoutTimeout           time.Duration
	DistributionMaxAttempts int
	DistributionBaseBackoff time.Duration
	WithdrawalRateLimit     int // requests per account per minute, 0 disables
	Currency                string
}

func (s Settings) withDefaults() Settings {
	if strings.TrimSpace(s.EventsExchange) == "" {
		s.EventsExchange = DefaultEventsExchange
	}
	if strings.TrimSpace(s.CharityAccountID) == "" {
		s.CharityAccountID = DefaultCharityAccountID
	}
	if s.MinimumWithdrawal <= 0 {
		s.MinimumWithdrawal = DefaultMinimumWithdrawal
	}
	if s.PayoutTimeout <= 0 {
		s.PayoutTimeout = DefaultPayoutTimeout
	}
	if s.DistributionMaxAttempts <= 0 {
		s.DistributionMaxAttempts = DefaultDistributionMaxAttempts
	}
	if s.DistributionBaseBackoff <= 0 {
		s.DistributionBaseBackoff = DefaultDistributionBaseBackoff
	}
	if s.Currency == "" {
		s.Currency = defaultCurrency
	}
	return s
}

// RateLimiter is satisfied by RedisRateLimiter.
type RateLimiter interface {
	ConsumeRateLimit(ctx context.Context, scope, subject string, limit int, window time.Duration) (count int, retryAfterSeconds int, err error)
}

// PayoutGateway submits payouts to the external processor.
type PayoutGateway interface {
	InitiatePayout(ctx context.Context, payout payoutclient.PayoutRequest) (*payoutclient.PayoutResponse, error)
}

// Service provides the core business logic for rewards.
type Service struct {
	repo      store.Repository
	publisher rabbitmq.Publisher
	payouts   PayoutGateway
	limiter   RateLimiter
	clock     clockwork.Clock
	settings  Settings
}

// NewService creates a new reward service instance. A nil publisher, payout gateway or
// rate limiter disables that collaborator; a nil clock uses the real clock.
func NewService(repo store.Repository, publisher rabbitmq.Publisher, payouts PayoutGateway, limiter RateLimiter, clock clockwork.Clock, settings Settings) *Service {
	if publisher == nil {
		publisher = &rabbitmq.EventProducerFallback{}
	}
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Service{
		repo:      repo,
		publisher: publisher,
		payouts:   payouts,
		limiter:   limiter,
		clock:     clock,
		settings:  settings.withDefaults(),
	}
}

// Settings returns the effective settings after defaults.
func (s *Service) Settings() Settings {
	return s.settings
}

// OpenAccount creates the ledger account if needed. Opening is idempotent.
func (s *Service) OpenAccount(ctx context.Context, accountID string) (*domain.Account, error) {
	accountID = strings.TrimSpace(accountID)
	account, err := s.repo.OpenAccount(ctx, accountID)
	if err != nil {
		return nil, err
	}
	log.Printf("level=info component=service flow=account msg=\"account opened\" account_id=%s", account.ID)
	return account, nil
}

// EnsureCharityAccount opens the account that receives unawarded distribution shares.
func (s *Service) EnsureCharityAccount(ctx context.Context) error {
	_, err := s.repo.OpenAccount(ctx, s.settings.CharityAccountID)
	return err
}

// Post appends one ledger entry. Earned and bonus credits trigger a progression re-evaluation.
func (s *Service) Post(ctx context.Context, req domain.PostRequest) (*domain.Transaction, error) {
	entry, err := s.repo.Post(ctx, req)
	if err != nil {
		recordRejection(err)
		return nil, err
	}
	s.afterPost(ctx, true, *entry)
	return entry, nil
}

// Balance folds the account's ledger.
func (s *Service) Balance(ctx context.Context, accountID string) (*domain.AccountBalance, error) {
	entries, err := s.repo.Entries(ctx, accountID)
	if err != nil {
		return nil, err
	}
	balance := domain.FoldBalance(accountID, entries)
	return &balance, nil
}

// History returns the account's entries newest first.
func (s *Service) History(ctx context.Context, accountID string, opts domain.HistoryOptions) ([]domain.Transaction, error) {
	return s.repo.History(ctx, accountID, opts)
}

// afterPost records metrics and publishes events for committed entries. When evaluate is
// set, accounts credited with earned or bonus entries are re-evaluated for a tier advance.
func (s *Service) afterPost(ctx context.Context, evaluate bool, entries ...domain.Transaction) {
	evaluated := make(map[string]bool)
	for _, entry := range entries {
		metrics.LedgerPostsTotal.WithLabelValues(string(entry.Kind)).Inc()
		s.publish(ctx, EventTransactionPosted, entry)

		if !evaluate || evaluated[entry.AccountID] {
			continue
		}
		if entry.Kind != domain.KindEarned && entry.Kind != domain.KindBonus {
			continue
		}
		if entry.AccountID == s.settings.CharityAccountID {
			continue
		}
		evaluated[entry.AccountID] = true
		if _, err := s.EvaluateProgression(ctx, entry.AccountID); err != nil {
			// The credit is committed; the next credit or a quality-score update re-runs evaluation.
			log.Printf("level=warn component=service flow=progression msg=\"re-evaluation failed\" account_id=%s err=%v", entry.AccountID, err)
		}
	}
}

// publish sends an event after commit. Failures are logged, never returned: the ledger is the source of truth.
func (s *Service) publish(ctx context.Context, routingKey string, payload interface{}) {
	pubCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), eventPublishTimeout)
	defer cancel()
	if err := s.publisher.Publish(pubCtx, s.settings.EventsExchange, routingKey, payload); err != nil {
		log.Printf("level=warn component=service msg=\"event publish failed\" routing_key=%s err=%v", routingKey, err)
	}
}

func recordRejection(err error) {
	reason := "error"
	switch {
	case errors.Is(err, domain.ErrInsufficientFunds):
		reason = "insufficient_funds"
	case errors.Is(err, domain.ErrInvalidAmount):
		reason = "invalid_amount"
	case errors.Is(err, domain.ErrAccountNotFound):
		reason = "account_not_found"
	case errors.Is(err, domain.ErrBelowMinimum):
		reason = "below_minimum"
	}
	metrics.LedgerPostRejectionsTotal.WithLabelValues(reason).Inc()
}
