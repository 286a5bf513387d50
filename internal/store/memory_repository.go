/**
 * @description
 * In-process implementation of Repository. It backs the service when no DATABASE_URL is
 * configured and is the store used by the service-level tests.
 *
 * @notes
 * - Writers for an account hold that account's mutex for the whole read-compute-append, so a
 *   post never computes its running balance from a stale head.
 * - Readers never lock an account: each account publishes its entry log as an immutable
 *   snapshot through an atomic pointer, replaced wholesale by every write.
 * - Multi-account writes lock accounts in sorted ID order.
 * - Lock order: distMu / progMu, then account mutexes, then wdMu; accountsMu is innermost.
 */

package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bacon/reward-service/internal/domain"
	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
)

type memoryAccount struct {
	mu        sync.Mutex
	id        string
	createdAt time.Time
	entries   atomic.Pointer[[]domain.Transaction]
}

func (a *memoryAccount) snapshot() []domain.Transaction {
	if entries := a.entries.Load(); entries != nil {
		return *entries
	}
	return nil
}

// append publishes a new snapshot; callers must hold a.mu.
func (a *memoryAccount) append(entries ...domain.Transaction) {
	current := a.snapshot()
	next := make([]domain.Transaction, len(current), len(current)+len(entries))
	copy(next, current)
	next = append(next, entries...)
	a.entries.Store(&next)
}

// replace swaps one entry in a new snapshot; callers must hold a.mu.
func (a *memoryAccount) replace(index int, entry domain.Transaction) {
	current := a.snapshot()
	next := make([]domain.Transaction, len(current))
	copy(next, current)
	next[index] = entry
	a.entries.Store(&next)
}

func (a *memoryAccount) head() (balance, sequence int64) {
	entries := a.snapshot()
	if len(entries) == 0 {
		return 0, 0
	}
	last := entries[len(entries)-1]
	return last.RunningBalance, last.Sequence
}

// MemoryRepository keeps all state in process memory.
type MemoryRepository struct {
	clock clockwork.Clock

	accountsMu sync.RWMutex
	accounts   map[string]*memoryAccount
	txAccount  map[uuid.UUID]string

	distMu        sync.Mutex
	distributions map[string]domain.Distribution

	wdMu        sync.RWMutex
	withdrawals map[uuid.UUID]domain.Withdrawal

	pmMu           sync.RWMutex
	paymentMethods map[uuid.UUID]domain.PaymentMethod

	progMu       sync.Mutex
	progressions map[string]domain.DegreeProgression
}

var _ Repository = (*MemoryRepository)(nil)

// NewMemoryRepository creates an empty store. A nil clock uses the real clock.
func NewMemoryRepository(clock clockwork.Clock) *MemoryRepository {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &MemoryRepository{
		clock:          clock,
		accounts:       make(map[string]*memoryAccount),
		txAccount:      make(map[uuid.UUID]string),
		distributions:  make(map[string]domain.Distribution),
		withdrawals:    make(map[uuid.UUID]domain.Withdrawal),
		paymentMethods: make(map[uuid.UUID]domain.PaymentMethod),
		progressions:   make(map[string]domain.DegreeProgression),
	}
}

func (r *MemoryRepository) account(accountID string) (*memoryAccount, error) {
	r.accountsMu.RLock()
	defer r.accountsMu.RUnlock()
	acct, ok := r.accounts[accountID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", domain.ErrAccountNotFound, accountID)
	}
	return acct, nil
}

func (r *MemoryRepository) indexEntries(entries ...domain.Transaction) {
	r.accountsMu.Lock()
	defer r.accountsMu.Unlock()
	for _, entry := range entries {
		r.txAccount[entry.ID] = entry.AccountID
	}
}

// OpenAccount is idempotent; reopening returns the existing account.
func (r *MemoryRepository) OpenAccount(ctx context.Context, accountID string) (*domain.Account, error) {
	if accountID == "" {
		return nil, fmt.Errorf("%w: empty account id", domain.ErrAccountNotFound)
	}
	r.accountsMu.Lock()
	defer r.accountsMu.Unlock()
	acct, ok := r.accounts[accountID]
	if !ok {
		acct = &memoryAccount{id: accountID, createdAt: r.clock.Now().UTC()}
		r.accounts[accountID] = acct
	}
	return &domain.Account{ID: acct.id, CreatedAt: acct.createdAt}, nil
}

func (r *MemoryRepository) Post(ctx context.Context, req domain.PostRequest) (*domain.Transaction, error) {
	acct, err := r.account(req.AccountID)
	if err != nil {
		return nil, err
	}
	acct.mu.Lock()
	defer acct.mu.Unlock()

	balance, sequence := acct.head()
	entry, err := nextEntry(balance, sequence, req, r.clock.Now().UTC())
	if err != nil {
		return nil, err
	}
	acct.append(entry)
	r.indexEntries(entry)
	return &entry, nil
}

func (r *MemoryRepository) Entries(ctx context.Context, accountID string) ([]domain.Transaction, error) {
	acct, err := r.account(accountID)
	if err != nil {
		return nil, err
	}
	entries := acct.snapshot()
	out := make([]domain.Transaction, len(entries))
	copy(out, entries)
	return out, nil
}

func (r *MemoryRepository) History(ctx context.Context, accountID string, opts domain.HistoryOptions) ([]domain.Transaction, error) {
	acct, err := r.account(accountID)
	if err != nil {
		return nil, err
	}
	opts = normalizeHistoryOptions(opts)
	entries := acct.snapshot()
	out := make([]domain.Transaction, 0, opts.Limit)
	for i := len(entries) - 1 - opts.Offset; i >= 0 && len(out) < opts.Limit; i-- {
		out = append(out, entries[i])
	}
	return out, nil
}

func (r *MemoryRepository) FindTransactionByID(ctx context.Context, transactionID uuid.UUID) (*domain.Transaction, error) {
	r.accountsMu.RLock()
	accountID, ok := r.txAccount[transactionID]
	acct := r.accounts[accountID]
	r.accountsMu.RUnlock()
	if !ok || acct == nil {
		return nil, domain.ErrTransactionNotFound
	}
	for _, entry := range acct.snapshot() {
		if entry.ID == transactionID {
			return &entry, nil
		}
	}
	return nil, domain.ErrTransactionNotFound
}

func (r *MemoryRepository) ApplyDistribution(ctx context.Context, dist *domain.Distribution, requests []domain.PostRequest) ([]domain.Transaction, error) {
	r.distMu.Lock()
	defer r.distMu.Unlock()

	if existing, ok := r.distributions[dist.ListingID]; ok && existing.Status == domain.DistributionCompleted {
		return nil, fmt.Errorf("%w: listing %s", domain.ErrDuplicateSaleEvent, dist.ListingID)
	}

	accounts, unlock, err := r.lockAccounts(requests)
	if err != nil {
		return nil, err
	}
	defer unlock()

	// Stage every entry against the locked heads before publishing any of them.
	now := r.clock.Now().UTC()
	heads := make(map[string][2]int64, len(accounts))
	staged := make(map[string][]domain.Transaction, len(accounts))
	posted := make([]domain.Transaction, 0, len(requests))
	for _, req := range requests {
		head, ok := heads[req.AccountID]
		if !ok {
			balance, sequence := accounts[req.AccountID].head()
			head = [2]int64{balance, sequence}
		}
		entry, err := nextEntry(head[0], head[1], req, now)
		if err != nil {
			return nil, err
		}
		heads[req.AccountID] = [2]int64{entry.RunningBalance, entry.Sequence}
		staged[req.AccountID] = append(staged[req.AccountID], entry)
		posted = append(posted, entry)
	}
	for accountID, entries := range staged {
		accounts[accountID].append(entries...)
	}
	r.indexEntries(posted...)

	stored := *dist
	stored.Status = domain.DistributionCompleted
	stored.LastError = ""
	if existing, ok := r.distributions[dist.ListingID]; ok {
		stored.CreatedAt = existing.CreatedAt
		stored.Attempts += existing.Attempts
	} else {
		stored.CreatedAt = now
	}
	stored.UpdatedAt = now
	r.distributions[dist.ListingID] = stored
	*dist = stored
	return posted, nil
}

// lockAccounts locks every distinct account named by requests in sorted order.
func (r *MemoryRepository) lockAccounts(requests []domain.PostRequest) (map[string]*memoryAccount, func(), error) {
	ids := make([]string, 0, len(requests))
	accounts := make(map[string]*memoryAccount, len(requests))
	for _, req := range requests {
		if _, seen := accounts[req.AccountID]; seen {
			continue
		}
		acct, err := r.account(req.AccountID)
		if err != nil {
			return nil, nil, err
		}
		accounts[req.AccountID] = acct
		ids = append(ids, req.AccountID)
	}
	sort.Strings(ids)
	for _, id := range ids {
		accounts[id].mu.Lock()
	}
	unlock := func() {
		for i := len(ids) - 1; i >= 0; i-- {
			accounts[ids[i]].mu.Unlock()
		}
	}
	return accounts, unlock, nil
}

func (r *MemoryRepository) FindDistribution(ctx context.Context, listingID string) (*domain.Distribution, error) {
	r.distMu.Lock()
	defer r.distMu.Unlock()
	dist, ok := r.distributions[listingID]
	if !ok {
		return nil, nil
	}
	return &dist, nil
}

func (r *MemoryRepository) FlagDistributionForReconciliation(ctx context.Context, dist *domain.Distribution) error {
	r.distMu.Lock()
	defer r.distMu.Unlock()
	if existing, ok := r.distributions[dist.ListingID]; ok && existing.Status == domain.DistributionCompleted {
		return fmt.Errorf("%w: listing %s", domain.ErrDuplicateSaleEvent, dist.ListingID)
	}
	now := r.clock.Now().UTC()
	stored := *dist
	stored.Status = domain.DistributionReconciliationRequired
	if existing, ok := r.distributions[dist.ListingID]; ok {
		stored.CreatedAt = existing.CreatedAt
		stored.Attempts += existing.Attempts
	} else {
		stored.CreatedAt = now
	}
	stored.UpdatedAt = now
	r.distributions[dist.ListingID] = stored
	*dist = stored
	return nil
}

func (r *MemoryRepository) ListDistributionsForReconciliation(ctx context.Context, limit int) ([]domain.Distribution, error) {
	r.distMu.Lock()
	defer r.distMu.Unlock()
	out := make([]domain.Distribution, 0)
	for _, dist := range r.distributions {
		if dist.Status == domain.DistributionReconciliationRequired {
			out = append(out, dist)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.Before(out[j].UpdatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (r *MemoryRepository) CreateWithdrawal(ctx context.Context, withdrawal *domain.Withdrawal, entry domain.PostRequest) (*domain.Transaction, error) {
	acct, err := r.account(entry.AccountID)
	if err != nil {
		return nil, err
	}
	acct.mu.Lock()
	defer acct.mu.Unlock()

	balance, sequence := acct.head()
	now := r.clock.Now().UTC()
	tx, err := nextEntry(balance, sequence, entry, now)
	if err != nil {
		return nil, err
	}
	acct.append(tx)
	r.indexEntries(tx)

	withdrawal.ID = tx.ID
	withdrawal.Status = tx.Status
	withdrawal.CreatedAt = now
	withdrawal.UpdatedAt = now

	r.wdMu.Lock()
	r.withdrawals[withdrawal.ID] = *withdrawal
	r.wdMu.Unlock()
	return &tx, nil
}

func (r *MemoryRepository) FindWithdrawalByID(ctx context.Context, withdrawalID uuid.UUID) (*domain.Withdrawal, error) {
	r.wdMu.RLock()
	defer r.wdMu.RUnlock()
	withdrawal, ok := r.withdrawals[withdrawalID]
	if !ok {
		return nil, domain.ErrWithdrawalNotFound
	}
	return &withdrawal, nil
}

func (r *MemoryRepository) TransitionWithdrawal(ctx context.Context, transition domain.WithdrawalTransition) (*domain.Withdrawal, *domain.Transaction, error) {
	current, err := r.FindWithdrawalByID(ctx, transition.ID)
	if err != nil {
		return nil, nil, err
	}
	acct, err := r.account(current.AccountID)
	if err != nil {
		return nil, nil, err
	}
	acct.mu.Lock()
	defer acct.mu.Unlock()

	// Re-read under the account lock; the status may have moved since the first read.
	r.wdMu.RLock()
	withdrawal := r.withdrawals[transition.ID]
	r.wdMu.RUnlock()
	if !statusIn(withdrawal.Status, transition.From) {
		return &withdrawal, nil, fmt.Errorf("%w: withdrawal %s is %s", domain.ErrStatusConflict, withdrawal.ID, withdrawal.Status)
	}

	index := -1
	entries := acct.snapshot()
	for i := range entries {
		if entries[i].ID == withdrawal.ID {
			index = i
			break
		}
	}
	if index < 0 {
		return nil, nil, fmt.Errorf("%w: ledger entry for withdrawal %s", domain.ErrTransactionNotFound, withdrawal.ID)
	}

	at := transition.At.UTC()
	var reversal *domain.Transaction
	if transition.Reversal != nil {
		balance, sequence := acct.head()
		entry, err := nextEntry(balance, sequence, *transition.Reversal, at)
		if err != nil {
			return nil, nil, err
		}
		reversal = &entry
	}

	updated := entries[index]
	updated.Status = transition.To
	if transition.To.Terminal() {
		updated.ProcessedAt = &at
	}
	acct.replace(index, updated)
	if reversal != nil {
		acct.append(*reversal)
		r.indexEntries(*reversal)
	}

	withdrawal.Status = transition.To
	withdrawal.UpdatedAt = at
	if transition.PayoutReference != nil {
		withdrawal.PayoutReference = transition.PayoutReference
	}
	if transition.FailureReason != nil {
		withdrawal.FailureReason = transition.FailureReason
	}
	if reversal != nil {
		reversalID := reversal.ID
		withdrawal.ReversalID = &reversalID
	}
	if transition.To.Terminal() {
		withdrawal.ProcessedAt = &at
	}

	r.wdMu.Lock()
	r.withdrawals[withdrawal.ID] = withdrawal
	r.wdMu.Unlock()
	return &withdrawal, reversal, nil
}

func (r *MemoryRepository) ListWithdrawalsByStatus(ctx context.Context, status domain.TransactionStatus, limit int) ([]domain.Withdrawal, error) {
	return r.listWithdrawals(limit, func(w domain.Withdrawal) bool { return w.Status == status }), nil
}

func (r *MemoryRepository) ListOverdueWithdrawals(ctx context.Context, now time.Time, limit int) ([]domain.Withdrawal, error) {
	return r.listWithdrawals(limit, func(w domain.Withdrawal) bool {
		return !w.Status.Terminal() && !w.Deadline.After(now)
	}), nil
}

func (r *MemoryRepository) listWithdrawals(limit int, keep func(domain.Withdrawal) bool) []domain.Withdrawal {
	r.wdMu.RLock()
	out := make([]domain.Withdrawal, 0)
	for _, withdrawal := range r.withdrawals {
		if keep(withdrawal) {
			out = append(out, withdrawal)
		}
	}
	r.wdMu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

func (r *MemoryRepository) CreatePaymentMethod(ctx context.Context, method *domain.PaymentMethod) error {
	if _, err := r.account(method.AccountID); err != nil {
		return err
	}
	r.pmMu.Lock()
	defer r.pmMu.Unlock()
	now := r.clock.Now().UTC()
	if method.ID == uuid.Nil {
		method.ID = uuid.New()
	}
	method.CreatedAt = now
	method.UpdatedAt = now

	hasDefault := false
	for _, existing := range r.paymentMethods {
		if existing.AccountID == method.AccountID && existing.IsDefault {
			hasDefault = true
		}
	}
	if !hasDefault {
		method.IsDefault = true
	}
	if method.IsDefault {
		r.clearDefaultLocked(method.AccountID, now)
	}
	r.paymentMethods[method.ID] = *method
	return nil
}

func (r *MemoryRepository) clearDefaultLocked(accountID string, now time.Time) {
	for id, existing := range r.paymentMethods {
		if existing.AccountID == accountID && existing.IsDefault {
			existing.IsDefault = false
			existing.UpdatedAt = now
			r.paymentMethods[id] = existing
		}
	}
}

func (r *MemoryRepository) ListPaymentMethods(ctx context.Context, accountID string) ([]domain.PaymentMethod, error) {
	r.pmMu.RLock()
	defer r.pmMu.RUnlock()
	out := make([]domain.PaymentMethod, 0)
	for _, method := range r.paymentMethods {
		if method.AccountID == accountID {
			out = append(out, method)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].IsDefault != out[j].IsDefault {
			return out[i].IsDefault
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

func (r *MemoryRepository) FindPaymentMethodByID(ctx context.Context, methodID uuid.UUID) (*domain.PaymentMethod, error) {
	r.pmMu.RLock()
	defer r.pmMu.RUnlock()
	method, ok := r.paymentMethods[methodID]
	if !ok {
		return nil, domain.ErrPaymentMethodNotFound
	}
	return &method, nil
}

func (r *MemoryRepository) FindDefaultPaymentMethod(ctx context.Context, accountID string) (*domain.PaymentMethod, error) {
	r.pmMu.RLock()
	defer r.pmMu.RUnlock()
	for _, method := range r.paymentMethods {
		if method.AccountID == accountID && method.IsDefault {
			return &method, nil
		}
	}
	return nil, domain.ErrPaymentMethodNotFound
}

func (r *MemoryRepository) SetDefaultPaymentMethod(ctx context.Context, accountID string, methodID uuid.UUID) error {
	r.pmMu.Lock()
	defer r.pmMu.Unlock()
	method, ok := r.paymentMethods[methodID]
	if !ok || method.AccountID != accountID {
		return domain.ErrPaymentMethodNotFound
	}
	now := r.clock.Now().UTC()
	r.clearDefaultLocked(accountID, now)
	method.IsDefault = true
	method.UpdatedAt = now
	r.paymentMethods[methodID] = method
	return nil
}

func (r *MemoryRepository) SetPaymentMethodVerified(ctx context.Context, methodID uuid.UUID, verified bool) (*domain.PaymentMethod, error) {
	r.pmMu.Lock()
	defer r.pmMu.Unlock()
	method, ok := r.paymentMethods[methodID]
	if !ok {
		return nil, domain.ErrPaymentMethodNotFound
	}
	method.IsVerified = verified
	method.UpdatedAt = r.clock.Now().UTC()
	r.paymentMethods[methodID] = method
	return &method, nil
}

func (r *MemoryRepository) progressionLocked(accountID string) domain.DegreeProgression {
	if progression, ok := r.progressions[accountID]; ok {
		return progression
	}
	return domain.DegreeProgression{AccountID: accountID}
}

func (r *MemoryRepository) GetProgression(ctx context.Context, accountID string) (*domain.DegreeProgression, error) {
	if _, err := r.account(accountID); err != nil {
		return nil, err
	}
	r.progMu.Lock()
	defer r.progMu.Unlock()
	progression := r.progressionLocked(accountID)
	return &progression, nil
}

func (r *MemoryRepository) SetQualityScore(ctx context.Context, accountID string, score float64) (*domain.DegreeProgression, error) {
	if _, err := r.account(accountID); err != nil {
		return nil, err
	}
	r.progMu.Lock()
	defer r.progMu.Unlock()
	progression := r.progressionLocked(accountID)
	progression.QualityScore = score
	progression.UpdatedAt = r.clock.Now().UTC()
	r.progressions[accountID] = progression
	return &progression, nil
}

func (r *MemoryRepository) RecordProgressionTotals(ctx context.Context, accountID string, totalBacon, totalReferrals int64) (*domain.DegreeProgression, error) {
	if _, err := r.account(accountID); err != nil {
		return nil, err
	}
	r.progMu.Lock()
	defer r.progMu.Unlock()
	progression := r.progressionLocked(accountID)
	if totalBacon > progression.TotalBaconEarned {
		progression.TotalBaconEarned = totalBacon
	}
	if totalReferrals > progression.TotalSuccessfulReferrals {
		progression.TotalSuccessfulReferrals = totalReferrals
	}
	progression.UpdatedAt = r.clock.Now().UTC()
	r.progressions[accountID] = progression
	return &progression, nil
}

func (r *MemoryRepository) AdvanceTier(ctx context.Context, advance domain.TierAdvance) (*domain.DegreeProgression, *domain.Transaction, error) {
	acct, err := r.account(advance.AccountID)
	if err != nil {
		return nil, nil, err
	}
	r.progMu.Lock()
	defer r.progMu.Unlock()

	progression := r.progressionLocked(advance.AccountID)
	if progression.CurrentTier != advance.FromTier || advance.ToTier <= advance.FromTier {
		return &progression, nil, fmt.Errorf("%w: account %s is at tier %d", domain.ErrStatusConflict, advance.AccountID, progression.CurrentTier)
	}

	var bonus *domain.Transaction
	if advance.Bonus != nil {
		acct.mu.Lock()
		balance, sequence := acct.head()
		entry, err := nextEntry(balance, sequence, *advance.Bonus, advance.At.UTC())
		if err != nil {
			acct.mu.Unlock()
			return nil, nil, err
		}
		acct.append(entry)
		acct.mu.Unlock()
		r.indexEntries(entry)
		bonus = &entry
	}

	progression.CurrentTier = advance.ToTier
	if advance.TotalBaconEarned > progression.TotalBaconEarned {
		progression.TotalBaconEarned = advance.TotalBaconEarned
	}
	if advance.TotalSuccessfulReferrals > progression.TotalSuccessfulReferrals {
		progression.TotalSuccessfulReferrals = advance.TotalSuccessfulReferrals
	}
	progression.UpdatedAt = advance.At.UTC()
	r.progressions[advance.AccountID] = progression
	return &progression, bonus, nil
}
