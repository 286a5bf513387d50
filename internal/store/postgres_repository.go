/**
 * @description
 * This file provides the PostgreSQL implementation of the `Repository` interface.
 *
 * @notes
 * - Each ledger account has a head row in `ledger_accounts` carrying the running balance
 *   and last sequence. Every write locks that row with `SELECT ... FOR UPDATE`, so posts for
 *   an account are serialised by the database; the CHECK constraints and the
 *   UNIQUE (account_id, sequence) index back that up.
 * - Multi-account writes lock head rows in ID order before posting.
 *
 * @dependencies
 * - github.com/jackc/pgx/v5: The PostgreSQL driver for database operations.
 * - github.com/jonboulle/clockwork: Shared time source for created/updated timestamps.
 * - internal/domain: Contains the domain models used for data transfer.
 */

package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/bacon/reward-service/internal/domain"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jonboulle/clockwork"
	"github.com/shopspring/decimal"
)

const (
	transactionColumns = `id, account_id, sequence, kind, amount, running_balance, source_ref, status, created_at, processed_at`
	withdrawalColumns  = `id, account_id, payment_method_id, amount, fee, net_amount, status, payout_reference, failure_reason, reversal_id, deadline, created_at, updated_at, processed_at`
	methodColumns      = `id, account_id, type, label, fee_percentage::text, fee_fixed, fee_minimum, is_verified, is_default, created_at, updated_at`
	distributionCols   = `listing_id, status, pool, charity_amount, payouts, sale, attempts, last_error, created_at, updated_at`
	progressionColumns = `account_id, current_tier, total_bacon_earned, total_successful_referrals, quality_score, updated_at`
)

// PostgresRepository is a concrete implementation of the Repository interface for PostgreSQL.
type PostgresRepository struct {
	db    *pgxpool.Pool
	clock clockwork.Clock
}

var _ Repository = (*PostgresRepository)(nil)

// NewPostgresRepository creates a new instance of PostgresRepository. Timestamps written by
// the store come from clock; a nil clock uses the real clock.
func NewPostgresRepository(db *pgxpool.Pool, clock clockwork.Clock) *PostgresRepository {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &PostgresRepository{db: db, clock: clock}
}

func (r *PostgresRepository) now() time.Time {
	return r.clock.Now().UTC()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTransaction(row rowScanner) (*domain.Transaction, error) {
	var entry domain.Transaction
	var kind, status string
	if err := row.Scan(
		&entry.ID,
		&entry.AccountID,
		&entry.Sequence,
		&kind,
		&entry.Amount,
		&entry.RunningBalance,
		&entry.SourceRef,
		&status,
		&entry.CreatedAt,
		&entry.ProcessedAt,
	); err != nil {
		return nil, err
	}
	entry.Kind = domain.TransactionKind(kind)
	entry.Status = domain.TransactionStatus(status)
	return &entry, nil
}

func scanWithdrawal(row rowScanner) (*domain.Withdrawal, error) {
	var w domain.Withdrawal
	var status string
	if err := row.Scan(
		&w.ID,
		&w.AccountID,
		&w.PaymentMethodID,
		&w.Amount,
		&w.Fee,
		&w.NetAmount,
		&status,
		&w.PayoutReference,
		&w.FailureReason,
		&w.ReversalID,
		&w.Deadline,
		&w.CreatedAt,
		&w.UpdatedAt,
		&w.ProcessedAt,
	); err != nil {
		return nil, err
	}
	w.Status = domain.TransactionStatus(status)
	return &w, nil
}

func scanPaymentMethod(row rowScanner) (*domain.PaymentMethod, error) {
	var m domain.PaymentMethod
	var methodType, percentage string
	if err := row.Scan(
		&m.ID,
		&m.AccountID,
		&methodType,
		&m.Label,
		&percentage,
		&m.FeeSchedule.Fixed,
		&m.FeeSchedule.Minimum,
		&m.IsVerified,
		&m.IsDefault,
		&m.CreatedAt,
		&m.UpdatedAt,
	); err != nil {
		return nil, err
	}
	pct, err := decimal.NewFromString(percentage)
	if err != nil {
		return nil, fmt.Errorf("invalid stored fee percentage %q: %w", percentage, err)
	}
	m.Type = domain.PaymentMethodType(methodType)
	m.FeeSchedule.Percentage = pct
	return &m, nil
}

func scanDistribution(row rowScanner) (*domain.Distribution, error) {
	var d domain.Distribution
	var status string
	var payouts, sale []byte
	if err := row.Scan(
		&d.ListingID,
		&status,
		&d.Pool,
		&d.CharityAmount,
		&payouts,
		&sale,
		&d.Attempts,
		&d.LastError,
		&d.CreatedAt,
		&d.UpdatedAt,
	); err != nil {
		return nil, err
	}
	d.Status = domain.DistributionStatus(status)
	if err := json.Unmarshal(payouts, &d.Payouts); err != nil {
		return nil, fmt.Errorf("decode payouts for listing %s: %w", d.ListingID, err)
	}
	if err := json.Unmarshal(sale, &d.Sale); err != nil {
		return nil, fmt.Errorf("decode sale for listing %s: %w", d.ListingID, err)
	}
	return &d, nil
}

func scanProgression(row rowScanner) (*domain.DegreeProgression, error) {
	var p domain.DegreeProgression
	if err := row.Scan(
		&p.AccountID,
		&p.CurrentTier,
		&p.TotalBaconEarned,
		&p.TotalSuccessfulReferrals,
		&p.QualityScore,
		&p.UpdatedAt,
	); err != nil {
		return nil, err
	}
	return &p, nil
}

// OpenAccount creates the ledger head row if it does not exist yet.
func (r *PostgresRepository) OpenAccount(ctx context.Context, accountID string) (*domain.Account, error) {
	if accountID == "" {
		return nil, fmt.Errorf("%w: empty account id", domain.ErrAccountNotFound)
	}
	query := `
		INSERT INTO ledger_accounts (id, created_at) VALUES ($1, $2)
		ON CONFLICT (id) DO UPDATE SET id = EXCLUDED.id
		RETURNING id, created_at
	`
	var account domain.Account
	if err := r.db.QueryRow(ctx, query, accountID, r.now()).Scan(&account.ID, &account.CreatedAt); err != nil {
		return nil, err
	}
	return &account, nil
}

// postTx appends one entry inside tx, holding the account head row lock until commit.
func (r *PostgresRepository) postTx(ctx context.Context, tx pgx.Tx, req domain.PostRequest, now time.Time) (*domain.Transaction, error) {
	var balance, sequence int64
	err := tx.QueryRow(ctx, `SELECT balance, last_sequence FROM ledger_accounts WHERE id = $1 FOR UPDATE`, req.AccountID).Scan(&balance, &sequence)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("%w: %s", domain.ErrAccountNotFound, req.AccountID)
		}
		return nil, fmt.Errorf("failed to lock ledger account: %w", err)
	}

	entry, err := nextEntry(balance, sequence, req, now)
	if err != nil {
		return nil, err
	}

	_, err = tx.Exec(ctx, `
		INSERT INTO ledger_transactions (`+transactionColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`,
		entry.ID,
		entry.AccountID,
		entry.Sequence,
		string(entry.Kind),
		entry.Amount,
		entry.RunningBalance,
		entry.SourceRef,
		string(entry.Status),
		entry.CreatedAt,
		entry.ProcessedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to insert ledger entry: %w", err)
	}

	_, err = tx.Exec(ctx, `UPDATE ledger_accounts SET balance = $2, last_sequence = $3 WHERE id = $1`, entry.AccountID, entry.RunningBalance, entry.Sequence)
	if err != nil {
		return nil, fmt.Errorf("failed to advance ledger head: %w", err)
	}
	return &entry, nil
}

func (r *PostgresRepository) Post(ctx context.Context, req domain.PostRequest) (*domain.Transaction, error) {
	if err := validatePost(req); err != nil {
		return nil, err
	}
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	entry, err := r.postTx(ctx, tx, req, r.now())
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("failed to commit ledger entry: %w", err)
	}
	return entry, nil
}

func (r *PostgresRepository) ensureAccount(ctx context.Context, accountID string) error {
	var exists bool
	if err := r.db.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM ledger_accounts WHERE id = $1)`, accountID).Scan(&exists); err != nil {
		return err
	}
	if !exists {
		return fmt.Errorf("%w: %s", domain.ErrAccountNotFound, accountID)
	}
	return nil
}

func (r *PostgresRepository) queryTransactions(ctx context.Context, query string, args ...any) ([]domain.Transaction, error) {
	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	entries := make([]domain.Transaction, 0)
	for rows.Next() {
		entry, err := scanTransaction(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, *entry)
	}
	return entries, rows.Err()
}

func (r *PostgresRepository) Entries(ctx context.Context, accountID string) ([]domain.Transaction, error) {
	if err := r.ensureAccount(ctx, accountID); err != nil {
		return nil, err
	}
	return r.queryTransactions(ctx, `
		SELECT `+transactionColumns+`
		FROM ledger_transactions
		WHERE account_id = $1
		ORDER BY sequence ASC
	`, accountID)
}

func (r *PostgresRepository) History(ctx context.Context, accountID string, opts domain.HistoryOptions) ([]domain.Transaction, error) {
	if err := r.ensureAccount(ctx, accountID); err != nil {
		return nil, err
	}
	opts = normalizeHistoryOptions(opts)
	return r.queryTransactions(ctx, `
		SELECT `+transactionColumns+`
		FROM ledger_transactions
		WHERE account_id = $1
		ORDER BY sequence DESC
		LIMIT $2 OFFSET $3
	`, accountID, opts.Limit, opts.Offset)
}

func (r *PostgresRepository) FindTransactionByID(ctx context.Context, transactionID uuid.UUID) (*domain.Transaction, error) {
	row := r.db.QueryRow(ctx, `SELECT `+transactionColumns+` FROM ledger_transactions WHERE id = $1`, transactionID)
	entry, err := scanTransaction(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrTransactionNotFound
		}
		return nil, err
	}
	return entry, nil
}

// lockAccountsTx locks every distinct head row named by requests in ID order.
func lockAccountsTx(ctx context.Context, tx pgx.Tx, requests []domain.PostRequest) error {
	seen := make(map[string]struct{}, len(requests))
	ids := make([]string, 0, len(requests))
	for _, req := range requests {
		if _, ok := seen[req.AccountID]; ok {
			continue
		}
		seen[req.AccountID] = struct{}{}
		ids = append(ids, req.AccountID)
	}
	sort.Strings(ids)

	rows, err := tx.Query(ctx, `SELECT id FROM ledger_accounts WHERE id = ANY($1) ORDER BY id FOR UPDATE`, ids)
	if err != nil {
		return fmt.Errorf("failed to lock ledger accounts: %w", err)
	}
	locked := 0
	for rows.Next() {
		locked++
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return err
	}
	if locked != len(ids) {
		return fmt.Errorf("%w: %d of %d distribution accounts exist", domain.ErrAccountNotFound, locked, len(ids))
	}
	return nil
}

func (r *PostgresRepository) ApplyDistribution(ctx context.Context, dist *domain.Distribution, requests []domain.PostRequest) ([]domain.Transaction, error) {
	payouts, err := json.Marshal(dist.Payouts)
	if err != nil {
		return nil, err
	}
	sale, err := json.Marshal(dist.Sale)
	if err != nil {
		return nil, err
	}

	tx, err := r.db.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	// The conditional upsert doubles as the dedup lock: a concurrent delivery of the
	// same listing blocks here and then sees the completed row.
	now := r.now()
	var createdAt time.Time
	err = tx.QueryRow(ctx, `
		INSERT INTO reward_distributions (`+distributionCols+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, '', $8, $8)
		ON CONFLICT (listing_id) DO UPDATE SET
			status = EXCLUDED.status,
			pool = EXCLUDED.pool,
			charity_amount = EXCLUDED.charity_amount,
			payouts = EXCLUDED.payouts,
			sale = EXCLUDED.sale,
			attempts = reward_distributions.attempts + EXCLUDED.attempts,
			last_error = '',
			updated_at = EXCLUDED.updated_at
		WHERE reward_distributions.status <> $2
		RETURNING created_at
	`,
		dist.ListingID,
		string(domain.DistributionCompleted),
		dist.Pool,
		dist.CharityAmount,
		payouts,
		sale,
		dist.Attempts,
		now,
	).Scan(&createdAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("%w: listing %s", domain.ErrDuplicateSaleEvent, dist.ListingID)
		}
		return nil, fmt.Errorf("failed to record distribution: %w", err)
	}

	if err := lockAccountsTx(ctx, tx, requests); err != nil {
		return nil, err
	}

	posted := make([]domain.Transaction, 0, len(requests))
	for _, req := range requests {
		entry, err := r.postTx(ctx, tx, req, now)
		if err != nil {
			return nil, err
		}
		posted = append(posted, *entry)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("failed to commit distribution: %w", err)
	}
	dist.Status = domain.DistributionCompleted
	dist.CreatedAt = createdAt
	dist.UpdatedAt = now
	return posted, nil
}

func (r *PostgresRepository) FindDistribution(ctx context.Context, listingID string) (*domain.Distribution, error) {
	row := r.db.QueryRow(ctx, `SELECT `+distributionCols+` FROM reward_distributions WHERE listing_id = $1`, listingID)
	dist, err := scanDistribution(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return dist, nil
}

func (r *PostgresRepository) FlagDistributionForReconciliation(ctx context.Context, dist *domain.Distribution) error {
	payouts, err := json.Marshal(dist.Payouts)
	if err != nil {
		return err
	}
	sale, err := json.Marshal(dist.Sale)
	if err != nil {
		return err
	}
	now := r.now()
	row := r.db.QueryRow(ctx, `
		INSERT INTO reward_distributions (`+distributionCols+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $9)
		ON CONFLICT (listing_id) DO UPDATE SET
			status = EXCLUDED.status,
			pool = EXCLUDED.pool,
			charity_amount = EXCLUDED.charity_amount,
			payouts = EXCLUDED.payouts,
			sale = EXCLUDED.sale,
			attempts = reward_distributions.attempts + EXCLUDED.attempts,
			last_error = EXCLUDED.last_error,
			updated_at = EXCLUDED.updated_at
		WHERE reward_distributions.status <> $10
		RETURNING `+distributionCols,
		dist.ListingID,
		string(domain.DistributionReconciliationRequired),
		dist.Pool,
		dist.CharityAmount,
		payouts,
		sale,
		dist.Attempts,
		dist.LastError,
		now,
		string(domain.DistributionCompleted),
	)
	stored, err := scanDistribution(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return fmt.Errorf("%w: listing %s", domain.ErrDuplicateSaleEvent, dist.ListingID)
		}
		return fmt.Errorf("failed to flag distribution: %w", err)
	}
	*dist = *stored
	return nil
}

func (r *PostgresRepository) ListDistributionsForReconciliation(ctx context.Context, limit int) ([]domain.Distribution, error) {
	if limit <= 0 {
		limit = maxHistoryLimit
	}
	rows, err := r.db.Query(ctx, `
		SELECT `+distributionCols+`
		FROM reward_distributions
		WHERE status = $1
		ORDER BY updated_at ASC
		LIMIT $2
	`, string(domain.DistributionReconciliationRequired), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]domain.Distribution, 0)
	for rows.Next() {
		dist, err := scanDistribution(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *dist)
	}
	return out, rows.Err()
}

func (r *PostgresRepository) CreateWithdrawal(ctx context.Context, withdrawal *domain.Withdrawal, entry domain.PostRequest) (*domain.Transaction, error) {
	if err := validatePost(entry); err != nil {
		return nil, err
	}
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	now := r.now()
	posted, err := r.postTx(ctx, tx, entry, now)
	if err != nil {
		return nil, err
	}

	withdrawal.ID = posted.ID
	withdrawal.Status = posted.Status
	withdrawal.CreatedAt = now
	withdrawal.UpdatedAt = now
	_, err = tx.Exec(ctx, `
		INSERT INTO withdrawals (`+withdrawalColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
	`,
		withdrawal.ID,
		withdrawal.AccountID,
		withdrawal.PaymentMethodID,
		withdrawal.Amount,
		withdrawal.Fee,
		withdrawal.NetAmount,
		string(withdrawal.Status),
		withdrawal.PayoutReference,
		withdrawal.FailureReason,
		withdrawal.ReversalID,
		withdrawal.Deadline,
		withdrawal.CreatedAt,
		withdrawal.UpdatedAt,
		withdrawal.ProcessedAt,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23503" {
			return nil, domain.ErrPaymentMethodNotFound
		}
		return nil, fmt.Errorf("failed to insert withdrawal: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("failed to commit withdrawal: %w", err)
	}
	return posted, nil
}

func (r *PostgresRepository) FindWithdrawalByID(ctx context.Context, withdrawalID uuid.UUID) (*domain.Withdrawal, error) {
	row := r.db.QueryRow(ctx, `SELECT `+withdrawalColumns+` FROM withdrawals WHERE id = $1`, withdrawalID)
	withdrawal, err := scanWithdrawal(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrWithdrawalNotFound
		}
		return nil, err
	}
	return withdrawal, nil
}

func (r *PostgresRepository) TransitionWithdrawal(ctx context.Context, transition domain.WithdrawalTransition) (*domain.Withdrawal, *domain.Transaction, error) {
	current, err := r.FindWithdrawalByID(ctx, transition.ID)
	if err != nil {
		return nil, nil, err
	}

	tx, err := r.db.Begin(ctx)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	// Account head first, then the withdrawal row, matching the order every post uses.
	if _, err := tx.Exec(ctx, `SELECT 1 FROM ledger_accounts WHERE id = $1 FOR UPDATE`, current.AccountID); err != nil {
		return nil, nil, fmt.Errorf("failed to lock ledger account: %w", err)
	}
	withdrawal, err := scanWithdrawal(tx.QueryRow(ctx, `SELECT `+withdrawalColumns+` FROM withdrawals WHERE id = $1 FOR UPDATE`, transition.ID))
	if err != nil {
		return nil, nil, fmt.Errorf("failed to lock withdrawal: %w", err)
	}
	if !statusIn(withdrawal.Status, transition.From) {
		return withdrawal, nil, fmt.Errorf("%w: withdrawal %s is %s", domain.ErrStatusConflict, withdrawal.ID, withdrawal.Status)
	}

	at := transition.At.UTC()
	var processedAt *time.Time
	if transition.To.Terminal() {
		processedAt = &at
	}
	if _, err := tx.Exec(ctx, `UPDATE ledger_transactions SET status = $2, processed_at = COALESCE($3, processed_at) WHERE id = $1`, withdrawal.ID, string(transition.To), processedAt); err != nil {
		return nil, nil, fmt.Errorf("failed to update withdrawal entry: %w", err)
	}

	var reversal *domain.Transaction
	if transition.Reversal != nil {
		reversal, err = r.postTx(ctx, tx, *transition.Reversal, at)
		if err != nil {
			return nil, nil, err
		}
	}
	var reversalID *uuid.UUID
	if reversal != nil {
		reversalID = &reversal.ID
	}

	updated, err := scanWithdrawal(tx.QueryRow(ctx, `
		UPDATE withdrawals SET
			status = $2,
			payout_reference = COALESCE($3, payout_reference),
			failure_reason = COALESCE($4, failure_reason),
			reversal_id = COALESCE($5, reversal_id),
			processed_at = COALESCE($6, processed_at),
			updated_at = $7
		WHERE id = $1
		RETURNING `+withdrawalColumns,
		withdrawal.ID,
		string(transition.To),
		transition.PayoutReference,
		transition.FailureReason,
		reversalID,
		processedAt,
		at,
	))
	if err != nil {
		return nil, nil, fmt.Errorf("failed to update withdrawal: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, nil, fmt.Errorf("failed to commit withdrawal transition: %w", err)
	}
	return updated, reversal, nil
}

func (r *PostgresRepository) queryWithdrawals(ctx context.Context, query string, args ...any) ([]domain.Withdrawal, error) {
	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]domain.Withdrawal, 0)
	for rows.Next() {
		withdrawal, err := scanWithdrawal(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *withdrawal)
	}
	return out, rows.Err()
}

func (r *PostgresRepository) ListWithdrawalsByStatus(ctx context.Context, status domain.TransactionStatus, limit int) ([]domain.Withdrawal, error) {
	if limit <= 0 {
		limit = maxHistoryLimit
	}
	return r.queryWithdrawals(ctx, `
		SELECT `+withdrawalColumns+`
		FROM withdrawals
		WHERE status = $1
		ORDER BY created_at ASC
		LIMIT $2
	`, string(status), limit)
}

func (r *PostgresRepository) ListOverdueWithdrawals(ctx context.Context, now time.Time, limit int) ([]domain.Withdrawal, error) {
	if limit <= 0 {
		limit = maxHistoryLimit
	}
	return r.queryWithdrawals(ctx, `
		SELECT `+withdrawalColumns+`
		FROM withdrawals
		WHERE status IN ('pending', 'processing') AND deadline <= $1
		ORDER BY created_at ASC
		LIMIT $2
	`, now, limit)
}

func (r *PostgresRepository) CreatePaymentMethod(ctx context.Context, method *domain.PaymentMethod) error {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, `SELECT 1 FROM ledger_accounts WHERE id = $1 FOR UPDATE`, method.AccountID); err != nil {
		return fmt.Errorf("failed to lock ledger account: %w", err)
	}

	var hasDefault bool
	if err := tx.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM payment_methods WHERE account_id = $1 AND is_default)`, method.AccountID).Scan(&hasDefault); err != nil {
		return err
	}
	if !hasDefault {
		method.IsDefault = true
	}
	if method.IsDefault && hasDefault {
		if _, err := tx.Exec(ctx, `UPDATE payment_methods SET is_default = FALSE, updated_at = $2 WHERE account_id = $1 AND is_default`, method.AccountID, r.now()); err != nil {
			return err
		}
	}

	if method.ID == uuid.Nil {
		method.ID = uuid.New()
	}
	now := r.now()
	method.CreatedAt = now
	method.UpdatedAt = now
	_, err = tx.Exec(ctx, `
		INSERT INTO payment_methods (id, account_id, type, label, fee_percentage, fee_fixed, fee_minimum, is_verified, is_default, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5::numeric, $6, $7, $8, $9, $10, $10)
	`,
		method.ID,
		method.AccountID,
		string(method.Type),
		method.Label,
		method.FeeSchedule.Percentage.String(),
		method.FeeSchedule.Fixed,
		method.FeeSchedule.Minimum,
		method.IsVerified,
		method.IsDefault,
		now,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23503" {
			return fmt.Errorf("%w: %s", domain.ErrAccountNotFound, method.AccountID)
		}
		return fmt.Errorf("failed to insert payment method: %w", err)
	}
	return tx.Commit(ctx)
}

func (r *PostgresRepository) ListPaymentMethods(ctx context.Context, accountID string) ([]domain.PaymentMethod, error) {
	rows, err := r.db.Query(ctx, `
		SELECT `+methodColumns+`
		FROM payment_methods
		WHERE account_id = $1
		ORDER BY is_default DESC, created_at ASC
	`, accountID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]domain.PaymentMethod, 0)
	for rows.Next() {
		method, err := scanPaymentMethod(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *method)
	}
	return out, rows.Err()
}

func (r *PostgresRepository) findPaymentMethod(ctx context.Context, query string, args ...any) (*domain.PaymentMethod, error) {
	method, err := scanPaymentMethod(r.db.QueryRow(ctx, query, args...))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrPaymentMethodNotFound
		}
		return nil, err
	}
	return method, nil
}

func (r *PostgresRepository) FindPaymentMethodByID(ctx context.Context, methodID uuid.UUID) (*domain.PaymentMethod, error) {
	return r.findPaymentMethod(ctx, `SELECT `+methodColumns+` FROM payment_methods WHERE id = $1`, methodID)
}

func (r *PostgresRepository) FindDefaultPaymentMethod(ctx context.Context, accountID string) (*domain.PaymentMethod, error) {
	return r.findPaymentMethod(ctx, `SELECT `+methodColumns+` FROM payment_methods WHERE account_id = $1 AND is_default`, accountID)
}

func (r *PostgresRepository) SetDefaultPaymentMethod(ctx context.Context, accountID string, methodID uuid.UUID) error {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	var owner string
	err = tx.QueryRow(ctx, `SELECT account_id FROM payment_methods WHERE id = $1 FOR UPDATE`, methodID).Scan(&owner)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.ErrPaymentMethodNotFound
		}
		return err
	}
	if owner != accountID {
		return domain.ErrPaymentMethodNotFound
	}

	now := r.now()
	if _, err := tx.Exec(ctx, `UPDATE payment_methods SET is_default = FALSE, updated_at = $3 WHERE account_id = $1 AND is_default AND id <> $2`, accountID, methodID, now); err != nil {
		return err
	}
	if _, err := tx.Exec(ctx, `UPDATE payment_methods SET is_default = TRUE, updated_at = $2 WHERE id = $1`, methodID, now); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

func (r *PostgresRepository) SetPaymentMethodVerified(ctx context.Context, methodID uuid.UUID, verified bool) (*domain.PaymentMethod, error) {
	return r.findPaymentMethod(ctx, `
		UPDATE payment_methods SET is_verified = $2, updated_at = $3
		WHERE id = $1
		RETURNING `+methodColumns,
		methodID, verified, r.now())
}

// progressionTx returns the progression row locked for update, creating it on first use.
func (r *PostgresRepository) progressionTx(ctx context.Context, tx pgx.Tx, accountID string) (*domain.DegreeProgression, error) {
	_, err := tx.Exec(ctx, `INSERT INTO degree_progressions (account_id, updated_at) VALUES ($1, $2) ON CONFLICT (account_id) DO NOTHING`, accountID, r.now())
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23503" {
			return nil, fmt.Errorf("%w: %s", domain.ErrAccountNotFound, accountID)
		}
		return nil, err
	}
	return scanProgression(tx.QueryRow(ctx, `SELECT `+progressionColumns+` FROM degree_progressions WHERE account_id = $1 FOR UPDATE`, accountID))
}

func (r *PostgresRepository) GetProgression(ctx context.Context, accountID string) (*domain.DegreeProgression, error) {
	progression, err := scanProgression(r.db.QueryRow(ctx, `SELECT `+progressionColumns+` FROM degree_progressions WHERE account_id = $1`, accountID))
	if err == nil {
		return progression, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return nil, err
	}
	if err := r.ensureAccount(ctx, accountID); err != nil {
		return nil, err
	}
	return &domain.DegreeProgression{AccountID: accountID}, nil
}

func (r *PostgresRepository) updateProgression(ctx context.Context, accountID string, apply func(tx pgx.Tx, p *domain.DegreeProgression) error) (*domain.DegreeProgression, error) {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	progression, err := r.progressionTx(ctx, tx, accountID)
	if err != nil {
		return nil, err
	}
	if err := apply(tx, progression); err != nil {
		return progression, err
	}
	_, err = tx.Exec(ctx, `
		UPDATE degree_progressions SET
			current_tier = $2,
			total_bacon_earned = $3,
			total_successful_referrals = $4,
			quality_score = $5,
			updated_at = $6
		WHERE account_id = $1
	`,
		progression.AccountID,
		progression.CurrentTier,
		progression.TotalBaconEarned,
		progression.TotalSuccessfulReferrals,
		progression.QualityScore,
		progression.UpdatedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to update progression: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("failed to commit progression: %w", err)
	}
	return progression, nil
}

func (r *PostgresRepository) SetQualityScore(ctx context.Context, accountID string, score float64) (*domain.DegreeProgression, error) {
	return r.updateProgression(ctx, accountID, func(_ pgx.Tx, p *domain.DegreeProgression) error {
		p.QualityScore = score
		p.UpdatedAt = r.now()
		return nil
	})
}

func (r *PostgresRepository) RecordProgressionTotals(ctx context.Context, accountID string, totalBacon, totalReferrals int64) (*domain.DegreeProgression, error) {
	return r.updateProgression(ctx, accountID, func(_ pgx.Tx, p *domain.DegreeProgression) error {
		p.TotalBaconEarned = max(p.TotalBaconEarned, totalBacon)
		p.TotalSuccessfulReferrals = max(p.TotalSuccessfulReferrals, totalReferrals)
		p.UpdatedAt = r.now()
		return nil
	})
}

func (r *PostgresRepository) AdvanceTier(ctx context.Context, advance domain.TierAdvance) (*domain.DegreeProgression, *domain.Transaction, error) {
	var bonus *domain.Transaction
	progression, err := r.updateProgression(ctx, advance.AccountID, func(tx pgx.Tx, p *domain.DegreeProgression) error {
		if p.CurrentTier != advance.FromTier || advance.ToTier <= advance.FromTier {
			return fmt.Errorf("%w: account %s is at tier %d", domain.ErrStatusConflict, advance.AccountID, p.CurrentTier)
		}
		if advance.Bonus != nil {
			entry, err := r.postTx(ctx, tx, *advance.Bonus, advance.At.UTC())
			if err != nil {
				return err
			}
			bonus = entry
		}
		p.CurrentTier = advance.ToTier
		p.TotalBaconEarned = max(p.TotalBaconEarned, advance.TotalBaconEarned)
		p.TotalSuccessfulReferrals = max(p.TotalSuccessfulReferrals, advance.TotalSuccessfulReferrals)
		p.UpdatedAt = advance.At.UTC()
		return nil
	})
	if err != nil {
		return progression, nil, err
	}
	return progression, bonus, nil
}
