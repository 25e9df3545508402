/**
 * @description
 * This file provides the PostgreSQL implementation of the `Repository` interface.
 * It contains all the SQL needed to interact with the wallets, transactions,
 * withdrawals and audit_log tables.
 *
 * Every balance mutation runs as a single database transaction that locks the
 * wallet row with SELECT ... FOR UPDATE, so the balance read used for validation
 * and the write that follows it are one atomic step. The withdrawal state machine
 * and the deposit `processing` claim are expressed as conditional UPDATEs whose
 * WHERE clause encodes the allowed prior state; zero affected rows means another
 * actor won the race.
 *
 * @dependencies
 * - context, encoding/json, errors, fmt, strings, time: Standard Go libraries.
 * - github.com/jackc/pgx/v5: The PostgreSQL driver for database operations.
 * - internal/domain: Contains the domain models used for data transfer.
 */

package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/bundlehub/wallet-service/internal/domain"
)

const uniqueViolationCode = "23505"

// PostgresRepository is a concrete implementation of the Repository interface for PostgreSQL.
type PostgresRepository struct {
	db *pgxpool.Pool
}

// NewPostgresRepository creates a new instance of PostgresRepository.
func NewPostgresRepository(db *pgxpool.Pool) *PostgresRepository {
	return &PostgresRepository{db: db}
}

const walletColumns = `id, owner_type, owner_id, owner_name, momo_number, available_balance, pending_balance, total_earnings, total_withdrawn, created_at, updated_at`

func scanWallet(row pgx.Row) (*domain.Wallet, error) {
	var w domain.Wallet
	err := row.Scan(
		&w.ID, &w.OwnerType, &w.OwnerID, &w.OwnerName, &w.MomoNumber,
		&w.AvailableBalance, &w.PendingBalance, &w.TotalEarnings, &w.TotalWithdrawn,
		&w.CreatedAt, &w.UpdatedAt,
	)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, ErrWalletNotFound
		}
		return nil, err
	}
	return &w, nil
}

// FindWalletByID retrieves a wallet by its primary key.
func (r *PostgresRepository) FindWalletByID(ctx context.Context, walletID uuid.UUID) (*domain.Wallet, error) {
	query := `SELECT ` + walletColumns + ` FROM wallets WHERE id = $1`
	return scanWallet(r.db.QueryRow(ctx, query, walletID))
}

// FindWalletByOwner retrieves the wallet owned by a user or agent store.
func (r *PostgresRepository) FindWalletByOwner(ctx context.Context, ownerType string, ownerID uuid.UUID) (*domain.Wallet, error) {
	query := `SELECT ` + walletColumns + ` FROM wallets WHERE owner_type = $1 AND owner_id = $2`
	return scanWallet(r.db.QueryRow(ctx, query, ownerType, ownerID))
}

// FindAdminRole returns the persisted role for a user. Admin actions re-derive
// the role from this row at call time instead of trusting token claims.
func (r *PostgresRepository) FindAdminRole(ctx context.Context, userID uuid.UUID) (string, error) {
	var role string
	err := r.db.QueryRow(ctx, `SELECT role FROM users WHERE id = $1`, userID).Scan(&role)
	if err != nil {
		if err == pgx.ErrNoRows {
			return "", ErrWalletNotFound
		}
		return "", err
	}
	return role, nil
}

const transactionColumns = `id, wallet_id, type, amount, balance_before, balance_after, status, reference, gateway, metadata, processing, failure_reason, created_at, updated_at`

func scanTransaction(row pgx.Row) (*domain.Transaction, error) {
	var t domain.Transaction
	var metadata []byte
	err := row.Scan(
		&t.ID, &t.WalletID, &t.Type, &t.Amount, &t.BalanceBefore, &t.BalanceAfter,
		&t.Status, &t.Reference, &t.Gateway, &metadata, &t.Processing, &t.FailureReason,
		&t.CreatedAt, &t.UpdatedAt,
	)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, ErrTransactionNotFound
		}
		return nil, err
	}
	if len(metadata) > 0 {
		if err := json.Unmarshal(metadata, &t.Metadata); err != nil {
			return nil, fmt.Errorf("decode transaction metadata: %w", err)
		}
	}
	return &t, nil
}

func marshalMetadata(m map[string]any) ([]byte, error) {
	if m == nil {
		m = map[string]any{}
	}
	return json.Marshal(m)
}

func mergeMetadata(existing map[string]any, extra map[string]any) map[string]any {
	if existing == nil {
		existing = map[string]any{}
	}
	for k, v := range extra {
		existing[k] = v
	}
	return existing
}

func appendAudit(ctx context.Context, tx pgx.Tx, actor Actor, walletID uuid.UUID, before, after int64, reason string, transactionID, withdrawalID *uuid.UUID) error {
	_, err := tx.Exec(ctx, `
		INSERT INTO audit_log (id, actor_type, actor_id, wallet_id, balance_before, balance_after, reason, transaction_id, withdrawal_id, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, NOW())
	`, uuid.New(), actor.Type, actor.ID, walletID, before, after, reason, transactionID, withdrawalID)
	return err
}

func referenceInUse(ctx context.Context, tx pgx.Tx, reference string) (bool, error) {
	var exists bool
	err := tx.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM transactions WHERE reference = $1 AND status <> 'failed')`,
		reference,
	).Scan(&exists)
	return exists, err
}

// Credit atomically increases a wallet's available balance and records the
// paired ledger transaction and audit entry.
func (r *PostgresRepository) Credit(ctx context.Context, p LedgerParams) (*domain.Transaction, error) {
	return r.applyLedger(ctx, p, +1)
}

// Debit atomically decreases a wallet's available balance. The balance read is
// taken inside the same transaction as the write, so two debits racing on one
// wallet serialize on the row lock and the loser sees the updated balance.
func (r *PostgresRepository) Debit(ctx context.Context, p LedgerParams) (*domain.Transaction, error) {
	return r.applyLedger(ctx, p, -1)
}

func (r *PostgresRepository) applyLedger(ctx context.Context, p LedgerParams, direction int64) (*domain.Transaction, error) {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	var before int64
	err = tx.QueryRow(ctx, `SELECT available_balance FROM wallets WHERE id = $1 FOR UPDATE`, p.WalletID).Scan(&before)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, ErrWalletNotFound
		}
		return nil, err
	}

	inUse, err := referenceInUse(ctx, tx, p.Reference)
	if err != nil {
		return nil, err
	}
	if inUse {
		return nil, ErrDuplicateReference
	}

	if direction < 0 && before < p.Amount {
		return nil, ErrInsufficientFunds
	}
	after := before + direction*p.Amount

	metadata, err := marshalMetadata(p.Metadata)
	if err != nil {
		return nil, err
	}

	record := &domain.Transaction{
		ID:            uuid.New(),
		WalletID:      p.WalletID,
		Type:          p.Type,
		Amount:        p.Amount,
		BalanceBefore: before,
		BalanceAfter:  after,
		Status:        domain.TransactionStatusCompleted,
		Reference:     p.Reference,
		Gateway:       p.Gateway,
		Metadata:      p.Metadata,
	}
	err = tx.QueryRow(ctx, `
		INSERT INTO transactions (id, wallet_id, type, amount, balance_before, balance_after, status, reference, gateway, metadata, processing, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, false, NOW(), NOW())
		RETURNING created_at, updated_at
	`, record.ID, record.WalletID, record.Type, record.Amount, before, after, record.Status, record.Reference, record.Gateway, metadata).
		Scan(&record.CreatedAt, &record.UpdatedAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolationCode {
			return nil, ErrDuplicateReference
		}
		return nil, err
	}

	earnings := int64(0)
	if direction > 0 && (p.Type == domain.TransactionTypeDeposit || p.Type == domain.TransactionTypePurchase) {
		earnings = p.Amount
	}
	_, err = tx.Exec(ctx, `
		UPDATE wallets
		SET available_balance = $1, total_earnings = total_earnings + $2, updated_at = NOW()
		WHERE id = $3
	`, after, earnings, p.WalletID)
	if err != nil {
		return nil, err
	}

	if err := appendAudit(ctx, tx, p.Actor, p.WalletID, before, after, p.Reason, &record.ID, nil); err != nil {
		return nil, err
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	return record, nil
}

// CreatePendingDeposit inserts the pending ledger record for a deposit that has
// been initialized with the gateway. Balance fields are filled in at settlement.
func (r *PostgresRepository) CreatePendingDeposit(ctx context.Context, walletID uuid.UUID, amount int64, reference, gateway string, metadata map[string]any) (*domain.Transaction, error) {
	raw, err := marshalMetadata(metadata)
	if err != nil {
		return nil, err
	}
	record := &domain.Transaction{
		ID:        uuid.New(),
		WalletID:  walletID,
		Type:      domain.TransactionTypeDeposit,
		Amount:    amount,
		Status:    domain.TransactionStatusPending,
		Reference: reference,
		Gateway:   gateway,
		Metadata:  metadata,
	}
	err = r.db.QueryRow(ctx, `
		INSERT INTO transactions (id, wallet_id, type, amount, balance_before, balance_after, status, reference, gateway, metadata, processing, created_at, updated_at)
		VALUES ($1, $2, $3, $4, 0, 0, $5, $6, $7, $8, false, NOW(), NOW())
		RETURNING created_at, updated_at
	`, record.ID, walletID, record.Type, amount, record.Status, reference, gateway, raw).
		Scan(&record.CreatedAt, &record.UpdatedAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolationCode {
			return nil, ErrDuplicateReference
		}
		return nil, err
	}
	return record, nil
}

// ClaimDepositForProcessing is the single concurrency gate for deposit
// settlement: the CAS succeeds only while the transaction is pending and
// unclaimed. When the claim is lost the existing record is returned so callers
// can hand back the prior result without reprocessing.
func (r *PostgresRepository) ClaimDepositForProcessing(ctx context.Context, reference string) (*domain.Transaction, bool, error) {
	row := r.db.QueryRow(ctx, `
		UPDATE transactions
		SET processing = true, updated_at = NOW()
		WHERE reference = $1 AND status = 'pending' AND processing = false
		RETURNING `+transactionColumns,
		reference,
	)
	record, err := scanTransaction(row)
	if err == nil {
		return record, true, nil
	}
	if !errors.Is(err, ErrTransactionNotFound) {
		return nil, false, err
	}

	existing, err := r.FindTransactionByReference(ctx, reference)
	if err != nil {
		return nil, false, err
	}
	return existing, false, nil
}

// ReleaseDepositClaim drops the processing flag so a later poll can retry a
// deposit that the gateway still reports as pending.
func (r *PostgresRepository) ReleaseDepositClaim(ctx context.Context, reference string) error {
	tag, err := r.db.Exec(ctx, `
		UPDATE transactions SET processing = false, updated_at = NOW()
		WHERE reference = $1 AND status = 'pending' AND processing = true
	`, reference)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrTransactionNotFound
	}
	return nil
}

// SettleDeposit flips a claimed pending deposit to completed and credits the
// wallet, all in one database transaction.
func (r *PostgresRepository) SettleDeposit(ctx context.Context, p SettleDepositParams) (*domain.Transaction, error) {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	pending, err := scanTransaction(tx.QueryRow(ctx,
		`SELECT `+transactionColumns+` FROM transactions WHERE reference = $1 FOR UPDATE`, p.Reference))
	if err != nil {
		return nil, err
	}
	if pending.Status == domain.TransactionStatusCompleted {
		// Already settled by a concurrent caller; idempotent no-op.
		return pending, nil
	}
	if pending.Status != domain.TransactionStatusPending {
		return nil, fmt.Errorf("deposit %s is %s and cannot be settled", p.Reference, pending.Status)
	}

	var before int64
	err = tx.QueryRow(ctx, `SELECT available_balance FROM wallets WHERE id = $1 FOR UPDATE`, pending.WalletID).Scan(&before)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, ErrWalletNotFound
		}
		return nil, err
	}
	after := before + pending.Amount

	merged := mergeMetadata(pending.Metadata, p.Metadata)
	merged["amount_paid"] = p.ActualAmount
	raw, err := marshalMetadata(merged)
	if err != nil {
		return nil, err
	}

	settled, err := scanTransaction(tx.QueryRow(ctx, `
		UPDATE transactions
		SET status = 'completed', processing = false, balance_before = $1, balance_after = $2, metadata = $3, updated_at = NOW()
		WHERE reference = $4 AND status = 'pending'
		RETURNING `+transactionColumns,
		before, after, raw, p.Reference,
	))
	if err != nil {
		return nil, err
	}

	_, err = tx.Exec(ctx, `
		UPDATE wallets
		SET available_balance = $1, total_earnings = total_earnings + $2, updated_at = NOW()
		WHERE id = $3
	`, after, pending.Amount, pending.WalletID)
	if err != nil {
		return nil, err
	}

	reason := fmt.Sprintf("deposit %s settled", p.Reference)
	if err := appendAudit(ctx, tx, SystemActor, pending.WalletID, before, after, reason, &settled.ID, nil); err != nil {
		return nil, err
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	return settled, nil
}

// MarkDepositFailed terminates a claimed pending deposit with no credit.
func (r *PostgresRepository) MarkDepositFailed(ctx context.Context, p FailDepositParams) (*domain.Transaction, error) {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	pending, err := scanTransaction(tx.QueryRow(ctx,
		`SELECT `+transactionColumns+` FROM transactions WHERE reference = $1 FOR UPDATE`, p.Reference))
	if err != nil {
		return nil, err
	}
	if pending.Status != domain.TransactionStatusPending {
		return pending, nil
	}

	merged := mergeMetadata(pending.Metadata, p.Metadata)
	if p.FraudDetected {
		merged["fraud_detected"] = true
	}
	raw, err := marshalMetadata(merged)
	if err != nil {
		return nil, err
	}

	failed, err := scanTransaction(tx.QueryRow(ctx, `
		UPDATE transactions
		SET status = 'failed', processing = false, failure_reason = $1, metadata = $2, updated_at = NOW()
		WHERE reference = $3 AND status = 'pending'
		RETURNING `+transactionColumns,
		p.FailureReason, raw, p.Reference,
	))
	if err != nil {
		return nil, err
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	return failed, nil
}

// FindTransactionByReference retrieves a ledger record by its idempotency key.
func (r *PostgresRepository) FindTransactionByReference(ctx context.Context, reference string) (*domain.Transaction, error) {
	return scanTransaction(r.db.QueryRow(ctx,
		`SELECT `+transactionColumns+` FROM transactions WHERE reference = $1`, reference))
}

// PendingDepositReferences lists unclaimed pending deposits older than the
// given age, for the auto-refresh job.
func (r *PostgresRepository) PendingDepositReferences(ctx context.Context, olderThan time.Duration, limit int) ([]string, error) {
	rows, err := r.db.Query(ctx, `
		SELECT reference FROM transactions
		WHERE type = 'deposit' AND status = 'pending' AND processing = false
		  AND created_at < NOW() - ($1 * INTERVAL '1 second')
		ORDER BY created_at ASC
		LIMIT $2
	`, int64(olderThan.Seconds()), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var refs []string
	for rows.Next() {
		var ref string
		if err := rows.Scan(&ref); err != nil {
			return nil, err
		}
		refs = append(refs, ref)
	}
	return refs, rows.Err()
}

const withdrawalColumns = `id, withdrawal_id, store_id, wallet_id, requested_amount, fee, net_amount, momo_number, momo_network, momo_name, status, provider, provider_reference, preferred_provider, fallback_used, queue_position, failure_reason, created_at, completed_at, updated_at`

func scanWithdrawal(row pgx.Row) (*domain.Withdrawal, error) {
	var w domain.Withdrawal
	err := row.Scan(
		&w.ID, &w.WithdrawalID, &w.StoreID, &w.WalletID,
		&w.RequestedAmount, &w.Fee, &w.NetAmount,
		&w.MomoNumber, &w.MomoNetwork, &w.MomoName,
		&w.Status, &w.Provider, &w.ProviderReference, &w.PreferredProvider, &w.FallbackUsed, &w.QueuePosition,
		&w.FailureReason, &w.CreatedAt, &w.CompletedAt, &w.UpdatedAt,
	)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, ErrWithdrawalNotFound
		}
		return nil, err
	}
	return &w, nil
}

// CreateWithdrawal reserves the requested amount and creates the withdrawal
// record atomically. The wallet row lock serializes concurrent requests for
// the same store, so the balance check, the single-in-flight check and the
// debit cannot interleave with another request.
func (r *PostgresRepository) CreateWithdrawal(ctx context.Context, w *domain.Withdrawal) (*domain.Withdrawal, error) {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	var before int64
	err = tx.QueryRow(ctx, `SELECT available_balance FROM wallets WHERE id = $1 FOR UPDATE`, w.WalletID).Scan(&before)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, ErrWalletNotFound
		}
		return nil, err
	}
	if before < w.RequestedAmount {
		return nil, ErrInsufficientFunds
	}

	var inFlight bool
	err = tx.QueryRow(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM withdrawals
			WHERE store_id = $1 AND status = ANY($2)
		)`, w.StoreID, domain.NonTerminalWithdrawalStatuses).Scan(&inFlight)
	if err != nil {
		return nil, err
	}
	if inFlight {
		return nil, ErrWithdrawalPending
	}

	after := before - w.RequestedAmount

	err = tx.QueryRow(ctx, `
		INSERT INTO withdrawals (id, withdrawal_id, store_id, wallet_id, requested_amount, fee, net_amount, momo_number, momo_network, momo_name, status, preferred_provider, fallback_used, queue_position, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, false, $13, NOW(), NOW())
		RETURNING created_at, updated_at
	`, w.ID, w.WithdrawalID, w.StoreID, w.WalletID, w.RequestedAmount, w.Fee, w.NetAmount,
		w.MomoNumber, w.MomoNetwork, w.MomoName, w.Status, w.PreferredProvider, w.QueuePosition).
		Scan(&w.CreatedAt, &w.UpdatedAt)
	if err != nil {
		return nil, err
	}

	txID := uuid.New()
	metadata, err := marshalMetadata(map[string]any{
		"withdrawal_id": w.WithdrawalID,
		"fee":           w.Fee,
		"net_amount":    w.NetAmount,
	})
	if err != nil {
		return nil, err
	}
	_, err = tx.Exec(ctx, `
		INSERT INTO transactions (id, wallet_id, type, amount, balance_before, balance_after, status, reference, gateway, metadata, processing, created_at, updated_at)
		VALUES ($1, $2, 'withdrawal', $3, $4, $5, 'completed', $6, '', $7, false, NOW(), NOW())
	`, txID, w.WalletID, w.RequestedAmount, before, after, "WDR-"+w.WithdrawalID, metadata)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolationCode {
			return nil, ErrDuplicateReference
		}
		return nil, err
	}

	_, err = tx.Exec(ctx, `
		UPDATE wallets
		SET available_balance = $1, pending_balance = pending_balance + $2, updated_at = NOW()
		WHERE id = $3
	`, after, w.RequestedAmount, w.WalletID)
	if err != nil {
		return nil, err
	}

	actor := Actor{Type: domain.ActorTypeUser, ID: &w.StoreID}
	reason := fmt.Sprintf("withdrawal %s reserved", w.WithdrawalID)
	if err := appendAudit(ctx, tx, actor, w.WalletID, before, after, reason, &txID, &w.ID); err != nil {
		return nil, err
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	return w, nil
}

// FindWithdrawalByPublicID retrieves a withdrawal by its client-facing identifier.
func (r *PostgresRepository) FindWithdrawalByPublicID(ctx context.Context, withdrawalID string) (*domain.Withdrawal, error) {
	return scanWithdrawal(r.db.QueryRow(ctx,
		`SELECT `+withdrawalColumns+` FROM withdrawals WHERE withdrawal_id = $1`, withdrawalID))
}

// ListWithdrawalsByStore returns a store's withdrawals, newest first.
func (r *PostgresRepository) ListWithdrawalsByStore(ctx context.Context, storeID uuid.UUID, limit, offset int) ([]domain.Withdrawal, error) {
	rows, err := r.db.Query(ctx, `
		SELECT `+withdrawalColumns+` FROM withdrawals
		WHERE store_id = $1
		ORDER BY created_at DESC
		LIMIT $2 OFFSET $3
	`, storeID, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectWithdrawals(rows)
}

// ListWithdrawalsByStatus returns withdrawals in any of the given statuses,
// oldest first (dispatch and polling order).
func (r *PostgresRepository) ListWithdrawalsByStatus(ctx context.Context, statuses []string, limit int) ([]domain.Withdrawal, error) {
	rows, err := r.db.Query(ctx, `
		SELECT `+withdrawalColumns+` FROM withdrawals
		WHERE status = ANY($1)
		ORDER BY created_at ASC
		LIMIT $2
	`, statuses, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectWithdrawals(rows)
}

func collectWithdrawals(rows pgx.Rows) ([]domain.Withdrawal, error) {
	var result []domain.Withdrawal
	for rows.Next() {
		w, err := scanWithdrawal(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, *w)
	}
	return result, rows.Err()
}

// CountQueuedWithdrawals reports the current dispatch backlog.
func (r *PostgresRepository) CountQueuedWithdrawals(ctx context.Context) (int, error) {
	var count int
	err := r.db.QueryRow(ctx,
		`SELECT COUNT(*) FROM withdrawals WHERE status IN ('pending', 'queued')`).Scan(&count)
	return count, err
}

// ClaimNextQueuedWithdrawal pops the oldest dispatchable withdrawal and moves
// it to processing. FOR UPDATE SKIP LOCKED lets multiple dispatcher instances
// drain the queue without double-claiming. Returns (nil, nil) on an empty queue.
func (r *PostgresRepository) ClaimNextQueuedWithdrawal(ctx context.Context) (*domain.Withdrawal, error) {
	row := r.db.QueryRow(ctx, `
		UPDATE withdrawals
		SET status = 'processing', updated_at = NOW()
		WHERE id = (
			SELECT id FROM withdrawals
			WHERE status IN ('pending', 'queued')
			ORDER BY created_at ASC
			LIMIT 1
			FOR UPDATE SKIP LOCKED
		)
		RETURNING ` + withdrawalColumns)
	w, err := scanWithdrawal(row)
	if errors.Is(err, ErrWithdrawalNotFound) {
		return nil, nil
	}
	return w, err
}

// TransitionWithdrawal applies a conditional state-machine update. Racing
// transitions resolve by first commit wins: the loser gets ErrWithdrawalConflict.
func (r *PostgresRepository) TransitionWithdrawal(ctx context.Context, id uuid.UUID, t WithdrawalTransition) (*domain.Withdrawal, error) {
	sets := []string{"status = $1", "updated_at = NOW()"}
	args := []any{t.To}
	if t.Provider != nil {
		args = append(args, *t.Provider)
		sets = append(sets, fmt.Sprintf("provider = $%d", len(args)))
	}
	if t.ProviderReference != nil {
		args = append(args, *t.ProviderReference)
		sets = append(sets, fmt.Sprintf("provider_reference = $%d", len(args)))
	}
	if t.FallbackUsed != nil {
		args = append(args, *t.FallbackUsed)
		sets = append(sets, fmt.Sprintf("fallback_used = $%d", len(args)))
	}
	if t.FailureReason != nil {
		args = append(args, *t.FailureReason)
		sets = append(sets, fmt.Sprintf("failure_reason = $%d", len(args)))
	}
	args = append(args, id)
	idArg := len(args)
	args = append(args, t.From)
	fromArg := len(args)

	query := fmt.Sprintf(`
		UPDATE withdrawals SET %s
		WHERE id = $%d AND status = ANY($%d)
		RETURNING %s`, strings.Join(sets, ", "), idArg, fromArg, withdrawalColumns)

	w, err := scanWithdrawal(r.db.QueryRow(ctx, query, args...))
	if err == nil {
		return w, nil
	}
	if !errors.Is(err, ErrWithdrawalNotFound) {
		return nil, err
	}

	// Distinguish a missing row from a lost race.
	var exists bool
	if checkErr := r.db.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM withdrawals WHERE id = $1)`, id).Scan(&exists); checkErr != nil {
		return nil, checkErr
	}
	if exists {
		return nil, ErrWithdrawalConflict
	}
	return nil, ErrWithdrawalNotFound
}

// CompleteWithdrawal marks a dispatched withdrawal as settled by the provider.
// The available balance was already debited at reservation time; completion
// releases the pending hold and counts the amount as withdrawn.
func (r *PostgresRepository) CompleteWithdrawal(ctx context.Context, id uuid.UUID, providerReference string, actor Actor) (*domain.Withdrawal, error) {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	w, err := scanWithdrawal(tx.QueryRow(ctx, `
		UPDATE withdrawals
		SET status = 'completed', provider_reference = COALESCE(NULLIF($1, ''), provider_reference), completed_at = NOW(), updated_at = NOW()
		WHERE id = $2 AND status = ANY($3)
		RETURNING `+withdrawalColumns,
		providerReference, id, domain.NonTerminalWithdrawalStatuses,
	))
	if err != nil {
		if errors.Is(err, ErrWithdrawalNotFound) {
			return nil, r.conflictOrMissing(ctx, id)
		}
		return nil, err
	}

	var balance int64
	err = tx.QueryRow(ctx, `SELECT available_balance FROM wallets WHERE id = $1 FOR UPDATE`, w.WalletID).Scan(&balance)
	if err != nil {
		return nil, err
	}

	_, err = tx.Exec(ctx, `
		UPDATE wallets
		SET pending_balance = pending_balance - $1, total_withdrawn = total_withdrawn + $1, updated_at = NOW()
		WHERE id = $2
	`, w.RequestedAmount, w.WalletID)
	if err != nil {
		return nil, err
	}

	reason := fmt.Sprintf("withdrawal %s completed", w.WithdrawalID)
	if err := appendAudit(ctx, tx, actor, w.WalletID, balance, balance, reason, nil, &w.ID); err != nil {
		return nil, err
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	return w, nil
}

// FailWithdrawalAndRefund moves a withdrawal to a terminal failure state and
// applies the compensating credit in the same database transaction, so a
// failed/rejected/cancelled withdrawal can never leave the balance short.
func (r *PostgresRepository) FailWithdrawalAndRefund(ctx context.Context, id uuid.UUID, toStatus, reason string, actor Actor) (*domain.Withdrawal, error) {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	w, err := scanWithdrawal(tx.QueryRow(ctx, `
		UPDATE withdrawals
		SET status = $1, failure_reason = $2, completed_at = NOW(), updated_at = NOW()
		WHERE id = $3 AND status = ANY($4)
		RETURNING `+withdrawalColumns,
		toStatus, reason, id, domain.NonTerminalWithdrawalStatuses,
	))
	if err != nil {
		if errors.Is(err, ErrWithdrawalNotFound) {
			return nil, r.conflictOrMissing(ctx, id)
		}
		return nil, err
	}

	var before int64
	err = tx.QueryRow(ctx, `SELECT available_balance FROM wallets WHERE id = $1 FOR UPDATE`, w.WalletID).Scan(&before)
	if err != nil {
		return nil, err
	}
	after := before + w.RequestedAmount

	refundID := uuid.New()
	metadata, err := marshalMetadata(map[string]any{
		"withdrawal_id": w.WithdrawalID,
		"refund_for":    toStatus,
		"reason":        reason,
	})
	if err != nil {
		return nil, err
	}
	_, err = tx.Exec(ctx, `
		INSERT INTO transactions (id, wallet_id, type, amount, balance_before, balance_after, status, reference, gateway, metadata, processing, created_at, updated_at)
		VALUES ($1, $2, 'adjustment', $3, $4, $5, 'completed', $6, '', $7, false, NOW(), NOW())
	`, refundID, w.WalletID, w.RequestedAmount, before, after, "RFD-"+w.WithdrawalID, metadata)
	if err != nil {
		return nil, err
	}

	_, err = tx.Exec(ctx, `
		UPDATE wallets
		SET available_balance = $1, pending_balance = pending_balance - $2, updated_at = NOW()
		WHERE id = $3
	`, after, w.RequestedAmount, w.WalletID)
	if err != nil {
		return nil, err
	}

	auditReason := fmt.Sprintf("withdrawal %s %s: %s", w.WithdrawalID, toStatus, reason)
	if err := appendAudit(ctx, tx, actor, w.WalletID, before, after, auditReason, &refundID, &w.ID); err != nil {
		return nil, err
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	return w, nil
}

func (r *PostgresRepository) conflictOrMissing(ctx context.Context, id uuid.UUID) error {
	var exists bool
	if err := r.db.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM withdrawals WHERE id = $1)`, id).Scan(&exists); err != nil {
		return err
	}
	if exists {
		return ErrWithdrawalConflict
	}
	return ErrWithdrawalNotFound
}

// StuckWithdrawals surfaces non-terminal withdrawals older than the threshold
// for operator attention. It never mutates state.
func (r *PostgresRepository) StuckWithdrawals(ctx context.Context, olderThan time.Duration) ([]domain.StuckWithdrawal, error) {
	rows, err := r.db.Query(ctx, `
		SELECT `+withdrawalColumns+` FROM withdrawals
		WHERE status IN ('queued', 'processing', 'polling')
		  AND created_at < NOW() - ($1 * INTERVAL '1 second')
		ORDER BY created_at ASC
	`, int64(olderThan.Seconds()))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	withdrawals, err := collectWithdrawals(rows)
	if err != nil {
		return nil, err
	}

	now := time.Now()
	stuck := make([]domain.StuckWithdrawal, 0, len(withdrawals))
	for _, w := range withdrawals {
		stuck = append(stuck, domain.StuckWithdrawal{Withdrawal: w, Age: now.Sub(w.CreatedAt)})
	}
	return stuck, nil
}

// ListAuditEntriesByWallet returns audit entries for a wallet, newest first.
func (r *PostgresRepository) ListAuditEntriesByWallet(ctx context.Context, walletID uuid.UUID, limit, offset int) ([]domain.AuditLogEntry, error) {
	rows, err := r.db.Query(ctx, `
		SELECT id, actor_type, actor_id, wallet_id, balance_before, balance_after, reason, transaction_id, withdrawal_id, created_at
		FROM audit_log
		WHERE wallet_id = $1
		ORDER BY created_at DESC
		LIMIT $2 OFFSET $3
	`, walletID, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []domain.AuditLogEntry
	for rows.Next() {
		var e domain.AuditLogEntry
		if err := rows.Scan(&e.ID, &e.ActorType, &e.ActorID, &e.WalletID, &e.BalanceBefore, &e.BalanceAfter, &e.Reason, &e.TransactionID, &e.WithdrawalID, &e.CreatedAt); err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}
