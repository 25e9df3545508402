/**
 * @description
 * This file defines the `Repository` interface, which specifies the contract for all
 * data access operations required by the wallet-service. By defining an interface,
 * we decouple the application's business logic from the specific database
 * implementation (PostgreSQL), making the code more modular and easier to test.
 *
 * @dependencies
 * - context, time: Standard Go libraries.
 * - github.com/google/uuid: For UUID handling.
 * - internal/domain: For the service's domain models.
 */

package store

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/bundlehub/wallet-service/internal/domain"
)

var (
	ErrWalletNotFound      = errors.New("wallet not found")
	ErrInsufficientFunds   = errors.New("insufficient funds")
	ErrDuplicateReference  = errors.New("duplicate transaction reference")
	ErrTransactionNotFound = errors.New("transaction not found")
	ErrWithdrawalNotFound  = errors.New("withdrawal not found")
	ErrWithdrawalPending   = errors.New("a withdrawal is already in flight for this store")
	ErrWithdrawalConflict  = errors.New("withdrawal state changed concurrently")
)

// Actor identifies who caused a balance mutation, for the audit log.
type Actor struct {
	Type string // domain.ActorTypeSystem | ActorTypeAdmin | ActorTypeUser
	ID   *uuid.UUID
}

// SystemActor is the actor recorded for mutations driven by the service itself
// (webhook settlement, dispatcher refunds, cron jobs).
var SystemActor = Actor{Type: domain.ActorTypeSystem}

// LedgerParams describes an atomic credit or debit against one wallet.
type LedgerParams struct {
	WalletID  uuid.UUID
	Amount    int64 // always positive; direction comes from the operation
	Reference string
	Type      string // domain.TransactionType*
	Gateway   string
	Metadata  map[string]any
	Actor     Actor
	Reason    string // audit log reason
}

// SettleDepositParams finalizes a claimed pending deposit transaction.
type SettleDepositParams struct {
	Reference    string
	ActualAmount int64 // authoritative amount from the gateway's verify endpoint
	Metadata     map[string]any
}

// FailDepositParams marks a claimed pending deposit as failed without crediting.
type FailDepositParams struct {
	Reference     string
	FailureReason string
	FraudDetected bool
	Metadata      map[string]any
}

// WithdrawalTransition is a conditional state-machine update. The update only
// commits when the withdrawal's current status is one of `From`; otherwise the
// repository returns ErrWithdrawalConflict and the caller treats the action as
// a no-op (first commit wins).
type WithdrawalTransition struct {
	From              []string
	To                string
	Provider          *string
	ProviderReference *string
	FallbackUsed      *bool
	FailureReason     *string
}

// Repository defines the set of methods for interacting with the database.
type Repository interface {
	// Wallet reads
	FindWalletByID(ctx context.Context, walletID uuid.UUID) (*domain.Wallet, error)
	FindWalletByOwner(ctx context.Context, ownerType string, ownerID uuid.UUID) (*domain.Wallet, error)
	FindAdminRole(ctx context.Context, userID uuid.UUID) (string, error)

	// Ledger operations. Each runs as one database transaction that locks the
	// wallet row, enforces reference uniqueness, writes the transaction record
	// and appends exactly one audit entry.
	Credit(ctx context.Context, p LedgerParams) (*domain.Transaction, error)
	Debit(ctx context.Context, p LedgerParams) (*domain.Transaction, error)

	// Deposit pipeline
	CreatePendingDeposit(ctx context.Context, walletID uuid.UUID, amount int64, reference, gateway string, metadata map[string]any) (*domain.Transaction, error)
	ClaimDepositForProcessing(ctx context.Context, reference string) (*domain.Transaction, bool, error)
	ReleaseDepositClaim(ctx context.Context, reference string) error
	SettleDeposit(ctx context.Context, p SettleDepositParams) (*domain.Transaction, error)
	MarkDepositFailed(ctx context.Context, p FailDepositParams) (*domain.Transaction, error)
	FindTransactionByReference(ctx context.Context, reference string) (*domain.Transaction, error)
	PendingDepositReferences(ctx context.Context, olderThan time.Duration, limit int) ([]string, error)

	// Withdrawal pipeline
	CreateWithdrawal(ctx context.Context, w *domain.Withdrawal) (*domain.Withdrawal, error)
	FindWithdrawalByPublicID(ctx context.Context, withdrawalID string) (*domain.Withdrawal, error)
	ListWithdrawalsByStore(ctx context.Context, storeID uuid.UUID, limit, offset int) ([]domain.Withdrawal, error)
	ListWithdrawalsByStatus(ctx context.Context, statuses []string, limit int) ([]domain.Withdrawal, error)
	CountQueuedWithdrawals(ctx context.Context) (int, error)
	ClaimNextQueuedWithdrawal(ctx context.Context) (*domain.Withdrawal, error)
	TransitionWithdrawal(ctx context.Context, id uuid.UUID, t WithdrawalTransition) (*domain.Withdrawal, error)
	CompleteWithdrawal(ctx context.Context, id uuid.UUID, providerReference string, actor Actor) (*domain.Withdrawal, error)
	FailWithdrawalAndRefund(ctx context.Context, id uuid.UUID, toStatus, reason string, actor Actor) (*domain.Withdrawal, error)
	StuckWithdrawals(ctx context.Context, olderThan time.Duration) ([]domain.StuckWithdrawal, error)

	// Audit reads (write paths are internal to the mutation methods above)
	ListAuditEntriesByWallet(ctx context.Context, walletID uuid.UUID, limit, offset int) ([]domain.AuditLogEntry, error)
}
