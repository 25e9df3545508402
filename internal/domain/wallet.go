/**
 * @description
 * This file defines the core domain models for the wallet-service. These structs
 * represent the main entities and data transfer objects (DTOs) used throughout the
 * service's business logic, database interactions, and API layers.
 *
 * @notes
 * - Amounts are stored as `int64` to represent the value in the smallest currency
 *   unit (pesewas), which avoids floating-point inaccuracies with financial data.
 * - Fee rates are expressed in basis points (1% = 100 bp) so fee arithmetic stays
 *   integral end to end.
 */

package domain

import (
	"time"

	"github.com/google/uuid"
)

// Wallet owner types.
const (
	OwnerTypeUser  = "user"
	OwnerTypeStore = "store"
)

// Transaction types.
const (
	TransactionTypeDeposit    = "deposit"
	TransactionTypePurchase   = "purchase"
	TransactionTypeWithdrawal = "withdrawal"
	TransactionTypeAdjustment = "adjustment"
)

// Transaction statuses.
const (
	TransactionStatusPending   = "pending"
	TransactionStatusCompleted = "completed"
	TransactionStatusFailed    = "failed"
)

// Withdrawal statuses. A withdrawal is terminal once it reaches completed,
// failed, rejected or cancelled; every other status is in flight.
const (
	WithdrawalStatusPending    = "pending"
	WithdrawalStatusQueued     = "queued"
	WithdrawalStatusProcessing = "processing"
	WithdrawalStatusPolling    = "polling"
	WithdrawalStatusCompleted  = "completed"
	WithdrawalStatusFailed     = "failed"
	WithdrawalStatusRejected   = "rejected"
	WithdrawalStatusCancelled  = "cancelled"
)

// NonTerminalWithdrawalStatuses is the set of statuses a dispatcher or admin
// action may still transition away from.
var NonTerminalWithdrawalStatuses = []string{
	WithdrawalStatusPending,
	WithdrawalStatusQueued,
	WithdrawalStatusProcessing,
	WithdrawalStatusPolling,
}

// IsTerminalWithdrawalStatus reports whether a withdrawal status is final.
func IsTerminalWithdrawalStatus(status string) bool {
	switch status {
	case WithdrawalStatusCompleted, WithdrawalStatusFailed, WithdrawalStatusRejected, WithdrawalStatusCancelled:
		return true
	}
	return false
}

// Audit actor types.
const (
	ActorTypeSystem = "system"
	ActorTypeAdmin  = "admin"
	ActorTypeUser   = "user"
)

// Wallet represents the monetary balance held by a user or an agent store.
// Balances are never mutated directly: every change flows through a repository
// operation that records a paired Transaction and audit entry atomically.
type Wallet struct {
	ID               uuid.UUID `json:"id"`
	OwnerType        string    `json:"owner_type"`
	OwnerID          uuid.UUID `json:"owner_id"`
	OwnerName        string    `json:"owner_name"`
	MomoNumber       *string   `json:"momo_number,omitempty"`
	AvailableBalance int64     `json:"available_balance"` // in pesewas
	PendingBalance   int64     `json:"pending_balance"`   // reserved by in-flight withdrawals
	TotalEarnings    int64     `json:"total_earnings"`
	TotalWithdrawn   int64     `json:"total_withdrawn"`
	CreatedAt        time.Time `json:"created_at"`
	UpdatedAt        time.Time `json:"updated_at"`
}

// Transaction is the immutable ledger record for any balance-affecting event.
// `Reference` is globally unique and acts as the idempotency key: reprocessing
// a reference that already completed must be a no-op returning this record.
type Transaction struct {
	ID            uuid.UUID      `json:"id"`
	WalletID      uuid.UUID      `json:"wallet_id"`
	Type          string         `json:"type"`
	Amount        int64          `json:"amount"` // in pesewas
	BalanceBefore int64          `json:"balance_before"`
	BalanceAfter  int64          `json:"balance_after"`
	Status        string         `json:"status"`
	Reference     string         `json:"reference"`
	Gateway       string         `json:"gateway,omitempty"`
	Metadata      map[string]any `json:"metadata,omitempty"`
	Processing    bool           `json:"-"`
	FailureReason *string        `json:"failure_reason,omitempty"`
	CreatedAt     time.Time      `json:"created_at"`
	UpdatedAt     time.Time      `json:"updated_at"`
}

// FraudDetected reports whether the deposit verifier flagged this transaction
// during amount verification.
func (t *Transaction) FraudDetected() bool {
	if t.Metadata == nil {
		return false
	}
	flagged, _ := t.Metadata["fraud_detected"].(bool)
	return flagged
}

// Withdrawal represents a payout intent against a store wallet. The reserved
// amount is debited from the wallet at creation time, so a terminal failure
// always carries a compensating credit.
type Withdrawal struct {
	ID                uuid.UUID  `json:"-"`
	WithdrawalID      string     `json:"withdrawal_id"` // public identifier, e.g. WD-1a2b3c
	StoreID           uuid.UUID  `json:"store_id"`
	WalletID          uuid.UUID  `json:"-"`
	RequestedAmount   int64      `json:"requested_amount"` // in pesewas
	Fee               int64      `json:"fee"`
	NetAmount         int64      `json:"net_amount"`
	MomoNumber        string     `json:"momo_number"`
	MomoNetwork       string     `json:"momo_network"`
	MomoName          string     `json:"momo_name"`
	Status            string     `json:"status"`
	Provider          *string    `json:"provider,omitempty"`
	ProviderReference *string    `json:"provider_reference,omitempty"`
	PreferredProvider *string    `json:"preferred_provider,omitempty"`
	FallbackUsed      bool       `json:"fallback_used"`
	QueuePosition     int        `json:"queue_position,omitempty"`
	FailureReason     *string    `json:"failure_reason,omitempty"`
	CreatedAt         time.Time  `json:"created_at"`
	CompletedAt       *time.Time `json:"completed_at,omitempty"`
	UpdatedAt         time.Time  `json:"updated_at"`
}

// AuditLogEntry is an append-only record of a balance mutation, with the actor
// responsible and before/after values. Entries are never updated or deleted.
type AuditLogEntry struct {
	ID            uuid.UUID  `json:"id"`
	ActorType     string     `json:"actor_type"`
	ActorID       *uuid.UUID `json:"actor_id,omitempty"`
	WalletID      uuid.UUID  `json:"wallet_id"`
	BalanceBefore int64      `json:"balance_before"`
	BalanceAfter  int64      `json:"balance_after"`
	Reason        string     `json:"reason"`
	TransactionID *uuid.UUID `json:"transaction_id,omitempty"`
	WithdrawalID  *uuid.UUID `json:"withdrawal_id,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
}

// DepositRequest is the DTO for initializing a deposit through the gateway.
type DepositRequest struct {
	Amount int64  `json:"amount"` // in pesewas, excluding the gateway fee
	Email  string `json:"email"`
}

// DepositInitiation is returned to the client after a deposit has been
// initialized with the payment gateway.
type DepositInitiation struct {
	Reference        string `json:"reference"`
	AuthorizationURL string `json:"authorization_url"`
	ExpectedAmount   int64  `json:"expected_amount"` // base amount + gateway fee
}

// WithdrawalRequest is the DTO for a payout request against a store wallet.
type WithdrawalRequest struct {
	Amount      int64  `json:"amount"` // in pesewas
	MomoNumber  string `json:"momo_number"`
	MomoNetwork string `json:"momo_network"`
	MomoName    string `json:"momo_name"`
}

// StuckWithdrawal pairs a withdrawal with its age for operator reports.
type StuckWithdrawal struct {
	Withdrawal Withdrawal    `json:"withdrawal"`
	Age        time.Duration `json:"age_seconds"`
}
