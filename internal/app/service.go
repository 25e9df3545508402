/**
 * @description
 * This file contains the core business logic for the wallet-service. The `Service`
 * struct orchestrates all money movement operations, coordinating between the
 * database repository, the payment gateway, the payout providers, and the
 * message broker.
 *
 * Key features:
 * - Implements the main use cases: deposit crediting and withdrawal payouts.
 * - Delegates all balance mutation to the repository, which applies each one
 *   atomically with its ledger transaction and audit entry.
 * - Publishes events to RabbitMQ for asynchronous processing by other services.
 *
 * @dependencies
 * - context, errors, fmt, strings, time: Standard Go libraries.
 * - github.com/google/uuid: For UUID generation.
 * - internal/config, internal/domain, internal/store: For configuration, domain models and data access.
 * - pkg/paystackclient, pkg/rabbitmq: For external service communication.
 */

package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/bundlehub/wallet-service/internal/config"
	"github.com/bundlehub/wallet-service/internal/domain"
	"github.com/bundlehub/wallet-service/internal/store"
	"github.com/bundlehub/wallet-service/pkg/paystackclient"
	"github.com/bundlehub/wallet-service/pkg/rabbitmq"
)

var (
	ErrInvalidAmount        = errors.New("amount must be greater than zero")
	ErrBelowMinimum         = errors.New("amount is below the minimum withdrawal")
	ErrInvalidPayoutDetails = errors.New("momo number, network and account name are required")
	ErrFraudDetected        = errors.New("deposit flagged by fraud checks")
	ErrAlreadyProcessed     = errors.New("deposit reference already settled")
	ErrNotAuthorized        = errors.New("admin role required")
	ErrRetryNotAllowed      = errors.New("only failed withdrawals can be retried")
	ErrUnknownProvider      = errors.New("no payout provider with that name")
)

// DepositGateway is the slice of the payment gateway API used for deposits.
// *paystackclient.Client satisfies it.
type DepositGateway interface {
	InitializeTransaction(ctx context.Context, email, reference string, amount int64) (*paystackclient.InitializeTransactionResponse, error)
	VerifyTransaction(ctx context.Context, reference string) (*paystackclient.VerifyTransactionResponse, error)
}

// Normalized payout statuses shared by all providers.
const (
	PayoutStatusSuccess = "success"
	PayoutStatusPending = "pending"
	PayoutStatusFailed  = "failed"
)

// PayoutProvider is a single payout rail. The dispatcher tries providers in
// order and falls back to the next one when a provider rejects the payout.
type PayoutProvider interface {
	Name() string
	InitiatePayout(ctx context.Context, w *domain.Withdrawal) (providerRef string, status string, err error)
	PayoutStatus(ctx context.Context, w *domain.Withdrawal) (status string, err error)
}

// VelocityLimiter counts attempts per scope and subject inside a rolling
// window. *RedisVelocityLimiter satisfies it.
type VelocityLimiter interface {
	Consume(ctx context.Context, scope, subject string, limit int, window time.Duration) (count int, retryAfterSeconds int, err error)
}

// Service provides the core business logic for the wallet.
type Service struct {
	repo      store.Repository
	gateway   DepositGateway
	providers []PayoutProvider
	producer  rabbitmq.Publisher
	velocity  VelocityLimiter
	cfg       config.Config
}

// NewService creates a new wallet service instance. The velocity limiter may
// be nil when Redis is not configured; fraud velocity checks are skipped then.
func NewService(repo store.Repository, gateway DepositGateway, providers []PayoutProvider, producer rabbitmq.Publisher, velocity VelocityLimiter, cfg config.Config) *Service {
	return &Service{
		repo:      repo,
		gateway:   gateway,
		providers: providers,
		producer:  producer,
		velocity:  velocity,
		cfg:       cfg,
	}
}

// GetWallet returns the wallet owned by the given user or store.
func (s *Service) GetWallet(ctx context.Context, ownerType string, ownerID uuid.UUID) (*domain.Wallet, error) {
	return s.repo.FindWalletByOwner(ctx, ownerType, ownerID)
}

// ListAuditLog returns the audit trail for the caller's wallet, newest first.
func (s *Service) ListAuditLog(ctx context.Context, ownerType string, ownerID uuid.UUID, limit, offset int) ([]domain.AuditLogEntry, error) {
	wallet, err := s.repo.FindWalletByOwner(ctx, ownerType, ownerID)
	if err != nil {
		return nil, err
	}
	if limit <= 0 || limit > 100 {
		limit = 50
	}
	return s.repo.ListAuditEntriesByWallet(ctx, wallet.ID, limit, offset)
}

// feeFor computes a fee in pesewas from a basis-point rate.
func feeFor(amount, bps int64) int64 {
	return amount * bps / 10000
}

// newReference builds a prefixed unique reference, e.g. "DEP-1a2b3c4d...".
func newReference(prefix string) string {
	return fmt.Sprintf("%s-%s", prefix, strings.ReplaceAll(uuid.New().String(), "-", ""))
}

// newWithdrawalID builds a short client-facing withdrawal identifier.
func newWithdrawalID() string {
	return "WD-" + strings.ToUpper(strings.ReplaceAll(uuid.New().String(), "-", "")[:10])
}

func abs64(v int64) int64 {
	if v < 0 {
		return -v
	}
	return v
}

// metadataInt64 reads an integer out of transaction metadata. Values decoded
// from jsonb arrive as float64.
func metadataInt64(m map[string]any, key string) (int64, bool) {
	if m == nil {
		return 0, false
	}
	switch v := m[key].(type) {
	case int64:
		return v, true
	case int:
		return int64(v), true
	case float64:
		return int64(v), true
	default:
		return 0, false
	}
}
