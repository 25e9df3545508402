package app

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/bundlehub/wallet-service/internal/config"
	"github.com/bundlehub/wallet-service/internal/domain"
	"github.com/bundlehub/wallet-service/internal/store"
	"github.com/bundlehub/wallet-service/pkg/paystackclient"
)

// stubRepository overrides just the repository methods a test needs. Calling
// anything that was not stubbed panics, which makes unexpected repository
// access a loud test failure.
type stubRepository struct {
	store.Repository

	findWalletByOwnerFn   func(ctx context.Context, ownerType string, ownerID uuid.UUID) (*domain.Wallet, error)
	findWalletByIDFn      func(ctx context.Context, walletID uuid.UUID) (*domain.Wallet, error)
	findAdminRoleFn       func(ctx context.Context, userID uuid.UUID) (string, error)
	createPendingFn       func(ctx context.Context, walletID uuid.UUID, amount int64, reference, gateway string, metadata map[string]any) (*domain.Transaction, error)
	claimDepositFn        func(ctx context.Context, reference string) (*domain.Transaction, bool, error)
	releaseClaimFn        func(ctx context.Context, reference string) error
	settleDepositFn       func(ctx context.Context, p store.SettleDepositParams) (*domain.Transaction, error)
	markDepositFailedFn   func(ctx context.Context, p store.FailDepositParams) (*domain.Transaction, error)
	createWithdrawalFn    func(ctx context.Context, w *domain.Withdrawal) (*domain.Withdrawal, error)
	findWithdrawalFn      func(ctx context.Context, withdrawalID string) (*domain.Withdrawal, error)
	listByStatusFn        func(ctx context.Context, statuses []string, limit int) ([]domain.Withdrawal, error)
	countQueuedFn         func(ctx context.Context) (int, error)
	claimNextFn           func(ctx context.Context) (*domain.Withdrawal, error)
	transitionFn          func(ctx context.Context, id uuid.UUID, t store.WithdrawalTransition) (*domain.Withdrawal, error)
	completeWithdrawalFn  func(ctx context.Context, id uuid.UUID, providerReference string, actor store.Actor) (*domain.Withdrawal, error)
	failAndRefundFn       func(ctx context.Context, id uuid.UUID, toStatus, reason string, actor store.Actor) (*domain.Withdrawal, error)
	stuckWithdrawalsFn    func(ctx context.Context, olderThan time.Duration) ([]domain.StuckWithdrawal, error)
	pendingDepositRefsFn  func(ctx context.Context, olderThan time.Duration, limit int) ([]string, error)
}

func (s *stubRepository) FindWalletByOwner(ctx context.Context, ownerType string, ownerID uuid.UUID) (*domain.Wallet, error) {
	return s.findWalletByOwnerFn(ctx, ownerType, ownerID)
}

func (s *stubRepository) FindWalletByID(ctx context.Context, walletID uuid.UUID) (*domain.Wallet, error) {
	if s.findWalletByIDFn == nil {
		return nil, store.ErrWalletNotFound
	}
	return s.findWalletByIDFn(ctx, walletID)
}

func (s *stubRepository) FindAdminRole(ctx context.Context, userID uuid.UUID) (string, error) {
	return s.findAdminRoleFn(ctx, userID)
}

func (s *stubRepository) CreatePendingDeposit(ctx context.Context, walletID uuid.UUID, amount int64, reference, gateway string, metadata map[string]any) (*domain.Transaction, error) {
	return s.createPendingFn(ctx, walletID, amount, reference, gateway, metadata)
}

func (s *stubRepository) ClaimDepositForProcessing(ctx context.Context, reference string) (*domain.Transaction, bool, error) {
	return s.claimDepositFn(ctx, reference)
}

func (s *stubRepository) ReleaseDepositClaim(ctx context.Context, reference string) error {
	return s.releaseClaimFn(ctx, reference)
}

func (s *stubRepository) SettleDeposit(ctx context.Context, p store.SettleDepositParams) (*domain.Transaction, error) {
	return s.settleDepositFn(ctx, p)
}

func (s *stubRepository) MarkDepositFailed(ctx context.Context, p store.FailDepositParams) (*domain.Transaction, error) {
	return s.markDepositFailedFn(ctx, p)
}

func (s *stubRepository) CreateWithdrawal(ctx context.Context, w *domain.Withdrawal) (*domain.Withdrawal, error) {
	return s.createWithdrawalFn(ctx, w)
}

func (s *stubRepository) FindWithdrawalByPublicID(ctx context.Context, withdrawalID string) (*domain.Withdrawal, error) {
	return s.findWithdrawalFn(ctx, withdrawalID)
}

func (s *stubRepository) ListWithdrawalsByStatus(ctx context.Context, statuses []string, limit int) ([]domain.Withdrawal, error) {
	return s.listByStatusFn(ctx, statuses, limit)
}

func (s *stubRepository) CountQueuedWithdrawals(ctx context.Context) (int, error) {
	if s.countQueuedFn == nil {
		return 0, nil
	}
	return s.countQueuedFn(ctx)
}

func (s *stubRepository) ClaimNextQueuedWithdrawal(ctx context.Context) (*domain.Withdrawal, error) {
	return s.claimNextFn(ctx)
}

func (s *stubRepository) TransitionWithdrawal(ctx context.Context, id uuid.UUID, t store.WithdrawalTransition) (*domain.Withdrawal, error) {
	return s.transitionFn(ctx, id, t)
}

func (s *stubRepository) CompleteWithdrawal(ctx context.Context, id uuid.UUID, providerReference string, actor store.Actor) (*domain.Withdrawal, error) {
	return s.completeWithdrawalFn(ctx, id, providerReference, actor)
}

func (s *stubRepository) FailWithdrawalAndRefund(ctx context.Context, id uuid.UUID, toStatus, reason string, actor store.Actor) (*domain.Withdrawal, error) {
	return s.failAndRefundFn(ctx, id, toStatus, reason, actor)
}

func (s *stubRepository) StuckWithdrawals(ctx context.Context, olderThan time.Duration) ([]domain.StuckWithdrawal, error) {
	return s.stuckWithdrawalsFn(ctx, olderThan)
}

func (s *stubRepository) PendingDepositReferences(ctx context.Context, olderThan time.Duration, limit int) ([]string, error) {
	return s.pendingDepositRefsFn(ctx, olderThan, limit)
}

// stubGateway stands in for the Paystack client.
type stubGateway struct {
	initializeFn func(ctx context.Context, email, reference string, amount int64) (*paystackclient.InitializeTransactionResponse, error)
	verifyFn     func(ctx context.Context, reference string) (*paystackclient.VerifyTransactionResponse, error)
}

func (g *stubGateway) InitializeTransaction(ctx context.Context, email, reference string, amount int64) (*paystackclient.InitializeTransactionResponse, error) {
	return g.initializeFn(ctx, email, reference, amount)
}

func (g *stubGateway) VerifyTransaction(ctx context.Context, reference string) (*paystackclient.VerifyTransactionResponse, error) {
	return g.verifyFn(ctx, reference)
}

type publishedEvent struct {
	exchange   string
	routingKey string
	body       interface{}
}

// recordingPublisher captures published events for assertions.
type recordingPublisher struct {
	events []publishedEvent
}

func (p *recordingPublisher) Publish(ctx context.Context, exchange, routingKey string, body interface{}) error {
	p.events = append(p.events, publishedEvent{exchange: exchange, routingKey: routingKey, body: body})
	return nil
}

func (p *recordingPublisher) Close() {}

func (p *recordingPublisher) routingKeys() []string {
	keys := make([]string, 0, len(p.events))
	for _, e := range p.events {
		keys = append(keys, e.routingKey)
	}
	return keys
}

func (p *recordingPublisher) hasRoutingKey(key string) bool {
	for _, e := range p.events {
		if e.routingKey == key {
			return true
		}
	}
	return false
}

// stubVelocity is an in-memory velocity counter keyed by scope and subject.
type stubVelocity struct {
	counts map[string]int
}

func (v *stubVelocity) Consume(ctx context.Context, scope, subject string, limit int, window time.Duration) (int, int, error) {
	if v.counts == nil {
		v.counts = map[string]int{}
	}
	key := scope + ":" + subject
	v.counts[key]++
	return v.counts[key], int(window.Seconds()), nil
}

// stubProvider is a scriptable payout provider for dispatcher tests.
type stubProvider struct {
	name       string
	initiateFn func(ctx context.Context, w *domain.Withdrawal) (string, string, error)
	statusFn   func(ctx context.Context, w *domain.Withdrawal) (string, error)
}

func (p *stubProvider) Name() string { return p.name }

func (p *stubProvider) InitiatePayout(ctx context.Context, w *domain.Withdrawal) (string, string, error) {
	return p.initiateFn(ctx, w)
}

func (p *stubProvider) PayoutStatus(ctx context.Context, w *domain.Withdrawal) (string, error) {
	return p.statusFn(ctx, w)
}

func testConfig() config.Config {
	return config.Config{
		DepositFeeBps:           200,
		DepositAmountTolerance:  2,
		DepositRefreshAfterSec:  300,
		WithdrawalFeeBps:        100,
		MinWithdrawalPesewas:    500,
		DispatchIntervalSec:     1,
		PollIntervalSec:         1,
		PollTimeoutSec:          600,
		StuckThresholdMinutes:   30,
		FraudMaxDepositsPerHour: 10,
		FraudLargeAmountPesewas: 500000,
	}
}

func newTestService(t *testing.T, repo *stubRepository, gateway *stubGateway, providers []PayoutProvider, producer *recordingPublisher) *Service {
	t.Helper()
	if producer == nil {
		producer = &recordingPublisher{}
	}
	return NewService(repo, gateway, providers, producer, nil, testConfig())
}
