package app

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/bundlehub/wallet-service/internal/domain"
	"github.com/bundlehub/wallet-service/internal/store"
	"github.com/bundlehub/wallet-service/pkg/rabbitmq"
)

func processingWithdrawal() *domain.Withdrawal {
	return &domain.Withdrawal{
		ID:              uuid.New(),
		WithdrawalID:    "WD-ABC123DEF0",
		StoreID:         uuid.New(),
		WalletID:        uuid.New(),
		RequestedAmount: 5000,
		Fee:             50,
		NetAmount:       4950,
		MomoNumber:      "0244000111",
		MomoNetwork:     "MTN",
		MomoName:        "Ama Mensah",
		Status:          domain.WithdrawalStatusProcessing,
		UpdatedAt:       time.Now(),
	}
}

func newTestDispatcher(t *testing.T, repo *stubRepository, providers []PayoutProvider, producer *recordingPublisher) *Dispatcher {
	t.Helper()
	return NewDispatcher(newTestService(t, repo, &stubGateway{}, providers, producer), testConfig())
}

func TestDispatchPrimaryProviderSuccessCompletes(t *testing.T) {
	w := processingWithdrawal()

	var completedID uuid.UUID
	var completedActor store.Actor
	repo := &stubRepository{
		completeWithdrawalFn: func(ctx context.Context, id uuid.UUID, providerReference string, actor store.Actor) (*domain.Withdrawal, error) {
			completedID = id
			completedActor = actor
			done := *w
			done.Status = domain.WithdrawalStatusCompleted
			return &done, nil
		},
	}
	primary := &stubProvider{
		name: "moolre",
		initiateFn: func(ctx context.Context, w *domain.Withdrawal) (string, string, error) {
			return "moolre-ref-1", PayoutStatusSuccess, nil
		},
	}
	producer := &recordingPublisher{}

	d := newTestDispatcher(t, repo, []PayoutProvider{primary}, producer)
	d.svc.dispatchPayout(context.Background(), w)

	if completedID != w.ID {
		t.Fatalf("expected completion of withdrawal %s, got %s", w.ID, completedID)
	}
	if completedActor.Type != domain.ActorTypeSystem {
		t.Fatalf("expected system actor, got %s", completedActor.Type)
	}
	if !producer.hasRoutingKey(rabbitmq.RoutingKeyWithdrawalCompleted) {
		t.Fatalf("expected withdrawal completed event, got %v", producer.routingKeys())
	}
}

func TestDispatchFallsBackToSecondProvider(t *testing.T) {
	w := processingWithdrawal()

	var transition store.WithdrawalTransition
	repo := &stubRepository{
		transitionFn: func(ctx context.Context, id uuid.UUID, tr store.WithdrawalTransition) (*domain.Withdrawal, error) {
			transition = tr
			polling := *w
			polling.Status = domain.WithdrawalStatusPolling
			return &polling, nil
		},
	}
	primary := &stubProvider{
		name: "moolre",
		initiateFn: func(ctx context.Context, w *domain.Withdrawal) (string, string, error) {
			return "", "", errors.New("momo channel unavailable")
		},
	}
	secondary := &stubProvider{
		name: "paystack",
		initiateFn: func(ctx context.Context, w *domain.Withdrawal) (string, string, error) {
			return "TRF_xyz", PayoutStatusPending, nil
		},
	}

	d := newTestDispatcher(t, repo, []PayoutProvider{primary, secondary}, nil)
	d.svc.dispatchPayout(context.Background(), w)

	if transition.To != domain.WithdrawalStatusPolling {
		t.Fatalf("expected transition to polling, got %q", transition.To)
	}
	if transition.Provider == nil || *transition.Provider != "paystack" {
		t.Fatalf("expected paystack recorded as provider, got %v", transition.Provider)
	}
	if transition.ProviderReference == nil || *transition.ProviderReference != "TRF_xyz" {
		t.Fatalf("expected provider reference TRF_xyz, got %v", transition.ProviderReference)
	}
	if transition.FallbackUsed == nil || !*transition.FallbackUsed {
		t.Fatal("expected the fallback flag to be set for the second provider")
	}
}

func TestDispatchAllProvidersFailRefunds(t *testing.T) {
	w := processingWithdrawal()

	var failedStatus, failedReason string
	var failedActor store.Actor
	repo := &stubRepository{
		failAndRefundFn: func(ctx context.Context, id uuid.UUID, toStatus, reason string, actor store.Actor) (*domain.Withdrawal, error) {
			failedStatus = toStatus
			failedReason = reason
			failedActor = actor
			failed := *w
			failed.Status = toStatus
			return &failed, nil
		},
	}
	broken := func(ctx context.Context, w *domain.Withdrawal) (string, string, error) {
		return "", "", errors.New("provider down")
	}
	producer := &recordingPublisher{}

	d := newTestDispatcher(t, repo, []PayoutProvider{
		&stubProvider{name: "moolre", initiateFn: broken},
		&stubProvider{name: "paystack", initiateFn: broken},
	}, producer)
	d.svc.dispatchPayout(context.Background(), w)

	if failedStatus != domain.WithdrawalStatusFailed {
		t.Fatalf("expected failed status, got %q", failedStatus)
	}
	if failedReason == "" {
		t.Fatal("expected a failure reason naming the provider errors")
	}
	if failedActor.Type != domain.ActorTypeSystem {
		t.Fatalf("expected system actor, got %s", failedActor.Type)
	}
	if !producer.hasRoutingKey(rabbitmq.RoutingKeyWithdrawalFailed) {
		t.Fatalf("expected withdrawal failed event, got %v", producer.routingKeys())
	}
}

func TestPollPassCompletesSettledPayout(t *testing.T) {
	w := processingWithdrawal()
	providerName := "moolre"
	providerRef := "moolre-ref-9"
	w.Status = domain.WithdrawalStatusPolling
	w.Provider = &providerName
	w.ProviderReference = &providerRef

	var completedRef string
	repo := &stubRepository{
		listByStatusFn: func(ctx context.Context, statuses []string, limit int) ([]domain.Withdrawal, error) {
			return []domain.Withdrawal{*w}, nil
		},
		completeWithdrawalFn: func(ctx context.Context, id uuid.UUID, providerReference string, actor store.Actor) (*domain.Withdrawal, error) {
			completedRef = providerReference
			done := *w
			done.Status = domain.WithdrawalStatusCompleted
			return &done, nil
		},
	}
	provider := &stubProvider{
		name: "moolre",
		statusFn: func(ctx context.Context, w *domain.Withdrawal) (string, error) {
			return PayoutStatusSuccess, nil
		},
	}

	d := newTestDispatcher(t, repo, []PayoutProvider{provider}, nil)
	d.pollPass(context.Background())

	if completedRef != providerRef {
		t.Fatalf("expected completion with provider reference %q, got %q", providerRef, completedRef)
	}
}

func TestPollPassFailsOnPollingTimeout(t *testing.T) {
	w := processingWithdrawal()
	providerName := "moolre"
	w.Status = domain.WithdrawalStatusPolling
	w.Provider = &providerName
	w.UpdatedAt = time.Now().Add(-2 * time.Hour)

	var failedReason string
	repo := &stubRepository{
		listByStatusFn: func(ctx context.Context, statuses []string, limit int) ([]domain.Withdrawal, error) {
			return []domain.Withdrawal{*w}, nil
		},
		failAndRefundFn: func(ctx context.Context, id uuid.UUID, toStatus, reason string, actor store.Actor) (*domain.Withdrawal, error) {
			failedReason = reason
			failed := *w
			failed.Status = toStatus
			return &failed, nil
		},
	}
	provider := &stubProvider{
		name: "moolre",
		statusFn: func(ctx context.Context, w *domain.Withdrawal) (string, error) {
			return PayoutStatusPending, nil
		},
	}

	d := newTestDispatcher(t, repo, []PayoutProvider{provider}, nil)
	d.pollPass(context.Background())

	if failedReason == "" {
		t.Fatal("expected a timed-out payout to be failed and refunded")
	}
}

func TestDispatchConflictIsSilentNoOp(t *testing.T) {
	w := processingWithdrawal()

	repo := &stubRepository{
		completeWithdrawalFn: func(ctx context.Context, id uuid.UUID, providerReference string, actor store.Actor) (*domain.Withdrawal, error) {
			return nil, store.ErrWithdrawalConflict
		},
	}
	provider := &stubProvider{
		name: "moolre",
		initiateFn: func(ctx context.Context, w *domain.Withdrawal) (string, string, error) {
			return "moolre-ref-2", PayoutStatusSuccess, nil
		},
	}
	producer := &recordingPublisher{}

	d := newTestDispatcher(t, repo, []PayoutProvider{provider}, producer)
	d.svc.dispatchPayout(context.Background(), w)

	if len(producer.events) != 0 {
		t.Fatalf("expected no events after a completion conflict, got %v", producer.routingKeys())
	}
}

func TestReportStuckWithdrawalsPublishesWithoutMutating(t *testing.T) {
	w := processingWithdrawal()
	w.Status = domain.WithdrawalStatusPolling

	repo := &stubRepository{
		stuckWithdrawalsFn: func(ctx context.Context, olderThan time.Duration) ([]domain.StuckWithdrawal, error) {
			if olderThan != 30*time.Minute {
				t.Fatalf("expected 30 minute threshold, got %s", olderThan)
			}
			return []domain.StuckWithdrawal{{Withdrawal: *w, Age: 45 * time.Minute}}, nil
		},
	}
	producer := &recordingPublisher{}

	svc := newTestService(t, repo, &stubGateway{}, nil, producer)
	svc.ReportStuckWithdrawals(context.Background())

	if !producer.hasRoutingKey(rabbitmq.RoutingKeyWithdrawalStuck) {
		t.Fatalf("expected stuck withdrawal event, got %v", producer.routingKeys())
	}
}

func TestDispatchTriesPreferredProviderFirst(t *testing.T) {
	w := processingWithdrawal()
	preferred := "paystack"
	w.PreferredProvider = &preferred

	var attempts []string
	repo := &stubRepository{
		completeWithdrawalFn: func(ctx context.Context, id uuid.UUID, providerReference string, actor store.Actor) (*domain.Withdrawal, error) {
			done := *w
			done.Status = domain.WithdrawalStatusCompleted
			return &done, nil
		},
	}
	primary := &stubProvider{
		name: "moolre",
		initiateFn: func(ctx context.Context, w *domain.Withdrawal) (string, string, error) {
			attempts = append(attempts, "moolre")
			return "moolre-ref-3", PayoutStatusSuccess, nil
		},
	}
	secondary := &stubProvider{
		name: "paystack",
		initiateFn: func(ctx context.Context, w *domain.Withdrawal) (string, string, error) {
			attempts = append(attempts, "paystack")
			return "TRF_toplevel", PayoutStatusSuccess, nil
		},
	}

	d := newTestDispatcher(t, repo, []PayoutProvider{primary, secondary}, nil)
	d.svc.dispatchPayout(context.Background(), w)

	if len(attempts) != 1 || attempts[0] != "paystack" {
		t.Fatalf("expected the preferred provider to be tried first, got %v", attempts)
	}
}

func TestDispatchPreferredProviderFallsBackOnFailure(t *testing.T) {
	w := processingWithdrawal()
	preferred := "paystack"
	w.PreferredProvider = &preferred

	var attempts []string
	repo := &stubRepository{
		completeWithdrawalFn: func(ctx context.Context, id uuid.UUID, providerReference string, actor store.Actor) (*domain.Withdrawal, error) {
			done := *w
			done.Status = domain.WithdrawalStatusCompleted
			return &done, nil
		},
	}
	primary := &stubProvider{
		name: "moolre",
		initiateFn: func(ctx context.Context, w *domain.Withdrawal) (string, string, error) {
			attempts = append(attempts, "moolre")
			return "moolre-ref-4", PayoutStatusSuccess, nil
		},
	}
	secondary := &stubProvider{
		name: "paystack",
		initiateFn: func(ctx context.Context, w *domain.Withdrawal) (string, string, error) {
			attempts = append(attempts, "paystack")
			return "", "", errors.New("transfer channel down")
		},
	}

	d := newTestDispatcher(t, repo, []PayoutProvider{primary, secondary}, nil)
	d.svc.dispatchPayout(context.Background(), w)

	if len(attempts) != 2 || attempts[0] != "paystack" || attempts[1] != "moolre" {
		t.Fatalf("expected paystack then moolre, got %v", attempts)
	}
}
