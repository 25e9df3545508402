package app

import (
	"context"
	"errors"
	"testing"

	"github.com/google/uuid"

	"github.com/bundlehub/wallet-service/internal/domain"
	"github.com/bundlehub/wallet-service/internal/store"
	"github.com/bundlehub/wallet-service/pkg/rabbitmq"
)

func failedWithdrawal() *domain.Withdrawal {
	w := processingWithdrawal()
	w.Status = domain.WithdrawalStatusFailed
	return w
}

func adminRepo(role string, w *domain.Withdrawal) *stubRepository {
	return &stubRepository{
		findAdminRoleFn: func(ctx context.Context, userID uuid.UUID) (string, error) {
			if role == "" {
				return "", store.ErrWalletNotFound
			}
			return role, nil
		},
		findWithdrawalFn: func(ctx context.Context, withdrawalID string) (*domain.Withdrawal, error) {
			return w, nil
		},
	}
}

func TestRejectWithdrawalRefundsWithAdminActor(t *testing.T) {
	adminID := uuid.New()
	w := processingWithdrawal()

	repo := adminRepo("admin", w)
	var gotStatus, gotReason string
	var gotActor store.Actor
	repo.failAndRefundFn = func(ctx context.Context, id uuid.UUID, toStatus, reason string, actor store.Actor) (*domain.Withdrawal, error) {
		gotStatus = toStatus
		gotReason = reason
		gotActor = actor
		rejected := *w
		rejected.Status = toStatus
		return &rejected, nil
	}
	producer := &recordingPublisher{}

	svc := newTestService(t, repo, &stubGateway{}, nil, producer)
	out, err := svc.RejectWithdrawal(context.Background(), adminID, w.WithdrawalID, "suspicious payout details")
	if err != nil {
		t.Fatalf("RejectWithdrawal returned error: %v", err)
	}

	if gotStatus != domain.WithdrawalStatusRejected {
		t.Fatalf("expected rejected status, got %q", gotStatus)
	}
	if gotReason != "suspicious payout details" {
		t.Fatalf("unexpected reason %q", gotReason)
	}
	if gotActor.Type != domain.ActorTypeAdmin || gotActor.ID == nil || *gotActor.ID != adminID {
		t.Fatalf("expected admin actor %s, got %+v", adminID, gotActor)
	}
	if out.Status != domain.WithdrawalStatusRejected {
		t.Fatalf("expected returned withdrawal to be rejected, got %s", out.Status)
	}
	if !producer.hasRoutingKey(rabbitmq.RoutingKeyWithdrawalFailed) {
		t.Fatalf("expected withdrawal failed event, got %v", producer.routingKeys())
	}
}

func TestAdminActionsRequireAdminRole(t *testing.T) {
	w := processingWithdrawal()

	svc := newTestService(t, adminRepo("support", w), &stubGateway{}, nil, nil)
	if _, err := svc.RejectWithdrawal(context.Background(), uuid.New(), w.WithdrawalID, "nope"); !errors.Is(err, ErrNotAuthorized) {
		t.Fatalf("expected ErrNotAuthorized for non-admin role, got %v", err)
	}

	svc = newTestService(t, adminRepo("", w), &stubGateway{}, nil, nil)
	if _, err := svc.ApproveWithdrawal(context.Background(), uuid.New(), w.WithdrawalID); !errors.Is(err, ErrNotAuthorized) {
		t.Fatalf("expected ErrNotAuthorized for unknown user, got %v", err)
	}
}

func TestApproveWithdrawalDispatchesImmediately(t *testing.T) {
	w := processingWithdrawal()
	w.Status = domain.WithdrawalStatusPending

	repo := adminRepo("admin", w)
	repo.transitionFn = func(ctx context.Context, id uuid.UUID, tr store.WithdrawalTransition) (*domain.Withdrawal, error) {
		if tr.To != domain.WithdrawalStatusProcessing {
			t.Fatalf("expected transition to processing, got %q", tr.To)
		}
		approved := *w
		approved.Status = tr.To
		return &approved, nil
	}
	repo.completeWithdrawalFn = func(ctx context.Context, id uuid.UUID, providerReference string, actor store.Actor) (*domain.Withdrawal, error) {
		done := *w
		done.Status = domain.WithdrawalStatusCompleted
		return &done, nil
	}
	provider := &stubProvider{
		name: "moolre",
		initiateFn: func(ctx context.Context, w *domain.Withdrawal) (string, string, error) {
			return "moolre-ref-7", PayoutStatusSuccess, nil
		},
	}

	svc := newTestService(t, repo, &stubGateway{}, []PayoutProvider{provider}, nil)
	out, err := svc.ApproveWithdrawal(context.Background(), uuid.New(), w.WithdrawalID)
	if err != nil {
		t.Fatalf("ApproveWithdrawal returned error: %v", err)
	}
	if out.Status != domain.WithdrawalStatusCompleted {
		t.Fatalf("expected approval to dispatch the payout, got %s", out.Status)
	}
}

// Approval must accept a withdrawal in whichever waiting state the request
// path created it in. The transition stub enforces the conditional-update
// rule, so a From list that misses the stored status surfaces as a conflict.
func TestApproveWithdrawalAcceptsQueuedRequests(t *testing.T) {
	stored := &domain.Withdrawal{}

	repo := &stubRepository{
		findAdminRoleFn: func(ctx context.Context, userID uuid.UUID) (string, error) {
			return "admin", nil
		},
		findWalletByOwnerFn: func(ctx context.Context, ownerType string, ownerID uuid.UUID) (*domain.Wallet, error) {
			return &domain.Wallet{ID: uuid.New(), OwnerType: domain.OwnerTypeStore, OwnerID: ownerID, AvailableBalance: 10000}, nil
		},
		countQueuedFn: func(ctx context.Context) (int, error) { return 3, nil },
		createWithdrawalFn: func(ctx context.Context, w *domain.Withdrawal) (*domain.Withdrawal, error) {
			*stored = *w
			return stored, nil
		},
		findWithdrawalFn: func(ctx context.Context, withdrawalID string) (*domain.Withdrawal, error) {
			return stored, nil
		},
		transitionFn: func(ctx context.Context, id uuid.UUID, tr store.WithdrawalTransition) (*domain.Withdrawal, error) {
			allowed := false
			for _, from := range tr.From {
				if from == stored.Status {
					allowed = true
				}
			}
			if !allowed {
				return nil, store.ErrWithdrawalConflict
			}
			stored.Status = tr.To
			out := *stored
			return &out, nil
		},
		completeWithdrawalFn: func(ctx context.Context, id uuid.UUID, providerReference string, actor store.Actor) (*domain.Withdrawal, error) {
			stored.Status = domain.WithdrawalStatusCompleted
			out := *stored
			return &out, nil
		},
	}
	provider := &stubProvider{
		name: "moolre",
		initiateFn: func(ctx context.Context, w *domain.Withdrawal) (string, string, error) {
			return "moolre-ref-8", PayoutStatusSuccess, nil
		},
	}

	svc := newTestService(t, repo, &stubGateway{}, []PayoutProvider{provider}, nil)

	// Three payouts ahead in the queue, so the request lands as queued.
	created, err := svc.RequestWithdrawal(context.Background(), uuid.New(), validWithdrawalRequest(5000))
	if err != nil {
		t.Fatalf("RequestWithdrawal returned error: %v", err)
	}
	if created.Status != domain.WithdrawalStatusQueued {
		t.Fatalf("expected the request to be queued, got %s", created.Status)
	}

	out, err := svc.ApproveWithdrawal(context.Background(), uuid.New(), created.WithdrawalID)
	if err != nil {
		t.Fatalf("approving a queued withdrawal returned error: %v", err)
	}
	if out.Status != domain.WithdrawalStatusCompleted {
		t.Fatalf("expected the approved withdrawal to be dispatched, got %s", out.Status)
	}
}

func TestRetryWithdrawalOnlyFromFailed(t *testing.T) {
	w := processingWithdrawal()
	w.Status = domain.WithdrawalStatusPolling

	svc := newTestService(t, adminRepo("admin", w), &stubGateway{}, nil, nil)
	if _, err := svc.RetryWithdrawal(context.Background(), uuid.New(), w.WithdrawalID, ""); !errors.Is(err, ErrRetryNotAllowed) {
		t.Fatalf("expected ErrRetryNotAllowed for an in-flight withdrawal, got %v", err)
	}
}

func TestRetryWithdrawalCreatesFreshReservation(t *testing.T) {
	prev := failedWithdrawal()

	repo := adminRepo("admin", prev)
	var created *domain.Withdrawal
	repo.createWithdrawalFn = func(ctx context.Context, w *domain.Withdrawal) (*domain.Withdrawal, error) {
		created = w
		return w, nil
	}

	svc := newTestService(t, repo, &stubGateway{}, nil, nil)
	out, err := svc.RetryWithdrawal(context.Background(), uuid.New(), prev.WithdrawalID, "")
	if err != nil {
		t.Fatalf("RetryWithdrawal returned error: %v", err)
	}

	if created.WithdrawalID == prev.WithdrawalID {
		t.Fatal("expected the retry to carry a new public withdrawal ID")
	}
	if created.Status != domain.WithdrawalStatusQueued {
		t.Fatalf("expected the retry to start queued, got %s", created.Status)
	}
	if created.RequestedAmount != prev.RequestedAmount || created.Fee != prev.Fee || created.NetAmount != prev.NetAmount {
		t.Fatal("expected the retry to copy the original amounts")
	}
	if created.MomoNumber != prev.MomoNumber || created.MomoNetwork != prev.MomoNetwork {
		t.Fatal("expected the retry to copy the payout destination")
	}
	if out.WithdrawalID != created.WithdrawalID {
		t.Fatal("expected the created retry to be returned")
	}
}

func TestForceCompleteNeverRefunds(t *testing.T) {
	adminID := uuid.New()
	w := processingWithdrawal()
	w.Status = domain.WithdrawalStatusPolling

	repo := adminRepo("admin", w)
	var gotActor store.Actor
	repo.completeWithdrawalFn = func(ctx context.Context, id uuid.UUID, providerReference string, actor store.Actor) (*domain.Withdrawal, error) {
		gotActor = actor
		done := *w
		done.Status = domain.WithdrawalStatusCompleted
		return &done, nil
	}
	repo.failAndRefundFn = func(ctx context.Context, id uuid.UUID, toStatus, reason string, actor store.Actor) (*domain.Withdrawal, error) {
		t.Fatal("force-complete must never refund")
		return nil, nil
	}
	producer := &recordingPublisher{}

	svc := newTestService(t, repo, &stubGateway{}, nil, producer)
	out, err := svc.ForceCompleteWithdrawal(context.Background(), adminID, w.WithdrawalID, "bank-stmt-441")
	if err != nil {
		t.Fatalf("ForceCompleteWithdrawal returned error: %v", err)
	}
	if out.Status != domain.WithdrawalStatusCompleted {
		t.Fatalf("expected completed status, got %s", out.Status)
	}
	if gotActor.Type != domain.ActorTypeAdmin || gotActor.ID == nil || *gotActor.ID != adminID {
		t.Fatalf("expected admin actor, got %+v", gotActor)
	}
	if !producer.hasRoutingKey(rabbitmq.RoutingKeyWithdrawalCompleted) {
		t.Fatalf("expected withdrawal completed event, got %v", producer.routingKeys())
	}
}

func TestRetryWithdrawalCarriesProviderChoice(t *testing.T) {
	prev := failedWithdrawal()

	repo := adminRepo("admin", prev)
	var created *domain.Withdrawal
	repo.createWithdrawalFn = func(ctx context.Context, w *domain.Withdrawal) (*domain.Withdrawal, error) {
		created = w
		return w, nil
	}
	providers := []PayoutProvider{
		&stubProvider{name: "moolre"},
		&stubProvider{name: "paystack"},
	}

	svc := newTestService(t, repo, &stubGateway{}, providers, nil)
	if _, err := svc.RetryWithdrawal(context.Background(), uuid.New(), prev.WithdrawalID, "paystack"); err != nil {
		t.Fatalf("RetryWithdrawal returned error: %v", err)
	}
	if created.PreferredProvider == nil || *created.PreferredProvider != "paystack" {
		t.Fatalf("expected the retry to carry the chosen provider, got %v", created.PreferredProvider)
	}
}

func TestRetryWithdrawalRejectsUnknownProvider(t *testing.T) {
	prev := failedWithdrawal()

	svc := newTestService(t, adminRepo("admin", prev), &stubGateway{}, []PayoutProvider{&stubProvider{name: "moolre"}}, nil)
	if _, err := svc.RetryWithdrawal(context.Background(), uuid.New(), prev.WithdrawalID, "wise"); !errors.Is(err, ErrUnknownProvider) {
		t.Fatalf("expected ErrUnknownProvider, got %v", err)
	}
}
