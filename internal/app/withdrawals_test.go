package app

import (
	"context"
	"errors"
	"testing"

	"github.com/google/uuid"

	"github.com/bundlehub/wallet-service/internal/domain"
	"github.com/bundlehub/wallet-service/internal/store"
)

func validWithdrawalRequest(amount int64) domain.WithdrawalRequest {
	return domain.WithdrawalRequest{
		Amount:      amount,
		MomoNumber:  "0244000111",
		MomoNetwork: "mtn",
		MomoName:    "Ama Mensah",
	}
}

func TestRequestWithdrawalRejectsBelowMinimum(t *testing.T) {
	svc := newTestService(t, &stubRepository{}, &stubGateway{}, nil, nil)

	_, err := svc.RequestWithdrawal(context.Background(), uuid.New(), validWithdrawalRequest(499))
	if !errors.Is(err, ErrBelowMinimum) {
		t.Fatalf("expected ErrBelowMinimum, got %v", err)
	}

	_, err = svc.RequestWithdrawal(context.Background(), uuid.New(), validWithdrawalRequest(0))
	if !errors.Is(err, ErrInvalidAmount) {
		t.Fatalf("expected ErrInvalidAmount for zero amount, got %v", err)
	}
}

func TestRequestWithdrawalRejectsMissingPayoutDetails(t *testing.T) {
	svc := newTestService(t, &stubRepository{}, &stubGateway{}, nil, nil)

	req := validWithdrawalRequest(1000)
	req.MomoNumber = "   "
	if _, err := svc.RequestWithdrawal(context.Background(), uuid.New(), req); !errors.Is(err, ErrInvalidPayoutDetails) {
		t.Fatalf("expected ErrInvalidPayoutDetails, got %v", err)
	}
}

func TestRequestWithdrawalComputesFeeAndReservation(t *testing.T) {
	storeID := uuid.New()
	wallet := &domain.Wallet{ID: uuid.New(), OwnerType: domain.OwnerTypeStore, OwnerID: storeID, AvailableBalance: 10000}

	var created *domain.Withdrawal
	repo := &stubRepository{
		findWalletByOwnerFn: func(ctx context.Context, ownerType string, ownerID uuid.UUID) (*domain.Wallet, error) {
			if ownerType != domain.OwnerTypeStore {
				t.Fatalf("expected store wallet lookup, got %s", ownerType)
			}
			return wallet, nil
		},
		countQueuedFn: func(ctx context.Context) (int, error) { return 2, nil },
		createWithdrawalFn: func(ctx context.Context, w *domain.Withdrawal) (*domain.Withdrawal, error) {
			created = w
			return w, nil
		},
	}

	svc := newTestService(t, repo, &stubGateway{}, nil, nil)
	out, err := svc.RequestWithdrawal(context.Background(), storeID, validWithdrawalRequest(5000))
	if err != nil {
		t.Fatalf("RequestWithdrawal returned error: %v", err)
	}

	if created.Fee != 50 {
		t.Fatalf("expected fee 50 (1%% of 5000), got %d", created.Fee)
	}
	if created.NetAmount != 4950 {
		t.Fatalf("expected net amount 4950, got %d", created.NetAmount)
	}
	if created.RequestedAmount != 5000 {
		t.Fatalf("expected requested amount 5000, got %d", created.RequestedAmount)
	}
	if created.Status != domain.WithdrawalStatusQueued {
		t.Fatalf("expected queued status, got %s", created.Status)
	}
	if created.QueuePosition != 3 {
		t.Fatalf("expected queue position 3 behind two queued payouts, got %d", created.QueuePosition)
	}
	if created.MomoNetwork != "MTN" {
		t.Fatalf("expected network uppercased to MTN, got %q", created.MomoNetwork)
	}
	if out.WithdrawalID == "" {
		t.Fatal("expected a public withdrawal ID to be assigned")
	}
}

func TestRequestWithdrawalPropagatesReservationErrors(t *testing.T) {
	storeID := uuid.New()
	repo := &stubRepository{
		findWalletByOwnerFn: func(ctx context.Context, ownerType string, ownerID uuid.UUID) (*domain.Wallet, error) {
			return &domain.Wallet{ID: uuid.New(), OwnerType: domain.OwnerTypeStore, OwnerID: storeID}, nil
		},
		createWithdrawalFn: func(ctx context.Context, w *domain.Withdrawal) (*domain.Withdrawal, error) {
			return nil, store.ErrInsufficientFunds
		},
	}

	svc := newTestService(t, repo, &stubGateway{}, nil, nil)
	if _, err := svc.RequestWithdrawal(context.Background(), storeID, validWithdrawalRequest(1000)); !errors.Is(err, store.ErrInsufficientFunds) {
		t.Fatalf("expected ErrInsufficientFunds passthrough, got %v", err)
	}

	repo.createWithdrawalFn = func(ctx context.Context, w *domain.Withdrawal) (*domain.Withdrawal, error) {
		return nil, store.ErrWithdrawalPending
	}
	if _, err := svc.RequestWithdrawal(context.Background(), storeID, validWithdrawalRequest(1000)); !errors.Is(err, store.ErrWithdrawalPending) {
		t.Fatalf("expected ErrWithdrawalPending passthrough, got %v", err)
	}
}

func TestGetWithdrawalScopedToOwningStore(t *testing.T) {
	owner := uuid.New()
	repo := &stubRepository{
		findWithdrawalFn: func(ctx context.Context, withdrawalID string) (*domain.Withdrawal, error) {
			return &domain.Withdrawal{ID: uuid.New(), WithdrawalID: withdrawalID, StoreID: owner}, nil
		},
	}

	svc := newTestService(t, repo, &stubGateway{}, nil, nil)

	if _, err := svc.GetWithdrawal(context.Background(), owner, "WD-ABCDEF1234"); err != nil {
		t.Fatalf("owner lookup returned error: %v", err)
	}
	if _, err := svc.GetWithdrawal(context.Background(), uuid.New(), "WD-ABCDEF1234"); !errors.Is(err, ErrNotAuthorized) {
		t.Fatalf("expected ErrNotAuthorized for a foreign store, got %v", err)
	}
}

func TestRequestWithdrawalRejectsMalformedMomoNumber(t *testing.T) {
	svc := newTestService(t, &stubRepository{}, &stubGateway{}, nil, nil)

	req := validWithdrawalRequest(1000)
	req.MomoNumber = "abc"
	if _, err := svc.RequestWithdrawal(context.Background(), uuid.New(), req); !errors.Is(err, ErrInvalidPayoutDetails) {
		t.Fatalf("expected ErrInvalidPayoutDetails for a non-numeric number, got %v", err)
	}

	req = validWithdrawalRequest(1000)
	req.MomoNumber = "024"
	if _, err := svc.RequestWithdrawal(context.Background(), uuid.New(), req); !errors.Is(err, ErrInvalidPayoutDetails) {
		t.Fatalf("expected ErrInvalidPayoutDetails for a too-short number, got %v", err)
	}
}

func TestRequestWithdrawalRejectsUnknownNetwork(t *testing.T) {
	svc := newTestService(t, &stubRepository{}, &stubGateway{}, nil, nil)

	req := validWithdrawalRequest(1000)
	req.MomoNetwork = "ORANGE"
	if _, err := svc.RequestWithdrawal(context.Background(), uuid.New(), req); !errors.Is(err, ErrInvalidPayoutDetails) {
		t.Fatalf("expected ErrInvalidPayoutDetails for an unsupported network, got %v", err)
	}
}

func TestRequestWithdrawalAcceptsInternationalFormatNumber(t *testing.T) {
	storeID := uuid.New()
	repo := &stubRepository{
		findWalletByOwnerFn: func(ctx context.Context, ownerType string, ownerID uuid.UUID) (*domain.Wallet, error) {
			return &domain.Wallet{ID: uuid.New(), OwnerType: domain.OwnerTypeStore, OwnerID: storeID, AvailableBalance: 10000}, nil
		},
		createWithdrawalFn: func(ctx context.Context, w *domain.Withdrawal) (*domain.Withdrawal, error) {
			return w, nil
		},
	}

	svc := newTestService(t, repo, &stubGateway{}, nil, nil)
	req := validWithdrawalRequest(1000)
	req.MomoNumber = "+233244000111"
	if _, err := svc.RequestWithdrawal(context.Background(), storeID, req); err != nil {
		t.Fatalf("expected a +233 number to be accepted, got %v", err)
	}
}

func TestRequestWithdrawalStartsPendingWhenQueueIsEmpty(t *testing.T) {
	storeID := uuid.New()
	var created *domain.Withdrawal
	repo := &stubRepository{
		findWalletByOwnerFn: func(ctx context.Context, ownerType string, ownerID uuid.UUID) (*domain.Wallet, error) {
			return &domain.Wallet{ID: uuid.New(), OwnerType: domain.OwnerTypeStore, OwnerID: storeID, AvailableBalance: 10000}, nil
		},
		countQueuedFn: func(ctx context.Context) (int, error) { return 0, nil },
		createWithdrawalFn: func(ctx context.Context, w *domain.Withdrawal) (*domain.Withdrawal, error) {
			created = w
			return w, nil
		},
	}
	providers := []PayoutProvider{&stubProvider{name: "moolre"}}

	svc := newTestService(t, repo, &stubGateway{}, providers, nil)
	if _, err := svc.RequestWithdrawal(context.Background(), storeID, validWithdrawalRequest(1000)); err != nil {
		t.Fatalf("RequestWithdrawal returned error: %v", err)
	}
	if created.Status != domain.WithdrawalStatusPending {
		t.Fatalf("expected a request against an empty queue to start pending, got %s", created.Status)
	}
	if created.QueuePosition != 1 {
		t.Fatalf("expected queue position 1, got %d", created.QueuePosition)
	}
}

func TestRequestWithdrawalQueuesBehindInFlightPayouts(t *testing.T) {
	storeID := uuid.New()
	var created *domain.Withdrawal
	repo := &stubRepository{
		findWalletByOwnerFn: func(ctx context.Context, ownerType string, ownerID uuid.UUID) (*domain.Wallet, error) {
			return &domain.Wallet{ID: uuid.New(), OwnerType: domain.OwnerTypeStore, OwnerID: storeID, AvailableBalance: 10000}, nil
		},
		countQueuedFn: func(ctx context.Context) (int, error) { return 4, nil },
		createWithdrawalFn: func(ctx context.Context, w *domain.Withdrawal) (*domain.Withdrawal, error) {
			created = w
			return w, nil
		},
	}
	providers := []PayoutProvider{&stubProvider{name: "moolre"}}

	svc := newTestService(t, repo, &stubGateway{}, providers, nil)
	if _, err := svc.RequestWithdrawal(context.Background(), storeID, validWithdrawalRequest(1000)); err != nil {
		t.Fatalf("RequestWithdrawal returned error: %v", err)
	}
	if created.Status != domain.WithdrawalStatusQueued {
		t.Fatalf("expected a request behind a busy queue to be queued, got %s", created.Status)
	}
	if created.QueuePosition != 5 {
		t.Fatalf("expected queue position 5, got %d", created.QueuePosition)
	}
}
