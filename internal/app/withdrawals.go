/**
 * @description
 * This file implements the store-facing withdrawal operations: requesting a
 * payout, listing past withdrawals, and checking the status of one.
 *
 * A withdrawal request reserves the full requested amount immediately, so the
 * funds cannot be spent while the payout is in flight. The reservation, the
 * single-in-flight check and the ledger entry happen in one repository call
 * under the wallet row lock.
 *
 * @dependencies
 * - context, log, strings: Standard Go libraries.
 * - github.com/google/uuid: For UUID generation.
 * - internal/domain, internal/store.
 */

package app

import (
	"context"
	"log"
	"strings"

	"github.com/google/uuid"

	"github.com/bundlehub/wallet-service/internal/domain"
)

// supportedNetworks are the mobile money networks the payout rails accept.
var supportedNetworks = map[string]bool{
	"MTN":        true,
	"VODAFONE":   true,
	"AIRTELTIGO": true,
}

// validPayoutDetails checks the momo destination: a numeric phone number of a
// plausible length and a network the payout rails know. An optional leading
// +233 country prefix is accepted.
func validPayoutDetails(number, network, name string) bool {
	if name == "" || network == "" {
		return false
	}
	if !supportedNetworks[network] {
		return false
	}
	number = strings.TrimPrefix(number, "+")
	if len(number) < 9 || len(number) > 15 {
		return false
	}
	for _, c := range number {
		if c < '0' || c > '9' {
			return false
		}
	}
	return true
}

// RequestWithdrawal validates and enqueues a payout for a store's wallet. A
// request against an empty queue starts `pending`, ready for immediate
// dispatch; otherwise it joins the queue as `queued`.
func (s *Service) RequestWithdrawal(ctx context.Context, storeID uuid.UUID, req domain.WithdrawalRequest) (*domain.Withdrawal, error) {
	if req.Amount <= 0 {
		return nil, ErrInvalidAmount
	}
	if req.Amount < s.cfg.MinWithdrawalPesewas {
		return nil, ErrBelowMinimum
	}

	momoNumber := strings.TrimSpace(req.MomoNumber)
	momoNetwork := strings.ToUpper(strings.TrimSpace(req.MomoNetwork))
	momoName := strings.TrimSpace(req.MomoName)
	if !validPayoutDetails(momoNumber, momoNetwork, momoName) {
		return nil, ErrInvalidPayoutDetails
	}

	wallet, err := s.repo.FindWalletByOwner(ctx, domain.OwnerTypeStore, storeID)
	if err != nil {
		return nil, err
	}

	fee := feeFor(req.Amount, s.cfg.WithdrawalFeeBps)
	net := req.Amount - fee

	queued, err := s.repo.CountQueuedWithdrawals(ctx)
	if err != nil {
		queued = 0
	}
	status := domain.WithdrawalStatusQueued
	if queued == 0 && len(s.providers) > 0 {
		status = domain.WithdrawalStatusPending
	}

	w := &domain.Withdrawal{
		ID:              uuid.New(),
		WithdrawalID:    newWithdrawalID(),
		StoreID:         storeID,
		WalletID:        wallet.ID,
		RequestedAmount: req.Amount,
		Fee:             fee,
		NetAmount:       net,
		MomoNumber:      momoNumber,
		MomoNetwork:     momoNetwork,
		MomoName:        momoName,
		Status:          status,
		QueuePosition:   queued + 1,
	}

	created, err := s.repo.CreateWithdrawal(ctx, w)
	if err != nil {
		return nil, err
	}

	log.Printf("level=info component=withdrawals msg=\"withdrawal requested\" withdrawal_id=%s store_id=%s status=%s amount=%d fee=%d net=%d position=%d",
		created.WithdrawalID, storeID, created.Status, created.RequestedAmount, created.Fee, created.NetAmount, created.QueuePosition)

	return created, nil
}

// ListWithdrawals returns a store's withdrawal history, newest first.
func (s *Service) ListWithdrawals(ctx context.Context, storeID uuid.UUID, limit, offset int) ([]domain.Withdrawal, error) {
	if limit <= 0 || limit > 100 {
		limit = 50
	}
	return s.repo.ListWithdrawalsByStore(ctx, storeID, limit, offset)
}

// GetWithdrawal returns a single withdrawal by its public identifier, scoped
// to the requesting store.
func (s *Service) GetWithdrawal(ctx context.Context, storeID uuid.UUID, withdrawalID string) (*domain.Withdrawal, error) {
	w, err := s.repo.FindWithdrawalByPublicID(ctx, withdrawalID)
	if err != nil {
		return nil, err
	}
	if w.StoreID != storeID {
		return nil, ErrNotAuthorized
	}
	return w, nil
}
