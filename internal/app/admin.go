/**
 * @description
 * This file implements the admin override operations for the withdrawal
 * pipeline. The caller's admin role is re-read from the database on every
 * call rather than trusted from token claims. All overrides go through the
 * same conditional repository updates as the dispatcher, so an admin action
 * racing the dispatcher resolves cleanly to first commit wins.
 *
 * @dependencies
 * - context, errors, log: Standard Go libraries.
 * - github.com/google/uuid: For UUID handling.
 * - internal/domain, internal/store, pkg/rabbitmq.
 */

package app

import (
	"context"
	"errors"
	"log"

	"github.com/google/uuid"

	"github.com/bundlehub/wallet-service/internal/domain"
	"github.com/bundlehub/wallet-service/internal/store"
	"github.com/bundlehub/wallet-service/pkg/rabbitmq"
)

func (s *Service) requireAdmin(ctx context.Context, adminID uuid.UUID) error {
	role, err := s.repo.FindAdminRole(ctx, adminID)
	if err != nil {
		if errors.Is(err, store.ErrWalletNotFound) {
			return ErrNotAuthorized
		}
		return err
	}
	if role != "admin" {
		return ErrNotAuthorized
	}
	return nil
}

// ApproveWithdrawal moves a waiting withdrawal straight to processing and
// dispatches it through the provider chain without waiting for the next
// dispatcher tick.
func (s *Service) ApproveWithdrawal(ctx context.Context, adminID uuid.UUID, withdrawalID string) (*domain.Withdrawal, error) {
	if err := s.requireAdmin(ctx, adminID); err != nil {
		return nil, err
	}
	w, err := s.repo.FindWithdrawalByPublicID(ctx, withdrawalID)
	if err != nil {
		return nil, err
	}
	approved, err := s.repo.TransitionWithdrawal(ctx, w.ID, store.WithdrawalTransition{
		From: []string{domain.WithdrawalStatusPending, domain.WithdrawalStatusQueued},
		To:   domain.WithdrawalStatusProcessing,
	})
	if err != nil {
		return nil, err
	}
	log.Printf("level=info component=admin msg=\"withdrawal approved; dispatching\" withdrawal_id=%s admin_id=%s", withdrawalID, adminID)
	return s.dispatchPayout(ctx, approved), nil
}

// RejectWithdrawal terminates a withdrawal as rejected and refunds the
// reserved amount.
func (s *Service) RejectWithdrawal(ctx context.Context, adminID uuid.UUID, withdrawalID, reason string) (*domain.Withdrawal, error) {
	return s.terminateWithRefund(ctx, adminID, withdrawalID, domain.WithdrawalStatusRejected, reason)
}

// ReturnWithdrawalToBalance cancels a withdrawal and returns the reserved
// amount to the wallet. Used for payouts a provider accepted but will never
// settle.
func (s *Service) ReturnWithdrawalToBalance(ctx context.Context, adminID uuid.UUID, withdrawalID, reason string) (*domain.Withdrawal, error) {
	if reason == "" {
		reason = "returned to balance by admin"
	}
	return s.terminateWithRefund(ctx, adminID, withdrawalID, domain.WithdrawalStatusCancelled, reason)
}

func (s *Service) terminateWithRefund(ctx context.Context, adminID uuid.UUID, withdrawalID, toStatus, reason string) (*domain.Withdrawal, error) {
	if err := s.requireAdmin(ctx, adminID); err != nil {
		return nil, err
	}
	w, err := s.repo.FindWithdrawalByPublicID(ctx, withdrawalID)
	if err != nil {
		return nil, err
	}
	actor := store.Actor{Type: domain.ActorTypeAdmin, ID: &adminID}
	terminated, err := s.repo.FailWithdrawalAndRefund(ctx, w.ID, toStatus, reason, actor)
	if err != nil {
		return nil, err
	}
	log.Printf("level=info component=admin msg=\"withdrawal terminated with refund\" withdrawal_id=%s status=%s admin_id=%s reason=%q", withdrawalID, toStatus, adminID, reason)
	s.publishWithdrawalEvent(ctx, terminated, rabbitmq.RoutingKeyWithdrawalFailed, reason)
	return terminated, nil
}

// RetryWithdrawal re-runs a failed withdrawal. The failure already refunded
// the reservation, so a retry is a fresh request: the amount is re-reserved
// under a new public id and the new withdrawal joins the queue. An admin may
// name a provider; the dispatcher then tries that rail ahead of the default
// chain.
func (s *Service) RetryWithdrawal(ctx context.Context, adminID uuid.UUID, withdrawalID, preferredProvider string) (*domain.Withdrawal, error) {
	if err := s.requireAdmin(ctx, adminID); err != nil {
		return nil, err
	}
	prev, err := s.repo.FindWithdrawalByPublicID(ctx, withdrawalID)
	if err != nil {
		return nil, err
	}
	if prev.Status != domain.WithdrawalStatusFailed {
		return nil, ErrRetryNotAllowed
	}

	var preferred *string
	if preferredProvider != "" {
		if s.providerByName(&preferredProvider) == nil {
			return nil, ErrUnknownProvider
		}
		preferred = &preferredProvider
	}

	queued, err := s.repo.CountQueuedWithdrawals(ctx)
	if err != nil {
		queued = 0
	}

	retry := &domain.Withdrawal{
		ID:                uuid.New(),
		WithdrawalID:      newWithdrawalID(),
		StoreID:           prev.StoreID,
		WalletID:          prev.WalletID,
		RequestedAmount:   prev.RequestedAmount,
		Fee:               prev.Fee,
		NetAmount:         prev.NetAmount,
		MomoNumber:        prev.MomoNumber,
		MomoNetwork:       prev.MomoNetwork,
		MomoName:          prev.MomoName,
		Status:            domain.WithdrawalStatusQueued,
		PreferredProvider: preferred,
		QueuePosition:     queued + 1,
	}
	created, err := s.repo.CreateWithdrawal(ctx, retry)
	if err != nil {
		return nil, err
	}
	log.Printf("level=info component=admin msg=\"withdrawal retried\" previous=%s withdrawal_id=%s admin_id=%s provider=%s", withdrawalID, created.WithdrawalID, adminID, preferredProvider)
	return created, nil
}

// AdminListWithdrawals lists withdrawals across all stores, optionally
// filtered by status. With no filter it returns the in-flight set, which is
// what an operator is usually triaging.
func (s *Service) AdminListWithdrawals(ctx context.Context, adminID uuid.UUID, statuses []string, limit int) ([]domain.Withdrawal, error) {
	if err := s.requireAdmin(ctx, adminID); err != nil {
		return nil, err
	}
	if limit <= 0 || limit > 100 {
		limit = 50
	}
	if len(statuses) == 0 {
		statuses = domain.NonTerminalWithdrawalStatuses
	}
	return s.repo.ListWithdrawalsByStatus(ctx, statuses, limit)
}

// AdminStuckWithdrawals returns the stuck withdrawal report for an admin.
func (s *Service) AdminStuckWithdrawals(ctx context.Context, adminID uuid.UUID) ([]domain.StuckWithdrawal, error) {
	if err := s.requireAdmin(ctx, adminID); err != nil {
		return nil, err
	}
	return s.StuckWithdrawals(ctx)
}

// ForceCompleteWithdrawal marks a withdrawal as completed on admin authority,
// for payouts confirmed settled out of band. It never refunds; the reserved
// amount is counted as withdrawn.
func (s *Service) ForceCompleteWithdrawal(ctx context.Context, adminID uuid.UUID, withdrawalID, providerReference string) (*domain.Withdrawal, error) {
	if err := s.requireAdmin(ctx, adminID); err != nil {
		return nil, err
	}
	w, err := s.repo.FindWithdrawalByPublicID(ctx, withdrawalID)
	if err != nil {
		return nil, err
	}
	actor := store.Actor{Type: domain.ActorTypeAdmin, ID: &adminID}
	completed, err := s.repo.CompleteWithdrawal(ctx, w.ID, providerReference, actor)
	if err != nil {
		return nil, err
	}
	log.Printf("level=info component=admin msg=\"withdrawal force-completed\" withdrawal_id=%s admin_id=%s", withdrawalID, adminID)
	s.publishWithdrawalEvent(ctx, completed, rabbitmq.RoutingKeyWithdrawalCompleted, "force-completed by admin")
	return completed, nil
}
