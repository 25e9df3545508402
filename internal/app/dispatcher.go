/**
 * @description
 * This file implements the payout dispatcher: a background loop that drains
 * the withdrawal queue through the payout provider chain, polls in-flight
 * payouts until the provider reports a terminal state, and surfaces
 * withdrawals that have been in flight too long.
 *
 * The dispatcher claims queued withdrawals with a SKIP LOCKED pop, so running
 * more than one instance is safe. Every terminal transition goes through the
 * repository's conditional updates; when an admin action and the dispatcher
 * race on the same withdrawal, the loser gets a conflict and backs off.
 *
 * @dependencies
 * - context, errors, log, time: Standard Go libraries.
 * - internal/config, internal/domain, internal/store, pkg/rabbitmq.
 */

package app

import (
	"context"
	"errors"
	"log"
	"time"

	"github.com/bundlehub/wallet-service/internal/config"
	"github.com/bundlehub/wallet-service/internal/domain"
	"github.com/bundlehub/wallet-service/internal/store"
	"github.com/bundlehub/wallet-service/pkg/rabbitmq"
)

// Dispatcher drives queued withdrawals through the payout provider chain.
type Dispatcher struct {
	svc              *Service
	dispatchInterval time.Duration
	pollInterval     time.Duration
	pollTimeout      time.Duration
}

// NewDispatcher creates a dispatcher bound to the given service.
func NewDispatcher(svc *Service, cfg config.Config) *Dispatcher {
	return &Dispatcher{
		svc:              svc,
		dispatchInterval: time.Duration(cfg.DispatchIntervalSec) * time.Second,
		pollInterval:     time.Duration(cfg.PollIntervalSec) * time.Second,
		pollTimeout:      time.Duration(cfg.PollTimeoutSec) * time.Second,
	}
}

// Run blocks until ctx is cancelled, alternating dispatch and poll passes.
func (d *Dispatcher) Run(ctx context.Context) {
	log.Printf("level=info component=dispatcher msg=\"payout dispatcher started\" dispatch_interval=%s poll_interval=%s", d.dispatchInterval, d.pollInterval)

	dispatchTicker := time.NewTicker(d.dispatchInterval)
	pollTicker := time.NewTicker(d.pollInterval)
	defer dispatchTicker.Stop()
	defer pollTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Printf("level=info component=dispatcher msg=\"payout dispatcher stopped\"")
			return
		case <-dispatchTicker.C:
			d.dispatchPass(ctx)
		case <-pollTicker.C:
			d.pollPass(ctx)
		}
	}
}

// dispatchPass drains the queue until it is empty or the context is cancelled.
func (d *Dispatcher) dispatchPass(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}
		w, err := d.svc.repo.ClaimNextQueuedWithdrawal(ctx)
		if err != nil {
			log.Printf("level=error component=dispatcher msg=\"failed to claim queued withdrawal\" err=%v", err)
			return
		}
		if w == nil {
			return
		}
		d.svc.dispatchPayout(ctx, w)
	}
}

// providerChain returns the provider order for one withdrawal. A preferred
// provider set by an admin retry moves to the front of the chain.
func (s *Service) providerChain(w *domain.Withdrawal) []PayoutProvider {
	if w.PreferredProvider == nil {
		return s.providers
	}
	chain := make([]PayoutProvider, 0, len(s.providers))
	for _, p := range s.providers {
		if p.Name() == *w.PreferredProvider {
			chain = append([]PayoutProvider{p}, chain...)
		} else {
			chain = append(chain, p)
		}
	}
	return chain
}

// dispatchPayout pushes one processing withdrawal through the provider chain.
// It returns the withdrawal in its post-dispatch state.
func (s *Service) dispatchPayout(ctx context.Context, w *domain.Withdrawal) *domain.Withdrawal {
	var lastErr string

	for i, provider := range s.providerChain(w) {
		name := provider.Name()
		fallback := i > 0

		ref, status, err := provider.InitiatePayout(ctx, w)
		if err != nil {
			lastErr = err.Error()
			log.Printf("level=warn component=dispatcher msg=\"provider rejected payout\" withdrawal_id=%s provider=%s err=%v", w.WithdrawalID, name, err)
			continue
		}
		if status == PayoutStatusFailed {
			lastErr = "provider reported failure on initiation"
			log.Printf("level=warn component=dispatcher msg=\"provider failed payout on initiation\" withdrawal_id=%s provider=%s", w.WithdrawalID, name)
			continue
		}

		if status == PayoutStatusSuccess {
			return s.completePayout(ctx, w, name, ref)
		}

		// Accepted but not yet settled; record the provider and start polling.
		polling, err := s.repo.TransitionWithdrawal(ctx, w.ID, store.WithdrawalTransition{
			From:              []string{domain.WithdrawalStatusProcessing},
			To:                domain.WithdrawalStatusPolling,
			Provider:          &name,
			ProviderReference: &ref,
			FallbackUsed:      &fallback,
		})
		if err != nil {
			if errors.Is(err, store.ErrWithdrawalConflict) {
				log.Printf("level=info component=dispatcher msg=\"withdrawal transitioned elsewhere; leaving as is\" withdrawal_id=%s", w.WithdrawalID)
				return w
			}
			log.Printf("level=error component=dispatcher msg=\"failed to move withdrawal to polling\" withdrawal_id=%s err=%v", w.WithdrawalID, err)
			return w
		}
		log.Printf("level=info component=dispatcher msg=\"payout accepted; polling\" withdrawal_id=%s provider=%s fallback=%v provider_ref=%s", w.WithdrawalID, name, fallback, ref)
		return polling
	}

	if lastErr == "" {
		lastErr = "no payout provider available"
	}
	return s.failPayout(ctx, w, "all payout providers failed: "+lastErr)
}

// pollPass checks every polling withdrawal against its provider.
func (d *Dispatcher) pollPass(ctx context.Context) {
	withdrawals, err := d.svc.repo.ListWithdrawalsByStatus(ctx, []string{domain.WithdrawalStatusPolling}, 50)
	if err != nil {
		log.Printf("level=error component=dispatcher msg=\"failed to list polling withdrawals\" err=%v", err)
		return
	}

	for i := range withdrawals {
		w := &withdrawals[i]
		if ctx.Err() != nil {
			return
		}

		provider := d.svc.providerByName(w.Provider)
		if provider == nil {
			log.Printf("level=error component=dispatcher msg=\"polling withdrawal has unknown provider\" withdrawal_id=%s", w.WithdrawalID)
			continue
		}

		status, err := provider.PayoutStatus(ctx, w)
		if err != nil {
			log.Printf("level=warn component=dispatcher msg=\"payout status check failed\" withdrawal_id=%s provider=%s err=%v", w.WithdrawalID, provider.Name(), err)
			status = PayoutStatusPending
		}

		switch status {
		case PayoutStatusSuccess:
			providerRef := ""
			if w.ProviderReference != nil {
				providerRef = *w.ProviderReference
			}
			d.svc.completePayout(ctx, w, provider.Name(), providerRef)
		case PayoutStatusFailed:
			d.svc.failPayout(ctx, w, "provider reported payout failure")
		default:
			if time.Since(w.UpdatedAt) > d.pollTimeout {
				d.svc.failPayout(ctx, w, "payout did not settle within the polling window")
			}
		}
	}
}

func (s *Service) completePayout(ctx context.Context, w *domain.Withdrawal, providerName, providerRef string) *domain.Withdrawal {
	completed, err := s.repo.CompleteWithdrawal(ctx, w.ID, providerRef, store.SystemActor)
	if err != nil {
		if errors.Is(err, store.ErrWithdrawalConflict) {
			log.Printf("level=info component=dispatcher msg=\"withdrawal already terminal; skipping completion\" withdrawal_id=%s", w.WithdrawalID)
			return w
		}
		log.Printf("level=error component=dispatcher msg=\"failed to complete withdrawal\" withdrawal_id=%s err=%v", w.WithdrawalID, err)
		return w
	}
	log.Printf("level=info component=dispatcher msg=\"withdrawal completed\" withdrawal_id=%s provider=%s net=%d", completed.WithdrawalID, providerName, completed.NetAmount)
	s.publishWithdrawalEvent(ctx, completed, rabbitmq.RoutingKeyWithdrawalCompleted, "")
	return completed
}

func (s *Service) failPayout(ctx context.Context, w *domain.Withdrawal, reason string) *domain.Withdrawal {
	failed, err := s.repo.FailWithdrawalAndRefund(ctx, w.ID, domain.WithdrawalStatusFailed, reason, store.SystemActor)
	if err != nil {
		if errors.Is(err, store.ErrWithdrawalConflict) {
			log.Printf("level=info component=dispatcher msg=\"withdrawal already terminal; skipping failure\" withdrawal_id=%s", w.WithdrawalID)
			return w
		}
		log.Printf("level=error component=dispatcher msg=\"failed to fail withdrawal\" withdrawal_id=%s err=%v", w.WithdrawalID, err)
		return w
	}
	log.Printf("level=warn component=dispatcher msg=\"withdrawal failed and refunded\" withdrawal_id=%s reason=%q", failed.WithdrawalID, reason)
	s.publishWithdrawalEvent(ctx, failed, rabbitmq.RoutingKeyWithdrawalFailed, reason)
	return failed
}

func (s *Service) providerByName(name *string) PayoutProvider {
	if name == nil {
		return nil
	}
	for _, p := range s.providers {
		if p.Name() == *name {
			return p
		}
	}
	return nil
}

// StuckWithdrawals lists in-flight withdrawals older than the configured
// threshold. Used by the admin report endpoint and the scheduled detector.
func (s *Service) StuckWithdrawals(ctx context.Context) ([]domain.StuckWithdrawal, error) {
	threshold := time.Duration(s.cfg.StuckThresholdMinutes) * time.Minute
	return s.repo.StuckWithdrawals(ctx, threshold)
}

// ReportStuckWithdrawals logs and publishes an event for every stuck
// withdrawal. It never mutates withdrawal state; resolution is an admin call.
func (s *Service) ReportStuckWithdrawals(ctx context.Context) {
	stuck, err := s.StuckWithdrawals(ctx)
	if err != nil {
		log.Printf("level=error component=dispatcher msg=\"stuck withdrawal scan failed\" err=%v", err)
		return
	}
	for _, item := range stuck {
		log.Printf("level=warn component=dispatcher msg=\"withdrawal stuck\" withdrawal_id=%s status=%s age=%s", item.Withdrawal.WithdrawalID, item.Withdrawal.Status, item.Age.Round(time.Second))
		s.publishWithdrawalEvent(ctx, &item.Withdrawal, rabbitmq.RoutingKeyWithdrawalStuck, "in flight for "+item.Age.Round(time.Second).String())
	}
}

func (s *Service) publishWithdrawalEvent(ctx context.Context, w *domain.Withdrawal, routingKey, reason string) {
	if s.producer == nil {
		return
	}
	provider := ""
	if w.Provider != nil {
		provider = *w.Provider
	}
	event := rabbitmq.WithdrawalEvent{
		WithdrawalID: w.WithdrawalID,
		StoreID:      w.StoreID,
		Amount:       w.RequestedAmount,
		Status:       w.Status,
		Provider:     provider,
		Reason:       reason,
		Timestamp:    time.Now(),
	}
	if err := s.producer.Publish(ctx, rabbitmq.WalletEventsExchange, routingKey, event); err != nil {
		log.Printf("level=warn component=dispatcher msg=\"failed to publish withdrawal event\" withdrawal_id=%s routing_key=%s err=%v", w.WithdrawalID, routingKey, err)
	}
}
