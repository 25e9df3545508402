/**
 * @description
 * This file implements the deposit pipeline: initializing a hosted checkout
 * with the gateway, and the idempotent verify-and-settle step that turns a
 * gateway confirmation into a wallet credit.
 *
 * Settlement is driven from three places with identical semantics: the webhook
 * handler, the client-facing verify endpoint, and the pending-deposit refresh
 * job. All three funnel into VerifyAndSettle, which claims the pending record
 * first so only one caller ever talks to the gateway and mutates the balance.
 *
 * @dependencies
 * - context, errors, fmt, log, time: Standard Go libraries.
 * - github.com/google/uuid: For UUID generation.
 * - internal/domain, internal/store, pkg/rabbitmq.
 */

package app

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"

	"github.com/bundlehub/wallet-service/internal/domain"
	"github.com/bundlehub/wallet-service/internal/store"
	"github.com/bundlehub/wallet-service/pkg/rabbitmq"
)

const depositGateway = "paystack"

// InitiateDeposit starts a deposit: it computes the gateway fee the payer
// covers, initializes a hosted checkout, and records the pending ledger entry.
// Velocity heuristics flag suspicious activity in the transaction metadata and
// as fraud.alert events but never block the deposit on their own.
func (s *Service) InitiateDeposit(ctx context.Context, ownerType string, ownerID uuid.UUID, req domain.DepositRequest, clientIP string) (*domain.DepositInitiation, error) {
	if req.Amount <= 0 {
		return nil, ErrInvalidAmount
	}

	wallet, err := s.repo.FindWalletByOwner(ctx, ownerType, ownerID)
	if err != nil {
		return nil, err
	}

	velocityFlag := s.checkDepositVelocity(ctx, wallet.ID, clientIP, req.Amount)

	fee := feeFor(req.Amount, s.cfg.DepositFeeBps)
	expected := req.Amount + fee
	reference := newReference("DEP")

	initResp, err := s.gateway.InitializeTransaction(ctx, req.Email, reference, expected)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize deposit with gateway: %w", err)
	}

	metadata := map[string]any{
		"expected_amount": expected,
		"gateway_fee":     fee,
		"email":           req.Email,
	}
	if clientIP != "" {
		metadata["client_ip"] = clientIP
	}
	if velocityFlag != "" {
		metadata["velocity_flagged"] = true
		metadata["velocity_reason"] = velocityFlag
	}
	if _, err := s.repo.CreatePendingDeposit(ctx, wallet.ID, req.Amount, reference, depositGateway, metadata); err != nil {
		return nil, err
	}

	log.Printf("level=info component=deposits msg=\"deposit initiated\" wallet_id=%s reference=%s amount=%d expected=%d", wallet.ID, reference, req.Amount, expected)

	return &domain.DepositInitiation{
		Reference:        reference,
		AuthorizationURL: initResp.Data.AuthorizationURL,
		ExpectedAmount:   expected,
	}, nil
}

// VerifyAndSettle verifies a deposit against the gateway and settles it.
// Replaying a reference that already settled or failed returns the stored
// record without touching the balance or the gateway. clientIP is the caller's
// address when a client drove the verification; it is recorded in the
// transaction metadata and may be empty for webhook and cron callers.
func (s *Service) VerifyAndSettle(ctx context.Context, reference, clientIP string) (*domain.Transaction, error) {
	record, claimed, err := s.repo.ClaimDepositForProcessing(ctx, reference)
	if err != nil {
		return nil, err
	}
	if !claimed {
		if record.Status == domain.TransactionStatusFailed && record.FraudDetected() {
			return record, ErrFraudDetected
		}
		if record.Status == domain.TransactionStatusCompleted {
			return record, ErrAlreadyProcessed
		}
		return record, nil
	}

	verifyResp, err := s.gateway.VerifyTransaction(ctx, reference)
	if err != nil {
		if releaseErr := s.repo.ReleaseDepositClaim(ctx, reference); releaseErr != nil {
			log.Printf("level=error component=deposits msg=\"failed to release deposit claim\" reference=%s err=%v", reference, releaseErr)
		}
		return nil, fmt.Errorf("failed to verify deposit with gateway: %w", err)
	}

	switch verifyResp.Data.Status {
	case "success":
		return s.settleVerifiedDeposit(ctx, record, verifyResp.Data.Amount, clientIP)
	case "failed", "abandoned", "reversed":
		reason := verifyResp.Data.GatewayResponse
		if reason == "" {
			reason = "gateway reported " + verifyResp.Data.Status
		}
		failed, err := s.repo.MarkDepositFailed(ctx, store.FailDepositParams{
			Reference:     reference,
			FailureReason: reason,
		})
		if err != nil {
			return nil, err
		}
		log.Printf("level=info component=deposits msg=\"deposit failed at gateway\" reference=%s reason=%q", reference, reason)
		return failed, nil
	default:
		// Still pending at the gateway; release the claim so a later poll retries.
		if err := s.repo.ReleaseDepositClaim(ctx, reference); err != nil {
			log.Printf("level=error component=deposits msg=\"failed to release deposit claim\" reference=%s err=%v", reference, err)
		}
		return record, nil
	}
}

// settleVerifiedDeposit applies the amount check and either credits the wallet
// or terminates the deposit as fraud.
func (s *Service) settleVerifiedDeposit(ctx context.Context, record *domain.Transaction, actualAmount int64, clientIP string) (*domain.Transaction, error) {
	expected, ok := metadataInt64(record.Metadata, "expected_amount")
	if !ok {
		expected = record.Amount
	}

	extraMetadata := map[string]any{}
	if clientIP != "" {
		extraMetadata["verify_ip"] = clientIP
	}

	if abs64(actualAmount-expected) > s.cfg.DepositAmountTolerance {
		reason := fmt.Sprintf("amount mismatch: expected %d, paid %d", expected, actualAmount)
		extraMetadata["amount_paid"] = actualAmount
		failed, err := s.repo.MarkDepositFailed(ctx, store.FailDepositParams{
			Reference:     record.Reference,
			FailureReason: reason,
			FraudDetected: true,
			Metadata:      extraMetadata,
		})
		if err != nil {
			return nil, err
		}
		log.Printf("level=warn component=deposits msg=\"deposit flagged as fraud\" reference=%s expected=%d actual=%d", record.Reference, expected, actualAmount)
		s.publishFraudAlert(ctx, record.WalletID, record.Reference, reason, expected, actualAmount)
		return failed, ErrFraudDetected
	}

	settled, err := s.repo.SettleDeposit(ctx, store.SettleDepositParams{
		Reference:    record.Reference,
		ActualAmount: actualAmount,
		Metadata:     extraMetadata,
	})
	if err != nil {
		return nil, err
	}

	log.Printf("level=info component=deposits msg=\"deposit settled\" reference=%s wallet_id=%s amount=%d", settled.Reference, settled.WalletID, settled.Amount)

	if s.producer != nil {
		ownerName := ""
		if wallet, err := s.repo.FindWalletByID(ctx, settled.WalletID); err == nil {
			ownerName = wallet.OwnerName
		} else {
			log.Printf("level=warn component=deposits msg=\"could not load wallet for credited event\" wallet_id=%s err=%v", settled.WalletID, err)
		}
		event := rabbitmq.WalletCreditedEvent{
			WalletID:   settled.WalletID,
			OwnerName:  ownerName,
			Amount:     settled.Amount,
			NewBalance: settled.BalanceAfter,
			Reference:  settled.Reference,
			Gateway:    settled.Gateway,
			Timestamp:  time.Now(),
		}
		if err := s.producer.Publish(ctx, rabbitmq.WalletEventsExchange, rabbitmq.RoutingKeyWalletCredited, event); err != nil {
			log.Printf("level=warn component=deposits msg=\"failed to publish wallet credited event\" reference=%s err=%v", settled.Reference, err)
		}
	}

	if actualAmount >= s.cfg.FraudLargeAmountPesewas {
		s.publishFraudAlert(ctx, settled.WalletID, settled.Reference, "large deposit", expected, actualAmount)
	}

	return settled, nil
}

// RefreshPendingDeposits re-verifies deposits that have sat pending past the
// configured age. Called on a schedule; webhook delivery is not guaranteed.
func (s *Service) RefreshPendingDeposits(ctx context.Context) {
	olderThan := time.Duration(s.cfg.DepositRefreshAfterSec) * time.Second
	refs, err := s.repo.PendingDepositReferences(ctx, olderThan, 50)
	if err != nil {
		log.Printf("level=error component=deposits msg=\"failed to list pending deposits\" err=%v", err)
		return
	}
	for _, ref := range refs {
		if _, err := s.VerifyAndSettle(ctx, ref, ""); err != nil && !errors.Is(err, ErrFraudDetected) && !errors.Is(err, ErrAlreadyProcessed) {
			log.Printf("level=warn component=deposits msg=\"pending deposit refresh failed\" reference=%s err=%v", ref, err)
		}
	}
	if len(refs) > 0 {
		log.Printf("level=info component=deposits msg=\"pending deposit refresh pass done\" checked=%d", len(refs))
	}
}

// checkDepositVelocity counts deposit attempts per wallet and per client IP
// in a rolling hour and flags unusually large requested amounts. It returns a
// non-empty reason when a counter trips; the caller records the flag, the
// deposit itself proceeds.
func (s *Service) checkDepositVelocity(ctx context.Context, walletID uuid.UUID, clientIP string, amount int64) string {
	if amount >= s.cfg.FraudLargeAmountPesewas {
		s.publishFraudAlert(ctx, walletID, "", "large deposit requested", amount, 0)
	}
	if s.velocity == nil {
		return ""
	}

	reason := ""
	count, _, err := s.velocity.Consume(ctx, "deposit", walletID.String(), s.cfg.FraudMaxDepositsPerHour, time.Hour)
	if err != nil {
		log.Printf("level=warn component=deposits msg=\"velocity check unavailable\" wallet_id=%s err=%v", walletID, err)
	} else if count > s.cfg.FraudMaxDepositsPerHour {
		reason = fmt.Sprintf("deposit velocity exceeded: %d attempts from wallet in the last hour", count)
	}

	if clientIP != "" {
		ipCount, _, err := s.velocity.Consume(ctx, "ip", clientIP, s.cfg.FraudMaxDepositsPerHour, time.Hour)
		if err != nil {
			log.Printf("level=warn component=deposits msg=\"ip velocity check unavailable\" ip=%s err=%v", clientIP, err)
		} else if ipCount > s.cfg.FraudMaxDepositsPerHour {
			reason = fmt.Sprintf("deposit velocity exceeded: %d attempts from %s in the last hour", ipCount, clientIP)
		}
	}

	if reason != "" {
		s.publishFraudAlert(ctx, walletID, "", reason, 0, 0)
		log.Printf("level=warn component=deposits msg=\"deposit velocity flagged\" wallet_id=%s ip=%s reason=%q", walletID, clientIP, reason)
	}
	return reason
}

func (s *Service) publishFraudAlert(ctx context.Context, walletID uuid.UUID, reference, reason string, expected, actual int64) {
	if s.producer == nil {
		return
	}
	event := rabbitmq.FraudAlertEvent{
		WalletID:  walletID,
		Reference: reference,
		Reason:    reason,
		Expected:  expected,
		Actual:    actual,
		Timestamp: time.Now(),
	}
	if err := s.producer.Publish(ctx, rabbitmq.WalletEventsExchange, rabbitmq.RoutingKeyFraudAlert, event); err != nil {
		log.Printf("level=warn component=deposits msg=\"failed to publish fraud alert\" wallet_id=%s err=%v", walletID, err)
	}
}
