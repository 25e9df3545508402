/**
 * @description
 * This file adapts the concrete payout clients to the PayoutProvider
 * interface. Moolre is the primary momo rail; Paystack transfers are the
 * fallback. Each adapter maps the provider's status vocabulary to the
 * normalized success/pending/failed set the dispatcher works with.
 *
 * @dependencies
 * - context, fmt: Standard Go libraries.
 * - internal/domain, pkg/moolreclient, pkg/paystackclient.
 */

package app

import (
	"context"
	"fmt"

	"github.com/bundlehub/wallet-service/internal/domain"
	"github.com/bundlehub/wallet-service/pkg/moolreclient"
	"github.com/bundlehub/wallet-service/pkg/paystackclient"
)

// MoolreProvider dispatches payouts through the Moolre open API.
type MoolreProvider struct {
	client *moolreclient.Client
}

// NewMoolreProvider creates the primary momo payout provider.
func NewMoolreProvider(client *moolreclient.Client) *MoolreProvider {
	return &MoolreProvider{client: client}
}

func (p *MoolreProvider) Name() string { return "moolre" }

func (p *MoolreProvider) InitiatePayout(ctx context.Context, w *domain.Withdrawal) (string, string, error) {
	narration := fmt.Sprintf("Wallet payout %s", w.WithdrawalID)
	resp, err := p.client.InitiatePayout(ctx, w.MomoNumber, w.MomoNetwork, w.WithdrawalID, narration, w.NetAmount)
	if err != nil {
		return "", PayoutStatusFailed, err
	}
	return resp.Data.TransactionID, mapMoolreStatus(resp.Data.TxStatus), nil
}

func (p *MoolreProvider) PayoutStatus(ctx context.Context, w *domain.Withdrawal) (string, error) {
	resp, err := p.client.PayoutStatus(ctx, w.WithdrawalID)
	if err != nil {
		return PayoutStatusPending, err
	}
	return mapMoolreStatus(resp.Data.TxStatus), nil
}

func mapMoolreStatus(status string) string {
	switch status {
	case moolreclient.StatusSuccess:
		return PayoutStatusSuccess
	case moolreclient.StatusFailed:
		return PayoutStatusFailed
	default:
		return PayoutStatusPending
	}
}

// PaystackProvider dispatches payouts through Paystack transfers. It is the
// fallback rail: a recipient is registered per payout and the transfer is
// keyed on the withdrawal's public id, so a re-dispatch never pays twice.
type PaystackProvider struct {
	client *paystackclient.Client
}

// NewPaystackProvider creates the fallback payout provider.
func NewPaystackProvider(client *paystackclient.Client) *PaystackProvider {
	return &PaystackProvider{client: client}
}

func (p *PaystackProvider) Name() string { return "paystack" }

func (p *PaystackProvider) InitiatePayout(ctx context.Context, w *domain.Withdrawal) (string, string, error) {
	recipient, err := p.client.CreateTransferRecipient(ctx, w.MomoName, w.MomoNumber, w.MomoNetwork)
	if err != nil {
		return "", PayoutStatusFailed, err
	}

	reason := fmt.Sprintf("Wallet payout %s", w.WithdrawalID)
	resp, err := p.client.InitiateTransfer(ctx, recipient.Data.RecipientCode, w.WithdrawalID, reason, w.NetAmount)
	if err != nil {
		return "", PayoutStatusFailed, err
	}
	return resp.Data.TransferCode, mapPaystackTransferStatus(resp.Data.Status), nil
}

func (p *PaystackProvider) PayoutStatus(ctx context.Context, w *domain.Withdrawal) (string, error) {
	resp, err := p.client.FetchTransfer(ctx, w.WithdrawalID)
	if err != nil {
		return PayoutStatusPending, err
	}
	return mapPaystackTransferStatus(resp.Data.Status), nil
}

func mapPaystackTransferStatus(status string) string {
	switch status {
	case "success":
		return PayoutStatusSuccess
	case "failed", "reversed", "abandoned":
		return PayoutStatusFailed
	default:
		return PayoutStatusPending
	}
}
