/**
 * @description
 * This file handles incoming webhooks from Paystack. The raw request body is
 * authenticated with an HMAC-SHA512 signature check before any processing
 * happens; an unsigned or mis-signed payload is rejected with no side effects.
 * Settlement itself goes through the same idempotent verify-and-settle path as
 * the client-facing verify endpoint, so a replayed webhook cannot double-credit.
 *
 * @dependencies
 * - encoding/json, io, log, net/http: Standard Go libraries.
 * - internal/app, pkg/paystackclient.
 */

package api

import (
	"encoding/json"
	"errors"
	"io"
	"log"
	"net/http"

	"github.com/bundlehub/wallet-service/internal/app"
	"github.com/bundlehub/wallet-service/pkg/paystackclient"
)

const paystackSignatureHeader = "x-paystack-signature"

// PaystackWebhookHandler receives gateway events. It always returns 200 for
// authenticated events it does not act on, so the gateway stops retrying them.
func (h *WalletHandlers) PaystackWebhookHandler(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "Could not read request body")
		return
	}

	signature := r.Header.Get(paystackSignatureHeader)
	if signature == "" || !paystackclient.ValidateSignature(h.webhookSecret, body, signature) {
		log.Printf("level=warn component=webhook msg=\"rejected webhook with bad signature\" remote=%s", r.RemoteAddr)
		h.writeError(w, http.StatusUnauthorized, "Invalid signature")
		return
	}

	var event paystackclient.WebhookEvent
	if err := json.Unmarshal(body, &event); err != nil {
		h.writeError(w, http.StatusBadRequest, "Invalid webhook payload")
		return
	}

	switch event.Event {
	case "charge.success", "charge.failed":
		var data paystackclient.TransactionData
		if err := json.Unmarshal(event.Data, &data); err != nil || data.Reference == "" {
			h.writeError(w, http.StatusBadRequest, "Invalid charge payload")
			return
		}
		record, err := h.service.VerifyAndSettle(r.Context(), data.Reference, "")
		if err != nil && !errors.Is(err, app.ErrFraudDetected) && !errors.Is(err, app.ErrAlreadyProcessed) {
			log.Printf("level=error component=webhook msg=\"webhook settlement failed\" event=%s reference=%s err=%v", event.Event, data.Reference, err)
			h.writeError(w, http.StatusInternalServerError, "Settlement failed")
			return
		}
		h.writeJSON(w, http.StatusOK, depositVerificationResponse{
			Reference:     record.Reference,
			Status:        record.Status,
			Amount:        record.Amount,
			FraudDetected: record.FraudDetected(),
			FailureReason: record.FailureReason,
		})
	default:
		// Transfer events are picked up by the dispatcher's polling pass.
		log.Printf("level=info component=webhook msg=\"ignoring webhook event\" event=%s", event.Event)
		w.WriteHeader(http.StatusOK)
	}
}
