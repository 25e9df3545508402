/**
 * @description
 * This file contains the HTTP handlers for the admin override endpoints. Each
 * handler only extracts the caller identity and the target withdrawal; the
 * admin role check and the state-machine rules live in the service layer.
 *
 * @dependencies
 * - encoding/json, net/http: Standard Go libraries.
 * - internal/app, internal/domain.
 */

package api

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/bundlehub/wallet-service/internal/domain"
)

type adminActionRequest struct {
	Reason            string `json:"reason"`
	Provider          string `json:"provider"`
	ProviderReference string `json:"provider_reference"`
}

func (h *WalletHandlers) adminContext(w http.ResponseWriter, r *http.Request) (uuid.UUID, string, bool) {
	claims, ok := GetAuthClaims(r.Context())
	if !ok {
		h.writeError(w, http.StatusInternalServerError, "Could not get caller identity from context")
		return uuid.Nil, "", false
	}
	withdrawalID := chi.URLParam(r, "withdrawalID")
	if withdrawalID == "" {
		h.writeError(w, http.StatusBadRequest, "withdrawalID is required")
		return uuid.Nil, "", false
	}
	return claims.SubjectID, withdrawalID, true
}

func decodeAdminAction(r *http.Request) adminActionRequest {
	var req adminActionRequest
	if r.Body != nil {
		_ = json.NewDecoder(r.Body).Decode(&req)
	}
	return req
}

// ApproveWithdrawalHandler releases a held withdrawal into the dispatch queue.
func (h *WalletHandlers) ApproveWithdrawalHandler(w http.ResponseWriter, r *http.Request) {
	adminID, withdrawalID, ok := h.adminContext(w, r)
	if !ok {
		return
	}
	withdrawal, err := h.service.ApproveWithdrawal(r.Context(), adminID, withdrawalID)
	if err != nil {
		h.writeServiceError(w, "admin_approve_withdrawal", err)
		return
	}
	h.writeJSON(w, http.StatusOK, withdrawal)
}

// RejectWithdrawalHandler terminates a withdrawal as rejected with a refund.
func (h *WalletHandlers) RejectWithdrawalHandler(w http.ResponseWriter, r *http.Request) {
	adminID, withdrawalID, ok := h.adminContext(w, r)
	if !ok {
		return
	}
	req := decodeAdminAction(r)
	if req.Reason == "" {
		h.writeError(w, http.StatusBadRequest, "A rejection reason is required")
		return
	}
	withdrawal, err := h.service.RejectWithdrawal(r.Context(), adminID, withdrawalID, req.Reason)
	if err != nil {
		h.writeServiceError(w, "admin_reject_withdrawal", err)
		return
	}
	h.writeJSON(w, http.StatusOK, withdrawal)
}

// ReturnWithdrawalHandler cancels a withdrawal and returns the funds.
func (h *WalletHandlers) ReturnWithdrawalHandler(w http.ResponseWriter, r *http.Request) {
	adminID, withdrawalID, ok := h.adminContext(w, r)
	if !ok {
		return
	}
	req := decodeAdminAction(r)
	withdrawal, err := h.service.ReturnWithdrawalToBalance(r.Context(), adminID, withdrawalID, req.Reason)
	if err != nil {
		h.writeServiceError(w, "admin_return_withdrawal", err)
		return
	}
	h.writeJSON(w, http.StatusOK, withdrawal)
}

// RetryWithdrawalHandler re-queues a failed withdrawal as a fresh request. An
// optional `provider` in the body pins the retry to that payout rail.
func (h *WalletHandlers) RetryWithdrawalHandler(w http.ResponseWriter, r *http.Request) {
	adminID, withdrawalID, ok := h.adminContext(w, r)
	if !ok {
		return
	}
	req := decodeAdminAction(r)
	withdrawal, err := h.service.RetryWithdrawal(r.Context(), adminID, withdrawalID, req.Provider)
	if err != nil {
		h.writeServiceError(w, "admin_retry_withdrawal", err)
		return
	}
	h.writeJSON(w, http.StatusCreated, withdrawal)
}

// ForceCompleteWithdrawalHandler marks a withdrawal completed on admin authority.
func (h *WalletHandlers) ForceCompleteWithdrawalHandler(w http.ResponseWriter, r *http.Request) {
	adminID, withdrawalID, ok := h.adminContext(w, r)
	if !ok {
		return
	}
	req := decodeAdminAction(r)
	withdrawal, err := h.service.ForceCompleteWithdrawal(r.Context(), adminID, withdrawalID, req.ProviderReference)
	if err != nil {
		h.writeServiceError(w, "admin_force_complete_withdrawal", err)
		return
	}
	h.writeJSON(w, http.StatusOK, withdrawal)
}

// ListAdminWithdrawalsHandler lists withdrawals across all stores. Repeated
// `status` query parameters narrow the result; with none it returns the
// in-flight set.
func (h *WalletHandlers) ListAdminWithdrawalsHandler(w http.ResponseWriter, r *http.Request) {
	claims, ok := GetAuthClaims(r.Context())
	if !ok {
		h.writeError(w, http.StatusInternalServerError, "Could not get caller identity from context")
		return
	}
	limit, _ := paginationParams(r)
	withdrawals, err := h.service.AdminListWithdrawals(r.Context(), claims.SubjectID, r.URL.Query()["status"], limit)
	if err != nil {
		h.writeServiceError(w, "admin_list_withdrawals", err)
		return
	}
	if withdrawals == nil {
		withdrawals = []domain.Withdrawal{}
	}
	h.writeJSON(w, http.StatusOK, map[string]interface{}{"withdrawals": withdrawals})
}

// StuckWithdrawalsHandler reports in-flight withdrawals past the age threshold.
func (h *WalletHandlers) StuckWithdrawalsHandler(w http.ResponseWriter, r *http.Request) {
	claims, ok := GetAuthClaims(r.Context())
	if !ok {
		h.writeError(w, http.StatusInternalServerError, "Could not get caller identity from context")
		return
	}
	stuck, err := h.service.AdminStuckWithdrawals(r.Context(), claims.SubjectID)
	if err != nil {
		h.writeServiceError(w, "admin_stuck_withdrawals", err)
		return
	}
	if stuck == nil {
		stuck = []domain.StuckWithdrawal{}
	}
	h.writeJSON(w, http.StatusOK, map[string]interface{}{"stuck": stuck})
}
