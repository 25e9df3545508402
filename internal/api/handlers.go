/**
 * @description
 * This file contains the HTTP handlers for the wallet-service's API endpoints.
 * Handlers are responsible for parsing incoming requests, calling the appropriate
 * methods on the application service, and writing the HTTP response. They act as the
 * bridge between the web layer and the business logic layer.
 *
 * @dependencies
 * - encoding/json, log, net/http: Standard Go libraries.
 * - internal/app, internal/domain, internal/store: For service logic, models, and custom errors.
 */

package api

import (
	"encoding/json"
	"errors"
	"log"
	"net"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/bundlehub/wallet-service/internal/app"
	"github.com/bundlehub/wallet-service/internal/domain"
	"github.com/bundlehub/wallet-service/internal/store"
)

// WalletHandlers holds the application service that handlers will use.
type WalletHandlers struct {
	service       *app.Service
	webhookSecret string
}

// NewWalletHandlers creates a new instance of WalletHandlers.
func NewWalletHandlers(service *app.Service, webhookSecret string) *WalletHandlers {
	return &WalletHandlers{service: service, webhookSecret: webhookSecret}
}

// depositVerificationResponse is the body returned by the verify endpoint and
// the webhook-driven settlement path.
type depositVerificationResponse struct {
	Reference     string  `json:"reference"`
	Status        string  `json:"status"`
	Amount        int64   `json:"amount"`
	FraudDetected bool    `json:"fraud_detected,omitempty"`
	FailureReason *string `json:"failure_reason,omitempty"`
}

// GetWalletHandler returns the caller's wallet with balances.
func (h *WalletHandlers) GetWalletHandler(w http.ResponseWriter, r *http.Request) {
	claims, ok := GetAuthClaims(r.Context())
	if !ok {
		h.writeError(w, http.StatusInternalServerError, "Could not get caller identity from context")
		return
	}

	wallet, err := h.service.GetWallet(r.Context(), claims.OwnerType, claims.SubjectID)
	if err != nil {
		h.writeServiceError(w, "get_wallet", err)
		return
	}
	h.writeJSON(w, http.StatusOK, wallet)
}

// InitiateDepositHandler starts a deposit via the payment gateway.
func (h *WalletHandlers) InitiateDepositHandler(w http.ResponseWriter, r *http.Request) {
	claims, ok := GetAuthClaims(r.Context())
	if !ok {
		h.writeError(w, http.StatusInternalServerError, "Could not get caller identity from context")
		return
	}

	var req domain.DepositRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	initiation, err := h.service.InitiateDeposit(r.Context(), claims.OwnerType, claims.SubjectID, req, clientIP(r))
	if err != nil {
		h.writeServiceError(w, "initiate_deposit", err)
		return
	}
	h.writeJSON(w, http.StatusCreated, initiation)
}

// VerifyDepositHandler verifies a deposit against the gateway and settles it.
// Safe to call repeatedly; a settled reference returns the stored result.
func (h *WalletHandlers) VerifyDepositHandler(w http.ResponseWriter, r *http.Request) {
	reference := r.URL.Query().Get("reference")
	if reference == "" {
		h.writeError(w, http.StatusBadRequest, "reference query parameter is required")
		return
	}

	record, err := h.service.VerifyAndSettle(r.Context(), reference, clientIP(r))
	if err != nil && !errors.Is(err, app.ErrFraudDetected) && !errors.Is(err, app.ErrAlreadyProcessed) {
		h.writeServiceError(w, "verify_deposit", err)
		return
	}
	h.writeJSON(w, http.StatusOK, depositVerificationResponse{
		Reference:     record.Reference,
		Status:        record.Status,
		Amount:        record.Amount,
		FraudDetected: record.FraudDetected(),
		FailureReason: record.FailureReason,
	})
}

// RequestWithdrawalHandler enqueues a payout from a store wallet.
func (h *WalletHandlers) RequestWithdrawalHandler(w http.ResponseWriter, r *http.Request) {
	claims, ok := GetAuthClaims(r.Context())
	if !ok {
		h.writeError(w, http.StatusInternalServerError, "Could not get caller identity from context")
		return
	}
	if claims.OwnerType != domain.OwnerTypeStore {
		h.writeError(w, http.StatusForbidden, "Withdrawals are available to store accounts only")
		return
	}

	var req domain.WithdrawalRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	withdrawal, err := h.service.RequestWithdrawal(r.Context(), claims.SubjectID, req)
	if err != nil {
		h.writeServiceError(w, "request_withdrawal", err)
		return
	}
	h.writeJSON(w, http.StatusCreated, withdrawal)
}

// ListWithdrawalsHandler returns the caller's withdrawal history.
func (h *WalletHandlers) ListWithdrawalsHandler(w http.ResponseWriter, r *http.Request) {
	claims, ok := GetAuthClaims(r.Context())
	if !ok {
		h.writeError(w, http.StatusInternalServerError, "Could not get caller identity from context")
		return
	}
	if claims.OwnerType != domain.OwnerTypeStore {
		h.writeError(w, http.StatusForbidden, "Withdrawals are available to store accounts only")
		return
	}

	limit, offset := paginationParams(r)
	withdrawals, err := h.service.ListWithdrawals(r.Context(), claims.SubjectID, limit, offset)
	if err != nil {
		h.writeServiceError(w, "list_withdrawals", err)
		return
	}
	if withdrawals == nil {
		withdrawals = []domain.Withdrawal{}
	}
	h.writeJSON(w, http.StatusOK, map[string]interface{}{"withdrawals": withdrawals})
}

// GetWithdrawalHandler returns a single withdrawal scoped to the caller.
func (h *WalletHandlers) GetWithdrawalHandler(w http.ResponseWriter, r *http.Request) {
	claims, ok := GetAuthClaims(r.Context())
	if !ok {
		h.writeError(w, http.StatusInternalServerError, "Could not get caller identity from context")
		return
	}

	withdrawalID := chi.URLParam(r, "withdrawalID")
	withdrawal, err := h.service.GetWithdrawal(r.Context(), claims.SubjectID, withdrawalID)
	if err != nil {
		h.writeServiceError(w, "get_withdrawal", err)
		return
	}
	h.writeJSON(w, http.StatusOK, withdrawal)
}

// ListAuditLogHandler returns the audit trail for the caller's wallet.
func (h *WalletHandlers) ListAuditLogHandler(w http.ResponseWriter, r *http.Request) {
	claims, ok := GetAuthClaims(r.Context())
	if !ok {
		h.writeError(w, http.StatusInternalServerError, "Could not get caller identity from context")
		return
	}

	limit, offset := paginationParams(r)
	entries, err := h.service.ListAuditLog(r.Context(), claims.OwnerType, claims.SubjectID, limit, offset)
	if err != nil {
		h.writeServiceError(w, "list_audit_log", err)
		return
	}
	if entries == nil {
		entries = []domain.AuditLogEntry{}
	}
	h.writeJSON(w, http.StatusOK, map[string]interface{}{"entries": entries})
}

// clientIP extracts the originating address, preferring the first entry of
// X-Forwarded-For when the request came through a proxy.
func clientIP(r *http.Request) string {
	if forwarded := r.Header.Get("X-Forwarded-For"); forwarded != "" {
		parts := strings.Split(forwarded, ",")
		return strings.TrimSpace(parts[0])
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func paginationParams(r *http.Request) (limit, offset int) {
	limit, _ = strconv.Atoi(r.URL.Query().Get("limit"))
	offset, _ = strconv.Atoi(r.URL.Query().Get("offset"))
	if offset < 0 {
		offset = 0
	}
	return limit, offset
}

// writeServiceError maps service and store errors to HTTP responses.
func (h *WalletHandlers) writeServiceError(w http.ResponseWriter, endpoint string, err error) {
	switch {
	case errors.Is(err, app.ErrInvalidAmount):
		h.writeError(w, http.StatusBadRequest, "Amount must be greater than zero")
	case errors.Is(err, app.ErrBelowMinimum):
		h.writeError(w, http.StatusBadRequest, "Amount is below the minimum withdrawal")
	case errors.Is(err, app.ErrInvalidPayoutDetails):
		h.writeError(w, http.StatusBadRequest, "Momo number, network or account name is missing or malformed")
	case errors.Is(err, app.ErrUnknownProvider):
		h.writeError(w, http.StatusBadRequest, "No payout provider with that name")
	case errors.Is(err, app.ErrNotAuthorized):
		h.writeError(w, http.StatusForbidden, "Not authorized")
	case errors.Is(err, app.ErrRetryNotAllowed):
		h.writeError(w, http.StatusConflict, "Only failed withdrawals can be retried")
	case errors.Is(err, store.ErrInsufficientFunds):
		h.writeError(w, http.StatusUnprocessableEntity, "Insufficient available balance")
	case errors.Is(err, store.ErrWithdrawalPending):
		h.writeError(w, http.StatusConflict, "A withdrawal is already in flight for this store")
	case errors.Is(err, store.ErrWithdrawalConflict):
		h.writeError(w, http.StatusConflict, "Withdrawal is no longer in a state that allows this action")
	case errors.Is(err, store.ErrWalletNotFound):
		h.writeError(w, http.StatusNotFound, "Wallet not found")
	case errors.Is(err, store.ErrTransactionNotFound):
		h.writeError(w, http.StatusNotFound, "Transaction not found")
	case errors.Is(err, store.ErrWithdrawalNotFound):
		h.writeError(w, http.StatusNotFound, "Withdrawal not found")
	case errors.Is(err, store.ErrDuplicateReference):
		h.writeError(w, http.StatusConflict, "Reference already used")
	default:
		log.Printf("level=error component=api endpoint=%s msg=\"unhandled service error\" err=%v", endpoint, err)
		h.writeError(w, http.StatusInternalServerError, "Internal server error")
	}
}

// writeJSON is a helper for writing JSON responses.
func (h *WalletHandlers) writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if data != nil {
		json.NewEncoder(w).Encode(data)
	}
}

// writeError is a helper for writing JSON error responses.
func (h *WalletHandlers) writeError(w http.ResponseWriter, status int, message string) {
	h.writeJSON(w, status, map[string]string{"error": message})
}
