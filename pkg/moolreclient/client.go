/**
 * @description
 * This package provides a client for the Moolre open API. Moolre is the primary
 * mobile money payout rail: the dispatcher pushes withdrawal payouts through it
 * first and only falls back to the gateway's transfer API when Moolre rejects
 * the request.
 *
 * @dependencies
 * - bytes, context, encoding/json, fmt, io, log, net/http, time: Standard Go libraries.
 */
package moolreclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"time"
)

// Payout terminal and in-flight statuses as reported by Moolre.
const (
	StatusSuccess = "success"
	StatusPending = "pending"
	StatusFailed  = "failed"
)

// Client is a client for the Moolre API.
type Client struct {
	BaseURL    string
	APIUser    string
	APIKey     string
	AccountID  string
	HTTPClient *http.Client
}

// NewClient creates a new Moolre API client.
func NewClient(baseURL, apiUser, apiKey, accountID string) *Client {
	return &Client{
		BaseURL:   baseURL,
		APIUser:   apiUser,
		APIKey:    apiKey,
		AccountID: accountID,
		HTTPClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// PayoutRequest is the payload for a momo disbursement.
type PayoutRequest struct {
	Type        int    `json:"type"` // 1 = mobile money
	Channel     string `json:"channel"`
	Currency    string `json:"currency"`
	Payer       string `json:"payer"` // source account id
	Payee       string `json:"payee"` // recipient momo number
	Amount      string `json:"amount"`
	ExternalRef string `json:"externalref"`
	Reference   string `json:"reference"` // narration shown to the recipient
}

// PayoutResponse is the response from the payment and status endpoints. A
// Status of 1 means the API accepted the call; the transaction itself reports
// its own state in Data.TxStatus.
type PayoutResponse struct {
	Status  int    `json:"status"`
	Code    string `json:"code"`
	Message string `json:"message"`
	Data    struct {
		TransactionID string `json:"transactionid"`
		ExternalRef   string `json:"externalref"`
		TxStatus      string `json:"txstatus"`
	} `json:"data"`
}

// ErrorResponse represents a rejected call to the Moolre API.
type ErrorResponse struct {
	Status  int    `json:"status"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e *ErrorResponse) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("moolre api error: %s - %s", e.Code, e.Message)
	}
	return "unknown moolre api error"
}

// InitiatePayout sends a momo disbursement. The amount is in pesewas and is
// formatted as a decimal GHS string on the wire, which is what the API expects.
func (c *Client) InitiatePayout(ctx context.Context, momoNumber, network, externalRef, narration string, amount int64) (*PayoutResponse, error) {
	payload := PayoutRequest{
		Type:        1,
		Channel:     network,
		Currency:    "GHS",
		Payer:       c.AccountID,
		Payee:       momoNumber,
		Amount:      fmt.Sprintf("%d.%02d", amount/100, amount%100),
		ExternalRef: externalRef,
		Reference:   narration,
	}
	return c.post(ctx, "/open/transact/payment", "initiate_payout", payload)
}

// PayoutStatus fetches the current state of a disbursement by external reference.
func (c *Client) PayoutStatus(ctx context.Context, externalRef string) (*PayoutResponse, error) {
	payload := map[string]any{
		"type":        1,
		"externalref": externalRef,
	}
	return c.post(ctx, "/open/transact/status", "payout_status", payload)
}

func (c *Client) post(ctx context.Context, path, op string, payload interface{}) (*PayoutResponse, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal %s request: %w", op, err)
	}

	req, err := http.NewRequestWithContext(ctx, "POST", c.BaseURL+path, bytes.NewBuffer(raw))
	if err != nil {
		return nil, fmt.Errorf("failed to create %s request: %w", op, err)
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("X-API-USER", c.APIUser)
	req.Header.Set("X-API-PUBKEY", c.APIKey)

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to execute %s request: %w", op, err)
	}
	defer resp.Body.Close()

	bodyBytes, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s response: %w", op, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		var errResp ErrorResponse
		if err := json.Unmarshal(bodyBytes, &errResp); err != nil {
			log.Printf("level=warn component=moolre_client op=%s status=%d msg=\"non-2xx response (unparsable error body)\"", op, resp.StatusCode)
			return nil, fmt.Errorf("failed to decode error response (status %d)", resp.StatusCode)
		}
		log.Printf("level=warn component=moolre_client op=%s status=%d code=%s message=%q", op, resp.StatusCode, errResp.Code, errResp.Message)
		return nil, &errResp
	}

	var out PayoutResponse
	if err := json.Unmarshal(bodyBytes, &out); err != nil {
		return nil, fmt.Errorf("failed to decode %s response: %w", op, err)
	}
	if out.Status != 1 {
		log.Printf("level=warn component=moolre_client op=%s code=%s message=%q msg=\"api rejected request\"", op, out.Code, out.Message)
		return nil, &ErrorResponse{Status: out.Status, Code: out.Code, Message: out.Message}
	}
	return &out, nil
}
