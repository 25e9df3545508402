/**
 * @description
 * This package provides a client for interacting with the Paystack API.
 * Paystack fills two roles for the wallet service: it is the card/momo gateway
 * that collects deposits, and it is the fallback payout rail used when the
 * primary momo provider rejects a transfer. The package also exposes the
 * HMAC-SHA512 signature check used to authenticate Paystack webhooks.
 *
 * @dependencies
 * - bytes, context, crypto/hmac, crypto/sha512, encoding/hex, encoding/json,
 *   fmt, io, log, net/http, time: Standard Go libraries.
 */
package paystackclient

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha512"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"time"
)

// Client is a client for the Paystack API.
type Client struct {
	BaseURL    string
	SecretKey  string
	HTTPClient *http.Client
}

// NewClient creates a new Paystack API client.
func NewClient(baseURL, secretKey string) *Client {
	return &Client{
		BaseURL:   baseURL,
		SecretKey: secretKey,
		HTTPClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// InitializeTransactionRequest is the payload for starting a hosted checkout.
type InitializeTransactionRequest struct {
	Email     string `json:"email"`
	Amount    int64  `json:"amount"` // in pesewas
	Reference string `json:"reference"`
	Currency  string `json:"currency"`
}

// InitializeTransactionResponse is the response from /transaction/initialize.
type InitializeTransactionResponse struct {
	Status  bool   `json:"status"`
	Message string `json:"message"`
	Data    struct {
		AuthorizationURL string `json:"authorization_url"`
		AccessCode       string `json:"access_code"`
		Reference        string `json:"reference"`
	} `json:"data"`
}

// TransactionData is the transaction body from /transaction/verify and from
// charge webhooks.
type TransactionData struct {
	ID              int64  `json:"id"`
	Status          string `json:"status"` // "success", "failed", "abandoned", "pending"
	Reference       string `json:"reference"`
	Amount          int64  `json:"amount"` // in pesewas, actually charged
	Currency        string `json:"currency"`
	Channel         string `json:"channel"`
	GatewayResponse string `json:"gateway_response"`
	PaidAt          string `json:"paid_at"`
}

// VerifyTransactionResponse is the response from /transaction/verify/:reference.
type VerifyTransactionResponse struct {
	Status  bool            `json:"status"`
	Message string          `json:"message"`
	Data    TransactionData `json:"data"`
}

// CreateRecipientRequest is the payload for registering a momo transfer recipient.
type CreateRecipientRequest struct {
	Type          string `json:"type"` // "mobile_money"
	Name          string `json:"name"`
	AccountNumber string `json:"account_number"`
	BankCode      string `json:"bank_code"` // momo network code, e.g. "MTN"
	Currency      string `json:"currency"`
}

// CreateRecipientResponse is the response from /transferrecipient.
type CreateRecipientResponse struct {
	Status  bool   `json:"status"`
	Message string `json:"message"`
	Data    struct {
		RecipientCode string `json:"recipient_code"`
	} `json:"data"`
}

// InitiateTransferRequest is the payload for sending money to a recipient.
type InitiateTransferRequest struct {
	Source    string `json:"source"` // always "balance"
	Amount    int64  `json:"amount"` // in pesewas
	Recipient string `json:"recipient"`
	Reason    string `json:"reason"`
	Reference string `json:"reference"`
	Currency  string `json:"currency"`
}

// TransferData is the transfer body from /transfer endpoints and webhooks.
type TransferData struct {
	ID           int64  `json:"id"`
	Status       string `json:"status"` // "pending", "success", "failed", "reversed"
	Reference    string `json:"reference"`
	TransferCode string `json:"transfer_code"`
	Amount       int64  `json:"amount"`
	Reason       string `json:"reason"`
}

// TransferResponse is the response from /transfer and /transfer/verify.
type TransferResponse struct {
	Status  bool         `json:"status"`
	Message string       `json:"message"`
	Data    TransferData `json:"data"`
}

// WebhookEvent is the envelope Paystack posts to the webhook endpoint. Data is
// decoded lazily because its shape depends on the event type.
type WebhookEvent struct {
	Event string          `json:"event"` // e.g. "charge.success", "transfer.failed"
	Data  json.RawMessage `json:"data"`
}

// ErrorResponse represents an error from the Paystack API.
type ErrorResponse struct {
	Status  bool   `json:"status"`
	Message string `json:"message"`
}

func (e *ErrorResponse) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("paystack api error: %s", e.Message)
	}
	return "unknown paystack api error"
}

// InitializeTransaction starts a hosted checkout for a deposit. The amount must
// already include the gateway fee the payer is expected to cover.
func (c *Client) InitializeTransaction(ctx context.Context, email, reference string, amount int64) (*InitializeTransactionResponse, error) {
	payload := InitializeTransactionRequest{
		Email:     email,
		Amount:    amount,
		Reference: reference,
		Currency:  "GHS",
	}
	var resp InitializeTransactionResponse
	if err := c.do(ctx, "POST", "/transaction/initialize", "initialize_transaction", payload, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// VerifyTransaction fetches the authoritative state of a deposit by reference.
func (c *Client) VerifyTransaction(ctx context.Context, reference string) (*VerifyTransactionResponse, error) {
	var resp VerifyTransactionResponse
	if err := c.do(ctx, "GET", "/transaction/verify/"+reference, "verify_transaction", nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// CreateTransferRecipient registers a mobile money recipient and returns its code.
func (c *Client) CreateTransferRecipient(ctx context.Context, name, accountNumber, bankCode string) (*CreateRecipientResponse, error) {
	payload := CreateRecipientRequest{
		Type:          "mobile_money",
		Name:          name,
		AccountNumber: accountNumber,
		BankCode:      bankCode,
		Currency:      "GHS",
	}
	var resp CreateRecipientResponse
	if err := c.do(ctx, "POST", "/transferrecipient", "create_recipient", payload, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// InitiateTransfer sends a payout to a previously registered recipient.
func (c *Client) InitiateTransfer(ctx context.Context, recipientCode, reference, reason string, amount int64) (*TransferResponse, error) {
	payload := InitiateTransferRequest{
		Source:    "balance",
		Amount:    amount,
		Recipient: recipientCode,
		Reason:    reason,
		Reference: reference,
		Currency:  "GHS",
	}
	var resp TransferResponse
	if err := c.do(ctx, "POST", "/transfer", "initiate_transfer", payload, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// FetchTransfer fetches the current state of a payout by its reference.
func (c *Client) FetchTransfer(ctx context.Context, reference string) (*TransferResponse, error) {
	var resp TransferResponse
	if err := c.do(ctx, "GET", "/transfer/verify/"+reference, "fetch_transfer", nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// ValidateSignature reports whether signature is the hex HMAC-SHA512 of body
// under the given secret. Paystack signs the raw request body and sends the
// digest in the x-paystack-signature header.
func ValidateSignature(secret string, body []byte, signature string) bool {
	mac := hmac.New(sha512.New, []byte(secret))
	mac.Write(body)
	expected := hex.EncodeToString(mac.Sum(nil))
	return hmac.Equal([]byte(expected), []byte(signature))
}

// do executes an authenticated request and decodes the response into out.
func (c *Client) do(ctx context.Context, method, path, op string, payload, out interface{}) error {
	var body io.Reader
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("failed to marshal %s request: %w", op, err)
		}
		body = bytes.NewBuffer(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.BaseURL+path, body)
	if err != nil {
		return fmt.Errorf("failed to create %s request: %w", op, err)
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.SecretKey)

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to execute %s request: %w", op, err)
	}
	defer resp.Body.Close()

	bodyBytes, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read %s response: %w", op, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		var errResp ErrorResponse
		if err := json.Unmarshal(bodyBytes, &errResp); err != nil {
			log.Printf("level=warn component=paystack_client op=%s status=%d msg=\"non-2xx response (unparsable error body)\"", op, resp.StatusCode)
			return fmt.Errorf("failed to decode error response (status %d)", resp.StatusCode)
		}
		log.Printf("level=warn component=paystack_client op=%s status=%d message=%q", op, resp.StatusCode, errResp.Message)
		return &errResp
	}

	if err := json.Unmarshal(bodyBytes, out); err != nil {
		return fmt.Errorf("failed to decode %s response: %w", op, err)
	}
	return nil
}
