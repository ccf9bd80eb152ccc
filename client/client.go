package client

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// User is a chat user known to the relay.
type User struct {
	TgUserID  int64     `json:"tg_user_id"`
	Username  string    `json:"username"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Wallet is a wallet address linked to a user.
type Wallet struct {
	ID        int64     `json:"id"`
	TgUserID  int64     `json:"tg_user_id"`
	Address   string    `json:"address"`
	Label     string    `json:"label"`
	IsActive  bool      `json:"is_active"`
	CreatedAt time.Time `json:"created_at"`
}

// PaymentRequest asks a payer to send the requester an amount.
type PaymentRequest struct {
	ID          string          `json:"id"`
	RequesterID int64           `json:"requester_id"`
	PayerID     int64           `json:"payer_id"`
	Amount      decimal.Decimal `json:"amount"`
	Memo        *string         `json:"memo,omitempty"`
	Fulfilled   bool            `json:"fulfilled"`
	PaymentID   *string         `json:"payment_id,omitempty"`
	CreatedAt   time.Time       `json:"created_at"`
	FulfilledAt *time.Time      `json:"fulfilled_at,omitempty"`
}

// Payment is a USDC transfer between two users.
type Payment struct {
	ID              string          `json:"id"`
	SenderID        int64           `json:"sender_id"`
	RecipientID     int64           `json:"recipient_id"`
	SenderWallet    string          `json:"sender_wallet"`
	RecipientWallet string          `json:"recipient_wallet"`
	Amount          decimal.Decimal `json:"amount"`
	Status          string          `json:"status"` // pending, built, submitted, confirmed, failed, expired
	RequestID       *string         `json:"request_id,omitempty"`
	Signature       *string         `json:"signature,omitempty"`
	Error           *string         `json:"error,omitempty"`
	WorkflowID      *string         `json:"workflow_id,omitempty"`
	CreatedAt       time.Time       `json:"created_at"`
	UpdatedAt       time.Time       `json:"updated_at"`
}

// Terminal reports whether the payment will not change again.
func (p *Payment) Terminal() bool {
	return terminalStatus(p.Status)
}

// CreatedPayment is returned when a payment is created.
type CreatedPayment struct {
	Payment Payment `json:"payment"`
	SignURL string  `json:"sign_url"`
	// QRCodePNG is a base64 PNG of SignURL. Empty if rendering failed.
	QRCodePNG string `json:"qr_code_png"`
}

// Transfer is an unsigned transfer ready for the sender to sign.
type Transfer struct {
	Transaction           string          `json:"transaction"`
	Blockhash             string          `json:"blockhash"`
	LastValidBlockHeight  uint64          `json:"last_valid_block_height"`
	SenderTokenAccount    string          `json:"sender_token_account"`
	RecipientTokenAccount string          `json:"recipient_token_account"`
	Amount                decimal.Decimal `json:"amount"`
	AmountBaseUnits       uint64          `json:"amount_base_units"`
	CreatesAccounts       []string        `json:"creates_accounts,omitempty"`
	InstructionCount      int             `json:"instruction_count"`
	Memo                  string          `json:"memo,omitempty"`
}

// BuiltPayment is a payment with its freshly planned transfer.
type BuiltPayment struct {
	Payment  Payment  `json:"payment"`
	Transfer Transfer `json:"transfer"`
}

// Submission is returned when a signed transaction is accepted for settlement.
type Submission struct {
	PaymentID  string `json:"payment_id"`
	WorkflowID string `json:"workflow_id"`
	Signature  string `json:"signature"`
	StatusURL  string `json:"status_url"`
	StreamURL  string `json:"stream_url"`
}

// PaymentEvent is a status change delivered over the payment stream.
type PaymentEvent struct {
	PaymentID       string          `json:"payment_id"`
	Status          string          `json:"status"`
	SenderID        int64           `json:"sender_id"`
	RecipientID     int64           `json:"recipient_id"`
	SenderWallet    string          `json:"sender_wallet"`
	RecipientWallet string          `json:"recipient_wallet"`
	Amount          decimal.Decimal `json:"amount"`
	RequestID       string          `json:"request_id,omitempty"`
	Signature       string          `json:"signature,omitempty"`
	Error           string          `json:"error,omitempty"`
	UpdatedAt       time.Time       `json:"updated_at"`
	PublishedAt     time.Time       `json:"published_at"`
}

// Terminal reports whether this is the last event for the payment.
func (e *PaymentEvent) Terminal() bool {
	return terminalStatus(e.Status)
}

func terminalStatus(status string) bool {
	switch status {
	case "confirmed", "failed", "expired":
		return true
	}
	return false
}

// APIError is a non-success response from the server.
type APIError struct {
	StatusCode int
	Message    string
	// Code is a machine-readable reason such as "insufficient_funds". It is
	// empty for most errors.
	Code string
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("request failed: %s (%s)", e.Message, e.Code)
	}
	return fmt.Sprintf("request failed: %s", e.Message)
}

// Client is the HTTP client for the payment relay.
type Client struct {
	baseURL    string
	httpClient *http.Client
	// streamClient has no timeout; streams stay open until a terminal event.
	streamClient *http.Client
	logger       *slog.Logger
}

// NewClient creates a new payment relay client.
func NewClient(baseURL string, httpClient *http.Client, logger *slog.Logger) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	if logger == nil {
		logger = slog.New(slog.NewJSONHandler(io.Discard, nil))
	}
	streamClient := *httpClient
	streamClient.Timeout = 0
	return &Client{
		baseURL:      strings.TrimRight(baseURL, "/"),
		httpClient:   httpClient,
		streamClient: &streamClient,
		logger:       logger,
	}
}

// EnsureUser creates the user or refreshes their username.
func (c *Client) EnsureUser(ctx context.Context, tgUserID int64, username string) (*User, error) {
	var user User
	err := c.do(ctx, "POST", "/api/v1/users", map[string]interface{}{
		"tg_user_id": tgUserID,
		"username":   username,
	}, http.StatusOK, &user)
	if err != nil {
		return nil, err
	}
	return &user, nil
}

// FindUser resolves "@name", a bare username, or a numeric id.
func (c *Client) FindUser(ctx context.Context, ref string) (*User, error) {
	var user User
	if err := c.do(ctx, "GET", "/api/v1/users/"+url.PathEscape(ref), nil, http.StatusOK, &user); err != nil {
		return nil, err
	}
	return &user, nil
}

// LinkWallet links an address to a user. Label defaults to "Phantom".
func (c *Client) LinkWallet(ctx context.Context, tgUserID int64, address, label string, makeActive bool) (*Wallet, error) {
	var wallet Wallet
	err := c.do(ctx, "POST", fmt.Sprintf("/api/v1/users/%d/wallets", tgUserID), map[string]interface{}{
		"address":     address,
		"label":       label,
		"make_active": makeActive,
	}, http.StatusCreated, &wallet)
	if err != nil {
		return nil, err
	}
	c.logger.Debug("wallet linked", "tg_user_id", tgUserID, "address", address, "active", wallet.IsActive)
	return &wallet, nil
}

// ListWallets returns a user's wallets, oldest first.
func (c *Client) ListWallets(ctx context.Context, tgUserID int64) ([]*Wallet, error) {
	var response struct {
		Wallets []*Wallet `json:"wallets"`
	}
	if err := c.do(ctx, "GET", fmt.Sprintf("/api/v1/users/%d/wallets", tgUserID), nil, http.StatusOK, &response); err != nil {
		return nil, err
	}
	return response.Wallets, nil
}

// ActivateWallet makes a linked address the user's active wallet.
func (c *Client) ActivateWallet(ctx context.Context, tgUserID int64, address string) (*Wallet, error) {
	var wallet Wallet
	path := fmt.Sprintf("/api/v1/users/%d/wallets/%s/active", tgUserID, url.PathEscape(address))
	if err := c.do(ctx, "PUT", path, nil, http.StatusOK, &wallet); err != nil {
		return nil, err
	}
	return &wallet, nil
}

// DisconnectWallet unlinks an address from a user.
func (c *Client) DisconnectWallet(ctx context.Context, tgUserID int64, address string) error {
	path := fmt.Sprintf("/api/v1/users/%d/wallets/%s", tgUserID, url.PathEscape(address))
	if err := c.do(ctx, "DELETE", path, nil, http.StatusNoContent, nil); err != nil {
		return err
	}
	c.logger.Debug("wallet disconnected", "tg_user_id", tgUserID, "address", address)
	return nil
}

// CreateRequest asks payer (a user reference) to pay the requester.
func (c *Client) CreateRequest(ctx context.Context, requesterID int64, payer, amount, memo string) (*PaymentRequest, error) {
	var req PaymentRequest
	err := c.do(ctx, "POST", "/api/v1/requests", map[string]interface{}{
		"requester_id": requesterID,
		"payer":        payer,
		"amount":       amount,
		"memo":         memo,
	}, http.StatusCreated, &req)
	if err != nil {
		return nil, err
	}
	return &req, nil
}

// ListRequests returns recent requests involving a user, newest first. A
// zero counterparty or limit is omitted.
func (c *Client) ListRequests(ctx context.Context, userID, counterpartyID int64, limit int) ([]*PaymentRequest, error) {
	q := url.Values{}
	q.Set("user", strconv.FormatInt(userID, 10))
	if counterpartyID != 0 {
		q.Set("counterparty", strconv.FormatInt(counterpartyID, 10))
	}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}

	var response struct {
		Requests []*PaymentRequest `json:"requests"`
	}
	if err := c.do(ctx, "GET", "/api/v1/requests?"+q.Encode(), nil, http.StatusOK, &response); err != nil {
		return nil, err
	}
	return response.Requests, nil
}

// CreatePaymentParams describes a new payment. With neither Amount nor
// RequestID, the newest open request from the recipient is settled.
type CreatePaymentParams struct {
	SenderID  int64  `json:"sender_id"`
	Recipient string `json:"recipient"`
	Amount    string `json:"amount,omitempty"`
	RequestID string `json:"request_id,omitempty"`
}

// CreatePayment records a payment and returns the link the sender signs it at.
func (c *Client) CreatePayment(ctx context.Context, params CreatePaymentParams) (*CreatedPayment, error) {
	var created CreatedPayment
	if err := c.do(ctx, "POST", "/api/v1/payments", params, http.StatusCreated, &created); err != nil {
		return nil, err
	}
	c.logger.Debug("payment created", "payment_id", created.Payment.ID, "amount", created.Payment.Amount.String())
	return &created, nil
}

// GetPayment retrieves a payment.
func (c *Client) GetPayment(ctx context.Context, id string) (*Payment, error) {
	var payment Payment
	if err := c.do(ctx, "GET", "/api/v1/payments/"+url.PathEscape(id), nil, http.StatusOK, &payment); err != nil {
		return nil, err
	}
	return &payment, nil
}

// ListPaymentsParams filters a user's payments. Zero values are omitted.
type ListPaymentsParams struct {
	UserID int64
	Status string
	Limit  int
	Offset int
}

// ListPayments returns payments a user sent or received, newest first.
func (c *Client) ListPayments(ctx context.Context, params ListPaymentsParams) ([]*Payment, error) {
	q := url.Values{}
	q.Set("user", strconv.FormatInt(params.UserID, 10))
	if params.Status != "" {
		q.Set("status", params.Status)
	}
	if params.Limit > 0 {
		q.Set("limit", strconv.Itoa(params.Limit))
	}
	if params.Offset > 0 {
		q.Set("offset", strconv.Itoa(params.Offset))
	}

	var response struct {
		Payments []*Payment `json:"payments"`
	}
	if err := c.do(ctx, "GET", "/api/v1/payments?"+q.Encode(), nil, http.StatusOK, &response); err != nil {
		return nil, err
	}
	return response.Payments, nil
}

// BuildPayment plans the unsigned transfer for a payment. Calling it again
// refreshes the blockhash.
func (c *Client) BuildPayment(ctx context.Context, id string) (*BuiltPayment, error) {
	var built BuiltPayment
	if err := c.do(ctx, "POST", "/api/v1/payments/"+url.PathEscape(id)+"/build", nil, http.StatusOK, &built); err != nil {
		return nil, err
	}
	return &built, nil
}

// SubmitPayment hands a signed base64 transaction to the relay for
// settlement.
func (c *Client) SubmitPayment(ctx context.Context, id, signedTransaction string) (*Submission, error) {
	var sub Submission
	err := c.do(ctx, "POST", "/api/v1/payments/"+url.PathEscape(id)+"/submit", map[string]string{
		"transaction": signedTransaction,
	}, http.StatusAccepted, &sub)
	if err != nil {
		return nil, err
	}
	c.logger.Debug("payment submitted", "payment_id", id, "signature", sub.Signature)
	return &sub, nil
}

// Plan dry-runs the transfer planner without recording a payment.
func (c *Client) Plan(ctx context.Context, sender, recipient, amount, memo string) (*Transfer, error) {
	q := url.Values{}
	q.Set("sender", sender)
	q.Set("recipient", recipient)
	q.Set("amount", amount)
	if memo != "" {
		q.Set("memo", memo)
	}

	var transfer Transfer
	if err := c.do(ctx, "GET", "/api/v1/plan?"+q.Encode(), nil, http.StatusOK, &transfer); err != nil {
		return nil, err
	}
	return &transfer, nil
}

// AwaitPayment streams a payment's status changes until it is terminal and
// returns the final event. onEvent, if set, sees every event including the
// initial snapshot.
func (c *Client) AwaitPayment(ctx context.Context, id string, onEvent func(*PaymentEvent)) (*PaymentEvent, error) {
	u := c.baseURL + "/api/v1/stream/payments/" + url.PathEscape(id)
	req, err := http.NewRequestWithContext(ctx, "GET", u, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "text/event-stream")

	resp, err := c.streamClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to SSE endpoint: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, c.parseErrorResponse(resp)
	}

	scanner := bufio.NewScanner(resp.Body)
	var currentEvent, currentData string

	for scanner.Scan() {
		line := scanner.Text()

		// Empty line indicates end of event
		if line == "" {
			if currentEvent == "payment" && currentData != "" {
				var event PaymentEvent
				if err := json.Unmarshal([]byte(currentData), &event); err != nil {
					c.logger.Warn("failed to decode payment event", "error", err)
				} else {
					if onEvent != nil {
						onEvent(&event)
					}
					if event.Terminal() {
						return &event, nil
					}
				}
			}
			currentEvent = ""
			currentData = ""
			continue
		}

		if strings.HasPrefix(line, "event:") {
			currentEvent = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
		} else if strings.HasPrefix(line, "data:") {
			currentData = strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		}
	}

	if err := scanner.Err(); err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("error reading SSE stream: %w", err)
	}
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}
	return nil, fmt.Errorf("stream for payment %s ended before a terminal status", id)
}

// do sends a JSON request and decodes a JSON response into out when the
// status matches want.
func (c *Client) do(ctx context.Context, method, path string, in interface{}, want int, out interface{}) error {
	var body io.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("failed to marshal request: %w", err)
		}
		body = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != want {
		return c.parseErrorResponse(resp)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}

// parseErrorResponse attempts to parse an error response from the server.
func (c *Client) parseErrorResponse(resp *http.Response) error {
	var errResp struct {
		Error string `json:"error"`
		Code  string `json:"code"`
	}

	body, _ := io.ReadAll(resp.Body)
	if err := json.Unmarshal(body, &errResp); err != nil || errResp.Error == "" {
		return &APIError{
			StatusCode: resp.StatusCode,
			Message:    fmt.Sprintf("status %d: %s", resp.StatusCode, strings.TrimSpace(string(body))),
		}
	}

	return &APIError{
		StatusCode: resp.StatusCode,
		Message:    errResp.Error,
		Code:       errResp.Code,
	}
}
