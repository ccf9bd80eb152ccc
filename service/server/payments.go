package server

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/brojonat/payrelay/service/config"
	"github.com/brojonat/payrelay/service/db"
	natspkg "github.com/brojonat/payrelay/service/nats"
	"github.com/brojonat/payrelay/service/solana"
	"github.com/brojonat/payrelay/service/temporal"
	solanago "github.com/gagliardetto/solana-go"
	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"
)

// paymentResponse is the API response format for a payment.
type paymentResponse struct {
	ID              string          `json:"id"`
	SenderID        int64           `json:"sender_id"`
	RecipientID     int64           `json:"recipient_id"`
	SenderWallet    string          `json:"sender_wallet"`
	RecipientWallet string          `json:"recipient_wallet"`
	Amount          decimal.Decimal `json:"amount"`
	Status          string          `json:"status"`
	RequestID       *string         `json:"request_id,omitempty"`
	Signature       *string         `json:"signature,omitempty"`
	Error           *string         `json:"error,omitempty"`
	WorkflowID      *string         `json:"workflow_id,omitempty"`
	CreatedAt       time.Time       `json:"created_at"`
	UpdatedAt       time.Time       `json:"updated_at"`
}

func paymentToResponse(p *db.Payment) paymentResponse {
	resp := paymentResponse{
		ID:              p.ID.String(),
		SenderID:        p.SenderID,
		RecipientID:     p.RecipientID,
		SenderWallet:    p.SenderWallet,
		RecipientWallet: p.RecipientWallet,
		Amount:          p.Amount,
		Status:          string(p.Status),
		Signature:       p.TxSignature,
		Error:           p.ErrorMessage,
		WorkflowID:      p.WorkflowID,
		CreatedAt:       p.CreatedAt,
		UpdatedAt:       p.UpdatedAt,
	}
	if p.RequestID != nil {
		id := p.RequestID.String()
		resp.RequestID = &id
	}
	return resp
}

// handleCreatePayment returns a handler that records a payment intent and
// returns a signing link for the sender.
//
// The payment settles request_id when given. With neither request_id nor
// amount, it settles the newest open request the recipient sent the sender.
// POST /api/v1/payments
func handleCreatePayment(store Store, cfg *config.Config, logger *slog.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()

		var req struct {
			SenderID  int64  `json:"sender_id"`
			Recipient string `json:"recipient"`
			Amount    string `json:"amount"`
			RequestID string `json:"request_id"`
		}
		if err := decodeBody(w, r, &req); err != nil {
			writeError(w, err.Error(), http.StatusBadRequest)
			return
		}

		if req.SenderID <= 0 {
			writeError(w, "sender_id must be positive", http.StatusBadRequest)
			return
		}
		if err := validateUserRef(req.Recipient); err != nil {
			writeError(w, "recipient: "+err.Error(), http.StatusBadRequest)
			return
		}

		var amount decimal.Decimal
		if req.Amount != "" {
			var err error
			amount, err = parsePositiveAmount(req.Amount)
			if err != nil {
				writeError(w, err.Error(), http.StatusBadRequest)
				return
			}
		}

		sender, err := store.GetUser(ctx, req.SenderID)
		if err != nil {
			writeStoreError(w, r, logger, err, "sender not found")
			return
		}
		recipient, err := store.FindUser(ctx, req.Recipient)
		if err != nil {
			writeStoreError(w, r, logger, err, "recipient not found")
			return
		}

		// Resolve the request this payment settles, if any.
		var linked *db.PaymentRequest
		switch {
		case req.RequestID != "":
			requestID, err := parseUUID(req.RequestID, "request_id")
			if err != nil {
				writeError(w, err.Error(), http.StatusBadRequest)
				return
			}
			linked, err = store.GetPaymentRequest(ctx, requestID)
			if err != nil {
				writeStoreError(w, r, logger, err, "request not found")
				return
			}
			if linked.RequesterID != recipient.TgUserID || linked.PayerID != sender.TgUserID {
				writeError(w, "request is not between sender and recipient", http.StatusConflict)
				return
			}
			if linked.Fulfilled {
				writeError(w, "request already fulfilled", http.StatusConflict)
				return
			}
		case req.Amount == "":
			linked, err = store.FindLatestUnfulfilledRequest(ctx, recipient.TgUserID, sender.TgUserID)
			if errors.Is(err, pgx.ErrNoRows) {
				writeError(w, "amount is required: no open request from recipient", http.StatusBadRequest)
				return
			}
			if err != nil {
				writeStoreError(w, r, logger, err, "request not found")
				return
			}
		}

		if linked != nil {
			if req.Amount != "" && !amount.Equal(linked.Amount) {
				writeError(w, "amount does not match request amount "+solana.FormatUI(linked.Amount), http.StatusConflict)
				return
			}
			amount = linked.Amount
		}

		senderWallet, err := store.GetActiveWallet(ctx, sender.TgUserID)
		if errors.Is(err, pgx.ErrNoRows) {
			writeErrorCode(w, "sender has no active wallet", "no_sender_wallet", http.StatusUnprocessableEntity)
			return
		}
		if err != nil {
			writeStoreError(w, r, logger, err, "wallet not found")
			return
		}
		recipientWallet, err := store.GetActiveWallet(ctx, recipient.TgUserID)
		if errors.Is(err, pgx.ErrNoRows) {
			writeErrorCode(w, "recipient has no active wallet", "no_recipient_wallet", http.StatusUnprocessableEntity)
			return
		}
		if err != nil {
			writeStoreError(w, r, logger, err, "wallet not found")
			return
		}

		params := db.CreatePaymentParams{
			SenderID:        sender.TgUserID,
			RecipientID:     recipient.TgUserID,
			SenderWallet:    senderWallet.Address,
			RecipientWallet: recipientWallet.Address,
			Amount:          amount,
		}
		if linked != nil {
			params.RequestID = &linked.ID
		}

		payment, err := store.CreatePayment(ctx, params)
		if err != nil {
			logger.ErrorContext(ctx, "failed to create payment", "error", err)
			writeError(w, "failed to create payment", http.StatusInternalServerError)
			return
		}

		link := signLink(cfg.PublicBaseURL, payment.ID.String())
		qr, err := generateQRCode(link)
		if err != nil {
			// QR code is optional
			logger.WarnContext(ctx, "failed to generate QR code", "payment_id", payment.ID.String(), "error", err)
		}

		logger.InfoContext(ctx, "payment created",
			"payment_id", payment.ID.String(),
			"sender_id", payment.SenderID,
			"recipient_id", payment.RecipientID,
			"amount", solana.FormatUI(payment.Amount),
			"request_id", params.RequestID,
		)

		writeJSON(w, map[string]interface{}{
			"payment":     paymentToResponse(payment),
			"sign_url":    link,
			"qr_code_png": qr,
		}, http.StatusCreated)
	})
}

// handleGetPayment returns a handler that retrieves a payment.
// GET /api/v1/payments/{id}
func handleGetPayment(store Store, logger *slog.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id, err := parseUUID(r.PathValue("id"), "payment id")
		if err != nil {
			writeError(w, err.Error(), http.StatusBadRequest)
			return
		}

		payment, err := store.GetPayment(r.Context(), id)
		if err != nil {
			writeStoreError(w, r, logger, err, "payment not found")
			return
		}
		writeJSON(w, paymentToResponse(payment), http.StatusOK)
	})
}

// handleListPayments returns a handler that lists a user's payments.
// GET /api/v1/payments?user={id}&status={status}&limit={n}&offset={n}
func handleListPayments(store Store, logger *slog.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()

		userID, err := parseUserID(q.Get("user"))
		if err != nil {
			writeError(w, "user: "+err.Error(), http.StatusBadRequest)
			return
		}

		status := db.PaymentStatus(q.Get("status"))
		if status != "" && !status.Valid() {
			writeError(w, "invalid status: must be one of pending, built, submitted, confirmed, failed, expired", http.StatusBadRequest)
			return
		}

		limit, err := parseLimit(q.Get("limit"), 20)
		if err != nil {
			writeError(w, err.Error(), http.StatusBadRequest)
			return
		}

		var offset int
		if o := q.Get("offset"); o != "" {
			offset, err = strconv.Atoi(o)
			if err != nil {
				writeError(w, "invalid offset parameter: must be an integer", http.StatusBadRequest)
				return
			}
			if offset < 0 {
				writeError(w, "offset cannot be negative", http.StatusBadRequest)
				return
			}
		}

		payments, err := store.ListPayments(r.Context(), db.ListPaymentsParams{
			UserID: userID,
			Status: status,
			Limit:  limit,
			Offset: int32(offset),
		})
		if err != nil {
			logger.ErrorContext(r.Context(), "failed to list payments", "user", userID, "error", err)
			writeError(w, "internal server error", http.StatusInternalServerError)
			return
		}

		resp := make([]paymentResponse, len(payments))
		for i, p := range payments {
			resp[i] = paymentToResponse(p)
		}
		writeJSON(w, map[string]interface{}{
			"payments": resp,
			"limit":    limit,
			"offset":   offset,
		}, http.StatusOK)
	})
}

// handleBuildPayment returns a handler that plans the unsigned transfer for a
// payment and marks it built. Building again refreshes the blockhash.
// POST /api/v1/payments/{id}/build
func handleBuildPayment(store Store, planner Planner, publisher natspkg.Publisher, logger *slog.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()

		id, err := parseUUID(r.PathValue("id"), "payment id")
		if err != nil {
			writeError(w, err.Error(), http.StatusBadRequest)
			return
		}

		payment, err := store.GetPayment(ctx, id)
		if err != nil {
			writeStoreError(w, r, logger, err, "payment not found")
			return
		}
		if payment.Status != db.PaymentPending && payment.Status != db.PaymentBuilt {
			writeErrorCode(w, "payment is already "+string(payment.Status), "invalid_status", http.StatusConflict)
			return
		}

		sender, err := solanago.PublicKeyFromBase58(payment.SenderWallet)
		if err != nil {
			logger.ErrorContext(ctx, "stored sender wallet is invalid", "payment_id", id.String(), "error", err)
			writeError(w, "internal server error", http.StatusInternalServerError)
			return
		}
		recipient, err := solanago.PublicKeyFromBase58(payment.RecipientWallet)
		if err != nil {
			logger.ErrorContext(ctx, "stored recipient wallet is invalid", "payment_id", id.String(), "error", err)
			writeError(w, "internal server error", http.StatusInternalServerError)
			return
		}

		var opts []solana.PlanOption
		if payment.RequestID != nil {
			linked, err := store.GetPaymentRequest(ctx, *payment.RequestID)
			if err != nil {
				writeStoreError(w, r, logger, err, "request not found")
				return
			}
			if linked.Memo != nil {
				opts = append(opts, solana.WithMemo(*linked.Memo))
			}
		}

		built, err := planner.Plan(ctx, sender, recipient, payment.Amount, opts...)
		if err != nil {
			writeChainError(w, r, logger, err)
			return
		}

		if payment.Status == db.PaymentPending {
			payment, err = store.UpdatePaymentStatus(ctx, id, db.PaymentBuilt, nil)
			if errors.Is(err, db.ErrInvalidTransition) {
				writeErrorCode(w, err.Error(), "invalid_status", http.StatusConflict)
				return
			}
			if err != nil {
				writeStoreError(w, r, logger, err, "payment not found")
				return
			}
			if publisher != nil {
				if err := publisher.PublishPayment(ctx, natspkg.FromDBPayment(payment)); err != nil {
					logger.WarnContext(ctx, "failed to publish payment event", "payment_id", id.String(), "error", err)
				}
			}
		}

		logger.InfoContext(ctx, "payment built",
			"payment_id", id.String(),
			"blockhash", built.Blockhash,
			"instructions", built.InstructionCount,
		)

		writeJSON(w, map[string]interface{}{
			"payment":  paymentToResponse(payment),
			"transfer": built,
		}, http.StatusOK)
	})
}

// handleSubmitPayment returns a handler that accepts a signed envelope,
// checks it carries exactly the payment's transfer, and starts settlement.
// POST /api/v1/payments/{id}/submit
func handleSubmitPayment(store Store, settler temporal.Settler, cfg *config.Config, logger *slog.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()

		id, err := parseUUID(r.PathValue("id"), "payment id")
		if err != nil {
			writeError(w, err.Error(), http.StatusBadRequest)
			return
		}

		var req struct {
			Transaction string `json:"transaction"`
		}
		if err := decodeBody(w, r, &req); err != nil {
			writeError(w, err.Error(), http.StatusBadRequest)
			return
		}
		if req.Transaction == "" {
			writeError(w, "transaction is required", http.StatusBadRequest)
			return
		}

		payment, err := store.GetPayment(ctx, id)
		if err != nil {
			writeStoreError(w, r, logger, err, "payment not found")
			return
		}
		switch payment.Status {
		case db.PaymentBuilt:
		case db.PaymentPending:
			writeErrorCode(w, "payment has not been built", "invalid_status", http.StatusConflict)
			return
		default:
			writeErrorCode(w, "payment is already "+string(payment.Status), "invalid_status", http.StatusConflict)
			return
		}

		units, err := solana.ToBaseUnits(payment.Amount, solana.USDCDecimals)
		if err != nil {
			logger.ErrorContext(ctx, "stored amount is invalid", "payment_id", id.String(), "error", err)
			writeError(w, "internal server error", http.StatusInternalServerError)
			return
		}

		sender, err := solanago.PublicKeyFromBase58(payment.SenderWallet)
		if err != nil {
			logger.ErrorContext(ctx, "stored sender wallet is invalid", "payment_id", id.String(), "error", err)
			writeError(w, "internal server error", http.StatusInternalServerError)
			return
		}
		recipient, err := solanago.PublicKeyFromBase58(payment.RecipientWallet)
		if err != nil {
			logger.ErrorContext(ctx, "stored recipient wallet is invalid", "payment_id", id.String(), "error", err)
			writeError(w, "internal server error", http.StatusInternalServerError)
			return
		}

		summary, err := solana.VerifySignedTransfer(req.Transaction, solana.ExpectedTransfer{
			Payer:       sender,
			Recipient:   recipient,
			Mint:        cfg.Mint(),
			AmountUnits: units,
		})
		switch {
		case errors.Is(err, solana.ErrUnsignedEnvelope):
			writeErrorCode(w, err.Error(), "unsigned_transaction", http.StatusBadRequest)
			return
		case errors.Is(err, solana.ErrEnvelopeMismatch):
			logger.WarnContext(ctx, "signed transaction does not match payment", "payment_id", id.String(), "error", err)
			writeErrorCode(w, err.Error(), "transaction_mismatch", http.StatusBadRequest)
			return
		case err != nil:
			writeErrorCode(w, err.Error(), "invalid_transaction", http.StatusBadRequest)
			return
		}

		signature := summary.Signature.String()
		workflowID, err := settler.StartSettlement(ctx, temporal.SettlePaymentInput{
			PaymentID:           id.String(),
			SignedTransaction:   req.Transaction,
			ExpectedSignature:   signature,
			ConfirmationTimeout: cfg.ConfirmationTimeout,
			PollInterval:        cfg.ConfirmationPollInterval,
		})
		if errors.Is(err, temporal.ErrSettlementAlreadyStarted) {
			logger.WarnContext(ctx, "settlement already running", "payment_id", id.String(), "signature", signature)
			writeErrorCode(w, "settlement already started for this payment", "already_submitted", http.StatusConflict)
			return
		}
		if err != nil {
			logger.ErrorContext(ctx, "failed to start settlement", "payment_id", id.String(), "error", err)
			writeError(w, "failed to start settlement", http.StatusServiceUnavailable)
			return
		}

		if err := store.SetPaymentWorkflow(ctx, id, workflowID); err != nil {
			// Settlement is running; the workflow ID is derivable from the payment ID.
			logger.WarnContext(ctx, "failed to store workflow id", "payment_id", id.String(), "error", err)
		}

		logger.InfoContext(ctx, "settlement started",
			"payment_id", id.String(),
			"workflow_id", workflowID,
			"signature", signature,
		)

		writeJSON(w, map[string]interface{}{
			"payment_id":  id.String(),
			"workflow_id": workflowID,
			"signature":   signature,
			"status_url":  "/api/v1/payments/" + id.String(),
			"stream_url":  "/api/v1/stream/payments/" + id.String(),
		}, http.StatusAccepted)
	})
}

// handlePlan returns a handler that runs the planner without recording a
// payment.
// GET /api/v1/plan?sender={address}&recipient={address}&amount={usdc}&memo={memo}
func handlePlan(planner Planner, logger *slog.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()

		sender, err := parseAddress(q.Get("sender"))
		if err != nil {
			writeError(w, "sender: "+err.Error(), http.StatusBadRequest)
			return
		}
		recipient, err := parseAddress(q.Get("recipient"))
		if err != nil {
			writeError(w, "recipient: "+err.Error(), http.StatusBadRequest)
			return
		}
		amount, err := solana.ParseUI(q.Get("amount"))
		if err != nil {
			writeError(w, err.Error(), http.StatusBadRequest)
			return
		}
		memo, err := optionalMemo(q.Get("memo"))
		if err != nil {
			writeError(w, err.Error(), http.StatusBadRequest)
			return
		}

		var opts []solana.PlanOption
		if memo != nil {
			opts = append(opts, solana.WithMemo(*memo))
		}

		built, err := planner.Plan(r.Context(), sender, recipient, amount, opts...)
		if err != nil {
			writeChainError(w, r, logger, err)
			return
		}

		logger.DebugContext(r.Context(), "dry run planned",
			"sender", sender.String(),
			"recipient", recipient.String(),
			"amount", solana.FormatUI(amount),
		)
		writeJSON(w, built, http.StatusOK)
	})
}
