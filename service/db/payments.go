package db

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"
)

// DefaultRecentRequests is how many requests ListRecentRequests returns when
// no limit is given.
const DefaultRecentRequests = 5

// PaymentStatus is the lifecycle state of a payment.
type PaymentStatus string

const (
	PaymentPending   PaymentStatus = "pending"
	PaymentBuilt     PaymentStatus = "built"
	PaymentSubmitted PaymentStatus = "submitted"
	PaymentConfirmed PaymentStatus = "confirmed"
	PaymentFailed    PaymentStatus = "failed"
	PaymentExpired   PaymentStatus = "expired"
)

// Terminal reports whether no further transitions are allowed.
func (s PaymentStatus) Terminal() bool {
	return s == PaymentConfirmed || s == PaymentFailed || s == PaymentExpired
}

// Valid reports whether s is a known status.
func (s PaymentStatus) Valid() bool {
	switch s {
	case PaymentPending, PaymentBuilt, PaymentSubmitted, PaymentConfirmed, PaymentFailed, PaymentExpired:
		return true
	}
	return false
}

// ErrInvalidTransition is returned when a payment in a terminal state would
// be moved to another state.
var ErrInvalidTransition = errors.New("invalid payment status transition")

// Payment is a USDC transfer between two users.
type Payment struct {
	ID              uuid.UUID
	SenderID        int64
	RecipientID     int64
	SenderWallet    string
	RecipientWallet string
	Amount          decimal.Decimal
	Status          PaymentStatus
	RequestID       *uuid.UUID
	TxSignature     *string
	ErrorMessage    *string
	WorkflowID      *string
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

const paymentColumns = `id, sender_id, recipient_id, sender_wallet, recipient_wallet, amount, status,
	request_id, tx_signature, error_message, workflow_id, created_at, updated_at`

func scanPayment(row scanner) (*Payment, error) {
	var p Payment
	var status string
	err := row.Scan(
		&p.ID, &p.SenderID, &p.RecipientID, &p.SenderWallet, &p.RecipientWallet, &p.Amount, &status,
		&p.RequestID, &p.TxSignature, &p.ErrorMessage, &p.WorkflowID, &p.CreatedAt, &p.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	p.Status = PaymentStatus(status)
	return &p, nil
}

// CreatePaymentParams contains the parameters for creating a payment.
type CreatePaymentParams struct {
	SenderID        int64
	RecipientID     int64
	SenderWallet    string
	RecipientWallet string
	Amount          decimal.Decimal
	RequestID       *uuid.UUID
}

// CreatePayment inserts a pending payment.
func (s *Store) CreatePayment(ctx context.Context, params CreatePaymentParams) (payment *Payment, err error) {
	defer s.record("insert", "payments", time.Now(), &err)

	row := s.pool.QueryRow(ctx, `
		INSERT INTO payments (id, sender_id, recipient_id, sender_wallet, recipient_wallet, amount, status, request_id)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING `+paymentColumns,
		uuid.New(), params.SenderID, params.RecipientID, params.SenderWallet, params.RecipientWallet,
		params.Amount, string(PaymentPending), params.RequestID,
	)
	return scanPayment(row)
}

// GetPayment retrieves a payment by id.
func (s *Store) GetPayment(ctx context.Context, id uuid.UUID) (payment *Payment, err error) {
	defer s.record("select", "payments", time.Now(), &err)

	row := s.pool.QueryRow(ctx, `SELECT `+paymentColumns+` FROM payments WHERE id = $1`, id)
	return scanPayment(row)
}

// ListPaymentsParams filters ListPayments. UserID matches sender or
// recipient; an empty Status matches any.
type ListPaymentsParams struct {
	UserID int64
	Status PaymentStatus
	Limit  int32
	Offset int32
}

// ListPayments returns a user's payments, newest first.
func (s *Store) ListPayments(ctx context.Context, params ListPaymentsParams) (payments []*Payment, err error) {
	defer s.record("select", "payments", time.Now(), &err)

	limit := params.Limit
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.pool.Query(ctx, `
		SELECT `+paymentColumns+` FROM payments
		WHERE (sender_id = $1 OR recipient_id = $1)
		  AND ($2::text = '' OR status = $2)
		ORDER BY created_at DESC
		LIMIT $3 OFFSET $4`,
		params.UserID, string(params.Status), limit, params.Offset,
	)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (*Payment, error) {
		return scanPayment(row)
	})
}

// UpdatePaymentStatus moves a payment to status. errorMessage is stored for
// failed and expired payments and cleared otherwise. Payments already in a
// terminal state return ErrInvalidTransition unless status is unchanged.
func (s *Store) UpdatePaymentStatus(ctx context.Context, id uuid.UUID, status PaymentStatus, errorMessage *string) (payment *Payment, err error) {
	defer s.record("update", "payments", time.Now(), &err)

	if !status.Valid() {
		return nil, fmt.Errorf("unknown payment status %q", status)
	}

	err = pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		var current string
		if err := tx.QueryRow(ctx, `SELECT status FROM payments WHERE id = $1 FOR UPDATE`, id).Scan(&current); err != nil {
			return err
		}
		if cur := PaymentStatus(current); cur.Terminal() && cur != status {
			return fmt.Errorf("%w: %s to %s", ErrInvalidTransition, cur, status)
		}

		row := tx.QueryRow(ctx, `
			UPDATE payments
			SET status = $2, error_message = $3, updated_at = NOW()
			WHERE id = $1
			RETURNING `+paymentColumns,
			id, string(status), errorMessage,
		)
		var err error
		payment, err = scanPayment(row)
		return err
	})
	if err != nil {
		return nil, err
	}
	return payment, nil
}

// AttachSignature records the signature of the submitted transaction and
// marks the payment submitted.
func (s *Store) AttachSignature(ctx context.Context, id uuid.UUID, signature string) (payment *Payment, err error) {
	defer s.record("update", "payments", time.Now(), &err)

	row := s.pool.QueryRow(ctx, `
		UPDATE payments
		SET tx_signature = $2, status = $3, updated_at = NOW()
		WHERE id = $1 AND status IN ('pending', 'built', 'submitted')
		RETURNING `+paymentColumns,
		id, signature, string(PaymentSubmitted),
	)
	return scanPayment(row)
}

// SetPaymentWorkflow records the settlement workflow running for a payment.
func (s *Store) SetPaymentWorkflow(ctx context.Context, id uuid.UUID, workflowID string) (err error) {
	defer s.record("update", "payments", time.Now(), &err)

	tag, err := s.pool.Exec(ctx,
		`UPDATE payments SET workflow_id = $2, updated_at = NOW() WHERE id = $1`,
		id, workflowID,
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return pgx.ErrNoRows
	}
	return nil
}

// PaymentRequest records that a requester asked a payer for an amount.
type PaymentRequest struct {
	ID          uuid.UUID
	RequesterID int64
	PayerID     int64
	Amount      decimal.Decimal
	Memo        *string
	Fulfilled   bool
	PaymentID   *uuid.UUID
	CreatedAt   time.Time
	FulfilledAt *time.Time
}

const requestColumns = `id, requester_id, payer_id, amount, memo, fulfilled, payment_id, created_at, fulfilled_at`

func scanRequest(row scanner) (*PaymentRequest, error) {
	var r PaymentRequest
	err := row.Scan(
		&r.ID, &r.RequesterID, &r.PayerID, &r.Amount, &r.Memo,
		&r.Fulfilled, &r.PaymentID, &r.CreatedAt, &r.FulfilledAt,
	)
	if err != nil {
		return nil, err
	}
	return &r, nil
}

// CreatePaymentRequestParams contains the parameters for creating a request.
type CreatePaymentRequestParams struct {
	RequesterID int64
	PayerID     int64
	Amount      decimal.Decimal
	Memo        *string
}

// CreatePaymentRequest inserts an unfulfilled request.
func (s *Store) CreatePaymentRequest(ctx context.Context, params CreatePaymentRequestParams) (req *PaymentRequest, err error) {
	defer s.record("insert", "payment_requests", time.Now(), &err)

	row := s.pool.QueryRow(ctx, `
		INSERT INTO payment_requests (id, requester_id, payer_id, amount, memo)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING `+requestColumns,
		uuid.New(), params.RequesterID, params.PayerID, params.Amount, params.Memo,
	)
	return scanRequest(row)
}

// GetPaymentRequest retrieves a request by id.
func (s *Store) GetPaymentRequest(ctx context.Context, id uuid.UUID) (req *PaymentRequest, err error) {
	defer s.record("select", "payment_requests", time.Now(), &err)

	row := s.pool.QueryRow(ctx, `SELECT `+requestColumns+` FROM payment_requests WHERE id = $1`, id)
	return scanRequest(row)
}

// ListRequestsParams filters ListRecentRequests. UserID matches requester or
// payer. A non-zero CounterpartyID restricts results to requests between
// the two users, in either direction.
type ListRequestsParams struct {
	UserID         int64
	CounterpartyID int64
	Limit          int32
}

// ListRecentRequests returns requests involving a user, newest first.
func (s *Store) ListRecentRequests(ctx context.Context, params ListRequestsParams) (reqs []*PaymentRequest, err error) {
	defer s.record("select", "payment_requests", time.Now(), &err)

	limit := params.Limit
	if limit <= 0 {
		limit = DefaultRecentRequests
	}
	rows, err := s.pool.Query(ctx, `
		SELECT `+requestColumns+` FROM payment_requests
		WHERE (requester_id = $1 OR payer_id = $1)
		  AND ($2::bigint = 0 OR requester_id = $2 OR payer_id = $2)
		ORDER BY created_at DESC
		LIMIT $3`,
		params.UserID, params.CounterpartyID, limit,
	)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (*PaymentRequest, error) {
		return scanRequest(row)
	})
}

// FindLatestUnfulfilledRequest returns the newest open request from
// requesterID to payerID.
func (s *Store) FindLatestUnfulfilledRequest(ctx context.Context, requesterID, payerID int64) (req *PaymentRequest, err error) {
	defer s.record("select", "payment_requests", time.Now(), &err)

	row := s.pool.QueryRow(ctx, `
		SELECT `+requestColumns+` FROM payment_requests
		WHERE requester_id = $1 AND payer_id = $2 AND NOT fulfilled
		ORDER BY created_at DESC
		LIMIT 1`,
		requesterID, payerID,
	)
	return scanRequest(row)
}

// MarkRequestFulfilled links a request to the payment that settled it.
// Marking an already fulfilled request keeps its original fulfilled_at.
func (s *Store) MarkRequestFulfilled(ctx context.Context, requestID, paymentID uuid.UUID) (req *PaymentRequest, err error) {
	defer s.record("update", "payment_requests", time.Now(), &err)

	row := s.pool.QueryRow(ctx, `
		UPDATE payment_requests
		SET fulfilled = TRUE, payment_id = $2, fulfilled_at = COALESCE(fulfilled_at, NOW())
		WHERE id = $1
		RETURNING `+requestColumns,
		requestID, paymentID,
	)
	return scanRequest(row)
}
