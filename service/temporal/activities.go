package temporal

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/brojonat/payrelay/service/db"
	"github.com/brojonat/payrelay/service/metrics"
	natspkg "github.com/brojonat/payrelay/service/nats"
	"github.com/brojonat/payrelay/service/solana"
	solanago "github.com/gagliardetto/solana-go"
	"github.com/google/uuid"
	"go.temporal.io/sdk/temporal"
)

// Application error types returned by activities. The workflow switches on
// these to decide the payment outcome.
const (
	ErrTypeRemoteRejected    = "RemoteRejected"
	ErrTypeRemoteUnavailable = "RemoteUnavailable"
	ErrTypeInvalidInput      = "InvalidInput"
	ErrTypeInvalidTransition = "InvalidTransition"
)

// SubmitTransactionInput contains parameters for the SubmitTransaction activity.
type SubmitTransactionInput struct {
	PaymentID         string `json:"payment_id"`
	SignedTransaction string `json:"signed_transaction"`
}

// SubmitTransactionResult contains the signature the node returned.
type SubmitTransactionResult struct {
	Signature string `json:"signature"`
}

// CheckConfirmationInput contains parameters for the CheckConfirmation activity.
type CheckConfirmationInput struct {
	Signature string `json:"signature"`
}

// CheckConfirmationResult is the cluster's view of a signature. Found is
// false until a node has seen the transaction.
type CheckConfirmationResult struct {
	Found              bool    `json:"found"`
	Confirmed          bool    `json:"confirmed"`
	ConfirmationStatus string  `json:"confirmation_status,omitempty"`
	Slot               uint64  `json:"slot,omitempty"`
	Error              *string `json:"error,omitempty"`
}

// RecordStatusInput contains parameters for the RecordPaymentStatus activity.
type RecordStatusInput struct {
	PaymentID string `json:"payment_id"`
	Status    string `json:"status"`
	Signature string `json:"signature,omitempty"`
	Error     string `json:"error,omitempty"`
	// StartedAt is when settlement began, for the duration metric.
	StartedAt time.Time `json:"started_at"`
}

// StoreInterface defines the database operations needed by activities.
type StoreInterface interface {
	AttachSignature(ctx context.Context, id uuid.UUID, signature string) (*db.Payment, error)
	UpdatePaymentStatus(ctx context.Context, id uuid.UUID, status db.PaymentStatus, errorMessage *string) (*db.Payment, error)
	MarkRequestFulfilled(ctx context.Context, requestID, paymentID uuid.UUID) (*db.PaymentRequest, error)
}

// ChainInterface defines the Solana operations needed by activities.
type ChainInterface interface {
	Submit(ctx context.Context, signedBase64 string) (solanago.Signature, error)
	GetSignatureStatus(ctx context.Context, sig solanago.Signature) (*solana.SignatureStatus, error)
}

// Activities holds the dependencies needed by Temporal activities.
type Activities struct {
	store     StoreInterface
	chain     ChainInterface
	publisher natspkg.Publisher
	metrics   *metrics.Metrics
	logger    *slog.Logger
}

// NewActivities creates a new Activities instance with explicit dependencies.
// If metrics is nil, no metrics will be recorded. publisher may be nil.
func NewActivities(
	store StoreInterface,
	chain ChainInterface,
	publisher natspkg.Publisher,
	m *metrics.Metrics,
	logger *slog.Logger,
) *Activities {
	if logger == nil {
		logger = slog.Default()
	}
	return &Activities{
		store:     store,
		chain:     chain,
		publisher: publisher,
		metrics:   m,
		logger:    logger,
	}
}

func (a *Activities) observe(activity string, start time.Time) {
	if a.metrics != nil {
		a.metrics.RecordActivityDuration(activity, time.Since(start).Seconds())
	}
}

// SubmitTransaction broadcasts the signed envelope exactly once. Every error
// is non-retryable: a resubmission could double spend if the first attempt
// landed.
func (a *Activities) SubmitTransaction(ctx context.Context, input SubmitTransactionInput) (*SubmitTransactionResult, error) {
	defer a.observe("SubmitTransaction", time.Now())

	sig, err := a.chain.Submit(ctx, input.SignedTransaction)
	if err != nil {
		a.logger.WarnContext(ctx, "transaction submission failed",
			"payment_id", input.PaymentID,
			"error", err,
		)

		var rejected *solana.RemoteRejectedError
		if errors.As(err, &rejected) {
			return nil, temporal.NewNonRetryableApplicationError(rejected.Reason, ErrTypeRemoteRejected, err)
		}
		return nil, temporal.NewNonRetryableApplicationError(err.Error(), ErrTypeRemoteUnavailable, err)
	}

	a.logger.InfoContext(ctx, "transaction submitted",
		"payment_id", input.PaymentID,
		"signature", sig.String(),
	)

	return &SubmitTransactionResult{Signature: sig.String()}, nil
}

// CheckConfirmation reads the status of a submitted signature.
func (a *Activities) CheckConfirmation(ctx context.Context, input CheckConfirmationInput) (*CheckConfirmationResult, error) {
	defer a.observe("CheckConfirmation", time.Now())

	sig, err := solanago.SignatureFromBase58(input.Signature)
	if err != nil {
		return nil, temporal.NewNonRetryableApplicationError(
			fmt.Sprintf("invalid signature %q", input.Signature), ErrTypeInvalidInput, err)
	}

	status, err := a.chain.GetSignatureStatus(ctx, sig)
	if err != nil {
		return nil, fmt.Errorf("failed to get signature status: %w", err)
	}
	if status == nil {
		return &CheckConfirmationResult{}, nil
	}

	result := &CheckConfirmationResult{
		Found:              true,
		Confirmed:          status.Confirmed(),
		ConfirmationStatus: string(status.ConfirmationStatus),
		Slot:               status.Slot,
		Error:              status.Err,
	}

	a.logger.DebugContext(ctx, "checked confirmation",
		"signature", input.Signature,
		"confirmation_status", result.ConfirmationStatus,
		"slot", result.Slot,
		"failed", result.Error != nil,
	)

	return result, nil
}

// RecordPaymentStatus persists a status change, fulfills the linked request
// on confirmation, and publishes the event. Publishing is best effort.
func (a *Activities) RecordPaymentStatus(ctx context.Context, input RecordStatusInput) error {
	defer a.observe("RecordPaymentStatus", time.Now())

	id, err := uuid.Parse(input.PaymentID)
	if err != nil {
		return temporal.NewNonRetryableApplicationError(
			fmt.Sprintf("invalid payment id %q", input.PaymentID), ErrTypeInvalidInput, err)
	}
	status := db.PaymentStatus(input.Status)

	var payment *db.Payment
	if status == db.PaymentSubmitted {
		payment, err = a.store.AttachSignature(ctx, id, input.Signature)
	} else {
		var errMsg *string
		if input.Error != "" {
			errMsg = &input.Error
		}
		payment, err = a.store.UpdatePaymentStatus(ctx, id, status, errMsg)
	}
	if errors.Is(err, db.ErrInvalidTransition) {
		return temporal.NewNonRetryableApplicationError(err.Error(), ErrTypeInvalidTransition, err)
	}
	if err != nil {
		return fmt.Errorf("failed to record payment status: %w", err)
	}

	if status == db.PaymentConfirmed && payment.RequestID != nil {
		if _, err := a.store.MarkRequestFulfilled(ctx, *payment.RequestID, payment.ID); err != nil {
			return fmt.Errorf("failed to fulfill request %s: %w", payment.RequestID, err)
		}
	}

	if a.metrics != nil {
		a.metrics.RecordPaymentStatus(input.Status)
		if status.Terminal() && !input.StartedAt.IsZero() {
			a.metrics.RecordSettlementDuration(input.Status, time.Since(input.StartedAt).Seconds())
		}
	}

	if a.publisher != nil {
		if err := a.publisher.PublishPayment(ctx, natspkg.FromDBPayment(payment)); err != nil {
			a.logger.ErrorContext(ctx, "failed to publish payment event",
				"payment_id", input.PaymentID,
				"status", input.Status,
				"error", err,
			)
		}
	}

	a.logger.InfoContext(ctx, "payment status recorded",
		"payment_id", input.PaymentID,
		"status", input.Status,
		"signature", input.Signature,
	)

	return nil
}
