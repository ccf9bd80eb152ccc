package temporal

import (
	"errors"
	"fmt"
	"time"

	"github.com/brojonat/payrelay/service/db"
	temporalsdk "go.temporal.io/sdk/temporal"
	"go.temporal.io/sdk/workflow"
)

var a *Activities // for type-safe activity invocation

const (
	// DefaultConfirmationTimeout bounds how long a submitted transaction is
	// tracked. A blockhash expires after roughly 150 blocks (about 60 to 90
	// seconds), after which the transaction can no longer land.
	DefaultConfirmationTimeout = 90 * time.Second

	// DefaultPollInterval is the delay between confirmation checks.
	DefaultPollInterval = 2 * time.Second
)

// SettlePaymentInput contains the input for SettlePaymentWorkflow.
type SettlePaymentInput struct {
	PaymentID         string `json:"payment_id"`
	SignedTransaction string `json:"signed_transaction"`
	// ExpectedSignature is the envelope's first signature. It is tracked when
	// submission fails for transport reasons, since the transaction may still
	// have reached the cluster.
	ExpectedSignature   string        `json:"expected_signature"`
	ConfirmationTimeout time.Duration `json:"confirmation_timeout"`
	PollInterval        time.Duration `json:"poll_interval"`
}

// SettlePaymentResult is the final state of a payment.
type SettlePaymentResult struct {
	PaymentID string    `json:"payment_id"`
	Status    string    `json:"status"`
	Signature string    `json:"signature,omitempty"`
	Error     string    `json:"error,omitempty"`
	Checks    int       `json:"checks"`
	SettledAt time.Time `json:"settled_at"`
}

// WorkflowID returns the settlement workflow ID for a payment. One payment
// has at most one running settlement.
func WorkflowID(paymentID string) string {
	return "settle-payment-" + paymentID
}

// SettlePaymentWorkflow submits a signed transfer and tracks it to a
// terminal status:
// 1. Submit the envelope once (SubmitTransaction, no retries)
// 2. Record the payment as submitted with its signature
// 3. Check confirmation on a durable timer until confirmed, failed on chain,
// or the confirmation timeout elapses
// 4. Record the terminal status
//
// A payment outcome, including failure, completes the workflow without error.
// Only infrastructure failures that prevent recording a status fail it.
func SettlePaymentWorkflow(ctx workflow.Context, input SettlePaymentInput) (*SettlePaymentResult, error) {
	logger := workflow.GetLogger(ctx)
	logger.Info("SettlePaymentWorkflow started", "payment_id", input.PaymentID)

	timeout := input.ConfirmationTimeout
	if timeout <= 0 {
		timeout = DefaultConfirmationTimeout
	}
	interval := input.PollInterval
	if interval <= 0 {
		interval = DefaultPollInterval
	}

	startedAt := workflow.Now(ctx)
	result := &SettlePaymentResult{PaymentID: input.PaymentID}

	submitCtx := workflow.WithActivityOptions(ctx, workflow.ActivityOptions{
		StartToCloseTimeout: 60 * time.Second,
		RetryPolicy: &temporalsdk.RetryPolicy{
			MaximumAttempts: 1,
		},
	})
	readCtx := workflow.WithActivityOptions(ctx, workflow.ActivityOptions{
		StartToCloseTimeout: 30 * time.Second,
		RetryPolicy: &temporalsdk.RetryPolicy{
			InitialInterval:    500 * time.Millisecond,
			BackoffCoefficient: 2.0,
			MaximumInterval:    5 * time.Second,
			MaximumAttempts:    3,
		},
	})
	recordCtx := workflow.WithActivityOptions(ctx, workflow.ActivityOptions{
		StartToCloseTimeout: 30 * time.Second,
		RetryPolicy: &temporalsdk.RetryPolicy{
			InitialInterval:    time.Second,
			BackoffCoefficient: 2.0,
			MaximumInterval:    30 * time.Second,
			MaximumAttempts:    5,
		},
	})

	record := func(status db.PaymentStatus, errMsg string) error {
		result.Status = string(status)
		result.Error = errMsg
		err := workflow.ExecuteActivity(recordCtx, a.RecordPaymentStatus, RecordStatusInput{
			PaymentID: input.PaymentID,
			Status:    string(status),
			Signature: result.Signature,
			Error:     errMsg,
			StartedAt: startedAt,
		}).Get(ctx, nil)
		if err != nil {
			return fmt.Errorf("failed to record %s status: %w", status, err)
		}
		return nil
	}
	finish := func(status db.PaymentStatus, errMsg string) (*SettlePaymentResult, error) {
		if err := record(status, errMsg); err != nil {
			return result, err
		}
		result.SettledAt = workflow.Now(ctx)
		logger.Info("SettlePaymentWorkflow finished",
			"payment_id", input.PaymentID,
			"status", result.Status,
			"signature", result.Signature,
			"checks", result.Checks,
		)
		return result, nil
	}

	// Step 1: submit
	var submitResult *SubmitTransactionResult
	err := workflow.ExecuteActivity(submitCtx, a.SubmitTransaction, SubmitTransactionInput{
		PaymentID:         input.PaymentID,
		SignedTransaction: input.SignedTransaction,
	}).Get(ctx, &submitResult)
	switch {
	case err == nil:
		result.Signature = submitResult.Signature
	case isApplicationErrorType(err, ErrTypeRemoteUnavailable) && input.ExpectedSignature != "":
		logger.Warn("submission outcome unknown, tracking expected signature",
			"payment_id", input.PaymentID,
			"signature", input.ExpectedSignature,
			"error", err,
		)
		result.Signature = input.ExpectedSignature
	default:
		return finish(db.PaymentFailed, applicationErrorMessage(err))
	}

	// Step 2: submitted
	if err := record(db.PaymentSubmitted, ""); err != nil {
		return result, err
	}

	// Step 3: track confirmation
	deadline := startedAt.Add(timeout)
	for {
		result.Checks++
		var check *CheckConfirmationResult
		err := workflow.ExecuteActivity(readCtx, a.CheckConfirmation, CheckConfirmationInput{
			Signature: result.Signature,
		}).Get(ctx, &check)

		switch {
		case err != nil:
			if isApplicationErrorType(err, ErrTypeInvalidInput) {
				return finish(db.PaymentFailed, applicationErrorMessage(err))
			}
			logger.Warn("confirmation check failed", "payment_id", input.PaymentID, "error", err)
		case check.Found && check.Error != nil:
			return finish(db.PaymentFailed, *check.Error)
		case check.Confirmed:
			return finish(db.PaymentConfirmed, "")
		}

		if !workflow.Now(ctx).Before(deadline) {
			return finish(db.PaymentExpired, fmt.Sprintf("transaction not confirmed within %s", timeout))
		}
		if err := workflow.Sleep(ctx, interval); err != nil {
			return result, err
		}
	}
}

func isApplicationErrorType(err error, errType string) bool {
	var appErr *temporalsdk.ApplicationError
	return errors.As(err, &appErr) && appErr.Type() == errType
}

// applicationErrorMessage returns the activity's own message, without the
// activity task wrapping.
func applicationErrorMessage(err error) string {
	var appErr *temporalsdk.ApplicationError
	if errors.As(err, &appErr) {
		return appErr.Message()
	}
	return err.Error()
}
