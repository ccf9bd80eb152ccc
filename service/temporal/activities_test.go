package temporal

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/brojonat/payrelay/service/db"
	natspkg "github.com/brojonat/payrelay/service/nats"
	"github.com/brojonat/payrelay/service/solana"
	solanago "github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/rpc"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.temporal.io/sdk/temporal"
)

type fakeStore struct {
	payment   *db.Payment
	updateErr error

	attached  []string
	statuses  []db.PaymentStatus
	fulfilled []uuid.UUID
}

func (f *fakeStore) AttachSignature(ctx context.Context, id uuid.UUID, signature string) (*db.Payment, error) {
	if f.updateErr != nil {
		return nil, f.updateErr
	}
	f.attached = append(f.attached, signature)
	f.payment.Status = db.PaymentSubmitted
	f.payment.TxSignature = &signature
	return f.payment, nil
}

func (f *fakeStore) UpdatePaymentStatus(ctx context.Context, id uuid.UUID, status db.PaymentStatus, errorMessage *string) (*db.Payment, error) {
	if f.updateErr != nil {
		return nil, f.updateErr
	}
	f.statuses = append(f.statuses, status)
	f.payment.Status = status
	f.payment.ErrorMessage = errorMessage
	return f.payment, nil
}

func (f *fakeStore) MarkRequestFulfilled(ctx context.Context, requestID, paymentID uuid.UUID) (*db.PaymentRequest, error) {
	f.fulfilled = append(f.fulfilled, requestID)
	return &db.PaymentRequest{ID: requestID, Fulfilled: true, PaymentID: &paymentID}, nil
}

type fakeChain struct {
	sig       solanago.Signature
	submitErr error
	status    *solana.SignatureStatus
	statusErr error
	submitted int
}

func (f *fakeChain) Submit(ctx context.Context, signedBase64 string) (solanago.Signature, error) {
	f.submitted++
	return f.sig, f.submitErr
}

func (f *fakeChain) GetSignatureStatus(ctx context.Context, sig solanago.Signature) (*solana.SignatureStatus, error) {
	return f.status, f.statusErr
}

func newTestPayment(requestID *uuid.UUID) *db.Payment {
	return &db.Payment{
		ID:              uuid.MustParse(testPaymentID),
		SenderID:        100,
		RecipientID:     200,
		SenderWallet:    "9WzDXwBbmkg8ZTbNMqUxvQRAyrZzDsGYdLVL9zYtAWWM",
		RecipientWallet: "DRpbCBMxVnDK7maPM5tGv6MvB3v1sRMC86PZ8okm21hy",
		Amount:          decimal.RequireFromString("12.5"),
		Status:          db.PaymentBuilt,
		RequestID:       requestID,
	}
}

func TestSubmitTransaction(t *testing.T) {
	sig := solanago.MustSignatureFromBase58(testSignature)

	tests := []struct {
		name      string
		submitErr error
		wantType  string
		wantMsg   string
	}{
		{
			name: "accepted",
		},
		{
			name: "rejected keeps the node's reason",
			submitErr: &solana.RemoteRejectedError{
				Method: "sendTransaction",
				Code:   -32002,
				Reason: "Transaction simulation failed: Attempt to debit an account but found no record of a prior credit.",
			},
			wantType: ErrTypeRemoteRejected,
			wantMsg:  "Transaction simulation failed: Attempt to debit an account but found no record of a prior credit.",
		},
		{
			name:      "transport failure",
			submitErr: fmt.Errorf("sendTransaction: %w", solana.ErrRemoteUnavailable),
			wantType:  ErrTypeRemoteUnavailable,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			chain := &fakeChain{sig: sig, submitErr: tt.submitErr}
			acts := NewActivities(&fakeStore{}, chain, nil, nil, nil)

			result, err := acts.SubmitTransaction(context.Background(), SubmitTransactionInput{
				PaymentID:         testPaymentID,
				SignedTransaction: "AQID",
			})
			assert.Equal(t, 1, chain.submitted)

			if tt.wantType == "" {
				require.NoError(t, err)
				assert.Equal(t, testSignature, result.Signature)
				return
			}

			require.Error(t, err)
			var appErr *temporal.ApplicationError
			require.True(t, errors.As(err, &appErr))
			assert.Equal(t, tt.wantType, appErr.Type())
			assert.True(t, appErr.NonRetryable())
			if tt.wantMsg != "" {
				assert.Equal(t, tt.wantMsg, appErr.Message())
			}
		})
	}
}

func TestCheckConfirmation(t *testing.T) {
	ctx := context.Background()

	t.Run("not found", func(t *testing.T) {
		acts := NewActivities(&fakeStore{}, &fakeChain{}, nil, nil, nil)
		result, err := acts.CheckConfirmation(ctx, CheckConfirmationInput{Signature: testSignature})
		require.NoError(t, err)
		assert.False(t, result.Found)
		assert.False(t, result.Confirmed)
	})

	t.Run("confirmed", func(t *testing.T) {
		chain := &fakeChain{status: &solana.SignatureStatus{
			Signature:          solanago.MustSignatureFromBase58(testSignature),
			Slot:               311_000_123,
			ConfirmationStatus: rpc.ConfirmationStatusConfirmed,
		}}
		acts := NewActivities(&fakeStore{}, chain, nil, nil, nil)
		result, err := acts.CheckConfirmation(ctx, CheckConfirmationInput{Signature: testSignature})
		require.NoError(t, err)
		assert.True(t, result.Found)
		assert.True(t, result.Confirmed)
		assert.Equal(t, "confirmed", result.ConfirmationStatus)
		assert.Equal(t, uint64(311_000_123), result.Slot)
		assert.Nil(t, result.Error)
	})

	t.Run("failed on chain", func(t *testing.T) {
		chainErr := `{"InstructionError":[0,{"Custom":1}]}`
		chain := &fakeChain{status: &solana.SignatureStatus{
			Signature:          solanago.MustSignatureFromBase58(testSignature),
			ConfirmationStatus: rpc.ConfirmationStatusProcessed,
			Err:                &chainErr,
		}}
		acts := NewActivities(&fakeStore{}, chain, nil, nil, nil)
		result, err := acts.CheckConfirmation(ctx, CheckConfirmationInput{Signature: testSignature})
		require.NoError(t, err)
		require.NotNil(t, result.Error)
		assert.Equal(t, chainErr, *result.Error)
	})

	t.Run("rpc error is retryable", func(t *testing.T) {
		chain := &fakeChain{statusErr: solana.ErrRemoteUnavailable}
		acts := NewActivities(&fakeStore{}, chain, nil, nil, nil)
		_, err := acts.CheckConfirmation(ctx, CheckConfirmationInput{Signature: testSignature})
		require.Error(t, err)
		assert.ErrorIs(t, err, solana.ErrRemoteUnavailable)
	})

	t.Run("invalid signature", func(t *testing.T) {
		acts := NewActivities(&fakeStore{}, &fakeChain{}, nil, nil, nil)
		_, err := acts.CheckConfirmation(ctx, CheckConfirmationInput{Signature: "not-base58!"})
		require.Error(t, err)
		assert.True(t, isApplicationErrorType(err, ErrTypeInvalidInput))
	})
}

func TestRecordPaymentStatus(t *testing.T) {
	ctx := context.Background()

	t.Run("submitted attaches signature and publishes", func(t *testing.T) {
		store := &fakeStore{payment: newTestPayment(nil)}
		pub := natspkg.NewMockPublisher()
		acts := NewActivities(store, &fakeChain{}, pub, nil, nil)

		err := acts.RecordPaymentStatus(ctx, RecordStatusInput{
			PaymentID: testPaymentID,
			Status:    "submitted",
			Signature: testSignature,
			StartedAt: time.Now(),
		})
		require.NoError(t, err)
		assert.Equal(t, []string{testSignature}, store.attached)
		assert.Empty(t, store.statuses)
		assert.Equal(t, []string{"submitted"}, pub.StatusesFor(testPaymentID))
	})

	t.Run("confirmed fulfills linked request", func(t *testing.T) {
		reqID := uuid.New()
		store := &fakeStore{payment: newTestPayment(&reqID)}
		pub := natspkg.NewMockPublisher()
		acts := NewActivities(store, &fakeChain{}, pub, nil, nil)

		err := acts.RecordPaymentStatus(ctx, RecordStatusInput{
			PaymentID: testPaymentID,
			Status:    "confirmed",
			Signature: testSignature,
			StartedAt: time.Now().Add(-5 * time.Second),
		})
		require.NoError(t, err)
		assert.Equal(t, []db.PaymentStatus{db.PaymentConfirmed}, store.statuses)
		assert.Equal(t, []uuid.UUID{reqID}, store.fulfilled)

		events := pub.GetPublishedEvents()
		require.Len(t, events, 1)
		assert.True(t, events[0].Terminal())
	})

	t.Run("failed stores the error message", func(t *testing.T) {
		store := &fakeStore{payment: newTestPayment(nil)}
		acts := NewActivities(store, &fakeChain{}, nil, nil, nil)

		err := acts.RecordPaymentStatus(ctx, RecordStatusInput{
			PaymentID: testPaymentID,
			Status:    "failed",
			Error:     "Blockhash not found",
		})
		require.NoError(t, err)
		require.NotNil(t, store.payment.ErrorMessage)
		assert.Equal(t, "Blockhash not found", *store.payment.ErrorMessage)
		assert.Empty(t, store.fulfilled)
	})

	t.Run("publish failure does not fail the activity", func(t *testing.T) {
		store := &fakeStore{payment: newTestPayment(nil)}
		pub := natspkg.NewMockPublisher()
		pub.SetPublishError(errors.New("nats: no responders"))
		acts := NewActivities(store, &fakeChain{}, pub, nil, nil)

		err := acts.RecordPaymentStatus(ctx, RecordStatusInput{PaymentID: testPaymentID, Status: "expired"})
		require.NoError(t, err)
	})

	t.Run("invalid transition is non-retryable", func(t *testing.T) {
		store := &fakeStore{payment: newTestPayment(nil), updateErr: fmt.Errorf("confirmed to failed: %w", db.ErrInvalidTransition)}
		acts := NewActivities(store, &fakeChain{}, nil, nil, nil)

		err := acts.RecordPaymentStatus(ctx, RecordStatusInput{PaymentID: testPaymentID, Status: "failed"})
		require.Error(t, err)
		assert.True(t, isApplicationErrorType(err, ErrTypeInvalidTransition))
	})

	t.Run("invalid payment id", func(t *testing.T) {
		acts := NewActivities(&fakeStore{}, &fakeChain{}, nil, nil, nil)
		err := acts.RecordPaymentStatus(ctx, RecordStatusInput{PaymentID: "nope", Status: "failed"})
		require.Error(t, err)
		assert.True(t, isApplicationErrorType(err, ErrTypeInvalidInput))
	})
}
