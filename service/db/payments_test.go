package db

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPaymentStatus(t *testing.T) {
	for _, s := range []PaymentStatus{PaymentConfirmed, PaymentFailed, PaymentExpired} {
		assert.True(t, s.Terminal(), s)
	}
	for _, s := range []PaymentStatus{PaymentPending, PaymentBuilt, PaymentSubmitted} {
		assert.False(t, s.Terminal(), s)
	}
	assert.True(t, PaymentBuilt.Valid())
	assert.False(t, PaymentStatus("settled").Valid())
}

func seedUsers(t *testing.T, store *TestStore) (requester, payer int64) {
	t.Helper()
	ctx := context.Background()
	_, err := store.EnsureUser(ctx, 100, "requester")
	require.NoError(t, err)
	_, err = store.EnsureUser(ctx, 200, "payer")
	require.NoError(t, err)
	return 100, 200
}

func TestPaymentLifecycle(t *testing.T) {
	SkipIfNoTestDB(t)

	store := NewTestStore(t)
	defer store.Close()
	defer store.Cleanup(t)

	ctx := context.Background()
	requester, payer := seedUsers(t, store)

	p, err := store.CreatePayment(ctx, CreatePaymentParams{
		SenderID:        payer,
		RecipientID:     requester,
		SenderWallet:    "9WzDXwBbmkg8ZTbNMqUxvQRAyrZzDsGYdLVL9zYtAWWM",
		RecipientWallet: "7EcDhSYGxXyscszYEp35KHN8vvw3svAuLKTzXwCFLtV",
		Amount:          decimal.RequireFromString("1.234568"),
	})
	require.NoError(t, err)
	assert.Equal(t, PaymentPending, p.Status)
	assert.True(t, p.Amount.Equal(decimal.RequireFromString("1.234568")))
	assert.Nil(t, p.TxSignature)

	got, err := store.GetPayment(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, p.ID, got.ID)

	_, err = store.UpdatePaymentStatus(ctx, p.ID, PaymentBuilt, nil)
	require.NoError(t, err)

	submitted, err := store.AttachSignature(ctx, p.ID, "5sig")
	require.NoError(t, err)
	assert.Equal(t, PaymentSubmitted, submitted.Status)
	require.NotNil(t, submitted.TxSignature)
	assert.Equal(t, "5sig", *submitted.TxSignature)

	require.NoError(t, store.SetPaymentWorkflow(ctx, p.ID, "settle-"+p.ID.String()))

	confirmed, err := store.UpdatePaymentStatus(ctx, p.ID, PaymentConfirmed, nil)
	require.NoError(t, err)
	assert.Equal(t, PaymentConfirmed, confirmed.Status)
	require.NotNil(t, confirmed.WorkflowID)

	t.Run("terminal payments cannot move", func(t *testing.T) {
		msg := "late"
		_, err := store.UpdatePaymentStatus(ctx, p.ID, PaymentFailed, &msg)
		assert.ErrorIs(t, err, ErrInvalidTransition)

		_, err = store.AttachSignature(ctx, p.ID, "other")
		assert.ErrorIs(t, err, pgx.ErrNoRows)
	})

	t.Run("list by either side", func(t *testing.T) {
		for _, id := range []int64{requester, payer} {
			list, err := store.ListPayments(ctx, ListPaymentsParams{UserID: id})
			require.NoError(t, err)
			assert.Len(t, list, 1)
		}
		list, err := store.ListPayments(ctx, ListPaymentsParams{UserID: payer, Status: PaymentPending})
		require.NoError(t, err)
		assert.Empty(t, list)
	})

	_, err = store.GetPayment(ctx, uuid.New())
	assert.ErrorIs(t, err, pgx.ErrNoRows)
}

func TestPaymentRequests(t *testing.T) {
	SkipIfNoTestDB(t)

	store := NewTestStore(t)
	defer store.Close()
	defer store.Cleanup(t)

	ctx := context.Background()
	requester, payer := seedUsers(t, store)

	memo := "dinner"
	var created []*PaymentRequest
	for i := 1; i <= 7; i++ {
		r, err := store.CreatePaymentRequest(ctx, CreatePaymentRequestParams{
			RequesterID: requester,
			PayerID:     payer,
			Amount:      decimal.NewFromInt(int64(i)),
			Memo:        &memo,
		})
		require.NoError(t, err)
		created = append(created, r)
	}

	recent, err := store.ListRecentRequests(ctx, ListRequestsParams{UserID: payer, CounterpartyID: requester})
	require.NoError(t, err)
	assert.Len(t, recent, DefaultRecentRequests)
	assert.Equal(t, created[6].ID, recent[0].ID)

	latest, err := store.FindLatestUnfulfilledRequest(ctx, requester, payer)
	require.NoError(t, err)
	assert.Equal(t, created[6].ID, latest.ID)

	payment, err := store.CreatePayment(ctx, CreatePaymentParams{
		SenderID:        payer,
		RecipientID:     requester,
		SenderWallet:    "9WzDXwBbmkg8ZTbNMqUxvQRAyrZzDsGYdLVL9zYtAWWM",
		RecipientWallet: "7EcDhSYGxXyscszYEp35KHN8vvw3svAuLKTzXwCFLtV",
		Amount:          latest.Amount,
		RequestID:       &latest.ID,
	})
	require.NoError(t, err)

	fulfilled, err := store.MarkRequestFulfilled(ctx, latest.ID, payment.ID)
	require.NoError(t, err)
	assert.True(t, fulfilled.Fulfilled)
	require.NotNil(t, fulfilled.FulfilledAt)
	require.NotNil(t, fulfilled.PaymentID)
	assert.Equal(t, payment.ID, *fulfilled.PaymentID)

	again, err := store.MarkRequestFulfilled(ctx, latest.ID, payment.ID)
	require.NoError(t, err)
	assert.Equal(t, *fulfilled.FulfilledAt, *again.FulfilledAt)

	next, err := store.FindLatestUnfulfilledRequest(ctx, requester, payer)
	require.NoError(t, err)
	assert.Equal(t, created[5].ID, next.ID)

	_, err = store.FindLatestUnfulfilledRequest(ctx, payer, requester)
	assert.ErrorIs(t, err, pgx.ErrNoRows)
}
