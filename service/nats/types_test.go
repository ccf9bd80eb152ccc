package nats

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/brojonat/payrelay/service/db"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFromDBPayment(t *testing.T) {
	requestID := uuid.New()
	sig := "5VERYsig"
	p := &db.Payment{
		ID:              uuid.New(),
		SenderID:        200,
		RecipientID:     100,
		SenderWallet:    "9WzDXwBbmkg8ZTbNMqUxvQRAyrZzDsGYdLVL9zYtAWWM",
		RecipientWallet: "7EcDhSYGxXyscszYEp35KHN8vvw3svAuLKTzXwCFLtV",
		Amount:          decimal.RequireFromString("12.5"),
		Status:          db.PaymentSubmitted,
		RequestID:       &requestID,
		TxSignature:     &sig,
		UpdatedAt:       time.Date(2025, 1, 2, 3, 4, 5, 0, time.UTC),
	}

	event := FromDBPayment(p)

	assert.Equal(t, p.ID.String(), event.PaymentID)
	assert.Equal(t, "submitted", event.Status)
	assert.Equal(t, requestID.String(), event.RequestID)
	assert.Equal(t, sig, event.Signature)
	assert.Empty(t, event.Error)
	assert.False(t, event.Terminal())
	assert.Equal(t, "payments."+p.ID.String(), PaymentSubject(event.PaymentID))

	data, err := json.Marshal(event)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"amount":"12.5"`)
}

func TestFromDBPayment_Failed(t *testing.T) {
	msg := "Transaction simulation failed: insufficient funds"
	p := &db.Payment{
		ID:           uuid.New(),
		Status:       db.PaymentFailed,
		ErrorMessage: &msg,
	}

	event := FromDBPayment(p)

	assert.Equal(t, msg, event.Error)
	assert.Empty(t, event.RequestID)
	assert.True(t, event.Terminal())
}

func TestMockPublisher(t *testing.T) {
	m := NewMockPublisher()
	ctx := context.Background()

	require.NoError(t, m.PublishPayment(ctx, &PaymentEvent{PaymentID: "a", Status: "submitted"}))
	require.NoError(t, m.PublishPayment(ctx, &PaymentEvent{PaymentID: "b", Status: "submitted"}))
	require.NoError(t, m.PublishPayment(ctx, &PaymentEvent{PaymentID: "a", Status: "confirmed"}))

	assert.Equal(t, []string{"submitted", "confirmed"}, m.StatusesFor("a"))
	assert.Len(t, m.GetPublishedEvents(), 3)

	m.SetPublishError(assert.AnError)
	assert.ErrorIs(t, m.PublishPayment(ctx, &PaymentEvent{PaymentID: "c"}), assert.AnError)

	require.NoError(t, m.Close())
	assert.True(t, m.IsClosed())
}
