package temporal

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMockSettler_RefusesSecondStart(t *testing.T) {
	m := NewMockSettler()
	ctx := context.Background()

	id, err := m.StartSettlement(ctx, SettlePaymentInput{PaymentID: "p1", ExpectedSignature: "sig-a"})
	require.NoError(t, err)
	assert.Equal(t, WorkflowID("p1"), id)

	_, err = m.StartSettlement(ctx, SettlePaymentInput{PaymentID: "p1", ExpectedSignature: "sig-b"})
	assert.ErrorIs(t, err, ErrSettlementAlreadyStarted)

	_, err = m.StartSettlement(ctx, SettlePaymentInput{PaymentID: "p2", ExpectedSignature: "sig-c"})
	require.NoError(t, err)

	started := m.Started()
	require.Len(t, started, 2)
	assert.Equal(t, "sig-a", started[0].ExpectedSignature)
}
