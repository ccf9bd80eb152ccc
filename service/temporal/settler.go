package temporal

import (
	"context"
	"sync"
)

// Settler starts settlement workflows. The HTTP server depends on this
// rather than on the Temporal client so handlers can be tested without a
// Temporal cluster.
type Settler interface {
	StartSettlement(ctx context.Context, input SettlePaymentInput) (string, error)
}

var _ Settler = (*Client)(nil)

// MockSettler is a mock implementation of Settler for testing.
type MockSettler struct {
	mu       sync.Mutex
	started  []SettlePaymentInput
	startErr error
}

// NewMockSettler creates a new MockSettler.
func NewMockSettler() *MockSettler {
	return &MockSettler{}
}

// StartSettlement records the input and returns the workflow ID. Like the
// real client, a second start for the same payment fails with
// ErrSettlementAlreadyStarted.
func (m *MockSettler) StartSettlement(ctx context.Context, input SettlePaymentInput) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.startErr != nil {
		return "", m.startErr
	}
	for _, s := range m.started {
		if s.PaymentID == input.PaymentID {
			return "", ErrSettlementAlreadyStarted
		}
	}
	m.started = append(m.started, input)
	return WorkflowID(input.PaymentID), nil
}

// SetStartError configures the mock to return an error on StartSettlement.
func (m *MockSettler) SetStartError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.startErr = err
}

// Started returns the inputs of every started settlement.
func (m *MockSettler) Started() []SettlePaymentInput {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]SettlePaymentInput, len(m.started))
	copy(out, m.started)
	return out
}
