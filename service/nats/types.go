package nats

import (
	"time"

	"github.com/brojonat/payrelay/service/db"
	"github.com/shopspring/decimal"
)

// PaymentEvent is published to "payments.{payment_id}" whenever a payment
// changes status.
type PaymentEvent struct {
	PaymentID string `json:"payment_id"`
	Status    string `json:"status"`

	SenderID        int64  `json:"sender_id"`
	RecipientID     int64  `json:"recipient_id"`
	SenderWallet    string `json:"sender_wallet"`
	RecipientWallet string `json:"recipient_wallet"`

	// Amount is in USDC, never base units.
	Amount    decimal.Decimal `json:"amount"`
	RequestID string          `json:"request_id,omitempty"`
	Signature string          `json:"signature,omitempty"`
	Error     string          `json:"error,omitempty"`

	UpdatedAt   time.Time `json:"updated_at"`
	PublishedAt time.Time `json:"published_at"`
}

// FromDBPayment converts a stored payment to an event for publishing.
func FromDBPayment(p *db.Payment) *PaymentEvent {
	event := &PaymentEvent{
		PaymentID:       p.ID.String(),
		Status:          string(p.Status),
		SenderID:        p.SenderID,
		RecipientID:     p.RecipientID,
		SenderWallet:    p.SenderWallet,
		RecipientWallet: p.RecipientWallet,
		Amount:          p.Amount,
		UpdatedAt:       p.UpdatedAt,
		PublishedAt:     time.Now().UTC(),
	}

	if p.RequestID != nil {
		event.RequestID = p.RequestID.String()
	}
	if p.TxSignature != nil {
		event.Signature = *p.TxSignature
	}
	if p.ErrorMessage != nil {
		event.Error = *p.ErrorMessage
	}

	return event
}

// Terminal reports whether the event carries a final status.
func (e *PaymentEvent) Terminal() bool {
	return db.PaymentStatus(e.Status).Terminal()
}
