package server

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/brojonat/payrelay/service/metrics"
	natspkg "github.com/brojonat/payrelay/service/nats"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
)

const sseKeepalive = 15 * time.Second

// PaymentSubscriber delivers events for one payment until ctx is done.
type PaymentSubscriber interface {
	Subscribe(ctx context.Context, paymentID string) (<-chan *natspkg.PaymentEvent, error)
}

// SSEPublisher feeds Server-Sent Events connections from the PAYMENTS stream.
type SSEPublisher struct {
	nc     *nats.Conn
	js     jetstream.JetStream
	logger *slog.Logger
}

var _ PaymentSubscriber = (*SSEPublisher)(nil)

// NewSSEPublisher creates a new SSE publisher that subscribes to NATS internally.
func NewSSEPublisher(natsURL string, logger *slog.Logger) (*SSEPublisher, error) {
	nc, err := natspkg.Connect(natsURL, "payrelay-sse-publisher")
	if err != nil {
		return nil, err
	}

	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("failed to create JetStream context: %w", err)
	}

	logger.Info("SSE publisher initialized", "nats_url", natsURL)

	return &SSEPublisher{
		nc:     nc,
		js:     js,
		logger: logger,
	}, nil
}

// Subscribe creates an ephemeral consumer filtered to the payment's subject.
// Only events published after the call are delivered.
func (p *SSEPublisher) Subscribe(ctx context.Context, paymentID string) (<-chan *natspkg.PaymentEvent, error) {
	cons, err := p.js.OrderedConsumer(ctx, natspkg.StreamName, jetstream.OrderedConsumerConfig{
		FilterSubjects: []string{natspkg.PaymentSubject(paymentID)},
		DeliverPolicy:  jetstream.DeliverNewPolicy,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create consumer: %w", err)
	}

	events := make(chan *natspkg.PaymentEvent, 10)
	cc, err := cons.Consume(func(msg jetstream.Msg) {
		var event natspkg.PaymentEvent
		if err := json.Unmarshal(msg.Data(), &event); err != nil {
			p.logger.WarnContext(ctx, "failed to unmarshal event", "subject", msg.Subject(), "error", err)
			return
		}
		select {
		case events <- &event:
		case <-ctx.Done():
		}
	})
	if err != nil {
		return nil, fmt.Errorf("failed to start consuming messages: %w", err)
	}

	go func() {
		<-ctx.Done()
		cc.Stop()
	}()

	return events, nil
}

// Close closes the NATS connection.
func (p *SSEPublisher) Close() error {
	if p.nc != nil {
		p.nc.Close()
		p.logger.Info("SSE publisher closed")
	}
	return nil
}

// handleStreamPayment streams a payment's status changes as SSE. The current
// state is sent first; the stream ends after a terminal status.
// GET /api/v1/stream/payments/{id}
func handleStreamPayment(store Store, sub PaymentSubscriber, m *metrics.Metrics, logger *slog.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id, err := parseUUID(r.PathValue("id"), "payment id")
		if err != nil {
			writeError(w, err.Error(), http.StatusBadRequest)
			return
		}

		ctx, cancel := context.WithCancel(r.Context())
		defer cancel()

		// Subscribe before reading the snapshot so no transition falls between them.
		events, err := sub.Subscribe(ctx, id.String())
		if err != nil {
			logger.ErrorContext(ctx, "failed to subscribe", "payment_id", id.String(), "error", err)
			writeError(w, "failed to subscribe", http.StatusServiceUnavailable)
			return
		}

		payment, err := store.GetPayment(ctx, id)
		if err != nil {
			writeStoreError(w, r, logger, err, "payment not found")
			return
		}

		w.Header().Set("Content-Type", "text/event-stream")
		w.Header().Set("Cache-Control", "no-cache")
		w.Header().Set("Connection", "keep-alive")
		w.WriteHeader(http.StatusOK)

		// Streams outlive the server's write timeout.
		_ = http.NewResponseController(w).SetWriteDeadline(time.Time{})

		if m != nil {
			m.RecordSSEConnectionChange(1)
			defer m.RecordSSEConnectionChange(-1)
		}

		logger.DebugContext(ctx, "SSE client connected",
			"payment_id", id.String(),
			"remote_addr", r.RemoteAddr,
		)

		send := func(event *natspkg.PaymentEvent) bool {
			data, err := json.Marshal(event)
			if err != nil {
				logger.WarnContext(ctx, "failed to marshal event", "error", err)
				return true
			}
			if _, err := fmt.Fprintf(w, "event: payment\ndata: %s\n\n", data); err != nil {
				return false
			}
			flush(w)
			if m != nil {
				m.RecordSSEEventSent("payment")
			}
			return true
		}

		fmt.Fprintf(w, "event: connected\ndata: {\"payment_id\":%q}\n\n", id.String())
		flush(w)

		snapshot := natspkg.FromDBPayment(payment)
		if !send(snapshot) || snapshot.Terminal() {
			return
		}

		keepalive := time.NewTicker(sseKeepalive)
		defer keepalive.Stop()

		for {
			select {
			case <-keepalive.C:
				fmt.Fprintf(w, ": keepalive\n\n")
				flush(w)

			case event, ok := <-events:
				if !ok {
					return
				}
				if !send(event) || event.Terminal() {
					logger.DebugContext(ctx, "SSE stream finished",
						"payment_id", id.String(),
						"status", event.Status,
					)
					return
				}

			case <-ctx.Done():
				logger.DebugContext(ctx, "SSE client disconnected",
					"payment_id", id.String(),
					"remote_addr", r.RemoteAddr,
				)
				return
			}
		}
	})
}

func flush(w http.ResponseWriter) {
	_ = http.NewResponseController(w).Flush()
}
