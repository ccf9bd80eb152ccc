package metrics

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus collectors for the application.
// It is passed explicitly to every component that records metrics;
// a nil *Metrics means "don't record".
type Metrics struct {
	// Solana RPC Metrics
	solanaRPCCallsTotal   *prometheus.CounterVec
	solanaRPCCallDuration *prometheus.HistogramVec
	solanaRPCRejections   *prometheus.CounterVec
	rpcBreakerState       *prometheus.GaugeVec

	// Transfer planning
	transferPlansTotal       *prometheus.CounterVec
	transferPlanDuration     prometheus.Histogram
	associatedAccountsNeeded *prometheus.CounterVec

	// Payment lifecycle
	paymentsTotal          *prometheus.CounterVec
	settlementDuration     *prometheus.HistogramVec
	settlementActivityTime *prometheus.HistogramVec

	// Database Metrics
	dbQueryDuration   *prometheus.HistogramVec
	dbOperationsTotal *prometheus.CounterVec

	// HTTP Metrics
	httpRequestDuration  *prometheus.HistogramVec
	httpRequestsTotal    *prometheus.CounterVec
	sseActiveConnections prometheus.Gauge
	sseEventsSent        *prometheus.CounterVec

	// NATS Metrics
	natsMessagesPublished *prometheus.CounterVec
	natsPublishDuration   *prometheus.HistogramVec
}

// NewMetrics creates a new Metrics instance and registers all collectors.
// If registry is nil, prometheus.DefaultRegisterer is used.
func NewMetrics(registry prometheus.Registerer) *Metrics {
	if registry == nil {
		registry = prometheus.DefaultRegisterer
	}

	factory := promauto.With(registry)

	return &Metrics{
		solanaRPCCallsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "solana_rpc_calls_total",
				Help: "Total number of Solana RPC calls by method and status",
			},
			[]string{"method", "status", "endpoint"},
		),
		solanaRPCCallDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "solana_rpc_call_duration_seconds",
				Help:    "Duration of Solana RPC calls in seconds",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0, 10.0, 25.0},
			},
			[]string{"method", "endpoint"},
		),
		solanaRPCRejections: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "solana_rpc_rejections_total",
				Help: "Total number of requests the Solana node refused, by method and JSON-RPC code",
			},
			[]string{"method", "code"},
		),
		rpcBreakerState: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "solana_rpc_breaker_state",
				Help: "Circuit breaker state for the RPC endpoint (0=closed, 1=half-open, 2=open)",
			},
			[]string{"endpoint"},
		),

		transferPlansTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "transfer_plans_total",
				Help: "Total number of transfer planning attempts by outcome",
			},
			[]string{"outcome"},
		),
		transferPlanDuration: factory.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "transfer_plan_duration_seconds",
				Help:    "Duration of transfer planning including preflight RPC reads",
				Buckets: []float64{0.1, 0.25, 0.5, 1.0, 2.5, 5.0, 10.0, 30.0},
			},
		),
		associatedAccountsNeeded: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "associated_token_accounts_created_total",
				Help: "Create-account instructions added to planned transfers, by side",
			},
			[]string{"side"},
		),

		paymentsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "payments_total",
				Help: "Payment status transitions",
			},
			[]string{"status"},
		),
		settlementDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "settlement_workflow_duration_seconds",
				Help:    "Time from submission to terminal payment status",
				Buckets: []float64{1, 2.5, 5, 10, 20, 30, 60, 120, 300},
			},
			[]string{"status"},
		),
		settlementActivityTime: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "settlement_activity_duration_seconds",
				Help:    "Duration of settlement activities in seconds",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0, 10.0},
			},
			[]string{"activity"},
		),

		dbQueryDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "db_query_duration_seconds",
				Help:    "Duration of database queries in seconds",
				Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0},
			},
			[]string{"operation", "table"},
		),
		dbOperationsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "db_operations_total",
				Help: "Total number of database operations",
			},
			[]string{"operation", "status"},
		),

		httpRequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "http_request_duration_seconds",
				Help:    "Duration of HTTP requests in seconds",
				Buckets: []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0},
			},
			[]string{"handler", "method", "status"},
		),
		httpRequestsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "http_requests_total",
				Help: "Total number of HTTP requests",
			},
			[]string{"handler", "method", "status"},
		),
		sseActiveConnections: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "sse_active_connections",
				Help: "Number of open payment event streams",
			},
		),
		sseEventsSent: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "sse_events_sent_total",
				Help: "Total number of SSE events sent",
			},
			[]string{"event_type"},
		),

		natsMessagesPublished: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "nats_messages_published_total",
				Help: "Total number of messages published to NATS",
			},
			[]string{"subject", "status"},
		),
		natsPublishDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "nats_publish_duration_seconds",
				Help:    "Duration of NATS publish operations in seconds",
				Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25},
			},
			[]string{"subject"},
		),
	}
}

// Solana RPC metric helpers

// RecordRPCCall records a Solana RPC call with duration.
func (m *Metrics) RecordRPCCall(method, status, endpoint string, duration float64) {
	m.solanaRPCCallsTotal.WithLabelValues(method, status, endpoint).Inc()
	m.solanaRPCCallDuration.WithLabelValues(method, endpoint).Observe(duration)
}

// RecordRPCRejection records a JSON-RPC error returned by the node.
func (m *Metrics) RecordRPCRejection(method string, code int) {
	m.solanaRPCRejections.WithLabelValues(method, strconv.Itoa(code)).Inc()
}

// RecordBreakerState records the circuit breaker state for an endpoint.
func (m *Metrics) RecordBreakerState(endpoint string, state int) {
	m.rpcBreakerState.WithLabelValues(endpoint).Set(float64(state))
}

// Transfer planning helpers

// RecordTransferPlan records a planning attempt. outcome is "built" or an error code.
func (m *Metrics) RecordTransferPlan(outcome string, duration float64) {
	m.transferPlansTotal.WithLabelValues(outcome).Inc()
	m.transferPlanDuration.Observe(duration)
}

// RecordAssociatedAccountCreate records a create-account instruction for "sender" or "recipient".
func (m *Metrics) RecordAssociatedAccountCreate(side string) {
	m.associatedAccountsNeeded.WithLabelValues(side).Inc()
}

// Payment helpers

func (m *Metrics) RecordPaymentStatus(status string) {
	m.paymentsTotal.WithLabelValues(status).Inc()
}

func (m *Metrics) RecordSettlementDuration(status string, duration float64) {
	m.settlementDuration.WithLabelValues(status).Observe(duration)
}

// RecordActivityDuration records settlement activity execution duration.
func (m *Metrics) RecordActivityDuration(activity string, duration float64) {
	m.settlementActivityTime.WithLabelValues(activity).Observe(duration)
}

// Database metric helpers

// RecordDBQuery records a database query with duration.
func (m *Metrics) RecordDBQuery(operation, table string, duration float64, err error) {
	status := "success"
	if err != nil {
		status = "error"
	}
	m.dbQueryDuration.WithLabelValues(operation, table).Observe(duration)
	m.dbOperationsTotal.WithLabelValues(operation, status).Inc()
}

// HTTP metric helpers

// RecordHTTPRequest records an HTTP request with duration.
func (m *Metrics) RecordHTTPRequest(handler, method string, statusCode int, duration float64) {
	status := statusCodeToString(statusCode)
	m.httpRequestDuration.WithLabelValues(handler, method, status).Observe(duration)
	m.httpRequestsTotal.WithLabelValues(handler, method, status).Inc()
}

// RecordSSEConnectionChange records a change in SSE connection count.
func (m *Metrics) RecordSSEConnectionChange(delta float64) {
	m.sseActiveConnections.Add(delta)
}

// RecordSSEEventSent records an SSE event being sent.
func (m *Metrics) RecordSSEEventSent(eventType string) {
	m.sseEventsSent.WithLabelValues(eventType).Inc()
}

// NATS metric helpers

// RecordNATSPublish records a NATS publish operation.
func (m *Metrics) RecordNATSPublish(subject, status string, duration float64) {
	m.natsMessagesPublished.WithLabelValues(subject, status).Inc()
	m.natsPublishDuration.WithLabelValues(subject).Observe(duration)
}

// Helper functions

func statusCodeToString(code int) string {
	// Group status codes by class
	switch {
	case code >= 200 && code < 300:
		return "2xx"
	case code >= 300 && code < 400:
		return "3xx"
	case code >= 400 && code < 500:
		return "4xx"
	case code >= 500 && code < 600:
		return "5xx"
	default:
		return "unknown"
	}
}
