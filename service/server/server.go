package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/brojonat/payrelay/service/config"
	"github.com/brojonat/payrelay/service/db"
	"github.com/brojonat/payrelay/service/metrics"
	natspkg "github.com/brojonat/payrelay/service/nats"
	"github.com/brojonat/payrelay/service/solana"
	"github.com/brojonat/payrelay/service/temporal"
	solanago "github.com/gagliardetto/solana-go"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/shopspring/decimal"
)

// Store is the persistence the HTTP API needs. *db.Store implements it.
type Store interface {
	Ping(ctx context.Context) error

	EnsureUser(ctx context.Context, tgUserID int64, username string) (*db.User, error)
	GetUser(ctx context.Context, tgUserID int64) (*db.User, error)
	FindUser(ctx context.Context, ref string) (*db.User, error)

	LinkWallet(ctx context.Context, params db.LinkWalletParams) (*db.Wallet, error)
	ListWallets(ctx context.Context, tgUserID int64) ([]*db.Wallet, error)
	SetActiveWallet(ctx context.Context, tgUserID int64, address string) (*db.Wallet, error)
	GetActiveWallet(ctx context.Context, tgUserID int64) (*db.Wallet, error)
	DisconnectWallet(ctx context.Context, tgUserID int64, address string) error

	CreatePaymentRequest(ctx context.Context, params db.CreatePaymentRequestParams) (*db.PaymentRequest, error)
	GetPaymentRequest(ctx context.Context, id uuid.UUID) (*db.PaymentRequest, error)
	ListRecentRequests(ctx context.Context, params db.ListRequestsParams) ([]*db.PaymentRequest, error)
	FindLatestUnfulfilledRequest(ctx context.Context, requesterID, payerID int64) (*db.PaymentRequest, error)

	CreatePayment(ctx context.Context, params db.CreatePaymentParams) (*db.Payment, error)
	GetPayment(ctx context.Context, id uuid.UUID) (*db.Payment, error)
	ListPayments(ctx context.Context, params db.ListPaymentsParams) ([]*db.Payment, error)
	UpdatePaymentStatus(ctx context.Context, id uuid.UUID, status db.PaymentStatus, errorMessage *string) (*db.Payment, error)
	SetPaymentWorkflow(ctx context.Context, id uuid.UUID, workflowID string) error
}

var _ Store = (*db.Store)(nil)

// Planner builds unsigned transfers. *solana.TransferPlanner implements it.
type Planner interface {
	Plan(ctx context.Context, sender, recipient solanago.PublicKey, amountUI decimal.Decimal, opts ...solana.PlanOption) (*solana.BuiltTransfer, error)
}

var _ Planner = (*solana.TransferPlanner)(nil)

// Server represents the HTTP server for the payment relay.
type Server struct {
	addr      string
	cfg       *config.Config
	store     Store
	planner   Planner
	settler   temporal.Settler
	publisher natspkg.Publisher
	stream    PaymentSubscriber
	renderer  *TemplateRenderer
	metrics   *metrics.Metrics
	logger    *slog.Logger
	server    *http.Server
}

// New creates a new HTTP server with the given dependencies.
// The publisher is optional - if nil, build status changes are not published.
// The stream is optional - if nil, SSE endpoints won't be available.
// The metrics is optional - if nil, metrics endpoints won't be available.
func New(
	addr string,
	cfg *config.Config,
	store Store,
	planner Planner,
	settler temporal.Settler,
	publisher natspkg.Publisher,
	stream PaymentSubscriber,
	m *metrics.Metrics,
	logger *slog.Logger,
) *Server {
	return &Server{
		addr:      addr,
		cfg:       cfg,
		store:     store,
		planner:   planner,
		settler:   settler,
		publisher: publisher,
		stream:    stream,
		metrics:   m,
		logger:    logger,
	}
}

// WithTemplates adds template rendering support to the server using embedded files
func (s *Server) WithTemplates() error {
	renderer, err := NewTemplateRenderer(s.logger)
	if err != nil {
		return fmt.Errorf("failed to initialize templates: %w", err)
	}
	s.renderer = renderer
	s.logger.Info("HTML templates loaded from embedded files")
	return nil
}

// Handler returns the routed handler with CORS applied.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	// Users and wallets
	s.handle(mux, "POST /api/v1/users", handleEnsureUser(s.store, s.logger))
	s.handle(mux, "GET /api/v1/users/{ref}", handleFindUser(s.store, s.logger))
	s.handle(mux, "POST /api/v1/users/{id}/wallets", handleLinkWallet(s.store, s.logger))
	s.handle(mux, "GET /api/v1/users/{id}/wallets", handleListWallets(s.store, s.logger))
	s.handle(mux, "PUT /api/v1/users/{id}/wallets/{address}/active", handleActivateWallet(s.store, s.logger))
	s.handle(mux, "DELETE /api/v1/users/{id}/wallets/{address}", handleDisconnectWallet(s.store, s.logger))

	// Requests
	s.handle(mux, "POST /api/v1/requests", handleCreateRequest(s.store, s.logger))
	s.handle(mux, "GET /api/v1/requests", handleListRequests(s.store, s.logger))

	// Payments
	s.handle(mux, "POST /api/v1/payments", handleCreatePayment(s.store, s.cfg, s.logger))
	s.handle(mux, "GET /api/v1/payments", handleListPayments(s.store, s.logger))
	s.handle(mux, "GET /api/v1/payments/{id}", handleGetPayment(s.store, s.logger))
	s.handle(mux, "POST /api/v1/payments/{id}/build", handleBuildPayment(s.store, s.planner, s.publisher, s.logger))
	s.handle(mux, "POST /api/v1/payments/{id}/submit", handleSubmitPayment(s.store, s.settler, s.cfg, s.logger))
	s.handle(mux, "GET /api/v1/plan", handlePlan(s.planner, s.logger))

	// SSE streaming endpoint (if a subscriber is configured)
	if s.stream != nil {
		s.handle(mux, "GET /api/v1/stream/payments/{id}", handleStreamPayment(s.store, s.stream, s.metrics, s.logger))
		s.logger.Info("SSE streaming endpoint enabled")
	} else {
		s.logger.Warn("SSE subscriber not configured, streaming endpoint disabled")
	}

	// HTML pages (if template renderer is configured)
	if s.renderer != nil {
		mux.Handle("GET /phantom/sign", handleSignPage(s.store, s.renderer))
		s.logger.Info("HTML page endpoints enabled")
	}

	mux.HandleFunc("GET /health", handleHealth(s.store, s.logger))

	// Prometheus metrics endpoint (if metrics collector is configured)
	if s.metrics != nil {
		mux.Handle("GET /metrics", promhttp.Handler())
		s.logger.Info("Prometheus metrics endpoint enabled")
	}

	return corsMiddleware(mux)
}

func (s *Server) handle(mux *http.ServeMux, pattern string, h http.Handler) {
	mux.Handle(pattern, metrics.HTTPMetricsMiddleware(s.metrics, pattern)(h))
}

// Start starts the HTTP server.
func (s *Server) Start() error {
	s.server = &http.Server{
		Addr:        s.addr,
		Handler:     s.Handler(),
		ReadTimeout: 15 * time.Second,
		// SSE handlers clear their own write deadline.
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	s.logger.Info("starting HTTP server", "addr", s.addr)
	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("server failed: %w", err)
	}

	return nil
}

// Shutdown gracefully shuts down the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down HTTP server")

	// Close the stream first (disconnects all SSE clients)
	if closer, ok := s.stream.(interface{ Close() error }); ok {
		closer.Close()
	}

	if s.server != nil {
		return s.server.Shutdown(ctx)
	}
	return nil
}

// handleHealth reports whether the database is reachable.
func handleHealth(store Store, logger *slog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := store.Ping(ctx); err != nil {
			logger.WarnContext(r.Context(), "health check failed", "error", err)
			writeError(w, "database unavailable", http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	}
}

// corsMiddleware adds CORS headers to all responses and handles OPTIONS preflight requests.
func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		w.Header().Set("Access-Control-Max-Age", "3600")

		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusNoContent)
			return
		}

		next.ServeHTTP(w, r)
	})
}
