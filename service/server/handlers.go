package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"regexp"
	"strconv"
	"strings"
	"time"
	"unicode"

	"github.com/brojonat/payrelay/service/db"
	"github.com/brojonat/payrelay/service/solana"
	solanago "github.com/gagliardetto/solana-go"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"
)

const (
	maxRequestBodySize = 1 << 20 // 1MB
	minAddressLength   = 32
	maxAddressLength   = 44
	maxUsernameLength  = 64
	maxLabelLength     = 64
	maxMemoLength      = 200
	maxListLimit       = 100
)

var (
	// Valid Solana address characters: base58 (no 0, O, I, l)
	validAddressRegex = regexp.MustCompile(`^[1-9A-HJ-NP-Za-km-z]+$`)
)

// userResponse is the API response format for a user.
type userResponse struct {
	TgUserID  int64     `json:"tg_user_id"`
	Username  string    `json:"username"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

func userToResponse(u *db.User) userResponse {
	return userResponse{
		TgUserID:  u.TgUserID,
		Username:  u.Username,
		CreatedAt: u.CreatedAt,
		UpdatedAt: u.UpdatedAt,
	}
}

// walletResponse is the API response format for a linked wallet.
type walletResponse struct {
	ID        int64     `json:"id"`
	TgUserID  int64     `json:"tg_user_id"`
	Address   string    `json:"address"`
	Label     string    `json:"label"`
	IsActive  bool      `json:"is_active"`
	CreatedAt time.Time `json:"created_at"`
}

func walletToResponse(w *db.Wallet) walletResponse {
	return walletResponse{
		ID:        w.ID,
		TgUserID:  w.TgUserID,
		Address:   w.Address,
		Label:     w.Label,
		IsActive:  w.IsActive,
		CreatedAt: w.CreatedAt,
	}
}

// requestResponse is the API response format for a payment request.
type requestResponse struct {
	ID          string          `json:"id"`
	RequesterID int64           `json:"requester_id"`
	PayerID     int64           `json:"payer_id"`
	Amount      decimal.Decimal `json:"amount"`
	Memo        *string         `json:"memo,omitempty"`
	Fulfilled   bool            `json:"fulfilled"`
	PaymentID   *string         `json:"payment_id,omitempty"`
	CreatedAt   time.Time       `json:"created_at"`
	FulfilledAt *time.Time      `json:"fulfilled_at,omitempty"`
}

func requestToResponse(r *db.PaymentRequest) requestResponse {
	resp := requestResponse{
		ID:          r.ID.String(),
		RequesterID: r.RequesterID,
		PayerID:     r.PayerID,
		Amount:      r.Amount,
		Memo:        r.Memo,
		Fulfilled:   r.Fulfilled,
		CreatedAt:   r.CreatedAt,
		FulfilledAt: r.FulfilledAt,
	}
	if r.PaymentID != nil {
		id := r.PaymentID.String()
		resp.PaymentID = &id
	}
	return resp
}

// handleEnsureUser returns a handler that creates or refreshes a user.
// POST /api/v1/users
func handleEnsureUser(store Store, logger *slog.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			TgUserID int64  `json:"tg_user_id"`
			Username string `json:"username"`
		}
		if err := decodeBody(w, r, &req); err != nil {
			logger.DebugContext(r.Context(), "failed to decode user request", "error", err)
			writeError(w, err.Error(), http.StatusBadRequest)
			return
		}

		if req.TgUserID <= 0 {
			writeError(w, "tg_user_id must be positive", http.StatusBadRequest)
			return
		}
		if err := validateUsername(req.Username); err != nil {
			writeError(w, err.Error(), http.StatusBadRequest)
			return
		}

		user, err := store.EnsureUser(r.Context(), req.TgUserID, req.Username)
		if err != nil {
			logger.ErrorContext(r.Context(), "failed to ensure user", "tg_user_id", req.TgUserID, "error", err)
			writeError(w, "internal server error", http.StatusInternalServerError)
			return
		}

		logger.DebugContext(r.Context(), "user ensured", "tg_user_id", user.TgUserID, "username", user.Username)
		writeJSON(w, userToResponse(user), http.StatusOK)
	})
}

// handleFindUser returns a handler that resolves "@name", a bare username, or
// a numeric id.
// GET /api/v1/users/{ref}
func handleFindUser(store Store, logger *slog.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ref := r.PathValue("ref")
		if err := validateUserRef(ref); err != nil {
			writeError(w, err.Error(), http.StatusBadRequest)
			return
		}

		user, err := store.FindUser(r.Context(), ref)
		if err != nil {
			writeStoreError(w, r, logger, err, "user not found")
			return
		}
		writeJSON(w, userToResponse(user), http.StatusOK)
	})
}

// handleLinkWallet returns a handler that links a wallet address to a user.
// POST /api/v1/users/{id}/wallets
func handleLinkWallet(store Store, logger *slog.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		userID, err := parseUserID(r.PathValue("id"))
		if err != nil {
			writeError(w, err.Error(), http.StatusBadRequest)
			return
		}

		var req struct {
			Address    string `json:"address"`
			Label      string `json:"label"`
			MakeActive bool   `json:"make_active"`
		}
		if err := decodeBody(w, r, &req); err != nil {
			writeError(w, err.Error(), http.StatusBadRequest)
			return
		}

		if err := validateAddress(req.Address); err != nil {
			logger.DebugContext(r.Context(), "invalid address", "address", req.Address, "error", err)
			writeError(w, err.Error(), http.StatusBadRequest)
			return
		}
		if len(req.Label) > maxLabelLength {
			writeError(w, fmt.Sprintf("label too long: maximum length is %d characters", maxLabelLength), http.StatusBadRequest)
			return
		}

		if _, err := store.GetUser(r.Context(), userID); err != nil {
			writeStoreError(w, r, logger, err, "user not found")
			return
		}

		wallet, err := store.LinkWallet(r.Context(), db.LinkWalletParams{
			TgUserID:   userID,
			Address:    req.Address,
			Label:      req.Label,
			MakeActive: req.MakeActive,
		})
		if err != nil {
			logger.ErrorContext(r.Context(), "failed to link wallet", "tg_user_id", userID, "address", req.Address, "error", err)
			writeError(w, "failed to link wallet", http.StatusInternalServerError)
			return
		}

		logger.InfoContext(r.Context(), "wallet linked",
			"tg_user_id", userID,
			"address", wallet.Address,
			"active", wallet.IsActive,
		)
		writeJSON(w, walletToResponse(wallet), http.StatusCreated)
	})
}

// handleListWallets returns a handler that lists a user's wallets.
// GET /api/v1/users/{id}/wallets
func handleListWallets(store Store, logger *slog.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		userID, err := parseUserID(r.PathValue("id"))
		if err != nil {
			writeError(w, err.Error(), http.StatusBadRequest)
			return
		}

		wallets, err := store.ListWallets(r.Context(), userID)
		if err != nil {
			logger.ErrorContext(r.Context(), "failed to list wallets", "tg_user_id", userID, "error", err)
			writeError(w, "internal server error", http.StatusInternalServerError)
			return
		}

		resp := make([]walletResponse, len(wallets))
		for i, wallet := range wallets {
			resp[i] = walletToResponse(wallet)
		}
		writeJSON(w, map[string]interface{}{
			"wallets": resp,
		}, http.StatusOK)
	})
}

// handleActivateWallet returns a handler that makes a linked wallet the
// user's active one.
// PUT /api/v1/users/{id}/wallets/{address}/active
func handleActivateWallet(store Store, logger *slog.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		userID, err := parseUserID(r.PathValue("id"))
		if err != nil {
			writeError(w, err.Error(), http.StatusBadRequest)
			return
		}
		address := r.PathValue("address")
		if err := validateAddress(address); err != nil {
			writeError(w, err.Error(), http.StatusBadRequest)
			return
		}

		wallet, err := store.SetActiveWallet(r.Context(), userID, address)
		if err != nil {
			writeStoreError(w, r, logger, err, "wallet not linked")
			return
		}

		logger.InfoContext(r.Context(), "active wallet changed", "tg_user_id", userID, "address", address)
		writeJSON(w, walletToResponse(wallet), http.StatusOK)
	})
}

// handleDisconnectWallet returns a handler that unlinks a wallet.
// DELETE /api/v1/users/{id}/wallets/{address}
func handleDisconnectWallet(store Store, logger *slog.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		userID, err := parseUserID(r.PathValue("id"))
		if err != nil {
			writeError(w, err.Error(), http.StatusBadRequest)
			return
		}
		address := r.PathValue("address")
		if err := validateAddress(address); err != nil {
			writeError(w, err.Error(), http.StatusBadRequest)
			return
		}

		if err := store.DisconnectWallet(r.Context(), userID, address); err != nil {
			writeStoreError(w, r, logger, err, "wallet not linked")
			return
		}

		logger.InfoContext(r.Context(), "wallet disconnected", "tg_user_id", userID, "address", address)
		w.WriteHeader(http.StatusNoContent)
	})
}

// handleCreateRequest returns a handler that records a payment request.
// POST /api/v1/requests
func handleCreateRequest(store Store, logger *slog.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			RequesterID int64  `json:"requester_id"`
			Payer       string `json:"payer"`
			Amount      string `json:"amount"`
			Memo        string `json:"memo"`
		}
		if err := decodeBody(w, r, &req); err != nil {
			writeError(w, err.Error(), http.StatusBadRequest)
			return
		}

		if req.RequesterID <= 0 {
			writeError(w, "requester_id must be positive", http.StatusBadRequest)
			return
		}
		if err := validateUserRef(req.Payer); err != nil {
			writeError(w, "payer: "+err.Error(), http.StatusBadRequest)
			return
		}
		amount, err := parsePositiveAmount(req.Amount)
		if err != nil {
			writeError(w, err.Error(), http.StatusBadRequest)
			return
		}
		memo, err := optionalMemo(req.Memo)
		if err != nil {
			writeError(w, err.Error(), http.StatusBadRequest)
			return
		}

		requester, err := store.GetUser(r.Context(), req.RequesterID)
		if err != nil {
			writeStoreError(w, r, logger, err, "requester not found")
			return
		}
		payer, err := store.FindUser(r.Context(), req.Payer)
		if err != nil {
			writeStoreError(w, r, logger, err, "payer not found")
			return
		}
		if payer.TgUserID == requester.TgUserID {
			writeError(w, "cannot request a payment from yourself", http.StatusBadRequest)
			return
		}

		created, err := store.CreatePaymentRequest(r.Context(), db.CreatePaymentRequestParams{
			RequesterID: requester.TgUserID,
			PayerID:     payer.TgUserID,
			Amount:      amount,
			Memo:        memo,
		})
		if err != nil {
			logger.ErrorContext(r.Context(), "failed to create payment request", "error", err)
			writeError(w, "failed to create payment request", http.StatusInternalServerError)
			return
		}

		logger.InfoContext(r.Context(), "payment request created",
			"request_id", created.ID.String(),
			"requester_id", created.RequesterID,
			"payer_id", created.PayerID,
			"amount", solana.FormatUI(created.Amount),
		)
		writeJSON(w, requestToResponse(created), http.StatusCreated)
	})
}

// handleListRequests returns a handler that lists recent requests involving
// a user, optionally only those shared with a counterparty.
// GET /api/v1/requests?user={id}&counterparty={id}&limit={n}
func handleListRequests(store Store, logger *slog.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()

		userID, err := parseUserID(q.Get("user"))
		if err != nil {
			writeError(w, "user: "+err.Error(), http.StatusBadRequest)
			return
		}

		var counterparty int64
		if c := q.Get("counterparty"); c != "" {
			counterparty, err = parseUserID(c)
			if err != nil {
				writeError(w, "counterparty: "+err.Error(), http.StatusBadRequest)
				return
			}
		}

		limit, err := parseLimit(q.Get("limit"), db.DefaultRecentRequests)
		if err != nil {
			writeError(w, err.Error(), http.StatusBadRequest)
			return
		}

		reqs, err := store.ListRecentRequests(r.Context(), db.ListRequestsParams{
			UserID:         userID,
			CounterpartyID: counterparty,
			Limit:          limit,
		})
		if err != nil {
			logger.ErrorContext(r.Context(), "failed to list requests", "user", userID, "error", err)
			writeError(w, "internal server error", http.StatusInternalServerError)
			return
		}

		resp := make([]requestResponse, len(reqs))
		for i, req := range reqs {
			resp[i] = requestToResponse(req)
		}
		writeJSON(w, map[string]interface{}{
			"requests": resp,
		}, http.StatusOK)
	})
}

// writeJSON writes a JSON response.
func writeJSON(w http.ResponseWriter, data interface{}, statusCode int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(data)
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, message string, statusCode int) {
	writeJSON(w, map[string]string{
		"error": message,
	}, statusCode)
}

// writeErrorCode writes a JSON error response with a machine-readable code.
func writeErrorCode(w http.ResponseWriter, message, code string, statusCode int) {
	writeJSON(w, map[string]string{
		"error": message,
		"code":  code,
	}, statusCode)
}

// writeStoreError maps pgx.ErrNoRows to 404 and anything else to 500.
func writeStoreError(w http.ResponseWriter, r *http.Request, logger *slog.Logger, err error, notFound string) {
	if errors.Is(err, pgx.ErrNoRows) {
		writeError(w, notFound, http.StatusNotFound)
		return
	}
	logger.ErrorContext(r.Context(), "store operation failed", "path", r.URL.Path, "error", err)
	writeError(w, "internal server error", http.StatusInternalServerError)
}

// writeChainError maps planner and RPC failures to responses. Planner
// validation failures are 422, an unreachable node is 503, and a node
// rejection is 502.
func writeChainError(w http.ResponseWriter, r *http.Request, logger *slog.Logger, err error) {
	code := solana.ErrorCode(err)
	switch code {
	case "insufficient_fees", "no_funding_source", "insufficient_funds":
		writeErrorCode(w, err.Error(), code, http.StatusUnprocessableEntity)
	case "remote_unavailable":
		writeErrorCode(w, "solana rpc unavailable, try again shortly", code, http.StatusServiceUnavailable)
	case "remote_rejected":
		writeErrorCode(w, err.Error(), code, http.StatusBadGateway)
	default:
		logger.ErrorContext(r.Context(), "chain operation failed", "path", r.URL.Path, "error", err)
		writeError(w, "internal server error", http.StatusInternalServerError)
	}
}

// decodeBody decodes a size-limited JSON request body.
func decodeBody(w http.ResponseWriter, r *http.Request, dst interface{}) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			return errorf("request body too large: maximum size is 1MB")
		}
		return errorf("invalid request body: must be valid JSON")
	}
	return nil
}

// validateAddress checks that an address is a well-formed base58 public key.
func validateAddress(address string) error {
	if address == "" {
		return errorf("address is required")
	}

	if len(address) > maxAddressLength {
		return errorf("address too long: maximum length is %d characters", maxAddressLength)
	}

	for _, r := range address {
		if unicode.IsControl(r) {
			return errorf("invalid characters in address: control characters not allowed")
		}
	}

	lower := strings.ToLower(address)
	sqlPatterns := []string{"drop ", "delete ", "insert ", "update ", "select ", "--", "/*", "*/", ";"}
	for _, pattern := range sqlPatterns {
		if strings.Contains(lower, pattern) {
			return errorf("invalid characters in address: suspicious pattern detected")
		}
	}

	if !validAddressRegex.MatchString(address) {
		return errorf("invalid address format: must contain only valid base58 characters")
	}

	if len(address) < minAddressLength {
		return errorf("address too short: minimum length is %d characters", minAddressLength)
	}

	if _, err := solanago.PublicKeyFromBase58(address); err != nil {
		return errorf("invalid address: %v", err)
	}

	return nil
}

// parseAddress validates and decodes an address.
func parseAddress(address string) (solanago.PublicKey, error) {
	if err := validateAddress(address); err != nil {
		return solanago.PublicKey{}, err
	}
	return solanago.MustPublicKeyFromBase58(address), nil
}

func validateUsername(username string) error {
	if len(username) > maxUsernameLength {
		return errorf("username too long: maximum length is %d characters", maxUsernameLength)
	}
	for _, r := range username {
		if unicode.IsControl(r) || unicode.IsSpace(r) {
			return errorf("invalid characters in username")
		}
	}
	return nil
}

func validateUserRef(ref string) error {
	if strings.TrimPrefix(ref, "@") == "" {
		return errorf("user reference is required")
	}
	return validateUsername(ref)
}

func parseUserID(s string) (int64, error) {
	if s == "" {
		return 0, errorf("user id is required")
	}
	id, err := strconv.ParseInt(s, 10, 64)
	if err != nil || id <= 0 {
		return 0, errorf("invalid user id %q: must be a positive integer", s)
	}
	return id, nil
}

func parseLimit(s string, def int32) (int32, error) {
	if s == "" {
		return def, nil
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return 0, errorf("invalid limit parameter: must be an integer")
	}
	if n < 1 {
		return 0, errorf("limit must be at least 1")
	}
	if n > maxListLimit {
		return 0, errorf("limit cannot exceed %d", maxListLimit)
	}
	return int32(n), nil
}

func parseUUID(s, name string) (uuid.UUID, error) {
	id, err := uuid.Parse(s)
	if err != nil {
		return uuid.Nil, errorf("invalid %s: must be a UUID", name)
	}
	return id, nil
}

// parsePositiveAmount parses a USDC amount with at most six fractional digits.
func parsePositiveAmount(s string) (decimal.Decimal, error) {
	amount, err := solana.ParseUI(s)
	if err != nil {
		return decimal.Zero, errorf("%v", err)
	}
	if !amount.IsPositive() {
		return decimal.Zero, errorf("amount must be greater than zero")
	}
	if !amount.Equal(amount.Truncate(solana.USDCDecimals)) {
		return decimal.Zero, errorf("amount has more than %d decimal places", solana.USDCDecimals)
	}
	return amount, nil
}

func optionalMemo(memo string) (*string, error) {
	memo = strings.TrimSpace(memo)
	if memo == "" {
		return nil, nil
	}
	if len(memo) > maxMemoLength {
		return nil, errorf("memo too long: maximum length is %d characters", maxMemoLength)
	}
	for _, r := range memo {
		if unicode.IsControl(r) {
			return nil, errorf("invalid characters in memo: control characters not allowed")
		}
	}
	return &memo, nil
}

// errorf is a helper to format error strings.
func errorf(format string, args ...interface{}) error {
	return &validationError{msg: strings.TrimSpace(fmt.Sprintf(format, args...))}
}

type validationError struct {
	msg string
}

func (e *validationError) Error() string {
	return e.msg
}
