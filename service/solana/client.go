package solana

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/brojonat/payrelay/service/metrics"
	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/rpc"
	"github.com/gagliardetto/solana-go/rpc/jsonrpc"
	"github.com/shopspring/decimal"
	"github.com/sony/gobreaker"
)

// RPCClient is the subset of Solana JSON-RPC methods the relay uses.
// Tests substitute a mock so no real node is needed.
type RPCClient interface {
	GetBalance(ctx context.Context, account solana.PublicKey, commitment rpc.CommitmentType) (*rpc.GetBalanceResult, error)
	GetLatestBlockhash(ctx context.Context, commitment rpc.CommitmentType) (*rpc.GetLatestBlockhashResult, error)
	GetAccountInfo(ctx context.Context, account solana.PublicKey, opts *rpc.GetAccountInfoOpts) (*rpc.GetAccountInfoResult, error)
	GetTokenAccountsByOwner(
		ctx context.Context,
		owner solana.PublicKey,
		conf *rpc.GetTokenAccountsConfig,
		opts *rpc.GetTokenAccountsOpts,
	) (*rpc.GetTokenAccountsResult, error)
	GetTokenAccountBalance(ctx context.Context, account solana.PublicKey, commitment rpc.CommitmentType) (*rpc.GetTokenAccountBalanceResult, error)
	SendTransaction(ctx context.Context, encoded string, opts rpc.TransactionOpts) (solana.Signature, error)
	GetSignatureStatuses(ctx context.Context, searchHistory bool, sigs ...solana.Signature) (*rpc.GetSignatureStatusesResult, error)
}

// ChainClient is what the transfer planner needs from the network.
type ChainClient interface {
	GetFeeBalance(ctx context.Context, account solana.PublicKey) (uint64, error)
	GetLatestBlockReference(ctx context.Context) (BlockReference, error)
	AccountExists(ctx context.Context, account solana.PublicKey) ExistenceResult
	FindTokenAccount(ctx context.Context, owner, mint solana.PublicKey) (*solana.PublicKey, error)
	GetTokenBalance(ctx context.Context, tokenAccount solana.PublicKey) (decimal.Decimal, error)
	Submit(ctx context.Context, signedBase64 string) (solana.Signature, error)
}

// BreakerSettings configures the circuit breaker around RPC calls.
type BreakerSettings struct {
	// ConsecutiveFailures trips the breaker. Zero disables the breaker.
	ConsecutiveFailures uint32
	// OpenTimeout is how long the breaker stays open before probing again.
	OpenTimeout time.Duration
}

// Client issues RPC calls for the relay. Every call is timed, logged, and
// classified into ErrRemoteUnavailable or *RemoteRejectedError. Client never
// retries; submission is not idempotent.
type Client struct {
	rpc      RPCClient
	breaker  *gobreaker.CircuitBreaker
	logger   *slog.Logger
	metrics  *metrics.Metrics
	endpoint string // label for metrics, e.g. "mainnet" or the RPC host
}

// NewClient creates a Solana client. If metrics is nil, no metrics are recorded.
func NewClient(rpcClient RPCClient, endpoint string, breaker BreakerSettings, m *metrics.Metrics, logger *slog.Logger) *Client {
	c := &Client{
		rpc:      rpcClient,
		logger:   logger,
		metrics:  m,
		endpoint: endpoint,
	}

	if breaker.ConsecutiveFailures > 0 {
		c.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:        "solana-rpc-" + endpoint,
			MaxRequests: 1,
			Timeout:     breaker.OpenTimeout,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= breaker.ConsecutiveFailures
			},
			IsSuccessful: countsAsBreakerSuccess,
			OnStateChange: func(name string, from, to gobreaker.State) {
				logger.Warn("rpc circuit breaker state changed",
					"breaker", name,
					"from", from.String(),
					"to", to.String(),
				)
				if m != nil {
					m.RecordBreakerState(endpoint, int(to))
				}
			},
		})
	}

	return c
}

// call runs fn through the breaker, records metrics, and classifies the error.
func (c *Client) call(ctx context.Context, method string, fn func() error) error {
	start := time.Now()

	var err error
	if c.breaker != nil {
		_, err = c.breaker.Execute(func() (interface{}, error) {
			return nil, fn()
		})
	} else {
		err = fn()
	}
	duration := time.Since(start).Seconds()

	status := "success"
	if err != nil && !errors.Is(err, rpc.ErrNotFound) {
		status = "error"
	}

	var rpcErr *jsonrpc.RPCError
	if errors.As(err, &rpcErr) && c.metrics != nil {
		c.metrics.RecordRPCRejection(method, rpcErr.Code)
	}
	if c.metrics != nil {
		c.metrics.RecordRPCCall(method, status, c.endpoint, duration)
	}

	classified := classifyRPCError(method, err)
	if status == "error" {
		c.logger.WarnContext(ctx, "rpc call failed",
			"method", method,
			"endpoint", c.endpoint,
			"duration_s", duration,
			"error", classified,
		)
	}
	return classified
}

// GetFeeBalance returns the lamport balance of account at processed commitment.
func (c *Client) GetFeeBalance(ctx context.Context, account solana.PublicKey) (uint64, error) {
	var out *rpc.GetBalanceResult
	err := c.call(ctx, "getBalance", func() error {
		var err error
		out, err = c.rpc.GetBalance(ctx, account, rpc.CommitmentProcessed)
		return err
	})
	if err != nil {
		return 0, err
	}
	if out == nil {
		return 0, fmt.Errorf("%w: getBalance: empty result", ErrRemoteUnavailable)
	}

	c.logger.DebugContext(ctx, "fetched fee balance",
		"account", account.String(),
		"lamports", out.Value,
	)
	return out.Value, nil
}

// GetLatestBlockReference returns the latest finalized blockhash.
func (c *Client) GetLatestBlockReference(ctx context.Context) (BlockReference, error) {
	var out *rpc.GetLatestBlockhashResult
	err := c.call(ctx, "getLatestBlockhash", func() error {
		var err error
		out, err = c.rpc.GetLatestBlockhash(ctx, rpc.CommitmentFinalized)
		return err
	})
	if err != nil {
		return BlockReference{}, err
	}
	if out == nil || out.Value == nil {
		return BlockReference{}, fmt.Errorf("%w: getLatestBlockhash: empty result", ErrRemoteUnavailable)
	}

	return BlockReference{
		Blockhash:            out.Value.Blockhash,
		LastValidBlockHeight: out.Value.LastValidBlockHeight,
	}, nil
}

// AccountExists probes account. A missing account is AccountAbsent; any
// failure is AccountUnknown with the error attached, and the caller decides
// what Unknown means.
func (c *Client) AccountExists(ctx context.Context, account solana.PublicKey) ExistenceResult {
	var out *rpc.GetAccountInfoResult
	err := c.call(ctx, "getAccountInfo", func() error {
		var err error
		out, err = c.rpc.GetAccountInfo(ctx, account, &rpc.GetAccountInfoOpts{
			Encoding:   solana.EncodingBase64,
			Commitment: rpc.CommitmentProcessed,
		})
		return err
	})

	switch {
	case errors.Is(err, rpc.ErrNotFound):
		return ExistenceResult{Presence: AccountAbsent}
	case err != nil:
		return ExistenceResult{Presence: AccountUnknown, Err: err}
	case out == nil || out.Value == nil:
		return ExistenceResult{Presence: AccountAbsent}
	default:
		return ExistenceResult{Presence: AccountPresent}
	}
}

// FindTokenAccount returns the first token account owned by owner for mint,
// or nil when the owner holds none.
func (c *Client) FindTokenAccount(ctx context.Context, owner, mint solana.PublicKey) (*solana.PublicKey, error) {
	var out *rpc.GetTokenAccountsResult
	err := c.call(ctx, "getTokenAccountsByOwner", func() error {
		var err error
		out, err = c.rpc.GetTokenAccountsByOwner(ctx, owner,
			&rpc.GetTokenAccountsConfig{Mint: &mint},
			&rpc.GetTokenAccountsOpts{
				Encoding:   solana.EncodingJSONParsed,
				Commitment: rpc.CommitmentProcessed,
			},
		)
		return err
	})
	if errors.Is(err, rpc.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if out == nil || len(out.Value) == 0 || out.Value[0] == nil {
		return nil, nil
	}

	acct := out.Value[0].Pubkey
	c.logger.DebugContext(ctx, "found token account",
		"owner", owner.String(),
		"mint", mint.String(),
		"token_account", acct.String(),
		"accounts_returned", len(out.Value),
	)
	return &acct, nil
}

// GetTokenBalance returns the balance of tokenAccount in human units. The
// value is computed exactly from the raw amount and decimals, never from the
// node's floating point uiAmount.
func (c *Client) GetTokenBalance(ctx context.Context, tokenAccount solana.PublicKey) (decimal.Decimal, error) {
	var out *rpc.GetTokenAccountBalanceResult
	err := c.call(ctx, "getTokenAccountBalance", func() error {
		var err error
		out, err = c.rpc.GetTokenAccountBalance(ctx, tokenAccount, rpc.CommitmentProcessed)
		return err
	})
	if err != nil {
		return decimal.Zero, err
	}
	if out == nil || out.Value == nil {
		return decimal.Zero, fmt.Errorf("%w: getTokenAccountBalance: empty result", ErrRemoteUnavailable)
	}

	raw, err := decimal.NewFromString(out.Value.Amount)
	if err != nil {
		return decimal.Zero, fmt.Errorf("failed to parse token amount %q: %w", out.Value.Amount, err)
	}
	return raw.Shift(-int32(out.Value.Decimals)), nil
}

// Submit broadcasts a signed base64 transaction with preflight simulation.
// The node is asked to rebroadcast up to three times; the client itself makes
// exactly one call.
func (c *Client) Submit(ctx context.Context, signedBase64 string) (solana.Signature, error) {
	maxRetries := uint(3)
	var sig solana.Signature
	err := c.call(ctx, "sendTransaction", func() error {
		var err error
		sig, err = c.rpc.SendTransaction(ctx, signedBase64, rpc.TransactionOpts{
			Encoding:            solana.EncodingBase64,
			SkipPreflight:       false,
			PreflightCommitment: rpc.CommitmentProcessed,
			MaxRetries:          &maxRetries,
		})
		return err
	})
	if err != nil {
		return solana.Signature{}, err
	}

	c.logger.InfoContext(ctx, "submitted transaction",
		"signature", sig.String(),
		"endpoint", c.endpoint,
	)
	return sig, nil
}

// GetSignatureStatus returns the cluster status of sig, or nil if the node
// has not seen it yet.
func (c *Client) GetSignatureStatus(ctx context.Context, sig solana.Signature) (*SignatureStatus, error) {
	var out *rpc.GetSignatureStatusesResult
	err := c.call(ctx, "getSignatureStatuses", func() error {
		var err error
		out, err = c.rpc.GetSignatureStatuses(ctx, true, sig)
		return err
	})
	if err != nil {
		return nil, err
	}
	if out == nil || len(out.Value) == 0 || out.Value[0] == nil {
		return nil, nil
	}

	res := out.Value[0]
	status := &SignatureStatus{
		Signature:          sig,
		Slot:               res.Slot,
		ConfirmationStatus: res.ConfirmationStatus,
	}
	if res.Err != nil {
		msg := fmt.Sprintf("%v", res.Err)
		status.Err = &msg
	}
	return status, nil
}

var _ ChainClient = (*Client)(nil)
