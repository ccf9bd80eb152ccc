package solana

import (
	"context"
	"errors"
	"fmt"

	"github.com/gagliardetto/solana-go/rpc"
	"github.com/gagliardetto/solana-go/rpc/jsonrpc"
	"github.com/shopspring/decimal"
	"github.com/sony/gobreaker"
)

var (
	// ErrRemoteUnavailable means the node could not be reached or did not answer in
	// time. The whole plan may be retried.
	ErrRemoteUnavailable = errors.New("solana rpc unavailable")

	// ErrRemoteRejected means the node answered with an error. Retrying the same
	// request will not help.
	ErrRemoteRejected = errors.New("solana rpc rejected request")
)

// RemoteRejectedError carries the node's JSON-RPC error. Reason is the node's
// message verbatim so it can be shown to the user.
type RemoteRejectedError struct {
	Method string
	Code   int
	Reason string
}

func (e *RemoteRejectedError) Error() string {
	return fmt.Sprintf("%s rejected (code %d): %s", e.Method, e.Code, e.Reason)
}

func (e *RemoteRejectedError) Is(target error) bool {
	return target == ErrRemoteRejected
}

// classifyRPCError maps an error from the RPC layer onto the two remote
// conditions. rpc.ErrNotFound passes through untouched; callers treat it as a
// valid "absent" outcome.
func classifyRPCError(method string, err error) error {
	if err == nil || errors.Is(err, rpc.ErrNotFound) {
		return err
	}
	if errors.Is(err, ErrRemoteUnavailable) || errors.Is(err, ErrRemoteRejected) {
		return err
	}

	var rpcErr *jsonrpc.RPCError
	if errors.As(err, &rpcErr) {
		return &RemoteRejectedError{
			Method: method,
			Code:   rpcErr.Code,
			Reason: rpcErr.Message,
		}
	}

	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return fmt.Errorf("%w: %s: %v", ErrRemoteUnavailable, method, err)
	}

	// Transport failures, HTTP status errors, and deadlines.
	return fmt.Errorf("%w: %s: %w", ErrRemoteUnavailable, method, err)
}

// countsAsBreakerSuccess reports whether err should leave the circuit breaker
// closed. Only transport-level failures trip it.
func countsAsBreakerSuccess(err error) bool {
	if err == nil {
		return true
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, rpc.ErrNotFound) {
		return true
	}
	var rpcErr *jsonrpc.RPCError
	return errors.As(err, &rpcErr)
}

// Validation failures returned by the planner. They are terminal and
// carry enough detail to show the user directly.

// InsufficientFeesError means the sender cannot cover network fees.
type InsufficientFeesError struct {
	BalanceLamports  uint64
	RequiredLamports uint64
}

// ShortfallLamports is how many lamports the sender must add.
func (e *InsufficientFeesError) ShortfallLamports() uint64 {
	if e.BalanceLamports >= e.RequiredLamports {
		return 0
	}
	return e.RequiredLamports - e.BalanceLamports
}

func (e *InsufficientFeesError) Error() string {
	return fmt.Sprintf("insufficient SOL to pay fees: top up ~%s SOL and try again",
		LamportsToSOL(e.ShortfallLamports()).StringFixed(5))
}

// NoFundingSourceError means the sender has no token account for the mint.
type NoFundingSourceError struct {
	Owner string
	Mint  string
}

func (e *NoFundingSourceError) Error() string {
	return "your USDC account doesn't exist yet or has 0 balance: receive USDC first"
}

// InsufficientFundsError means the sender's token balance is below the request.
type InsufficientFundsError struct {
	Balance   decimal.Decimal
	Requested decimal.Decimal
}

func (e *InsufficientFundsError) Error() string {
	return fmt.Sprintf("insufficient USDC balance: you have %s, need %s",
		FormatUI(e.Balance), formatRequested(e.Requested))
}

// formatRequested keeps digits past the sixth so a sub-unit shortfall still
// shows in the message.
func formatRequested(d decimal.Decimal) string {
	if d.Exponent() < -USDCDecimals {
		return d.String()
	}
	return FormatUI(d)
}

// ErrorCode returns a stable machine-readable code for planner and remote
// errors, or "" for anything else.
func ErrorCode(err error) string {
	var (
		feesErr   *InsufficientFeesError
		sourceErr *NoFundingSourceError
		fundsErr  *InsufficientFundsError
	)
	switch {
	case errors.As(err, &feesErr):
		return "insufficient_fees"
	case errors.As(err, &sourceErr):
		return "no_funding_source"
	case errors.As(err, &fundsErr):
		return "insufficient_funds"
	case errors.Is(err, ErrRemoteRejected):
		return "remote_rejected"
	case errors.Is(err, ErrRemoteUnavailable):
		return "remote_unavailable"
	default:
		return ""
	}
}
