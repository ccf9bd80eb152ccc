package solana

import (
	"context"
	"encoding/base64"
	"fmt"
	"log/slog"
	"time"

	"github.com/brojonat/payrelay/service/metrics"
	"github.com/gagliardetto/solana-go"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"
)

// UnknownAccountPolicy decides what the planner does when an existence probe
// fails.
type UnknownAccountPolicy int

const (
	// UnknownAsAbsent adds a create instruction for the account. If the account
	// actually exists the transaction fails at simulation and nothing is lost
	// but the fee-free preflight.
	UnknownAsAbsent UnknownAccountPolicy = iota

	// UnknownAsError aborts the plan with the probe's error.
	UnknownAsError
)

// ParseUnknownAccountPolicy parses "absent" or "error".
func ParseUnknownAccountPolicy(s string) (UnknownAccountPolicy, error) {
	switch s {
	case "", "absent":
		return UnknownAsAbsent, nil
	case "error":
		return UnknownAsError, nil
	default:
		return 0, fmt.Errorf("unknown account policy %q (want absent or error)", s)
	}
}

// PlannerConfig holds the token and limits a TransferPlanner works with.
type PlannerConfig struct {
	Mint            solana.PublicKey
	Decimals        uint8
	MinFeeLamports  uint64
	UnknownAccounts UnknownAccountPolicy
}

// DefaultPlannerConfig returns the USDC configuration for mint.
func DefaultPlannerConfig(mint solana.PublicKey) PlannerConfig {
	return PlannerConfig{
		Mint:            mint,
		Decimals:        USDCDecimals,
		MinFeeLamports:  MinFeeReserveLamports,
		UnknownAccounts: UnknownAsAbsent,
	}
}

// TransferPlanner assembles unsigned token transfers after checking that the
// sender can pay for them. It holds no mutable state and is safe for
// concurrent use.
type TransferPlanner struct {
	chain   ChainClient
	cfg     PlannerConfig
	metrics *metrics.Metrics
	logger  *slog.Logger
}

// NewTransferPlanner creates a planner. If metrics is nil, no metrics are recorded.
func NewTransferPlanner(chain ChainClient, cfg PlannerConfig, m *metrics.Metrics, logger *slog.Logger) *TransferPlanner {
	return &TransferPlanner{
		chain:   chain,
		cfg:     cfg,
		metrics: m,
		logger:  logger,
	}
}

// PlanOption customizes a single Plan call.
type PlanOption func(*planOptions)

type planOptions struct {
	memo string
}

// WithMemo appends a memo instruction signed by the sender.
func WithMemo(memo string) PlanOption {
	return func(o *planOptions) {
		o.memo = memo
	}
}

// Plan builds an unsigned transfer of amountUI tokens from sender to
// recipient, paid for by sender.
//
// Preflight order: fee balance, then sender token account and balance. The
// two reads run concurrently but failures are reported in that order. Any
// failure aborts before an envelope is built.
func (p *TransferPlanner) Plan(
	ctx context.Context,
	sender, recipient solana.PublicKey,
	amountUI decimal.Decimal,
	opts ...PlanOption,
) (*BuiltTransfer, error) {
	start := time.Now()
	built, err := p.plan(ctx, sender, recipient, amountUI, opts...)

	outcome := "built"
	if err != nil {
		outcome = ErrorCode(err)
		if outcome == "" {
			outcome = "error"
		}
		p.logger.InfoContext(ctx, "transfer plan failed",
			"sender", sender.String(),
			"recipient", recipient.String(),
			"amount", FormatUI(amountUI),
			"outcome", outcome,
			"error", err,
		)
	}
	if p.metrics != nil {
		p.metrics.RecordTransferPlan(outcome, time.Since(start).Seconds())
	}
	return built, err
}

func (p *TransferPlanner) plan(
	ctx context.Context,
	sender, recipient solana.PublicKey,
	amountUI decimal.Decimal,
	opts ...PlanOption,
) (*BuiltTransfer, error) {
	var o planOptions
	for _, opt := range opts {
		opt(&o)
	}

	baseUnits, err := ToBaseUnits(amountUI, int32(p.cfg.Decimals))
	if err != nil {
		return nil, err
	}
	requested := FromBaseUnits(baseUnits, int32(p.cfg.Decimals))

	// Steps 1 and 2 are independent reads.
	var (
		feeBalance   uint64
		feeErr       error
		sourceAcct   *solana.PublicKey
		tokenBalance decimal.Decimal
		tokenErr     error
	)
	var g errgroup.Group
	g.Go(func() error {
		feeBalance, feeErr = p.chain.GetFeeBalance(ctx, sender)
		return nil
	})
	g.Go(func() error {
		sourceAcct, tokenErr = p.chain.FindTokenAccount(ctx, sender, p.cfg.Mint)
		if tokenErr != nil || sourceAcct == nil {
			return nil
		}
		tokenBalance, tokenErr = p.chain.GetTokenBalance(ctx, *sourceAcct)
		return nil
	})
	_ = g.Wait()

	if feeErr != nil {
		return nil, fmt.Errorf("failed to get fee balance: %w", feeErr)
	}
	if feeBalance < p.cfg.MinFeeLamports {
		return nil, &InsufficientFeesError{
			BalanceLamports:  feeBalance,
			RequiredLamports: p.cfg.MinFeeLamports,
		}
	}
	if tokenErr != nil {
		return nil, fmt.Errorf("failed to get token balance: %w", tokenErr)
	}
	// Funds are checked against the amount as given, before rounding.
	if sourceAcct == nil {
		if amountUI.IsPositive() {
			return nil, &NoFundingSourceError{Owner: sender.String(), Mint: p.cfg.Mint.String()}
		}
	} else if tokenBalance.LessThan(amountUI) {
		return nil, &InsufficientFundsError{Balance: tokenBalance, Requested: amountUI}
	}

	senderATA, err := DeriveAssociatedTokenAddress(sender, p.cfg.Mint)
	if err != nil {
		return nil, err
	}
	recipientATA, err := DeriveAssociatedTokenAddress(recipient, p.cfg.Mint)
	if err != nil {
		return nil, err
	}

	senderMissing, recipientMissing, err := p.probeAccounts(ctx, senderATA, recipientATA)
	if err != nil {
		return nil, err
	}

	var (
		instructions []solana.Instruction
		creates      []string
	)
	if senderMissing {
		ix, err := NewCreateAssociatedTokenAccountInstruction(sender, sender, p.cfg.Mint)
		if err != nil {
			return nil, err
		}
		instructions = append(instructions, ix)
		creates = append(creates, senderATA.String())
		p.recordCreate("sender")
	}
	if recipientMissing && !recipientATA.Equals(senderATA) {
		ix, err := NewCreateAssociatedTokenAccountInstruction(sender, recipient, p.cfg.Mint)
		if err != nil {
			return nil, err
		}
		instructions = append(instructions, ix)
		creates = append(creates, recipientATA.String())
		p.recordCreate("recipient")
	}

	instructions = append(instructions,
		NewTransferCheckedInstruction(senderATA, p.cfg.Mint, recipientATA, sender, baseUnits, p.cfg.Decimals))

	if o.memo != "" {
		ix, err := NewMemoInstruction(o.memo, sender)
		if err != nil {
			return nil, err
		}
		instructions = append(instructions, ix)
	}

	ref, err := p.chain.GetLatestBlockReference(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to get latest blockhash: %w", err)
	}

	encoded, err := compileUnsigned(instructions, sender, ref.Blockhash)
	if err != nil {
		return nil, err
	}

	p.logger.DebugContext(ctx, "planned transfer",
		"sender", sender.String(),
		"recipient", recipient.String(),
		"amount_base_units", baseUnits,
		"instructions", len(instructions),
		"creates", creates,
		"blockhash", ref.Blockhash.String(),
	)

	return &BuiltTransfer{
		Transaction:           encoded,
		Blockhash:             ref.Blockhash.String(),
		LastValidBlockHeight:  ref.LastValidBlockHeight,
		SenderTokenAccount:    senderATA.String(),
		RecipientTokenAccount: recipientATA.String(),
		Amount:                requested,
		AmountBaseUnits:       baseUnits,
		CreatesAccounts:       creates,
		InstructionCount:      len(instructions),
		Memo:                  o.memo,
	}, nil
}

// probeAccounts checks both associated accounts concurrently and applies the
// unknown-account policy. It reports which accounts need creating.
func (p *TransferPlanner) probeAccounts(ctx context.Context, senderATA, recipientATA solana.PublicKey) (senderMissing, recipientMissing bool, err error) {
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		senderMissing, err = p.resolvePresence(gctx, senderATA)
		return err
	})
	g.Go(func() error {
		var err error
		recipientMissing, err = p.resolvePresence(gctx, recipientATA)
		return err
	})
	if err := g.Wait(); err != nil {
		return false, false, err
	}
	return senderMissing, recipientMissing, nil
}

func (p *TransferPlanner) resolvePresence(ctx context.Context, account solana.PublicKey) (missing bool, err error) {
	res := p.chain.AccountExists(ctx, account)
	switch res.Presence {
	case AccountPresent:
		return false, nil
	case AccountAbsent:
		return true, nil
	}

	if p.cfg.UnknownAccounts == UnknownAsError {
		return false, fmt.Errorf("failed to check account %s: %w", account, res.Err)
	}
	p.logger.WarnContext(ctx, "account existence unknown, treating as absent",
		"account", account.String(),
		"error", res.Err,
	)
	return true, nil
}

func (p *TransferPlanner) recordCreate(side string) {
	if p.metrics != nil {
		p.metrics.RecordAssociatedAccountCreate(side)
	}
}

// compileUnsigned compiles instructions into a v0 message paid by payer and
// encodes it with zeroed signature slots for every required signer.
func compileUnsigned(instructions []solana.Instruction, payer solana.PublicKey, blockhash solana.Hash) (string, error) {
	tx, err := solana.NewTransaction(instructions, blockhash, solana.TransactionPayer(payer))
	if err != nil {
		return "", fmt.Errorf("failed to compile transaction: %w", err)
	}
	tx.Message.SetVersion(solana.MessageVersionV0)

	raw, err := tx.MarshalBinary()
	if err != nil {
		return "", fmt.Errorf("failed to encode transaction: %w", err)
	}
	return base64.StdEncoding.EncodeToString(raw), nil
}
