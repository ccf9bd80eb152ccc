package solana

import (
	"github.com/gagliardetto/solana-go"
)

// Program and sysvar addresses used to build SPL token transfers.
// These are fixed by the cluster; a wrong value yields a transaction the
// network rejects.
var (
	// TokenProgramID is the SPL Token program.
	TokenProgramID = solana.MustPublicKeyFromBase58("TokenkegQfeZyiNwAJbNbGKPFXCWuBvf9Ss623VQ5DA")

	// AssociatedTokenProgramID derives and creates associated token accounts.
	AssociatedTokenProgramID = solana.MustPublicKeyFromBase58("ATokenGPvbdGVxr1b2hvZbsiqW5xWH25efTNsLJA8knL")

	// SystemProgramID is the native program that allocates accounts.
	SystemProgramID = solana.MustPublicKeyFromBase58("11111111111111111111111111111111")

	// RentSysvarID is the rent sysvar read by the create-account instruction.
	RentSysvarID = solana.MustPublicKeyFromBase58("SysvarRent111111111111111111111111111111111")

	// MemoProgramID is the SPL Memo program (v2).
	MemoProgramID = solana.MustPublicKeyFromBase58("MemoSq4gqABAXKb96qnH8TysNcWxMyWCqXgDLGmfcHr")

	// ComputeBudgetProgramID sets compute unit limits and prices.
	ComputeBudgetProgramID = solana.MustPublicKeyFromBase58("ComputeBudget111111111111111111111111111111")
)

const (
	// USDCDecimals is the number of fractional digits of the USDC mint.
	USDCDecimals = 6

	// MinFeeReserveLamports is the fee balance (0.002 SOL) a sender must hold
	// before a transfer is planned. It covers the signature fee plus rent for
	// up to two associated token accounts.
	MinFeeReserveLamports uint64 = 2_000_000

	// LamportsPerSOL converts lamports to SOL for display.
	LamportsPerSOL uint64 = 1_000_000_000

	// TransferCheckedOpcode is the SPL Token instruction tag for TransferChecked.
	TransferCheckedOpcode uint8 = 12

	// TransferOpcode is the unchecked SPL Token transfer. Never emitted;
	// signed envelopes carrying one are refused.
	TransferOpcode uint8 = 3

	// transferCheckedDataLen is opcode + u64 amount + u8 decimals.
	transferCheckedDataLen = 10
)
