package solana

import (
	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/rpc"
	"github.com/shopspring/decimal"
)

// BlockReference is a recent blockhash and the last block height at which a
// transaction referencing it is still accepted.
type BlockReference struct {
	Blockhash            solana.Hash
	LastValidBlockHeight uint64
}

// AccountPresence is the outcome of an existence probe.
type AccountPresence int

const (
	// AccountUnknown means the probe failed; the account may or may not exist.
	AccountUnknown AccountPresence = iota
	AccountPresent
	AccountAbsent
)

func (p AccountPresence) String() string {
	switch p {
	case AccountPresent:
		return "present"
	case AccountAbsent:
		return "absent"
	default:
		return "unknown"
	}
}

// ExistenceResult pairs a presence outcome with the probe error for AccountUnknown.
type ExistenceResult struct {
	Presence AccountPresence
	Err      error
}

// SignatureStatus is the cluster's view of a submitted transaction.
type SignatureStatus struct {
	Signature          solana.Signature
	Slot               uint64
	ConfirmationStatus rpc.ConfirmationStatusType
	// Err is the on-chain failure, nil when the transaction succeeded.
	Err *string
}

// Confirmed reports whether the transaction reached at least confirmed commitment.
func (s *SignatureStatus) Confirmed() bool {
	return s.ConfirmationStatus == rpc.ConfirmationStatusConfirmed ||
		s.ConfirmationStatus == rpc.ConfirmationStatusFinalized
}

// BuiltTransfer is an unsigned transfer ready for an external wallet to sign.
type BuiltTransfer struct {
	// Transaction is the base64 wire encoding with one zeroed signature slot
	// per required signer.
	Transaction           string          `json:"transaction"`
	Blockhash             string          `json:"blockhash"`
	LastValidBlockHeight  uint64          `json:"last_valid_block_height"`
	SenderTokenAccount    string          `json:"sender_token_account"`
	RecipientTokenAccount string          `json:"recipient_token_account"`
	Amount                decimal.Decimal `json:"amount"`
	AmountBaseUnits       uint64          `json:"amount_base_units"`
	CreatesAccounts       []string        `json:"creates_accounts,omitempty"`
	InstructionCount      int             `json:"instruction_count"`
	Memo                  string          `json:"memo,omitempty"`
}
