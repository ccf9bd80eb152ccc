package solana

import (
	"errors"
	"fmt"
	"strings"

	"github.com/gagliardetto/solana-go"
)

// EnvelopeTransfer is a TransferChecked instruction found in an envelope.
type EnvelopeTransfer struct {
	Source      solana.PublicKey
	Mint        solana.PublicKey
	Destination solana.PublicKey
	Authority   solana.PublicKey
	Amount      uint64
	Decimals    uint8
}

// EnvelopeSummary describes a wire transaction without trusting it.
type EnvelopeSummary struct {
	FeePayer           solana.PublicKey
	Blockhash          solana.Hash
	Versioned          bool
	RequiredSignatures int
	// Signed is true when every required slot holds a non-zero signature.
	Signed bool
	// Signature is the first signature, which the cluster uses as the
	// transaction id. Zero when unsigned.
	Signature       solana.Signature
	Transfers       []EnvelopeTransfer
	CreatesAccounts []solana.PublicKey
	Memos           []string
	// Unexpected describes instructions other than TransferChecked, account
	// creation, memos, and compute budget settings.
	Unexpected []string
}

// ErrEnvelopeMismatch is returned when a signed envelope does not carry the
// transfer it was built for.
var ErrEnvelopeMismatch = errors.New("transaction does not match payment")

// ErrUnsignedEnvelope is returned when a required signature slot still holds
// the zero placeholder.
var ErrUnsignedEnvelope = errors.New("transaction is not signed")

// InspectEnvelope decodes a base64 transaction and extracts the fee payer,
// signature state, and any token transfers, account creations, and memos.
func InspectEnvelope(b64 string) (*EnvelopeSummary, error) {
	tx, err := solana.TransactionFromBase64(b64)
	if err != nil {
		return nil, fmt.Errorf("failed to decode transaction: %w", err)
	}
	return summarize(tx)
}

func summarize(tx *solana.Transaction) (*EnvelopeSummary, error) {
	keys := tx.Message.AccountKeys
	if len(keys) == 0 {
		return nil, fmt.Errorf("transaction has no account keys")
	}

	required := int(tx.Message.Header.NumRequiredSignatures)
	summary := &EnvelopeSummary{
		FeePayer:           keys[0],
		Blockhash:          tx.Message.RecentBlockhash,
		Versioned:          tx.Message.IsVersioned(),
		RequiredSignatures: required,
		Signed:             len(tx.Signatures) == required && required > 0,
	}
	for _, sig := range tx.Signatures {
		if sig.IsZero() {
			summary.Signed = false
		}
	}
	if len(tx.Signatures) > 0 {
		summary.Signature = tx.Signatures[0]
	}

	for i, inst := range tx.Message.Instructions {
		if int(inst.ProgramIDIndex) >= len(keys) {
			return nil, fmt.Errorf("instruction %d: program index %d out of range", i, inst.ProgramIDIndex)
		}
		programID := keys[inst.ProgramIDIndex]

		switch {
		case programID.Equals(TokenProgramID):
			if len(inst.Data) == 0 {
				summary.Unexpected = append(summary.Unexpected, fmt.Sprintf("instruction %d: empty token instruction", i))
				continue
			}
			switch inst.Data[0] {
			case TransferCheckedOpcode:
			case TransferOpcode:
				summary.Unexpected = append(summary.Unexpected, fmt.Sprintf("instruction %d: unchecked token transfer", i))
				continue
			default:
				summary.Unexpected = append(summary.Unexpected, fmt.Sprintf("instruction %d: token instruction %d", i, inst.Data[0]))
				continue
			}
			t, err := parseTransferChecked(inst, keys)
			if err != nil {
				return nil, fmt.Errorf("instruction %d: %w", i, err)
			}
			summary.Transfers = append(summary.Transfers, t)

		case programID.Equals(AssociatedTokenProgramID):
			if len(inst.Accounts) < 2 || int(inst.Accounts[1]) >= len(keys) {
				return nil, fmt.Errorf("instruction %d: create account missing accounts", i)
			}
			summary.CreatesAccounts = append(summary.CreatesAccounts, keys[inst.Accounts[1]])

		case programID.Equals(MemoProgramID):
			summary.Memos = append(summary.Memos, string(inst.Data))

		case programID.Equals(ComputeBudgetProgramID):
			// Wallets may set a compute unit price before signing.

		default:
			summary.Unexpected = append(summary.Unexpected, fmt.Sprintf("instruction %d: program %s", i, programID))
		}
	}

	return summary, nil
}

// parseTransferChecked extracts a TransferChecked instruction.
// Accounts: [source, mint, destination, authority, ...multisig signers].
func parseTransferChecked(inst solana.CompiledInstruction, keys []solana.PublicKey) (EnvelopeTransfer, error) {
	amount, decimals, err := decodeTransferChecked(inst.Data)
	if err != nil {
		return EnvelopeTransfer{}, err
	}
	if len(inst.Accounts) < 4 {
		return EnvelopeTransfer{}, fmt.Errorf("transferChecked has %d accounts, want 4", len(inst.Accounts))
	}
	for _, idx := range inst.Accounts[:4] {
		if int(idx) >= len(keys) {
			return EnvelopeTransfer{}, fmt.Errorf("transferChecked account index %d out of range", idx)
		}
	}

	return EnvelopeTransfer{
		Source:      keys[inst.Accounts[0]],
		Mint:        keys[inst.Accounts[1]],
		Destination: keys[inst.Accounts[2]],
		Authority:   keys[inst.Accounts[3]],
		Amount:      amount,
		Decimals:    decimals,
	}, nil
}

// ExpectedTransfer is what a signed envelope must contain to settle a payment.
type ExpectedTransfer struct {
	Payer       solana.PublicKey
	Recipient   solana.PublicKey
	Mint        solana.PublicKey
	AmountUnits uint64
}

// VerifySignedTransfer decodes signedBase64, checks every signature against
// the message, and checks that it moves exactly the expected amount between
// the payer's and recipient's associated token accounts. Any instruction
// beyond that transfer, account creation, memos, and compute budget settings
// is a mismatch.
func VerifySignedTransfer(signedBase64 string, want ExpectedTransfer) (*EnvelopeSummary, error) {
	tx, err := solana.TransactionFromBase64(signedBase64)
	if err != nil {
		return nil, fmt.Errorf("failed to decode transaction: %w", err)
	}
	summary, err := summarize(tx)
	if err != nil {
		return nil, err
	}
	if !summary.Signed {
		return summary, ErrUnsignedEnvelope
	}
	if err := tx.VerifySignatures(); err != nil {
		return summary, fmt.Errorf("%w: %v", ErrUnsignedEnvelope, err)
	}

	if !summary.FeePayer.Equals(want.Payer) {
		return summary, fmt.Errorf("%w: fee payer %s, want %s", ErrEnvelopeMismatch, summary.FeePayer, want.Payer)
	}
	if len(summary.Unexpected) > 0 {
		return summary, fmt.Errorf("%w: %s", ErrEnvelopeMismatch, strings.Join(summary.Unexpected, "; "))
	}
	if len(summary.Transfers) != 1 {
		return summary, fmt.Errorf("%w: %d token transfers, want 1", ErrEnvelopeMismatch, len(summary.Transfers))
	}

	sourceATA, err := DeriveAssociatedTokenAddress(want.Payer, want.Mint)
	if err != nil {
		return summary, err
	}
	destATA, err := DeriveAssociatedTokenAddress(want.Recipient, want.Mint)
	if err != nil {
		return summary, err
	}

	t := summary.Transfers[0]
	switch {
	case !t.Mint.Equals(want.Mint):
		return summary, fmt.Errorf("%w: mint %s, want %s", ErrEnvelopeMismatch, t.Mint, want.Mint)
	case !t.Source.Equals(sourceATA):
		return summary, fmt.Errorf("%w: source %s, want %s", ErrEnvelopeMismatch, t.Source, sourceATA)
	case !t.Destination.Equals(destATA):
		return summary, fmt.Errorf("%w: destination %s, want %s", ErrEnvelopeMismatch, t.Destination, destATA)
	case !t.Authority.Equals(want.Payer):
		return summary, fmt.Errorf("%w: authority %s, want %s", ErrEnvelopeMismatch, t.Authority, want.Payer)
	case t.Amount != want.AmountUnits:
		return summary, fmt.Errorf("%w: amount %d, want %d", ErrEnvelopeMismatch, t.Amount, want.AmountUnits)
	}

	return summary, nil
}
