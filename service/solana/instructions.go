package solana

import (
	"encoding/binary"
	"fmt"

	"github.com/gagliardetto/solana-go"
)

// NewCreateAssociatedTokenAccountInstruction builds the associated token
// program's Create instruction. payer funds the rent and must sign.
//
// Account order: payer (signer, writable), associated account (writable),
// owner, mint, system program, token program, rent sysvar. Payload is empty.
func NewCreateAssociatedTokenAccountInstruction(payer, owner, mint solana.PublicKey) (*solana.GenericInstruction, error) {
	ata, err := DeriveAssociatedTokenAddress(owner, mint)
	if err != nil {
		return nil, err
	}

	return solana.NewInstruction(
		AssociatedTokenProgramID,
		solana.AccountMetaSlice{
			solana.NewAccountMeta(payer, true, true),
			solana.NewAccountMeta(ata, true, false),
			solana.NewAccountMeta(owner, false, false),
			solana.NewAccountMeta(mint, false, false),
			solana.NewAccountMeta(SystemProgramID, false, false),
			solana.NewAccountMeta(TokenProgramID, false, false),
			solana.NewAccountMeta(RentSysvarID, false, false),
		},
		[]byte{},
	), nil
}

// NewTransferCheckedInstruction builds an SPL Token TransferChecked
// instruction moving amount base units from source to dest.
//
// Payload: opcode 12, amount as little-endian u64, decimals (10 bytes).
// Accounts: source (writable), mint, dest (writable), authority (signer).
func NewTransferCheckedInstruction(source, mint, dest, authority solana.PublicKey, amount uint64, decimals uint8) *solana.GenericInstruction {
	return solana.NewInstruction(
		TokenProgramID,
		solana.AccountMetaSlice{
			solana.NewAccountMeta(source, true, false),
			solana.NewAccountMeta(mint, false, false),
			solana.NewAccountMeta(dest, true, false),
			solana.NewAccountMeta(authority, false, true),
		},
		encodeTransferChecked(amount, decimals),
	)
}

// NewMemoInstruction attaches a UTF-8 memo signed by signer.
func NewMemoInstruction(memo string, signer solana.PublicKey) (*solana.GenericInstruction, error) {
	if len(memo) == 0 {
		return nil, fmt.Errorf("memo is empty")
	}
	if len(memo) > maxMemoLen {
		return nil, fmt.Errorf("memo is %d bytes, max %d", len(memo), maxMemoLen)
	}
	return solana.NewInstruction(
		MemoProgramID,
		solana.AccountMetaSlice{
			solana.NewAccountMeta(signer, false, true),
		},
		[]byte(memo),
	), nil
}

const maxMemoLen = 566

func encodeTransferChecked(amount uint64, decimals uint8) []byte {
	data := make([]byte, transferCheckedDataLen)
	data[0] = TransferCheckedOpcode
	binary.LittleEndian.PutUint64(data[1:9], amount)
	data[9] = decimals
	return data
}

// decodeTransferChecked is the inverse of encodeTransferChecked.
func decodeTransferChecked(data []byte) (amount uint64, decimals uint8, err error) {
	if len(data) != transferCheckedDataLen {
		return 0, 0, fmt.Errorf("transferChecked data is %d bytes, want %d", len(data), transferCheckedDataLen)
	}
	if data[0] != TransferCheckedOpcode {
		return 0, 0, fmt.Errorf("not a transferChecked instruction: opcode %d", data[0])
	}
	return binary.LittleEndian.Uint64(data[1:9]), data[9], nil
}
