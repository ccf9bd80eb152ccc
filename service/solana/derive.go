package solana

import (
	"fmt"

	"github.com/gagliardetto/solana-go"
)

// DeriveAssociatedTokenAddress returns the associated token account that holds
// mint for owner. The address is a program-derived address found with seeds
// (owner, token program, mint) under the associated token program, so it
// depends only on its inputs and performs no I/O.
func DeriveAssociatedTokenAddress(owner, mint solana.PublicKey) (solana.PublicKey, error) {
	addr, _, err := solana.FindProgramAddress(
		[][]byte{
			owner[:],
			TokenProgramID[:],
			mint[:],
		},
		AssociatedTokenProgramID,
	)
	if err != nil {
		return solana.PublicKey{}, fmt.Errorf("failed to derive associated token address for %s: %w", owner, err)
	}
	return addr, nil
}
