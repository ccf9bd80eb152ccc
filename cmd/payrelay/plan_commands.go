package main

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/brojonat/payrelay/client"
	"github.com/brojonat/payrelay/service/solana"
	solanago "github.com/gagliardetto/solana-go"
	"github.com/urfave/cli/v2"
)

func planCommand() *cli.Command {
	return &cli.Command{
		Name:      "plan",
		Usage:     "Dry-run a USDC transfer between two wallets",
		ArgsUsage: "SENDER_WALLET RECIPIENT_WALLET AMOUNT",
		Description: `Runs the same preflight checks as building a payment and prints the unsigned
transaction without recording anything.

By default the server plans the transfer. With --rpc-url the CLI talks to the
Solana RPC node directly.

Example:
  payrelay plan 7xKX...sender 9WzD...recipient 12.5 --memo "lunch"
  payrelay plan --rpc-url https://api.devnet.solana.com --mint 4zMMC9srt5Ri5X14GAgXhaHii3GnPAEERYPJgZJDncDU A B 1`,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "memo",
				Aliases: []string{"m"},
				Usage:   "Memo attached to the transfer",
			},
			&cli.StringFlag{
				Name:  "rpc-url",
				Usage: "Plan locally against this Solana RPC endpoint instead of the server",
			},
			&cli.StringFlag{
				Name:    "mint",
				Usage:   "USDC mint address for local planning",
				EnvVars: []string{"USDC_MINT_ADDRESS"},
				Value:   "EPjFWdd5AufqSSqeM2qN1xzybapC8G4wEGGkZwyTDt1v",
			},
			&cli.StringFlag{
				Name:  "unknown-accounts",
				Usage: "How to treat token accounts whose existence cannot be determined (absent, error)",
				Value: "absent",
			},
			&cli.DurationFlag{
				Name:  "rpc-timeout",
				Usage: "Timeout for each RPC call",
				Value: 10 * time.Second,
			},
		},
		Action: func(c *cli.Context) error {
			if c.NArg() < 3 {
				return fmt.Errorf("sender, recipient, and amount are required")
			}
			sender, recipient, amount := c.Args().Get(0), c.Args().Get(1), c.Args().Get(2)

			var transfer interface{}
			var human func(w io.Writer)
			if rpcURL := c.String("rpc-url"); rpcURL != "" {
				built, err := planLocally(c, rpcURL, sender, recipient, amount)
				if err != nil {
					return err
				}
				transfer = built
				human = func(w io.Writer) {
					printTransfer(w, &client.Transfer{
						Transaction:           built.Transaction,
						Blockhash:             built.Blockhash,
						LastValidBlockHeight:  built.LastValidBlockHeight,
						SenderTokenAccount:    built.SenderTokenAccount,
						RecipientTokenAccount: built.RecipientTokenAccount,
						Amount:                built.Amount,
						AmountBaseUnits:       built.AmountBaseUnits,
						CreatesAccounts:       built.CreatesAccounts,
						InstructionCount:      built.InstructionCount,
						Memo:                  built.Memo,
					})
				}
			} else {
				planned, err := newClient(c).Plan(c.Context, sender, recipient, amount, c.String("memo"))
				if err != nil {
					return fmt.Errorf("failed to plan transfer: %w", err)
				}
				transfer = planned
				human = func(w io.Writer) {
					printTransfer(w, planned)
				}
			}
			return output(c, transfer, human)
		},
	}
}

func planLocally(c *cli.Context, rpcURL, sender, recipient, amount string) (*solana.BuiltTransfer, error) {
	senderKey, err := solanago.PublicKeyFromBase58(sender)
	if err != nil {
		return nil, fmt.Errorf("invalid sender wallet: %w", err)
	}
	recipientKey, err := solanago.PublicKeyFromBase58(recipient)
	if err != nil {
		return nil, fmt.Errorf("invalid recipient wallet: %w", err)
	}
	mint, err := solanago.PublicKeyFromBase58(c.String("mint"))
	if err != nil {
		return nil, fmt.Errorf("invalid mint: %w", err)
	}
	amountUI, err := solana.ParseUI(amount)
	if err != nil {
		return nil, err
	}
	policy, err := solana.ParseUnknownAccountPolicy(c.String("unknown-accounts"))
	if err != nil {
		return nil, err
	}

	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
	rpc := solana.NewRPCClient(rpcURL, c.Duration("rpc-timeout"))
	chain := solana.NewClient(rpc, solana.EndpointLabel(rpcURL), solana.BreakerSettings{}, nil, logger)

	cfg := solana.DefaultPlannerConfig(mint)
	cfg.UnknownAccounts = policy
	planner := solana.NewTransferPlanner(chain, cfg, nil, logger)

	var opts []solana.PlanOption
	if memo := c.String("memo"); memo != "" {
		opts = append(opts, solana.WithMemo(memo))
	}
	built, err := planner.Plan(c.Context, senderKey, recipientKey, amountUI, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to plan transfer: %w", err)
	}
	return built, nil
}
