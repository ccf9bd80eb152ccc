package main

import (
	"context"
	"encoding/base64"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/brojonat/payrelay/client"
	"github.com/brojonat/payrelay/service/solana"
	solanago "github.com/gagliardetto/solana-go"
	"github.com/urfave/cli/v2"
)

func requestCommands() *cli.Command {
	return &cli.Command{
		Name:  "request",
		Usage: "Payment request commands",
		Subcommands: []*cli.Command{
			{
				Name:      "create",
				Usage:     "Ask another user to pay you",
				ArgsUsage: "REQUESTER_ID PAYER_REF AMOUNT",
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:    "memo",
						Aliases: []string{"m"},
						Usage:   "Memo attached to the transfer",
					},
				},
				Action: func(c *cli.Context) error {
					requester, err := userIDArg(c, 0)
					if err != nil {
						return err
					}
					if c.NArg() < 3 {
						return fmt.Errorf("payer and amount are required")
					}
					req, err := newClient(c).CreateRequest(c.Context, requester, c.Args().Get(1), c.Args().Get(2), c.String("memo"))
					if err != nil {
						return fmt.Errorf("failed to create request: %w", err)
					}
					return output(c, req, func(w io.Writer) {
						fmt.Fprintf(w, "✓ Requested %s USDC from user %d\n", solana.FormatUI(req.Amount), req.PayerID)
						fmt.Fprintf(w, "  Request: %s\n", req.ID)
					})
				},
			},
			{
				Name:      "list",
				Aliases:   []string{"ls"},
				Usage:     "List recent requests involving a user",
				ArgsUsage: "USER_ID",
				Flags: []cli.Flag{
					&cli.Int64Flag{
						Name:  "counterparty",
						Usage: "Only requests shared with this user id",
					},
					&cli.IntFlag{
						Name:  "limit",
						Value: 5,
						Usage: "Maximum number of requests",
					},
					whereFlag(),
				},
				Action: func(c *cli.Context) error {
					userID, err := userIDArg(c, 0)
					if err != nil {
						return err
					}
					where, err := compileWhere(c)
					if err != nil {
						return err
					}
					reqs, err := newClient(c).ListRequests(c.Context, userID, c.Int64("counterparty"), c.Int("limit"))
					if err != nil {
						return fmt.Errorf("failed to list requests: %w", err)
					}

					filtered := make([]*client.PaymentRequest, 0, len(reqs))
					for _, r := range reqs {
						ok, err := matchesAll(where, r)
						if err != nil {
							return err
						}
						if ok {
							filtered = append(filtered, r)
						}
					}

					return output(c, filtered, func(w io.Writer) {
						if len(filtered) == 0 {
							fmt.Fprintln(w, "No requests")
							return
						}
						for _, r := range filtered {
							state := "open"
							if r.Fulfilled {
								state = "paid"
							}
							memo := ""
							if r.Memo != nil {
								memo = *r.Memo
							}
							fmt.Fprintf(w, "%s  %d → %d  %s USDC  %-4s  %s\n",
								r.CreatedAt.Format("2006-01-02 15:04"), r.PayerID, r.RequesterID,
								solana.FormatUI(r.Amount), state, memo)
						}
					})
				},
			},
		},
	}
}

func payCommands() *cli.Command {
	return &cli.Command{
		Name:  "pay",
		Usage: "Payment commands",
		Subcommands: []*cli.Command{
			payCreateCommand(),
			payGetCommand(),
			payListCommand(),
			payBuildCommand(),
			paySubmitCommand(),
			paySendCommand(),
			payAwaitCommand(),
		},
	}
}

func payCreateCommand() *cli.Command {
	return &cli.Command{
		Name:      "create",
		Usage:     "Create a payment and print its signing link",
		ArgsUsage: "SENDER_ID RECIPIENT_REF [AMOUNT]",
		Description: `Without AMOUNT or --request, the newest open request the recipient sent
you is settled.`,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "request",
				Aliases: []string{"r"},
				Usage:   "Payment request id to settle",
			},
		},
		Action: func(c *cli.Context) error {
			sender, err := userIDArg(c, 0)
			if err != nil {
				return err
			}
			if c.NArg() < 2 {
				return fmt.Errorf("recipient is required")
			}
			created, err := newClient(c).CreatePayment(c.Context, client.CreatePaymentParams{
				SenderID:  sender,
				Recipient: c.Args().Get(1),
				Amount:    c.Args().Get(2),
				RequestID: c.String("request"),
			})
			if err != nil {
				return fmt.Errorf("failed to create payment: %w", err)
			}
			return output(c, created, func(w io.Writer) {
				fmt.Fprintf(w, "✓ Payment %s created\n", created.Payment.ID)
				fmt.Fprintf(w, "  Amount: %s USDC\n", solana.FormatUI(created.Payment.Amount))
				fmt.Fprintf(w, "  From:   %s\n", created.Payment.SenderWallet)
				fmt.Fprintf(w, "  To:     %s\n", created.Payment.RecipientWallet)
				fmt.Fprintf(w, "  Sign:   %s\n", created.SignURL)
			})
		},
	}
}

func payGetCommand() *cli.Command {
	return &cli.Command{
		Name:      "get",
		Usage:     "Show a payment",
		ArgsUsage: "PAYMENT_ID",
		Action: func(c *cli.Context) error {
			if c.NArg() < 1 {
				return fmt.Errorf("payment id is required")
			}
			payment, err := newClient(c).GetPayment(c.Context, c.Args().First())
			if err != nil {
				return fmt.Errorf("failed to get payment: %w", err)
			}
			return output(c, payment, func(w io.Writer) {
				printPayment(w, payment)
			})
		},
	}
}

func payListCommand() *cli.Command {
	return &cli.Command{
		Name:      "list",
		Aliases:   []string{"ls"},
		Usage:     "List payments a user sent or received",
		ArgsUsage: "USER_ID",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "status",
				Usage: "Filter by status (pending, built, submitted, confirmed, failed, expired)",
			},
			&cli.IntFlag{
				Name:  "limit",
				Value: 20,
				Usage: "Maximum number of payments",
			},
			&cli.IntFlag{
				Name:  "offset",
				Usage: "Number of payments to skip",
			},
			whereFlag(),
		},
		Action: func(c *cli.Context) error {
			userID, err := userIDArg(c, 0)
			if err != nil {
				return err
			}
			where, err := compileWhere(c)
			if err != nil {
				return err
			}
			payments, err := newClient(c).ListPayments(c.Context, client.ListPaymentsParams{
				UserID: userID,
				Status: c.String("status"),
				Limit:  c.Int("limit"),
				Offset: c.Int("offset"),
			})
			if err != nil {
				return fmt.Errorf("failed to list payments: %w", err)
			}

			filtered := make([]*client.Payment, 0, len(payments))
			for _, p := range payments {
				ok, err := matchesAll(where, p)
				if err != nil {
					return err
				}
				if ok {
					filtered = append(filtered, p)
				}
			}

			return output(c, filtered, func(w io.Writer) {
				if len(filtered) == 0 {
					fmt.Fprintln(w, "No payments")
					return
				}
				fmt.Fprintf(w, "%-36s  %-10s  %14s  %s\n", "ID", "STATUS", "USDC", "CREATED")
				for _, p := range filtered {
					fmt.Fprintf(w, "%-36s  %-10s  %14s  %s\n",
						p.ID, p.Status, solana.FormatUI(p.Amount), p.CreatedAt.Format("2006-01-02 15:04"))
				}
			})
		},
	}
}

func payBuildCommand() *cli.Command {
	return &cli.Command{
		Name:      "build",
		Usage:     "Build the unsigned transaction for a payment",
		ArgsUsage: "PAYMENT_ID",
		Action: func(c *cli.Context) error {
			if c.NArg() < 1 {
				return fmt.Errorf("payment id is required")
			}
			built, err := newClient(c).BuildPayment(c.Context, c.Args().First())
			if err != nil {
				return fmt.Errorf("failed to build payment: %w", err)
			}
			return output(c, built, func(w io.Writer) {
				printTransfer(w, &built.Transfer)
			})
		},
	}
}

func paySubmitCommand() *cli.Command {
	return &cli.Command{
		Name:      "submit",
		Usage:     "Submit a signed base64 transaction for settlement",
		ArgsUsage: "PAYMENT_ID SIGNED_TX",
		Action: func(c *cli.Context) error {
			if c.NArg() < 2 {
				return fmt.Errorf("payment id and signed transaction are required")
			}
			sub, err := newClient(c).SubmitPayment(c.Context, c.Args().Get(0), c.Args().Get(1))
			if err != nil {
				return fmt.Errorf("failed to submit payment: %w", err)
			}
			return output(c, sub, func(w io.Writer) {
				fmt.Fprintf(w, "✓ Settlement started\n")
				fmt.Fprintf(w, "  Signature: %s\n", sub.Signature)
				fmt.Fprintf(w, "  Workflow:  %s\n", sub.WorkflowID)
			})
		},
	}
}

func paySendCommand() *cli.Command {
	return &cli.Command{
		Name:      "send",
		Usage:     "Build, sign with a local keypair, submit, and wait for a payment",
		ArgsUsage: "PAYMENT_ID",
		Description: `Signs with a solana-keygen JSON keypair instead of Phantom. Intended for
devnet testing.`,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:     "keypair",
				Aliases:  []string{"k"},
				Usage:    "Path to the sender's solana-keygen keypair file",
				Required: true,
			},
			&cli.DurationFlag{
				Name:    "timeout",
				Aliases: []string{"t"},
				Value:   2 * time.Minute,
				Usage:   "How long to wait for a terminal status",
			},
		},
		Action: func(c *cli.Context) error {
			if c.NArg() < 1 {
				return fmt.Errorf("payment id is required")
			}
			id := c.Args().First()

			key, err := solanago.PrivateKeyFromSolanaKeygenFile(c.String("keypair"))
			if err != nil {
				return fmt.Errorf("failed to read keypair: %w", err)
			}

			cl := newClient(c)
			built, err := cl.BuildPayment(c.Context, id)
			if err != nil {
				return fmt.Errorf("failed to build payment: %w", err)
			}
			if built.Payment.SenderWallet != key.PublicKey().String() {
				return fmt.Errorf("keypair %s is not the sender wallet %s", key.PublicKey(), built.Payment.SenderWallet)
			}

			signed, err := signTransaction(built.Transfer.Transaction, key)
			if err != nil {
				return err
			}

			sub, err := cl.SubmitPayment(c.Context, id, signed)
			if err != nil {
				return fmt.Errorf("failed to submit payment: %w", err)
			}
			if !c.Bool("json") && c.String("jq") == "" {
				fmt.Fprintf(c.App.ErrWriter, "Submitted %s, waiting for confirmation...\n", sub.Signature)
			}

			ctx, cancel := context.WithTimeout(c.Context, c.Duration("timeout"))
			defer cancel()
			final, err := cl.AwaitPayment(ctx, id, nil)
			if err != nil {
				return fmt.Errorf("failed to await payment: %w", err)
			}
			return output(c, final, func(w io.Writer) {
				printEvent(w, final)
			})
		},
	}
}

func payAwaitCommand() *cli.Command {
	return &cli.Command{
		Name:      "await",
		Usage:     "Stream a payment's status until it is confirmed, failed, or expired",
		ArgsUsage: "PAYMENT_ID",
		Flags: []cli.Flag{
			&cli.DurationFlag{
				Name:    "timeout",
				Aliases: []string{"t"},
				Value:   5 * time.Minute,
				Usage:   "How long to wait",
			},
		},
		Action: func(c *cli.Context) error {
			if c.NArg() < 1 {
				return fmt.Errorf("payment id is required")
			}

			ctx, cancel := context.WithTimeout(c.Context, c.Duration("timeout"))
			defer cancel()

			sigChan := make(chan os.Signal, 1)
			signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
			defer signal.Stop(sigChan)
			go func() {
				select {
				case <-sigChan:
					cancel()
				case <-ctx.Done():
				}
			}()

			quiet := c.Bool("json") || c.String("jq") != ""
			final, err := newClient(c).AwaitPayment(ctx, c.Args().First(), func(e *client.PaymentEvent) {
				if !quiet {
					fmt.Fprintf(c.App.ErrWriter, "  %s  %s\n", time.Now().Format("15:04:05"), e.Status)
				}
			})
			if err != nil {
				return fmt.Errorf("failed to await payment: %w", err)
			}
			return output(c, final, func(w io.Writer) {
				printEvent(w, final)
			})
		},
	}
}

// signTransaction signs an unsigned base64 transaction with key.
func signTransaction(unsignedBase64 string, key solanago.PrivateKey) (string, error) {
	tx, err := solanago.TransactionFromBase64(unsignedBase64)
	if err != nil {
		return "", fmt.Errorf("failed to decode transaction: %w", err)
	}
	pub := key.PublicKey()
	if _, err := tx.Sign(func(k solanago.PublicKey) *solanago.PrivateKey {
		if k.Equals(pub) {
			return &key
		}
		return nil
	}); err != nil {
		return "", fmt.Errorf("failed to sign transaction: %w", err)
	}
	raw, err := tx.MarshalBinary()
	if err != nil {
		return "", fmt.Errorf("failed to encode transaction: %w", err)
	}
	return base64.StdEncoding.EncodeToString(raw), nil
}

func printPayment(w io.Writer, p *client.Payment) {
	fmt.Fprintf(w, "Payment:   %s\n", p.ID)
	fmt.Fprintf(w, "─────────────────────────────────────────────────────\n")
	fmt.Fprintf(w, "Status:    %s\n", p.Status)
	fmt.Fprintf(w, "Amount:    %s USDC\n", solana.FormatUI(p.Amount))
	fmt.Fprintf(w, "Sender:    %d (%s)\n", p.SenderID, p.SenderWallet)
	fmt.Fprintf(w, "Recipient: %d (%s)\n", p.RecipientID, p.RecipientWallet)
	if p.RequestID != nil {
		fmt.Fprintf(w, "Request:   %s\n", *p.RequestID)
	}
	if p.Signature != nil {
		fmt.Fprintf(w, "Signature: %s\n", *p.Signature)
	}
	if p.Error != nil {
		fmt.Fprintf(w, "Error:     %s\n", *p.Error)
	}
	fmt.Fprintf(w, "Updated:   %s\n", p.UpdatedAt.Format(time.RFC3339))
}

func printTransfer(w io.Writer, t *client.Transfer) {
	fmt.Fprintf(w, "Amount:        %s USDC (%d base units)\n", solana.FormatUI(t.Amount), t.AmountBaseUnits)
	fmt.Fprintf(w, "From account:  %s\n", t.SenderTokenAccount)
	fmt.Fprintf(w, "To account:    %s\n", t.RecipientTokenAccount)
	fmt.Fprintf(w, "Blockhash:     %s (valid to height %d)\n", t.Blockhash, t.LastValidBlockHeight)
	fmt.Fprintf(w, "Instructions:  %d\n", t.InstructionCount)
	for _, acct := range t.CreatesAccounts {
		fmt.Fprintf(w, "Creates:       %s\n", acct)
	}
	if t.Memo != "" {
		fmt.Fprintf(w, "Memo:          %s\n", t.Memo)
	}
	fmt.Fprintf(w, "Transaction:   %s\n", t.Transaction)
}

func printEvent(w io.Writer, e *client.PaymentEvent) {
	switch e.Status {
	case "confirmed":
		fmt.Fprintf(w, "✓ Payment %s confirmed\n", e.PaymentID)
	default:
		fmt.Fprintf(w, "✗ Payment %s %s\n", e.PaymentID, e.Status)
	}
	if e.Signature != "" {
		fmt.Fprintf(w, "  Signature: %s\n", e.Signature)
	}
	if e.Error != "" {
		fmt.Fprintf(w, "  Error:     %s\n", e.Error)
	}
}
