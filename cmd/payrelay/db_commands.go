package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"text/tabwriter"
	"time"

	"github.com/brojonat/payrelay/service/db"
	"github.com/brojonat/payrelay/service/solana"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/urfave/cli/v2"
)

func migrateCommand() *cli.Command {
	return &cli.Command{
		Name:  "migrate",
		Usage: "Apply pending database migrations",
		Action: func(c *cli.Context) error {
			dbURL, err := databaseURL(c)
			if err != nil {
				return err
			}
			logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
			version, err := db.Migrate(dbURL, logger)
			if err != nil {
				return err
			}
			return output(c, map[string]uint{"version": version}, func(w io.Writer) {
				fmt.Fprintf(w, "✓ Database at migration version %d\n", version)
			})
		},
	}
}

func dbPaymentsCommand() *cli.Command {
	return &cli.Command{
		Name:      "payments",
		Usage:     "List a user's payments straight from the database",
		ArgsUsage: "USER_ID | PAYMENT_ID",
		Description: `Reads the payments table without going through the server. A UUID argument
shows that single payment.`,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "status",
				Usage: "Filter by status",
			},
			&cli.IntFlag{
				Name:  "limit",
				Value: 50,
				Usage: "Maximum number of payments",
			},
			whereFlag(),
		},
		Action: func(c *cli.Context) error {
			if c.NArg() < 1 {
				return fmt.Errorf("user id or payment id is required")
			}
			where, err := compileWhere(c)
			if err != nil {
				return err
			}

			store, closer, err := getStore(c)
			if err != nil {
				return err
			}
			defer closer()

			var payments []*db.Payment
			if id, err := uuid.Parse(c.Args().First()); err == nil {
				payment, err := store.GetPayment(c.Context, id)
				if err != nil {
					return fmt.Errorf("failed to get payment: %w", err)
				}
				payments = []*db.Payment{payment}
			} else {
				userID, err := userIDArg(c, 0)
				if err != nil {
					return err
				}
				status := db.PaymentStatus(c.String("status"))
				if status != "" && !status.Valid() {
					return fmt.Errorf("invalid status %q", status)
				}
				payments, err = store.ListPayments(c.Context, db.ListPaymentsParams{
					UserID: userID,
					Status: status,
					Limit:  int32(c.Int("limit")),
				})
				if err != nil {
					return fmt.Errorf("failed to list payments: %w", err)
				}
			}

			filtered := make([]*db.Payment, 0, len(payments))
			for _, p := range payments {
				ok, err := matchesAll(where, p)
				if err != nil {
					return err
				}
				if ok {
					filtered = append(filtered, p)
				}
			}

			return output(c, filtered, func(out io.Writer) {
				w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
				fmt.Fprintln(w, "ID\tSTATUS\tUSDC\tSENDER\tRECIPIENT\tSIGNATURE\tUPDATED")
				for _, p := range filtered {
					fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%d\t%s\t%s\n",
						p.ID,
						p.Status,
						solana.FormatUI(p.Amount),
						p.SenderID,
						p.RecipientID,
						formatOptional(p.TxSignature),
						p.UpdatedAt.Format(time.RFC3339),
					)
				}
				w.Flush()
				fmt.Fprintf(out, "\nTotal: %d payments\n", len(filtered))
			})
		},
	}
}

func databaseURL(c *cli.Context) (string, error) {
	dbURL := c.String("database-url")
	if dbURL == "" {
		return "", fmt.Errorf("database-url is required (set DATABASE_URL env var or use --database-url)")
	}
	return dbURL, nil
}

func getStore(c *cli.Context) (*db.Store, func(), error) {
	dbURL, err := databaseURL(c)
	if err != nil {
		return nil, nil, err
	}

	pool, err := pgxpool.New(context.Background(), dbURL)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	if err := pool.Ping(context.Background()); err != nil {
		pool.Close()
		return nil, nil, fmt.Errorf("failed to ping database: %w", err)
	}

	store := db.NewStore(pool, nil)
	closer := func() { pool.Close() }

	return store, closer, nil
}

func formatOptional(s *string) string {
	if s != nil && *s != "" {
		return *s
	}
	return "-"
}
