package main

import (
	"fmt"
	"io"
	"strconv"

	"github.com/urfave/cli/v2"
)

func userCommands() *cli.Command {
	return &cli.Command{
		Name:  "user",
		Usage: "User commands",
		Subcommands: []*cli.Command{
			{
				Name:      "ensure",
				Usage:     "Create a user or refresh their username",
				ArgsUsage: "TG_USER_ID [USERNAME]",
				Action: func(c *cli.Context) error {
					id, err := userIDArg(c, 0)
					if err != nil {
						return err
					}
					user, err := newClient(c).EnsureUser(c.Context, id, c.Args().Get(1))
					if err != nil {
						return fmt.Errorf("failed to ensure user: %w", err)
					}
					return output(c, user, func(w io.Writer) {
						fmt.Fprintf(w, "✓ User %d (@%s)\n", user.TgUserID, user.Username)
					})
				},
			},
			{
				Name:      "find",
				Usage:     "Resolve @name, a username, or a numeric id",
				ArgsUsage: "REF",
				Action: func(c *cli.Context) error {
					if c.NArg() < 1 {
						return fmt.Errorf("user reference is required")
					}
					user, err := newClient(c).FindUser(c.Context, c.Args().First())
					if err != nil {
						return fmt.Errorf("failed to find user: %w", err)
					}
					return output(c, user, func(w io.Writer) {
						fmt.Fprintf(w, "User:     %d\n", user.TgUserID)
						fmt.Fprintf(w, "Username: @%s\n", user.Username)
						fmt.Fprintf(w, "Created:  %s\n", user.CreatedAt.Format("2006-01-02 15:04:05"))
					})
				},
			},
		},
	}
}

func walletCommands() *cli.Command {
	return &cli.Command{
		Name:  "wallet",
		Usage: "Linked wallet commands",
		Subcommands: []*cli.Command{
			{
				Name:      "link",
				Aliases:   []string{"connect"},
				Usage:     "Link a wallet address to a user",
				ArgsUsage: "TG_USER_ID ADDRESS",
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:  "label",
						Usage: "Wallet label (default: Phantom)",
					},
					&cli.BoolFlag{
						Name:  "active",
						Value: true,
						Usage: "Make this the user's active wallet",
					},
				},
				Action: func(c *cli.Context) error {
					id, err := userIDArg(c, 0)
					if err != nil {
						return err
					}
					if c.NArg() < 2 {
						return fmt.Errorf("wallet address is required")
					}
					wallet, err := newClient(c).LinkWallet(c.Context, id, c.Args().Get(1), c.String("label"), c.Bool("active"))
					if err != nil {
						return fmt.Errorf("failed to link wallet: %w", err)
					}
					return output(c, wallet, func(w io.Writer) {
						fmt.Fprintf(w, "✓ Wallet linked\n")
						fmt.Fprintf(w, "  Address: %s\n", wallet.Address)
						fmt.Fprintf(w, "  Label:   %s\n", wallet.Label)
						fmt.Fprintf(w, "  Active:  %t\n", wallet.IsActive)
					})
				},
			},
			{
				Name:      "list",
				Aliases:   []string{"ls"},
				Usage:     "List a user's wallets",
				ArgsUsage: "TG_USER_ID",
				Action: func(c *cli.Context) error {
					id, err := userIDArg(c, 0)
					if err != nil {
						return err
					}
					wallets, err := newClient(c).ListWallets(c.Context, id)
					if err != nil {
						return fmt.Errorf("failed to list wallets: %w", err)
					}
					return output(c, wallets, func(w io.Writer) {
						if len(wallets) == 0 {
							fmt.Fprintln(w, "No wallets linked")
							return
						}
						fmt.Fprintf(w, "%-3s %-44s %-12s %s\n", "", "ADDRESS", "LABEL", "LINKED")
						for _, wallet := range wallets {
							marker := ""
							if wallet.IsActive {
								marker = "*"
							}
							fmt.Fprintf(w, "%-3s %-44s %-12s %s\n",
								marker, wallet.Address, wallet.Label, wallet.CreatedAt.Format("2006-01-02 15:04"))
						}
					})
				},
			},
			{
				Name:      "activate",
				Aliases:   []string{"use"},
				Usage:     "Make a linked wallet the active one",
				ArgsUsage: "TG_USER_ID ADDRESS",
				Action: func(c *cli.Context) error {
					id, err := userIDArg(c, 0)
					if err != nil {
						return err
					}
					if c.NArg() < 2 {
						return fmt.Errorf("wallet address is required")
					}
					wallet, err := newClient(c).ActivateWallet(c.Context, id, c.Args().Get(1))
					if err != nil {
						return fmt.Errorf("failed to activate wallet: %w", err)
					}
					return output(c, wallet, func(w io.Writer) {
						fmt.Fprintf(w, "✓ Active wallet is now %s\n", wallet.Address)
					})
				},
			},
			{
				Name:      "disconnect",
				Aliases:   []string{"rm", "unlink"},
				Usage:     "Unlink a wallet",
				ArgsUsage: "TG_USER_ID ADDRESS",
				Action: func(c *cli.Context) error {
					id, err := userIDArg(c, 0)
					if err != nil {
						return err
					}
					if c.NArg() < 2 {
						return fmt.Errorf("wallet address is required")
					}
					address := c.Args().Get(1)
					if err := newClient(c).DisconnectWallet(c.Context, id, address); err != nil {
						return fmt.Errorf("failed to disconnect wallet: %w", err)
					}
					return output(c, map[string]string{"address": address, "status": "disconnected"}, func(w io.Writer) {
						fmt.Fprintf(w, "✓ Wallet %s disconnected\n", address)
					})
				},
			},
		},
	}
}

// userIDArg parses the positional argument at i as a user id.
func userIDArg(c *cli.Context, i int) (int64, error) {
	if c.NArg() <= i {
		return 0, fmt.Errorf("user id is required")
	}
	id, err := strconv.ParseInt(c.Args().Get(i), 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("invalid user id %q", c.Args().Get(i))
	}
	return id, nil
}
