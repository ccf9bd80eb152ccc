package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/brojonat/payrelay/service/temporal"
	"github.com/urfave/cli/v2"
)

// settlementDescription is what describe-settlement prints.
type settlementDescription struct {
	WorkflowID string                        `json:"workflow_id"`
	RunID      string                        `json:"run_id"`
	Status     string                        `json:"status"`
	StartTime  *time.Time                    `json:"start_time,omitempty"`
	CloseTime  *time.Time                    `json:"close_time,omitempty"`
	Result     *temporal.SettlePaymentResult `json:"result,omitempty"`
}

func describeSettlementCommand() *cli.Command {
	return &cli.Command{
		Name:      "describe-settlement",
		Usage:     "Show the settlement workflow for a payment",
		Aliases:   []string{"desc"},
		ArgsUsage: "PAYMENT_ID",
		Flags: []cli.Flag{
			&cli.BoolFlag{
				Name:  "wait",
				Usage: "Block until the workflow completes and print its result",
			},
		},
		Action: func(c *cli.Context) error {
			if c.NArg() != 1 {
				return fmt.Errorf("requires exactly one argument: payment ID")
			}
			workflowID := temporal.WorkflowID(c.Args().First())

			logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
			tc, err := temporal.NewClient(
				c.String("temporal-host"),
				c.String("temporal-namespace"),
				c.String("temporal-task-queue"),
				logger,
			)
			if err != nil {
				return err
			}
			defer tc.Close()

			ctx := context.Background()
			resp, err := tc.SDKClient().DescribeWorkflowExecution(ctx, workflowID, "")
			if err != nil {
				return fmt.Errorf("failed to describe workflow %s: %w", workflowID, err)
			}

			info := resp.GetWorkflowExecutionInfo()
			desc := settlementDescription{
				WorkflowID: workflowID,
				RunID:      info.GetExecution().GetRunId(),
				Status:     info.GetStatus().String(),
			}
			if info.GetStartTime() != nil {
				t := info.GetStartTime().AsTime()
				desc.StartTime = &t
			}
			if info.GetCloseTime() != nil {
				t := info.GetCloseTime().AsTime()
				desc.CloseTime = &t
			}

			if c.Bool("wait") || desc.CloseTime != nil {
				result, err := tc.GetSettlementResult(ctx, workflowID)
				if err != nil {
					return err
				}
				desc.Result = result
			}

			return output(c, desc, func(w io.Writer) {
				fmt.Fprintf(w, "Workflow:  %s\n", desc.WorkflowID)
				fmt.Fprintf(w, "─────────────────────────────────────────────────────\n")
				fmt.Fprintf(w, "Run ID:    %s\n", desc.RunID)
				fmt.Fprintf(w, "Status:    %s\n", desc.Status)
				if desc.StartTime != nil {
					fmt.Fprintf(w, "Started:   %s\n", desc.StartTime.Format(time.RFC3339))
				}
				if desc.CloseTime != nil {
					fmt.Fprintf(w, "Closed:    %s\n", desc.CloseTime.Format(time.RFC3339))
				}
				if r := desc.Result; r != nil {
					fmt.Fprintf(w, "Payment:   %s\n", r.Status)
					if r.Signature != "" {
						fmt.Fprintf(w, "Signature: %s\n", r.Signature)
					}
					if r.Error != "" {
						fmt.Fprintf(w, "Error:     %s\n", r.Error)
					}
					fmt.Fprintf(w, "Checks:    %d\n", r.Checks)
				}
			})
		},
	}
}
