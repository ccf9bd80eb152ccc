package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	natspkg "github.com/brojonat/payrelay/service/nats"
	"github.com/brojonat/payrelay/service/server"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/urfave/cli/v2"
)

// subscribeCommand prints payment events from the PAYMENTS stream.
func subscribeCommand() *cli.Command {
	return &cli.Command{
		Name:      "subscribe",
		Usage:     "Print payment events as they are published",
		ArgsUsage: "[PAYMENT_ID]",
		Description: `With a payment id, prints that payment's events and exits after a terminal
status. Without one, tails every payment event until interrupted.

Events are published to the subject: payments.{payment_id}

Example:
  payrelay nats subscribe 0b4c6b0e-5c1f-4a53-9a1e-6f1e4cde2a10 --json`,
		Flags: []cli.Flag{
			&cli.BoolFlag{
				Name:  "replay",
				Usage: "Deliver events already in the stream before new ones (tail mode only)",
			},
		},
		Action: func(c *cli.Context) error {
			ctx, cancel := context.WithCancel(c.Context)
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

			jsonOutput := c.Bool("json")
			w := c.App.Writer
			if c.NArg() == 1 {
				return followPayment(ctx, c.String("nats-url"), c.Args().First(), w, jsonOutput)
			}
			return tailPayments(ctx, c.String("nats-url"), c.Bool("replay"), w, jsonOutput)
		},
	}
}

func followPayment(ctx context.Context, natsURL, paymentID string, w io.Writer, jsonOutput bool) error {
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
	sub, err := server.NewSSEPublisher(natsURL, logger)
	if err != nil {
		return err
	}
	defer sub.Close()

	events, err := sub.Subscribe(ctx, paymentID)
	if err != nil {
		return err
	}
	if !jsonOutput {
		fmt.Fprintf(w, "📡 Subscribing to: %s\n\n", natspkg.PaymentSubject(paymentID))
	}

	for {
		select {
		case event, ok := <-events:
			if !ok {
				return nil
			}
			printPaymentEvent(w, event, jsonOutput)
			if event.Terminal() {
				return nil
			}
		case <-ctx.Done():
			return nil
		}
	}
}

func tailPayments(ctx context.Context, natsURL string, replay bool, w io.Writer, jsonOutput bool) error {
	nc, err := natspkg.Connect(natsURL, "payrelay-cli")
	if err != nil {
		return err
	}
	defer nc.Close()

	js, err := jetstream.New(nc)
	if err != nil {
		return fmt.Errorf("failed to create JetStream context: %w", err)
	}

	deliver := jetstream.DeliverNewPolicy
	if replay {
		deliver = jetstream.DeliverAllPolicy
	}
	cons, err := js.OrderedConsumer(ctx, natspkg.StreamName, jetstream.OrderedConsumerConfig{
		FilterSubjects: []string{natspkg.StreamSubjects},
		DeliverPolicy:  deliver,
	})
	if err != nil {
		return fmt.Errorf("failed to create consumer: %w", err)
	}

	if !jsonOutput {
		fmt.Fprintf(w, "📡 Subscribing to: %s\n", natspkg.StreamSubjects)
		fmt.Fprintf(w, "   NATS: %s\n", natsURL)
		fmt.Fprintf(w, "\nWaiting for payment events... (Ctrl-C to exit)\n\n")
	}

	msgChan := make(chan jetstream.Msg, 10)
	cc, err := cons.Consume(func(msg jetstream.Msg) {
		select {
		case msgChan <- msg:
		case <-ctx.Done():
		}
	})
	if err != nil {
		return fmt.Errorf("failed to start consuming messages: %w", err)
	}
	defer cc.Stop()

	count := 0
	for {
		select {
		case msg := <-msgChan:
			var event natspkg.PaymentEvent
			if err := json.Unmarshal(msg.Data(), &event); err != nil {
				fmt.Fprintf(os.Stderr, "Error parsing event: %v\n", err)
				continue
			}
			count++
			printPaymentEvent(w, &event, jsonOutput)

		case <-ctx.Done():
			if !jsonOutput {
				fmt.Fprintf(w, "\n✅ Received %d events\n", count)
			}
			return nil
		}
	}
}

func printPaymentEvent(w io.Writer, event *natspkg.PaymentEvent, jsonOutput bool) {
	if jsonOutput {
		data, _ := json.Marshal(event)
		fmt.Fprintln(w, string(data))
		return
	}
	fmt.Fprintf(w, "─────────────────────────────────────────────────────\n")
	fmt.Fprintf(w, "Payment:      %s\n", event.PaymentID)
	fmt.Fprintf(w, "Status:       %s\n", event.Status)
	fmt.Fprintf(w, "Amount:       %s USDC\n", event.Amount.StringFixed(6))
	fmt.Fprintf(w, "From:         %d (%s)\n", event.SenderID, event.SenderWallet)
	fmt.Fprintf(w, "To:           %d (%s)\n", event.RecipientID, event.RecipientWallet)
	if event.Signature != "" {
		fmt.Fprintf(w, "Signature:    %s\n", event.Signature)
	}
	if event.Error != "" {
		fmt.Fprintf(w, "Error:        %s\n", event.Error)
	}
	fmt.Fprintf(w, "Published:    %s\n\n", event.PublishedAt.Format(time.RFC3339))
}

// inspectStreamCommand shows information about the PAYMENTS JetStream stream.
func inspectStreamCommand() *cli.Command {
	return &cli.Command{
		Name:  "inspect-stream",
		Usage: "Inspect the PAYMENTS JetStream stream",
		Description: `Show message counts, consumers, storage, and retention for the stream.

Example:
  payrelay nats inspect-stream`,
		Action: func(c *cli.Context) error {
			nc, err := natspkg.Connect(c.String("nats-url"), "payrelay-cli")
			if err != nil {
				return err
			}
			defer nc.Close()

			js, err := jetstream.New(nc)
			if err != nil {
				return fmt.Errorf("failed to create JetStream context: %w", err)
			}

			stream, err := js.Stream(c.Context, natspkg.StreamName)
			if err != nil {
				return fmt.Errorf("failed to get stream: %w", err)
			}

			info, err := stream.Info(c.Context)
			if err != nil {
				return fmt.Errorf("failed to get stream info: %w", err)
			}

			return output(c, info, func(w io.Writer) {
				fmt.Fprintf(w, "Stream: %s\n", info.Config.Name)
				fmt.Fprintf(w, "─────────────────────────────────────────────────────\n")
				fmt.Fprintf(w, "Description:  %s\n", info.Config.Description)
				fmt.Fprintf(w, "Subjects:     %v\n", info.Config.Subjects)
				fmt.Fprintf(w, "Messages:     %d\n", info.State.Msgs)
				fmt.Fprintf(w, "Bytes:        %d\n", info.State.Bytes)
				fmt.Fprintf(w, "First Seq:    %d\n", info.State.FirstSeq)
				fmt.Fprintf(w, "Last Seq:     %d\n", info.State.LastSeq)
				fmt.Fprintf(w, "Consumers:    %d\n", info.State.Consumers)
				fmt.Fprintf(w, "Max Age:      %s\n", info.Config.MaxAge)
				fmt.Fprintf(w, "Storage:      %s\n", info.Config.Storage)
			})
		},
	}
}
