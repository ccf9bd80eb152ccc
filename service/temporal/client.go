package temporal

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.temporal.io/api/serviceerror"
	"go.temporal.io/sdk/client"
)

// ErrSettlementAlreadyStarted is returned by StartSettlement when a
// settlement workflow for the payment is still running.
var ErrSettlementAlreadyStarted = errors.New("settlement already started")

// Client is a production implementation of Settler that talks to Temporal.
type Client struct {
	client    client.Client
	taskQueue string
	logger    *slog.Logger
}

// NewClient creates a new Temporal client.
func NewClient(host, namespace, taskQueue string, logger *slog.Logger) (*Client, error) {
	if logger == nil {
		logger = slog.Default()
	}

	logger.Info("connecting to temporal",
		"host", host,
		"namespace", namespace,
		"task_queue", taskQueue,
	)

	c, err := client.Dial(client.Options{
		HostPort:  host,
		Namespace: namespace,
		Logger:    newTemporalLogger(logger),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to Temporal: %w", err)
	}

	logger.Info("connected to temporal successfully")

	return &Client{
		client:    c,
		taskQueue: taskQueue,
		logger:    logger,
	}, nil
}

// StartSettlement starts SettlePaymentWorkflow for a payment and returns its
// workflow ID. A second start while the first run is open fails with
// ErrSettlementAlreadyStarted instead of attaching to the existing run.
func (c *Client) StartSettlement(ctx context.Context, input SettlePaymentInput) (string, error) {
	id := WorkflowID(input.PaymentID)

	timeout := input.ConfirmationTimeout
	if timeout <= 0 {
		timeout = DefaultConfirmationTimeout
	}

	run, err := c.client.ExecuteWorkflow(ctx, client.StartWorkflowOptions{
		ID:        id,
		TaskQueue: c.taskQueue,
		// an open run tracks a different envelope's signature
		WorkflowExecutionErrorWhenAlreadyStarted: true,
		// room for submission and status writes around the confirmation window
		WorkflowExecutionTimeout: timeout + 10*time.Minute,
		Memo: map[string]interface{}{
			"payment_id": input.PaymentID,
			"created_by": "payrelay",
		},
	}, SettlePaymentWorkflow, input)
	var alreadyStarted *serviceerror.WorkflowExecutionAlreadyStarted
	if errors.As(err, &alreadyStarted) {
		c.logger.WarnContext(ctx, "settlement already running",
			"payment_id", input.PaymentID,
			"workflow_id", id,
			"run_id", alreadyStarted.RunId,
		)
		return "", fmt.Errorf("%w: workflow %q run %s", ErrSettlementAlreadyStarted, id, alreadyStarted.RunId)
	}
	if err != nil {
		c.logger.ErrorContext(ctx, "failed to start settlement",
			"payment_id", input.PaymentID,
			"workflow_id", id,
			"error", err,
		)
		return "", fmt.Errorf("failed to start settlement workflow %q: %w", id, err)
	}

	c.logger.InfoContext(ctx, "settlement started",
		"payment_id", input.PaymentID,
		"workflow_id", run.GetID(),
		"run_id", run.GetRunID(),
	)

	return run.GetID(), nil
}

// GetSettlementResult blocks until the settlement workflow completes and
// returns its result.
func (c *Client) GetSettlementResult(ctx context.Context, workflowID string) (*SettlePaymentResult, error) {
	var result SettlePaymentResult
	if err := c.client.GetWorkflow(ctx, workflowID, "").Get(ctx, &result); err != nil {
		return nil, fmt.Errorf("failed to get settlement result for %q: %w", workflowID, err)
	}
	return &result, nil
}

// SDKClient returns the underlying Temporal SDK client for direct workflow operations.
func (c *Client) SDKClient() client.Client {
	return c.client
}

// TaskQueue returns the configured task queue for this client.
func (c *Client) TaskQueue() string {
	return c.taskQueue
}

// Close closes the Temporal client connection.
func (c *Client) Close() {
	c.logger.Info("closing temporal client")
	c.client.Close()
}

// temporalLogger adapts slog.Logger to Temporal's logger interface.
type temporalLogger struct {
	logger *slog.Logger
}

func newTemporalLogger(logger *slog.Logger) *temporalLogger {
	return &temporalLogger{logger: logger}
}

func (l *temporalLogger) Debug(msg string, keyvals ...interface{}) {
	l.logger.Debug(msg, keyvals...)
}

func (l *temporalLogger) Info(msg string, keyvals ...interface{}) {
	l.logger.Info(msg, keyvals...)
}

func (l *temporalLogger) Warn(msg string, keyvals ...interface{}) {
	l.logger.Warn(msg, keyvals...)
}

func (l *temporalLogger) Error(msg string, keyvals ...interface{}) {
	l.logger.Error(msg, keyvals...)
}
