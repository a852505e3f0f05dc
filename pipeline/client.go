package pipeline

import (
	"context"
	"errors"
	"fmt"

	enumspb "go.temporal.io/api/enums/v1"
	"go.temporal.io/api/serviceerror"
	"go.temporal.io/sdk/client"
	"goa.design/clue/log"

	"github.com/signalpost/notifyd/notify"
)

// Client submits realtime jobs to the engine. It is the production
// notify.Enqueuer: one ProcessNotification execution per job, keyed by the
// request's canonical workflow id. ExecuteWorkflow blocks when the engine
// applies backpressure, which propagates to the change-feed consumer.
type Client struct {
	temporal  client.Client
	taskQueue string
}

var _ notify.Enqueuer = (*Client)(nil)

// NewClient wraps a connected engine client. taskQueue defaults to
// DefaultTaskQueue.
func NewClient(tc client.Client, taskQueue string) (*Client, error) {
	if tc == nil {
		return nil, errors.New("pipeline: engine client is required")
	}
	if taskQueue == "" {
		taskQueue = DefaultTaskQueue
	}
	return &Client{temporal: tc, taskQueue: taskQueue}, nil
}

// Enqueue implements notify.Enqueuer. Duplicate jobs for a running execution
// attach to it instead of starting a second one.
func (c *Client) Enqueue(ctx context.Context, job notify.RealtimeJob) error {
	if job.EventType == notify.EventDelete {
		return c.CancelNotification(ctx, job.TenantID, job.NotificationID)
	}
	opts := client.StartWorkflowOptions{
		ID:                       ProcessWorkflowID(job.TenantID, job.NotificationID),
		TaskQueue:                c.taskQueue,
		WorkflowIDReusePolicy:    enumspb.WORKFLOW_ID_REUSE_POLICY_ALLOW_DUPLICATE,
		WorkflowIDConflictPolicy: enumspb.WORKFLOW_ID_CONFLICT_POLICY_USE_EXISTING,
	}
	run, err := c.temporal.ExecuteWorkflow(ctx, opts, ProcessWorkflowName, job)
	if err != nil {
		var already *serviceerror.WorkflowExecutionAlreadyStarted
		if errors.As(err, &already) {
			return nil
		}
		return fmt.Errorf("start pipeline for notification %d: %w", job.NotificationID, err)
	}
	log.Debugf(ctx, "pipeline started: workflow %s run %s source %s", run.GetID(), run.GetRunID(), job.Source)
	return nil
}

// CancelNotification implements notify.Enqueuer. Cancelling an execution that
// already completed or never started is a no-op.
func (c *Client) CancelNotification(ctx context.Context, tenant string, notificationID int64) error {
	id := ProcessWorkflowID(tenant, notificationID)
	err := c.temporal.CancelWorkflow(ctx, id, "")
	if err != nil {
		var notFound *serviceerror.NotFound
		if errors.As(err, &notFound) {
			return nil
		}
		return fmt.Errorf("cancel pipeline %s: %w", id, err)
	}
	log.Infof(ctx, "pipeline cancelled for deleted notification %d (tenant %s)", notificationID, tenant)
	return nil
}
