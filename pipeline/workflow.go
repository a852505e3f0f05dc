// Package pipeline drives a claimed notification request from PENDING to a
// terminal status on the workflow engine. One workflow execution per request;
// the deterministic workflow id collapses duplicate change events onto the
// same execution and the claim step turns the survivors into no-ops.
package pipeline

import (
	"errors"
	"fmt"
	"time"

	enumspb "go.temporal.io/api/enums/v1"
	"go.temporal.io/sdk/temporal"
	"go.temporal.io/sdk/workflow"

	"github.com/signalpost/notifyd/notify"
)

// Workflow and activity names as registered on the engine.
const (
	ProcessWorkflowName     = "process-notification"
	RuleTriggerWorkflowName = "rule-trigger"

	ClaimActivityName      = "claim-notification"
	ResolveActivityName    = "resolve-workflow"
	DispatchActivityName   = "dispatch-notification"
	FinalizeActivityName   = "finalize-notification"
	CreateRuleActivityName = "create-rule-notification"
)

// DefaultTaskQueue is the task queue the pipeline worker polls.
const DefaultTaskQueue = "notifyd-pipeline"

// ProcessWorkflowID returns the deterministic execution id for a request.
// Starting the same id twice while the first run is open reuses that run.
func ProcessWorkflowID(tenant string, notificationID int64) string {
	return fmt.Sprintf("process-notification-%s-%d", tenant, notificationID)
}

// TransactionID derives the delivery idempotency key from the run identity.
// Activity retries inside one run reuse it; a fresh run gets a fresh key.
func TransactionID(tenant string, notificationID int64, runID string) string {
	return fmt.Sprintf("txn-%s-%d-%s", tenant, notificationID, runID)
}

var defaultActivityOptions = workflow.ActivityOptions{
	StartToCloseTimeout: 30 * time.Second,
	RetryPolicy: &temporal.RetryPolicy{
		InitialInterval:    time.Second,
		BackoffCoefficient: 2,
		MaximumInterval:    30 * time.Second,
		MaximumAttempts:    5,
	},
}

// ProcessNotification is the per-request pipeline: wait until due, claim,
// resolve, dispatch, finalize. A lost claim ends the run as a successful
// no-op. Dispatch failure marks the row FAILED and fails the run so the
// engine records why.
func ProcessNotification(ctx workflow.Context, job notify.RealtimeJob) error {
	logger := workflow.GetLogger(ctx)
	if job.EventType == notify.EventDelete {
		// Deletes cancel executions, they do not start them.
		return nil
	}

	// A future-scheduled row must not be dispatched early. Sleeping before the
	// claim keeps the row PENDING and visible to a DELETE-driven cancel.
	if job.New != nil && job.New.ScheduledFor != nil {
		if delay := job.New.ScheduledFor.Sub(workflow.Now(ctx)); delay > 0 {
			logger.Info("deferring scheduled notification", "notification_id", job.NotificationID, "delay", delay.String())
			if err := workflow.Sleep(ctx, delay); err != nil {
				return err
			}
		}
	}

	ctx = workflow.WithActivityOptions(ctx, defaultActivityOptions)

	var claimed bool
	err := workflow.ExecuteActivity(ctx, ClaimActivityName, ClaimInput{
		TenantID:       job.TenantID,
		NotificationID: job.NotificationID,
		RetryFailed:    job.Source == "catchup",
	}).Get(ctx, &claimed)
	if err != nil {
		return fmt.Errorf("claim: %w", err)
	}
	if !claimed {
		logger.Debug("claim lost, duplicate or terminal row", "notification_id", job.NotificationID)
		return nil
	}

	var resolved ResolveResult
	err = workflow.ExecuteActivity(ctx, ResolveActivityName, ResolveInput{
		TenantID:       job.TenantID,
		NotificationID: job.NotificationID,
	}).Get(ctx, &resolved)
	if err != nil {
		return failNotification(ctx, job, "", err)
	}

	txn := TransactionID(job.TenantID, job.NotificationID, workflow.GetInfo(ctx).WorkflowExecution.RunID)
	var dispatched DispatchResult
	err = workflow.ExecuteActivity(ctx, DispatchActivityName, DispatchInput{
		TenantID:       job.TenantID,
		NotificationID: job.NotificationID,
		WorkflowKey:    resolved.WorkflowKey,
		TransactionID:  txn,
	}).Get(ctx, &dispatched)
	if err != nil {
		return failNotification(ctx, job, txn, err)
	}

	err = workflow.ExecuteActivity(ctx, FinalizeActivityName, FinalizeInput{
		TenantID:       job.TenantID,
		NotificationID: job.NotificationID,
		Status:         notify.StatusSent,
		TransactionID:  dispatched.TransactionID,
	}).Get(ctx, nil)
	if err != nil {
		return fmt.Errorf("finalize: %w", err)
	}
	return nil
}

// failNotification writes FAILED with the failure detail and propagates the
// original error so the run is recorded as failed. Permanent failures are
// marked so the catch-up retry path leaves them alone.
func failNotification(ctx workflow.Context, job notify.RealtimeJob, txn string, cause error) error {
	detail := cause.Error()
	var appErr *temporal.ApplicationError
	if errors.As(cause, &appErr) && appErr.NonRetryable() {
		detail = permanentPrefix + detail
	}
	// Finalize must not inherit a cancel: a retracted run still records why.
	fctx, _ := workflow.NewDisconnectedContext(ctx)
	fctx = workflow.WithActivityOptions(fctx, defaultActivityOptions)
	if err := workflow.ExecuteActivity(fctx, FinalizeActivityName, FinalizeInput{
		TenantID:       job.TenantID,
		NotificationID: job.NotificationID,
		Status:         notify.StatusFailed,
		ErrorDetails:   detail,
		TransactionID:  txn,
	}).Get(fctx, nil); err != nil {
		workflow.GetLogger(ctx).Error("record failure status", "error", err.Error())
	}
	return cause
}

// RuleTrigger runs when a rule's engine schedule fires: materialize one
// request from the rule's payload template, then drive it through the
// pipeline as a child execution. The child uses the request's canonical
// workflow id so a concurrent change-feed start collapses onto it.
func RuleTrigger(ctx workflow.Context, in RuleFireInput) error {
	ctx = workflow.WithActivityOptions(ctx, defaultActivityOptions)

	var created *notify.Request
	err := workflow.ExecuteActivity(ctx, CreateRuleActivityName, in).Get(ctx, &created)
	if err != nil {
		return fmt.Errorf("create rule notification: %w", err)
	}
	if created == nil {
		// Rule deleted or deactivated since the schedule was reconciled.
		return nil
	}

	cctx := workflow.WithChildOptions(ctx, workflow.ChildWorkflowOptions{
		WorkflowID:        ProcessWorkflowID(created.TenantID, created.ID),
		ParentClosePolicy: enumspb.PARENT_CLOSE_POLICY_ABANDON,
	})
	now := workflow.Now(ctx)
	child := workflow.ExecuteChildWorkflow(cctx, ProcessWorkflowName, notify.RealtimeJob{
		EventType:      notify.EventInsert,
		TenantID:       created.TenantID,
		NotificationID: created.ID,
		New:            created,
		Timestamp:      now,
		EventID:        fmt.Sprintf("rule-%d-%d", in.RuleID, created.ID),
		Source:         "rule",
	})
	if err := child.GetChildWorkflowExecution().Get(ctx, nil); err != nil {
		// The change feed already started this id; the row is in good hands.
		workflow.GetLogger(ctx).Debug("child pipeline already running", "notification_id", created.ID)
		return nil
	}
	return nil
}
