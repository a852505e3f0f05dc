// Package orchestration hosts the daemon's durable control loop: a single
// long-running workflow execution that ticks the scheduled sweep, the
// catch-up sweep and the rule reconciler on their cadences. Running the loop
// on the engine rather than in-process means the periodic work survives
// daemon restarts and never runs concurrently across replicas.
package orchestration

import (
	"context"
	"errors"
	"time"

	enumspb "go.temporal.io/api/enums/v1"
	"go.temporal.io/api/serviceerror"
	"go.temporal.io/sdk/client"
	"go.temporal.io/sdk/temporal"
	"go.temporal.io/sdk/worker"
	"go.temporal.io/sdk/workflow"

	"github.com/signalpost/notifyd/pipeline"
)

const (
	// WorkflowName is the registered name of the control loop.
	WorkflowName = "orchestration"
	// WorkflowID is the singleton execution id. One loop per deployment.
	WorkflowID = "notifyd-orchestration"
	// StopSignalName drains the loop: it finishes in-flight activities and
	// completes instead of continuing as new.
	StopSignalName = "stop_orchestration"

	defaultCronTick      = time.Minute
	defaultScheduledTick = time.Minute
	defaultBatch         = 100

	// History is bounded by continuing as new after this many timer firings.
	maxTicksPerRun = 500
)

// Args parameterizes the control loop. The zero value gets defaults.
type Args struct {
	// Tenants carried for observability; the sweeps resolve their own scope.
	Tenants []string `json:"tenants,omitempty"`
	// CronTick is the reconcile + catch-up cadence. Defaults to 1m.
	CronTick time.Duration `json:"cron_tick,omitempty"`
	// ScheduledTick is the scheduled-sweep cadence. Defaults to 1m.
	ScheduledTick time.Duration `json:"scheduled_tick,omitempty"`
	// ScheduledBatch caps rows per scheduled sweep. Defaults to 100.
	ScheduledBatch int `json:"scheduled_batch,omitempty"`
}

func (a *Args) applyDefaults() {
	if a.CronTick <= 0 {
		a.CronTick = defaultCronTick
	}
	if a.ScheduledTick <= 0 {
		a.ScheduledTick = defaultScheduledTick
	}
	if a.ScheduledBatch <= 0 {
		a.ScheduledBatch = defaultBatch
	}
}

var activityOptions = workflow.ActivityOptions{
	StartToCloseTimeout: time.Minute,
	RetryPolicy: &temporal.RetryPolicy{
		InitialInterval:    time.Second,
		BackoffCoefficient: 2,
		MaximumInterval:    30 * time.Second,
		MaximumAttempts:    3,
	},
}

// Orchestration is the control loop body. Tick failures are logged and the
// loop keeps going; a broken store pass must not kill the loop that would
// later heal it.
func Orchestration(ctx workflow.Context, args Args) error {
	args.applyDefaults()
	logger := workflow.GetLogger(ctx)
	logger.Info("orchestration loop starting",
		"cron_tick", args.CronTick.String(), "scheduled_tick", args.ScheduledTick.String())

	ctx = workflow.WithActivityOptions(ctx, activityOptions)
	stopCh := workflow.GetSignalChannel(ctx, StopSignalName)

	cronTimer := workflow.NewTimer(ctx, args.CronTick)
	sweepTimer := workflow.NewTimer(ctx, args.ScheduledTick)

	stopped := false
	for ticks := 0; ticks < maxTicksPerRun; {
		sel := workflow.NewSelector(ctx)
		sel.AddReceive(stopCh, func(c workflow.ReceiveChannel, _ bool) {
			c.Receive(ctx, nil)
			stopped = true
		})
		sel.AddFuture(cronTimer, func(workflow.Future) {
			ticks++
			if err := workflow.ExecuteActivity(ctx, pipeline.ForceReconcileActivityName).Get(ctx, nil); err != nil {
				logger.Error("reconcile tick failed", "error", err.Error())
			}
			var n int
			if err := workflow.ExecuteActivity(ctx, pipeline.CatchUpSweepActivityName, pipeline.SweepInput{}).Get(ctx, &n); err != nil {
				logger.Error("catch-up tick failed", "error", err.Error())
			} else if n > 0 {
				logger.Info("catch-up tick enqueued rows", "count", n)
			}
			cronTimer = workflow.NewTimer(ctx, args.CronTick)
		})
		sel.AddFuture(sweepTimer, func(workflow.Future) {
			ticks++
			var n int
			if err := workflow.ExecuteActivity(ctx, pipeline.ScheduledSweepActivityName,
				pipeline.SweepInput{Batch: args.ScheduledBatch}).Get(ctx, &n); err != nil {
				logger.Error("scheduled sweep tick failed", "error", err.Error())
			} else if n > 0 {
				logger.Info("scheduled sweep released rows", "count", n)
			}
			sweepTimer = workflow.NewTimer(ctx, args.ScheduledTick)
		})
		sel.Select(ctx)
		if stopped {
			logger.Info("orchestration loop stopping on signal")
			return nil
		}
	}
	return workflow.NewContinueAsNewError(ctx, WorkflowName, args)
}

// RegisterWorkflow attaches the loop to a worker.
func RegisterWorkflow(w worker.Registry) {
	w.RegisterWorkflowWithOptions(Orchestration, workflow.RegisterOptions{Name: WorkflowName})
}

// Start launches (or attaches to) the singleton loop execution.
func Start(ctx context.Context, tc client.Client, taskQueue string, args Args) error {
	if taskQueue == "" {
		taskQueue = pipeline.DefaultTaskQueue
	}
	_, err := tc.ExecuteWorkflow(ctx, client.StartWorkflowOptions{
		ID:                       WorkflowID,
		TaskQueue:                taskQueue,
		WorkflowIDReusePolicy:    enumspb.WORKFLOW_ID_REUSE_POLICY_ALLOW_DUPLICATE,
		WorkflowIDConflictPolicy: enumspb.WORKFLOW_ID_CONFLICT_POLICY_USE_EXISTING,
	}, WorkflowName, args)
	if err != nil {
		var already *serviceerror.WorkflowExecutionAlreadyStarted
		if errors.As(err, &already) {
			return nil
		}
		return err
	}
	return nil
}

// Stop signals the loop to drain and complete. Missing executions are fine:
// stopping a stopped loop is a no-op.
func Stop(ctx context.Context, tc client.Client) error {
	err := tc.SignalWorkflow(ctx, WorkflowID, "", StopSignalName, nil)
	if err != nil {
		var notFound *serviceerror.NotFound
		if errors.As(err, &notFound) {
			return nil
		}
		return err
	}
	return nil
}
