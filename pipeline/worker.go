package pipeline

import (
	"go.temporal.io/sdk/activity"
	"go.temporal.io/sdk/worker"
	"go.temporal.io/sdk/workflow"
)

// Orchestration activity names, registered alongside the pipeline's own so
// one worker serves both task loads.
const (
	ScheduledSweepActivityName = "scheduled-sweep"
	CatchUpSweepActivityName   = "catchup-sweep"
	ForceReconcileActivityName = "force-reconcile"
)

// Register attaches the pipeline workflows and activities to a worker. orch
// may be nil when the daemon runs without the orchestration loop.
func Register(w worker.Registry, acts *Activities, orch *OrchestrationActivities) {
	w.RegisterWorkflowWithOptions(ProcessNotification, workflow.RegisterOptions{Name: ProcessWorkflowName})
	w.RegisterWorkflowWithOptions(RuleTrigger, workflow.RegisterOptions{Name: RuleTriggerWorkflowName})

	w.RegisterActivityWithOptions(acts.Claim, activity.RegisterOptions{Name: ClaimActivityName})
	w.RegisterActivityWithOptions(acts.Resolve, activity.RegisterOptions{Name: ResolveActivityName})
	w.RegisterActivityWithOptions(acts.Dispatch, activity.RegisterOptions{Name: DispatchActivityName})
	w.RegisterActivityWithOptions(acts.Finalize, activity.RegisterOptions{Name: FinalizeActivityName})
	w.RegisterActivityWithOptions(acts.CreateRuleNotification, activity.RegisterOptions{Name: CreateRuleActivityName})

	if orch != nil {
		w.RegisterActivityWithOptions(orch.SweepScheduled, activity.RegisterOptions{Name: ScheduledSweepActivityName})
		w.RegisterActivityWithOptions(orch.CatchUpSweep, activity.RegisterOptions{Name: CatchUpSweepActivityName})
		w.RegisterActivityWithOptions(orch.ForceReconcile, activity.RegisterOptions{Name: ForceReconcileActivityName})
	}
}
