package pipeline

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.temporal.io/sdk/activity"
	"go.temporal.io/sdk/temporal"
	"go.temporal.io/sdk/testsuite"
	"go.temporal.io/sdk/workflow"

	"github.com/signalpost/notifyd/notify"
)

// Stub activity implementations registered under the production names so the
// test environment knows their signatures; every test mocks the ones it needs.
func stubClaim(context.Context, ClaimInput) (bool, error)                    { return false, nil }
func stubResolve(context.Context, ResolveInput) (*ResolveResult, error)      { return nil, nil }
func stubDispatch(context.Context, DispatchInput) (*DispatchResult, error)   { return nil, nil }
func stubFinalize(context.Context, FinalizeInput) error                      { return nil }
func stubCreateRule(context.Context, RuleFireInput) (*notify.Request, error) { return nil, nil }

func newEnv(t *testing.T) *testsuite.TestWorkflowEnvironment {
	t.Helper()
	var ts testsuite.WorkflowTestSuite
	env := ts.NewTestWorkflowEnvironment()
	env.RegisterWorkflowWithOptions(ProcessNotification, workflow.RegisterOptions{Name: ProcessWorkflowName})
	env.RegisterWorkflowWithOptions(RuleTrigger, workflow.RegisterOptions{Name: RuleTriggerWorkflowName})
	env.RegisterActivityWithOptions(stubClaim, activity.RegisterOptions{Name: ClaimActivityName})
	env.RegisterActivityWithOptions(stubResolve, activity.RegisterOptions{Name: ResolveActivityName})
	env.RegisterActivityWithOptions(stubDispatch, activity.RegisterOptions{Name: DispatchActivityName})
	env.RegisterActivityWithOptions(stubFinalize, activity.RegisterOptions{Name: FinalizeActivityName})
	env.RegisterActivityWithOptions(stubCreateRule, activity.RegisterOptions{Name: CreateRuleActivityName})
	return env
}

func job() notify.RealtimeJob {
	return notify.RealtimeJob{
		EventType:      notify.EventInsert,
		TenantID:       "acme",
		NotificationID: 7,
		EventID:        "ev-1",
		Source:         "realtime",
	}
}

// finalizeRecorder captures every Finalize invocation.
type finalizeRecorder struct {
	mu     sync.Mutex
	inputs []FinalizeInput
}

func (r *finalizeRecorder) fn() func(context.Context, FinalizeInput) error {
	return func(_ context.Context, in FinalizeInput) error {
		r.mu.Lock()
		defer r.mu.Unlock()
		r.inputs = append(r.inputs, in)
		return nil
	}
}

func (r *finalizeRecorder) all() []FinalizeInput {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]FinalizeInput(nil), r.inputs...)
}

func TestProcessNotificationHappyPath(t *testing.T) {
	env := newEnv(t)
	rec := &finalizeRecorder{}

	env.OnActivity(ClaimActivityName, mock.Anything, ClaimInput{TenantID: "acme", NotificationID: 7}).
		Return(true, nil).Once()
	env.OnActivity(ResolveActivityName, mock.Anything, ResolveInput{TenantID: "acme", NotificationID: 7}).
		Return(&ResolveResult{WorkflowKey: "system-alert"}, nil).Once()
	env.OnActivity(DispatchActivityName, mock.Anything, mock.Anything).
		Return(func(_ context.Context, in DispatchInput) (*DispatchResult, error) {
			assert.Equal(t, "system-alert", in.WorkflowKey)
			assert.Contains(t, in.TransactionID, "txn-acme-7-")
			return &DispatchResult{TransactionID: in.TransactionID, Steps: 2}, nil
		}).Once()
	env.OnActivity(FinalizeActivityName, mock.Anything, mock.Anything).Return(rec.fn()).Once()

	env.ExecuteWorkflow(ProcessWorkflowName, job())
	require.True(t, env.IsWorkflowCompleted())
	require.NoError(t, env.GetWorkflowError())

	inputs := rec.all()
	require.Len(t, inputs, 1)
	assert.Equal(t, notify.StatusSent, inputs[0].Status)
	assert.Empty(t, inputs[0].ErrorDetails)
	env.AssertExpectations(t)
}

func TestProcessNotificationLostClaimIsNoOp(t *testing.T) {
	env := newEnv(t)
	env.OnActivity(ClaimActivityName, mock.Anything, mock.Anything).Return(false, nil).Once()

	env.ExecuteWorkflow(ProcessWorkflowName, job())
	require.True(t, env.IsWorkflowCompleted())
	require.NoError(t, env.GetWorkflowError(), "lost claim completes as success")
	env.AssertExpectations(t)
}

func TestProcessNotificationDeleteEventIsNoOp(t *testing.T) {
	env := newEnv(t)
	j := job()
	j.EventType = notify.EventDelete

	env.ExecuteWorkflow(ProcessWorkflowName, j)
	require.True(t, env.IsWorkflowCompleted())
	require.NoError(t, env.GetWorkflowError())
	env.AssertExpectations(t)
}

func TestProcessNotificationCatchupRetriesFailed(t *testing.T) {
	env := newEnv(t)
	env.OnActivity(ClaimActivityName, mock.Anything, mock.Anything).
		Return(func(_ context.Context, in ClaimInput) (bool, error) {
			assert.True(t, in.RetryFailed, "catch-up jobs resurrect FAILED rows")
			return false, nil
		}).Once()

	j := job()
	j.Source = "catchup"
	env.ExecuteWorkflow(ProcessWorkflowName, j)
	require.NoError(t, env.GetWorkflowError())
	env.AssertExpectations(t)
}

func TestProcessNotificationPermanentDispatchFailure(t *testing.T) {
	env := newEnv(t)
	rec := &finalizeRecorder{}

	env.OnActivity(ClaimActivityName, mock.Anything, mock.Anything).Return(true, nil).Once()
	env.OnActivity(ResolveActivityName, mock.Anything, mock.Anything).
		Return(&ResolveResult{WorkflowKey: "system-alert"}, nil).Once()
	env.OnActivity(DispatchActivityName, mock.Anything, mock.Anything).
		Return(nil, temporal.NewNonRetryableApplicationError("delivery: 422: bad recipients", errTypeRejected, nil)).Once()
	env.OnActivity(FinalizeActivityName, mock.Anything, mock.Anything).Return(rec.fn()).Once()

	env.ExecuteWorkflow(ProcessWorkflowName, job())
	require.True(t, env.IsWorkflowCompleted())
	require.Error(t, env.GetWorkflowError(), "the run records the dispatch failure")

	inputs := rec.all()
	require.Len(t, inputs, 1)
	assert.Equal(t, notify.StatusFailed, inputs[0].Status)
	assert.Contains(t, inputs[0].ErrorDetails, permanentPrefix, "non-retryable failures are marked permanent")
	assert.Contains(t, inputs[0].ErrorDetails, "bad recipients")
	assert.NotEmpty(t, inputs[0].TransactionID)
	env.AssertExpectations(t)
}

func TestProcessNotificationResolveFailureMarksFailed(t *testing.T) {
	env := newEnv(t)
	rec := &finalizeRecorder{}

	env.OnActivity(ClaimActivityName, mock.Anything, mock.Anything).Return(true, nil).Once()
	env.OnActivity(ResolveActivityName, mock.Anything, mock.Anything).
		Return(nil, temporal.NewNonRetryableApplicationError("workflow 9 is not published for tenant acme", errTypeNotFound, nil)).Once()
	env.OnActivity(FinalizeActivityName, mock.Anything, mock.Anything).Return(rec.fn()).Once()

	env.ExecuteWorkflow(ProcessWorkflowName, job())
	require.Error(t, env.GetWorkflowError())

	inputs := rec.all()
	require.Len(t, inputs, 1)
	assert.Equal(t, notify.StatusFailed, inputs[0].Status)
	assert.Empty(t, inputs[0].TransactionID, "nothing was dispatched")
	env.AssertExpectations(t)
}

func TestProcessNotificationDefersScheduled(t *testing.T) {
	env := newEnv(t)

	var claimedAt time.Time
	env.OnActivity(ClaimActivityName, mock.Anything, mock.Anything).
		Return(func(context.Context, ClaimInput) (bool, error) {
			claimedAt = env.Now()
			return false, nil
		}).Once()

	start := env.Now()
	scheduledFor := start.Add(2 * time.Hour)
	j := job()
	j.New = &notify.Request{ID: 7, TenantID: "acme", ScheduledFor: &scheduledFor}

	env.ExecuteWorkflow(ProcessWorkflowName, j)
	require.NoError(t, env.GetWorkflowError())
	assert.False(t, claimedAt.Before(scheduledFor), "claim must wait until the row is due")
	env.AssertExpectations(t)
}

func TestTransactionIDPerRun(t *testing.T) {
	assert.Equal(t, "txn-acme-7-run-1", TransactionID("acme", 7, "run-1"))
	assert.NotEqual(t, TransactionID("acme", 7, "run-1"), TransactionID("acme", 7, "run-2"),
		"a fresh run gets a fresh delivery idempotency key")
	assert.Equal(t, "process-notification-acme-7", ProcessWorkflowID("acme", 7))
}

func TestRuleTriggerStartsChildPipeline(t *testing.T) {
	env := newEnv(t)
	created := &notify.Request{ID: 42, TenantID: "acme", WorkflowRef: 3}

	env.OnActivity(CreateRuleActivityName, mock.Anything, RuleFireInput{TenantID: "acme", RuleID: 5}).
		Return(created, nil).Once()
	env.OnWorkflow(ProcessWorkflowName, mock.Anything, mock.Anything).
		Return(func(_ workflow.Context, j notify.RealtimeJob) error {
			assert.Equal(t, int64(42), j.NotificationID)
			assert.Equal(t, "rule", j.Source)
			assert.Equal(t, notify.EventInsert, j.EventType)
			return nil
		}).Once()

	env.ExecuteWorkflow(RuleTriggerWorkflowName, RuleFireInput{TenantID: "acme", RuleID: 5})
	require.True(t, env.IsWorkflowCompleted())
	require.NoError(t, env.GetWorkflowError())
	env.AssertExpectations(t)
}

func TestRuleTriggerSkipsGoneRule(t *testing.T) {
	env := newEnv(t)
	env.OnActivity(CreateRuleActivityName, mock.Anything, mock.Anything).
		Return((*notify.Request)(nil), nil).Once()

	env.ExecuteWorkflow(RuleTriggerWorkflowName, RuleFireInput{TenantID: "acme", RuleID: 5})
	require.NoError(t, env.GetWorkflowError(), "a stale schedule fire is not an error")
	env.AssertExpectations(t)
}

func TestRuleTriggerPropagatesCreateFailure(t *testing.T) {
	env := newEnv(t)
	env.OnActivity(CreateRuleActivityName, mock.Anything, mock.Anything).
		Return(nil, temporal.NewNonRetryableApplicationError("store down", "Store", errors.New("down"))).Once()

	env.ExecuteWorkflow(RuleTriggerWorkflowName, RuleFireInput{TenantID: "acme", RuleID: 5})
	require.Error(t, env.GetWorkflowError())
	env.AssertExpectations(t)
}
