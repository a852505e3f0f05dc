package pipeline

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.temporal.io/sdk/temporal"

	"github.com/signalpost/notifyd/delivery"
	"github.com/signalpost/notifyd/notify"
	"github.com/signalpost/notifyd/registry"
	"github.com/signalpost/notifyd/render"
	"github.com/signalpost/notifyd/store"
	"github.com/signalpost/notifyd/store/memory"
)

type fakeDelivery struct {
	mu   sync.Mutex
	reqs []delivery.TriggerRequest
	err  error
}

func (f *fakeDelivery) Trigger(_ context.Context, req delivery.TriggerRequest) (*delivery.Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	f.reqs = append(f.reqs, req)
	return &delivery.Result{TransactionID: req.TransactionID, Accepted: len(req.Steps)}, nil
}

func (f *fakeDelivery) Cancel(context.Context, string, string) error { return nil }

type fixture struct {
	store    *memory.Store
	registry *registry.Registry
	delivery *fakeDelivery
	acts     *Activities
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	st := memory.New()
	reg := registry.New(st)
	del := &fakeDelivery{}
	acts, err := NewActivities(st, reg, del, render.Static{})
	require.NoError(t, err)
	return &fixture{store: st, registry: reg, delivery: del, acts: acts}
}

// seedWorkflow publishes a dynamic workflow and returns its row.
func (f *fixture) seedWorkflow(t *testing.T, tenant, key string) notify.Workflow {
	t.Helper()
	ctx := context.Background()
	created, err := f.store.CreateWorkflow(ctx, notify.Workflow{
		TenantID:        tenant,
		WorkflowKey:     key,
		Kind:            notify.WorkflowKindDynamic,
		DefaultChannels: []notify.Channel{notify.ChannelEmail},
		TemplateOverrides: map[notify.Channel]string{
			notify.ChannelEmail: "tmpl-1",
		},
	})
	require.NoError(t, err)
	require.NoError(t, f.store.PublishWorkflow(ctx, created.ID, tenant))
	w, err := f.store.GetWorkflow(ctx, created.ID, tenant)
	require.NoError(t, err)
	return *w
}

func (f *fixture) seedNotification(t *testing.T, tenant string, workflowRef int64, payload map[string]any) notify.Request {
	t.Helper()
	created, err := f.store.CreateNotification(context.Background(), notify.Request{
		TenantID:    tenant,
		WorkflowRef: workflowRef,
		Payload:     payload,
		Recipients:  []string{"u-1"},
	})
	require.NoError(t, err)
	return *created
}

func requireNonRetryable(t *testing.T, err error, errType string) {
	t.Helper()
	var appErr *temporal.ApplicationError
	require.ErrorAs(t, err, &appErr)
	assert.True(t, appErr.NonRetryable(), "expected non-retryable, got: %v", err)
	assert.Equal(t, errType, appErr.Type())
}

func TestClaim(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	row := f.seedNotification(t, "acme", 1, nil)

	claimed, err := f.acts.Claim(ctx, ClaimInput{TenantID: "acme", NotificationID: row.ID})
	require.NoError(t, err)
	assert.True(t, claimed)

	claimed, err = f.acts.Claim(ctx, ClaimInput{TenantID: "acme", NotificationID: row.ID})
	require.NoError(t, err)
	assert.False(t, claimed, "duplicate claim loses quietly")
}

func TestClaimResurrectsFailedRowFromCatchup(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	row := f.seedNotification(t, "acme", 1, nil)

	_, err := f.store.ClaimNotification(ctx, row.ID, "acme")
	require.NoError(t, err)
	require.NoError(t, f.store.UpdateNotificationStatus(ctx, row.ID, "acme", notify.StatusFailed,
		store.StatusUpdate{ErrorDetails: "delivery: 502: upstream down"}))

	// Without RetryFailed the parked row stays parked.
	claimed, err := f.acts.Claim(ctx, ClaimInput{TenantID: "acme", NotificationID: row.ID})
	require.NoError(t, err)
	assert.False(t, claimed)

	claimed, err = f.acts.Claim(ctx, ClaimInput{TenantID: "acme", NotificationID: row.ID, RetryFailed: true})
	require.NoError(t, err)
	assert.True(t, claimed)

	got, err := f.store.GetNotification(ctx, row.ID, "acme")
	require.NoError(t, err)
	assert.Equal(t, notify.StatusProcessing, got.Status)
}

func TestClaimNeverResurrectsPermanentFailures(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	row := f.seedNotification(t, "acme", 1, nil)

	_, err := f.store.ClaimNotification(ctx, row.ID, "acme")
	require.NoError(t, err)
	require.NoError(t, f.store.UpdateNotificationStatus(ctx, row.ID, "acme", notify.StatusFailed,
		store.StatusUpdate{ErrorDetails: permanentPrefix + "payload rejected"}))

	claimed, err := f.acts.Claim(ctx, ClaimInput{TenantID: "acme", NotificationID: row.ID, RetryFailed: true})
	require.NoError(t, err)
	assert.False(t, claimed, "permanent failures wait for an operator")
}

func TestResolveLazyLoadsTenant(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	wf := f.seedWorkflow(t, "acme", "order-shipped")
	row := f.seedNotification(t, "acme", wf.ID, map[string]any{"subject": "s", "body": "b"})

	// No preload happened; Resolve must load the tenant on first miss.
	res, err := f.acts.Resolve(ctx, ResolveInput{TenantID: "acme", NotificationID: row.ID})
	require.NoError(t, err)
	assert.Equal(t, "order-shipped", res.WorkflowKey)
	assert.Equal(t, 1, f.registry.Stats().Dynamic)
}

func TestResolveMissingRowNonRetryable(t *testing.T) {
	f := newFixture(t)
	_, err := f.acts.Resolve(context.Background(), ResolveInput{TenantID: "acme", NotificationID: 999})
	requireNonRetryable(t, err, errTypeNotFound)
}

func TestResolveUnpublishedWorkflowNonRetryable(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	created, err := f.store.CreateWorkflow(ctx, notify.Workflow{
		TenantID:        "acme",
		WorkflowKey:     "draft-only",
		Kind:            notify.WorkflowKindDynamic,
		DefaultChannels: []notify.Channel{notify.ChannelEmail},
	})
	require.NoError(t, err)
	row := f.seedNotification(t, "acme", created.ID, nil)

	_, err = f.acts.Resolve(ctx, ResolveInput{TenantID: "acme", NotificationID: row.ID})
	requireNonRetryable(t, err, errTypeNotFound)
}

func TestResolveRejectsInvalidPayload(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	created, err := f.store.CreateWorkflow(ctx, notify.Workflow{
		TenantID:        "acme",
		WorkflowKey:     "strict",
		Kind:            notify.WorkflowKindDynamic,
		DefaultChannels: []notify.Channel{notify.ChannelEmail},
		PayloadSchema: map[string]any{
			"type":     "object",
			"required": []any{"order_id"},
		},
	})
	require.NoError(t, err)
	require.NoError(t, f.store.PublishWorkflow(ctx, created.ID, "acme"))
	row := f.seedNotification(t, "acme", created.ID, map[string]any{"body": "no order id"})

	_, err = f.acts.Resolve(ctx, ResolveInput{TenantID: "acme", NotificationID: row.ID})
	requireNonRetryable(t, err, errTypeValidation)
}

func TestDispatch(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	wf := f.seedWorkflow(t, "acme", "order-shipped")
	overrides := map[string]any{"subject": "Order on the move"}
	created, err := f.store.CreateNotification(ctx, notify.Request{
		TenantID:    "acme",
		WorkflowRef: wf.ID,
		Payload:     map[string]any{"subject": "Shipped", "body": "On the way"},
		Overrides:   overrides,
		Recipients:  []string{"u-1"},
	})
	require.NoError(t, err)

	res, err := f.acts.Dispatch(ctx, DispatchInput{
		TenantID:       "acme",
		NotificationID: created.ID,
		WorkflowKey:    "order-shipped",
		TransactionID:  "txn-acme-1-run",
	})
	require.NoError(t, err)
	assert.Equal(t, "txn-acme-1-run", res.TransactionID)
	assert.Equal(t, 1, res.Steps)

	require.Len(t, f.delivery.reqs, 1)
	req := f.delivery.reqs[0]
	assert.Equal(t, "acme", req.TenantID)
	assert.Equal(t, []string{"u-1"}, req.Recipients)
	assert.Equal(t, overrides, req.Overrides, "request overrides travel with the trigger")
	require.Len(t, req.Steps, 1)
	assert.Equal(t, notify.ChannelEmail, req.Steps[0].Channel)
	require.NotNil(t, req.Steps[0].Email)
	assert.Equal(t, "Order on the move", req.Steps[0].Email.Subject)
}

func TestDispatchRenderFailureNonRetryable(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	wf := f.seedWorkflow(t, "acme", "order-shipped")
	row := f.seedNotification(t, "acme", wf.ID, map[string]any{"subject": "no body"})

	_, err := f.acts.Dispatch(ctx, DispatchInput{
		TenantID:       "acme",
		NotificationID: row.ID,
		WorkflowKey:    "order-shipped",
		TransactionID:  "txn",
	})
	requireNonRetryable(t, err, errTypeValidation)
	assert.Empty(t, f.delivery.reqs, "nothing reaches the SDK on a render failure")
}

func TestDispatchClassifiesSDKErrors(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	wf := f.seedWorkflow(t, "acme", "order-shipped")
	row := f.seedNotification(t, "acme", wf.ID, map[string]any{"subject": "s", "body": "b"})
	in := DispatchInput{TenantID: "acme", NotificationID: row.ID, WorkflowKey: "order-shipped", TransactionID: "txn"}

	f.delivery.err = &delivery.Error{StatusCode: 422, Detail: "bad recipients"}
	_, err := f.acts.Dispatch(ctx, in)
	requireNonRetryable(t, err, errTypeRejected)

	f.delivery.err = &delivery.Error{StatusCode: 503, Detail: "overloaded"}
	_, err = f.acts.Dispatch(ctx, in)
	require.Error(t, err)
	var appErr *temporal.ApplicationError
	assert.False(t, errors.As(err, &appErr) && appErr.NonRetryable(), "5xx stays retryable")
}

func TestFinalize(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	row := f.seedNotification(t, "acme", 1, nil)
	_, err := f.store.ClaimNotification(ctx, row.ID, "acme")
	require.NoError(t, err)

	require.NoError(t, f.acts.Finalize(ctx, FinalizeInput{
		TenantID:       "acme",
		NotificationID: row.ID,
		Status:         notify.StatusSent,
		TransactionID:  "txn-acme-1-run",
	}))
	got, err := f.store.GetNotification(ctx, row.ID, "acme")
	require.NoError(t, err)
	assert.Equal(t, notify.StatusSent, got.Status)
}

func TestFinalizeIllegalTransitionNonRetryable(t *testing.T) {
	f := newFixture(t)
	row := f.seedNotification(t, "acme", 1, nil)

	// PENDING → SENT skips PROCESSING; the store refuses and retrying is
	// pointless.
	err := f.acts.Finalize(context.Background(), FinalizeInput{
		TenantID:       "acme",
		NotificationID: row.ID,
		Status:         notify.StatusSent,
	})
	requireNonRetryable(t, err, errTypeRejected)
}

func TestCreateRuleNotification(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.store.SeedRule(notify.Rule{
		ID:              5,
		TenantID:        "acme",
		WorkflowRef:     3,
		PayloadTemplate: map[string]any{"subject": "Daily digest", "body": "Here it is"},
		Trigger:         notify.TriggerConfig{Cron: "0 9 * * *", Timezone: "UTC"},
	})

	created, err := f.acts.CreateRuleNotification(ctx, RuleFireInput{TenantID: "acme", RuleID: 5})
	require.NoError(t, err)
	require.NotNil(t, created)
	assert.Equal(t, notify.StatusPending, created.Status)
	assert.Equal(t, int64(3), created.WorkflowRef)
	assert.Equal(t, "Daily digest", created.Payload["subject"])
}

func TestCreateRuleNotificationGoneRule(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	created, err := f.acts.CreateRuleNotification(ctx, RuleFireInput{TenantID: "acme", RuleID: 404})
	require.NoError(t, err)
	assert.Nil(t, created, "stale schedule fires are swallowed")

	f.store.SeedRule(notify.Rule{ID: 6, TenantID: "acme", Deactivated: true})
	created, err = f.acts.CreateRuleNotification(ctx, RuleFireInput{TenantID: "acme", RuleID: 6})
	require.NoError(t, err)
	assert.Nil(t, created)
}

func TestOrchestrationActivitiesNilSafe(t *testing.T) {
	a := NewOrchestrationActivities(nil, nil)
	n, err := a.SweepScheduled(context.Background(), SweepInput{})
	require.NoError(t, err)
	assert.Zero(t, n)
	n, err = a.CatchUpSweep(context.Background(), SweepInput{})
	require.NoError(t, err)
	assert.Zero(t, n)
	require.NoError(t, a.ForceReconcile(context.Background()))
}
