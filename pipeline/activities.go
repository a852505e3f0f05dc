package pipeline

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.temporal.io/sdk/temporal"
	"goa.design/clue/log"

	"github.com/signalpost/notifyd/delivery"
	"github.com/signalpost/notifyd/notify"
	"github.com/signalpost/notifyd/registry"
	"github.com/signalpost/notifyd/render"
	"github.com/signalpost/notifyd/store"
)

// Error types attached to non-retryable application errors. The workflow
// inspects them to decide between FAILED and silent no-op.
const (
	errTypeNotFound   = "NotFound"
	errTypeValidation = "Validation"
	errTypeRejected   = "Rejected"
)

// permanentPrefix marks error details written for failures retrying cannot
// fix. The claim step refuses to resurrect such rows.
const permanentPrefix = "permanent: "

// Activities hosts the pipeline's activity implementations. One instance is
// registered per worker; all fields are required.
type Activities struct {
	store    store.Store
	registry *registry.Registry
	delivery delivery.Client
	renderer render.Renderer
}

// NewActivities wires the pipeline activities.
func NewActivities(st store.Store, reg *registry.Registry, del delivery.Client, ren render.Renderer) (*Activities, error) {
	if st == nil || reg == nil || del == nil || ren == nil {
		return nil, errors.New("pipeline: store, registry, delivery and renderer are all required")
	}
	return &Activities{store: st, registry: reg, delivery: del, renderer: ren}, nil
}

// ClaimInput identifies the row to claim. RetryFailed additionally resurrects
// rows parked in FAILED, the catch-up sweep's retry path.
type ClaimInput struct {
	TenantID       string `json:"tenant_id"`
	NotificationID int64  `json:"notification_id"`
	RetryFailed    bool   `json:"retry_failed,omitempty"`
}

// Claim flips the row PENDING → PROCESSING. Returns false without error when
// the row is absent, already claimed or terminal; the duplicate workflow run
// then completes as a no-op.
func (a *Activities) Claim(ctx context.Context, in ClaimInput) (bool, error) {
	claimed, err := a.store.ClaimNotification(ctx, in.NotificationID, in.TenantID)
	if err != nil || claimed {
		return claimed, err
	}
	if !in.RetryFailed {
		return false, nil
	}
	row, err := a.store.GetNotification(ctx, in.NotificationID, in.TenantID)
	if err != nil || row == nil || row.Status != notify.StatusFailed {
		return false, err
	}
	if strings.HasPrefix(row.ErrorDetails, permanentPrefix) {
		// Retrying would fail identically. Leave it for an operator.
		return false, nil
	}
	if err := a.store.UpdateNotificationStatus(ctx, in.NotificationID, in.TenantID, notify.StatusPending, store.StatusUpdate{}); err != nil {
		return false, err
	}
	return a.store.ClaimNotification(ctx, in.NotificationID, in.TenantID)
}

// ResolveInput identifies the request whose workflow to resolve.
type ResolveInput struct {
	TenantID       string `json:"tenant_id"`
	NotificationID int64  `json:"notification_id"`
}

// ResolveResult carries the resolved workflow identity.
type ResolveResult struct {
	WorkflowKey string `json:"workflow_key"`
}

// Resolve maps the request's workflow reference to a registered definition
// and validates the payload against its schema. Unknown workflows and
// rejected payloads are non-retryable.
func (a *Activities) Resolve(ctx context.Context, in ResolveInput) (*ResolveResult, error) {
	row, err := a.store.GetNotification(ctx, in.NotificationID, in.TenantID)
	if err != nil {
		return nil, err
	}
	if row == nil {
		return nil, temporal.NewNonRetryableApplicationError(
			fmt.Sprintf("notification %d not found for tenant %s", in.NotificationID, in.TenantID),
			errTypeNotFound, nil)
	}
	wf, err := a.store.GetWorkflow(ctx, row.WorkflowRef, in.TenantID)
	if err != nil {
		return nil, err
	}
	if wf == nil || !wf.Resolvable() {
		return nil, temporal.NewNonRetryableApplicationError(
			fmt.Sprintf("workflow %d is not published for tenant %s", row.WorkflowRef, in.TenantID),
			errTypeNotFound, nil)
	}
	def, err := a.resolveDefinition(ctx, in.TenantID, wf.WorkflowKey)
	if err != nil {
		return nil, err
	}
	if err := def.ValidatePayload(row.Payload); err != nil {
		return nil, temporal.NewNonRetryableApplicationError(err.Error(), errTypeValidation, err)
	}
	return &ResolveResult{WorkflowKey: def.Key()}, nil
}

// resolveDefinition resolves with one lazy tenant load: the first request a
// tenant ever sends arrives before any reload has populated its slice.
func (a *Activities) resolveDefinition(ctx context.Context, tenant, key string) (*registry.Definition, error) {
	def, err := a.registry.Resolve(tenant, key)
	if err == nil {
		return def, nil
	}
	if !errors.Is(err, registry.ErrUnknownWorkflow) {
		return nil, err
	}
	if _, loadErr := a.registry.LoadTenant(ctx, tenant); loadErr != nil {
		return nil, loadErr
	}
	def, err = a.registry.Resolve(tenant, key)
	if err != nil {
		return nil, temporal.NewNonRetryableApplicationError(err.Error(), errTypeNotFound, err)
	}
	return def, nil
}

// DispatchInput carries everything the dispatch step needs.
type DispatchInput struct {
	TenantID       string `json:"tenant_id"`
	NotificationID int64  `json:"notification_id"`
	WorkflowKey    string `json:"workflow_key"`
	TransactionID  string `json:"transaction_id"`
}

// DispatchResult reports what was handed to the delivery SDK.
type DispatchResult struct {
	TransactionID   string           `json:"transaction_id"`
	Steps           int              `json:"steps"`
	SkippedChannels []notify.Channel `json:"skipped_channels,omitempty"`
}

// Dispatch renders the request for each configured channel and hands the
// steps to the delivery SDK under the given transaction id. Rendering
// failures and SDK rejections are non-retryable; transport failures and 5xx
// responses retry under the activity's retry policy, reusing the same
// transaction id so the SDK side stays idempotent.
func (a *Activities) Dispatch(ctx context.Context, in DispatchInput) (*DispatchResult, error) {
	row, err := a.store.GetNotification(ctx, in.NotificationID, in.TenantID)
	if err != nil {
		return nil, err
	}
	if row == nil {
		return nil, temporal.NewNonRetryableApplicationError(
			fmt.Sprintf("notification %d disappeared", in.NotificationID), errTypeNotFound, nil)
	}
	def, err := a.resolveDefinition(ctx, in.TenantID, in.WorkflowKey)
	if err != nil {
		return nil, err
	}
	steps, skipped, err := def.BuildSteps(ctx, a.renderer, *row)
	if err != nil {
		return nil, temporal.NewNonRetryableApplicationError(err.Error(), errTypeValidation, err)
	}
	for _, ch := range skipped {
		log.Debugf(ctx, "channel %s skipped for notification %d: no template", ch, row.ID)
	}
	if len(steps) == 0 {
		return nil, temporal.NewNonRetryableApplicationError(
			fmt.Sprintf("workflow %q has no dispatchable channels", in.WorkflowKey), errTypeValidation, nil)
	}
	res, err := a.delivery.Trigger(ctx, delivery.TriggerRequest{
		TransactionID: in.TransactionID,
		TenantID:      in.TenantID,
		WorkflowKey:   in.WorkflowKey,
		Recipients:    row.Recipients,
		Payload:       row.Payload,
		Overrides:     row.Overrides,
		Steps:         steps,
	})
	if err != nil {
		if delivery.IsPermanent(err) {
			return nil, temporal.NewNonRetryableApplicationError(err.Error(), errTypeRejected, err)
		}
		return nil, err
	}
	log.Info(ctx, log.KV{K: "msg", V: "dispatched"}, log.KV{K: "tenant", V: in.TenantID},
		log.KV{K: "notification_id", V: in.NotificationID}, log.KV{K: "steps", V: len(steps)},
		log.KV{K: "transaction_id", V: res.TransactionID})
	return &DispatchResult{TransactionID: res.TransactionID, Steps: len(steps), SkippedChannels: skipped}, nil
}

// FinalizeInput carries the terminal status write.
type FinalizeInput struct {
	TenantID       string        `json:"tenant_id"`
	NotificationID int64         `json:"notification_id"`
	Status         notify.Status `json:"status"`
	ErrorDetails   string        `json:"error_details,omitempty"`
	TransactionID  string        `json:"transaction_id,omitempty"`
}

// Finalize writes the request's terminal status. Illegal transitions are
// non-retryable: the row moved under us and re-writing would not help.
func (a *Activities) Finalize(ctx context.Context, in FinalizeInput) error {
	err := a.store.UpdateNotificationStatus(ctx, in.NotificationID, in.TenantID, in.Status, store.StatusUpdate{
		ErrorDetails:  in.ErrorDetails,
		TransactionID: in.TransactionID,
	})
	var se *store.Error
	if errors.As(err, &se) && se.Kind == store.KindConflict {
		return temporal.NewNonRetryableApplicationError(err.Error(), errTypeRejected, err)
	}
	return err
}

// RuleFireInput identifies the rule whose trigger fired.
type RuleFireInput struct {
	TenantID string `json:"tenant_id"`
	RuleID   int64  `json:"rule_id"`
}

// CreateRuleNotification materializes one notification request from a fired
// rule's payload template. Returns nil without error when the rule is gone or
// deactivated: schedules lag rule deletion by one reconcile pass.
func (a *Activities) CreateRuleNotification(ctx context.Context, in RuleFireInput) (*notify.Request, error) {
	rule, err := a.store.GetRule(ctx, in.RuleID, in.TenantID)
	if err != nil {
		return nil, err
	}
	if rule == nil || rule.Deactivated {
		log.Debugf(ctx, "rule %d for tenant %s fired but is gone or deactivated", in.RuleID, in.TenantID)
		return nil, nil
	}
	created, err := a.store.CreateNotification(ctx, notify.Request{
		TenantID:    in.TenantID,
		WorkflowRef: rule.WorkflowRef,
		Payload:     rule.PayloadTemplate,
		Status:      notify.StatusPending,
	})
	if err != nil {
		return nil, err
	}
	if err := a.store.TouchRule(ctx, in.RuleID, in.TenantID); err != nil {
		log.Errorf(ctx, err, "touch rule %d after fire", in.RuleID)
	}
	return created, nil
}

// SweepInput bounds one sweep run.
type SweepInput struct {
	Batch int `json:"batch,omitempty"`
}

// Sweeper runs outbox sweeps. Implemented by poller.Poller; declared here so
// the orchestration activities need not import it.
type Sweeper interface {
	CatchUp(ctx context.Context) (int, error)
	SweepScheduled(ctx context.Context, batch int) (int, error)
}

// Reconciler forces a schedule reconciliation pass. Implemented by
// reconciler.Reconciler.
type Reconciler interface {
	ForceReconcile(ctx context.Context) error
}

// OrchestrationActivities hosts the activities the orchestration loop drives.
type OrchestrationActivities struct {
	sweeper    Sweeper
	reconciler Reconciler
}

// NewOrchestrationActivities wires the orchestration activities.
func NewOrchestrationActivities(s Sweeper, r Reconciler) *OrchestrationActivities {
	return &OrchestrationActivities{sweeper: s, reconciler: r}
}

// SweepScheduled releases due scheduled rows into the pipeline.
func (a *OrchestrationActivities) SweepScheduled(ctx context.Context, in SweepInput) (int, error) {
	if a.sweeper == nil {
		return 0, nil
	}
	return a.sweeper.SweepScheduled(ctx, in.Batch)
}

// CatchUpSweep re-discovers rows whose change events were missed.
func (a *OrchestrationActivities) CatchUpSweep(ctx context.Context, _ SweepInput) (int, error) {
	if a.sweeper == nil {
		return 0, nil
	}
	return a.sweeper.CatchUp(ctx)
}

// ForceReconcile runs one full rule reconciliation pass.
func (a *OrchestrationActivities) ForceReconcile(ctx context.Context) error {
	if a.reconciler == nil {
		return nil
	}
	return a.reconciler.ForceReconcile(ctx)
}
