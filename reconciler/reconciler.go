// Package reconciler keeps the engine's schedules convergent with the rule
// table: every active rule owns exactly one schedule named after it, and
// schedules whose rule disappeared are deleted. Reconciliation is a periodic
// full diff, so missed change events heal on the next pass, and a pass over
// an unchanged rule set performs zero engine mutations.
package reconciler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	enumspb "go.temporal.io/api/enums/v1"
	"go.temporal.io/api/serviceerror"
	"go.temporal.io/sdk/client"
	"go.temporal.io/sdk/temporal"
	"goa.design/clue/log"

	"github.com/signalpost/notifyd/notify"
	"github.com/signalpost/notifyd/pipeline"
	"github.com/signalpost/notifyd/store"
)

const defaultInterval = time.Minute

// Options configures the reconciler.
type Options struct {
	// Store reads the rule table. Required.
	Store store.Store
	// Schedules is the engine schedule surface. Required.
	Schedules Schedules
	// TaskQueue hosts the rule-trigger workflows. Defaults to the pipeline's.
	TaskQueue string
	// Tenants restricts reconciliation; containing "shared" (or empty) means
	// all tenants.
	Tenants []string
	// Interval between periodic passes. Defaults to 1m.
	Interval time.Duration
}

// Reconciler converges engine schedules onto the rule table.
type Reconciler struct {
	store     store.Store
	schedules Schedules
	taskQueue string
	tenants   []string
	interval  time.Duration

	mu         sync.Mutex
	cancel     context.CancelFunc
	done       chan struct{}
	lastSynced map[string]notify.TriggerConfig
	lastPass   time.Time
	lastErr    error
}

// New validates opts and returns a stopped reconciler.
func New(opts Options) (*Reconciler, error) {
	if opts.Store == nil {
		return nil, errors.New("reconciler: store is required")
	}
	if opts.Schedules == nil {
		return nil, errors.New("reconciler: schedules are required")
	}
	r := &Reconciler{
		store:      opts.Store,
		schedules:  opts.Schedules,
		taskQueue:  opts.TaskQueue,
		tenants:    opts.Tenants,
		interval:   opts.Interval,
		lastSynced: make(map[string]notify.TriggerConfig),
	}
	if r.taskQueue == "" {
		r.taskQueue = pipeline.DefaultTaskQueue
	}
	if r.interval <= 0 {
		r.interval = defaultInterval
	}
	for _, t := range r.tenants {
		if t == notify.TenantShared {
			r.tenants = nil
			break
		}
	}
	return r, nil
}

// Start launches the periodic loop with an immediate first pass.
func (r *Reconciler) Start(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.cancel != nil {
		return errors.New("reconciler: already started")
	}
	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	runCtx = log.WithContext(runCtx, ctx)
	r.cancel = cancel
	r.done = make(chan struct{})
	go r.run(runCtx)
	return nil
}

// Stop halts the loop. Idempotent.
func (r *Reconciler) Stop(ctx context.Context) error {
	r.mu.Lock()
	cancel, done := r.cancel, r.done
	r.cancel = nil
	r.mu.Unlock()
	if cancel == nil {
		return nil
	}
	cancel()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// IsRunning reports whether the periodic loop is active.
func (r *Reconciler) IsRunning() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.cancel != nil
}

// LastPass returns the completion time and outcome of the most recent pass.
func (r *Reconciler) LastPass() (time.Time, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.lastPass, r.lastErr
}

func (r *Reconciler) run(ctx context.Context) {
	defer close(r.done)
	if err := r.ForceReconcile(ctx); err != nil {
		log.Errorf(ctx, err, "initial reconcile pass")
	}
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := r.ForceReconcile(ctx); err != nil {
				log.Errorf(ctx, err, "reconcile pass")
			}
		}
	}
}

// ForceReconcile runs one full pass immediately: diff the active rule set
// against the owned schedules, then create, update and delete as needed.
// Per-rule failures are aggregated; one broken rule never blocks the rest.
func (r *Reconciler) ForceReconcile(ctx context.Context) error {
	desired, err := r.desiredRules(ctx)
	if err != nil {
		return r.finishPass(fmt.Errorf("list rules: %w", err))
	}
	owned, err := r.schedules.ListOwned(ctx)
	if err != nil {
		return r.finishPass(fmt.Errorf("list schedules: %w", err))
	}
	actual := make(map[string]bool, len(owned))
	for _, id := range owned {
		actual[id] = true
	}

	var errs []error
	for id, rule := range desired {
		if actual[id] {
			if err := r.converge(ctx, id, rule); err != nil {
				errs = append(errs, fmt.Errorf("converge %s: %w", id, err))
			}
		} else if err := r.create(ctx, id, rule); err != nil {
			errs = append(errs, fmt.Errorf("create %s: %w", id, err))
		}
	}
	for id := range actual {
		if _, ok := desired[id]; ok {
			continue
		}
		if err := r.remove(ctx, id); err != nil {
			errs = append(errs, fmt.Errorf("delete %s: %w", id, err))
		}
	}
	return r.finishPass(errors.Join(errs...))
}

func (r *Reconciler) finishPass(err error) error {
	r.mu.Lock()
	r.lastPass = time.Now().UTC()
	r.lastErr = err
	r.mu.Unlock()
	return err
}

// desiredRules returns the active rules keyed by their schedule id.
func (r *Reconciler) desiredRules(ctx context.Context) (map[string]notify.Rule, error) {
	tenants := r.tenants
	if len(tenants) == 0 {
		tenants = []string{""}
	}
	desired := make(map[string]notify.Rule)
	for _, tenant := range tenants {
		rules, err := r.store.ListRules(ctx, tenant)
		if err != nil {
			return nil, err
		}
		for _, rule := range rules {
			if rule.Deactivated || rule.Trigger.Cron == "" {
				continue
			}
			desired[notify.ScheduleID(rule)] = rule
		}
	}
	return desired, nil
}

func (r *Reconciler) create(ctx context.Context, id string, rule notify.Rule) error {
	_, err := r.schedules.Create(ctx, client.ScheduleOptions{
		ID: id,
		Spec: client.ScheduleSpec{
			CronExpressions: []string{rule.Trigger.Cron},
			TimeZoneName:    rule.Trigger.Timezone,
		},
		Action: &client.ScheduleWorkflowAction{
			ID:        id,
			Workflow:  pipeline.RuleTriggerWorkflowName,
			Args:      []any{pipeline.RuleFireInput{TenantID: rule.TenantID, RuleID: rule.ID}},
			TaskQueue: r.taskQueue,
		},
		Overlap: enumspb.SCHEDULE_OVERLAP_POLICY_SKIP,
	})
	if err != nil {
		var exists *serviceerror.AlreadyExists
		if errors.As(err, &exists) || errors.Is(err, temporal.ErrScheduleAlreadyRunning) {
			// Created by a concurrent pass; converge instead.
			return r.converge(ctx, id, rule)
		}
		return err
	}
	r.markSynced(id, rule.Trigger)
	log.Infof(ctx, "schedule %s created (cron %q tz %q)", id, rule.Trigger.Cron, rule.Trigger.Timezone)
	return nil
}

// converge updates the schedule only when its trigger drifted from the rule.
// The in-memory record short-circuits the common case; on a cold cache the
// engine is asked and the record rebuilt, so an unchanged rule set costs
// describes, never updates.
func (r *Reconciler) converge(ctx context.Context, id string, rule notify.Rule) error {
	r.mu.Lock()
	synced, ok := r.lastSynced[id]
	r.mu.Unlock()
	if ok && synced == rule.Trigger {
		return nil
	}
	handle := r.schedules.GetHandle(ctx, id)
	desc, err := handle.Describe(ctx)
	if err != nil {
		var notFound *serviceerror.NotFound
		if errors.As(err, &notFound) {
			r.forgetSynced(id)
			return r.create(ctx, id, rule)
		}
		return err
	}
	if specMatches(desc, rule.Trigger) {
		r.markSynced(id, rule.Trigger)
		return nil
	}
	err = handle.Update(ctx, client.ScheduleUpdateOptions{
		DoUpdate: func(in client.ScheduleUpdateInput) (*client.ScheduleUpdate, error) {
			in.Description.Schedule.Spec = &client.ScheduleSpec{
				CronExpressions: []string{rule.Trigger.Cron},
				TimeZoneName:    rule.Trigger.Timezone,
			}
			return &client.ScheduleUpdate{Schedule: &in.Description.Schedule}, nil
		},
	})
	if err != nil {
		return err
	}
	r.markSynced(id, rule.Trigger)
	log.Infof(ctx, "schedule %s updated (cron %q tz %q)", id, rule.Trigger.Cron, rule.Trigger.Timezone)
	return nil
}

func (r *Reconciler) remove(ctx context.Context, id string) error {
	err := r.schedules.GetHandle(ctx, id).Delete(ctx)
	if err != nil {
		var notFound *serviceerror.NotFound
		if !errors.As(err, &notFound) {
			return err
		}
	}
	r.forgetSynced(id)
	log.Infof(ctx, "schedule %s deleted", id)
	return nil
}

func specMatches(desc *client.ScheduleDescription, trigger notify.TriggerConfig) bool {
	if desc == nil || desc.Schedule.Spec == nil {
		return false
	}
	spec := desc.Schedule.Spec
	if spec.TimeZoneName != trigger.Timezone {
		return false
	}
	return len(spec.CronExpressions) == 1 && spec.CronExpressions[0] == trigger.Cron
}

func (r *Reconciler) markSynced(id string, trigger notify.TriggerConfig) {
	r.mu.Lock()
	r.lastSynced[id] = trigger
	r.mu.Unlock()
}

func (r *Reconciler) forgetSynced(id string) {
	r.mu.Lock()
	delete(r.lastSynced, id)
	r.mu.Unlock()
}
