// Package notify defines the tenant-scoped domain entities shared by the
// daemon: workflows, notification requests (the outbox), scheduled rules and
// the realtime jobs that flow from the change feed into the pipeline.
//
// Every entity carries a tenant identifier and is only ever read or written
// through filters that include it. The package holds no behavior beyond
// validation helpers; persistence lives in store, execution in pipeline.
package notify

import (
	"fmt"
	"strings"
	"time"
)

// Channel is a delivery modality.
type Channel string

const (
	ChannelEmail Channel = "EMAIL"
	ChannelInApp Channel = "IN_APP"
	ChannelSMS   Channel = "SMS"
	ChannelPush  Channel = "PUSH"
	ChannelChat  Channel = "CHAT"
)

// ChannelOrder is the fixed order in which dynamic workflow bodies walk
// channels. Dispatch behavior depends on this order being stable.
var ChannelOrder = []Channel{ChannelEmail, ChannelInApp, ChannelSMS, ChannelPush, ChannelChat}

// ParseChannel normalizes a channel name. "INAPP" is accepted as an alias for
// "IN_APP". The second return value reports whether the input named a known
// channel.
func ParseChannel(s string) (Channel, bool) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "EMAIL":
		return ChannelEmail, true
	case "IN_APP", "INAPP":
		return ChannelInApp, true
	case "SMS":
		return ChannelSMS, true
	case "PUSH":
		return ChannelPush, true
	case "CHAT":
		return ChannelChat, true
	default:
		return "", false
	}
}

// Status is the lifecycle state of a notification request.
type Status string

const (
	StatusPending    Status = "PENDING"
	StatusProcessing Status = "PROCESSING"
	StatusSent       Status = "SENT"
	StatusFailed     Status = "FAILED"
	StatusRetracted  Status = "RETRACTED"
)

// CanTransitionTo reports whether next is a legal successor of s in the
// request status DAG:
//
//	PENDING → PROCESSING → {SENT, FAILED}
//	PENDING → RETRACTED
//	FAILED  → PENDING (retry)
//
// Updating a row to its current status is always a no-op and therefore legal.
func (s Status) CanTransitionTo(next Status) bool {
	if s == next {
		return true
	}
	switch s {
	case StatusPending:
		return next == StatusProcessing || next == StatusRetracted
	case StatusProcessing:
		return next == StatusSent || next == StatusFailed
	case StatusFailed:
		return next == StatusPending
	default:
		return false
	}
}

// Terminal reports whether no further transition except retry is expected.
func (s Status) Terminal() bool {
	return s == StatusSent || s == StatusFailed || s == StatusRetracted
}

// PublishStatus is the workflow publication state.
type PublishStatus string

const (
	PublishStatusDraft   PublishStatus = "DRAFT"
	PublishStatusPublish PublishStatus = "PUBLISH"
)

// WorkflowKind discriminates compiled-in from store-defined workflows.
type WorkflowKind string

const (
	WorkflowKindStatic  WorkflowKind = "STATIC"
	WorkflowKindDynamic WorkflowKind = "DYNAMIC"
)

// Workflow is a named recipe for turning a notification request into
// per-channel dispatches. (workflow_key, tenant_id) is unique among rows that
// are published and not deactivated.
type Workflow struct {
	ID                int64
	TenantID          string
	WorkflowKey       string
	Kind              WorkflowKind
	DefaultChannels   []Channel
	TemplateOverrides map[Channel]string
	PayloadSchema     map[string]any
	PublishStatus     PublishStatus
	Deactivated       bool
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// Resolvable reports whether the row is eligible for registry resolution.
func (w *Workflow) Resolvable() bool {
	return w.PublishStatus == PublishStatusPublish && !w.Deactivated
}

// Request is an outbox row: a persisted ask to dispatch one notification to a
// set of recipients. Rows are created externally in PENDING and driven to a
// terminal status by the pipeline.
type Request struct {
	ID            int64
	TenantID      string
	WorkflowRef   int64
	Recipients    []string
	Payload       map[string]any
	Overrides     map[string]any
	Status        Status
	TransactionID string
	ErrorDetails  string
	ScheduledFor  *time.Time
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// Due reports whether the request may be dispatched at the given instant.
// Requests with scheduled_for in the future must not be dispatched early;
// scheduled_for equal to now is due.
func (r *Request) Due(now time.Time) bool {
	return r.ScheduledFor == nil || !r.ScheduledFor.After(now)
}

// TriggerConfig is a rule's cron trigger: a cron expression evaluated in an
// IANA timezone.
type TriggerConfig struct {
	Cron     string
	Timezone string
}

// Rule is a scheduled trigger: when its cron fires, a synthetic notification
// request derived from PayloadTemplate is created and processed.
type Rule struct {
	ID              int64
	TenantID        string
	WorkflowRef     int64
	Trigger         TriggerConfig
	PayloadTemplate map[string]any
	Deactivated     bool
	UpdatedAt       time.Time
}

// SchedulePrefix prefixes every engine-side schedule owned by the reconciler.
const SchedulePrefix = "rule-"

// ScheduleID returns the deterministic engine schedule identity for a rule.
func ScheduleID(r Rule) string {
	return fmt.Sprintf("%s%s-%d", SchedulePrefix, r.TenantID, r.ID)
}

// WorkflowConfig is the in-memory projection of a dynamic Workflow row that
// the factory turns into an executable definition.
type WorkflowConfig struct {
	WorkflowKey     string
	Kind            WorkflowKind
	Channels        []Channel
	EmailTemplateID string
	InAppTemplateID string
	SMSTemplateID   string
	PushTemplateID  string
	ChatTemplateID  string
	PayloadSchema   map[string]any
	Name            string
	Description     string
	Tags            []string
}

// TemplateID returns the template identifier configured for a channel, or ""
// when the channel has none.
func (c WorkflowConfig) TemplateID(ch Channel) string {
	switch ch {
	case ChannelEmail:
		return c.EmailTemplateID
	case ChannelInApp:
		return c.InAppTemplateID
	case ChannelSMS:
		return c.SMSTemplateID
	case ChannelPush:
		return c.PushTemplateID
	case ChannelChat:
		return c.ChatTemplateID
	default:
		return ""
	}
}

// ConfigFromWorkflow projects a dynamic workflow row into its WorkflowConfig.
func ConfigFromWorkflow(w Workflow) WorkflowConfig {
	cfg := WorkflowConfig{
		WorkflowKey:   w.WorkflowKey,
		Kind:          w.Kind,
		Channels:      append([]Channel(nil), w.DefaultChannels...),
		PayloadSchema: w.PayloadSchema,
	}
	for ch, id := range w.TemplateOverrides {
		switch ch {
		case ChannelEmail:
			cfg.EmailTemplateID = id
		case ChannelInApp:
			cfg.InAppTemplateID = id
		case ChannelSMS:
			cfg.SMSTemplateID = id
		case ChannelPush:
			cfg.PushTemplateID = id
		case ChannelChat:
			cfg.ChatTemplateID = id
		}
	}
	return cfg
}

// Priorities and Categories enumerate the values accepted by the default
// payload schema floor. Payloads carrying other values fail validation.
var (
	Priorities = []string{"low", "medium", "high", "critical"}
	Categories = []string{"security", "emergency", "maintenance", "operations", "community", "billing", "general"}
)
