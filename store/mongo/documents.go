package mongo

import (
	"time"

	"github.com/signalpost/notifyd/notify"
)

// BSON documents mirror the domain rows; every document carries tenant_id and
// every query filters on it.

type workflowDocument struct {
	ID                int64             `bson:"_id"`
	TenantID          string            `bson:"tenant_id"`
	WorkflowKey       string            `bson:"workflow_key"`
	Kind              string            `bson:"kind"`
	DefaultChannels   []string          `bson:"default_channels,omitempty"`
	TemplateOverrides map[string]string `bson:"template_overrides,omitempty"`
	PayloadSchema     map[string]any    `bson:"payload_schema,omitempty"`
	PublishStatus     string            `bson:"publish_status"`
	Deactivated       bool              `bson:"deactivated"`
	CreatedAt         time.Time         `bson:"created_at"`
	UpdatedAt         time.Time         `bson:"updated_at"`
}

func fromWorkflow(w notify.Workflow) workflowDocument {
	doc := workflowDocument{
		ID:            w.ID,
		TenantID:      w.TenantID,
		WorkflowKey:   w.WorkflowKey,
		Kind:          string(w.Kind),
		PayloadSchema: w.PayloadSchema,
		PublishStatus: string(w.PublishStatus),
		Deactivated:   w.Deactivated,
		CreatedAt:     w.CreatedAt.UTC(),
		UpdatedAt:     w.UpdatedAt.UTC(),
	}
	for _, ch := range w.DefaultChannels {
		doc.DefaultChannels = append(doc.DefaultChannels, string(ch))
	}
	if len(w.TemplateOverrides) > 0 {
		doc.TemplateOverrides = make(map[string]string, len(w.TemplateOverrides))
		for ch, id := range w.TemplateOverrides {
			doc.TemplateOverrides[string(ch)] = id
		}
	}
	return doc
}

func (doc workflowDocument) toWorkflow() notify.Workflow {
	w := notify.Workflow{
		ID:            doc.ID,
		TenantID:      doc.TenantID,
		WorkflowKey:   doc.WorkflowKey,
		Kind:          notify.WorkflowKind(doc.Kind),
		PayloadSchema: doc.PayloadSchema,
		PublishStatus: notify.PublishStatus(doc.PublishStatus),
		Deactivated:   doc.Deactivated,
		CreatedAt:     doc.CreatedAt,
		UpdatedAt:     doc.UpdatedAt,
	}
	for _, ch := range doc.DefaultChannels {
		if parsed, ok := notify.ParseChannel(ch); ok {
			w.DefaultChannels = append(w.DefaultChannels, parsed)
		}
	}
	if len(doc.TemplateOverrides) > 0 {
		w.TemplateOverrides = make(map[notify.Channel]string, len(doc.TemplateOverrides))
		for ch, id := range doc.TemplateOverrides {
			if parsed, ok := notify.ParseChannel(ch); ok {
				w.TemplateOverrides[parsed] = id
			}
		}
	}
	return w
}

type notificationDocument struct {
	ID            int64          `bson:"_id"`
	TenantID      string         `bson:"tenant_id"`
	WorkflowRef   int64          `bson:"workflow_ref"`
	Recipients    []string       `bson:"recipients,omitempty"`
	Payload       map[string]any `bson:"payload,omitempty"`
	Overrides     map[string]any `bson:"overrides,omitempty"`
	Status        string         `bson:"status"`
	TransactionID string         `bson:"transaction_id,omitempty"`
	ErrorDetails  string         `bson:"error_details,omitempty"`
	ScheduledFor  *time.Time     `bson:"scheduled_for,omitempty"`
	CreatedAt     time.Time      `bson:"created_at"`
	UpdatedAt     time.Time      `bson:"updated_at"`
}

func fromRequest(r notify.Request) notificationDocument {
	doc := notificationDocument{
		ID:            r.ID,
		TenantID:      r.TenantID,
		WorkflowRef:   r.WorkflowRef,
		Recipients:    r.Recipients,
		Payload:       r.Payload,
		Overrides:     r.Overrides,
		Status:        string(r.Status),
		TransactionID: r.TransactionID,
		ErrorDetails:  r.ErrorDetails,
		CreatedAt:     r.CreatedAt.UTC(),
		UpdatedAt:     r.UpdatedAt.UTC(),
	}
	if r.ScheduledFor != nil {
		t := r.ScheduledFor.UTC()
		doc.ScheduledFor = &t
	}
	return doc
}

func (doc notificationDocument) toRequest() notify.Request {
	return notify.Request{
		ID:            doc.ID,
		TenantID:      doc.TenantID,
		WorkflowRef:   doc.WorkflowRef,
		Recipients:    doc.Recipients,
		Payload:       doc.Payload,
		Overrides:     doc.Overrides,
		Status:        notify.Status(doc.Status),
		TransactionID: doc.TransactionID,
		ErrorDetails:  doc.ErrorDetails,
		ScheduledFor:  doc.ScheduledFor,
		CreatedAt:     doc.CreatedAt,
		UpdatedAt:     doc.UpdatedAt,
	}
}

type ruleDocument struct {
	ID              int64          `bson:"_id"`
	TenantID        string         `bson:"tenant_id"`
	WorkflowRef     int64          `bson:"workflow_ref"`
	TriggerConfig   triggerConfig  `bson:"trigger_config"`
	PayloadTemplate map[string]any `bson:"payload_template,omitempty"`
	Deactivated     bool           `bson:"deactivated"`
	UpdatedAt       time.Time      `bson:"updated_at"`
}

type triggerConfig struct {
	Cron     string `bson:"cron"`
	Timezone string `bson:"timezone"`
}

func (doc ruleDocument) toRule() notify.Rule {
	return notify.Rule{
		ID:          doc.ID,
		TenantID:    doc.TenantID,
		WorkflowRef: doc.WorkflowRef,
		Trigger: notify.TriggerConfig{
			Cron:     doc.TriggerConfig.Cron,
			Timezone: doc.TriggerConfig.Timezone,
		},
		PayloadTemplate: doc.PayloadTemplate,
		Deactivated:     doc.Deactivated,
		UpdatedAt:       doc.UpdatedAt,
	}
}
