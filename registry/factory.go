package registry

import (
	"context"
	"fmt"

	"github.com/signalpost/notifyd/delivery"
	"github.com/signalpost/notifyd/notify"
	"github.com/signalpost/notifyd/render"
)

// Definition is an executable workflow: a config plus its compiled payload
// validator. Static definitions are compiled into the daemon and shared by
// every tenant; dynamic definitions are built from store rows per tenant.
type Definition struct {
	tenantID  string
	config    notify.WorkflowConfig
	validator *Validator
}

// NewStaticDefinition builds a compiled-in definition. The config's kind is
// forced to STATIC.
func NewStaticDefinition(cfg notify.WorkflowConfig) (*Definition, error) {
	cfg.Kind = notify.WorkflowKindStatic
	return newDefinition("", cfg)
}

// BuildDefinition turns a published dynamic workflow row into a definition.
// Rows that are unpublished or deactivated are rejected.
func BuildDefinition(w notify.Workflow) (*Definition, error) {
	if !w.Resolvable() {
		return nil, fmt.Errorf("workflow %q is not published and active", w.WorkflowKey)
	}
	if w.Kind != notify.WorkflowKindDynamic {
		return nil, fmt.Errorf("workflow %q is not dynamic", w.WorkflowKey)
	}
	return newDefinition(w.TenantID, notify.ConfigFromWorkflow(w))
}

func newDefinition(tenant string, cfg notify.WorkflowConfig) (*Definition, error) {
	if cfg.WorkflowKey == "" {
		return nil, fmt.Errorf("workflow key is required")
	}
	if len(cfg.Channels) == 0 {
		return nil, fmt.Errorf("workflow %q declares no channels", cfg.WorkflowKey)
	}
	if cfg.Kind == notify.WorkflowKindDynamic {
		for _, ch := range cfg.Channels {
			if cfg.TemplateID(ch) == "" {
				return nil, fmt.Errorf("workflow %q: channel %s has no template id", cfg.WorkflowKey, ch)
			}
		}
	}
	v, err := NewValidator(cfg.PayloadSchema)
	if err != nil {
		return nil, fmt.Errorf("workflow %q: %w", cfg.WorkflowKey, err)
	}
	return &Definition{tenantID: tenant, config: cfg, validator: v}, nil
}

// Key returns the workflow key the definition resolves under.
func (d *Definition) Key() string { return d.config.WorkflowKey }

// TenantID returns the owning tenant, or "" for static definitions.
func (d *Definition) TenantID() string { return d.tenantID }

// Static reports whether the definition is compiled in.
func (d *Definition) Static() bool { return d.config.Kind == notify.WorkflowKindStatic }

// Config returns a copy of the definition's config.
func (d *Definition) Config() notify.WorkflowConfig { return d.config }

// ValidatePayload checks a request payload against the definition's schema.
func (d *Definition) ValidatePayload(payload map[string]any) error {
	return d.validator.Validate(payload)
}

// BuildSteps renders the request for each configured channel, walking the
// fixed channel order. The factory rejects dynamic channels without a template
// id at build time; any that slip through anyway are skipped and reported in
// the second return value. A rendering failure aborts the whole build so no
// partial dispatch leaves the daemon.
func (d *Definition) BuildSteps(ctx context.Context, r render.Renderer, req notify.Request) ([]delivery.Step, []notify.Channel, error) {
	configured := make(map[notify.Channel]bool, len(d.config.Channels))
	for _, ch := range d.config.Channels {
		configured[ch] = true
	}
	var (
		steps   []delivery.Step
		skipped []notify.Channel
	)
	for _, ch := range notify.ChannelOrder {
		if !configured[ch] {
			continue
		}
		tmpl := d.config.TemplateID(ch)
		if tmpl == "" && !d.Static() {
			skipped = append(skipped, ch)
			continue
		}
		step, err := r.Render(ctx, render.Input{
			TenantID:   req.TenantID,
			Channel:    ch,
			TemplateID: tmpl,
			Payload:    req.Payload,
			Overrides:  req.Overrides,
		})
		if err != nil {
			return nil, skipped, fmt.Errorf("workflow %q: %w", d.config.WorkflowKey, err)
		}
		steps = append(steps, *step)
	}
	return steps, skipped, nil
}
