// Package registry indexes the workflows the pipeline can resolve: a static
// set compiled into the daemon and a per-tenant dynamic set loaded from the
// store. Resolution is tenant-scoped; a tenant's dynamic workflow shadows a
// static one under the same key.
package registry

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"goa.design/clue/log"

	"github.com/signalpost/notifyd/notify"
	"github.com/signalpost/notifyd/store"
)

// ErrUnknownWorkflow reports a key no definition resolves under. The pipeline
// treats it as permanent: retrying the same key resolves the same nothing.
var ErrUnknownWorkflow = errors.New("registry: unknown workflow")

// Stats is a point-in-time census of the registry.
type Stats struct {
	Static  int            `json:"static"`
	Dynamic int            `json:"dynamic"`
	Tenants map[string]int `json:"tenants"`
}

// Registry holds the resolvable workflow definitions. Safe for concurrent
// use: reads take the read lock, tenant reloads swap whole tenant slices
// under the write lock.
type Registry struct {
	store store.Store

	mu      sync.RWMutex
	static  map[string]*Definition
	dynamic map[string]map[string]*Definition
}

// New returns an empty registry backed by the given store.
func New(st store.Store) *Registry {
	return &Registry{
		store:   st,
		static:  make(map[string]*Definition),
		dynamic: make(map[string]map[string]*Definition),
	}
}

// InitializeStatic registers the compiled-in definitions. Duplicate keys are
// an error; static workflows are code, and code with two workflows under one
// key is broken.
func (r *Registry) InitializeStatic(defs ...*Definition) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, d := range defs {
		if !d.Static() {
			return fmt.Errorf("registry: %q is not a static definition", d.Key())
		}
		if _, ok := r.static[d.Key()]; ok {
			return fmt.Errorf("registry: duplicate static workflow %q", d.Key())
		}
		r.static[d.Key()] = d
	}
	return nil
}

// Resolve returns the definition for key in the tenant's scope. Dynamic
// definitions shadow static ones.
func (r *Registry) Resolve(tenant, key string) (*Definition, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if defs, ok := r.dynamic[tenant]; ok {
		if d, ok := defs[key]; ok {
			return d, nil
		}
	}
	if d, ok := r.static[key]; ok {
		return d, nil
	}
	return nil, fmt.Errorf("%w: %q for tenant %q", ErrUnknownWorkflow, key, tenant)
}

// RegisterDynamic validates one dynamic config through the factory and
// installs it, overwriting any prior definition under the same (tenant, key).
// Registering the same config twice is a no-op.
func (r *Registry) RegisterDynamic(tenant string, cfg notify.WorkflowConfig) error {
	if tenant == "" {
		return errors.New("registry: dynamic workflows need a tenant")
	}
	cfg.Kind = notify.WorkflowKindDynamic
	d, err := newDefinition(tenant, cfg)
	if err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	defs, ok := r.dynamic[tenant]
	if !ok {
		defs = make(map[string]*Definition)
		r.dynamic[tenant] = defs
	}
	defs[d.Key()] = d
	return nil
}

// LoadTenant replaces the tenant's dynamic slice with the published, active
// dynamic workflows currently in the store. Rows that fail to compile are
// logged and skipped; one broken workflow must not block a tenant's others.
// Returns the number of definitions now registered for the tenant.
func (r *Registry) LoadTenant(ctx context.Context, tenant string) (int, error) {
	rows, err := r.store.ListDynamicPublished(ctx, tenant)
	if err != nil {
		return 0, fmt.Errorf("registry: load tenant %q: %w", tenant, err)
	}
	defs := make(map[string]*Definition, len(rows))
	for _, w := range rows {
		d, err := BuildDefinition(w)
		if err != nil {
			log.Errorf(ctx, err, "skip workflow %q for tenant %q", w.WorkflowKey, tenant)
			continue
		}
		defs[d.Key()] = d
	}
	r.mu.Lock()
	r.dynamic[tenant] = defs
	r.mu.Unlock()
	log.Debugf(ctx, "registry loaded %d dynamic workflows for tenant %q", len(defs), tenant)
	return len(defs), nil
}

// ReloadAll refreshes every tenant currently known to the registry. Used
// after reconnects, when the daemon may have missed workflow changes.
func (r *Registry) ReloadAll(ctx context.Context) error {
	r.mu.RLock()
	tenants := make([]string, 0, len(r.dynamic))
	for t := range r.dynamic {
		tenants = append(tenants, t)
	}
	r.mu.RUnlock()
	var errs []error
	for _, t := range tenants {
		if _, err := r.LoadTenant(ctx, t); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Unregister drops one dynamic definition, e.g. after its row is unpublished.
func (r *Registry) Unregister(tenant, key string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if defs, ok := r.dynamic[tenant]; ok {
		delete(defs, key)
	}
}

// UnregisterTenant drops a tenant's whole dynamic slice.
func (r *Registry) UnregisterTenant(tenant string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.dynamic, tenant)
}

// Stats returns a census for health and debug endpoints.
func (r *Registry) Stats() Stats {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s := Stats{Static: len(r.static), Tenants: make(map[string]int, len(r.dynamic))}
	for t, defs := range r.dynamic {
		s.Tenants[t] = len(defs)
		s.Dynamic += len(defs)
	}
	return s
}

// static workflow configs compiled into the daemon. These cover the built-in
// transactional notifications every deployment ships with.
var staticConfigs = []notify.WorkflowConfig{
	{
		WorkflowKey: "system-alert",
		Channels:    []notify.Channel{notify.ChannelEmail, notify.ChannelInApp},
		Name:        "System alert",
		Description: "Operational alerts pushed to administrators",
	},
	{
		WorkflowKey: "user-welcome",
		Channels:    []notify.Channel{notify.ChannelEmail},
		Name:        "User welcome",
		Description: "Sent once when an account is created",
	},
	{
		WorkflowKey: "digest",
		Channels:    []notify.Channel{notify.ChannelEmail, notify.ChannelInApp, notify.ChannelPush},
		Name:        "Digest",
		Description: "Periodic activity summary",
	},
}

// BuiltinDefinitions compiles the daemon's static workflow set.
func BuiltinDefinitions() ([]*Definition, error) {
	out := make([]*Definition, 0, len(staticConfigs))
	for _, cfg := range staticConfigs {
		d, err := NewStaticDefinition(cfg)
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, nil
}
