// Package memory provides an in-memory Store used by tests and local
// development. It honors the same tenant-filtering, idempotence and status
// transition semantics as the MongoDB gateway.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/signalpost/notifyd/notify"
	"github.com/signalpost/notifyd/store"
)

// Store is a mutex-guarded in-memory implementation of store.Store.
type Store struct {
	mu            sync.RWMutex
	workflows     map[int64]notify.Workflow
	notifications map[int64]notify.Request
	rules         map[int64]notify.Rule
	nextID        int64

	nowFn func() time.Time
}

var _ store.Store = (*Store)(nil)

// New returns an empty in-memory store.
func New() *Store {
	return &Store{
		workflows:     make(map[int64]notify.Workflow),
		notifications: make(map[int64]notify.Request),
		rules:         make(map[int64]notify.Rule),
		nextID:        1,
		nowFn:         func() time.Time { return time.Now().UTC() },
	}
}

// SetClock overrides the store clock. Test hook.
func (s *Store) SetClock(now func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nowFn = now
}

func (s *Store) allocID() int64 {
	id := s.nextID
	s.nextID++
	return id
}

// SeedRule inserts or replaces a rule row directly. Test helper.
func (s *Store) SeedRule(r notify.Rule) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if r.ID == 0 {
		r.ID = s.allocID()
	}
	if r.UpdatedAt.IsZero() {
		r.UpdatedAt = s.nowFn()
	}
	s.rules[r.ID] = r
}

func (s *Store) GetWorkflow(_ context.Context, id int64, tenant string) (*notify.Workflow, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	w, ok := s.workflows[id]
	if !ok || w.TenantID != tenant {
		return nil, nil
	}
	cp := w
	return &cp, nil
}

func (s *Store) GetWorkflowByKey(_ context.Context, key, tenant string) (*notify.Workflow, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, w := range s.workflows {
		if w.TenantID == tenant && w.WorkflowKey == key && w.Resolvable() {
			cp := w
			return &cp, nil
		}
	}
	return nil, nil
}

func (s *Store) ListPublishedWorkflows(_ context.Context, tenant string) ([]notify.Workflow, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []notify.Workflow
	for _, w := range s.workflows {
		if w.TenantID == tenant && w.Resolvable() {
			out = append(out, w)
		}
	}
	sortWorkflows(out)
	return out, nil
}

func (s *Store) ListDynamicPublished(_ context.Context, tenant string) ([]notify.Workflow, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []notify.Workflow
	for _, w := range s.workflows {
		if w.TenantID == tenant && w.Kind == notify.WorkflowKindDynamic && w.Resolvable() {
			out = append(out, w)
		}
	}
	sortWorkflows(out)
	return out, nil
}

func (s *Store) CreateWorkflow(_ context.Context, w notify.Workflow) (*notify.Workflow, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if w.TenantID == "" {
		return nil, store.NewError(store.KindConstraint, "workflow tenant id is required", nil)
	}
	if w.ID == 0 {
		w.ID = s.allocID()
	}
	now := s.nowFn()
	if w.PublishStatus == "" {
		w.PublishStatus = notify.PublishStatusDraft
	}
	w.CreatedAt, w.UpdatedAt = now, now
	s.workflows[w.ID] = w
	cp := w
	return &cp, nil
}

func (s *Store) UpdateWorkflow(_ context.Context, w notify.Workflow) (*notify.Workflow, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.workflows[w.ID]
	if !ok || cur.TenantID != w.TenantID {
		return nil, nil
	}
	w.CreatedAt = cur.CreatedAt
	w.UpdatedAt = s.nowFn()
	s.workflows[w.ID] = w
	cp := w
	return &cp, nil
}

func (s *Store) PublishWorkflow(ctx context.Context, id int64, tenant string) error {
	return s.setWorkflowFields(id, tenant, func(w *notify.Workflow) { w.PublishStatus = notify.PublishStatusPublish })
}

func (s *Store) UnpublishWorkflow(ctx context.Context, id int64, tenant string) error {
	return s.setWorkflowFields(id, tenant, func(w *notify.Workflow) { w.PublishStatus = notify.PublishStatusDraft })
}

func (s *Store) DeactivateWorkflow(ctx context.Context, id int64, tenant string) error {
	return s.setWorkflowFields(id, tenant, func(w *notify.Workflow) { w.Deactivated = true })
}

func (s *Store) setWorkflowFields(id int64, tenant string, mutate func(*notify.Workflow)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	w, ok := s.workflows[id]
	if !ok || w.TenantID != tenant {
		return nil
	}
	mutate(&w)
	w.UpdatedAt = s.nowFn()
	s.workflows[id] = w
	return nil
}

func (s *Store) GetNotification(_ context.Context, id int64, tenant string) (*notify.Request, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.notifications[id]
	if !ok || r.TenantID != tenant {
		return nil, nil
	}
	cp := r
	return &cp, nil
}

func (s *Store) CreateNotification(_ context.Context, req notify.Request) (*notify.Request, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	created, err := s.insertLocked(req)
	if err != nil {
		return nil, err
	}
	cp := *created
	return &cp, nil
}

func (s *Store) BulkCreateNotifications(_ context.Context, reqs []notify.Request) ([]notify.Request, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]notify.Request, 0, len(reqs))
	for _, req := range reqs {
		created, err := s.insertLocked(req)
		if err != nil {
			// All-or-nothing: roll the batch back.
			for _, c := range out {
				delete(s.notifications, c.ID)
			}
			return nil, err
		}
		out = append(out, *created)
	}
	return out, nil
}

func (s *Store) insertLocked(req notify.Request) (*notify.Request, error) {
	if req.TenantID == "" {
		return nil, store.NewError(store.KindConstraint, "notification tenant id is required", nil)
	}
	if req.ID == 0 {
		req.ID = s.allocID()
	} else if _, exists := s.notifications[req.ID]; exists {
		return nil, store.NewError(store.KindConstraint, "duplicate notification id", nil)
	}
	if req.Status == "" {
		req.Status = notify.StatusPending
	}
	now := s.nowFn()
	req.CreatedAt, req.UpdatedAt = now, now
	s.notifications[req.ID] = req
	return &req, nil
}

func (s *Store) UpdateNotificationStatus(_ context.Context, id int64, tenant string, status notify.Status, upd store.StatusUpdate) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.notifications[id]
	if !ok || r.TenantID != tenant {
		return nil
	}
	if r.Status == status && r.ErrorDetails == upd.ErrorDetails && (upd.TransactionID == "" || r.TransactionID == upd.TransactionID) {
		return nil
	}
	if !r.Status.CanTransitionTo(status) {
		return store.NewError(store.KindConflict, "illegal status transition "+string(r.Status)+" → "+string(status), nil)
	}
	r.Status = status
	r.ErrorDetails = upd.ErrorDetails
	if upd.TransactionID != "" {
		r.TransactionID = upd.TransactionID
	}
	r.UpdatedAt = s.nowFn()
	s.notifications[id] = r
	return nil
}

func (s *Store) ClaimNotification(_ context.Context, id int64, tenant string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.notifications[id]
	if !ok || r.TenantID != tenant || r.Status != notify.StatusPending {
		return false, nil
	}
	r.Status = notify.StatusProcessing
	r.UpdatedAt = s.nowFn()
	s.notifications[id] = r
	return true, nil
}

func (s *Store) ListByStatus(_ context.Context, status notify.Status, tenant string, limit int) ([]notify.Request, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []notify.Request
	for _, r := range s.notifications {
		if r.TenantID == tenant && r.Status == status {
			out = append(out, r)
		}
	}
	sortByUpdated(out)
	return truncate(out, limit), nil
}

func (s *Store) ListScheduledDue(_ context.Context, now time.Time, limit int) ([]notify.Request, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []notify.Request
	for _, r := range s.notifications {
		if r.Status == notify.StatusPending && r.ScheduledFor != nil && !r.ScheduledFor.After(now) {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ScheduledFor.Before(*out[j].ScheduledFor) })
	return truncate(out, limit), nil
}

func (s *Store) ListChangesSince(_ context.Context, cursor time.Time, limit int, statuses []notify.Status, tenants []string) ([]notify.Request, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []notify.Request
	for _, r := range s.notifications {
		if !r.UpdatedAt.After(cursor) {
			continue
		}
		if len(statuses) > 0 && !containsStatus(statuses, r.Status) {
			continue
		}
		if len(tenants) > 0 && !containsString(tenants, r.TenantID) {
			continue
		}
		out = append(out, r)
	}
	sortByUpdated(out)
	return truncate(out, limit), nil
}

func (s *Store) CountByStatus(_ context.Context, statuses []notify.Status, tenants []string) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var n int64
	for _, r := range s.notifications {
		if len(statuses) > 0 && !containsStatus(statuses, r.Status) {
			continue
		}
		if len(tenants) > 0 && !containsString(tenants, r.TenantID) {
			continue
		}
		n++
	}
	return n, nil
}

func (s *Store) ListRules(_ context.Context, tenant string) ([]notify.Rule, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []notify.Rule
	for _, r := range s.rules {
		if tenant == "" || r.TenantID == tenant {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *Store) GetRule(_ context.Context, id int64, tenant string) (*notify.Rule, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.rules[id]
	if !ok || r.TenantID != tenant {
		return nil, nil
	}
	cp := r
	return &cp, nil
}

func (s *Store) TouchRule(_ context.Context, id int64, tenant string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.rules[id]
	if !ok || r.TenantID != tenant {
		return nil
	}
	r.UpdatedAt = s.nowFn()
	s.rules[id] = r
	return nil
}

func sortWorkflows(ws []notify.Workflow) {
	sort.Slice(ws, func(i, j int) bool { return ws[i].ID < ws[j].ID })
}

func sortByUpdated(rs []notify.Request) {
	sort.Slice(rs, func(i, j int) bool {
		if rs[i].UpdatedAt.Equal(rs[j].UpdatedAt) {
			return rs[i].ID < rs[j].ID
		}
		return rs[i].UpdatedAt.Before(rs[j].UpdatedAt)
	})
}

func truncate(rs []notify.Request, limit int) []notify.Request {
	if limit > 0 && len(rs) > limit {
		return rs[:limit]
	}
	return rs
}

func containsStatus(set []notify.Status, s notify.Status) bool {
	for _, v := range set {
		if v == s {
			return true
		}
	}
	return false
}

func containsString(set []string, s string) bool {
	for _, v := range set {
		if v == s {
			return true
		}
	}
	return false
}
