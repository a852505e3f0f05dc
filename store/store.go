// Package store defines the tenant-filtered gateway to the persistent rows the
// daemon operates on. Implementations live in store/mongo (production) and
// store/memory (tests and development); both honor the same contract:
//
//   - "row not found" is (nil, nil), never an error
//   - every write requires and filters on the tenant id; a mismatch is a
//     no-op, not cross-tenant leakage
//   - transport and constraint failures surface as *store.Error
package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/signalpost/notifyd/notify"
)

// ErrorKind classifies gateway failures so callers can pick a retry boundary.
type ErrorKind string

const (
	// KindTransport covers connectivity and timeout failures. Retryable.
	KindTransport ErrorKind = "transport"
	// KindConstraint covers uniqueness and validation failures. Not retryable.
	KindConstraint ErrorKind = "constraint"
	// KindConflict covers lost CAS races, e.g. an illegal status transition.
	KindConflict ErrorKind = "conflict"
)

// Error is the gateway failure type. The caller decides whether to retry
// based on Kind.
type Error struct {
	Kind   ErrorKind
	Detail string
	cause  error
}

// NewError wraps a cause with a kind and detail message.
func NewError(kind ErrorKind, detail string, cause error) *Error {
	return &Error{Kind: kind, Detail: detail, cause: cause}
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("store: %s: %s: %v", e.Kind, e.Detail, e.cause)
	}
	return fmt.Sprintf("store: %s: %s", e.Kind, e.Detail)
}

func (e *Error) Unwrap() error { return e.cause }

// IsRetryable reports whether err is a gateway failure worth retrying.
func IsRetryable(err error) bool {
	var se *Error
	if errors.As(err, &se) {
		return se.Kind == KindTransport
	}
	return false
}

// StatusUpdate carries the optional fields written alongside a status change.
type StatusUpdate struct {
	ErrorDetails  string
	TransactionID string
}

// Store is the typed read/write facade over the workflow, notification and
// rule tables. Safe for concurrent use; the underlying connection pool bounds
// parallelism.
type Store interface {
	// Workflows.

	GetWorkflow(ctx context.Context, id int64, tenant string) (*notify.Workflow, error)
	GetWorkflowByKey(ctx context.Context, key, tenant string) (*notify.Workflow, error)
	ListPublishedWorkflows(ctx context.Context, tenant string) ([]notify.Workflow, error)
	// ListDynamicPublished returns published, active DYNAMIC workflows for the
	// tenant. This is the source the registry loads tenant slices from.
	ListDynamicPublished(ctx context.Context, tenant string) ([]notify.Workflow, error)
	CreateWorkflow(ctx context.Context, w notify.Workflow) (*notify.Workflow, error)
	UpdateWorkflow(ctx context.Context, w notify.Workflow) (*notify.Workflow, error)
	PublishWorkflow(ctx context.Context, id int64, tenant string) error
	UnpublishWorkflow(ctx context.Context, id int64, tenant string) error
	DeactivateWorkflow(ctx context.Context, id int64, tenant string) error

	// Notifications (the outbox).

	GetNotification(ctx context.Context, id int64, tenant string) (*notify.Request, error)
	CreateNotification(ctx context.Context, req notify.Request) (*notify.Request, error)
	// BulkCreateNotifications inserts all requests in a single statement;
	// the batch is ordered and aborts on the first failure.
	BulkCreateNotifications(ctx context.Context, reqs []notify.Request) ([]notify.Request, error)
	// UpdateNotificationStatus is idempotent: updating a row to its current
	// status is a no-op; an actual change advances updated_at.
	UpdateNotificationStatus(ctx context.Context, id int64, tenant string, status notify.Status, upd StatusUpdate) error
	// ClaimNotification atomically flips PENDING → PROCESSING. Returns false
	// without error when the row is absent, already claimed or terminal.
	ClaimNotification(ctx context.Context, id int64, tenant string) (bool, error)
	ListByStatus(ctx context.Context, status notify.Status, tenant string, limit int) ([]notify.Request, error)
	// ListScheduledDue returns PENDING rows with scheduled_for ≤ now, ordered
	// by scheduled_for ascending. The boundary is inclusive.
	ListScheduledDue(ctx context.Context, now time.Time, limit int) ([]notify.Request, error)
	// ListChangesSince returns rows with updated_at > cursor ordered ascending
	// by updated_at, optionally restricted to statuses and tenants. This is
	// the catch-up feed behind the realtime subscription.
	ListChangesSince(ctx context.Context, cursor time.Time, limit int, statuses []notify.Status, tenants []string) ([]notify.Request, error)
	CountByStatus(ctx context.Context, statuses []notify.Status, tenants []string) (int64, error)

	// Rules.

	// ListRules returns rules for one tenant, or all tenants when tenant is "".
	ListRules(ctx context.Context, tenant string) ([]notify.Rule, error)
	GetRule(ctx context.Context, id int64, tenant string) (*notify.Rule, error)
	// TouchRule bumps the rule's updated_at, forcing the next reconciliation
	// pass to re-examine its schedule.
	TouchRule(ctx context.Context, id int64, tenant string) error
}
