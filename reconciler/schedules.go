package reconciler

import (
	"context"
	"strings"

	"go.temporal.io/sdk/client"

	"github.com/signalpost/notifyd/notify"
)

// ScheduleHandle is the slice of the engine's schedule handle the reconciler
// uses. Abstracted so tests can reconcile against a fake engine.
type ScheduleHandle interface {
	Describe(ctx context.Context) (*client.ScheduleDescription, error)
	Update(ctx context.Context, options client.ScheduleUpdateOptions) error
	Delete(ctx context.Context) error
}

// Schedules is the slice of the engine's schedule client the reconciler uses.
type Schedules interface {
	Create(ctx context.Context, options client.ScheduleOptions) (ScheduleHandle, error)
	GetHandle(ctx context.Context, id string) ScheduleHandle
	// ListOwned returns the ids of every schedule the daemon owns, i.e. those
	// carrying the rule schedule prefix.
	ListOwned(ctx context.Context) ([]string, error)
}

// temporalSchedules adapts the SDK's schedule client to Schedules.
type temporalSchedules struct {
	sc client.ScheduleClient
}

// NewSchedules wraps a connected engine client's schedule surface.
func NewSchedules(tc client.Client) Schedules {
	return &temporalSchedules{sc: tc.ScheduleClient()}
}

func (t *temporalSchedules) Create(ctx context.Context, options client.ScheduleOptions) (ScheduleHandle, error) {
	h, err := t.sc.Create(ctx, options)
	if err != nil {
		return nil, err
	}
	return h, nil
}

func (t *temporalSchedules) GetHandle(ctx context.Context, id string) ScheduleHandle {
	return t.sc.GetHandle(ctx, id)
}

func (t *temporalSchedules) ListOwned(ctx context.Context) ([]string, error) {
	iter, err := t.sc.List(ctx, client.ScheduleListOptions{})
	if err != nil {
		return nil, err
	}
	var ids []string
	for iter.HasNext() {
		entry, err := iter.Next()
		if err != nil {
			return nil, err
		}
		if strings.HasPrefix(entry.ID, notify.SchedulePrefix) {
			ids = append(ids, entry.ID)
		}
	}
	return ids, nil
}
