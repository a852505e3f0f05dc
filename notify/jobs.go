package notify

import (
	"context"
	"time"
)

// EventType identifies a change-feed row event.
type EventType string

const (
	EventInsert EventType = "INSERT"
	EventUpdate EventType = "UPDATE"
	EventDelete EventType = "DELETE"
)

// DefaultEvents is the event set monitored when none is configured.
var DefaultEvents = []EventType{EventInsert, EventUpdate}

// TenantShared is the special monitored-tenant value meaning "no filter":
// accept rows from any tenant and demultiplex downstream.
const TenantShared = "shared"

// RealtimeJob is the unit of work handed to the pipeline. Jobs originate from
// the realtime subscription, the outbox poller or a schedule trigger;
// downstream is oblivious to the source.
type RealtimeJob struct {
	EventType      EventType `json:"event_type"`
	TenantID       string    `json:"tenant_id"`
	NotificationID int64     `json:"notification_id"`
	New            *Request  `json:"new,omitempty"`
	Old            *Request  `json:"old,omitempty"`
	Timestamp      time.Time `json:"timestamp"`
	EventID        string    `json:"event_id"`
	Source         string    `json:"source,omitempty"`
}

// Enqueuer accepts realtime jobs for durable processing. The production
// implementation starts a pipeline workflow per job and blocks when the
// engine's task list saturates, which is the daemon's backpressure mechanism.
type Enqueuer interface {
	// Enqueue submits one job. Duplicate jobs for the same notification are
	// harmless; the pipeline's claim step makes the second a no-op.
	Enqueue(ctx context.Context, job RealtimeJob) error

	// CancelNotification requests best-effort cancellation of any in-flight
	// pipeline execution for the given row. Used for DELETE events.
	CancelNotification(ctx context.Context, tenant string, notificationID int64) error
}
