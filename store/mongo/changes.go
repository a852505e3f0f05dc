package mongo

import (
	"context"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	mongodriver "go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	"github.com/signalpost/notifyd/notify"
	"github.com/signalpost/notifyd/realtime"
	"github.com/signalpost/notifyd/store"
)

// Subscribe implements realtime.Source on top of a change stream over the
// notifications collection. tenants nil opens an unfiltered (shared) stream.
// Delete events carry no post-image, so in tenant mode they pass the server
// filter unconditionally and the subscription manager drops foreign tenants
// using the pre-image.
func (c *Client) Subscribe(ctx context.Context, tenants []string, events []notify.EventType) (realtime.Stream, error) {
	if len(events) == 0 {
		events = notify.DefaultEvents
	}
	ops := make([]string, 0, len(events)+1)
	wantDelete := false
	for _, ev := range events {
		switch ev {
		case notify.EventInsert:
			ops = append(ops, "insert")
		case notify.EventUpdate:
			ops = append(ops, "update", "replace")
		case notify.EventDelete:
			ops = append(ops, "delete")
			wantDelete = true
		}
	}
	match := bson.M{"operationType": bson.M{"$in": ops}}
	if len(tenants) > 0 {
		tenantMatch := bson.M{"fullDocument.tenant_id": bson.M{"$in": tenants}}
		if wantDelete {
			match = bson.M{"$and": []bson.M{
				{"operationType": bson.M{"$in": ops}},
				{"$or": []bson.M{tenantMatch, {"operationType": "delete"}}},
			}}
		} else {
			match["fullDocument.tenant_id"] = bson.M{"$in": tenants}
		}
	}
	pipeline := mongodriver.Pipeline{{{Key: "$match", Value: match}}}
	opts := options.ChangeStream().
		SetFullDocument(options.UpdateLookup).
		SetFullDocumentBeforeChange(options.WhenAvailable)
	cs, err := c.notifications.Watch(ctx, pipeline, opts)
	if err != nil {
		return nil, store.NewError(store.KindTransport, "open change stream", err)
	}
	return &changeStream{cs: cs}, nil
}

type changeStream struct {
	cs *mongodriver.ChangeStream
}

var _ realtime.Stream = (*changeStream)(nil)

type changeEvent struct {
	OperationType            string                `bson:"operationType"`
	FullDocument             *notificationDocument `bson:"fullDocument"`
	FullDocumentBeforeChange *notificationDocument `bson:"fullDocumentBeforeChange"`
	DocumentKey              struct {
		ID int64 `bson:"_id"`
	} `bson:"documentKey"`
	WallTime time.Time `bson:"wallTime"`
}

// Next blocks until the stream yields an event, fails, or ctx is done. The
// driver resumes transient cursor errors internally; an error returned here
// means the stream is dead and the caller must resubscribe.
func (s *changeStream) Next(ctx context.Context) (realtime.Event, error) {
	for s.cs.Next(ctx) {
		var ce changeEvent
		if err := s.cs.Decode(&ce); err != nil {
			return realtime.Event{}, store.NewError(store.KindTransport, "decode change event", err)
		}
		ev, ok := ce.toEvent()
		if !ok {
			continue
		}
		return ev, nil
	}
	if err := s.cs.Err(); err != nil {
		return realtime.Event{}, store.NewError(store.KindTransport, "change stream", err)
	}
	if err := ctx.Err(); err != nil {
		return realtime.Event{}, err
	}
	return realtime.Event{}, store.NewError(store.KindTransport, "change stream exhausted", nil)
}

func (s *changeStream) Close(ctx context.Context) error {
	return s.cs.Close(ctx)
}

func (ce changeEvent) toEvent() (realtime.Event, bool) {
	ev := realtime.Event{
		NotificationID: ce.DocumentKey.ID,
		Timestamp:      ce.WallTime,
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}
	switch ce.OperationType {
	case "insert":
		ev.Type = notify.EventInsert
	case "update", "replace":
		ev.Type = notify.EventUpdate
	case "delete":
		ev.Type = notify.EventDelete
	default:
		return realtime.Event{}, false
	}
	if ce.FullDocument != nil {
		r := ce.FullDocument.toRequest()
		ev.New = &r
		ev.TenantID = r.TenantID
	}
	if ce.FullDocumentBeforeChange != nil {
		r := ce.FullDocumentBeforeChange.toRequest()
		ev.Old = &r
		if ev.TenantID == "" {
			ev.TenantID = r.TenantID
		}
	}
	return ev, true
}

// EnablePreImages turns on pre-image capture for the notifications collection
// so delete events carry the removed row. Best effort: older deployments
// reject the collMod and the daemon still runs, with delete events reduced to
// the document key.
func (c *Client) EnablePreImages(ctx context.Context) error {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()
	db := c.notifications.Database()
	cmd := bson.D{
		{Key: "collMod", Value: notificationsCollection},
		{Key: "changeStreamPreAndPostImages", Value: bson.M{"enabled": true}},
	}
	if err := db.RunCommand(ctx, cmd).Err(); err != nil {
		return fmt.Errorf("enable change stream pre-images: %w", err)
	}
	return nil
}
