// Package mongo hosts the MongoDB store gateway. All collections live in one
// dedicated database (the daemon's logical schema); the notifications
// collection doubles as the change feed via change streams (see changes.go).
package mongo

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	mongodriver "go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
	"go.mongodb.org/mongo-driver/v2/mongo/readpref"

	"github.com/signalpost/notifyd/notify"
	"github.com/signalpost/notifyd/store"
)

const (
	workflowsCollection     = "workflows"
	notificationsCollection = "notifications"
	rulesCollection         = "rules"

	defaultOpTimeout = 5 * time.Second
	storeClientName  = "store-mongo"
)

// Options configures the Mongo store gateway.
type Options struct {
	// Client is the connected Mongo client. Required.
	Client *mongodriver.Client
	// Database names the dedicated logical schema. Required.
	Database string
	// Timeout bounds individual store operations. Defaults to 5s.
	Timeout time.Duration
}

// Client is the MongoDB-backed store gateway.
type Client struct {
	mongo         *mongodriver.Client
	workflows     *mongodriver.Collection
	notifications *mongodriver.Collection
	rules         *mongodriver.Collection
	timeout       time.Duration

	nowFn func() time.Time
	idFn  func() int64
}

var _ store.Store = (*Client)(nil)

// New returns a store gateway backed by MongoDB and ensures the indexes the
// gateway's queries rely on.
func New(ctx context.Context, opts Options) (*Client, error) {
	if opts.Client == nil {
		return nil, errors.New("mongo client is required")
	}
	if opts.Database == "" {
		return nil, errors.New("database name is required")
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = defaultOpTimeout
	}
	db := opts.Client.Database(opts.Database)
	c := &Client{
		mongo:         opts.Client,
		workflows:     db.Collection(workflowsCollection),
		notifications: db.Collection(notificationsCollection),
		rules:         db.Collection(rulesCollection),
		timeout:       timeout,
		nowFn:         func() time.Time { return time.Now().UTC() },
		idFn:          func() int64 { return time.Now().UnixNano() },
	}
	ictx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	if err := c.ensureIndexes(ictx); err != nil {
		return nil, fmt.Errorf("ensure indexes: %w", err)
	}
	return c, nil
}

// Name implements health.Pinger.
func (c *Client) Name() string { return storeClientName }

// Ping implements health.Pinger.
func (c *Client) Ping(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	return c.mongo.Ping(ctx, readpref.Primary())
}

func (c *Client) ensureIndexes(ctx context.Context) error {
	_, err := c.workflows.Indexes().CreateMany(ctx, []mongodriver.IndexModel{
		{Keys: bson.D{{Key: "tenant_id", Value: 1}, {Key: "workflow_key", Value: 1}}},
		{Keys: bson.D{{Key: "tenant_id", Value: 1}, {Key: "kind", Value: 1}, {Key: "publish_status", Value: 1}}},
	})
	if err != nil {
		return err
	}
	_, err = c.notifications.Indexes().CreateMany(ctx, []mongodriver.IndexModel{
		{Keys: bson.D{{Key: "tenant_id", Value: 1}, {Key: "status", Value: 1}}},
		{Keys: bson.D{{Key: "status", Value: 1}, {Key: "scheduled_for", Value: 1}}},
		{Keys: bson.D{{Key: "updated_at", Value: 1}}},
	})
	if err != nil {
		return err
	}
	_, err = c.rules.Indexes().CreateMany(ctx, []mongodriver.IndexModel{
		{Keys: bson.D{{Key: "tenant_id", Value: 1}, {Key: "deactivated", Value: 1}}},
	})
	return err
}

func (c *Client) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if ctx == nil {
		ctx = context.Background()
	}
	return context.WithTimeout(ctx, c.timeout)
}

// Workflows.

func (c *Client) GetWorkflow(ctx context.Context, id int64, tenant string) (*notify.Workflow, error) {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()
	var doc workflowDocument
	err := c.workflows.FindOne(ctx, bson.M{"_id": id, "tenant_id": tenant}).Decode(&doc)
	if err != nil {
		if errors.Is(err, mongodriver.ErrNoDocuments) {
			return nil, nil
		}
		return nil, store.NewError(store.KindTransport, "get workflow", err)
	}
	w := doc.toWorkflow()
	return &w, nil
}

func (c *Client) GetWorkflowByKey(ctx context.Context, key, tenant string) (*notify.Workflow, error) {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()
	filter := bson.M{
		"tenant_id":      tenant,
		"workflow_key":   key,
		"publish_status": string(notify.PublishStatusPublish),
		"deactivated":    false,
	}
	var doc workflowDocument
	if err := c.workflows.FindOne(ctx, filter).Decode(&doc); err != nil {
		if errors.Is(err, mongodriver.ErrNoDocuments) {
			return nil, nil
		}
		return nil, store.NewError(store.KindTransport, "get workflow by key", err)
	}
	w := doc.toWorkflow()
	return &w, nil
}

func (c *Client) ListPublishedWorkflows(ctx context.Context, tenant string) ([]notify.Workflow, error) {
	return c.listWorkflows(ctx, bson.M{
		"tenant_id":      tenant,
		"publish_status": string(notify.PublishStatusPublish),
		"deactivated":    false,
	})
}

func (c *Client) ListDynamicPublished(ctx context.Context, tenant string) ([]notify.Workflow, error) {
	return c.listWorkflows(ctx, bson.M{
		"tenant_id":      tenant,
		"kind":           string(notify.WorkflowKindDynamic),
		"publish_status": string(notify.PublishStatusPublish),
		"deactivated":    false,
	})
}

func (c *Client) listWorkflows(ctx context.Context, filter bson.M) ([]notify.Workflow, error) {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()
	cur, err := c.workflows.Find(ctx, filter, options.Find().SetSort(bson.D{{Key: "_id", Value: 1}}))
	if err != nil {
		return nil, store.NewError(store.KindTransport, "list workflows", err)
	}
	var docs []workflowDocument
	if err := cur.All(ctx, &docs); err != nil {
		return nil, store.NewError(store.KindTransport, "decode workflows", err)
	}
	out := make([]notify.Workflow, 0, len(docs))
	for _, doc := range docs {
		out = append(out, doc.toWorkflow())
	}
	return out, nil
}

func (c *Client) CreateWorkflow(ctx context.Context, w notify.Workflow) (*notify.Workflow, error) {
	if w.TenantID == "" {
		return nil, store.NewError(store.KindConstraint, "workflow tenant id is required", nil)
	}
	if w.ID == 0 {
		w.ID = c.idFn()
	}
	now := c.nowFn()
	w.CreatedAt, w.UpdatedAt = now, now
	if w.PublishStatus == "" {
		w.PublishStatus = notify.PublishStatusDraft
	}
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()
	if _, err := c.workflows.InsertOne(ctx, fromWorkflow(w)); err != nil {
		if mongodriver.IsDuplicateKeyError(err) {
			return nil, store.NewError(store.KindConstraint, "duplicate workflow id", err)
		}
		return nil, store.NewError(store.KindTransport, "create workflow", err)
	}
	return &w, nil
}

func (c *Client) UpdateWorkflow(ctx context.Context, w notify.Workflow) (*notify.Workflow, error) {
	w.UpdatedAt = c.nowFn()
	doc := fromWorkflow(w)
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()
	res := c.workflows.FindOneAndUpdate(ctx,
		bson.M{"_id": w.ID, "tenant_id": w.TenantID},
		bson.M{"$set": bson.M{
			"workflow_key":       doc.WorkflowKey,
			"kind":               doc.Kind,
			"default_channels":   doc.DefaultChannels,
			"template_overrides": doc.TemplateOverrides,
			"payload_schema":     doc.PayloadSchema,
			"publish_status":     doc.PublishStatus,
			"deactivated":        doc.Deactivated,
			"updated_at":         doc.UpdatedAt,
		}},
		options.FindOneAndUpdate().SetReturnDocument(options.After),
	)
	var updated workflowDocument
	if err := res.Decode(&updated); err != nil {
		if errors.Is(err, mongodriver.ErrNoDocuments) {
			return nil, nil
		}
		return nil, store.NewError(store.KindTransport, "update workflow", err)
	}
	out := updated.toWorkflow()
	return &out, nil
}

func (c *Client) PublishWorkflow(ctx context.Context, id int64, tenant string) error {
	return c.setWorkflowField(ctx, id, tenant, bson.M{"publish_status": string(notify.PublishStatusPublish)})
}

func (c *Client) UnpublishWorkflow(ctx context.Context, id int64, tenant string) error {
	return c.setWorkflowField(ctx, id, tenant, bson.M{"publish_status": string(notify.PublishStatusDraft)})
}

func (c *Client) DeactivateWorkflow(ctx context.Context, id int64, tenant string) error {
	return c.setWorkflowField(ctx, id, tenant, bson.M{"deactivated": true})
}

func (c *Client) setWorkflowField(ctx context.Context, id int64, tenant string, set bson.M) error {
	set["updated_at"] = c.nowFn()
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()
	_, err := c.workflows.UpdateOne(ctx, bson.M{"_id": id, "tenant_id": tenant}, bson.M{"$set": set})
	if err != nil {
		return store.NewError(store.KindTransport, "update workflow state", err)
	}
	return nil
}

// Notifications.

func (c *Client) GetNotification(ctx context.Context, id int64, tenant string) (*notify.Request, error) {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()
	var doc notificationDocument
	err := c.notifications.FindOne(ctx, bson.M{"_id": id, "tenant_id": tenant}).Decode(&doc)
	if err != nil {
		if errors.Is(err, mongodriver.ErrNoDocuments) {
			return nil, nil
		}
		return nil, store.NewError(store.KindTransport, "get notification", err)
	}
	r := doc.toRequest()
	return &r, nil
}

func (c *Client) CreateNotification(ctx context.Context, req notify.Request) (*notify.Request, error) {
	c.prepareInsert(&req)
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()
	if _, err := c.notifications.InsertOne(ctx, fromRequest(req)); err != nil {
		if mongodriver.IsDuplicateKeyError(err) {
			return nil, store.NewError(store.KindConstraint, "duplicate notification id", err)
		}
		return nil, store.NewError(store.KindTransport, "create notification", err)
	}
	return &req, nil
}

func (c *Client) BulkCreateNotifications(ctx context.Context, reqs []notify.Request) ([]notify.Request, error) {
	if len(reqs) == 0 {
		return nil, nil
	}
	docs := make([]any, 0, len(reqs))
	out := make([]notify.Request, 0, len(reqs))
	for _, req := range reqs {
		c.prepareInsert(&req)
		docs = append(docs, fromRequest(req))
		out = append(out, req)
	}
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()
	// One ordered statement: the batch aborts at the first failing document.
	if _, err := c.notifications.InsertMany(ctx, docs, options.InsertMany().SetOrdered(true)); err != nil {
		if mongodriver.IsDuplicateKeyError(err) {
			return nil, store.NewError(store.KindConstraint, "bulk create notifications", err)
		}
		return nil, store.NewError(store.KindTransport, "bulk create notifications", err)
	}
	return out, nil
}

func (c *Client) prepareInsert(req *notify.Request) {
	if req.ID == 0 {
		req.ID = c.idFn()
	}
	if req.Status == "" {
		req.Status = notify.StatusPending
	}
	now := c.nowFn()
	req.CreatedAt, req.UpdatedAt = now, now
}

func (c *Client) UpdateNotificationStatus(ctx context.Context, id int64, tenant string, status notify.Status, upd store.StatusUpdate) error {
	set := bson.M{
		"status":        string(status),
		"error_details": upd.ErrorDetails,
		"updated_at":    c.nowFn(),
	}
	if upd.TransactionID != "" {
		set["transaction_id"] = upd.TransactionID
	}
	filter := bson.M{
		"_id":       id,
		"tenant_id": tenant,
		"status":    bson.M{"$in": legalPredecessors(status)},
	}
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()
	res, err := c.notifications.UpdateOne(ctx, filter, bson.M{"$set": set})
	if err != nil {
		return store.NewError(store.KindTransport, "update notification status", err)
	}
	if res.MatchedCount > 0 {
		return nil
	}
	// Nothing matched: either the row is absent (no-op), already carries the
	// target status (idempotent no-op), or sits in a state the transition is
	// illegal from.
	cur, err := c.GetNotification(ctx, id, tenant)
	if err != nil || cur == nil || cur.Status == status {
		return err
	}
	return store.NewError(store.KindConflict,
		fmt.Sprintf("illegal status transition %s → %s", cur.Status, status), nil)
}

// legalPredecessors returns the statuses the target status may be reached
// from, per the request status DAG.
func legalPredecessors(status notify.Status) []string {
	var from []notify.Status
	for _, s := range []notify.Status{notify.StatusPending, notify.StatusProcessing, notify.StatusSent, notify.StatusFailed, notify.StatusRetracted} {
		if s != status && s.CanTransitionTo(status) {
			from = append(from, s)
		}
	}
	out := make([]string, len(from))
	for i, s := range from {
		out[i] = string(s)
	}
	return out
}

func (c *Client) ClaimNotification(ctx context.Context, id int64, tenant string) (bool, error) {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()
	res, err := c.notifications.UpdateOne(ctx,
		bson.M{"_id": id, "tenant_id": tenant, "status": string(notify.StatusPending)},
		bson.M{"$set": bson.M{"status": string(notify.StatusProcessing), "updated_at": c.nowFn()}},
	)
	if err != nil {
		return false, store.NewError(store.KindTransport, "claim notification", err)
	}
	return res.ModifiedCount == 1, nil
}

func (c *Client) ListByStatus(ctx context.Context, status notify.Status, tenant string, limit int) ([]notify.Request, error) {
	return c.listNotifications(ctx,
		bson.M{"tenant_id": tenant, "status": string(status)},
		bson.D{{Key: "updated_at", Value: 1}}, limit)
}

func (c *Client) ListScheduledDue(ctx context.Context, now time.Time, limit int) ([]notify.Request, error) {
	return c.listNotifications(ctx,
		bson.M{
			"status":        string(notify.StatusPending),
			"scheduled_for": bson.M{"$lte": now.UTC()},
		},
		bson.D{{Key: "scheduled_for", Value: 1}}, limit)
}

func (c *Client) ListChangesSince(ctx context.Context, cursor time.Time, limit int, statuses []notify.Status, tenants []string) ([]notify.Request, error) {
	filter := bson.M{"updated_at": bson.M{"$gt": cursor.UTC()}}
	if len(statuses) > 0 {
		in := make([]string, len(statuses))
		for i, s := range statuses {
			in[i] = string(s)
		}
		filter["status"] = bson.M{"$in": in}
	}
	if len(tenants) > 0 {
		filter["tenant_id"] = bson.M{"$in": tenants}
	}
	return c.listNotifications(ctx, filter, bson.D{{Key: "updated_at", Value: 1}}, limit)
}

func (c *Client) listNotifications(ctx context.Context, filter bson.M, sort bson.D, limit int) ([]notify.Request, error) {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()
	opts := options.Find().SetSort(sort)
	if limit > 0 {
		opts = opts.SetLimit(int64(limit))
	}
	cur, err := c.notifications.Find(ctx, filter, opts)
	if err != nil {
		return nil, store.NewError(store.KindTransport, "list notifications", err)
	}
	var docs []notificationDocument
	if err := cur.All(ctx, &docs); err != nil {
		return nil, store.NewError(store.KindTransport, "decode notifications", err)
	}
	out := make([]notify.Request, 0, len(docs))
	for _, doc := range docs {
		out = append(out, doc.toRequest())
	}
	return out, nil
}

func (c *Client) CountByStatus(ctx context.Context, statuses []notify.Status, tenants []string) (int64, error) {
	filter := bson.M{}
	if len(statuses) > 0 {
		in := make([]string, len(statuses))
		for i, s := range statuses {
			in[i] = string(s)
		}
		filter["status"] = bson.M{"$in": in}
	}
	if len(tenants) > 0 {
		filter["tenant_id"] = bson.M{"$in": tenants}
	}
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()
	n, err := c.notifications.CountDocuments(ctx, filter)
	if err != nil {
		return 0, store.NewError(store.KindTransport, "count notifications", err)
	}
	return n, nil
}

// Rules.

func (c *Client) ListRules(ctx context.Context, tenant string) ([]notify.Rule, error) {
	filter := bson.M{}
	if tenant != "" {
		filter["tenant_id"] = tenant
	}
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()
	cur, err := c.rules.Find(ctx, filter, options.Find().SetSort(bson.D{{Key: "_id", Value: 1}}))
	if err != nil {
		return nil, store.NewError(store.KindTransport, "list rules", err)
	}
	var docs []ruleDocument
	if err := cur.All(ctx, &docs); err != nil {
		return nil, store.NewError(store.KindTransport, "decode rules", err)
	}
	out := make([]notify.Rule, 0, len(docs))
	for _, doc := range docs {
		out = append(out, doc.toRule())
	}
	return out, nil
}

func (c *Client) GetRule(ctx context.Context, id int64, tenant string) (*notify.Rule, error) {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()
	var doc ruleDocument
	err := c.rules.FindOne(ctx, bson.M{"_id": id, "tenant_id": tenant}).Decode(&doc)
	if err != nil {
		if errors.Is(err, mongodriver.ErrNoDocuments) {
			return nil, nil
		}
		return nil, store.NewError(store.KindTransport, "get rule", err)
	}
	r := doc.toRule()
	return &r, nil
}

func (c *Client) TouchRule(ctx context.Context, id int64, tenant string) error {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()
	_, err := c.rules.UpdateOne(ctx,
		bson.M{"_id": id, "tenant_id": tenant},
		bson.M{"$set": bson.M{"updated_at": c.nowFn()}},
	)
	if err != nil {
		return store.NewError(store.KindTransport, "touch rule", err)
	}
	return nil
}
