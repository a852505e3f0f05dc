// Package poller covers the gaps the realtime subscription leaves: the
// catch-up sweep re-discovers rows whose change events were missed (daemon
// down, feed reconnecting), and the scheduled sweep releases rows whose
// scheduled_for has arrived. Both sweeps enqueue through the same pipeline as
// realtime events; the claim step makes duplicate discovery harmless.
package poller

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"goa.design/clue/log"

	"github.com/signalpost/notifyd/notify"
	"github.com/signalpost/notifyd/store"
)

const (
	defaultInterval  = time.Minute
	defaultWindow    = 24 * time.Hour
	defaultBatchSize = 100
)

// DefaultCatchUpStatuses are the statuses the catch-up sweep re-examines:
// rows awaiting work and rows parked in FAILED awaiting a retry decision.
var DefaultCatchUpStatuses = []notify.Status{notify.StatusPending, notify.StatusFailed}

// Options configures the poller.
type Options struct {
	// Store reads the outbox. Required.
	Store store.Store
	// Enqueuer receives discovered work. Required.
	Enqueuer notify.Enqueuer
	// Cursor persists the catch-up high-water mark. Defaults to MemoryCursor.
	Cursor CursorStore
	// Tenants restricts the catch-up sweep; nil means all tenants.
	Tenants []string
	// Statuses defaults to DefaultCatchUpStatuses.
	Statuses []notify.Status
	// Interval between catch-up ticks. Defaults to 1m.
	Interval time.Duration
	// ScheduledInterval between scheduled-sweep ticks in the in-process loop.
	// Defaults to 1m. The loop only runs when the daemon does not delegate
	// periodic work to the orchestration workflow.
	ScheduledInterval time.Duration
	// Window bounds the initial scan when no cursor exists. Defaults to 24h.
	Window time.Duration
	// BatchSize caps rows per sweep. Defaults to 100.
	BatchSize int
}

// Poller runs the catch-up loop and hosts the sweep implementations.
type Poller struct {
	store     store.Store
	enqueuer  notify.Enqueuer
	cursor    CursorStore
	tenants   []string
	statuses  []notify.Status
	interval  time.Duration
	schedTick time.Duration
	window    time.Duration
	batch     int

	nowFn func() time.Time

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// New validates opts and returns a stopped poller.
func New(opts Options) (*Poller, error) {
	if opts.Store == nil {
		return nil, errors.New("poller: store is required")
	}
	if opts.Enqueuer == nil {
		return nil, errors.New("poller: enqueuer is required")
	}
	p := &Poller{
		store:     opts.Store,
		enqueuer:  opts.Enqueuer,
		cursor:    opts.Cursor,
		tenants:   opts.Tenants,
		statuses:  opts.Statuses,
		interval:  opts.Interval,
		schedTick: opts.ScheduledInterval,
		window:    opts.Window,
		batch:     opts.BatchSize,
		nowFn:     func() time.Time { return time.Now().UTC() },
	}
	if p.cursor == nil {
		p.cursor = &MemoryCursor{}
	}
	if len(p.statuses) == 0 {
		p.statuses = DefaultCatchUpStatuses
	}
	if p.interval <= 0 {
		p.interval = defaultInterval
	}
	if p.schedTick <= 0 {
		p.schedTick = defaultInterval
	}
	if p.window <= 0 {
		p.window = defaultWindow
	}
	if p.batch <= 0 {
		p.batch = defaultBatchSize
	}
	// Tenant filter: shared mode means no filter at the store.
	for _, t := range p.tenants {
		if t == notify.TenantShared {
			p.tenants = nil
			break
		}
	}
	return p, nil
}

// Start launches the catch-up loop.
func (p *Poller) Start(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.cancel != nil {
		return errors.New("poller: already started")
	}
	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	runCtx = log.WithContext(runCtx, ctx)
	p.cancel = cancel
	p.done = make(chan struct{})
	go p.run(runCtx)
	return nil
}

// Stop halts the loop. Idempotent.
func (p *Poller) Stop(ctx context.Context) error {
	p.mu.Lock()
	cancel, done := p.cancel, p.done
	p.cancel = nil
	p.mu.Unlock()
	if cancel == nil {
		return nil
	}
	cancel()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *Poller) run(ctx context.Context) {
	defer close(p.done)
	catchUp := time.NewTicker(p.interval)
	defer catchUp.Stop()
	scheduled := time.NewTicker(p.schedTick)
	defer scheduled.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-catchUp.C:
			if n, err := p.CatchUp(ctx); err != nil {
				log.Errorf(ctx, err, "catch-up sweep failed")
			} else if n > 0 {
				log.Infof(ctx, "catch-up sweep enqueued %d rows", n)
			}
		case <-scheduled.C:
			if n, err := p.SweepScheduled(ctx, p.batch); err != nil {
				log.Errorf(ctx, err, "scheduled sweep failed")
			} else if n > 0 {
				log.Infof(ctx, "scheduled sweep released %d rows", n)
			}
		}
	}
}

// CatchUp runs one catch-up sweep: list rows whose updated_at passed the
// cursor, enqueue them, and advance the cursor to the newest row seen. The
// cursor only moves after enqueueing succeeds for the whole batch, so a
// failed sweep re-reads the same rows next tick.
func (p *Poller) CatchUp(ctx context.Context) (int, error) {
	cursor, err := p.cursor.Load(ctx)
	if err != nil {
		return 0, err
	}
	now := p.nowFn()
	if cursor.IsZero() {
		cursor = now.Add(-p.window)
	}
	rows, err := p.store.ListChangesSince(ctx, cursor, p.batch, p.statuses, p.tenants)
	if err != nil {
		return 0, err
	}
	enqueued := 0
	next := cursor
	for _, row := range rows {
		// Scheduled rows are the scheduled sweep's job until they are due.
		if !row.Due(now) {
			if row.UpdatedAt.After(next) {
				next = row.UpdatedAt
			}
			continue
		}
		if err := p.enqueuer.Enqueue(ctx, p.job(row, "catchup", now)); err != nil {
			// Keep the cursor at the last fully processed row.
			if saveErr := p.cursor.Save(ctx, next); saveErr != nil {
				err = errors.Join(err, saveErr)
			}
			return enqueued, err
		}
		enqueued++
		if row.UpdatedAt.After(next) {
			next = row.UpdatedAt
		}
	}
	if next.After(cursor) {
		if err := p.cursor.Save(ctx, next); err != nil {
			return enqueued, err
		}
	}
	return enqueued, nil
}

// SweepScheduled runs one scheduled sweep: release every PENDING row whose
// scheduled_for is due, oldest first. The boundary is inclusive.
func (p *Poller) SweepScheduled(ctx context.Context, batch int) (int, error) {
	if batch <= 0 {
		batch = p.batch
	}
	now := p.nowFn()
	rows, err := p.store.ListScheduledDue(ctx, now, batch)
	if err != nil {
		return 0, err
	}
	enqueued := 0
	var errs []error
	for _, row := range rows {
		if err := p.enqueuer.Enqueue(ctx, p.job(row, "scheduled", now)); err != nil {
			errs = append(errs, err)
			continue
		}
		enqueued++
	}
	return enqueued, errors.Join(errs...)
}

func (p *Poller) job(row notify.Request, source string, now time.Time) notify.RealtimeJob {
	r := row
	return notify.RealtimeJob{
		EventType:      notify.EventUpdate,
		TenantID:       row.TenantID,
		NotificationID: row.ID,
		New:            &r,
		Timestamp:      now,
		EventID:        uuid.NewString(),
		Source:         source,
	}
}
