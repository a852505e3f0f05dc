// Package realtime maintains the daemon's single logical subscription to the
// notification change feed and fans row events into the processing pipeline.
//
// The subscription owns one stream at a time, consumed by one goroutine.
// Connection loss drives an explicit reconnect state machine:
//
//	Disconnected → Connecting → Subscribed → {Subscribed, Reconnecting → Connecting}
//
// with exponential backoff capped at 30s. Exhausting the retry budget parks
// the manager in Error; health reporting degrades and a human restarts it.
// Events may be delivered more than once across reconnects; the pipeline's
// claim step absorbs duplicates.
package realtime

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"goa.design/clue/log"

	"github.com/signalpost/notifyd/notify"
)

// State is the subscription lifecycle state.
type State string

const (
	StateDisconnected State = "disconnected"
	StateConnecting   State = "connecting"
	StateSubscribed   State = "subscribed"
	StateReconnecting State = "reconnecting"
	StateError        State = "error"
	StateStopped      State = "stopped"
)

const maxBackoff = 30 * time.Second

// Event is one row change observed on the feed.
type Event struct {
	Type           notify.EventType
	TenantID       string
	NotificationID int64
	New            *notify.Request
	Old            *notify.Request
	Timestamp      time.Time
}

// Stream yields events from one feed connection. Next blocks until an event
// arrives, the stream fails, or ctx is done.
type Stream interface {
	Next(ctx context.Context) (Event, error)
	Close(ctx context.Context) error
}

// Source opens feed connections. tenants nil means shared mode (no filter);
// events restricts the operation types observed.
type Source interface {
	Subscribe(ctx context.Context, tenants []string, events []notify.EventType) (Stream, error)
}

// Options configures the subscription manager.
type Options struct {
	// Source opens change-feed streams. Required.
	Source Source
	// Enqueuer receives one job per accepted event. Required.
	Enqueuer notify.Enqueuer
	// Tenants is the monitored tenant set. The single value "shared" monitors
	// every tenant and demultiplexes. Required, non-empty.
	Tenants []string
	// Events defaults to {INSERT, UPDATE}.
	Events []notify.EventType
	// ReconnectDelay is the backoff base. Defaults to 1s.
	ReconnectDelay time.Duration
	// MaxRetries caps consecutive reconnect attempts. Defaults to 10.
	MaxRetries int
	// Callback, when set, observes every accepted job. Callback errors are
	// logged and never break the subscription.
	Callback func(notify.RealtimeJob) error
}

// Status is a point-in-time snapshot of the subscription.
type Status struct {
	State       State     `json:"state"`
	Retries     int       `json:"retries"`
	Failures    int       `json:"failures"`
	LastError   string    `json:"last_error,omitempty"`
	LastEventAt time.Time `json:"last_event_at,omitempty"`
	Tenants     []string  `json:"tenants"`
	Shared      bool      `json:"shared"`
}

// Manager owns the change-feed subscription.
type Manager struct {
	source   Source
	enqueuer notify.Enqueuer
	tenants  map[string]struct{}
	shared   bool
	events   []notify.EventType
	base     time.Duration
	maxRetry int
	callback func(notify.RealtimeJob) error

	mu        sync.Mutex
	state     State
	retries   int
	failures  int
	lastErr   error
	lastEvent time.Time
	cancel    context.CancelFunc
	done      chan struct{}
}

// New validates opts and returns a stopped manager.
func New(opts Options) (*Manager, error) {
	if opts.Source == nil {
		return nil, errors.New("realtime: source is required")
	}
	if opts.Enqueuer == nil {
		return nil, errors.New("realtime: enqueuer is required")
	}
	if len(opts.Tenants) == 0 {
		return nil, errors.New("realtime: at least one monitored tenant is required")
	}
	events := opts.Events
	if len(events) == 0 {
		events = notify.DefaultEvents
	}
	base := opts.ReconnectDelay
	if base <= 0 {
		base = time.Second
	}
	maxRetry := opts.MaxRetries
	if maxRetry <= 0 {
		maxRetry = 10
	}
	m := &Manager{
		source:   opts.Source,
		enqueuer: opts.Enqueuer,
		tenants:  make(map[string]struct{}, len(opts.Tenants)),
		events:   events,
		base:     base,
		maxRetry: maxRetry,
		callback: opts.Callback,
		state:    StateDisconnected,
	}
	for _, t := range opts.Tenants {
		if t == notify.TenantShared {
			m.shared = true
			continue
		}
		m.tenants[t] = struct{}{}
	}
	return m, nil
}

// Start launches the subscription goroutine. Calling Start on a running
// manager is an error.
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.cancel != nil {
		return errors.New("realtime: already started")
	}
	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	runCtx = log.WithContext(runCtx, ctx)
	m.cancel = cancel
	m.done = make(chan struct{})
	go m.run(runCtx)
	return nil
}

// Stop shuts the subscription down. Idempotent from any state.
func (m *Manager) Stop(ctx context.Context) error {
	m.mu.Lock()
	cancel, done := m.cancel, m.done
	m.cancel = nil
	m.mu.Unlock()
	if cancel == nil {
		return nil
	}
	cancel()
	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}
	return nil
}

// Status returns a snapshot for health reporting.
func (m *Manager) Status() Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := Status{
		State:       m.state,
		Retries:     m.retries,
		Failures:    m.failures,
		LastEventAt: m.lastEvent,
		Shared:      m.shared,
	}
	if m.lastErr != nil {
		s.LastError = m.lastErr.Error()
	}
	for t := range m.tenants {
		s.Tenants = append(s.Tenants, t)
	}
	return s
}

func (m *Manager) run(ctx context.Context) {
	defer close(m.done)
	for {
		m.setState(StateConnecting)
		stream, err := m.source.Subscribe(ctx, m.subscribeFilter(), m.events)
		if err != nil {
			log.Errorf(ctx, err, "change feed subscribe failed")
			if !m.backoff(ctx, err) {
				return
			}
			continue
		}
		m.mu.Lock()
		m.state = StateSubscribed
		m.retries = 0
		m.mu.Unlock()
		log.Info(ctx, log.KV{K: "msg", V: "change feed subscribed"}, log.KV{K: "shared", V: m.shared})

		err = m.consume(ctx, stream)
		_ = stream.Close(context.WithoutCancel(ctx))
		if ctx.Err() != nil {
			m.setState(StateStopped)
			return
		}
		log.Errorf(ctx, err, "change feed connection lost")
		if !m.backoff(ctx, err) {
			return
		}
	}
}

func (m *Manager) subscribeFilter() []string {
	if m.shared {
		return nil
	}
	out := make([]string, 0, len(m.tenants))
	for t := range m.tenants {
		out = append(out, t)
	}
	return out
}

// backoff sleeps min(base·2^(retry−1), 30s) before the next attempt. Returns
// false when the retry budget is exhausted (Error) or shutdown began.
func (m *Manager) backoff(ctx context.Context, cause error) bool {
	m.mu.Lock()
	m.retries++
	m.failures++
	m.lastErr = cause
	retries := m.retries
	if retries > m.maxRetry {
		m.state = StateError
		m.mu.Unlock()
		log.Error(ctx, cause, log.KV{K: "msg", V: "change feed retries exhausted, subscription requires intervention"},
			log.KV{K: "retries", V: retries - 1})
		return false
	}
	m.state = StateReconnecting
	m.mu.Unlock()

	delay := m.base << (retries - 1)
	if delay > maxBackoff || delay <= 0 {
		delay = maxBackoff
	}
	log.Debugf(ctx, "change feed reconnecting in %s (attempt %d/%d)", delay, retries, m.maxRetry)
	select {
	case <-ctx.Done():
		m.setState(StateStopped)
		return false
	case <-time.After(delay):
		return true
	}
}

func (m *Manager) consume(ctx context.Context, stream Stream) error {
	for {
		ev, err := stream.Next(ctx)
		if err != nil {
			return err
		}
		m.handle(ctx, ev)
	}
}

func (m *Manager) handle(ctx context.Context, ev Event) {
	tenant := ev.TenantID
	if tenant == "" && ev.Old != nil {
		tenant = ev.Old.TenantID
	}
	if !m.monitored(tenant) {
		return
	}
	m.mu.Lock()
	m.lastEvent = time.Now().UTC()
	m.mu.Unlock()

	job := notify.RealtimeJob{
		EventType:      ev.Type,
		TenantID:       tenant,
		NotificationID: ev.NotificationID,
		New:            ev.New,
		Old:            ev.Old,
		Timestamp:      ev.Timestamp,
		EventID:        uuid.NewString(),
		Source:         "realtime",
	}
	if ev.Type == notify.EventDelete {
		if err := m.enqueuer.CancelNotification(ctx, tenant, ev.NotificationID); err != nil {
			log.Errorf(ctx, err, "cancel in-flight pipeline for deleted row %d", ev.NotificationID)
		}
	} else if err := m.enqueuer.Enqueue(ctx, job); err != nil {
		// The catch-up sweep closes this gap on its next tick.
		log.Error(ctx, err, log.KV{K: "msg", V: "enqueue realtime job failed"},
			log.KV{K: "tenant", V: tenant}, log.KV{K: "notification_id", V: ev.NotificationID})
	}
	if m.callback != nil {
		if err := m.callback(job); err != nil {
			log.Errorf(ctx, err, "realtime callback failed for event %s", job.EventID)
		}
	}
}

func (m *Manager) monitored(tenant string) bool {
	if m.shared {
		return tenant != ""
	}
	_, ok := m.tenants[tenant]
	return ok
}

func (m *Manager) setState(s State) {
	m.mu.Lock()
	m.state = s
	m.mu.Unlock()
}
