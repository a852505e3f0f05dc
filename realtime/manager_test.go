package realtime

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/signalpost/notifyd/notify"
)

// fakeStream yields queued events then blocks until failed or closed.
type fakeStream struct {
	mu     sync.Mutex
	events []Event
	errC   chan error
	closed bool
}

func newFakeStream(events ...Event) *fakeStream {
	return &fakeStream{events: events, errC: make(chan error, 1)}
}

func (s *fakeStream) Next(ctx context.Context) (Event, error) {
	s.mu.Lock()
	if len(s.events) > 0 {
		ev := s.events[0]
		s.events = s.events[1:]
		s.mu.Unlock()
		return ev, nil
	}
	s.mu.Unlock()
	select {
	case err := <-s.errC:
		return Event{}, err
	case <-ctx.Done():
		return Event{}, ctx.Err()
	}
}

func (s *fakeStream) Close(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func (s *fakeStream) fail(err error) { s.errC <- err }

type fakeSource struct {
	mu      sync.Mutex
	streams []*fakeStream
	errs    []error
	calls   int
	tenants [][]string
}

func (f *fakeSource) Subscribe(ctx context.Context, tenants []string, events []notify.EventType) (Stream, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	f.tenants = append(f.tenants, tenants)
	if len(f.errs) > 0 {
		err := f.errs[0]
		f.errs = f.errs[1:]
		return nil, err
	}
	if len(f.streams) == 0 {
		return nil, errors.New("no stream staged")
	}
	st := f.streams[0]
	f.streams = f.streams[1:]
	return st, nil
}

type fakeEnqueuer struct {
	mu         sync.Mutex
	jobs       []notify.RealtimeJob
	cancels    []int64
	enqueueErr error
}

func (f *fakeEnqueuer) Enqueue(ctx context.Context, job notify.RealtimeJob) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.enqueueErr != nil {
		return f.enqueueErr
	}
	f.jobs = append(f.jobs, job)
	return nil
}

func (f *fakeEnqueuer) CancelNotification(ctx context.Context, tenant string, id int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cancels = append(f.cancels, id)
	return nil
}

func (f *fakeEnqueuer) snapshot() ([]notify.RealtimeJob, []int64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]notify.RealtimeJob(nil), f.jobs...), append([]int64(nil), f.cancels...)
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition never met")
}

func TestEventsFlowToEnqueuer(t *testing.T) {
	ctx := context.Background()
	stream := newFakeStream(
		Event{Type: notify.EventInsert, TenantID: "acme", NotificationID: 1},
		Event{Type: notify.EventUpdate, TenantID: "acme", NotificationID: 2},
	)
	src := &fakeSource{streams: []*fakeStream{stream}}
	enq := &fakeEnqueuer{}

	m, err := New(Options{Source: src, Enqueuer: enq, Tenants: []string{"acme"}})
	require.NoError(t, err)
	require.NoError(t, m.Start(ctx))
	defer m.Stop(ctx)

	waitFor(t, func() bool { jobs, _ := enq.snapshot(); return len(jobs) == 2 })
	jobs, _ := enq.snapshot()
	assert.Equal(t, "realtime", jobs[0].Source)
	assert.NotEmpty(t, jobs[0].EventID)
	assert.NotEqual(t, jobs[0].EventID, jobs[1].EventID)
	assert.Equal(t, int64(1), jobs[0].NotificationID)

	src.mu.Lock()
	assert.Equal(t, []string{"acme"}, src.tenants[0], "tenant filter pushed to the source")
	src.mu.Unlock()
}

func TestSharedModeDemultiplexes(t *testing.T) {
	ctx := context.Background()
	stream := newFakeStream(
		Event{Type: notify.EventInsert, TenantID: "acme", NotificationID: 1},
		Event{Type: notify.EventInsert, TenantID: "globex", NotificationID: 2},
		Event{Type: notify.EventInsert, TenantID: "", NotificationID: 3}, // no tenant, dropped
	)
	src := &fakeSource{streams: []*fakeStream{stream}}
	enq := &fakeEnqueuer{}

	m, err := New(Options{Source: src, Enqueuer: enq, Tenants: []string{notify.TenantShared}})
	require.NoError(t, err)
	require.NoError(t, m.Start(ctx))
	defer m.Stop(ctx)

	waitFor(t, func() bool { jobs, _ := enq.snapshot(); return len(jobs) == 2 })
	src.mu.Lock()
	assert.Nil(t, src.tenants[0], "shared mode subscribes without a filter")
	src.mu.Unlock()
	assert.True(t, m.Status().Shared)
}

func TestUnmonitoredTenantDropped(t *testing.T) {
	ctx := context.Background()
	stream := newFakeStream(
		Event{Type: notify.EventInsert, TenantID: "other", NotificationID: 1},
		Event{Type: notify.EventInsert, TenantID: "acme", NotificationID: 2},
	)
	src := &fakeSource{streams: []*fakeStream{stream}}
	enq := &fakeEnqueuer{}

	m, err := New(Options{Source: src, Enqueuer: enq, Tenants: []string{"acme"}})
	require.NoError(t, err)
	require.NoError(t, m.Start(ctx))
	defer m.Stop(ctx)

	waitFor(t, func() bool { jobs, _ := enq.snapshot(); return len(jobs) == 1 })
	jobs, _ := enq.snapshot()
	assert.Equal(t, "acme", jobs[0].TenantID)
}

func TestDeleteCancelsPipeline(t *testing.T) {
	ctx := context.Background()
	old := &notify.Request{ID: 7, TenantID: "acme"}
	stream := newFakeStream(
		Event{Type: notify.EventDelete, NotificationID: 7, Old: old},
	)
	src := &fakeSource{streams: []*fakeStream{stream}}
	enq := &fakeEnqueuer{}

	m, err := New(Options{
		Source:   src,
		Enqueuer: enq,
		Tenants:  []string{"acme"},
		Events:   []notify.EventType{notify.EventInsert, notify.EventUpdate, notify.EventDelete},
	})
	require.NoError(t, err)
	require.NoError(t, m.Start(ctx))
	defer m.Stop(ctx)

	// The delete carried no post-image; tenant comes from the pre-image.
	waitFor(t, func() bool { _, cancels := enq.snapshot(); return len(cancels) == 1 })
	jobs, cancels := enq.snapshot()
	assert.Empty(t, jobs, "deletes cancel, never enqueue")
	assert.Equal(t, int64(7), cancels[0])
}

func TestReconnectAfterStreamFailure(t *testing.T) {
	ctx := context.Background()
	first := newFakeStream(Event{Type: notify.EventInsert, TenantID: "acme", NotificationID: 1})
	second := newFakeStream(Event{Type: notify.EventInsert, TenantID: "acme", NotificationID: 2})
	src := &fakeSource{streams: []*fakeStream{first, second}}
	enq := &fakeEnqueuer{}

	m, err := New(Options{
		Source:         src,
		Enqueuer:       enq,
		Tenants:        []string{"acme"},
		ReconnectDelay: time.Millisecond,
	})
	require.NoError(t, err)
	require.NoError(t, m.Start(ctx))
	defer m.Stop(ctx)

	waitFor(t, func() bool { jobs, _ := enq.snapshot(); return len(jobs) == 1 })
	first.fail(errors.New("connection reset"))

	waitFor(t, func() bool { jobs, _ := enq.snapshot(); return len(jobs) == 2 })
	st := m.Status()
	assert.Equal(t, StateSubscribed, st.State)
	assert.Equal(t, 0, st.Retries, "retry counter resets on successful resubscribe")
	assert.Equal(t, 1, st.Failures)
	assert.Contains(t, st.LastError, "connection reset")
	assert.True(t, first.closed)
}

func TestRetriesExhaustedParksInError(t *testing.T) {
	ctx := context.Background()
	src := &fakeSource{errs: []error{
		errors.New("down"), errors.New("down"), errors.New("down"), errors.New("down"),
	}}
	enq := &fakeEnqueuer{}

	m, err := New(Options{
		Source:         src,
		Enqueuer:       enq,
		Tenants:        []string{"acme"},
		ReconnectDelay: time.Millisecond,
		MaxRetries:     3,
	})
	require.NoError(t, err)
	require.NoError(t, m.Start(ctx))

	waitFor(t, func() bool { return m.Status().State == StateError })
	st := m.Status()
	assert.Equal(t, "down", st.LastError)
	require.NoError(t, m.Stop(ctx))
}

func TestEnqueueFailureDoesNotBreakSubscription(t *testing.T) {
	ctx := context.Background()
	stream := newFakeStream(
		Event{Type: notify.EventInsert, TenantID: "acme", NotificationID: 1},
	)
	src := &fakeSource{streams: []*fakeStream{stream}}
	enq := &fakeEnqueuer{enqueueErr: errors.New("engine unavailable")}

	var observed []notify.RealtimeJob
	var mu sync.Mutex
	m, err := New(Options{
		Source:   src,
		Enqueuer: enq,
		Tenants:  []string{"acme"},
		Callback: func(j notify.RealtimeJob) error {
			mu.Lock()
			observed = append(observed, j)
			mu.Unlock()
			return errors.New("callback errors are swallowed")
		},
	})
	require.NoError(t, err)
	require.NoError(t, m.Start(ctx))
	defer m.Stop(ctx)

	waitFor(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(observed) == 1
	})
	assert.Equal(t, StateSubscribed, m.Status().State)
}

func TestStopIdempotent(t *testing.T) {
	ctx := context.Background()
	stream := newFakeStream()
	src := &fakeSource{streams: []*fakeStream{stream}}
	m, err := New(Options{Source: src, Enqueuer: &fakeEnqueuer{}, Tenants: []string{"acme"}})
	require.NoError(t, err)

	require.NoError(t, m.Stop(ctx), "stopping a never-started manager is a no-op")
	require.NoError(t, m.Start(ctx))
	require.NoError(t, m.Stop(ctx))
	require.NoError(t, m.Stop(ctx))
	assert.Equal(t, StateStopped, m.Status().State)
}

func TestNewValidation(t *testing.T) {
	_, err := New(Options{Enqueuer: &fakeEnqueuer{}, Tenants: []string{"acme"}})
	assert.Error(t, err)
	_, err = New(Options{Source: &fakeSource{}, Tenants: []string{"acme"}})
	assert.Error(t, err)
	_, err = New(Options{Source: &fakeSource{}, Enqueuer: &fakeEnqueuer{}})
	assert.Error(t, err)
}
