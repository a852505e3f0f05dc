package daemon

import (
	"context"
	"errors"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/signalpost/notifyd/notify"
)

type recordingEnqueuer struct {
	jobs    int
	cancels int
	err     error
}

func (r *recordingEnqueuer) Enqueue(context.Context, notify.RealtimeJob) error {
	if r.err != nil {
		return r.err
	}
	r.jobs++
	return nil
}

func (r *recordingEnqueuer) CancelNotification(context.Context, string, int64) error {
	r.cancels++
	return nil
}

func TestCountingEnqueuer(t *testing.T) {
	ctx := context.Background()
	m := NewMetrics()
	next := &recordingEnqueuer{}
	e := NewCountingEnqueuer(next, m)

	require.NoError(t, e.Enqueue(ctx, notify.RealtimeJob{Source: "realtime"}))
	require.NoError(t, e.Enqueue(ctx, notify.RealtimeJob{Source: "realtime"}))
	require.NoError(t, e.Enqueue(ctx, notify.RealtimeJob{Source: "catchup"}))
	require.NoError(t, e.Enqueue(ctx, notify.RealtimeJob{}))

	assert.Equal(t, 4, next.jobs)
	assert.Equal(t, 2.0, testutil.ToFloat64(m.jobsEnqueued.WithLabelValues("realtime")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.jobsEnqueued.WithLabelValues("catchup")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.jobsEnqueued.WithLabelValues("unknown")))
	assert.Equal(t, 0.0, testutil.ToFloat64(m.jobsDropped))
}

func TestCountingEnqueuerDropCounter(t *testing.T) {
	ctx := context.Background()
	m := NewMetrics()
	next := &recordingEnqueuer{err: errors.New("engine unavailable")}
	e := NewCountingEnqueuer(next, m)

	require.Error(t, e.Enqueue(ctx, notify.RealtimeJob{Source: "realtime"}))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.jobsDropped))
	assert.Equal(t, 0.0, testutil.ToFloat64(m.jobsEnqueued.WithLabelValues("realtime")))
}

func TestCountingEnqueuerCancelPassesThrough(t *testing.T) {
	m := NewMetrics()
	next := &recordingEnqueuer{}
	e := NewCountingEnqueuer(next, m)

	require.NoError(t, e.CancelNotification(context.Background(), "acme", 7))
	assert.Equal(t, 1, next.cancels)
}

func TestObserveSubscription(t *testing.T) {
	m := NewMetrics()
	m.ObserveSubscription("subscribed")

	assert.Equal(t, 1.0, testutil.ToFloat64(m.subsTotal))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.subsActive))
	assert.Equal(t, 0.0, testutil.ToFloat64(m.subsFailed))
	assert.Equal(t, 0.0, testutil.ToFloat64(m.subsReconnecting))

	// A state change flips the old gauge off.
	m.ObserveSubscription("reconnecting")
	assert.Equal(t, 0.0, testutil.ToFloat64(m.subsActive))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.subsReconnecting))

	m.ObserveSubscription("error")
	assert.Equal(t, 1.0, testutil.ToFloat64(m.subsFailed))
	assert.Equal(t, 0.0, testutil.ToFloat64(m.subsReconnecting))
}

func TestHealthyGaugeAndQueueDepth(t *testing.T) {
	m := NewMetrics()
	m.SetHealthy(true)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.healthy))
	m.SetHealthy(false)
	assert.Equal(t, 0.0, testutil.ToFloat64(m.healthy))

	m.SetQueueDepth(42)
	assert.Equal(t, 42.0, testutil.ToFloat64(m.queueDepth))
}
