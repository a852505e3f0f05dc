package daemon

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.temporal.io/sdk/client"
	"goa.design/clue/health"
	"goa.design/clue/log"

	"github.com/signalpost/notifyd/realtime"
	"github.com/signalpost/notifyd/reconciler"
	"github.com/signalpost/notifyd/registry"
	"github.com/signalpost/notifyd/store/memory"
)

type fakePinger struct {
	name string
	err  error
}

func (p fakePinger) Name() string               { return p.name }
func (p fakePinger) Ping(context.Context) error { return p.err }

func TestPingAll(t *testing.T) {
	ctx := context.Background()

	out, ok := pingAll(ctx, nil)
	assert.True(t, ok)
	assert.Empty(t, out)

	out, ok = pingAll(ctx, []health.Pinger{
		fakePinger{name: "store"},
		fakePinger{name: "delivery-sdk"},
	})
	assert.True(t, ok)
	assert.Equal(t, map[string]string{"store": "ok", "delivery-sdk": "ok"}, out)

	out, ok = pingAll(ctx, []health.Pinger{
		fakePinger{name: "store"},
		fakePinger{name: "delivery-sdk", err: errors.New("connection refused")},
	})
	assert.False(t, ok)
	assert.Equal(t, "ok", out["store"])
	assert.Equal(t, "connection refused", out["delivery-sdk"])
}

func TestVerdict(t *testing.T) {
	sub := func(state realtime.State, failures int) *realtime.Status {
		return &realtime.Status{State: state, Failures: failures}
	}
	cases := []struct {
		name                string
		workers, orch, deps bool
		sub                 *realtime.Status
		want                HealthState
	}{
		{"live without subscription", true, true, true, nil, Healthy},
		{"subscribed clean", true, true, true, sub(realtime.StateSubscribed, 0), Healthy},
		{"subscribed after failures", true, true, true, sub(realtime.StateSubscribed, 2), Degraded},
		{"reconnecting", true, true, true, sub(realtime.StateReconnecting, 1), Degraded},
		{"parked in error", true, true, true, sub(realtime.StateError, 5), Degraded},
		{"workers down", false, true, true, nil, Unhealthy},
		{"orchestration down", true, false, true, sub(realtime.StateSubscribed, 0), Unhealthy},
		{"dependency down", true, true, false, nil, Unhealthy},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, verdict(tc.workers, tc.orch, tc.deps, tc.sub))
		})
	}
}

type stubSchedules struct{}

func (stubSchedules) Create(context.Context, client.ScheduleOptions) (reconciler.ScheduleHandle, error) {
	return nil, nil
}
func (stubSchedules) GetHandle(context.Context, string) reconciler.ScheduleHandle { return nil }
func (stubSchedules) ListOwned(context.Context) ([]string, error)                 { return nil, nil }

func newTestDaemon(t *testing.T) *Daemon {
	t.Helper()
	st := memory.New()
	rec, err := reconciler.New(reconciler.Options{Store: st, Schedules: stubSchedules{}})
	require.NoError(t, err)
	return &Daemon{
		metrics:    NewMetrics(),
		registry:   registry.New(st),
		reconciler: rec,
		started:    time.Now(),
	}
}

func TestHealthRoutes(t *testing.T) {
	d := newTestDaemon(t)
	d.workersUp = true
	d.orchestrating = true
	srv := httptest.NewServer(d.newRouter(log.Context(context.Background())))
	defer srv.Close()

	res, err := http.Get(srv.URL + "/health")
	require.NoError(t, err)
	defer res.Body.Close()
	assert.Equal(t, http.StatusOK, res.StatusCode)
	var report HealthReport
	require.NoError(t, json.NewDecoder(res.Body).Decode(&report))
	assert.Equal(t, Healthy, report.State)
	assert.True(t, report.Workers)
	assert.True(t, report.Orchestration)

	res, err = http.Get(srv.URL + "/health/detailed")
	require.NoError(t, err)
	defer res.Body.Close()
	assert.Equal(t, http.StatusOK, res.StatusCode)
	var detailed DetailedReport
	require.NoError(t, json.NewDecoder(res.Body).Decode(&detailed))
	assert.Equal(t, Healthy, detailed.State)
	assert.Positive(t, detailed.Process.Goroutines)

	res, err = http.Get(srv.URL + "/health/subscriptions")
	require.NoError(t, err)
	defer res.Body.Close()
	assert.Equal(t, http.StatusOK, res.StatusCode)
	var subs SubscriptionsReport
	require.NoError(t, json.NewDecoder(res.Body).Decode(&subs))
	assert.False(t, subs.Enabled)
	assert.Nil(t, subs.Subscription)
}

func TestHealthUnhealthyCode(t *testing.T) {
	// Workers never started: the daemon is not ready to take traffic.
	d := newTestDaemon(t)
	srv := httptest.NewServer(d.newRouter(log.Context(context.Background())))
	defer srv.Close()

	for _, path := range []string{"/health", "/health/detailed"} {
		res, err := http.Get(srv.URL + path)
		require.NoError(t, err)
		res.Body.Close()
		assert.Equal(t, http.StatusServiceUnavailable, res.StatusCode, path)
	}
}

func TestAdminReload(t *testing.T) {
	d := newTestDaemon(t)
	srv := httptest.NewServer(d.newRouter(log.Context(context.Background())))
	defer srv.Close()

	res, err := http.Post(srv.URL+"/admin/reload", "", nil)
	require.NoError(t, err)
	res.Body.Close()
	assert.Equal(t, http.StatusAccepted, res.StatusCode)

	lastPass, lastErr := d.reconciler.LastPass()
	assert.False(t, lastPass.IsZero(), "reload runs a reconcile pass")
	assert.NoError(t, lastErr)
}
