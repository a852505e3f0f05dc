package daemon

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"runtime"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"goa.design/clue/debug"
	"goa.design/clue/health"
	"goa.design/clue/log"

	"github.com/signalpost/notifyd/realtime"
	"github.com/signalpost/notifyd/registry"
)

// HealthState is the aggregated daemon verdict.
type HealthState string

const (
	// Healthy: every dependency answers and the subscription is live.
	Healthy HealthState = "healthy"
	// Degraded: dependencies answer but the subscription is down or retrying.
	Degraded HealthState = "degraded"
	// Unhealthy: a hard dependency is unreachable.
	Unhealthy HealthState = "unhealthy"
)

// HealthReport is the /health response body.
type HealthReport struct {
	State         HealthState       `json:"state"`
	Uptime        string            `json:"uptime"`
	Workers       bool              `json:"workers"`
	Orchestration bool              `json:"orchestration"`
	Subscription  *realtime.Status  `json:"subscription,omitempty"`
	Registry      registry.Stats    `json:"registry"`
	Reconciler    ReconcilerHealth  `json:"reconciler"`
	Dependencies  map[string]string `json:"dependencies"`
}

// DetailedReport is the /health/detailed response body: the health report
// plus process statistics.
type DetailedReport struct {
	HealthReport
	Process ProcessStats `json:"process"`
}

// ProcessStats is the runtime slice of the detailed report.
type ProcessStats struct {
	Goroutines     int    `json:"goroutines"`
	HeapAllocBytes uint64 `json:"heap_alloc_bytes"`
	NumGC          uint32 `json:"num_gc"`
}

// SubscriptionsReport is the /health/subscriptions response body.
type SubscriptionsReport struct {
	Enabled      bool             `json:"enabled"`
	Subscription *realtime.Status `json:"subscription,omitempty"`
}

// ReconcilerHealth is the reconciler's slice of the health report.
type ReconcilerHealth struct {
	Running   bool      `json:"running"`
	LastPass  time.Time `json:"last_pass,omitempty"`
	LastError string    `json:"last_error,omitempty"`
}

// newRouter builds the daemon's HTTP surface: /health and /healthz, /metrics,
// the pprof handlers and the runtime debug-log toggle. Every request carries a
// 5s budget.
func (d *Daemon) newRouter(ctx context.Context) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Timeout(5 * time.Second))

	// Liveness: the process is up and serving. Readiness lives on /health.
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		fmt.Fprintln(w, "ok")
	})
	r.Get("/health", func(w http.ResponseWriter, req *http.Request) {
		report := d.healthReport(req.Context())
		writeJSON(req.Context(), w, healthCode(report.State), report)
	})
	r.Get("/health/detailed", func(w http.ResponseWriter, req *http.Request) {
		report := DetailedReport{HealthReport: d.healthReport(req.Context())}
		var ms runtime.MemStats
		runtime.ReadMemStats(&ms)
		report.Process = ProcessStats{
			Goroutines:     runtime.NumGoroutine(),
			HeapAllocBytes: ms.HeapAlloc,
			NumGC:          ms.NumGC,
		}
		writeJSON(req.Context(), w, healthCode(report.State), report)
	})
	r.Get("/health/subscriptions", func(w http.ResponseWriter, req *http.Request) {
		report := SubscriptionsReport{}
		if d.realtime != nil {
			st := d.realtime.Status()
			report.Enabled = true
			report.Subscription = &st
		}
		writeJSON(req.Context(), w, http.StatusOK, report)
	})
	// Operator lever: re-run the schedule reconciler and reload every tenant's
	// dynamic workflows without restarting.
	r.Post("/admin/reload", func(w http.ResponseWriter, req *http.Request) {
		if err := d.reconciler.ForceReconcile(req.Context()); err != nil {
			log.Errorf(req.Context(), err, "forced reconcile")
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		if err := d.registry.ReloadAll(req.Context()); err != nil {
			log.Errorf(req.Context(), err, "registry reload")
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusAccepted)
		fmt.Fprintln(w, "reloaded")
	})
	r.Handle("/metrics", promhttp.HandlerFor(d.metrics.Registry(), promhttp.HandlerOpts{}))

	mux := chiMux{r}
	debug.MountDebugLogEnabler(mux)
	debug.MountPprofHandlers(mux)

	return log.HTTP(ctx)(r)
}

// chiMux adapts chi's router to the debug package's mux interface; chi's
// HandleFunc takes http.HandlerFunc, which is a distinct type.
type chiMux struct {
	chi.Router
}

func (m chiMux) HandleFunc(pattern string, fn func(http.ResponseWriter, *http.Request)) {
	m.Router.HandleFunc(pattern, fn)
}

// healthCode maps the verdict to the HTTP status: degraded still serves 200,
// only unhealthy flips to 503.
func healthCode(state HealthState) int {
	if state == Unhealthy {
		return http.StatusServiceUnavailable
	}
	return http.StatusOK
}

func writeJSON(ctx context.Context, w http.ResponseWriter, code int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		log.Errorf(ctx, err, "encode response")
	}
}

// pingAll runs every dependency pinger and maps name to "ok" or the error.
func pingAll(ctx context.Context, pingers []health.Pinger) (map[string]string, bool) {
	out := make(map[string]string, len(pingers))
	ok := true
	for _, p := range pingers {
		if err := p.Ping(ctx); err != nil {
			out[p.Name()] = err.Error()
			ok = false
			continue
		}
		out[p.Name()] = "ok"
	}
	return out, ok
}
