// Package daemon assembles and supervises the notification orchestration
// daemon: the change-feed subscription, the pipeline worker, the sweeps, the
// rule reconciler and the health/metrics HTTP surface. Startup is fail-closed
// (any component failing aborts the boot); shutdown is ordered and bounded by
// a 30s deadline.
package daemon

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"go.temporal.io/sdk/client"
	"go.temporal.io/sdk/worker"
	"goa.design/clue/health"
	"goa.design/clue/log"

	"github.com/signalpost/notifyd/config"
	"github.com/signalpost/notifyd/delivery"
	"github.com/signalpost/notifyd/notify"
	"github.com/signalpost/notifyd/orchestration"
	"github.com/signalpost/notifyd/pipeline"
	"github.com/signalpost/notifyd/poller"
	"github.com/signalpost/notifyd/realtime"
	"github.com/signalpost/notifyd/reconciler"
	"github.com/signalpost/notifyd/registry"
	"github.com/signalpost/notifyd/render"
	"github.com/signalpost/notifyd/store"
)

const (
	shutdownDeadline = 30 * time.Second
	sampleInterval   = 15 * time.Second
)

// Options carries the daemon's external dependencies, constructed by main.
type Options struct {
	// Config is the validated runtime configuration. Required.
	Config *config.Config
	// Store is the tenant-filtered gateway. Required.
	Store store.Store
	// Source opens change-feed streams. Optional; without it (or without
	// monitored tenants) the realtime subscription stays off and the sweeps
	// carry the load.
	Source realtime.Source
	// Temporal is the connected engine client. Required.
	Temporal client.Client
	// Delivery is the delivery SDK client. Required.
	Delivery delivery.Client
	// Renderer defaults to render.Static.
	Renderer render.Renderer
	// Cursor persists the catch-up high-water mark. Optional.
	Cursor poller.CursorStore
	// Pingers are the dependency health checks surfaced on /health.
	Pingers []health.Pinger
}

// Daemon is the assembled process.
type Daemon struct {
	cfg      *config.Config
	store    store.Store
	temporal client.Client
	metrics  *Metrics
	pingers  []health.Pinger

	registry   *registry.Registry
	realtime   *realtime.Manager
	poller     *poller.Poller
	reconciler *reconciler.Reconciler
	worker     worker.Worker
	enqueuer   notify.Enqueuer
	httpSrv    *http.Server

	started time.Time

	mu            sync.Mutex
	running       bool
	workersUp     bool
	orchestrating bool
	samplerCancel context.CancelFunc
	samplerDone   chan struct{}
}

// New wires the daemon's components without starting anything.
func New(opts Options) (*Daemon, error) {
	if opts.Config == nil {
		return nil, errors.New("daemon: config is required")
	}
	if opts.Store == nil || opts.Temporal == nil || opts.Delivery == nil {
		return nil, errors.New("daemon: store, engine client and delivery client are required")
	}
	renderer := opts.Renderer
	if renderer == nil {
		renderer = render.Static{}
	}
	cfg := opts.Config

	d := &Daemon{
		cfg:      cfg,
		store:    opts.Store,
		temporal: opts.Temporal,
		metrics:  NewMetrics(),
		pingers:  opts.Pingers,
	}

	d.registry = registry.New(opts.Store)
	builtins, err := registry.BuiltinDefinitions()
	if err != nil {
		return nil, fmt.Errorf("daemon: compile static workflows: %w", err)
	}
	if err := d.registry.InitializeStatic(builtins...); err != nil {
		return nil, fmt.Errorf("daemon: register static workflows: %w", err)
	}

	pipeClient, err := pipeline.NewClient(opts.Temporal, cfg.EngineTaskQueue)
	if err != nil {
		return nil, err
	}
	d.enqueuer = NewCountingEnqueuer(pipeClient, d.metrics)

	d.poller, err = poller.New(poller.Options{
		Store:             opts.Store,
		Enqueuer:          d.enqueuer,
		Cursor:            opts.Cursor,
		Tenants:           cfg.TenantIDs,
		Statuses:          cfg.CatchUpStatuses,
		Interval:          cfg.CatchUpInterval,
		ScheduledInterval: cfg.ScheduledInterval,
		Window:            cfg.CatchUpWindow,
		BatchSize:         cfg.ScheduledBatch,
	})
	if err != nil {
		return nil, err
	}

	d.reconciler, err = reconciler.New(reconciler.Options{
		Store:     opts.Store,
		Schedules: reconciler.NewSchedules(opts.Temporal),
		TaskQueue: cfg.EngineTaskQueue,
		Tenants:   cfg.TenantIDs,
	})
	if err != nil {
		return nil, err
	}

	acts, err := pipeline.NewActivities(opts.Store, d.registry, opts.Delivery, renderer)
	if err != nil {
		return nil, err
	}
	d.worker = worker.New(opts.Temporal, cfg.EngineTaskQueue, worker.Options{})
	pipeline.Register(d.worker, acts, pipeline.NewOrchestrationActivities(d.poller, d.reconciler))
	orchestration.RegisterWorkflow(d.worker)

	if opts.Source != nil && cfg.RealtimeEnabled() {
		d.realtime, err = realtime.New(realtime.Options{
			Source:         opts.Source,
			Enqueuer:       d.enqueuer,
			Tenants:        cfg.TenantIDs,
			ReconnectDelay: cfg.ReconnectDelay,
			MaxRetries:     cfg.MaxRetries,
		})
		if err != nil {
			return nil, err
		}
	}
	return d, nil
}

// Start boots the daemon fail-closed: tenant preload, worker, subscription,
// periodic work, HTTP surface. Any failure aborts with everything already
// started torn back down.
func (d *Daemon) Start(ctx context.Context) (err error) {
	d.mu.Lock()
	if d.running {
		d.mu.Unlock()
		return errors.New("daemon: already started")
	}
	d.running = true
	d.mu.Unlock()
	d.started = time.Now()

	defer func() {
		if err != nil {
			sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownDeadline)
			defer cancel()
			_ = d.Stop(sctx)
		}
	}()

	for _, tenant := range d.cfg.TenantIDs {
		if tenant == notify.TenantShared {
			continue
		}
		n, err := d.registry.LoadTenant(ctx, tenant)
		if err != nil {
			return fmt.Errorf("daemon: preload tenant %q: %w", tenant, err)
		}
		log.Infof(ctx, "tenant %q: %d dynamic workflows", tenant, n)
	}

	if err := d.worker.Start(); err != nil {
		return fmt.Errorf("daemon: start worker: %w", err)
	}
	d.mu.Lock()
	d.workersUp = true
	d.mu.Unlock()

	if d.realtime != nil {
		if err := d.realtime.Start(ctx); err != nil {
			return fmt.Errorf("daemon: start subscription: %w", err)
		}
	} else {
		log.Print(ctx, log.KV{K: "msg", V: "realtime subscription disabled, sweeps only"})
	}

	if d.cfg.OrchestrationEnabled {
		if err := orchestration.Start(ctx, d.temporal, d.cfg.EngineTaskQueue, orchestration.Args{
			Tenants:        d.cfg.TenantIDs,
			ScheduledTick:  d.cfg.ScheduledInterval,
			ScheduledBatch: d.cfg.ScheduledBatch,
		}); err != nil {
			return fmt.Errorf("daemon: start orchestration loop: %w", err)
		}
		d.mu.Lock()
		d.orchestrating = true
		d.mu.Unlock()
	} else {
		if err := d.poller.Start(ctx); err != nil {
			return fmt.Errorf("daemon: start poller: %w", err)
		}
		if err := d.reconciler.Start(ctx); err != nil {
			return fmt.Errorf("daemon: start reconciler: %w", err)
		}
	}

	d.httpSrv = &http.Server{
		Addr:              fmt.Sprintf(":%d", d.cfg.HealthPort),
		Handler:           d.newRouter(ctx),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		log.Printf(ctx, "health server listening on %s", d.httpSrv.Addr)
		if serveErr := d.httpSrv.ListenAndServe(); serveErr != nil && !errors.Is(serveErr, http.ErrServerClosed) {
			log.Errorf(ctx, serveErr, "health server failed")
		}
	}()

	samplerCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	samplerCtx = log.WithContext(samplerCtx, ctx)
	d.mu.Lock()
	d.samplerCancel = cancel
	d.samplerDone = make(chan struct{})
	d.mu.Unlock()
	go d.sample(samplerCtx)

	log.Print(ctx, log.KV{K: "msg", V: "daemon started"},
		log.KV{K: "tenants", V: d.cfg.TenantIDs},
		log.KV{K: "task_queue", V: d.cfg.EngineTaskQueue},
		log.KV{K: "orchestration", V: d.cfg.OrchestrationEnabled})
	return nil
}

// Stop tears the daemon down in reverse order: stop producing work, drain the
// worker, then close the HTTP surface. Bounded by the caller's ctx.
func (d *Daemon) Stop(ctx context.Context) error {
	d.mu.Lock()
	if !d.running {
		d.mu.Unlock()
		return nil
	}
	d.running = false
	cancel, done := d.samplerCancel, d.samplerDone
	orchestrating := d.orchestrating
	d.orchestrating = false
	d.mu.Unlock()

	var errs []error
	if d.realtime != nil {
		if err := d.realtime.Stop(ctx); err != nil {
			errs = append(errs, fmt.Errorf("stop subscription: %w", err))
		}
	}
	if err := d.poller.Stop(ctx); err != nil {
		errs = append(errs, fmt.Errorf("stop poller: %w", err))
	}
	if err := d.reconciler.Stop(ctx); err != nil {
		errs = append(errs, fmt.Errorf("stop reconciler: %w", err))
	}
	if orchestrating {
		// The loop is durable: the signal lets it drain, but a daemon restart
		// simply reattaches to it.
		if err := orchestration.Stop(ctx, d.temporal); err != nil {
			errs = append(errs, fmt.Errorf("stop orchestration loop: %w", err))
		}
	}
	d.worker.Stop()
	d.mu.Lock()
	d.workersUp = false
	d.mu.Unlock()
	if cancel != nil {
		cancel()
		select {
		case <-done:
		case <-ctx.Done():
			errs = append(errs, ctx.Err())
		}
	}
	if d.httpSrv != nil {
		if err := d.httpSrv.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("shutdown health server: %w", err))
		}
	}
	return errors.Join(errs...)
}

// Run starts the daemon and blocks until a termination signal arrives, then
// stops it under the shutdown deadline. SIGTERM, SIGINT and SIGUSR2 each
// trigger one graceful shutdown; any further signal forces an immediate exit.
func (d *Daemon) Run(ctx context.Context) error {
	if err := d.Start(ctx); err != nil {
		return err
	}
	sigc := make(chan os.Signal, 2)
	signal.Notify(sigc, syscall.SIGINT, syscall.SIGTERM, syscall.SIGUSR2)
	defer signal.Stop(sigc)
	return awaitShutdown(ctx, sigc, d.shutdown)
}

// exitFn is swapped out in tests.
var exitFn = os.Exit

// awaitShutdown blocks for the first signal (or ctx cancellation), runs stop,
// and force-exits on any signal received while the stop is still draining.
func awaitShutdown(ctx context.Context, sigc <-chan os.Signal, stop func(context.Context) error) error {
	select {
	case <-ctx.Done():
	case sig := <-sigc:
		log.Printf(ctx, "received %s, shutting down", sig)
	}
	done := make(chan error, 1)
	go func() { done <- stop(ctx) }()
	select {
	case err := <-done:
		return err
	case sig := <-sigc:
		log.Printf(ctx, "received %s during shutdown, forcing exit", sig)
		exitFn(1)
		return nil
	}
}

func (d *Daemon) shutdown(ctx context.Context) error {
	sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownDeadline)
	defer cancel()
	return d.Stop(sctx)
}

// sample periodically refreshes the gauges that mirror slow-moving state.
func (d *Daemon) sample(ctx context.Context) {
	defer close(d.samplerDone)
	ticker := time.NewTicker(sampleInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if d.realtime != nil {
				st := d.realtime.Status()
				d.metrics.ObserveSubscription(string(st.State))
			}
			depth, err := d.store.CountByStatus(ctx,
				[]notify.Status{notify.StatusPending, notify.StatusProcessing}, nil)
			if err != nil {
				log.Errorf(ctx, err, "sample queue depth")
				continue
			}
			d.metrics.SetQueueDepth(depth)
		}
	}
}

// healthReport assembles the /health body and refreshes the health gauge.
func (d *Daemon) healthReport(ctx context.Context) HealthReport {
	deps, depsOK := pingAll(ctx, d.pingers)
	report := HealthReport{
		Uptime:       time.Since(d.started).Truncate(time.Second).String(),
		Registry:     d.registry.Stats(),
		Dependencies: deps,
	}
	lastPass, lastErr := d.reconciler.LastPass()
	d.mu.Lock()
	workersUp := d.workersUp
	orchestrating := d.orchestrating
	d.mu.Unlock()
	orchRunning := orchestrating || d.reconciler.IsRunning()
	report.Workers = workersUp
	report.Orchestration = orchRunning
	report.Reconciler = ReconcilerHealth{
		Running:  orchRunning,
		LastPass: lastPass,
	}
	if lastErr != nil {
		report.Reconciler.LastError = lastErr.Error()
	}
	if d.realtime != nil {
		st := d.realtime.Status()
		report.Subscription = &st
	}
	report.State = verdict(workersUp, orchRunning, depsOK, report.Subscription)
	d.metrics.SetHealthy(report.State == Healthy)
	return report
}

// verdict folds component liveness into the aggregated health state: healthy
// needs the workers, the orchestration loop and a clean subscription; a
// reconnecting or failed subscription on an otherwise live daemon degrades;
// anything less is unhealthy.
func verdict(workersUp, orchRunning, depsOK bool, sub *realtime.Status) HealthState {
	switch {
	case !workersUp || !orchRunning || !depsOK:
		return Unhealthy
	case sub != nil && (sub.State != realtime.StateSubscribed || sub.Failures > 0):
		return Degraded
	default:
		return Healthy
	}
}
