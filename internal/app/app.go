// Package app assembles the scout engine: config, logging, storage, the
// worker fleet, the dispatch scheduler, and the recovery controller, all run
// under one supervisor.
package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/robfig/cron/v3"

	"spawnscout/internal/accounts"
	"spawnscout/internal/catalog"
	"spawnscout/internal/client"
	"spawnscout/internal/config"
	"spawnscout/internal/dispatch"
	"spawnscout/internal/eventbus"
	"spawnscout/internal/fleet"
	"spawnscout/internal/metrics"
	"spawnscout/internal/recovery"
	"spawnscout/internal/runtime/supervisor"
	"spawnscout/internal/storage"
	"spawnscout/internal/visit"
	logx "spawnscout/pkg/logx"
)

const defaultMetricsAddr = "127.0.0.1:9547"

// Option wires an optional external collaborator into the engine.
type Option func(*App)

// WithQuotaSource attaches the hashing-quota collaborator used to size
// rate-limit pauses.
func WithQuotaSource(q client.QuotaSource) Option {
	return func(a *App) { a.quota = q }
}

// WithResolutionSource attaches the challenge-resolution collaborator.
// Resolved accounts return to the pool as the resolutions arrive.
func WithResolutionSource(rs client.ResolutionSource) Option {
	return func(a *App) { a.resolutions = rs }
}

type App struct {
	cfgPath string
	cfgMgr  *config.Manager
	set     *config.Settings

	logSvc *logx.Service
	log    logx.Logger

	cl          client.Client
	quota       client.QuotaSource
	resolutions client.ResolutionSource

	bus      eventbus.Bus
	store    storage.Store
	recorder *storage.Recorder
	cat      *catalog.Catalog
	accounts *accounts.Manager
	exec     *visit.Executor
	pool     *fleet.Pool
	throttle *recovery.Throttle
	ctrl     *recovery.Controller
	sched    *dispatch.Scheduler

	cron *cron.Cron
	sup  *supervisor.Supervisor

	// lastDispatch remembers the previous scheduler snapshot so the status
	// cron can report counter deltas to the metrics registry.
	lastDispatch dispatch.Stats
}

// New loads and validates the config and prepares the engine. Nothing runs
// until Start.
func New(cfgPath string, cl client.Client, opts ...Option) (*App, error) {
	if cl == nil {
		return nil, errors.New("app: client is required")
	}

	a := &App{cfgPath: cfgPath, cl: cl}
	for _, o := range opts {
		o(a)
	}

	a.cfgMgr = config.NewManager(cfgPath)
	cfg, err := a.cfgMgr.Load()
	if err != nil {
		return nil, fmt.Errorf("app: load config: %w", err)
	}
	a.set, err = cfg.Resolve()
	if err != nil {
		return nil, err
	}

	a.logSvc, a.log = logx.New(logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	})
	a.cfgMgr.SetLogger(a.log.With(logx.String("comp", "config")))
	a.cfgMgr.SetValidator(func(ctx context.Context, c *config.Config) error {
		_, err := c.Resolve()
		return err
	})

	metrics.Init()
	a.build()
	return a, nil
}

// build constructs the component graph from the resolved settings.
func (a *App) build() {
	set := a.set
	region := set.Bounds()

	a.bus = eventbus.New()
	a.cat = catalog.New(catalog.Options{
		CycleLength:   set.CycleLength,
		DurationAlpha: set.DurationAlpha,
		StaleAfter:    time.Duration(set.StaleAfterCycles) * set.CycleLength,
		Logger:        a.log.With(logx.String("comp", "catalog")),
	})
	a.accounts = accounts.NewManager(set.Accounts, a.log.With(logx.String("comp", "accounts")))

	a.exec = visit.NewExecutor(a.cl, a.cat, nil, set.VisitTimeout, a.log.With(logx.String("comp", "visit")))
	a.pool = fleet.NewPool(fleet.Options{
		Size:       set.FleetSize,
		SpeedLimit: set.SpeedLimit,
		ScanDelay:  set.ScanDelay,
		Origin:     region.Center(),
		Accounts:   a.accounts,
		Executor:   a.exec,
		Logger:     a.log.With(logx.String("comp", "fleet")),
	})

	a.throttle = recovery.NewThrottle(set.GlobalScanRate)
	a.ctrl = recovery.NewController(recovery.Config{
		TransientRetryMax: set.TransientRetryMax,
		ProtocolRetryMax:  set.ProtocolRetryMax,
		BackoffBase:       set.BackoffBase,
		BackoffMax:        set.BackoffMax,
		EmptyVisitLimit:   set.EmptyVisitLimit,
		CooldownDefault:   set.CooldownDefault,
		ThrottleWindow:    set.ThrottleWindow,
	}, a.accounts, a.pool, a.quota, a.throttle, a.log.With(logx.String("comp", "recovery")))
	a.ctrl.SetBus(a.bus)

	a.sched = dispatch.NewScheduler(dispatch.Config{
		TickInterval:      set.TickInterval,
		ScanHorizon:       set.ScanHorizon,
		SuppressionRadius: set.SuppressionRadius,
		SuppressionWindow: set.SuppressionWindow,
		Region:            region,
		ExplorationStep:   set.ExplorationStep,
		JitterMeters:      set.JitterMeters,
		Bootstrap:         set.Bootstrap,
	}, a.cat, a.pool, a.log.With(logx.String("comp", "dispatch")))

	a.pool.OnResult(a.ctrl.HandleResult)
	a.pool.OnIdle(a.sched.Wake)
	a.pool.SetGate(a.throttle)
}

// Start opens storage, warm-starts the catalog, and launches every loop
// under the supervisor. It returns once the engine is running.
func (a *App) Start(ctx context.Context) error {
	cfg := a.cfgMgr.Get()

	if err := a.openStorage(ctx, cfg); err != nil {
		return err
	}

	a.sup = supervisor.NewSupervisor(ctx, supervisor.WithLogger(a.log.With(logx.String("comp", "supervisor"))))

	if bound := a.pool.Bind(); bound == 0 {
		a.sup.Cancel()
		return errors.New("app: no account could be bound at startup")
	}

	a.sup.GoRestart("config.watch", a.cfgMgr.Watch)
	a.sup.Go0("config.apply", a.applyConfigUpdates)
	a.sup.Go("storage.recorder", a.recorder.Run)
	a.sup.Go("dispatch.run", a.sched.Run)
	a.sup.Go0("events.consume", a.consumeEvents)
	for i := 0; i < a.set.FleetSize; i++ {
		id := i
		a.sup.Go(fmt.Sprintf("worker.%d", id), func(ctx context.Context) error {
			return a.pool.RunWorker(ctx, id)
		})
	}
	if a.resolutions != nil {
		a.sup.Go0("recovery.resolutions", a.consumeResolutions)
	}
	if cfg.Metrics.Enabled {
		a.startMetricsServer(cfg.Metrics.Addr)
	}

	a.startCron(cfg.Maintenance)
	a.sched.Wake()

	a.log.Info("scout started",
		logx.Int("fleet", a.set.FleetSize),
		logx.Int("accounts", len(a.set.Accounts)),
		logx.Float64("speed_limit", a.set.SpeedLimit),
		logx.Bool("storage", a.store != nil),
	)
	return nil
}

func (a *App) openStorage(ctx context.Context, cfg *config.Config) error {
	sc := storage.Config{}
	if cfg.Storage != nil {
		busy, err := config.ParseDurationOrDefault("storage.busy_timeout", cfg.Storage.BusyTimeout, 0)
		if err != nil {
			return err
		}
		sc = storage.Config{
			Driver:      cfg.Storage.Driver,
			Path:        cfg.Storage.Path,
			BusyTimeout: busy,
		}
	}

	store, err := storage.Open(sc, a.log.With(logx.String("comp", "storage")))
	if err != nil {
		return fmt.Errorf("app: open storage: %w", err)
	}
	a.store = store
	a.recorder = storage.NewRecorder(store, 512, a.log.With(logx.String("comp", "storage")))
	a.recorder.OnDrop(metrics.ObserveStorageDrop)
	a.exec.SetRecorder(a.recorder)

	if store == nil {
		return nil
	}
	lctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	points, err := store.LoadSpawnPoints(lctx)
	if err != nil {
		// Warm start is best effort: a broken snapshot costs a bootstrap
		// sweep, not the process.
		a.log.Warn("warm start failed; starting with an empty catalog", logx.Err(err))
		return nil
	}
	a.cat.Load(points)
	a.log.Info("catalog warm started", logx.Int("points", len(points)))
	return nil
}

// applyConfigUpdates consumes hot-reload publishes. Only logging changes
// apply live; everything else is reported and takes effect on restart.
func (a *App) applyConfigUpdates(ctx context.Context) {
	ch := a.cfgMgr.Subscribe(4)
	defer a.cfgMgr.Unsubscribe(ch)

	old := a.cfgMgr.Get()
	for {
		select {
		case <-ctx.Done():
			return
		case cfg, ok := <-ch:
			if !ok {
				return
			}
			changed, fields := config.SummarizeConfigChange(old, cfg)
			if len(changed) > 0 {
				a.log.Info("config reloaded", fields...)
			}
			a.logSvc.Apply(logx.Config{
				Level:   cfg.Logging.Level,
				Console: cfg.Logging.Console,
				File: logx.FileConfig{
					Enabled: cfg.Logging.File.Enabled,
					Path:    cfg.Logging.File.Path,
				},
			})
			for _, name := range changed {
				if name != "logging" {
					a.log.Warn("config change requires restart to apply", logx.String("section", name))
				}
			}
			old = cfg
		}
	}
}

// consumeEvents feeds lifecycle events into the metrics registry and the
// operator log.
func (a *App) consumeEvents(ctx context.Context) {
	ch, unsub := a.bus.Subscribe(64)
	defer unsub()

	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-ch:
			if !ok {
				return
			}
			switch e.Type {
			case eventbus.TypeVisit:
				if v, ok := e.Data.(eventbus.VisitEvent); ok {
					metrics.ObserveVisit(v.Outcome, v.Sightings, v.Elapsed)
				}
			case eventbus.TypeWorkerRestarted:
				if w, ok := e.Data.(eventbus.WorkerEvent); ok {
					metrics.ObserveWorkerRestart(w.Reason)
				}
			case eventbus.TypeThrottle:
				metrics.ObserveThrottlePause()
			case eventbus.TypeAccountBanned:
				if acc, ok := e.Data.(eventbus.AccountEvent); ok {
					a.log.Warn("account permanently retired", logx.String("account", acc.Username))
				}
			}
		}
	}
}

// consumeResolutions attaches to the challenge-resolution collaborator and
// re-attaches if its channel closes while the engine is still running.
func (a *App) consumeResolutions(ctx context.Context) {
	for ctx.Err() == nil {
		a.drainResolutions(ctx, a.resolutions.Resolutions(ctx))
		select {
		case <-ctx.Done():
			return
		case <-time.After(time.Second):
		}
	}
}

func (a *App) drainResolutions(ctx context.Context, ch <-chan string) {
	for {
		select {
		case <-ctx.Done():
			return
		case username, ok := <-ch:
			if !ok {
				return
			}
			if err := a.ctrl.Resolve(username); err != nil {
				a.log.Warn("challenge resolution for unknown account",
					logx.String("account", username),
					logx.Err(err),
				)
			}
		}
	}
}

func (a *App) startMetricsServer(addr string) {
	if addr == "" {
		addr = defaultMetricsAddr
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	a.sup.Go("metrics.http", func(ctx context.Context) error {
		errCh := make(chan error, 1)
		go func() { errCh <- srv.ListenAndServe() }()
		select {
		case <-ctx.Done():
			sctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
			defer cancel()
			_ = srv.Shutdown(sctx)
			return nil
		case err := <-errCh:
			if errors.Is(err, http.ErrServerClosed) {
				return nil
			}
			return err
		}
	})
	a.log.Info("metrics listening", logx.String("addr", addr))
}

func (a *App) startCron(mc config.MaintenanceConfig) {
	spec := func(s, def string) string {
		if s == "" {
			return def
		}
		return s
	}

	a.cron = cron.New()
	mustAdd := func(name, s string, fn func()) {
		if _, err := a.cron.AddFunc(s, fn); err != nil {
			a.log.Error("invalid cron spec; job disabled",
				logx.String("job", name),
				logx.String("spec", s),
				logx.Err(err),
			)
		}
	}

	mustAdd("stale_sweep", spec(mc.StaleSweep, "@every 5m"), func() {
		a.cat.MarkStale(time.Now())
	})
	mustAdd("cooldown_release", spec(mc.CooldownRelease, "@every 1m"), func() {
		if a.accounts.ReleaseCooldowns() > 0 {
			a.pool.Bind()
			a.sched.Wake()
		}
	})
	mustAdd("fleet_review", spec(mc.FleetReview, "@every 10m"), func() {
		a.pool.ReviewLeastProductive(10 * time.Minute)
	})
	mustAdd("status_report", spec(mc.StatusReport, "@every 1m"), a.reportStatus)
	a.cron.Start()
}

// reportStatus logs one status line and refreshes gauges, then flushes the
// catalog so a crash loses at most one reporting interval of refinements.
func (a *App) reportStatus() {
	fs := a.pool.Snapshot()
	as := a.accounts.Snapshot()
	cs := a.cat.Snapshot()
	ds := a.sched.Snapshot()

	a.log.Info("status",
		logx.Int("idle", fs.Idle),
		logx.Int("busy", fs.Traveling+fs.Visiting),
		logx.Int("recovering", fs.Recovering),
		logx.Int("retired", fs.Retired),
		logx.Uint64("visits", fs.Visits),
		logx.Int("accounts_healthy", as.Healthy),
		logx.Int("accounts_benched", as.Cooldown+as.CaptchaPending),
		logx.Int("accounts_banned", as.Banned),
		logx.Int("catalog", cs.Total),
		logx.Int("confirmed", cs.Confirmed),
		logx.Uint64("assigned", ds.Assigned),
		logx.Uint64("explored", ds.Explored),
	)

	metrics.SetWorkers(map[string]int{
		"idle":       fs.Idle,
		"traveling":  fs.Traveling,
		"visiting":   fs.Visiting,
		"recovering": fs.Recovering,
		"retired":    fs.Retired,
	})
	metrics.SetAccounts(map[string]int{
		"healthy":         as.Healthy,
		"cooldown":        as.Cooldown,
		"captcha_pending": as.CaptchaPending,
		"banned":          as.Banned,
	})
	metrics.SetCatalog(map[string]int{
		"confirmed": cs.Confirmed,
		"estimated": cs.Estimated,
		"unknown":   cs.Unknown,
		"stale":     cs.Stale,
	})
	metrics.AddDispatch("assigned", ds.Assigned-a.lastDispatch.Assigned)
	metrics.AddDispatch("explored", ds.Explored-a.lastDispatch.Explored)
	metrics.AddDispatch("deferred", ds.Deferred-a.lastDispatch.Deferred)
	metrics.AddDispatch("suppressed", ds.Suppressed-a.lastDispatch.Suppressed)
	metrics.AddDispatch("redundant", ds.Redundant-a.lastDispatch.Redundant)
	metrics.AddDispatch("past_due", ds.PastDue-a.lastDispatch.PastDue)
	a.lastDispatch = ds

	fctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()
	a.recorder.FlushCatalog(fctx, a.cat.All())
}

// Resolve forwards an external challenge-resolution signal for one account.
// Exposed for embedders that deliver resolutions by call instead of via a
// ResolutionSource.
func (a *App) Resolve(username string) error {
	return a.ctrl.Resolve(username)
}

// Stop shuts the engine down: cron first, then every supervised loop, then a
// final catalog flush before the store closes.
func (a *App) Stop(ctx context.Context) error {
	if a.cron != nil {
		cronCtx := a.cron.Stop()
		select {
		case <-cronCtx.Done():
		case <-ctx.Done():
		}
	}

	var err error
	if a.sup != nil {
		err = a.sup.Stop(ctx)
	}

	if a.store != nil {
		fctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		a.recorder.FlushCatalog(fctx, a.cat.All())
		cancel()
		if cerr := a.store.Close(); cerr != nil && err == nil {
			err = cerr
		}
	}

	a.log.Info("scout stopped")
	if a.logSvc != nil {
		_ = a.logSvc.Close()
	}
	return err
}
