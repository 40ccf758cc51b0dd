package app

import (
	"context"
	"fmt"
	"strings"
	"time"

	"wabulk/internal/audience"
	"wabulk/internal/campaign"
	"wabulk/internal/config"
	"wabulk/internal/dedup"
	"wabulk/internal/dispatch"
	"wabulk/internal/eventbus"
	"wabulk/internal/gateway"
	"wabulk/internal/httpapi"
	"wabulk/internal/inbound"
	"wabulk/internal/jobs"
	"wabulk/internal/runtime/supervisor"
	"wabulk/internal/scheduler"
	"wabulk/internal/storage"
	"wabulk/internal/sweep"
	logx "wabulk/pkg/logx"
	"wabulk/pkg/systemd"
)

type App struct {
	cfgm *config.Manager

	// sup owns the long-lived loops (http, config, consumer); runners owns
	// job runners, whose errors must not take the process down.
	sup     *supervisor.Supervisor
	runners *supervisor.Supervisor

	log   logx.Logger
	logs  *logx.Service
	bus   eventbus.Bus
	store storage.Store

	ledger     *jobs.Ledger
	gw         *gateway.WAHA
	dispatcher *dispatch.Dispatcher
	sweeper    *sweep.Sweeper
	campaigns  *campaign.Service
	merger     *dedup.Merger
	observer   *inbound.Observer
	consumer   *inbound.Consumer
	sched      *scheduler.Service
	http       *httpapi.Server

	started time.Time
}

func New(cfgPath string) (*App, error) {
	cfgm := config.NewManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}

	logSvc, root := logx.New(mapLogging(cfg))
	log := root.With(logx.String("comp", "app"))

	sc := mapStorage(cfg)
	store, err := storage.Open(sc, root.With(logx.String("comp", "storage")))
	if err != nil {
		_ = logSvc.Close()
		return nil, fmt.Errorf("open storage: %w", err)
	}
	log.Info("storage ready", logx.String("driver", sc.Driver))

	bus := eventbus.New()
	runners := supervisor.New(context.Background(), supervisor.WithLogger(root.With(logx.String("comp", "runners"))))

	ledger := jobs.New(store, bus, root)
	gw := gateway.NewWAHA(mapGateway(cfg), root)
	if strings.TrimSpace(cfg.Gateway.BaseURL) == "" {
		log.Warn("gateway.base_url is empty; sends and probes will fail")
	}
	resolver := audience.New(store, ledger, root)
	disp := dispatch.New(mapDispatch(cfg), ledger, gw, runners, campaign.Render, root)
	sw := sweep.New(mapSweep(cfg), ledger, store, gw, runners, root)
	svc := campaign.NewService(mapCampaign(cfg), ledger, resolver, store, disp, gw, root)
	merger := dedup.New(store, ledger, root)
	observer := inbound.NewObserver(cfg.Durations().RespondedWindow, store, ledger, bus, root)
	sched := scheduler.New(mapScheduler(cfg), root)

	a := &App{
		cfgm:       cfgm,
		runners:    runners,
		log:        log,
		logs:       logSvc,
		bus:        bus,
		store:      store,
		ledger:     ledger,
		gw:         gw,
		dispatcher: disp,
		sweeper:    sw,
		campaigns:  svc,
		merger:     merger,
		observer:   observer,
		sched:      sched,
	}

	if ac := cfg.Inbound.AMQP; ac.Enabled {
		a.consumer = inbound.NewConsumer(inbound.AMQPConfig{URL: ac.URL, Queue: ac.Queue, Prefetch: ac.Prefetch}, observer, root)
	}

	a.http = httpapi.New(mapHTTP(cfg), httpapi.Deps{
		Campaigns: svc,
		Ledger:    ledger,
		Sweeper:   sw,
		Merger:    merger,
		Inbound:   observer,
		Bus:       bus,
		Scheduler: sched,
		Health:    a.health,
	}, root)
	return a, nil
}

// Done is closed when the app supervisor context is canceled (fatal error or Stop()).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error observed by the supervisor (if any).
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

func (a *App) Start(ctx context.Context) error {
	a.sup = supervisor.New(ctx, supervisor.WithLogger(a.log), supervisor.WithCancelOnError(true))
	a.started = time.Now()
	cfg := a.cfgm.Get()

	// transactional config reload: validate before commit/publish
	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))
	a.cfgm.SetValidator(func(_ context.Context, c *config.Config) error {
		for _, t := range a.triggers(c) {
			if t.schedule == "" {
				continue
			}
			if _, err := scheduler.ParseSchedule(t.schedule); err != nil {
				return fmt.Errorf("scheduler.%s: %w", t.name, err)
			}
		}
		return nil
	})

	// jobs left live by a previous process resume before the API opens
	rctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	nc, err := a.dispatcher.Recover(rctx)
	if err != nil {
		cancel()
		return fmt.Errorf("recover campaigns: %w", err)
	}
	ns, err := a.sweeper.Recover(rctx)
	cancel()
	if err != nil {
		return fmt.Errorf("recover sweep: %w", err)
	}
	if nc+ns > 0 {
		a.log.Info("jobs recovered", logx.Int("campaigns", nc), logx.Int("sweeps", ns))
	}

	a.applyTriggers(cfg)
	if cfg.Scheduler.Enabled {
		a.sched.Start(a.sup.Context())
	}

	if a.consumer != nil {
		a.sup.GoRestart("inbound.amqp", a.consumer.Run, supervisor.WithRestartBackoff(time.Second, time.Minute))
	}

	a.sup.Go("http", a.http.Serve)

	// Optional: log events for observability/debug.
	events, unsub := a.bus.Subscribe(128, nil)
	a.sup.Go("eventbus.log", func(c context.Context) error {
		defer unsub()
		for {
			select {
			case <-c.Done():
				return nil
			case e, ok := <-events:
				if !ok {
					return nil
				}
				// debug only; progress events arrive once per tick
				a.log.Debug("event", logx.String("type", e.Type), logx.String("job", e.JobID), logx.Time("time", e.Time))
			}
		}
	})

	sub := a.cfgm.Subscribe(8)
	a.sup.Go("config.reload", func(c context.Context) error {
		defer a.cfgm.Unsubscribe(sub)
		lastApplied := a.cfgm.Get()
		for {
			select {
			case <-c.Done():
				return nil
			case newCfg, ok := <-sub:
				if !ok {
					return nil
				}
				a.reconfigure(c, lastApplied, newCfg)
				lastApplied = newCfg
			}
		}
	})
	a.sup.Go("config.watch", a.cfgm.Watch)
	a.sup.Go("systemd.watchdog", systemd.Watchdog)

	if sent, err := systemd.Ready(); err != nil {
		a.log.Warn("sd_notify ready failed", logx.Err(err))
	} else if sent {
		a.log.Debug("sd_notify ready sent")
	}
	a.log.Info("app started", logx.String("addr", mapHTTP(cfg).Addr), logx.Bool("scheduler", cfg.Scheduler.Enabled), logx.Bool("amqp", a.consumer != nil))
	return nil
}

// reconfigure applies a validated config to every component that supports
// live changes.
func (a *App) reconfigure(c context.Context, oldCfg, newCfg *config.Config) {
	ch := config.SummarizeConfigChange(oldCfg, newCfg)
	if len(ch.Sections) == 0 {
		a.log.Info("config reloaded (no changes)")
		return
	}
	fields := append([]logx.Field{logx.String("changed", strings.Join(ch.Sections, ","))}, ch.Attrs...)
	a.log.Debug("config change summary", fields...)
	if len(ch.RestartRequired) > 0 {
		a.log.Warn("restart required for some changes to take effect", logx.Strings("sections", ch.RestartRequired))
	}

	a.logs.Apply(mapLogging(newCfg))
	a.gw.Apply(mapGateway(newCfg))
	a.dispatcher.Apply(mapDispatch(newCfg))
	a.campaigns.Apply(mapCampaign(newCfg))
	a.sweeper.Apply(mapSweep(newCfg))
	a.observer.SetWindow(newCfg.Durations().RespondedWindow)
	a.http.Apply(mapHTTP(newCfg))

	a.sched.Apply(mapScheduler(newCfg))
	a.applyTriggers(newCfg)
	switch {
	case oldCfg.Scheduler.Enabled && !newCfg.Scheduler.Enabled:
		a.log.Info("scheduler disabled via config")
		stopCtx, cancel := context.WithTimeout(c, 3*time.Second)
		a.sched.Stop(stopCtx)
		cancel()
	case !oldCfg.Scheduler.Enabled && newCfg.Scheduler.Enabled:
		a.log.Info("scheduler enabled via config")
		a.sched.Start(c)
	}

	a.log.Info("config reloaded", fields...)
}

func (a *App) health() map[string]any {
	h := map[string]any{
		"uptime":         time.Since(a.started).Round(time.Second).String(),
		"active_runners": a.dispatcher.Active(),
		"bus_dropped":    a.bus.Dropped(),
	}
	if a.sup != nil {
		h["loops"] = a.sup.Snapshot()
	}
	h["runners"] = a.runners.Snapshot()
	return h
}

func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		return nil
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))
	if _, err := systemd.Stopping(); err != nil {
		a.log.Debug("sd_notify stopping failed", logx.Err(err))
	}

	// First, cancel the app run context so background loops start unwinding immediately.
	a.sup.Cancel()

	// Helper: run a shutdown step with an upper bound so one component can't stall the whole stop.
	step := func(name string, limit time.Duration, fn func(context.Context) error) {
		start := time.Now()
		a.log.Debug("stop step begin", logx.String("name", name), logx.Duration("max", limit))

		stepCtx := ctx
		if limit > 0 {
			// respect the caller's deadline; never extend it
			if dl, ok := ctx.Deadline(); ok && time.Until(dl) < limit {
				limit = max(time.Until(dl), 0)
			}
			var cancel context.CancelFunc
			stepCtx, cancel = context.WithTimeout(ctx, limit)
			defer cancel()
		}

		done := make(chan error, 1)
		go func() {
			defer func() {
				if r := recover(); r != nil {
					done <- fmt.Errorf("panic in stop step %s: %v", name, r)
				}
			}()
			done <- fn(stepCtx)
		}()

		select {
		case err := <-done:
			if err != nil {
				a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
			}
			took := time.Since(start)
			if took >= 500*time.Millisecond {
				a.log.Info("stop step end", logx.String("name", name), logx.Duration("took", took))
			} else {
				a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", took))
			}
		case <-stepCtx.Done():
			// fn must honor stepCtx; if it doesn't, report when it finally returns.
			a.log.Warn("stop step deadline reached (continuing)", logx.String("name", name), logx.Duration("elapsed", time.Since(start)))
			go func() {
				err := <-done
				a.log.Warn("stop step finished after deadline", logx.String("name", name), logx.Duration("took", time.Since(start)), logx.Err(err))
			}()
		}
	}

	step("scheduler", 2*time.Second, func(c context.Context) error { a.sched.Stop(c); return nil })
	// runners stop between ticks; their jobs stay live and are recovered on next boot
	step("runners", 5*time.Second, a.runners.Stop)
	step("supervisor", a.mapGrace()+time.Second, a.sup.Wait)
	step("storage", time.Second, func(context.Context) error { return a.store.Close() })

	a.log.Info("stopped")
	if a.logs != nil {
		_ = a.logs.Close()
	}
	return nil
}

func (a *App) mapGrace() time.Duration {
	return mapHTTP(a.cfgm.Get()).ShutdownGrace
}
