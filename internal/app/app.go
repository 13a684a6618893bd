package app

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/jonboulle/clockwork"

	"calnotify/internal/config"
	"calnotify/internal/eventbus"
	"calnotify/internal/eventsync"
	"calnotify/internal/fanout"
	"calnotify/internal/jobs"
	"calnotify/internal/reminder"
	"calnotify/internal/runtime/supervisor"
	"calnotify/internal/storage"
	"calnotify/internal/transport/push"
	"calnotify/pkg/logx"
)

type App struct {
	cfgm *config.ConfigManager
	sup  *supervisor.Supervisor

	log   logx.Logger
	logs  *logx.Service
	bus   eventbus.Bus
	clock clockwork.Clock
	loc   *time.Location
	store storage.Store

	fan   *fanout.Service
	reg   *jobs.Registry
	coord *reminder.Coordinator
	sync  *eventsync.Syncer

	// runCtx parents every reminder run; canceled last in Stop.
	runCtx    context.Context
	runCancel context.CancelFunc
}

type options struct {
	clock     clockwork.Clock
	transport fanout.Transport
}

type Option func(*options)

// WithClock replaces the wall clock driving reminder timers and syncs.
func WithClock(c clockwork.Clock) Option {
	return func(o *options) { o.clock = c }
}

// WithTransport bypasses the configured transport driver.
func WithTransport(t fanout.Transport) Option {
	return func(o *options) { o.transport = t }
}

// NewApp loads cfgPath (falling back to defaults when it does not exist) and
// wires storage, transport, fan-out, the job registry and the event syncer.
func NewApp(cfgPath string, opts ...Option) (*App, error) {
	o := options{clock: clockwork.NewRealClock()}
	for _, fn := range opts {
		fn(&o)
	}

	cfgm := config.NewConfigManager(cfgPath)
	cfg, err := cfgm.LoadOrDefault()
	if err != nil {
		return nil, err
	}

	logSvc, log := logx.New(mapLogConfig(cfg))
	log = log.With(logx.String("comp", "app"))

	loc, err := loadLocation(cfg.Scheduler.Timezone)
	if err != nil {
		return nil, err
	}
	taskTimeout, err := config.ParseDurationField("scheduler.task_timeout", cfg.Scheduler.TaskTimeout)
	if err != nil {
		return nil, err
	}
	fcfg, err := mapFanoutConfig(cfg)
	if err != nil {
		return nil, err
	}
	scfg, err := mapSyncConfig(cfg)
	if err != nil {
		return nil, err
	}
	sc, err := mapStorageConfig(cfg)
	if err != nil {
		return nil, err
	}

	store, err := storage.Open(sc, log.With(logx.String("comp", "storage")))
	if err != nil {
		return nil, err
	}
	log.Info("storage opened", logx.String("driver", sc.Driver), logx.String("path", sc.Path))

	tr := o.transport
	if tr == nil {
		tr, err = push.New(mapTransportConfig(cfg), log.With(logx.String("comp", "transport")))
		if err != nil {
			_ = store.Close()
			return nil, err
		}
	}

	bus := eventbus.New()
	fan := fanout.New(fcfg, store, tr, store, log.With(logx.String("comp", "fanout")), bus)

	runCtx, runCancel := context.WithCancel(context.Background())
	reg := jobs.NewRegistry(
		jobs.WithClock(o.clock),
		jobs.WithLocation(loc),
		jobs.WithLogger(log.With(logx.String("comp", "jobs"))),
		jobs.WithBus(bus),
		jobs.WithContext(runCtx),
		jobs.WithTaskTimeout(taskTimeout),
	)
	coord := reminder.NewCoordinator(reg, fan, log.With(logx.String("comp", "reminder")))
	coord.SetBody(cfg.Fanout.Body, cfg.Fanout.Link)

	syncer := eventsync.New(scfg, store, coord, o.clock, loc, log.With(logx.String("comp", "sync")))

	return &App{
		cfgm:      cfgm,
		log:       log,
		logs:      logSvc,
		bus:       bus,
		clock:     o.clock,
		loc:       loc,
		store:     store,
		fan:       fan,
		reg:       reg,
		coord:     coord,
		sync:      syncer,
		runCtx:    runCtx,
		runCancel: runCancel,
	}, nil
}

func (a *App) Coordinator() *reminder.Coordinator { return a.coord }

func (a *App) Registry() *jobs.Registry { return a.reg }

func (a *App) Fanout() *fanout.Service { return a.fan }

func (a *App) Store() storage.Store { return a.store }

func (a *App) Syncer() *eventsync.Syncer { return a.sync }

func (a *App) Config() *config.Config { return a.cfgm.Get() }

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

	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))
	a.cfgm.SetValidator(func(_ context.Context, cfg *config.Config) error {
		if _, err := mapFanoutConfig(cfg); err != nil {
			return err
		}
		if _, err := mapSyncConfig(cfg); err != nil {
			return err
		}
		_, err := mapStorageConfig(cfg)
		return err
	})

	if err := a.sync.Start(a.sup.Context()); err != nil {
		return fmt.Errorf("start event sync: %w", err)
	}

	events, unsub := a.bus.Subscribe(128)
	a.sup.Go0("eventbus.log", func(c context.Context) {
		defer unsub()
		for {
			select {
			case <-c.Done():
				return
			case e, ok := <-events:
				if !ok {
					return
				}
				a.log.Debug("event", logx.String("type", e.Type), logx.String("key", e.Key), logx.Time("time", e.Time))
			}
		}
	})

	sub := a.cfgm.Subscribe(8)
	a.sup.Go0("config.reload", func(c context.Context) {
		defer a.cfgm.Unsubscribe(sub)
		lastApplied := a.cfgm.Get()
		for {
			select {
			case <-c.Done():
				return
			case newCfg, ok := <-sub:
				if !ok {
					return
				}
				// Coalesce bursts: keep only the latest config in the channel.
			drain:
				for {
					select {
					case newer := <-sub:
						if newer != nil {
							newCfg = newer
						}
					default:
						break drain
					}
				}
				a.applyConfig(lastApplied, newCfg)
				lastApplied = newCfg
			}
		}
	})

	a.sup.GoRestart("config.watch", a.cfgm.Watch, time.Second, 30*time.Second)

	a.log.Info("app started",
		logx.String("timezone", a.loc.String()),
		logx.Int("fanout_workers", a.fan.Config().Workers),
	)
	return nil
}

// applyConfig pushes the hot-reloadable sections into running services.
func (a *App) applyConfig(prev, next *config.Config) {
	sections, attrs, restart := config.SummarizeConfigChange(prev, next)
	if len(sections) == 0 {
		a.log.Info("config reloaded (no changes)")
		return
	}
	fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
	a.log.Debug("config change summary", fields...)
	if len(restart) > 0 {
		a.log.Warn("config changed; restart required for changes to take effect", logx.String("sections", strings.Join(restart, ",")))
	}

	for _, s := range sections {
		switch s {
		case "logging":
			a.logs.Apply(mapLogConfig(next))
		case "fanout":
			fcfg, err := mapFanoutConfig(next)
			if err != nil {
				a.log.Warn("invalid fanout config; keeping previous", logx.Err(err))
				continue
			}
			a.fan.Apply(fcfg)
			a.coord.SetBody(next.Fanout.Body, next.Fanout.Link)
		case "transport":
			tr, err := push.New(mapTransportConfig(next), a.log.With(logx.String("comp", "transport")))
			if err != nil {
				a.log.Warn("invalid transport config; keeping previous", logx.Err(err))
				continue
			}
			a.fan.SetTransport(tr)
		case "sync":
			scfg, err := mapSyncConfig(next)
			if err != nil {
				a.log.Warn("invalid sync config; keeping previous", logx.Err(err))
				continue
			}
			if err := a.sync.Apply(scfg); err != nil {
				a.log.Warn("sync reschedule failed", logx.Err(err))
			}
		}
	}
	a.bus.Publish(eventbus.Event{Type: eventbus.ConfigApplied, Data: sections})
	a.log.Info("config reloaded", fields...)
}

func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		return nil
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))

	// First, cancel the app run context so background loops start unwinding immediately.
	a.sup.Cancel()

	// Helper: run a shutdown step with an upper bound so one component can't stall the whole stop.
	step := func(name string, max time.Duration, fn func(context.Context) error) {
		start := time.Now()
		a.log.Debug("stop step begin", logx.String("name", name), logx.Duration("max", max))

		stepCtx := ctx
		if max > 0 {
			// respect the caller's deadline; never extend it
			if dl, ok := ctx.Deadline(); ok {
				if rem := time.Until(dl); rem < max {
					max = rem
				}
			}
			if max > 0 {
				var cancel context.CancelFunc
				stepCtx, cancel = context.WithTimeout(ctx, max)
				defer cancel()
			}
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
			a.log.Warn("stop step deadline reached (continuing)",
				logx.String("name", name),
				logx.Err(stepCtx.Err()),
				logx.Duration("elapsed", time.Since(start)),
			)
			go func() {
				err := <-done
				took := time.Since(start)
				if err != nil {
					a.log.Warn("stop step finished after deadline", logx.String("name", name), logx.Err(err), logx.Duration("took", took))
				} else {
					a.log.Info("stop step finished after deadline", logx.String("name", name), logx.Duration("took", took))
				}
			}()
		}
	}

	// Sync first so it cannot re-arm jobs while the registry closes.
	step("sync", 2*time.Second, a.sync.Stop)
	step("jobs", 5*time.Second, a.reg.Close)
	a.runCancel()
	step("storage", 1*time.Second, func(context.Context) error { return a.store.Close() })
	step("supervisor", 2*time.Second, a.sup.Wait)

	a.log.Info("stopped")
	if a.logs != nil {
		_ = a.logs.Close()
	}
	return nil
}
