package app

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"

	"vaultpulse/internal/broadcast"
	"vaultpulse/internal/config"
	"vaultpulse/internal/eventbus"
	"vaultpulse/internal/observability/metrics"
	"vaultpulse/internal/pulse"
	"vaultpulse/internal/realtime"
	"vaultpulse/internal/runtime/supervisor"
	"vaultpulse/internal/server"
	"vaultpulse/internal/storage"
	logx "vaultpulse/pkg/logx"
)

const redisPingTimeout = 3 * time.Second

type StopReason string

const (
	StopUnknown    StopReason = "unknown"
	StopSIGINT     StopReason = "sigint"
	StopSIGTERM    StopReason = "sigterm"
	StopFatalError StopReason = "fatal_error"
	StopAppStop    StopReason = "app_stop"
	StopOneShot    StopReason = "one_shot"
)

// Option tweaks which long-running parts NewApp wires. The serve command
// uses the defaults; one-shot CLI commands turn the listeners off.
type Option func(*options)

type options struct {
	server   bool
	realtime bool
	watch    bool
	logLevel string
}

func WithServer(enabled bool) Option   { return func(o *options) { o.server = enabled } }
func WithRealtime(enabled bool) Option { return func(o *options) { o.realtime = enabled } }
func WithWatch(enabled bool) Option    { return func(o *options) { o.watch = enabled } }

// WithLogLevel overrides logging.level from the config file.
func WithLogLevel(level string) Option { return func(o *options) { o.logLevel = level } }

type App struct {
	cfgPath string
	opts    options

	cfgm *config.ConfigManager
	sup  *supervisor.Supervisor

	log   logx.Logger
	logs  *logx.Service
	bus   eventbus.Bus
	store storage.Store

	status  pulse.StatusStore
	closers []func() error
	metrics *metrics.Recorder

	orch *pulse.Orchestrator
	proc *broadcast.Processor
	rt   *realtime.Client
	srv  *server.Server
}

func NewApp(cfgPath string, opts ...Option) (*App, error) {
	o := options{server: true, realtime: true, watch: true}
	for _, fn := range opts {
		fn(&o)
	}

	cfgm := config.NewConfigManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if err := validate(cfg); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	logCfg := mapLoggingConfig(cfg)
	if o.logLevel != "" {
		logCfg.Level = o.logLevel
	}
	logSvc, root := logx.New(logCfg)
	log := root.With(logx.String("comp", "app"))

	a := &App{cfgPath: cfgPath, opts: o, cfgm: cfgm, log: log, logs: logSvc, bus: eventbus.New()}
	if err := a.wire(cfg, root); err != nil {
		_ = a.closeResources()
		_ = logSvc.Close()
		return nil, err
	}
	return a, nil
}

func (a *App) wire(cfg *config.Config, root logx.Logger) error {
	comp := func(name string) logx.Logger { return root.With(logx.String("comp", name)) }

	if cfg.Metrics.Enabled {
		rec, err := metrics.New(otel.Meter("vaultpulse"))
		if err != nil {
			return fmt.Errorf("metrics: %w", err)
		}
		a.metrics = rec
	}

	if sc, enabled, err := mapStorageConfig(cfg); err != nil {
		return err
	} else if enabled {
		st, err := storage.Open(sc, comp("storage"))
		if err != nil {
			return fmt.Errorf("storage: %w", err)
		}
		a.store = st
		a.closers = append(a.closers, st.Close)
		a.log.Info("storage enabled", logx.String("driver", sc.Driver))
	}

	ss, err := mapStatusStoreConfig(cfg)
	if err != nil {
		return err
	}
	switch ss.driver {
	case "redis":
		rs := pulse.NewRedisStatusStore(ss.redis)
		a.closers = append(a.closers, rs.Close)
		pctx, cancel := context.WithTimeout(context.Background(), redisPingTimeout)
		err := rs.Ping(pctx)
		cancel()
		if err != nil {
			return fmt.Errorf("status store: redis %s: %w", ss.redis.Addr, err)
		}
		a.status = rs
		a.log.Info("status store: redis", logx.String("addr", ss.redis.Addr))
	default:
		a.status = pulse.NewMemoryStatusStore(ss.maxEvents)
	}

	pcfg, err := mapPulseConfig(cfg)
	if err != nil {
		return err
	}
	// A nil storage.Store must stay an untyped nil inside the interface.
	var audit pulse.AuditSink
	if a.store != nil {
		audit = a.store
	}
	a.orch = pulse.New(pcfg, a.status, audit, a.bus, comp("pulse"), a.metrics)
	chs, err := buildChannels(cfg, comp("channel"))
	if err != nil {
		return err
	}
	a.orch.Register(chs...)

	var rt broadcast.Realtime
	if a.opts.realtime {
		rcfg, err := mapRealtimeConfig(cfg)
		if err != nil {
			return err
		}
		if rcfg.BaseURL != "" {
			a.rt = realtime.New(rcfg, a.bus, comp("realtime"), a.metrics)
			rt = a.rt
		}
	}

	bcfg, err := mapBroadcastConfig(cfg)
	if err != nil {
		return err
	}
	var settings broadcast.Settings
	if a.store != nil {
		settings = a.store
	}
	a.proc = broadcast.New(bcfg, rt, settings, a.bus, comp("broadcast"), a.metrics)

	if a.opts.server {
		scfg, err := mapServerConfig(cfg)
		if err != nil {
			return err
		}
		if scfg.Addr != "" {
			a.srv = server.New(scfg, server.Deps{Pulse: a.orch, QueueLen: a.proc.Len, Tasks: a.tasks}, comp("server"))
		}
	}
	return nil
}

func (a *App) Logger() logx.Logger                  { return a.log }
func (a *App) Bus() eventbus.Bus                    { return a.bus }
func (a *App) Store() storage.Store                 { return a.store }
func (a *App) Orchestrator() *pulse.Orchestrator    { return a.orch }
func (a *App) Processor() *broadcast.Processor      { return a.proc }
func (a *App) Realtime() *realtime.Client           { return a.rt }
func (a *App) Server() *server.Server               { return a.srv }
func (a *App) ConfigManager() *config.ConfigManager { return a.cfgm }

// tasks is nil until Start.
func (a *App) tasks() []supervisor.TaskState {
	if a.sup == nil {
		return nil
	}
	return a.sup.Tasks()
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
	runCtx := a.sup.Context()

	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))
	a.cfgm.SetValidator(func(_ context.Context, cfg *config.Config) error { return validate(cfg) })

	if err := a.proc.Start(runCtx); err != nil {
		return err
	}
	if a.rt != nil {
		if err := a.rt.Start(runCtx); err != nil {
			return err
		}
	}
	if a.srv != nil {
		if err := a.srv.Start(runCtx); err != nil {
			return err
		}
	}

	a.sup.GoRestart("pulse.listen", a.orch.Listen)
	a.sup.GoRestart("broadcast.listen", a.proc.Listen)

	// Debug trail of everything on the bus.
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
				a.log.Debug("event", logx.String("type", e.Type), logx.Time("time", e.Time))
			}
		}
	})

	if a.opts.watch {
		a.startReload()
		a.sup.Go("config.watch", a.cfgm.Watch)
	}

	a.log.Info("app started",
		logx.Any("channels", a.orch.EnabledChannels()),
		logx.Bool("realtime", a.rt != nil),
		logx.Bool("server", a.srv != nil),
	)
	return nil
}

func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		err := a.closeResources()
		if a.logs != nil {
			_ = a.logs.Close()
		}
		return err
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))

	// Cancel first so listeners and loops start unwinding immediately.
	a.sup.Cancel()

	step := func(name string, max time.Duration, fn func(context.Context) error) {
		a.stopStep(ctx, name, max, fn)
	}

	if a.srv != nil {
		step("server", 3*time.Second, a.srv.Stop)
	}
	step("broadcast", 2*time.Second, a.proc.Stop)
	if a.rt != nil {
		step("realtime", 2*time.Second, a.rt.Stop)
	}
	step("resources", 1*time.Second, func(context.Context) error { return a.closeResources() })
	step("supervisor", 2*time.Second, a.sup.Wait)

	a.log.Info("stopped")
	if a.logs != nil {
		_ = a.logs.Close()
	}
	return nil
}

// stopStep runs fn bounded by max (never beyond ctx's deadline) so one
// component cannot stall shutdown. fn must honor its context.
func (a *App) stopStep(ctx context.Context, name string, max time.Duration, fn func(context.Context) error) {
	start := time.Now()
	a.log.Debug("stop step begin", logx.String("name", name), logx.Duration("max", max))

	stepCtx := ctx
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
		if took := time.Since(start); took >= 500*time.Millisecond {
			a.log.Info("stop step end", logx.String("name", name), logx.Duration("took", took))
		}
	case <-stepCtx.Done():
		a.log.Warn("stop step deadline reached (continuing)",
			logx.String("name", name),
			logx.Duration("elapsed", time.Since(start)),
		)
		go func() {
			if err := <-done; err != nil {
				a.log.Warn("stop step finished after deadline", logx.String("name", name), logx.Err(err))
			}
		}()
	}
}

func (a *App) closeResources() error {
	var first error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil && first == nil {
			first = err
		}
	}
	a.closers = nil
	return first
}
