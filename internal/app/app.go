// Package app wires the agent together: configuration, logging,
// storage, the dispatch loop, probes, sinks, alerting, the HTTP API
// and pprof.
package app

import (
	"context"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"

	"nodediag/internal/config"
	"nodediag/internal/eventbus"
	"nodediag/internal/observability"
	"nodediag/internal/probes"
	"nodediag/internal/server"
	"nodediag/internal/services/alerts"
	pprofsvc "nodediag/internal/services/pprof"
	"nodediag/internal/services/updater"
	"nodediag/internal/storage"
	logx "nodediag/pkg/logx"
)

// App owns every service of the agent and coordinates startup, config
// reload and ordered shutdown.
type App struct {
	cfgPath string
	cfgm    *ConfigManager
	sup     *Supervisor

	log  logx.Logger
	logs *logx.Service

	node    string
	version string

	bus   eventbus.Bus
	store storage.Store

	upd    *updater.Service
	alerts *alerts.Service
	sinks  *sinkSet
	api    *server.Service
	pprof  *pprofsvc.Service

	// pmu guards probeSet across config reloads.
	pmu      sync.Mutex
	probeSet []probes.Probe

	retention time.Duration

	rollbarOn   bool
	rollbarStop func()
}

func NewApp(cfgPath, version string) (*App, error) {
	cfgm := NewConfigManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}

	logSvc, root := logx.New(mapLoggingConfig(cfg))
	log := root.With(logx.String("comp", "app"))

	node := nodeName(cfg)
	bus := eventbus.New()

	var store storage.Store
	sc, storageOn, err := mapStorageConfig(cfg)
	if err != nil {
		return nil, err
	}
	retention, err := storageRetention(cfg)
	if err != nil {
		return nil, err
	}
	if storageOn {
		store, err = storage.Open(sc, root.With(logx.String("comp", "storage")))
		if err != nil {
			return nil, err
		}
		log.Info("storage enabled", logx.String("driver", sc.Driver), logx.String("path", sc.Path))
	}

	snks, err := buildSinks(cfg, node, bus, store, root)
	if err != nil {
		return nil, err
	}

	ucfg, err := mapUpdaterConfig(cfg)
	if err != nil {
		return nil, err
	}
	updSvc := updater.New(ucfg, snks.fanout(), root.With(logx.String("comp", "updater")))

	built, err := probes.BuildAll(cfg.Probes)
	if err != nil {
		return nil, err
	}
	for _, p := range built {
		updSvc.Updater().AddTask(p)
	}

	acfg, err := mapAlertsConfig(cfg)
	if err != nil {
		return nil, err
	}
	alertSvc, err := alerts.New(acfg, node, bus, store, root.With(logx.String("comp", "alerts")))
	if err != nil {
		return nil, err
	}

	ppc, err := mapPprofConfig(cfg)
	if err != nil {
		return nil, err
	}
	pprofSvc := pprofsvc.New(ppc, root.With(logx.String("comp", "pprof")))

	rollbarOn, rollbarStop := setupRollbar(cfg, version, root.With(logx.String("comp", "rollbar")))

	a := &App{
		cfgPath:     cfgPath,
		cfgm:        cfgm,
		log:         log,
		logs:        logSvc,
		node:        node,
		version:     version,
		bus:         bus,
		store:       store,
		upd:         updSvc,
		alerts:      alertSvc,
		sinks:       snks,
		pprof:       pprofSvc,
		probeSet:    built,
		retention:   retention,
		rollbarOn:   rollbarOn,
		rollbarStop: rollbarStop,
	}

	if cfg.Server.Enabled {
		sopts, err := mapServerOptions(cfg, node, version)
		if err != nil {
			return nil, err
		}
		a.api = server.New(sopts, server.Deps{
			Dispatcher: updSvc,
			Alerts:     alertSvc,
			History:    snks.history,
			Store:      store,
			Bus:        bus,
			Debug:      a.debugSnapshot,
		}, root.With(logx.String("comp", "api")))
	}

	return a, nil
}

// Done is closed when the app supervisor context is canceled (fatal
// error or Stop()).
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

// PanicGuard returns a deferred handler that reports a panic to the
// crash reporter before re-raising it.
func (a *App) PanicGuard() func() {
	return observability.CapturePanic(a.log, a.rollbarOn)
}

func (a *App) Start(ctx context.Context) error {
	a.sup = NewSupervisor(ctx, WithLogger(a.log), WithCancelOnError(true))

	// Transactional config reload: validate before commit/publish.
	if a.cfgm != nil {
		a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))
		a.cfgm.SetValidator(validateConfig)
	}

	// Buffered sinks come up before the dispatcher so the first batch
	// has somewhere to go.
	if err := a.sinks.start(a.sup.Context()); err != nil {
		return err
	}
	if err := a.upd.Start(a.sup.Context()); err != nil {
		return err
	}
	if a.alerts.Enabled() {
		a.alerts.Start(a.sup.Context())
	}
	if a.api != nil {
		if err := a.api.Start(a.sup.Context()); err != nil {
			return err
		}
	}
	if a.pprof != nil && a.pprof.Enabled() {
		a.pprof.Start(a.sup.Context())
	}

	if a.store != nil && a.retention > 0 {
		a.sup.Go0("storage.prune", func(c context.Context) {
			t := time.NewTicker(time.Hour)
			defer t.Stop()
			for {
				select {
				case <-c.Done():
					return
				case <-t.C:
					pctx, cancel := context.WithTimeout(c, 30*time.Second)
					n, err := a.store.PruneBefore(pctx, time.Now().Add(-a.retention))
					cancel()
					if err != nil {
						a.log.Warn("prune failed", logx.Err(err))
					} else if n > 0 {
						a.log.Debug("pruned stored batches", logx.Int64("count", n))
					}
				}
			}
		})
	}

	// Log events for observability/debug (components subscribe themselves).
	if a.bus != nil {
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
					// Keep this debug-level; one fires per dispatch.
					a.log.Debug("event", logx.String("type", e.Type), logx.Time("time", e.Time))
				}
			}
		})
	}

	// hot reload config fan-out
	sub := a.cfgm.Subscribe(8)
	a.sup.Go0("config.reload", func(c context.Context) {
		defer a.cfgm.Unsubscribe(sub)
		// Track last applied config to generate a safe diff summary.
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
				for {
					select {
					case newer := <-sub:
						if newer != nil {
							newCfg = newer
						}
					default:
						goto APPLY
					}
				}
			APPLY:
				sections, attrs, probeChanges := SummarizeConfigChange(lastApplied, newCfg)
				if len(sections) > 0 {
					fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
					a.log.Debug("config change summary", fields...)
				} else {
					a.log.Debug("config reload received, but no effective changes detected")
				}
				prevApplied := lastApplied
				lastApplied = newCfg

				// Sections wired at construction cannot rewire live.
				for _, s := range sections {
					switch s {
					case "storage", "sinks", "server", "rollbar":
						a.log.Warn("config changed; restart required for changes to take effect", logx.String("section", s))
					}
				}
				if prevApplied != nil && strings.TrimSpace(prevApplied.Agent.Name) != strings.TrimSpace(newCfg.Agent.Name) {
					a.log.Warn("agent.name changed; restart required for changes to take effect")
				}

				// Logging applies immediately.
				a.logs.Apply(mapLoggingConfig(newCfg))

				// Dispatch loop: period and hardware id apply live, driver
				// changes restart the cron runner inside Apply.
				ucfg, err := mapUpdaterConfig(newCfg)
				if err != nil {
					a.log.Warn("invalid updater config; keeping previous", logx.Any("err", err))
				} else {
					a.upd.Apply(ucfg)
				}

				// Probe set changes re-register tasks on the dispatcher.
				if len(probeChanges) > 0 {
					built, err := probes.BuildAll(newCfg.Probes)
					if err != nil {
						a.log.Warn("invalid probes config; keeping previous", logx.Any("err", err))
					} else {
						old := a.swapProbes(built)
						reg := a.upd.Updater()
						for _, p := range old {
							reg.RemoveByName(p.Name())
						}
						for _, p := range built {
							reg.AddTask(p)
						}
						if err := probes.CloseAll(old); err != nil {
							a.log.Warn("closing replaced probes", logx.Err(err))
						}
						a.log.Info("probes reloaded",
							logx.Int("count", len(built)),
							logx.Any("changed", probeChanges),
						)
					}
				}

				// Alerts: rules and channels swap live; the enabled flag
				// starts or stops the pipeline.
				prevAlertsOn := a.alerts.Enabled()
				acfg, err := mapAlertsConfig(newCfg)
				if err != nil {
					a.log.Warn("invalid alerts config; keeping previous", logx.Any("err", err))
				} else if err := a.alerts.Apply(acfg); err != nil {
					a.log.Warn("invalid alerts config; keeping previous", logx.Any("err", err))
				} else if prevAlertsOn && !acfg.Enabled {
					a.log.Info("alerts disabled via config")
					stopCtx, cancel := context.WithTimeout(c, 3*time.Second)
					a.alerts.Stop(stopCtx)
					cancel()
				} else if !prevAlertsOn && acfg.Enabled {
					a.log.Info("alerts enabled via config")
					a.alerts.Start(c)
				}

				// apply pprof updates (live)
				if a.pprof != nil {
					ppc, err := mapPprofConfig(newCfg)
					if err != nil {
						a.log.Warn("invalid pprof config; keeping previous", logx.Any("err", err))
					} else {
						a.pprof.Reconfigure(c, ppc)
					}
				}

				// Keep the final line concise; details are in debug logs.
				if len(sections) > 0 {
					fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
					a.log.Info("config reloaded", fields...)
				} else {
					a.log.Info("config reloaded (no changes)")
				}
			}
		}
	})

	a.sup.Go("config.watch", func(c context.Context) error {
		return a.cfgm.Watch(c)
	})

	// Under systemd with Type=notify this flips the unit to active; a
	// no-op anywhere else.
	if sent, err := daemon.SdNotify(false, daemon.SdNotifyReady); err == nil && sent {
		a.log.Debug("systemd notified ready")
	}

	a.log.Info("agent started", logx.String("node", a.node), logx.String("version", a.version))
	return nil
}

func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		return nil
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))
	_, _ = daemon.SdNotify(false, daemon.SdNotifyStopping)

	// First, cancel the app run context so background loops start unwinding immediately.
	a.sup.Cancel()

	// Helper: run a shutdown step with an upper bound so one component can't stall the whole stop.
	step := func(name string, max time.Duration, fn func(context.Context) error) {
		start := time.Now()
		a.log.Debug("stop step begin", logx.String("name", name), logx.Duration("max", max))

		stepCtx := ctx
		var cancel context.CancelFunc
		if max > 0 {
			// respect the caller's deadline; never extend it
			if dl, ok := ctx.Deadline(); ok {
				rem := time.Until(dl)
				if rem <= 0 {
					max = 0
				} else if rem < max {
					max = rem
				}
			}
			if max > 0 {
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
				a.log.Warn("stop step error", logx.String("name", name), logx.String("err", err.Error()))
			}
			took := time.Since(start)
			if took >= 500*time.Millisecond {
				a.log.Info("stop step end", logx.String("name", name), logx.Duration("took", took))
			} else {
				a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", took))
			}
		case <-stepCtx.Done():
			// Contract: fn MUST honor stepCtx and return promptly. If it doesn't, log a leak signal.
			elapsed := time.Since(start)
			a.log.Warn(
				"stop step deadline reached (continuing)",
				logx.String("name", name),
				logx.String("err", stepCtx.Err().Error()),
				logx.Duration("elapsed", elapsed),
			)
			// Leak logging: observe when/if the step eventually finishes.
			go func() {
				err := <-done
				took := time.Since(start)
				if err != nil {
					a.log.Warn("stop step finished after deadline", logx.String("name", name), logx.String("err", err.Error()), logx.Duration("took", took))
				} else {
					a.log.Info("stop step finished after deadline", logx.String("name", name), logx.Duration("took", took))
				}
			}()
		}
	}

	// Intake stops first: no new API mutations, then no new batches.
	step("api", 3*time.Second, func(c context.Context) error {
		if a.api != nil {
			a.api.Stop(c)
		}
		return nil
	})
	step("updater", 2*time.Second, func(c context.Context) error { a.upd.Stop(c); return nil })

	// Drain queued alert deliveries, then flush the buffered sinks.
	step("alerts", 3*time.Second, func(c context.Context) error { a.alerts.Stop(c); return nil })
	step("sinks", 3*time.Second, func(c context.Context) error { return a.sinks.stop(c) })
	step("pprof", 1*time.Second, func(c context.Context) error {
		if a.pprof != nil {
			a.pprof.Stop(c)
		}
		return nil
	})
	step("probes", 1*time.Second, func(c context.Context) error { return probes.CloseAll(a.takeProbes()) })
	step("storage", 1*time.Second, func(c context.Context) error {
		if a.store != nil {
			return a.store.Close()
		}
		return nil
	})

	// Finally, wait for supervised goroutines (config watch/reload, prune).
	step("supervisor", 2*time.Second, func(c context.Context) error { return a.sup.Wait(c) })

	if a.rollbarStop != nil {
		// Flush pending crash reports.
		a.rollbarStop()
	}
	a.log.Info("stopped")
	if a.logs != nil {
		a.logs.Close()
	}
	return nil
}

func (a *App) swapProbes(next []probes.Probe) []probes.Probe {
	a.pmu.Lock()
	old := a.probeSet
	a.probeSet = next
	a.pmu.Unlock()
	return old
}

func (a *App) takeProbes() []probes.Probe {
	a.pmu.Lock()
	old := a.probeSet
	a.probeSet = nil
	a.pmu.Unlock()
	return old
}

// debugSnapshot feeds GET /api/v1/debug.
func (a *App) debugSnapshot() map[string]any {
	out := map[string]any{
		"updater": a.upd.Snapshot(),
		"alerts":  a.alerts.Snapshot(),
	}
	if a.pprof != nil {
		out["pprof"] = a.pprof.Snapshot()
	}
	if sup := a.sup; sup != nil {
		out["supervisor"] = sup.Snapshot()
	}
	return out
}

// validateConfig rejects a reload that would break a running service.
// It mirrors the construction path: every mapping NewApp performs must
// succeed on the new config before it is committed.
func validateConfig(_ context.Context, cfg *Config) error {
	if cfg == nil {
		return fmt.Errorf("config is nil")
	}
	ucfg, err := mapUpdaterConfig(cfg)
	if err != nil {
		return err
	}
	if err := updater.ValidateConfig(ucfg); err != nil {
		return err
	}
	built, err := probes.BuildAll(cfg.Probes)
	if err != nil {
		return err
	}
	_ = probes.CloseAll(built)
	acfg, err := mapAlertsConfig(cfg)
	if err != nil {
		return err
	}
	if _, err := alerts.New(acfg, "", nil, nil, logx.Nop()); err != nil {
		return err
	}
	if _, err := mapServerOptions(cfg, "", ""); err != nil {
		return err
	}
	if _, err := mapPprofConfig(cfg); err != nil {
		return err
	}
	if _, _, err := mapStorageConfig(cfg); err != nil {
		return err
	}
	if _, err := storageRetention(cfg); err != nil {
		return err
	}
	// Sink construction errors (bad level, missing URL, unreadable TLS
	// material) surface here even though sink changes need a restart.
	if _, err := buildSinks(cfg, "", nil, nil, logx.Nop()); err != nil {
		return err
	}
	return nil
}

func mapLoggingConfig(cfg *Config) logx.Config {
	if cfg == nil {
		return logx.Config{Level: "info", Console: true}
	}
	return logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	}
}

func mapUpdaterConfig(cfg *Config) (updater.Config, error) {
	out := updater.Config{}
	if cfg == nil {
		return out, nil
	}
	var err error
	if out.Period, err = parseDurationField("updater.period", cfg.Updater.Period); err != nil {
		return updater.Config{}, err
	}
	if out.TickInterval, err = parseDurationField("updater.tick_interval", cfg.Updater.TickInterval); err != nil {
		return updater.Config{}, err
	}
	out.ForceSchedule = strings.TrimSpace(cfg.Updater.ForceSchedule)
	out.Timezone = strings.TrimSpace(cfg.Updater.Timezone)
	out.HardwareID = hardwareID(cfg)
	return out, nil
}

func mapAlertsConfig(cfg *Config) (alerts.Config, error) {
	if cfg == nil || cfg.Alerts == nil {
		return alerts.Config{}, nil
	}
	ac := cfg.Alerts
	out := alerts.Config{
		Enabled:         ac.Enabled,
		Workers:         ac.Workers,
		QueueSize:       ac.QueueSize,
		RatePerSec:      ac.RatePerSec,
		RetryMax:        ac.RetryMax,
		DedupMaxEntries: ac.DedupMaxEntries,
		PersistDedup:    ac.PersistDedup,
		Rules:           ac.Rules,
		Channels:        ac.Channels,
	}
	var err error
	if out.RetryBase, err = parseDurationField("alerts.retry_base", ac.RetryBase); err != nil {
		return alerts.Config{}, err
	}
	if out.RetryMaxDelay, err = parseDurationField("alerts.retry_max_delay", ac.RetryMaxDelay); err != nil {
		return alerts.Config{}, err
	}
	if out.DedupWindow, err = parseDurationField("alerts.dedup_window", ac.DedupWindow); err != nil {
		return alerts.Config{}, err
	}
	return out, nil
}

func mapServerOptions(cfg *Config, node, version string) (server.Options, error) {
	out := server.Options{Node: node, Version: version}
	if cfg == nil {
		return out, nil
	}
	out.Addr = strings.TrimSpace(cfg.Server.Addr)
	out.Token = cfg.Server.Token
	var err error
	if out.ReadTimeout, err = parseDurationField("server.read_timeout", cfg.Server.ReadTimeout); err != nil {
		return server.Options{}, err
	}
	if out.WriteTimeout, err = parseDurationField("server.write_timeout", cfg.Server.WriteTimeout); err != nil {
		return server.Options{}, err
	}
	if out.IdleTimeout, err = parseDurationField("server.idle_timeout", cfg.Server.IdleTimeout); err != nil {
		return server.Options{}, err
	}
	return out, nil
}

func mapPprofConfig(cfg *Config) (pprofsvc.Config, error) {
	if cfg == nil {
		return pprofsvc.Config{}, nil
	}
	pc := cfg.Pprof
	out := pprofsvc.Config{
		Enabled:              pc.Enabled,
		Addr:                 pc.Addr,
		Prefix:               pc.Prefix,
		Token:                pc.Token,
		AllowInsecure:        pc.AllowInsecure,
		MutexProfileFraction: pc.MutexProfileFraction,
		BlockProfileRate:     pc.BlockProfileRate,
		MemProfileRate:       pc.MemProfileRate,
	}
	var err error
	if out.ReadTimeout, err = parseDurationField("pprof.read_timeout", pc.ReadTimeout); err != nil {
		return pprofsvc.Config{}, err
	}
	if out.WriteTimeout, err = parseDurationField("pprof.write_timeout", pc.WriteTimeout); err != nil {
		return pprofsvc.Config{}, err
	}
	if out.IdleTimeout, err = parseDurationField("pprof.idle_timeout", pc.IdleTimeout); err != nil {
		return pprofsvc.Config{}, err
	}
	return out, nil
}

func setupRollbar(cfg *Config, version string, log logx.Logger) (bool, func()) {
	var rc config.RollbarConfig
	if cfg != nil && cfg.Rollbar != nil {
		rc = *cfg.Rollbar
	}
	return observability.Setup(rc, version, log)
}

// nodeName identifies this agent in sinks, alerts and the API.
func nodeName(cfg *Config) string {
	if cfg != nil {
		if n := strings.TrimSpace(cfg.Agent.Name); n != "" {
			return n
		}
	}
	if hn, err := os.Hostname(); err == nil && hn != "" {
		return hn
	}
	return "nodediag"
}

// hardwareID is stamped on every published report.
func hardwareID(cfg *Config) string {
	if cfg != nil {
		if id := strings.TrimSpace(cfg.Agent.HardwareID); id != "" {
			return id
		}
	}
	if hn, err := os.Hostname(); err == nil {
		return hn
	}
	return ""
}
