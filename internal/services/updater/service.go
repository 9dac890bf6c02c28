package updater

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"
	"github.com/robfig/cron/v3"

	"nodediag/pkg/diag"
	logx "nodediag/pkg/logx"
)

func New(cfg Config, sink diag.Sink, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	opts := []diag.Option{}
	if cfg.Period > 0 {
		opts = append(opts, diag.WithPeriod(cfg.Period))
	}
	if cfg.HardwareID != "" {
		opts = append(opts, diag.WithHardwareID(cfg.HardwareID))
	}
	return &Service{
		cfg: cfg,
		log: log,
		// SecondOptional allows both 5-field and 6-field (with seconds) cron specs.
		parser: cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor),
		upd:    diag.NewUpdater(sink, opts...),
	}
}

// Updater exposes the dispatcher for probe registration and the HTTP
// layer. Tasks may be added or removed while the service runs.
func (s *Service) Updater() *diag.Updater { return s.upd }

func (s *Service) Start(ctx context.Context) error {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopCh != nil {
		return nil
	}

	loc := s.loadLocationLocked()
	s.loc = loc
	s.c = cron.New(cron.WithParser(s.parser), cron.WithLocation(loc))
	if err := s.registerEntriesLocked(); err != nil {
		s.c = nil
		return err
	}
	s.stopCh = make(chan struct{})

	if d, err := daemon.SdWatchdogEnabled(false); err == nil && d > 0 {
		s.watchdog.Store(int64(d))
		s.lastKick.Store(time.Now().UnixNano())
		s.log.Info("systemd watchdog armed", logx.Duration("interval", d))
	}

	s.c.Start()
	s.log.Info("updater started",
		logx.Duration("period", s.upd.Period()),
		logx.Duration("tick", s.effectiveTickLocked()),
		logx.String("tz", loc.String()),
		logx.Int("tasks", s.upd.Len()),
	)
	return nil
}

func (s *Service) Stop(ctx context.Context) {
	s.mu.Lock()
	if s.stopCh == nil {
		s.mu.Unlock()
		return
	}
	close(s.stopCh)
	s.stopCh = nil
	c := s.c
	s.c = nil
	s.mu.Unlock()

	if c != nil {
		// Stop waits for an in-flight dispatch pass; a hung probe must
		// not wedge shutdown past the caller's deadline.
		select {
		case <-c.Stop().Done():
		case <-ctx.Done():
			s.log.Warn("updater stop timed out with dispatch still running")
		}
	}
	s.log.Info("updater stopped", logx.Uint64("ticks", s.ticks.Load()))
}

// Apply updates the dispatcher live. Period and hardware id take
// effect immediately; driver changes (tick interval, force schedule,
// timezone) restart the cron runner.
func (s *Service) Apply(cfg Config) {
	s.mu.Lock()
	defer s.mu.Unlock()

	restart := s.stopCh != nil &&
		(cfg.TickInterval != s.cfg.TickInterval ||
			strings.TrimSpace(cfg.ForceSchedule) != strings.TrimSpace(s.cfg.ForceSchedule) ||
			strings.TrimSpace(cfg.Timezone) != strings.TrimSpace(s.cfg.Timezone))
	s.cfg = cfg

	if cfg.Period > 0 && cfg.Period != s.upd.Period() {
		s.upd.SetPeriod(cfg.Period)
		s.log.Info("diagnostic period changed", logx.Duration("period", cfg.Period))
	}
	if cfg.HardwareID != "" && cfg.HardwareID != s.upd.HardwareID() {
		s.upd.SetHardwareID(cfg.HardwareID)
	}
	if restart {
		s.restartLocked()
	}
}

// SetPeriod changes the dispatch period live. The API uses this; config
// reloads go through Apply.
func (s *Service) SetPeriod(d time.Duration) {
	if d <= 0 {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if d == s.upd.Period() {
		return
	}
	s.cfg.Period = d
	s.upd.SetPeriod(d)
	s.log.Info("diagnostic period changed", logx.Duration("period", d))
}

// Period reports the current dispatch period.
func (s *Service) Period() time.Duration {
	return s.upd.Period()
}

// Force runs a full dispatch pass immediately without touching the
// schedule.
func (s *Service) Force() {
	s.upd.ForceUpdate()
	s.forced.Add(1)
}

// Broadcast publishes one synthetic report per registered task.
func (s *Service) Broadcast(level diag.Level, message string) {
	s.upd.Broadcast(level, message)
}

func (s *Service) registerEntriesLocked() error {
	tick := s.effectiveTickLocked()
	id, err := s.c.AddFunc("@every "+tick.String(), s.tick)
	if err != nil {
		return fmt.Errorf("tick entry: %w", err)
	}
	s.tickEntry = id
	s.forceEntry = 0

	if spec := strings.TrimSpace(s.cfg.ForceSchedule); spec != "" {
		id, err := s.c.AddFunc(spec, s.Force)
		if err != nil {
			return fmt.Errorf("force_schedule %q: %w", spec, err)
		}
		s.forceEntry = id
	}
	return nil
}

func (s *Service) effectiveTickLocked() time.Duration {
	tick := s.cfg.TickInterval
	if tick < time.Second {
		tick = time.Second
	}
	return tick
}

func (s *Service) tick() {
	s.upd.Tick()
	s.ticks.Add(1)
	s.kickWatchdog()
}

// kickWatchdog runs on the tick path and must not take s.mu: Apply and
// Stop wait out in-flight cron jobs while holding it.
func (s *Service) kickWatchdog() {
	d := time.Duration(s.watchdog.Load())
	if d <= 0 {
		return
	}
	last := s.lastKick.Load()
	now := time.Now()
	if now.Sub(time.Unix(0, last)) < d/2 {
		return
	}
	if !s.lastKick.CompareAndSwap(last, now.UnixNano()) {
		return
	}
	if _, err := daemon.SdNotify(false, daemon.SdNotifyWatchdog); err != nil {
		s.log.Warn("watchdog notify failed", logx.Err(err))
	}
}

func (s *Service) restartLocked() {
	if s.c != nil {
		<-s.c.Stop().Done()
	}
	loc := s.loadLocationLocked()
	s.loc = loc
	s.c = cron.New(cron.WithParser(s.parser), cron.WithLocation(loc))
	if err := s.registerEntriesLocked(); err != nil {
		s.log.Error("re-register dispatch entries", logx.Err(err))
	}
	s.c.Start()
	s.log.Info("updater restarted", logx.String("tz", loc.String()))
}

func (s *Service) loadLocationLocked() *time.Location {
	tz := strings.TrimSpace(s.cfg.Timezone)
	if tz == "" {
		return time.Local
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		s.log.Warn("invalid timezone, falling back to local", logx.String("tz", tz), logx.Err(err))
		return time.Local
	}
	return loc
}

// ValidateConfig checks the parts of cfg that would only surface as
// errors at Start: the force schedule spec and the timezone. Config
// reload validation runs this before committing.
func ValidateConfig(cfg Config) error {
	if spec := strings.TrimSpace(cfg.ForceSchedule); spec != "" {
		parser := cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
		if _, err := parser.Parse(spec); err != nil {
			return fmt.Errorf("updater.force_schedule %q: %w", spec, err)
		}
	}
	if tz := strings.TrimSpace(cfg.Timezone); tz != "" {
		if _, err := time.LoadLocation(tz); err != nil {
			return fmt.Errorf("updater.timezone: invalid %q: %w", tz, err)
		}
	}
	return nil
}
