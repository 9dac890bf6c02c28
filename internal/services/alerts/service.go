package alerts

import (
	"context"
	"fmt"
	"hash/fnv"
	"math/rand"
	"path"
	"runtime/debug"
	"sort"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"nodediag/internal/config"
	"nodediag/internal/eventbus"
	"nodediag/internal/sinks"
	"nodediag/internal/storage"
	"nodediag/pkg/diag"
	logx "nodediag/pkg/logx"
)

func New(cfg Config, node string, bus eventbus.Bus, store storage.Store, log logx.Logger) (*Service, error) {
	if log.IsZero() {
		log = logx.Nop()
	}
	s := &Service{
		log:     log,
		bus:     bus,
		store:   store,
		node:    node,
		dedup:   map[string]time.Time{},
		streaks: map[string]int{},
	}
	s.mu.Lock()
	err := s.applyLocked(cfg)
	s.mu.Unlock()
	if err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Service) Enabled() bool {
	s.mu.Lock()
	en := s.cfg.Enabled
	s.mu.Unlock()
	return en
}

// Apply swaps rules, channels and pipeline knobs live. Queued jobs for
// a removed channel are skipped at send time.
func (s *Service) Apply(cfg Config) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.applyLocked(cfg)
}

func (s *Service) applyLocked(cfg Config) error {
	// Defaults
	if cfg.Workers <= 0 {
		cfg.Workers = 2
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 512
	}
	if cfg.RatePerSec <= 0 {
		cfg.RatePerSec = 3
	}
	if cfg.RetryMax < 0 {
		cfg.RetryMax = 0
	}
	if cfg.RetryBase <= 0 {
		cfg.RetryBase = 500 * time.Millisecond
	}
	if cfg.RetryMaxDelay <= 0 {
		cfg.RetryMaxDelay = 10 * time.Second
	}
	if cfg.DedupWindow < 0 {
		cfg.DedupWindow = 0
	}
	if cfg.DedupMaxEntries <= 0 {
		cfg.DedupMaxEntries = 2000
	}

	rules, err := parseRules(cfg.Rules)
	if err != nil {
		return err
	}
	senders, err := BuildSenders(cfg.Channels)
	if err != nil {
		return err
	}

	s.cfg = cfg
	s.rules = rules
	s.senders = senders
	// Token bucket per channel: burst = rate per sec, so short spikes
	// don't block too hard.
	s.limiters = make(map[string]*rate.Limiter, len(senders))
	for name := range senders {
		s.limiters[name] = rate.NewLimiter(rate.Limit(cfg.RatePerSec), cfg.RatePerSec)
	}
	// Rules changed; sustained counts start over.
	s.streaks = map[string]int{}
	return nil
}

func parseRules(rs []config.AlertRule) ([]rule, error) {
	if len(rs) == 0 {
		// With no rules, everything at warn or above alerts everywhere.
		return []rule{{match: "*", min: diag.LevelWarn, sustained: 1}}, nil
	}
	out := make([]rule, 0, len(rs))
	for i, rc := range rs {
		m := strings.TrimSpace(rc.Match)
		if m == "" {
			m = "*"
		}
		if _, err := path.Match(m, "probe"); err != nil {
			return nil, fmt.Errorf("rule %d: invalid match pattern %q", i, m)
		}
		min := diag.LevelWarn
		if strings.TrimSpace(rc.MinLevel) != "" {
			lv, err := diag.ParseLevel(rc.MinLevel)
			if err != nil {
				return nil, fmt.Errorf("rule %d: %w", i, err)
			}
			min = lv
		}
		sustained := rc.Sustained
		if sustained < 1 {
			sustained = 1
		}
		out = append(out, rule{
			match:     m,
			min:       min,
			channels:  append([]string(nil), rc.Channels...),
			sustained: sustained,
		})
	}
	return out, nil
}

func (s *Service) Start(ctx context.Context) {
	s.mu.Lock()
	if s.queue != nil {
		// already running
		s.mu.Unlock()
		return
	}
	if !s.cfg.Enabled {
		s.mu.Unlock()
		return
	}

	s.queue = make(chan job, s.cfg.QueueSize)
	s.accepting = true
	s.stopDone = make(chan struct{})
	s.runCtx, s.runCancel = context.WithCancel(ctx)
	workers := s.cfg.Workers
	channels := len(s.senders)
	ruleCount := len(s.rules)
	s.mu.Unlock()

	if s.bus != nil {
		ch, unsub := s.bus.SubscribeTypes(16, sinks.EventBatch)
		s.mu.Lock()
		s.unsub = unsub
		s.mu.Unlock()
		go s.consume(ch)
	}

	for i := 0; i < workers; i++ {
		i := i
		s.workerWG.Add(1)
		go func() {
			defer s.workerWG.Done()
			defer func() {
				if r := recover(); r != nil {
					s.log.Error("panic in alert worker",
						logx.Int("worker", i),
						logx.Any("panic", r),
						logx.Stack(string(debug.Stack())),
					)
				}
			}()
			s.workerLoop()
		}()
	}
	s.log.Info("alerts started",
		logx.Int("workers", workers),
		logx.Int("channels", channels),
		logx.Int("rules", ruleCount),
	)
}

// Stop stops intake and drains the queue best-effort until ctx deadline.
func (s *Service) Stop(ctx context.Context) {
	s.mu.Lock()
	q := s.queue
	done := s.stopDone
	cancel := s.runCancel
	unsub := s.unsub
	if q == nil {
		s.mu.Unlock()
		return
	}
	s.accepting = false
	s.unsub = nil
	s.mu.Unlock()

	// Detach from the bus first so no new batches arrive mid-drain.
	if unsub != nil {
		unsub()
	}

	// Wait for in-flight enqueues, then close the queue so workers can drain.
	ch := make(chan struct{})
	go func() {
		s.enqWG.Wait()
		close(ch)
	}()
	select {
	case <-ctx.Done():
		if cancel != nil {
			cancel()
		}
		return
	case <-ch:
	}

	func() {
		defer func() { _ = recover() }()
		close(q)
	}()

	go func() {
		s.workerWG.Wait()
		close(done)
	}()
	select {
	case <-ctx.Done():
	case <-done:
	}
	if cancel != nil {
		cancel()
	}

	s.mu.Lock()
	s.queue = nil
	s.stopDone = nil
	s.runCancel = nil
	s.runCtx = nil
	s.mu.Unlock()
	s.log.Info("alerts stopped")
}

func (s *Service) consume(ch <-chan eventbus.Event) {
	for ev := range ch {
		batch, ok := ev.Data.([]diag.Report)
		if !ok {
			continue
		}
		s.EvaluateBatch(ev.Time, batch)
	}
}

// EvaluateBatch matches one dispatched batch against the rules and
// enqueues an alert per matched report and channel.
func (s *Service) EvaluateBatch(at time.Time, batch []diag.Report) {
	s.mu.Lock()
	if !s.cfg.Enabled || !s.accepting || s.queue == nil {
		s.mu.Unlock()
		return
	}
	q := s.queue

	type pending struct {
		rep      diag.Report
		channels map[string]struct{}
	}
	var fires []pending
	for _, rep := range batch {
		var chans map[string]struct{}
		for ri, ru := range s.rules {
			key := fmt.Sprintf("%d|%s", ri, rep.Name)
			matched, _ := path.Match(ru.match, rep.Name)
			if !matched || rep.Level < ru.min {
				delete(s.streaks, key)
				continue
			}
			s.streaks[key]++
			if s.streaks[key] < ru.sustained {
				continue
			}
			if chans == nil {
				chans = map[string]struct{}{}
			}
			if len(ru.channels) == 0 {
				for name := range s.senders {
					chans[name] = struct{}{}
				}
			} else {
				for _, name := range ru.channels {
					if _, ok := s.senders[name]; ok {
						chans[name] = struct{}{}
					}
				}
			}
		}
		if len(chans) > 0 {
			fires = append(fires, pending{rep: rep, channels: chans})
		}
	}
	s.enqWG.Add(1)
	s.mu.Unlock()
	defer s.enqWG.Done()

	for _, p := range fires {
		names := make([]string, 0, len(p.channels))
		for n := range p.channels {
			names = append(names, n)
		}
		sort.Strings(names)
		for _, channel := range names {
			// Outcomes surface as bus events; a full queue is not an
			// evaluation error.
			_ = s.enqueueOne(q, at, channel, p.rep)
		}
	}
}

// Notify bypasses rule matching and enqueues a report on the named
// channels, or on every configured channel when none are given.
func (s *Service) Notify(rep diag.Report, channels ...string) error {
	s.mu.Lock()
	if !s.cfg.Enabled {
		s.mu.Unlock()
		return ErrDisabled
	}
	if !s.accepting || s.queue == nil {
		s.mu.Unlock()
		return ErrStopped
	}
	q := s.queue
	names := make([]string, 0, len(s.senders))
	if len(channels) == 0 {
		for n := range s.senders {
			names = append(names, n)
		}
	} else {
		for _, n := range channels {
			if _, ok := s.senders[n]; ok {
				names = append(names, n)
			}
		}
	}
	sort.Strings(names)
	s.enqWG.Add(1)
	s.mu.Unlock()
	defer s.enqWG.Done()

	if len(names) == 0 {
		return fmt.Errorf("no matching channels")
	}
	at := time.Now()
	var lastErr error
	for _, channel := range names {
		if err := s.enqueueOne(q, at, channel, rep); err != nil {
			lastErr = err
		}
	}
	return lastErr
}

func (s *Service) enqueueOne(q chan job, at time.Time, channel string, rep diag.Report) error {
	s.mu.Lock()
	window := s.cfg.DedupWindow
	maxEntries := s.cfg.DedupMaxEntries
	persist := s.cfg.PersistDedup
	s.mu.Unlock()

	key := dedupKey(channel, rep)
	if window > 0 {
		if !s.dedupAllow(key, window, maxEntries, persist) {
			s.publishEvent("alert.deduped", channel, rep, key, "")
			return nil
		}
	}

	s.publishEvent("alert.queued", channel, rep, key, "")
	select {
	case q <- job{channel: channel, alert: Alert{Node: s.node, At: at, Report: rep}, dedupKey: key}:
		return nil
	default:
		s.publishEvent("alert.dropped", channel, rep, key, ErrQueueFull.Error())
		return ErrQueueFull
	}
}

func (s *Service) publishEvent(typ, channel string, rep diag.Report, key, errStr string) {
	if s.bus == nil {
		return
	}
	now := time.Now()
	s.bus.Publish(eventbus.Event{Type: typ, Time: now, Data: AlertEvent{
		Channel: channel,
		Task:    rep.Name,
		Level:   rep.Level.String(),
		Key:     key,
		At:      now,
		Error:   errStr,
	}})
}

func (s *Service) Snapshot() []HistoryItem {
	s.hmu.Lock()
	out := append([]HistoryItem(nil), s.history...)
	s.hmu.Unlock()
	return out
}

func (s *Service) appendHistory(item HistoryItem) {
	s.hmu.Lock()
	s.history = append(s.history, item)
	if len(s.history) > 300 {
		s.history = s.history[len(s.history)-300:]
	}
	s.hmu.Unlock()
}

func (s *Service) workerLoop() {
	s.mu.Lock()
	q := s.queue
	runCtx := s.runCtx
	s.mu.Unlock()

	for j := range q {
		if runCtx != nil {
			select {
			case <-runCtx.Done():
				return
			default:
			}
		}
		s.sendWithRetry(runCtx, j)
	}
}

func (s *Service) sendWithRetry(runCtx context.Context, j job) {
	s.mu.Lock()
	cfg := s.cfg
	lim := s.limiters[j.channel]
	snd := s.senders[j.channel]
	s.mu.Unlock()

	if snd == nil {
		// Channel removed by a reload between enqueue and send.
		return
	}

	maxAttempts := 1
	if cfg.RetryMax > 0 {
		maxAttempts = 1 + cfg.RetryMax
	}

	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if lim != nil {
			wctx := runCtx
			if wctx == nil {
				wctx = context.Background()
			}
			if err := lim.Wait(wctx); err != nil {
				return
			}
		}

		// Bound per-send call. Keep tight to avoid hanging workers.
		callCtx := runCtx
		if callCtx == nil {
			callCtx = context.Background()
		}
		callCtx, cancel := context.WithTimeout(callCtx, 10*time.Second)
		err := snd.Send(callCtx, j.alert)
		cancel()
		if err == nil {
			s.appendHistory(HistoryItem{
				At:      time.Now(),
				Channel: j.channel,
				Task:    j.alert.Report.Name,
				Level:   j.alert.Report.Level.String(),
				Message: j.alert.Report.Message,
			})
			s.publishEvent("alert.sent", j.channel, j.alert.Report, j.dedupKey, "")
			return
		}
		lastErr = err
		s.log.Debug("alert send failed",
			logx.String("channel", j.channel),
			logx.Err(err),
			logx.Int("attempt", attempt),
			logx.Int("max", maxAttempts),
		)

		if attempt >= maxAttempts {
			break
		}
		delay := retryDelay(cfg, attempt)
		if delay <= 0 {
			continue
		}
		t := time.NewTimer(delay)
		rc := runCtx
		if rc == nil {
			rc = context.Background()
		}
		select {
		case <-t.C:
		case <-rc.Done():
			if !t.Stop() {
				<-t.C
			}
			return
		}
	}

	if lastErr != nil {
		s.appendHistory(HistoryItem{
			At:      time.Now(),
			Channel: j.channel,
			Task:    j.alert.Report.Name,
			Level:   j.alert.Report.Level.String(),
			Message: j.alert.Report.Message,
			Error:   lastErr.Error(),
		})
		s.publishEvent("alert.failed", j.channel, j.alert.Report, j.dedupKey, lastErr.Error())
		s.log.Warn("alert delivery failed",
			logx.String("channel", j.channel),
			logx.String("task", j.alert.Report.Name),
			logx.Err(lastErr),
		)
	}
}

func dedupKey(channel string, rep diag.Report) string {
	h := fnv.New64a()
	_, _ = h.Write([]byte(channel))
	_, _ = h.Write([]byte("|"))
	_, _ = h.Write([]byte(rep.Name))
	_, _ = h.Write([]byte("|"))
	_, _ = h.Write([]byte{byte(rep.Level)})
	_, _ = h.Write([]byte("|"))
	_, _ = h.Write([]byte(rep.Message))
	return fmt.Sprintf("%x", h.Sum64())
}

func (s *Service) dedupAllow(key string, window time.Duration, max int, persist bool) bool {
	now := time.Now()

	s.dmu.Lock()
	if until, ok := s.dedup[key]; ok && now.Before(until) {
		s.dmu.Unlock()
		return false
	}
	until := now.Add(window)
	s.dedup[key] = until

	// Prune expired and cap.
	for k, u := range s.dedup {
		if !now.Before(u) {
			delete(s.dedup, k)
		}
	}
	if max > 0 && len(s.dedup) > max {
		// Remove entries with earliest expiry until within cap.
		for len(s.dedup) > max {
			var (
				minKey string
				minT   time.Time
				set    bool
			)
			for k, u := range s.dedup {
				if !set || u.Before(minT) {
					minKey, minT, set = k, u, true
				}
			}
			if minKey == "" {
				break
			}
			delete(s.dedup, minKey)
		}
	}
	s.dmu.Unlock()

	if persist && s.store != nil {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		if stUntil, ok, err := s.store.GetDedup(ctx, key); err == nil && ok && now.Before(stUntil) {
			// The persistent mirror remembers a suppression from before
			// the restart; honor it.
			s.dmu.Lock()
			s.dedup[key] = stUntil
			s.dmu.Unlock()
			return false
		}
		if err := s.store.PutDedup(ctx, key, until); err != nil {
			s.log.Warn("persist dedup entry failed", logx.Err(err))
		}
	}
	return true
}

func retryDelay(cfg Config, attempt int) time.Duration {
	// attempt starts at 1 (first attempt), delay is for the NEXT attempt.
	base := cfg.RetryBase
	maxD := cfg.RetryMaxDelay

	// Exponential backoff: base * 2^(attempt-1)
	d := base
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= maxD {
			d = maxD
			break
		}
	}
	// Jitter 0.7..1.3
	rng := rand.New(rand.NewSource(time.Now().UnixNano()))
	j := 0.7 + rng.Float64()*0.6
	d = time.Duration(float64(d) * j)
	if d < 0 {
		return 0
	}
	if d > maxD {
		d = maxD
	}
	return d
}
