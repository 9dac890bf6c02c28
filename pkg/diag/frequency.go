package diag

import (
	"sync"
	"time"
)

// FrequencyConfig bounds the event rate a FrequencyStatus accepts.
type FrequencyConfig struct {
	// MinFreq and MaxFreq bound the acceptable rate in events per second.
	// A zero MinFreq disables the lower check, a zero MaxFreq the upper.
	MinFreq float64
	MaxFreq float64

	// Tolerance widens the bounds by the given fraction on each side.
	// Zero means the default of 0.1.
	Tolerance float64

	// WindowSize is the number of dispatch periods the rate is averaged
	// over. Zero means the default of 5.
	WindowSize int
}

// FrequencyStatus reports whether events signalled through Tick arrive
// within a configured rate band. The rate is averaged over a ring of the
// last WindowSize dispatches, so one slow period does not flap the status.
// Tick is safe to call from any goroutine.
type FrequencyStatus struct {
	name  string
	cfg   FrequencyConfig
	clock Clock

	mu    sync.Mutex
	count int
	times []time.Time
	seqs  []int
	idx   int
}

// NewFrequencyStatus builds a frequency task. Zero config fields fall back
// to their defaults.
func NewFrequencyStatus(name string, cfg FrequencyConfig) *FrequencyStatus {
	return newFrequencyStatus(name, cfg, SystemClock())
}

func newFrequencyStatus(name string, cfg FrequencyConfig, clock Clock) *FrequencyStatus {
	if cfg.Tolerance == 0 {
		cfg.Tolerance = 0.1
	}
	if cfg.WindowSize <= 0 {
		cfg.WindowSize = 5
	}
	s := &FrequencyStatus{
		name:  name,
		cfg:   cfg,
		clock: clock,
		times: make([]time.Time, cfg.WindowSize),
		seqs:  make([]int, cfg.WindowSize),
	}
	s.Clear()
	return s
}

func (s *FrequencyStatus) Name() string { return s.name }

// Tick records one event.
func (s *FrequencyStatus) Tick() {
	s.mu.Lock()
	s.count++
	s.mu.Unlock()
}

// Clear forgets all recorded events and restarts the averaging window.
func (s *FrequencyStatus) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.clock.Now()
	s.count = 0
	for i := range s.times {
		s.times[i] = now
		s.seqs[i] = 0
	}
	s.idx = 0
}

func (s *FrequencyStatus) Run(r *Report) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.clock.Now()
	events := s.count - s.seqs[s.idx]
	window := now.Sub(s.times[s.idx]).Seconds()
	var freq float64
	if window > 0 {
		freq = float64(events) / window
	}
	s.times[s.idx] = now
	s.seqs[s.idx] = s.count
	s.idx = (s.idx + 1) % len(s.times)

	switch {
	case events == 0:
		r.Summary(LevelError, "No events recorded.")
	case s.cfg.MinFreq > 0 && freq < s.cfg.MinFreq*(1-s.cfg.Tolerance):
		r.Summary(LevelWarn, "Frequency too low.")
	case s.cfg.MaxFreq > 0 && freq > s.cfg.MaxFreq*(1+s.cfg.Tolerance):
		r.Summary(LevelWarn, "Frequency too high.")
	default:
		r.Summary(LevelOK, "Desired frequency met")
	}

	r.Addf("Events in window", "%d", events)
	r.Addf("Events since startup", "%d", s.count)
	r.Addf("Duration of window (s)", "%f", window)
	r.Addf("Actual frequency (Hz)", "%f", freq)
	if s.cfg.MinFreq == s.cfg.MaxFreq {
		r.Addf("Target frequency (Hz)", "%f", s.cfg.MinFreq)
	} else {
		if s.cfg.MinFreq > 0 {
			r.Addf("Minimum acceptable frequency (Hz)", "%f", s.cfg.MinFreq)
		}
		if s.cfg.MaxFreq > 0 {
			r.Addf("Maximum acceptable frequency (Hz)", "%f", s.cfg.MaxFreq)
		}
	}
}
