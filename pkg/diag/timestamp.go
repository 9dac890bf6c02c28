package diag

import (
	"sync"
	"time"
)

// TimestampConfig bounds how far observed timestamps may lag or lead the
// local clock.
type TimestampConfig struct {
	// MinAcceptable is the smallest acceptable delay (now minus stamp).
	// Negative values allow stamps slightly in the future. Zero means the
	// default of -1s.
	MinAcceptable time.Duration

	// MaxAcceptable is the largest acceptable delay. Zero means the
	// default of 5s.
	MaxAcceptable time.Duration
}

// TimestampStatus reports whether timestamps observed through Tick stay
// close to the local clock. The min/max delay window resets on every Run;
// the early/late/zero counters are cumulative. Tick is safe to call from
// any goroutine.
type TimestampStatus struct {
	name  string
	cfg   TimestampConfig
	clock Clock

	mu       sync.Mutex
	valid    bool
	zeroSeen bool
	minDelta time.Duration
	maxDelta time.Duration

	earlyCount int
	lateCount  int
	zeroCount  int
}

// NewTimestampStatus builds a timestamp task. Zero config fields fall back
// to their defaults.
func NewTimestampStatus(name string, cfg TimestampConfig) *TimestampStatus {
	return newTimestampStatus(name, cfg, SystemClock())
}

func newTimestampStatus(name string, cfg TimestampConfig, clock Clock) *TimestampStatus {
	if cfg.MinAcceptable == 0 {
		cfg.MinAcceptable = -time.Second
	}
	if cfg.MaxAcceptable == 0 {
		cfg.MaxAcceptable = 5 * time.Second
	}
	return &TimestampStatus{name: name, cfg: cfg, clock: clock}
}

func (s *TimestampStatus) Name() string { return s.name }

// Tick records one observed timestamp. A zero stamp is flagged instead of
// being measured.
func (s *TimestampStatus) Tick(stamp time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if stamp.IsZero() {
		s.zeroSeen = true
		return
	}
	delta := s.clock.Now().Sub(stamp)
	if !s.valid || delta < s.minDelta {
		s.minDelta = delta
	}
	if !s.valid || delta > s.maxDelta {
		s.maxDelta = delta
	}
	s.valid = true
}

func (s *TimestampStatus) Run(r *Report) {
	s.mu.Lock()
	defer s.mu.Unlock()

	r.Summary(LevelOK, "Timestamps are reasonable.")
	if !s.valid {
		r.Summary(LevelWarn, "No data since last update.")
	} else {
		if s.minDelta < s.cfg.MinAcceptable {
			r.Summary(LevelError, "Timestamps too far in future seen.")
			s.earlyCount++
		}
		if s.maxDelta > s.cfg.MaxAcceptable {
			r.Summary(LevelError, "Timestamps too far in past seen.")
			s.lateCount++
		}
	}
	if s.zeroSeen {
		r.Summary(LevelError, "Zero timestamp seen.")
		s.zeroCount++
	}

	r.Addf("Earliest timestamp delay (s)", "%f", s.minDelta.Seconds())
	r.Addf("Latest timestamp delay (s)", "%f", s.maxDelta.Seconds())
	r.Addf("Earliest acceptable timestamp delay (s)", "%f", s.cfg.MinAcceptable.Seconds())
	r.Addf("Latest acceptable timestamp delay (s)", "%f", s.cfg.MaxAcceptable.Seconds())
	r.Addf("Late diagnostic update count", "%d", s.lateCount)
	r.Addf("Early diagnostic update count", "%d", s.earlyCount)
	r.Addf("Zero timestamp count", "%d", s.zeroCount)

	s.valid = false
	s.zeroSeen = false
	s.minDelta = 0
	s.maxDelta = 0
}
