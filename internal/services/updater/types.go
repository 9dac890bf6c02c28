package updater

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"

	"nodediag/pkg/diag"
	logx "nodediag/pkg/logx"
)

// Config controls the dispatch driver.
type Config struct {
	// Period is the diagnostic period the dispatcher gates on. Zero
	// keeps diag.DefaultPeriod.
	Period time.Duration

	// TickInterval is the driver granularity. The cron runner resolves
	// @every at one second, so values below 1s are clamped up; dispatch
	// still self-gates on Period.
	TickInterval time.Duration

	// ForceSchedule is an optional cron spec (seconds field optional)
	// that runs an unconditional dispatch pass.
	ForceSchedule string

	// Timezone is the IANA zone ForceSchedule fires in. Empty means
	// the process-local zone.
	Timezone string

	HardwareID string
}

// Service wraps a diag.Updater with lifecycle, hot reload and the cron
// driver.
type Service struct {
	mu  sync.Mutex
	log logx.Logger
	cfg Config
	loc *time.Location

	parser cron.Parser
	c      *cron.Cron

	tickEntry  cron.EntryID
	forceEntry cron.EntryID

	upd *diag.Updater

	stopCh chan struct{}

	// watchdog interval in nanoseconds (0 when not armed) and the time
	// of the last notify. Atomics: the tick path reads them without
	// holding mu.
	watchdog atomic.Int64
	lastKick atomic.Int64

	ticks  atomic.Uint64
	forced atomic.Uint64
}

// Snapshot is a point-in-time view for the debug API.
type Snapshot struct {
	Running      bool          `json:"running"`
	Period       time.Duration `json:"period"`
	TickInterval time.Duration `json:"tick_interval"`
	Timezone     string        `json:"timezone"`
	HardwareID   string        `json:"hardware_id,omitempty"`
	Tasks        []string      `json:"tasks"`
	Ticks        uint64        `json:"ticks"`
	Forced       uint64        `json:"forced"`
	NextTick     time.Time     `json:"next_tick,omitempty"`
	NextForce    time.Time     `json:"next_force,omitempty"`
	Watchdog     time.Duration `json:"watchdog,omitempty"`
}
