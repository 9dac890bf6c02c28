package diag

import (
	"fmt"
	"strings"
	"time"
)

// DefaultPeriod is the dispatch period used when none is configured.
const DefaultPeriod = time.Second

// Updater owns a task Registry and dispatches it at a fixed period. All
// updater state (period, next-due time, hardware ID) shares the registry
// mutex, so ticks, forced updates and task changes serialize against each
// other. Task callbacks run while that mutex is held; see the package doc
// for the reentrancy constraint this implies.
type Updater struct {
	*Registry

	clock Clock
	sink  Sink

	// guarded by the registry mutex
	period       time.Duration
	next         time.Time
	hwid         string
	warnedNoHWID bool
}

// Option configures an Updater at construction.
type Option func(*Updater)

// WithClock replaces the wall clock. Used by tests and by drivers that feed
// a synthetic timeline.
func WithClock(c Clock) Option {
	return func(u *Updater) {
		if c != nil {
			u.clock = c
		}
	}
}

// WithPeriod sets the initial dispatch period.
func WithPeriod(d time.Duration) Option {
	return func(u *Updater) {
		if d > 0 {
			u.period = d
		}
	}
}

// WithHardwareID sets the hardware ID stamped on every published report.
func WithHardwareID(id string) Option {
	return func(u *Updater) { u.hwid = id }
}

// NewUpdater builds an Updater publishing to sink. The first dispatch comes
// one full period after construction.
func NewUpdater(sink Sink, opts ...Option) *Updater {
	if sink == nil {
		panic("diag: NewUpdater with nil sink")
	}
	u := &Updater{
		Registry: NewRegistry(),
		clock:    SystemClock(),
		sink:     sink,
		period:   DefaultPeriod,
	}
	for _, o := range opts {
		o(u)
	}
	u.next = u.clock.Now().Add(u.period)
	u.Registry.OnAdd(u.taskAdded)
	return u
}

// Tick dispatches all tasks if the period has elapsed, otherwise returns
// immediately. Call it as often as convenient; the updater self-gates.
func (u *Updater) Tick() {
	u.mu.Lock()
	defer u.mu.Unlock()
	now := u.clock.Now()
	if now.Before(u.next) {
		return
	}
	u.sink.Publish(u.runAllLocked())
	u.next = now.Add(u.period)
}

// ForceUpdate dispatches all tasks immediately. The periodic schedule is not
// disturbed: the next timed dispatch stays where it was.
func (u *Updater) ForceUpdate() {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.sink.Publish(u.runAllLocked())
}

// Broadcast publishes one synthetic report per registered task, all carrying
// the given level and message. Tasks do not run.
func (u *Updater) Broadcast(level Level, message string) {
	u.mu.Lock()
	defer u.mu.Unlock()
	batch := make([]Report, 0, len(u.entries))
	for _, e := range u.entries {
		batch = append(batch, Report{
			Name:       e.name,
			HardwareID: u.hwid,
			Level:      level,
			Message:    message,
		})
	}
	u.sink.Publish(batch)
}

// Period returns the current dispatch period.
func (u *Updater) Period() time.Duration {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.period
}

// SetPeriod changes the dispatch period and restarts the countdown: the next
// dispatch is one full new period from now.
func (u *Updater) SetPeriod(d time.Duration) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.period = d
	u.next = u.clock.Now().Add(d)
}

// HardwareID returns the configured hardware ID.
func (u *Updater) HardwareID() string {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.hwid
}

// SetHardwareID sets the hardware ID stamped on every published report.
func (u *Updater) SetHardwareID(id string) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.hwid = id
}

// SetHardwareIDf formats a hardware ID and sets it. A format string that
// does not match its arguments is rejected instead of being stamped onto
// every report.
func (u *Updater) SetHardwareIDf(format string, args ...any) error {
	id := fmt.Sprintf(format, args...)
	if strings.Contains(id, "%!") {
		return fmt.Errorf("diag: bad hardware ID format %q", format)
	}
	u.SetHardwareID(id)
	return nil
}

// taskAdded is the registry add hook: it announces the new entry right away
// so consumers see it before the first timed dispatch.
func (u *Updater) taskAdded(name string) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.sink.Publish([]Report{{
		Name:       name,
		HardwareID: u.hwid,
		Level:      LevelOK,
		Message:    "Node starting up",
	}})
}

// runAllLocked runs every entry and returns the batch. Each report starts as
// an error so a task that sets no summary is visibly broken, and the name is
// forced back to the registered entry name afterwards.
func (u *Updater) runAllLocked() []Report {
	batch := make([]Report, 0, len(u.entries)+1)
	for _, e := range u.entries {
		r := Report{
			Name:       e.name,
			HardwareID: u.hwid,
			Level:      LevelError,
			Message:    "No message was set",
		}
		runGuarded(e.run, &r)
		r.Name = e.name
		batch = append(batch, r)
	}
	if u.hwid == "" && !u.warnedNoHWID {
		u.warnedNoHWID = true
		batch = append(batch, Report{
			Name:    "updater",
			Level:   LevelWarn,
			Message: "No hardware ID was set. Call SetHardwareID to identify this node.",
		})
	}
	return batch
}

// runGuarded isolates a panicking task: the panic is converted into an error
// summary on that task's report and dispatch continues with the rest.
func runGuarded(fn RunFunc, r *Report) {
	defer func() {
		if p := recover(); p != nil {
			r.Summaryf(LevelError, "task panicked: %v", p)
		}
	}()
	fn(r)
}
