// Package diag implements the diagnostic core used by the nodediag agent:
// a registry of named health-check tasks, composite task merging, and a
// rate-limited updater that runs every task and hands the resulting report
// batch to a sink.
//
// # Tasks
//
// A Task is a named unit of work that fills in a Report. Tasks are usually
// built with NewTask from a plain function, or composed with Composite so
// several sub-checks present one merged status.
//
// # Registry and dispatch
//
// Registry holds tasks in registration order behind a single mutex. The
// Updater owns a Registry and dispatches on Tick when the configured period
// has elapsed: each entry produces exactly one Report whose Name is forced to
// the registered entry name, and the whole batch goes to the Sink in
// registration order.
//
// Dispatch runs task callbacks while holding the registry mutex. A task must
// therefore not call Add, AddTask or RemoveByName on its own updater from
// inside Run; doing so self-deadlocks.
//
// # Timing
//
// The Updater never reads wall-clock time directly; it asks its Clock. An
// external driver calls Tick as often as it likes (typically finer than the
// diagnostic period) and the Updater self-gates on its next-due time.
// ForceUpdate dispatches immediately without touching the schedule, and
// SetPeriod resets the next-due time from now.
package diag
