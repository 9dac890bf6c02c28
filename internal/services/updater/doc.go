// Package updater owns the diag.Updater instance and drives it from a
// cron runner: a fine-grained tick entry gates dispatch on the
// diagnostic period, and an optional cron schedule forces a full pass
// regardless of the gate. The service piggybacks systemd watchdog
// notifications on the tick loop when the watchdog is armed.
package updater
