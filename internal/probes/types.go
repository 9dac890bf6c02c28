package probes

import (
	"nodediag/pkg/diag"
)

// Probe is a diagnostic task with a shutdown hook. Close releases
// whatever the probe holds (connections, background loops); for most
// probes it is a no-op.
type Probe interface {
	diag.Task
	Close() error
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }
