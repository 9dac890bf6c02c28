//go:build !linux

package probes

import (
	"strings"
	"time"

	"nodediag/pkg/diag"
)

type systemdProbe struct {
	nopCloser
	name string
	unit string
}

func NewSystemd(name string, opts SystemdOptions, timeout time.Duration) (Probe, error) {
	unit := strings.TrimSpace(opts.Unit)
	if unit == "" {
		return nil, errMissing("unit")
	}
	_ = timeout
	return &systemdProbe{name: name, unit: unit}, nil
}

func (p *systemdProbe) Name() string { return p.name }

func (p *systemdProbe) Run(r *diag.Report) {
	r.Summary(diag.LevelWarn, "Systemd probe is not supported on this platform")
	r.Add("Unit", p.unit)
}
