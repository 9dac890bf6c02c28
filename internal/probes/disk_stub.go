//go:build !linux

package probes

import (
	"nodediag/pkg/diag"
)

type diskProbe struct {
	nopCloser
	name string
	opts DiskOptions
}

func NewDisk(name string, opts DiskOptions) (Probe, error) {
	opts.applyDefaults()
	return &diskProbe{name: name, opts: opts}, nil
}

func (d *diskProbe) Name() string { return d.name }

func (d *diskProbe) Run(r *diag.Report) {
	r.Summary(diag.LevelWarn, "Disk probe is not supported on this platform")
	r.Add("Mount", d.opts.Path)
}
