//go:build linux

package probes

import (
	"golang.org/x/sys/unix"

	"nodediag/pkg/diag"
)

type diskProbe struct {
	nopCloser
	name string
	opts DiskOptions
}

// NewDisk reports free space on the filesystem holding opts.Path.
func NewDisk(name string, opts DiskOptions) (Probe, error) {
	opts.applyDefaults()
	return &diskProbe{name: name, opts: opts}, nil
}

func (d *diskProbe) Name() string { return d.name }

func (d *diskProbe) Run(r *diag.Report) {
	var st unix.Statfs_t
	if err := unix.Statfs(d.opts.Path, &st); err != nil {
		r.Summaryf(diag.LevelError, "statfs %s: %v", d.opts.Path, err)
		return
	}

	bs := uint64(st.Bsize)
	free := st.Bavail * bs
	total := st.Blocks * bs
	var freePct float64
	if total > 0 {
		freePct = float64(free) / float64(total) * 100
	}

	switch {
	case total == 0:
		r.Summaryf(diag.LevelError, "filesystem at %s reports zero size", d.opts.Path)
	case d.opts.ErrorFreePct > 0 && freePct <= d.opts.ErrorFreePct:
		r.Summary(diag.LevelError, "Disk space critically low")
	case d.opts.WarnFreePct > 0 && freePct <= d.opts.WarnFreePct:
		r.Summary(diag.LevelWarn, "Disk space low")
	default:
		r.Summary(diag.LevelOK, "Disk space OK")
	}

	r.Add("Mount", d.opts.Path)
	r.Addf("Free space (MB)", "%d", free/(1024*1024))
	r.Addf("Total space (MB)", "%d", total/(1024*1024))
	r.Addf("Free space (%)", "%.1f", freePct)
}
