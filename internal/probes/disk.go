package probes

// DiskOptions bounds free space on one mount.
//
// Percent thresholds compare free/total. A zero threshold falls back
// to its default; set a negative value to disable that bound.
type DiskOptions struct {
	Path         string  `mapstructure:"path"`
	WarnFreePct  float64 `mapstructure:"warn_free_pct"`
	ErrorFreePct float64 `mapstructure:"error_free_pct"`
}

const (
	defaultWarnFreePct  = 10
	defaultErrorFreePct = 5
)

func (o *DiskOptions) applyDefaults() {
	if o.Path == "" {
		o.Path = "/"
	}
	if o.WarnFreePct == 0 {
		o.WarnFreePct = defaultWarnFreePct
	}
	if o.ErrorFreePct == 0 {
		o.ErrorFreePct = defaultErrorFreePct
	}
}
