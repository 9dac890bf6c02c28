//go:build linux

package probes

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/coreos/go-systemd/v22/dbus"

	"nodediag/pkg/diag"
)

type systemdProbe struct {
	name    string
	unit    string
	timeout time.Duration

	mu   sync.Mutex
	conn *dbus.Conn
}

// NewSystemd watches one systemd unit over D-Bus. The connection is
// established lazily on first Run and reused until Close.
func NewSystemd(name string, opts SystemdOptions, timeout time.Duration) (Probe, error) {
	unit := strings.TrimSpace(opts.Unit)
	if unit == "" {
		return nil, errMissing("unit")
	}
	if !strings.Contains(unit, ".") {
		unit += ".service"
	}
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &systemdProbe{name: name, unit: unit, timeout: timeout}, nil
}

func (p *systemdProbe) Name() string { return p.name }

func (p *systemdProbe) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.conn != nil {
		p.conn.Close()
		p.conn = nil
	}
	return nil
}

func (p *systemdProbe) connect(ctx context.Context) (*dbus.Conn, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.conn != nil {
		return p.conn, nil
	}
	conn, err := dbus.NewSystemConnectionContext(ctx)
	if err != nil {
		return nil, err
	}
	p.conn = conn
	return conn, nil
}

func (p *systemdProbe) dropConn() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.conn != nil {
		p.conn.Close()
		p.conn = nil
	}
}

func (p *systemdProbe) Run(r *diag.Report) {
	ctx, cancel := context.WithTimeout(context.Background(), p.timeout)
	defer cancel()

	conn, err := p.connect(ctx)
	if err != nil {
		r.Summaryf(diag.LevelError, "connect to systemd: %v", err)
		return
	}

	units, err := conn.ListUnitsByPatternsContext(ctx, nil, []string{p.unit})
	if err != nil {
		// A dead bus connection poisons every later call; retry fresh next run.
		p.dropConn()
		r.Summaryf(diag.LevelError, "query unit %s: %v", p.unit, err)
		return
	}
	if len(units) == 0 {
		r.Summaryf(diag.LevelError, "unit %s not found", p.unit)
		r.Add("Unit", p.unit)
		return
	}

	u := units[0]
	for _, x := range units {
		if x.Name == p.unit {
			u = x
			break
		}
	}

	switch u.ActiveState {
	case "active":
		r.Summary(diag.LevelOK, "Unit is active")
	case "failed":
		r.Summary(diag.LevelError, "Unit has failed")
	case "activating", "deactivating", "reloading":
		r.Summaryf(diag.LevelWarn, "Unit is %s", u.ActiveState)
	default:
		r.Summary(diag.LevelWarn, "Unit is not active")
	}
	if u.LoadState == "not-found" {
		r.Summaryf(diag.LevelError, "unit %s not found", p.unit)
	}

	r.Add("Unit", p.unit)
	r.Add("Active state", u.ActiveState)
	r.Add("Sub state", u.SubState)
	r.Add("Load state", u.LoadState)
	if u.Description != "" {
		r.Add("Description", u.Description)
	}
}
