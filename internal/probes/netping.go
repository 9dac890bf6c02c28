package probes

import (
	"time"

	"github.com/go-ping/ping"

	"nodediag/pkg/diag"
)

// NetPingOptions configures an ICMP reachability probe.
type NetPingOptions struct {
	Host       string  `mapstructure:"host"`
	Count      int     `mapstructure:"count"`
	MaxLossPct float64 `mapstructure:"max_loss_pct"`
}

type netPingProbe struct {
	nopCloser
	name    string
	opts    NetPingOptions
	timeout time.Duration
}

func NewNetPing(name string, opts NetPingOptions, timeout time.Duration) (Probe, error) {
	if opts.Host == "" {
		return nil, errMissing("host")
	}
	if opts.Count <= 0 {
		opts.Count = 3
	}
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &netPingProbe{name: name, opts: opts, timeout: timeout}, nil
}

func (p *netPingProbe) Name() string { return p.name }

func (p *netPingProbe) Run(r *diag.Report) {
	pinger, err := ping.NewPinger(p.opts.Host)
	if err != nil {
		r.Summaryf(diag.LevelError, "init pinger: %v", err)
		return
	}
	// Raw ICMP sockets; unprivileged UDP ping is widely filtered.
	pinger.SetPrivileged(true)
	pinger.Count = p.opts.Count
	pinger.Timeout = p.timeout

	if err := pinger.Run(); err != nil {
		r.Summaryf(diag.LevelError, "ping %s: %v", p.opts.Host, err)
		return
	}
	stats := pinger.Statistics()

	switch {
	case stats.PacketsRecv == 0:
		r.Summary(diag.LevelError, "Host unreachable")
	case stats.PacketLoss > p.opts.MaxLossPct:
		r.Summary(diag.LevelWarn, "Packet loss above threshold")
	default:
		r.Summary(diag.LevelOK, "Host reachable")
	}

	r.Add("Host", p.opts.Host)
	r.Addf("Packets sent", "%d", stats.PacketsSent)
	r.Addf("Packets received", "%d", stats.PacketsRecv)
	r.Addf("Packet loss (%)", "%.1f", stats.PacketLoss)
	r.Addf("Average RTT (ms)", "%.2f", float64(stats.AvgRtt.Microseconds())/1000)
	r.Addf("Max RTT (ms)", "%.2f", float64(stats.MaxRtt.Microseconds())/1000)
}
