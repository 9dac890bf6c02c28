package probes

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/showwin/speedtest-go/speedtest"

	"nodediag/pkg/diag"
)

// NetSpeedOptions configures a bandwidth measurement probe.
//
// A full speed test takes long enough to stall a dispatch cycle, so
// the probe measures on its own interval in the background and each
// Run reports the cached result.
type NetSpeedOptions struct {
	Interval        string  `mapstructure:"interval"`
	RunTimeout      string  `mapstructure:"run_timeout"`
	ServerCount     int     `mapstructure:"server_count"`
	MinDownloadMbps float64 `mapstructure:"min_download_mbps"`
	MinUploadMbps   float64 `mapstructure:"min_upload_mbps"`
}

type speedResult struct {
	DownloadMbps float64
	UploadMbps   float64
	Ping         time.Duration
	Jitter       time.Duration
	Server       string
	Country      string
}

type netSpeedProbe struct {
	name        string
	opts        NetSpeedOptions
	interval    time.Duration
	runTimeout  time.Duration
	serverCount int

	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu      sync.Mutex
	last    *speedResult
	lastErr error
	lastAt  time.Time
}

const firstMeasureDelay = 10 * time.Second

func NewNetSpeed(name string, opts NetSpeedOptions) (Probe, error) {
	interval, err := parseOptDuration("interval", opts.Interval, time.Hour)
	if err != nil {
		return nil, err
	}
	runTimeout, err := parseOptDuration("run_timeout", opts.RunTimeout, 3*time.Minute)
	if err != nil {
		return nil, err
	}
	serverCount := opts.ServerCount
	if serverCount <= 0 {
		serverCount = 5
	}

	ctx, cancel := context.WithCancel(context.Background())
	p := &netSpeedProbe{
		name:        name,
		opts:        opts,
		interval:    interval,
		runTimeout:  runTimeout,
		serverCount: serverCount,
		cancel:      cancel,
	}
	p.wg.Add(1)
	go p.loop(ctx)
	return p, nil
}

func (p *netSpeedProbe) Name() string { return p.name }

func (p *netSpeedProbe) Close() error {
	p.cancel()
	p.wg.Wait()
	return nil
}

func (p *netSpeedProbe) Run(r *diag.Report) {
	p.mu.Lock()
	last, lastErr, lastAt := p.last, p.lastErr, p.lastAt
	p.mu.Unlock()

	switch {
	case last == nil && lastErr == nil:
		r.Summary(diag.LevelWarn, "No speed test has completed yet")
		return
	case lastErr != nil:
		r.Summaryf(diag.LevelError, "speed test failed: %v", lastErr)
		r.Addf("Measured (s ago)", "%.0f", time.Since(lastAt).Seconds())
		return
	}

	age := time.Since(lastAt)
	switch {
	case age > 2*p.interval:
		r.Summary(diag.LevelWarn, "Speed test result is outdated")
	case p.opts.MinDownloadMbps > 0 && last.DownloadMbps < p.opts.MinDownloadMbps:
		r.Summary(diag.LevelWarn, "Download speed below threshold")
	case p.opts.MinUploadMbps > 0 && last.UploadMbps < p.opts.MinUploadMbps:
		r.Summary(diag.LevelWarn, "Upload speed below threshold")
	default:
		r.Summary(diag.LevelOK, "Bandwidth OK")
	}

	r.Addf("Download (Mbps)", "%.2f", last.DownloadMbps)
	r.Addf("Upload (Mbps)", "%.2f", last.UploadMbps)
	r.Addf("Ping (ms)", "%d", last.Ping.Milliseconds())
	r.Addf("Jitter (ms)", "%d", last.Jitter.Milliseconds())
	r.Add("Server", last.Server)
	r.Addf("Measured (s ago)", "%.0f", age.Seconds())
}

func (p *netSpeedProbe) loop(ctx context.Context) {
	defer p.wg.Done()
	timer := time.NewTimer(firstMeasureDelay)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
		}
		res, err := p.measure(ctx)
		if ctx.Err() != nil {
			return
		}
		p.mu.Lock()
		p.last, p.lastErr, p.lastAt = res, err, time.Now()
		p.mu.Unlock()
		timer.Reset(p.interval)
	}
}

func (p *netSpeedProbe) measure(ctx context.Context) (*speedResult, error) {
	ctx, cancel := context.WithTimeout(ctx, p.runTimeout)
	defer cancel()

	// Package-level speedtest helpers keep a default client whose data
	// manager retains chunks across runs; always use a fresh client.
	st := speedtest.New(speedtest.WithUserConfig(&speedtest.UserConfig{
		SavingMode: true,
	}))
	defer func() {
		st.Snapshots().Clean()
		st.Reset()
	}()

	servers, err := st.FetchServerListContext(ctx)
	if err != nil {
		return nil, fmt.Errorf("fetch server list: %w", err)
	}
	if a := servers.Available(); a != nil {
		servers = *a
	}
	if len(servers) == 0 {
		return nil, errors.New("no servers available")
	}

	sort.Slice(servers, func(i, j int) bool {
		return servers[i].Distance < servers[j].Distance
	})
	n := p.serverCount
	if n > len(servers) {
		n = len(servers)
	}
	candidates := servers[:n]

	// Cheap latency pass picks the closest responsive server.
	var best *speedtest.Server
	for _, s := range candidates {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if err := s.PingTestContext(ctx, nil); err != nil {
			continue
		}
		if best == nil || s.Latency < best.Latency {
			best = s
		}
	}
	if best == nil {
		return nil, errors.New("all latency tests failed")
	}

	if err := best.DownloadTestContext(ctx); err != nil {
		return nil, fmt.Errorf("download test: %w", err)
	}
	if err := best.UploadTestContext(ctx); err != nil {
		return nil, fmt.Errorf("upload test: %w", err)
	}

	return &speedResult{
		DownloadMbps: best.DLSpeed.Mbps(),
		UploadMbps:   best.ULSpeed.Mbps(),
		Ping:         best.Latency,
		Jitter:       best.Jitter,
		Server:       best.Sponsor,
		Country:      best.Country,
	}, nil
}
