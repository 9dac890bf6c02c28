package probes

import (
	"encoding/json"
	"strings"
	"testing"

	"nodediag/internal/config"
	"nodediag/pkg/diag"
)

func findValue(t *testing.T, r *diag.Report, key string) string {
	t.Helper()
	for _, kv := range r.Values {
		if kv.Key == key {
			return kv.Value
		}
	}
	t.Fatalf("value %q not found in %+v", key, r.Values)
	return ""
}

func TestBuildRejectsBadConfig(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name string
		pc   config.ProbeConfig
		want string
	}{
		{
			name: "unknown type",
			pc:   config.ProbeConfig{Name: "x", Type: "quantum"},
			want: "unsupported probe type",
		},
		{
			name: "missing name",
			pc:   config.ProbeConfig{Type: "heartbeat"},
			want: "name is required",
		},
		{
			name: "unknown option key",
			pc: config.ProbeConfig{
				Name:    "root",
				Type:    "disk",
				Options: json.RawMessage(`{"path": "/", "warn_pct": 10}`),
			},
			want: "invalid keys",
		},
		{
			name: "missing required option",
			pc:   config.ProbeConfig{Name: "gw", Type: "netping"},
			want: `option "host" is required`,
		},
		{
			name: "bad timeout",
			pc:   config.ProbeConfig{Name: "gw", Type: "netping", Timeout: "soon"},
			want: "timeout",
		},
		{
			name: "bad threshold expression",
			pc: config.ProbeConfig{
				Name:    "m",
				Type:    "promscrape",
				Options: json.RawMessage(`{"url": "http://127.0.0.1:1/metrics", "metric": "up", "warn_if": "value >"}`),
			},
			want: "warn_if",
		},
	}
	for _, tt := range cases {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			_, err := Build(tt.pc)
			if err == nil {
				t.Fatalf("Build accepted %+v", tt.pc)
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Fatalf("err = %v, want substring %q", err, tt.want)
			}
		})
	}
}

func TestHeartbeatProbe(t *testing.T) {
	t.Parallel()

	p, err := Build(config.ProbeConfig{Name: "pulse", Type: "heartbeat"})
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	defer p.Close()

	if p.Name() != "pulse" {
		t.Fatalf("Name = %q", p.Name())
	}
	var r diag.Report
	p.Run(&r)
	if r.Level != diag.LevelOK || r.Message != "Alive" {
		t.Fatalf("report = %+v", r)
	}
}

func TestDiskProbeReportsFields(t *testing.T) {
	t.Parallel()

	p, err := Build(config.ProbeConfig{
		Name:    "scratch",
		Type:    "disk",
		Options: json.RawMessage(`{"path": "` + t.TempDir() + `"}`),
	})
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	defer p.Close()

	var r diag.Report
	p.Run(&r)
	if r.Message == "" {
		t.Fatalf("no summary set: %+v", r)
	}
	if r.Level == diag.LevelStale {
		t.Fatalf("unexpected level: %+v", r)
	}
	findValue(t, &r, "Mount")
	findValue(t, &r, "Free space (%)")
}

func TestBuildAllSkipsDisabled(t *testing.T) {
	t.Parallel()

	off := false
	ps, err := BuildAll([]config.ProbeConfig{
		{Name: "a", Type: "heartbeat"},
		{Name: "b", Type: "heartbeat", Enabled: &off},
		{Name: "c", Type: "heartbeat"},
	})
	if err != nil {
		t.Fatalf("BuildAll: %v", err)
	}
	defer CloseAll(ps)
	if len(ps) != 2 || ps[0].Name() != "a" || ps[1].Name() != "c" {
		t.Fatalf("probes = %v", names(ps))
	}
}

func TestBuildAllFailsFast(t *testing.T) {
	t.Parallel()

	_, err := BuildAll([]config.ProbeConfig{
		{Name: "a", Type: "heartbeat"},
		{Name: "b", Type: "nope"},
	})
	if err == nil {
		t.Fatalf("bad entry accepted")
	}
}

func names(ps []Probe) []string {
	out := make([]string, 0, len(ps))
	for _, p := range ps {
		out = append(out, p.Name())
	}
	return out
}
