package config

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeTemp(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write temp config: %v", err)
	}
	return path
}

func TestParseYAML(t *testing.T) {
	t.Parallel()

	path := writeTemp(t, "config.yaml", `
agent:
  name: edge-01
  hardware_id: rack2-slot7
logging:
  level: debug
  console: true
updater:
  period: 2s
  tick_interval: 1s
probes:
  - name: root-disk
    type: disk
    options:
      path: /
      warn_free_pct: 15
  - name: gateway
    type: netping
    enabled: false
    timeout: 3s
    options:
      host: 10.0.0.1
sinks:
  log:
    enabled: true
server:
  enabled: true
  addr: 127.0.0.1:8090
`)

	m := NewConfigManager(path)
	cfg, err := m.Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.Agent.Name != "edge-01" || cfg.Agent.HardwareID != "rack2-slot7" {
		t.Fatalf("agent = %+v", cfg.Agent)
	}
	if cfg.Updater.Period != "2s" {
		t.Fatalf("updater.period = %q", cfg.Updater.Period)
	}
	if len(cfg.Probes) != 2 {
		t.Fatalf("probes = %+v", cfg.Probes)
	}
	if !cfg.Probes[0].On() {
		t.Fatalf("probe enabled default should be true")
	}
	if cfg.Probes[1].On() {
		t.Fatalf("explicit enabled=false ignored")
	}

	var opts struct {
		Path        string  `json:"path"`
		WarnFreePct float64 `json:"warn_free_pct"`
	}
	if err := json.Unmarshal(cfg.Probes[0].Options, &opts); err != nil {
		t.Fatalf("probe options: %v", err)
	}
	if opts.Path != "/" || opts.WarnFreePct != 15 {
		t.Fatalf("options = %+v", opts)
	}

	if got := m.Get(); got != cfg {
		t.Fatalf("Get returned different pointer after Load")
	}
}

func TestParseRejectsUnknownFields(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name    string
		content string
	}{
		{
			name:    "top level",
			content: `{"agent": {"name": "x"}, "bogus": 1}`,
		},
		{
			name:    "probe level",
			content: `{"probes": [{"name": "d", "type": "disk", "intervall": "5s"}]}`,
		},
		{
			name:    "channel envelope",
			content: `{"alerts": {"enabled": true, "channels": {"ops": {"type": "webhook", "enabld": true}}}}`,
		},
	}
	for _, tt := range cases {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			path := writeTemp(t, "config.json", tt.content)
			if _, err := NewConfigManager(path).Parse(); err == nil {
				t.Fatalf("unknown field accepted: %s", tt.content)
			}
		})
	}
}

func TestParseRejectsTrailingData(t *testing.T) {
	t.Parallel()

	path := writeTemp(t, "config.json", `{"agent": {"name": "x"}} {"extra": true}`)
	if _, err := NewConfigManager(path).Parse(); err == nil {
		t.Fatalf("trailing data accepted")
	}
}

func TestParseDurationField(t *testing.T) {
	t.Parallel()

	if d, err := ParseDurationField("updater.period", "1500ms"); err != nil || d != 1500*time.Millisecond {
		t.Fatalf("got %v, %v", d, err)
	}
	if d, err := ParseDurationField("updater.period", ""); err != nil || d != 0 {
		t.Fatalf("empty: got %v, %v", d, err)
	}
	if _, err := ParseDurationField("updater.period", "fast"); err == nil {
		t.Fatalf("bad duration accepted")
	}
	if _, err := ParseDurationField("updater.period", "-3s"); err == nil {
		t.Fatalf("negative duration accepted")
	}
	if d, err := ParseDurationOrDefault("updater.period", "", time.Second); err != nil || d != time.Second {
		t.Fatalf("default: got %v, %v", d, err)
	}
}

func TestSummarizeConfigChangeProbes(t *testing.T) {
	t.Parallel()

	oldCfg := &Config{
		Probes: []ProbeConfig{
			{Name: "root-disk", Type: "disk", Options: json.RawMessage(`{"path":"/"}`)},
			{Name: "gateway", Type: "netping", Options: json.RawMessage(`{"host":"10.0.0.1"}`)},
		},
	}

	// Whitespace-only option changes are not changes.
	same := &Config{
		Probes: []ProbeConfig{
			{Name: "root-disk", Type: "disk", Options: json.RawMessage(`{ "path": "/" }`)},
			{Name: "gateway", Type: "netping", Options: json.RawMessage(`{"host":"10.0.0.1"}`)},
		},
	}
	changed, _, probeChanged := SummarizeConfigChange(oldCfg, same)
	if len(changed) != 0 || len(probeChanged) != 0 {
		t.Fatalf("spurious diff: %v %v", changed, probeChanged)
	}

	// Option change + added probe.
	newCfg := &Config{
		Probes: []ProbeConfig{
			{Name: "root-disk", Type: "disk", Options: json.RawMessage(`{"path":"/var"}`)},
			{Name: "gateway", Type: "netping", Options: json.RawMessage(`{"host":"10.0.0.1"}`)},
			{Name: "dns", Type: "dnscheck"},
		},
	}
	changed, _, probeChanged = SummarizeConfigChange(oldCfg, newCfg)
	if len(changed) != 1 || changed[0] != "probes" {
		t.Fatalf("changed = %v", changed)
	}
	if len(probeChanged) != 2 || probeChanged[0] != "dns" || probeChanged[1] != "root-disk" {
		t.Fatalf("probeChanged = %v", probeChanged)
	}

	// Reorder counts as a change.
	reordered := &Config{
		Probes: []ProbeConfig{oldCfg.Probes[1], oldCfg.Probes[0]},
	}
	_, _, probeChanged = SummarizeConfigChange(oldCfg, reordered)
	if len(probeChanged) != 2 {
		t.Fatalf("reorder not detected: %v", probeChanged)
	}
}

func TestSummarizeConfigChangeSections(t *testing.T) {
	t.Parallel()

	oldCfg := &Config{
		Logging: LoggingConfig{Level: "info", Console: true},
		Updater: UpdaterConfig{Period: "1s"},
	}
	newCfg := &Config{
		Logging: LoggingConfig{Level: "debug", Console: true},
		Updater: UpdaterConfig{Period: "5s"},
		Storage: &StorageConfig{Driver: "sqlite", Path: "./nodediag.db"},
		Alerts: &AlertsConfig{
			Enabled:  true,
			Channels: map[string]ChannelConfigRaw{"ops": {Type: "webhook", Enabled: true}},
		},
	}

	changed, attrs, _ := SummarizeConfigChange(oldCfg, newCfg)
	want := []string{"alerts", "logging", "storage", "updater"}
	if len(changed) != len(want) {
		t.Fatalf("changed = %v, want %v", changed, want)
	}
	for i := range want {
		if changed[i] != want[i] {
			t.Fatalf("changed = %v, want %v", changed, want)
		}
	}
	if len(attrs) == 0 {
		t.Fatalf("no attrs for changed sections")
	}
}
