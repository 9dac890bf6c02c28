package config

import (
	"bytes"
	"encoding/json"
)

type Config struct {
	Agent   AgentConfig   `json:"agent"`
	Logging LoggingConfig `json:"logging"`
	Updater UpdaterConfig `json:"updater"`

	// Probes are the diagnostic tasks registered with the updater, in file
	// order. Order matters: reports are dispatched in registration order.
	Probes []ProbeConfig `json:"probes,omitempty"`

	Sinks   SinksConfig    `json:"sinks"`
	Alerts  *AlertsConfig  `json:"alerts,omitempty"`
	Server  ServerConfig   `json:"server"`
	Storage *StorageConfig `json:"storage,omitempty"`
	Pprof   PprofConfig    `json:"pprof,omitempty"`
	Rollbar *RollbarConfig `json:"rollbar,omitempty"`
}

// AgentConfig identifies this node.
//
// Both fields default to the hostname when omitted. HardwareID is stamped on
// every published report; leaving it empty triggers a one-time warning report
// from the updater.
type AgentConfig struct {
	Name       string `json:"name,omitempty"`
	HardwareID string `json:"hardware_id,omitempty"`
}

// UpdaterConfig controls the dispatch loop.
//
// All durations are Go duration strings (e.g. "500ms", "10s", "1m").
//
// Defaults (when fields are omitted/zero):
//   - period: "1s"
//   - tick_interval: "1s" (the driver granularity; dispatch still gates on period)
//   - timezone: local
type UpdaterConfig struct {
	Period       string `json:"period,omitempty"`
	TickInterval string `json:"tick_interval,omitempty"`

	// ForceSchedule is an optional cron spec (seconds field optional) that
	// triggers a full forced dispatch regardless of the period gate, e.g.
	// "0 */10 * * * *" for every ten minutes.
	ForceSchedule string `json:"force_schedule,omitempty"`

	// Trigger timezone for ForceSchedule.
	Timezone string `json:"timezone,omitempty"`
}

type LoggingConfig struct {
	Level   string      `json:"level"`
	Console bool        `json:"console"`
	File    LoggingFile `json:"file"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// ProbeConfig declares one diagnostic probe.
//
// Type selects the probe implementation (disk, netping, dnscheck, httpcheck,
// promscrape, netspeed, systemd, heartbeat); Options carries type-specific
// settings and is decoded strictly, so unknown option keys are caught on
// reload.
//
// Enabled is a pointer so "omitted" (default true) is distinct from an
// explicit false.
type ProbeConfig struct {
	Name    string          `json:"name"`
	Type    string          `json:"type"`
	Enabled *bool           `json:"enabled,omitempty"`
	Timeout string          `json:"timeout,omitempty"` // per-run budget for network probes
	Options json.RawMessage `json:"options,omitempty"`
}

// On reports whether the probe is enabled (omitted means yes).
func (p ProbeConfig) On() bool { return p.Enabled == nil || *p.Enabled }

// UnmarshalJSON disallows unknown fields so typos in probe declarations are
// caught early during config reload.
func (p *ProbeConfig) UnmarshalJSON(b []byte) error {
	type tmp struct {
		Name    string          `json:"name"`
		Type    string          `json:"type"`
		Enabled *bool           `json:"enabled,omitempty"`
		Timeout string          `json:"timeout,omitempty"`
		Options json.RawMessage `json:"options,omitempty"`
	}
	dec := json.NewDecoder(bytes.NewReader(b))
	dec.DisallowUnknownFields()
	var t tmp
	if err := dec.Decode(&t); err != nil {
		return err
	}
	*p = ProbeConfig{Name: t.Name, Type: t.Type, Enabled: t.Enabled, Timeout: t.Timeout, Options: t.Options}
	return nil
}

// SinksConfig wires report batches to their consumers. A nil section means
// that sink is off; the log sink defaults to on when the whole block is
// omitted so a bare config still shows reports somewhere.
type SinksConfig struct {
	Log       *LogSinkConfig       `json:"log,omitempty"`
	History   *HistorySinkConfig   `json:"history,omitempty"`
	Consul    *ConsulSinkConfig    `json:"consul,omitempty"`
	Push      *PushSinkConfig      `json:"push,omitempty"`
	Collector *CollectorSinkConfig `json:"collector,omitempty"`
}

type LogSinkConfig struct {
	Enabled bool `json:"enabled"`
	// MinLevel suppresses per-report log lines below this level ("ok",
	// "warn", "error", "stale"). Batch summaries always log.
	MinLevel string `json:"min_level,omitempty"`
}

type HistorySinkConfig struct {
	Enabled   bool `json:"enabled"`
	QueueSize int  `json:"queue_size,omitempty"` // default 64 batches
	// Persist additionally writes batches through the storage layer.
	Persist bool `json:"persist,omitempty"`
}

// ConsulSinkConfig registers the agent as a Consul service with a TTL check
// and maps the worst report level of each batch onto pass/warn/fail.
type ConsulSinkConfig struct {
	Enabled     bool   `json:"enabled"`
	Address     string `json:"address,omitempty"` // default "127.0.0.1:8500"
	ServiceName string `json:"service_name,omitempty"`
	ServiceID   string `json:"service_id,omitempty"`
	Token       string `json:"token,omitempty"`     // do not log
	TTL         string `json:"ttl,omitempty"`       // default "15s"
	KVPrefix    string `json:"kv_prefix,omitempty"` // KV path for the latest batch mirror
}

// PushSinkConfig streams batches over a persistent websocket.
type PushSinkConfig struct {
	Enabled bool   `json:"enabled"`
	URL     string `json:"url"`
	Token   string `json:"token,omitempty"` // bearer, do not log
	// QueueSize bounds batches buffered while the connection is down.
	QueueSize int `json:"queue_size,omitempty"`
}

// CollectorSinkConfig POSTs batches as JSON to a collector endpoint.
type CollectorSinkConfig struct {
	Enabled bool   `json:"enabled"`
	URL     string `json:"url"`
	Token   string `json:"token,omitempty"` // bearer, do not log
	Timeout string `json:"timeout,omitempty"`

	// TLS enables mutual TLS (with HTTP/2) toward the collector.
	TLS *CollectorTLSConfig `json:"tls,omitempty"`
}

type CollectorTLSConfig struct {
	CertFile string `json:"cert_file"`
	KeyFile  string `json:"key_file"`
	CAFile   string `json:"ca_file,omitempty"`
}

// AlertsConfig controls the async alerting pipeline.
//
// All durations are Go duration strings (e.g. "500ms", "10s", "1m").
// If the whole section is omitted, alerting is off.
type AlertsConfig struct {
	Enabled         bool   `json:"enabled"`
	Workers         int    `json:"workers"`
	QueueSize       int    `json:"queue_size"`
	RatePerSec      int    `json:"rate_per_sec"`
	RetryMax        int    `json:"retry_max"`
	RetryBase       string `json:"retry_base"`
	RetryMaxDelay   string `json:"retry_max_delay"`
	DedupWindow     string `json:"dedup_window"`
	DedupMaxEntries int    `json:"dedup_max_entries"`
	PersistDedup    bool   `json:"persist_dedup,omitempty"`

	// Rules route matching reports to channels. With no rules, every
	// report at warn or above goes to every enabled channel.
	Rules []AlertRule `json:"rules,omitempty"`

	Channels map[string]ChannelConfigRaw `json:"channels,omitempty"`
}

// AlertRule matches reports by task name glob and minimum level.
type AlertRule struct {
	Match    string   `json:"match,omitempty"`     // glob on report name, default "*"
	MinLevel string   `json:"min_level,omitempty"` // default "warn"
	Channels []string `json:"channels,omitempty"`  // default: all enabled channels

	// Sustained requires the rule to match on this many consecutive
	// dispatch passes before it fires. 0 or 1 fires immediately.
	Sustained int `json:"sustained,omitempty"`
}

// ChannelConfigRaw declares one delivery channel. Type selects the
// implementation (telegram, email, webhook); Config carries type-specific
// settings decoded by the alerts service.
type ChannelConfigRaw struct {
	Type    string          `json:"type"`
	Enabled bool            `json:"enabled"`
	Config  json.RawMessage `json:"config,omitempty"`
}

// UnmarshalJSON disallows unknown fields at the channel envelope level so
// misplaced keys don't silently vanish into Config.
func (c *ChannelConfigRaw) UnmarshalJSON(b []byte) error {
	type tmp struct {
		Type    string          `json:"type"`
		Enabled bool            `json:"enabled"`
		Config  json.RawMessage `json:"config,omitempty"`
	}
	dec := json.NewDecoder(bytes.NewReader(b))
	dec.DisallowUnknownFields()
	var t tmp
	if err := dec.Decode(&t); err != nil {
		return err
	}
	*c = ChannelConfigRaw{Type: t.Type, Enabled: t.Enabled, Config: t.Config}
	return nil
}

// ServerConfig controls the HTTP API.
type ServerConfig struct {
	Enabled bool   `json:"enabled"`
	Addr    string `json:"addr,omitempty"`  // default "127.0.0.1:8090"
	Token   string `json:"token,omitempty"` // optional bearer token (do not log)

	// Server timeouts (Go duration strings). WriteTimeout defaults to 0
	// (disabled) so the SSE event stream is not cut off.
	ReadTimeout  string `json:"read_timeout,omitempty"`
	WriteTimeout string `json:"write_timeout,omitempty"`
	IdleTimeout  string `json:"idle_timeout,omitempty"`
}

// StorageConfig controls the optional persistence layer.
//
// Example:
//
//	"storage": { "driver": "sqlite", "path": "./nodediag.db" }
type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // Go duration string (sqlite)
	// Retention prunes stored batches older than this. "0s" keeps forever.
	Retention string `json:"retention,omitempty"`
}

// PprofConfig controls the optional pprof HTTP server.
//
// Security note:
//   - Prefer binding to localhost (e.g. "127.0.0.1:6060").
//   - If you bind to a non-loopback address, set a token or explicitly allow_insecure.
type PprofConfig struct {
	Enabled       bool   `json:"enabled"`
	Addr          string `json:"addr,omitempty"`   // default: "127.0.0.1:6060"
	Prefix        string `json:"prefix,omitempty"` // default: "/debug/pprof/"
	Token         string `json:"token,omitempty"`  // optional bearer token (do not log)
	AllowInsecure bool   `json:"allow_insecure,omitempty"`

	// Server timeouts (Go duration strings). WriteTimeout defaults to 0 (disabled)
	// so /profile (which can take 30s+) works reliably.
	ReadTimeout  string `json:"read_timeout,omitempty"`
	WriteTimeout string `json:"write_timeout,omitempty"`
	IdleTimeout  string `json:"idle_timeout,omitempty"`

	// Runtime profiling rates. Leave 0 to keep Go defaults.
	MutexProfileFraction int `json:"mutex_profile_fraction,omitempty"`
	BlockProfileRate     int `json:"block_profile_rate,omitempty"`
	MemProfileRate       int `json:"mem_profile_rate,omitempty"`
}

// RollbarConfig controls crash/error reporting. The token may also come from
// the ROLLBAR_ACCESS_TOKEN environment variable, which wins over this field.
type RollbarConfig struct {
	Enabled     bool   `json:"enabled"`
	Token       string `json:"token,omitempty"` // do not log
	Environment string `json:"environment,omitempty"`
	CodeVersion string `json:"code_version,omitempty"`
}
