package probes

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/mitchellh/mapstructure"

	"nodediag/internal/config"
)

const defaultTimeout = 5 * time.Second

// Build constructs a probe from one config entry.
func Build(pc config.ProbeConfig) (Probe, error) {
	name := strings.TrimSpace(pc.Name)
	if name == "" {
		return nil, fmt.Errorf("probe name is required")
	}
	timeout, err := config.ParseDurationOrDefault("probes."+name+".timeout", pc.Timeout, defaultTimeout)
	if err != nil {
		return nil, err
	}

	switch strings.ToLower(strings.TrimSpace(pc.Type)) {
	case "heartbeat":
		return NewHeartbeat(name), nil
	case "disk":
		var opts DiskOptions
		if err := decodeOptions(pc.Options, &opts); err != nil {
			return nil, fmt.Errorf("probe %q: %w", name, err)
		}
		return NewDisk(name, opts)
	case "netping":
		var opts NetPingOptions
		if err := decodeOptions(pc.Options, &opts); err != nil {
			return nil, fmt.Errorf("probe %q: %w", name, err)
		}
		return NewNetPing(name, opts, timeout)
	case "dnscheck":
		var opts DNSCheckOptions
		if err := decodeOptions(pc.Options, &opts); err != nil {
			return nil, fmt.Errorf("probe %q: %w", name, err)
		}
		return NewDNSCheck(name, opts, timeout)
	case "httpcheck":
		var opts HTTPCheckOptions
		if err := decodeOptions(pc.Options, &opts); err != nil {
			return nil, fmt.Errorf("probe %q: %w", name, err)
		}
		return NewHTTPCheck(name, opts, timeout)
	case "promscrape":
		var opts PromScrapeOptions
		if err := decodeOptions(pc.Options, &opts); err != nil {
			return nil, fmt.Errorf("probe %q: %w", name, err)
		}
		return NewPromScrape(name, opts, timeout)
	case "netspeed":
		var opts NetSpeedOptions
		if err := decodeOptions(pc.Options, &opts); err != nil {
			return nil, fmt.Errorf("probe %q: %w", name, err)
		}
		return NewNetSpeed(name, opts)
	case "systemd":
		var opts SystemdOptions
		if err := decodeOptions(pc.Options, &opts); err != nil {
			return nil, fmt.Errorf("probe %q: %w", name, err)
		}
		return NewSystemd(name, opts, timeout)
	default:
		return nil, fmt.Errorf("unsupported probe type %q", pc.Type)
	}
}

// BuildAll constructs every enabled probe, failing fast on the first
// bad entry.
func BuildAll(cfgs []config.ProbeConfig) ([]Probe, error) {
	out := make([]Probe, 0, len(cfgs))
	for _, pc := range cfgs {
		if !pc.On() {
			continue
		}
		p, err := Build(pc)
		if err != nil {
			CloseAll(out)
			return nil, err
		}
		out = append(out, p)
	}
	return out, nil
}

// CloseAll closes probes, keeping the first error.
func CloseAll(ps []Probe) error {
	var first error
	for _, p := range ps {
		if err := p.Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}

func errMissing(field string) error {
	return fmt.Errorf("option %q is required", field)
}

func parseOptDuration(field, raw string, def time.Duration) (time.Duration, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return def, nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("option %q: %w", field, err)
	}
	if d <= 0 {
		return 0, fmt.Errorf("option %q must be positive", field)
	}
	return d, nil
}

// decodeOptions maps the raw options object onto target. Unknown keys
// are rejected so typos fail at startup instead of silently running
// with defaults.
func decodeOptions(raw json.RawMessage, target any) error {
	var m map[string]any
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &m); err != nil {
			return fmt.Errorf("options: %w", err)
		}
	}
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		WeaklyTypedInput: true,
		ErrorUnused:      true,
		Result:           target,
	})
	if err != nil {
		return err
	}
	if err := dec.Decode(m); err != nil {
		return fmt.Errorf("options: %w", err)
	}
	return nil
}
