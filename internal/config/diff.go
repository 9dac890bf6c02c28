package config

import (
	"reflect"
	"sort"
	"strings"

	logx "nodediag/pkg/logx"
)

// SummarizeConfigChange returns (1) a compact list of changed sections,
// (2) safe structured attrs for logging (never includes secrets like tokens),
// and (3) a list of probe names whose declaration changed (including adds,
// removes and reorders).
func SummarizeConfigChange(oldCfg, newCfg *Config) ([]string, []logx.Field, []string) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	changed := make([]string, 0, 6)
	attrs := make([]logx.Field, 0, 20)

	// Agent
	if strings.TrimSpace(oldCfg.Agent.Name) != strings.TrimSpace(newCfg.Agent.Name) ||
		strings.TrimSpace(oldCfg.Agent.HardwareID) != strings.TrimSpace(newCfg.Agent.HardwareID) {
		changed = append(changed, "agent")
		attrs = append(attrs,
			logx.String("agent.name", strings.TrimSpace(newCfg.Agent.Name)),
			logx.Bool("agent.hardware_id_set", strings.TrimSpace(newCfg.Agent.HardwareID) != ""),
		)
	}

	// Logging
	if oldCfg.Logging.Level != newCfg.Logging.Level ||
		oldCfg.Logging.Console != newCfg.Logging.Console ||
		oldCfg.Logging.File.Enabled != newCfg.Logging.File.Enabled ||
		strings.TrimSpace(oldCfg.Logging.File.Path) != strings.TrimSpace(newCfg.Logging.File.Path) {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.console", newCfg.Logging.Console),
			logx.Bool("logging.file_enabled", newCfg.Logging.File.Enabled),
		)
	}

	// Updater (dispatch loop)
	if strings.TrimSpace(oldCfg.Updater.Period) != strings.TrimSpace(newCfg.Updater.Period) ||
		strings.TrimSpace(oldCfg.Updater.TickInterval) != strings.TrimSpace(newCfg.Updater.TickInterval) ||
		strings.TrimSpace(oldCfg.Updater.ForceSchedule) != strings.TrimSpace(newCfg.Updater.ForceSchedule) ||
		strings.TrimSpace(oldCfg.Updater.Timezone) != strings.TrimSpace(newCfg.Updater.Timezone) {
		changed = append(changed, "updater")
		attrs = append(attrs,
			logx.String("updater.period", strings.TrimSpace(newCfg.Updater.Period)),
			logx.String("updater.tick_interval", strings.TrimSpace(newCfg.Updater.TickInterval)),
			logx.Bool("updater.force_schedule_set", strings.TrimSpace(newCfg.Updater.ForceSchedule) != ""),
			logx.String("updater.timezone", strings.TrimSpace(newCfg.Updater.Timezone)),
		)
	}

	// Probes (summarize only; details at debug)
	probeChanged := diffProbes(oldCfg.Probes, newCfg.Probes)
	if len(probeChanged) > 0 {
		changed = append(changed, "probes")
		attrs = append(attrs,
			logx.Int("probes.changed_count", len(probeChanged)),
			logx.Int("probes.enabled_count", countEnabledProbes(newCfg.Probes)),
		)
	}

	// Sinks
	if !reflect.DeepEqual(sinksFingerprint(oldCfg.Sinks), sinksFingerprint(newCfg.Sinks)) {
		changed = append(changed, "sinks")
		attrs = append(attrs,
			logx.Bool("sinks.log", newCfg.Sinks.Log != nil && newCfg.Sinks.Log.Enabled),
			logx.Bool("sinks.history", newCfg.Sinks.History != nil && newCfg.Sinks.History.Enabled),
			logx.Bool("sinks.consul", newCfg.Sinks.Consul != nil && newCfg.Sinks.Consul.Enabled),
			logx.Bool("sinks.push", newCfg.Sinks.Push != nil && newCfg.Sinks.Push.Enabled),
			logx.Bool("sinks.collector", newCfg.Sinks.Collector != nil && newCfg.Sinks.Collector.Enabled),
		)
	}

	// Alerts (pipeline knobs + rules + channels; never log channel secrets)
	defA := &AlertsConfig{}
	oldA := oldCfg.Alerts
	newA := newCfg.Alerts
	if oldA == nil {
		oldA = defA
	}
	if newA == nil {
		newA = defA
	}
	chChanged := diffChannels(oldA.Channels, newA.Channels)
	if !reflect.DeepEqual(stripChannels(*oldA), stripChannels(*newA)) || len(chChanged) > 0 {
		changed = append(changed, "alerts")
		attrs = append(attrs,
			logx.Bool("alerts.enabled", newA.Enabled),
			logx.Int("alerts.workers", newA.Workers),
			logx.Int("alerts.queue_size", newA.QueueSize),
			logx.Int("alerts.rule_count", len(newA.Rules)),
			logx.Int("alerts.channels_changed", len(chChanged)),
			logx.Bool("alerts.persist_dedup", newA.PersistDedup),
		)
	}

	// Server (never log token)
	if oldCfg.Server.Enabled != newCfg.Server.Enabled ||
		strings.TrimSpace(oldCfg.Server.Addr) != strings.TrimSpace(newCfg.Server.Addr) ||
		(strings.TrimSpace(oldCfg.Server.Token) != "") != (strings.TrimSpace(newCfg.Server.Token) != "") ||
		strings.TrimSpace(oldCfg.Server.ReadTimeout) != strings.TrimSpace(newCfg.Server.ReadTimeout) ||
		strings.TrimSpace(oldCfg.Server.WriteTimeout) != strings.TrimSpace(newCfg.Server.WriteTimeout) ||
		strings.TrimSpace(oldCfg.Server.IdleTimeout) != strings.TrimSpace(newCfg.Server.IdleTimeout) {
		changed = append(changed, "server")
		attrs = append(attrs,
			logx.Bool("server.enabled", newCfg.Server.Enabled),
			logx.String("server.addr", strings.TrimSpace(newCfg.Server.Addr)),
			logx.Bool("server.token_set", strings.TrimSpace(newCfg.Server.Token) != ""),
		)
	}

	// Storage (persistence)
	oldS := oldCfg.Storage
	newS := newCfg.Storage
	// Nil means disabled.
	var oDriver, nDriver, oBusy, nBusy, oRet, nRet string
	var oPathSet, nPathSet bool
	if oldS != nil {
		oDriver = strings.TrimSpace(oldS.Driver)
		oBusy = strings.TrimSpace(oldS.BusyTimeout)
		oRet = strings.TrimSpace(oldS.Retention)
		oPathSet = strings.TrimSpace(oldS.Path) != ""
	}
	if newS != nil {
		nDriver = strings.TrimSpace(newS.Driver)
		nBusy = strings.TrimSpace(newS.BusyTimeout)
		nRet = strings.TrimSpace(newS.Retention)
		nPathSet = strings.TrimSpace(newS.Path) != ""
	}
	if oDriver != nDriver || oBusy != nBusy || oRet != nRet || oPathSet != nPathSet {
		changed = append(changed, "storage")
		attrs = append(attrs,
			logx.String("storage.driver", nDriver),
			logx.Bool("storage.path_set", nPathSet),
			logx.String("storage.busy_timeout", nBusy),
			logx.String("storage.retention", nRet),
		)
	}

	// Pprof (never log token)
	if oldCfg.Pprof.Enabled != newCfg.Pprof.Enabled ||
		strings.TrimSpace(oldCfg.Pprof.Addr) != strings.TrimSpace(newCfg.Pprof.Addr) ||
		strings.TrimSpace(oldCfg.Pprof.Prefix) != strings.TrimSpace(newCfg.Pprof.Prefix) ||
		oldCfg.Pprof.AllowInsecure != newCfg.Pprof.AllowInsecure ||
		strings.TrimSpace(oldCfg.Pprof.ReadTimeout) != strings.TrimSpace(newCfg.Pprof.ReadTimeout) ||
		strings.TrimSpace(oldCfg.Pprof.WriteTimeout) != strings.TrimSpace(newCfg.Pprof.WriteTimeout) ||
		strings.TrimSpace(oldCfg.Pprof.IdleTimeout) != strings.TrimSpace(newCfg.Pprof.IdleTimeout) ||
		oldCfg.Pprof.MutexProfileFraction != newCfg.Pprof.MutexProfileFraction ||
		oldCfg.Pprof.BlockProfileRate != newCfg.Pprof.BlockProfileRate ||
		oldCfg.Pprof.MemProfileRate != newCfg.Pprof.MemProfileRate ||
		(strings.TrimSpace(oldCfg.Pprof.Token) != "") != (strings.TrimSpace(newCfg.Pprof.Token) != "") {
		changed = append(changed, "pprof")
		attrs = append(attrs,
			logx.Bool("pprof.enabled", newCfg.Pprof.Enabled),
			logx.String("pprof.addr", strings.TrimSpace(newCfg.Pprof.Addr)),
			logx.String("pprof.prefix", strings.TrimSpace(newCfg.Pprof.Prefix)),
			logx.Bool("pprof.token_set", strings.TrimSpace(newCfg.Pprof.Token) != ""),
			logx.Bool("pprof.allow_insecure", newCfg.Pprof.AllowInsecure),
		)
	}

	// Rollbar (never log token)
	oR, nR := oldCfg.Rollbar, newCfg.Rollbar
	var oEn, nEn bool
	var oEnv, nEnv string
	var oTok, nTok bool
	if oR != nil {
		oEn, oEnv, oTok = oR.Enabled, strings.TrimSpace(oR.Environment), strings.TrimSpace(oR.Token) != ""
	}
	if nR != nil {
		nEn, nEnv, nTok = nR.Enabled, strings.TrimSpace(nR.Environment), strings.TrimSpace(nR.Token) != ""
	}
	if oEn != nEn || oEnv != nEnv || oTok != nTok {
		changed = append(changed, "rollbar")
		attrs = append(attrs,
			logx.Bool("rollbar.enabled", nEn),
			logx.String("rollbar.environment", nEnv),
			logx.Bool("rollbar.token_set", nTok),
		)
	}

	sort.Strings(changed)
	return changed, attrs, probeChanged
}

// sinksFingerprint flattens the sink section for comparison while keeping
// secrets out of reflect-based diffs in logs (the fingerprint is only
// compared, never logged).
func sinksFingerprint(s SinksConfig) [5]any {
	var fp [5]any
	if s.Log != nil {
		fp[0] = *s.Log
	}
	if s.History != nil {
		fp[1] = *s.History
	}
	if s.Consul != nil {
		fp[2] = *s.Consul
	}
	if s.Push != nil {
		fp[3] = *s.Push
	}
	if s.Collector != nil {
		fp[4] = *s.Collector
	}
	return fp
}

func stripChannels(a AlertsConfig) AlertsConfig {
	a.Channels = nil
	return a
}

func countEnabledProbes(probes []ProbeConfig) int {
	n := 0
	for _, p := range probes {
		if p.On() {
			n++
		}
	}
	return n
}

// diffProbes reports probe names whose declaration differs between the two
// ordered lists. Position is part of the identity: reorders count as changes
// because registration order is dispatch order.
func diffProbes(oldP, newP []ProbeConfig) []string {
	max := len(oldP)
	if len(newP) > max {
		max = len(newP)
	}
	seen := map[string]struct{}{}
	out := make([]string, 0, 4)
	note := func(name string) {
		if name == "" {
			name = "(unnamed)"
		}
		if _, ok := seen[name]; ok {
			return
		}
		seen[name] = struct{}{}
		out = append(out, name)
	}

	for i := 0; i < max; i++ {
		switch {
		case i >= len(oldP):
			note(newP[i].Name)
		case i >= len(newP):
			note(oldP[i].Name)
		default:
			o, n := oldP[i], newP[i]
			if o.Name != n.Name {
				note(o.Name)
				note(n.Name)
				continue
			}
			if o.Type != n.Type || o.On() != n.On() ||
				strings.TrimSpace(o.Timeout) != strings.TrimSpace(n.Timeout) ||
				canonicalHashJSON(o.Options) != canonicalHashJSON(n.Options) {
				note(n.Name)
			}
		}
	}
	sort.Strings(out)
	return out
}

func diffChannels(oldM, newM map[string]ChannelConfigRaw) []string {
	if oldM == nil {
		oldM = map[string]ChannelConfigRaw{}
	}
	if newM == nil {
		newM = map[string]ChannelConfigRaw{}
	}

	set := map[string]struct{}{}
	for k := range oldM {
		set[k] = struct{}{}
	}
	for k := range newM {
		set[k] = struct{}{}
	}

	out := make([]string, 0, len(set))
	for name := range set {
		o := oldM[name]
		n := newM[name]
		if o.Enabled != n.Enabled || o.Type != n.Type {
			out = append(out, name)
			continue
		}
		if canonicalHashJSON(o.Config) != canonicalHashJSON(n.Config) {
			out = append(out, name)
			continue
		}
	}
	sort.Strings(out)
	return out
}
