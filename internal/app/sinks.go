package app

import (
	"context"
	"fmt"
	"strings"
	"time"

	"nodediag/internal/eventbus"
	"nodediag/internal/sinks"
	"nodediag/internal/storage"
	"nodediag/pkg/diag"
	logx "nodediag/pkg/logx"
)

// sinkSet holds the constructed batch consumers plus the fanout the
// dispatcher publishes into. Only the buffered sinks have a lifecycle;
// the log and bus sinks publish inline.
type sinkSet struct {
	history   *sinks.History
	consul    *sinks.Consul
	push      *sinks.Push
	collector *sinks.Collector

	fan diag.Sink
}

func buildSinks(cfg *Config, node string, bus eventbus.Bus, st storage.Store, root logx.Logger) (*sinkSet, error) {
	set := &sinkSet{}
	var fan []diag.Sink

	// Log sink defaults on so a bare config still shows reports somewhere.
	logOn := true
	minLevel := diag.LevelOK
	if cfg != nil && cfg.Sinks.Log != nil {
		lc := cfg.Sinks.Log
		logOn = lc.Enabled
		if s := strings.TrimSpace(lc.MinLevel); s != "" {
			lv, err := diag.ParseLevel(s)
			if err != nil {
				return nil, fmt.Errorf("sinks.log.min_level: %w", err)
			}
			minLevel = lv
		}
	}
	if logOn {
		fan = append(fan, sinks.NewLogSink(root.With(logx.String("comp", "sink.log")), minLevel))
	}

	// History backs /healthz and /api/v1/status, so it too defaults on.
	// With the section omitted it persists whenever storage is enabled.
	histOn := true
	histSize := 0
	persist := st != nil
	if cfg != nil && cfg.Sinks.History != nil {
		hc := cfg.Sinks.History
		histOn = hc.Enabled
		histSize = hc.QueueSize
		persist = hc.Persist && st != nil
	}
	if histOn {
		var hs storage.Store
		if persist {
			hs = st
		}
		set.history = sinks.NewHistory(histSize, hs, root.With(logx.String("comp", "sink.history")))
		fan = append(fan, set.history)
	}

	if cfg != nil && cfg.Sinks.Consul != nil && cfg.Sinks.Consul.Enabled {
		cc := cfg.Sinks.Consul
		ttl, err := parseDurationOrDefault("sinks.consul.ttl", cc.TTL, 15*time.Second)
		if err != nil {
			return nil, err
		}
		con, err := sinks.NewConsul(sinks.ConsulOptions{
			Address:     strings.TrimSpace(cc.Address),
			ServiceName: strings.TrimSpace(cc.ServiceName),
			ServiceID:   strings.TrimSpace(cc.ServiceID),
			Token:       cc.Token,
			TTL:         ttl,
			KVPrefix:    strings.TrimSpace(cc.KVPrefix),
			Node:        node,
		}, root.With(logx.String("comp", "sink.consul")))
		if err != nil {
			return nil, fmt.Errorf("sinks.consul: %w", err)
		}
		set.consul = con
		fan = append(fan, con)
	}

	if cfg != nil && cfg.Sinks.Push != nil && cfg.Sinks.Push.Enabled {
		pc := cfg.Sinks.Push
		if strings.TrimSpace(pc.URL) == "" {
			return nil, fmt.Errorf("sinks.push.url is required")
		}
		set.push = sinks.NewPush(sinks.PushOptions{
			URL:       strings.TrimSpace(pc.URL),
			Token:     pc.Token,
			Node:      node,
			QueueSize: pc.QueueSize,
		}, root.With(logx.String("comp", "sink.push")))
		fan = append(fan, set.push)
	}

	if cfg != nil && cfg.Sinks.Collector != nil && cfg.Sinks.Collector.Enabled {
		cc := cfg.Sinks.Collector
		if strings.TrimSpace(cc.URL) == "" {
			return nil, fmt.Errorf("sinks.collector.url is required")
		}
		timeout, err := parseDurationField("sinks.collector.timeout", cc.Timeout)
		if err != nil {
			return nil, err
		}
		var tc *sinks.CollectorTLS
		if cc.TLS != nil {
			tc = &sinks.CollectorTLS{
				CertFile: cc.TLS.CertFile,
				KeyFile:  cc.TLS.KeyFile,
				CAFile:   cc.TLS.CAFile,
			}
		}
		col, err := sinks.NewCollector(sinks.CollectorOptions{
			URL:     strings.TrimSpace(cc.URL),
			Token:   cc.Token,
			Node:    node,
			Timeout: timeout,
			TLS:     tc,
		}, root.With(logx.String("comp", "sink.collector")))
		if err != nil {
			return nil, fmt.Errorf("sinks.collector: %w", err)
		}
		set.collector = col
		fan = append(fan, col)
	}

	// The bus sink goes last so in-process consumers (alerts, SSE) see a
	// batch only after the external sinks have queued it.
	if bus != nil {
		fan = append(fan, sinks.NewBusSink(bus))
	}

	set.fan = diag.MultiSink(fan...)
	return set, nil
}

func (s *sinkSet) fanout() diag.Sink { return s.fan }

func (s *sinkSet) start(ctx context.Context) error {
	if s.history != nil {
		if err := s.history.Start(ctx); err != nil {
			return fmt.Errorf("history sink: %w", err)
		}
	}
	if s.consul != nil {
		if err := s.consul.Start(ctx); err != nil {
			return fmt.Errorf("consul sink: %w", err)
		}
	}
	if s.push != nil {
		if err := s.push.Start(ctx); err != nil {
			return fmt.Errorf("push sink: %w", err)
		}
	}
	if s.collector != nil {
		if err := s.collector.Start(ctx); err != nil {
			return fmt.Errorf("collector sink: %w", err)
		}
	}
	return nil
}

// stop drains every buffered sink, keeping the first error.
func (s *sinkSet) stop(ctx context.Context) error {
	var first error
	keep := func(err error) {
		if err != nil && first == nil {
			first = err
		}
	}
	if s.collector != nil {
		keep(s.collector.Stop(ctx))
	}
	if s.push != nil {
		keep(s.push.Stop(ctx))
	}
	if s.consul != nil {
		keep(s.consul.Stop(ctx))
	}
	if s.history != nil {
		keep(s.history.Stop(ctx))
	}
	return first
}
