package sinks

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	consulapi "github.com/hashicorp/consul/api"

	"nodediag/pkg/diag"
	logx "nodediag/pkg/logx"
)

// ConsulOptions configures service registration and TTL reporting.
type ConsulOptions struct {
	Address     string
	ServiceName string
	ServiceID   string
	Token       string // do not log
	TTL         time.Duration
	KVPrefix    string
	Node        string
	QueueSize   int
}

// Consul registers the node as a service with a TTL check and maps
// each batch's worst level onto pass/warn/fail. The latest batch is
// also mirrored into the KV store under KVPrefix.
type Consul struct {
	log  logx.Logger
	opts ConsulOptions
	cli  *consulapi.Client
	pump *pump

	checkID string
}

func NewConsul(opts ConsulOptions, log logx.Logger) (*Consul, error) {
	if log.IsZero() {
		log = logx.Nop()
	}
	if opts.ServiceName == "" {
		opts.ServiceName = "nodediag"
	}
	if opts.ServiceID == "" {
		opts.ServiceID = opts.ServiceName
		if opts.Node != "" {
			opts.ServiceID = opts.ServiceName + "-" + opts.Node
		}
	}
	if opts.TTL <= 0 {
		opts.TTL = 15 * time.Second
	}

	cfg := consulapi.DefaultConfig()
	if opts.Address != "" {
		cfg.Address = opts.Address
	}
	if opts.Token != "" {
		cfg.Token = opts.Token
	}
	cli, err := consulapi.NewClient(cfg)
	if err != nil {
		return nil, fmt.Errorf("consul client: %w", err)
	}

	c := &Consul{
		log:     log,
		opts:    opts,
		cli:     cli,
		checkID: "service:" + opts.ServiceID,
	}
	c.pump = newPump(opts.QueueSize, log, c.report)
	return c, nil
}

func (c *Consul) Start(ctx context.Context) error {
	_ = ctx
	if err := c.register(); err != nil {
		// The agent may simply be down; keep trying from the worker.
		c.log.Warn("consul register failed", logx.Err(err))
	}
	c.pump.start()
	return nil
}

func (c *Consul) Stop(ctx context.Context) error {
	c.pump.stop(ctx)
	if err := c.cli.Agent().ServiceDeregister(c.opts.ServiceID); err != nil {
		return fmt.Errorf("consul deregister: %w", err)
	}
	return nil
}

func (c *Consul) Publish(batch []diag.Report) { c.pump.publish(batch) }

func (c *Consul) register() error {
	return c.cli.Agent().ServiceRegister(&consulapi.AgentServiceRegistration{
		ID:   c.opts.ServiceID,
		Name: c.opts.ServiceName,
		Tags: []string{"diagnostics"},
		Check: &consulapi.AgentServiceCheck{
			CheckID:                        c.checkID,
			TTL:                            c.opts.TTL.String(),
			DeregisterCriticalServiceAfter: (10 * c.opts.TTL).String(),
		},
	})
}

func (c *Consul) report(ctx context.Context, batch []diag.Report) {
	status, note := ttlStatus(batch)
	err := c.cli.Agent().UpdateTTL(c.checkID, note, status)
	if err != nil {
		// A restarted agent forgets the check; re-register and retry once.
		if rerr := c.register(); rerr == nil {
			err = c.cli.Agent().UpdateTTL(c.checkID, note, status)
		}
	}
	if err != nil {
		c.log.Warn("consul ttl update failed", logx.Err(err))
		return
	}

	if c.opts.KVPrefix != "" {
		key := strings.TrimSuffix(c.opts.KVPrefix, "/") + "/" + c.opts.ServiceID
		val, err := json.Marshal(TimedBatch{At: time.Now(), Reports: batch})
		if err == nil {
			_, err = c.cli.KV().Put(&consulapi.KVPair{Key: key, Value: val}, (&consulapi.WriteOptions{}).WithContext(ctx))
		}
		if err != nil {
			c.log.Warn("consul kv put failed", logx.Err(err))
		}
	}
}

// ttlStatus reduces a batch to a consul TTL status plus a short note.
func ttlStatus(batch []diag.Report) (status, note string) {
	worst := diag.LevelOK
	var firstBad string
	for _, r := range batch {
		if r.Level > worst {
			worst = r.Level
			firstBad = r.Name + ": " + r.Message
		}
	}
	switch worst {
	case diag.LevelOK:
		return "pass", fmt.Sprintf("%d tasks ok", len(batch))
	case diag.LevelWarn:
		return "warn", firstBad
	default:
		return "fail", firstBad
	}
}
