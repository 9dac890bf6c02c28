package sinks

import (
	"bytes"
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"golang.org/x/net/http2"

	"nodediag/pkg/diag"
	logx "nodediag/pkg/logx"
)

// CollectorTLS points at the client cert pair and CA used for mutual
// TLS toward the collector.
type CollectorTLS struct {
	CertFile string
	KeyFile  string
	CAFile   string
}

// CollectorOptions configures the HTTP collector sink.
type CollectorOptions struct {
	URL       string
	Token     string // do not log
	Node      string
	Timeout   time.Duration
	QueueSize int
	TLS       *CollectorTLS
}

// Collector POSTs each batch as JSON to a central endpoint.
type Collector struct {
	log    logx.Logger
	opts   CollectorOptions
	client *http.Client
	pump   *pump
}

type collectorPayload struct {
	Node    string        `json:"node,omitempty"`
	At      time.Time     `json:"at"`
	Reports []diag.Report `json:"reports"`
}

func NewCollector(opts CollectorOptions, log logx.Logger) (*Collector, error) {
	if log.IsZero() {
		log = logx.Nop()
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 10 * time.Second
	}

	client := &http.Client{Timeout: opts.Timeout}
	if opts.TLS != nil {
		transport, err := mtlsTransport(*opts.TLS)
		if err != nil {
			return nil, err
		}
		client.Transport = transport
	}

	c := &Collector{log: log, opts: opts, client: client}
	c.pump = newPump(opts.QueueSize, log, c.post)
	return c, nil
}

func (c *Collector) Start(ctx context.Context) error {
	_ = ctx
	c.pump.start()
	return nil
}

func (c *Collector) Stop(ctx context.Context) error {
	c.pump.stop(ctx)
	return nil
}

func (c *Collector) Publish(batch []diag.Report) { c.pump.publish(batch) }

func (c *Collector) post(ctx context.Context, batch []diag.Report) {
	payload, err := json.Marshal(collectorPayload{Node: c.opts.Node, At: time.Now(), Reports: batch})
	if err != nil {
		c.log.Error("marshal collector payload", logx.Err(err))
		return
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.opts.URL, bytes.NewReader(payload))
	if err != nil {
		c.log.Error("build collector request", logx.Err(err))
		return
	}
	req.Header.Set("Content-Type", "application/json")
	if c.opts.Token != "" {
		req.Header.Set("Authorization", "Bearer "+c.opts.Token)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		c.log.Warn("collector post failed", logx.Err(err))
		return
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		c.log.Warn("collector rejected batch",
			logx.Int("status", resp.StatusCode),
			logx.String("body", string(body)),
		)
	}
}

// mtlsTransport builds an HTTP/2 transport with client certificates.
func mtlsTransport(cfg CollectorTLS) (*http2.Transport, error) {
	if cfg.CertFile == "" || cfg.KeyFile == "" || cfg.CAFile == "" {
		return nil, fmt.Errorf("collector tls requires cert_file, key_file and ca_file")
	}
	cert, err := tls.LoadX509KeyPair(cfg.CertFile, cfg.KeyFile)
	if err != nil {
		return nil, fmt.Errorf("load client certificate: %w", err)
	}
	caPEM, err := os.ReadFile(cfg.CAFile)
	if err != nil {
		return nil, fmt.Errorf("read CA certificate: %w", err)
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(caPEM) {
		return nil, fmt.Errorf("parse CA certificate")
	}
	return &http2.Transport{
		TLSClientConfig: &tls.Config{
			Certificates: []tls.Certificate{cert},
			RootCAs:      pool,
			MinVersion:   tls.VersionTLS13,
		},
	}, nil
}
