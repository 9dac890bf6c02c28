package probes

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/oliveagle/jsonpath"

	"nodediag/pkg/diag"
)

// HTTPCheckOptions configures an HTTP endpoint probe.
//
// StatusMin/StatusMax bound the accepted status range (inclusive).
// JSONPath, when set, must resolve in the response body; with
// JSONPathEquals the resolved value must also match.
type HTTPCheckOptions struct {
	URL            string `mapstructure:"url"`
	Method         string `mapstructure:"method"`
	StatusMin      int    `mapstructure:"status_min"`
	StatusMax      int    `mapstructure:"status_max"`
	BodyContains   string `mapstructure:"body_contains"`
	JSONPath       string `mapstructure:"jsonpath"`
	JSONPathEquals string `mapstructure:"jsonpath_equals"`
}

type httpCheckProbe struct {
	nopCloser
	name   string
	opts   HTTPCheckOptions
	client *http.Client
}

const maxProbeBody = 1 << 20

func NewHTTPCheck(name string, opts HTTPCheckOptions, timeout time.Duration) (Probe, error) {
	if opts.URL == "" {
		return nil, errMissing("url")
	}
	if opts.Method == "" {
		opts.Method = http.MethodGet
	}
	if opts.StatusMin == 0 {
		opts.StatusMin = 200
	}
	if opts.StatusMax == 0 {
		opts.StatusMax = 399
	}
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &httpCheckProbe{
		name:   name,
		opts:   opts,
		client: &http.Client{Timeout: timeout},
	}, nil
}

func (p *httpCheckProbe) Name() string { return p.name }

func (p *httpCheckProbe) Run(r *diag.Report) {
	ctx, cancel := context.WithTimeout(context.Background(), p.client.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, p.opts.Method, p.opts.URL, nil)
	if err != nil {
		r.Summaryf(diag.LevelError, "build request: %v", err)
		return
	}

	start := time.Now()
	resp, err := p.client.Do(req)
	if err != nil {
		r.Summaryf(diag.LevelError, "request failed: %v", err)
		r.Add("URL", p.opts.URL)
		return
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxProbeBody))
	latency := time.Since(start)
	if err != nil {
		r.Summaryf(diag.LevelError, "read response: %v", err)
		return
	}

	r.Add("URL", p.opts.URL)
	r.Addf("Status code", "%d", resp.StatusCode)
	r.Addf("Latency (ms)", "%.2f", float64(latency.Microseconds())/1000)
	r.Addf("Body bytes", "%d", len(body))

	if resp.StatusCode < p.opts.StatusMin || resp.StatusCode > p.opts.StatusMax {
		r.Summaryf(diag.LevelError, "status %d outside %d-%d", resp.StatusCode, p.opts.StatusMin, p.opts.StatusMax)
		return
	}
	if p.opts.BodyContains != "" && !strings.Contains(string(body), p.opts.BodyContains) {
		r.Summary(diag.LevelWarn, "Expected content not found in body")
		return
	}
	if p.opts.JSONPath != "" {
		var parsed any
		if err := json.Unmarshal(body, &parsed); err != nil {
			r.Summaryf(diag.LevelWarn, "parse json body: %v", err)
			return
		}
		val, err := jsonpath.JsonPathLookup(parsed, p.opts.JSONPath)
		if err != nil {
			r.Summaryf(diag.LevelWarn, "jsonpath %s: %v", p.opts.JSONPath, err)
			return
		}
		got := fmt.Sprintf("%v", val)
		r.Add("JSONPath value", got)
		if p.opts.JSONPathEquals != "" && got != p.opts.JSONPathEquals {
			r.Summaryf(diag.LevelWarn, "jsonpath value %q, want %q", got, p.opts.JSONPathEquals)
			return
		}
	}
	r.Summary(diag.LevelOK, "Endpoint healthy")
}
