package probes

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/Knetic/govaluate"
	dto "github.com/prometheus/client_model/go"
	"github.com/prometheus/common/expfmt"

	"nodediag/pkg/diag"
)

// PromScrapeOptions scrapes one Prometheus metric and evaluates
// threshold expressions over it. Expressions see the series value as
// `value`, e.g. "value > 0.9".
type PromScrapeOptions struct {
	URL     string            `mapstructure:"url"`
	Metric  string            `mapstructure:"metric"`
	Labels  map[string]string `mapstructure:"labels"`
	WarnIf  string            `mapstructure:"warn_if"`
	ErrorIf string            `mapstructure:"error_if"`
}

type promScrapeProbe struct {
	nopCloser
	name    string
	opts    PromScrapeOptions
	warnIf  *govaluate.EvaluableExpression
	errorIf *govaluate.EvaluableExpression
	client  *http.Client
}

func NewPromScrape(name string, opts PromScrapeOptions, timeout time.Duration) (Probe, error) {
	if opts.URL == "" {
		return nil, errMissing("url")
	}
	if opts.Metric == "" {
		return nil, errMissing("metric")
	}
	if timeout <= 0 {
		timeout = defaultTimeout
	}

	p := &promScrapeProbe{
		name:   name,
		opts:   opts,
		client: &http.Client{Timeout: timeout},
	}
	var err error
	if opts.WarnIf != "" {
		if p.warnIf, err = govaluate.NewEvaluableExpression(opts.WarnIf); err != nil {
			return nil, fmt.Errorf("warn_if: %w", err)
		}
	}
	if opts.ErrorIf != "" {
		if p.errorIf, err = govaluate.NewEvaluableExpression(opts.ErrorIf); err != nil {
			return nil, fmt.Errorf("error_if: %w", err)
		}
	}
	return p, nil
}

func (p *promScrapeProbe) Name() string { return p.name }

func (p *promScrapeProbe) Run(r *diag.Report) {
	ctx, cancel := context.WithTimeout(context.Background(), p.client.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.opts.URL, nil)
	if err != nil {
		r.Summaryf(diag.LevelError, "build request: %v", err)
		return
	}
	resp, err := p.client.Do(req)
	if err != nil {
		r.Summaryf(diag.LevelError, "scrape failed: %v", err)
		r.Add("URL", p.opts.URL)
		return
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		r.Summaryf(diag.LevelError, "scrape status %d", resp.StatusCode)
		r.Add("URL", p.opts.URL)
		return
	}

	var parser expfmt.TextParser
	families, err := parser.TextToMetricFamilies(io.LimitReader(resp.Body, maxProbeBody))
	if err != nil {
		r.Summaryf(diag.LevelError, "parse exposition: %v", err)
		return
	}

	value, found, err := findMetricValue(families[p.opts.Metric], p.opts.Labels)
	if err != nil {
		r.Summaryf(diag.LevelError, "metric %s: %v", p.opts.Metric, err)
		return
	}
	if !found {
		r.Summaryf(diag.LevelError, "metric %s%s not found", p.opts.Metric, formatLabelSet(p.opts.Labels))
		return
	}

	r.Add("Metric", p.opts.Metric+formatLabelSet(p.opts.Labels))
	r.Addf("Value", "%g", value)

	params := map[string]any{"value": value}
	if fired, why := evalThreshold(p.errorIf, params); fired {
		r.Summaryf(diag.LevelError, "error threshold breached (%s)", p.opts.ErrorIf)
		return
	} else if why != nil {
		r.Summaryf(diag.LevelError, "error_if: %v", why)
		return
	}
	if fired, why := evalThreshold(p.warnIf, params); fired {
		r.Summaryf(diag.LevelWarn, "warning threshold breached (%s)", p.opts.WarnIf)
		return
	} else if why != nil {
		r.Summaryf(diag.LevelError, "warn_if: %v", why)
		return
	}
	r.Summary(diag.LevelOK, "Metric within bounds")
}

func evalThreshold(expr *govaluate.EvaluableExpression, params map[string]any) (bool, error) {
	if expr == nil {
		return false, nil
	}
	out, err := expr.Evaluate(params)
	if err != nil {
		return false, err
	}
	b, ok := out.(bool)
	if !ok {
		return false, fmt.Errorf("expression result %v is not a boolean", out)
	}
	return b, nil
}

func findMetricValue(family *dto.MetricFamily, labels map[string]string) (float64, bool, error) {
	if family == nil {
		return 0, false, nil
	}
	for _, metric := range family.Metric {
		if !labelsMatch(metric, labels) {
			continue
		}
		switch family.GetType() {
		case dto.MetricType_COUNTER:
			if metric.Counter == nil {
				return 0, false, fmt.Errorf("metric missing counter value")
			}
			return metric.Counter.GetValue(), true, nil
		case dto.MetricType_GAUGE:
			if metric.Gauge == nil {
				return 0, false, fmt.Errorf("metric missing gauge value")
			}
			return metric.Gauge.GetValue(), true, nil
		case dto.MetricType_UNTYPED:
			if metric.Untyped == nil {
				return 0, false, fmt.Errorf("metric missing untyped value")
			}
			return metric.Untyped.GetValue(), true, nil
		default:
			return 0, false, fmt.Errorf("unsupported metric type %s", family.GetType().String())
		}
	}
	return 0, false, nil
}

func labelsMatch(metric *dto.Metric, expected map[string]string) bool {
	for key, value := range expected {
		found := false
		for _, lp := range metric.Label {
			if lp.GetName() == key && lp.GetValue() == value {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

func formatLabelSet(labels map[string]string) string {
	if len(labels) == 0 {
		return ""
	}
	keys := make([]string, 0, len(labels))
	for key := range labels {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, key := range keys {
		parts = append(parts, fmt.Sprintf(`%s="%s"`, key, labels[key]))
	}
	return "{" + strings.Join(parts, ",") + "}"
}
