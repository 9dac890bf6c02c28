package probes

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"nodediag/pkg/diag"
)

const exposition = `# HELP queue_depth Jobs waiting.
# TYPE queue_depth gauge
queue_depth{pool="ingest"} 12
queue_depth{pool="egress"} 3
# HELP requests_total Requests served.
# TYPE requests_total counter
requests_total 815
`

func runPromScrape(t *testing.T, opts PromScrapeOptions) diag.Report {
	t.Helper()
	p, err := NewPromScrape("metrics", opts, 2*time.Second)
	if err != nil {
		t.Fatalf("NewPromScrape: %v", err)
	}
	defer p.Close()
	var r diag.Report
	p.Run(&r)
	return r
}

func TestPromScrapeThresholds(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		_, _ = w.Write([]byte(exposition))
	}))
	defer srv.Close()

	r := runPromScrape(t, PromScrapeOptions{
		URL:    srv.URL,
		Metric: "queue_depth",
		Labels: map[string]string{"pool": "ingest"},
		WarnIf: "value > 10",
	})
	if r.Level != diag.LevelWarn {
		t.Fatalf("warn threshold: %+v", r)
	}
	if findValue(t, &r, "Value") != "12" {
		t.Fatalf("value: %+v", r.Values)
	}

	r = runPromScrape(t, PromScrapeOptions{
		URL:     srv.URL,
		Metric:  "queue_depth",
		Labels:  map[string]string{"pool": "ingest"},
		WarnIf:  "value > 10",
		ErrorIf: "value > 11",
	})
	if r.Level != diag.LevelError {
		t.Fatalf("error beats warn: %+v", r)
	}

	r = runPromScrape(t, PromScrapeOptions{
		URL:    srv.URL,
		Metric: "queue_depth",
		Labels: map[string]string{"pool": "egress"},
		WarnIf: "value > 10",
	})
	if r.Level != diag.LevelOK || r.Message != "Metric within bounds" {
		t.Fatalf("within bounds: %+v", r)
	}

	// Counters resolve too.
	r = runPromScrape(t, PromScrapeOptions{URL: srv.URL, Metric: "requests_total"})
	if r.Level != diag.LevelOK {
		t.Fatalf("counter: %+v", r)
	}
	if findValue(t, &r, "Value") != "815" {
		t.Fatalf("counter value: %+v", r.Values)
	}
}

func TestPromScrapeMissingMetric(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		_, _ = w.Write([]byte(exposition))
	}))
	defer srv.Close()

	r := runPromScrape(t, PromScrapeOptions{URL: srv.URL, Metric: "nope_total"})
	if r.Level != diag.LevelError {
		t.Fatalf("missing metric: %+v", r)
	}

	r = runPromScrape(t, PromScrapeOptions{
		URL:    srv.URL,
		Metric: "queue_depth",
		Labels: map[string]string{"pool": "nope"},
	})
	if r.Level != diag.LevelError {
		t.Fatalf("missing series: %+v", r)
	}
}

func TestPromScrapeBadEndpoint(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	r := runPromScrape(t, PromScrapeOptions{URL: srv.URL, Metric: "up"})
	if r.Level != diag.LevelError {
		t.Fatalf("bad status: %+v", r)
	}

	garbage := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		_, _ = w.Write([]byte("{{{{not exposition"))
	}))
	defer garbage.Close()

	r = runPromScrape(t, PromScrapeOptions{URL: garbage.URL, Metric: "up"})
	if r.Level != diag.LevelError {
		t.Fatalf("bad payload: %+v", r)
	}
}
