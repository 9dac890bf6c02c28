package server

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"nodediag/internal/eventbus"
	"nodediag/internal/sinks"
	"nodediag/internal/storage"
	"nodediag/pkg/diag"
	logx "nodediag/pkg/logx"
)

type fakeDispatcher struct {
	mu       sync.Mutex
	forced   int
	period   time.Duration
	bcastLv  diag.Level
	bcastMsg string
}

func (f *fakeDispatcher) Force() {
	f.mu.Lock()
	f.forced++
	f.mu.Unlock()
}

func (f *fakeDispatcher) Broadcast(lv diag.Level, msg string) {
	f.mu.Lock()
	f.bcastLv, f.bcastMsg = lv, msg
	f.mu.Unlock()
}

func (f *fakeDispatcher) Period() time.Duration {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.period == 0 {
		return time.Second
	}
	return f.period
}

func (f *fakeDispatcher) SetPeriod(d time.Duration) {
	f.mu.Lock()
	f.period = d
	f.mu.Unlock()
}

type fakeNotifier struct {
	mu       sync.Mutex
	err      error
	rep      diag.Report
	channels []string
	calls    int
}

func (f *fakeNotifier) Notify(rep diag.Report, channels ...string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	f.rep = rep
	f.channels = append([]string(nil), channels...)
	return f.err
}

func newTestServer(t *testing.T, opts Options, deps Deps) *httptest.Server {
	t.Helper()
	if deps.Dispatcher == nil {
		deps.Dispatcher = &fakeDispatcher{}
	}
	svc := New(opts, deps, logx.Nop())
	srv := httptest.NewServer(svc.routes())
	t.Cleanup(srv.Close)
	return srv
}

func doRequest(t *testing.T, method, url, token string, body any) *http.Response {
	t.Helper()
	var rd io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		rd = bytes.NewReader(b)
	}
	req, err := http.NewRequest(method, url, rd)
	if err != nil {
		t.Fatalf("build request: %v", err)
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, url, err)
	}
	return resp
}

func decodeBody(t *testing.T, resp *http.Response, out any) {
	t.Helper()
	defer resp.Body.Close()
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		t.Fatalf("decode response: %v", err)
	}
}

func TestHealthzReportsWorstLevel(t *testing.T) {
	t.Parallel()

	h := sinks.NewHistory(8, nil, logx.Nop())
	h.Publish([]diag.Report{
		{Name: "heartbeat", Level: diag.LevelOK, Message: "alive"},
		{Name: "root-disk", Level: diag.LevelWarn, Message: "85% used"},
	})

	srv := newTestServer(t, Options{Node: "node-1"}, Deps{History: h})
	resp := doRequest(t, http.MethodGet, srv.URL+"/healthz", "", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("GET /healthz = %d, want 200", resp.StatusCode)
	}
	var got healthResponse
	decodeBody(t, resp, &got)
	if got.Status != "ok" || got.Node != "node-1" || got.Level != "warn" {
		t.Fatalf("healthz = %+v, want ok/node-1/warn", got)
	}
}

func TestStatusReturnsLatestBatch(t *testing.T) {
	t.Parallel()

	h := sinks.NewHistory(8, nil, logx.Nop())
	h.Publish([]diag.Report{{Name: "gateway", Level: diag.LevelError, Message: "unreachable"}})

	srv := newTestServer(t, Options{Node: "node-1", Version: "1.2.3"}, Deps{History: h})
	resp := doRequest(t, http.MethodGet, srv.URL+"/api/v1/status", "", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("GET /api/v1/status = %d, want 200", resp.StatusCode)
	}
	var got statusResponse
	decodeBody(t, resp, &got)
	if got.Period != "1s" || got.Worst != "error" {
		t.Fatalf("status = %+v, want period 1s worst error", got)
	}
	if got.Latest == nil || len(got.Latest.Reports) != 1 || got.Latest.Reports[0].Name != "gateway" {
		t.Fatalf("latest batch = %+v, want one gateway report", got.Latest)
	}
	if _, ok := got.Current["gateway"]; !ok {
		t.Fatalf("current = %+v, want gateway entry", got.Current)
	}
}

func TestReportsQueriesStorage(t *testing.T) {
	t.Parallel()

	st, err := storage.Open(storage.Config{Driver: "file", Path: t.TempDir()}, logx.Nop())
	if err != nil {
		t.Fatalf("storage.Open() error = %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })

	ctx := context.Background()
	batch := storage.Batch{
		At:     time.Now(),
		Source: "dispatch",
		Reports: []diag.Report{
			{Name: "root-disk", Level: diag.LevelWarn, Message: "85% used"},
			{Name: "gateway", Level: diag.LevelOK, Message: "reachable"},
		},
	}
	if _, err := st.SaveBatch(ctx, batch); err != nil {
		t.Fatalf("SaveBatch() error = %v", err)
	}

	srv := newTestServer(t, Options{}, Deps{Store: st})

	resp := doRequest(t, http.MethodGet, srv.URL+"/api/v1/reports?name=root-disk&limit=5", "", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("GET reports by name = %d, want 200", resp.StatusCode)
	}
	var byName struct {
		Name    string                 `json:"name"`
		Reports []storage.StoredReport `json:"reports"`
	}
	decodeBody(t, resp, &byName)
	if byName.Name != "root-disk" || len(byName.Reports) != 1 || byName.Reports[0].Report.Message != "85% used" {
		t.Fatalf("reports by name = %+v, want one root-disk entry", byName)
	}

	resp = doRequest(t, http.MethodGet, srv.URL+"/api/v1/reports", "", nil)
	var recent struct {
		Batches []storage.Batch `json:"batches"`
	}
	decodeBody(t, resp, &recent)
	if len(recent.Batches) != 1 || len(recent.Batches[0].Reports) != 2 {
		t.Fatalf("recent batches = %+v, want one batch with two reports", recent)
	}

	resp = doRequest(t, http.MethodGet, srv.URL+"/api/v1/reports?limit=zero", "", nil)
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("bad limit = %d, want 400", resp.StatusCode)
	}
}

func TestReportsWithoutStorage(t *testing.T) {
	t.Parallel()

	srv := newTestServer(t, Options{}, Deps{})
	resp := doRequest(t, http.MethodGet, srv.URL+"/api/v1/reports", "", nil)
	resp.Body.Close()
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("GET /api/v1/reports = %d, want 503", resp.StatusCode)
	}
}

func TestForceRequiresToken(t *testing.T) {
	t.Parallel()

	disp := &fakeDispatcher{}
	srv := newTestServer(t, Options{Token: "tok"}, Deps{Dispatcher: disp})

	resp := doRequest(t, http.MethodPost, srv.URL+"/api/v1/force", "", nil)
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("unauthenticated force = %d, want 401", resp.StatusCode)
	}

	resp = doRequest(t, http.MethodPost, srv.URL+"/api/v1/force", "tok", nil)
	resp.Body.Close()
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("authenticated force = %d, want 202", resp.StatusCode)
	}

	disp.mu.Lock()
	forced := disp.forced
	disp.mu.Unlock()
	if forced != 1 {
		t.Fatalf("dispatcher forced %d times, want 1", forced)
	}
}

func TestBroadcastValidation(t *testing.T) {
	t.Parallel()

	disp := &fakeDispatcher{}
	srv := newTestServer(t, Options{}, Deps{Dispatcher: disp})

	resp := doRequest(t, http.MethodPost, srv.URL+"/api/v1/broadcast", "", map[string]string{"level": "warn"})
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("broadcast without message = %d, want 400", resp.StatusCode)
	}

	resp = doRequest(t, http.MethodPost, srv.URL+"/api/v1/broadcast", "", map[string]string{"level": "fatal", "message": "m"})
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("broadcast with bad level = %d, want 400", resp.StatusCode)
	}

	resp = doRequest(t, http.MethodPost, srv.URL+"/api/v1/broadcast", "", map[string]string{"level": "error", "message": "maintenance"})
	resp.Body.Close()
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("broadcast = %d, want 202", resp.StatusCode)
	}

	disp.mu.Lock()
	lv, msg := disp.bcastLv, disp.bcastMsg
	disp.mu.Unlock()
	if lv != diag.LevelError || msg != "maintenance" {
		t.Fatalf("broadcast recorded %v/%q, want error/maintenance", lv, msg)
	}
}

func TestPeriodUpdate(t *testing.T) {
	t.Parallel()

	disp := &fakeDispatcher{}
	srv := newTestServer(t, Options{}, Deps{Dispatcher: disp})

	resp := doRequest(t, http.MethodPut, srv.URL+"/api/v1/period", "", map[string]string{"period": "250ms"})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("PUT /api/v1/period = %d, want 200", resp.StatusCode)
	}
	var got map[string]string
	decodeBody(t, resp, &got)
	if got["period"] != "250ms" {
		t.Fatalf("period response = %q, want 250ms", got["period"])
	}
	if disp.Period() != 250*time.Millisecond {
		t.Fatalf("dispatcher period = %v, want 250ms", disp.Period())
	}

	resp = doRequest(t, http.MethodPut, srv.URL+"/api/v1/period", "", map[string]string{"period": "-1s"})
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("negative period = %d, want 400", resp.StatusCode)
	}

	resp = doRequest(t, http.MethodPut, srv.URL+"/api/v1/period", "", map[string]string{"period": "soon"})
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("garbage period = %d, want 400", resp.StatusCode)
	}
}

func TestAlertTestRoute(t *testing.T) {
	t.Parallel()

	not := &fakeNotifier{}
	srv := newTestServer(t, Options{}, Deps{Alerts: not})

	resp := doRequest(t, http.MethodPost, srv.URL+"/api/v1/alerts/test", "", map[string]any{
		"level":    "error",
		"message":  "boom",
		"channels": []string{"hook"},
	})
	resp.Body.Close()
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("alert test = %d, want 202", resp.StatusCode)
	}

	not.mu.Lock()
	rep, chans := not.rep, not.channels
	not.mu.Unlock()
	if rep.Name != "alert-test" || rep.Level != diag.LevelError || rep.Message != "boom" {
		t.Fatalf("notified report = %+v, want alert-test/error/boom", rep)
	}
	if len(chans) != 1 || chans[0] != "hook" {
		t.Fatalf("notified channels = %v, want [hook]", chans)
	}

	// Defaults with an empty body.
	resp = doRequest(t, http.MethodPost, srv.URL+"/api/v1/alerts/test", "", nil)
	resp.Body.Close()
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("alert test with empty body = %d, want 202", resp.StatusCode)
	}
	not.mu.Lock()
	rep = not.rep
	not.mu.Unlock()
	if rep.Level != diag.LevelWarn || rep.Message != "test alert" {
		t.Fatalf("default test alert = %+v, want warn/test alert", rep)
	}
}

func TestAlertTestWithoutPipeline(t *testing.T) {
	t.Parallel()

	srv := newTestServer(t, Options{}, Deps{})
	resp := doRequest(t, http.MethodPost, srv.URL+"/api/v1/alerts/test", "", nil)
	resp.Body.Close()
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("alert test without pipeline = %d, want 503", resp.StatusCode)
	}
}

func TestDebugMergesSnapshots(t *testing.T) {
	t.Parallel()

	srv := newTestServer(t, Options{Node: "node-1", Version: "1.2.3"}, Deps{
		Debug: func() map[string]any {
			return map[string]any{"updater": map[string]any{"running": true}}
		},
	})
	resp := doRequest(t, http.MethodGet, srv.URL+"/api/v1/debug", "", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("GET /api/v1/debug = %d, want 200", resp.StatusCode)
	}
	var got map[string]any
	decodeBody(t, resp, &got)
	if got["node"] != "node-1" || got["version"] != "1.2.3" {
		t.Fatalf("debug = %+v, want node/version", got)
	}
	if _, ok := got["updater"]; !ok {
		t.Fatalf("debug = %+v, want merged updater snapshot", got)
	}
}

func TestEventsStreamDeliversBusEvents(t *testing.T) {
	t.Parallel()

	bus := eventbus.New()
	srv := newTestServer(t, Options{}, Deps{Bus: bus})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"/api/v1/events?type="+sinks.EventBatch, http.NoBody)
	if err != nil {
		t.Fatalf("build request: %v", err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("GET /api/v1/events: %v", err)
	}
	defer resp.Body.Close()
	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("Content-Type = %q, want text/event-stream", ct)
	}

	// Headers received means the handler has subscribed.
	bus.Publish(eventbus.Event{
		Type: sinks.EventBatch,
		Data: []diag.Report{{Name: "root-disk", Level: diag.LevelWarn, Message: "85% used"}},
	})

	rd := bufio.NewReader(resp.Body)
	var eventLine, dataLine string
	for {
		line, err := rd.ReadString('\n')
		if err != nil {
			t.Fatalf("read stream: %v", err)
		}
		line = strings.TrimSpace(line)
		switch {
		case strings.HasPrefix(line, "event: "):
			eventLine = line
		case strings.HasPrefix(line, "data: "):
			dataLine = line
		}
		if eventLine != "" && dataLine != "" {
			break
		}
	}
	if eventLine != "event: "+sinks.EventBatch {
		t.Fatalf("event line = %q, want %q", eventLine, "event: "+sinks.EventBatch)
	}
	if !strings.Contains(dataLine, "root-disk") {
		t.Fatalf("data line = %q, want the published report", dataLine)
	}
}

func TestStartStopLifecycle(t *testing.T) {
	t.Parallel()

	bus := eventbus.New()
	svc := New(Options{Addr: "127.0.0.1:0"}, Deps{Dispatcher: &fakeDispatcher{}, Bus: bus}, logx.Nop())

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := svc.Start(ctx); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	addr := svc.Addr()
	if addr == "" {
		t.Fatal("Addr() empty after Start")
	}
	// Second Start is a no-op.
	if err := svc.Start(ctx); err != nil {
		t.Fatalf("second Start() error = %v", err)
	}

	resp, err := http.Get("http://" + addr + "/healthz")
	if err != nil {
		t.Fatalf("GET /healthz: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("GET /healthz = %d, want 200", resp.StatusCode)
	}

	// An open SSE stream must not wedge shutdown.
	streamReq, err := http.NewRequestWithContext(ctx, http.MethodGet, "http://"+addr+"/api/v1/events", http.NoBody)
	if err != nil {
		t.Fatalf("build stream request: %v", err)
	}
	streamResp, err := http.DefaultClient.Do(streamReq)
	if err != nil {
		t.Fatalf("open stream: %v", err)
	}
	defer streamResp.Body.Close()

	stopCtx, stopCancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer stopCancel()
	begin := time.Now()
	svc.Stop(stopCtx)
	if elapsed := time.Since(begin); elapsed > 1500*time.Millisecond {
		t.Fatalf("Stop took %v with an open stream, want prompt shutdown", elapsed)
	}
	svc.Stop(stopCtx)

	if _, err := http.Get("http://" + addr + "/healthz"); err == nil {
		t.Fatal("listener still accepting after Stop")
	}
}
