package server

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"nodediag/internal/sinks"
	"nodediag/pkg/diag"
)

const (
	defaultReportLimit = 50
	maxReportLimit     = 500
)

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}

type healthResponse struct {
	Status string `json:"status"`
	Node   string `json:"node,omitempty"`
	Level  string `json:"level,omitempty"`
	Uptime string `json:"uptime,omitempty"`
}

func (s *Service) handleHealthz(w http.ResponseWriter, r *http.Request) {
	resp := healthResponse{Status: "ok", Node: s.opts.Node}
	s.mu.Lock()
	if !s.started.IsZero() {
		resp.Uptime = time.Since(s.started).Round(time.Second).String()
	}
	s.mu.Unlock()
	if s.deps.History != nil {
		resp.Level = s.deps.History.WorstLevel().String()
	}
	writeJSON(w, http.StatusOK, resp)
}

type statusResponse struct {
	Node    string                       `json:"node,omitempty"`
	Version string                       `json:"version,omitempty"`
	Period  string                       `json:"period"`
	Worst   string                       `json:"worst_level,omitempty"`
	Latest  *sinks.TimedBatch            `json:"latest,omitempty"`
	Current map[string]sinks.TimedReport `json:"current,omitempty"`
}

func (s *Service) handleStatus(w http.ResponseWriter, r *http.Request) {
	resp := statusResponse{
		Node:    s.opts.Node,
		Version: s.opts.Version,
		Period:  s.deps.Dispatcher.Period().String(),
	}
	if h := s.deps.History; h != nil {
		resp.Worst = h.WorstLevel().String()
		if latest, ok := h.Latest(); ok {
			resp.Latest = &latest
		}
		resp.Current = h.Current()
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Service) handleReports(w http.ResponseWriter, r *http.Request) {
	if s.deps.Store == nil {
		writeError(w, http.StatusServiceUnavailable, "storage disabled")
		return
	}

	limit := defaultReportLimit
	if raw := strings.TrimSpace(r.URL.Query().Get("limit")); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = n
	}
	if limit > maxReportLimit {
		limit = maxReportLimit
	}

	name := strings.TrimSpace(r.URL.Query().Get("name"))
	if name != "" {
		reports, err := s.deps.Store.ReportsByName(r.Context(), name, limit)
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"name": name, "reports": reports})
		return
	}

	batches, err := s.deps.Store.RecentBatches(r.Context(), limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"batches": batches})
}

func (s *Service) handleForce(w http.ResponseWriter, r *http.Request) {
	s.deps.Dispatcher.Force()
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "forced"})
}

type broadcastRequest struct {
	Level   string `json:"level"`
	Message string `json:"message"`
}

func (s *Service) handleBroadcast(w http.ResponseWriter, r *http.Request) {
	var req broadcastRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid body: "+err.Error())
		return
	}
	if strings.TrimSpace(req.Message) == "" {
		writeError(w, http.StatusBadRequest, "message is required")
		return
	}
	lv := diag.LevelWarn
	if strings.TrimSpace(req.Level) != "" {
		parsed, err := diag.ParseLevel(req.Level)
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		lv = parsed
	}
	s.deps.Dispatcher.Broadcast(lv, req.Message)
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "broadcast", "level": lv.String()})
}

type periodRequest struct {
	Period string `json:"period"`
}

func (s *Service) handlePeriod(w http.ResponseWriter, r *http.Request) {
	var req periodRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid body: "+err.Error())
		return
	}
	d, err := time.ParseDuration(strings.TrimSpace(req.Period))
	if err != nil {
		writeError(w, http.StatusBadRequest, "period: "+err.Error())
		return
	}
	if d <= 0 {
		writeError(w, http.StatusBadRequest, "period must be positive")
		return
	}
	s.deps.Dispatcher.SetPeriod(d)
	writeJSON(w, http.StatusOK, map[string]string{"period": s.deps.Dispatcher.Period().String()})
}

type alertTestRequest struct {
	Channels []string `json:"channels,omitempty"`
	Level    string   `json:"level,omitempty"`
	Message  string   `json:"message,omitempty"`
}

func (s *Service) handleAlertTest(w http.ResponseWriter, r *http.Request) {
	if s.deps.Alerts == nil {
		writeError(w, http.StatusServiceUnavailable, "alerts disabled")
		return
	}
	var req alertTestRequest
	// An empty body means defaults.
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, http.StatusBadRequest, "invalid body: "+err.Error())
		return
	}
	lv := diag.LevelWarn
	if strings.TrimSpace(req.Level) != "" {
		parsed, err := diag.ParseLevel(req.Level)
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		lv = parsed
	}
	msg := strings.TrimSpace(req.Message)
	if msg == "" {
		msg = "test alert"
	}

	rep := diag.Report{Name: "alert-test", Level: lv, Message: msg}
	if err := s.deps.Alerts.Notify(rep, req.Channels...); err != nil {
		writeError(w, http.StatusServiceUnavailable, err.Error())
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "queued"})
}

func (s *Service) handleDebug(w http.ResponseWriter, r *http.Request) {
	out := map[string]any{
		"node":    s.opts.Node,
		"version": s.opts.Version,
	}
	s.mu.Lock()
	if !s.started.IsZero() {
		out["uptime"] = time.Since(s.started).Round(time.Second).String()
	}
	s.mu.Unlock()
	if s.deps.Debug != nil {
		for k, v := range s.deps.Debug() {
			out[k] = v
		}
	}
	writeJSON(w, http.StatusOK, out)
}
