package sinks

import (
	"context"
	"sync"
	"time"

	"nodediag/internal/storage"
	"nodediag/pkg/diag"
	logx "nodediag/pkg/logx"
)

// TimedBatch is one published batch with its arrival time.
type TimedBatch struct {
	At      time.Time     `json:"at"`
	Reports []diag.Report `json:"reports"`
}

// History keeps a bounded in-memory window of batches and the latest
// report per task, and optionally persists batches to a store. Reads
// serve the HTTP API; persistence happens off the dispatch path.
type History struct {
	log   logx.Logger
	store storage.Store
	pump  *pump

	mu     sync.Mutex
	ring   []TimedBatch
	latest map[string]TimedReport
	max    int
}

// TimedReport is the newest report seen for one task.
type TimedReport struct {
	At     time.Time   `json:"at"`
	Report diag.Report `json:"report"`
}

const defaultHistorySize = 128

// NewHistory creates the sink. store may be nil; then history lives
// only in memory.
func NewHistory(size int, st storage.Store, log logx.Logger) *History {
	if size <= 0 {
		size = defaultHistorySize
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	h := &History{
		log:    log,
		store:  st,
		ring:   make([]TimedBatch, 0, size),
		latest: map[string]TimedReport{},
		max:    size,
	}
	if st != nil {
		h.pump = newPump(size, log, h.persist)
	}
	return h
}

func (h *History) Start(ctx context.Context) error {
	_ = ctx
	if h.pump != nil {
		h.pump.start()
	}
	return nil
}

func (h *History) Stop(ctx context.Context) error {
	if h.pump != nil {
		h.pump.stop(ctx)
	}
	return nil
}

func (h *History) Publish(batch []diag.Report) {
	now := time.Now()
	snap := make([]diag.Report, len(batch))
	copy(snap, batch)

	h.mu.Lock()
	h.ring = append(h.ring, TimedBatch{At: now, Reports: snap})
	if len(h.ring) > h.max {
		h.ring = h.ring[len(h.ring)-h.max:]
	}
	for _, r := range snap {
		h.latest[r.Name] = TimedReport{At: now, Report: r}
	}
	h.mu.Unlock()

	if h.pump != nil {
		h.pump.publish(snap)
	}
}

func (h *History) persist(ctx context.Context, batch []diag.Report) {
	if _, err := h.store.SaveBatch(ctx, storage.Batch{Reports: batch}); err != nil {
		h.log.Warn("persist batch failed", logx.Err(err))
	}
}

// Latest returns the most recent batch, or ok=false before the first
// dispatch.
func (h *History) Latest() (TimedBatch, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if len(h.ring) == 0 {
		return TimedBatch{}, false
	}
	b := h.ring[len(h.ring)-1]
	out := TimedBatch{At: b.At, Reports: make([]diag.Report, len(b.Reports))}
	copy(out.Reports, b.Reports)
	return out, true
}

// Current returns the newest report per task, sorted by task name at
// the caller's discretion (map iteration order is undefined).
func (h *History) Current() map[string]TimedReport {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make(map[string]TimedReport, len(h.latest))
	for k, v := range h.latest {
		out[k] = v
	}
	return out
}

// Recent returns up to limit batches, newest first.
func (h *History) Recent(limit int) []TimedBatch {
	h.mu.Lock()
	defer h.mu.Unlock()
	if limit <= 0 || limit > len(h.ring) {
		limit = len(h.ring)
	}
	out := make([]TimedBatch, 0, limit)
	for i := len(h.ring) - 1; i >= 0 && len(out) < limit; i-- {
		b := h.ring[i]
		cp := TimedBatch{At: b.At, Reports: make([]diag.Report, len(b.Reports))}
		copy(cp.Reports, b.Reports)
		out = append(out, cp)
	}
	return out
}

// WorstLevel reduces the latest batch to its highest severity. Before
// the first dispatch it reports stale.
func (h *History) WorstLevel() diag.Level {
	h.mu.Lock()
	defer h.mu.Unlock()
	if len(h.ring) == 0 {
		return diag.LevelStale
	}
	worst := diag.LevelOK
	for _, r := range h.ring[len(h.ring)-1].Reports {
		if r.Level > worst {
			worst = r.Level
		}
	}
	return worst
}
