package sinks

import (
	"context"
	"sync"
	"testing"
	"time"

	"nodediag/pkg/diag"
	logx "nodediag/pkg/logx"
)

type recordingDeliver struct {
	mu      sync.Mutex
	batches [][]diag.Report
}

func (r *recordingDeliver) deliver(_ context.Context, batch []diag.Report) {
	r.mu.Lock()
	r.batches = append(r.batches, batch)
	r.mu.Unlock()
}

func (r *recordingDeliver) names() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.batches))
	for _, b := range r.batches {
		out = append(out, b[0].Name)
	}
	return out
}

func namedBatch(name string) []diag.Report {
	return []diag.Report{{Name: name, Level: diag.LevelOK, Message: "ok"}}
}

func TestPumpDeliversQueuedBatches(t *testing.T) {
	t.Parallel()

	rec := &recordingDeliver{}
	p := newPump(8, logx.Nop(), rec.deliver)
	p.publish(namedBatch("a"))
	p.publish(namedBatch("b"))
	p.start()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	p.stop(ctx)

	got := rec.names()
	if len(got) != 2 || got[0] != "a" || got[1] != "b" {
		t.Fatalf("delivered = %v, want [a b]", got)
	}
	if p.droppedCount() != 0 {
		t.Fatalf("droppedCount = %d, want 0", p.droppedCount())
	}
}

func TestPumpOverflowDropsOldest(t *testing.T) {
	t.Parallel()

	rec := &recordingDeliver{}
	p := newPump(2, logx.Nop(), rec.deliver)
	for _, name := range []string{"a", "b", "c", "d"} {
		p.publish(namedBatch(name))
	}
	p.start()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	p.stop(ctx)

	got := rec.names()
	if len(got) != 2 || got[0] != "c" || got[1] != "d" {
		t.Fatalf("delivered = %v, want [c d]", got)
	}
	if p.droppedCount() != 2 {
		t.Fatalf("droppedCount = %d, want 2", p.droppedCount())
	}
}

func TestPumpStopIsIdempotent(t *testing.T) {
	t.Parallel()

	p := newPump(2, logx.Nop(), func(context.Context, []diag.Report) {})
	p.start()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	p.stop(ctx)
	p.stop(ctx)
}
