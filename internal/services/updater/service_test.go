package updater

import (
	"context"
	"sync"
	"testing"
	"time"

	"nodediag/pkg/diag"
	logx "nodediag/pkg/logx"
)

type captureSink struct {
	mu      sync.Mutex
	batches [][]diag.Report
}

func (c *captureSink) Publish(batch []diag.Report) {
	cp := make([]diag.Report, len(batch))
	copy(cp, batch)
	c.mu.Lock()
	c.batches = append(c.batches, cp)
	c.mu.Unlock()
}

func (c *captureSink) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.batches)
}

func (c *captureSink) last() []diag.Report {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.batches) == 0 {
		return nil
	}
	return c.batches[len(c.batches)-1]
}

func TestForceDispatchesFullBatch(t *testing.T) {
	t.Parallel()

	sink := &captureSink{}
	svc := New(Config{Period: time.Hour, HardwareID: "rack-1"}, sink, logx.Nop())
	svc.Updater().Add("heartbeat", func(r *diag.Report) {
		r.Summary(diag.LevelOK, "Alive")
	})

	// Registration published a one-shot placeholder batch.
	if sink.count() != 1 {
		t.Fatalf("batches after add = %d, want 1 placeholder", sink.count())
	}
	if got := sink.last()[0].Message; got != "Node starting up" {
		t.Fatalf("placeholder message = %q", got)
	}

	svc.Force()
	if sink.count() != 2 {
		t.Fatalf("batches after force = %d, want 2", sink.count())
	}
	batch := sink.last()
	if len(batch) != 1 || batch[0].Name != "heartbeat" || batch[0].Message != "Alive" {
		t.Fatalf("forced batch = %+v", batch)
	}
	if batch[0].HardwareID != "rack-1" {
		t.Fatalf("hardware id = %q, want rack-1", batch[0].HardwareID)
	}

	if got := svc.Snapshot().Forced; got != 1 {
		t.Fatalf("Forced counter = %d, want 1", got)
	}
}

func TestBroadcastCoversAllTasks(t *testing.T) {
	t.Parallel()

	sink := &captureSink{}
	svc := New(Config{Period: time.Hour}, sink, logx.Nop())
	svc.Updater().Add("a", func(r *diag.Report) {})
	svc.Updater().Add("b", func(r *diag.Report) {})

	svc.Broadcast(diag.LevelWarn, "maintenance window")
	batch := sink.last()
	if len(batch) != 2 {
		t.Fatalf("broadcast batch size = %d, want 2", len(batch))
	}
	for _, r := range batch {
		if r.Level != diag.LevelWarn || r.Message != "maintenance window" {
			t.Fatalf("broadcast report = %+v", r)
		}
	}
}

func TestApplyUpdatesDispatcher(t *testing.T) {
	t.Parallel()

	svc := New(Config{Period: time.Hour, HardwareID: "rack-1"}, &captureSink{}, logx.Nop())

	svc.Apply(Config{Period: 250 * time.Millisecond, HardwareID: "rack-2"})
	if got := svc.Updater().Period(); got != 250*time.Millisecond {
		t.Fatalf("period after Apply = %v", got)
	}
	if got := svc.Updater().HardwareID(); got != "rack-2" {
		t.Fatalf("hardware id after Apply = %q", got)
	}

	// Zero period keeps the previous value.
	svc.Apply(Config{HardwareID: "rack-2"})
	if got := svc.Updater().Period(); got != 250*time.Millisecond {
		t.Fatalf("period after zero Apply = %v", got)
	}
}

func TestStartStopLifecycle(t *testing.T) {
	t.Parallel()

	svc := New(Config{Period: time.Hour, TickInterval: time.Minute}, &captureSink{}, logx.Nop())
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	if err := svc.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if !svc.Snapshot().Running {
		t.Fatalf("not running after Start")
	}
	if err := svc.Start(ctx); err != nil {
		t.Fatalf("second Start: %v", err)
	}

	svc.Stop(ctx)
	svc.Stop(ctx)
	if svc.Snapshot().Running {
		t.Fatalf("still running after Stop")
	}
}

func TestStartRejectsBadForceSchedule(t *testing.T) {
	t.Parallel()

	svc := New(Config{Period: time.Hour, ForceSchedule: "not a cron spec"}, &captureSink{}, logx.Nop())
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	if err := svc.Start(ctx); err == nil {
		t.Fatalf("Start accepted invalid force_schedule")
	}
	if svc.Snapshot().Running {
		t.Fatalf("running after failed Start")
	}
}

func TestSnapshotListsTasks(t *testing.T) {
	t.Parallel()

	svc := New(Config{Period: time.Hour}, &captureSink{}, logx.Nop())
	svc.Updater().Add("root-disk", func(r *diag.Report) {})
	svc.Updater().Add("gateway", func(r *diag.Report) {})

	snap := svc.Snapshot()
	if len(snap.Tasks) != 2 || snap.Tasks[0] != "root-disk" || snap.Tasks[1] != "gateway" {
		t.Fatalf("snapshot tasks = %v", snap.Tasks)
	}
	if snap.Period != time.Hour {
		t.Fatalf("snapshot period = %v", snap.Period)
	}
	if snap.TickInterval != time.Second {
		t.Fatalf("default tick interval = %v, want 1s", snap.TickInterval)
	}
}
