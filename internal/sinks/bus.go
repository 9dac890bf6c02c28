package sinks

import (
	"time"

	"nodediag/internal/eventbus"
	"nodediag/pkg/diag"
)

// EventBatch is the eventbus topic carrying dispatched batches.
const EventBatch = "diag.batch"

// BusSink republishes batches on the in-process event bus for the
// alerts pipeline and the SSE stream.
type BusSink struct {
	bus eventbus.Bus
}

func NewBusSink(bus eventbus.Bus) *BusSink { return &BusSink{bus: bus} }

func (s *BusSink) Publish(batch []diag.Report) {
	if s.bus == nil {
		return
	}
	cp := make([]diag.Report, len(batch))
	copy(cp, batch)
	s.bus.Publish(eventbus.Event{Type: EventBatch, Time: time.Now(), Data: cp})
}
