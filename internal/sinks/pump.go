package sinks

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"nodediag/pkg/diag"
	logx "nodediag/pkg/logx"
)

const (
	defaultQueueSize = 64
	drainTimeout     = 3 * time.Second
)

// pump moves batches from a bounded queue to a deliver function on a
// single worker goroutine.
type pump struct {
	log     logx.Logger
	queue   chan []diag.Report
	deliver func(ctx context.Context, batch []diag.Report)

	stopCh  chan struct{}
	doneCh  chan struct{}
	dropped atomic.Uint64

	startOnce sync.Once
	stopOnce  sync.Once
}

func newPump(queueSize int, log logx.Logger, deliver func(ctx context.Context, batch []diag.Report)) *pump {
	if queueSize <= 0 {
		queueSize = defaultQueueSize
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &pump{
		log:     log,
		queue:   make(chan []diag.Report, queueSize),
		deliver: deliver,
		stopCh:  make(chan struct{}),
		doneCh:  make(chan struct{}),
	}
}

func (p *pump) start() {
	p.startOnce.Do(func() { go p.run() })
}

// publish enqueues without blocking. On overflow the oldest batch is
// dropped to make room.
func (p *pump) publish(batch []diag.Report) {
	select {
	case p.queue <- batch:
		return
	default:
	}
	select {
	case <-p.queue:
		p.dropped.Add(1)
	default:
	}
	select {
	case p.queue <- batch:
	default:
		p.dropped.Add(1)
	}
}

func (p *pump) stop(ctx context.Context) {
	p.stopOnce.Do(func() { close(p.stopCh) })
	select {
	case <-p.doneCh:
	case <-ctx.Done():
	}
}

func (p *pump) droppedCount() uint64 { return p.dropped.Load() }

func (p *pump) run() {
	defer close(p.doneCh)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		<-p.stopCh
		cancel()
	}()

	for {
		select {
		case <-p.stopCh:
			p.drain()
			return
		case b := <-p.queue:
			p.deliver(ctx, b)
		}
	}
}

// drain flushes whatever is still queued with a bounded deadline per
// batch so shutdown cannot hang on a dead endpoint.
func (p *pump) drain() {
	for {
		select {
		case b := <-p.queue:
			ctx, cancel := context.WithTimeout(context.Background(), drainTimeout)
			p.deliver(ctx, b)
			cancel()
		default:
			return
		}
	}
}
