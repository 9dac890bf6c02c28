package alerts

import (
	"context"
	"errors"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"nodediag/internal/config"
	"nodediag/internal/eventbus"
	"nodediag/internal/storage"
	"nodediag/pkg/diag"
	logx "nodediag/pkg/logx"
)

var (
	ErrDisabled  = errors.New("alerts disabled")
	ErrQueueFull = errors.New("alerts queue full")
	ErrStopped   = errors.New("alerts stopped")
)

// Config controls the pipeline. Zero values get the documented
// defaults in applyLocked.
type Config struct {
	Enabled         bool
	Workers         int
	QueueSize       int
	RatePerSec      int
	RetryMax        int
	RetryBase       time.Duration
	RetryMaxDelay   time.Duration
	DedupWindow     time.Duration
	DedupMaxEntries int

	// PersistDedup mirrors the dedup window through the storage layer
	// so a restart does not re-fire suppressed alerts.
	PersistDedup bool

	Rules    []config.AlertRule
	Channels map[string]config.ChannelConfigRaw
}

// Alert is one report that matched a rule, bound for one channel.
type Alert struct {
	Node   string      `json:"node,omitempty"`
	At     time.Time   `json:"at"`
	Report diag.Report `json:"report"`
}

// AlertEvent is the bus payload for pipeline outcomes
// (alert.queued/deduped/dropped/sent/failed).
type AlertEvent struct {
	Channel string    `json:"channel"`
	Task    string    `json:"task"`
	Level   string    `json:"level"`
	Key     string    `json:"key,omitempty"`
	At      time.Time `json:"at"`
	Error   string    `json:"error,omitempty"`
}

// HistoryItem is one delivery attempt outcome kept for the API.
type HistoryItem struct {
	At      time.Time `json:"at"`
	Channel string    `json:"channel"`
	Task    string    `json:"task"`
	Level   string    `json:"level"`
	Message string    `json:"message"`
	Error   string    `json:"error,omitempty"`
}

type job struct {
	channel string
	alert   Alert
	// dedupKey is computed at enqueue time for cheap per-worker processing.
	dedupKey string
}

// rule is a parsed config.AlertRule.
type rule struct {
	match     string
	min       diag.Level
	channels  []string
	sustained int
}

// Service implements the async alert pipeline:
// queue + worker pool + rate limit + retry + dedup.
//
// It is safe for concurrent use.
type Service struct {
	mu sync.Mutex

	log   logx.Logger
	bus   eventbus.Bus
	store storage.Store // optional dedup persistence
	node  string

	cfg      Config
	rules    []rule
	senders  map[string]Sender
	limiters map[string]*rate.Limiter

	// streaks counts consecutive batches a rule matched a task, keyed
	// by rule index + task name. Reset on Apply.
	streaks map[string]int

	accepting bool
	enqWG     sync.WaitGroup

	queue    chan job
	stopDone chan struct{}

	runCtx    context.Context
	runCancel context.CancelFunc
	workerWG  sync.WaitGroup
	unsub     func()

	// In-memory dedup cache: key -> suppress until
	dmu   sync.Mutex
	dedup map[string]time.Time

	hmu     sync.Mutex
	history []HistoryItem
}
