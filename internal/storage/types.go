package storage

import (
	"errors"
	"time"

	"nodediag/pkg/diag"
)

var ErrDisabled = errors.New("storage disabled")

// Config configures storage.
//
// Driver values:
//   - "file": dependency-free file backend (jsonl + snapshot)
//   - "sqlite": SQLite database file
//
// If Driver is empty or "none", storage is disabled.
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default
	MaxBatches  int           // file driver in-memory window; 0 means default
}

// Batch is one dispatch cycle's worth of reports.
type Batch struct {
	ID      int64         `json:"id,omitempty"`
	At      time.Time     `json:"at"`
	Source  string        `json:"source,omitempty"`
	Reports []diag.Report `json:"reports"`
}

// StoredReport pairs a report with the time its batch was recorded.
type StoredReport struct {
	At     time.Time   `json:"at"`
	Report diag.Report `json:"report"`
}
