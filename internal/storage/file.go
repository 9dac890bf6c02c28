package storage

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	logx "nodediag/pkg/logx"
)

// fileStore is a dependency-free persistence backend.
//
// Files:
//   - <prefix>.batches.jsonl       (append-only JSON Lines, one batch per line)
//   - <prefix>.dedup.snapshot.json (periodic snapshot)
//   - <prefix>.dedup.journal.jsonl (append-only journal)
//
// Recent batches are kept in a bounded in-memory window so reads never
// touch disk. The dedup journal is periodically compacted into the
// snapshot; the batch log is compacted on PruneBefore.
type fileStore struct {
	log logx.Logger

	mu sync.Mutex

	batchPath  string
	batchFile  *os.File
	ring       []Batch // oldest first
	maxBatches int
	nextID     int64

	dedupSnapshotPath string
	dedupJournalFile  *os.File
	dedup             map[string]int64 // unix milli

	dedupWrites int
}

type dedupRecord struct {
	Key   string `json:"key"`
	Until int64  `json:"until"`
}

const defaultMaxBatches = 256

func openFile(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("storage.path is required for file driver")
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	maxBatches := cfg.MaxBatches
	if maxBatches <= 0 {
		maxBatches = defaultMaxBatches
	}

	dir := filepath.Dir(path)
	base := filepath.Base(path)
	base = strings.TrimSuffix(base, filepath.Ext(base))
	prefix := filepath.Join(dir, base)

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}

	batchPath := prefix + ".batches.jsonl"
	snapPath := prefix + ".dedup.snapshot.json"
	journalPath := prefix + ".dedup.journal.jsonl"

	ring, nextID, err := loadBatchWindow(batchPath, maxBatches)
	if err != nil {
		return nil, err
	}

	bf, err := os.OpenFile(batchPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, err
	}

	// Load dedup from snapshot + journal.
	dedup := map[string]int64{}
	_ = loadDedupSnapshot(snapPath, dedup)
	_ = replayDedupJournal(journalPath, dedup)
	pruneExpiredDedup(dedup)

	jf, err := os.OpenFile(journalPath, os.O_CREATE|os.O_APPEND|os.O_RDWR, 0o600)
	if err != nil {
		_ = bf.Close()
		return nil, err
	}

	return &fileStore{
		log:               log,
		batchPath:         batchPath,
		batchFile:         bf,
		ring:              ring,
		maxBatches:        maxBatches,
		nextID:            nextID,
		dedupSnapshotPath: snapPath,
		dedupJournalFile:  jf,
		dedup:             dedup,
	}, nil
}

func (s *fileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var err1, err2 error
	if s.batchFile != nil {
		err1 = s.batchFile.Close()
		s.batchFile = nil
	}
	if s.dedupJournalFile != nil {
		err2 = s.dedupJournalFile.Close()
		s.dedupJournalFile = nil
	}
	if err1 != nil {
		return err1
	}
	return err2
}

func (s *fileStore) SaveBatch(ctx context.Context, b Batch) (int64, error) {
	_ = ctx
	if b.At.IsZero() {
		b.At = time.Now()
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.batchFile == nil {
		return 0, errors.New("batch log closed")
	}
	b.ID = s.nextID
	s.nextID++

	if err := json.NewEncoder(s.batchFile).Encode(b); err != nil {
		return 0, err
	}
	s.ring = append(s.ring, b)
	if len(s.ring) > s.maxBatches {
		s.ring = s.ring[len(s.ring)-s.maxBatches:]
	}
	return b.ID, nil
}

func (s *fileStore) RecentBatches(ctx context.Context, limit int) ([]Batch, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	if limit <= 0 || limit > len(s.ring) {
		limit = len(s.ring)
	}
	out := make([]Batch, 0, limit)
	for i := len(s.ring) - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, s.ring[i])
	}
	return out, nil
}

func (s *fileStore) ReportsByName(ctx context.Context, name string, limit int) ([]StoredReport, error) {
	_ = ctx
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]StoredReport, 0, 8)
	for i := len(s.ring) - 1; i >= 0; i-- {
		b := s.ring[i]
		for _, r := range b.Reports {
			if r.Name != name {
				continue
			}
			out = append(out, StoredReport{At: b.At, Report: r})
			if limit > 0 && len(out) >= limit {
				return out, nil
			}
		}
	}
	return out, nil
}

// PruneBefore drops batches recorded before cutoff and compacts the
// batch log in place (tmp file + rename).
func (s *fileStore) PruneBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.batchFile == nil {
		return 0, errors.New("batch log closed")
	}

	keep := make([]Batch, 0, len(s.ring))
	var removed int64
	for _, b := range s.ring {
		if b.At.Before(cutoff) {
			removed++
			continue
		}
		keep = append(keep, b)
	}

	tmp := s.batchPath + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return 0, err
	}
	enc := json.NewEncoder(f)
	for _, b := range keep {
		if err := enc.Encode(b); err != nil {
			_ = f.Close()
			return 0, err
		}
	}
	if err := f.Close(); err != nil {
		return 0, err
	}
	if err := os.Rename(tmp, s.batchPath); err != nil {
		return 0, err
	}

	// Reopen the append handle against the compacted file.
	_ = s.batchFile.Close()
	bf, err := os.OpenFile(s.batchPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		s.batchFile = nil
		return removed, err
	}
	s.batchFile = bf
	s.ring = keep
	return removed, nil
}

func (s *fileStore) PutDedup(ctx context.Context, key string, until time.Time) error {
	_ = ctx
	key = strings.TrimSpace(key)
	if key == "" {
		return nil
	}
	ms := until.UnixMilli()

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.dedupJournalFile == nil {
		return errors.New("dedup journal closed")
	}
	if s.dedup == nil {
		s.dedup = map[string]int64{}
	}
	s.dedup[key] = ms

	if err := json.NewEncoder(s.dedupJournalFile).Encode(dedupRecord{Key: key, Until: ms}); err != nil {
		return err
	}
	s.dedupWrites++
	if s.dedupWrites%512 == 0 {
		// Best-effort compact.
		if err := s.compactDedupLocked(); err != nil {
			s.log.Debug("dedup compact failed", logx.Err(err))
		}
	}
	return nil
}

func (s *fileStore) GetDedup(ctx context.Context, key string) (time.Time, bool, error) {
	_ = ctx
	key = strings.TrimSpace(key)
	if key == "" {
		return time.Time{}, false, nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	ms, ok := s.dedup[key]
	if !ok {
		return time.Time{}, false, nil
	}
	return time.UnixMilli(ms), true, nil
}

func (s *fileStore) compactDedupLocked() error {
	if s.dedup == nil {
		return nil
	}
	pruneExpiredDedup(s.dedup)

	tmp := s.dedupSnapshotPath + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	if err := json.NewEncoder(f).Encode(s.dedup); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmp, s.dedupSnapshotPath); err != nil {
		return err
	}
	// Truncate journal.
	if err := s.dedupJournalFile.Truncate(0); err != nil {
		return err
	}
	_, err = s.dedupJournalFile.Seek(0, 2)
	return err
}

// loadBatchWindow replays the batch log keeping the newest maxBatches
// entries, and derives the next batch ID from the highest one seen.
func loadBatchWindow(path string, maxBatches int) ([]Batch, int64, error) {
	f, err := os.Open(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, 1, nil
	}
	if err != nil {
		return nil, 0, err
	}
	defer f.Close()

	ring := make([]Batch, 0, maxBatches)
	var maxID int64
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for sc.Scan() {
		var b Batch
		if err := json.Unmarshal(sc.Bytes(), &b); err != nil {
			continue
		}
		if b.ID > maxID {
			maxID = b.ID
		}
		ring = append(ring, b)
		if len(ring) > maxBatches {
			ring = ring[len(ring)-maxBatches:]
		}
	}
	if err := sc.Err(); err != nil {
		return nil, 0, err
	}
	return ring, maxID + 1, nil
}

func loadDedupSnapshot(path string, out map[string]int64) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	var m map[string]int64
	if err := json.NewDecoder(f).Decode(&m); err != nil {
		return err
	}
	for k, v := range m {
		out[k] = v
	}
	return nil
}

func replayDedupJournal(path string, out map[string]int64) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		var r dedupRecord
		if err := json.Unmarshal(sc.Bytes(), &r); err != nil {
			continue
		}
		if r.Key == "" {
			continue
		}
		out[r.Key] = r.Until
	}
	return sc.Err()
}

func pruneExpiredDedup(m map[string]int64) {
	now := time.Now().UnixMilli()
	for k, v := range m {
		if v < now {
			delete(m, k)
		}
	}
}
