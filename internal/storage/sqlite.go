package storage

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	"nodediag/pkg/diag"
	logx "nodediag/pkg/logx"

	_ "modernc.org/sqlite"
)

//go:embed migrations.sql
var migrationsFS embed.FS

type sqliteStore struct {
	db  *sql.DB
	log logx.Logger

	opCount    atomic.Uint64
	pruneEvery uint64
}

func openSQLite(cfg Config, log logx.Logger) (Store, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, errors.New("sqlite path is required")
	}
	path := cfg.Path
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a small number of concurrent writers.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	st := &sqliteStore{db: db, log: log, pruneEvery: 500}

	// Basic pragmas.
	if cfg.BusyTimeout > 0 {
		ms := cfg.BusyTimeout.Milliseconds()
		_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", ms))
	}
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")

	if err := st.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return st, nil
}

func (s *sqliteStore) migrate(ctx context.Context) error {
	b, err := migrationsFS.ReadFile("migrations.sql")
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, string(b))
	return err
}

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *sqliteStore) SaveBatch(ctx context.Context, b Batch) (int64, error) {
	if s == nil || s.db == nil {
		return 0, ErrDisabled
	}
	if b.At.IsZero() {
		b.At = time.Now()
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx,
		`INSERT INTO batches(created_at, source) VALUES(?,?)`,
		b.At.UnixMilli(), b.Source,
	)
	if err != nil {
		return 0, err
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, err
	}

	for pos, r := range b.Reports {
		var valuesJSON any
		if len(r.Values) > 0 {
			raw, err := json.Marshal(r.Values)
			if err != nil {
				return 0, err
			}
			valuesJSON = string(raw)
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO reports(batch_id, pos, name, level, message, hardware_id, values_json)
			 VALUES(?,?,?,?,?,?,?)`,
			id, pos, r.Name, int(r.Level), r.Message, nullStr(r.HardwareID), valuesJSON,
		); err != nil {
			return 0, err
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, err
	}
	return id, nil
}

func (s *sqliteStore) RecentBatches(ctx context.Context, limit int) ([]Batch, error) {
	if s == nil || s.db == nil {
		return nil, ErrDisabled
	}
	if limit <= 0 {
		limit = defaultMaxBatches
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT b.id, b.created_at, b.source, r.pos, r.name, r.level, r.message, r.hardware_id, r.values_json
		 FROM (SELECT id, created_at, source FROM batches ORDER BY id DESC LIMIT ?) b
		 LEFT JOIN reports r ON r.batch_id = b.id
		 ORDER BY b.id DESC, r.pos ASC`,
		limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]Batch, 0, limit)
	for rows.Next() {
		var (
			id, createdMS int64
			source        string
			pos           sql.NullInt64
			name, msg     sql.NullString
			level         sql.NullInt64
			hwid, valsRaw sql.NullString
		)
		if err := rows.Scan(&id, &createdMS, &source, &pos, &name, &level, &msg, &hwid, &valsRaw); err != nil {
			return nil, err
		}
		if len(out) == 0 || out[len(out)-1].ID != id {
			out = append(out, Batch{ID: id, At: time.UnixMilli(createdMS), Source: source})
		}
		if !pos.Valid {
			continue // batch without reports
		}
		r, err := scanReport(name, level, msg, hwid, valsRaw)
		if err != nil {
			return nil, err
		}
		out[len(out)-1].Reports = append(out[len(out)-1].Reports, r)
	}
	return out, rows.Err()
}

func (s *sqliteStore) ReportsByName(ctx context.Context, name string, limit int) ([]StoredReport, error) {
	if s == nil || s.db == nil {
		return nil, ErrDisabled
	}
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, nil
	}
	if limit <= 0 {
		limit = defaultMaxBatches
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT b.created_at, r.name, r.level, r.message, r.hardware_id, r.values_json
		 FROM reports r JOIN batches b ON b.id = r.batch_id
		 WHERE r.name = ?
		 ORDER BY r.batch_id DESC, r.pos ASC
		 LIMIT ?`,
		name, limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]StoredReport, 0, limit)
	for rows.Next() {
		var (
			createdMS     int64
			rname, msg    sql.NullString
			level         sql.NullInt64
			hwid, valsRaw sql.NullString
		)
		if err := rows.Scan(&createdMS, &rname, &level, &msg, &hwid, &valsRaw); err != nil {
			return nil, err
		}
		r, err := scanReport(rname, level, msg, hwid, valsRaw)
		if err != nil {
			return nil, err
		}
		out = append(out, StoredReport{At: time.UnixMilli(createdMS), Report: r})
	}
	return out, rows.Err()
}

func (s *sqliteStore) PruneBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	if s == nil || s.db == nil {
		return 0, ErrDisabled
	}
	ms := cutoff.UnixMilli()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx,
		`DELETE FROM reports WHERE batch_id IN (SELECT id FROM batches WHERE created_at < ?)`, ms,
	); err != nil {
		return 0, err
	}
	res, err := tx.ExecContext(ctx, `DELETE FROM batches WHERE created_at < ?`, ms)
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	return n, tx.Commit()
}

func (s *sqliteStore) PutDedup(ctx context.Context, key string, until time.Time) error {
	if s == nil || s.db == nil {
		return ErrDisabled
	}
	if key == "" {
		return nil
	}
	ms := until.UnixMilli()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO dedup(key, until) VALUES(?,?)
		 ON CONFLICT(key) DO UPDATE SET until=excluded.until`,
		key, ms,
	)
	if err == nil && s.opCount.Add(1)%s.pruneEvery == 0 {
		pctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
		_ = s.pruneExpired(pctx)
		cancel()
	}
	return err
}

func (s *sqliteStore) GetDedup(ctx context.Context, key string) (time.Time, bool, error) {
	if s == nil || s.db == nil {
		return time.Time{}, false, ErrDisabled
	}
	if key == "" {
		return time.Time{}, false, nil
	}
	var ms int64
	err := s.db.QueryRowContext(ctx, `SELECT until FROM dedup WHERE key = ?`, key).Scan(&ms)
	if errors.Is(err, sql.ErrNoRows) {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, err
	}
	return time.UnixMilli(ms), true, nil
}

func (s *sqliteStore) pruneExpired(ctx context.Context) error {
	if s == nil || s.db == nil {
		return nil
	}
	now := time.Now().UnixMilli()
	_, err := s.db.ExecContext(ctx, `DELETE FROM dedup WHERE until < ?`, now)
	return err
}

func scanReport(name sql.NullString, level sql.NullInt64, msg, hwid, valsRaw sql.NullString) (diag.Report, error) {
	r := diag.Report{
		Name:       name.String,
		Level:      diag.Level(level.Int64),
		Message:    msg.String,
		HardwareID: hwid.String,
	}
	if valsRaw.Valid && valsRaw.String != "" {
		if err := json.Unmarshal([]byte(valsRaw.String), &r.Values); err != nil {
			return diag.Report{}, err
		}
	}
	return r, nil
}

func nullStr(v string) any {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	return v
}
