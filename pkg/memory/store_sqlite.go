package memory

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/Nikoldigital777/LIA/pkg/evolution"
)

const (
	compactionRunning   = "running"
	compactionCompleted = "completed"
	compactionFailed    = "failed"
)

// SQLiteStore is the canonical persistent storage for records, tombstones,
// the compaction log and evolution samples.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore creates/opens the memory database at path.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create memory db dir: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	// One shared connection: the Store already serializes writers.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	store := &SQLiteStore{db: db}
	if err := store.init(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

func (s *SQLiteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *SQLiteStore) init() error {
	stmts := []string{
		`PRAGMA journal_mode=WAL;`,
		`PRAGMA synchronous=NORMAL;`,
		`PRAGMA temp_store=MEMORY;`,
		`PRAGMA busy_timeout=5000;`,
		`CREATE TABLE IF NOT EXISTS memory_records (
			id TEXT PRIMARY KEY,
			category TEXT NOT NULL,
			payload TEXT NOT NULL,
			importance REAL NOT NULL,
			created_at_ns INTEGER NOT NULL,
			last_accessed_at_ns INTEGER NOT NULL,
			compressed INTEGER NOT NULL DEFAULT 0,
			weight REAL NOT NULL DEFAULT 1,
			source_ids_json TEXT NOT NULL DEFAULT '[]',
			experience_id TEXT NOT NULL DEFAULT ''
		);`,
		`CREATE INDEX IF NOT EXISTS memory_records_category_idx ON memory_records(category, created_at_ns);`,
		`CREATE TABLE IF NOT EXISTS memory_tombstones (
			record_id TEXT PRIMARY KEY,
			group_id TEXT NOT NULL,
			retired_at_ns INTEGER NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS memory_tombstones_group_idx ON memory_tombstones(group_id);`,
		`CREATE TABLE IF NOT EXISTS memory_compactions (
			id TEXT PRIMARY KEY,
			started_at_ms INTEGER NOT NULL,
			completed_at_ms INTEGER NOT NULL DEFAULT 0,
			status TEXT NOT NULL,
			size_before INTEGER NOT NULL,
			size_after INTEGER NOT NULL DEFAULT 0,
			target INTEGER NOT NULL,
			absorbed INTEGER NOT NULL DEFAULT 0,
			group_ids_json TEXT NOT NULL DEFAULT '[]',
			checkpoint_json TEXT NOT NULL DEFAULT '{}',
			error TEXT NOT NULL DEFAULT ''
		);`,
		`CREATE TABLE IF NOT EXISTS evolution_samples (
			seq INTEGER PRIMARY KEY AUTOINCREMENT,
			timestamp_ns INTEGER NOT NULL,
			metrics_json TEXT NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS memory_metrics (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			metric TEXT NOT NULL,
			value REAL NOT NULL,
			labels_json TEXT NOT NULL DEFAULT '{}',
			created_at_ms INTEGER NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS memory_metrics_metric_idx ON memory_metrics(metric, created_at_ms DESC);`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("init sqlite schema (%s): %w", trimSQL(stmt), err)
		}
	}
	return nil
}

func trimSQL(sql string) string {
	sql = strings.Join(strings.Fields(sql), " ")
	if len(sql) > 80 {
		return sql[:80] + "..."
	}
	return sql
}

func nowMS() int64 { return time.Now().UnixMilli() }

func fromNS(ns int64) time.Time { return time.Unix(0, ns) }

func encodeMap(m map[string]string) string {
	if len(m) == 0 {
		return "{}"
	}
	b, err := json.Marshal(m)
	if err != nil {
		return "{}"
	}
	return string(b)
}

func encodeList(values []string) string {
	if len(values) == 0 {
		return "[]"
	}
	b, err := json.Marshal(values)
	if err != nil {
		return "[]"
	}
	return string(b)
}

func decodeList(raw string) []string {
	if raw == "" || raw == "[]" {
		return nil
	}
	var out []string
	if err := json.Unmarshal([]byte(raw), &out); err != nil {
		return nil
	}
	return out
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func insertRecord(ctx context.Context, db execer, rec MemoryRecord) error {
	_, err := db.ExecContext(ctx, `
INSERT INTO memory_records(id, category, payload, importance, created_at_ns, last_accessed_at_ns, compressed, weight, source_ids_json, experience_id)
VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ID,
		string(rec.Category),
		rec.Payload,
		rec.Importance,
		rec.CreatedAt.UnixNano(),
		rec.LastAccessedAt.UnixNano(),
		boolInt(rec.Compressed),
		rec.Weight,
		encodeList(rec.SourceIDs),
		rec.ExperienceID,
	)
	return err
}

func (s *SQLiteStore) SaveRecord(ctx context.Context, rec MemoryRecord) error {
	if err := insertRecord(ctx, s.db, rec); err != nil {
		return fmt.Errorf("save memory record: %w", err)
	}
	return nil
}

func (s *SQLiteStore) UpdateAccess(ctx context.Context, rec MemoryRecord) error {
	res, err := s.db.ExecContext(ctx, `
UPDATE memory_records
SET importance = ?, last_accessed_at_ns = ?
WHERE id = ?`, rec.Importance, rec.LastAccessedAt.UnixNano(), rec.ID)
	if err != nil {
		return fmt.Errorf("update memory access: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("update memory access: record %s not persisted", rec.ID)
	}
	return nil
}

// CommitGroup inserts group, deletes the absorbed records and writes their
// tombstones in one transaction.
func (s *SQLiteStore) CommitGroup(ctx context.Context, group MemoryRecord, absorbed []string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("commit group begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if err := insertRecord(ctx, tx, group); err != nil {
		return fmt.Errorf("commit group insert: %w", err)
	}
	retiredAt := group.CreatedAt.UnixNano()
	for _, id := range absorbed {
		res, err := tx.ExecContext(ctx, `DELETE FROM memory_records WHERE id = ?`, id)
		if err != nil {
			return fmt.Errorf("commit group delete %s: %w", id, err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return fmt.Errorf("commit group: absorbed record %s not persisted", id)
		}
		if _, err := tx.ExecContext(ctx, `
INSERT INTO memory_tombstones(record_id, group_id, retired_at_ns)
VALUES(?, ?, ?)
ON CONFLICT(record_id) DO UPDATE SET group_id = excluded.group_id, retired_at_ns = excluded.retired_at_ns`,
			id, group.ID, retiredAt); err != nil {
			return fmt.Errorf("commit group tombstone %s: %w", id, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit group: %w", err)
	}
	return nil
}

func (s *SQLiteStore) LoadRecords(ctx context.Context) ([]MemoryRecord, map[string]string, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT id, category, payload, importance, created_at_ns, last_accessed_at_ns, compressed, weight, source_ids_json, experience_id
FROM memory_records
ORDER BY created_at_ns ASC, id ASC`)
	if err != nil {
		return nil, nil, fmt.Errorf("load memory records: %w", err)
	}
	defer rows.Close()

	records := []MemoryRecord{}
	for rows.Next() {
		var (
			rec                   MemoryRecord
			category, sourcesJSON string
			createdNS, accessedNS int64
			compressed            int
		)
		if err := rows.Scan(&rec.ID, &category, &rec.Payload, &rec.Importance, &createdNS, &accessedNS, &compressed, &rec.Weight, &sourcesJSON, &rec.ExperienceID); err != nil {
			return nil, nil, fmt.Errorf("scan memory record: %w", err)
		}
		rec.Category = Category(category)
		rec.CreatedAt = fromNS(createdNS)
		rec.LastAccessedAt = fromNS(accessedNS)
		rec.Compressed = compressed != 0
		rec.SourceIDs = decodeList(sourcesJSON)
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, nil, fmt.Errorf("load memory records: %w", err)
	}

	tombRows, err := s.db.QueryContext(ctx, `SELECT record_id, group_id FROM memory_tombstones`)
	if err != nil {
		return nil, nil, fmt.Errorf("load tombstones: %w", err)
	}
	defer tombRows.Close()
	tombstones := map[string]string{}
	for tombRows.Next() {
		var recordID, groupID string
		if err := tombRows.Scan(&recordID, &groupID); err != nil {
			return nil, nil, fmt.Errorf("scan tombstone: %w", err)
		}
		tombstones[recordID] = groupID
	}
	if err := tombRows.Err(); err != nil {
		return nil, nil, fmt.Errorf("load tombstones: %w", err)
	}
	return records, tombstones, nil
}

func (s *SQLiteStore) StartCompaction(ctx context.Context, sizeBefore, target int, checkpoint map[string]string) (string, error) {
	id := "cmp-" + uuid.NewString()
	_, err := s.db.ExecContext(ctx, `
INSERT INTO memory_compactions(id, started_at_ms, completed_at_ms, status, size_before, target, checkpoint_json)
VALUES(?, ?, 0, ?, ?, ?, ?)`, id, nowMS(), compactionRunning, sizeBefore, target, encodeMap(checkpoint))
	if err != nil {
		return "", fmt.Errorf("start compaction: %w", err)
	}
	return id, nil
}

func (s *SQLiteStore) CompleteCompaction(ctx context.Context, compactionID string, report CompressionReport) error {
	groupIDs := make([]string, 0, len(report.Groups))
	for _, g := range report.Groups {
		groupIDs = append(groupIDs, g.ID)
	}
	errMsg := ""
	if len(report.Failures) > 0 {
		errMsg = report.Failures[0].Error()
	}
	_, err := s.db.ExecContext(ctx, `
UPDATE memory_compactions
SET status = ?, completed_at_ms = ?, size_after = ?, absorbed = ?, group_ids_json = ?, error = ?
WHERE id = ?`, compactionCompleted, nowMS(), report.SizeAfter, report.Absorbed, encodeList(groupIDs), errMsg, compactionID)
	if err != nil {
		return fmt.Errorf("complete compaction: %w", err)
	}
	return nil
}

func (s *SQLiteStore) FailCompaction(ctx context.Context, compactionID, errMsg string) error {
	_, err := s.db.ExecContext(ctx, `
UPDATE memory_compactions
SET status = ?, completed_at_ms = ?, error = ?
WHERE id = ?`, compactionFailed, nowMS(), errMsg, compactionID)
	if err != nil {
		return fmt.Errorf("fail compaction: %w", err)
	}
	return nil
}

// CountCompactions counts passes that reached a terminal state.
func (s *SQLiteStore) CountCompactions(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `
SELECT COUNT(*) FROM memory_compactions WHERE status IN (?, ?)`, compactionCompleted, compactionFailed).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count compactions: %w", err)
	}
	return n, nil
}

func (s *SQLiteStore) AddMetric(ctx context.Context, metric string, value float64, labels map[string]string) error {
	_, err := s.db.ExecContext(ctx, `
INSERT INTO memory_metrics(metric, value, labels_json, created_at_ms)
VALUES(?, ?, ?, ?)`, metric, value, encodeMap(labels), nowMS())
	if err != nil {
		return fmt.Errorf("add metric: %w", err)
	}
	return nil
}

// AppendSample persists one evolution sample.
func (s *SQLiteStore) AppendSample(ctx context.Context, sample evolution.Sample) error {
	b, err := json.Marshal(sample.Metrics)
	if err != nil {
		return fmt.Errorf("encode evolution sample: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, `
INSERT INTO evolution_samples(timestamp_ns, metrics_json)
VALUES(?, ?)`, sample.Timestamp.UnixNano(), string(b)); err != nil {
		return fmt.Errorf("append evolution sample: %w", err)
	}
	return nil
}

// LoadSamples returns every persisted sample in append order.
func (s *SQLiteStore) LoadSamples(ctx context.Context) ([]evolution.Sample, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT timestamp_ns, metrics_json
FROM evolution_samples
ORDER BY seq ASC`)
	if err != nil {
		return nil, fmt.Errorf("load evolution samples: %w", err)
	}
	defer rows.Close()

	out := []evolution.Sample{}
	for rows.Next() {
		var (
			ns  int64
			raw string
		)
		if err := rows.Scan(&ns, &raw); err != nil {
			return nil, fmt.Errorf("scan evolution sample: %w", err)
		}
		values := map[string]float64{}
		if err := json.Unmarshal([]byte(raw), &values); err != nil {
			return nil, fmt.Errorf("decode evolution sample: %w", err)
		}
		out = append(out, evolution.Sample{Timestamp: fromNS(ns), Metrics: values})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("load evolution samples: %w", err)
	}
	return out, nil
}

// MetricRow is one persisted metric observation.
type MetricRow struct {
	Metric    string
	Value     float64
	CreatedAt time.Time
}

// ListMetrics returns the latest observations of metric, newest first.
func (s *SQLiteStore) ListMetrics(ctx context.Context, metric string, limit int) ([]MetricRow, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
SELECT metric, value, created_at_ms
FROM memory_metrics
WHERE metric = ?
ORDER BY created_at_ms DESC, id DESC
LIMIT ?`, metric, limit)
	if err != nil {
		return nil, fmt.Errorf("list metrics: %w", err)
	}
	defer rows.Close()
	out := []MetricRow{}
	for rows.Next() {
		var (
			row MetricRow
			ms  int64
		)
		if err := rows.Scan(&row.Metric, &row.Value, &ms); err != nil {
			return nil, fmt.Errorf("scan metric: %w", err)
		}
		row.CreatedAt = time.UnixMilli(ms)
		out = append(out, row)
	}
	return out, rows.Err()
}

// CompactionEntry is one row of the compaction log.
type CompactionEntry struct {
	ID         string
	Status     string
	SizeBefore int
	SizeAfter  int
	Absorbed   int
	GroupIDs   []string
	Error      string
}

// ListCompactions returns the compaction log, newest first.
func (s *SQLiteStore) ListCompactions(ctx context.Context, limit int) ([]CompactionEntry, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx, `
SELECT id, status, size_before, size_after, absorbed, group_ids_json, error
FROM memory_compactions
ORDER BY started_at_ms DESC, id DESC
LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("list compactions: %w", err)
	}
	defer rows.Close()
	out := []CompactionEntry{}
	for rows.Next() {
		var (
			e   CompactionEntry
			raw string
		)
		if err := rows.Scan(&e.ID, &e.Status, &e.SizeBefore, &e.SizeAfter, &e.Absorbed, &raw, &e.Error); err != nil {
			return nil, fmt.Errorf("scan compaction: %w", err)
		}
		e.GroupIDs = decodeList(raw)
		out = append(out, e)
	}
	return out, rows.Err()
}
