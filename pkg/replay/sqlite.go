package replay

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"github.com/agenc-labs/agenc-core/pkg/metrics"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS replay_records (
	seq INTEGER PRIMARY KEY,
	source_event_name TEXT NOT NULL,
	source_event_type TEXT NOT NULL,
	source_event_sequence INTEGER NOT NULL,
	task_id TEXT NOT NULL DEFAULT '',
	dispute_id TEXT NOT NULL DEFAULT '',
	timestamp_ms INTEGER NOT NULL,
	slot INTEGER NOT NULL,
	signature TEXT NOT NULL,
	payload TEXT NOT NULL,
	projection_hash TEXT NOT NULL,
	trace_json TEXT,
	UNIQUE (slot, signature, source_event_type)
);
CREATE INDEX IF NOT EXISTS idx_replay_records_task ON replay_records (task_id);
CREATE INDEX IF NOT EXISTS idx_replay_records_dispute ON replay_records (dispute_id);
CREATE INDEX IF NOT EXISTS idx_replay_records_slot ON replay_records (slot, source_event_sequence);
CREATE TABLE IF NOT EXISTS replay_meta (
	k TEXT PRIMARY KEY,
	v TEXT NOT NULL
);
`

// SQLiteStore persists the timeline in a SQLite database. The heaviest of
// the three stores; degrades past roughly 10 GiB.
type SQLiteStore struct {
	mu     sync.Mutex
	db     *sql.DB
	cfg    StoreConfig
	clock  func() time.Time
	sink   metrics.Provider
	writes int
}

// SQLiteOption configures a SQLiteStore.
type SQLiteOption func(*SQLiteStore)

// WithSQLiteClock injects a time source for retention tests.
func WithSQLiteClock(clock func() time.Time) SQLiteOption {
	return func(s *SQLiteStore) { s.clock = clock }
}

// WithSQLiteMetrics installs a metrics sink.
func WithSQLiteMetrics(m metrics.Provider) SQLiteOption {
	return func(s *SQLiteStore) { s.sink = m }
}

// OpenSQLiteStore opens (or creates) the database at path and applies the
// schema. Pass ":memory:" for an ephemeral store.
func OpenSQLiteStore(path string, cfg StoreConfig, opts ...SQLiteOption) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("replay: open sqlite store: %w", err)
	}
	// The driver is file-locked; a single connection avoids SQLITE_BUSY.
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("replay: apply sqlite schema: %w", err)
	}
	s := &SQLiteStore{db: db, cfg: cfg, clock: time.Now, sink: metrics.Nop{}}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

func (s *SQLiteStore) Save(ctx context.Context, records []Record) (SaveResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return SaveResult{}, fmt.Errorf("replay: begin save: %w", err)
	}
	defer tx.Rollback()

	nextSeq, err := s.nextSeq(ctx, tx)
	if err != nil {
		return SaveResult{}, err
	}

	var result SaveResult
	for _, r := range records {
		var exists int
		err := tx.QueryRowContext(ctx,
			`SELECT COUNT(1) FROM replay_records WHERE slot = ? AND signature = ? AND source_event_type = ?`,
			r.Slot, r.Signature, r.SourceEventType).Scan(&exists)
		if err != nil {
			return result, fmt.Errorf("replay: duplicate check: %w", err)
		}
		if exists > 0 {
			result.Duplicates++
			result.DuplicateKeys = append(result.DuplicateKeys, r.DedupKey())
			continue
		}

		prepared, err := prepareInsert(r, nextSeq)
		if err != nil {
			return result, err
		}
		nextSeq++

		payload, err := json.Marshal(prepared.Payload)
		if err != nil {
			return result, fmt.Errorf("replay: encode payload: %w", err)
		}
		var trace any
		if prepared.Trace != nil {
			traceJSON, err := json.Marshal(prepared.Trace)
			if err != nil {
				return result, fmt.Errorf("replay: encode trace: %w", err)
			}
			trace = string(traceJSON)
		}

		_, err = tx.ExecContext(ctx, `
			INSERT INTO replay_records
				(seq, source_event_name, source_event_type, source_event_sequence,
				 task_id, dispute_id, timestamp_ms, slot, signature, payload, projection_hash, trace_json)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			prepared.Seq, prepared.SourceEventName, prepared.SourceEventType, prepared.SourceEventSequence,
			prepared.TaskID, prepared.DisputeID, prepared.TimestampMs, prepared.Slot, prepared.Signature,
			string(payload), prepared.ProjectionHash, trace)
		if err != nil {
			return result, fmt.Errorf("replay: insert record: %w", err)
		}
		result.Inserted++
	}

	if err := s.retain(ctx, tx); err != nil {
		return result, err
	}
	if err := s.setMeta(ctx, tx, "next_seq", fmt.Sprintf("%d", nextSeq)); err != nil {
		return result, err
	}
	if err := tx.Commit(); err != nil {
		return result, fmt.Errorf("replay: commit save: %w", err)
	}

	s.writes++
	if s.cfg.Compaction.Enabled && s.cfg.Compaction.CompactAfterWrites > 0 &&
		s.writes%s.cfg.Compaction.CompactAfterWrites == 0 {
		if _, err := s.db.ExecContext(ctx, `VACUUM`); err != nil {
			return result, fmt.Errorf("replay: vacuum: %w", err)
		}
	}

	s.sink.Counter("agenc.replay.store.inserted", float64(result.Inserted), nil)
	s.sink.Counter("agenc.replay.store.duplicates", float64(result.Duplicates), nil)
	return result, nil
}

// retain runs the four-stage retention pipeline inside the save
// transaction. "Newest" is (slot, seq) descending.
func (s *SQLiteStore) retain(ctx context.Context, tx *sql.Tx) error {
	r := s.cfg.Retention
	if r.TTLMs > 0 {
		cutoff := s.clock().UnixMilli() - r.TTLMs
		if _, err := tx.ExecContext(ctx,
			`DELETE FROM replay_records WHERE timestamp_ms < ?`, cutoff); err != nil {
			return fmt.Errorf("replay: ttl retention: %w", err)
		}
	}
	if r.MaxEventsPerTask > 0 {
		if err := s.capGroup(ctx, tx, "task_id", r.MaxEventsPerTask); err != nil {
			return err
		}
	}
	if r.MaxEventsPerDispute > 0 {
		if err := s.capGroup(ctx, tx, "dispute_id", r.MaxEventsPerDispute); err != nil {
			return err
		}
	}
	if r.MaxEventsTotal > 0 {
		_, err := tx.ExecContext(ctx, `
			DELETE FROM replay_records WHERE seq IN (
				SELECT seq FROM (
					SELECT seq, ROW_NUMBER() OVER (ORDER BY slot DESC, seq DESC) AS rn
					FROM replay_records
				) WHERE rn > ?
			)`, r.MaxEventsTotal)
		if err != nil {
			return fmt.Errorf("replay: total retention: %w", err)
		}
	}
	return nil
}

func (s *SQLiteStore) capGroup(ctx context.Context, tx *sql.Tx, column string, limit int) error {
	query := fmt.Sprintf(`
		DELETE FROM replay_records WHERE seq IN (
			SELECT seq FROM (
				SELECT seq, ROW_NUMBER() OVER (PARTITION BY %s ORDER BY slot DESC, seq DESC) AS rn
				FROM replay_records WHERE %s != ''
			) WHERE rn > ?
		)`, column, column)
	if _, err := tx.ExecContext(ctx, query, limit); err != nil {
		return fmt.Errorf("replay: %s retention: %w", column, err)
	}
	return nil
}

func (s *SQLiteStore) Query(ctx context.Context, f Filter) ([]Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var (
		where []string
		args  []any
	)
	add := func(clause string, v any) {
		where = append(where, clause)
		args = append(args, v)
	}
	if f.TaskID != "" {
		add("task_id = ?", f.TaskID)
	}
	if f.DisputeID != "" {
		add("dispute_id = ?", f.DisputeID)
	}
	if f.FromSlot > 0 {
		add("slot >= ?", f.FromSlot)
	}
	if f.ToSlot > 0 {
		add("slot <= ?", f.ToSlot)
	}
	if f.FromTimestampMs > 0 {
		add("timestamp_ms >= ?", f.FromTimestampMs)
	}
	if f.ToTimestampMs > 0 {
		add("timestamp_ms <= ?", f.ToTimestampMs)
	}

	query := `SELECT seq, source_event_name, source_event_type, source_event_sequence,
		task_id, dispute_id, timestamp_ms, slot, signature, payload, projection_hash, trace_json
		FROM replay_records`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY slot ASC, source_event_sequence ASC, seq ASC"
	limit := int64(-1)
	if f.Limit > 0 {
		limit = int64(f.Limit)
	}
	query += " LIMIT ? OFFSET ?"
	args = append(args, limit, f.Offset)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("replay: query records: %w", err)
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		var (
			r         Record
			payload   string
			traceJSON sql.NullString
		)
		if err := rows.Scan(&r.Seq, &r.SourceEventName, &r.SourceEventType, &r.SourceEventSequence,
			&r.TaskID, &r.DisputeID, &r.TimestampMs, &r.Slot, &r.Signature,
			&payload, &r.ProjectionHash, &traceJSON); err != nil {
			return nil, fmt.Errorf("replay: scan record: %w", err)
		}
		if err := json.Unmarshal([]byte(payload), &r.Payload); err != nil {
			return nil, fmt.Errorf("replay: decode payload for seq %d: %w", r.Seq, err)
		}
		if traceJSON.Valid {
			var trace TraceContext
			if err := json.Unmarshal([]byte(traceJSON.String), &trace); err != nil {
				return nil, fmt.Errorf("replay: decode trace for seq %d: %w", r.Seq, err)
			}
			r.Trace = &trace
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) Cursor(ctx context.Context) (*Cursor, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var v string
	err := s.db.QueryRowContext(ctx, `SELECT v FROM replay_meta WHERE k = 'cursor'`).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("replay: load cursor: %w", err)
	}
	var c Cursor
	if err := json.Unmarshal([]byte(v), &c); err != nil {
		return nil, fmt.Errorf("replay: decode cursor: %w", err)
	}
	return &c, nil
}

func (s *SQLiteStore) SaveCursor(ctx context.Context, c Cursor) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := json.Marshal(c)
	if err != nil {
		return fmt.Errorf("replay: encode cursor: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO replay_meta (k, v) VALUES ('cursor', ?)
		 ON CONFLICT (k) DO UPDATE SET v = excluded.v`, string(data))
	if err != nil {
		return fmt.Errorf("replay: save cursor: %w", err)
	}
	return nil
}

func (s *SQLiteStore) Clear(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("replay: begin clear: %w", err)
	}
	defer tx.Rollback()
	if _, err := tx.ExecContext(ctx, `DELETE FROM replay_records`); err != nil {
		return fmt.Errorf("replay: clear records: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM replay_meta`); err != nil {
		return fmt.Errorf("replay: clear meta: %w", err)
	}
	return tx.Commit()
}

func (s *SQLiteStore) Flush(context.Context) error { return nil }

func (s *SQLiteStore) Close() error { return s.db.Close() }

func (s *SQLiteStore) nextSeq(ctx context.Context, tx *sql.Tx) (uint64, error) {
	var v string
	err := tx.QueryRowContext(ctx, `SELECT v FROM replay_meta WHERE k = 'next_seq'`).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return 1, nil
	}
	if err != nil {
		return 0, fmt.Errorf("replay: load next seq: %w", err)
	}
	var seq uint64
	if _, err := fmt.Sscanf(v, "%d", &seq); err != nil || seq == 0 {
		return 0, fmt.Errorf("replay: corrupt next_seq %q", v)
	}
	return seq, nil
}

func (s *SQLiteStore) setMeta(ctx context.Context, tx *sql.Tx, k, v string) error {
	_, err := tx.ExecContext(ctx,
		`INSERT INTO replay_meta (k, v) VALUES (?, ?)
		 ON CONFLICT (k) DO UPDATE SET v = excluded.v`, k, v)
	if err != nil {
		return fmt.Errorf("replay: set meta %s: %w", k, err)
	}
	return nil
}
