package eventstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math"
	"net/url"
	"os"
	"path/filepath"
	"sync/atomic"
	"time"

	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS events (
    id           TEXT PRIMARY KEY,
    session_id   TEXT NOT NULL,
    agent        TEXT NOT NULL,
    event_type   TEXT NOT NULL,
    payload      BLOB,
    ts_ns        INTEGER NOT NULL,
    file_path    TEXT,
    line_number  INTEGER,
    dedup_key    TEXT NOT NULL,
    received_ns  INTEGER NOT NULL
);

CREATE UNIQUE INDEX IF NOT EXISTS idx_events_dedup ON events(dedup_key);
CREATE INDEX IF NOT EXISTS idx_events_session_ts ON events(session_id, ts_ns, id);
CREATE INDEX IF NOT EXISTS idx_events_ts ON events(ts_ns);
`

// SQLiteStore persists events in a single SQLite database (WAL mode).
type SQLiteStore struct {
	db     *sql.DB
	opts   Options
	closed atomic.Bool
}

var _ Store = (*SQLiteStore)(nil)

// OpenSQLite opens or creates the database at path and applies the schema.
func OpenSQLite(path string, opts Options) (*SQLiteStore, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return nil, fmt.Errorf("create database directory: %w", err)
	}

	q := url.Values{}
	q.Add("_pragma", "busy_timeout(5000)")
	q.Add("_pragma", "journal_mode(WAL)")
	q.Add("_pragma", "synchronous(NORMAL)")
	dsn := "file:" + path + "?" + q.Encode()

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if _, err := db.Exec(sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	return &SQLiteStore{db: db, opts: opts.withDefaults()}, nil
}

func (s *SQLiteStore) Append(ctx context.Context, e *Event) (AppendResult, error) {
	if s.closed.Load() {
		return AppendResult{}, ErrClosed
	}
	if err := s.opts.prepare(e); err != nil {
		return AppendResult{}, err
	}
	key := DedupKey(e, s.opts.DedupWindow)

	var filePath sql.NullString
	if e.FilePath != "" {
		filePath = sql.NullString{String: e.FilePath, Valid: true}
	}
	var line sql.NullInt64
	if e.LineNumber > 0 {
		line = sql.NullInt64{Int64: int64(e.LineNumber), Valid: true}
	}

	res, err := s.db.ExecContext(ctx, `
		INSERT INTO events (id, session_id, agent, event_type, payload, ts_ns, file_path, line_number, dedup_key, received_ns)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(dedup_key) DO NOTHING`,
		e.ID, e.SessionID, string(e.Agent), e.Type, e.Payload, e.Timestamp.UnixNano(),
		filePath, line, key, e.ReceivedAt.UnixNano(),
	)
	if err != nil {
		return AppendResult{}, classify("append", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return AppendResult{}, classify("append", err)
	}
	if n == 1 {
		return AppendResult{ID: e.ID}, nil
	}

	var existing string
	if err := s.db.QueryRowContext(ctx, `SELECT id FROM events WHERE dedup_key = ?`, key).Scan(&existing); err != nil {
		return AppendResult{}, classify("append dedup lookup", err)
	}
	return AppendResult{ID: existing, Duplicate: true}, nil
}

func (s *SQLiteStore) QueryWindow(ctx context.Context, sessionID string, from, to time.Time) ([]Event, error) {
	if s.closed.Load() {
		return nil, ErrClosed
	}
	lo, hi := int64(math.MinInt64), int64(math.MaxInt64)
	if !from.IsZero() {
		lo = from.UnixNano()
	}
	if !to.IsZero() {
		hi = to.UnixNano()
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, session_id, agent, event_type, payload, ts_ns, file_path, line_number, received_ns
		FROM events
		WHERE session_id = ? AND ts_ns >= ? AND ts_ns <= ?
		ORDER BY ts_ns, id`, sessionID, lo, hi)
	if err != nil {
		return nil, classify("query window", err)
	}
	defer rows.Close()

	out := make([]Event, 0)
	for rows.Next() {
		var (
			e          Event
			agent      string
			tsNs, rcNs int64
			filePath   sql.NullString
			line       sql.NullInt64
		)
		if err := rows.Scan(&e.ID, &e.SessionID, &agent, &e.Type, &e.Payload, &tsNs, &filePath, &line, &rcNs); err != nil {
			return nil, classify("scan event", err)
		}
		e.Agent = Agent(agent)
		e.Timestamp = time.Unix(0, tsNs).UTC()
		e.ReceivedAt = time.Unix(0, rcNs).UTC()
		e.FilePath = filePath.String
		e.LineNumber = int(line.Int64)
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, classify("query window", err)
	}
	return out, nil
}

// SweepExpired deletes in rowid batches so each write transaction stays short.
func (s *SQLiteStore) SweepExpired(ctx context.Context, retention time.Duration) (int, error) {
	if s.closed.Load() {
		return 0, ErrClosed
	}
	cutoff := s.opts.Now().Add(-retention).UnixNano()

	total := 0
	for {
		res, err := s.db.ExecContext(ctx, `
			DELETE FROM events WHERE rowid IN (
				SELECT rowid FROM events WHERE ts_ns < ? LIMIT ?
			)`, cutoff, s.opts.SweepBatchSize)
		if err != nil {
			return total, classify("sweep", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return total, classify("sweep", err)
		}
		total += int(n)
		if n < int64(s.opts.SweepBatchSize) {
			return total, nil
		}
	}
}

func (s *SQLiteStore) Wipe(ctx context.Context, sessionID string) (int, error) {
	if s.closed.Load() {
		return 0, ErrClosed
	}
	res, err := s.db.ExecContext(ctx, `DELETE FROM events WHERE session_id = ?`, sessionID)
	if err != nil {
		return 0, classify("wipe", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, classify("wipe", err)
	}
	return int(n), nil
}

func (s *SQLiteStore) Count(ctx context.Context, sessionID string) (int, error) {
	if s.closed.Load() {
		return 0, ErrClosed
	}
	var (
		n   int
		err error
	)
	if sessionID == "" {
		err = s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM events`).Scan(&n)
	} else {
		err = s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM events WHERE session_id = ?`, sessionID).Scan(&n)
	}
	if err != nil {
		return 0, classify("count", err)
	}
	return n, nil
}

func (s *SQLiteStore) Close() error {
	if s.closed.Swap(true) {
		return nil
	}
	return s.db.Close()
}

// classify wraps SQLITE_BUSY and SQLITE_LOCKED as transient.
func classify(op string, err error) error {
	var se *sqlite.Error
	if errors.As(err, &se) {
		switch se.Code() & 0xff {
		case sqlite3.SQLITE_BUSY, sqlite3.SQLITE_LOCKED:
			return &TransientError{Op: op, Err: err}
		}
	}
	return fmt.Errorf("%s: %w", op, err)
}
