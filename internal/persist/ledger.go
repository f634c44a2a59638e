package persist

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite" // pure-Go sqlite driver registered under "sqlite"
)

// Ledger is an optional, purely additive audit trail of start/stop events,
// grounded on the teacher's internal/store.Store interface and
// internal/history/sqlite sink (simple append-row schema, no upsert). The
// reattach protocol (§4.7) never reads from it; it exists only so an operator
// can query process_history for a fleet's run history with plain SQL.
type Ledger struct {
	db *sql.DB
}

// OpenLedger opens (creating if necessary) a SQLite database at dsn and
// ensures the process_history table exists. Pass an empty dsn to disable the
// ledger entirely — OpenLedger then returns (nil, nil) and callers should
// treat every Ledger method as a no-op via the nil receiver guards below.
func OpenLedger(dsn string) (*Ledger, error) {
	if dsn == "" {
		return nil, nil
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("persist: open ledger %s: %w", dsn, err)
	}
	if err := ensureSchema(db); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &Ledger{db: db}, nil
}

func ensureSchema(db *sql.DB) error {
	const ddl = `
CREATE TABLE IF NOT EXISTS process_history (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	name TEXT NOT NULL,
	event TEXT NOT NULL,
	pid INTEGER,
	detail TEXT,
	recorded_at DATETIME NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_process_history_name ON process_history(name);
`
	_, err := db.Exec(ddl)
	if err != nil {
		return fmt.Errorf("persist: ensure schema: %w", err)
	}
	return nil
}

// Close closes the underlying database handle. Safe to call on a nil Ledger.
func (l *Ledger) Close() error {
	if l == nil || l.db == nil {
		return nil
	}
	return l.db.Close()
}

// RecordStart appends a "start" event for name at pid. No-op on a nil Ledger
// so callers never need to branch on whether a store DSN was configured.
func (l *Ledger) RecordStart(ctx context.Context, name string, pid int) {
	l.record(ctx, name, "start", pid, "")
}

// RecordStop appends a "stop" event for name, with detail describing the exit
// (e.g. "exit_code=1" or "signalled").
func (l *Ledger) RecordStop(ctx context.Context, name string, pid int, detail string) {
	l.record(ctx, name, "stop", pid, detail)
}

// RecordTransition appends a generic state-transition event with detail
// "from->to". The supervisor records only starts and stops and does not call it.
func (l *Ledger) RecordTransition(ctx context.Context, name, from, to string) {
	l.record(ctx, name, "transition", 0, fmt.Sprintf("%s->%s", from, to))
}

func (l *Ledger) record(ctx context.Context, name, event string, pid int, detail string) {
	if l == nil || l.db == nil {
		return
	}
	_, _ = l.db.ExecContext(ctx,
		`INSERT INTO process_history (name, event, pid, detail, recorded_at) VALUES (?, ?, ?, ?, ?)`,
		name, event, pid, detail, time.Now().UTC(),
	)
}

// GetByName returns the most recent events for name, newest first, up to limit rows.
func (l *Ledger) GetByName(ctx context.Context, name string, limit int) ([]HistoryRow, error) {
	if l == nil || l.db == nil {
		return nil, nil
	}
	if limit <= 0 {
		limit = 100
	}
	rows, err := l.db.QueryContext(ctx,
		`SELECT event, pid, detail, recorded_at FROM process_history WHERE name = ? ORDER BY id DESC LIMIT ?`,
		name, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("persist: query ledger: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []HistoryRow
	for rows.Next() {
		var r HistoryRow
		if err := rows.Scan(&r.Event, &r.PID, &r.Detail, &r.RecordedAt); err != nil {
			return nil, fmt.Errorf("persist: scan ledger row: %w", err)
		}
		r.Name = name
		out = append(out, r)
	}
	return out, rows.Err()
}

// HistoryRow is one process_history row.
type HistoryRow struct {
	Name       string
	Event      string
	PID        int
	Detail     string
	RecordedAt time.Time
}
