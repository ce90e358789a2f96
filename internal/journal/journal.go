// Package journal persists stream sessions and their ordered recognition
// results in SQLite, so transcripts survive restarts and can be inspected
// after the fact.
package journal

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/loqalabs/loqa-bridge/internal/bridge"
	"github.com/loqalabs/loqa-bridge/internal/config"
	_ "modernc.org/sqlite"
)

// Entry is one journalled recognition result.
type Entry struct {
	ID         int64
	SessionID  string
	Sequence   uint64
	Text       string
	Status     string
	Confidence float64
	Partial    bool
	StartMS    int64
	EndMS      int64
	CreatedAt  time.Time
}

// Event is one journalled lifecycle entry for a session (started, drained,
// failed, reconnected).
type Event struct {
	ID        int64
	SessionID string
	Type      string
	Detail    string
	CreatedAt time.Time
}

// Journal wraps a SQLite-backed transcript store.
type Journal struct {
	db    *sql.DB
	cfg   config.JournalConfig
	log   *slog.Logger
	clock func() time.Time
}

// Open initializes the journal according to config. Ephemeral retention
// yields a no-op journal with no database behind it.
func Open(ctx context.Context, cfg config.JournalConfig, log *slog.Logger) (*Journal, error) {
	if cfg.RetentionMode == "ephemeral" {
		return &Journal{cfg: cfg, log: log, clock: time.Now}, nil
	}

	dir := filepath.Dir(cfg.Path)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create data dir: %w", err)
		}
	}

	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=foreign_keys(ON)", cfg.Path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}

	j := &Journal{db: db, cfg: cfg, log: log, clock: time.Now}

	if err := j.initSchema(ctx); err != nil {
		db.Close()
		return nil, err
	}

	if cfg.VacuumOnStart {
		if err := j.vacuum(ctx); err != nil {
			log.Warn("journal vacuum failed", slog.String("error", err.Error()))
		}
	}

	if err := j.Prune(ctx); err != nil {
		log.Warn("journal prune on start failed", slog.String("error", err.Error()))
	}

	return j, nil
}

func (j *Journal) initSchema(ctx context.Context) error {
	if j.db == nil {
		return nil
	}
	ddl := `
CREATE TABLE IF NOT EXISTS sessions (
    session_id TEXT PRIMARY KEY,
    sample_rate INTEGER NOT NULL,
    channels INTEGER NOT NULL,
    created_at TIMESTAMP NOT NULL
);
CREATE TABLE IF NOT EXISTS results (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    session_id TEXT NOT NULL,
    sequence INTEGER NOT NULL,
    text TEXT,
    status TEXT NOT NULL,
    confidence REAL,
    partial INTEGER NOT NULL DEFAULT 0,
    start_ms INTEGER NOT NULL,
    end_ms INTEGER NOT NULL,
    created_at TIMESTAMP NOT NULL,
    FOREIGN KEY(session_id) REFERENCES sessions(session_id) ON DELETE CASCADE
);
CREATE INDEX IF NOT EXISTS idx_results_session_sequence ON results(session_id, sequence);
CREATE TABLE IF NOT EXISTS events (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    session_id TEXT NOT NULL,
    event_type TEXT NOT NULL,
    detail TEXT,
    created_at TIMESTAMP NOT NULL,
    FOREIGN KEY(session_id) REFERENCES sessions(session_id) ON DELETE CASCADE
);
CREATE INDEX IF NOT EXISTS idx_events_session_created ON events(session_id, created_at);
`
	_, err := j.db.ExecContext(ctx, ddl)
	return err
}

func (j *Journal) vacuum(ctx context.Context) error {
	if j.db == nil {
		return nil
	}
	_, err := j.db.ExecContext(ctx, "VACUUM")
	return err
}

// Close releases underlying resources.
func (j *Journal) Close() error {
	if j.db == nil {
		return nil
	}
	return j.db.Close()
}

// RecordSession ensures a session row exists.
func (j *Journal) RecordSession(ctx context.Context, sessionID string, sampleRate, channels int) error {
	if j.cfg.RetentionMode == "ephemeral" || j.db == nil {
		return nil
	}
	_, err := j.db.ExecContext(ctx,
		`INSERT INTO sessions(session_id, sample_rate, channels, created_at)
		 VALUES(?, ?, ?, ?)
		 ON CONFLICT(session_id) DO UPDATE SET sample_rate=excluded.sample_rate, channels=excluded.channels`,
		sessionID, sampleRate, channels, j.clock().UTC())
	return err
}

// RecordResult writes one ordered result for a session. Partials are not
// journalled; only the per-sequence resolution is durable.
func (j *Journal) RecordResult(ctx context.Context, sessionID string, res bridge.Result) error {
	if j.cfg.RetentionMode == "ephemeral" || j.db == nil {
		return nil
	}
	if res.Partial {
		return nil
	}
	_, err := j.db.ExecContext(ctx,
		`INSERT INTO results(session_id, sequence, text, status, confidence, partial, start_ms, end_ms, created_at)
		 VALUES(?, ?, ?, ?, ?, 0, ?, ?, ?)`,
		sessionID, res.Sequence, res.Text, string(res.Status), res.Confidence,
		res.Start.Milliseconds(), res.End.Milliseconds(), j.clock().UTC())
	return err
}

// RecordEvent writes one lifecycle event for a session.
func (j *Journal) RecordEvent(ctx context.Context, sessionID, eventType, detail string) error {
	if j.cfg.RetentionMode == "ephemeral" || j.db == nil {
		return nil
	}
	_, err := j.db.ExecContext(ctx,
		`INSERT INTO events(session_id, event_type, detail, created_at) VALUES(?, ?, ?, ?)`,
		sessionID, eventType, detail, j.clock().UTC())
	return err
}

// ListSessionEvents retrieves up to limit events for a session ordered
// ascending by time.
func (j *Journal) ListSessionEvents(ctx context.Context, sessionID string, limit int) ([]Event, error) {
	if j.cfg.RetentionMode == "ephemeral" || j.db == nil {
		return nil, nil
	}
	if limit <= 0 {
		limit = 100
	}
	rows, err := j.db.QueryContext(ctx,
		`SELECT id, session_id, event_type, detail, created_at
		 FROM events WHERE session_id = ? ORDER BY created_at ASC LIMIT ?`, sessionID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []Event
	for rows.Next() {
		var e Event
		var created string
		if err := rows.Scan(&e.ID, &e.SessionID, &e.Type, &e.Detail, &created); err != nil {
			return nil, err
		}
		if ts, err := time.Parse(time.RFC3339Nano, created); err == nil {
			e.CreatedAt = ts
		}
		events = append(events, e)
	}
	return events, rows.Err()
}

// ListResults retrieves up to limit results for a session in sequence order.
func (j *Journal) ListResults(ctx context.Context, sessionID string, limit int) ([]Entry, error) {
	if j.cfg.RetentionMode == "ephemeral" || j.db == nil {
		return nil, nil
	}
	if limit <= 0 {
		limit = 100
	}
	rows, err := j.db.QueryContext(ctx,
		`SELECT id, session_id, sequence, text, status, confidence, partial, start_ms, end_ms, created_at
		 FROM results WHERE session_id = ? ORDER BY sequence ASC LIMIT ?`, sessionID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var e Entry
		var created string
		var partial int
		if err := rows.Scan(&e.ID, &e.SessionID, &e.Sequence, &e.Text, &e.Status,
			&e.Confidence, &partial, &e.StartMS, &e.EndMS, &created); err != nil {
			return nil, err
		}
		e.Partial = partial != 0
		if ts, err := time.Parse(time.RFC3339Nano, created); err == nil {
			e.CreatedAt = ts
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// Prune applies configured retention (called on startup and can be scheduled).
func (j *Journal) Prune(ctx context.Context) error {
	if j.cfg.RetentionMode == "ephemeral" || j.db == nil {
		return nil
	}
	tx, err := j.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			tx.Rollback()
		}
	}()

	if j.cfg.RetentionDays > 0 {
		cutoff := j.clock().Add(-time.Duration(j.cfg.RetentionDays) * 24 * time.Hour)
		if _, err = tx.ExecContext(ctx, `DELETE FROM results WHERE created_at < ?`, cutoff.UTC()); err != nil {
			return err
		}
		if _, err = tx.ExecContext(ctx, `DELETE FROM events WHERE created_at < ?`, cutoff.UTC()); err != nil {
			return err
		}
		if _, err = tx.ExecContext(ctx, `DELETE FROM sessions WHERE created_at < ?`, cutoff.UTC()); err != nil {
			return err
		}
	}
	if j.cfg.MaxSessions > 0 {
		_, err = tx.ExecContext(ctx, `DELETE FROM sessions WHERE session_id IN (
			SELECT session_id FROM sessions ORDER BY created_at DESC LIMIT -1 OFFSET ?
		)`, j.cfg.MaxSessions)
		if err != nil {
			return err
		}
	}
	err = tx.Commit()
	return err
}
