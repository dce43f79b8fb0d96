package audit

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/brkalow/openctl/internal/shared"
	_ "modernc.org/sqlite"
)

// SQLiteSink appends audit events to a SQLite database.
type SQLiteSink struct {
	db *sql.DB
}

// NewSQLiteSink opens (or creates) the audit database at dbPath.
func NewSQLiteSink(dbPath string) (*SQLiteSink, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("create audit directory: %w", err)
	}

	// WAL mode so flushes do not contend with external readers.
	dsn := dbPath + "?_journal=WAL&_sync=NORMAL&_busy_timeout=5000"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open audit database: %w", err)
	}

	db.SetMaxOpenConns(4)
	db.SetMaxIdleConns(2)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("ping audit database: %w", err)
	}

	sink := &SQLiteSink{db: db}
	if err := sink.initSchema(); err != nil {
		return nil, fmt.Errorf("initialize audit schema: %w", err)
	}
	return sink, nil
}

func (s *SQLiteSink) initSchema() error {
	query := `
	PRAGMA busy_timeout = 5000;
	CREATE TABLE IF NOT EXISTS audit_events (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		ts INTEGER NOT NULL,
		kind TEXT NOT NULL,
		session_id TEXT,
		client_id TEXT,
		actor TEXT NOT NULL,
		detail TEXT,
		limit_type TEXT,
		allowed INTEGER
	);
	CREATE INDEX IF NOT EXISTS idx_audit_session ON audit_events(session_id);
	CREATE INDEX IF NOT EXISTS idx_audit_ts ON audit_events(ts);
	`
	if _, err := s.db.Exec(query); err != nil {
		return fmt.Errorf("create audit schema: %w", err)
	}
	return nil
}

// WriteEvents appends a batch in one transaction, retrying once on SQLite
// concurrency conflicts.
func (s *SQLiteSink) WriteEvents(ctx context.Context, events []Event) error {
	if len(events) == 0 {
		return nil
	}
	err := s.writeBatch(ctx, events)
	if err != nil && shared.IsSQLiteConflictError(err) {
		time.Sleep(100 * time.Millisecond)
		err = s.writeBatch(ctx, events)
	}
	return err
}

func (s *SQLiteSink) writeBatch(ctx context.Context, events []Event) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin audit batch: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO audit_events (ts, kind, session_id, client_id, actor, detail, limit_type, allowed)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("prepare audit insert: %w", err)
	}
	defer func() { _ = stmt.Close() }()

	for _, ev := range events {
		var allowed sql.NullInt64
		if ev.Allowed != nil {
			allowed.Valid = true
			if *ev.Allowed {
				allowed.Int64 = 1
			}
		}
		if _, err := stmt.ExecContext(ctx,
			ev.Time.Unix(), string(ev.Kind), ev.SessionID, ev.ClientID,
			string(ev.Actor), ev.Detail, ev.LimitType, allowed,
		); err != nil {
			return fmt.Errorf("insert audit event: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit audit batch: %w", err)
	}
	return nil
}

// CountEvents returns the number of stored events, optionally filtered by
// session id. Used by health checks and tests; the relay itself never reads
// the log back.
func (s *SQLiteSink) CountEvents(ctx context.Context, sessionID string) (int64, error) {
	var count int64
	var err error
	if sessionID == "" {
		err = s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM audit_events`).Scan(&count)
	} else {
		err = s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM audit_events WHERE session_id = ?`, sessionID).Scan(&count)
	}
	if err != nil {
		return 0, fmt.Errorf("count audit events: %w", err)
	}
	return count, nil
}

// Ping verifies database connectivity.
func (s *SQLiteSink) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the database.
func (s *SQLiteSink) Close() error {
	return s.db.Close()
}
