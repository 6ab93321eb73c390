// ABOUTME: SQLite-backed audit log of routing decisions using modernc.org/sqlite.
// ABOUTME: Records which upstream signed with which key; never stores key material.

package store

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

// Event kinds recorded in the audit log.
const (
	KindSign    = "sign"
	KindRefresh = "refresh"
)

// Event is one recorded routing decision. Only key fingerprints are
// stored, never key blobs or signed data.
type Event struct {
	ID          string
	At          time.Time
	SessionID   string
	Kind        string // "sign" or "refresh"
	Fingerprint string // SHA256 hex of the key blob, sign events only
	Upstream    string // agent that handled the request, sign events only
	Outcome     string // "signed", "unknown-key", "upstream-error", ...
	ElapsedMS   int64
	Identities  int // refresh events: merged identity count
	Reachable   int // refresh events: upstreams that answered
}

// AuditLog persists routing decisions to a SQLite database.
type AuditLog struct {
	db     *sql.DB
	logger *slog.Logger
}

// Open creates or opens the audit database at the given path. The schema
// is created automatically and parent directories are created if needed.
func Open(path string, logger *slog.Logger) (*AuditLog, error) {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "audit")

	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("creating audit directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening audit database: %w", err)
	}

	// WAL mode for better concurrent performance
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling WAL mode: %w", err)
	}

	a := &AuditLog{db: db, logger: logger}
	if err := a.createSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	logger.Info("audit log opened", "path", path)
	return a, nil
}

// createSchema creates the events table if it doesn't exist
func (a *AuditLog) createSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS events (
			event_id    TEXT PRIMARY KEY,
			at_ns       INTEGER NOT NULL,
			session_id  TEXT NOT NULL,
			kind        TEXT NOT NULL,
			fingerprint TEXT,
			upstream    TEXT,
			outcome     TEXT,
			elapsed_ms  INTEGER NOT NULL DEFAULT 0,
			identities  INTEGER NOT NULL DEFAULT 0,
			reachable   INTEGER NOT NULL DEFAULT 0,

			CHECK (kind IN ('sign', 'refresh'))
		);

		CREATE INDEX IF NOT EXISTS idx_events_at ON events(at_ns);
		CREATE INDEX IF NOT EXISTS idx_events_fingerprint ON events(fingerprint);
	`
	if _, err := a.db.Exec(schema); err != nil {
		return err
	}
	return nil
}

// RecordSign records one sign-routing decision.
func (a *AuditLog) RecordSign(ctx context.Context, sessionID, fingerprint, upstreamName, outcome string, elapsed time.Duration) error {
	query := `
		INSERT INTO events (event_id, at_ns, session_id, kind, fingerprint, upstream, outcome, elapsed_ms)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`
	_, err := a.db.ExecContext(ctx, query,
		uuid.New().String(),
		time.Now().UnixNano(),
		sessionID,
		KindSign,
		fingerprint,
		upstreamName,
		outcome,
		elapsed.Milliseconds(),
	)
	if err != nil {
		return fmt.Errorf("inserting sign event: %w", err)
	}

	a.logger.Debug("recorded sign event",
		"session", sessionID,
		"fingerprint", fingerprint,
		"upstream", upstreamName,
		"outcome", outcome,
	)
	return nil
}

// RecordRefresh records one identity aggregation pass.
func (a *AuditLog) RecordRefresh(ctx context.Context, sessionID string, identities, reachable int) error {
	query := `
		INSERT INTO events (event_id, at_ns, session_id, kind, identities, reachable)
		VALUES (?, ?, ?, ?, ?, ?)
	`
	_, err := a.db.ExecContext(ctx, query,
		uuid.New().String(),
		time.Now().UnixNano(),
		sessionID,
		KindRefresh,
		identities,
		reachable,
	)
	if err != nil {
		return fmt.Errorf("inserting refresh event: %w", err)
	}
	return nil
}

// Recent returns the newest events first, at most limit of them.
// A non-positive limit defaults to 100.
func (a *AuditLog) Recent(ctx context.Context, limit int) ([]Event, error) {
	if limit <= 0 {
		limit = 100
	}

	// rowid breaks ties between events recorded in the same nanosecond.
	query := `
		SELECT event_id, at_ns, session_id, kind,
		       COALESCE(fingerprint, ''), COALESCE(upstream, ''), COALESCE(outcome, ''),
		       elapsed_ms, identities, reachable
		FROM events
		ORDER BY at_ns DESC, rowid DESC
		LIMIT ?
	`
	rows, err := a.db.QueryContext(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("querying events: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var events []Event
	for rows.Next() {
		var e Event
		var atNS int64
		if err := rows.Scan(
			&e.ID, &atNS, &e.SessionID, &e.Kind,
			&e.Fingerprint, &e.Upstream, &e.Outcome,
			&e.ElapsedMS, &e.Identities, &e.Reachable,
		); err != nil {
			return nil, fmt.Errorf("scanning event: %w", err)
		}
		e.At = time.Unix(0, atNS).UTC()
		events = append(events, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating events: %w", err)
	}

	if events == nil {
		events = []Event{}
	}
	return events, nil
}

// Close closes the underlying database.
func (a *AuditLog) Close() error {
	return a.db.Close()
}
