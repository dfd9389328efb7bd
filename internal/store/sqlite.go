// ABOUTME: SQLite storage for decision records using modernc.org/sqlite
// ABOUTME: Creates the schema on open and runs in WAL mode

package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

// tsLayout has a fixed width so timestamps order lexically.
const tsLayout = "2006-01-02T15:04:05.000000000Z07:00"

// SQLiteStore persists decisions in a single SQLite database.
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewSQLiteStore opens the database at path, creating parent directories
// and the schema if needed. ":memory:" opens a private in-memory database.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	logger := slog.Default().With("component", "store")

	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("creating database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	// One writer; an in-memory database is per connection anyway.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling WAL mode: %w", err)
	}
	if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting busy timeout: %w", err)
	}

	s := &SQLiteStore{db: db, logger: logger}
	if err := s.createSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	logger.Info("SQLite store initialized", "path", path)
	return s, nil
}

func (s *SQLiteStore) createSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS decisions (
			id             TEXT PRIMARY KEY,
			ts             TEXT NOT NULL,
			agent          TEXT NOT NULL,
			correlation_id TEXT NOT NULL,
			request_id     TEXT,
			event          TEXT NOT NULL,
			kind           TEXT NOT NULL,
			status         INTEGER NOT NULL DEFAULT 0,
			fallback       INTEGER NOT NULL DEFAULT 0,
			error_kind     TEXT,
			latency_us     INTEGER NOT NULL DEFAULT 0,
			rule_ids_json  TEXT
		);

		CREATE INDEX IF NOT EXISTS idx_decisions_ts ON decisions(ts);
		CREATE INDEX IF NOT EXISTS idx_decisions_agent_ts ON decisions(agent, ts);
	`
	_, err := s.db.Exec(schema)
	return err
}

// Close closes the database.
func (s *SQLiteStore) Close() error {
	s.logger.Info("closing SQLite store")
	return s.db.Close()
}

// InsertDecisions writes a batch of decisions in one transaction. IDs and
// timestamps are generated when unset.
func (s *SQLiteStore) InsertDecisions(ctx context.Context, ds []*Decision) error {
	if len(ds) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO decisions (id, ts, agent, correlation_id, request_id, event, kind, status, fallback, error_kind, latency_us, rule_ids_json)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		return fmt.Errorf("preparing insert: %w", err)
	}
	defer stmt.Close()

	for _, d := range ds {
		if d.ID == "" {
			d.ID = uuid.New().String()
		}
		if d.Timestamp.IsZero() {
			d.Timestamp = time.Now()
		}
		var ruleIDs *string
		if len(d.RuleIDs) > 0 {
			data, err := json.Marshal(d.RuleIDs)
			if err != nil {
				return fmt.Errorf("marshaling rule ids: %w", err)
			}
			str := string(data)
			ruleIDs = &str
		}
		if _, err := stmt.ExecContext(ctx,
			d.ID,
			d.Timestamp.UTC().Format(tsLayout),
			d.Agent,
			d.CorrelationID,
			nullable(d.RequestID),
			d.Event,
			d.Kind,
			d.Status,
			d.Fallback,
			nullable(d.ErrorKind),
			d.LatencyMicros,
			ruleIDs,
		); err != nil {
			return fmt.Errorf("inserting decision: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing decisions: %w", err)
	}
	return nil
}

// normalizeLimit applies default (100) and cap (1000).
func normalizeLimit(limit int) int {
	switch {
	case limit <= 0:
		return 100
	case limit > 1000:
		return 1000
	default:
		return limit
	}
}

const decisionsQuery = `
	SELECT id, ts, agent, correlation_id, request_id, event, kind, status, fallback, error_kind, latency_us, rule_ids_json
	FROM decisions
	WHERE (? IS NULL OR ts >= ?)
	  AND (? IS NULL OR agent = ?)
	  AND (? = 0 OR fallback = 1)
	ORDER BY ts DESC
	LIMIT ?
`

// ListDecisions returns decisions matching the filter, newest first.
func (s *SQLiteStore) ListDecisions(ctx context.Context, f DecisionFilter) ([]Decision, error) {
	var since *string
	if f.Since != nil {
		str := f.Since.UTC().Format(tsLayout)
		since = &str
	}

	rows, err := s.db.QueryContext(ctx, decisionsQuery,
		since, since,
		f.Agent, f.Agent,
		f.FallbackOnly,
		normalizeLimit(f.Limit),
	)
	if err != nil {
		return nil, fmt.Errorf("querying decisions: %w", err)
	}
	defer func() { _ = rows.Close() }()

	decisions := []Decision{}
	for rows.Next() {
		d, err := scanDecision(rows)
		if err != nil {
			return nil, err
		}
		decisions = append(decisions, d)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating decisions: %w", err)
	}
	return decisions, nil
}

// DeleteDecisionsBefore removes decisions older than cutoff and returns how
// many were deleted.
func (s *SQLiteStore) DeleteDecisionsBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM decisions WHERE ts < ?`, cutoff.UTC().Format(tsLayout))
	if err != nil {
		return 0, fmt.Errorf("deleting decisions: %w", err)
	}
	return res.RowsAffected()
}

func scanDecision(scanner interface{ Scan(dest ...any) error }) (Decision, error) {
	var d Decision
	var ts string
	var requestID, errorKind, ruleIDs sql.NullString

	if err := scanner.Scan(
		&d.ID,
		&ts,
		&d.Agent,
		&d.CorrelationID,
		&requestID,
		&d.Event,
		&d.Kind,
		&d.Status,
		&d.Fallback,
		&errorKind,
		&d.LatencyMicros,
		&ruleIDs,
	); err != nil {
		return d, fmt.Errorf("scanning decision: %w", err)
	}

	var err error
	d.Timestamp, err = time.Parse(tsLayout, ts)
	if err != nil {
		return d, fmt.Errorf("parsing timestamp: %w", err)
	}
	d.RequestID = requestID.String
	d.ErrorKind = errorKind.String
	if ruleIDs.Valid {
		if err := json.Unmarshal([]byte(ruleIDs.String), &d.RuleIDs); err != nil {
			return d, fmt.Errorf("unmarshaling rule ids: %w", err)
		}
	}
	return d, nil
}

func nullable(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
