// Package history persists completed conversation turns in SQLite. The job
// ledger stays flat-file; history is append-heavy, queried newest-first,
// and benefits from a real index.
package history

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// Turn is one completed exchange: the submitted message and the worker's
// reply, keyed by the job that carried it.
type Turn struct {
	JobID        string          `json:"job_id"`
	At           string          `json:"ts"`
	Actor        string          `json:"actor"`
	Message      string          `json:"message"`
	Tags         []string        `json:"tags"`
	Image        *string         `json:"image,omitempty"`
	ReplyActor   string          `json:"reply_actor"`
	ReplyDisplay json.RawMessage `json:"reply_display,omitempty"`
	TurnID       *string         `json:"turn_id,omitempty"`
}

// Store is a SQLite-backed turn archive.
type Store struct {
	db *sql.DB
}

// Open opens (and creates if needed) the history database at path and
// ensures the schema exists.
func Open(ctx context.Context, path string) (*Store, error) {
	if path == "" {
		return nil, fmt.Errorf("history path is empty")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create history directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open history db: %w", err)
	}

	pctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if _, err := db.ExecContext(pctx, "PRAGMA journal_mode = WAL;"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("enable wal: %w", err)
	}
	if _, err := db.ExecContext(pctx, "PRAGMA busy_timeout = 5000;"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("set busy_timeout: %w", err)
	}

	if err := bootstrap(ctx, db); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &Store{db: db}, nil
}

func bootstrap(ctx context.Context, db *sql.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS turns (
  job_id        TEXT PRIMARY KEY,
  ts            TEXT NOT NULL,
  actor         TEXT NOT NULL,
  message       TEXT NOT NULL,
  tags          JSON NOT NULL DEFAULT '[]',
  image         TEXT,
  reply_actor   TEXT NOT NULL,
  reply_display JSON,
  turn_id       TEXT
);`,
		`CREATE INDEX IF NOT EXISTS turns_ts_idx ON turns(ts);`,
	}
	for _, stmt := range stmts {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("bootstrap history: %w", err)
		}
	}
	return nil
}

// Close releases the underlying database handle.
func (s *Store) Close() error { return s.db.Close() }

// Append records one completed turn. Re-appending the same job id is a
// no-op, mirroring the ledger's idempotent completion.
func (s *Store) Append(ctx context.Context, t Turn) error {
	if t.JobID == "" {
		return fmt.Errorf("turn job_id is empty")
	}

	tags := t.Tags
	if tags == nil {
		tags = []string{}
	}
	tagsJSON, err := json.Marshal(tags)
	if err != nil {
		return fmt.Errorf("encode tags: %w", err)
	}

	var display any
	if len(t.ReplyDisplay) > 0 {
		display = string(t.ReplyDisplay)
	}

	_, err = s.db.ExecContext(ctx, `
INSERT INTO turns(job_id, ts, actor, message, tags, image, reply_actor, reply_display, turn_id)
VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(job_id) DO NOTHING;
`, t.JobID, t.At, t.Actor, t.Message, string(tagsJSON), t.Image, t.ReplyActor, display, t.TurnID)
	if err != nil {
		return fmt.Errorf("append turn: %w", err)
	}
	return nil
}

// Recent returns up to limit turns, oldest first.
func (s *Store) Recent(ctx context.Context, limit int) ([]Turn, error) {
	if limit <= 0 {
		limit = 50
	}

	rows, err := s.db.QueryContext(ctx, `
SELECT job_id, ts, actor, message, tags, image, reply_actor, reply_display, turn_id
FROM (
  SELECT * FROM turns ORDER BY ts DESC LIMIT ?
)
ORDER BY ts ASC;
`, limit)
	if err != nil {
		return nil, fmt.Errorf("query turns: %w", err)
	}
	defer rows.Close()

	var out []Turn
	for rows.Next() {
		var (
			t        Turn
			tagsJSON string
			image    sql.NullString
			display  sql.NullString
			turnID   sql.NullString
		)
		if err := rows.Scan(&t.JobID, &t.At, &t.Actor, &t.Message, &tagsJSON, &image, &t.ReplyActor, &display, &turnID); err != nil {
			return nil, fmt.Errorf("scan turn: %w", err)
		}
		if err := json.Unmarshal([]byte(tagsJSON), &t.Tags); err != nil {
			t.Tags = []string{}
		}
		if image.Valid {
			t.Image = &image.String
		}
		if display.Valid {
			t.ReplyDisplay = json.RawMessage(display.String)
		}
		if turnID.Valid {
			t.TurnID = &turnID.String
		}
		out = append(out, t)
	}
	return out, rows.Err()
}
