package ledger

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"bazaar-lite/replay"

	_ "modernc.org/sqlite"
)

type SQLiteService struct {
	db          *sql.DB
	recentLimit int
}

func NewSQLiteService(dbPath string, recentLimit int) (*SQLiteService, error) {
	dbPath = strings.TrimSpace(dbPath)
	if dbPath == "" {
		return nil, fmt.Errorf("empty sqlite database path")
	}
	if dbPath != ":memory:" {
		parent := filepath.Dir(dbPath)
		if parent != "" && parent != "." {
			if err := os.MkdirAll(parent, 0o755); err != nil {
				return nil, err
			}
		}
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := db.ExecContext(ctx, `PRAGMA busy_timeout = 5000;`); err != nil {
		_ = db.Close()
		return nil, err
	}
	if _, err := db.ExecContext(ctx, `PRAGMA journal_mode = WAL;`); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := ensureSQLiteLedgerSchema(ctx, db); err != nil {
		_ = db.Close()
		return nil, err
	}
	if recentLimit <= 0 {
		recentLimit = defaultRecentLimit
	}
	return &SQLiteService{db: db, recentLimit: recentLimit}, nil
}

func (s *SQLiteService) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *SQLiteService) AppendTurn(ctx context.Context, entry Entry) error {
	if strings.TrimSpace(entry.SessionID) == "" {
		return fmt.Errorf("empty session id")
	}
	payload, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("marshal entry: %w", err)
	}
	ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	_, err = s.db.ExecContext(ctx, `
INSERT INTO ledger_turns (session_id, turn, entry_json, snapshot_blob, digest, created_at_ms)
VALUES (?, ?, ?, ?, ?, ?)
ON CONFLICT (session_id, turn) DO NOTHING
`, entry.SessionID, entry.Turn, string(payload), nullableBytes(entry.Snapshot), entry.Digest, entry.CreatedAt.UTC().UnixMilli())
	return err
}

func (s *SQLiteService) ListTurns(ctx context.Context, sessionID string, limit int) ([]Entry, error) {
	ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	rows, err := s.db.QueryContext(ctx, `
SELECT entry_json, snapshot_blob FROM (
    SELECT turn, entry_json, snapshot_blob
    FROM ledger_turns
    WHERE session_id = ?
    ORDER BY turn DESC
    LIMIT ?
)
ORDER BY turn ASC
`, sessionID, clampLimit(limit, s.recentLimit))
	if err != nil {
		return nil, err
	}
	return scanEntries(rows)
}

func (s *SQLiteService) Tape(ctx context.Context, sessionID string) (replay.Tape, error) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	rows, err := s.db.QueryContext(ctx, `
SELECT entry_json, snapshot_blob FROM ledger_turns WHERE session_id = ? ORDER BY turn ASC
`, sessionID)
	if err != nil {
		return replay.Tape{}, err
	}
	entries, err := scanEntries(rows)
	if err != nil {
		return replay.Tape{}, err
	}
	return buildTape(sessionID, entries)
}

func ensureSQLiteLedgerSchema(ctx context.Context, db *sql.DB) error {
	statements := []string{
		`
CREATE TABLE IF NOT EXISTS ledger_turns (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    session_id TEXT NOT NULL,
    turn INTEGER NOT NULL,
    entry_json TEXT NOT NULL,
    snapshot_blob BLOB,
    digest TEXT NOT NULL DEFAULT '',
    created_at_ms INTEGER NOT NULL,
    UNIQUE (session_id, turn)
)`,
		`CREATE INDEX IF NOT EXISTS idx_ledger_turns_session_turn ON ledger_turns(session_id, turn)`,
	}
	for _, stmt := range statements {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}
