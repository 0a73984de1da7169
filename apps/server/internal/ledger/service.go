// Package ledger keeps an append-only record of every turn a session
// commits. Turn 0 carries the compressed initial world so a session's tape
// can be rebuilt and replayed.
package ledger

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"bazaar-lite/bazaar"
	"bazaar-lite/replay"
	"bazaar-lite/turn"

	"github.com/klauspost/compress/zstd"
	_ "github.com/lib/pq"
)

const defaultRecentLimit = 200

var ErrNotFound = errors.New("not found")

type Service interface {
	Close() error
	AppendTurn(ctx context.Context, entry Entry) error
	ListTurns(ctx context.Context, sessionID string, limit int) ([]Entry, error)
	Tape(ctx context.Context, sessionID string) (replay.Tape, error)
}

// Entry is one committed turn. Snapshot is only set on turn 0.
type Entry struct {
	SessionID string            `json:"session_id"`
	Turn      int               `json:"turn"`
	Utterance string            `json:"utterance,omitempty"`
	Intent    bazaar.Intent     `json:"intent"`
	Executed  bool              `json:"executed"`
	Valid     bool              `json:"valid"`
	Feedback  []string          `json:"feedback,omitempty"`
	Trace     []turn.TraceEntry `json:"trace,omitempty"`
	Event     string            `json:"event,omitempty"`
	Dialogue  string            `json:"dialogue,omitempty"`
	Digest    string            `json:"digest"`
	Snapshot  []byte            `json:"-"`
	CreatedAt time.Time         `json:"created_at"`
}

var (
	snapshotEncoder, _ = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedBetterCompression))
	snapshotDecoder, _ = zstd.NewReader(nil)
)

// InitialEntry builds the turn-0 entry for a freshly created session.
func InitialEntry(sessionID string, w bazaar.World) (Entry, error) {
	raw, err := json.Marshal(w)
	if err != nil {
		return Entry{}, fmt.Errorf("marshal initial world: %w", err)
	}
	return Entry{
		SessionID: sessionID,
		Turn:      0,
		Executed:  false,
		Valid:     true,
		Digest:    bazaar.Digest(w),
		Snapshot:  snapshotEncoder.EncodeAll(raw, nil),
		CreatedAt: w.Timestamp,
	}, nil
}

func decodeSnapshot(blob []byte) (bazaar.World, error) {
	raw, err := snapshotDecoder.DecodeAll(blob, nil)
	if err != nil {
		return bazaar.World{}, fmt.Errorf("decompress snapshot: %w", err)
	}
	var w bazaar.World
	if err := json.Unmarshal(raw, &w); err != nil {
		return bazaar.World{}, fmt.Errorf("unmarshal snapshot: %w", err)
	}
	return w, nil
}

// buildTape turns ledger entries (any order) into a replay tape.
func buildTape(sessionID string, entries []Entry) (replay.Tape, error) {
	sort.SliceStable(entries, func(i, j int) bool { return entries[i].Turn < entries[j].Turn })
	if len(entries) == 0 || entries[0].Turn != 0 || len(entries[0].Snapshot) == 0 {
		return replay.Tape{}, ErrNotFound
	}
	initial, err := decodeSnapshot(entries[0].Snapshot)
	if err != nil {
		return replay.Tape{}, err
	}
	tape := replay.Tape{
		TapeVersion:   replay.TapeVersion,
		SessionID:     sessionID,
		Initial:       initial,
		InitialDigest: entries[0].Digest,
	}
	for _, e := range entries[1:] {
		tape.Steps = append(tape.Steps, replay.Step{
			Turn:      e.Turn,
			Utterance: e.Utterance,
			Intent:    e.Intent,
			Executed:  e.Executed,
			Digest:    e.Digest,
		})
	}
	return tape, nil
}

func clampLimit(limit, max int) int {
	if limit <= 0 || limit > max {
		return max
	}
	return limit
}

type memoryService struct {
	mu          sync.RWMutex
	entries     map[string][]Entry
	recentLimit int
}

func NewMemoryService(recentLimit int) Service {
	if recentLimit <= 0 {
		recentLimit = defaultRecentLimit
	}
	return &memoryService{entries: make(map[string][]Entry), recentLimit: recentLimit}
}

func (s *memoryService) Close() error { return nil }

func (s *memoryService) AppendTurn(_ context.Context, entry Entry) error {
	if strings.TrimSpace(entry.SessionID) == "" {
		return fmt.Errorf("empty session id")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, e := range s.entries[entry.SessionID] {
		if e.Turn == entry.Turn {
			return nil
		}
	}
	s.entries[entry.SessionID] = append(s.entries[entry.SessionID], entry)
	return nil
}

func (s *memoryService) ListTurns(_ context.Context, sessionID string, limit int) ([]Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	all := s.entries[sessionID]
	if len(all) == 0 {
		return nil, ErrNotFound
	}
	limit = clampLimit(limit, s.recentLimit)
	if len(all) > limit {
		all = all[len(all)-limit:]
	}
	return append([]Entry(nil), all...), nil
}

func (s *memoryService) Tape(_ context.Context, sessionID string) (replay.Tape, error) {
	s.mu.RLock()
	entries := append([]Entry(nil), s.entries[sessionID]...)
	s.mu.RUnlock()
	return buildTape(sessionID, entries)
}

// NewService opens the ledger backend named by mode.
func NewService(mode, sqlitePath, dsn string, recentLimit int) (Service, string, error) {
	switch strings.ToLower(strings.TrimSpace(mode)) {
	case "", "memory":
		return NewMemoryService(recentLimit), "memory", nil
	case "sqlite", "local":
		s, err := NewSQLiteService(sqlitePath, recentLimit)
		if err != nil {
			return nil, "", err
		}
		return s, "sqlite", nil
	case "postgres":
		s, err := NewPostgresService(dsn, recentLimit)
		if err != nil {
			return nil, "", err
		}
		return s, "postgres", nil
	default:
		return nil, "", fmt.Errorf("invalid ledger mode %q", mode)
	}
}

type PostgresService struct {
	db          *sql.DB
	recentLimit int
}

func NewPostgresService(dsn string, recentLimit int) (*PostgresService, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(20)
	db.SetMaxIdleConns(10)
	db.SetConnMaxLifetime(30 * time.Minute)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	var schemaReady bool
	if err := db.QueryRowContext(ctx, `
SELECT EXISTS (
    SELECT 1
    FROM information_schema.tables
    WHERE table_schema = 'public'
      AND table_name = 'ledger_turns'
)`).Scan(&schemaReady); err != nil {
		_ = db.Close()
		return nil, err
	}
	if !schemaReady {
		_ = db.Close()
		return nil, fmt.Errorf("ledger schema not initialized: missing table ledger_turns")
	}
	if recentLimit <= 0 {
		recentLimit = defaultRecentLimit
	}
	return &PostgresService{db: db, recentLimit: recentLimit}, nil
}

func (s *PostgresService) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *PostgresService) AppendTurn(ctx context.Context, entry Entry) error {
	payload, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("marshal entry: %w", err)
	}
	ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	_, err = s.db.ExecContext(ctx, `
INSERT INTO ledger_turns (session_id, turn, entry_json, snapshot_blob, digest, created_at)
VALUES ($1, $2, $3, $4, $5, $6)
ON CONFLICT (session_id, turn) DO NOTHING
`, entry.SessionID, entry.Turn, string(payload), nullableBytes(entry.Snapshot), entry.Digest, entry.CreatedAt.UTC())
	return err
}

func (s *PostgresService) ListTurns(ctx context.Context, sessionID string, limit int) ([]Entry, error) {
	ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	rows, err := s.db.QueryContext(ctx, `
SELECT entry_json, snapshot_blob FROM (
    SELECT turn, entry_json, snapshot_blob
    FROM ledger_turns
    WHERE session_id = $1
    ORDER BY turn DESC
    LIMIT $2
) recent
ORDER BY turn ASC
`, sessionID, clampLimit(limit, s.recentLimit))
	if err != nil {
		return nil, err
	}
	return scanEntries(rows)
}

func (s *PostgresService) Tape(ctx context.Context, sessionID string) (replay.Tape, error) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	rows, err := s.db.QueryContext(ctx, `
SELECT entry_json, snapshot_blob FROM ledger_turns WHERE session_id = $1 ORDER BY turn ASC
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

func scanEntries(rows *sql.Rows) ([]Entry, error) {
	defer rows.Close()
	var out []Entry
	for rows.Next() {
		var (
			payload  string
			snapshot []byte
		)
		if err := rows.Scan(&payload, &snapshot); err != nil {
			return nil, err
		}
		var e Entry
		if err := json.Unmarshal([]byte(payload), &e); err != nil {
			return nil, fmt.Errorf("unmarshal entry: %w", err)
		}
		e.Snapshot = snapshot
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(out) == 0 {
		return nil, ErrNotFound
	}
	return out, nil
}

func nullableBytes(v []byte) any {
	if len(v) == 0 {
		return nil
	}
	return v
}
