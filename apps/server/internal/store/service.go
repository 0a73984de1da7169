// Package store persists session records so a session can resume after a
// restart. Each record is the last committed state of one session.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"bazaar-lite/bazaar"
	"bazaar-lite/bazaar/objective"

	_ "github.com/lib/pq"
)

var ErrNotFound = errors.New("session record not found")

type Service interface {
	Close() error
	Load(ctx context.Context, sessionID string) (*Record, error)
	Save(ctx context.Context, rec Record) error
	Delete(ctx context.Context, sessionID string) error
}

// Record is everything needed to rebuild a session actor.
type Record struct {
	SessionID     string             `json:"session_id"`
	World         bazaar.World       `json:"world"`
	Turns         int                `json:"turns"`
	ExecutedTurns int                `json:"executed_turns"`
	Recent        []string           `json:"recent,omitempty"`
	History       []objective.Record `json:"history,omitempty"`
	CreatedAt     time.Time          `json:"created_at"`
	UpdatedAt     time.Time          `json:"updated_at"`
}

func (r Record) clone() Record {
	r.World = r.World.Clone()
	r.Recent = append([]string(nil), r.Recent...)
	r.History = append([]objective.Record(nil), r.History...)
	return r
}

// NewService opens the backend named by mode. The second return value is
// the mode actually used, for logging.
func NewService(mode, sqlitePath, dsn string) (Service, string, error) {
	switch strings.ToLower(strings.TrimSpace(mode)) {
	case "", "memory":
		return NewMemoryService(), "memory", nil
	case "sqlite", "local":
		s, err := NewSQLiteService(sqlitePath)
		if err != nil {
			return nil, "", err
		}
		return s, "sqlite", nil
	case "postgres":
		s, err := NewPostgresService(dsn)
		if err != nil {
			return nil, "", err
		}
		return s, "postgres", nil
	default:
		return nil, "", fmt.Errorf("invalid STORE_MODE %q (supported: memory, sqlite, postgres)", mode)
	}
}

type memoryService struct {
	mu      sync.RWMutex
	records map[string]Record
}

func NewMemoryService() Service {
	return &memoryService{records: make(map[string]Record)}
}

func (s *memoryService) Close() error { return nil }

func (s *memoryService) Load(_ context.Context, sessionID string) (*Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.records[sessionID]
	if !ok {
		return nil, ErrNotFound
	}
	out := rec.clone()
	return &out, nil
}

func (s *memoryService) Save(_ context.Context, rec Record) error {
	if strings.TrimSpace(rec.SessionID) == "" {
		return fmt.Errorf("empty session id")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records[rec.SessionID] = rec.clone()
	return nil
}

func (s *memoryService) Delete(_ context.Context, sessionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.records, sessionID)
	return nil
}

type postgresService struct {
	db *sql.DB
}

func NewPostgresService(dsn string) (Service, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
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
      AND table_name = 'bazaar_sessions'
)`).Scan(&schemaReady); err != nil {
		_ = db.Close()
		return nil, err
	}
	if !schemaReady {
		_ = db.Close()
		return nil, fmt.Errorf("store schema not initialized: missing table bazaar_sessions")
	}
	return &postgresService{db: db}, nil
}

func (s *postgresService) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *postgresService) Load(ctx context.Context, sessionID string) (*Record, error) {
	ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	var blob []byte
	err := s.db.QueryRowContext(ctx, `
SELECT record_blob FROM bazaar_sessions WHERE session_id = $1
`, sessionID).Scan(&blob)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return decodeRecord(blob)
}

func (s *postgresService) Save(ctx context.Context, rec Record) error {
	blob, err := encodeRecord(rec)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	_, err = s.db.ExecContext(ctx, `
INSERT INTO bazaar_sessions (session_id, record_blob, turns, created_at, updated_at)
VALUES ($1, $2, $3, $4, $5)
ON CONFLICT (session_id) DO UPDATE SET
    record_blob = EXCLUDED.record_blob,
    turns = EXCLUDED.turns,
    updated_at = EXCLUDED.updated_at
`, rec.SessionID, blob, rec.Turns, rec.CreatedAt.UTC(), rec.UpdatedAt.UTC())
	return err
}

func (s *postgresService) Delete(ctx context.Context, sessionID string) error {
	ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	_, err := s.db.ExecContext(ctx, `DELETE FROM bazaar_sessions WHERE session_id = $1`, sessionID)
	return err
}
