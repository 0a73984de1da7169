// Package lobby keeps the live sessions of one server process. Sessions are
// created on first contact, resumed from the store when they have been
// evicted, and swept once idle.
package lobby

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"bazaar-lite/apps/server/internal/codec"
	"bazaar-lite/apps/server/internal/session"
	"bazaar-lite/apps/server/internal/store"
	"bazaar-lite/bazaar/catalog"
	"bazaar-lite/bazaar/objective"

	"github.com/google/uuid"
)

const maxSessionIDLen = 64

var (
	ErrNotFound  = errors.New("session not found")
	ErrInvalidID = errors.New("invalid session id")
)

// Config wires a Lobby. Deps.Sink is ignored; the lobby routes every
// session's messages through the sink set with SetSink.
type Config struct {
	Catalog    catalog.Catalog
	Objectives *objective.Manager
	Deps       session.Deps
	IdleTTL    time.Duration
}

// Lobby manages all sessions.
type Lobby struct {
	mu       sync.RWMutex
	sessions map[string]*session.Session

	catalog    catalog.Catalog
	objectives *objective.Manager
	deps       session.Deps
	idleTTL    time.Duration

	sinkMu sync.RWMutex
	sink   func(codec.Envelope)
}

func New(cfg Config) *Lobby {
	if cfg.Objectives == nil {
		cfg.Objectives = objective.NewManager(nil, nil, 0)
	}
	if cfg.IdleTTL <= 0 {
		cfg.IdleTTL = 30 * time.Minute
	}
	if cfg.Deps.Now == nil {
		cfg.Deps.Now = time.Now
	}
	if cfg.Deps.History == nil {
		cfg.Deps.History = cfg.Objectives
	}
	l := &Lobby{
		sessions:   make(map[string]*session.Session),
		catalog:    cfg.Catalog,
		objectives: cfg.Objectives,
		deps:       cfg.Deps,
		idleTTL:    cfg.IdleTTL,
	}
	l.deps.Sink = l.publish
	return l
}

// SetSink installs the function that delivers session messages to clients.
func (l *Lobby) SetSink(fn func(codec.Envelope)) {
	l.sinkMu.Lock()
	defer l.sinkMu.Unlock()
	l.sink = fn
}

func (l *Lobby) publish(env codec.Envelope) {
	l.sinkMu.RLock()
	fn := l.sink
	l.sinkMu.RUnlock()
	if fn != nil {
		fn(env)
	}
}

// Create starts a session under a fresh id.
func (l *Lobby) Create(ctx context.Context) (*session.Session, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.createLocked(ctx, uuid.NewString())
}

func (l *Lobby) createLocked(ctx context.Context, id string) (*session.Session, error) {
	w, err := l.catalog.NewWorld(l.deps.Now())
	if err != nil {
		return nil, fmt.Errorf("build world: %w", err)
	}
	obj := l.objectives.Initial()
	w.Objective = &obj

	s := session.New(ctx, id, w, l.deps)
	l.sessions[id] = s
	log.Printf("[Lobby] Created session %s, total: %d", id, len(l.sessions))
	return s, nil
}

// Get returns a live session.
func (l *Lobby) Get(id string) (*session.Session, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	s, ok := l.sessions[id]
	if !ok || s.IsClosed() {
		return nil, false
	}
	return s, true
}

// Resume returns the live session or restores it from the store. It never
// creates one.
func (l *Lobby) Resume(ctx context.Context, id string) (*session.Session, error) {
	if err := ValidateID(id); err != nil {
		return nil, err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.resumeLocked(ctx, id)
}

func (l *Lobby) resumeLocked(ctx context.Context, id string) (*session.Session, error) {
	if s, ok := l.sessions[id]; ok && !s.IsClosed() {
		return s, nil
	}
	delete(l.sessions, id)
	if l.deps.Store == nil {
		return nil, ErrNotFound
	}
	rec, err := l.deps.Store.Load(ctx, id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("load session %s: %w", id, err)
	}
	s := session.Restore(*rec, l.deps)
	l.sessions[id] = s
	return s, nil
}

// GetOrCreate resolves id to a live session, resuming a stored one or
// creating a fresh world under that id.
func (l *Lobby) GetOrCreate(ctx context.Context, id string) (*session.Session, error) {
	if err := ValidateID(id); err != nil {
		return nil, err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	s, err := l.resumeLocked(ctx, id)
	if err == nil {
		return s, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return nil, err
	}
	return l.createLocked(ctx, id)
}

// Delete stops the session and removes its stored record. The ledger keeps
// its turns.
func (l *Lobby) Delete(ctx context.Context, id string) error {
	if err := ValidateID(id); err != nil {
		return err
	}
	l.mu.Lock()
	s, live := l.sessions[id]
	delete(l.sessions, id)
	l.mu.Unlock()

	if live {
		s.Stop()
		s.Wait()
	}
	stored := false
	if l.deps.Store != nil {
		if _, err := l.deps.Store.Load(ctx, id); err == nil {
			stored = true
		}
		if err := l.deps.Store.Delete(ctx, id); err != nil {
			return fmt.Errorf("delete session %s: %w", id, err)
		}
	}
	l.objectives.Forget(id)
	if !live && !stored {
		return ErrNotFound
	}
	log.Printf("[Lobby] Deleted session %s", id)
	return nil
}

// Sweep stops sessions idle for longer than the configured TTL and returns
// how many were evicted. Stored records are kept so the player can resume.
func (l *Lobby) Sweep() int {
	l.mu.RLock()
	candidates := make([]*session.Session, 0, len(l.sessions))
	for _, s := range l.sessions {
		candidates = append(candidates, s)
	}
	l.mu.RUnlock()

	evicted := 0
	for _, s := range candidates {
		if !s.CloseIfIdle(l.idleTTL) {
			continue
		}
		l.mu.Lock()
		if l.sessions[s.ID] == s {
			delete(l.sessions, s.ID)
		}
		l.mu.Unlock()
		l.objectives.Forget(s.ID)
		evicted++
	}
	if evicted > 0 {
		log.Printf("[Lobby] Swept %d idle sessions, remaining: %d", evicted, l.Count())
	}
	return evicted
}

// RunSweeper calls Sweep every interval until ctx is done.
func (l *Lobby) RunSweeper(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			l.Sweep()
		case <-ctx.Done():
			return
		}
	}
}

func (l *Lobby) Count() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.sessions)
}

// Close stops every live session.
func (l *Lobby) Close() {
	l.mu.Lock()
	defer l.mu.Unlock()
	for id, s := range l.sessions {
		s.Stop()
		delete(l.sessions, id)
	}
}

// ValidateID accepts ids of letters, digits, '-' and '_'.
func ValidateID(id string) error {
	if id == "" || len(id) > maxSessionIDLen {
		return ErrInvalidID
	}
	for _, r := range id {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
		default:
			return ErrInvalidID
		}
	}
	return nil
}
