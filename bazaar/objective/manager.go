// Package objective decides when the active objective is complete and which
// objective comes next. Content comes from an external planner; the canned
// ladder in Registry covers planner failures.
package objective

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"bazaar-lite/bazaar"
)

const (
	HistoryLimit      = 50
	PlannerContext    = 10
	CompleteThreshold = 0.8

	defaultPlanTimeout = 8 * time.Second
)

const (
	SourcePlanner  = "planner"
	SourceFallback = "fallback"
)

var ErrMalformedObjective = errors.New("malformed objective")

// Record is one executed turn as remembered for planning context.
type Record struct {
	Kind       bazaar.Kind    `json:"kind"`
	Transcript string         `json:"transcript"`
	Confidence float64        `json:"confidence"`
	Progress   float64        `json:"progress"`
	Feedback   []string       `json:"feedback,omitempty"`
	Grammar    bazaar.Grammar `json:"grammar"`
	Dialogue   string         `json:"dialogue,omitempty"`
	At         time.Time      `json:"at"`
}

// PlanRequest is everything the planner is told about a session.
type PlanRequest struct {
	SessionID  string
	Completed  []string
	History    []Record
	Gold       int
	TimeOfDay  string
	LastIntent *bazaar.Intent
}

// Planner generates objective content. Implementations may be slow or fail;
// the Manager bounds every call with a timeout.
type Planner interface {
	Plan(ctx context.Context, req PlanRequest) (bazaar.Objective, error)
}

// Outcome reports what Advance did.
type Outcome struct {
	Change    bazaar.ObjectiveChange
	Completed bool
	Next      *bazaar.Objective
	Source    string
}

// Manager owns the completion policy and the per-session action history.
type Manager struct {
	registry *Registry
	planner  Planner
	timeout  time.Duration

	mu      sync.Mutex
	history map[string][]Record
}

// NewManager wires a manager. A nil planner means every objective comes from
// the canned ladder; a non-positive timeout uses the default.
func NewManager(registry *Registry, planner Planner, timeout time.Duration) *Manager {
	if registry == nil {
		registry = NewRegistry()
	}
	if timeout <= 0 {
		timeout = defaultPlanTimeout
	}
	return &Manager{
		registry: registry,
		planner:  planner,
		timeout:  timeout,
		history:  make(map[string][]Record),
	}
}

// Initial is the objective every new session starts with.
func (m *Manager) Initial() bazaar.Objective {
	return m.registry.First()
}

// NextObjective asks the planner for the next objective and falls back to the
// canned ladder when the planner errors, times out, or returns something
// unusable. The second return value names where the objective came from.
func (m *Manager) NextObjective(ctx context.Context, sessionID string, w bazaar.World, last *bazaar.Intent) (bazaar.Objective, string) {
	return m.nextObjective(ctx, sessionID, w, last, nil)
}

// nextObjective appends pending, the turn not yet committed to history, to
// the planner context.
func (m *Manager) nextObjective(ctx context.Context, sessionID string, w bazaar.World, last *bazaar.Intent, pending *Record) (bazaar.Objective, string) {
	if m.planner == nil {
		return m.registry.Fallback(w.Completed), SourceFallback
	}

	req := PlanRequest{
		SessionID:  sessionID,
		Completed:  append([]string(nil), w.Completed...),
		History:    m.plannerHistory(sessionID, pending),
		Gold:       w.Player.Gold,
		TimeOfDay:  w.TimeOfDay,
		LastIntent: last,
	}
	callCtx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()

	obj, err := m.planner.Plan(callCtx, req)
	if err == nil {
		err = checkPlanned(obj, w)
	}
	if err != nil {
		log.Printf("[Objective %s] Planner unavailable, using canned objective: %v", sessionID, err)
		return m.registry.Fallback(w.Completed), SourceFallback
	}
	obj.Completed = false
	return obj, SourcePlanner
}

func checkPlanned(obj bazaar.Objective, w bazaar.World) error {
	if strings.TrimSpace(obj.ID) == "" || strings.TrimSpace(obj.Title) == "" {
		return fmt.Errorf("%w: missing id or title", ErrMalformedObjective)
	}
	if w.HasCompleted(obj.ID) {
		return fmt.Errorf("%w: %s already completed", ErrMalformedObjective, obj.ID)
	}
	return nil
}

func (m *Manager) plannerHistory(sessionID string, pending *Record) []Record {
	if pending == nil {
		return m.History(sessionID, PlannerContext)
	}
	return append(m.History(sessionID, PlannerContext-1), *pending)
}

// Advance applies the completion policy to the turn described by current.
// When its progress reaches the threshold and an objective is active, the
// objective is marked complete, retired into the completed list, and
// replaced by the next objective. Otherwise w is returned unchanged.
// Advance does not record current; the caller does that once the turn is
// committed.
func (m *Manager) Advance(ctx context.Context, sessionID string, w bazaar.World, current Record, last bazaar.Intent) (bazaar.World, Outcome) {
	progress := current.Progress
	if w.Objective == nil || w.Objective.Completed {
		return w, Outcome{}
	}
	out := Outcome{Change: bazaar.ObjectiveChange{ID: w.Objective.ID, Progress: progress}}
	if progress < CompleteThreshold {
		return w, out
	}

	next := w.Clone()
	next.Objective.Completed = true
	next.Completed = append(next.Completed, next.Objective.ID)
	log.Printf("[Objective %s] Completed %s (progress=%.2f)", sessionID, next.Objective.ID, progress)

	obj, source := m.nextObjective(ctx, sessionID, next, &last, &current)
	next.Objective = &obj

	out.Completed = true
	out.Change.Completed = true
	out.Change.NextID = obj.ID
	out.Next = &obj
	out.Source = source
	return next, out
}

// RecordAction appends to the session's history, evicting the oldest entries
// beyond HistoryLimit.
func (m *Manager) RecordAction(sessionID string, r Record) {
	m.mu.Lock()
	defer m.mu.Unlock()
	h := append(m.history[sessionID], r)
	if len(h) > HistoryLimit {
		h = append([]Record(nil), h[len(h)-HistoryLimit:]...)
	}
	m.history[sessionID] = h
}

// History returns up to n of the most recent records, oldest first.
func (m *Manager) History(sessionID string, n int) []Record {
	m.mu.Lock()
	defer m.mu.Unlock()
	h := m.history[sessionID]
	if n > 0 && len(h) > n {
		h = h[len(h)-n:]
	}
	return append([]Record(nil), h...)
}

// Forget drops a session's history.
func (m *Manager) Forget(sessionID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.history, sessionID)
}
