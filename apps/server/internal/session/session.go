// Package session runs one player's game. Each Session is an actor: turns,
// idle checks, and shutdown all pass through a single mailbox, so a turn
// always finishes before the next event for that session is handled.
package session

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"bazaar-lite/apps/server/internal/codec"
	"bazaar-lite/apps/server/internal/ledger"
	"bazaar-lite/apps/server/internal/oracle"
	"bazaar-lite/apps/server/internal/store"
	"bazaar-lite/bazaar"
	"bazaar-lite/bazaar/objective"
	"bazaar-lite/turn"
)

var (
	ErrSessionClosed  = errors.New("session closed")
	ErrEmptyUtterance = errors.New("empty utterance")
)

const (
	recentLimit       = 10
	defaultTTSTimeout = 15 * time.Second
)

// Runner executes one turn.
type Runner interface {
	Run(ctx context.Context, req turn.Request) (turn.Result, error)
}

// Historian exposes the objective history kept for the planner.
type Historian interface {
	History(sessionID string, n int) []objective.Record
	RecordAction(sessionID string, r objective.Record)
	Forget(sessionID string)
}

type Speaker interface {
	Synthesize(ctx context.Context, text string, mood bazaar.Mood) (oracle.Audio, error)
}

// Deps are shared by every session. Store, Ledger, Speaker and Sink may be
// nil.
type Deps struct {
	Pipeline   Runner
	History    Historian
	Store      store.Service
	Ledger     ledger.Service
	Speaker    Speaker
	Sink       func(codec.Envelope)
	TTSTimeout time.Duration
	Now        func() time.Time
}

type EventType int

const (
	EventTurn EventType = iota
	EventIdleCheck
	EventClose
)

type Event struct {
	Type      EventType
	Ctx       context.Context
	Utterance string
	Clarify   turn.ClarifyFunc
	TTL       time.Duration
	Response  chan Reply
}

type Reply struct {
	Result *turn.Result
	Closed bool
	Err    error
}

// State is a read-only view of a session.
type State struct {
	SessionID     string       `json:"session_id"`
	World         bazaar.World `json:"world_state"`
	Turns         int          `json:"turns"`
	ExecutedTurns int          `json:"executed_turns"`
	CreatedAt     time.Time    `json:"created_at"`
	LastActive    time.Time    `json:"last_active"`
}

type Session struct {
	ID string

	mu         sync.RWMutex
	world      bazaar.World
	turns      int
	executed   int
	recent     []string
	createdAt  time.Time
	lastActive time.Time
	closed     bool
	stopOnce   sync.Once

	events chan Event
	done   chan struct{}
	exited chan struct{}
	ctx    context.Context
	cancel context.CancelFunc

	serverSeq atomic.Uint64
	deps      Deps
}

// New starts an actor for a brand-new session. The initial world is
// persisted and recorded as turn 0 of the ledger.
func New(ctx context.Context, id string, w bazaar.World, deps Deps) *Session {
	deps = withDefaults(deps)
	now := deps.Now()
	s := newSession(id, store.Record{
		SessionID: id,
		World:     w,
		CreatedAt: now,
		UpdatedAt: now,
	}, deps)

	if deps.Ledger != nil {
		entry, err := ledger.InitialEntry(id, w)
		if err == nil {
			err = deps.Ledger.AppendTurn(ctx, entry)
		}
		if err != nil {
			log.Printf("[Session %s] Failed to record initial world: %v", id, err)
		}
	}
	s.persist(ctx)

	go s.run()
	log.Printf("[Session %s] Created (npcs=%d, objective=%s)", id, len(w.NPCs), objectiveID(w))
	return s
}

// Restore starts an actor from a stored record.
func Restore(rec store.Record, deps Deps) *Session {
	deps = withDefaults(deps)
	s := newSession(rec.SessionID, rec, deps)
	if deps.History != nil && len(deps.History.History(rec.SessionID, 0)) == 0 {
		for _, r := range rec.History {
			deps.History.RecordAction(rec.SessionID, r)
		}
	}
	go s.run()
	log.Printf("[Session %s] Resumed at turn %d", rec.SessionID, rec.Turns)
	return s
}

func withDefaults(deps Deps) Deps {
	if deps.Now == nil {
		deps.Now = time.Now
	}
	if deps.TTSTimeout <= 0 {
		deps.TTSTimeout = defaultTTSTimeout
	}
	return deps
}

func newSession(id string, rec store.Record, deps Deps) *Session {
	ctx, cancel := context.WithCancel(context.Background())
	created := rec.CreatedAt
	if created.IsZero() {
		created = deps.Now()
	}
	return &Session{
		ID:         id,
		world:      rec.World.Clone(),
		turns:      rec.Turns,
		executed:   rec.ExecutedTurns,
		recent:     append([]string(nil), rec.Recent...),
		createdAt:  created,
		lastActive: deps.Now(),
		events:     make(chan Event, 256),
		done:       make(chan struct{}),
		exited:     make(chan struct{}),
		ctx:        ctx,
		cancel:     cancel,
		deps:       deps,
	}
}

func (s *Session) run() {
	defer close(s.exited)
	for {
		select {
		case event := <-s.events:
			reply := s.handleEvent(event)
			if event.Response != nil {
				event.Response <- reply
			}
		case <-s.done:
			log.Printf("[Session %s] Actor stopped", s.ID)
			return
		}
	}
}

func (s *Session) handleEvent(e Event) Reply {
	if s.IsClosed() && e.Type != EventClose {
		return Reply{Err: ErrSessionClosed}
	}
	switch e.Type {
	case EventTurn:
		res, err := s.handleTurn(e.Ctx, e.Utterance, e.Clarify)
		if err != nil {
			return Reply{Err: err}
		}
		return Reply{Result: &res}
	case EventIdleCheck:
		if !s.IsIdleFor(e.TTL) {
			return Reply{}
		}
		s.Stop()
		return Reply{Closed: true}
	case EventClose:
		s.Stop()
		return Reply{Closed: true}
	default:
		return Reply{Err: fmt.Errorf("unknown event type: %d", e.Type)}
	}
}

func (s *Session) submit(e Event) Reply {
	if e.Response == nil {
		e.Response = make(chan Reply, 1)
	}
	if s.IsClosed() {
		return Reply{Err: ErrSessionClosed}
	}

	select {
	case s.events <- e:
	case <-s.done:
		return Reply{Err: ErrSessionClosed}
	}

	select {
	case r := <-e.Response:
		return r
	case <-s.done:
		return Reply{Err: ErrSessionClosed}
	}
}

// SubmitTurn queues an utterance and waits for its turn to complete.
func (s *Session) SubmitTurn(ctx context.Context, utterance string) (turn.Result, error) {
	return s.SubmitTurnWithClarify(ctx, utterance, nil)
}

func (s *Session) SubmitTurnWithClarify(ctx context.Context, utterance string, clarify turn.ClarifyFunc) (turn.Result, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	r := s.submit(Event{Type: EventTurn, Ctx: ctx, Utterance: utterance, Clarify: clarify})
	if r.Err != nil {
		return turn.Result{}, r.Err
	}
	return *r.Result, nil
}

// CloseIfIdle stops the session when it has been idle for ttl. It runs in
// the mailbox, so it never interrupts a turn.
func (s *Session) CloseIfIdle(ttl time.Duration) bool {
	r := s.submit(Event{Type: EventIdleCheck, TTL: ttl})
	return r.Closed || errors.Is(r.Err, ErrSessionClosed)
}

// Stop cancels any in-flight turn and shuts the actor down.
func (s *Session) Stop() {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	s.stopOnce.Do(func() {
		s.cancel()
		close(s.done)
	})
}

// Wait blocks until the actor has stopped. A turn that was in flight when
// Stop was called has either been discarded or fully persisted by then.
func (s *Session) Wait() {
	<-s.exited
}

func (s *Session) IsClosed() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.closed
}

func (s *Session) IsIdleFor(ttl time.Duration) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return true
	}
	return s.deps.Now().Sub(s.lastActive) >= ttl
}

func (s *Session) State() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return State{
		SessionID:     s.ID,
		World:         s.world.Clone(),
		Turns:         s.turns,
		ExecutedTurns: s.executed,
		CreatedAt:     s.createdAt,
		LastActive:    s.lastActive,
	}
}

// EchoTranscript sends a transcript message without running a turn. The
// gateway uses it for partial transcripts.
func (s *Session) EchoTranscript(text string, final bool) {
	s.emit(codec.TypeTranscript, codec.TranscriptPayload{Text: text, IsFinal: final})
}

// SendWorldState pushes the current world to the channel.
func (s *Session) SendWorldState() {
	s.emit(codec.TypeWorldState, codec.WorldStatePayload{World: s.State().World})
}

// handleTurn runs on the actor goroutine only.
func (s *Session) handleTurn(callerCtx context.Context, utterance string, clarify turn.ClarifyFunc) (turn.Result, error) {
	if utterance == "" {
		return turn.Result{}, ErrEmptyUtterance
	}
	ctx, cancel := context.WithCancel(s.ctx)
	defer cancel()
	stop := context.AfterFunc(callerCtx, cancel)
	defer stop()

	s.emit(codec.TypeTranscript, codec.TranscriptPayload{Text: utterance, IsFinal: true})

	s.mu.RLock()
	req := turn.Request{
		SessionID:     s.ID,
		Utterance:     utterance,
		Recent:        append([]string(nil), s.recent...),
		World:         s.world.Clone(),
		ExecutedTurns: s.executed,
		Clarify:       clarify,
	}
	s.mu.RUnlock()

	res, err := s.deps.Pipeline.Run(ctx, req)
	if err != nil {
		if errors.Is(err, turn.ErrInternal) {
			log.Printf("[Session %s] Turn failed: %v", s.ID, err)
			s.emit(codec.TypeError, codec.ErrorPayload{Message: "internal error while handling your turn", Recoverable: false})
		}
		return turn.Result{}, err
	}
	if err := ctx.Err(); err != nil {
		return turn.Result{}, fmt.Errorf("%w: %v", turn.ErrCancelled, err)
	}

	seq := s.commit(utterance, res)
	s.persist(s.ctx)
	s.appendLedger(seq, utterance, res)

	for _, entry := range res.Trace {
		s.emit(codec.TypeReasoning, codec.ReasoningPayload{
			Turn:    seq,
			Stage:   string(entry.Stage),
			Agent:   entry.Agent,
			Attempt: entry.Attempt,
			Details: entry.Details,
		})
	}
	s.emit(codec.TypeTurnResult, codec.TurnResultPayload{
		Turn:     seq,
		Intent:   res.Intent,
		Valid:    res.Verdict.Valid,
		Executed: res.Executed,
		Retries:  res.Retries,
		Feedback: res.Feedback,
		Diff:     res.Diff,
	})
	s.emit(codec.TypeWorldState, codec.WorldStatePayload{World: res.World})
	s.speak(res)
	return res, nil
}

// commit replaces the world and records the turn for planning. It is the
// only place a turn becomes visible.
func (s *Session) commit(utterance string, res turn.Result) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if res.Executed && s.deps.History != nil {
		s.deps.History.RecordAction(s.ID, res.History)
	}
	s.world = res.World
	s.turns++
	if res.Executed {
		s.executed++
	}
	s.recent = append(s.recent, utterance)
	if len(s.recent) > recentLimit {
		s.recent = append([]string(nil), s.recent[len(s.recent)-recentLimit:]...)
	}
	s.lastActive = s.deps.Now()
	return s.turns
}

func (s *Session) record() store.Record {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec := store.Record{
		SessionID:     s.ID,
		World:         s.world.Clone(),
		Turns:         s.turns,
		ExecutedTurns: s.executed,
		Recent:        append([]string(nil), s.recent...),
		CreatedAt:     s.createdAt,
		UpdatedAt:     s.lastActive,
	}
	if s.deps.History != nil {
		rec.History = s.deps.History.History(s.ID, 0)
	}
	return rec
}

func (s *Session) persist(ctx context.Context) {
	if s.deps.Store == nil {
		return
	}
	if err := s.deps.Store.Save(context.WithoutCancel(ctx), s.record()); err != nil {
		log.Printf("[Session %s] Save failed: %v", s.ID, err)
	}
}

func (s *Session) appendLedger(seq int, utterance string, res turn.Result) {
	if s.deps.Ledger == nil {
		return
	}
	entry := ledger.Entry{
		SessionID: s.ID,
		Turn:      seq,
		Utterance: utterance,
		Intent:    res.Intent,
		Executed:  res.Executed,
		Valid:     res.Verdict.Valid,
		Feedback:  res.Feedback,
		Trace:     res.Trace,
		Digest:    bazaar.Digest(res.World),
		CreatedAt: s.deps.Now(),
	}
	if res.Diff != nil {
		entry.Event = res.Diff.Event
		entry.Dialogue = res.Diff.Dialogue
	}
	if err := s.deps.Ledger.AppendTurn(context.WithoutCancel(s.ctx), entry); err != nil {
		log.Printf("[Session %s] Ledger append failed: turn=%d err=%v", s.ID, seq, err)
	}
}

// speak voices the NPC's reply in the background. The text reply has
// already gone out, so any failure only costs the audio.
func (s *Session) speak(res turn.Result) {
	if s.deps.Speaker == nil || res.Diff == nil || res.Diff.Dialogue == "" {
		return
	}
	npc := bazaar.NPC{Name: "Merchant", Mood: bazaar.MoodNeutral}
	if idx := res.World.FindNPC(res.Diff.Speaker); idx >= 0 {
		npc = res.World.NPCs[idx]
	}
	dialogue := res.Diff.Dialogue
	go func() {
		ctx, cancel := context.WithTimeout(s.ctx, s.deps.TTSTimeout)
		defer cancel()
		audio, err := s.deps.Speaker.Synthesize(ctx, dialogue, npc.Mood)
		if err != nil {
			if !errors.Is(err, oracle.ErrUnavailable) {
				log.Printf("[Session %s] Speech skipped: %v", s.ID, err)
			}
			return
		}
		if s.IsClosed() {
			return
		}
		s.emit(codec.TypeNPCAudio, codec.NPCAudioPayload{
			NPCID:    npc.ID,
			NPCName:  npc.Name,
			Dialogue: dialogue,
			Mood:     string(npc.Mood),
			MIMEType: audio.MIMEType,
			AudioB64: base64.StdEncoding.EncodeToString(audio.Data),
		})
	}()
}

func (s *Session) emit(msgType string, payload any) {
	if s.deps.Sink == nil {
		return
	}
	s.deps.Sink(codec.Envelope{
		Type:      msgType,
		SessionID: s.ID,
		Seq:       s.serverSeq.Add(1),
		TsMs:      s.deps.Now().UnixMilli(),
		Payload:   payload,
	})
}

func objectiveID(w bazaar.World) string {
	if w.Objective == nil {
		return "none"
	}
	return w.Objective.ID
}
