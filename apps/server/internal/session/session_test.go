package session

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"bazaar-lite/apps/server/internal/codec"
	"bazaar-lite/apps/server/internal/ledger"
	"bazaar-lite/apps/server/internal/oracle"
	"bazaar-lite/apps/server/internal/store"
	"bazaar-lite/bazaar"
	"bazaar-lite/bazaar/catalog"
	"bazaar-lite/bazaar/objective"
	"bazaar-lite/bazaar/verify"
	"bazaar-lite/turn"
)

// scriptedInterpreter reads the intent off the utterance: "buy N item",
// "hello", "block" (waits for cancellation) or "gate" (greets once release
// is closed).
type scriptedInterpreter struct {
	inFlight atomic.Int32
	maxSeen  atomic.Int32
	started  chan struct{}
	release  chan struct{}
	once     sync.Once
}

func (s *scriptedInterpreter) Interpret(ctx context.Context, req turn.InterpretRequest) (bazaar.Intent, error) {
	n := s.inFlight.Add(1)
	defer s.inFlight.Add(-1)
	for {
		prev := s.maxSeen.Load()
		if n <= prev || s.maxSeen.CompareAndSwap(prev, n) {
			break
		}
	}
	polite := bazaar.Grammar{Politeness: bazaar.PolitenessPolite, Constructs: []string{"please"}}
	switch {
	case req.Utterance == "block":
		if s.started != nil {
			s.once.Do(func() { close(s.started) })
		}
		<-ctx.Done()
		return bazaar.Intent{}, ctx.Err()
	case req.Utterance == "gate":
		if s.started != nil {
			s.once.Do(func() { close(s.started) })
		}
		select {
		case <-s.release:
		case <-ctx.Done():
			return bazaar.Intent{}, ctx.Err()
		}
		return bazaar.Intent{Kind: bazaar.KindGreet, Grammar: polite, Confidence: 0.95, Transcript: req.Utterance}, nil
	case strings.HasPrefix(req.Utterance, "buy "):
		parts := strings.Fields(req.Utterance)
		qty, item := len(parts[1]), parts[2]
		return bazaar.Intent{
			Kind:       bazaar.KindBuyItem,
			Entities:   bazaar.Entities{Item: item, Quantity: &qty},
			Grammar:    polite,
			Confidence: 0.9,
			Transcript: req.Utterance,
		}, nil
	default:
		return bazaar.Intent{Kind: bazaar.KindGreet, Grammar: polite, Confidence: 0.95, Transcript: req.Utterance}, nil
	}
}

type recordingSink struct {
	mu   sync.Mutex
	envs []codec.Envelope
}

func (r *recordingSink) send(env codec.Envelope) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.envs = append(r.envs, env)
}

func (r *recordingSink) types() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.envs))
	for _, env := range r.envs {
		out = append(out, env.Type)
	}
	return out
}

type fakeSpeaker struct{ err error }

func (f fakeSpeaker) Synthesize(_ context.Context, text string, _ bazaar.Mood) (oracle.Audio, error) {
	if f.err != nil {
		return oracle.Audio{}, f.err
	}
	return oracle.Audio{Data: []byte(text), MIMEType: "audio/wav"}, nil
}

type fixture struct {
	interp  *scriptedInterpreter
	manager *objective.Manager
	store   store.Service
	ledger  ledger.Service
	sink    *recordingSink
	clock   *fakeClock
	deps    Deps
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		interp:  &scriptedInterpreter{},
		manager: objective.NewManager(nil, nil, 0),
		store:   store.NewMemoryService(),
		ledger:  ledger.NewMemoryService(0),
		sink:    &recordingSink{},
		clock:   &fakeClock{now: time.Unix(1700000000, 0).UTC()},
	}
	pipeline := turn.New(f.interp, verify.New(), bazaar.NewMutator(), f.manager, turn.Config{Now: f.clock.Now})
	f.deps = Deps{
		Pipeline: pipeline,
		History:  f.manager,
		Store:    f.store,
		Ledger:   f.ledger,
		Sink:     f.sink.send,
		Now:      f.clock.Now,
	}
	return f
}

func (f *fixture) world(t *testing.T) bazaar.World {
	t.Helper()
	w, err := catalog.Default().NewWorld(f.clock.Now())
	if err != nil {
		t.Fatalf("NewWorld err: %v", err)
	}
	obj := f.manager.Initial()
	w.Objective = &obj
	return w
}

func TestSubmitTurn_CommitsAndEmitsInOrder(t *testing.T) {
	f := newFixture(t)
	s := New(context.Background(), "s1", f.world(t), f.deps)
	defer s.Stop()

	res, err := s.SubmitTurn(context.Background(), "buy xxx apple")
	if err != nil {
		t.Fatalf("SubmitTurn err: %v", err)
	}
	if !res.Executed || res.World.Player.Gold != 85 {
		t.Fatalf("result executed=%v gold=%d", res.Executed, res.World.Player.Gold)
	}
	st := s.State()
	if st.World.Player.Gold != 85 || st.World.Player.Inventory["apple"] != 3 || st.Turns != 1 || st.ExecutedTurns != 1 {
		t.Fatalf("state=%+v", st)
	}

	types := f.sink.types()
	if types[0] != codec.TypeTranscript {
		t.Fatalf("first message=%s", types[0])
	}
	last := len(types) - 1
	if types[last] != codec.TypeWorldState || types[last-1] != codec.TypeTurnResult {
		t.Fatalf("tail=%v", types[last-1:])
	}
	for _, typ := range types[1 : last-1] {
		if typ != codec.TypeReasoning {
			t.Fatalf("reasoning entries must precede the result: %v", types)
		}
	}

	rec, err := f.store.Load(context.Background(), "s1")
	if err != nil || rec.World.Player.Gold != 85 || rec.Turns != 1 || len(rec.History) != 1 {
		t.Fatalf("stored=%+v err=%v", rec, err)
	}
	h := rec.History[0]
	if h.Kind != bazaar.KindBuyItem || h.Grammar.Politeness != bazaar.PolitenessPolite || len(h.Feedback) != len(res.Feedback) || h.Dialogue == "" {
		t.Fatalf("history entry=%+v", h)
	}
	entries, err := f.ledger.ListTurns(context.Background(), "s1", 0)
	if err != nil || len(entries) != 2 || entries[1].Digest != bazaar.Digest(st.World) {
		t.Fatalf("ledger=%+v err=%v", entries, err)
	}
}

func TestSubmitTurn_SerialWithinSession(t *testing.T) {
	f := newFixture(t)
	s := New(context.Background(), "s1", f.world(t), f.deps)
	defer s.Stop()

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := s.SubmitTurn(context.Background(), "buy x apple"); err != nil {
				t.Errorf("SubmitTurn err: %v", err)
			}
		}()
	}
	wg.Wait()

	st := s.State()
	if st.World.Player.Gold != 50 || st.World.Player.Inventory["apple"] != 10 || st.Turns != 10 {
		t.Fatalf("gold=%d apples=%d turns=%d", st.World.Player.Gold, st.World.Player.Inventory["apple"], st.Turns)
	}
	if got := f.interp.maxSeen.Load(); got != 1 {
		t.Fatalf("turns overlapped: max in flight=%d", got)
	}
}

func TestStop_CancelsInFlightTurnWithoutCommit(t *testing.T) {
	f := newFixture(t)
	f.interp.started = make(chan struct{})
	s := New(context.Background(), "s1", f.world(t), f.deps)
	before := bazaar.Digest(s.State().World)

	errCh := make(chan error, 1)
	go func() {
		_, err := s.SubmitTurn(context.Background(), "block")
		errCh <- err
	}()
	<-f.interp.started
	s.Stop()

	select {
	case err := <-errCh:
		if err == nil {
			t.Fatalf("expected an error from a cancelled turn")
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("SubmitTurn did not return after Stop")
	}
	if got := bazaar.Digest(s.State().World); got != before || s.State().Turns != 0 {
		t.Fatalf("cancelled turn left a trace")
	}
	if _, err := s.SubmitTurn(context.Background(), "hello"); !errors.Is(err, ErrSessionClosed) {
		t.Fatalf("err=%v, want ErrSessionClosed", err)
	}
}

func TestSubmitTurn_CallerCancellation(t *testing.T) {
	f := newFixture(t)
	f.interp.started = make(chan struct{})
	s := New(context.Background(), "s1", f.world(t), f.deps)
	defer s.Stop()

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() {
		_, err := s.SubmitTurn(ctx, "block")
		errCh <- err
	}()
	<-f.interp.started
	cancel()
	if err := <-errCh; !errors.Is(err, turn.ErrCancelled) {
		t.Fatalf("err=%v, want ErrCancelled", err)
	}
	if _, err := s.SubmitTurn(context.Background(), "hello"); err != nil {
		t.Fatalf("session should survive a cancelled turn: %v", err)
	}
}

type failingRunner struct{}

func (failingRunner) Run(context.Context, turn.Request) (turn.Result, error) {
	return turn.Result{}, turn.ErrInternal
}

func TestSubmitTurn_InternalFaultEmitsFatalError(t *testing.T) {
	f := newFixture(t)
	f.deps.Pipeline = failingRunner{}
	s := New(context.Background(), "s1", f.world(t), f.deps)
	defer s.Stop()

	if _, err := s.SubmitTurn(context.Background(), "hello"); !errors.Is(err, turn.ErrInternal) {
		t.Fatalf("err=%v", err)
	}
	f.sink.mu.Lock()
	last := f.sink.envs[len(f.sink.envs)-1]
	f.sink.mu.Unlock()
	payload, ok := last.Payload.(codec.ErrorPayload)
	if last.Type != codec.TypeError || !ok || payload.Recoverable {
		t.Fatalf("last message=%+v", last)
	}
	if s.State().Turns != 0 {
		t.Fatalf("failed turn was committed")
	}
}

func TestCloseIfIdle(t *testing.T) {
	f := newFixture(t)
	s := New(context.Background(), "s1", f.world(t), f.deps)

	if s.CloseIfIdle(time.Minute) {
		t.Fatalf("fresh session reported idle")
	}
	f.clock.Advance(2 * time.Minute)
	if !s.CloseIfIdle(time.Minute) {
		t.Fatalf("idle session not closed")
	}
	if !s.IsClosed() {
		t.Fatalf("session still open")
	}
	if !s.CloseIfIdle(time.Minute) {
		t.Fatalf("closed session should report closed")
	}
}

func TestCloseIfIdle_WaitsForTurnInFlight(t *testing.T) {
	f := newFixture(t)
	f.interp.started = make(chan struct{})
	f.interp.release = make(chan struct{})
	s := New(context.Background(), "s1", f.world(t), f.deps)
	defer s.Stop()

	turnErr := make(chan error, 1)
	go func() {
		_, err := s.SubmitTurn(context.Background(), "gate")
		turnErr <- err
	}()
	<-f.interp.started
	f.clock.Advance(2 * time.Minute)

	closed := make(chan bool, 1)
	go func() { closed <- s.CloseIfIdle(time.Minute) }()
	select {
	case <-closed:
		t.Fatalf("idle check ran while a turn was in flight")
	case <-time.After(50 * time.Millisecond):
	}

	close(f.interp.release)
	if err := <-turnErr; err != nil {
		t.Fatalf("SubmitTurn err: %v", err)
	}
	select {
	case got := <-closed:
		if got {
			t.Fatalf("session evicted right after a committed turn")
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("CloseIfIdle did not return")
	}
	if s.IsClosed() || s.State().Turns != 1 {
		t.Fatalf("closed=%v turns=%d", s.IsClosed(), s.State().Turns)
	}
}

// cancellingPlanner cancels the turn while the next objective is planned.
type cancellingPlanner struct{ cancel context.CancelFunc }

func (p cancellingPlanner) Plan(ctx context.Context, _ objective.PlanRequest) (bazaar.Objective, error) {
	p.cancel()
	<-ctx.Done()
	return bazaar.Objective{}, ctx.Err()
}

func TestSubmitTurn_CancelledWhilePlanningLeavesNoHistory(t *testing.T) {
	f := newFixture(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	f.manager = objective.NewManager(nil, cancellingPlanner{cancel: cancel}, time.Second)
	f.deps.Pipeline = turn.New(f.interp, verify.New(), bazaar.NewMutator(), f.manager, turn.Config{Now: f.clock.Now})
	f.deps.History = f.manager
	s := New(context.Background(), "s1", f.world(t), f.deps)
	defer s.Stop()

	if _, err := s.SubmitTurn(ctx, "hello"); !errors.Is(err, turn.ErrCancelled) {
		t.Fatalf("err=%v, want ErrCancelled", err)
	}
	if h := f.manager.History("s1", 0); len(h) != 0 {
		t.Fatalf("cancelled turn recorded history: %+v", h)
	}
	st := s.State()
	if st.Turns != 0 || st.World.Objective.ID != "mission_1_greeting" {
		t.Fatalf("cancelled turn committed: %+v", st)
	}
	if rec, err := f.store.Load(context.Background(), "s1"); err != nil || rec.Turns != 0 || len(rec.History) != 0 {
		t.Fatalf("cancelled turn persisted: %+v err=%v", rec, err)
	}
}

func TestRestore_ResumesStoredRecord(t *testing.T) {
	f := newFixture(t)
	s := New(context.Background(), "s1", f.world(t), f.deps)
	if _, err := s.SubmitTurn(context.Background(), "buy xx bread"); err != nil {
		t.Fatalf("SubmitTurn err: %v", err)
	}
	s.Stop()
	f.manager.Forget("s1")

	rec, err := f.store.Load(context.Background(), "s1")
	if err != nil {
		t.Fatalf("Load err: %v", err)
	}
	resumed := Restore(*rec, f.deps)
	defer resumed.Stop()

	st := resumed.State()
	if st.Turns != 1 || st.World.Player.Inventory["bread"] != 2 {
		t.Fatalf("resumed state=%+v", st)
	}
	if len(f.manager.History("s1", 0)) != 1 {
		t.Fatalf("history not restored")
	}
	if _, err := resumed.SubmitTurn(context.Background(), "hello"); err != nil {
		t.Fatalf("SubmitTurn after resume err: %v", err)
	}
	entries, _ := f.ledger.ListTurns(context.Background(), "s1", 0)
	if len(entries) != 3 || entries[2].Turn != 2 {
		t.Fatalf("ledger turns=%d", len(entries))
	}
}

func TestSpeak_SendsAudioAfterWorldState(t *testing.T) {
	f := newFixture(t)
	f.deps.Speaker = fakeSpeaker{}
	s := New(context.Background(), "s1", f.world(t), f.deps)
	defer s.Stop()

	if _, err := s.SubmitTurn(context.Background(), "hello"); err != nil {
		t.Fatalf("SubmitTurn err: %v", err)
	}
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		types := f.sink.types()
		if types[len(types)-1] == codec.TypeNPCAudio {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("no npc_audio message: %v", f.sink.types())
}

func TestSpeak_FailureIsSilent(t *testing.T) {
	f := newFixture(t)
	f.deps.Speaker = fakeSpeaker{err: errors.New("quota")}
	s := New(context.Background(), "s1", f.world(t), f.deps)
	defer s.Stop()

	if _, err := s.SubmitTurn(context.Background(), "hello"); err != nil {
		t.Fatalf("SubmitTurn err: %v", err)
	}
	time.Sleep(50 * time.Millisecond)
	for _, typ := range f.sink.types() {
		if typ == codec.TypeNPCAudio || typ == codec.TypeError {
			t.Fatalf("unexpected %s message", typ)
		}
	}
}
