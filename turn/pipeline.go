// Package turn runs one player utterance through interpretation,
// verification, mutation and objective update.
package turn

import (
	"context"
	"errors"
	"fmt"
	"log"
	"math"
	"strings"
	"time"

	"bazaar-lite/bazaar"
	"bazaar-lite/bazaar/objective"
	"bazaar-lite/bazaar/verify"
)

// Stage names a state of the turn state machine.
type Stage string

const (
	StageInterpreting      Stage = "interpreting"
	StageVerifying         Stage = "verifying"
	StageRetrying          Stage = "retrying"
	StageExecuting         Stage = "executing"
	StageUpdatingObjective Stage = "updating_objective"
	StageEnding            Stage = "ending"
)

// ContextWindow is how many earlier utterances the interpreter sees.
const ContextWindow = 5

// FeedbackKeyInterpretationError tags intents synthesized after the
// interpretation service failed.
const FeedbackKeyInterpretationError = "interpretation_error"

var (
	ErrInternal  = errors.New("internal pipeline fault")
	ErrCancelled = errors.New("turn cancelled")
)

// InterpretRequest is what the interpretation service receives.
type InterpretRequest struct {
	SessionID string
	Utterance string
	Recent    []string
	Attempt   int
}

type Interpreter interface {
	Interpret(ctx context.Context, req InterpretRequest) (bazaar.Intent, error)
}

type Scorer interface {
	Verify(in bazaar.Intent, obj *bazaar.Objective, w bazaar.World, retryCount int) verify.Result
}

type Mutator interface {
	Apply(in bazaar.Intent, w bazaar.World) (bazaar.World, bazaar.Diff)
}

type Objectives interface {
	Advance(ctx context.Context, sessionID string, w bazaar.World, current objective.Record, last bazaar.Intent) (bazaar.World, objective.Outcome)
}

// ClarifyFunc may supply a corrected utterance before a retry. Returning
// false keeps the original utterance.
type ClarifyFunc func(ctx context.Context, attempt int, feedback []string) (string, bool)

// TraceEntry is one observable step of a turn.
type TraceEntry struct {
	Stage   Stage          `json:"stage"`
	Agent   string         `json:"agent"`
	Attempt int            `json:"attempt"`
	Details map[string]any `json:"details"`
}

// Request carries the session state a turn starts from.
type Request struct {
	SessionID     string
	Utterance     string
	Recent        []string
	World         bazaar.World
	ExecutedTurns int
	Clarify       ClarifyFunc
}

// Result is everything a caller needs to commit and report a turn.
type Result struct {
	World          bazaar.World      `json:"world"`
	Diff           *bazaar.Diff      `json:"diff,omitempty"`
	Intent         bazaar.Intent     `json:"intent"`
	Verdict        verify.Result     `json:"verdict"`
	Feedback       []string          `json:"feedback"`
	Trace          []TraceEntry      `json:"trace"`
	Executed       bool              `json:"executed"`
	Retries        int               `json:"retries"`
	InterpretCalls int               `json:"interpret_calls"`
	Objective      objective.Outcome `json:"-"`
	// History is the entry to remember for planning once the turn is
	// committed. It is zero when nothing was executed.
	History objective.Record `json:"-"`
}

// Config tunes a Pipeline. Zero values select defaults.
type Config struct {
	MaxRetries       int
	InterpretTimeout time.Duration
	TurnsPerDayPhase int
	Now              func() time.Time
}

// Pipeline owns the injected stage services. It holds no per-turn state and
// is safe for concurrent use across sessions.
type Pipeline struct {
	interpreter Interpreter
	scorer      Scorer
	mutator     Mutator
	objectives  Objectives

	maxRetries       int
	interpretTimeout time.Duration
	turnsPerPhase    int
	now              func() time.Time
}

func New(interpreter Interpreter, scorer Scorer, mutator Mutator, objectives Objectives, cfg Config) *Pipeline {
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = verify.MaxRetries
	}
	if cfg.InterpretTimeout <= 0 {
		cfg.InterpretTimeout = 10 * time.Second
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Pipeline{
		interpreter:      interpreter,
		scorer:           scorer,
		mutator:          mutator,
		objectives:       objectives,
		maxRetries:       cfg.MaxRetries,
		interpretTimeout: cfg.InterpretTimeout,
		turnsPerPhase:    cfg.TurnsPerDayPhase,
		now:              cfg.Now,
	}
}

// turnContext is passed by value from stage to stage. A stage returns a new
// context; it never edits the one it was given.
type turnContext struct {
	req       Request
	utterance string
	retries   int
	calls     int
	world     bazaar.World
	intent    bazaar.Intent
	verdict   verify.Result
	diff      *bazaar.Diff
	outcome   objective.Outcome
	history   objective.Record
	trace     []TraceEntry
}

func (tc turnContext) withTrace(stage Stage, agent string, details map[string]any) turnContext {
	trace := make([]TraceEntry, len(tc.trace), len(tc.trace)+1)
	copy(trace, tc.trace)
	tc.trace = append(trace, TraceEntry{Stage: stage, Agent: agent, Attempt: tc.retries, Details: details})
	return tc
}

// Run executes one turn. The returned World is only meaningful when err is
// nil; callers commit it as a whole or not at all.
func (p *Pipeline) Run(ctx context.Context, req Request) (res Result, err error) {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("[Pipeline %s] Recovered from panic: %v", req.SessionID, r)
			res = Result{}
			err = fmt.Errorf("%w: %v", ErrInternal, r)
		}
	}()

	tc := turnContext{req: req, utterance: req.Utterance, world: req.World}
	for {
		tc = p.interpret(ctx, tc)
		tc = p.verify(tc)
		if p.route(tc) != StageRetrying {
			break
		}
		tc = p.retry(ctx, tc)
	}
	if err := ctx.Err(); err != nil {
		return Result{}, fmt.Errorf("%w: %v", ErrCancelled, err)
	}

	if p.route(tc) == StageEnding {
		tc = tc.withTrace(StageEnding, "pipeline", map[string]any{
			"reason": "intent rejected without retry budget",
		})
		return p.result(tc, false), nil
	}

	tc = p.execute(tc)
	tc = p.updateObjective(ctx, tc)
	if err := ctx.Err(); err != nil {
		return Result{}, fmt.Errorf("%w: %v", ErrCancelled, err)
	}
	return p.result(tc, true), nil
}

// route is the deterministic transition out of Verifying.
func (p *Pipeline) route(tc turnContext) Stage {
	switch {
	case tc.verdict.ShouldRetry && tc.retries < p.maxRetries:
		return StageRetrying
	case tc.verdict.ShouldRetry:
		// Budget spent: execute the best reading we have.
		return StageExecuting
	case !tc.verdict.ShouldExecute:
		return StageEnding
	default:
		return StageExecuting
	}
}

func (p *Pipeline) interpret(ctx context.Context, tc turnContext) turnContext {
	callCtx, cancel := context.WithTimeout(ctx, p.interpretTimeout)
	defer cancel()

	tc.calls++
	intent, err := p.interpreter.Interpret(callCtx, InterpretRequest{
		SessionID: tc.req.SessionID,
		Utterance: tc.utterance,
		Recent:    lastN(tc.req.Recent, ContextWindow),
		Attempt:   tc.retries,
	})
	details := map[string]any{"utterance": tc.utterance}
	if err != nil {
		log.Printf("[Pipeline %s] Interpretation failed (attempt %d): %v", tc.req.SessionID, tc.retries, err)
		intent = degradedIntent(tc.utterance)
		details["error"] = err.Error()
	} else {
		intent = sanitizeIntent(intent, tc.utterance)
	}
	details["intent"] = string(intent.Kind)
	details["confidence"] = intent.Confidence
	if intent.Entities.Item != "" {
		details["item"] = intent.Entities.Item
	}
	if intent.Entities.Quantity != nil {
		details["quantity"] = *intent.Entities.Quantity
	}
	details["politeness"] = string(intent.Grammar.Politeness)

	tc.intent = intent
	return tc.withTrace(StageInterpreting, "interpreter", details)
}

func (p *Pipeline) verify(tc turnContext) turnContext {
	tc.verdict = p.scorer.Verify(tc.intent, tc.world.Objective, tc.world, tc.retries)
	return tc.withTrace(StageVerifying, "verifier", map[string]any{
		"is_valid":       tc.verdict.Valid,
		"should_execute": tc.verdict.ShouldExecute,
		"should_retry":   tc.verdict.ShouldRetry,
		"grammar_score":  tc.verdict.GrammarScore,
		"progress":       tc.verdict.Progress,
		"feedback":       tc.verdict.Feedback,
	})
}

func (p *Pipeline) retry(ctx context.Context, tc turnContext) turnContext {
	tc.retries++
	details := map[string]any{"retry_count": tc.retries, "max_retries": p.maxRetries}
	if tc.req.Clarify != nil {
		if corrected, ok := tc.req.Clarify(ctx, tc.retries, tc.verdict.Feedback); ok && strings.TrimSpace(corrected) != "" {
			tc.utterance = strings.TrimSpace(corrected)
			details["corrected_utterance"] = tc.utterance
		}
	}
	return tc.withTrace(StageRetrying, "pipeline", details)
}

func (p *Pipeline) execute(tc turnContext) turnContext {
	world, diff := p.mutator.Apply(tc.intent, tc.world)
	world.Timestamp = p.now()
	if p.turnsPerPhase > 0 && (tc.req.ExecutedTurns+1)%p.turnsPerPhase == 0 {
		world.TimeOfDay = bazaar.NextTimeOfDay(world.TimeOfDay)
	}
	tc.world = world
	tc.diff = &diff

	details := map[string]any{"mutated": diff.Mutated()}
	if diff.Speaker != "" {
		details["speaker"] = diff.Speaker
	}
	if diff.Dialogue != "" {
		details["dialogue"] = diff.Dialogue
	}
	if diff.Event != "" {
		details["event"] = diff.Event
	}
	if tc.verdict.ShouldRetry {
		details["best_effort"] = true
	}
	return tc.withTrace(StageExecuting, "executor", details)
}

func (p *Pipeline) updateObjective(ctx context.Context, tc turnContext) turnContext {
	tc.history = objective.Record{
		Kind:       tc.intent.Kind,
		Transcript: tc.intent.Transcript,
		Confidence: tc.intent.Confidence,
		Progress:   tc.verdict.Progress,
		Feedback:   append([]string(nil), tc.verdict.Feedback...),
		Grammar:    tc.intent.Grammar,
		Dialogue:   tc.diff.Dialogue,
		At:         tc.world.Timestamp,
	}

	world, outcome := p.objectives.Advance(ctx, tc.req.SessionID, tc.world, tc.history, tc.intent)
	tc.world = world
	tc.outcome = outcome

	details := map[string]any{"progress": tc.verdict.Progress, "completed": outcome.Completed}
	if outcome.Change.ID != "" {
		change := outcome.Change
		diff := *tc.diff
		diff.Objective = &change
		tc.diff = &diff
		details["objective"] = change.ID
	}
	if outcome.Next != nil {
		details["next_objective"] = outcome.Next.ID
		details["source"] = outcome.Source
	}
	return tc.withTrace(StageUpdatingObjective, "planner", details)
}

func (p *Pipeline) result(tc turnContext, executed bool) Result {
	return Result{
		World:          tc.world,
		Diff:           tc.diff,
		Intent:         tc.intent,
		Verdict:        tc.verdict,
		Feedback:       tc.verdict.Feedback,
		Trace:          tc.trace,
		Executed:       executed,
		Retries:        tc.retries,
		InterpretCalls: tc.calls,
		Objective:      tc.outcome,
		History:        tc.history,
	}
}

func degradedIntent(utterance string) bazaar.Intent {
	return bazaar.Intent{
		Kind:         bazaar.KindUnknown,
		Grammar:      bazaar.Grammar{Tense: bazaar.TensePresent, Politeness: bazaar.PolitenessNeutral},
		Confidence:   0,
		Transcript:   utterance,
		FeedbackKeys: []string{FeedbackKeyInterpretationError},
	}
}

// sanitizeIntent forces service output back into the model's value ranges.
func sanitizeIntent(in bazaar.Intent, utterance string) bazaar.Intent {
	in.Kind = bazaar.ParseKind(string(in.Kind))
	in.Grammar.Politeness = bazaar.ParsePoliteness(string(in.Grammar.Politeness))
	in.Grammar.Tense = bazaar.ParseTense(string(in.Grammar.Tense))
	if math.IsNaN(in.Confidence) {
		in.Confidence = 0
	}
	in.Confidence = math.Max(0, math.Min(1, in.Confidence))
	if strings.TrimSpace(in.Transcript) == "" {
		in.Transcript = utterance
	}
	if in.Entities.Quantity != nil && *in.Entities.Quantity <= 0 {
		in.Entities.Quantity = nil
	}
	return in
}

func lastN(list []string, n int) []string {
	if len(list) > n {
		list = list[len(list)-n:]
	}
	return append([]string(nil), list...)
}
