// Package verify scores an interpreted intent against the active objective
// and decides whether the turn should retry, execute, or end.
package verify

import (
	"math"
	"strings"

	"bazaar-lite/bazaar"
)

const (
	MaxRetries          = 3
	ConfidenceThreshold = 0.7
	MasteredProgress    = 0.8
	OnTrackProgress     = 0.5
)

const (
	msgRepeat       = "I didn't quite catch that. Could you please repeat?"
	msgBestEffort   = "Let me try my best to understand what you meant..."
	msgUnknown      = "I'm not sure what you want to do. Try saying 'I want to buy...' or 'Hello!'"
	hintPolite      = "Tip: Try adding 'please' or 'I would like' to be more polite."
	hintConditional = "Tip: Try using 'If...then' or 'I would... if' for conditional sentences."
	hintCausal      = "Tip: Explain why using 'because' or 'since'."
	hintQuantity    = "Tip: Don't forget to mention how many you want!"
	msgMastered     = "Excellent work! You've mastered this challenge."
	msgOnTrack      = "Good attempt! You're on the right track."
	msgOffended     = "The merchant looks offended. Try being more polite!"
	hintExcuseMe    = "Tip: Add 'please' or start with 'Excuse me...'"

	// FeedbackKeyBeMorePolite is set by the interpreter when it already coached
	// the player on politeness.
	FeedbackKeyBeMorePolite = "be_more_polite"
)

var (
	politeMarkers      = []string{bazaar.ConstructPlease, bazaar.ConstructWouldLike, bazaar.ConstructCouldI, bazaar.ConstructMayI, bazaar.ConstructThankYou}
	conditionalMarkers = []string{bazaar.ConstructConditionalIf, bazaar.ConstructWould, bazaar.ConstructCould, bazaar.ConstructMight}
	causalMarkers      = []string{bazaar.ConstructBecause, bazaar.ConstructSince, bazaar.ConstructTherefore}
)

// intentKeywords maps completion-condition keywords to the kind that satisfies them.
var intentKeywords = []struct {
	keyword string
	kind    bazaar.Kind
}{
	{"buy", bazaar.KindBuyItem},
	{"negotiate", bazaar.KindNegotiate},
	{"greet", bazaar.KindGreet},
	{"ask", bazaar.KindAskInfo},
}

// Result is the scorer's judgement of one intent.
type Result struct {
	Valid         bool     `json:"is_valid"`
	ShouldExecute bool     `json:"should_execute"`
	ShouldRetry   bool     `json:"should_retry"`
	Feedback      []string `json:"feedback"`
	GrammarScore  float64  `json:"grammar_score"`
	Progress      float64  `json:"objective_progress"`
}

// Scorer holds the retry budget and confidence gate. The zero value is not
// usable; call New.
type Scorer struct {
	maxRetries int
	threshold  float64
}

func New() *Scorer {
	return &Scorer{maxRetries: MaxRetries, threshold: ConfidenceThreshold}
}

// MaxRetries is the retry budget this scorer enforces.
func (s *Scorer) MaxRetries() int { return s.maxRetries }

// Verify is pure: identical arguments always give identical results.
func (s *Scorer) Verify(in bazaar.Intent, obj *bazaar.Objective, _ bazaar.World, retryCount int) Result {
	res := Result{Valid: true, ShouldExecute: true, Feedback: []string{}}
	budgetLeft := retryCount < s.maxRetries

	if in.Confidence < s.threshold {
		res.Valid = false
		if budgetLeft {
			res.ShouldRetry = true
			res.ShouldExecute = false
			res.Feedback = append(res.Feedback, msgRepeat)
		} else {
			res.Feedback = append(res.Feedback, msgBestEffort)
		}
	}

	if in.Kind == bazaar.KindUnknown {
		res.Valid = false
		res.Feedback = append(res.Feedback, msgUnknown)
		if budgetLeft {
			res.ShouldRetry = true
			res.ShouldExecute = false
		}
	}

	if obj != nil {
		score, hints := GrammarScore(in, obj.GrammarRequirement)
		res.GrammarScore = score
		res.Feedback = append(res.Feedback, hints...)

		res.Progress = Progress(in, obj.CompletionCondition, score)
		switch {
		case res.Progress >= MasteredProgress:
			res.Feedback = append(res.Feedback, msgMastered)
		case res.Progress >= OnTrackProgress:
			res.Feedback = append(res.Feedback, msgOnTrack)
		}
	}

	if in.Grammar.Politeness == bazaar.PolitenessRude {
		res.Feedback = append(res.Feedback, msgOffended)
		if !in.HasFeedbackKey(FeedbackKeyBeMorePolite) {
			res.Feedback = append(res.Feedback, hintExcuseMe)
		}
	}
	return res
}

// GrammarScore rates how well the intent's constructs meet a free-text
// requirement, returning a hint for every unmet part.
func GrammarScore(in bazaar.Intent, requirement string) (float64, []string) {
	req := strings.ToLower(requirement)
	score := 0.5
	var hints []string

	if strings.Contains(req, "polite") || strings.Contains(req, "please") {
		if in.Grammar.HasAny(politeMarkers...) {
			score += 0.3
		} else {
			hints = append(hints, hintPolite)
		}
	}
	if strings.Contains(req, "conditional") || strings.Contains(req, "if") {
		if in.Grammar.HasAny(conditionalMarkers...) {
			score += 0.3
		} else {
			hints = append(hints, hintConditional)
		}
	}
	if strings.Contains(req, "because") || strings.Contains(req, "causal") {
		if in.Grammar.HasAny(causalMarkers...) {
			score += 0.3
		} else {
			hints = append(hints, hintCausal)
		}
	}
	if strings.Contains(req, "quantity") {
		if in.Entities.Quantity != nil {
			score += 0.2
		} else {
			hints = append(hints, hintQuantity)
		}
	}
	return clamp(score), hints
}

// Progress combines the grammar score with intent and confidence bonuses.
func Progress(in bazaar.Intent, condition string, grammarScore float64) float64 {
	cond := strings.ToLower(condition)
	progress := grammarScore * 0.5
	if in.Kind != bazaar.KindUnknown {
		for _, kw := range intentKeywords {
			if strings.Contains(cond, kw.keyword) && in.Kind == kw.kind {
				progress += 0.25
				break
			}
		}
	}
	switch {
	case in.Confidence >= 0.9:
		progress += 0.15
	case in.Confidence >= 0.8:
		progress += 0.10
	}
	return clamp(progress)
}

// clamp rounds to four decimals so threshold comparisons are stable, then
// clamps into [0,1].
func clamp(v float64) float64 {
	v = math.Round(v*1e4) / 1e4
	return math.Max(0, math.Min(1, v))
}
