package oracle

import (
	"context"
	"fmt"
	"log"
	"strings"

	"bazaar-lite/bazaar"
	"bazaar-lite/turn"

	"github.com/google/generative-ai-go/genai"
)

const (
	FeedbackJSONParseError = "json_parse_error"
	FeedbackRetryNeeded    = "retry_needed"

	defaultConfidence = 0.5
)

const interpreterPrompt = `You are a real-time speech interpreter for a medieval bazaar language learning game.

Convert the player's English into one JSON object. Analyze:
1. INTENT: buy_item, negotiate, ask_info, give_item, move, interact, greet, or unknown
2. ENTITIES: item, quantity, NPC target
3. GRAMMAR: tense, politeness, constructs used
4. CONFIDENCE: how certain you are, 0.0 to 1.0

Rules:
- Output only JSON, no prose or markdown
- If the speech is unclear, set confidence below 0.7 and add feedback_keys
- Politeness markers: "please", "would you", "could I", "thank you"
- Conditionals: "if", "would", "could", "might"
- Causal: "because", "since", "therefore"

Schema:
{"intent":"buy_item|negotiate|ask_info|give_item|move|interact|greet|unknown",
 "entities":{"item":"string or null","quantity":"integer or null","target":"npc_id or null"},
 "grammar_features":{"tense":"present|past|conditional|future","politeness":"neutral|polite|rude",
   "required_constructs_present":["conditional_if","because_reason","please","would_like"]},
 "confidence":0.0,
 "canonical_transcript":"the exact words spoken",
 "feedback_keys":["missing_conditional","wrong_tense","unclear_intent","be_more_polite"]}

Examples:
"I would like to buy three apples please" ->
{"intent":"buy_item","entities":{"item":"apple","quantity":3,"target":null},"grammar_features":{"tense":"conditional","politeness":"polite","required_constructs_present":["would_like","please"]},"confidence":0.95,"canonical_transcript":"I would like to buy three apples please","feedback_keys":[]}
"Give me bread" ->
{"intent":"buy_item","entities":{"item":"bread","quantity":1,"target":null},"grammar_features":{"tense":"present","politeness":"rude","required_constructs_present":[]},"confidence":0.85,"canonical_transcript":"Give me bread","feedback_keys":["be_more_polite"]}`

type wireIntent struct {
	Intent   string `json:"intent"`
	Entities *struct {
		Item     *string `json:"item"`
		Quantity *int    `json:"quantity"`
		Target   *string `json:"target"`
	} `json:"entities"`
	Grammar *struct {
		Tense      *string  `json:"tense"`
		Politeness *string  `json:"politeness"`
		Constructs []string `json:"required_constructs_present"`
	} `json:"grammar_features"`
	Confidence   *float64 `json:"confidence"`
	Transcript   *string  `json:"canonical_transcript"`
	FeedbackKeys []string `json:"feedback_keys"`
}

// Interpreter turns an utterance into an Intent. Malformed model output is
// not an error: it becomes an unknown intent with zero confidence.
type Interpreter struct {
	model generator
}

// NewInterpreter returns an interpreter backed by c. A nil client gives an
// interpreter whose every call fails with ErrUnavailable.
func NewInterpreter(c *Client) *Interpreter {
	if c == nil {
		return &Interpreter{}
	}
	return &Interpreter{model: c.model(interpreterPrompt, 0.1)}
}

func (i *Interpreter) Interpret(ctx context.Context, req turn.InterpretRequest) (bazaar.Intent, error) {
	if i == nil || i.model == nil {
		return bazaar.Intent{}, ErrUnavailable
	}
	resp, err := i.model.GenerateContent(ctx, genai.Text(interpretPrompt(req)))
	if err != nil {
		return bazaar.Intent{}, fmt.Errorf("interpret: %w", err)
	}
	text, err := responseText(resp)
	if err != nil {
		log.Printf("[Oracle %s] Interpreter returned nothing usable: %v", req.SessionID, err)
		return malformedIntent(req.Utterance), nil
	}
	return parseIntent(req.SessionID, text, req.Utterance), nil
}

func interpretPrompt(req turn.InterpretRequest) string {
	var b strings.Builder
	if len(req.Recent) > 0 {
		b.WriteString("Recent things the player said, oldest first:\n")
		for _, line := range req.Recent {
			b.WriteString("- ")
			b.WriteString(line)
			b.WriteByte('\n')
		}
		b.WriteByte('\n')
	}
	if req.Attempt > 0 {
		fmt.Fprintf(&b, "This is attempt %d at the same turn; the previous reading was unclear.\n\n", req.Attempt+1)
	}
	b.WriteString("Interpret this speech and output JSON only: ")
	b.WriteString(req.Utterance)
	return b.String()
}

func parseIntent(sessionID, text, utterance string) bazaar.Intent {
	var w wireIntent
	if err := decodeChecked(intentSchema, stripFences(text), &w); err != nil {
		log.Printf("[Oracle %s] Malformed interpreter output: %v", sessionID, err)
		return malformedIntent(utterance)
	}

	in := bazaar.Intent{
		Kind:         bazaar.ParseKind(w.Intent),
		Confidence:   defaultConfidence,
		Transcript:   utterance,
		FeedbackKeys: w.FeedbackKeys,
	}
	if w.Confidence != nil {
		in.Confidence = *w.Confidence
	}
	if w.Transcript != nil && strings.TrimSpace(*w.Transcript) != "" {
		in.Transcript = strings.TrimSpace(*w.Transcript)
	}
	if e := w.Entities; e != nil {
		if e.Item != nil {
			in.Entities.Item = *e.Item
		}
		if e.Target != nil {
			in.Entities.Target = *e.Target
		}
		in.Entities.Quantity = e.Quantity
	}
	if g := w.Grammar; g != nil {
		if g.Tense != nil {
			in.Grammar.Tense = bazaar.ParseTense(*g.Tense)
		}
		if g.Politeness != nil {
			in.Grammar.Politeness = bazaar.ParsePoliteness(*g.Politeness)
		}
		in.Grammar.Constructs = g.Constructs
	}
	return in
}

func malformedIntent(utterance string) bazaar.Intent {
	return bazaar.Intent{
		Kind:         bazaar.KindUnknown,
		Confidence:   0,
		Transcript:   utterance,
		FeedbackKeys: []string{FeedbackJSONParseError, FeedbackRetryNeeded},
	}
}
