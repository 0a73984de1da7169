package oracle

import (
	"context"
	"fmt"
	"strings"

	"bazaar-lite/bazaar"
	"bazaar-lite/bazaar/objective"

	"github.com/google/generative-ai-go/genai"
)

const plannerPrompt = `You are the planner for a medieval bazaar language learning game.

You generate missions that teach English grammar through gameplay and adapt
difficulty to the player's history.

Mission types:
1. TRANSACTION: quantity + politeness ("I would like to buy 3 apples, please")
2. NEGOTIATION: conditionals ("If you lower the price, I will buy two")
3. CAUSAL REASONING: because/since ("I need this because...")

Output JSON:
{"mission":{"id":"unique_id","title":"Mission Title","description":"What the player must do",
 "grammar_requirement":"specific grammar to use","success_condition":"how to complete"},
 "reasoning":"why this mission was chosen"}

Never reuse the id of a completed mission. If the player struggles with
politeness, require polite forms; once transactions are mastered, move on
to negotiation.`

type wireMission struct {
	ID                 string `json:"id"`
	Title              string `json:"title"`
	Description        string `json:"description"`
	GrammarRequirement string `json:"grammar_requirement"`
	SuccessCondition   string `json:"success_condition"`
}

type wirePlan struct {
	wireMission
	Mission *wireMission `json:"mission"`
}

// Planner generates the next objective. The objective manager applies its
// own timeout and falls back to canned objectives on any error.
type Planner struct {
	model generator
}

func NewPlanner(c *Client) *Planner {
	if c == nil {
		return &Planner{}
	}
	return &Planner{model: c.model(plannerPrompt, 0.7)}
}

func (p *Planner) Plan(ctx context.Context, req objective.PlanRequest) (bazaar.Objective, error) {
	if p == nil || p.model == nil {
		return bazaar.Objective{}, ErrUnavailable
	}
	resp, err := p.model.GenerateContent(ctx, genai.Text(planPrompt(req)))
	if err != nil {
		return bazaar.Objective{}, fmt.Errorf("plan: %w", err)
	}
	text, err := responseText(resp)
	if err != nil {
		return bazaar.Objective{}, fmt.Errorf("plan: %w", err)
	}
	return parseObjective(text)
}

func planPrompt(req objective.PlanRequest) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Player session: %s\n", req.SessionID)
	fmt.Fprintf(&b, "Completed missions: [%s]\n", strings.Join(req.Completed, ", "))
	b.WriteString("Recent action history:\n")
	for _, r := range req.History {
		fmt.Fprintf(&b, "- Action: %s, Transcript: %q, Confidence: %.2f, Progress: %.2f\n", r.Kind, r.Transcript, r.Confidence, r.Progress)
		fmt.Fprintf(&b, "  Grammar: tense %s, politeness %s, constructs [%s]\n", r.Grammar.Tense, r.Grammar.Politeness, strings.Join(r.Grammar.Constructs, ", "))
		if len(r.Feedback) > 0 {
			fmt.Fprintf(&b, "  Feedback: %s\n", strings.Join(r.Feedback, "; "))
		}
	}
	if req.LastIntent != nil {
		fmt.Fprintf(&b, "Last intent: %s (politeness %s)\n", req.LastIntent.Kind, req.LastIntent.Grammar.Politeness)
	}
	fmt.Fprintf(&b, "\nCurrent world: %s, player gold: %d\n\n", req.TimeOfDay, req.Gold)
	b.WriteString("Generate the next appropriate mission. Output JSON only.")
	return b.String()
}

func parseObjective(text string) (bazaar.Objective, error) {
	var plan wirePlan
	if err := decodeChecked(objectiveSchema, stripFences(text), &plan); err != nil {
		return bazaar.Objective{}, fmt.Errorf("%w: %v", objective.ErrMalformedObjective, err)
	}
	m := plan.wireMission
	if plan.Mission != nil {
		m = *plan.Mission
	}
	obj := bazaar.Objective{
		ID:                  strings.TrimSpace(m.ID),
		Title:               strings.TrimSpace(m.Title),
		Description:         m.Description,
		GrammarRequirement:  m.GrammarRequirement,
		CompletionCondition: m.SuccessCondition,
	}
	if obj.Description == "" {
		obj.Description = "Complete the objective"
	}
	if obj.GrammarRequirement == "" {
		obj.GrammarRequirement = "any"
	}
	if obj.CompletionCondition == "" {
		obj.CompletionCondition = "complete action"
	}
	return obj, nil
}
