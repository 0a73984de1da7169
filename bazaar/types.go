package bazaar

import (
	"strings"
	"time"
)

// Kind is the action an utterance asks for.
type Kind string

const (
	KindGreet     Kind = "greet"
	KindBuyItem   Kind = "buy_item"
	KindNegotiate Kind = "negotiate"
	KindAskInfo   Kind = "ask_info"
	KindGiveItem  Kind = "give_item"
	KindMove      Kind = "move"
	KindInteract  Kind = "interact"
	KindUnknown   Kind = "unknown"
)

var kindDictionary = map[string]Kind{
	"greet":     KindGreet,
	"buy_item":  KindBuyItem,
	"negotiate": KindNegotiate,
	"ask_info":  KindAskInfo,
	"give_item": KindGiveItem,
	"move":      KindMove,
	"interact":  KindInteract,
	"unknown":   KindUnknown,
}

// ParseKind maps a raw label onto a Kind. Hyphenated and mixed-case labels are
// accepted; anything unrecognized becomes KindUnknown.
func ParseKind(raw string) Kind {
	key := normalizeToken(raw)
	if k, ok := kindDictionary[key]; ok {
		return k
	}
	return KindUnknown
}

type Tense string

const (
	TensePresent     Tense = "present"
	TensePast        Tense = "past"
	TenseConditional Tense = "conditional"
	TenseFuture      Tense = "future"
)

type Politeness string

const (
	PolitenessNeutral Politeness = "neutral"
	PolitenessPolite  Politeness = "polite"
	PolitenessRude    Politeness = "rude"
)

// ParsePoliteness defaults to neutral for anything unrecognized.
func ParsePoliteness(raw string) Politeness {
	switch Politeness(normalizeToken(raw)) {
	case PolitenessPolite:
		return PolitenessPolite
	case PolitenessRude:
		return PolitenessRude
	default:
		return PolitenessNeutral
	}
}

// ParseTense defaults to present for anything unrecognized.
func ParseTense(raw string) Tense {
	switch t := Tense(normalizeToken(raw)); t {
	case TensePast, TenseConditional, TenseFuture:
		return t
	default:
		return TensePresent
	}
}

// Mood is totally ordered: friendly < neutral < annoyed < angry.
type Mood string

const (
	MoodFriendly Mood = "friendly"
	MoodNeutral  Mood = "neutral"
	MoodAnnoyed  Mood = "annoyed"
	MoodAngry    Mood = "angry"
)

var moodRank = map[Mood]int{
	MoodFriendly: 0,
	MoodNeutral:  1,
	MoodAnnoyed:  2,
	MoodAngry:    3,
}

func (m Mood) Valid() bool {
	_, ok := moodRank[m]
	return ok
}

// Rank orders moods from friendliest (0) to angriest (3). Invalid moods rank -1.
func (m Mood) Rank() int {
	r, ok := moodRank[m]
	if !ok {
		return -1
	}
	return r
}

// Worsen degrades the mood one step. Annoyed and angry are left as they are.
func (m Mood) Worsen() Mood {
	switch m {
	case MoodFriendly:
		return MoodNeutral
	case MoodNeutral:
		return MoodAnnoyed
	default:
		return m
	}
}

func ParseMood(raw string) Mood {
	m := Mood(normalizeToken(raw))
	if m.Valid() {
		return m
	}
	return MoodNeutral
}

// Grammatical construct tokens reported by the interpretation service.
const (
	ConstructPlease        = "please"
	ConstructWouldLike     = "would_like"
	ConstructCouldI        = "could_i"
	ConstructMayI          = "may_i"
	ConstructThankYou      = "thank_you"
	ConstructConditionalIf = "conditional_if"
	ConstructWould         = "would"
	ConstructCould         = "could"
	ConstructMight         = "might"
	ConstructBecause       = "because_reason"
	ConstructSince         = "since"
	ConstructTherefore     = "therefore"
)

type Entities struct {
	Item     string `json:"item,omitempty"`
	Quantity *int   `json:"quantity,omitempty"`
	Target   string `json:"target,omitempty"`
}

type Grammar struct {
	Tense      Tense      `json:"tense"`
	Politeness Politeness `json:"politeness"`
	Constructs []string   `json:"constructs,omitempty"`
}

// Has reports whether the construct was detected. Matching ignores case and
// treats '-' and ' ' as '_'.
func (g Grammar) Has(construct string) bool {
	want := normalizeToken(construct)
	for _, c := range g.Constructs {
		if normalizeToken(c) == want {
			return true
		}
	}
	return false
}

// HasAny reports whether at least one of the constructs was detected.
func (g Grammar) HasAny(constructs ...string) bool {
	for _, c := range constructs {
		if g.Has(c) {
			return true
		}
	}
	return false
}

// Intent is the structured reading of one utterance. It is treated as a value:
// a retry produces a new Intent rather than editing the old one.
type Intent struct {
	Kind         Kind     `json:"kind"`
	Entities     Entities `json:"entities"`
	Grammar      Grammar  `json:"grammar"`
	Confidence   float64  `json:"confidence"`
	Transcript   string   `json:"transcript"`
	FeedbackKeys []string `json:"feedback_keys,omitempty"`
}

// Quantity returns the requested quantity, defaulting to 1 for a missing or
// non-positive value.
func (i Intent) Quantity() int {
	if i.Entities.Quantity == nil || *i.Entities.Quantity <= 0 {
		return 1
	}
	return *i.Entities.Quantity
}

func (i Intent) HasFeedbackKey(key string) bool {
	for _, k := range i.FeedbackKeys {
		if k == key {
			return true
		}
	}
	return false
}

// Vec3 is a position in world space (x, y, z).
type Vec3 [3]float64

type Player struct {
	Position   Vec3           `json:"position"`
	Inventory  map[string]int `json:"inventory"`
	Gold       int            `json:"gold"`
	Reputation float64        `json:"reputation"`
}

type Role string

const (
	RoleMerchant Role = "merchant"
	RoleGuard    Role = "guard"
	RoleVillager Role = "villager"
)

type NPC struct {
	ID        string         `json:"id"`
	Name      string         `json:"name"`
	Role      Role           `json:"role"`
	Position  Vec3           `json:"position"`
	Mood      Mood           `json:"mood"`
	Inventory map[string]int `json:"inventory"`
	Patience  float64        `json:"patience"`
	// Discount is set by a successful negotiation and consumed by the next sale.
	Discount   bool     `json:"discount,omitempty"`
	Transcript []string `json:"transcript,omitempty"`
}

type Objective struct {
	ID                  string `json:"id"`
	Title               string `json:"title"`
	Description         string `json:"description"`
	GrammarRequirement  string `json:"grammar_requirement"`
	CompletionCondition string `json:"completion_condition"`
	Completed           bool   `json:"completed"`
	Attempts            int    `json:"attempts"`
}

// World is the authoritative snapshot of a session. Stages never edit a World
// another goroutine can see; they work on a Clone and hand back the result.
type World struct {
	Timestamp time.Time  `json:"timestamp"`
	Player    Player     `json:"player"`
	NPCs      []NPC      `json:"npcs"`
	Objective *Objective `json:"objective,omitempty"`
	Completed []string   `json:"completed_objectives"`
	TimeOfDay string     `json:"time_of_day"`
}

// FindNPC returns the index of the NPC whose id matches, or -1.
func (w World) FindNPC(id string) int {
	id = strings.TrimSpace(id)
	if id == "" {
		return -1
	}
	for i := range w.NPCs {
		if w.NPCs[i].ID == id {
			return i
		}
	}
	return -1
}

// TargetNPC resolves the NPC an intent is aimed at: the named id if it exists,
// otherwise the first NPC in world order. Returns -1 when there are no NPCs.
func (w World) TargetNPC(target string) int {
	if idx := w.FindNPC(target); idx >= 0 {
		return idx
	}
	if len(w.NPCs) == 0 {
		return -1
	}
	return 0
}

func normalizeToken(raw string) string {
	s := strings.ToLower(strings.TrimSpace(raw))
	s = strings.ReplaceAll(s, "-", "_")
	return strings.ReplaceAll(s, " ", "_")
}
