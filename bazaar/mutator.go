package bazaar

import "fmt"

// Handler applies one action kind to a private copy of the world. target is
// the resolved NPC index, or -1 when the world has no NPCs. Handlers report
// everything they change through d.
type Handler interface {
	Apply(in Intent, w *World, target int, d *Diff)
}

// HandlerFunc adapts a plain function to Handler.
type HandlerFunc func(in Intent, w *World, target int, d *Diff)

func (f HandlerFunc) Apply(in Intent, w *World, target int, d *Diff) { f(in, w, target, d) }

// Mutator is the deterministic world-mutation engine. It never reads the
// clock and never draws random numbers.
type Mutator struct {
	handlers map[Kind]Handler
	fallback Handler
}

// NewMutator returns a Mutator wired with one handler per action kind.
func NewMutator() *Mutator {
	return &Mutator{
		handlers: map[Kind]Handler{
			KindGreet:     HandlerFunc(applyGreet),
			KindBuyItem:   HandlerFunc(applyBuy),
			KindNegotiate: HandlerFunc(applyNegotiate),
			KindAskInfo:   HandlerFunc(applyAskInfo),
			KindGiveItem:  HandlerFunc(applyGive),
			KindMove:      HandlerFunc(applyMove),
			KindInteract:  HandlerFunc(applyInteract),
		},
		fallback: HandlerFunc(applyUnknown),
	}
}

// Handler returns the handler registered for kind, or the confusion handler.
func (m *Mutator) Handler(kind Kind) Handler {
	if h, ok := m.handlers[kind]; ok {
		return h
	}
	return m.fallback
}

// Apply returns the world that results from in, plus a diff of what changed.
// The input world is never modified.
func (m *Mutator) Apply(in Intent, w World) (World, Diff) {
	next := w.Clone()
	d := Diff{Kind: in.Kind}
	m.Handler(in.Kind).Apply(in, &next, next.TargetNPC(in.Entities.Target), &d)
	return next, d
}

// converse records an exchange on the NPC's transcript.
func converse(npc *NPC, utterance, reply string) {
	if utterance != "" {
		npc.Transcript = append(npc.Transcript, "Player: "+utterance)
	}
	if reply != "" {
		npc.Transcript = append(npc.Transcript, fmt.Sprintf("%s: %s", npc.Name, reply))
	}
}

func addItem(inv map[string]int, item string, n int) {
	if n <= 0 {
		return
	}
	inv[item] += n
}

// removeItem takes up to n units and deletes the key when it reaches zero.
// It returns the number actually removed.
func removeItem(inv map[string]int, item string, n int) int {
	held := inv[item]
	if held <= 0 || n <= 0 {
		return 0
	}
	if n > held {
		n = held
	}
	if held-n == 0 {
		delete(inv, item)
	} else {
		inv[item] = held - n
	}
	return n
}

func adjustReputation(w *World, d *Diff, delta float64) {
	before := w.Player.Reputation
	w.Player.Reputation = clampUnit(before + delta)
	if change := w.Player.Reputation - before; change != 0 {
		d.player().ReputationDelta = clampDelta(change)
	}
}

func clampDelta(v float64) float64 {
	if v < 0 {
		return -clampUnit(-v)
	}
	return clampUnit(v)
}

func setPatience(npc *NPC, d *Diff, v float64) {
	npc.Patience = clampUnit(v)
	p := npc.Patience
	d.npc(npc.ID, func(c *NPCChange) { c.Patience = &p })
}

func setMood(npc *NPC, d *Diff, m Mood) {
	npc.Mood = m
	d.npc(npc.ID, func(c *NPCChange) { c.Mood = m })
}
