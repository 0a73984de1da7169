package bazaar

import "fmt"

// Validate checks the model invariants: non-negative gold and inventory
// counts, enumerated moods, and unit-interval patience and reputation.
func (w World) Validate() error {
	if w.Player.Gold < 0 {
		return errInvariant(fmt.Sprintf("player gold %d < 0", w.Player.Gold))
	}
	if err := validateInventory("player", w.Player.Inventory); err != nil {
		return err
	}
	if !inUnit(w.Player.Reputation) {
		return errInvariant(fmt.Sprintf("player reputation %v outside [0,1]", w.Player.Reputation))
	}
	seen := make(map[string]bool, len(w.NPCs))
	for _, n := range w.NPCs {
		if seen[n.ID] {
			return errInvariant(fmt.Sprintf("duplicate npc id %q", n.ID))
		}
		seen[n.ID] = true
		if !n.Mood.Valid() {
			return errInvariant(fmt.Sprintf("npc %s mood %q", n.ID, n.Mood))
		}
		if !inUnit(n.Patience) {
			return errInvariant(fmt.Sprintf("npc %s patience %v outside [0,1]", n.ID, n.Patience))
		}
		if err := validateInventory("npc "+n.ID, n.Inventory); err != nil {
			return err
		}
	}
	return nil
}

func validateInventory(owner string, inv map[string]int) error {
	for item, n := range inv {
		if n <= 0 {
			return errInvariant(fmt.Sprintf("%s inventory %s=%d", owner, item, n))
		}
	}
	return nil
}

func inUnit(v float64) bool {
	return v >= 0 && v <= 1
}
