package bazaar

// PlayerChange lists the player fields a turn touched.
type PlayerChange struct {
	GoldDelta       int            `json:"gold_delta,omitempty"`
	InventoryAdded  map[string]int `json:"inventory_added,omitempty"`
	InventoryRemove map[string]int `json:"inventory_removed,omitempty"`
	Position        *Vec3          `json:"position,omitempty"`
	ReputationDelta float64        `json:"reputation_delta,omitempty"`
}

func (c PlayerChange) empty() bool {
	return c.GoldDelta == 0 && len(c.InventoryAdded) == 0 && len(c.InventoryRemove) == 0 &&
		c.Position == nil && c.ReputationDelta == 0
}

// NPCChange lists the NPC fields a turn touched.
type NPCChange struct {
	Mood           Mood           `json:"mood,omitempty"`
	Patience       *float64       `json:"patience,omitempty"`
	InventoryAdded map[string]int `json:"inventory_added,omitempty"`
	Discount       *bool          `json:"discount,omitempty"`
}

// ObjectiveChange is filled in after the mutator runs, once progress is known.
type ObjectiveChange struct {
	ID        string  `json:"id"`
	Progress  float64 `json:"progress"`
	Completed bool    `json:"completed"`
	NextID    string  `json:"next_id,omitempty"`
}

// Diff describes what a single mutation changed. It is returned to the caller
// and never stored.
type Diff struct {
	Kind      Kind                 `json:"kind"`
	Player    *PlayerChange        `json:"player,omitempty"`
	NPCs      map[string]NPCChange `json:"npcs,omitempty"`
	Objective *ObjectiveChange     `json:"objective,omitempty"`
	Speaker   string               `json:"speaker,omitempty"`
	Dialogue  string               `json:"dialogue,omitempty"`
	Event     string               `json:"event,omitempty"`
}

// Mutated reports whether the diff changed any world state.
func (d Diff) Mutated() bool {
	return (d.Player != nil && !d.Player.empty()) || len(d.NPCs) > 0
}

func (d *Diff) player() *PlayerChange {
	if d.Player == nil {
		d.Player = &PlayerChange{}
	}
	return d.Player
}

func (d *Diff) npc(id string, edit func(c *NPCChange)) {
	if d.NPCs == nil {
		d.NPCs = make(map[string]NPCChange)
	}
	c := d.NPCs[id]
	edit(&c)
	d.NPCs[id] = c
}
