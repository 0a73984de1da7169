package catalog

import (
	_ "embed"
	"fmt"
	"os"
	"strings"
	"time"

	"bazaar-lite/bazaar"

	"gopkg.in/yaml.v3"
)

//go:embed default.yaml
var defaultYAML []byte

// Catalog describes the starting bazaar: the player's purse and the NPC
// roster in stall order.
type Catalog struct {
	TimeOfDay        string     `yaml:"time_of_day"`
	TurnsPerDayPhase int        `yaml:"turns_per_day_phase"`
	Player           PlayerSpec `yaml:"player"`
	NPCs             []NPCSpec  `yaml:"npcs"`
}

type PlayerSpec struct {
	Gold       int            `yaml:"gold"`
	Reputation float64        `yaml:"reputation"`
	Position   []float64      `yaml:"position"`
	Inventory  map[string]int `yaml:"inventory"`
}

type NPCSpec struct {
	ID        string         `yaml:"id"`
	Name      string         `yaml:"name"`
	Role      string         `yaml:"role"`
	Position  []float64      `yaml:"position"`
	Mood      string         `yaml:"mood"`
	Patience  float64        `yaml:"patience"`
	Inventory map[string]int `yaml:"inventory"`
}

// Default returns the embedded catalog.
func Default() Catalog {
	c, err := Parse(defaultYAML)
	if err != nil {
		panic(fmt.Sprintf("embedded catalog: %v", err))
	}
	return c
}

// Load reads a catalog file. An empty path yields the embedded default.
func Load(path string) (Catalog, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return Default(), nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return Catalog{}, fmt.Errorf("read catalog: %w", err)
	}
	c, err := Parse(raw)
	if err != nil {
		return Catalog{}, fmt.Errorf("%s: %w", path, err)
	}
	return c, nil
}

// Parse decodes and validates catalog YAML.
func Parse(raw []byte) (Catalog, error) {
	var c Catalog
	if err := yaml.Unmarshal(raw, &c); err != nil {
		return Catalog{}, fmt.Errorf("parse catalog yaml: %w", err)
	}
	if c.TimeOfDay == "" {
		c.TimeOfDay = bazaar.TimesOfDay[0]
	}
	if c.TurnsPerDayPhase <= 0 {
		c.TurnsPerDayPhase = 10
	}
	if err := c.validate(); err != nil {
		return Catalog{}, err
	}
	return c, nil
}

func (c Catalog) validate() error {
	seen := make(map[string]bool, len(c.NPCs))
	for i, n := range c.NPCs {
		if strings.TrimSpace(n.ID) == "" {
			return fmt.Errorf("npc %d: missing id", i)
		}
		if seen[n.ID] {
			return fmt.Errorf("npc %s: duplicate id", n.ID)
		}
		seen[n.ID] = true
		if n.Mood != "" && !bazaar.Mood(n.Mood).Valid() {
			return fmt.Errorf("npc %s: unknown mood %q", n.ID, n.Mood)
		}
	}
	return nil
}

// NewWorld builds a fresh World from the catalog, stamped with now.
func (c Catalog) NewWorld(now time.Time) (bazaar.World, error) {
	w := bazaar.World{
		Timestamp: now,
		Player: bazaar.Player{
			Position:   vec(c.Player.Position),
			Inventory:  inventory(c.Player.Inventory),
			Gold:       c.Player.Gold,
			Reputation: c.Player.Reputation,
		},
		NPCs:      make([]bazaar.NPC, 0, len(c.NPCs)),
		Completed: []string{},
		TimeOfDay: c.TimeOfDay,
	}
	for _, n := range c.NPCs {
		w.NPCs = append(w.NPCs, bazaar.NPC{
			ID:        n.ID,
			Name:      n.Name,
			Role:      bazaar.Role(strings.ToLower(n.Role)),
			Position:  vec(n.Position),
			Mood:      bazaar.ParseMood(n.Mood),
			Inventory: inventory(n.Inventory),
			Patience:  n.Patience,
		})
	}
	if err := w.Validate(); err != nil {
		return bazaar.World{}, fmt.Errorf("catalog world: %w", err)
	}
	return w, nil
}

func vec(raw []float64) bazaar.Vec3 {
	var v bazaar.Vec3
	copy(v[:], raw)
	return v
}

// inventory drops non-positive counts so the world starts valid.
func inventory(raw map[string]int) map[string]int {
	out := make(map[string]int, len(raw))
	for item, n := range raw {
		if n > 0 {
			out[strings.ToLower(item)] = n
		}
	}
	return out
}
