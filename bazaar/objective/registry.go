package objective

import (
	_ "embed"
	"encoding/json"
	"fmt"
	"os"
	"sync"

	"bazaar-lite/bazaar"
)

//go:embed objectives.json
var defaultObjectives []byte

// Registry holds the canned objectives used when the planner cannot help,
// in the order they are offered.
type Registry struct {
	mu     sync.RWMutex
	canned []bazaar.Objective
}

// NewRegistry returns a registry loaded with the built-in objective ladder.
func NewRegistry() *Registry {
	r := &Registry{}
	if err := r.LoadFromJSON(defaultObjectives); err != nil {
		panic(fmt.Sprintf("embedded objectives: %v", err))
	}
	return r
}

// LoadFromFile replaces the ladder with objectives read from a JSON file.
func (r *Registry) LoadFromFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read objectives file: %w", err)
	}
	return r.LoadFromJSON(data)
}

// LoadFromJSON replaces the ladder. Entries without an id are skipped.
func (r *Registry) LoadFromJSON(data []byte) error {
	var list []bazaar.Objective
	if err := json.Unmarshal(data, &list); err != nil {
		return fmt.Errorf("parse objectives JSON: %w", err)
	}
	canned := make([]bazaar.Objective, 0, len(list))
	for _, o := range list {
		if o.ID == "" {
			continue
		}
		o.Completed = false
		canned = append(canned, o)
	}
	if len(canned) == 0 {
		return fmt.Errorf("objectives JSON has no usable entries")
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.canned = canned
	return nil
}

// First returns the opening objective.
func (r *Registry) First() bazaar.Objective {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.canned[0]
}

// Count returns the number of canned objectives.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.canned)
}

// Fallback returns the first canned objective not in completed, or a free
// exploration objective numbered by how many objectives are done.
func (r *Registry) Fallback(completed []string) bazaar.Objective {
	done := make(map[string]bool, len(completed))
	for _, id := range completed {
		done[id] = true
	}

	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, o := range r.canned {
		if !done[o.ID] {
			return o
		}
	}
	return FreeExploration(len(completed))
}

// FreeExploration is the open-ended objective offered once the ladder is done.
func FreeExploration(n int) bazaar.Objective {
	return bazaar.Objective{
		ID:                  fmt.Sprintf("challenge_%d", n),
		Title:               "Free Exploration",
		Description:         "Explore the bazaar and interact with different merchants.",
		GrammarRequirement:  "any",
		CompletionCondition: "successful interaction",
	}
}
