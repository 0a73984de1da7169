package bazaar

// Clone returns a deep copy; the copy shares no maps or slices with w.
func (w World) Clone() World {
	out := w
	out.Player = w.Player.clone()
	if w.NPCs != nil {
		out.NPCs = make([]NPC, len(w.NPCs))
		for i := range w.NPCs {
			out.NPCs[i] = w.NPCs[i].clone()
		}
	}
	if w.Objective != nil {
		obj := *w.Objective
		out.Objective = &obj
	}
	if w.Completed != nil {
		out.Completed = append([]string(nil), w.Completed...)
	}
	return out
}

func (p Player) clone() Player {
	out := p
	out.Inventory = cloneInventory(p.Inventory)
	return out
}

func (n NPC) clone() NPC {
	out := n
	out.Inventory = cloneInventory(n.Inventory)
	if n.Transcript != nil {
		out.Transcript = append([]string(nil), n.Transcript...)
	}
	return out
}

func cloneInventory(in map[string]int) map[string]int {
	if in == nil {
		return nil
	}
	out := make(map[string]int, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

// HasCompleted reports whether the objective id is already retired.
func (w World) HasCompleted(id string) bool {
	for _, c := range w.Completed {
		if c == id {
			return true
		}
	}
	return false
}
