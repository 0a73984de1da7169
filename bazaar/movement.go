package bazaar

import (
	"fmt"
	"strings"
)

func applyMove(in Intent, w *World, _ int, d *Diff) {
	target := strings.TrimSpace(in.Entities.Target)
	if target == "" {
		d.Dialogue = lineWhereTo
		return
	}
	pos := w.Player.Position
	if idx := findNPCByRef(*w, target); idx >= 0 {
		dest := w.NPCs[idx].Position
		for i := range pos {
			pos[i] = (pos[i] + dest[i]) / 2
		}
		target = w.NPCs[idx].Name
	} else {
		pos[2] += moveStepZ
	}
	w.Player.Position = pos
	d.player().Position = &pos
	d.Event = fmt.Sprintf("Moving toward %s", target)
}

func applyInteract(_ Intent, w *World, target int, d *Diff) {
	if target < 0 {
		d.Event = lineLookAround
		return
	}
	npc := w.NPCs[target]
	d.Speaker = npc.ID
	d.Dialogue = strings.ReplaceAll(lineLooksAtYou, "{name}", npc.Name)
}

func applyUnknown(_ Intent, _ *World, _ int, d *Diff) {
	d.Dialogue = lineConfused
}

// findNPCByRef matches an NPC by id or by name, ignoring case.
func findNPCByRef(w World, ref string) int {
	if idx := w.FindNPC(ref); idx >= 0 {
		return idx
	}
	for i := range w.NPCs {
		if strings.EqualFold(w.NPCs[i].Name, ref) {
			return i
		}
	}
	return -1
}
