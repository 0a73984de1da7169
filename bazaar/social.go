package bazaar

import (
	"fmt"
	"strings"
)

func applyGreet(in Intent, w *World, target int, d *Diff) {
	if target < 0 {
		d.Dialogue = lineNoOneToGreet
		return
	}
	npc := &w.NPCs[target]
	d.Speaker = npc.ID
	if in.Grammar.Politeness == PolitenessPolite {
		setMood(npc, d, MoodFriendly)
		setPatience(npc, d, npc.Patience+greetPatienceGain)
	}
	d.Dialogue = GreetLine(npc.Mood)
	converse(npc, in.Transcript, d.Dialogue)
}

func applyAskInfo(_ Intent, w *World, target int, d *Diff) {
	if target < 0 {
		d.Dialogue = lineNoOneToAsk
		return
	}
	npc := w.NPCs[target]
	d.Speaker = npc.ID
	if npc.Role != RoleMerchant {
		d.Dialogue = linePassingThrough
		return
	}
	d.Dialogue = strings.ReplaceAll(lineMerchantInfo, "{items}", strings.Join(PricedItems(), ", "))
}

func applyGive(in Intent, w *World, target int, d *Diff) {
	if target < 0 {
		d.Dialogue = lineNoOneToGive
		return
	}
	npc := &w.NPCs[target]
	d.Speaker = npc.ID

	item := normalizeToken(in.Entities.Item)
	if item == "" || w.Player.Inventory[item] <= 0 {
		d.Dialogue = lineMissingItem
		return
	}
	moved := removeItem(w.Player.Inventory, item, in.Quantity())
	if npc.Inventory == nil {
		npc.Inventory = make(map[string]int)
	}
	addItem(npc.Inventory, item, moved)

	d.player().InventoryRemove = map[string]int{item: moved}
	d.npc(npc.ID, func(c *NPCChange) { c.InventoryAdded = map[string]int{item: moved} })
	setMood(npc, d, MoodFriendly)
	setPatience(npc, d, npc.Patience+giftPatienceGain)
	adjustReputation(w, d, reputationStep)

	d.Dialogue = lineGiftThanks
	d.Event = fmt.Sprintf("Gave %d %s to %s", moved, item, npc.Name)
	converse(npc, in.Transcript, d.Dialogue)
}
