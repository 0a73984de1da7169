package bazaar

import (
	"fmt"
	"math"
)

func applyBuy(in Intent, w *World, target int, d *Diff) {
	if target < 0 {
		d.Dialogue = lineNoMerchant
		return
	}
	npc := &w.NPCs[target]
	d.Speaker = npc.ID

	item := normalizeToken(in.Entities.Item)
	if item == "" {
		d.Dialogue = lineWhatToBuy
		return
	}
	unit, ok := UnitPrice(item)
	if !ok {
		d.Dialogue = lineItemNotFound
		return
	}
	qty := in.Quantity()
	price := unit * qty
	discounted := npc.Discount
	if discounted {
		price -= price / discountDenominator
	}
	if w.Player.Gold < price {
		d.Dialogue = lineInsufficientGold
		return
	}

	w.Player.Gold -= price
	if w.Player.Inventory == nil {
		w.Player.Inventory = make(map[string]int)
	}
	addItem(w.Player.Inventory, item, qty)
	pc := d.player()
	pc.GoldDelta = -price
	pc.InventoryAdded = map[string]int{item: qty}

	// The reply reflects the mood the merchant was in when asked.
	polite := in.Grammar.Politeness == PolitenessPolite
	d.Dialogue = BuyLine(in.Grammar.Politeness, npc.Mood, price)
	if polite {
		adjustReputation(w, d, reputationStep)
		setMood(npc, d, npc.Mood)
	} else {
		adjustReputation(w, d, -reputationStep)
		setMood(npc, d, npc.Mood.Worsen())
		setPatience(npc, d, npc.Patience-rudePatienceLoss)
	}
	if discounted {
		npc.Discount = false
		off := false
		d.npc(npc.ID, func(c *NPCChange) { c.Discount = &off })
		d.Event = fmt.Sprintf("Purchased %d %s for %d gold (discount applied)", qty, item, price)
	} else {
		d.Event = fmt.Sprintf("Purchased %d %s for %d gold", qty, item, price)
	}
	converse(npc, in.Transcript, d.Dialogue)
}

// NegotiationScore is the deterministic strength of a haggling attempt.
func NegotiationScore(in Intent, mood Mood) float64 {
	score := 0.3
	if in.Grammar.Has(ConstructConditionalIf) {
		score += 0.3
	}
	if in.Grammar.Politeness == PolitenessPolite {
		score += 0.2
	}
	switch mood {
	case MoodFriendly:
		score += 0.2
	case MoodAnnoyed:
		score -= 0.3
	case MoodAngry:
		score -= 0.5
	}
	return math.Round(score*100) / 100
}

// NegotiationSucceeds reports whether score clears the NPC's resistance
// threshold of 1 - patience.
func NegotiationSucceeds(score, patience float64) bool {
	threshold := math.Round((1-patience)*100) / 100
	return score > threshold
}

func applyNegotiate(in Intent, w *World, target int, d *Diff) {
	if target < 0 {
		d.Dialogue = "There's no one to negotiate with."
		return
	}
	npc := &w.NPCs[target]
	d.Speaker = npc.ID

	if NegotiationSucceeds(NegotiationScore(in, npc.Mood), npc.Patience) {
		npc.Discount = true
		on := true
		d.npc(npc.ID, func(c *NPCChange) { c.Discount = &on })
		d.Dialogue = moodLine(lineNegotiateSuccess, npc.Mood, "discounted")
		d.Event = "Negotiation successful! 20% discount applied to next purchase."
	} else {
		setPatience(npc, d, npc.Patience-haggleFailPatience)
		d.Dialogue = moodLine(lineNegotiateFail, npc.Mood, "discounted")
		d.Event = "Negotiation failed."
	}
	converse(npc, in.Transcript, d.Dialogue)
}
