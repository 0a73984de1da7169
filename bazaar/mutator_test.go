package bazaar

import (
	"encoding/json"
	"reflect"
	"testing"
)

func newTestWorld(t *testing.T) World {
	t.Helper()
	return World{
		Player: Player{
			Inventory:  map[string]int{},
			Gold:       StartingGold,
			Reputation: StartingReputation,
		},
		NPCs: []NPC{
			{
				ID:        "merchant_apple",
				Name:      "Gregor the Apple Merchant",
				Role:      RoleMerchant,
				Position:  Vec3{5, 0, 0},
				Mood:      MoodFriendly,
				Inventory: map[string]int{"apple": 50, "pear": 30},
				Patience:  1.0,
			},
			{
				ID:        "merchant_meat",
				Name:      "Boris the Butcher",
				Role:      RoleMerchant,
				Position:  Vec3{0, 0, -5},
				Mood:      MoodNeutral,
				Inventory: map[string]int{"meat": 25},
				Patience:  0.6,
			},
			{
				ID:       "guard_1",
				Name:     "Sir Roland",
				Role:     RoleGuard,
				Position: Vec3{10, 0, 10},
				Mood:     MoodNeutral,
				Patience: 0.5,
			},
		},
		TimeOfDay: "morning",
	}
}

func intQty(n int) *int { return &n }

func buyIntent(item string, qty int, p Politeness) Intent {
	return Intent{
		Kind:       KindBuyItem,
		Entities:   Entities{Item: item, Quantity: intQty(qty)},
		Grammar:    Grammar{Tense: TensePresent, Politeness: p},
		Confidence: 0.95,
		Transcript: "I would like to buy some " + item + ", please",
	}
}

func mustValid(t *testing.T, w World) {
	t.Helper()
	if err := w.Validate(); err != nil {
		t.Fatalf("world invalid: %v", err)
	}
}

func TestBuy_PoliteFromFriendlyMerchant(t *testing.T) {
	m := NewMutator()
	w := newTestWorld(t)

	next, diff := m.Apply(buyIntent("apple", 3, PolitenessPolite), w)

	if next.Player.Gold != 85 {
		t.Fatalf("gold=%d, want 85", next.Player.Gold)
	}
	if got := next.Player.Inventory; !reflect.DeepEqual(got, map[string]int{"apple": 3}) {
		t.Fatalf("inventory=%v, want apple:3", got)
	}
	if want := BuyLine(PolitenessPolite, MoodFriendly, 15); diff.Dialogue != want {
		t.Fatalf("dialogue=%q, want %q", diff.Dialogue, want)
	}
	if diff.Player == nil || diff.Player.GoldDelta != -15 || diff.Player.InventoryAdded["apple"] != 3 {
		t.Fatalf("unexpected player diff: %+v", diff.Player)
	}
	if diff.Event != "Purchased 3 apple for 15 gold" {
		t.Fatalf("event=%q", diff.Event)
	}
	if next.NPCs[0].Mood != MoodFriendly {
		t.Fatalf("polite purchase changed mood to %s", next.NPCs[0].Mood)
	}
	if w.Player.Gold != 100 || len(w.Player.Inventory) != 0 {
		t.Fatalf("input world was modified: %+v", w.Player)
	}
	mustValid(t, next)
}

func TestBuy_ExactCostThenInsufficientGold(t *testing.T) {
	m := NewMutator()
	w := newTestWorld(t)

	afterSword, _ := m.Apply(buyIntent("sword", 1, PolitenessPolite), w)
	if afterSword.Player.Gold != 0 {
		t.Fatalf("gold=%d, want 0", afterSword.Player.Gold)
	}

	again, diff := m.Apply(buyIntent("apple", 1, PolitenessPolite), afterSword)
	if diff.Dialogue != lineInsufficientGold {
		t.Fatalf("dialogue=%q, want insufficient gold", diff.Dialogue)
	}
	if diff.Mutated() {
		t.Fatalf("insufficient gold produced a mutating diff: %+v", diff)
	}
	if again.Player.Gold != 0 || !reflect.DeepEqual(again.Player.Inventory, afterSword.Player.Inventory) {
		t.Fatalf("insufficient-gold buy mutated player: %+v", again.Player)
	}
	mustValid(t, again)
}

func TestBuy_UnknownItemIsNoOp(t *testing.T) {
	m := NewMutator()
	w := newTestWorld(t)

	next, diff := m.Apply(buyIntent("dragon", 1, PolitenessPolite), w)
	if diff.Dialogue != lineItemNotFound {
		t.Fatalf("dialogue=%q", diff.Dialogue)
	}
	if !reflect.DeepEqual(next, w) {
		t.Fatalf("unknown item mutated the world")
	}
}

func TestBuy_NilPlayerInventory(t *testing.T) {
	m := NewMutator()
	w := World{
		Player: Player{Gold: 100},
		NPCs:   []NPC{{ID: "merchant_apple", Name: "Gregor", Role: RoleMerchant, Mood: MoodFriendly, Patience: 1.0}},
	}
	mustValid(t, w)

	next, diff := m.Apply(buyIntent("apple", 3, PolitenessPolite), w)
	if next.Player.Gold != 85 || next.Player.Inventory["apple"] != 3 {
		t.Fatalf("player=%+v", next.Player)
	}
	if diff.Player == nil || diff.Player.GoldDelta != -15 {
		t.Fatalf("diff=%+v", diff)
	}
	if w.Player.Inventory != nil {
		t.Fatalf("input world modified")
	}
	mustValid(t, next)
}

func TestBuy_ImpoliteDegradesMoodAndPatience(t *testing.T) {
	m := NewMutator()
	w := newTestWorld(t)

	next, diff := m.Apply(buyIntent("apple", 1, PolitenessRude), w)
	npc := next.NPCs[0]
	if npc.Mood != MoodNeutral {
		t.Fatalf("mood=%s, want neutral", npc.Mood)
	}
	if npc.Patience != 0.8 {
		t.Fatalf("patience=%v, want 0.8", npc.Patience)
	}
	if diff.Dialogue != BuyLine(PolitenessRude, MoodFriendly, 5) {
		t.Fatalf("dialogue=%q", diff.Dialogue)
	}
	if next.Player.Reputation != 0.45 {
		t.Fatalf("reputation=%v, want 0.45", next.Player.Reputation)
	}

	// annoyed stays annoyed
	w.NPCs[0].Mood = MoodAnnoyed
	next, _ = m.Apply(buyIntent("apple", 1, PolitenessRude), w)
	if next.NPCs[0].Mood != MoodAnnoyed {
		t.Fatalf("mood=%s, want annoyed", next.NPCs[0].Mood)
	}
}

func TestBuy_ConservesGoldAndInventory(t *testing.T) {
	m := NewMutator()
	for _, item := range PricedItems() {
		for qty := 1; qty <= 4; qty++ {
			w := newTestWorld(t)
			w.Player.Gold = 1000
			w.Player.Inventory[item] = 2
			next, _ := m.Apply(buyIntent(item, qty, PolitenessPolite), w)
			unit, _ := UnitPrice(item)
			if spent := w.Player.Gold - next.Player.Gold; spent != unit*qty {
				t.Fatalf("%s x%d: spent %d, want %d", item, qty, spent, unit*qty)
			}
			if gained := next.Player.Inventory[item] - w.Player.Inventory[item]; gained != qty {
				t.Fatalf("%s x%d: gained %d", item, qty, gained)
			}
		}
	}
}

func TestNegotiate_AngryNPCFails(t *testing.T) {
	m := NewMutator()
	w := newTestWorld(t)
	w.NPCs[0].Mood = MoodAngry
	w.NPCs[0].Patience = 0.9

	in := Intent{Kind: KindNegotiate, Grammar: Grammar{Politeness: PolitenessNeutral}, Confidence: 0.9}
	if score := NegotiationScore(in, MoodAngry); score != -0.2 {
		t.Fatalf("score=%v, want -0.2", score)
	}
	next, diff := m.Apply(in, w)
	if next.NPCs[0].Patience != 0.8 {
		t.Fatalf("patience=%v, want 0.8", next.NPCs[0].Patience)
	}
	if next.NPCs[0].Discount {
		t.Fatalf("failed negotiation set a discount")
	}
	if diff.Event != "Negotiation failed." {
		t.Fatalf("event=%q", diff.Event)
	}
	mustValid(t, next)
}

func TestNegotiate_SuccessDiscountsNextSale(t *testing.T) {
	m := NewMutator()
	w := newTestWorld(t)

	in := Intent{
		Kind:    KindNegotiate,
		Grammar: Grammar{Politeness: PolitenessPolite, Constructs: []string{"conditional-if"}},
	}
	// 0.3 + 0.3 + 0.2 + 0.2 = 1.0 > 1 - 1.0
	next, diff := m.Apply(in, w)
	if !next.NPCs[0].Discount {
		t.Fatalf("expected discount flag after success, diff=%+v", diff)
	}
	if diff.Dialogue != "You drive a hard bargain! Fine, discounted gold for you." {
		t.Fatalf("dialogue=%q", diff.Dialogue)
	}

	bought, buyDiff := m.Apply(buyIntent("cheese", 2, PolitenessPolite), next)
	if bought.Player.Gold != 100-24 {
		t.Fatalf("gold=%d, want 76", bought.Player.Gold)
	}
	if bought.NPCs[0].Discount {
		t.Fatalf("discount not consumed")
	}
	if buyDiff.NPCs["merchant_apple"].Discount == nil {
		t.Fatalf("diff does not record discount consumption")
	}
}

func TestNegotiate_LowPatienceResists(t *testing.T) {
	cases := []struct {
		name     string
		mood     Mood
		patience float64
		polite   bool
		cond     bool
		want     bool
	}{
		{"friendly full patience", MoodFriendly, 1.0, false, false, true},
		{"neutral half patience bare", MoodNeutral, 0.5, false, false, false},
		{"neutral half patience conditional", MoodNeutral, 0.5, false, true, true},
		{"annoyed high patience polite conditional", MoodAnnoyed, 0.9, true, true, true},
		{"neutral low patience everything", MoodNeutral, 0.1, true, true, false},
	}
	for _, tc := range cases {
		in := Intent{Kind: KindNegotiate, Grammar: Grammar{Politeness: PolitenessNeutral}}
		if tc.polite {
			in.Grammar.Politeness = PolitenessPolite
		}
		if tc.cond {
			in.Grammar.Constructs = []string{ConstructConditionalIf}
		}
		if got := NegotiationSucceeds(NegotiationScore(in, tc.mood), tc.patience); got != tc.want {
			t.Fatalf("%s: success=%v, want %v", tc.name, got, tc.want)
		}
	}
}

func TestGive_LastUnitDeletesKey(t *testing.T) {
	m := NewMutator()
	w := newTestWorld(t)
	w.Player.Inventory["bread"] = 1
	w.NPCs[1].Mood = MoodAnnoyed

	in := Intent{
		Kind:     KindGiveItem,
		Entities: Entities{Item: "bread", Quantity: intQty(1), Target: "merchant_meat"},
	}
	next, diff := m.Apply(in, w)
	if _, ok := next.Player.Inventory["bread"]; ok {
		t.Fatalf("bread key left in inventory: %v", next.Player.Inventory)
	}
	npc := next.NPCs[1]
	if npc.Inventory["bread"] != 1 {
		t.Fatalf("npc bread=%d, want 1", npc.Inventory["bread"])
	}
	if npc.Mood != MoodFriendly {
		t.Fatalf("mood=%s, want friendly", npc.Mood)
	}
	if npc.Patience != 0.9 {
		t.Fatalf("patience=%v, want 0.9", npc.Patience)
	}
	if diff.Speaker != "merchant_meat" {
		t.Fatalf("speaker=%q", diff.Speaker)
	}
	mustValid(t, next)
}

func TestGive_ClampsToHeldQuantity(t *testing.T) {
	m := NewMutator()
	w := newTestWorld(t)
	w.Player.Inventory["apple"] = 2

	in := Intent{Kind: KindGiveItem, Entities: Entities{Item: "apple", Quantity: intQty(5)}}
	next, _ := m.Apply(in, w)
	if _, ok := next.Player.Inventory["apple"]; ok {
		t.Fatalf("apple key left in inventory")
	}
	if next.NPCs[0].Inventory["apple"] != 52 {
		t.Fatalf("npc apple=%d, want 52", next.NPCs[0].Inventory["apple"])
	}
	if next.NPCs[0].Patience != 1.0 {
		t.Fatalf("patience=%v not clamped", next.NPCs[0].Patience)
	}
}

func TestGive_ItemNotHeld(t *testing.T) {
	m := NewMutator()
	w := newTestWorld(t)
	next, diff := m.Apply(Intent{Kind: KindGiveItem, Entities: Entities{Item: "bread"}}, w)
	if diff.Dialogue != lineMissingItem || diff.Mutated() {
		t.Fatalf("unexpected diff: %+v", diff)
	}
	if !reflect.DeepEqual(next, w) {
		t.Fatalf("world mutated")
	}
}

func TestGreet_PoliteWarmsNPC(t *testing.T) {
	m := NewMutator()
	w := newTestWorld(t)
	in := Intent{
		Kind:       KindGreet,
		Entities:   Entities{Target: "merchant_meat"},
		Grammar:    Grammar{Politeness: PolitenessPolite},
		Transcript: "Good morning, sir!",
	}
	next, diff := m.Apply(in, w)
	npc := next.NPCs[1]
	if npc.Mood != MoodFriendly || npc.Patience != 0.8 {
		t.Fatalf("npc=%+v", npc)
	}
	if diff.Dialogue != GreetLine(MoodFriendly) {
		t.Fatalf("dialogue=%q", diff.Dialogue)
	}
	want := []string{"Player: Good morning, sir!", "Boris the Butcher: " + diff.Dialogue}
	if !reflect.DeepEqual(npc.Transcript, want) {
		t.Fatalf("transcript=%v", npc.Transcript)
	}
}

func TestTargetResolution_DefaultsToFirstNPC(t *testing.T) {
	m := NewMutator()
	w := newTestWorld(t)
	_, diff := m.Apply(Intent{Kind: KindInteract, Entities: Entities{Target: "nobody"}}, w)
	if diff.Speaker != "merchant_apple" {
		t.Fatalf("speaker=%q, want merchant_apple", diff.Speaker)
	}
	if diff.Dialogue != "Gregor the Apple Merchant looks at you expectantly." {
		t.Fatalf("dialogue=%q", diff.Dialogue)
	}
}

func TestAskInfo_ByRole(t *testing.T) {
	m := NewMutator()
	w := newTestWorld(t)

	_, merchant := m.Apply(Intent{Kind: KindAskInfo}, w)
	want := "I sell the finest goods in the bazaar! We have apple, bread, cheese, meat, fish, potion, sword, shield. What interests you?"
	if merchant.Dialogue != want {
		t.Fatalf("dialogue=%q", merchant.Dialogue)
	}
	next, guard := m.Apply(Intent{Kind: KindAskInfo, Entities: Entities{Target: "guard_1"}}, w)
	if guard.Dialogue != linePassingThrough {
		t.Fatalf("dialogue=%q", guard.Dialogue)
	}
	if !reflect.DeepEqual(next, w) {
		t.Fatalf("ask_info mutated the world")
	}
}

func TestMove_TowardNPCAndPrompt(t *testing.T) {
	m := NewMutator()
	w := newTestWorld(t)

	next, diff := m.Apply(Intent{Kind: KindMove, Entities: Entities{Target: "sir roland"}}, w)
	if next.Player.Position != (Vec3{5, 0, 5}) {
		t.Fatalf("position=%v", next.Player.Position)
	}
	if diff.Event != "Moving toward Sir Roland" {
		t.Fatalf("event=%q", diff.Event)
	}

	next, _ = m.Apply(Intent{Kind: KindMove, Entities: Entities{Target: "fountain"}}, w)
	if next.Player.Position != (Vec3{0, 0, 5}) {
		t.Fatalf("position=%v", next.Player.Position)
	}

	same, prompt := m.Apply(Intent{Kind: KindMove}, w)
	if prompt.Dialogue != lineWhereTo || same.Player.Position != w.Player.Position {
		t.Fatalf("move without target: %+v", prompt)
	}
}

func TestUnknownKind_Confused(t *testing.T) {
	m := NewMutator()
	w := newTestWorld(t)
	next, diff := m.Apply(Intent{Kind: Kind("dance")}, w)
	if diff.Dialogue != lineConfused || diff.Mutated() {
		t.Fatalf("diff=%+v", diff)
	}
	if !reflect.DeepEqual(next, w) {
		t.Fatalf("unknown kind mutated the world")
	}
}

func TestNoNPCs_DomainFallbacks(t *testing.T) {
	m := NewMutator()
	w := newTestWorld(t)
	w.NPCs = nil

	_, diff := m.Apply(buyIntent("apple", 1, PolitenessPolite), w)
	if diff.Dialogue != lineNoMerchant {
		t.Fatalf("dialogue=%q", diff.Dialogue)
	}
	_, diff = m.Apply(Intent{Kind: KindInteract}, w)
	if diff.Event != lineLookAround {
		t.Fatalf("event=%q", diff.Event)
	}
}

func TestApply_Idempotent(t *testing.T) {
	m := NewMutator()
	intents := []Intent{
		buyIntent("apple", 3, PolitenessPolite),
		buyIntent("meat", 1, PolitenessRude),
		{Kind: KindNegotiate, Grammar: Grammar{Constructs: []string{"conditional_if"}}},
		{Kind: KindGreet, Grammar: Grammar{Politeness: PolitenessPolite}, Transcript: "Hi"},
		{Kind: KindMove, Entities: Entities{Target: "guard_1"}},
	}
	for _, in := range intents {
		w := newTestWorld(t)
		w1, d1 := m.Apply(in, w)
		w2, d2 := m.Apply(in, w)
		a, _ := json.Marshal([]any{w1, d1})
		b, _ := json.Marshal([]any{w2, d2})
		if string(a) != string(b) {
			t.Fatalf("%s: outputs differ\n%s\n%s", in.Kind, a, b)
		}
	}
}

func TestApply_InvariantsHoldAcrossSequence(t *testing.T) {
	m := NewMutator()
	w := newTestWorld(t)
	seq := []Intent{
		buyIntent("apple", 2, PolitenessRude),
		buyIntent("apple", 2, PolitenessRude),
		buyIntent("apple", 2, PolitenessRude),
		buyIntent("apple", 2, PolitenessRude),
		buyIntent("apple", 2, PolitenessRude),
		buyIntent("apple", 2, PolitenessRude),
		{Kind: KindNegotiate},
		{Kind: KindNegotiate},
		{Kind: KindGiveItem, Entities: Entities{Item: "apple", Quantity: intQty(100)}},
		buyIntent("shield", 1, PolitenessPolite),
		{Kind: KindGreet, Grammar: Grammar{Politeness: PolitenessPolite}},
		{Kind: KindGreet, Grammar: Grammar{Politeness: PolitenessPolite}},
	}
	for i, in := range seq {
		w, _ = m.Apply(in, w)
		if err := w.Validate(); err != nil {
			t.Fatalf("step %d (%s): %v", i, in.Kind, err)
		}
	}
}
