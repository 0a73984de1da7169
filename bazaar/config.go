package bazaar

import "math"

const (
	StartingGold       = 100
	StartingReputation = 0.5

	greetPatienceGain   = 0.2
	giftPatienceGain    = 0.3
	rudePatienceLoss    = 0.2
	haggleFailPatience  = 0.1
	reputationStep      = 0.05
	moveStepZ           = 5.0
	discountDenominator = 5 // one fifth off
	defaultTimeOfDay    = "morning"
)

// priceOrder fixes iteration order for listings.
var priceOrder = []string{"apple", "bread", "cheese", "meat", "fish", "potion", "sword", "shield"}

var unitPrices = map[string]int{
	"apple":  5,
	"bread":  8,
	"cheese": 15,
	"meat":   25,
	"fish":   20,
	"potion": 50,
	"sword":  100,
	"shield": 80,
}

// UnitPrice returns the fixed price of one unit of item.
func UnitPrice(item string) (int, bool) {
	p, ok := unitPrices[normalizeToken(item)]
	return p, ok
}

// PricedItems returns the sellable items in listing order.
func PricedItems() []string {
	out := make([]string, len(priceOrder))
	copy(out, priceOrder)
	return out
}

// TimesOfDay is the cycle the pipeline walks through.
var TimesOfDay = []string{"morning", "afternoon", "evening", "night"}

// NextTimeOfDay returns the label following cur, wrapping to morning.
func NextTimeOfDay(cur string) string {
	for i, t := range TimesOfDay {
		if t == cur {
			return TimesOfDay[(i+1)%len(TimesOfDay)]
		}
	}
	return defaultTimeOfDay
}

// clampUnit rounds to two decimals and clamps into [0,1], keeping patience
// arithmetic free of float drift.
func clampUnit(v float64) float64 {
	v = math.Round(v*100) / 100
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
