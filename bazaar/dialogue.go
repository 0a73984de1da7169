package bazaar

import (
	"strconv"
	"strings"
)

type lineKey string

const (
	lineGreet            lineKey = "greet"
	lineBuyPolite        lineKey = "buy_polite"
	lineBuyRude          lineKey = "buy_rude"
	lineNegotiateSuccess lineKey = "negotiate_success"
	lineNegotiateFail    lineKey = "negotiate_fail"
)

var moodLines = map[lineKey]map[Mood]string{
	lineGreet: {
		MoodFriendly: "Welcome to my stall, traveler! How may I help you today?",
		MoodNeutral:  "Hello. What do you need?",
		MoodAnnoyed:  "Yes, what is it?",
		MoodAngry:    "*glares* Make it quick.",
	},
	lineBuyPolite: {
		MoodFriendly: "Of course! That's {price} gold. Thank you for your business!",
		MoodNeutral:  "That will be {price} gold. Here you are.",
		MoodAnnoyed:  "Fine, {price} gold.",
	},
	lineBuyRude: {
		MoodFriendly: "Hmm, a simple 'please' would be nice, but here you go. {price} gold.",
		MoodNeutral:  "How rude. That's {price} gold, take it or leave it.",
		MoodAnnoyed:  "Excuse me?! Learn some manners! {price} gold.",
	},
	lineNegotiateSuccess: {
		MoodFriendly: "You drive a hard bargain! Fine, {price} gold for you.",
		MoodNeutral:  "Alright, alright. {price} gold, final offer.",
	},
	lineNegotiateFail: {
		MoodFriendly: "I'm sorry, but I can't go any lower than that.",
		MoodNeutral:  "No deal. My prices are fair.",
		MoodAnnoyed:  "Absolutely not! The price is the price!",
	},
}

var fallbackLines = map[lineKey]string{
	lineGreet:            "Hello.",
	lineBuyPolite:        "Here you go.",
	lineBuyRude:          "Here you go.",
	lineNegotiateSuccess: "We'll see.",
	lineNegotiateFail:    "We'll see.",
}

const (
	lineInsufficientGold = "You don't have enough gold for that, traveler."
	lineItemNotFound     = "I'm sorry, I don't have that item."
	lineWhatToBuy        = "What would you like to buy?"
	lineNoMerchant       = "There's no merchant here."
	lineNoOneToGreet     = "There's no one nearby to greet."
	lineNoOneToAsk       = "There's no one here to ask."
	lineNoOneToGive      = "There's no one here to give that to."
	lineMissingItem      = "You don't have that item."
	lineGiftThanks       = "Oh, thank you so much! How generous of you!"
	lineMerchantInfo     = "I sell the finest goods in the bazaar! We have {items}. What interests you?"
	linePassingThrough   = "I'm just passing through, traveler."
	lineConfused         = "Hmm? I'm not sure what you mean."
	lineWhereTo          = "Where would you like to go?"
	lineLooksAtYou       = "{name} looks at you expectantly."
	lineLookAround       = "You look around the bustling bazaar."
)

// moodLine renders the template for (key, mood), falling back to a neutral
// line when the table has no entry for that mood.
func moodLine(key lineKey, mood Mood, price string) string {
	tmpl, ok := moodLines[key][mood]
	if !ok {
		return fallbackLines[key]
	}
	return strings.ReplaceAll(tmpl, "{price}", price)
}

// BuyLine is the merchant's reply to a completed purchase. Only an explicitly
// polite request gets the polite template.
func BuyLine(p Politeness, mood Mood, price int) string {
	if p != PolitenessPolite {
		return moodLine(lineBuyRude, mood, strconv.Itoa(price))
	}
	return moodLine(lineBuyPolite, mood, strconv.Itoa(price))
}

// GreetLine is an NPC's greeting for the given mood.
func GreetLine(mood Mood) string {
	return moodLine(lineGreet, mood, "")
}
