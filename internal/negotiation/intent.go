// Package negotiation implements the price negotiation funnel: intent
// classification, the offer engine, and the stage-driven controller.
package negotiation

import (
	"math"
	"regexp"
	"strconv"
	"strings"

	"golang.org/x/text/width"
)

// Intent is the classified meaning of a user's reply during negotiation.
type Intent int

const (
	// IntentOther is an unclassified continuation.
	IntentOther Intent = iota
	// IntentCounterOffer carries an explicit numeric counter-offer.
	IntentCounterOffer
	// IntentAccept is an explicit acceptance phrase.
	IntentAccept
	// IntentDecline is an explicit decline phrase.
	IntentDecline
	// IntentStall is an objection or stalling reply with no clear signal.
	IntentStall
)

func (i Intent) String() string {
	switch i {
	case IntentCounterOffer:
		return "counter_offer"
	case IntentAccept:
		return "accept"
	case IntentDecline:
		return "decline"
	case IntentStall:
		return "stall"
	default:
		return "other"
	}
}

var (
	acceptRe  = regexp.MustCompile(`買います|買う|購入|契約|それで(いい|お願い)|お願いします|やります|入ります|決めた|^(はい|OK|ok|おけ|オッケー)[！!。]?$`)
	declineRe = regexp.MustCompile(`やめる|やめます|やめとく|いらない|いりません|不要|結構です|キャンセル|解約|無理です?$|辞退|断り`)
	stallRe   = regexp.MustCompile(`高い|たかい|厳しい|きびしい|考え|迷って|悩んで|うーん|微妙|どうしよう|余裕がない|払えない|お金がない`)

	amountRe = regexp.MustCompile(`([0-9]+(?:\.[0-9]+)?)\s*(万|千|[kK])?\s*(?:円|yen)?`)
)

// minPlausibleOffer is the smallest number treated as a price during the
// offer stage.
const minPlausibleOffer = 100

// Classify determines the intent of a free-text reply during the offer
// stage. For IntentCounterOffer the extracted amount is returned as well.
func Classify(text string) (Intent, int) {
	normalized := normalize(text)

	// A decline wins over everything: no further concessions are offered.
	if declineRe.MatchString(normalized) {
		return IntentDecline, 0
	}

	// Small numbers in ordinary chat (「3日待って」) are not price talk.
	if amount, ok := ExtractAmount(normalized); ok && amount >= minPlausibleOffer {
		return IntentCounterOffer, amount
	}

	if acceptRe.MatchString(normalized) {
		return IntentAccept, 0
	}
	if stallRe.MatchString(normalized) {
		return IntentStall, 0
	}
	return IntentOther, 0
}

// ExtractAmount pulls an integer yen amount out of free text. Full-width
// digits are folded to ASCII, comma grouping is stripped, and 万/千/k unit
// suffixes are expanded ("1.2万" -> 12000, "12k" -> 12000). Returns false
// when no number is present.
func ExtractAmount(text string) (int, bool) {
	normalized := normalize(text)

	m := amountRe.FindStringSubmatch(normalized)
	if m == nil {
		return 0, false
	}

	value, err := strconv.ParseFloat(m[1], 64)
	if err != nil {
		return 0, false
	}

	switch m[2] {
	case "万":
		value *= 10000
	case "千":
		value *= 1000
	case "k", "K":
		value *= 1000
	}

	amount := int(math.Round(value))
	if amount <= 0 {
		return 0, false
	}
	return amount, true
}

// normalize folds full-width characters to their narrow forms and strips
// digit group separators so the regexes only deal with ASCII numbers.
func normalize(text string) string {
	folded := width.Narrow.String(strings.TrimSpace(text))
	folded = strings.ReplaceAll(folded, ",", "")
	return folded
}
