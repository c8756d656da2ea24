package ocr

import (
	"regexp"
	"strings"
)

var (
	reDateish   = regexp.MustCompile(`\b\d{1,2}[./-]\d{1,2}[./-]\d{2,4}\b|\b20\d{2}-\d{2}-\d{2}\b`)
	reCurrish   = regexp.MustCompile(`\b(usd|eur|gbp|chf)\b|[$£€]`)
	reAmountish = regexp.MustCompile(`\b\d+[.,]\d{2}\b`)
)

// heuristicConfidence scores how receipt-like the text looks. Each artifact (date,
// currency, amount, enough content) adds a fixed step over a 0.2 base.
func heuristicConfidence(txt string) float64 {
	low := strings.ToLower(txt)
	score := 0.2
	if reDateish.MatchString(low) {
		score += 0.2
	}
	if reCurrish.MatchString(low) {
		score += 0.15
	}
	if reAmountish.MatchString(low) {
		score += 0.15
	}
	if len(txt) > 120 {
		score += 0.1
	}
	if score > 1 {
		score = 1
	}
	return score
}

// keyFields are the fields rawConfidence counts: vendor, date, total, tax.
const keyFields = 4

// rawConfidence weighs engine confidence against field coverage equally, so a clean
// scan that yields no fields still scores low.
func rawConfidence(engine float64, found int) float64 {
	if found > keyFields {
		found = keyFields
	}
	c := 0.5*engine + 0.5*float64(found)/keyFields
	if c > 1 {
		return 1
	}
	return c
}
