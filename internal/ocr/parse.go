package ocr

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"
	"unicode"

	"github.com/shopspring/decimal"

	"github.com/joseph-ayodele/receipts-extractor/internal/entity"
)

// amount matches 47.83, 47,83, 1.234,56 and 1,234.56.
const amount = `(\d{1,3}(?:[.,']\d{3})+[.,]\d{2}|\d+[.,]\d{2})`

// totalKeywords label the payable amount. Longer phrases come first.
const totalKeywords = `zu zahlen|gesamtbetrag|grand total|total|gesamt|summe|betrag`

// Rule lists are tried in order; the first list with a hit wins.
var (
	totalRules = []*regexp.Regexp{
		regexp.MustCompile(`(?i)(?:` + totalKeywords + `)[^0-9\n]{0,20}` + amount),
		regexp.MustCompile(`(?i)` + amount + `\s*(?:eur|usd|gbp|chf|€|\$|£)`),
	}
	reTaxLine   = regexp.MustCompile(`(?i)\b(?:mwst|mehrwertsteuer|ust|vat|tax)\b`)
	reAmountAt  = regexp.MustCompile(amount + `(\s*%)?`)
	taxRateRule = regexp.MustCompile(`(?i)(?:mwst|ust|vat|tax)[^\n%]{0,20}?(\d{1,2}(?:[.,]\d{1,2})?)\s*%|(\d{1,2}(?:[.,]\d{1,2})?)\s*%\s*(?:mwst|ust|vat|tax)`)

	dateRules = []*regexp.Regexp{
		regexp.MustCompile(`\b(\d{1,2})[./-](\d{1,2})[./-](\d{4})\b`),
		regexp.MustCompile(`\b(\d{4})-(\d{2})-(\d{2})\b`),
		regexp.MustCompile(`\b(\d{1,2})[./](\d{1,2})[./](\d{2})\b`),
	}

	receiptNumberRule = regexp.MustCompile(`(?i)(?:beleg|bon|receipt|rechnung|invoice)\s*-?\s*(?:nr|no|number|#)\.?\s*:?\s*([A-Z0-9][A-Z0-9/-]{2,})`)

	paymentRules = []struct {
		re     *regexp.Regexp
		method string
	}{
		{regexp.MustCompile(`(?i)\b(visa|mastercard|amex|american express)\b`), "card"},
		{regexp.MustCompile(`(?i)\b(ec[- ]?karte|girocard|kartenzahlung|debit|credit card|karte)\b`), "card"},
		{regexp.MustCompile(`(?i)\b(bar|bargeld|cash|gegeben)\b`), "cash"},
		{regexp.MustCompile(`(?i)\b(paypal|apple pay|google pay)\b`), "mobile"},
	}

	reLetters      = regexp.MustCompile(`\p{L}{2,}`)
	reTotalLead    = regexp.MustCompile(`(?i)^(?:` + totalKeywords + `)`)
	reVendorReject = regexp.MustCompile(`(?i)^(mwst|ust|vat|tax|datum|date|uhrzeit|kasse|bon|beleg|rechnung)\b`)
)

// ParseText applies the field rules to OCR text. It returns the fields found and how
// many of vendor, date, total and tax were located. Line items are not attempted.
func ParseText(text string) (entity.ExtractionResult, int) {
	var res entity.ExtractionResult
	found := 0

	if v := findVendor(text); v != "" {
		res.Vendor = v
		found++
	}
	if d := findDate(text); d != "" {
		res.Date = d
		found++
	}
	if t, ok := findTotal(text); ok {
		res.TotalAmount = decimal.NewNullDecimal(t)
		found++
	}
	if t, ok := findTax(text); ok {
		res.TaxAmount = decimal.NewNullDecimal(t)
		found++
	}
	if r, ok := findTaxRate(text); ok {
		res.TaxRate = decimal.NewNullDecimal(r)
	}
	res.Currency = detectCurrency(text)
	if m := receiptNumberRule.FindStringSubmatch(text); m != nil {
		res.ReceiptNumber = m[1]
	}
	for _, p := range paymentRules {
		if p.re.MatchString(text) {
			res.PaymentMethod = p.method
			break
		}
	}
	return res, found
}

// findVendor takes the first line that reads like a name rather than an amount,
// date or label.
func findVendor(text string) string {
	for _, ln := range strings.Split(text, "\n") {
		ln = strings.TrimSpace(ln)
		if ln == "" || !reLetters.MatchString(ln) || reVendorReject.MatchString(ln) || isTotalLine(ln) {
			continue
		}
		letters, digits := 0, 0
		for _, r := range ln {
			switch {
			case unicode.IsLetter(r):
				letters++
			case unicode.IsDigit(r):
				digits++
			}
		}
		if digits > letters {
			continue
		}
		return ln
	}
	return ""
}

// isTotalLine reports whether ln opens with a total keyword or carries a labelled
// total anywhere on it.
func isTotalLine(ln string) bool {
	return reTotalLead.MatchString(ln) || totalRules[0].MatchString(ln)
}

func findDate(text string) string {
	for i, re := range dateRules {
		for _, m := range re.FindAllStringSubmatch(text, -1) {
			var y, mo, d string
			switch i {
			case 1:
				y, mo, d = m[1], m[2], m[3]
			case 2:
				yy, _ := strconv.Atoi(m[3])
				if yy < 50 {
					yy += 2000
				} else {
					yy += 1900
				}
				y, mo, d = strconv.Itoa(yy), m[2], m[1]
			default:
				y, mo, d = m[3], m[2], m[1]
			}
			if s, ok := isoDate(y, mo, d); ok {
				return s
			}
		}
	}
	return ""
}

func isoDate(y, m, d string) (string, bool) {
	yi, _ := strconv.Atoi(y)
	mi, _ := strconv.Atoi(m)
	di, _ := strconv.Atoi(d)
	s := fmt.Sprintf("%04d-%02d-%02d", yi, mi, di)
	if _, err := time.Parse(entity.DateLayout, s); err != nil {
		return "", false
	}
	return s, true
}

// findTotal returns the largest amount next to a total keyword, falling back to the
// largest amount printed with a currency marker. Subtotals sit beside the total on
// most receipts, and the total is never smaller.
func findTotal(text string) (decimal.Decimal, bool) {
	for _, re := range totalRules {
		var best decimal.Decimal
		ok := false
		for _, m := range re.FindAllStringSubmatch(text, -1) {
			d, parsed := ParseAmount(m[len(m)-1])
			if parsed && (!ok || d.GreaterThan(best)) {
				best, ok = d, true
			}
		}
		if ok {
			return best, true
		}
	}
	return decimal.Decimal{}, false
}

// findTax takes the first amount after a tax keyword on the same line, skipping
// percentages.
func findTax(text string) (decimal.Decimal, bool) {
	for _, ln := range strings.Split(text, "\n") {
		loc := reTaxLine.FindStringIndex(ln)
		if loc == nil {
			continue
		}
		for _, m := range reAmountAt.FindAllStringSubmatch(ln[loc[1]:], -1) {
			if m[2] != "" {
				continue
			}
			if d, ok := ParseAmount(m[1]); ok {
				return d, true
			}
		}
	}
	return decimal.Decimal{}, false
}

func findTaxRate(text string) (decimal.Decimal, bool) {
	m := taxRateRule.FindStringSubmatch(text)
	if m == nil {
		return decimal.Decimal{}, false
	}
	raw := m[1]
	if raw == "" {
		raw = m[2]
	}
	d, err := decimal.NewFromString(strings.ReplaceAll(raw, ",", "."))
	if err != nil || d.IsNegative() || d.GreaterThan(decimal.NewFromInt(100)) {
		return decimal.Decimal{}, false
	}
	return d, true
}

// ParseAmount reads a printed amount, treating the last '.' or ',' as the decimal
// separator and any earlier separators as grouping.
func ParseAmount(s string) (decimal.Decimal, bool) {
	s = strings.TrimSpace(s)
	cut := strings.LastIndexAny(s, ".,")
	if cut < 0 {
		d, err := decimal.NewFromString(stripGrouping(s))
		return d, err == nil
	}
	whole := stripGrouping(s[:cut])
	frac := s[cut+1:]
	if whole == "" {
		whole = "0"
	}
	d, err := decimal.NewFromString(whole + "." + frac)
	if err != nil {
		return decimal.Decimal{}, false
	}
	return d, true
}

func stripGrouping(s string) string {
	return strings.Map(func(r rune) rune {
		if r == '.' || r == ',' || r == '\'' || r == ' ' {
			return -1
		}
		return r
	}, s)
}

func detectCurrency(text string) string {
	low := strings.ToLower(text)
	switch {
	case strings.Contains(text, "€") || strings.Contains(low, "eur"):
		return "EUR"
	case strings.Contains(text, "£") || strings.Contains(low, "gbp"):
		return "GBP"
	case strings.Contains(low, "chf"):
		return "CHF"
	case strings.Contains(text, "$") || strings.Contains(low, "usd"):
		return "USD"
	}
	return ""
}
