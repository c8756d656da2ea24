package constants

import (
	"strings"
)

type Category string

const (
	Groceries     Category = "groceries"
	Restaurant    Category = "restaurant"
	Transport     Category = "transport"
	Office        Category = "office"
	Accommodation Category = "accommodation"
	Entertainment Category = "entertainment"
	Utilities     Category = "utilities"
	Uncategorized Category = "uncategorized"
)

var allCategories = []Category{
	Groceries,
	Restaurant,
	Transport,
	Office,
	Accommodation,
	Entertainment,
	Utilities,
	Uncategorized,
}

// categoryKeywords is checked in order; the first category with a matching keyword wins.
var categoryKeywords = []struct {
	Category Category
	Keywords []string
}{
	{Groceries, []string{"rewe", "lidl", "aldi", "edeka", "penny", "netto", "kaufland",
		"dm", "rossmann", "supermarkt", "supermarket", "lebensmittel", "grocery"}},
	{Restaurant, []string{"restaurant", "bistro", "café", "cafe", "bar", "pizza",
		"burger", "sushi", "trinkgeld", "tip", "kellner"}},
	{Transport, []string{"uber", "bolt", "taxi", "db", "bahn", "bvg", "tankstelle",
		"shell", "aral", "esso", "parking", "parkhaus", "lyft"}},
	{Office, []string{"büro", "office", "staples", "papier", "drucker", "toner"}},
	{Accommodation, []string{"hotel", "hostel", "airbnb", "booking", "motel",
		"übernachtung", "zimmer"}},
	{Entertainment, []string{"kino", "cinema", "theater", "konzert", "spotify",
		"netflix", "museum"}},
	{Utilities, []string{"strom", "gas", "wasser", "internet", "telefon", "vodafone",
		"telekom", "o2"}},
}

func AsStringSlice() []string {
	result := make([]string, len(allCategories))
	for i, cat := range allCategories {
		result[i] = string(cat)
	}
	return result
}

// MatchKeywords returns the first category whose keyword appears as a whole word in text.
func MatchKeywords(text string) (Category, bool) {
	words := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !(r == '-' || r == '\'' || isLetterOrDigit(r))
	})
	if len(words) == 0 {
		return Uncategorized, false
	}
	set := make(map[string]struct{}, len(words))
	for _, w := range words {
		set[w] = struct{}{}
	}
	for _, entry := range categoryKeywords {
		for _, kw := range entry.Keywords {
			if _, ok := set[kw]; ok {
				return entry.Category, true
			}
		}
	}
	return Uncategorized, false
}

func Canonicalize(input string) (Category, bool) {
	if input == "" {
		return Uncategorized, false
	}

	normalized := strings.ToLower(strings.TrimSpace(input))

	synonyms := map[string]Category{
		"food":        Restaurant,
		"meals":       Restaurant,
		"dining":      Restaurant,
		"travel":      Transport,
		"fuel":        Transport,
		"lodging":     Accommodation,
		"supplies":    Office,
		"other":       Uncategorized,
		"misc":        Uncategorized,
		"supermarket": Groceries,
	}

	if cat, ok := synonyms[normalized]; ok {
		return cat, true
	}

	for _, cat := range allCategories {
		if normalized == string(cat) {
			return cat, true
		}
	}

	return Uncategorized, false
}

func isLetterOrDigit(r rune) bool {
	return r >= 'a' && r <= 'z' || r >= '0' && r <= '9' || r > 0x7f
}
