package validate

import (
	"strings"

	"github.com/joseph-ayodele/receipts-extractor/constants"
	"github.com/joseph-ayodele/receipts-extractor/internal/entity"
)

// categorize keeps a category the extractor already named and otherwise looks the
// vendor, then the line items, up in the keyword table.
func categorize(r entity.ExtractionResult) constants.Category {
	if r.Category != "" && r.Category != constants.Uncategorized {
		if c, ok := constants.Canonicalize(string(r.Category)); ok {
			return c
		}
	}
	if c, ok := constants.MatchKeywords(r.Vendor); ok {
		return c
	}
	descs := make([]string, 0, len(r.LineItems))
	for _, it := range r.LineItems {
		descs = append(descs, it.Description)
	}
	if c, ok := constants.MatchKeywords(strings.Join(descs, " ")); ok {
		return c
	}
	return constants.Uncategorized
}
