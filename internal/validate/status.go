package validate

import (
	"github.com/joseph-ayodele/receipts-extractor/constants"
	"github.com/joseph-ayodele/receipts-extractor/internal/entity"
)

// Status derives the terminal status of a validated result:
// success needs the threshold and a vendor or total, partial needs any field.
func Status(r entity.ExtractionResult, score entity.ConfidenceScore, successThreshold float64) constants.Status {
	switch {
	case score.Overall >= successThreshold && (r.Vendor != "" || r.TotalAmount.Valid):
		return constants.StatusSuccess
	case r.PopulatedFields() > 0:
		return constants.StatusPartial
	default:
		return constants.StatusFailed
	}
}
