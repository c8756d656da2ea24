package entity

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/joseph-ayodele/receipts-extractor/constants"
)

// DateLayout is the wire and storage format of receipt dates.
const DateLayout = "2006-01-02"

// ExtractionRequest is one uploaded document. Treat it as immutable once built.
type ExtractionRequest struct {
	ID            uuid.UUID
	Content       []byte
	MimeType      string
	Filename      string
	ReceivedAt    time.Time
	ForceOCR      bool
	ModelOverride string
	APIKeyPrefix  string
}

// NewExtractionRequest copies content so later caller mutations cannot leak in.
func NewExtractionRequest(content []byte, mimeType, filename string) ExtractionRequest {
	buf := make([]byte, len(content))
	copy(buf, content)
	return ExtractionRequest{
		ID:         uuid.New(),
		Content:    buf,
		MimeType:   constants.NormalizeMime(mimeType),
		Filename:   filename,
		ReceivedAt: time.Now().UTC(),
	}
}

// PreprocessedImage is the normalized page both extractors consume. Never persisted.
type PreprocessedImage struct {
	JPEG       []byte
	Width      int
	Height     int
	SourceMime string
	Pages      int // source page count; only the first page is rasterized
}

// LineItem is a single purchased line.
type LineItem struct {
	Description string              `json:"description"`
	Quantity    decimal.NullDecimal `json:"quantity"`
	UnitPrice   decimal.NullDecimal `json:"unit_price"`
	Total       decimal.Decimal     `json:"total"`
}

// ExtractionResult holds the structured receipt fields. Empty strings and invalid
// NullDecimals mean "not found".
type ExtractionResult struct {
	Vendor        string              `json:"vendor"`
	Date          string              `json:"date"`
	TotalAmount   decimal.NullDecimal `json:"total_amount"`
	Currency      string              `json:"currency"`
	TaxAmount     decimal.NullDecimal `json:"tax_amount"`
	TaxRate       decimal.NullDecimal `json:"tax_rate"`
	LineItems     []LineItem          `json:"line_items"`
	PaymentMethod string              `json:"payment_method"`
	ReceiptNumber string              `json:"receipt_number"`
	Category      constants.Category  `json:"category"`
}

// PopulatedFields counts the extracted fields, ignoring the derived category.
func (r ExtractionResult) PopulatedFields() int {
	n := 0
	for _, s := range []string{r.Vendor, r.Date, r.Currency, r.PaymentMethod, r.ReceiptNumber} {
		if s != "" {
			n++
		}
	}
	for _, d := range []decimal.NullDecimal{r.TotalAmount, r.TaxAmount, r.TaxRate} {
		if d.Valid {
			n++
		}
	}
	if len(r.LineItems) > 0 {
		n++
	}
	return n
}

// Anomaly is a soft validation finding; it lowers confidence, it never rejects.
type Anomaly struct {
	Code    string `json:"code"`
	Field   string `json:"field,omitempty"`
	Message string `json:"message"`
}

// ConfidenceScore is derived by the validator and recomputed on every run.
type ConfidenceScore struct {
	Overall   float64            `json:"overall"`
	Fields    map[string]float64 `json:"fields"`
	Anomalies []Anomaly          `json:"anomalies,omitempty"`
}

// HasAnomaly reports whether code was flagged.
func (c ConfidenceScore) HasAnomaly(code string) bool {
	for _, a := range c.Anomalies {
		if a.Code == code {
			return true
		}
	}
	return false
}

// ExtractionRecord is the externally visible unit, created once per request.
type ExtractionRecord struct {
	ID               uuid.UUID          `json:"id"`
	Status           constants.Status   `json:"status"`
	Reason           string             `json:"reason,omitempty"`
	Data             ExtractionResult   `json:"data"`
	ConfidenceScore  float64            `json:"confidence_score"`
	FieldConfidence  map[string]float64 `json:"field_confidence,omitempty"`
	Anomalies        []Anomaly          `json:"anomalies,omitempty"`
	ExtractionMethod constants.Method   `json:"extraction_method"`
	ModelUsed        string             `json:"model_used,omitempty"`
	ProcessingTimeMS int64              `json:"processing_time_ms"`
	CostUSD          decimal.Decimal    `json:"cost_usd"`
	CreatedAt        time.Time          `json:"created_at"`

	// stored, never returned to callers
	RawModelOutput string `json:"-"`
	ContentHash    string `json:"-"`
	APIKeyPrefix   string `json:"-"`
}
