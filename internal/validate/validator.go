package validate

import (
	"fmt"
	"log/slog"
	"math"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/joseph-ayodele/receipts-extractor/constants"
	"github.com/joseph-ayodele/receipts-extractor/internal/common"
	"github.com/joseph-ayodele/receipts-extractor/internal/entity"
)

// Anomaly codes.
const (
	AnomalyTaxExceedsTotal   = "tax_exceeds_total"
	AnomalyTaxRateMismatch   = "tax_rate_mismatch"
	AnomalyDateFuture        = "date_future"
	AnomalyDateTooOld        = "date_too_old"
	AnomalyDateInvalid       = "date_invalid"
	AnomalyLineItemsMismatch = "line_items_mismatch"
	AnomalyTotalNonPositive  = "total_nonpositive"
	AnomalyTotalImplausible  = "total_implausible"
	AnomalyNegativeLineItem  = "line_item_negative"
)

// Field weights of the overall score. Total and vendor carry the most.
var weights = map[string]float64{
	"vendor":     0.20,
	"total":      0.30,
	"date":       0.15,
	"tax":        0.10,
	"line_items": 0.10,
	"currency":   0.05,
	"raw":        0.10,
}

var (
	hundred        = decimal.NewFromInt(100)
	implausibleSum = decimal.NewFromInt(100_000)
)

type Config struct {
	HistoryWindow    time.Duration   // dates older than this are suspicious; default 730 days
	TaxRateTolerance decimal.Decimal // percentage points; default 1.5
}

type Validator struct {
	cfg    Config
	now    func() time.Time
	logger *slog.Logger
}

func New(cfg Config, logger *slog.Logger) *Validator {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.HistoryWindow <= 0 {
		cfg.HistoryWindow = 730 * 24 * time.Hour
	}
	if !cfg.TaxRateTolerance.IsPositive() {
		cfg.TaxRateTolerance = decimal.RequireFromString("1.5")
	}
	return &Validator{cfg: cfg, now: time.Now, logger: logger}
}

// SetClock replaces the time source used for date plausibility.
func (v *Validator) SetClock(now func() time.Time) { v.now = now }

// Validate amends res (derived tax fields, category) and scores it. Rule violations
// become anomalies and lower the score; nothing here fails.
func (v *Validator) Validate(res entity.ExtractionResult, raw float64, method constants.Method) (entity.ExtractionResult, entity.ConfidenceScore) {
	raw = clamp(raw)
	out := res
	out.LineItems = append([]entity.LineItem(nil), res.LineItems...)

	var anomalies []entity.Anomaly
	flag := func(code, field, format string, args ...any) {
		anomalies = append(anomalies, entity.Anomaly{Code: code, Field: field, Message: fmt.Sprintf(format, args...)})
	}

	v.deriveTax(&out)

	rule := map[string]float64{
		"vendor":     scoreVendor(out.Vendor),
		"total":      v.scoreTotal(out, flag),
		"date":       v.scoreDate(out.Date, flag),
		"tax":        v.scoreTax(out, flag),
		"line_items": scoreLineItems(out, flag),
		"currency":   scoreCurrency(out.Currency),
	}

	// The extractor's own signal scales every rule score between 0.6 and 1.
	fields := make(map[string]float64, len(rule)+1)
	overall := 0.0
	for k, s := range rule {
		fields[k] = round3(s * (0.6 + 0.4*raw))
		overall += weights[k] * fields[k]
	}
	fields["raw"] = round3(raw)
	overall += weights["raw"] * raw

	out.Category = categorize(out)

	score := entity.ConfidenceScore{Overall: round3(clamp(overall)), Fields: fields, Anomalies: anomalies}
	v.logger.Info("validate.scored",
		"method", method,
		"overall", score.Overall,
		"anomalies", len(anomalies),
		"category", out.Category,
	)
	return out, score
}

// deriveTax fills the missing one of tax amount and tax rate from the other.
// rate = tax / (total - tax) * 100, as printed rates are on the net amount.
func (v *Validator) deriveTax(r *entity.ExtractionResult) {
	if !r.TotalAmount.Valid || !r.TotalAmount.Decimal.IsPositive() {
		return
	}
	total := r.TotalAmount.Decimal
	switch {
	case r.TaxAmount.Valid && !r.TaxRate.Valid:
		tax := r.TaxAmount.Decimal
		if !tax.IsPositive() || tax.GreaterThanOrEqual(total) {
			return
		}
		r.TaxRate = decimal.NewNullDecimal(tax.Div(total.Sub(tax)).Mul(hundred).Round(1))
	case r.TaxRate.Valid && !r.TaxAmount.Valid:
		rate := r.TaxRate.Decimal
		if !rate.IsPositive() {
			return
		}
		r.TaxAmount = decimal.NewNullDecimal(total.Mul(rate).Div(hundred.Add(rate)).Round(2))
	}
}

type flagFunc func(code, field, format string, args ...any)

func scoreVendor(vendor string) float64 {
	n := len([]rune(strings.TrimSpace(vendor)))
	switch {
	case n == 0:
		return 0
	case n < 2 || n > 200:
		return 0.3
	default:
		return 1
	}
}

func (v *Validator) scoreTotal(r entity.ExtractionResult, flag flagFunc) float64 {
	if !r.TotalAmount.Valid {
		return 0
	}
	total := r.TotalAmount.Decimal
	s := 1.0
	switch {
	case !total.IsPositive():
		flag(AnomalyTotalNonPositive, "total_amount", "total %s is not positive", total)
		s = 0.1
	case total.GreaterThan(implausibleSum):
		flag(AnomalyTotalImplausible, "total_amount", "total %s is unusually high", total)
		s = 0.3
	}
	if r.TaxAmount.Valid && r.TaxAmount.Decimal.GreaterThan(total) {
		s *= 0.5
	}
	return s
}

func (v *Validator) scoreDate(date string, flag flagFunc) float64 {
	if date == "" {
		return 0
	}
	d, err := time.Parse(entity.DateLayout, date)
	if err != nil {
		flag(AnomalyDateInvalid, "date", "date %q is not YYYY-MM-DD", date)
		return 0.1
	}
	now := v.now().UTC()
	switch {
	case d.After(now.Add(24 * time.Hour)):
		flag(AnomalyDateFuture, "date", "date %s is in the future", date)
		return 0.2
	case d.Before(now.Add(-v.cfg.HistoryWindow)):
		flag(AnomalyDateTooOld, "date", "date %s is older than %d days", date, int(v.cfg.HistoryWindow.Hours()/24))
		return 0.5
	}
	return 1
}

func (v *Validator) scoreTax(r entity.ExtractionResult, flag flagFunc) float64 {
	if !r.TaxAmount.Valid && !r.TaxRate.Valid {
		return 0.5 // often not printed
	}
	s := 0.5
	if r.TaxAmount.Valid && r.TaxAmount.Decimal.IsPositive() {
		s += 0.25
	}
	if r.TaxAmount.Valid && r.TotalAmount.Valid && r.TaxAmount.Decimal.GreaterThan(r.TotalAmount.Decimal) {
		flag(AnomalyTaxExceedsTotal, "tax_amount", "tax %s exceeds total %s", r.TaxAmount.Decimal, r.TotalAmount.Decimal)
		return 0.1
	}
	if r.TaxRate.Valid {
		rate := r.TaxRate.Decimal
		switch {
		case isCommonRate(rate):
			s += 0.25
		case rate.IsPositive() && rate.LessThan(decimal.NewFromInt(30)):
			s += 0.15
		}
	}
	if r.TaxAmount.Valid && r.TaxRate.Valid && r.TotalAmount.Valid {
		total, tax := r.TotalAmount.Decimal, r.TaxAmount.Decimal
		if tax.IsPositive() && total.GreaterThan(tax) {
			implied := tax.Div(total.Sub(tax)).Mul(hundred)
			if implied.Sub(r.TaxRate.Decimal).Abs().GreaterThan(v.cfg.TaxRateTolerance) {
				flag(AnomalyTaxRateMismatch, "tax_rate", "tax %s on total %s implies %s%%, receipt says %s%%",
					tax, total, implied.Round(1), r.TaxRate.Decimal)
				s *= 0.5
			}
		}
	}
	return math.Min(s, 1)
}

var commonRates = []decimal.Decimal{
	decimal.Zero, decimal.NewFromInt(7), decimal.NewFromInt(19),
	decimal.NewFromInt(20), decimal.NewFromInt(21), decimal.NewFromInt(25),
}

func isCommonRate(r decimal.Decimal) bool {
	for _, c := range commonRates {
		if r.Equal(c) {
			return true
		}
	}
	return false
}

func scoreLineItems(r entity.ExtractionResult, flag flagFunc) float64 {
	if len(r.LineItems) == 0 {
		return 0.3 // some receipts have no itemization
	}
	sum := decimal.Zero
	for i, it := range r.LineItems {
		if it.Total.IsNegative() {
			flag(AnomalyNegativeLineItem, "line_items", "line %d (%s) has negative total %s", i+1, it.Description, it.Total)
		}
		sum = sum.Add(it.Total)
	}
	if !r.TotalAmount.Valid || !r.TotalAmount.Decimal.IsPositive() || !sum.IsPositive() {
		return 0.6
	}
	ratio, _ := sum.Div(r.TotalAmount.Decimal).Float64()
	switch {
	case ratio >= 0.9 && ratio <= 1.1:
		return 1
	case ratio >= 0.7 && ratio <= 1.3:
		flag(AnomalyLineItemsMismatch, "line_items", "line items sum to %s, total is %s", sum, r.TotalAmount.Decimal)
		return 0.7
	default:
		flag(AnomalyLineItemsMismatch, "line_items", "line items sum to %s, total is %s", sum, r.TotalAmount.Decimal)
		return 0.4
	}
}

func scoreCurrency(c string) float64 {
	if common.CurrencyCode("currency", c) != nil {
		return 0
	}
	return 1
}

func clamp(f float64) float64 {
	switch {
	case math.IsNaN(f) || f < 0:
		return 0
	case f > 1:
		return 1
	}
	return f
}

func round3(f float64) float64 { return math.Round(f*1000) / 1000 }
