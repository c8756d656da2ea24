package validate

import (
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/joseph-ayodele/receipts-extractor/constants"
	"github.com/joseph-ayodele/receipts-extractor/internal/entity"
)

func newValidator() *Validator {
	v := New(Config{}, slog.New(slog.NewTextHandler(io.Discard, nil)))
	v.SetClock(func() time.Time { return time.Date(2026, 2, 10, 12, 0, 0, 0, time.UTC) })
	return v
}

func amount(s string) decimal.NullDecimal {
	return decimal.NewNullDecimal(decimal.RequireFromString(s))
}

func rewe() entity.ExtractionResult {
	return entity.ExtractionResult{
		Vendor:      "REWE Markt GmbH",
		Date:        "2026-02-07",
		TotalAmount: amount("47.83"),
		Currency:    "EUR",
		TaxAmount:   amount("7.63"),
		LineItems: []entity.LineItem{
			{Description: "Milch", Total: decimal.RequireFromString("40.00")},
			{Description: "Brot", Total: decimal.RequireFromString("7.83")},
		},
	}
}

func TestValidateCleanReceipt(t *testing.T) {
	t.Parallel()
	out, score := newValidator().Validate(rewe(), 0.9, constants.MethodVLM)

	if len(score.Anomalies) != 0 {
		t.Fatalf("anomalies = %+v", score.Anomalies)
	}
	if score.Overall < 0.85 {
		t.Fatalf("overall = %v, want >= 0.85", score.Overall)
	}
	if !out.TaxRate.Valid || !out.TaxRate.Decimal.Equal(decimal.NewFromInt(19)) {
		t.Fatalf("derived tax rate = %v", out.TaxRate)
	}
	if out.Category != constants.Groceries {
		t.Fatalf("category = %q, want groceries", out.Category)
	}
	if got := Status(out, score, 0.5); got != constants.StatusSuccess {
		t.Fatalf("status = %s", got)
	}
}

func TestValidateTaxExceedsTotal(t *testing.T) {
	t.Parallel()
	v := newValidator()
	_, good := v.Validate(rewe(), 0.9, constants.MethodVLM)

	bad := rewe()
	bad.TaxAmount = amount("60.00")
	_, score := v.Validate(bad, 0.9, constants.MethodVLM)

	if !score.HasAnomaly(AnomalyTaxExceedsTotal) {
		t.Fatalf("anomalies = %+v, want %s", score.Anomalies, AnomalyTaxExceedsTotal)
	}
	if score.Overall >= good.Overall {
		t.Fatalf("overall %v not below clean %v", score.Overall, good.Overall)
	}
}

func TestValidateTaxRateMismatch(t *testing.T) {
	t.Parallel()
	r := rewe()
	r.TaxRate = amount("7")
	_, score := newValidator().Validate(r, 0.9, constants.MethodVLM)
	if !score.HasAnomaly(AnomalyTaxRateMismatch) {
		t.Fatalf("anomalies = %+v", score.Anomalies)
	}

	r.TaxRate = amount("18")
	_, score = newValidator().Validate(r, 0.9, constants.MethodVLM)
	if score.HasAnomaly(AnomalyTaxRateMismatch) {
		t.Fatal("18% is within tolerance of the implied 19%")
	}
}

func TestValidateDerivesTaxAmountFromRate(t *testing.T) {
	t.Parallel()
	r := rewe()
	r.TaxAmount = decimal.NullDecimal{}
	r.TaxRate = amount("19")
	out, _ := newValidator().Validate(r, 0.9, constants.MethodOCR)
	if want := decimal.RequireFromString("7.64"); !out.TaxAmount.Valid || !out.TaxAmount.Decimal.Equal(want) {
		t.Fatalf("tax = %v, want %s", out.TaxAmount, want)
	}
}

func TestValidateDates(t *testing.T) {
	t.Parallel()
	tests := []struct {
		date string
		code string
	}{
		{"2026-02-07", ""},
		{"2026-02-11", ""},
		{"2026-03-01", AnomalyDateFuture},
		{"2023-01-01", AnomalyDateTooOld},
		{"07.02.2026", AnomalyDateInvalid},
	}
	for _, tt := range tests {
		t.Run(tt.date, func(t *testing.T) {
			t.Parallel()
			r := rewe()
			r.Date = tt.date
			_, score := newValidator().Validate(r, 0.9, constants.MethodVLM)
			for _, code := range []string{AnomalyDateFuture, AnomalyDateTooOld, AnomalyDateInvalid} {
				if got := score.HasAnomaly(code); got != (code == tt.code) {
					t.Fatalf("HasAnomaly(%s) = %v, anomalies %+v", code, got, score.Anomalies)
				}
			}
		})
	}
}

func TestValidateLineItemsMismatch(t *testing.T) {
	t.Parallel()
	r := rewe()
	r.LineItems = []entity.LineItem{{Description: "Milch", Total: decimal.RequireFromString("5.00")}}
	_, score := newValidator().Validate(r, 0.9, constants.MethodVLM)
	if !score.HasAnomaly(AnomalyLineItemsMismatch) {
		t.Fatalf("anomalies = %+v", score.Anomalies)
	}
	if score.Fields["line_items"] >= 0.5 {
		t.Fatalf("line_items score = %v", score.Fields["line_items"])
	}
}

func TestValidateNonPositiveTotal(t *testing.T) {
	t.Parallel()
	r := rewe()
	r.TotalAmount = amount("-3.00")
	_, score := newValidator().Validate(r, 0.9, constants.MethodVLM)
	if !score.HasAnomaly(AnomalyTotalNonPositive) {
		t.Fatalf("anomalies = %+v", score.Anomalies)
	}
}

func TestValidateTotalOnlyIsPartial(t *testing.T) {
	t.Parallel()
	r := entity.ExtractionResult{TotalAmount: amount("12.50")}
	out, score := newValidator().Validate(r, 0.4, constants.MethodOCR)
	if score.Overall >= 0.5 {
		t.Fatalf("overall = %v, want < 0.5", score.Overall)
	}
	if got := Status(out, score, 0.5); got != constants.StatusPartial {
		t.Fatalf("status = %s, want partial", got)
	}
	if out.Category != constants.Uncategorized {
		t.Fatalf("category = %q", out.Category)
	}
}

func TestValidateEmptyIsFailed(t *testing.T) {
	t.Parallel()
	out, score := newValidator().Validate(entity.ExtractionResult{}, 0, constants.MethodOCR)
	if got := Status(out, score, 0.5); got != constants.StatusFailed {
		t.Fatalf("status = %s, want failed", got)
	}
}

func TestValidateDoesNotMutateInput(t *testing.T) {
	t.Parallel()
	in := rewe()
	_, _ = newValidator().Validate(in, 0.9, constants.MethodVLM)
	if in.TaxRate.Valid || in.Category != "" {
		t.Fatalf("input mutated: %+v", in)
	}
}

func TestCategorize(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		in   entity.ExtractionResult
		want constants.Category
	}{
		{"vendor keyword", entity.ExtractionResult{Vendor: "Aral Tankstelle"}, constants.Transport},
		{"line item keyword", entity.ExtractionResult{Vendor: "Muster GmbH", LineItems: []entity.LineItem{{Description: "Toner schwarz"}}}, constants.Office},
		{"extractor category kept", entity.ExtractionResult{Vendor: "REWE", Category: constants.Restaurant}, constants.Restaurant},
		{"no match", entity.ExtractionResult{Vendor: "Muster GmbH"}, constants.Uncategorized},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if got := categorize(tt.in); got != tt.want {
				t.Fatalf("categorize = %q, want %q", got, tt.want)
			}
		})
	}
}
