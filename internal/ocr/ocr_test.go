package ocr

import (
	"bytes"
	"context"
	"errors"
	"slices"
	"testing"

	"github.com/joseph-ayodele/receipts-extractor/internal/common"
	"github.com/joseph-ayodele/receipts-extractor/internal/entity"
	"github.com/joseph-ayodele/receipts-extractor/internal/runner"
)

const reweReceipt = `REWE Markt GmbH
Hauptstr. 12, 10115 Berlin

Kaffee 4,99
Brot 2,49
Zwischensumme 40,20
SUMME EUR 47,83
MwSt 19% 7,63
Datum: 07.02.2026 14:32
Bon-Nr: 4711
Kartenzahlung girocard
`

func TestParseTextGermanReceipt(t *testing.T) {
	t.Parallel()
	res, found := ParseText(Normalize(reweReceipt))
	if found != 4 {
		t.Fatalf("found = %d, want 4 (%+v)", found, res)
	}
	if res.Vendor != "REWE Markt GmbH" {
		t.Fatalf("vendor = %q", res.Vendor)
	}
	if res.Date != "2026-02-07" {
		t.Fatalf("date = %q", res.Date)
	}
	if res.TotalAmount.Decimal.String() != "47.83" {
		t.Fatalf("total = %s", res.TotalAmount.Decimal)
	}
	if res.TaxAmount.Decimal.String() != "7.63" {
		t.Fatalf("tax = %s", res.TaxAmount.Decimal)
	}
	if !res.TaxRate.Valid || res.TaxRate.Decimal.String() != "19" {
		t.Fatalf("tax rate = %+v", res.TaxRate)
	}
	if res.Currency != "EUR" || res.PaymentMethod != "card" || res.ReceiptNumber != "4711" {
		t.Fatalf("currency/payment/number = %q %q %q", res.Currency, res.PaymentMethod, res.ReceiptNumber)
	}
}

func TestParseTextOnlyTotal(t *testing.T) {
	t.Parallel()
	tests := map[string]string{
		"TOTAL 12.50":            "12.5",
		"SUMME EUR 12,50":        "12.5",
		"Gesamtbetrag 12,50 EUR": "12.5",
		"Zu zahlen 12,50":        "12.5",
		"Grand Total 12.50":      "12.5",
		"Gesamt: 12,50":          "12.5",
	}
	for in, want := range tests {
		res, found := ParseText(in)
		if found != 1 {
			t.Errorf("ParseText(%q) found = %d, want 1", in, found)
		}
		if res.Vendor != "" {
			t.Errorf("ParseText(%q) vendor = %q, want empty", in, res.Vendor)
		}
		if got := res.TotalAmount.Decimal.String(); !res.TotalAmount.Valid || got != want {
			t.Errorf("ParseText(%q) total = %s, want %s", in, got, want)
		}
	}
}

func TestFindDate(t *testing.T) {
	t.Parallel()
	tests := map[string]string{
		"Datum 07.02.2026":   "2026-02-07",
		"2026-02-07 10:00":   "2026-02-07",
		"07/02/26":           "2026-02-07",
		"01.03.99":           "1999-03-01",
		"31.02.2026 invalid": "",
		"no date here":       "",
	}
	for in, want := range tests {
		if got := findDate(in); got != want {
			t.Errorf("findDate(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestParseAmount(t *testing.T) {
	t.Parallel()
	tests := map[string]string{
		"47,83":    "47.83",
		"47.83":    "47.83",
		"1.234,56": "1234.56",
		"1,234.56": "1234.56",
		"1'234.50": "1234.5",
	}
	for in, want := range tests {
		got, ok := ParseAmount(in)
		if !ok || got.String() != want {
			t.Errorf("ParseAmount(%q) = %s %v, want %s", in, got, ok, want)
		}
	}
}

func TestParseTSVConfidence(t *testing.T) {
	t.Parallel()
	tsv := "level\tpage_num\tblock_num\tpar_num\tline_num\tword_num\tleft\ttop\twidth\theight\tconf\ttext\n" +
		"1\t1\t0\t0\t0\t0\t0\t0\t100\t100\t-1\t\n" +
		"5\t1\t1\t1\t1\t1\t0\t0\t10\t10\t90\tREWE\n" +
		"5\t1\t1\t1\t1\t2\t0\t0\t10\t10\t70\tMarkt\n"
	if got := parseTSVConfidence(tsv); got < 0.799 || got > 0.801 {
		t.Fatalf("confidence = %v, want 0.8", got)
	}
}

func TestExtractRunsTesseractOnStdin(t *testing.T) {
	t.Parallel()
	page := []byte{0xFF, 0xD8, 0xFF, 0x01}
	var calls [][]string
	r := runner.Func(func(_ context.Context, stdin []byte, name string, args ...string) ([]byte, []byte, error) {
		if !bytes.Equal(stdin, page) {
			t.Errorf("page was not piped to %s", name)
		}
		calls = append(calls, append([]string{name}, args...))
		if slices.Contains(args, "tsv") {
			return []byte("h\n5\t1\t1\t1\t1\t1\t0\t0\t1\t1\t95\tREWE\n"), nil, nil
		}
		return []byte(reweReceipt), nil, nil
	})
	e := NewExtractor(Config{PSM: 6, EnableTSVConfidence: true}, r, nil)

	res, err := e.Extract(context.Background(), entity.PreprocessedImage{JPEG: page})
	if err != nil {
		t.Fatalf("extract: %v", err)
	}
	wantFirst := []string{"tesseract", "stdin", "stdout", "-l", "deu+eng", "--psm", "6"}
	if len(calls) != 2 || !slices.Equal(calls[0], wantFirst) {
		t.Fatalf("calls = %v", calls)
	}
	if res.FieldsFound != 4 || res.RawConfidence <= 0.8 {
		t.Fatalf("expected a confident full parse, got found=%d conf=%v", res.FieldsFound, res.RawConfidence)
	}
}

func TestExtractNoText(t *testing.T) {
	t.Parallel()
	r := runner.Func(func(context.Context, []byte, string, ...string) ([]byte, []byte, error) {
		return []byte("  \n\n ---- \n"), nil, nil
	})
	_, err := NewExtractor(Config{}, r, nil).Extract(context.Background(), entity.PreprocessedImage{JPEG: []byte{1}})
	if !errors.Is(err, common.ErrNoTextDetected) {
		t.Fatalf("expected ErrNoTextDetected, got %v", err)
	}
}

func TestExtractEngineFailure(t *testing.T) {
	t.Parallel()
	r := runner.Func(func(context.Context, []byte, string, ...string) ([]byte, []byte, error) {
		return nil, []byte("Error opening data file"), errors.New("exit status 1")
	})
	_, err := NewExtractor(Config{}, r, nil).Extract(context.Background(), entity.PreprocessedImage{JPEG: []byte{1}})
	if err == nil || errors.Is(err, common.ErrNoTextDetected) {
		t.Fatalf("expected an engine error, got %v", err)
	}
}

func TestRawConfidenceRewardsCoverage(t *testing.T) {
	t.Parallel()
	if rawConfidence(0.35, 1) >= 0.5 {
		t.Fatalf("a single field must stay below 0.5")
	}
	if rawConfidence(0.9, 4) <= rawConfidence(0.9, 2) {
		t.Fatalf("more fields must raise confidence")
	}
}
