package export

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/xuri/excelize/v2"

	"github.com/joseph-ayodele/receipts-extractor/constants"
	"github.com/joseph-ayodele/receipts-extractor/internal/entity"
)

type fakeRecords struct {
	recs     []*entity.ExtractionRecord
	from, to *time.Time
}

func (f *fakeRecords) List(_ context.Context, from, to *time.Time, _ int) ([]*entity.ExtractionRecord, error) {
	f.from, f.to = from, to
	return f.recs, nil
}

type fakeSpend []entity.SpendRecord

func (f fakeSpend) SpendRecords(context.Context, *time.Time, *time.Time) ([]entity.SpendRecord, error) {
	return f, nil
}

func TestExportXLSX(t *testing.T) {
	t.Parallel()
	created := time.Date(2026, 2, 7, 10, 0, 0, 0, time.UTC)
	records := &fakeRecords{recs: []*entity.ExtractionRecord{{
		ID:     uuid.New(),
		Status: constants.StatusSuccess,
		Data: entity.ExtractionResult{
			Vendor:      "REWE Markt GmbH",
			Date:        "2026-02-07",
			TotalAmount: decimal.NewNullDecimal(decimal.RequireFromString("47.8")),
			Currency:    "EUR",
			Category:    constants.Groceries,
		},
		ConfidenceScore:  0.91,
		ExtractionMethod: constants.MethodVLM,
		ModelUsed:        "qwen/qwen2.5-vl-72b-instruct",
		CostUSD:          decimal.RequireFromString("0.0006"),
		CreatedAt:        created,
	}}}
	spend := fakeSpend{{ID: uuid.New(), Model: "qwen/qwen2.5-vl-72b-instruct", InputTokens: 1200, OutputTokens: 300, CostUSD: decimal.RequireFromString("0.0006"), At: created}}
	svc := NewService(records, spend, slog.New(slog.NewTextHandler(io.Discard, nil)))

	from := time.Date(2026, 2, 1, 15, 0, 0, 0, time.UTC)
	to := time.Date(2026, 2, 28, 0, 0, 0, 0, time.UTC)
	b, err := svc.ExportXLSX(context.Background(), &from, &to)
	if err != nil {
		t.Fatalf("ExportXLSX: %v", err)
	}
	if !records.from.Equal(time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC)) || !records.to.Equal(time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)) {
		t.Fatalf("window = %v..%v", records.from, records.to)
	}

	f, err := excelize.OpenReader(bytes.NewReader(b))
	if err != nil {
		t.Fatalf("open workbook: %v", err)
	}
	defer func() { _ = f.Close() }()

	rows, err := f.GetRows(sheetExtractions)
	if err != nil {
		t.Fatalf("GetRows: %v", err)
	}
	if len(rows) != 2 {
		t.Fatalf("rows = %d, want header + 1", len(rows))
	}
	if rows[1][3] != "REWE Markt GmbH" || rows[1][6] != "47.80" || rows[1][5] != "groceries" {
		t.Fatalf("row = %v", rows[1])
	}

	spendRows, err := f.GetRows(sheetSpend)
	if err != nil {
		t.Fatalf("GetRows spend: %v", err)
	}
	if len(spendRows) != 2 || spendRows[1][4] != "0.0006" {
		t.Fatalf("spend rows = %v", spendRows)
	}
}

func TestWindowOpenEnded(t *testing.T) {
	t.Parallel()
	lo, hi := window(nil, nil)
	if lo != nil || hi != nil {
		t.Fatalf("window(nil, nil) = %v, %v", lo, hi)
	}
	from := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	_, hi = window(&from, nil)
	if hi == nil || !hi.After(time.Now().UTC()) {
		t.Fatalf("open end = %v, want tomorrow", hi)
	}
}
