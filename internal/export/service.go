package export

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/xuri/excelize/v2"

	"github.com/joseph-ayodele/receipts-extractor/internal/entity"
)

// RecordLister is the part of the record store the export reads.
type RecordLister interface {
	List(ctx context.Context, from, to *time.Time, limit int) ([]*entity.ExtractionRecord, error)
}

// SpendLister is implemented by both budget ledgers.
type SpendLister interface {
	SpendRecords(ctx context.Context, from, to *time.Time) ([]entity.SpendRecord, error)
}

// Service produces XLSX workbooks of extraction records and model spend.
type Service struct {
	records RecordLister
	spend   SpendLister
	logger  *slog.Logger
}

func NewService(records RecordLister, spend SpendLister, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{records: records, spend: spend, logger: logger}
}

const (
	sheetExtractions = "Extractions"
	sheetSpend       = "Spend"
	exportRowLimit   = 10_000
)

// ExportXLSX returns a workbook for records created within the date window.
// If only from is provided -> from..today (inclusive).
// If only to is provided   -> beginning..to (inclusive).
// If neither is provided   -> everything.
func (s *Service) ExportXLSX(ctx context.Context, from, to *time.Time) ([]byte, error) {
	start := time.Now()
	lo, hi := window(from, to)

	recs, err := s.records.List(ctx, lo, hi, exportRowLimit)
	if err != nil {
		return nil, fmt.Errorf("query records: %w", err)
	}
	var spend []entity.SpendRecord
	if s.spend != nil {
		if spend, err = s.spend.SpendRecords(ctx, lo, hi); err != nil {
			return nil, fmt.Errorf("query spend: %w", err)
		}
	}

	f := excelize.NewFile()
	defer func() { _ = f.Close() }()

	// the default sheet becomes the extraction sheet
	if err := f.SetSheetName("Sheet1", sheetExtractions); err != nil {
		return nil, err
	}
	if _, err := f.NewSheet(sheetSpend); err != nil {
		return nil, err
	}

	writeHeader(f, sheetExtractions, []string{
		"Created", "Status", "Method", "Vendor", "Transaction Date", "Category",
		"Total", "Currency", "Tax", "Tax Rate", "Confidence", "Model", "Cost USD", "Reason", "ID",
	})
	for i, r := range recs {
		writeRow(f, sheetExtractions, i+2, []any{
			r.CreatedAt.UTC().Format(time.RFC3339),
			string(r.Status),
			string(r.ExtractionMethod),
			r.Data.Vendor,
			r.Data.Date,
			string(r.Data.Category),
			nullAmount(r.Data.TotalAmount.Valid, r.Data.TotalAmount.Decimal.StringFixed(2)),
			r.Data.Currency,
			nullAmount(r.Data.TaxAmount.Valid, r.Data.TaxAmount.Decimal.StringFixed(2)),
			nullAmount(r.Data.TaxRate.Valid, r.Data.TaxRate.Decimal.String()),
			r.ConfidenceScore,
			r.ModelUsed,
			r.CostUSD.String(),
			truncate(r.Reason, 140),
			r.ID.String(),
		})
	}

	writeHeader(f, sheetSpend, []string{"At", "Model", "Input Tokens", "Output Tokens", "Cost USD", "Request ID"})
	for i, sr := range spend {
		writeRow(f, sheetSpend, i+2, []any{
			sr.At.UTC().Format(time.RFC3339),
			sr.Model,
			sr.InputTokens,
			sr.OutputTokens,
			sr.CostUSD.String(),
			sr.RequestID.String(),
		})
	}

	// Widen a few columns
	_ = f.SetColWidth(sheetExtractions, "A", "A", 22) // created
	_ = f.SetColWidth(sheetExtractions, "D", "D", 28) // vendor
	_ = f.SetColWidth(sheetExtractions, "N", "N", 40) // reason
	_ = f.SetColWidth(sheetExtractions, "O", "O", 38) // id
	_ = f.SetColWidth(sheetSpend, "A", "B", 30)

	idx, _ := f.GetSheetIndex(sheetExtractions)
	f.SetActiveSheet(idx)

	buf, err := f.WriteToBuffer()
	if err != nil {
		return nil, fmt.Errorf("xlsx write: %w", err)
	}

	s.logger.Info("export.xlsx.ok",
		"rows", len(recs),
		"spend_rows", len(spend),
		"elapsed_ms", time.Since(start).Milliseconds(),
	)
	return buf.Bytes(), nil
}

// window turns inclusive calendar days into a half-open [lo, hi) range.
func window(from, to *time.Time) (*time.Time, *time.Time) {
	var lo, hi *time.Time
	if from != nil {
		f := time.Date(from.Year(), from.Month(), from.Day(), 0, 0, 0, 0, time.UTC)
		lo = &f
	}
	if to != nil {
		t := time.Date(to.Year(), to.Month(), to.Day(), 0, 0, 0, 0, time.UTC).AddDate(0, 0, 1)
		hi = &t
	}
	if lo != nil && hi == nil {
		today := time.Now().UTC()
		t := time.Date(today.Year(), today.Month(), today.Day(), 0, 0, 0, 0, time.UTC).AddDate(0, 0, 1)
		hi = &t
	}
	return lo, hi
}

func writeHeader(f *excelize.File, sheet string, headers []string) {
	for i, h := range headers {
		cell, _ := excelize.CoordinatesToCellName(i+1, 1)
		_ = f.SetCellValue(sheet, cell, h)
	}
}

func writeRow(f *excelize.File, sheet string, row int, values []any) {
	for i, v := range values {
		cell, _ := excelize.CoordinatesToCellName(i+1, row)
		_ = f.SetCellValue(sheet, cell, v)
	}
}

func nullAmount(valid bool, s string) string {
	if !valid {
		return ""
	}
	return s
}

func truncate(s string, n int) string {
	if n <= 0 || len(s) <= n {
		return s
	}
	if n <= 1 {
		return s[:n]
	}
	return s[:n-1] + "…"
}
