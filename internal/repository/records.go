package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	entsql "entgo.io/ent/dialect/sql"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/joseph-ayodele/receipts-extractor/constants"
	"github.com/joseph-ayodele/receipts-extractor/internal/common"
	"github.com/joseph-ayodele/receipts-extractor/internal/entity"
)

// RecordRepository persists immutable extraction records.
type RecordRepository interface {
	Save(ctx context.Context, rec *entity.ExtractionRecord) error
	Get(ctx context.Context, id uuid.UUID) (*entity.ExtractionRecord, error)
	List(ctx context.Context, from, to *time.Time, limit int) ([]*entity.ExtractionRecord, error)
}

type recordRepo struct {
	db  *DB
	log *slog.Logger
}

func NewRecordRepository(db *DB, log *slog.Logger) RecordRepository {
	if log == nil {
		log = slog.Default()
	}
	return &recordRepo{db: db, log: log}
}

var recordSelectColumns = []string{
	"id", "status", "reason", "vendor", "receipt_date", "total_amount", "currency",
	"tax_amount", "tax_rate", "line_items", "payment_method", "receipt_number", "category",
	"confidence_score", "field_confidence", "anomalies", "extraction_method", "model_used",
	"processing_time_ms", "cost_usd", "raw_model_output", "content_hash", "api_key_prefix", "created_at",
}

func (r *recordRepo) Save(ctx context.Context, rec *entity.ExtractionRecord) error {
	items, err := json.Marshal(rec.Data.LineItems)
	if err != nil {
		return fmt.Errorf("encode line items: %w", err)
	}
	fields, err := json.Marshal(rec.FieldConfidence)
	if err != nil {
		return fmt.Errorf("encode field confidence: %w", err)
	}
	anomalies, err := json.Marshal(rec.Anomalies)
	if err != nil {
		return fmt.Errorf("encode anomalies: %w", err)
	}

	query, args := r.db.Builder().Insert(TableExtractionRecords).
		Columns(recordSelectColumns...).
		Values(
			rec.ID, string(rec.Status), nullString(rec.Reason), nullString(rec.Data.Vendor),
			nullString(rec.Data.Date), nullDecimal(rec.Data.TotalAmount), nullString(rec.Data.Currency),
			nullDecimal(rec.Data.TaxAmount), nullDecimal(rec.Data.TaxRate), string(items),
			nullString(rec.Data.PaymentMethod), nullString(rec.Data.ReceiptNumber), string(rec.Data.Category),
			rec.ConfidenceScore, string(fields), string(anomalies), string(rec.ExtractionMethod),
			nullString(rec.ModelUsed), rec.ProcessingTimeMS, rec.CostUSD.String(),
			nullString(rec.RawModelOutput), nullString(rec.ContentHash), nullString(rec.APIKeyPrefix),
			rec.CreatedAt.UTC(),
		).
		Query()
	if _, err := r.db.SQL().ExecContext(ctx, query, args...); err != nil {
		r.log.Error("extraction_record save failed", "record_id", rec.ID, "err", err)
		return fmt.Errorf("%w: save record: %v", common.ErrDatabase, err)
	}
	r.log.Debug("extraction_record saved", "record_id", rec.ID, "status", rec.Status)
	return nil
}

func (r *recordRepo) Get(ctx context.Context, id uuid.UUID) (*entity.ExtractionRecord, error) {
	b := r.db.Builder()
	query, args := b.Select(recordSelectColumns...).
		From(b.Table(TableExtractionRecords)).
		Where(entsql.EQ("id", id)).
		Query()
	row := r.db.SQL().QueryRowContext(ctx, query, args...)
	rec, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("record %s: %w", id, common.ErrNotFound)
	}
	if err != nil {
		r.log.Error("extraction_record get failed", "record_id", id, "err", err)
		return nil, fmt.Errorf("%w: get record: %v", common.ErrDatabase, err)
	}
	return rec, nil
}

// List returns records created within [from, to), newest first.
func (r *recordRepo) List(ctx context.Context, from, to *time.Time, limit int) ([]*entity.ExtractionRecord, error) {
	b := r.db.Builder()
	sel := b.Select(recordSelectColumns...).From(b.Table(TableExtractionRecords))
	var preds []*entsql.Predicate
	if from != nil {
		preds = append(preds, entsql.GTE("created_at", from.UTC()))
	}
	if to != nil {
		preds = append(preds, entsql.LT("created_at", to.UTC()))
	}
	if len(preds) > 0 {
		sel.Where(entsql.And(preds...))
	}
	sel.OrderBy(entsql.Desc("created_at"))
	if limit > 0 {
		sel.Limit(limit)
	}
	query, args := sel.Query()

	rows, err := r.db.SQL().QueryContext(ctx, query, args...)
	if err != nil {
		r.log.Error("extraction_record list failed", "err", err)
		return nil, fmt.Errorf("%w: list records: %v", common.ErrDatabase, err)
	}
	defer func() { _ = rows.Close() }()

	var out []*entity.ExtractionRecord
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("%w: scan record: %v", common.ErrDatabase, err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRecord(s scanner) (*entity.ExtractionRecord, error) {
	var (
		rec                                          entity.ExtractionRecord
		status, category, method, cost               string
		reason, vendor, date, currency               sql.NullString
		total, tax, rate                             sql.NullString
		items, fields, anomalies                     []byte
		payment, number, model, raw, hash, keyPrefix sql.NullString
	)
	err := s.Scan(
		&rec.ID, &status, &reason, &vendor, &date, &total, &currency,
		&tax, &rate, &items, &payment, &number, &category,
		&rec.ConfidenceScore, &fields, &anomalies, &method, &model,
		&rec.ProcessingTimeMS, &cost, &raw, &hash, &keyPrefix, &rec.CreatedAt,
	)
	if err != nil {
		return nil, err
	}

	rec.Status = constants.Status(status)
	rec.Reason = reason.String
	rec.ExtractionMethod = constants.Method(method)
	rec.ModelUsed = model.String
	rec.RawModelOutput = raw.String
	rec.ContentHash = hash.String
	rec.APIKeyPrefix = keyPrefix.String
	rec.CreatedAt = rec.CreatedAt.UTC()
	if rec.CostUSD, err = decimal.NewFromString(cost); err != nil {
		return nil, fmt.Errorf("cost_usd: %w", err)
	}

	rec.Data = entity.ExtractionResult{
		Vendor:        vendor.String,
		Date:          date.String,
		Currency:      currency.String,
		PaymentMethod: payment.String,
		ReceiptNumber: number.String,
		Category:      constants.Category(category),
	}
	for dst, src := range map[*decimal.NullDecimal]sql.NullString{
		&rec.Data.TotalAmount: total, &rec.Data.TaxAmount: tax, &rec.Data.TaxRate: rate,
	} {
		if !src.Valid {
			continue
		}
		d, err := decimal.NewFromString(src.String)
		if err != nil {
			return nil, fmt.Errorf("amount %q: %w", src.String, err)
		}
		*dst = decimal.NewNullDecimal(d)
	}
	if err := unmarshalOptional(items, &rec.Data.LineItems); err != nil {
		return nil, fmt.Errorf("line_items: %w", err)
	}
	if err := unmarshalOptional(fields, &rec.FieldConfidence); err != nil {
		return nil, fmt.Errorf("field_confidence: %w", err)
	}
	if err := unmarshalOptional(anomalies, &rec.Anomalies); err != nil {
		return nil, fmt.Errorf("anomalies: %w", err)
	}
	return &rec, nil
}

func unmarshalOptional(b []byte, v any) error {
	if len(b) == 0 || string(b) == "null" {
		return nil
	}
	return json.Unmarshal(b, v)
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullDecimal(d decimal.NullDecimal) sql.NullString {
	if !d.Valid {
		return sql.NullString{}
	}
	return sql.NullString{String: d.Decimal.String(), Valid: true}
}
