package repository

import (
	"context"
	"fmt"

	"entgo.io/ent/dialect"
	"entgo.io/ent/dialect/sql/schema"
	"entgo.io/ent/schema/field"
)

// Table names.
const (
	TableExtractionRecords = "extraction_records"
	TableSpendRecords      = "spend_records"
	TableBudgetWindows     = "budget_windows"
	TableBudgetHolds       = "budget_holds"
)

var (
	money = map[string]string{dialect.Postgres: "numeric"}
	text  = map[string]string{dialect.Postgres: "text", dialect.SQLite: "text"}

	extractionRecordColumns = []*schema.Column{
		{Name: "id", Type: field.TypeUUID},
		{Name: "status", Type: field.TypeString, Size: 20},
		{Name: "reason", Type: field.TypeString, Size: 100, Nullable: true},
		{Name: "vendor", Type: field.TypeString, Size: 255, Nullable: true},
		{Name: "receipt_date", Type: field.TypeString, Size: 10, Nullable: true},
		{Name: "total_amount", Type: field.TypeString, SchemaType: money, Nullable: true},
		{Name: "currency", Type: field.TypeString, Size: 3, Nullable: true},
		{Name: "tax_amount", Type: field.TypeString, SchemaType: money, Nullable: true},
		{Name: "tax_rate", Type: field.TypeString, SchemaType: money, Nullable: true},
		{Name: "line_items", Type: field.TypeJSON, Nullable: true},
		{Name: "payment_method", Type: field.TypeString, Size: 100, Nullable: true},
		{Name: "receipt_number", Type: field.TypeString, Size: 100, Nullable: true},
		{Name: "category", Type: field.TypeString, Size: 50},
		{Name: "confidence_score", Type: field.TypeFloat64},
		{Name: "field_confidence", Type: field.TypeJSON, Nullable: true},
		{Name: "anomalies", Type: field.TypeJSON, Nullable: true},
		{Name: "extraction_method", Type: field.TypeString, Size: 20},
		{Name: "model_used", Type: field.TypeString, Size: 100, Nullable: true},
		{Name: "processing_time_ms", Type: field.TypeInt64},
		{Name: "cost_usd", Type: field.TypeString, SchemaType: money},
		{Name: "raw_model_output", Type: field.TypeString, SchemaType: text, Nullable: true},
		{Name: "content_hash", Type: field.TypeString, Size: 64, Nullable: true},
		{Name: "api_key_prefix", Type: field.TypeString, Size: 30, Nullable: true},
		{Name: "created_at", Type: field.TypeTime},
	}
	ExtractionRecordsTable = &schema.Table{
		Name:       TableExtractionRecords,
		Columns:    extractionRecordColumns,
		PrimaryKey: []*schema.Column{extractionRecordColumns[0]},
		Indexes: []*schema.Index{
			{Name: "extractionrecord_created_at", Columns: []*schema.Column{extractionRecordColumns[23]}},
			{Name: "extractionrecord_content_hash", Columns: []*schema.Column{extractionRecordColumns[21]}},
		},
	}

	spendRecordColumns = []*schema.Column{
		{Name: "id", Type: field.TypeUUID},
		{Name: "request_id", Type: field.TypeUUID, Nullable: true},
		{Name: "model", Type: field.TypeString, Size: 100},
		{Name: "input_tokens", Type: field.TypeInt},
		{Name: "output_tokens", Type: field.TypeInt},
		{Name: "cost_usd", Type: field.TypeString, SchemaType: money},
		{Name: "day_key", Type: field.TypeString, Size: 20},
		{Name: "at", Type: field.TypeTime},
	}
	SpendRecordsTable = &schema.Table{
		Name:       TableSpendRecords,
		Columns:    spendRecordColumns,
		PrimaryKey: []*schema.Column{spendRecordColumns[0]},
		Indexes: []*schema.Index{
			{Name: "spendrecord_day_key", Columns: []*schema.Column{spendRecordColumns[6]}},
		},
	}

	// One row per window ("day:2026-02-07", "month:2026-02"); locked on every update.
	budgetWindowColumns = []*schema.Column{
		{Name: "window_key", Type: field.TypeString, Size: 20},
		{Name: "spent", Type: field.TypeString, SchemaType: money},
		{Name: "reserved", Type: field.TypeString, SchemaType: money},
		{Name: "requests", Type: field.TypeInt},
	}
	BudgetWindowsTable = &schema.Table{
		Name:       TableBudgetWindows,
		Columns:    budgetWindowColumns,
		PrimaryKey: []*schema.Column{budgetWindowColumns[0]},
	}

	budgetHoldColumns = []*schema.Column{
		{Name: "id", Type: field.TypeUUID},
		{Name: "model", Type: field.TypeString, Size: 100},
		{Name: "amount", Type: field.TypeString, SchemaType: money},
		{Name: "day_key", Type: field.TypeString, Size: 20},
		{Name: "month_key", Type: field.TypeString, Size: 20},
		{Name: "created_at", Type: field.TypeTime},
	}
	BudgetHoldsTable = &schema.Table{
		Name:       TableBudgetHolds,
		Columns:    budgetHoldColumns,
		PrimaryKey: []*schema.Column{budgetHoldColumns[0]},
	}

	Tables = []*schema.Table{
		ExtractionRecordsTable,
		SpendRecordsTable,
		BudgetWindowsTable,
		BudgetHoldsTable,
	}
)

// Migrate creates or upgrades every table.
func Migrate(ctx context.Context, db *DB) error {
	m, err := schema.NewMigrate(db.Driver)
	if err != nil {
		return fmt.Errorf("create migrator: %w", err)
	}
	if err := m.Create(ctx, Tables...); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	return nil
}
