package entity

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// SpendRecord is one billed remote model call. Append-only.
type SpendRecord struct {
	ID           uuid.UUID       `json:"id"`
	RequestID    uuid.UUID       `json:"request_id"`
	Model        string          `json:"model"`
	InputTokens  int             `json:"input_tokens"`
	OutputTokens int             `json:"output_tokens"`
	CostUSD      decimal.Decimal `json:"cost_usd"`
	At           time.Time       `json:"at"`
}

// CostSummary reports the running totals of the current budget windows.
type CostSummary struct {
	DailySpendUSD     decimal.Decimal `json:"daily_spend_usd"`
	MonthlySpendUSD   decimal.Decimal `json:"monthly_spend_usd"`
	DailyReservedUSD  decimal.Decimal `json:"daily_reserved_usd"`
	DailyLimitUSD     decimal.Decimal `json:"daily_limit_usd"`
	MonthlyLimitUSD   decimal.Decimal `json:"monthly_limit_usd"`
	RequestsToday     int             `json:"requests_today"`
	RequestsThisMonth int             `json:"requests_this_month"`
}
