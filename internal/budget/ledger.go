package budget

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/joseph-ayodele/receipts-extractor/internal/common"
	"github.com/joseph-ayodele/receipts-extractor/internal/entity"
)

// ErrUnknownReservation is returned when a reservation was already recorded or released.
var ErrUnknownReservation = errors.New("unknown reservation")

// Ledger gates spend on the remote model against daily and monthly caps.
//
// Reserve is the atomic check-and-hold: a held amount counts against both windows
// until Record converts it into actual spend or Release drops it. Record is the only
// operation that increases cumulative spend.
type Ledger interface {
	CanSpend(ctx context.Context, estimate decimal.Decimal) (bool, error)
	Reserve(ctx context.Context, model string, estimate decimal.Decimal) (Reservation, error)
	Record(ctx context.Context, res Reservation, rec entity.SpendRecord) error
	Release(ctx context.Context, res Reservation) error
	Summary(ctx context.Context) (entity.CostSummary, error)
}

// Reservation is a hold taken before a remote call.
type Reservation struct {
	ID     uuid.UUID
	Model  string
	Amount decimal.Decimal
	At     time.Time // anchors the windows the spend is attributed to
}

// Caps are the configured limits. A zero cap disables that window.
type Caps struct {
	Daily         decimal.Decimal
	Monthly       decimal.Decimal
	PerRequest    decimal.Decimal
	DegradeRatio  decimal.Decimal
	HardStopRatio decimal.Decimal
}

// ParseCaps converts the string amounts of the budget config.
func ParseCaps(cfg common.BudgetConfig) (Caps, error) {
	var caps Caps
	fields := []struct {
		name string
		raw  string
		dst  *decimal.Decimal
	}{
		{"BUDGET_DAILY_USD", cfg.DailyCapUSD, &caps.Daily},
		{"BUDGET_MONTHLY_USD", cfg.MonthlyCapUSD, &caps.Monthly},
		{"BUDGET_PER_REQUEST_USD", cfg.PerRequestUSD, &caps.PerRequest},
		{"BUDGET_DEGRADE_RATIO", cfg.DegradeRatio, &caps.DegradeRatio},
		{"BUDGET_HARD_STOP_RATIO", cfg.HardStopRatio, &caps.HardStopRatio},
	}
	for _, f := range fields {
		if f.raw == "" {
			continue
		}
		d, err := decimal.NewFromString(f.raw)
		if err != nil || d.IsNegative() {
			return Caps{}, common.NewAppError("CONFIG_ERROR", fmt.Sprintf("%s must be a non-negative decimal", f.name), common.ErrInvalidInput)
		}
		*f.dst = d
	}
	return caps, nil
}

// fits reports whether spent+reserved+estimate stays within limit (zero limit = unlimited).
func fits(limit, spent, reserved, estimate decimal.Decimal) bool {
	if limit.IsZero() {
		return true
	}
	return spent.Add(reserved).Add(estimate).LessThanOrEqual(limit)
}

func dayKey(t time.Time) string   { return "day:" + t.UTC().Format("2006-01-02") }
func monthKey(t time.Time) string { return "month:" + t.UTC().Format("2006-01") }

func validateAmount(what string, d decimal.Decimal) error {
	if d.IsNegative() {
		return fmt.Errorf("%s must not be negative: %s", what, d)
	}
	return nil
}
