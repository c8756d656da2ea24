package budget

import (
	"context"
	"errors"
	"testing"

	"github.com/shopspring/decimal"

	"github.com/joseph-ayodele/receipts-extractor/internal/common"
	"github.com/joseph-ayodele/receipts-extractor/internal/entity"
)

type fixedPrices map[string]decimal.Decimal

func (f fixedPrices) WorstCase(model string) decimal.Decimal { return f[model] }

const (
	primaryModel  = "qwen/qwen2.5-vl-72b-instruct"
	fallbackModel = "openai/gpt-4o-mini"
)

var testCaps = Caps{
	Daily:         usd("1.00"),
	Monthly:       usd("5.00"),
	DegradeRatio:  usd("0.80"),
	HardStopRatio: usd("0.95"),
}

func spend(t *testing.T, l Ledger, amount string) {
	t.Helper()
	ctx := context.Background()
	res, err := l.Reserve(ctx, "seed", decimal.Zero)
	if err != nil {
		t.Fatalf("seed reserve: %v", err)
	}
	if err := l.Record(ctx, res, entity.SpendRecord{Model: "seed", CostUSD: usd(amount)}); err != nil {
		t.Fatalf("seed record: %v", err)
	}
}

func TestPlannerSelect(t *testing.T) {
	t.Parallel()
	prices := fixedPrices{primaryModel: usd("0.10"), fallbackModel: usd("0.02")}

	tests := []struct {
		name      string
		caps      Caps
		spent     string
		wantModel string
		wantErr   error
		wantWhy   string
	}{
		{name: "fresh day uses primary", caps: testCaps, spent: "0", wantModel: primaryModel},
		{name: "past degrade ratio uses fallback", caps: testCaps, spent: "0.80", wantModel: fallbackModel, wantWhy: "daily_degrade"},
		{name: "primary does not fit", caps: Caps{Daily: usd("1.00")}, spent: "0.95", wantModel: fallbackModel, wantWhy: "primary_denied"},
		{name: "past hard stop denies", caps: testCaps, spent: "0.95", wantErr: common.ErrBudgetExceeded},
		{name: "monthly cap denies", caps: Caps{Monthly: usd("0.50")}, spent: "0.50", wantErr: common.ErrBudgetExceeded},
		{name: "nothing fits", caps: Caps{Daily: usd("1.00"), PerRequest: usd("0.01")}, spent: "0", wantErr: common.ErrBudgetExceeded},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			ledger := NewMemoryLedger(tc.caps, nil)
			spend(t, ledger, tc.spent)

			d, err := NewPlanner(ledger, prices, tc.caps, fallbackModel, nil).Select(context.Background(), primaryModel)
			if tc.wantErr != nil {
				if !errors.Is(err, tc.wantErr) {
					t.Fatalf("expected %v, got %v", tc.wantErr, err)
				}
				return
			}
			if err != nil {
				t.Fatalf("select: %v", err)
			}
			if d.Model != tc.wantModel {
				t.Fatalf("model = %q, want %q", d.Model, tc.wantModel)
			}
			if d.Reason != tc.wantWhy || d.Degraded != (tc.wantWhy != "") {
				t.Fatalf("reason = %q degraded = %v, want %q", d.Reason, d.Degraded, tc.wantWhy)
			}
			if !d.Reservation.Amount.Equal(prices[d.Model]) {
				t.Fatalf("reservation amount %s, want %s", d.Reservation.Amount, prices[d.Model])
			}
		})
	}
}

type countingLedger struct {
	*MemoryLedger
	reserves map[string]int
}

func (c *countingLedger) Reserve(ctx context.Context, model string, est decimal.Decimal) (Reservation, error) {
	c.reserves[model]++
	return c.MemoryLedger.Reserve(ctx, model, est)
}

func TestPlannerNeverRetriesDeniedModel(t *testing.T) {
	t.Parallel()
	caps := Caps{Daily: usd("0.05")}
	ledger := &countingLedger{MemoryLedger: NewMemoryLedger(caps, nil), reserves: map[string]int{}}
	prices := fixedPrices{primaryModel: usd("0.10"), fallbackModel: usd("0.10")}

	_, err := NewPlanner(ledger, prices, caps, fallbackModel, nil).Select(context.Background(), primaryModel)
	if !errors.Is(err, common.ErrBudgetExceeded) {
		t.Fatalf("expected ErrBudgetExceeded, got %v", err)
	}
	for model, n := range ledger.reserves {
		if n != 1 {
			t.Fatalf("model %s was tried %d times", model, n)
		}
	}
}

func TestPlannerSameModelAsFallback(t *testing.T) {
	t.Parallel()
	caps := Caps{Daily: usd("0.05")}
	ledger := &countingLedger{MemoryLedger: NewMemoryLedger(caps, nil), reserves: map[string]int{}}

	_, err := NewPlanner(ledger, fixedPrices{fallbackModel: usd("0.10")}, caps, fallbackModel, nil).
		Select(context.Background(), fallbackModel)
	if !errors.Is(err, common.ErrBudgetExceeded) {
		t.Fatalf("expected ErrBudgetExceeded, got %v", err)
	}
	if ledger.reserves[fallbackModel] != 1 {
		t.Fatalf("expected a single attempt, got %d", ledger.reserves[fallbackModel])
	}
}
