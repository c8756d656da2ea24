package budget

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/shopspring/decimal"

	"github.com/joseph-ayodele/receipts-extractor/internal/common"
)

// Estimator prices the worst case of a single call to a model.
type Estimator interface {
	WorstCase(model string) decimal.Decimal
}

// Decision is the outcome of model selection: a held reservation for Model.
type Decision struct {
	Reservation Reservation
	Model       string
	Degraded    bool   // fallback chosen instead of the requested model
	Reason      string // why the fallback was chosen
}

// Planner picks the model a request may use. It never retries a model the ledger
// just denied; it either moves to the cheaper fallback or reports ErrBudgetExceeded.
type Planner struct {
	ledger    Ledger
	estimator Estimator
	caps      Caps
	fallback  string
	logger    *slog.Logger
}

func NewPlanner(ledger Ledger, estimator Estimator, caps Caps, fallbackModel string, logger *slog.Logger) *Planner {
	if logger == nil {
		logger = slog.Default()
	}
	return &Planner{ledger: ledger, estimator: estimator, caps: caps, fallback: fallbackModel, logger: logger}
}

// Select reserves budget for primary, or for the fallback model when the primary is
// denied or the day is past the degrade ratio.
func (p *Planner) Select(ctx context.Context, primary string) (Decision, error) {
	sum, err := p.ledger.Summary(ctx)
	if err != nil {
		return Decision{}, fmt.Errorf("budget summary: %w", err)
	}

	monthlyUsed := sum.MonthlySpendUSD
	dailyUsed := sum.DailySpendUSD.Add(sum.DailyReservedUSD)
	if !p.caps.Monthly.IsZero() && monthlyUsed.GreaterThanOrEqual(p.caps.Monthly) {
		p.logger.Warn("budget.plan.monthly_cap", "monthly_spend_usd", monthlyUsed.String())
		return Decision{}, fmt.Errorf("monthly cap %s reached: %w", p.caps.Monthly, common.ErrBudgetExceeded)
	}
	if p.overRatio(dailyUsed, p.caps.HardStopRatio) {
		p.logger.Warn("budget.plan.daily_hard_stop", "daily_used_usd", dailyUsed.String())
		return Decision{}, fmt.Errorf("daily spend %s past hard stop: %w", dailyUsed, common.ErrBudgetExceeded)
	}

	type candidate struct {
		model  string
		reason string
	}
	var candidates []candidate
	if p.overRatio(dailyUsed, p.caps.DegradeRatio) {
		candidates = append(candidates, candidate{p.fallback, "daily_degrade"})
	} else {
		candidates = append(candidates, candidate{primary, ""}, candidate{p.fallback, "primary_denied"})
	}

	tried := map[string]bool{}
	for _, c := range candidates {
		if c.model == "" || tried[c.model] {
			continue
		}
		tried[c.model] = true

		est := p.estimator.WorstCase(c.model)
		res, err := p.ledger.Reserve(ctx, c.model, est)
		if errors.Is(err, common.ErrBudgetExceeded) {
			continue
		}
		if err != nil {
			return Decision{}, err
		}
		d := Decision{Reservation: res, Model: c.model}
		if c.model != primary {
			d.Degraded, d.Reason = true, c.reason
			p.logger.Info("budget.plan.fallback", "requested", primary, "model", c.model, "reason", c.reason)
		}
		return d, nil
	}
	return Decision{}, fmt.Errorf("no model fits the remaining budget: %w", common.ErrBudgetExceeded)
}

func (p *Planner) overRatio(used, ratio decimal.Decimal) bool {
	if p.caps.Daily.IsZero() || ratio.IsZero() {
		return false
	}
	return used.GreaterThanOrEqual(p.caps.Daily.Mul(ratio))
}
