package budget

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/joseph-ayodele/receipts-extractor/internal/common"
	"github.com/joseph-ayodele/receipts-extractor/internal/entity"
)

type window struct {
	spent    decimal.Decimal
	reserved decimal.Decimal
	requests int
}

// MemoryLedger is a single-process ledger; one mutex serializes every window.
type MemoryLedger struct {
	caps   Caps
	now    func() time.Time
	logger *slog.Logger

	mu      sync.Mutex
	windows map[string]*window
	holds   map[uuid.UUID]Reservation
	records []entity.SpendRecord
}

func NewMemoryLedger(caps Caps, logger *slog.Logger) *MemoryLedger {
	if logger == nil {
		logger = slog.Default()
	}
	return &MemoryLedger{
		caps:    caps,
		now:     time.Now,
		logger:  logger,
		windows: make(map[string]*window),
		holds:   make(map[uuid.UUID]Reservation),
	}
}

// SetClock replaces the time source; used by tests to cross window boundaries.
func (l *MemoryLedger) SetClock(now func() time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.now = now
}

func (l *MemoryLedger) win(key string) *window {
	w, ok := l.windows[key]
	if !ok {
		w = &window{}
		l.windows[key] = w
	}
	return w
}

// pruneLocked drops windows that are neither current nor backing an open hold.
// Requires l.mu.
func (l *MemoryLedger) pruneLocked(now time.Time) {
	keep := map[string]bool{dayKey(now): true, monthKey(now): true}
	for _, h := range l.holds {
		keep[dayKey(h.At)], keep[monthKey(h.At)] = true, true
	}
	for key := range l.windows {
		if !keep[key] {
			delete(l.windows, key)
		}
	}
}

// fitsLocked requires l.mu.
func (l *MemoryLedger) fitsLocked(at time.Time, estimate decimal.Decimal) bool {
	if !l.caps.PerRequest.IsZero() && estimate.GreaterThan(l.caps.PerRequest) {
		return false
	}
	d, m := l.win(dayKey(at)), l.win(monthKey(at))
	return fits(l.caps.Daily, d.spent, d.reserved, estimate) &&
		fits(l.caps.Monthly, m.spent, m.reserved, estimate)
}

func (l *MemoryLedger) CanSpend(_ context.Context, estimate decimal.Decimal) (bool, error) {
	if err := validateAmount("estimate", estimate); err != nil {
		return false, err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.fitsLocked(l.now(), estimate), nil
}

func (l *MemoryLedger) Reserve(_ context.Context, model string, estimate decimal.Decimal) (Reservation, error) {
	if err := validateAmount("estimate", estimate); err != nil {
		return Reservation{}, err
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	at := l.now()
	l.pruneLocked(at)
	if !l.fitsLocked(at, estimate) {
		l.logger.Info("budget.reserve.denied", "model", model, "estimate_usd", estimate.String())
		return Reservation{}, fmt.Errorf("reserve %s for %s: %w", estimate, model, common.ErrBudgetExceeded)
	}
	res := Reservation{ID: uuid.New(), Model: model, Amount: estimate, At: at}
	for _, key := range []string{dayKey(at), monthKey(at)} {
		w := l.win(key)
		w.reserved = w.reserved.Add(estimate)
	}
	l.holds[res.ID] = res
	l.logger.Debug("budget.reserve.ok", "reservation_id", res.ID, "model", model, "estimate_usd", estimate.String())
	return res, nil
}

func (l *MemoryLedger) Record(_ context.Context, res Reservation, rec entity.SpendRecord) error {
	if err := validateAmount("cost", rec.CostUSD); err != nil {
		return err
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	hold, ok := l.holds[res.ID]
	if !ok {
		return fmt.Errorf("record %s: %w", res.ID, ErrUnknownReservation)
	}
	delete(l.holds, res.ID)
	for _, key := range []string{dayKey(hold.At), monthKey(hold.At)} {
		w := l.win(key)
		w.reserved = w.reserved.Sub(hold.Amount)
		w.spent = w.spent.Add(rec.CostUSD)
		w.requests++
	}
	if rec.ID == uuid.Nil {
		rec.ID = uuid.New()
	}
	if rec.At.IsZero() {
		rec.At = l.now()
	}
	l.records = append(l.records, rec)
	l.logger.Info("budget.record",
		"model", rec.Model,
		"cost_usd", rec.CostUSD.String(),
		"estimate_usd", hold.Amount.String(),
		"input_tokens", rec.InputTokens,
		"output_tokens", rec.OutputTokens,
	)
	return nil
}

func (l *MemoryLedger) Release(_ context.Context, res Reservation) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	hold, ok := l.holds[res.ID]
	if !ok {
		return fmt.Errorf("release %s: %w", res.ID, ErrUnknownReservation)
	}
	delete(l.holds, res.ID)
	for _, key := range []string{dayKey(hold.At), monthKey(hold.At)} {
		w := l.win(key)
		w.reserved = w.reserved.Sub(hold.Amount)
	}
	return nil
}

func (l *MemoryLedger) Summary(_ context.Context) (entity.CostSummary, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	l.pruneLocked(now)
	d, m := l.win(dayKey(now)), l.win(monthKey(now))
	return entity.CostSummary{
		DailySpendUSD:     d.spent,
		MonthlySpendUSD:   m.spent,
		DailyReservedUSD:  d.reserved,
		DailyLimitUSD:     l.caps.Daily,
		MonthlyLimitUSD:   l.caps.Monthly,
		RequestsToday:     d.requests,
		RequestsThisMonth: m.requests,
	}, nil
}

// SpendRecords returns the spend log within [from, to), oldest first.
func (l *MemoryLedger) SpendRecords(_ context.Context, from, to *time.Time) ([]entity.SpendRecord, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]entity.SpendRecord, 0, len(l.records))
	for _, r := range l.records {
		if from != nil && r.At.Before(*from) {
			continue
		}
		if to != nil && !r.At.Before(*to) {
			continue
		}
		out = append(out, r)
	}
	return out, nil
}

// Preload books spend without a reservation, e.g. when seeding from a persisted log.
func (l *MemoryLedger) Preload(rec entity.SpendRecord) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if rec.At.IsZero() {
		rec.At = l.now()
	}
	for _, key := range []string{dayKey(rec.At), monthKey(rec.At)} {
		w := l.win(key)
		w.spent = w.spent.Add(rec.CostUSD)
		w.requests++
	}
	l.records = append(l.records, rec)
}
