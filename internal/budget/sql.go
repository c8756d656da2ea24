package budget

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"entgo.io/ent/dialect"
	entsql "entgo.io/ent/dialect/sql"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/joseph-ayodele/receipts-extractor/internal/common"
	"github.com/joseph-ayodele/receipts-extractor/internal/entity"
	"github.com/joseph-ayodele/receipts-extractor/internal/repository"
)

// SQLLedger keeps windows and holds in the database so that several processes share
// one budget. Every mutation runs in a transaction that locks the day row before the
// month row; SQLite gets the same serialization from its single connection.
type SQLLedger struct {
	db     *repository.DB
	caps   Caps
	now    func() time.Time
	logger *slog.Logger
}

func NewSQLLedger(db *repository.DB, caps Caps, logger *slog.Logger) *SQLLedger {
	if logger == nil {
		logger = slog.Default()
	}
	return &SQLLedger{db: db, caps: caps, now: time.Now, logger: logger}
}

// SetClock replaces the time source.
func (l *SQLLedger) SetClock(now func() time.Time) { l.now = now }

type windowRow struct {
	key      string
	spent    decimal.Decimal
	reserved decimal.Decimal
	requests int
}

func (l *SQLLedger) inTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := l.db.SQL().BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("%w: begin: %v", common.ErrDatabase, err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("%w: commit: %v", common.ErrDatabase, err)
	}
	return nil
}

// lockWindow creates the window row if needed and reads it, holding a row lock on Postgres.
func (l *SQLLedger) lockWindow(ctx context.Context, tx *sql.Tx, key string) (*windowRow, error) {
	b := l.db.Builder()
	ins, args := b.Insert(repository.TableBudgetWindows).
		Columns("window_key", "spent", "reserved", "requests").
		Values(key, "0", "0", 0).
		OnConflict(entsql.ConflictColumns("window_key"), entsql.DoNothing()).
		Query()
	if _, err := tx.ExecContext(ctx, ins, args...); err != nil {
		return nil, fmt.Errorf("%w: create window %s: %v", common.ErrDatabase, key, err)
	}

	sel := b.Select("spent", "reserved", "requests").
		From(b.Table(repository.TableBudgetWindows)).
		Where(entsql.EQ("window_key", key))
	if l.db.Dialect == dialect.Postgres {
		sel.ForUpdate()
	}
	q, qargs := sel.Query()
	w := &windowRow{key: key}
	var spent, reserved string
	if err := tx.QueryRowContext(ctx, q, qargs...).Scan(&spent, &reserved, &w.requests); err != nil {
		return nil, fmt.Errorf("%w: read window %s: %v", common.ErrDatabase, key, err)
	}
	var err error
	if w.spent, err = decimal.NewFromString(spent); err != nil {
		return nil, fmt.Errorf("window %s spent: %w", key, err)
	}
	if w.reserved, err = decimal.NewFromString(reserved); err != nil {
		return nil, fmt.Errorf("window %s reserved: %w", key, err)
	}
	return w, nil
}

func (l *SQLLedger) saveWindow(ctx context.Context, tx *sql.Tx, w *windowRow) error {
	q, args := l.db.Builder().Update(repository.TableBudgetWindows).
		Set("spent", w.spent.String()).
		Set("reserved", w.reserved.String()).
		Set("requests", w.requests).
		Where(entsql.EQ("window_key", w.key)).
		Query()
	if _, err := tx.ExecContext(ctx, q, args...); err != nil {
		return fmt.Errorf("%w: update window %s: %v", common.ErrDatabase, w.key, err)
	}
	return nil
}

func (l *SQLLedger) lockPair(ctx context.Context, tx *sql.Tx, at time.Time) (day, month *windowRow, err error) {
	if day, err = l.lockWindow(ctx, tx, dayKey(at)); err != nil {
		return nil, nil, err
	}
	if month, err = l.lockWindow(ctx, tx, monthKey(at)); err != nil {
		return nil, nil, err
	}
	return day, month, nil
}

func (l *SQLLedger) fitsRows(day, month *windowRow, estimate decimal.Decimal) bool {
	if !l.caps.PerRequest.IsZero() && estimate.GreaterThan(l.caps.PerRequest) {
		return false
	}
	return fits(l.caps.Daily, day.spent, day.reserved, estimate) &&
		fits(l.caps.Monthly, month.spent, month.reserved, estimate)
}

func (l *SQLLedger) CanSpend(ctx context.Context, estimate decimal.Decimal) (bool, error) {
	if err := validateAmount("estimate", estimate); err != nil {
		return false, err
	}
	now := l.now()
	day, err := l.readWindow(ctx, dayKey(now))
	if err != nil {
		return false, err
	}
	month, err := l.readWindow(ctx, monthKey(now))
	if err != nil {
		return false, err
	}
	return l.fitsRows(day, month, estimate), nil
}

func (l *SQLLedger) Reserve(ctx context.Context, model string, estimate decimal.Decimal) (Reservation, error) {
	if err := validateAmount("estimate", estimate); err != nil {
		return Reservation{}, err
	}
	at := l.now().UTC()
	res := Reservation{ID: uuid.New(), Model: model, Amount: estimate, At: at}

	err := l.inTx(ctx, func(tx *sql.Tx) error {
		day, month, err := l.lockPair(ctx, tx, at)
		if err != nil {
			return err
		}
		if !l.fitsRows(day, month, estimate) {
			return fmt.Errorf("reserve %s for %s: %w", estimate, model, common.ErrBudgetExceeded)
		}
		for _, w := range []*windowRow{day, month} {
			w.reserved = w.reserved.Add(estimate)
			if err := l.saveWindow(ctx, tx, w); err != nil {
				return err
			}
		}
		q, args := l.db.Builder().Insert(repository.TableBudgetHolds).
			Columns("id", "model", "amount", "day_key", "month_key", "created_at").
			Values(res.ID, model, estimate.String(), day.key, month.key, at).
			Query()
		if _, err := tx.ExecContext(ctx, q, args...); err != nil {
			return fmt.Errorf("%w: insert hold: %v", common.ErrDatabase, err)
		}
		return nil
	})
	if errors.Is(err, common.ErrBudgetExceeded) {
		l.logger.Info("budget.reserve.denied", "model", model, "estimate_usd", estimate.String())
		return Reservation{}, err
	}
	if err != nil {
		l.logger.Error("budget.reserve.failed", "model", model, "err", err)
		return Reservation{}, err
	}
	l.logger.Debug("budget.reserve.ok", "reservation_id", res.ID, "model", model, "estimate_usd", estimate.String())
	return res, nil
}

// takeHold deletes the hold row and returns it; ErrUnknownReservation when absent.
func (l *SQLLedger) takeHold(ctx context.Context, tx *sql.Tx, id uuid.UUID) (Reservation, error) {
	b := l.db.Builder()
	sel := b.Select("model", "amount", "created_at").
		From(b.Table(repository.TableBudgetHolds)).
		Where(entsql.EQ("id", id))
	if l.db.Dialect == dialect.Postgres {
		sel.ForUpdate()
	}
	q, args := sel.Query()
	hold := Reservation{ID: id}
	var amount string
	err := tx.QueryRowContext(ctx, q, args...).Scan(&hold.Model, &amount, &hold.At)
	if errors.Is(err, sql.ErrNoRows) {
		return Reservation{}, fmt.Errorf("hold %s: %w", id, ErrUnknownReservation)
	}
	if err != nil {
		return Reservation{}, fmt.Errorf("%w: read hold: %v", common.ErrDatabase, err)
	}
	if hold.Amount, err = decimal.NewFromString(amount); err != nil {
		return Reservation{}, fmt.Errorf("hold %s amount: %w", id, err)
	}

	del, dargs := b.Delete(repository.TableBudgetHolds).Where(entsql.EQ("id", id)).Query()
	if _, err := tx.ExecContext(ctx, del, dargs...); err != nil {
		return Reservation{}, fmt.Errorf("%w: delete hold: %v", common.ErrDatabase, err)
	}
	return hold, nil
}

func (l *SQLLedger) Record(ctx context.Context, res Reservation, rec entity.SpendRecord) error {
	if err := validateAmount("cost", rec.CostUSD); err != nil {
		return err
	}
	if rec.ID == uuid.Nil {
		rec.ID = uuid.New()
	}
	if rec.At.IsZero() {
		rec.At = l.now()
	}

	var hold Reservation
	err := l.inTx(ctx, func(tx *sql.Tx) error {
		var err error
		if hold, err = l.takeHold(ctx, tx, res.ID); err != nil {
			return err
		}
		day, month, err := l.lockPair(ctx, tx, hold.At)
		if err != nil {
			return err
		}
		for _, w := range []*windowRow{day, month} {
			w.reserved = w.reserved.Sub(hold.Amount)
			w.spent = w.spent.Add(rec.CostUSD)
			w.requests++
			if err := l.saveWindow(ctx, tx, w); err != nil {
				return err
			}
		}
		var reqID any
		if rec.RequestID != uuid.Nil {
			reqID = rec.RequestID
		}
		q, args := l.db.Builder().Insert(repository.TableSpendRecords).
			Columns("id", "request_id", "model", "input_tokens", "output_tokens", "cost_usd", "day_key", "at").
			Values(rec.ID, reqID, rec.Model, rec.InputTokens, rec.OutputTokens, rec.CostUSD.String(), day.key, rec.At.UTC()).
			Query()
		if _, err := tx.ExecContext(ctx, q, args...); err != nil {
			return fmt.Errorf("%w: insert spend: %v", common.ErrDatabase, err)
		}
		return nil
	})
	if err != nil {
		l.logger.Error("budget.record.failed", "reservation_id", res.ID, "err", err)
		return err
	}
	l.logger.Info("budget.record",
		"model", rec.Model,
		"cost_usd", rec.CostUSD.String(),
		"estimate_usd", hold.Amount.String(),
		"input_tokens", rec.InputTokens,
		"output_tokens", rec.OutputTokens,
	)
	return nil
}

func (l *SQLLedger) Release(ctx context.Context, res Reservation) error {
	return l.inTx(ctx, func(tx *sql.Tx) error {
		hold, err := l.takeHold(ctx, tx, res.ID)
		if err != nil {
			return err
		}
		day, month, err := l.lockPair(ctx, tx, hold.At)
		if err != nil {
			return err
		}
		for _, w := range []*windowRow{day, month} {
			w.reserved = w.reserved.Sub(hold.Amount)
			if err := l.saveWindow(ctx, tx, w); err != nil {
				return err
			}
		}
		return nil
	})
}

// readWindow reads a window without locking; a missing row is an empty window.
func (l *SQLLedger) readWindow(ctx context.Context, key string) (*windowRow, error) {
	b := l.db.Builder()
	q, args := b.Select("spent", "reserved", "requests").
		From(b.Table(repository.TableBudgetWindows)).
		Where(entsql.EQ("window_key", key)).
		Query()
	w := &windowRow{key: key}
	var spent, reserved string
	err := l.db.SQL().QueryRowContext(ctx, q, args...).Scan(&spent, &reserved, &w.requests)
	if errors.Is(err, sql.ErrNoRows) {
		return w, nil
	}
	if err != nil {
		return nil, fmt.Errorf("%w: read window %s: %v", common.ErrDatabase, key, err)
	}
	if w.spent, err = decimal.NewFromString(spent); err != nil {
		return nil, err
	}
	if w.reserved, err = decimal.NewFromString(reserved); err != nil {
		return nil, err
	}
	return w, nil
}

func (l *SQLLedger) Summary(ctx context.Context) (entity.CostSummary, error) {
	now := l.now()
	day, err := l.readWindow(ctx, dayKey(now))
	if err != nil {
		return entity.CostSummary{}, err
	}
	month, err := l.readWindow(ctx, monthKey(now))
	if err != nil {
		return entity.CostSummary{}, err
	}
	return entity.CostSummary{
		DailySpendUSD:     day.spent,
		MonthlySpendUSD:   month.spent,
		DailyReservedUSD:  day.reserved,
		DailyLimitUSD:     l.caps.Daily,
		MonthlyLimitUSD:   l.caps.Monthly,
		RequestsToday:     day.requests,
		RequestsThisMonth: month.requests,
	}, nil
}

// SpendRecords returns persisted spend within [from, to), oldest first.
func (l *SQLLedger) SpendRecords(ctx context.Context, from, to *time.Time) ([]entity.SpendRecord, error) {
	b := l.db.Builder()
	sel := b.Select("id", "request_id", "model", "input_tokens", "output_tokens", "cost_usd", "at").
		From(b.Table(repository.TableSpendRecords))
	var preds []*entsql.Predicate
	if from != nil {
		preds = append(preds, entsql.GTE("at", from.UTC()))
	}
	if to != nil {
		preds = append(preds, entsql.LT("at", to.UTC()))
	}
	if len(preds) > 0 {
		sel.Where(entsql.And(preds...))
	}
	q, args := sel.OrderBy("at").Query()
	rows, err := l.db.SQL().QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("%w: list spend: %v", common.ErrDatabase, err)
	}
	defer func() { _ = rows.Close() }()

	var out []entity.SpendRecord
	for rows.Next() {
		var (
			rec   entity.SpendRecord
			reqID uuid.NullUUID
			cost  string
		)
		if err := rows.Scan(&rec.ID, &reqID, &rec.Model, &rec.InputTokens, &rec.OutputTokens, &cost, &rec.At); err != nil {
			return nil, fmt.Errorf("%w: scan spend: %v", common.ErrDatabase, err)
		}
		rec.RequestID = reqID.UUID
		rec.At = rec.At.UTC()
		if rec.CostUSD, err = decimal.NewFromString(cost); err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}
