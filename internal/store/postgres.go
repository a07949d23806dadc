package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/repofin/circle-engine/internal/model"
)

// pgQuerier is satisfied by both *pgxpool.Pool and pgx.Tx, so the same
// query methods run inside and outside a transaction.
type pgQuerier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// PostgresStore implements Store using PostgreSQL as the source of truth.
// All monetary values are stored as NUMERIC for exact decimal precision.
type PostgresStore struct {
	pool *pgxpool.Pool
	q    pgQuerier
	inTx bool
}

// NewPostgresStore creates a new PostgreSQL-backed store.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool, q: pool}
}

const tradeColumns = `id, fund_id, counterparty_id, collateral_type_id, security_id,
	notional::TEXT, rate::TEXT, direction, start_date, maturity_date, status,
	created_by, created_at`

func (s *PostgresStore) InsertTrade(ctx context.Context, t *model.Trade) error {
	_, err := s.q.Exec(ctx,
		`INSERT INTO trades (id, fund_id, counterparty_id, collateral_type_id, security_id,
		                     notional, rate, direction, start_date, maturity_date, status,
		                     created_by, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6::NUMERIC, $7::NUMERIC, $8, $9, $10, $11, $12, $13)`,
		t.ID, t.FundID, t.CounterpartyID, t.CollateralTypeID, t.SecurityID,
		t.Notional.String(), t.Rate.String(), string(t.Direction),
		model.Day(t.StartDate), model.Day(t.MaturityDate), string(t.Status),
		t.CreatedBy, t.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert trade %s: %w", t.ID, err)
	}
	return nil
}

func (s *PostgresStore) GetTrade(ctx context.Context, id string) (*model.Trade, error) {
	row := s.q.QueryRow(ctx, `SELECT `+tradeColumns+` FROM trades WHERE id = $1`, id)
	t, err := scanTrade(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get trade %s: %w", id, err)
	}
	return t, nil
}

func (s *PostgresStore) ListTradesByDate(ctx context.Context, date time.Time) ([]model.Trade, error) {
	rows, err := s.q.Query(ctx,
		`SELECT `+tradeColumns+` FROM trades WHERE start_date = $1 ORDER BY created_at`,
		model.Day(date))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanTrades(rows)
}

func (s *PostgresStore) ListTradesByKey(ctx context.Context, counterpartyID, collateralTypeID string, date time.Time) ([]model.Trade, error) {
	rows, err := s.q.Query(ctx,
		`SELECT `+tradeColumns+` FROM trades
		 WHERE counterparty_id = $1 AND collateral_type_id = $2 AND start_date = $3
		 ORDER BY created_at`,
		counterpartyID, collateralTypeID, model.Day(date))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanTrades(rows)
}

func (s *PostgresStore) ListTradesByFundKey(ctx context.Context, fundID, counterpartyID, collateralTypeID string, date time.Time) ([]model.Trade, error) {
	rows, err := s.q.Query(ctx,
		`SELECT `+tradeColumns+` FROM trades
		 WHERE fund_id = $1 AND counterparty_id = $2 AND collateral_type_id = $3 AND start_date = $4
		 ORDER BY created_at`,
		fundID, counterpartyID, collateralTypeID, model.Day(date))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanTrades(rows)
}

func (s *PostgresStore) UpdateTradeStatus(ctx context.Context, id string, status model.TradeStatus) error {
	tag, err := s.q.Exec(ctx,
		`UPDATE trades SET status = $2 WHERE id = $1`, id, string(status))
	if err != nil {
		return fmt.Errorf("update trade %s status: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) GetLimitRecord(ctx context.Context, counterpartyID, collateralTypeID string, date time.Time) (*model.LimitRecord, error) {
	var rec model.LimitRecord
	var rate, target, final string

	err := s.q.QueryRow(ctx,
		`SELECT counterparty_id, collateral_type_id, effective_date,
		        rate::TEXT, target_circle::TEXT, final_circle::TEXT, active
		 FROM limit_records
		 WHERE counterparty_id = $1 AND collateral_type_id = $2 AND effective_date = $3`,
		counterpartyID, collateralTypeID, model.Day(date)).
		Scan(&rec.CounterpartyID, &rec.CollateralTypeID, &rec.EffectiveDate,
			&rate, &target, &final, &rec.Active)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get limit record: %w", err)
	}

	rec.Rate, _ = decimal.NewFromString(rate)
	rec.TargetCircle, _ = decimal.NewFromString(target)
	rec.FinalCircle, _ = decimal.NewFromString(final)
	return &rec, nil
}

// UpsertLimitRecord inserts or updates the record for its key. The
// final_circle column is owned by the ledger, not the caller: an update
// leaves the stored value alone, and a brand-new row is backfilled from
// the non-cancelled trades already booked for the key and date, so a
// limit entered after trading began starts with the correct utilization.
func (s *PostgresStore) UpsertLimitRecord(ctx context.Context, rec *model.LimitRecord) error {
	_, err := s.q.Exec(ctx,
		`INSERT INTO limit_records (counterparty_id, collateral_type_id, effective_date,
		                            rate, target_circle, final_circle, active)
		 VALUES ($1, $2, $3, $4::NUMERIC, $5::NUMERIC,
		         COALESCE((SELECT SUM(notional) FROM trades
		                   WHERE counterparty_id = $1 AND collateral_type_id = $2
		                     AND start_date = $3 AND status <> 'Cancelled'), 0),
		         $6)
		 ON CONFLICT (counterparty_id, collateral_type_id, effective_date)
		 DO UPDATE SET rate = EXCLUDED.rate, target_circle = EXCLUDED.target_circle,
		               active = EXCLUDED.active`,
		rec.CounterpartyID, rec.CollateralTypeID, model.Day(rec.EffectiveDate),
		rec.Rate.String(), rec.TargetCircle.String(), rec.Active,
	)
	if err != nil {
		return fmt.Errorf("upsert limit record: %w", err)
	}
	return nil
}

// AdjustFinalCircle applies the delta in-row. Concurrent editors of the
// same key serialize on the row lock, so increments are never lost.
func (s *PostgresStore) AdjustFinalCircle(ctx context.Context, counterpartyID, collateralTypeID string, date time.Time, delta decimal.Decimal) error {
	_, err := s.q.Exec(ctx,
		`UPDATE limit_records SET final_circle = final_circle + $4::NUMERIC
		 WHERE counterparty_id = $1 AND collateral_type_id = $2 AND effective_date = $3`,
		counterpartyID, collateralTypeID, model.Day(date), delta.String(),
	)
	if err != nil {
		return fmt.Errorf("adjust final circle: %w", err)
	}
	return nil
}

const cashflowColumns = `id, cash_account_id, fund_id, COALESCE(trade_id, ''),
	amount::TEXT, currency_code, date, source, description, created_at`

func (s *PostgresStore) InsertCashflow(ctx context.Context, e *model.CashflowEntry) error {
	var tradeID any
	if e.TradeID != "" {
		tradeID = e.TradeID
	}
	_, err := s.q.Exec(ctx,
		`INSERT INTO cashflow_entries (id, cash_account_id, fund_id, trade_id,
		                               amount, currency_code, date, source, description, created_at)
		 VALUES ($1, $2, $3, $4, $5::NUMERIC, $6, $7, $8, $9, $10)`,
		e.ID, e.CashAccountID, e.FundID, tradeID,
		e.Amount.String(), e.CurrencyCode, model.Day(e.Date), string(e.Source),
		e.Description, e.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert cashflow %s: %w", e.ID, err)
	}
	return nil
}

func (s *PostgresStore) GetCashflow(ctx context.Context, id string) (*model.CashflowEntry, error) {
	row := s.q.QueryRow(ctx, `SELECT `+cashflowColumns+` FROM cashflow_entries WHERE id = $1`, id)
	e, err := scanCashflow(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get cashflow %s: %w", id, err)
	}
	return e, nil
}

func (s *PostgresStore) DeleteCashflow(ctx context.Context, id string) error {
	tag, err := s.q.Exec(ctx, `DELETE FROM cashflow_entries WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete cashflow %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) ListCashflowsByTrade(ctx context.Context, tradeID string) ([]model.CashflowEntry, error) {
	rows, err := s.q.Query(ctx,
		`SELECT `+cashflowColumns+` FROM cashflow_entries WHERE trade_id = $1 ORDER BY created_at`,
		tradeID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanCashflows(rows)
}

func (s *PostgresStore) ListCashflowsByFund(ctx context.Context, fundID string, asOf time.Time) ([]model.CashflowEntry, error) {
	rows, err := s.q.Query(ctx,
		`SELECT `+cashflowColumns+` FROM cashflow_entries
		 WHERE fund_id = $1 AND date <= $2 ORDER BY date, created_at`,
		fundID, model.Day(asOf))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanCashflows(rows)
}

func (s *PostgresStore) FundCashBalance(ctx context.Context, fundID string, asOf time.Time) (decimal.Decimal, error) {
	var total string
	err := s.q.QueryRow(ctx,
		`SELECT COALESCE(SUM(amount), 0)::TEXT FROM cashflow_entries
		 WHERE fund_id = $1 AND date <= $2`,
		fundID, model.Day(asOf)).Scan(&total)
	if err != nil {
		return decimal.Zero, fmt.Errorf("fund %s cash balance: %w", fundID, err)
	}
	bal, _ := decimal.NewFromString(total)
	return bal, nil
}

func (s *PostgresStore) GetFund(ctx context.Context, id string) (*model.Fund, error) {
	var f model.Fund
	err := s.q.QueryRow(ctx,
		`SELECT id, name, currency_code, cash_account_id FROM funds WHERE id = $1`, id).
		Scan(&f.ID, &f.Name, &f.CurrencyCode, &f.CashAccountID)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get fund %s: %w", id, err)
	}
	return &f, nil
}

func (s *PostgresStore) ListFunds(ctx context.Context) ([]model.Fund, error) {
	rows, err := s.q.Query(ctx,
		`SELECT id, name, currency_code, cash_account_id FROM funds ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var funds []model.Fund
	for rows.Next() {
		var f model.Fund
		if err := rows.Scan(&f.ID, &f.Name, &f.CurrencyCode, &f.CashAccountID); err != nil {
			return nil, err
		}
		funds = append(funds, f)
	}
	return funds, rows.Err()
}

// WithinTx runs fn inside a pgx transaction. Nested calls join the
// enclosing transaction.
func (s *PostgresStore) WithinTx(ctx context.Context, fn func(Store) error) error {
	if s.inTx {
		return fn(s)
	}

	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.Serializable})
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	txStore := &PostgresStore{pool: s.pool, q: tx, inTx: true}
	if err := fn(txStore); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

// --- Row scanning helpers ---

func scanTrade(row pgx.Row) (*model.Trade, error) {
	var t model.Trade
	var notional, rate, direction, status string

	if err := row.Scan(&t.ID, &t.FundID, &t.CounterpartyID, &t.CollateralTypeID, &t.SecurityID,
		&notional, &rate, &direction, &t.StartDate, &t.MaturityDate, &status,
		&t.CreatedBy, &t.CreatedAt); err != nil {
		return nil, err
	}

	t.Notional, _ = decimal.NewFromString(notional)
	t.Rate, _ = decimal.NewFromString(rate)
	t.Direction = model.Direction(direction)
	t.Status = model.TradeStatus(status)
	return &t, nil
}

func scanTrades(rows pgx.Rows) ([]model.Trade, error) {
	var trades []model.Trade
	for rows.Next() {
		t, err := scanTrade(rows)
		if err != nil {
			return nil, err
		}
		trades = append(trades, *t)
	}
	return trades, rows.Err()
}

func scanCashflow(row pgx.Row) (*model.CashflowEntry, error) {
	var e model.CashflowEntry
	var amount, source string

	if err := row.Scan(&e.ID, &e.CashAccountID, &e.FundID, &e.TradeID,
		&amount, &e.CurrencyCode, &e.Date, &source, &e.Description, &e.CreatedAt); err != nil {
		return nil, err
	}

	e.Amount, _ = decimal.NewFromString(amount)
	e.Source = model.CashflowSource(source)
	return &e, nil
}

func scanCashflows(rows pgx.Rows) ([]model.CashflowEntry, error) {
	var entries []model.CashflowEntry
	for rows.Next() {
		e, err := scanCashflow(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, *e)
	}
	return entries, rows.Err()
}
