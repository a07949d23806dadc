// Package store defines the persistence interface for the reconciliation
// engine. Implementations include PostgreSQL (source of truth), Redis
// (read-through cache), and in-memory (for testing).
package store

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"

	"github.com/repofin/circle-engine/internal/model"
)

// ErrNotFound is returned when a trade, limit record, cashflow or fund
// does not exist.
var ErrNotFound = errors.New("store: not found")

// Store is the persistence interface. PostgreSQL is the source of truth;
// Redis provides a read-through cache layer.
//
// WithinTx composes writes into one all-or-nothing unit: the trade ledger
// write and the cash/limit writes for the same trade either all commit or
// none do. Reads outside a transaction only ever see committed rows.
type Store interface {
	// --- Trade ledger (append-only; only Status ever changes) ---

	// InsertTrade appends a trade to the ledger.
	InsertTrade(ctx context.Context, t *model.Trade) error

	// GetTrade retrieves a trade by its ID.
	GetTrade(ctx context.Context, id string) (*model.Trade, error)

	// ListTradesByDate returns all trades starting on the given day.
	ListTradesByDate(ctx context.Context, date time.Time) ([]model.Trade, error)

	// ListTradesByKey returns all trades for a (counterparty, collateral
	// type) pair starting on the given day, regardless of fund.
	ListTradesByKey(ctx context.Context, counterpartyID, collateralTypeID string, date time.Time) ([]model.Trade, error)

	// ListTradesByFundKey narrows ListTradesByKey to one fund.
	ListTradesByFundKey(ctx context.Context, fundID, counterpartyID, collateralTypeID string, date time.Time) ([]model.Trade, error)

	// UpdateTradeStatus moves a trade through its lifecycle.
	UpdateTradeStatus(ctx context.Context, id string, status model.TradeStatus) error

	// --- Limit registry ---

	// GetLimitRecord retrieves the limit row for a key and effective date.
	GetLimitRecord(ctx context.Context, counterpartyID, collateralTypeID string, date time.Time) (*model.LimitRecord, error)

	// UpsertLimitRecord creates or replaces a limit row.
	UpsertLimitRecord(ctx context.Context, rec *model.LimitRecord) error

	// AdjustFinalCircle adds delta to the FinalCircle utilization counter
	// for a key/date. The adjustment is applied in-row so concurrent
	// editors never lose an update. Missing rows are ignored (the limit
	// may not exist yet for the key).
	AdjustFinalCircle(ctx context.Context, counterpartyID, collateralTypeID string, date time.Time, delta decimal.Decimal) error

	// --- Cash ledger (append-only) ---

	// InsertCashflow appends a cash ledger entry.
	InsertCashflow(ctx context.Context, e *model.CashflowEntry) error

	// GetCashflow retrieves an entry by its ID.
	GetCashflow(ctx context.Context, id string) (*model.CashflowEntry, error)

	// DeleteCashflow removes a manual entry that has not reached
	// settlement finality. Settled history is reversed, never deleted.
	DeleteCashflow(ctx context.Context, id string) error

	// ListCashflowsByTrade returns all entries produced by one trade.
	ListCashflowsByTrade(ctx context.Context, tradeID string) ([]model.CashflowEntry, error)

	// ListCashflowsByFund returns a fund's entries dated on or before the
	// given day.
	ListCashflowsByFund(ctx context.Context, fundID string, asOf time.Time) ([]model.CashflowEntry, error)

	// FundCashBalance sums a fund's entries dated on or before the day.
	FundCashBalance(ctx context.Context, fundID string, asOf time.Time) (decimal.Decimal, error)

	// --- Reference data (read-only contract, seeded externally) ---

	// GetFund retrieves fund reference data by ID.
	GetFund(ctx context.Context, id string) (*model.Fund, error)

	// ListFunds returns all funds.
	ListFunds(ctx context.Context) ([]model.Fund, error)

	// --- Transactions ---

	// WithinTx runs fn against a transactional view of the store. If fn
	// returns an error the transaction rolls back and nothing is applied.
	// Nested calls join the enclosing transaction.
	WithinTx(ctx context.Context, fn func(Store) error) error
}
