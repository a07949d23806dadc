// Package model defines the core domain types shared across the
// reconciliation engine. All monetary values use shopspring/decimal —
// never float64 for money.
package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// Direction of a repo-financing trade from the fund's point of view.
type Direction string

const (
	DirectionLend   Direction = "Lend"
	DirectionBorrow Direction = "Borrow"
)

// TradeStatus lifecycle: Draft → Pending → Settled → Matured, with
// Cancelled reachable from anything except Matured.
type TradeStatus string

const (
	StatusDraft     TradeStatus = "Draft"
	StatusPending   TradeStatus = "Pending"
	StatusSettled   TradeStatus = "Settled"
	StatusMatured   TradeStatus = "Matured"
	StatusCancelled TradeStatus = "Cancelled"
)

// CashflowSource identifies what produced a cash ledger entry.
type CashflowSource string

const (
	SourceManual         CashflowSource = "Manual"
	SourceRepoTrade      CashflowSource = "RepoTrade"
	SourceAdjustment     CashflowSource = "Adjustment"
	SourceExternalImport CashflowSource = "ExternalImport"
)

// Trade is one repo-financing trade in the append-only ledger.
// Immutable once Settled except for status transitions.
type Trade struct {
	ID               string          `json:"id" db:"id"`
	FundID           string          `json:"fund_id" db:"fund_id"`
	CounterpartyID   string          `json:"counterparty_id" db:"counterparty_id"`
	CollateralTypeID string          `json:"collateral_type_id" db:"collateral_type_id"`
	SecurityID       string          `json:"security_id" db:"security_id"`
	Notional         decimal.Decimal `json:"notional" db:"notional"` // always > 0; sign carried by Direction
	Rate             decimal.Decimal `json:"rate" db:"rate"`         // percent, ≥ 0
	Direction        Direction       `json:"direction" db:"direction"`
	StartDate        time.Time       `json:"start_date" db:"start_date"`
	MaturityDate     time.Time       `json:"maturity_date" db:"maturity_date"`
	Status           TradeStatus     `json:"status" db:"status"`
	CreatedBy        string          `json:"created_by" db:"created_by"`
	CreatedAt        time.Time       `json:"created_at" db:"created_at"`
}

// SignedNotional applies the direction convention: Lend positive,
// Borrow negative.
func (t *Trade) SignedNotional() decimal.Decimal {
	if t.Direction == DirectionBorrow {
		return t.Notional.Neg()
	}
	return t.Notional
}

// LimitRecord is one Target Circle row: the exposure ceiling for a
// (counterparty, collateral type) pair on an effective date, plus the
// running FinalCircle utilization counter. TargetCircle is expressed in
// millions of notional; FinalCircle in absolute notional.
type LimitRecord struct {
	CounterpartyID   string          `json:"counterparty_id" db:"counterparty_id"`
	CollateralTypeID string          `json:"collateral_type_id" db:"collateral_type_id"`
	EffectiveDate    time.Time       `json:"effective_date" db:"effective_date"`
	Rate             decimal.Decimal `json:"rate" db:"rate"`
	TargetCircle     decimal.Decimal `json:"target_circle" db:"target_circle"`
	FinalCircle      decimal.Decimal `json:"final_circle" db:"final_circle"`
	Active           bool            `json:"active" db:"active"`
}

// Ceiling converts TargetCircle (millions) to absolute notional.
func (l *LimitRecord) Ceiling() decimal.Decimal {
	return l.TargetCircle.Mul(decimal.NewFromInt(1_000_000))
}

// CashflowEntry is one row in the append-only cash ledger. A fund's
// available cash on a date is the sum of entries with Date ≤ that date.
// Entries are never mutated after settlement finality; corrections are
// a reversal plus a new entry.
type CashflowEntry struct {
	ID            string          `json:"id" db:"id"`
	CashAccountID string          `json:"cash_account_id" db:"cash_account_id"`
	FundID        string          `json:"fund_id" db:"fund_id"`
	TradeID       string          `json:"trade_id,omitempty" db:"trade_id"` // empty for manual/adjustment entries
	Amount        decimal.Decimal `json:"amount" db:"amount"`               // signed
	CurrencyCode  string          `json:"currency_code" db:"currency_code"`
	Date          time.Time       `json:"date" db:"date"`
	Source        CashflowSource  `json:"source" db:"source"`
	Description   string          `json:"description" db:"description"`
	CreatedAt     time.Time       `json:"created_at" db:"created_at"`
}

// Fund is reference data consumed through the store; the engine only
// needs its currency and cash account.
type Fund struct {
	ID            string `json:"id" db:"id"`
	Name          string `json:"name" db:"name"`
	CurrencyCode  string `json:"currency_code" db:"currency_code"`
	CashAccountID string `json:"cash_account_id" db:"cash_account_id"`
}

// Position is a derived, per-(collateral type, counterparty, security)
// aggregation of trade notionals across funds for one date. Never
// persisted; recomputed from the ledger on every read.
type Position struct {
	CollateralTypeID string                     `json:"collateral_type_id"`
	CounterpartyID   string                     `json:"counterparty_id"`
	SecurityID       string                     `json:"security_id"`
	MaturityDate     time.Time                  `json:"maturity_date"`
	Variance         decimal.Decimal            `json:"variance"` // ceiling − Σ signed notional
	FundNotionals    map[string]decimal.Decimal `json:"fund_notionals"`
	ExposurePercent  map[string]decimal.Decimal `json:"exposure_percent"`
	Status           map[string]string          `json:"status"` // fundID → "Active" | "Partial"
	Locked           map[string]bool            `json:"locked"`
	LockedBy         map[string]string          `json:"locked_by"`
}

// Day truncates a timestamp to UTC midnight. All business dates in the
// engine are compared at day granularity.
func Day(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}

// SameDay reports whether two timestamps fall on the same UTC day.
func SameDay(a, b time.Time) bool {
	return Day(a).Equal(Day(b))
}
