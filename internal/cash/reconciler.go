// Package cash implements the Cash Reconciler: settlement, maturity and
// cancellation cashflows for repo trades, plus the end-of-day flatten
// procedure that drives a fund's cash balance to zero.
//
// Every operation runs inside one store transaction — the status change
// and its cashflows either all commit or none do. The cash ledger is
// append-only: cancellations insert negated entries, never delete.
package cash

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/Rhymond/go-money"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/repofin/circle-engine/internal/model"
	"github.com/repofin/circle-engine/internal/store"
)

var (
	// ErrNotPending is returned when settling a trade that is not Pending.
	ErrNotPending = errors.New("cash: trade is not pending settlement")

	// ErrNotSettled is returned when maturing a trade that is not Settled.
	ErrNotSettled = errors.New("cash: trade is not settled")

	// ErrNotDraft is returned when submitting a trade that is not Draft.
	ErrNotDraft = errors.New("cash: trade is not a draft")

	// ErrTradeFinal is returned when cancelling a Matured or already
	// Cancelled trade.
	ErrTradeFinal = errors.New("cash: trade is already final")

	// ErrCurrencyMismatch is returned when a cashflow currency differs
	// from its fund's currency.
	ErrCurrencyMismatch = errors.New("cash: currency does not match fund currency")

	// ErrUnknownCurrency is returned for currency codes outside ISO 4217.
	ErrUnknownCurrency = errors.New("cash: unknown currency code")
)

// flattenEpsilon is the tolerance under which a balance counts as flat:
// one cent.
var flattenEpsilon = decimal.RequireFromString("0.01")

// Reconciler creates trade cashflows and runs the flatten procedure.
type Reconciler struct {
	store store.Store
}

// NewReconciler creates a reconciler over the given store.
func NewReconciler(st store.Store) *Reconciler {
	return &Reconciler{store: st}
}

// ValidateEntry checks a cashflow entry against its fund: the currency
// must be a known ISO code and must equal the fund's currency.
func ValidateEntry(e *model.CashflowEntry, fund *model.Fund) error {
	if money.GetCurrency(e.CurrencyCode) == nil {
		return fmt.Errorf("%w: %q", ErrUnknownCurrency, e.CurrencyCode)
	}
	if e.CurrencyCode != fund.CurrencyCode {
		return fmt.Errorf("%w: entry %s, fund %s", ErrCurrencyMismatch, e.CurrencyCode, fund.CurrencyCode)
	}
	return nil
}

// Submit moves a Draft trade to Pending, making it eligible to settle.
func (r *Reconciler) Submit(ctx context.Context, tradeID string) (*model.Trade, error) {
	var out *model.Trade
	err := r.store.WithinTx(ctx, func(tx store.Store) error {
		trade, err := tx.GetTrade(ctx, tradeID)
		if err != nil {
			return err
		}
		if trade.Status != model.StatusDraft {
			return fmt.Errorf("%w: %s is %s", ErrNotDraft, tradeID, trade.Status)
		}
		if err := tx.UpdateTradeStatus(ctx, tradeID, model.StatusPending); err != nil {
			return err
		}
		trade.Status = model.StatusPending
		out = trade
		return nil
	})
	return out, err
}

// Settle books the settlement cashflow for a Pending trade and marks it
// Settled. A lend pays cash out (negative amount); a borrow takes cash
// in (positive).
func (r *Reconciler) Settle(ctx context.Context, tradeID string) (*model.CashflowEntry, error) {
	var out *model.CashflowEntry
	err := r.store.WithinTx(ctx, func(tx store.Store) error {
		trade, err := tx.GetTrade(ctx, tradeID)
		if err != nil {
			return err
		}
		if trade.Status != model.StatusPending {
			return fmt.Errorf("%w: %s is %s", ErrNotPending, tradeID, trade.Status)
		}

		fund, err := tx.GetFund(ctx, trade.FundID)
		if err != nil {
			return err
		}

		amount := trade.Notional
		if trade.Direction == model.DirectionLend {
			amount = amount.Neg()
		}

		entry := &model.CashflowEntry{
			ID:            uuid.New().String(),
			CashAccountID: fund.CashAccountID,
			FundID:        fund.ID,
			TradeID:       trade.ID,
			Amount:        amount,
			CurrencyCode:  fund.CurrencyCode,
			Date:          model.Day(trade.StartDate),
			Source:        model.SourceRepoTrade,
			Description:   fmt.Sprintf("Settlement %s %s", trade.Direction, trade.Notional.StringFixed(2)),
			CreatedAt:     time.Now().UTC(),
		}
		if err := ValidateEntry(entry, fund); err != nil {
			return err
		}
		if err := tx.InsertCashflow(ctx, entry); err != nil {
			return err
		}
		if err := tx.UpdateTradeStatus(ctx, trade.ID, model.StatusSettled); err != nil {
			return err
		}
		out = entry
		return nil
	})
	return out, err
}

// Interest computes simple ACT/365 interest for a trade: notional ×
// rate/100 × days/365, rounded to cents. Days are calendar days between
// start and maturity.
func Interest(trade *model.Trade) decimal.Decimal {
	days := model.Day(trade.MaturityDate).Sub(model.Day(trade.StartDate)).Hours() / 24
	return trade.Notional.
		Mul(trade.Rate).Div(decimal.NewFromInt(100)).
		Mul(decimal.NewFromInt(int64(days))).Div(decimal.NewFromInt(365)).
		Round(2)
}

// Mature books the maturity cashflow (principal plus interest) for a
// Settled trade and marks it Matured. The cash direction reverses: a
// lend gets principal and interest back.
func (r *Reconciler) Mature(ctx context.Context, tradeID string) (*model.CashflowEntry, error) {
	var out *model.CashflowEntry
	err := r.store.WithinTx(ctx, func(tx store.Store) error {
		trade, err := tx.GetTrade(ctx, tradeID)
		if err != nil {
			return err
		}
		if trade.Status != model.StatusSettled {
			return fmt.Errorf("%w: %s is %s", ErrNotSettled, tradeID, trade.Status)
		}

		fund, err := tx.GetFund(ctx, trade.FundID)
		if err != nil {
			return err
		}

		amount := trade.Notional.Add(Interest(trade))
		if trade.Direction == model.DirectionBorrow {
			amount = amount.Neg()
		}

		entry := &model.CashflowEntry{
			ID:            uuid.New().String(),
			CashAccountID: fund.CashAccountID,
			FundID:        fund.ID,
			TradeID:       trade.ID,
			Amount:        amount,
			CurrencyCode:  fund.CurrencyCode,
			Date:          model.Day(trade.MaturityDate),
			Source:        model.SourceRepoTrade,
			Description:   fmt.Sprintf("Maturity %s %s", trade.Direction, trade.Notional.StringFixed(2)),
			CreatedAt:     time.Now().UTC(),
		}
		if err := ValidateEntry(entry, fund); err != nil {
			return err
		}
		if err := tx.InsertCashflow(ctx, entry); err != nil {
			return err
		}
		if err := tx.UpdateTradeStatus(ctx, trade.ID, model.StatusMatured); err != nil {
			return err
		}
		out = entry
		return nil
	})
	return out, err
}

// Cancel reverses a trade: every cashflow it produced gets a negated
// reversal entry, the trade goes Cancelled, and the FinalCircle
// utilization for its key is released. Matured trades cannot be
// cancelled.
func (r *Reconciler) Cancel(ctx context.Context, tradeID string) ([]model.CashflowEntry, error) {
	var reversals []model.CashflowEntry
	err := r.store.WithinTx(ctx, func(tx store.Store) error {
		trade, err := tx.GetTrade(ctx, tradeID)
		if err != nil {
			return err
		}
		if trade.Status == model.StatusMatured || trade.Status == model.StatusCancelled {
			return fmt.Errorf("%w: %s is %s", ErrTradeFinal, tradeID, trade.Status)
		}

		entries, err := tx.ListCashflowsByTrade(ctx, trade.ID)
		if err != nil {
			return err
		}
		now := time.Now().UTC()
		for _, e := range entries {
			rev := e
			rev.ID = uuid.New().String()
			rev.Amount = e.Amount.Neg()
			rev.Source = model.SourceAdjustment
			rev.Description = "Reversal of " + e.ID
			rev.CreatedAt = now
			if err := tx.InsertCashflow(ctx, &rev); err != nil {
				return err
			}
			reversals = append(reversals, rev)
		}

		if err := tx.UpdateTradeStatus(ctx, trade.ID, model.StatusCancelled); err != nil {
			return err
		}
		return tx.AdjustFinalCircle(ctx,
			trade.CounterpartyID, trade.CollateralTypeID, trade.StartDate,
			trade.Notional.Neg())
	})
	if err != nil {
		return nil, err
	}
	return reversals, nil
}

// Flatten drives a fund's available cash to zero as of the given date by
// booking one adjustment entry of the negated balance. A balance within
// one cent of zero is already flat and the call is a no-op, which makes
// Flatten idempotent. The adjustment is tagged Repo when investing a
// positive balance and ReverseRepo when covering a negative one.
//
// Returns the adjustment entry, or nil when the fund was already flat.
func (r *Reconciler) Flatten(ctx context.Context, fundID string, date time.Time) (*model.CashflowEntry, error) {
	var out *model.CashflowEntry
	err := r.store.WithinTx(ctx, func(tx store.Store) error {
		fund, err := tx.GetFund(ctx, fundID)
		if err != nil {
			return err
		}

		balance, err := tx.FundCashBalance(ctx, fundID, date)
		if err != nil {
			return err
		}
		if balance.Abs().LessThan(flattenEpsilon) {
			return nil // already flat
		}

		tag := "Repo"
		if balance.IsNegative() {
			tag = "ReverseRepo"
		}

		entry := &model.CashflowEntry{
			ID:            uuid.New().String(),
			CashAccountID: fund.CashAccountID,
			FundID:        fund.ID,
			Amount:        balance.Neg(),
			CurrencyCode:  fund.CurrencyCode,
			Date:          model.Day(date),
			Source:        model.SourceAdjustment,
			Description:   fmt.Sprintf("%s flatten %s", tag, balance.StringFixed(2)),
			CreatedAt:     time.Now().UTC(),
		}
		if err := ValidateEntry(entry, fund); err != nil {
			return err
		}
		if err := tx.InsertCashflow(ctx, entry); err != nil {
			return err
		}
		out = entry
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}
