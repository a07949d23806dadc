// Package recon implements the Trade Diff Engine: it converts an
// operator-entered target notional into the single minimal trade that
// moves a fund's same-day exposure to the target.
//
// This is the only path that creates trades from notional edits; manual
// trade entry goes through Book instead. The engine never creates more
// than one trade per reconciliation call — double-submitting the same
// target is a no-op, not a duplicate order.
package recon

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/repofin/circle-engine/internal/model"
	"github.com/repofin/circle-engine/internal/store"
)

// ErrInvalidNotional is returned by Book for non-positive notionals.
var ErrInvalidNotional = errors.New("recon: trade notional must be positive")

// Engine derives and books trades against the ledger.
type Engine struct {
	store store.Store
}

// NewEngine creates a diff engine over the given store.
func NewEngine(st store.Store) *Engine {
	return &Engine{store: st}
}

// Reconcile computes the delta between targetNotional and the fund's
// existing signed same-day total for (counterparty, collateral type),
// then books exactly one Draft trade of |delta|. A zero delta — exact,
// not epsilon-based — returns (nil, nil).
//
// The ledger insert and the FinalCircle utilization bump commit in the
// same transaction.
func (e *Engine) Reconcile(ctx context.Context, fundID, counterpartyID, collateralTypeID, securityID string, targetNotional decimal.Decimal, asOf time.Time, enteredBy string) (*model.Trade, error) {
	existing, err := e.existingTotal(ctx, fundID, counterpartyID, collateralTypeID, asOf)
	if err != nil {
		return nil, err
	}

	delta := targetNotional.Sub(existing)
	if delta.IsZero() {
		return nil, nil
	}

	direction := model.DirectionLend
	if delta.IsNegative() {
		direction = model.DirectionBorrow
	}

	day := model.Day(asOf)
	trade := &model.Trade{
		ID:               uuid.New().String(),
		FundID:           fundID,
		CounterpartyID:   counterpartyID,
		CollateralTypeID: collateralTypeID,
		SecurityID:       securityID,
		Notional:         delta.Abs(),
		Direction:        direction,
		StartDate:        day,
		MaturityDate:     day.AddDate(0, 0, 1), // overnight repo unless amended
		Status:           model.StatusDraft,
		CreatedBy:        enteredBy,
		CreatedAt:        time.Now().UTC(),
	}

	// Carry the registry rate onto the trade when the key has one.
	if rec, err := e.store.GetLimitRecord(ctx, counterpartyID, collateralTypeID, day); err == nil {
		trade.Rate = rec.Rate
	} else if !errors.Is(err, store.ErrNotFound) {
		return nil, err
	}

	if err := e.persist(ctx, trade); err != nil {
		return nil, err
	}
	return trade, nil
}

// Book persists a manually entered trade with the same transactional
// FinalCircle accounting as Reconcile.
func (e *Engine) Book(ctx context.Context, trade *model.Trade) error {
	if !trade.Notional.IsPositive() {
		return ErrInvalidNotional
	}
	if trade.ID == "" {
		trade.ID = uuid.New().String()
	}
	if trade.CreatedAt.IsZero() {
		trade.CreatedAt = time.Now().UTC()
	}
	trade.StartDate = model.Day(trade.StartDate)
	trade.MaturityDate = model.Day(trade.MaturityDate)
	return e.persist(ctx, trade)
}

func (e *Engine) persist(ctx context.Context, trade *model.Trade) error {
	return e.store.WithinTx(ctx, func(tx store.Store) error {
		if err := tx.InsertTrade(ctx, trade); err != nil {
			return err
		}
		return tx.AdjustFinalCircle(ctx,
			trade.CounterpartyID, trade.CollateralTypeID, trade.StartDate,
			trade.Notional)
	})
}

func (e *Engine) existingTotal(ctx context.Context, fundID, counterpartyID, collateralTypeID string, asOf time.Time) (decimal.Decimal, error) {
	trades, err := e.store.ListTradesByFundKey(ctx, fundID, counterpartyID, collateralTypeID, asOf)
	if err != nil {
		return decimal.Zero, err
	}

	total := decimal.Zero
	for i := range trades {
		if trades[i].Status == model.StatusCancelled {
			continue
		}
		total = total.Add(trades[i].SignedNotional())
	}
	return total, nil
}
