// Package position derives the per-(collateral type, counterparty,
// security) exposure view from the trade ledger and the limit registry.
// Positions are a pure function of committed ledger state for a date and
// are never persisted.
package position

import (
	"context"
	"errors"
	"sort"
	"time"

	"github.com/shopspring/decimal"

	"github.com/repofin/circle-engine/internal/model"
	"github.com/repofin/circle-engine/internal/store"
)

// LockView resolves the advisory lock holder for a position cell. The
// collaboration hub implements it; a nil view leaves positions unlocked.
type LockView interface {
	Holder(counterpartyID, collateralTypeID, fundID string) (string, bool)
}

// Aggregator groups same-day trades into Positions.
type Aggregator struct {
	store store.Store
	locks LockView
}

// NewAggregator creates an aggregator. locks may be nil.
func NewAggregator(st store.Store, locks LockView) *Aggregator {
	return &Aggregator{store: st, locks: locks}
}

type groupKey struct {
	collateralTypeID string
	counterpartyID   string
	securityID       string
}

// Aggregate returns one Position per (collateral type, counterparty,
// security) group of trades starting on the given date. Cancelled trades
// are excluded. Fund notionals carry the direction sign: Lend positive,
// Borrow negative. Safe to call concurrently with writers — it reads one
// committed snapshot and has no side effects.
func (a *Aggregator) Aggregate(ctx context.Context, date time.Time) ([]model.Position, error) {
	trades, err := a.store.ListTradesByDate(ctx, date)
	if err != nil {
		return nil, err
	}

	groups := make(map[groupKey][]model.Trade)
	for _, t := range trades {
		if t.Status == model.StatusCancelled {
			continue
		}
		k := groupKey{t.CollateralTypeID, t.CounterpartyID, t.SecurityID}
		groups[k] = append(groups[k], t)
	}

	hundred := decimal.NewFromInt(100)
	positions := make([]model.Position, 0, len(groups))

	for k, group := range groups {
		pos := model.Position{
			CollateralTypeID: k.collateralTypeID,
			CounterpartyID:   k.counterpartyID,
			SecurityID:       k.securityID,
			FundNotionals:    make(map[string]decimal.Decimal),
			ExposurePercent:  make(map[string]decimal.Decimal),
			Status:           make(map[string]string),
			Locked:           make(map[string]bool),
			LockedBy:         make(map[string]string),
		}

		totalNotional := decimal.Zero
		allSettled := make(map[string]bool)

		for _, t := range group {
			pos.FundNotionals[t.FundID] = pos.FundNotionals[t.FundID].Add(t.SignedNotional())
			totalNotional = totalNotional.Add(t.SignedNotional())

			if _, seen := allSettled[t.FundID]; !seen {
				allSettled[t.FundID] = true
			}
			if t.Status != model.StatusSettled {
				allSettled[t.FundID] = false
			}

			if t.MaturityDate.After(pos.MaturityDate) {
				pos.MaturityDate = t.MaturityDate
			}
		}

		// Variance against the Target Circle ceiling for the key. A key
		// with no limit row has a zero ceiling.
		rec, err := a.store.GetLimitRecord(ctx, k.counterpartyID, k.collateralTypeID, date)
		switch {
		case err == nil && rec.Active:
			pos.Variance = rec.Ceiling().Sub(totalNotional)
		case err == nil || errors.Is(err, store.ErrNotFound):
			pos.Variance = totalNotional.Neg()
		default:
			return nil, err
		}

		absTotal := decimal.Zero
		for _, n := range pos.FundNotionals {
			absTotal = absTotal.Add(n.Abs())
		}

		for fundID, n := range pos.FundNotionals {
			if absTotal.IsPositive() {
				pos.ExposurePercent[fundID] = n.Abs().Div(absTotal).Mul(hundred).Round(2)
			} else {
				pos.ExposurePercent[fundID] = decimal.Zero
			}

			if allSettled[fundID] {
				pos.Status[fundID] = "Active"
			} else {
				pos.Status[fundID] = "Partial"
			}

			if a.locks != nil {
				if holder, ok := a.locks.Holder(k.counterpartyID, k.collateralTypeID, fundID); ok {
					pos.Locked[fundID] = true
					pos.LockedBy[fundID] = holder
				}
			}
		}

		positions = append(positions, pos)
	}

	sort.Slice(positions, func(i, j int) bool {
		a, b := positions[i], positions[j]
		if a.CollateralTypeID != b.CollateralTypeID {
			return a.CollateralTypeID < b.CollateralTypeID
		}
		if a.CounterpartyID != b.CounterpartyID {
			return a.CounterpartyID < b.CounterpartyID
		}
		return a.SecurityID < b.SecurityID
	})

	return positions, nil
}
