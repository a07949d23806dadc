// Package limits implements the Exposure Validator: the Target Circle
// check that gates every new trade against the Limit Registry.
//
// A Target Circle is the maximum permitted aggregate notional exposure
// to a (counterparty, collateral type) pair on a date, stored in
// millions. The check is computed before anything is persisted and is
// advisory for already-settled trades.
package limits

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/repofin/circle-engine/internal/model"
	"github.com/repofin/circle-engine/internal/store"
)

// MissingLimitPolicy controls validation when no LimitRecord exists for
// a (counterparty, collateral type, date) key.
type MissingLimitPolicy string

const (
	// PolicyAllowMissing passes validation with a warning message. This
	// is the default and mirrors the permissive behavior operators
	// relied on before limits were entered for every key.
	PolicyAllowMissing MissingLimitPolicy = "allow"

	// PolicyRejectMissing fails closed: no limit row, no new exposure.
	PolicyRejectMissing MissingLimitPolicy = "reject"
)

// ValidationResult describes the outcome of a limit check.
type ValidationResult struct {
	IsWithinLimit      bool            `json:"is_within_limit"`
	CurrentExposure    decimal.Decimal `json:"current_exposure"`
	NewTotalExposure   decimal.Decimal `json:"new_total_exposure"`
	Ceiling            decimal.Decimal `json:"ceiling"`
	UtilizationPercent decimal.Decimal `json:"utilization_percent"`
	Message            string          `json:"message,omitempty"`
}

// Validator checks proposed notional changes against the Limit Registry.
type Validator struct {
	store  store.Store
	policy MissingLimitPolicy
}

// NewValidator creates a validator with the given missing-limit policy.
func NewValidator(st store.Store, policy MissingLimitPolicy) *Validator {
	if policy == "" {
		policy = PolicyAllowMissing
	}
	return &Validator{store: st, policy: policy}
}

// Validate computes current exposure for the key/date and checks whether
// adding proposedNotional stays under the Target Circle ceiling.
//
// Current exposure is the signed sum (Lend positive, Borrow negative) of
// all non-cancelled trades for the key on the date, so a borrow releases
// headroom. The proposed notional is likewise signed.
func (v *Validator) Validate(ctx context.Context, counterpartyID, collateralTypeID string, date time.Time, proposedNotional decimal.Decimal) (ValidationResult, error) {
	current, err := v.currentExposure(ctx, counterpartyID, collateralTypeID, date)
	if err != nil {
		return ValidationResult{}, err
	}

	newTotal := current.Add(proposedNotional)
	res := ValidationResult{
		CurrentExposure:  current,
		NewTotalExposure: newTotal,
	}

	rec, err := v.store.GetLimitRecord(ctx, counterpartyID, collateralTypeID, date)
	switch {
	case errors.Is(err, store.ErrNotFound):
		return v.applyMissingPolicy(res, counterpartyID, collateralTypeID), nil
	case err != nil:
		return ValidationResult{}, err
	}

	if !rec.Active {
		return v.applyMissingPolicy(res, counterpartyID, collateralTypeID), nil
	}

	ceiling := rec.Ceiling()
	res.Ceiling = ceiling
	res.IsWithinLimit = newTotal.LessThanOrEqual(ceiling)
	if ceiling.IsPositive() {
		res.UtilizationPercent = newTotal.Div(ceiling).Mul(decimal.NewFromInt(100)).Round(2)
	}
	if !res.IsWithinLimit {
		res.Message = fmt.Sprintf(
			"target circle exceeded for %s/%s: new total %s over ceiling %s",
			counterpartyID, collateralTypeID, newTotal.String(), ceiling.String())
	}
	return res, nil
}

func (v *Validator) applyMissingPolicy(res ValidationResult, counterpartyID, collateralTypeID string) ValidationResult {
	if v.policy == PolicyRejectMissing {
		res.IsWithinLimit = false
		res.Message = fmt.Sprintf("no active target circle for %s/%s", counterpartyID, collateralTypeID)
		return res
	}
	res.IsWithinLimit = true
	res.Message = fmt.Sprintf("no active target circle for %s/%s; passing unchecked", counterpartyID, collateralTypeID)
	return res
}

func (v *Validator) currentExposure(ctx context.Context, counterpartyID, collateralTypeID string, date time.Time) (decimal.Decimal, error) {
	trades, err := v.store.ListTradesByKey(ctx, counterpartyID, collateralTypeID, date)
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
