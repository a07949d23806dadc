package cash_test

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/repofin/circle-engine/internal/cash"
	"github.com/repofin/circle-engine/internal/model"
	"github.com/repofin/circle-engine/internal/store"
)

func d(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}

var (
	start    = time.Date(2025, 6, 2, 0, 0, 0, 0, time.UTC)
	maturity = start.AddDate(0, 0, 30)
)

func newFixture(t *testing.T) (*cash.Reconciler, *store.MemoryStore) {
	t.Helper()
	ms := store.NewMemoryStore()
	ms.SeedFund(&model.Fund{ID: "fundA", Name: "Fund A", CurrencyCode: "USD", CashAccountID: "acct-A"})
	return cash.NewReconciler(ms), ms
}

func seedTrade(t *testing.T, ms *store.MemoryStore, notional, rate decimal.Decimal, dir model.Direction, status model.TradeStatus) *model.Trade {
	t.Helper()
	trade := &model.Trade{
		ID:               uuid.New().String(),
		FundID:           "fundA",
		CounterpartyID:   "cpty1",
		CollateralTypeID: "GOVT",
		SecurityID:       "SEC1",
		Notional:         notional,
		Rate:             rate,
		Direction:        dir,
		StartDate:        start,
		MaturityDate:     maturity,
		Status:           status,
	}
	require.NoError(t, ms.InsertTrade(context.Background(), trade))
	return trade
}

func TestSubmit_DraftBecomesPending(t *testing.T) {
	r, ms := newFixture(t)
	trade := seedTrade(t, ms, d(1_000_000), d(5), model.DirectionLend, model.StatusDraft)

	out, err := r.Submit(context.Background(), trade.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusPending, out.Status)
}

func TestSubmit_NonDraftRejected(t *testing.T) {
	r, ms := newFixture(t)
	trade := seedTrade(t, ms, d(1_000_000), d(5), model.DirectionLend, model.StatusSettled)

	_, err := r.Submit(context.Background(), trade.ID)
	assert.ErrorIs(t, err, cash.ErrNotDraft)
}

func TestSettle_LendPaysCashOut(t *testing.T) {
	r, ms := newFixture(t)
	trade := seedTrade(t, ms, d(1_000_000), d(5), model.DirectionLend, model.StatusPending)
	ctx := context.Background()

	entry, err := r.Settle(ctx, trade.ID)
	require.NoError(t, err)

	assert.True(t, entry.Amount.Equal(d(-1_000_000)), "lend settlement should be negative, got %s", entry.Amount)
	assert.Equal(t, "USD", entry.CurrencyCode)
	assert.Equal(t, model.SourceRepoTrade, entry.Source)
	assert.Equal(t, trade.ID, entry.TradeID)

	got, err := ms.GetTrade(ctx, trade.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusSettled, got.Status)
}

func TestSettle_BorrowTakesCashIn(t *testing.T) {
	r, ms := newFixture(t)
	trade := seedTrade(t, ms, d(500_000), d(5), model.DirectionBorrow, model.StatusPending)

	entry, err := r.Settle(context.Background(), trade.ID)
	require.NoError(t, err)
	assert.True(t, entry.Amount.Equal(d(500_000)))
}

func TestSettle_NonPendingRejected(t *testing.T) {
	r, ms := newFixture(t)
	trade := seedTrade(t, ms, d(1_000_000), d(5), model.DirectionLend, model.StatusPending)
	ctx := context.Background()

	_, err := r.Settle(ctx, trade.ID)
	require.NoError(t, err)

	_, err = r.Settle(ctx, trade.ID)
	assert.ErrorIs(t, err, cash.ErrNotPending)

	// Double settle must not double-book cash.
	entries, err := ms.ListCashflowsByTrade(ctx, trade.ID)
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

// A 1M lend at 5% over 30 days returns principal plus 1,000,000 × 0.05
// × 30/365 = 4,109.59 of interest.
func TestMature_ActOver365Interest(t *testing.T) {
	r, ms := newFixture(t)
	trade := seedTrade(t, ms, d(1_000_000), d(5), model.DirectionLend, model.StatusSettled)

	entry, err := r.Mature(context.Background(), trade.ID)
	require.NoError(t, err)
	assert.True(t, entry.Amount.Equal(decimal.RequireFromString("1004109.59")),
		"expected 1,004,109.59, got %s", entry.Amount)
	assert.True(t, model.SameDay(entry.Date, maturity))
}

func TestInterest_RoundsToCents(t *testing.T) {
	trade := &model.Trade{
		Notional:     d(1_000_000),
		Rate:         d(5),
		StartDate:    start,
		MaturityDate: maturity,
	}
	assert.True(t, cash.Interest(trade).Equal(decimal.RequireFromString("4109.59")))
}

func TestMature_BorrowPaysBack(t *testing.T) {
	r, ms := newFixture(t)
	trade := seedTrade(t, ms, d(1_000_000), d(5), model.DirectionBorrow, model.StatusSettled)

	entry, err := r.Mature(context.Background(), trade.ID)
	require.NoError(t, err)
	assert.True(t, entry.Amount.Equal(decimal.RequireFromString("-1004109.59")))
}

func TestMature_RequiresSettled(t *testing.T) {
	r, ms := newFixture(t)
	trade := seedTrade(t, ms, d(1_000_000), d(5), model.DirectionLend, model.StatusPending)

	_, err := r.Mature(context.Background(), trade.ID)
	assert.ErrorIs(t, err, cash.ErrNotSettled)
}

func TestCancel_ReversesCashflowsAndReleasesCircle(t *testing.T) {
	r, ms := newFixture(t)
	ctx := context.Background()

	trade := seedTrade(t, ms, d(1_000_000), d(5), model.DirectionLend, model.StatusPending)

	// Upserting after the trade backfills utilization from the ledger.
	require.NoError(t, ms.UpsertLimitRecord(ctx, &model.LimitRecord{
		CounterpartyID:   "cpty1",
		CollateralTypeID: "GOVT",
		EffectiveDate:    start,
		TargetCircle:     d(10),
		Active:           true,
	}))
	_, err := r.Settle(ctx, trade.ID)
	require.NoError(t, err)

	reversals, err := r.Cancel(ctx, trade.ID)
	require.NoError(t, err)
	require.Len(t, reversals, 1)
	assert.True(t, reversals[0].Amount.Equal(d(1_000_000)), "settlement of −1M reverses to +1M")
	assert.Equal(t, model.SourceAdjustment, reversals[0].Source)

	got, err := ms.GetTrade(ctx, trade.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusCancelled, got.Status)

	// Cash nets to zero and nothing was deleted.
	balance, err := ms.FundCashBalance(ctx, "fundA", maturity)
	require.NoError(t, err)
	assert.True(t, balance.IsZero())
	entries, err := ms.ListCashflowsByTrade(ctx, trade.ID)
	require.NoError(t, err)
	assert.Len(t, entries, 2)

	rec, err := ms.GetLimitRecord(ctx, "cpty1", "GOVT", start)
	require.NoError(t, err)
	assert.True(t, rec.FinalCircle.IsZero(), "FinalCircle should be released, got %s", rec.FinalCircle)
}

func TestCancel_MaturedTradeRejected(t *testing.T) {
	r, ms := newFixture(t)
	trade := seedTrade(t, ms, d(1_000_000), d(5), model.DirectionLend, model.StatusMatured)

	_, err := r.Cancel(context.Background(), trade.ID)
	assert.ErrorIs(t, err, cash.ErrTradeFinal)
}

func TestFlatten_DrivesBalanceToZeroAndIsIdempotent(t *testing.T) {
	r, ms := newFixture(t)
	ctx := context.Background()

	require.NoError(t, ms.InsertCashflow(ctx, &model.CashflowEntry{
		ID: uuid.New().String(), CashAccountID: "acct-A", FundID: "fundA",
		Amount: d(750_000.25), CurrencyCode: "USD", Date: start, Source: model.SourceManual,
	}))

	entry, err := r.Flatten(ctx, "fundA", start)
	require.NoError(t, err)
	require.NotNil(t, entry)
	assert.True(t, entry.Amount.Equal(d(-750_000.25)))
	assert.Equal(t, model.SourceAdjustment, entry.Source)
	assert.Contains(t, entry.Description, "Repo")

	balance, err := ms.FundCashBalance(ctx, "fundA", start)
	require.NoError(t, err)
	assert.True(t, balance.IsZero(), "balance should be exactly zero, got %s", balance)

	// Second flatten is a no-op.
	again, err := r.Flatten(ctx, "fundA", start)
	require.NoError(t, err)
	assert.Nil(t, again)
}

func TestFlatten_NegativeBalanceTaggedReverseRepo(t *testing.T) {
	r, ms := newFixture(t)
	ctx := context.Background()

	require.NoError(t, ms.InsertCashflow(ctx, &model.CashflowEntry{
		ID: uuid.New().String(), CashAccountID: "acct-A", FundID: "fundA",
		Amount: d(-250_000), CurrencyCode: "USD", Date: start, Source: model.SourceManual,
	}))

	entry, err := r.Flatten(ctx, "fundA", start)
	require.NoError(t, err)
	require.NotNil(t, entry)
	assert.True(t, entry.Amount.Equal(d(250_000)))
	assert.Contains(t, entry.Description, "ReverseRepo")
}

func TestFlatten_SubCentBalanceIsFlat(t *testing.T) {
	r, ms := newFixture(t)
	ctx := context.Background()

	require.NoError(t, ms.InsertCashflow(ctx, &model.CashflowEntry{
		ID: uuid.New().String(), CashAccountID: "acct-A", FundID: "fundA",
		Amount: decimal.RequireFromString("0.005"), CurrencyCode: "USD", Date: start, Source: model.SourceManual,
	}))

	entry, err := r.Flatten(ctx, "fundA", start)
	require.NoError(t, err)
	assert.Nil(t, entry, "half a cent is within tolerance")
}

func TestFlatten_UnknownFund(t *testing.T) {
	r, _ := newFixture(t)

	_, err := r.Flatten(context.Background(), "nope", start)
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestValidateEntry_CurrencyMustMatchFund(t *testing.T) {
	fund := &model.Fund{ID: "fundA", CurrencyCode: "USD", CashAccountID: "acct-A"}

	err := cash.ValidateEntry(&model.CashflowEntry{CurrencyCode: "EUR"}, fund)
	assert.ErrorIs(t, err, cash.ErrCurrencyMismatch)

	err = cash.ValidateEntry(&model.CashflowEntry{CurrencyCode: "ZZZ"}, fund)
	assert.ErrorIs(t, err, cash.ErrUnknownCurrency)

	assert.NoError(t, cash.ValidateEntry(&model.CashflowEntry{CurrencyCode: "USD"}, fund))
}
