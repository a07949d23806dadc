package position_test

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/repofin/circle-engine/internal/model"
	"github.com/repofin/circle-engine/internal/position"
	"github.com/repofin/circle-engine/internal/store"
)

func d(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}

var day = time.Date(2025, 6, 2, 0, 0, 0, 0, time.UTC)

func seedTrade(t *testing.T, ms *store.MemoryStore, fundID, cptyID, collatID, secID string, notional decimal.Decimal, dir model.Direction, status model.TradeStatus) {
	t.Helper()
	trade := &model.Trade{
		ID:               uuid.New().String(),
		FundID:           fundID,
		CounterpartyID:   cptyID,
		CollateralTypeID: collatID,
		SecurityID:       secID,
		Notional:         notional,
		Direction:        dir,
		StartDate:        day,
		MaturityDate:     day.AddDate(0, 0, 7),
		Status:           status,
	}
	if err := ms.InsertTrade(context.Background(), trade); err != nil {
		t.Fatalf("seed trade: %v", err)
	}
}

func TestAggregate_GroupsByCollateralCounterpartySecurity(t *testing.T) {
	ms := store.NewMemoryStore()
	seedTrade(t, ms, "fundA", "cpty1", "GOVT", "SEC1", d(1_000_000), model.DirectionLend, model.StatusSettled)
	seedTrade(t, ms, "fundA", "cpty1", "GOVT", "SEC2", d(500_000), model.DirectionLend, model.StatusSettled)
	seedTrade(t, ms, "fundA", "cpty2", "GOVT", "SEC1", d(250_000), model.DirectionLend, model.StatusSettled)

	agg := position.NewAggregator(ms, nil)
	positions, err := agg.Aggregate(context.Background(), day)
	if err != nil {
		t.Fatalf("aggregate: %v", err)
	}
	if len(positions) != 3 {
		t.Fatalf("expected 3 positions, got %d", len(positions))
	}
	// Sorted by collateral, counterparty, security.
	if positions[0].CounterpartyID != "cpty1" || positions[0].SecurityID != "SEC1" {
		t.Errorf("unexpected first position: %+v", positions[0])
	}
}

// Conservation: fund notionals across a key's positions must sum to the
// signed trade notionals for that key.
func TestAggregate_Conservation(t *testing.T) {
	ms := store.NewMemoryStore()
	seedTrade(t, ms, "fundA", "cpty1", "GOVT", "SEC1", d(2_000_000), model.DirectionLend, model.StatusSettled)
	seedTrade(t, ms, "fundB", "cpty1", "GOVT", "SEC1", d(750_000), model.DirectionLend, model.StatusSettled)
	seedTrade(t, ms, "fundB", "cpty1", "GOVT", "SEC1", d(500_000), model.DirectionBorrow, model.StatusSettled)

	agg := position.NewAggregator(ms, nil)
	positions, err := agg.Aggregate(context.Background(), day)
	if err != nil {
		t.Fatalf("aggregate: %v", err)
	}
	if len(positions) != 1 {
		t.Fatalf("expected 1 position, got %d", len(positions))
	}

	pos := positions[0]
	if !pos.FundNotionals["fundA"].Equal(d(2_000_000)) {
		t.Errorf("fundA: expected 2,000,000, got %s", pos.FundNotionals["fundA"])
	}
	if !pos.FundNotionals["fundB"].Equal(d(250_000)) {
		t.Errorf("fundB: expected 250,000 (750k lend − 500k borrow), got %s", pos.FundNotionals["fundB"])
	}

	sum := decimal.Zero
	for _, n := range pos.FundNotionals {
		sum = sum.Add(n)
	}
	// Signed ledger total: 2,000,000 + 750,000 − 500,000.
	if !sum.Equal(d(2_250_000)) {
		t.Errorf("conservation violated: fund notionals sum to %s, want 2,250,000", sum)
	}
}

func TestAggregate_VarianceAgainstTargetCircle(t *testing.T) {
	ms := store.NewMemoryStore()
	ctx := context.Background()
	seedTrade(t, ms, "fundA", "cpty1", "GOVT", "SEC1", d(2_000_000), model.DirectionLend, model.StatusSettled)

	rec := &model.LimitRecord{
		CounterpartyID:   "cpty1",
		CollateralTypeID: "GOVT",
		EffectiveDate:    day,
		TargetCircle:     d(10),
		Active:           true,
	}
	if err := ms.UpsertLimitRecord(ctx, rec); err != nil {
		t.Fatalf("seed limit: %v", err)
	}

	agg := position.NewAggregator(ms, nil)
	positions, err := agg.Aggregate(ctx, day)
	if err != nil {
		t.Fatalf("aggregate: %v", err)
	}
	if !positions[0].Variance.Equal(d(8_000_000)) {
		t.Errorf("expected variance 8,000,000, got %s", positions[0].Variance)
	}
}

func TestAggregate_StatusActiveOnlyWhenAllSettled(t *testing.T) {
	ms := store.NewMemoryStore()
	seedTrade(t, ms, "fundA", "cpty1", "GOVT", "SEC1", d(1_000_000), model.DirectionLend, model.StatusSettled)
	seedTrade(t, ms, "fundA", "cpty1", "GOVT", "SEC1", d(500_000), model.DirectionLend, model.StatusDraft)
	seedTrade(t, ms, "fundB", "cpty1", "GOVT", "SEC1", d(250_000), model.DirectionLend, model.StatusSettled)

	agg := position.NewAggregator(ms, nil)
	positions, err := agg.Aggregate(context.Background(), day)
	if err != nil {
		t.Fatalf("aggregate: %v", err)
	}

	pos := positions[0]
	if pos.Status["fundA"] != "Partial" {
		t.Errorf("fundA has a draft trade, expected Partial, got %s", pos.Status["fundA"])
	}
	if pos.Status["fundB"] != "Active" {
		t.Errorf("fundB fully settled, expected Active, got %s", pos.Status["fundB"])
	}
}

func TestAggregate_CancelledTradesExcluded(t *testing.T) {
	ms := store.NewMemoryStore()
	seedTrade(t, ms, "fundA", "cpty1", "GOVT", "SEC1", d(1_000_000), model.DirectionLend, model.StatusCancelled)

	agg := position.NewAggregator(ms, nil)
	positions, err := agg.Aggregate(context.Background(), day)
	if err != nil {
		t.Fatalf("aggregate: %v", err)
	}
	if len(positions) != 0 {
		t.Errorf("expected no positions from cancelled trades, got %d", len(positions))
	}
}

func TestAggregate_ExposurePercent(t *testing.T) {
	ms := store.NewMemoryStore()
	seedTrade(t, ms, "fundA", "cpty1", "GOVT", "SEC1", d(3_000_000), model.DirectionLend, model.StatusSettled)
	seedTrade(t, ms, "fundB", "cpty1", "GOVT", "SEC1", d(1_000_000), model.DirectionLend, model.StatusSettled)

	agg := position.NewAggregator(ms, nil)
	positions, err := agg.Aggregate(context.Background(), day)
	if err != nil {
		t.Fatalf("aggregate: %v", err)
	}

	pos := positions[0]
	if !pos.ExposurePercent["fundA"].Equal(d(75)) {
		t.Errorf("fundA: expected 75%%, got %s", pos.ExposurePercent["fundA"])
	}
	if !pos.ExposurePercent["fundB"].Equal(d(25)) {
		t.Errorf("fundB: expected 25%%, got %s", pos.ExposurePercent["fundB"])
	}
}

type staticLocks map[string]string

func (l staticLocks) Holder(cptyID, collatID, fundID string) (string, bool) {
	h, ok := l[cptyID+"|"+collatID+"|"+fundID]
	return h, ok
}

func TestAggregate_LockAttribution(t *testing.T) {
	ms := store.NewMemoryStore()
	seedTrade(t, ms, "fundA", "cpty1", "GOVT", "SEC1", d(1_000_000), model.DirectionLend, model.StatusSettled)

	locks := staticLocks{"cpty1|GOVT|fundA": "session-9"}
	agg := position.NewAggregator(ms, locks)
	positions, err := agg.Aggregate(context.Background(), day)
	if err != nil {
		t.Fatalf("aggregate: %v", err)
	}

	pos := positions[0]
	if !pos.Locked["fundA"] {
		t.Error("expected fundA cell locked")
	}
	if pos.LockedBy["fundA"] != "session-9" {
		t.Errorf("expected holder session-9, got %s", pos.LockedBy["fundA"])
	}
}

// Aggregation is a pure read: calling it twice yields identical results
// and writes nothing.
func TestAggregate_Idempotent(t *testing.T) {
	ms := store.NewMemoryStore()
	seedTrade(t, ms, "fundA", "cpty1", "GOVT", "SEC1", d(1_000_000), model.DirectionLend, model.StatusSettled)

	agg := position.NewAggregator(ms, nil)
	first, err := agg.Aggregate(context.Background(), day)
	if err != nil {
		t.Fatalf("first aggregate: %v", err)
	}
	second, err := agg.Aggregate(context.Background(), day)
	if err != nil {
		t.Fatalf("second aggregate: %v", err)
	}
	if len(first) != len(second) {
		t.Fatalf("result changed between reads: %d vs %d", len(first), len(second))
	}
	if !first[0].FundNotionals["fundA"].Equal(second[0].FundNotionals["fundA"]) {
		t.Error("fund notionals changed between reads")
	}
}
