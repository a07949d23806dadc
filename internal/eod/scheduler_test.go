package eod

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/repofin/circle-engine/internal/model"
	"github.com/repofin/circle-engine/internal/store"
)

type fakeFlattener struct {
	calls []string
	fail  map[string]bool
}

func (f *fakeFlattener) FlattenFund(_ context.Context, fundID string, _ time.Time) (*model.CashflowEntry, error) {
	f.calls = append(f.calls, fundID)
	if f.fail[fundID] {
		return nil, errors.New("flatten failed")
	}
	return &model.CashflowEntry{FundID: fundID, Amount: decimal.NewFromInt(-100)}, nil
}

func TestSweepVisitsEveryFund(t *testing.T) {
	ms := store.NewMemoryStore()
	ms.SeedFund(&model.Fund{ID: "fundA", CurrencyCode: "USD", CashAccountID: "acct-A"})
	ms.SeedFund(&model.Fund{ID: "fundB", CurrencyCode: "USD", CashAccountID: "acct-B"})

	f := &fakeFlattener{}
	NewScheduler(ms, f).Sweep()

	if len(f.calls) != 2 {
		t.Fatalf("expected both funds swept, got %v", f.calls)
	}
}

func TestSweepContinuesPastFailures(t *testing.T) {
	ms := store.NewMemoryStore()
	ms.SeedFund(&model.Fund{ID: "fundA", CurrencyCode: "USD", CashAccountID: "acct-A"})
	ms.SeedFund(&model.Fund{ID: "fundB", CurrencyCode: "USD", CashAccountID: "acct-B"})

	f := &fakeFlattener{fail: map[string]bool{"fundA": true}}
	NewScheduler(ms, f).Sweep()

	if len(f.calls) != 2 {
		t.Fatalf("a failing fund must not stop the sweep, got %v", f.calls)
	}
}

func TestStartRejectsBadSpec(t *testing.T) {
	s := NewScheduler(store.NewMemoryStore(), &fakeFlattener{})
	if err := s.Start("not a cron expression"); err == nil {
		t.Fatal("expected an error for an invalid cron expression")
	}
}
