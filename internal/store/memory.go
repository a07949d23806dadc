package store

import (
	"context"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/repofin/circle-engine/internal/model"
)

// MemoryStore implements Store with in-memory maps. Used for testing
// and development. Not suitable for production (no persistence).
//
// Transactions are serialized behind the store mutex: WithinTx runs fn
// against a staged deep copy of the state and swaps it in on success, so
// a failed transaction leaves nothing behind and concurrent readers only
// ever see committed state. Direct writes take the transaction mutex
// too, so a write landing while a transaction is staged waits for the
// commit instead of being swapped away with the old state.
type MemoryStore struct {
	mu    sync.RWMutex
	txMu  sync.Mutex // serializes transactions and direct writes
	state *memState
}

type memState struct {
	trades    map[string]*model.Trade
	limits    map[string]*model.LimitRecord
	cashflows []model.CashflowEntry
	funds     map[string]*model.Fund
}

func newMemState() *memState {
	return &memState{
		trades: make(map[string]*model.Trade),
		limits: make(map[string]*model.LimitRecord),
		funds:  make(map[string]*model.Fund),
	}
}

func (s *memState) clone() *memState {
	c := newMemState()
	for id, t := range s.trades {
		cp := *t
		c.trades[id] = &cp
	}
	for k, l := range s.limits {
		cp := *l
		c.limits[k] = &cp
	}
	c.cashflows = append(c.cashflows, s.cashflows...)
	for id, f := range s.funds {
		cp := *f
		c.funds[id] = &cp
	}
	return c
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{state: newMemState()}
}

func limitKey(counterpartyID, collateralTypeID string, date time.Time) string {
	return counterpartyID + "|" + collateralTypeID + "|" + model.Day(date).Format("2006-01-02")
}

// SeedFund installs fund reference data for tests and development.
func (s *MemoryStore) SeedFund(f *model.Fund) {
	s.txMu.Lock()
	defer s.txMu.Unlock()
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *f
	s.state.funds[f.ID] = &cp
}

func (s *MemoryStore) InsertTrade(_ context.Context, t *model.Trade) error {
	s.txMu.Lock()
	defer s.txMu.Unlock()
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *t
	s.state.trades[t.ID] = &cp
	return nil
}

func (s *MemoryStore) GetTrade(_ context.Context, id string) (*model.Trade, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.state.trades[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *t
	return &cp, nil
}

func (s *MemoryStore) ListTradesByDate(_ context.Context, date time.Time) ([]model.Trade, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []model.Trade
	for _, t := range s.state.trades {
		if model.SameDay(t.StartDate, date) {
			out = append(out, *t)
		}
	}
	return out, nil
}

func (s *MemoryStore) ListTradesByKey(_ context.Context, counterpartyID, collateralTypeID string, date time.Time) ([]model.Trade, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []model.Trade
	for _, t := range s.state.trades {
		if t.CounterpartyID == counterpartyID &&
			t.CollateralTypeID == collateralTypeID &&
			model.SameDay(t.StartDate, date) {
			out = append(out, *t)
		}
	}
	return out, nil
}

func (s *MemoryStore) ListTradesByFundKey(_ context.Context, fundID, counterpartyID, collateralTypeID string, date time.Time) ([]model.Trade, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []model.Trade
	for _, t := range s.state.trades {
		if t.FundID == fundID &&
			t.CounterpartyID == counterpartyID &&
			t.CollateralTypeID == collateralTypeID &&
			model.SameDay(t.StartDate, date) {
			out = append(out, *t)
		}
	}
	return out, nil
}

func (s *MemoryStore) UpdateTradeStatus(_ context.Context, id string, status model.TradeStatus) error {
	s.txMu.Lock()
	defer s.txMu.Unlock()
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.state.trades[id]
	if !ok {
		return ErrNotFound
	}
	t.Status = status
	return nil
}

func (s *MemoryStore) GetLimitRecord(_ context.Context, counterpartyID, collateralTypeID string, date time.Time) (*model.LimitRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	l, ok := s.state.limits[limitKey(counterpartyID, collateralTypeID, date)]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *l
	return &cp, nil
}

// UpsertLimitRecord inserts or replaces the record for its key. The
// FinalCircle counter is owned by the ledger, not the caller: an update
// keeps the stored value, and a brand-new record is backfilled from the
// non-cancelled trades already booked for the key and date.
func (s *MemoryStore) UpsertLimitRecord(_ context.Context, rec *model.LimitRecord) error {
	s.txMu.Lock()
	defer s.txMu.Unlock()
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *rec
	cp.EffectiveDate = model.Day(rec.EffectiveDate)
	key := limitKey(rec.CounterpartyID, rec.CollateralTypeID, cp.EffectiveDate)
	if existing, ok := s.state.limits[key]; ok {
		cp.FinalCircle = existing.FinalCircle
	} else {
		cp.FinalCircle = s.state.bookedNotional(rec.CounterpartyID, rec.CollateralTypeID, cp.EffectiveDate)
	}
	s.state.limits[key] = &cp
	return nil
}

// bookedNotional sums the notional of non-cancelled trades for a key
// and date. Caller holds the store mutex.
func (s *memState) bookedNotional(counterpartyID, collateralTypeID string, date time.Time) decimal.Decimal {
	total := decimal.Zero
	for _, t := range s.trades {
		if t.CounterpartyID == counterpartyID &&
			t.CollateralTypeID == collateralTypeID &&
			model.SameDay(t.StartDate, date) &&
			t.Status != model.StatusCancelled {
			total = total.Add(t.Notional)
		}
	}
	return total
}

func (s *MemoryStore) AdjustFinalCircle(_ context.Context, counterpartyID, collateralTypeID string, date time.Time, delta decimal.Decimal) error {
	s.txMu.Lock()
	defer s.txMu.Unlock()
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.state.limits[limitKey(counterpartyID, collateralTypeID, date)]
	if !ok {
		return nil // no limit row for this key yet
	}
	l.FinalCircle = l.FinalCircle.Add(delta)
	return nil
}

func (s *MemoryStore) InsertCashflow(_ context.Context, e *model.CashflowEntry) error {
	s.txMu.Lock()
	defer s.txMu.Unlock()
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state.cashflows = append(s.state.cashflows, *e)
	return nil
}

func (s *MemoryStore) GetCashflow(_ context.Context, id string) (*model.CashflowEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, e := range s.state.cashflows {
		if e.ID == id {
			cp := e
			return &cp, nil
		}
	}
	return nil, ErrNotFound
}

func (s *MemoryStore) DeleteCashflow(_ context.Context, id string) error {
	s.txMu.Lock()
	defer s.txMu.Unlock()
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, e := range s.state.cashflows {
		if e.ID == id {
			s.state.cashflows = append(s.state.cashflows[:i], s.state.cashflows[i+1:]...)
			return nil
		}
	}
	return ErrNotFound
}

func (s *MemoryStore) ListCashflowsByTrade(_ context.Context, tradeID string) ([]model.CashflowEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []model.CashflowEntry
	for _, e := range s.state.cashflows {
		if e.TradeID == tradeID {
			out = append(out, e)
		}
	}
	return out, nil
}

func (s *MemoryStore) ListCashflowsByFund(_ context.Context, fundID string, asOf time.Time) ([]model.CashflowEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	day := model.Day(asOf)
	var out []model.CashflowEntry
	for _, e := range s.state.cashflows {
		if e.FundID == fundID && !model.Day(e.Date).After(day) {
			out = append(out, e)
		}
	}
	return out, nil
}

func (s *MemoryStore) FundCashBalance(_ context.Context, fundID string, asOf time.Time) (decimal.Decimal, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	day := model.Day(asOf)
	total := decimal.Zero
	for _, e := range s.state.cashflows {
		if e.FundID == fundID && !model.Day(e.Date).After(day) {
			total = total.Add(e.Amount)
		}
	}
	return total, nil
}

func (s *MemoryStore) GetFund(_ context.Context, id string) (*model.Fund, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	f, ok := s.state.funds[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *f
	return &cp, nil
}

func (s *MemoryStore) ListFunds(_ context.Context) ([]model.Fund, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	funds := make([]model.Fund, 0, len(s.state.funds))
	for _, f := range s.state.funds {
		funds = append(funds, *f)
	}
	return funds, nil
}

// WithinTx stages fn against a deep copy and swaps it in on success.
func (s *MemoryStore) WithinTx(ctx context.Context, fn func(Store) error) error {
	s.txMu.Lock()
	defer s.txMu.Unlock()

	s.mu.Lock()
	staged := &MemoryStore{state: s.state.clone()}
	s.mu.Unlock()

	if err := fn(&memTx{staged}); err != nil {
		return err
	}

	s.mu.Lock()
	s.state = staged.state
	s.mu.Unlock()
	return nil
}

// memTx wraps a staged MemoryStore so nested WithinTx calls join the
// same staged state instead of re-staging.
type memTx struct {
	*MemoryStore
}

func (t *memTx) WithinTx(_ context.Context, fn func(Store) error) error {
	return fn(t)
}
