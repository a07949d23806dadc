package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"

	"github.com/repofin/circle-engine/internal/model"
)

// CachedStore wraps a primary Store (PostgreSQL) with a Redis read-through
// cache for limit records, same-day trade snapshots and fund reference
// data. Writes go to the primary store and invalidate the affected keys;
// reads check Redis first then fall back to the primary. Derived views
// are never cached across a write without invalidation.
type CachedStore struct {
	primary Store
	rdb     *redis.Client
	ttl     time.Duration
}

// NewCachedStore creates a cached wrapper around a primary store.
func NewCachedStore(primary Store, rdb *redis.Client, ttl time.Duration) *CachedStore {
	return &CachedStore{primary: primary, rdb: rdb, ttl: ttl}
}

func limitCacheKey(cpty, collat string, date time.Time) string {
	return fmt.Sprintf("limit:%s:%s:%s", cpty, collat, model.Day(date).Format("2006-01-02"))
}

func tradesDayKey(date time.Time) string {
	return fmt.Sprintf("trades:%s", model.Day(date).Format("2006-01-02"))
}

func fundKey(id string) string { return fmt.Sprintf("fund:%s", id) }

// --- Trade ledger: writes invalidate the day snapshot ---

func (s *CachedStore) InsertTrade(ctx context.Context, t *model.Trade) error {
	if err := s.primary.InsertTrade(ctx, t); err != nil {
		return err
	}
	s.rdb.Del(ctx, tradesDayKey(t.StartDate))
	return nil
}

func (s *CachedStore) GetTrade(ctx context.Context, id string) (*model.Trade, error) {
	return s.primary.GetTrade(ctx, id)
}

func (s *CachedStore) ListTradesByDate(ctx context.Context, date time.Time) ([]model.Trade, error) {
	data, err := s.rdb.Get(ctx, tradesDayKey(date)).Bytes()
	if err == nil {
		var trades []model.Trade
		if json.Unmarshal(data, &trades) == nil {
			return trades, nil
		}
	}

	trades, err := s.primary.ListTradesByDate(ctx, date)
	if err != nil {
		return nil, err
	}
	if data, err := json.Marshal(trades); err == nil {
		s.rdb.Set(ctx, tradesDayKey(date), data, s.ttl)
	}
	return trades, nil
}

func (s *CachedStore) ListTradesByKey(ctx context.Context, counterpartyID, collateralTypeID string, date time.Time) ([]model.Trade, error) {
	return s.primary.ListTradesByKey(ctx, counterpartyID, collateralTypeID, date)
}

func (s *CachedStore) ListTradesByFundKey(ctx context.Context, fundID, counterpartyID, collateralTypeID string, date time.Time) ([]model.Trade, error) {
	return s.primary.ListTradesByFundKey(ctx, fundID, counterpartyID, collateralTypeID, date)
}

func (s *CachedStore) UpdateTradeStatus(ctx context.Context, id string, status model.TradeStatus) error {
	if err := s.primary.UpdateTradeStatus(ctx, id, status); err != nil {
		return err
	}
	// The day snapshot embeds statuses; drop whichever day the trade is on.
	if t, err := s.primary.GetTrade(ctx, id); err == nil {
		s.rdb.Del(ctx, tradesDayKey(t.StartDate))
	}
	return nil
}

// --- Limit registry: read-through with write invalidation ---

func (s *CachedStore) GetLimitRecord(ctx context.Context, counterpartyID, collateralTypeID string, date time.Time) (*model.LimitRecord, error) {
	key := limitCacheKey(counterpartyID, collateralTypeID, date)

	data, err := s.rdb.Get(ctx, key).Bytes()
	if err == nil {
		var rec model.LimitRecord
		if json.Unmarshal(data, &rec) == nil {
			return &rec, nil
		}
	}

	rec, err := s.primary.GetLimitRecord(ctx, counterpartyID, collateralTypeID, date)
	if err != nil {
		return nil, err
	}
	if data, err := json.Marshal(rec); err == nil {
		s.rdb.Set(ctx, key, data, s.ttl)
	}
	return rec, nil
}

func (s *CachedStore) UpsertLimitRecord(ctx context.Context, rec *model.LimitRecord) error {
	if err := s.primary.UpsertLimitRecord(ctx, rec); err != nil {
		return err
	}
	s.rdb.Del(ctx, limitCacheKey(rec.CounterpartyID, rec.CollateralTypeID, rec.EffectiveDate))
	return nil
}

func (s *CachedStore) AdjustFinalCircle(ctx context.Context, counterpartyID, collateralTypeID string, date time.Time, delta decimal.Decimal) error {
	if err := s.primary.AdjustFinalCircle(ctx, counterpartyID, collateralTypeID, date, delta); err != nil {
		return err
	}
	s.rdb.Del(ctx, limitCacheKey(counterpartyID, collateralTypeID, date))
	return nil
}

// --- Cash ledger: passthrough (balances are cheap SUM queries) ---

func (s *CachedStore) InsertCashflow(ctx context.Context, e *model.CashflowEntry) error {
	return s.primary.InsertCashflow(ctx, e)
}

func (s *CachedStore) GetCashflow(ctx context.Context, id string) (*model.CashflowEntry, error) {
	return s.primary.GetCashflow(ctx, id)
}

func (s *CachedStore) DeleteCashflow(ctx context.Context, id string) error {
	return s.primary.DeleteCashflow(ctx, id)
}

func (s *CachedStore) ListCashflowsByTrade(ctx context.Context, tradeID string) ([]model.CashflowEntry, error) {
	return s.primary.ListCashflowsByTrade(ctx, tradeID)
}

func (s *CachedStore) ListCashflowsByFund(ctx context.Context, fundID string, asOf time.Time) ([]model.CashflowEntry, error) {
	return s.primary.ListCashflowsByFund(ctx, fundID, asOf)
}

func (s *CachedStore) FundCashBalance(ctx context.Context, fundID string, asOf time.Time) (decimal.Decimal, error) {
	return s.primary.FundCashBalance(ctx, fundID, asOf)
}

// --- Reference data: read-through ---

func (s *CachedStore) GetFund(ctx context.Context, id string) (*model.Fund, error) {
	data, err := s.rdb.Get(ctx, fundKey(id)).Bytes()
	if err == nil {
		var f model.Fund
		if json.Unmarshal(data, &f) == nil {
			return &f, nil
		}
	}

	f, err := s.primary.GetFund(ctx, id)
	if err != nil {
		return nil, err
	}
	if data, err := json.Marshal(f); err == nil {
		s.rdb.Set(ctx, fundKey(id), data, s.ttl)
	}
	return f, nil
}

func (s *CachedStore) ListFunds(ctx context.Context) ([]model.Fund, error) {
	return s.primary.ListFunds(ctx)
}

// WithinTx delegates to the primary transaction and records every key the
// transaction touches, dropping them after commit so readers never see a
// stale snapshot.
func (s *CachedStore) WithinTx(ctx context.Context, fn func(Store) error) error {
	rec := &txRecorder{}
	err := s.primary.WithinTx(ctx, func(tx Store) error {
		return fn(&recordingStore{Store: tx, rec: rec})
	})
	if err != nil {
		return err
	}
	if len(rec.keys) > 0 {
		s.rdb.Del(ctx, rec.keys...)
	}
	return nil
}

type txRecorder struct {
	keys []string
}

func (r *txRecorder) add(key string) {
	for _, k := range r.keys {
		if k == key {
			return
		}
	}
	r.keys = append(r.keys, key)
}

// recordingStore passes everything through to the transactional store and
// notes which cache keys each write invalidates.
type recordingStore struct {
	Store
	rec *txRecorder
}

func (s *recordingStore) InsertTrade(ctx context.Context, t *model.Trade) error {
	s.rec.add(tradesDayKey(t.StartDate))
	return s.Store.InsertTrade(ctx, t)
}

func (s *recordingStore) UpdateTradeStatus(ctx context.Context, id string, status model.TradeStatus) error {
	if t, err := s.Store.GetTrade(ctx, id); err == nil {
		s.rec.add(tradesDayKey(t.StartDate))
	}
	return s.Store.UpdateTradeStatus(ctx, id, status)
}

func (s *recordingStore) UpsertLimitRecord(ctx context.Context, rec *model.LimitRecord) error {
	s.rec.add(limitCacheKey(rec.CounterpartyID, rec.CollateralTypeID, rec.EffectiveDate))
	return s.Store.UpsertLimitRecord(ctx, rec)
}

func (s *recordingStore) AdjustFinalCircle(ctx context.Context, counterpartyID, collateralTypeID string, date time.Time, delta decimal.Decimal) error {
	s.rec.add(limitCacheKey(counterpartyID, collateralTypeID, date))
	return s.Store.AdjustFinalCircle(ctx, counterpartyID, collateralTypeID, date, delta)
}

func (s *recordingStore) WithinTx(_ context.Context, fn func(Store) error) error {
	return fn(s)
}
