// Package engine exposes the reconciliation engine over HTTP: position
// reads, notional reconciliation, exposure validation, trade lifecycle,
// cash operations and advisory locks.
//
// All monetary values use shopspring/decimal — never float64 for money.
package engine

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/repofin/circle-engine/internal/cash"
	"github.com/repofin/circle-engine/internal/collab"
	"github.com/repofin/circle-engine/internal/limits"
	"github.com/repofin/circle-engine/internal/metrics"
	"github.com/repofin/circle-engine/internal/model"
	"github.com/repofin/circle-engine/internal/position"
	"github.com/repofin/circle-engine/internal/recon"
	"github.com/repofin/circle-engine/internal/store"
)

const dateLayout = "2006-01-02"

// Service wires the aggregator, validator, diff engine and cash
// reconciler behind the HTTP surface. The hub is optional; pass nil to
// disable broadcasting.
type Service struct {
	store      store.Store
	validator  *limits.Validator
	diff       *recon.Engine
	cash       *cash.Reconciler
	aggregator *position.Aggregator
	hub        *collab.Hub
}

// NewService creates the engine service.
func NewService(st store.Store, validator *limits.Validator, hub *collab.Hub) *Service {
	var locks position.LockView
	if hub != nil {
		locks = hub
	}
	return &Service{
		store:      st,
		validator:  validator,
		diff:       recon.NewEngine(st),
		cash:       cash.NewReconciler(st),
		aggregator: position.NewAggregator(st, locks),
		hub:        hub,
	}
}

// Routes mounts every handler on a chi router.
func (s *Service) Routes(r chi.Router) {
	r.Get("/positions", s.GetPositions)
	r.Post("/reconcile", s.ReconcileNotional)
	r.Post("/validate", s.ValidateExposure)

	r.Post("/trades", s.CreateTrade)
	r.Get("/trades", s.ListTrades)
	r.Get("/trades/{tradeID}", s.GetTrade)
	r.Post("/trades/{tradeID}/submit", s.SubmitTrade)
	r.Post("/trades/{tradeID}/settle", s.SettleTrade)
	r.Post("/trades/{tradeID}/mature", s.MatureTrade)
	r.Post("/trades/{tradeID}/cancel", s.CancelTrade)

	r.Post("/funds/{fundID}/flatten", s.Flatten)
	r.Get("/cashflows", s.ListCashflows)
	r.Post("/cashflows", s.CreateCashflow)
	r.Delete("/cashflows/{cashflowID}", s.DeleteCashflow)

	r.Get("/limits", s.GetLimit)
	r.Put("/limits", s.UpsertLimit)

	r.Post("/locks/acquire", s.AcquireLock)
	r.Post("/locks/release", s.ReleaseLock)
}

// --- Request/Response types ---

// ReconcileRequest is the JSON body for POST /reconcile.
type ReconcileRequest struct {
	FundID           string          `json:"fund_id"`
	CounterpartyID   string          `json:"counterparty_id"`
	CollateralTypeID string          `json:"collateral_type_id"`
	SecurityID       string          `json:"security_id"`
	TargetNotional   decimal.Decimal `json:"target_notional"`
	Date             string          `json:"date"` // YYYY-MM-DD; empty = today
}

// ReconcileResponse is the JSON body returned from POST /reconcile.
type ReconcileResponse struct {
	Status       string                   `json:"status"` // "Success" | "Failed"
	Trade        *model.Trade             `json:"trade,omitempty"`
	Validation   *limits.ValidationResult `json:"validation,omitempty"`
	ErrorMessage string                   `json:"error_message,omitempty"`
}

// ValidateRequest is the JSON body for POST /validate.
type ValidateRequest struct {
	CounterpartyID   string          `json:"counterparty_id"`
	CollateralTypeID string          `json:"collateral_type_id"`
	Date             string          `json:"date"`
	ProposedNotional decimal.Decimal `json:"proposed_notional"`
}

// CreateTradeRequest is the JSON body for manual trade entry.
type CreateTradeRequest struct {
	FundID           string          `json:"fund_id"`
	CounterpartyID   string          `json:"counterparty_id"`
	CollateralTypeID string          `json:"collateral_type_id"`
	SecurityID       string          `json:"security_id"`
	Notional         decimal.Decimal `json:"notional"`
	Rate             decimal.Decimal `json:"rate"`
	Direction        model.Direction `json:"direction"`
	StartDate        string          `json:"start_date"`
	MaturityDate     string          `json:"maturity_date"`
}

// FlattenRequest is the JSON body for POST /funds/{fundID}/flatten.
type FlattenRequest struct {
	Date string `json:"date"`
}

// LockRequest is the JSON body for the advisory lock endpoints.
type LockRequest struct {
	SessionID        string `json:"session_id"`
	CounterpartyID   string `json:"counterparty_id"`
	CollateralTypeID string `json:"collateral_type_id"`
	FundID           string `json:"fund_id"`
}

// CashflowRequest is the JSON body for manual cash entries.
type CashflowRequest struct {
	FundID       string          `json:"fund_id"`
	Amount       decimal.Decimal `json:"amount"`
	CurrencyCode string          `json:"currency_code"`
	Date         string          `json:"date"`
	Description  string          `json:"description"`
}

// LimitRequest is the JSON body for PUT /limits.
type LimitRequest struct {
	CounterpartyID   string          `json:"counterparty_id"`
	CollateralTypeID string          `json:"collateral_type_id"`
	EffectiveDate    string          `json:"effective_date"`
	Rate             decimal.Decimal `json:"rate"`
	TargetCircle     decimal.Decimal `json:"target_circle"`
	Active           bool            `json:"active"`
}

// --- Handlers ---

// GetPositions handles GET /api/v1/positions?date=YYYY-MM-DD
func (s *Service) GetPositions(w http.ResponseWriter, r *http.Request) {
	date, err := parseDate(r.URL.Query().Get("date"))
	if err != nil {
		writeError(w, "invalid date, want YYYY-MM-DD", http.StatusBadRequest)
		return
	}

	positions, err := s.aggregator.Aggregate(r.Context(), date)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	if positions == nil {
		positions = []model.Position{}
	}
	writeJSON(w, http.StatusOK, positions)
}

// ReconcileNotional handles POST /api/v1/reconcile: validate the
// proposed exposure change, then book the single minimal trade that
// moves the fund to the target.
func (s *Service) ReconcileNotional(w http.ResponseWriter, r *http.Request) {
	var req ReconcileRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.FundID == "" || req.CounterpartyID == "" || req.CollateralTypeID == "" || req.SecurityID == "" {
		writeError(w, "fund_id, counterparty_id, collateral_type_id and security_id are required", http.StatusBadRequest)
		return
	}
	if req.TargetNotional.IsNegative() {
		writeError(w, "target_notional must not be negative", http.StatusBadRequest)
		return
	}
	date, err := parseDate(req.Date)
	if err != nil {
		writeError(w, "invalid date, want YYYY-MM-DD", http.StatusBadRequest)
		return
	}

	ctx := r.Context()

	// Validation runs before anything is written. The delta is what the
	// reconciliation would add to the key's exposure.
	existing, err := s.fundKeyTotal(ctx, req.FundID, req.CounterpartyID, req.CollateralTypeID, date)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	delta := req.TargetNotional.Sub(existing)

	validation, err := s.validator.Validate(ctx, req.CounterpartyID, req.CollateralTypeID, date, delta)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	if !validation.IsWithinLimit {
		metrics.LimitRejections.Inc()
		metrics.Reconciliations.WithLabelValues("rejected").Inc()
		writeJSON(w, http.StatusBadRequest, ReconcileResponse{
			Status:       "Failed",
			Validation:   &validation,
			ErrorMessage: validation.Message,
		})
		return
	}

	trade, err := s.diff.Reconcile(ctx,
		req.FundID, req.CounterpartyID, req.CollateralTypeID, req.SecurityID,
		req.TargetNotional, date, callerID(r))
	if err != nil {
		metrics.Reconciliations.WithLabelValues("failed").Inc()
		writeStoreError(w, err)
		return
	}

	if trade == nil {
		metrics.Reconciliations.WithLabelValues("noop").Inc()
		writeJSON(w, http.StatusOK, ReconcileResponse{Status: "Success", Validation: &validation})
		return
	}

	metrics.Reconciliations.WithLabelValues("trade_created").Inc()
	metrics.TradesCreated.WithLabelValues(string(trade.Direction), "reconcile").Inc()
	slog.Info("notional reconciled",
		"trade_id", trade.ID,
		"fund", trade.FundID,
		"counterparty", trade.CounterpartyID,
		"collateral_type", trade.CollateralTypeID,
		"direction", trade.Direction,
		"notional", trade.Notional.String(),
	)

	s.broadcast(r, collab.EventNewTrade, trade)
	s.broadcast(r, collab.EventPositionChanged, positionKeyPayload(trade))
	s.broadcast(r, collab.EventCircleUpdated, circlePayload(trade.CounterpartyID, trade.CollateralTypeID, trade.StartDate))

	writeJSON(w, http.StatusCreated, ReconcileResponse{
		Status:     "Success",
		Trade:      trade,
		Validation: &validation,
	})
}

// ValidateExposure handles POST /api/v1/validate. Pure read, no writes.
func (s *Service) ValidateExposure(w http.ResponseWriter, r *http.Request) {
	var req ValidateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	date, err := parseDate(req.Date)
	if err != nil {
		writeError(w, "invalid date, want YYYY-MM-DD", http.StatusBadRequest)
		return
	}

	res, err := s.validator.Validate(r.Context(), req.CounterpartyID, req.CollateralTypeID, date, req.ProposedNotional)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	if !res.IsWithinLimit {
		metrics.LimitRejections.Inc()
	}
	writeJSON(w, http.StatusOK, res)
}

// CreateTrade handles POST /api/v1/trades: manual entry, bypasses the
// diff engine but not the exposure check or FinalCircle accounting.
func (s *Service) CreateTrade(w http.ResponseWriter, r *http.Request) {
	var req CreateTradeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if !req.Notional.IsPositive() {
		writeError(w, "notional must be positive", http.StatusBadRequest)
		return
	}
	if req.Rate.IsNegative() {
		writeError(w, "rate must not be negative", http.StatusBadRequest)
		return
	}
	if req.Direction != model.DirectionLend && req.Direction != model.DirectionBorrow {
		writeError(w, "direction must be Lend or Borrow", http.StatusBadRequest)
		return
	}
	start, err := parseDate(req.StartDate)
	if err != nil {
		writeError(w, "invalid start_date, want YYYY-MM-DD", http.StatusBadRequest)
		return
	}
	maturity, err := parseDate(req.MaturityDate)
	if err != nil || !maturity.After(start) {
		writeError(w, "maturity_date must follow start_date", http.StatusBadRequest)
		return
	}

	ctx := r.Context()
	if _, err := s.store.GetFund(ctx, req.FundID); err != nil {
		writeStoreError(w, err)
		return
	}

	delta := req.Notional
	if req.Direction == model.DirectionBorrow {
		delta = delta.Neg()
	}
	validation, err := s.validator.Validate(ctx, req.CounterpartyID, req.CollateralTypeID, start, delta)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	if !validation.IsWithinLimit {
		metrics.LimitRejections.Inc()
		writeError(w, validation.Message, http.StatusBadRequest)
		return
	}

	trade := &model.Trade{
		FundID:           req.FundID,
		CounterpartyID:   req.CounterpartyID,
		CollateralTypeID: req.CollateralTypeID,
		SecurityID:       req.SecurityID,
		Notional:         req.Notional,
		Rate:             req.Rate,
		Direction:        req.Direction,
		StartDate:        start,
		MaturityDate:     maturity,
		Status:           model.StatusPending,
		CreatedBy:        callerID(r),
	}
	if err := s.diff.Book(ctx, trade); err != nil {
		writeStoreError(w, err)
		return
	}

	metrics.TradesCreated.WithLabelValues(string(trade.Direction), "manual").Inc()
	s.broadcast(r, collab.EventNewTrade, trade)
	s.broadcast(r, collab.EventPositionChanged, positionKeyPayload(trade))
	s.broadcast(r, collab.EventCircleUpdated, circlePayload(trade.CounterpartyID, trade.CollateralTypeID, trade.StartDate))

	writeJSON(w, http.StatusCreated, trade)
}

// ListTrades handles GET /api/v1/trades?date=&fund=
func (s *Service) ListTrades(w http.ResponseWriter, r *http.Request) {
	date, err := parseDate(r.URL.Query().Get("date"))
	if err != nil {
		writeError(w, "invalid date, want YYYY-MM-DD", http.StatusBadRequest)
		return
	}

	trades, err := s.store.ListTradesByDate(r.Context(), date)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	if fund := r.URL.Query().Get("fund"); fund != "" {
		var filtered []model.Trade
		for _, t := range trades {
			if t.FundID == fund {
				filtered = append(filtered, t)
			}
		}
		trades = filtered
	}
	if trades == nil {
		trades = []model.Trade{}
	}
	writeJSON(w, http.StatusOK, trades)
}

// GetTrade handles GET /api/v1/trades/{tradeID}
func (s *Service) GetTrade(w http.ResponseWriter, r *http.Request) {
	trade, err := s.store.GetTrade(r.Context(), chi.URLParam(r, "tradeID"))
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, trade)
}

// SubmitTrade handles POST /api/v1/trades/{tradeID}/submit
func (s *Service) SubmitTrade(w http.ResponseWriter, r *http.Request) {
	trade, err := s.cash.Submit(r.Context(), chi.URLParam(r, "tradeID"))
	if err != nil {
		writeStoreError(w, err)
		return
	}
	s.broadcast(r, collab.EventPositionChanged, positionKeyPayload(trade))
	writeJSON(w, http.StatusOK, trade)
}

// SettleTrade handles POST /api/v1/trades/{tradeID}/settle
func (s *Service) SettleTrade(w http.ResponseWriter, r *http.Request) {
	tradeID := chi.URLParam(r, "tradeID")
	entry, err := s.cash.Settle(r.Context(), tradeID)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	slog.Info("trade settled", "trade_id", tradeID, "amount", entry.Amount.String())
	s.broadcast(r, collab.EventCashflowCreated, entry)
	writeJSON(w, http.StatusOK, entry)
}

// MatureTrade handles POST /api/v1/trades/{tradeID}/mature
func (s *Service) MatureTrade(w http.ResponseWriter, r *http.Request) {
	tradeID := chi.URLParam(r, "tradeID")
	entry, err := s.cash.Mature(r.Context(), tradeID)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	slog.Info("trade matured", "trade_id", tradeID, "amount", entry.Amount.String())
	s.broadcast(r, collab.EventCashflowCreated, entry)
	writeJSON(w, http.StatusOK, entry)
}

// CancelTrade handles POST /api/v1/trades/{tradeID}/cancel
func (s *Service) CancelTrade(w http.ResponseWriter, r *http.Request) {
	tradeID := chi.URLParam(r, "tradeID")
	reversals, err := s.cash.Cancel(r.Context(), tradeID)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	slog.Info("trade cancelled", "trade_id", tradeID, "reversals", len(reversals))

	if trade, err := s.store.GetTrade(r.Context(), tradeID); err == nil {
		s.broadcast(r, collab.EventPositionChanged, positionKeyPayload(trade))
		s.broadcast(r, collab.EventCircleUpdated, circlePayload(trade.CounterpartyID, trade.CollateralTypeID, trade.StartDate))
	}
	for i := range reversals {
		s.broadcast(r, collab.EventCashflowCreated, &reversals[i])
	}
	if reversals == nil {
		reversals = []model.CashflowEntry{}
	}
	writeJSON(w, http.StatusOK, reversals)
}

// Flatten handles POST /api/v1/funds/{fundID}/flatten
func (s *Service) Flatten(w http.ResponseWriter, r *http.Request) {
	var req FlattenRequest
	if r.Body != nil {
		json.NewDecoder(r.Body).Decode(&req) // empty body = today
	}
	date, err := parseDate(req.Date)
	if err != nil {
		writeError(w, "invalid date, want YYYY-MM-DD", http.StatusBadRequest)
		return
	}

	entry, err := s.FlattenFund(r.Context(), chi.URLParam(r, "fundID"), date)
	if err != nil {
		metrics.FlattenRuns.WithLabelValues("failed").Inc()
		writeStoreError(w, err)
		return
	}
	if entry == nil {
		metrics.FlattenRuns.WithLabelValues("flat").Inc()
		w.WriteHeader(http.StatusNoContent)
		return
	}
	metrics.FlattenRuns.WithLabelValues("adjusted").Inc()
	writeJSON(w, http.StatusOK, entry)
}

// FlattenFund runs the flatten procedure and broadcasts the adjustment.
// The EOD scheduler calls this directly.
func (s *Service) FlattenFund(ctx context.Context, fundID string, date time.Time) (*model.CashflowEntry, error) {
	entry, err := s.cash.Flatten(ctx, fundID, date)
	if err != nil {
		return nil, err
	}
	if entry != nil {
		slog.Info("fund flattened", "fund", fundID, "adjustment", entry.Amount.String())
		if s.hub != nil {
			s.hub.Broadcast(collab.Event{Type: collab.EventCashflowCreated, Payload: entry})
			metrics.BroadcastEvents.WithLabelValues(collab.EventCashflowCreated).Inc()
		}
	}
	return entry, nil
}

// ListCashflows handles GET /api/v1/cashflows?fund=&date=
func (s *Service) ListCashflows(w http.ResponseWriter, r *http.Request) {
	fund := r.URL.Query().Get("fund")
	if fund == "" {
		writeError(w, "fund query parameter is required", http.StatusBadRequest)
		return
	}
	date, err := parseDate(r.URL.Query().Get("date"))
	if err != nil {
		writeError(w, "invalid date, want YYYY-MM-DD", http.StatusBadRequest)
		return
	}

	entries, err := s.store.ListCashflowsByFund(r.Context(), fund, date)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	if entries == nil {
		entries = []model.CashflowEntry{}
	}
	writeJSON(w, http.StatusOK, entries)
}

// CreateCashflow handles POST /api/v1/cashflows: manual cash entries.
func (s *Service) CreateCashflow(w http.ResponseWriter, r *http.Request) {
	var req CashflowRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.Amount.IsZero() {
		writeError(w, "amount must be non-zero", http.StatusBadRequest)
		return
	}
	date, err := parseDate(req.Date)
	if err != nil {
		writeError(w, "invalid date, want YYYY-MM-DD", http.StatusBadRequest)
		return
	}

	ctx := r.Context()
	fund, err := s.store.GetFund(ctx, req.FundID)
	if err != nil {
		writeStoreError(w, err)
		return
	}

	entry := &model.CashflowEntry{
		ID:            uuid.New().String(),
		CashAccountID: fund.CashAccountID,
		FundID:        fund.ID,
		Amount:        req.Amount,
		CurrencyCode:  req.CurrencyCode,
		Date:          date,
		Source:        model.SourceManual,
		Description:   req.Description,
		CreatedAt:     time.Now().UTC(),
	}
	if err := cash.ValidateEntry(entry, fund); err != nil {
		writeError(w, err.Error(), http.StatusBadRequest)
		return
	}
	if err := s.store.InsertCashflow(ctx, entry); err != nil {
		writeStoreError(w, err)
		return
	}

	s.broadcast(r, collab.EventCashflowCreated, entry)
	writeJSON(w, http.StatusCreated, entry)
}

// DeleteCashflow handles DELETE /api/v1/cashflows/{cashflowID}. Only
// manual entries can be deleted; trade cashflows are reversed through
// Cancel instead.
func (s *Service) DeleteCashflow(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "cashflowID")

	ctx := r.Context()
	entry, err := s.store.GetCashflow(ctx, id)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	if entry.Source != model.SourceManual {
		writeError(w, "only manual entries can be deleted; cancel the trade instead", http.StatusConflict)
		return
	}
	if err := s.store.DeleteCashflow(ctx, id); err != nil {
		writeStoreError(w, err)
		return
	}

	s.broadcast(r, collab.EventCashflowDeleted, map[string]string{"id": id, "fund_id": entry.FundID})
	w.WriteHeader(http.StatusNoContent)
}

// GetLimit handles GET /api/v1/limits?counterparty=&collateral_type=&date=
func (s *Service) GetLimit(w http.ResponseWriter, r *http.Request) {
	cpty := r.URL.Query().Get("counterparty")
	collat := r.URL.Query().Get("collateral_type")
	if cpty == "" || collat == "" {
		writeError(w, "counterparty and collateral_type query parameters are required", http.StatusBadRequest)
		return
	}
	date, err := parseDate(r.URL.Query().Get("date"))
	if err != nil {
		writeError(w, "invalid date, want YYYY-MM-DD", http.StatusBadRequest)
		return
	}

	rec, err := s.store.GetLimitRecord(r.Context(), cpty, collat, date)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

// UpsertLimit handles PUT /api/v1/limits. FinalCircle is never set from
// the request — utilization only moves with trades. A limit entered
// after trading began comes back with its utilization already counted.
func (s *Service) UpsertLimit(w http.ResponseWriter, r *http.Request) {
	var req LimitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.TargetCircle.IsNegative() {
		writeError(w, "target_circle must not be negative", http.StatusBadRequest)
		return
	}
	date, err := parseDate(req.EffectiveDate)
	if err != nil {
		writeError(w, "invalid effective_date, want YYYY-MM-DD", http.StatusBadRequest)
		return
	}

	ctx := r.Context()
	rec := &model.LimitRecord{
		CounterpartyID:   req.CounterpartyID,
		CollateralTypeID: req.CollateralTypeID,
		EffectiveDate:    date,
		Rate:             req.Rate,
		TargetCircle:     req.TargetCircle,
		Active:           req.Active,
	}
	if err := s.store.UpsertLimitRecord(ctx, rec); err != nil {
		writeStoreError(w, err)
		return
	}
	// The store owns FinalCircle: preserved on update, backfilled from
	// the ledger on insert. Read it back for the response.
	if stored, err := s.store.GetLimitRecord(ctx, req.CounterpartyID, req.CollateralTypeID, date); err == nil {
		rec = stored
	}

	s.broadcast(r, collab.EventCircleUpdated, rec)
	writeJSON(w, http.StatusOK, rec)
}

// AcquireLock handles POST /api/v1/locks/acquire
func (s *Service) AcquireLock(w http.ResponseWriter, r *http.Request) {
	req, key, ok := s.lockArgs(w, r)
	if !ok {
		return
	}
	acquired, holder := s.hub.AcquireLock(key, req.SessionID)
	writeJSON(w, http.StatusOK, map[string]any{"acquired": acquired, "holder": holder})
}

// ReleaseLock handles POST /api/v1/locks/release
func (s *Service) ReleaseLock(w http.ResponseWriter, r *http.Request) {
	req, key, ok := s.lockArgs(w, r)
	if !ok {
		return
	}
	released := s.hub.ReleaseLock(key, req.SessionID)
	writeJSON(w, http.StatusOK, map[string]any{"released": released})
}

func (s *Service) lockArgs(w http.ResponseWriter, r *http.Request) (LockRequest, collab.LockKey, bool) {
	var req LockRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return req, collab.LockKey{}, false
	}
	if req.SessionID == "" {
		writeError(w, "session_id is required", http.StatusBadRequest)
		return req, collab.LockKey{}, false
	}
	if s.hub == nil {
		writeError(w, "collaboration is disabled", http.StatusServiceUnavailable)
		return req, collab.LockKey{}, false
	}
	return req, collab.LockKey{
		CounterpartyID:   req.CounterpartyID,
		CollateralTypeID: req.CollateralTypeID,
		FundID:           req.FundID,
	}, true
}

// --- Helpers ---

func (s *Service) fundKeyTotal(ctx context.Context, fundID, cptyID, collatID string, date time.Time) (decimal.Decimal, error) {
	trades, err := s.store.ListTradesByFundKey(ctx, fundID, cptyID, collatID, date)
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

// broadcast sends an event to every session, tagged with the caller's
// session id so clients can skip re-rendering their own edits.
func (s *Service) broadcast(r *http.Request, eventType string, payload any) {
	if s.hub == nil {
		return
	}
	s.hub.Broadcast(collab.Event{
		Type:     eventType,
		SenderID: r.Header.Get("X-Session-ID"),
		Payload:  payload,
	})
	metrics.BroadcastEvents.WithLabelValues(eventType).Inc()
}

func positionKeyPayload(t *model.Trade) map[string]string {
	return map[string]string{
		"counterparty_id":    t.CounterpartyID,
		"collateral_type_id": t.CollateralTypeID,
		"security_id":        t.SecurityID,
		"fund_id":            t.FundID,
		"date":               model.Day(t.StartDate).Format(dateLayout),
	}
}

func circlePayload(cptyID, collatID string, date time.Time) map[string]string {
	return map[string]string{
		"counterparty_id":    cptyID,
		"collateral_type_id": collatID,
		"date":               model.Day(date).Format(dateLayout),
	}
}

// callerID resolves the authenticated user for audit fields. Identity is
// an external collaborator; the engine only carries the id through.
func callerID(r *http.Request) string {
	if id := r.Header.Get("X-User-ID"); id != "" {
		return id
	}
	return "anonymous"
}

// parseDate parses YYYY-MM-DD; empty means today.
func parseDate(s string) (time.Time, error) {
	if s == "" {
		return model.Day(time.Now()), nil
	}
	t, err := time.Parse(dateLayout, s)
	if err != nil {
		return time.Time{}, err
	}
	return model.Day(t), nil
}

// writeJSON writes a JSON response.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, message string, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}

// writeStoreError maps domain errors onto HTTP statuses: unknown keys
// are 404, invalid state transitions 409, validation failures 400, and
// anything else a storage fault already rolled back, 500.
func writeStoreError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, store.ErrNotFound):
		writeError(w, err.Error(), http.StatusNotFound)
	case errors.Is(err, cash.ErrNotPending),
		errors.Is(err, cash.ErrNotSettled),
		errors.Is(err, cash.ErrNotDraft),
		errors.Is(err, cash.ErrTradeFinal):
		writeError(w, err.Error(), http.StatusConflict)
	case errors.Is(err, cash.ErrCurrencyMismatch),
		errors.Is(err, cash.ErrUnknownCurrency),
		errors.Is(err, recon.ErrInvalidNotional):
		writeError(w, err.Error(), http.StatusBadRequest)
	default:
		slog.Error("storage failure", "err", err)
		writeError(w, "internal error", http.StatusInternalServerError)
	}
}
