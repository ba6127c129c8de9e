package trade

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/mqk/execution-engine/internal/execution"
	"github.com/mqk/execution-engine/internal/integrity"
	"github.com/mqk/execution-engine/internal/model"
	"github.com/mqk/execution-engine/internal/oms"
	"github.com/mqk/execution-engine/internal/portfolio"
	"github.com/mqk/execution-engine/internal/risk"
	"github.com/mqk/execution-engine/internal/store"
)

// Routes mounts the control surface on r. The caller adds /health and
// /metrics.
func (s *Service) Routes(r chi.Router) {
	r.Get("/status", s.GetStatus)
	r.Post("/integrity/arm", s.ArmHandler)
	r.Post("/integrity/disarm", s.DisarmHandler)
	r.Post("/reconcile", s.ReconcileHandler)
	r.Post("/intents", s.CreateIntent)
	r.Post("/targets", s.CreateTargets)
	r.Get("/orders", s.ListOrders)
	r.Get("/orders/{orderID}", s.GetOrder)
	r.Post("/orders/{orderID}/cancel", s.CancelOrder)
	r.Post("/orders/{orderID}/replace", s.ReplaceOrder)
	r.Post("/orders/{orderID}/events", s.PostOrderEvent)
	r.Post("/fills", s.PostFills)
	r.Post("/marks", s.PostMarks)
	r.Get("/portfolio", s.GetPortfolio)
	r.Get("/outbox/{key}", s.GetOutboxRow)
	if s.wsHub != nil {
		r.Get("/ws", s.wsHub.HandleWS)
	}
}

// --- Request / response types ---

// IntentRequest is the body of POST /api/v1/intents. Prices are decimal
// strings.
type IntentRequest struct {
	IdempotencyKey string `json:"idempotency_key"`
	Symbol         string `json:"symbol"`
	Side           string `json:"side"`
	Quantity       int64  `json:"quantity"`
	OrderType      string `json:"order_type"`
	LimitPrice     string `json:"limit_price,omitempty"`
	TimeInForce    string `json:"time_in_force"`
}

type IntentResponse struct {
	Intent  model.OrderIntent `json:"intent"`
	Created bool              `json:"created"`
}

type TargetsRequest struct {
	Targets []model.TargetPosition `json:"targets"`
}

type ReplaceRequest struct {
	Quantity    int64  `json:"quantity"`
	LimitPrice  string `json:"limit_price,omitempty"`
	TimeInForce string `json:"time_in_force"`
}

type EventRequest struct {
	Kind     oms.EventKind `json:"kind"`
	DeltaQty int64         `json:"delta_qty,omitempty"`
	EventID  string        `json:"event_id,omitempty"`
}

// FillRequest is one broker execution report with decimal price and fee.
type FillRequest struct {
	BrokerMessageID string `json:"broker_message_id"`
	SeqNo           uint64 `json:"seq_no"`
	InternalOrderID string `json:"internal_order_id"`
	Symbol          string `json:"symbol"`
	Side            string `json:"side"`
	Qty             int64  `json:"qty"`
	Price           string `json:"price"`
	Fee             string `json:"fee,omitempty"`
	Final           bool   `json:"final"`
}

type FillsRequest struct {
	Fills []FillRequest `json:"fills"`
}

type MarksRequest struct {
	Marks map[string]string `json:"marks"`
}

type DisarmRequest struct {
	Reason string `json:"reason"`
}

type StatusResponse struct {
	RunID          string             `json:"run_id"`
	Arm            integrity.ArmState `json:"arm_state"`
	ReconcileClean bool               `json:"reconcile_clean"`
	LastCleanAt    *time.Time         `json:"last_clean_reconcile_at,omitempty"`
	RiskBlocked    string             `json:"risk_blocked,omitempty"`
	RiskAllowed    bool               `json:"risk_allowed"`
	OpenOrders     int                `json:"open_orders"`
	Ledger         portfolio.Snapshot `json:"ledger"`
}

// --- Handlers ---

// GetStatus handles GET /api/v1/status
func (s *Service) GetStatus(w http.ResponseWriter, r *http.Request) {
	resp := StatusResponse{
		RunID:          s.runID,
		Arm:            s.arm.State(),
		ReconcileClean: s.guard.IsClean(),
		RiskAllowed:    true,
	}
	if at, ok := s.guard.LastClean(); ok {
		resp.LastCleanAt = &at
	}
	if s.limiter != nil {
		resp.RiskBlocked = s.limiter.Blocked()
		resp.RiskAllowed = s.limiter.IsAllowed()
	}
	for _, o := range s.Orders() {
		if !o.State.Terminal() {
			resp.OpenOrders++
		}
	}
	s.mu.Lock()
	resp.Ledger = s.ledger.Snapshot()
	s.mu.Unlock()

	writeJSON(w, http.StatusOK, resp)
}

// ArmHandler handles POST /api/v1/integrity/arm
func (s *Service) ArmHandler(w http.ResponseWriter, r *http.Request) {
	st, err := s.Arm(r.Context())
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

// DisarmHandler handles POST /api/v1/integrity/disarm
// An empty body disarms with MANUAL_DISARM.
func (s *Service) DisarmHandler(w http.ResponseWriter, r *http.Request) {
	var req DisarmRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	reason := integrity.ManualDisarm
	if req.Reason != "" {
		reason = integrity.DisarmReason(strings.ToUpper(req.Reason))
	}
	st, err := s.Disarm(r.Context(), reason)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

// ReconcileHandler handles POST /api/v1/reconcile
func (s *Service) ReconcileHandler(w http.ResponseWriter, r *http.Request) {
	drifts, err := s.Reconcile(r.Context())
	if err != nil && len(drifts) == 0 {
		writeError(w, err.Error(), http.StatusBadGateway)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"clean":  len(drifts) == 0,
		"drifts": drifts,
	})
}

// CreateIntent handles POST /api/v1/intents
// Returns 201 for a new intent and 200 when the key was already queued.
func (s *Service) CreateIntent(w http.ResponseWriter, r *http.Request) {
	var req IntentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	side, err := model.ParseSide(req.Side)
	if err != nil {
		writeError(w, "side must be BUY or SELL", http.StatusBadRequest)
		return
	}
	intent := model.OrderIntent{
		IdempotencyKey: req.IdempotencyKey,
		Symbol:         strings.ToUpper(strings.TrimSpace(req.Symbol)),
		Side:           side,
		Quantity:       req.Quantity,
		OrderType:      strings.ToLower(req.OrderType),
		TimeInForce:    strings.ToLower(req.TimeInForce),
	}
	if req.LimitPrice != "" {
		px, err := execution.ParseMicros(req.LimitPrice)
		if err != nil {
			writeError(w, "limit_price: "+err.Error(), http.StatusBadRequest)
			return
		}
		intent.LimitPriceMicros = &px
	}

	queued, created, err := s.EnqueueIntent(r.Context(), intent)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}
	writeJSON(w, status, IntentResponse{Intent: queued, Created: created})
}

// CreateTargets handles POST /api/v1/targets
func (s *Service) CreateTargets(w http.ResponseWriter, r *http.Request) {
	var req TargetsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	for i := range req.Targets {
		req.Targets[i].Symbol = strings.ToUpper(strings.TrimSpace(req.Targets[i].Symbol))
		if req.Targets[i].Symbol == "" {
			writeError(w, "target symbol is required", http.StatusBadRequest)
			return
		}
	}

	intents, err := s.EnqueueTargets(r.Context(), req.Targets)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	if intents == nil {
		intents = []model.OrderIntent{}
	}
	writeJSON(w, http.StatusCreated, map[string]any{"intents": intents})
}

// ListOrders handles GET /api/v1/orders
func (s *Service) ListOrders(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"orders": s.Orders()})
}

// GetOrder handles GET /api/v1/orders/{orderID}
func (s *Service) GetOrder(w http.ResponseWriter, r *http.Request) {
	orderID := chi.URLParam(r, "orderID")
	for _, o := range s.Orders() {
		if o.ID == orderID {
			writeJSON(w, http.StatusOK, o)
			return
		}
	}
	writeError(w, "order not found", http.StatusNotFound)
}

// CancelOrder handles POST /api/v1/orders/{orderID}/cancel
func (s *Service) CancelOrder(w http.ResponseWriter, r *http.Request) {
	resp, err := s.Cancel(r.Context(), chi.URLParam(r, "orderID"))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

// ReplaceOrder handles POST /api/v1/orders/{orderID}/replace
func (s *Service) ReplaceOrder(w http.ResponseWriter, r *http.Request) {
	var req ReplaceRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.Quantity <= 0 {
		writeError(w, "quantity must be positive", http.StatusBadRequest)
		return
	}
	var limit *int64
	if req.LimitPrice != "" {
		px, err := execution.ParseMicros(req.LimitPrice)
		if err != nil {
			writeError(w, "limit_price: "+err.Error(), http.StatusBadRequest)
			return
		}
		limit = &px
	}
	tif := strings.ToLower(req.TimeInForce)
	if tif == "" {
		tif = "day"
	}

	resp, err := s.Replace(r.Context(), chi.URLParam(r, "orderID"), req.Quantity, limit, tif)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

// PostOrderEvent handles POST /api/v1/orders/{orderID}/events
// Feeds one broker lifecycle event (ack, reject, cancel/replace outcome).
func (s *Service) PostOrderEvent(w http.ResponseWriter, r *http.Request) {
	var req EventRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	ev := oms.Event{Kind: oms.EventKind(strings.ToUpper(string(req.Kind))), DeltaQty: req.DeltaQty}

	o, err := s.ApplyOrderEvent(r.Context(), chi.URLParam(r, "orderID"), ev, req.EventID)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, o)
}

// PostFills handles POST /api/v1/fills
func (s *Service) PostFills(w http.ResponseWriter, r *http.Request) {
	var req FillsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	fills := make([]model.BrokerFill, 0, len(req.Fills))
	for _, f := range req.Fills {
		side, err := model.ParseSide(f.Side)
		if err != nil {
			writeError(w, "side must be BUY or SELL", http.StatusBadRequest)
			return
		}
		px, err := execution.ParseMicros(f.Price)
		if err != nil {
			writeError(w, "price: "+err.Error(), http.StatusBadRequest)
			return
		}
		var fee int64
		if f.Fee != "" {
			if fee, err = execution.ParseMicros(f.Fee); err != nil {
				writeError(w, "fee: "+err.Error(), http.StatusBadRequest)
				return
			}
		}
		fills = append(fills, model.BrokerFill{
			BrokerMessageID: f.BrokerMessageID,
			SeqNo:           f.SeqNo,
			InternalOrderID: f.InternalOrderID,
			Symbol:          strings.ToUpper(strings.TrimSpace(f.Symbol)),
			Side:            side,
			Qty:             f.Qty,
			PriceMicros:     px,
			FeeMicros:       fee,
			Final:           f.Final,
		})
	}

	res, err := s.IngestFills(r.Context(), fills)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// PostMarks handles POST /api/v1/marks
func (s *Service) PostMarks(w http.ResponseWriter, r *http.Request) {
	var req MarksRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	marks := make(portfolio.MarkMap, len(req.Marks))
	for sym, v := range req.Marks {
		px, err := execution.ParseMicros(v)
		if err != nil || px <= 0 {
			writeError(w, "mark for "+sym+" must be a positive decimal", http.StatusBadRequest)
			return
		}
		marks[strings.ToUpper(sym)] = px
	}
	s.SetMarks(marks)
	writeJSON(w, http.StatusOK, s.Portfolio())
}

// GetPortfolio handles GET /api/v1/portfolio
func (s *Service) GetPortfolio(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.Portfolio())
}

// GetOutboxRow handles GET /api/v1/outbox/{key}
func (s *Service) GetOutboxRow(w http.ResponseWriter, r *http.Request) {
	row, err := s.store.FetchByKey(r.Context(), chi.URLParam(r, "key"))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, row)
}

// --- Helpers ---

// writeServiceError maps runtime errors onto HTTP statuses.
func writeServiceError(w http.ResponseWriter, err error) {
	var refusal *execution.GateRefusal
	switch {
	case errors.As(err, &refusal):
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusConflict)
		json.NewEncoder(w).Encode(map[string]string{"error": err.Error(), "gate": string(refusal.Gate)})
	case errors.Is(err, execution.ErrUnknownOrder),
		errors.Is(err, ErrOrderNotFound),
		errors.Is(err, store.ErrNotFound):
		writeError(w, err.Error(), http.StatusNotFound)
	case errors.Is(err, ErrRequestRefused),
		errors.Is(err, oms.ErrIllegalTransition),
		errors.Is(err, ErrOrderHalted),
		errors.Is(err, ErrReconcileNotClean):
		writeError(w, err.Error(), http.StatusConflict)
	case errors.Is(err, ErrInvalidIntent),
		errors.Is(err, integrity.ErrInvalidReason),
		errors.Is(err, execution.ErrPricing):
		writeError(w, err.Error(), http.StatusBadRequest)
	case errors.Is(err, risk.ErrPerSymbolLimitExceeded),
		errors.Is(err, risk.ErrGrossLimitExceeded),
		errors.Is(err, risk.ErrMissingMark),
		isLedgerError(err):
		writeError(w, err.Error(), http.StatusUnprocessableEntity)
	default:
		slog.Error("request failed", "error", err)
		writeError(w, err.Error(), http.StatusInternalServerError)
	}
}

func isLedgerError(err error) bool {
	var le *portfolio.LedgerError
	return errors.As(err, &le)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, message string, status int) {
	writeJSON(w, status, map[string]string{"error": message})
}
