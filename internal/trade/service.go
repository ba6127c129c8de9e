// Package trade is the single-writer runtime around the execution core and
// its HTTP control surface. The Service owns the ledger, the OMS orders and
// the broker order map; every mutation of those happens under its mutex.
// Broker calls go through the gateway with the mutex released.
package trade

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/mqk/execution-engine/internal/execution"
	"github.com/mqk/execution-engine/internal/integrity"
	"github.com/mqk/execution-engine/internal/metrics"
	"github.com/mqk/execution-engine/internal/model"
	"github.com/mqk/execution-engine/internal/oms"
	"github.com/mqk/execution-engine/internal/portfolio"
	"github.com/mqk/execution-engine/internal/reconcile"
	"github.com/mqk/execution-engine/internal/risk"
	"github.com/mqk/execution-engine/internal/store"
)

var (
	ErrOrderNotFound     = errors.New("trade: order not found")
	ErrOrderHalted       = errors.New("trade: order halted after an illegal transition")
	ErrReconcileNotClean = errors.New("trade: reconcile is not clean")
	ErrInvalidIntent     = errors.New("trade: invalid order intent")
	ErrRequestRefused    = errors.New("trade: request not allowed in the order's state")
)

// OpenOrderLister lists the broker's open orders as client order id ->
// broker order id. Broker adapters implement it.
type OpenOrderLister interface {
	OpenOrders(ctx context.Context) (map[string]string, error)
}

// Options wires a Service. Hub, Lister and Limiter are optional.
type Options struct {
	RunID   string
	Store   store.Store
	Ledger  *portfolio.Ledger
	Arm     *integrity.Controller
	Guard   *reconcile.FreshnessGuard
	Limiter *risk.Limiter
	Gateway *execution.Gateway
	Lister  OpenOrderLister
	Hub     *WSHub
}

// Service handles order lifecycle and accounting. Uses a mutex for
// serialized mutation (single-instance).
type Service struct {
	runID   string
	store   store.Store
	arm     *integrity.Controller
	guard   *reconcile.FreshnessGuard
	limiter *risk.Limiter
	gateway *execution.Gateway
	lister  OpenOrderLister
	wsHub   *WSHub

	// ingestMu keeps each fill batch's inbox writes and ledger apply
	// together, so at most one batch is ever in doubt.
	ingestMu sync.Mutex

	mu      sync.Mutex
	ledger  *portfolio.Ledger
	marks   portfolio.MarkMap
	orders  map[string]*oms.Order
	ids     *execution.BrokerOrderMap
	halted  map[string]string
	replace map[string]int64 // pending replace quantity by order id
}

// NewService creates a new runtime.
func NewService(opts Options) *Service {
	ledger := opts.Ledger
	if ledger == nil {
		ledger = portfolio.NewLedger(0)
	}
	return &Service{
		runID:   opts.RunID,
		store:   opts.Store,
		arm:     opts.Arm,
		guard:   opts.Guard,
		limiter: opts.Limiter,
		gateway: opts.Gateway,
		lister:  opts.Lister,
		wsHub:   opts.Hub,
		ledger:  ledger,
		marks:   make(portfolio.MarkMap),
		orders:  make(map[string]*oms.Order),
		ids:     execution.NewBrokerOrderMap(),
		halted:  make(map[string]string),
		replace: make(map[string]int64),
	}
}

// --- Restore ---

// Restore repopulates the broker order map and the OMS orders behind it
// from the store, then rebuilds the ledger from the run's inbox. Messages
// marked applied were accepted before and are replayed as one batch. The
// rest were in flight when the previous process stopped; each is applied
// on its own in canonical order and discarded if the ledger refuses it.
func (s *Service) Restore(ctx context.Context) error {
	s.ingestMu.Lock()
	defer s.ingestMu.Unlock()

	entries, err := s.store.LoadBrokerMappings(ctx)
	if err != nil {
		return fmt.Errorf("restore broker map: %w", err)
	}

	s.mu.Lock()
	s.ids.Load(entries)
	for _, e := range entries {
		if _, ok := s.orders[e.InternalID]; ok {
			continue
		}
		row, err := s.store.FetchByKey(ctx, e.InternalID)
		if err != nil {
			slog.Warn("restore: mapping without outbox row", "order_id", e.InternalID, "error", err)
			continue
		}
		intent, err := row.Intent()
		if err != nil {
			slog.Warn("restore: undecodable intent", "order_id", e.InternalID, "error", err)
			continue
		}
		s.orders[e.InternalID] = oms.NewOrder(e.InternalID, intent.Symbol, intent.Quantity)
	}
	s.publishOpenOrders()
	s.mu.Unlock()

	rows, err := s.store.ListInbox(ctx, s.runID)
	if err != nil {
		return fmt.Errorf("restore inbox: %w", err)
	}
	var accepted, inDoubt []model.BrokerFill
	for _, row := range rows {
		var f model.BrokerFill
		err := json.Unmarshal(row.MessageJSON, &f)
		switch {
		case row.AppliedAt != nil && err != nil:
			return fmt.Errorf("restore inbox %s: %w", row.BrokerMessageID, err)
		case row.AppliedAt != nil:
			accepted = append(accepted, f)
		case err != nil:
			slog.Warn("restore: discarding undecodable message", "message_id", row.BrokerMessageID, "error", err)
			s.discard(ctx, []string{row.BrokerMessageID})
		default:
			inDoubt = append(inDoubt, f)
		}
	}
	if _, err := s.applyFills(ctx, accepted); err != nil {
		return fmt.Errorf("restore ledger: %w", err)
	}

	sortFills(inDoubt)
	var discarded int
	for _, f := range inDoubt {
		if _, err := s.applyFills(ctx, []model.BrokerFill{f}); err != nil {
			slog.Warn("restore: discarding refused message", "message_id", f.BrokerMessageID, "seq_no", f.SeqNo, "error", err)
			s.discard(ctx, []string{f.BrokerMessageID})
			discarded++
		}
	}

	slog.Info("runtime restored",
		"mappings", len(entries),
		"messages", len(rows),
		"in_doubt", len(inDoubt),
		"discarded", discarded,
	)
	return nil
}

// --- Dispatcher sink ---

// OnSubmitted implements dispatch.SubmitSink. It is idempotent: recovery
// may report an order the runtime already tracks.
func (s *Service) OnSubmitted(ctx context.Context, intent model.OrderIntent, resp *execution.SubmitResponse) error {
	if err := s.store.UpsertBrokerMapping(ctx, intent.IdempotencyKey, resp.BrokerOrderID); err != nil {
		return err
	}

	s.mu.Lock()
	s.ids.Register(intent.IdempotencyKey, resp.BrokerOrderID)
	if _, ok := s.orders[intent.IdempotencyKey]; !ok {
		s.orders[intent.IdempotencyKey] = oms.NewOrder(intent.IdempotencyKey, intent.Symbol, intent.Quantity)
	}
	s.publishOpenOrders()
	s.mu.Unlock()

	s.broadcast(WSMessage{
		Type:          "order_submitted",
		OrderID:       intent.IdempotencyKey,
		BrokerOrderID: resp.BrokerOrderID,
		Symbol:        intent.Symbol,
		Side:          string(intent.Side),
		Quantity:      intent.Quantity,
	})
	return nil
}

// --- OMS events ---

// ApplyOrderEvent feeds one broker lifecycle event to an order. An illegal
// transition halts that order only.
func (s *Service) ApplyOrderEvent(ctx context.Context, orderID string, ev oms.Event, eventID string) (oms.Order, error) {
	s.mu.Lock()
	snap, terminal, err := s.applyEventLocked(orderID, ev, eventID)
	s.mu.Unlock()
	if err != nil {
		return snap, err
	}
	if terminal {
		s.forgetMapping(ctx, orderID)
	}
	s.broadcast(WSMessage{Type: "order_event", OrderID: orderID, Event: ev.String(), State: string(snap.State)})
	return snap, nil
}

// applyEventLocked must be called with s.mu held. It reports whether the
// order became terminal, in which case its broker mapping was dropped.
func (s *Service) applyEventLocked(orderID string, ev oms.Event, eventID string) (oms.Order, bool, error) {
	o, ok := s.orders[orderID]
	if !ok {
		return oms.Order{}, false, fmt.Errorf("%w: %s", ErrOrderNotFound, orderID)
	}
	if reason, halted := s.halted[orderID]; halted {
		return *o, false, fmt.Errorf("%w: %s (%s)", ErrOrderHalted, orderID, reason)
	}
	wasTerminal := o.State.Terminal()

	if err := o.Apply(ev, eventID); err != nil {
		s.halted[orderID] = err.Error()
		metrics.TransitionErrors.Inc()
		slog.Error("order halted", "order_id", orderID, "event", ev.String(), "state", o.State, "error", err)
		return *o, false, err
	}

	if ev.Kind == oms.EvReplaceAck {
		if qty, ok := s.replace[orderID]; ok && qty >= o.FilledQty {
			o.TotalQty = qty
		}
	}
	if ev.Kind == oms.EvReplaceAck || ev.Kind == oms.EvReplaceReject {
		delete(s.replace, orderID)
	}

	terminal := o.State.Terminal() && !wasTerminal
	if terminal {
		s.ids.Deregister(orderID)
		delete(s.replace, orderID)
	}
	s.publishOpenOrders()
	return *o, terminal, nil
}

// forgetMapping drops the persisted mapping of a terminal order and acks
// its outbox row in case recovery never got that far.
func (s *Service) forgetMapping(ctx context.Context, orderID string) {
	if err := s.store.RemoveBrokerMapping(ctx, orderID); err != nil {
		slog.Error("remove broker mapping", "order_id", orderID, "error", err)
	}
	if _, err := s.store.MarkAcked(ctx, orderID); err != nil {
		slog.Error("ack terminal order", "order_id", orderID, "error", err)
	}
}

// --- Cancel / replace ---

// mappingFor returns a one-entry map for orderID, or an empty map when the
// order has no broker id, so the gateway decides between gate refusal and
// unknown order. Must be called with s.mu held.
func (s *Service) mappingFor(orderID string) *execution.BrokerOrderMap {
	m := execution.NewBrokerOrderMap()
	if id, ok := s.ids.BrokerID(orderID); ok {
		m.Register(orderID, id)
	}
	return m
}

// checkRequestLocked refuses a cancel or replace the order's state would
// reject, before anything reaches the broker. The order is not halted.
// Untracked and terminal orders have no mapping and are left to the
// gateway. Must be called with s.mu held.
func (s *Service) checkRequestLocked(orderID string, ev oms.Event) error {
	o, ok := s.orders[orderID]
	if !ok || o.State.Terminal() {
		return nil
	}
	if err := o.CanApply(ev); err != nil {
		return fmt.Errorf("%w: %w", ErrRequestRefused, err)
	}
	return nil
}

// Cancel requests cancellation through the gateway and records the
// request on the order.
func (s *Service) Cancel(ctx context.Context, orderID string) (*execution.CancelResponse, error) {
	s.mu.Lock()
	if reason, halted := s.halted[orderID]; halted {
		s.mu.Unlock()
		return nil, fmt.Errorf("%w: %s (%s)", ErrOrderHalted, orderID, reason)
	}
	if err := s.checkRequestLocked(orderID, oms.CancelRequest); err != nil {
		s.mu.Unlock()
		return nil, err
	}
	ids := s.mappingFor(orderID)
	s.mu.Unlock()

	resp, err := s.gateway.Cancel(ctx, orderID, ids)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	_, _, err = s.applyEventLocked(orderID, oms.CancelRequest, "")
	var terminal bool
	if err == nil && resp.Status == "canceled" {
		_, terminal, err = s.applyEventLocked(orderID, oms.CancelAck, "cancel-ack-"+resp.BrokerOrderID)
	}
	s.mu.Unlock()
	if terminal {
		s.forgetMapping(ctx, orderID)
	}
	if err != nil {
		return resp, err
	}

	slog.Info("order cancel requested", "order_id", orderID, "broker_order_id", resp.BrokerOrderID, "status", resp.Status)
	s.broadcast(WSMessage{Type: "order_cancel", OrderID: orderID, BrokerOrderID: resp.BrokerOrderID, State: resp.Status})
	return resp, nil
}

// Replace amends an order through the gateway. A new broker id returned by
// the broker replaces the mapping.
func (s *Service) Replace(ctx context.Context, orderID string, qty int64, limitMicros *int64, tif string) (*execution.ReplaceResponse, error) {
	s.mu.Lock()
	if reason, halted := s.halted[orderID]; halted {
		s.mu.Unlock()
		return nil, fmt.Errorf("%w: %s (%s)", ErrOrderHalted, orderID, reason)
	}
	if err := s.checkRequestLocked(orderID, oms.ReplaceRequest); err != nil {
		s.mu.Unlock()
		return nil, err
	}
	ids := s.mappingFor(orderID)
	oldID, _ := ids.BrokerID(orderID)
	s.mu.Unlock()

	resp, err := s.gateway.Replace(ctx, orderID, ids, qty, limitMicros, tif)
	if err != nil {
		return nil, err
	}

	if resp.BrokerOrderID != "" && resp.BrokerOrderID != oldID {
		if err := s.store.UpsertBrokerMapping(ctx, orderID, resp.BrokerOrderID); err != nil {
			slog.Error("persist replaced broker id", "order_id", orderID, "error", err)
		}
	}

	s.mu.Lock()
	if resp.BrokerOrderID != "" && resp.BrokerOrderID != oldID {
		s.ids.Register(orderID, resp.BrokerOrderID)
	}
	_, _, err = s.applyEventLocked(orderID, oms.ReplaceRequest, "")
	if err == nil {
		s.replace[orderID] = qty
	}
	s.mu.Unlock()
	if err != nil {
		return resp, err
	}

	slog.Info("order replace requested", "order_id", orderID, "broker_order_id", resp.BrokerOrderID, "qty", qty)
	s.broadcast(WSMessage{Type: "order_replace", OrderID: orderID, BrokerOrderID: resp.BrokerOrderID, Quantity: qty})
	return resp, nil
}

// --- Fills ---

// IngestResult reports what one ingest did.
type IngestResult struct {
	Applied    int `json:"applied"`
	Duplicates int `json:"duplicates"`
}

// IngestFills records each broker fill in the inbox, drops ones already
// seen, applies the rest to the ledger in canonical order and then feeds
// the matching fill events to the OMS. A batch the ledger refuses is
// removed from the inbox again, so a corrected redelivery is not mistaken
// for a duplicate and a restart never replays it.
func (s *Service) IngestFills(ctx context.Context, fills []model.BrokerFill) (IngestResult, error) {
	var res IngestResult
	for _, f := range fills {
		if strings.TrimSpace(f.BrokerMessageID) == "" {
			return res, fmt.Errorf("%w: fill without broker message id", ErrInvalidIntent)
		}
	}

	s.ingestMu.Lock()
	defer s.ingestMu.Unlock()

	fresh := make([]model.BrokerFill, 0, len(fills))
	inserted := make([]string, 0, len(fills))
	for _, f := range fills {
		data, err := json.Marshal(f)
		if err != nil {
			s.discard(ctx, inserted)
			return IngestResult{}, err
		}
		created, err := s.store.InsertInbox(ctx, s.runID, f.BrokerMessageID, data)
		if err != nil {
			s.discard(ctx, inserted)
			return IngestResult{}, err
		}
		if !created {
			res.Duplicates++
			metrics.DuplicateMessages.Inc()
			continue
		}
		fresh = append(fresh, f)
		inserted = append(inserted, f.BrokerMessageID)
	}

	applied, err := s.applyFills(ctx, fresh)
	if err != nil {
		s.discard(ctx, inserted)
		s.haltIntegrity(ctx, err)
		return res, err
	}
	res.Applied = applied
	return res, nil
}

// discard drops inbox rows whose fills never reached the ledger.
func (s *Service) discard(ctx context.Context, messageIDs []string) {
	for _, id := range messageIDs {
		if err := s.store.DiscardInbox(ctx, id); err != nil {
			slog.Error("discard inbox message", "message_id", id, "error", err)
		}
	}
}

// sortFills orders fills by the ledger's canonical key.
func sortFills(fills []model.BrokerFill) {
	sort.SliceStable(fills, func(i, j int) bool {
		a, b := fills[i], fills[j]
		if a.SeqNo != b.SeqNo {
			return a.SeqNo < b.SeqNo
		}
		if a.Symbol != b.Symbol {
			return a.Symbol < b.Symbol
		}
		if a.Side.Rank() != b.Side.Rank() {
			return a.Side.Rank() < b.Side.Rank()
		}
		return a.Qty < b.Qty
	})
}

// applyFills applies fills already recorded in the inbox. When the ledger
// refuses the batch nothing changes and the ledger error is returned.
func (s *Service) applyFills(ctx context.Context, fills []model.BrokerFill) (int, error) {
	if len(fills) == 0 {
		return 0, nil
	}
	batch := make([]portfolio.TaggedFill, len(fills))
	for i, f := range fills {
		batch[i] = portfolio.TaggedFill{
			SeqNo: f.SeqNo,
			Fill:  portfolio.NewFill(f.Symbol, f.Side, f.Qty, f.PriceMicros, f.FeeMicros),
		}
	}
	// Fills reach the OMS in the same order they reach the ledger.
	ordered := make([]model.BrokerFill, len(fills))
	copy(ordered, fills)
	sortFills(ordered)

	s.mu.Lock()
	if err := portfolio.ApplyFillsCanonical(s.ledger, batch); err != nil {
		s.mu.Unlock()
		return 0, err
	}

	var closed []string
	for _, f := range ordered {
		metrics.FillsApplied.WithLabelValues(string(f.Side)).Inc()
		if _, ok := s.orders[f.InternalOrderID]; !ok {
			slog.Warn("fill for untracked order", "order_id", f.InternalOrderID, "message_id", f.BrokerMessageID)
			continue
		}
		ev := oms.PartialFill(f.Qty)
		if f.Final {
			ev = oms.Fill(f.Qty)
		}
		_, terminal, err := s.applyEventLocked(f.InternalOrderID, ev, f.BrokerMessageID)
		if err != nil {
			// Local to this order; the ledger already holds the fill.
			continue
		}
		if terminal {
			closed = append(closed, f.InternalOrderID)
		}
	}
	positions := s.ledger.Positions()
	marks := s.copyMarks()
	s.mu.Unlock()

	if s.limiter != nil {
		s.limiter.Update(positions, marks)
	}
	for _, id := range closed {
		s.forgetMapping(ctx, id)
	}
	for _, f := range fills {
		if err := s.store.MarkInboxApplied(ctx, f.BrokerMessageID); err != nil {
			slog.Error("mark inbox applied", "message_id", f.BrokerMessageID, "error", err)
		}
	}
	for _, f := range ordered {
		s.broadcast(WSMessage{
			Type:        "fill",
			OrderID:     f.InternalOrderID,
			Symbol:      f.Symbol,
			Side:        string(f.Side),
			Quantity:    f.Qty,
			PriceMicros: f.PriceMicros,
		})
	}
	slog.Info("fills applied", "count", len(fills))
	return len(fills), nil
}

// haltIntegrity disarms after the ledger refused a batch; accounting can no
// longer be trusted to match the broker.
func (s *Service) haltIntegrity(ctx context.Context, cause error) {
	slog.Error("ledger rejected fill batch, disarming", "error", cause)
	if _, err := s.Disarm(ctx, integrity.IntegrityViolation); err != nil {
		slog.Error("disarm after ledger rejection", "error", err)
	}
}

// --- Marks ---

// SetMarks merges marks into the current mark map.
func (s *Service) SetMarks(marks portfolio.MarkMap) {
	s.mu.Lock()
	for sym, px := range marks {
		s.marks[sym] = px
	}
	positions := s.ledger.Positions()
	snap := s.copyMarks()
	s.mu.Unlock()

	if s.limiter != nil {
		s.limiter.Update(positions, snap)
	}
}

func (s *Service) copyMarks() portfolio.MarkMap {
	out := make(portfolio.MarkMap, len(s.marks))
	for k, v := range s.marks {
		out[k] = v
	}
	return out
}

// --- Intents ---

// EnqueueIntent runs the pre-trade risk check and writes the intent to
// the outbox. It reports false when the idempotency key already exists.
func (s *Service) EnqueueIntent(ctx context.Context, intent model.OrderIntent) (model.OrderIntent, bool, error) {
	if strings.TrimSpace(intent.Symbol) == "" || intent.Quantity <= 0 || !intent.Side.Valid() {
		return intent, false, fmt.Errorf("%w: symbol, side and positive quantity are required", ErrInvalidIntent)
	}
	if intent.LimitPriceMicros != nil && *intent.LimitPriceMicros <= 0 {
		return intent, false, fmt.Errorf("%w: limit price must be positive", ErrInvalidIntent)
	}
	if intent.IdempotencyKey == "" {
		intent.IdempotencyKey = uuid.NewString()
	}
	if intent.OrderType == "" {
		intent.OrderType = "market"
		if intent.LimitPriceMicros != nil {
			intent.OrderType = "limit"
		}
	}
	if intent.TimeInForce == "" {
		intent.TimeInForce = "day"
	}

	if s.limiter != nil {
		delta := intent.Quantity
		if intent.Side == model.Sell {
			delta = -delta
		}
		if err := s.limiter.CheckOrder(intent.Symbol, delta); err != nil {
			return intent, false, err
		}
	}

	data, err := json.Marshal(intent)
	if err != nil {
		return intent, false, err
	}
	created, err := s.store.Enqueue(ctx, s.runID, intent.IdempotencyKey, data)
	if err != nil {
		return intent, false, err
	}
	if created {
		metrics.OutboxTransitions.WithLabelValues(string(model.OutboxPending)).Inc()
		slog.Info("intent enqueued", "key", intent.IdempotencyKey, "symbol", intent.Symbol, "side", intent.Side, "qty", intent.Quantity)
	}
	return intent, created, nil
}

// EnqueueTargets converts target positions into intents against the
// current book and enqueues each. It stops at the first failure and
// returns the intents enqueued so far.
func (s *Service) EnqueueTargets(ctx context.Context, targets []model.TargetPosition) ([]model.OrderIntent, error) {
	s.mu.Lock()
	current := make(map[string]int64)
	for sym, pos := range s.ledger.Positions() {
		current[sym] = pos.QtySigned()
	}
	s.mu.Unlock()

	var out []model.OrderIntent
	for _, in := range execution.TargetsToIntents(current, targets) {
		queued, _, err := s.EnqueueIntent(ctx, in)
		if err != nil {
			return out, fmt.Errorf("target %s: %w", in.Symbol, err)
		}
		out = append(out, queued)
	}
	return out, nil
}

// --- Arm state ---

// Arm enables trading. It requires a fresh clean reconcile.
func (s *Service) Arm(ctx context.Context) (integrity.ArmState, error) {
	if !s.guard.IsClean() {
		return s.arm.State(), ErrReconcileNotClean
	}
	st := s.arm.Arm()
	if err := s.store.SaveArmState(ctx, st); err != nil {
		return st, err
	}
	slog.Info("system armed")
	s.broadcast(WSMessage{Type: "armed"})
	return st, nil
}

// Disarm disables trading and persists the reason.
func (s *Service) Disarm(ctx context.Context, reason integrity.DisarmReason) (integrity.ArmState, error) {
	st, err := s.arm.Disarm(reason)
	if err != nil {
		return st, err
	}
	if err := s.store.SaveArmState(ctx, st); err != nil {
		return st, err
	}
	slog.Warn("system disarmed", "reason", reason)
	s.broadcast(WSMessage{Type: "disarmed", Reason: string(reason)})
	return st, nil
}

// --- Reconcile ---

// Reconcile compares locally live orders with the broker's open orders
// and records the result with the freshness guard. Drift disarms.
func (s *Service) Reconcile(ctx context.Context) ([]reconcile.Drift, error) {
	if s.lister == nil {
		s.guard.Record(true)
		return nil, nil
	}
	brokerOpen, err := s.lister.OpenOrders(ctx)
	if err != nil {
		s.guard.Record(false)
		return nil, fmt.Errorf("reconcile: %w", err)
	}

	s.mu.Lock()
	expected := make(map[string]string)
	known := make(map[string]bool, len(s.orders))
	for id, o := range s.orders {
		known[id] = true
		if o.State == oms.Open || o.State == oms.PartiallyFilled {
			if bid, ok := s.ids.BrokerID(id); ok {
				expected[id] = bid
			}
		}
	}
	s.mu.Unlock()

	drifts := reconcile.Compare(expected, brokerOpen, func(id string) bool {
		if known[id] {
			return true
		}
		// Submitted but not yet recorded by the dispatcher.
		row, err := s.store.FetchByKey(ctx, id)
		return err == nil && (row.Status == model.OutboxClaimed || row.Status == model.OutboxSent)
	})
	if len(drifts) == 0 {
		s.guard.Record(true)
		return nil, nil
	}

	s.guard.Record(false)
	slog.Error("reconcile drift", "drifts", len(drifts), "first", drifts[0].InternalID, "kind", drifts[0].Kind)
	if _, err := s.Disarm(ctx, integrity.ReconcileDrift); err != nil {
		return drifts, err
	}
	return drifts, nil
}

// --- Views ---

// Order returns a copy of one order.
func (s *Service) Order(orderID string) (oms.Order, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	o, ok := s.orders[orderID]
	if !ok {
		return oms.Order{}, false
	}
	return *o, true
}

// OrderView is an order plus runtime bookkeeping.
type OrderView struct {
	oms.Order
	BrokerOrderID string `json:"broker_order_id,omitempty"`
	HaltReason    string `json:"halt_reason,omitempty"`
}

// Orders returns every tracked order sorted by id.
func (s *Service) Orders() []OrderView {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]OrderView, 0, len(s.orders))
	for id, o := range s.orders {
		bid, _ := s.ids.BrokerID(id)
		out = append(out, OrderView{Order: *o, BrokerOrderID: bid, HaltReason: s.halted[id]})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// PortfolioView is the accounting summary at current marks.
type PortfolioView struct {
	Snapshot      portfolio.Snapshot `json:"snapshot"`
	Marks         portfolio.MarkMap  `json:"marks"`
	Exposure      portfolio.Exposure `json:"exposure"`
	UnrealizedPnL int64              `json:"unrealized_pnl_micros"`
	Equity        int64              `json:"equity_micros"`
	Verified      bool               `json:"verified"`
}

func (s *Service) Portfolio() PortfolioView {
	s.mu.Lock()
	defer s.mu.Unlock()
	return PortfolioView{
		Snapshot:      s.ledger.Snapshot(),
		Marks:         s.copyMarks(),
		Exposure:      s.ledger.Exposure(s.marks),
		UnrealizedPnL: s.ledger.UnrealizedPnL(s.marks),
		Equity:        s.ledger.Equity(s.marks),
		Verified:      s.ledger.VerifyIntegrity(),
	}
}

// publishOpenOrders must be called with s.mu held.
func (s *Service) publishOpenOrders() {
	n := 0
	for _, o := range s.orders {
		if !o.State.Terminal() {
			n++
		}
	}
	metrics.OpenOrders.Set(float64(n))
}

func (s *Service) broadcast(msg WSMessage) {
	if s.wsHub != nil {
		s.wsHub.Broadcast(msg)
	}
}
