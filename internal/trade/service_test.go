package trade_test

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/mqk/execution-engine/internal/broker"
	"github.com/mqk/execution-engine/internal/dispatch"
	"github.com/mqk/execution-engine/internal/execution"
	"github.com/mqk/execution-engine/internal/integrity"
	"github.com/mqk/execution-engine/internal/model"
	"github.com/mqk/execution-engine/internal/oms"
	"github.com/mqk/execution-engine/internal/portfolio"
	"github.com/mqk/execution-engine/internal/reconcile"
	"github.com/mqk/execution-engine/internal/risk"
	"github.com/mqk/execution-engine/internal/store"
	"github.com/mqk/execution-engine/internal/trade"
)

const runID = "0b7e4c1a-3f58-4d0e-9c1a-6a2f1e9d8b47"

type testEnv struct {
	svc    *trade.Service
	store  *store.MemoryStore
	broker *broker.PaperBroker
	arm    *integrity.Controller
	guard  *reconcile.FreshnessGuard
	gw     *execution.Gateway
	disp   *dispatch.Dispatcher
	router chi.Router
}

// newTestEnv creates an armed Service over an in-memory store and a paper
// broker, with a chi router mounted like the server does.
func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	return newTestEnvWithStore(t, store.NewMemoryStore(), broker.NewPaperBroker())
}

func newTestEnvWithStore(t *testing.T, ms *store.MemoryStore, pb *broker.PaperBroker) *testEnv {
	t.Helper()
	env := &testEnv{
		store:  ms,
		broker: pb,
		arm:    integrity.NewController(nil),
		guard:  reconcile.NewFreshnessGuard(time.Minute, nil),
	}
	limiter := risk.NewLimiter(0, 0)
	env.gw = execution.NewGateway(pb, env.arm, limiter, env.guard)
	env.svc = trade.NewService(trade.Options{
		RunID:   runID,
		Store:   ms,
		Ledger:  portfolio.NewLedger(1_000_000 * portfolio.MicrosScale),
		Arm:     env.arm,
		Guard:   env.guard,
		Limiter: limiter,
		Gateway: env.gw,
		Lister:  pb,
	})
	env.disp = dispatch.NewDispatcher(ms, env.gw, env.svc, "dispatcher-test", 10)

	env.guard.Record(true)
	env.arm.Arm()
	env.svc.SetMarks(portfolio.MarkMap{"AAPL": 100 * portfolio.MicrosScale, "MSFT": 300 * portfolio.MicrosScale})

	r := chi.NewRouter()
	r.Route("/api/v1", env.svc.Routes)
	env.router = r
	return env
}

func (env *testEnv) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		json.NewEncoder(&buf).Encode(body)
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	env.router.ServeHTTP(w, req)
	return w
}

// submit enqueues a market buy under key and dispatches it.
func (env *testEnv) submit(t *testing.T, key, symbol string, qty int64) {
	t.Helper()
	w := env.do(t, "POST", "/api/v1/intents", trade.IntentRequest{
		IdempotencyKey: key, Symbol: symbol, Side: "BUY", Quantity: qty,
	})
	if w.Code != http.StatusCreated {
		t.Fatalf("enqueue %s: expected 201, got %d: %s", key, w.Code, w.Body.String())
	}
	res, err := env.disp.DispatchOnce(context.Background())
	if err != nil || res.Sent != 1 {
		t.Fatalf("dispatch %s: %+v %v", key, res, err)
	}
}

func (env *testEnv) fill(t *testing.T, key string, qty int64, price string) trade.FillRequest {
	t.Helper()
	px, err := execution.ParseMicros(price)
	if err != nil {
		t.Fatal(err)
	}
	f, err := env.broker.Fill(key, qty, px, 0)
	if err != nil {
		t.Fatal(err)
	}
	return trade.FillRequest{
		BrokerMessageID: f.BrokerMessageID,
		SeqNo:           f.SeqNo,
		InternalOrderID: f.InternalOrderID,
		Symbol:          f.Symbol,
		Side:            string(f.Side),
		Qty:             f.Qty,
		Price:           price,
		Final:           f.Final,
	}
}

func (env *testEnv) order(t *testing.T, id string) oms.Order {
	t.Helper()
	o, ok := env.svc.Order(id)
	if !ok {
		t.Fatalf("order %s not tracked", id)
	}
	return o
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.Unmarshal(w.Body.Bytes(), &v); err != nil {
		t.Fatalf("decode %q: %v", w.Body.String(), err)
	}
	return v
}

// --- Intents ---

func TestCreateIntent_DefaultsAndKey(t *testing.T) {
	env := newTestEnv(t)

	w := env.do(t, "POST", "/api/v1/intents", trade.IntentRequest{Symbol: "aapl", Side: "buy", Quantity: 10})
	if w.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", w.Code, w.Body.String())
	}
	resp := decode[trade.IntentResponse](t, w)
	if resp.Intent.IdempotencyKey == "" {
		t.Error("expected a generated idempotency key")
	}
	if resp.Intent.Symbol != "AAPL" || resp.Intent.OrderType != "market" || resp.Intent.TimeInForce != "day" {
		t.Errorf("unexpected defaults: %+v", resp.Intent)
	}

	row, err := env.store.FetchByKey(context.Background(), resp.Intent.IdempotencyKey)
	if err != nil {
		t.Fatal(err)
	}
	if row.Status != model.OutboxPending {
		t.Errorf("expected PENDING row, got %s", row.Status)
	}
}

func TestCreateIntent_DuplicateKey(t *testing.T) {
	env := newTestEnv(t)
	req := trade.IntentRequest{IdempotencyKey: "k1", Symbol: "AAPL", Side: "BUY", Quantity: 1}

	if w := env.do(t, "POST", "/api/v1/intents", req); w.Code != http.StatusCreated {
		t.Fatalf("first: expected 201, got %d", w.Code)
	}
	w := env.do(t, "POST", "/api/v1/intents", req)
	if w.Code != http.StatusOK {
		t.Fatalf("duplicate: expected 200, got %d", w.Code)
	}
	if decode[trade.IntentResponse](t, w).Created {
		t.Error("duplicate key must not report created")
	}
}

func TestCreateIntent_Validation(t *testing.T) {
	env := newTestEnv(t)
	cases := []struct {
		name string
		req  trade.IntentRequest
		want int
	}{
		{"bad side", trade.IntentRequest{Symbol: "AAPL", Side: "HOLD", Quantity: 1}, http.StatusBadRequest},
		{"zero qty", trade.IntentRequest{Symbol: "AAPL", Side: "BUY"}, http.StatusBadRequest},
		{"no symbol", trade.IntentRequest{Side: "BUY", Quantity: 1}, http.StatusBadRequest},
		{"bad limit", trade.IntentRequest{Symbol: "AAPL", Side: "BUY", Quantity: 1, LimitPrice: "abc"}, http.StatusBadRequest},
		{"no mark", trade.IntentRequest{Symbol: "TSLA", Side: "BUY", Quantity: 1}, http.StatusUnprocessableEntity},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if w := env.do(t, "POST", "/api/v1/intents", tc.req); w.Code != tc.want {
				t.Errorf("expected %d, got %d: %s", tc.want, w.Code, w.Body.String())
			}
		})
	}
}

func TestCreateTargets(t *testing.T) {
	env := newTestEnv(t)
	env.submit(t, "seed", "AAPL", 10)
	fr := env.fill(t, "seed", 10, "100")
	env.do(t, "POST", "/api/v1/fills", trade.FillsRequest{Fills: []trade.FillRequest{fr}})

	w := env.do(t, "POST", "/api/v1/targets", trade.TargetsRequest{Targets: []model.TargetPosition{
		{Symbol: "AAPL", Qty: 4},
		{Symbol: "MSFT", Qty: 3},
	}})
	if w.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", w.Code, w.Body.String())
	}
	resp := decode[struct {
		Intents []model.OrderIntent `json:"intents"`
	}](t, w)
	bySymbol := map[string]model.OrderIntent{}
	for _, in := range resp.Intents {
		bySymbol[in.Symbol] = in
	}
	if in := bySymbol["AAPL"]; in.Side != model.Sell || in.Quantity != 6 {
		t.Errorf("AAPL: expected SELL 6, got %+v", in)
	}
	if in := bySymbol["MSFT"]; in.Side != model.Buy || in.Quantity != 3 {
		t.Errorf("MSFT: expected BUY 3, got %+v", in)
	}
}

// --- Submit, fills, ledger ---

func TestLifecycle_SubmitFillAndClose(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.submit(t, "ord-1", "AAPL", 10)

	if o := env.order(t, "ord-1"); o.State != oms.Open || o.TotalQty != 10 {
		t.Fatalf("expected OPEN order of 10, got %+v", o)
	}
	if m, _ := env.store.LoadBrokerMappings(ctx); len(m) != 1 || m[0].InternalID != "ord-1" {
		t.Fatalf("broker mapping not persisted: %+v", m)
	}

	w := env.do(t, "POST", "/api/v1/fills", trade.FillsRequest{Fills: []trade.FillRequest{env.fill(t, "ord-1", 4, "101.5")}})
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	if o := env.order(t, "ord-1"); o.State != oms.PartiallyFilled || o.FilledQty != 4 {
		t.Fatalf("expected PARTIALLY_FILLED 4, got %+v", o)
	}

	env.do(t, "POST", "/api/v1/fills", trade.FillsRequest{Fills: []trade.FillRequest{env.fill(t, "ord-1", 6, "102")}})
	if o := env.order(t, "ord-1"); o.State != oms.Filled || o.FilledQty != 10 {
		t.Fatalf("expected FILLED 10, got %+v", o)
	}
	if m, _ := env.store.LoadBrokerMappings(ctx); len(m) != 0 {
		t.Errorf("terminal order should drop its mapping, got %+v", m)
	}

	pf := decode[trade.PortfolioView](t, env.do(t, "GET", "/api/v1/portfolio", nil))
	if got := pf.Snapshot.Positions["AAPL"].QtySigned(); got != 10 {
		t.Errorf("expected 10 AAPL, got %d", got)
	}
	wantCash := int64(1_000_000*portfolio.MicrosScale) - 4*101_500_000 - 6*102_000_000
	if pf.Snapshot.CashMicros != wantCash {
		t.Errorf("cash = %d, want %d", pf.Snapshot.CashMicros, wantCash)
	}
	if !pf.Verified {
		t.Error("ledger failed its integrity check")
	}
}

func TestFills_DuplicateMessageIgnored(t *testing.T) {
	env := newTestEnv(t)
	env.submit(t, "ord-1", "AAPL", 10)
	fr := env.fill(t, "ord-1", 3, "100")

	first := decode[trade.IngestResult](t, env.do(t, "POST", "/api/v1/fills", trade.FillsRequest{Fills: []trade.FillRequest{fr}}))
	second := decode[trade.IngestResult](t, env.do(t, "POST", "/api/v1/fills", trade.FillsRequest{Fills: []trade.FillRequest{fr}}))

	if first.Applied != 1 || second.Applied != 0 || second.Duplicates != 1 {
		t.Fatalf("unexpected results %+v then %+v", first, second)
	}
	if o := env.order(t, "ord-1"); o.FilledQty != 3 {
		t.Errorf("duplicate fill applied twice: %+v", o)
	}
}

func TestFills_AppliedInCanonicalOrder(t *testing.T) {
	env := newTestEnv(t)
	env.submit(t, "ord-1", "AAPL", 10)
	a := env.fill(t, "ord-1", 4, "100")
	b := env.fill(t, "ord-1", 6, "110")

	// Delivered out of order; both apply and the order closes.
	w := env.do(t, "POST", "/api/v1/fills", trade.FillsRequest{Fills: []trade.FillRequest{b, a}})
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	if o := env.order(t, "ord-1"); o.State != oms.Filled {
		t.Errorf("expected FILLED, got %+v", o)
	}
	snap := env.svc.Portfolio().Snapshot
	if snap.LastSeqNo == nil || *snap.LastSeqNo != b.SeqNo {
		t.Errorf("ledger last seq = %v, want %d", snap.LastSeqNo, b.SeqNo)
	}
}

func TestFills_LedgerRejectionDisarms(t *testing.T) {
	env := newTestEnv(t)
	env.submit(t, "ord-1", "AAPL", 10)
	late := env.fill(t, "ord-1", 2, "100")
	next := env.fill(t, "ord-1", 2, "100")
	env.do(t, "POST", "/api/v1/fills", trade.FillsRequest{Fills: []trade.FillRequest{next}})

	w := env.do(t, "POST", "/api/v1/fills", trade.FillsRequest{Fills: []trade.FillRequest{late}})
	if w.Code != http.StatusUnprocessableEntity {
		t.Fatalf("expected 422 for out-of-order seq, got %d: %s", w.Code, w.Body.String())
	}
	st := env.arm.State()
	if st.Armed || st.Reason != integrity.IntegrityViolation {
		t.Errorf("expected INTEGRITY_VIOLATION disarm, got %+v", st)
	}
	if o := env.order(t, "ord-1"); o.FilledQty != 2 {
		t.Errorf("rejected batch must not reach the OMS: %+v", o)
	}
}

// A batch the ledger refuses leaves no trace in the inbox: the same message
// id is judged again on redelivery and a restart rebuilds the same ledger.
func TestFills_RefusedBatchIsNotRecorded(t *testing.T) {
	env := newTestEnv(t)
	env.submit(t, "ord-1", "AAPL", 10)
	first := env.fill(t, "ord-1", 4, "100")
	env.do(t, "POST", "/api/v1/fills", trade.FillsRequest{Fills: []trade.FillRequest{first}})

	// Reuses the accepted sequence number.
	clash := first
	clash.BrokerMessageID = "clash-1"
	clash.Side = "SELL"
	for attempt := 1; attempt <= 2; attempt++ {
		w := env.do(t, "POST", "/api/v1/fills", trade.FillsRequest{Fills: []trade.FillRequest{clash}})
		if w.Code != http.StatusUnprocessableEntity {
			t.Fatalf("attempt %d: expected 422, got %d: %s", attempt, w.Code, w.Body.String())
		}
	}
	rows, _ := env.store.ListInbox(context.Background(), runID)
	if len(rows) != 1 || rows[0].BrokerMessageID != first.BrokerMessageID {
		t.Fatalf("refused message should not stay in the inbox: %+v", rows)
	}

	live := env.svc.Portfolio().Snapshot
	restarted := newTestEnvWithStore(t, env.store, env.broker)
	if err := restarted.svc.Restore(context.Background()); err != nil {
		t.Fatalf("restore after refused batch: %v", err)
	}
	rebuilt := restarted.svc.Portfolio().Snapshot
	if rebuilt.CashMicros != live.CashMicros || rebuilt.Positions["AAPL"].QtySigned() != live.Positions["AAPL"].QtySigned() {
		t.Errorf("rebuilt ledger differs: live cash=%d qty=%d, rebuilt cash=%d qty=%d",
			live.CashMicros, live.Positions["AAPL"].QtySigned(),
			rebuilt.CashMicros, rebuilt.Positions["AAPL"].QtySigned())
	}
}

func TestRestore_MatchesLiveAfterOutOfOrderRefusal(t *testing.T) {
	env := newTestEnv(t)
	env.submit(t, "ord-1", "AAPL", 20)
	late := env.fill(t, "ord-1", 10, "100")
	next := env.fill(t, "ord-1", 4, "120")
	env.do(t, "POST", "/api/v1/fills", trade.FillsRequest{Fills: []trade.FillRequest{next}})
	if w := env.do(t, "POST", "/api/v1/fills", trade.FillsRequest{Fills: []trade.FillRequest{late}}); w.Code != http.StatusUnprocessableEntity {
		t.Fatalf("expected 422 for lower seq, got %d", w.Code)
	}
	live := env.svc.Portfolio().Snapshot

	restarted := newTestEnvWithStore(t, env.store, env.broker)
	if err := restarted.svc.Restore(context.Background()); err != nil {
		t.Fatal(err)
	}
	rebuilt := restarted.svc.Portfolio().Snapshot
	if rebuilt.CashMicros != live.CashMicros || rebuilt.EntryCount != live.EntryCount {
		t.Errorf("rebuilt ledger differs: live cash=%d entries=%d, rebuilt cash=%d entries=%d",
			live.CashMicros, live.EntryCount, rebuilt.CashMicros, rebuilt.EntryCount)
	}
	if got := rebuilt.Positions["AAPL"].QtySigned(); got != 4 {
		t.Errorf("rebuilt qty = %d, want 4", got)
	}
}

func TestRestore_InDoubtMessages(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.submit(t, "ord-1", "AAPL", 10)
	applied := env.fill(t, "ord-1", 2, "100")
	env.do(t, "POST", "/api/v1/fills", trade.FillsRequest{Fills: []trade.FillRequest{applied}})

	// Recorded by a process that stopped before applying them.
	pending := model.BrokerFill{
		BrokerMessageID: "pending-1",
		SeqNo:           applied.SeqNo + 1,
		InternalOrderID: "ord-1",
		Symbol:          "AAPL",
		Side:            model.Buy,
		Qty:             3,
		PriceMicros:     100 * portfolio.MicrosScale,
	}
	stale := pending
	stale.BrokerMessageID, stale.SeqNo = "stale-1", applied.SeqNo
	for _, f := range []model.BrokerFill{pending, stale} {
		data, _ := json.Marshal(f)
		if _, err := env.store.InsertInbox(ctx, runID, f.BrokerMessageID, data); err != nil {
			t.Fatal(err)
		}
	}

	restarted := newTestEnvWithStore(t, env.store, env.broker)
	if err := restarted.svc.Restore(ctx); err != nil {
		t.Fatalf("restore with in-doubt messages: %v", err)
	}
	if got := restarted.svc.Portfolio().Snapshot.Positions["AAPL"].QtySigned(); got != 5 {
		t.Errorf("qty = %d, want 5", got)
	}
	if o := restarted.order(t, "ord-1"); o.FilledQty != 5 {
		t.Errorf("order filled = %d, want 5", o.FilledQty)
	}
	if left, _ := env.store.ListUnappliedInbox(ctx, runID); len(left) != 0 {
		t.Errorf("in-doubt messages should be applied or discarded, left %+v", left)
	}

	// A second restart sees the same history.
	again := newTestEnvWithStore(t, env.store, env.broker)
	if err := again.svc.Restore(ctx); err != nil {
		t.Fatal(err)
	}
	if got := again.svc.Portfolio().Snapshot.Positions["AAPL"].QtySigned(); got != 5 {
		t.Errorf("second restore qty = %d, want 5", got)
	}
}

// --- Cancel / replace / events ---

func TestCancel_UnknownOrder(t *testing.T) {
	env := newTestEnv(t)
	w := env.do(t, "POST", "/api/v1/orders/nope/cancel", nil)
	if w.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d: %s", w.Code, w.Body.String())
	}
}

func TestCancel_GateRefusalBeforeLookup(t *testing.T) {
	env := newTestEnv(t)
	env.svc.Disarm(context.Background(), integrity.ManualDisarm)

	w := env.do(t, "POST", "/api/v1/orders/nope/cancel", nil)
	if w.Code != http.StatusConflict {
		t.Fatalf("expected 409, got %d: %s", w.Code, w.Body.String())
	}
	if body := decode[map[string]string](t, w); body["gate"] != "integrity" {
		t.Errorf("expected integrity gate, got %v", body)
	}
}

func TestCancel_ClosesOrder(t *testing.T) {
	env := newTestEnv(t)
	env.submit(t, "ord-1", "AAPL", 10)

	w := env.do(t, "POST", "/api/v1/orders/ord-1/cancel", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	if o := env.order(t, "ord-1"); o.State != oms.Cancelled {
		t.Errorf("expected CANCELLED, got %+v", o)
	}
	if m, _ := env.store.LoadBrokerMappings(context.Background()); len(m) != 0 {
		t.Errorf("cancelled order should drop its mapping, got %+v", m)
	}
	if w := env.do(t, "POST", "/api/v1/orders/ord-1/cancel", nil); w.Code != http.StatusNotFound {
		t.Errorf("second cancel: expected 404 for unmapped order, got %d", w.Code)
	}
}

func TestReplace_AckUpdatesQuantity(t *testing.T) {
	env := newTestEnv(t)
	env.submit(t, "ord-1", "AAPL", 10)

	w := env.do(t, "POST", "/api/v1/orders/ord-1/replace", trade.ReplaceRequest{Quantity: 15, LimitPrice: "99.5"})
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	if o := env.order(t, "ord-1"); o.State != oms.ReplacePending {
		t.Fatalf("expected REPLACE_PENDING, got %+v", o)
	}

	w = env.do(t, "POST", "/api/v1/orders/ord-1/events", trade.EventRequest{Kind: oms.EvReplaceAck, EventID: "r1"})
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	if o := env.order(t, "ord-1"); o.State != oms.Open || o.TotalQty != 15 {
		t.Errorf("expected OPEN with 15, got %+v", o)
	}
}

func TestCancel_RefusedWhileReplacePending(t *testing.T) {
	env := newTestEnv(t)
	env.submit(t, "ord-1", "AAPL", 10)
	if w := env.do(t, "POST", "/api/v1/orders/ord-1/replace", trade.ReplaceRequest{Quantity: 12}); w.Code != http.StatusOK {
		t.Fatalf("replace: expected 200, got %d: %s", w.Code, w.Body.String())
	}

	w := env.do(t, "POST", "/api/v1/orders/ord-1/cancel", nil)
	if w.Code != http.StatusConflict {
		t.Fatalf("cancel during replace: expected 409, got %d: %s", w.Code, w.Body.String())
	}
	open, _ := env.broker.OpenOrders(context.Background())
	if _, ok := open["ord-1"]; !ok {
		t.Errorf("refused cancel must not reach the broker, open orders %v", open)
	}
	view := decode[trade.OrderView](t, env.do(t, "GET", "/api/v1/orders/ord-1", nil))
	if view.State != oms.ReplacePending || view.HaltReason != "" {
		t.Errorf("order should stay REPLACE_PENDING and not halt, got %+v", view)
	}

	if w := env.do(t, "POST", "/api/v1/orders/ord-1/events", trade.EventRequest{Kind: oms.EvReplaceAck, EventID: "r1"}); w.Code != http.StatusOK {
		t.Errorf("replace ack after refused cancel: expected 200, got %d: %s", w.Code, w.Body.String())
	}
}

func TestReplace_RefusedRequestKeepsPendingQuantity(t *testing.T) {
	env := newTestEnv(t)
	env.submit(t, "ord-1", "AAPL", 10)
	env.do(t, "POST", "/api/v1/orders/ord-1/replace", trade.ReplaceRequest{Quantity: 15})

	if w := env.do(t, "POST", "/api/v1/orders/ord-1/replace", trade.ReplaceRequest{Quantity: 30}); w.Code != http.StatusConflict {
		t.Fatalf("second replace: expected 409, got %d: %s", w.Code, w.Body.String())
	}
	env.do(t, "POST", "/api/v1/orders/ord-1/events", trade.EventRequest{Kind: oms.EvReplaceAck, EventID: "r1"})
	if o := env.order(t, "ord-1"); o.State != oms.Open || o.TotalQty != 15 {
		t.Errorf("expected OPEN with 15, got %+v", o)
	}
}

func TestIllegalTransitionHaltsOnlyThatOrder(t *testing.T) {
	env := newTestEnv(t)
	env.submit(t, "ord-1", "AAPL", 10)
	env.submit(t, "ord-2", "AAPL", 5)

	w := env.do(t, "POST", "/api/v1/orders/ord-1/events", trade.EventRequest{Kind: oms.EvCancelAck})
	if w.Code != http.StatusConflict {
		t.Fatalf("expected 409, got %d: %s", w.Code, w.Body.String())
	}
	if w := env.do(t, "POST", "/api/v1/orders/ord-1/events", trade.EventRequest{Kind: oms.EvAck}); w.Code != http.StatusConflict {
		t.Errorf("halted order accepted an event: %d", w.Code)
	}
	if w := env.do(t, "POST", "/api/v1/orders/ord-2/events", trade.EventRequest{Kind: oms.EvAck}); w.Code != http.StatusOK {
		t.Errorf("other orders must keep working, got %d: %s", w.Code, w.Body.String())
	}

	view := decode[trade.OrderView](t, env.do(t, "GET", "/api/v1/orders/ord-1", nil))
	if view.HaltReason == "" {
		t.Error("expected halt reason on order view")
	}
}

// --- Arm / reconcile ---

func TestArm_RequiresCleanReconcile(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.svc.Disarm(ctx, integrity.ManualDisarm)
	env.guard.Record(false)

	if w := env.do(t, "POST", "/api/v1/integrity/arm", nil); w.Code != http.StatusConflict {
		t.Fatalf("expected 409 without clean reconcile, got %d", w.Code)
	}

	w := env.do(t, "POST", "/api/v1/reconcile", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("reconcile: expected 200, got %d: %s", w.Code, w.Body.String())
	}
	if w := env.do(t, "POST", "/api/v1/integrity/arm", nil); w.Code != http.StatusOK {
		t.Fatalf("expected 200 after clean reconcile, got %d: %s", w.Code, w.Body.String())
	}
	persisted, _ := env.store.LoadArmState(ctx)
	if persisted == nil || !persisted.Armed {
		t.Errorf("arm state not persisted: %+v", persisted)
	}
}

func TestDisarm_PersistsReason(t *testing.T) {
	env := newTestEnv(t)
	w := env.do(t, "POST", "/api/v1/integrity/disarm", trade.DisarmRequest{Reason: "deadman_halt"})
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	persisted, _ := env.store.LoadArmState(context.Background())
	if persisted == nil || persisted.Armed || persisted.Reason != integrity.DeadmanHalt {
		t.Errorf("unexpected persisted state %+v", persisted)
	}
	if w := env.do(t, "POST", "/api/v1/integrity/disarm", trade.DisarmRequest{Reason: "bored"}); w.Code != http.StatusBadRequest {
		t.Errorf("unknown reason: expected 400, got %d", w.Code)
	}
}

func TestReconcile_UnknownBrokerOrderDisarms(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.submit(t, "ord-1", "AAPL", 10)

	// An order placed at the broker that nothing local accounts for.
	claim, _ := execution.ClaimFromRow(&model.OutboxRow{ID: 99, IdempotencyKey: "stray", Status: model.OutboxClaimed})
	if _, err := env.gw.Submit(ctx, claim, execution.SubmitRequest{Symbol: "AAPL", Side: model.Buy, Quantity: 1}); err != nil {
		t.Fatal(err)
	}

	drifts, err := env.svc.Reconcile(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(drifts) != 1 || drifts[0].Kind != reconcile.UnknownAtBroker || drifts[0].InternalID != "stray" {
		t.Fatalf("unexpected drifts %+v", drifts)
	}
	if env.guard.IsClean() {
		t.Error("guard should be dirty after drift")
	}
	if st := env.arm.State(); st.Armed || st.Reason != integrity.ReconcileDrift {
		t.Errorf("expected RECONCILE_DRIFT disarm, got %+v", st)
	}
}

// --- Restore ---

func TestRestore_RebuildsOrdersAndLedger(t *testing.T) {
	env := newTestEnv(t)
	env.submit(t, "ord-1", "AAPL", 10)
	env.do(t, "POST", "/api/v1/fills", trade.FillsRequest{Fills: []trade.FillRequest{env.fill(t, "ord-1", 4, "100")}})

	restarted := newTestEnvWithStore(t, env.store, env.broker)
	if err := restarted.svc.Restore(context.Background()); err != nil {
		t.Fatal(err)
	}
	o := restarted.order(t, "ord-1")
	if o.State != oms.PartiallyFilled || o.FilledQty != 4 || o.TotalQty != 10 {
		t.Errorf("order not restored: %+v", o)
	}
	if got := restarted.svc.Portfolio().Snapshot.Positions["AAPL"].QtySigned(); got != 4 {
		t.Errorf("ledger not rebuilt: qty %d", got)
	}
	// The restored map lets the order be cancelled.
	if w := restarted.do(t, "POST", "/api/v1/orders/ord-1/cancel", nil); w.Code != http.StatusOK {
		t.Errorf("cancel after restore: expected 200, got %d: %s", w.Code, w.Body.String())
	}
}

// --- Views ---

func TestGetOutboxRow(t *testing.T) {
	env := newTestEnv(t)
	env.submit(t, "ord-1", "AAPL", 1)

	row := decode[model.OutboxRow](t, env.do(t, "GET", "/api/v1/outbox/ord-1", nil))
	if row.Status != model.OutboxAcked {
		t.Errorf("expected ACKED, got %s", row.Status)
	}
	if w := env.do(t, "GET", "/api/v1/outbox/missing", nil); w.Code != http.StatusNotFound {
		t.Errorf("expected 404, got %d", w.Code)
	}
}

func TestGetStatus(t *testing.T) {
	env := newTestEnv(t)
	env.submit(t, "ord-1", "AAPL", 1)

	st := decode[trade.StatusResponse](t, env.do(t, "GET", "/api/v1/status", nil))
	if !st.Arm.Armed || !st.ReconcileClean || st.OpenOrders != 1 || st.RunID != runID {
		t.Errorf("unexpected status %+v", st)
	}
}
