package dispatch_test

import (
	"context"
	"encoding/json"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/mqk/execution-engine/internal/broker"
	"github.com/mqk/execution-engine/internal/dispatch"
	"github.com/mqk/execution-engine/internal/execution"
	"github.com/mqk/execution-engine/internal/model"
	"github.com/mqk/execution-engine/internal/store"
)

const runID = "6f1c2f4e-8f0a-4c55-9a43-0d7f0b6a1e21"

type gates struct {
	armed, allowed, clean atomic.Bool
}

func openGates() *gates {
	g := &gates{}
	g.armed.Store(true)
	g.allowed.Store(true)
	g.clean.Store(true)
	return g
}

func (g *gates) IsArmed() bool   { return g.armed.Load() }
func (g *gates) IsAllowed() bool { return g.allowed.Load() }
func (g *gates) IsClean() bool   { return g.clean.Load() }

func (g *gates) disarm() { g.armed.Store(false) }

type recordingSink struct {
	submitted map[string]string
	fail      error
}

func (s *recordingSink) OnSubmitted(_ context.Context, in model.OrderIntent, resp *execution.SubmitResponse) error {
	if s.fail != nil {
		return s.fail
	}
	s.submitted[in.IdempotencyKey] = resp.BrokerOrderID
	return nil
}

type testEnv struct {
	store  *store.MemoryStore
	broker *broker.PaperBroker
	gates  *gates
	sink   *recordingSink
	gw     *execution.Gateway
	disp   *dispatch.Dispatcher
	rec    *dispatch.Recoverer
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	return newTestEnvWithStore(t, store.NewMemoryStore())
}

func newTestEnvWithStore(t *testing.T, st *store.MemoryStore) *testEnv {
	t.Helper()
	env := &testEnv{
		store:  st,
		broker: broker.NewPaperBroker(),
		gates:  openGates(),
		sink:   &recordingSink{submitted: map[string]string{}},
	}
	env.gw = execution.NewGateway(env.broker, env.gates, env.gates, env.gates)
	env.disp = dispatch.NewDispatcher(env.store, env.gw, env.sink, "dispatcher-1", 10)
	env.rec = dispatch.NewRecoverer(env.store, env.gw, env.broker, env.sink)
	return env
}

func (env *testEnv) enqueue(t *testing.T, key string, qty int64) {
	t.Helper()
	data, _ := json.Marshal(model.OrderIntent{
		IdempotencyKey: key, Symbol: "AAPL", Side: model.Buy, Quantity: qty,
		OrderType:      "market", TimeInForce: "day",
	})
	if ok, err := env.store.Enqueue(context.Background(), runID, key, data); err != nil || !ok {
		t.Fatalf("enqueue %s: %v %v", key, ok, err)
	}
}

func (env *testEnv) status(t *testing.T, key string) model.OutboxStatus {
	t.Helper()
	row, err := env.store.FetchByKey(context.Background(), key)
	if err != nil {
		t.Fatal(err)
	}
	return row.Status
}

func TestDispatchSubmitsAndAcks(t *testing.T) {
	env := newTestEnv(t)
	env.enqueue(t, "ord-1", 10)
	env.enqueue(t, "ord-2", 5)

	res, err := env.disp.DispatchOnce(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if res.Claimed != 2 || res.Sent != 2 {
		t.Fatalf("expected 2 claimed and sent, got %+v", res)
	}
	for _, key := range []string{"ord-1", "ord-2"} {
		if st := env.status(t, key); st != model.OutboxAcked {
			t.Errorf("%s: expected ACKED, got %s", key, st)
		}
		if env.sink.submitted[key] == "" {
			t.Errorf("%s: sink not told about submission", key)
		}
	}
	if got := env.broker.ClientOrderIDs(); len(got) != 2 || got[0] != "ord-1" {
		t.Errorf("broker should see outbox keys as client ids, got %v", got)
	}
}

func TestDispatchGateRefusalReleasesBatch(t *testing.T) {
	env := newTestEnv(t)
	env.enqueue(t, "ord-1", 10)
	env.enqueue(t, "ord-2", 5)
	env.gates.disarm()

	res, err := env.disp.DispatchOnce(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if res.Released != 2 || res.Sent != 0 {
		t.Fatalf("expected both rows released, got %+v", res)
	}
	if env.broker.SubmitCount() != 0 {
		t.Fatal("refused rows must not reach the broker")
	}
	row, _ := env.store.FetchByKey(context.Background(), "ord-1")
	if row.Status != model.OutboxPending || row.ClaimedBy != nil {
		t.Errorf("released row should be PENDING with claim cleared, got %+v", row)
	}
}

func TestDispatchMarksUndecodableFailed(t *testing.T) {
	env := newTestEnv(t)
	env.store.Enqueue(context.Background(), runID, "bad", json.RawMessage(`{"symbol":"","quantity":0}`))
	env.enqueue(t, "good", 1)

	res, _ := env.disp.DispatchOnce(context.Background())
	if res.Failed != 1 || res.Sent != 1 {
		t.Fatalf("expected 1 failed and 1 sent, got %+v", res)
	}
	if st := env.status(t, "bad"); st != model.OutboxFailed {
		t.Errorf("expected FAILED, got %s", st)
	}
}

func TestDispatchBrokerErrorLeavesClaimed(t *testing.T) {
	env := newTestEnv(t)
	env.enqueue(t, "ord-1", 10)
	env.broker.FailNext(errors.New("timeout"))

	res, _ := env.disp.DispatchOnce(context.Background())
	if res.Errored != 1 {
		t.Fatalf("expected 1 errored, got %+v", res)
	}
	if st := env.status(t, "ord-1"); st != model.OutboxClaimed {
		t.Errorf("in-doubt row must stay CLAIMED, got %s", st)
	}
	// A second pass does not pick it up again.
	if res, _ := env.disp.DispatchOnce(context.Background()); res.Claimed != 0 {
		t.Errorf("claimed row dispatched twice: %+v", res)
	}
}

func TestRecoverAcksOrderBrokerAlreadyHas(t *testing.T) {
	env := newTestEnv(t)
	env.enqueue(t, "ord-1", 10)
	env.sink.fail = errors.New("crash after submit")
	env.disp.DispatchOnce(context.Background())
	if st := env.status(t, "ord-1"); st != model.OutboxSent {
		t.Fatalf("expected SENT after crash window, got %s", st)
	}

	env.sink.fail = nil
	rep, err := env.rec.RecoverRun(context.Background(), runID)
	if err != nil {
		t.Fatal(err)
	}
	if rep.Acked != 1 || rep.Resubmitted != 0 {
		t.Fatalf("expected ack without resubmit, got %+v", rep)
	}
	if env.broker.SubmitCount() != 1 {
		t.Errorf("broker saw %d submits, want 1", env.broker.SubmitCount())
	}
	if st := env.status(t, "ord-1"); st != model.OutboxAcked {
		t.Errorf("expected ACKED, got %s", st)
	}
	if env.sink.submitted["ord-1"] == "" {
		t.Error("recovered order not registered with the sink")
	}
}

func TestRecoverResubmitsMissingOrderOnce(t *testing.T) {
	env := newTestEnv(t)
	env.enqueue(t, "ord-1", 10)
	env.enqueue(t, "ord-2", 10)
	// Crash between claim and submit: rows CLAIMED, broker empty.
	env.store.ClaimBatch(context.Background(), 10, "dead-dispatcher")

	rep, err := env.rec.RecoverRun(context.Background(), runID)
	if err != nil {
		t.Fatal(err)
	}
	if rep.Inspected != 2 || rep.Resubmitted != 2 || rep.Acked != 2 {
		t.Fatalf("unexpected report %+v", rep)
	}
	if env.broker.SubmitCount() != 2 {
		t.Errorf("expected exactly one submit per row, got %d", env.broker.SubmitCount())
	}

	// Recovery is idempotent: nothing left in doubt.
	rep, _ = env.rec.RecoverRun(context.Background(), runID)
	if rep.Inspected != 0 || env.broker.SubmitCount() != 2 {
		t.Errorf("second recovery must not resubmit: %+v, submits %d", rep, env.broker.SubmitCount())
	}
}

func TestRecoverSkipsPendingAndFailed(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.enqueue(t, "pending", 1)
	env.store.Enqueue(ctx, runID, "bad", json.RawMessage(`{}`))
	env.store.ClaimBatch(ctx, 10, "d")
	env.store.ReleaseClaim(ctx, "pending")
	env.store.MarkFailed(ctx, "bad")

	rep, _ := env.rec.RecoverRun(ctx, runID)
	if rep.Inspected != 0 || env.broker.SubmitCount() != 0 {
		t.Fatalf("PENDING and FAILED rows are not in doubt: %+v", rep)
	}
}

func TestRecoverDefersWhenGated(t *testing.T) {
	env := newTestEnv(t)
	env.enqueue(t, "ord-1", 10)
	env.store.ClaimBatch(context.Background(), 10, "dead")
	env.gates.disarm()

	rep, err := env.rec.RecoverRun(context.Background(), runID)
	if err != nil {
		t.Fatal(err)
	}
	if rep.Deferred != 1 || env.broker.SubmitCount() != 0 {
		t.Fatalf("expected deferral with no submit, got %+v", rep)
	}
	if st := env.status(t, "ord-1"); st != model.OutboxClaimed {
		t.Errorf("deferred row must stay CLAIMED, got %s", st)
	}
}

func TestSweepStaleClaims(t *testing.T) {
	past := time.Now().Add(-time.Hour)
	env := newTestEnvWithStore(t, store.NewMemoryStoreWithClock(func() time.Time { return past }))
	ctx := context.Background()
	env.enqueue(t, "at-broker", 1)
	env.enqueue(t, "missing", 1)

	// A hung dispatcher claimed both; only one reached the broker.
	env.store.ClaimBatch(ctx, 10, "hung-dispatcher")
	claim, _ := execution.ClaimFromRow(&model.OutboxRow{ID: 1, IdempotencyKey: "at-broker", Status: model.OutboxClaimed})
	if _, err := env.gw.Submit(ctx, claim, execution.SubmitRequest{Symbol: "AAPL", Side: model.Buy, Quantity: 1}); err != nil {
		t.Fatal(err)
	}
	submits := env.broker.SubmitCount()

	rep, err := env.rec.SweepStaleClaims(ctx, 2*time.Minute)
	if err != nil {
		t.Fatal(err)
	}
	if rep.Inspected != 2 || rep.Acked != 1 || rep.Released != 1 {
		t.Fatalf("unexpected sweep report %+v", rep)
	}
	if st := env.status(t, "at-broker"); st != model.OutboxAcked {
		t.Errorf("at-broker: expected ACKED, got %s", st)
	}
	if st := env.status(t, "missing"); st != model.OutboxPending {
		t.Errorf("missing: expected PENDING, got %s", st)
	}
	if env.broker.SubmitCount() != submits {
		t.Error("sweeper must never submit")
	}
}

func TestSweepIgnoresFreshClaims(t *testing.T) {
	env := newTestEnv(t)
	env.enqueue(t, "ord-1", 1)
	env.store.ClaimBatch(context.Background(), 10, "live-dispatcher")

	rep, _ := env.rec.SweepStaleClaims(context.Background(), 2*time.Minute)
	if rep.Inspected != 0 {
		t.Fatalf("fresh claim swept: %+v", rep)
	}
	if st := env.status(t, "ord-1"); st != model.OutboxClaimed {
		t.Errorf("expected CLAIMED, got %s", st)
	}
}
