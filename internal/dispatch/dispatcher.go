// Package dispatch moves durable outbox rows to the broker. It owns the
// outbox lifecycle: claim, submit through the gateway, then SENT and
// ACKED. Restart recovery and the stale-claim sweeper reconcile rows a
// crashed dispatcher left behind against the broker before touching them.
package dispatch

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/mqk/execution-engine/internal/execution"
	"github.com/mqk/execution-engine/internal/metrics"
	"github.com/mqk/execution-engine/internal/model"
	"github.com/mqk/execution-engine/internal/store"
)

// SubmitSink is told about every order the broker accepted, before the
// outbox row is acked. The runtime uses it to register the broker id and
// open the OMS order.
type SubmitSink interface {
	OnSubmitted(ctx context.Context, intent model.OrderIntent, resp *execution.SubmitResponse) error
}

// Result counts what one DispatchOnce pass did.
type Result struct {
	Claimed  int `json:"claimed"`
	Sent     int `json:"sent"`
	Released int `json:"released"`
	Failed   int `json:"failed"`
	// Errored rows stay CLAIMED; the broker may or may not have them.
	Errored int `json:"errored"`
}

// Dispatcher claims batches of PENDING rows and submits them.
type Dispatcher struct {
	store   store.OutboxStore
	gateway *execution.Gateway
	sink    SubmitSink
	id      string
	batch   int
}

// NewDispatcher creates a dispatcher claiming up to batch rows per pass
// under claimant id.
func NewDispatcher(st store.OutboxStore, gw *execution.Gateway, sink SubmitSink, id string, batch int) *Dispatcher {
	if batch <= 0 {
		batch = 1
	}
	return &Dispatcher{store: st, gateway: gw, sink: sink, id: id, batch: batch}
}

// DispatchOnce claims one batch and drives each row to a terminal
// outcome for this pass.
func (d *Dispatcher) DispatchOnce(ctx context.Context) (Result, error) {
	rows, err := d.store.ClaimBatch(ctx, d.batch, d.id)
	if err != nil {
		return Result{}, err
	}
	res := Result{Claimed: len(rows)}
	if len(rows) > 0 {
		metrics.OutboxTransitions.WithLabelValues(string(model.OutboxClaimed)).Add(float64(len(rows)))
	}

	for i := range rows {
		row := &rows[i]
		err := d.dispatchRow(ctx, row)
		switch {
		case err == nil:
			res.Sent++
		case errors.Is(err, execution.ErrGateRefused):
			// Gates are shared by the whole batch; give every remaining
			// row back rather than submit against a closed gate.
			for j := i; j < len(rows); j++ {
				if d.release(ctx, &rows[j]) {
					res.Released++
				}
			}
			return res, nil
		case errors.Is(err, errUndecodable):
			res.Failed++
		default:
			res.Errored++
		}
	}
	return res, nil
}

var errUndecodable = errors.New("dispatch: outbox intent cannot be submitted")

func (d *Dispatcher) dispatchRow(ctx context.Context, row *model.OutboxRow) error {
	intent, err := row.Intent()
	if err == nil && (intent.Symbol == "" || intent.Quantity <= 0 || !intent.Side.Valid()) {
		err = errors.New("incomplete order intent")
	}
	if err != nil {
		slog.Error("outbox intent rejected", "key", row.IdempotencyKey, "error", err)
		if ok, mErr := d.store.MarkFailed(ctx, row.IdempotencyKey); mErr != nil {
			slog.Error("mark failed", "key", row.IdempotencyKey, "error", mErr)
		} else if ok {
			metrics.OutboxTransitions.WithLabelValues(string(model.OutboxFailed)).Inc()
		}
		return errUndecodable
	}
	intent.IdempotencyKey = row.IdempotencyKey

	claim, err := execution.ClaimFromRow(row)
	if err != nil {
		return err
	}
	resp, err := d.gateway.Submit(ctx, claim, execution.SubmitRequestFromIntent(intent))
	if err != nil {
		if !errors.Is(err, execution.ErrGateRefused) {
			slog.Error("broker submit failed, row left claimed", "key", row.IdempotencyKey, "error", err)
		}
		return err
	}
	return complete(ctx, d.store, d.sink, intent, resp)
}

func (d *Dispatcher) release(ctx context.Context, row *model.OutboxRow) bool {
	ok, err := d.store.ReleaseClaim(ctx, row.IdempotencyKey)
	if err != nil {
		slog.Error("release claim", "key", row.IdempotencyKey, "error", err)
		return false
	}
	if ok {
		metrics.OutboxTransitions.WithLabelValues(string(model.OutboxPending)).Inc()
	}
	return ok
}

// complete records a broker acceptance: SENT, sink, then ACKED. A crash
// between steps leaves a SENT row that recovery resolves by lookup.
func complete(ctx context.Context, st store.OutboxStore, sink SubmitSink, intent model.OrderIntent, resp *execution.SubmitResponse) error {
	key := intent.IdempotencyKey
	if ok, err := st.MarkSent(ctx, key); err != nil {
		return err
	} else if ok {
		metrics.OutboxTransitions.WithLabelValues(string(model.OutboxSent)).Inc()
	}
	if sink != nil {
		if err := sink.OnSubmitted(ctx, intent, resp); err != nil {
			return err
		}
	}
	if ok, err := st.MarkAcked(ctx, key); err != nil {
		return err
	} else if ok {
		metrics.OutboxTransitions.WithLabelValues(string(model.OutboxAcked)).Inc()
	}
	slog.Info("order submitted", "key", key, "broker_order_id", resp.BrokerOrderID, "symbol", intent.Symbol)
	return nil
}

// Run dispatches every interval until ctx is cancelled.
func (d *Dispatcher) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := d.DispatchOnce(ctx); err != nil && ctx.Err() == nil {
				slog.Error("dispatch pass failed", "error", err)
			}
		}
	}
}
