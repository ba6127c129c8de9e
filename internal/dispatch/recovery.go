package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/mqk/execution-engine/internal/execution"
	"github.com/mqk/execution-engine/internal/metrics"
	"github.com/mqk/execution-engine/internal/model"
	"github.com/mqk/execution-engine/internal/store"
)

// Report summarizes one recovery or sweep pass.
type Report struct {
	Inspected   int `json:"inspected"`
	Acked       int `json:"acked"`
	Resubmitted int `json:"resubmitted"`
	Released    int `json:"released"`
	// Deferred rows could not be resolved this pass and were left as is.
	Deferred int `json:"deferred"`
}

// Recoverer reconciles in-doubt outbox rows against the broker. The broker
// is always asked first; a row is only resubmitted when the broker has no
// order under its idempotency key.
type Recoverer struct {
	store   store.OutboxStore
	gateway *execution.Gateway
	lookup  execution.OrderLookup
	sink    SubmitSink
	now     func() time.Time
}

func NewRecoverer(st store.OutboxStore, gw *execution.Gateway, lookup execution.OrderLookup, sink SubmitSink) *Recoverer {
	return &Recoverer{store: st, gateway: gw, lookup: lookup, sink: sink, now: time.Now}
}

// RecoverRun resolves every CLAIMED or SENT row of runID left by a
// previous process. Orders the broker has are acked without resubmission;
// missing ones are submitted exactly once and then acked. PENDING rows are
// left for the dispatcher and FAILED rows for an operator.
func (r *Recoverer) RecoverRun(ctx context.Context, runID string) (Report, error) {
	rows, err := r.store.ListUnackedForRun(ctx, runID)
	if err != nil {
		return Report{}, err
	}

	var rep Report
	for i := range rows {
		row := &rows[i]
		if row.Status != model.OutboxClaimed && row.Status != model.OutboxSent {
			continue
		}
		rep.Inspected++

		intent, err := row.Intent()
		if err != nil {
			slog.Error("recovery: undecodable intent", "key", row.IdempotencyKey, "error", err)
			rep.Deferred++
			continue
		}
		intent.IdempotencyKey = row.IdempotencyKey

		brokerID, found, err := r.lookup.LookupByClientOrderID(ctx, row.IdempotencyKey)
		if err != nil {
			return rep, fmt.Errorf("recover %s: %w", row.IdempotencyKey, err)
		}
		if found {
			resp := &execution.SubmitResponse{BrokerOrderID: brokerID, SubmittedAt: r.now().UTC(), Status: "recovered"}
			if err := complete(ctx, r.store, r.sink, intent, resp); err != nil {
				return rep, err
			}
			rep.Acked++
			metrics.RecoveryOutcomes.WithLabelValues("acked").Inc()
			slog.Info("recovery: broker has order, acked", "key", row.IdempotencyKey, "broker_order_id", brokerID)
			continue
		}

		resp, err := r.resubmit(ctx, row, intent)
		if errors.Is(err, execution.ErrGateRefused) {
			rep.Deferred++
			metrics.RecoveryOutcomes.WithLabelValues("deferred").Inc()
			continue
		}
		if err != nil {
			return rep, err
		}
		if err := complete(ctx, r.store, r.sink, intent, resp); err != nil {
			return rep, err
		}
		rep.Resubmitted++
		rep.Acked++
		metrics.RecoveryOutcomes.WithLabelValues("resubmitted").Inc()
		slog.Info("recovery: broker missing order, resubmitted", "key", row.IdempotencyKey, "broker_order_id", resp.BrokerOrderID)
	}
	return rep, nil
}

func (r *Recoverer) resubmit(ctx context.Context, row *model.OutboxRow, intent model.OrderIntent) (*execution.SubmitResponse, error) {
	claim, err := execution.ClaimFromRow(row)
	if err != nil {
		return nil, err
	}
	return r.gateway.Submit(ctx, claim, execution.SubmitRequestFromIntent(intent))
}

// SweepStaleClaims resolves rows CLAIMED for longer than ttl, which a
// crashed or hung dispatcher left behind. If the broker has the order the
// row is completed; otherwise the claim is released so the row is
// dispatched again. Nothing is submitted from here.
func (r *Recoverer) SweepStaleClaims(ctx context.Context, ttl time.Duration) (Report, error) {
	rows, err := r.store.ListStaleClaims(ctx, r.now().Add(-ttl))
	if err != nil {
		return Report{}, err
	}

	var rep Report
	for i := range rows {
		row := &rows[i]
		rep.Inspected++

		brokerID, found, err := r.lookup.LookupByClientOrderID(ctx, row.IdempotencyKey)
		if err != nil {
			slog.Error("sweep: broker lookup failed", "key", row.IdempotencyKey, "error", err)
			rep.Deferred++
			continue
		}
		if !found {
			ok, err := r.store.ReleaseClaim(ctx, row.IdempotencyKey)
			if err != nil {
				return rep, err
			}
			if ok {
				rep.Released++
				metrics.OutboxTransitions.WithLabelValues(string(model.OutboxPending)).Inc()
				metrics.RecoveryOutcomes.WithLabelValues("released").Inc()
				slog.Warn("sweep: stale claim released", "key", row.IdempotencyKey, "claimed_by", derefOr(row.ClaimedBy, ""))
			}
			continue
		}

		intent, err := row.Intent()
		if err != nil {
			rep.Deferred++
			continue
		}
		intent.IdempotencyKey = row.IdempotencyKey
		resp := &execution.SubmitResponse{BrokerOrderID: brokerID, SubmittedAt: r.now().UTC(), Status: "recovered"}
		if err := complete(ctx, r.store, r.sink, intent, resp); err != nil {
			return rep, err
		}
		rep.Acked++
		metrics.RecoveryOutcomes.WithLabelValues("acked").Inc()
	}
	return rep, nil
}

// RunSweeper sweeps every interval until ctx is cancelled.
func (r *Recoverer) RunSweeper(ctx context.Context, interval, ttl time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := r.SweepStaleClaims(ctx, ttl); err != nil && ctx.Err() == nil {
				slog.Error("stale claim sweep failed", "error", err)
			}
		}
	}
}

func derefOr(s *string, def string) string {
	if s == nil {
		return def
	}
	return *s
}
