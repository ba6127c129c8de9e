// Package execution is the only path from the engine to a broker. Every
// submit, cancel and replace passes the Integrity, Risk and Reconcile gates
// first, evaluated fresh on each call.
package execution

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/mqk/execution-engine/internal/metrics"
)

// IntegrityGate reports whether the system is armed for trading.
type IntegrityGate interface{ IsArmed() bool }

// RiskGate reports whether risk limits currently allow new broker activity.
type RiskGate interface{ IsAllowed() bool }

// ReconcileGate reports whether the latest reconcile against the broker is clean.
type ReconcileGate interface{ IsClean() bool }

// Gate identifies one of the three safety gates.
type Gate string

const (
	GateIntegrity Gate = "integrity"
	GateRisk      Gate = "risk"
	GateReconcile Gate = "reconcile"
)

var (
	ErrGateRefused  = errors.New("execution: refused by gate")
	ErrUnknownOrder = errors.New("execution: unknown order")
)

// GateRefusal is returned when a gate blocks an operation. Nothing has been
// sent to the broker.
type GateRefusal struct {
	Gate Gate
}

func (e *GateRefusal) Error() string {
	switch e.Gate {
	case GateIntegrity:
		return "execution: gate refused: integrity disarmed or halted"
	case GateRisk:
		return "execution: gate refused: risk did not allow"
	case GateReconcile:
		return "execution: gate refused: reconcile is not clean"
	}
	return fmt.Sprintf("execution: gate refused: %s", e.Gate)
}

func (e *GateRefusal) Is(target error) bool { return target == ErrGateRefused }

// UnknownOrderError is returned by cancel and replace when the internal id
// has no broker id mapping.
type UnknownOrderError struct {
	InternalID string
}

func (e *UnknownOrderError) Error() string {
	return fmt.Sprintf("execution: unknown order %q: no broker id mapping", e.InternalID)
}

func (e *UnknownOrderError) Is(target error) bool { return target == ErrUnknownOrder }

// Gateway is the single choke point for broker operations. It does not
// touch the BrokerOrderMap or OMS state; callers register the response.
type Gateway struct {
	broker    BrokerAdapter
	integrity IntegrityGate
	risk      RiskGate
	reconcile ReconcileGate
}

// NewGateway wires a gateway around a broker adapter and the three gates.
func NewGateway(broker BrokerAdapter, integrity IntegrityGate, risk RiskGate, reconcile ReconcileGate) *Gateway {
	return &Gateway{
		broker:    broker,
		integrity: integrity,
		risk:      risk,
		reconcile: reconcile,
	}
}

func (g *Gateway) enforce(op string) error {
	var failed Gate
	switch {
	case !g.integrity.IsArmed():
		failed = GateIntegrity
	case !g.risk.IsAllowed():
		failed = GateRisk
	case !g.reconcile.IsClean():
		failed = GateReconcile
	default:
		return nil
	}
	metrics.GateRefusals.WithLabelValues(op, string(failed)).Inc()
	slog.Warn("gateway refused", "op", op, "gate", failed)
	return &GateRefusal{Gate: failed}
}

// Submit sends a new order under claim's idempotency key. req.OrderID is
// overwritten; the caller's value is never sent.
func (g *Gateway) Submit(ctx context.Context, claim ClaimToken, req SubmitRequest) (*SubmitResponse, error) {
	if err := g.enforce("submit"); err != nil {
		return nil, err
	}
	if !claim.valid() {
		return nil, ErrInvalidClaim
	}
	req.OrderID = claim.IdempotencyKey()

	start := time.Now()
	resp, err := g.broker.SubmitOrder(ctx, req, mint())
	metrics.ObserveBroker("submit", start)
	if err != nil {
		metrics.BrokerErrors.WithLabelValues("submit").Inc()
		return nil, fmt.Errorf("submit %s: %w", req.OrderID, err)
	}
	metrics.GatewayCalls.WithLabelValues("submit").Inc()
	return resp, nil
}

// Cancel requests cancellation of the broker order mapped to internalID.
func (g *Gateway) Cancel(ctx context.Context, internalID string, ids *BrokerOrderMap) (*CancelResponse, error) {
	if err := g.enforce("cancel"); err != nil {
		return nil, err
	}
	brokerID, ok := ids.BrokerID(internalID)
	if !ok {
		metrics.UnknownOrders.WithLabelValues("cancel").Inc()
		return nil, &UnknownOrderError{InternalID: internalID}
	}

	start := time.Now()
	resp, err := g.broker.CancelOrder(ctx, brokerID, mint())
	metrics.ObserveBroker("cancel", start)
	if err != nil {
		metrics.BrokerErrors.WithLabelValues("cancel").Inc()
		return nil, fmt.Errorf("cancel %s: %w", internalID, err)
	}
	metrics.GatewayCalls.WithLabelValues("cancel").Inc()
	return resp, nil
}

// Replace amends quantity, limit price and time in force of the broker
// order mapped to internalID.
func (g *Gateway) Replace(ctx context.Context, internalID string, ids *BrokerOrderMap, newQty int64, newLimitMicros *int64, newTIF string) (*ReplaceResponse, error) {
	if err := g.enforce("replace"); err != nil {
		return nil, err
	}
	brokerID, ok := ids.BrokerID(internalID)
	if !ok {
		metrics.UnknownOrders.WithLabelValues("replace").Inc()
		return nil, &UnknownOrderError{InternalID: internalID}
	}

	req := ReplaceRequest{
		BrokerOrderID:    brokerID,
		Quantity:         newQty,
		LimitPriceMicros: newLimitMicros,
		TimeInForce:      newTIF,
	}
	start := time.Now()
	resp, err := g.broker.ReplaceOrder(ctx, req, mint())
	metrics.ObserveBroker("replace", start)
	if err != nil {
		metrics.BrokerErrors.WithLabelValues("replace").Inc()
		return nil, fmt.Errorf("replace %s: %w", internalID, err)
	}
	metrics.GatewayCalls.WithLabelValues("replace").Inc()
	return resp, nil
}
