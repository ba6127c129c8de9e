// Package model defines the core domain types shared across the execution
// engine. All prices and cash values are integer micros (1 unit = 1_000_000);
// floating point never enters the accounting path.
package model

import (
	"encoding/json"
	"fmt"
	"time"
)

// Side is the direction of an order or fill.
type Side string

const (
	Buy  Side = "BUY"
	Sell Side = "SELL"
)

// Valid reports whether s is one of the two known sides.
func (s Side) Valid() bool { return s == Buy || s == Sell }

// Rank orders sides for canonical fill ordering: Buy sorts before Sell.
func (s Side) Rank() int {
	if s == Buy {
		return 0
	}
	return 1
}

// ParseSide accepts "BUY"/"SELL" in any case.
func ParseSide(v string) (Side, error) {
	switch v {
	case "BUY", "buy", "Buy":
		return Buy, nil
	case "SELL", "sell", "Sell":
		return Sell, nil
	}
	return "", fmt.Errorf("model: unknown side %q", v)
}

// OrderIntent is a strategy decision persisted into the outbox before any
// broker call is attempted. IdempotencyKey doubles as the broker client
// order id and the internal OMS order id.
type OrderIntent struct {
	IdempotencyKey   string `json:"idempotency_key"`
	Symbol           string `json:"symbol"`
	Side             Side   `json:"side"`
	Quantity         int64  `json:"quantity"`
	OrderType        string `json:"order_type"`
	LimitPriceMicros *int64 `json:"limit_price_micros,omitempty"`
	TimeInForce      string `json:"time_in_force"`
}

// TargetPosition is a desired signed position for one symbol.
type TargetPosition struct {
	Symbol string `json:"symbol"`
	Qty    int64  `json:"qty"`
}

// OutboxStatus is the lifecycle state of an outbox row.
type OutboxStatus string

const (
	OutboxPending OutboxStatus = "PENDING"
	OutboxClaimed OutboxStatus = "CLAIMED"
	OutboxSent    OutboxStatus = "SENT"
	OutboxAcked   OutboxStatus = "ACKED"
	OutboxFailed  OutboxStatus = "FAILED"
)

// Valid reports whether st is one of the closed set of outbox statuses.
func (st OutboxStatus) Valid() bool {
	switch st {
	case OutboxPending, OutboxClaimed, OutboxSent, OutboxAcked, OutboxFailed:
		return true
	}
	return false
}

// OutboxRow is a durable order intent plus its dispatch lifecycle.
type OutboxRow struct {
	ID             int64           `json:"outbox_id" db:"outbox_id"`
	RunID          string          `json:"run_id" db:"run_id"`
	IdempotencyKey string          `json:"idempotency_key" db:"idempotency_key"`
	OrderJSON      json.RawMessage `json:"order_json" db:"order_json"`
	Status         OutboxStatus    `json:"status" db:"status"`
	CreatedAt      time.Time       `json:"created_at_utc" db:"created_at_utc"`
	ClaimedBy      *string         `json:"claimed_by,omitempty" db:"claimed_by"`
	ClaimedAt      *time.Time      `json:"claimed_at_utc,omitempty" db:"claimed_at_utc"`
	SentAt         *time.Time      `json:"sent_at_utc,omitempty" db:"sent_at_utc"`
}

// Intent decodes the persisted order payload.
func (r *OutboxRow) Intent() (OrderIntent, error) {
	var in OrderIntent
	if err := json.Unmarshal(r.OrderJSON, &in); err != nil {
		return OrderIntent{}, fmt.Errorf("decode outbox %d: %w", r.ID, err)
	}
	return in, nil
}

// InboxRow is a broker message recorded before it is applied, deduplicated
// on BrokerMessageID.
type InboxRow struct {
	ID              int64           `json:"inbox_id" db:"inbox_id"`
	RunID           string          `json:"run_id" db:"run_id"`
	BrokerMessageID string          `json:"broker_message_id" db:"broker_message_id"`
	MessageJSON     json.RawMessage `json:"message_json" db:"message_json"`
	ReceivedAt      time.Time       `json:"received_at_utc" db:"received_at_utc"`
	AppliedAt       *time.Time      `json:"applied_at_utc,omitempty" db:"applied_at_utc"`
}

// BrokerFill is an execution report received from a broker.
type BrokerFill struct {
	BrokerMessageID string `json:"broker_message_id"`
	SeqNo           uint64 `json:"seq_no"`
	InternalOrderID string `json:"internal_order_id"`
	Symbol          string `json:"symbol"`
	Side            Side   `json:"side"`
	Qty             int64  `json:"qty"`
	PriceMicros     int64  `json:"price_micros"`
	FeeMicros       int64  `json:"fee_micros"`
	// Final marks the fill that completes the order.
	Final bool `json:"final"`
}
