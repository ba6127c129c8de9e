// Package oms tracks each order's lifecycle through an explicit state
// machine with idempotent event replay.
//
// An Order is not synchronized. The runtime applies events for one order
// from a single goroutine or under a lock.
package oms

import (
	"errors"
	"fmt"
)

// State is an order lifecycle state.
type State string

const (
	Open            State = "OPEN"
	PartiallyFilled State = "PARTIALLY_FILLED"
	CancelPending   State = "CANCEL_PENDING"
	ReplacePending  State = "REPLACE_PENDING"
	Filled          State = "FILLED"
	Cancelled       State = "CANCELLED"
	Rejected        State = "REJECTED"
)

// Terminal reports whether no further transitions are possible.
func (s State) Terminal() bool {
	return s == Filled || s == Cancelled || s == Rejected
}

func (s State) live() bool { return s == Open || s == PartiallyFilled }

func (s State) pending() bool { return s == CancelPending || s == ReplacePending }

// EventKind names an OMS event.
type EventKind string

const (
	EvAck            EventKind = "ACK"
	EvPartialFill    EventKind = "PARTIAL_FILL"
	EvFill           EventKind = "FILL"
	EvCancelRequest  EventKind = "CANCEL_REQUEST"
	EvCancelAck      EventKind = "CANCEL_ACK"
	EvCancelReject   EventKind = "CANCEL_REJECT"
	EvReplaceRequest EventKind = "REPLACE_REQUEST"
	EvReplaceAck     EventKind = "REPLACE_ACK"
	EvReplaceReject  EventKind = "REPLACE_REJECT"
	EvReject         EventKind = "REJECT"
)

// Event is one lifecycle event. DeltaQty is only meaningful for fills.
type Event struct {
	Kind     EventKind `json:"kind"`
	DeltaQty int64     `json:"delta_qty,omitempty"`
}

func (e Event) String() string {
	if e.Kind == EvFill || e.Kind == EvPartialFill {
		return fmt.Sprintf("%s{%d}", e.Kind, e.DeltaQty)
	}
	return string(e.Kind)
}

func PartialFill(delta int64) Event { return Event{Kind: EvPartialFill, DeltaQty: delta} }
func Fill(delta int64) Event        { return Event{Kind: EvFill, DeltaQty: delta} }

var (
	Ack            = Event{Kind: EvAck}
	CancelRequest  = Event{Kind: EvCancelRequest}
	CancelAck      = Event{Kind: EvCancelAck}
	CancelReject   = Event{Kind: EvCancelReject}
	ReplaceRequest = Event{Kind: EvReplaceRequest}
	ReplaceAck     = Event{Kind: EvReplaceAck}
	ReplaceReject  = Event{Kind: EvReplaceReject}
	Reject         = Event{Kind: EvReject}
)

// ErrIllegalTransition is matched by every *TransitionError.
var ErrIllegalTransition = errors.New("oms: illegal transition")

// TransitionError is an event that is not legal in the order's current
// state. Callers treat it as a halt signal for that order.
type TransitionError struct {
	OrderID string
	From    State
	Event   Event
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("oms: illegal transition for order %s: %s + %s", e.OrderID, e.From, e.Event)
}

func (e *TransitionError) Is(target error) bool { return target == ErrIllegalTransition }

// Order is one order's lifecycle.
type Order struct {
	ID        string `json:"order_id"`
	Symbol    string `json:"symbol"`
	TotalQty  int64  `json:"total_qty"`
	FilledQty int64  `json:"filled_qty"`
	State     State  `json:"state"`

	// prior is the live state to restore when a pending request is rejected.
	prior   State
	applied map[string]struct{}
}

// NewOrder returns an Open order with nothing filled.
func NewOrder(id, symbol string, totalQty int64) *Order {
	return &Order{
		ID:       id,
		Symbol:   symbol,
		TotalQty: totalQty,
		State:    Open,
		applied:  make(map[string]struct{}),
	}
}

// Remaining is the unfilled quantity.
func (o *Order) Remaining() int64 { return o.TotalQty - o.FilledQty }

// Seen reports whether eventID has already been applied.
func (o *Order) Seen(eventID string) bool {
	_, ok := o.applied[eventID]
	return ok
}

// Apply applies ev. A non-empty eventID that was already applied makes the
// call a no-op. The id is recorded only when the transition succeeds.
func (o *Order) Apply(ev Event, eventID string) error {
	if eventID != "" && o.Seen(eventID) {
		return nil
	}
	if err := o.transition(ev); err != nil {
		return err
	}
	if eventID != "" {
		if o.applied == nil {
			o.applied = make(map[string]struct{})
		}
		o.applied[eventID] = struct{}{}
	}
	return nil
}

// CanApply reports the error Apply would return for ev, leaving o as it is.
func (o *Order) CanApply(ev Event) error {
	c := *o
	return c.transition(ev)
}

func (o *Order) illegal(ev Event) error {
	return &TransitionError{OrderID: o.ID, From: o.State, Event: ev}
}

func (o *Order) transition(ev Event) error {
	switch ev.Kind {
	case EvAck:
		if o.State.live() {
			return nil
		}

	case EvPartialFill, EvFill:
		if o.State == Filled {
			// Late or duplicate fill after completion.
			return nil
		}
		if ev.DeltaQty <= 0 || !(o.State.live() || o.State.pending()) {
			break
		}
		o.FilledQty = min(o.FilledQty+ev.DeltaQty, o.TotalQty)
		switch {
		case ev.Kind == EvFill || o.FilledQty == o.TotalQty:
			o.State = Filled
		case o.State.pending():
			// A fill racing an in-flight request keeps the request pending.
			o.prior = PartiallyFilled
		default:
			o.State = PartiallyFilled
		}
		return nil

	case EvCancelRequest, EvReplaceRequest:
		if o.State.live() {
			o.prior = o.State
			if ev.Kind == EvCancelRequest {
				o.State = CancelPending
			} else {
				o.State = ReplacePending
			}
			return nil
		}

	case EvCancelAck:
		if o.State == CancelPending {
			o.State, o.prior = Cancelled, ""
			return nil
		}

	case EvCancelReject:
		if o.State == CancelPending {
			o.restore()
			return nil
		}

	case EvReplaceAck:
		if o.State == ReplacePending {
			o.State, o.prior = Open, ""
			return nil
		}

	case EvReplaceReject:
		if o.State == ReplacePending {
			o.restore()
			return nil
		}

	case EvReject:
		if o.State.live() || o.State.pending() {
			o.State = Rejected
			return nil
		}
	}
	return o.illegal(ev)
}

func (o *Order) restore() {
	switch {
	case o.prior != "":
		o.State = o.prior
	case o.FilledQty > 0:
		o.State = PartiallyFilled
	default:
		o.State = Open
	}
	o.prior = ""
}
