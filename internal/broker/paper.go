// Package broker holds the BrokerAdapter implementations: an in-process
// paper broker for simulation and tests, and the Alpaca live adapter.
//
// Adapters are only reachable through execution.Gateway; every mutating
// method verifies the gateway's invoke token before doing anything.
package broker

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/mqk/execution-engine/internal/execution"
	"github.com/mqk/execution-engine/internal/model"
)

var (
	ErrUnknownBrokerOrder = errors.New("broker: unknown broker order id")
	ErrOrderClosed        = errors.New("broker: order is no longer open")
)

// Paper order statuses, matching the strings Alpaca reports.
const (
	StatusNew      = "new"
	StatusFilled   = "filled"
	StatusCanceled = "canceled"
	StatusReplaced = "replaced"
)

type paperOrder struct {
	brokerID string
	clientID string
	req      execution.SubmitRequest
	filled   int64
	status   string
}

func (o *paperOrder) open() bool {
	return o.status == StatusNew
}

// PaperBroker simulates a broker in memory. Submitting the same client
// order id twice returns the original order, which is how a real broker
// behaves for duplicate client ids.
type PaperBroker struct {
	mu       sync.Mutex
	now      func() time.Time
	byBroker map[string]*paperOrder
	byClient map[string]*paperOrder
	submits  int
	seq      uint64
	failNext error
}

func NewPaperBroker() *PaperBroker {
	return &PaperBroker{
		now:      time.Now,
		byBroker: make(map[string]*paperOrder),
		byClient: make(map[string]*paperOrder),
	}
}

// FailNext makes the next mutating call return err without side effects.
func (b *PaperBroker) FailNext(err error) {
	b.mu.Lock()
	b.failNext = err
	b.mu.Unlock()
}

func (b *PaperBroker) takeFailure() error {
	err := b.failNext
	b.failNext = nil
	return err
}

func (b *PaperBroker) SubmitOrder(_ context.Context, req execution.SubmitRequest, tok *execution.InvokeToken) (*execution.SubmitResponse, error) {
	if err := tok.Verify(); err != nil {
		return nil, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.takeFailure(); err != nil {
		return nil, err
	}

	b.submits++
	if o, ok := b.byClient[req.OrderID]; ok {
		return &execution.SubmitResponse{BrokerOrderID: o.brokerID, SubmittedAt: b.now().UTC(), Status: o.status}, nil
	}
	o := &paperOrder{
		brokerID: uuid.NewString(),
		clientID: req.OrderID,
		req:      req,
		status:   StatusNew,
	}
	b.byBroker[o.brokerID] = o
	b.byClient[o.clientID] = o
	return &execution.SubmitResponse{BrokerOrderID: o.brokerID, SubmittedAt: b.now().UTC(), Status: o.status}, nil
}

func (b *PaperBroker) CancelOrder(_ context.Context, brokerOrderID string, tok *execution.InvokeToken) (*execution.CancelResponse, error) {
	if err := tok.Verify(); err != nil {
		return nil, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.takeFailure(); err != nil {
		return nil, err
	}

	o, err := b.openOrder(brokerOrderID)
	if err != nil {
		return nil, err
	}
	o.status = StatusCanceled
	return &execution.CancelResponse{BrokerOrderID: o.brokerID, CancelledAt: b.now().UTC(), Status: o.status}, nil
}

func (b *PaperBroker) ReplaceOrder(_ context.Context, req execution.ReplaceRequest, tok *execution.InvokeToken) (*execution.ReplaceResponse, error) {
	if err := tok.Verify(); err != nil {
		return nil, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.takeFailure(); err != nil {
		return nil, err
	}

	o, err := b.openOrder(req.BrokerOrderID)
	if err != nil {
		return nil, err
	}
	if req.Quantity < o.filled {
		return nil, fmt.Errorf("broker: replace qty %d below filled %d", req.Quantity, o.filled)
	}
	o.req.Quantity = req.Quantity
	o.req.LimitPriceMicros = req.LimitPriceMicros
	if req.TimeInForce != "" {
		o.req.TimeInForce = req.TimeInForce
	}
	return &execution.ReplaceResponse{BrokerOrderID: o.brokerID, ReplacedAt: b.now().UTC(), Status: StatusReplaced}, nil
}

func (b *PaperBroker) openOrder(brokerOrderID string) (*paperOrder, error) {
	o, ok := b.byBroker[brokerOrderID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownBrokerOrder, brokerOrderID)
	}
	if !o.open() {
		return nil, fmt.Errorf("%w: %s is %s", ErrOrderClosed, brokerOrderID, o.status)
	}
	return o, nil
}

// LookupByClientOrderID implements execution.OrderLookup.
func (b *PaperBroker) LookupByClientOrderID(_ context.Context, clientOrderID string) (string, bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	o, ok := b.byClient[clientOrderID]
	if !ok {
		return "", false, nil
	}
	return o.brokerID, true, nil
}

// OpenOrders returns client order id -> broker order id for every open order.
func (b *PaperBroker) OpenOrders(_ context.Context) (map[string]string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make(map[string]string)
	for _, o := range b.byBroker {
		if o.open() {
			out[o.clientID] = o.brokerID
		}
	}
	return out, nil
}

// Fill executes qty of an open order at priceMicros and returns the
// execution report the broker would stream. The order closes once fully
// filled.
func (b *PaperBroker) Fill(clientOrderID string, qty, priceMicros, feeMicros int64) (model.BrokerFill, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	o, ok := b.byClient[clientOrderID]
	if !ok {
		return model.BrokerFill{}, fmt.Errorf("%w: client %s", ErrUnknownBrokerOrder, clientOrderID)
	}
	if !o.open() {
		return model.BrokerFill{}, fmt.Errorf("%w: %s is %s", ErrOrderClosed, o.brokerID, o.status)
	}
	if qty <= 0 || o.filled+qty > o.req.Quantity {
		return model.BrokerFill{}, fmt.Errorf("broker: fill qty %d invalid, %d of %d filled", qty, o.filled, o.req.Quantity)
	}

	o.filled += qty
	final := o.filled == o.req.Quantity
	if final {
		o.status = StatusFilled
	}
	b.seq++
	return model.BrokerFill{
		BrokerMessageID: fmt.Sprintf("%s-%d", o.brokerID, b.seq),
		SeqNo:           b.seq,
		InternalOrderID: o.clientID,
		Symbol:          o.req.Symbol,
		Side:            o.req.Side,
		Qty:             qty,
		PriceMicros:     priceMicros,
		FeeMicros:       feeMicros,
		Final:           final,
	}, nil
}

// SubmitCount returns how many submit calls reached the broker, including
// duplicates.
func (b *PaperBroker) SubmitCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.submits
}

// ClientOrderIDs returns every client order id the broker has accepted, sorted.
func (b *PaperBroker) ClientOrderIDs() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]string, 0, len(b.byClient))
	for id := range b.byClient {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}
