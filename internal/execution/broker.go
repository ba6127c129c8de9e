package execution

import (
	"context"
	"errors"
	"time"

	"github.com/mqk/execution-engine/internal/model"
)

// SubmitRequest is the broker-facing new order. Prices are integer micros;
// adapters convert at the wire.
type SubmitRequest struct {
	OrderID          string     `json:"order_id"`
	Symbol           string     `json:"symbol"`
	Side             model.Side `json:"side"`
	Quantity         int64      `json:"quantity"`
	OrderType        string     `json:"order_type"`
	LimitPriceMicros *int64     `json:"limit_price_micros,omitempty"`
	TimeInForce      string     `json:"time_in_force"`
}

// SubmitRequestFromIntent builds the request for a persisted intent.
func SubmitRequestFromIntent(in model.OrderIntent) SubmitRequest {
	return SubmitRequest{
		OrderID:          in.IdempotencyKey,
		Symbol:           in.Symbol,
		Side:             in.Side,
		Quantity:         in.Quantity,
		OrderType:        in.OrderType,
		LimitPriceMicros: in.LimitPriceMicros,
		TimeInForce:      in.TimeInForce,
	}
}

type SubmitResponse struct {
	BrokerOrderID string    `json:"broker_order_id"`
	SubmittedAt   time.Time `json:"submitted_at"`
	Status        string    `json:"status"`
}

type CancelResponse struct {
	BrokerOrderID string    `json:"broker_order_id"`
	CancelledAt   time.Time `json:"cancelled_at"`
	Status        string    `json:"status"`
}

type ReplaceRequest struct {
	BrokerOrderID    string `json:"broker_order_id"`
	Quantity         int64  `json:"quantity"`
	LimitPriceMicros *int64 `json:"limit_price_micros,omitempty"`
	TimeInForce      string `json:"time_in_force"`
}

type ReplaceResponse struct {
	BrokerOrderID string    `json:"broker_order_id"`
	ReplacedAt    time.Time `json:"replaced_at"`
	Status        string    `json:"status"`
}

// BrokerAdapter performs broker operations. Implementations must call
// Verify on the token before doing anything, which makes the Gateway the
// only code able to reach them.
type BrokerAdapter interface {
	SubmitOrder(ctx context.Context, req SubmitRequest, tok *InvokeToken) (*SubmitResponse, error)
	CancelOrder(ctx context.Context, brokerOrderID string, tok *InvokeToken) (*CancelResponse, error)
	ReplaceOrder(ctx context.Context, req ReplaceRequest, tok *InvokeToken) (*ReplaceResponse, error)
}

// OrderLookup queries live broker state by client order id. It is read
// only and therefore not gated.
type OrderLookup interface {
	LookupByClientOrderID(ctx context.Context, clientOrderID string) (brokerOrderID string, found bool, err error)
}

// ErrForgedToken is returned by adapters handed a token the gateway did not mint.
var ErrForgedToken = errors.New("execution: broker invoked without a gateway token")

// InvokeToken proves a call came through the Gateway. Its only field is
// unexported, so code outside this package can build the zero value but
// never a valid token.
type InvokeToken struct {
	minted bool
}

func mint() *InvokeToken { return &InvokeToken{minted: true} }

// Verify returns ErrForgedToken unless the token was minted by a Gateway.
func (t *InvokeToken) Verify() error {
	if t == nil || !t.minted {
		return ErrForgedToken
	}
	return nil
}
