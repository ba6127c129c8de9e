package broker

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/alpacahq/alpaca-trade-api-go/v3/alpaca"
	"github.com/shopspring/decimal"

	"github.com/mqk/execution-engine/internal/execution"
	"github.com/mqk/execution-engine/internal/model"
)

// alpacaClient is the subset of *alpaca.Client the adapter uses.
type alpacaClient interface {
	PlaceOrder(req alpaca.PlaceOrderRequest) (*alpaca.Order, error)
	CancelOrder(orderID string) error
	ReplaceOrder(orderID string, req alpaca.ReplaceOrderRequest) (*alpaca.Order, error)
	GetOrderByClientOrderID(clientOrderID string) (*alpaca.Order, error)
	GetOrders(req alpaca.GetOrdersRequest) ([]alpaca.Order, error)
}

// AlpacaBroker is the live adapter. Micros are converted to decimals here
// and nowhere else.
type AlpacaBroker struct {
	client alpacaClient
}

// NewAlpacaBroker builds an adapter for the given credentials. An empty
// baseURL uses the client's default endpoint.
func NewAlpacaBroker(apiKey, apiSecret, baseURL string) *AlpacaBroker {
	return &AlpacaBroker{client: alpaca.NewClient(alpaca.ClientOpts{
		APIKey:    apiKey,
		APISecret: apiSecret,
		BaseURL:   baseURL,
	})}
}

func (b *AlpacaBroker) SubmitOrder(_ context.Context, req execution.SubmitRequest, tok *execution.InvokeToken) (*execution.SubmitResponse, error) {
	if err := tok.Verify(); err != nil {
		return nil, err
	}
	side, err := alpacaSide(req.Side)
	if err != nil {
		return nil, err
	}
	orderType, err := alpacaOrderType(req.OrderType)
	if err != nil {
		return nil, err
	}
	tif, err := alpacaTIF(req.TimeInForce)
	if err != nil {
		return nil, err
	}

	qty := decimal.NewFromInt(req.Quantity)
	place := alpaca.PlaceOrderRequest{
		Symbol:        req.Symbol,
		Qty:           &qty,
		Side:          side,
		Type:          orderType,
		TimeInForce:   tif,
		ClientOrderID: req.OrderID,
	}
	if req.LimitPriceMicros != nil {
		px := execution.MicrosToDecimal(*req.LimitPriceMicros)
		place.LimitPrice = &px
	}

	o, err := b.client.PlaceOrder(place)
	if err != nil {
		return nil, fmt.Errorf("alpaca place order %s: %w", req.OrderID, err)
	}
	return &execution.SubmitResponse{BrokerOrderID: o.ID, SubmittedAt: o.SubmittedAt, Status: o.Status}, nil
}

func (b *AlpacaBroker) CancelOrder(_ context.Context, brokerOrderID string, tok *execution.InvokeToken) (*execution.CancelResponse, error) {
	if err := tok.Verify(); err != nil {
		return nil, err
	}
	if err := b.client.CancelOrder(brokerOrderID); err != nil {
		return nil, fmt.Errorf("alpaca cancel order %s: %w", brokerOrderID, err)
	}
	// Alpaca cancels asynchronously; the final state arrives as an event.
	return &execution.CancelResponse{BrokerOrderID: brokerOrderID, Status: "pending_cancel"}, nil
}

func (b *AlpacaBroker) ReplaceOrder(_ context.Context, req execution.ReplaceRequest, tok *execution.InvokeToken) (*execution.ReplaceResponse, error) {
	if err := tok.Verify(); err != nil {
		return nil, err
	}
	qty := decimal.NewFromInt(req.Quantity)
	replace := alpaca.ReplaceOrderRequest{Qty: &qty}
	if req.LimitPriceMicros != nil {
		px := execution.MicrosToDecimal(*req.LimitPriceMicros)
		replace.LimitPrice = &px
	}
	if req.TimeInForce != "" {
		tif, err := alpacaTIF(req.TimeInForce)
		if err != nil {
			return nil, err
		}
		replace.TimeInForce = tif
	}

	o, err := b.client.ReplaceOrder(req.BrokerOrderID, replace)
	if err != nil {
		return nil, fmt.Errorf("alpaca replace order %s: %w", req.BrokerOrderID, err)
	}
	// Replacement issues a new broker order id.
	return &execution.ReplaceResponse{BrokerOrderID: o.ID, ReplacedAt: o.SubmittedAt, Status: o.Status}, nil
}

// LookupByClientOrderID implements execution.OrderLookup. A 404 means the
// broker never received the order.
func (b *AlpacaBroker) LookupByClientOrderID(_ context.Context, clientOrderID string) (string, bool, error) {
	o, err := b.client.GetOrderByClientOrderID(clientOrderID)
	if err != nil {
		var apiErr *alpaca.APIError
		if errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusNotFound {
			return "", false, nil
		}
		return "", false, fmt.Errorf("alpaca lookup %s: %w", clientOrderID, err)
	}
	return o.ID, true, nil
}

// OpenOrders returns client order id -> broker order id for open orders.
func (b *AlpacaBroker) OpenOrders(_ context.Context) (map[string]string, error) {
	orders, err := b.client.GetOrders(alpaca.GetOrdersRequest{Status: "open", Limit: 500})
	if err != nil {
		return nil, fmt.Errorf("alpaca list open orders: %w", err)
	}
	out := make(map[string]string, len(orders))
	for _, o := range orders {
		out[o.ClientOrderID] = o.ID
	}
	return out, nil
}

func alpacaSide(s model.Side) (alpaca.Side, error) {
	switch s {
	case model.Buy:
		return alpaca.Buy, nil
	case model.Sell:
		return alpaca.Sell, nil
	}
	return "", fmt.Errorf("alpaca: unsupported side %q", s)
}

func alpacaOrderType(t string) (alpaca.OrderType, error) {
	switch strings.ToLower(t) {
	case "", "market":
		return alpaca.Market, nil
	case "limit":
		return alpaca.Limit, nil
	}
	return "", fmt.Errorf("alpaca: unsupported order type %q", t)
}

func alpacaTIF(t string) (alpaca.TimeInForce, error) {
	switch strings.ToLower(t) {
	case "", "day":
		return alpaca.Day, nil
	case "gtc":
		return alpaca.GTC, nil
	case "ioc":
		return alpaca.IOC, nil
	case "fok":
		return alpaca.FOK, nil
	}
	return "", fmt.Errorf("alpaca: unsupported time in force %q", t)
}
