package bitunix

import (
	"encoding/json"
	"fmt"
	"strconv"
	"time"
)

// Response is the generic envelope the exchange wraps every account/
// trading endpoint response in.
type Response struct {
	Code int             `json:"code"`
	Msg  string          `json:"msg"`
	Data json.RawMessage `json:"data,omitempty"`
}

// do issues a signed request against path and decodes the envelope
// into resp, mirroring Place's signing approach.
func (c *Client) do(method, path string, body interface{}) (*Response, error) {
	ts := strconv.FormatInt(time.Now().UnixMilli(), 10)
	sign := Sign(c.secret, ts, c.key, ts)

	resp := &Response{}
	req := c.rest.R().
		SetHeader("api-key", c.key).
		SetHeader("nonce", ts).
		SetHeader("timestamp", ts).
		SetHeader("sign", sign).
		SetResult(resp)
	if body != nil {
		req.SetBody(body)
	}

	var err error
	switch method {
	case "GET":
		_, err = req.Get(c.base + path)
	case "POST":
		_, err = req.Post(c.base + path)
	default:
		return nil, fmt.Errorf("bitunix: unsupported method %s", method)
	}
	if err != nil {
		return nil, classifyTransportErr(fmt.Errorf("bitunix: request %s %s: %w", method, path, err))
	}
	return resp, nil
}

func respHasError(resp *Response) error {
	if resp.Code != 0 {
		return &APIError{Class: classifyCode(resp.Code, resp.Msg), Code: resp.Code, Message: resp.Msg}
	}
	return nil
}

// PositionMode is the hedge/one-way account-level position mode.
type PositionMode string

const (
	PositionModeOneWay PositionMode = "ONE_WAY"
	PositionModeHedge  PositionMode = "HEDGE"
)

// ExchangePosition is an open position as reported by the exchange,
// used for post-restart reconciliation against the persisted position.
type ExchangePosition struct {
	Symbol        string  `json:"symbol"`
	Side          string  `json:"side"`
	Quantity      float64 `json:"qty,string"`
	EntryPrice    float64 `json:"entryPrice,string"`
	Leverage      int     `json:"leverage"`
	UnrealizedPnL float64 `json:"unrealizedPnl,string"`
}

// Balance is the account's available/used USDT margin balance.
type Balance struct {
	Asset     string  `json:"asset"`
	Available float64 `json:"available,string"`
	Used      float64 `json:"used,string"`
	Total     float64 `json:"total,string"`
}

// FetchPositions returns all currently open positions on the account,
// used at startup to reconcile against persisted state.
func (c *Client) FetchPositions() ([]ExchangePosition, error) {
	resp, err := c.do("GET", "/api/v1/futures/position/get_pending_positions", nil)
	if err != nil {
		return nil, err
	}
	if err := respHasError(resp); err != nil {
		return nil, err
	}
	var positions []ExchangePosition
	if len(resp.Data) > 0 {
		if err := json.Unmarshal(resp.Data, &positions); err != nil {
			return nil, fmt.Errorf("bitunix: decode positions: %w", err)
		}
	}
	return positions, nil
}

// FetchBalance returns the USDT margin balance.
func (c *Client) FetchBalance() (Balance, error) {
	resp, err := c.do("GET", "/api/v1/futures/account/balance", nil)
	if err != nil {
		return Balance{}, err
	}
	if err := respHasError(resp); err != nil {
		return Balance{}, err
	}
	var bal Balance
	if len(resp.Data) > 0 {
		if err := json.Unmarshal(resp.Data, &bal); err != nil {
			return Balance{}, fmt.Errorf("bitunix: decode balance: %w", err)
		}
	}
	return bal, nil
}

// SetPositionMode configures one-way or hedge mode for the account.
func (c *Client) SetPositionMode(mode PositionMode) error {
	resp, err := c.do("POST", "/api/v1/futures/account/set_position_mode", map[string]string{
		"positionMode": string(mode),
	})
	if err != nil {
		return err
	}
	return respHasError(resp)
}

// PlaceOrder places an order and returns the exchange-assigned order
// ID, used by the lifecycle manager for entry/exit orders it needs to
// poll for fill confirmation (unlike Place/PlaceWithTimeout, which
// discard the ID).
func (c *Client) PlaceOrder(o OrderReq) (string, error) {
	resp, err := c.do("POST", "/api/v1/futures/trade/place_order", o)
	if err != nil {
		return "", err
	}
	if err := respHasError(resp); err != nil {
		return "", err
	}
	var out struct {
		OrderID string `json:"orderId"`
	}
	if len(resp.Data) > 0 {
		_ = json.Unmarshal(resp.Data, &out)
	}
	return out.OrderID, nil
}

// StopMarketOrder places a reduce-only stop-market order, used for
// both the initial stop-loss and trailing-stop replacement.
func (c *Client) StopMarketOrder(symbol, side string, qty, stopPrice float64) (string, error) {
	resp, err := c.do("POST", "/api/v1/futures/trade/place_order", OrderReq{
		Symbol:    symbol,
		Side:      side,
		TradeSide: "CLOSE",
		Qty:       strconv.FormatFloat(qty, 'f', -1, 64),
		OrderType: "STOP_MARKET",
		StopPrice: strconv.FormatFloat(stopPrice, 'f', -1, 64),
	})
	if err != nil {
		return "", err
	}
	if err := respHasError(resp); err != nil {
		return "", err
	}
	var out struct {
		OrderID string `json:"orderId"`
	}
	if len(resp.Data) > 0 {
		_ = json.Unmarshal(resp.Data, &out)
	}
	return out.OrderID, nil
}

// CancelOrder cancels a single open order by exchange order ID.
func (c *Client) CancelOrder(symbol, orderID string) error {
	resp, err := c.do("POST", "/api/v1/futures/trade/cancel_order", map[string]string{
		"symbol":  symbol,
		"orderId": orderID,
	})
	if err != nil {
		return err
	}
	return respHasError(resp)
}

// CancelAllOrders cancels every open order for symbol, used when a
// position closes so a stale stop/trailing order never re-triggers.
func (c *Client) CancelAllOrders(symbol string) error {
	resp, err := c.do("POST", "/api/v1/futures/trade/cancel_all_orders", map[string]string{
		"symbol": symbol,
	})
	if err != nil {
		return err
	}
	return respHasError(resp)
}

// FetchOrder returns the current status of a single order. The
// lifecycle manager does not call it; it confirms fills through
// FetchPositions.
func (c *Client) FetchOrder(symbol, orderID string) (OrderStatus, error) {
	resp, err := c.do("GET", fmt.Sprintf("/api/v1/futures/trade/order?symbol=%s&orderId=%s", symbol, orderID), nil)
	if err != nil {
		return "", err
	}
	if err := respHasError(resp); err != nil {
		return "", err
	}
	var out struct {
		Status string `json:"status"`
	}
	if len(resp.Data) > 0 {
		if err := json.Unmarshal(resp.Data, &out); err != nil {
			return "", fmt.Errorf("bitunix: decode order status: %w", err)
		}
	}
	switch out.Status {
	case "FILLED":
		return OrderStatusFilled, nil
	case "CANCELLED":
		return OrderStatusCancelled, nil
	case "REJECTED":
		return OrderStatusRejected, nil
	default:
		return OrderStatusPending, nil
	}
}

// symbolPrecision is a static lot-size/min-notional table. The
// exchange's real instrument-info endpoint would feed this at startup;
// until that's wired, unknown symbols fall back to conservative
// defaults rather than failing sizing outright.
var symbolPrecision = map[string]struct {
	lotSize     float64
	minNotional float64
}{
	"BTC/USDT": {lotSize: 0.001, minNotional: 5},
	"ETH/USDT": {lotSize: 0.01, minNotional: 5},
}

// LotPrecision returns the minimum order-quantity increment for symbol.
func (c *Client) LotPrecision(symbol string) float64 {
	if p, ok := symbolPrecision[symbol]; ok {
		return p.lotSize
	}
	return 0.001
}

// MinNotional returns the minimum order value (in quote currency) for symbol.
func (c *Client) MinNotional(symbol string) float64 {
	if p, ok := symbolPrecision[symbol]; ok {
		return p.minNotional
	}
	return 5
}
