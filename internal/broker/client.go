package broker

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/tidwall/gjson"
)

// Client talks to one account's broker host. Every method returns either a
// decoded result or a typed error: *TransportError for network-level
// failures, *BusinessRejection for non-success envelopes.
type Client struct {
	hostURL string
	apiKey  string
	http    *http.Client
	limiter *rateLimiter
}

type ClientOption func(*Client)

func WithHTTPClient(h *http.Client) ClientOption {
	return func(c *Client) {
		if h != nil {
			c.http = h
		}
	}
}

func WithRateLimit(perSec float64) ClientOption {
	return func(c *Client) { c.limiter = newRateLimiter(perSec) }
}

func NewClient(hostURL, apiKey string, opts ...ClientOption) *Client {
	c := &Client{
		hostURL: strings.TrimRight(strings.TrimSpace(hostURL), "/"),
		apiKey:  apiKey,
		http:    &http.Client{Timeout: 10 * time.Second},
		limiter: newRateLimiter(1),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(c)
		}
	}
	return c
}

func (c *Client) PlaceOrder(ctx context.Context, req OrderRequest) (OrderAck, error) {
	priceType := req.PriceType
	if priceType == "" {
		priceType = "MARKET"
	}
	product := req.Product
	if product == "" {
		product = "MIS"
	}
	payload := map[string]any{
		"strategy":  req.Strategy,
		"symbol":    strings.ToUpper(strings.TrimSpace(req.Symbol)),
		"exchange":  strings.ToUpper(strings.TrimSpace(req.Exchange)),
		"action":    strings.ToUpper(strings.TrimSpace(req.Side)),
		"quantity":  req.Quantity,
		"pricetype": priceType,
		"product":   product,
	}
	if req.Price > 0 {
		payload["price"] = req.Price
	}
	body, err := c.post(ctx, "placeorder", payload)
	if err != nil {
		return OrderAck{}, err
	}
	orderID := body.Get("orderid").String()
	if orderID == "" {
		orderID = body.Get("data.orderid").String()
	}
	if orderID == "" {
		return OrderAck{}, &BusinessRejection{Op: "placeorder", Message: "missing orderid in response"}
	}
	return OrderAck{OrderID: orderID}, nil
}

func (c *Client) CancelOrder(ctx context.Context, orderID string) error {
	_, err := c.post(ctx, "cancelorder", map[string]any{"orderid": orderID})
	return err
}

func (c *Client) OrderStatus(ctx context.Context, orderID, strategy string) (OrderState, error) {
	body, err := c.post(ctx, "orderstatus", map[string]any{
		"orderid":  orderID,
		"strategy": strategy,
	})
	if err != nil {
		return OrderState{}, err
	}
	data := body.Get("data")
	// OpenAlgo reports "order_status", not "status", inside data.
	return OrderState{
		OrderID:      orderID,
		Status:       strings.ToLower(data.Get("order_status").String()),
		AveragePrice: data.Get("average_price").Float(),
	}, nil
}

func (c *Client) Quotes(ctx context.Context, symbol, exchange string) (Quote, error) {
	body, err := c.post(ctx, "quotes", map[string]any{
		"symbol":   strings.ToUpper(strings.TrimSpace(symbol)),
		"exchange": strings.ToUpper(strings.TrimSpace(exchange)),
	})
	if err != nil {
		return Quote{}, err
	}
	ltp := body.Get("data.ltp").Float()
	if ltp <= 0 {
		return Quote{}, &BusinessRejection{Op: "quotes", Message: fmt.Sprintf("no ltp for %s", symbol)}
	}
	return Quote{Symbol: symbol, Exchange: exchange, LTP: ltp, At: time.Now()}, nil
}

func (c *Client) Positions(ctx context.Context) ([]PositionRow, error) {
	body, err := c.post(ctx, "positionbook", map[string]any{})
	if err != nil {
		return nil, err
	}
	var rows []PositionRow
	body.Get("data").ForEach(func(_, row gjson.Result) bool {
		rows = append(rows, PositionRow{
			Symbol:   row.Get("symbol").String(),
			Exchange: row.Get("exchange").String(),
			Product:  row.Get("product").String(),
			Quantity: int(row.Get("quantity").Int()),
			LTP:      row.Get("ltp").Float(),
		})
		return true
	})
	return rows, nil
}

func (c *Client) Funds(ctx context.Context) (Funds, error) {
	body, err := c.post(ctx, "funds", map[string]any{})
	if err != nil {
		return Funds{}, err
	}
	return Funds{
		AvailableCash:  body.Get("data.availablecash").Float(),
		UtilizedMargin: body.Get("data.utiliseddebits").Float(),
	}, nil
}

// Ping validates connectivity and API key authentication.
func (c *Client) Ping(ctx context.Context) error {
	_, err := c.post(ctx, "ping", map[string]any{})
	return err
}

// post sends one API call and decodes the envelope. A non-"success" status
// is treated identically to a transport failure from the caller's point of
// view: an error, typed so retry policy can distinguish the two.
func (c *Client) post(ctx context.Context, endpoint string, payload map[string]any) (gjson.Result, error) {
	if c.limiter != nil {
		if err := c.limiter.wait(ctx); err != nil {
			return gjson.Result{}, &TransportError{Op: endpoint, Err: err}
		}
	}
	payload["apikey"] = c.apiKey
	raw, err := json.Marshal(payload)
	if err != nil {
		return gjson.Result{}, &TransportError{Op: endpoint, Err: err}
	}
	url := fmt.Sprintf("%s/api/v1/%s", c.hostURL, endpoint)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(raw))
	if err != nil {
		return gjson.Result{}, &TransportError{Op: endpoint, Err: err}
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return gjson.Result{}, &TransportError{Op: endpoint, Err: err}
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return gjson.Result{}, &TransportError{Op: endpoint, Err: err}
	}
	if resp.StatusCode >= 500 {
		return gjson.Result{}, &TransportError{Op: endpoint, Err: fmt.Errorf("http %d", resp.StatusCode)}
	}
	if !gjson.ValidBytes(body) {
		return gjson.Result{}, &TransportError{Op: endpoint, Err: fmt.Errorf("invalid json body")}
	}
	parsed := gjson.ParseBytes(body)
	if parsed.Get("status").String() != "success" {
		msg := parsed.Get("message").String()
		if msg == "" {
			msg = fmt.Sprintf("http %d", resp.StatusCode)
		}
		return gjson.Result{}, &BusinessRejection{Op: endpoint, Message: msg}
	}
	return parsed, nil
}
