// Package binance implements the exchange contract against the Binance
// spot API: REST for market data and order management, websockets for
// streams. Requests are paced against the venue's weight budget and
// signed request timestamps are corrected to server time.
package binance

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"

	"trading-engine/pkg/exchange"
)

// Request weights per the venue's published limits.
const (
	weightKlines       = 2
	weightTicker       = 2
	weightOrder        = 1
	weightOpenOrders   = 3
	weightAccount      = 10
	weightExchangeInfo = 10
)

// Config holds Binance credentials and connection options.
type Config struct {
	APIKey     string
	APISecret  string
	Testnet    bool
	RecvWindow int64 // ms
}

// Client is the Binance spot REST client.
type Client struct {
	cfg        Config
	baseURL    string
	httpClient *http.Client
	limiter    *exchange.WeightLimiter
	clock      *exchange.Clock
	filters    *filterTable
}

// New builds a REST client; Testnet switches the base URL.
func New(cfg Config) *Client {
	base := "https://api.binance.com"
	if cfg.Testnet {
		base = "https://testnet.binance.vision"
	}
	if cfg.RecvWindow == 0 {
		cfg.RecvWindow = 5000
	}
	c := &Client{
		cfg:        cfg,
		baseURL:    base,
		httpClient: &http.Client{Timeout: 10 * time.Second},
		limiter:    exchange.NewWeightLimiter(1200),
		filters:    newFilterTable(),
	}
	c.clock = exchange.NewClock(c.GetServerTime)
	return c
}

// Start begins background server-time synchronization. Optional; without
// it signed requests use the local clock.
func (c *Client) Start(ctx context.Context) {
	c.clock.Start(ctx)
}

// RateUsage reports the last observed weight against the budget.
func (c *Client) RateUsage() (used, limit int, pct float64) {
	return c.limiter.Usage()
}

// GetServerTime fetches the venue's clock in unix ms.
func (c *Client) GetServerTime(ctx context.Context) (int64, error) {
	body, err := c.getPublic(ctx, "/api/v3/time", nil, 1)
	if err != nil {
		return 0, err
	}
	var resp struct {
		ServerTime int64 `json:"serverTime"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return 0, fmt.Errorf("decode server time: %w", err)
	}
	return resp.ServerTime, nil
}

// GetKlines fetches up to limit closed candles, ascending by open time.
// startTime/endTime are unix ms; zero leaves the bound unset.
func (c *Client) GetKlines(ctx context.Context, symbol, interval string, limit int, startTime, endTime int64) ([]exchange.Kline, error) {
	params := url.Values{}
	params.Set("symbol", symbol)
	params.Set("interval", interval)
	if limit > 0 {
		params.Set("limit", strconv.Itoa(limit))
	}
	if startTime > 0 {
		params.Set("startTime", strconv.FormatInt(startTime, 10))
	}
	if endTime > 0 {
		params.Set("endTime", strconv.FormatInt(endTime, 10))
	}

	body, err := c.getPublic(ctx, "/api/v3/klines", params, weightKlines)
	if err != nil {
		return nil, err
	}

	var raw [][]any
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, fmt.Errorf("decode klines: %w", err)
	}
	klines := make([]exchange.Kline, 0, len(raw))
	for _, item := range raw {
		// The venue returns 12 fields per kline; we need the first 7.
		if len(item) < 7 {
			continue
		}
		klines = append(klines, exchange.Kline{
			Symbol:    symbol,
			OpenTime:  toInt64(item[0]),
			Open:      toFloat(item[1]),
			High:      toFloat(item[2]),
			Low:       toFloat(item[3]),
			Close:     toFloat(item[4]),
			Volume:    toFloat(item[5]),
			CloseTime: toInt64(item[6]),
		})
	}
	return klines, nil
}

// GetTicker fetches the 24h rolling ticker for one symbol.
func (c *Client) GetTicker(ctx context.Context, symbol string) (*exchange.Ticker, error) {
	params := url.Values{}
	params.Set("symbol", symbol)
	body, err := c.getPublic(ctx, "/api/v3/ticker/24hr", params, weightTicker)
	if err != nil {
		return nil, err
	}
	var raw struct {
		Symbol             string `json:"symbol"`
		PriceChange        string `json:"priceChange"`
		PriceChangePercent string `json:"priceChangePercent"`
		LastPrice          string `json:"lastPrice"`
		BidPrice           string `json:"bidPrice"`
		AskPrice           string `json:"askPrice"`
		Volume             string `json:"volume"`
		CloseTime          int64  `json:"closeTime"`
	}
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, fmt.Errorf("decode ticker: %w", err)
	}
	return &exchange.Ticker{
		Symbol:       raw.Symbol,
		Last:         toFloat(raw.LastPrice),
		Bid:          toFloat(raw.BidPrice),
		Ask:          toFloat(raw.AskPrice),
		Volume24h:    toFloat(raw.Volume),
		Change24h:    toFloat(raw.PriceChange),
		ChangePct24h: toFloat(raw.PriceChangePercent),
		Timestamp:    time.UnixMilli(raw.CloseTime),
	}, nil
}

// PlaceOrder submits an order. Quantity and price are floored to the
// symbol's lot step and tick when filters are loaded.
func (c *Client) PlaceOrder(ctx context.Context, req exchange.OrderRequest) (*exchange.OrderResult, error) {
	if f, ok := c.filters.get(req.Symbol); ok {
		req.Quantity = f.QuantizeQty(req.Quantity)
		if req.Price > 0 {
			req.Price = f.QuantizePrice(req.Price)
		}
		if err := f.CheckOrder(req.Quantity, req.Price); err != nil {
			return nil, fmt.Errorf("binance %s: %w", req.Symbol, err)
		}
	}
	if req.Quantity <= 0 {
		return nil, fmt.Errorf("binance %s: quantity must be positive", req.Symbol)
	}

	ordType := req.Type
	if ordType == "" {
		ordType = exchange.OrderTypeMarket
	}
	params := url.Values{}
	params.Set("symbol", req.Symbol)
	params.Set("side", string(req.Side))
	params.Set("type", string(ordType))
	params.Set("quantity", formatFloat(req.Quantity))
	params.Set("newOrderRespType", "FULL")

	if ordType == exchange.OrderTypeLimit || ordType == exchange.OrderTypeLimitMaker {
		params.Set("price", formatFloat(req.Price))
	}
	if ordType == exchange.OrderTypeLimit {
		tif := req.TimeInForce
		if tif == "" {
			tif = exchange.TimeInForceGTC
		}
		params.Set("timeInForce", string(tif))
	}
	if ordType == exchange.OrderTypeStopLoss || ordType == exchange.OrderTypeTakeProfit {
		params.Set("stopPrice", formatFloat(req.StopPrice))
	}
	if req.ClientOrderID != "" {
		params.Set("newClientOrderId", req.ClientOrderID)
	}

	body, _, err := c.doSigned(ctx, http.MethodPost, "/api/v3/order", params, weightOrder)
	if err != nil {
		return nil, err
	}
	var resp orderResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("decode order response: %w", err)
	}
	return resp.result(), nil
}

// CancelOrder cancels one order by exchange ID.
func (c *Client) CancelOrder(ctx context.Context, symbol, exchangeOrderID string) error {
	params := url.Values{}
	params.Set("symbol", symbol)
	if exchangeOrderID != "" {
		params.Set("orderId", exchangeOrderID)
	}
	_, _, err := c.doSigned(ctx, http.MethodDelete, "/api/v3/order", params, weightOrder)
	return err
}

// GetOrderStatus fetches the current state of one order.
func (c *Client) GetOrderStatus(ctx context.Context, symbol, exchangeOrderID string) (*exchange.OrderResult, error) {
	params := url.Values{}
	params.Set("symbol", symbol)
	params.Set("orderId", exchangeOrderID)
	body, err := c.getSigned(ctx, "/api/v3/order", params, weightOrder)
	if err != nil {
		return nil, err
	}
	var resp orderResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("decode order: %w", err)
	}
	return resp.result(), nil
}

// GetOpenOrders lists open orders; an empty symbol means all symbols.
func (c *Client) GetOpenOrders(ctx context.Context, symbol string) ([]exchange.OrderResult, error) {
	params := url.Values{}
	if symbol != "" {
		params.Set("symbol", symbol)
	}
	body, err := c.getSigned(ctx, "/api/v3/openOrders", params, weightOpenOrders)
	if err != nil {
		return nil, err
	}
	var resp []orderResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("decode open orders: %w", err)
	}
	out := make([]exchange.OrderResult, 0, len(resp))
	for _, r := range resp {
		out = append(out, *r.result())
	}
	return out, nil
}

// GetAccountBalance returns one asset's balance; an asset the account
// never touched reads as zero.
func (c *Client) GetAccountBalance(ctx context.Context, asset string) (*exchange.Balance, error) {
	body, err := c.getSigned(ctx, "/api/v3/account", nil, weightAccount)
	if err != nil {
		return nil, err
	}
	var info struct {
		Balances []struct {
			Asset  string `json:"asset"`
			Free   string `json:"free"`
			Locked string `json:"locked"`
		} `json:"balances"`
	}
	if err := json.Unmarshal(body, &info); err != nil {
		return nil, fmt.Errorf("decode account info: %w", err)
	}
	for _, b := range info.Balances {
		if b.Asset == asset {
			return &exchange.Balance{
				Asset:  b.Asset,
				Free:   toFloat(b.Free),
				Locked: toFloat(b.Locked),
			}, nil
		}
	}
	return &exchange.Balance{Asset: asset}, nil
}

// LoadFilters fetches the lot/tick/notional constraints for the given
// symbols so order submissions can be quantized locally.
func (c *Client) LoadFilters(ctx context.Context, symbols ...string) error {
	if len(symbols) == 0 {
		return nil
	}
	list, err := json.Marshal(symbols)
	if err != nil {
		return err
	}
	params := url.Values{}
	params.Set("symbols", string(list))
	body, err := c.getPublic(ctx, "/api/v3/exchangeInfo", params, weightExchangeInfo)
	if err != nil {
		return err
	}
	return c.filters.load(body)
}

// Filters returns the loaded constraints for a symbol.
func (c *Client) Filters(symbol string) (SymbolFilters, bool) {
	return c.filters.get(symbol)
}

// getPublic performs an unsigned GET with retry on transient failures.
func (c *Client) getPublic(ctx context.Context, path string, params url.Values, weight int) ([]byte, error) {
	u := c.baseURL + path
	if len(params) > 0 {
		u += "?" + params.Encode()
	}
	var body []byte
	op := func() error {
		if err := c.limiter.Wait(ctx, weight); err != nil {
			return backoff.Permanent(err)
		}
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
		if err != nil {
			return backoff.Permanent(err)
		}
		b, status, err := c.do(req)
		if err != nil {
			if !retryable(status) {
				return backoff.Permanent(err)
			}
			return err
		}
		body = b
		return nil
	}
	if err := backoff.Retry(op, c.newBackOff(ctx)); err != nil {
		return nil, err
	}
	return body, nil
}

// getSigned performs a signed GET with retry. Each attempt is signed
// fresh so the timestamp stays inside the recv window.
func (c *Client) getSigned(ctx context.Context, path string, params url.Values, weight int) ([]byte, error) {
	var body []byte
	op := func() error {
		b, status, err := c.doSigned(ctx, http.MethodGet, path, cloneValues(params), weight)
		if err != nil {
			if !retryable(status) {
				return backoff.Permanent(err)
			}
			return err
		}
		body = b
		return nil
	}
	if err := backoff.Retry(op, c.newBackOff(ctx)); err != nil {
		return nil, err
	}
	return body, nil
}

// doSigned signs the parameters and performs the request. Not retried at
// this level: order placement is not idempotent.
func (c *Client) doSigned(ctx context.Context, method, path string, params url.Values, weight int) ([]byte, int, error) {
	if c.cfg.APIKey == "" || c.cfg.APISecret == "" {
		return nil, 0, errors.New("binance: API key/secret required")
	}
	if err := c.limiter.Wait(ctx, weight); err != nil {
		return nil, 0, err
	}
	if params == nil {
		params = url.Values{}
	}
	params.Set("timestamp", strconv.FormatInt(c.clock.NowMs(), 10))
	params.Set("recvWindow", strconv.FormatInt(c.cfg.RecvWindow, 10))
	params.Set("signature", sign(params.Encode(), c.cfg.APISecret))

	var (
		req *http.Request
		err error
	)
	encoded := params.Encode()
	endpoint := c.baseURL + path
	switch method {
	case http.MethodGet, http.MethodDelete:
		// Signed params travel in the query string for GET/DELETE.
		req, err = http.NewRequestWithContext(ctx, method, endpoint+"?"+encoded, nil)
	default:
		// POST sends them as a form body.
		req, err = http.NewRequestWithContext(ctx, method, endpoint, strings.NewReader(encoded))
		if err == nil {
			req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
		}
	}
	if err != nil {
		return nil, 0, err
	}
	req.Header.Set("X-MBX-APIKEY", c.cfg.APIKey)
	return c.do(req)
}

// do performs the request, feeds the used-weight header back into the
// limiter and normalizes non-2xx responses into errors.
func (c *Client) do(req *http.Request) ([]byte, int, error) {
	res, err := c.httpClient.Do(req)
	if err != nil {
		return nil, 0, err
	}
	defer res.Body.Close()

	c.limiter.Observe(res.Header.Get("X-MBX-USED-WEIGHT-1M"))

	body, _ := io.ReadAll(res.Body)
	if res.StatusCode >= 300 {
		return nil, res.StatusCode, fmt.Errorf("binance %s %s status %d: %s",
			req.Method, req.URL.Path, res.StatusCode, strings.TrimSpace(string(body)))
	}
	return body, res.StatusCode, nil
}

func (c *Client) newBackOff(ctx context.Context) backoff.BackOff {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 500 * time.Millisecond
	bo.MaxInterval = 5 * time.Second
	return backoff.WithContext(backoff.WithMaxRetries(bo, 3), ctx)
}

// retryable reports whether the attempt may succeed if repeated. Client
// errors other than 429 will not.
func retryable(status int) bool {
	return status == 0 || status == http.StatusTooManyRequests || status >= 500
}

type orderResponse struct {
	Symbol              string `json:"symbol"`
	OrderID             int64  `json:"orderId"`
	ClientOrderID       string `json:"clientOrderId"`
	TransactTime        int64  `json:"transactTime"`
	Price               string `json:"price"`
	OrigQty             string `json:"origQty"`
	ExecutedQty         string `json:"executedQty"`
	CummulativeQuoteQty string `json:"cummulativeQuoteQty"`
	Status              string `json:"status"`
	Side                string `json:"side"`
	Fills               []struct {
		Price      string `json:"price"`
		Qty        string `json:"qty"`
		Commission string `json:"commission"`
	} `json:"fills"`
}

// result maps the venue response onto the neutral form. Price is the
// average fill price when fills executed, the quoted price otherwise.
func (r *orderResponse) result() *exchange.OrderResult {
	executed := toFloat(r.ExecutedQty)
	quote := toFloat(r.CummulativeQuoteQty)
	price := toFloat(r.Price)
	if executed > 0 && quote > 0 {
		price = quote / executed
	}
	var commission float64
	for _, f := range r.Fills {
		commission += toFloat(f.Commission)
	}
	return &exchange.OrderResult{
		ExchangeOrderID: strconv.FormatInt(r.OrderID, 10),
		ClientOrderID:   r.ClientOrderID,
		Symbol:          r.Symbol,
		Side:            exchange.Side(r.Side),
		Status:          mapStatus(r.Status),
		Price:           price,
		OrigQty:         toFloat(r.OrigQty),
		ExecutedQty:     executed,
		QuoteQty:        quote,
		Commission:      commission,
		TransactTime:    r.TransactTime,
	}
}

func mapStatus(s string) exchange.OrderStatus {
	switch strings.ToUpper(s) {
	case "NEW":
		return exchange.OrderStatusNew
	case "PARTIALLY_FILLED":
		return exchange.OrderStatusPartiallyFilled
	case "FILLED":
		return exchange.OrderStatusFilled
	case "CANCELED":
		return exchange.OrderStatusCanceled
	case "REJECTED":
		return exchange.OrderStatusRejected
	case "EXPIRED":
		return exchange.OrderStatusExpired
	default:
		return exchange.OrderStatusUnknown
	}
}

func sign(data, secret string) string {
	h := hmac.New(sha256.New, []byte(secret))
	h.Write([]byte(data))
	return hex.EncodeToString(h.Sum(nil))
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}

func cloneValues(params url.Values) url.Values {
	out := url.Values{}
	for k, vs := range params {
		for _, v := range vs {
			out.Add(k, v)
		}
	}
	return out
}

func toFloat(v any) float64 {
	switch t := v.(type) {
	case string:
		f, _ := strconv.ParseFloat(t, 64)
		return f
	case json.Number:
		f, _ := t.Float64()
		return f
	case float64:
		return t
	default:
		return 0
	}
}

func toInt64(v any) int64 {
	switch t := v.(type) {
	case float64:
		return int64(t)
	case int64:
		return t
	case json.Number:
		i, _ := t.Int64()
		return i
	default:
		return 0
	}
}
