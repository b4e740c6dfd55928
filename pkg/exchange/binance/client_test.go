package binance

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync/atomic"
	"testing"

	"trading-engine/pkg/exchange"
)

// testClient points a client at an httptest server.
func testClient(t *testing.T, handler http.Handler) (*Client, *httptest.Server) {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	c := New(Config{APIKey: "test-key", APISecret: "test-secret"})
	c.baseURL = srv.URL
	return c, srv
}

func TestGetKlines(t *testing.T) {
	var gotQuery url.Values
	c, _ := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/v3/klines" {
			t.Errorf("path = %q, expected /api/v3/klines", r.URL.Path)
		}
		gotQuery = r.URL.Query()
		w.Header().Set("X-MBX-USED-WEIGHT-1M", "12")
		_, _ = w.Write([]byte(`[
			[1700000000000,"100.0","110.0","95.0","105.0","1234.5",1700000059999,"0","0","0","0","0"],
			[1700000060000,"105.0","112.0","104.0","111.0","987.6",1700000119999,"0","0","0","0","0"]
		]`))
	}))

	klines, err := c.GetKlines(context.Background(), "BTCUSDT", "1m", 2, 1700000000000, 0)
	if err != nil {
		t.Fatalf("GetKlines() error = %v", err)
	}
	if len(klines) != 2 {
		t.Fatalf("len(klines)=%d, expected 2", len(klines))
	}
	k := klines[0]
	if k.Symbol != "BTCUSDT" || k.OpenTime != 1700000000000 || k.CloseTime != 1700000059999 {
		t.Fatalf("kline identity = %+v", k)
	}
	if k.Open != 100 || k.High != 110 || k.Low != 95 || k.Close != 105 || k.Volume != 1234.5 {
		t.Fatalf("kline OHLCV = %+v", k)
	}
	if gotQuery.Get("symbol") != "BTCUSDT" || gotQuery.Get("interval") != "1m" ||
		gotQuery.Get("limit") != "2" || gotQuery.Get("startTime") != "1700000000000" {
		t.Fatalf("query = %v", gotQuery)
	}
	if gotQuery.Has("endTime") {
		t.Fatalf("endTime sent for zero bound: %v", gotQuery)
	}
	if used, _, _ := c.RateUsage(); used != 12 {
		t.Fatalf("RateUsage() used=%d, expected 12 from response header", used)
	}
}

func TestGetTicker(t *testing.T) {
	c, _ := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{
			"symbol":"BTCUSDT","priceChange":"-100.5","priceChangePercent":"-0.25",
			"lastPrice":"40100.0","bidPrice":"40099.5","askPrice":"40100.5",
			"volume":"5000.25","closeTime":1700000000000
		}`))
	}))

	tk, err := c.GetTicker(context.Background(), "BTCUSDT")
	if err != nil {
		t.Fatalf("GetTicker() error = %v", err)
	}
	if tk.Symbol != "BTCUSDT" || tk.Last != 40100 || tk.Bid != 40099.5 || tk.Ask != 40100.5 {
		t.Fatalf("ticker prices = %+v", tk)
	}
	if tk.Volume24h != 5000.25 || tk.Change24h != -100.5 || tk.ChangePct24h != -0.25 {
		t.Fatalf("ticker stats = %+v", tk)
	}
	if tk.Timestamp.UnixMilli() != 1700000000000 {
		t.Fatalf("ticker timestamp = %v", tk.Timestamp)
	}
}

// Ensures order submission signs the form body, carries the API key
// header, and maps the FULL response including average fill price.
func TestPlaceOrderSignedAndMapped(t *testing.T) {
	c, _ := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/api/v3/order" {
			t.Errorf("%s %s, expected POST /api/v3/order", r.Method, r.URL.Path)
		}
		if got := r.Header.Get("X-MBX-APIKEY"); got != "test-key" {
			t.Errorf("X-MBX-APIKEY = %q", got)
		}
		if err := r.ParseForm(); err != nil {
			t.Fatalf("ParseForm() error = %v", err)
		}
		form := r.PostForm
		if form.Get("symbol") != "BTCUSDT" || form.Get("side") != "BUY" || form.Get("type") != "MARKET" {
			t.Errorf("order form = %v", form)
		}
		if form.Get("quantity") != "0.5" {
			t.Errorf("quantity = %q, expected 0.5", form.Get("quantity"))
		}
		if form.Get("newClientOrderId") != "client-1" {
			t.Errorf("newClientOrderId = %q", form.Get("newClientOrderId"))
		}

		// Recompute the signature over everything except the signature
		// field itself; it must match what the client sent.
		verify := url.Values{}
		for k, vs := range form {
			if k == "signature" {
				continue
			}
			for _, v := range vs {
				verify.Add(k, v)
			}
		}
		if want := sign(verify.Encode(), "test-secret"); form.Get("signature") != want {
			t.Errorf("signature = %q, expected %q", form.Get("signature"), want)
		}

		_, _ = w.Write([]byte(`{
			"symbol":"BTCUSDT","orderId":12345,"clientOrderId":"client-1",
			"transactTime":1700000000123,"price":"0.0","origQty":"0.5",
			"executedQty":"0.5","cummulativeQuoteQty":"20050.0","status":"FILLED","side":"BUY",
			"fills":[
				{"price":"40100.0","qty":"0.3","commission":"0.0003"},
				{"price":"40100.0","qty":"0.2","commission":"0.0002"}
			]
		}`))
	}))

	res, err := c.PlaceOrder(context.Background(), exchange.OrderRequest{
		Symbol:        "BTCUSDT",
		Side:          exchange.SideBuy,
		Type:          exchange.OrderTypeMarket,
		Quantity:      0.5,
		ClientOrderID: "client-1",
	})
	if err != nil {
		t.Fatalf("PlaceOrder() error = %v", err)
	}
	if res.ExchangeOrderID != "12345" || res.ClientOrderID != "client-1" {
		t.Fatalf("order identity = %+v", res)
	}
	if res.Status != exchange.OrderStatusFilled || res.Side != exchange.SideBuy {
		t.Fatalf("order state = %+v", res)
	}
	if res.ExecutedQty != 0.5 || res.QuoteQty != 20050 {
		t.Fatalf("order quantities = %+v", res)
	}
	if res.Price != 40100 {
		t.Fatalf("Price=%v, expected average fill 40100", res.Price)
	}
	if res.Commission != 0.0005 {
		t.Fatalf("Commission=%v, expected 0.0005", res.Commission)
	}
}

// Ensures loaded filters floor quantity to the lot step before the
// order goes out, and block dust below minQty.
func TestPlaceOrderQuantizes(t *testing.T) {
	var sentQty atomic.Value
	c, _ := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/v3/exchangeInfo":
			_, _ = w.Write([]byte(`{"symbols":[{"symbol":"BTCUSDT","filters":[
				{"filterType":"LOT_SIZE","stepSize":"0.001","minQty":"0.001"},
				{"filterType":"PRICE_FILTER","tickSize":"0.01"},
				{"filterType":"NOTIONAL","minNotional":"10.0"}
			]}]}`))
		case "/api/v3/order":
			_ = r.ParseForm()
			sentQty.Store(r.PostForm.Get("quantity"))
			_, _ = w.Write([]byte(`{"symbol":"BTCUSDT","orderId":1,"status":"NEW"}`))
		default:
			t.Errorf("unexpected path %s", r.URL.Path)
		}
	}))

	if err := c.LoadFilters(context.Background(), "BTCUSDT"); err != nil {
		t.Fatalf("LoadFilters() error = %v", err)
	}
	f, ok := c.Filters("BTCUSDT")
	if !ok {
		t.Fatalf("Filters() missing BTCUSDT after load")
	}
	if got := f.QuantizeQty(0.0789999); got != 0.078 {
		t.Fatalf("QuantizeQty(0.0789999)=%v, expected 0.078", got)
	}

	_, err := c.PlaceOrder(context.Background(), exchange.OrderRequest{
		Symbol:   "BTCUSDT",
		Side:     exchange.SideBuy,
		Type:     exchange.OrderTypeMarket,
		Quantity: 0.0789999,
	})
	if err != nil {
		t.Fatalf("PlaceOrder() error = %v", err)
	}
	if got := sentQty.Load(); got != "0.078" {
		t.Fatalf("sent quantity = %v, expected 0.078", got)
	}

	// Below minQty the order must be rejected locally.
	if _, err := c.PlaceOrder(context.Background(), exchange.OrderRequest{
		Symbol:   "BTCUSDT",
		Side:     exchange.SideBuy,
		Type:     exchange.OrderTypeMarket,
		Quantity: 0.0005,
	}); err == nil {
		t.Fatalf("PlaceOrder() below minQty: expected error")
	}
}

func TestGetAccountBalance(t *testing.T) {
	c, _ := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/v3/account" {
			t.Errorf("path = %q", r.URL.Path)
		}
		if r.URL.Query().Get("signature") == "" {
			t.Errorf("account request not signed: %v", r.URL.Query())
		}
		_, _ = w.Write([]byte(`{"balances":[
			{"asset":"BTC","free":"0.5","locked":"0.1"},
			{"asset":"USDT","free":"1000.0","locked":"0.0"}
		]}`))
	}))

	b, err := c.GetAccountBalance(context.Background(), "USDT")
	if err != nil {
		t.Fatalf("GetAccountBalance() error = %v", err)
	}
	if b.Asset != "USDT" || b.Free != 1000 || b.Locked != 0 {
		t.Fatalf("balance = %+v", b)
	}

	missing, err := c.GetAccountBalance(context.Background(), "DOGE")
	if err != nil {
		t.Fatalf("GetAccountBalance(DOGE) error = %v", err)
	}
	if missing.Asset != "DOGE" || missing.Free != 0 || missing.Locked != 0 {
		t.Fatalf("missing asset balance = %+v, expected zeros", missing)
	}
}

// Ensures transient server errors are retried and client errors are not.
func TestRetrySemantics(t *testing.T) {
	var calls atomic.Int64
	c, _ := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			http.Error(w, `{"code":-1001,"msg":"internal error"}`, http.StatusInternalServerError)
			return
		}
		_, _ = w.Write([]byte(`{"serverTime":1700000000000}`))
	}))

	ts, err := c.GetServerTime(context.Background())
	if err != nil {
		t.Fatalf("GetServerTime() error = %v", err)
	}
	if ts != 1700000000000 {
		t.Fatalf("GetServerTime()=%d", ts)
	}
	if n := calls.Load(); n != 2 {
		t.Fatalf("server calls = %d, expected 2 (one retry)", n)
	}

	var badCalls atomic.Int64
	bad, _ := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		badCalls.Add(1)
		http.Error(w, `{"code":-1121,"msg":"Invalid symbol."}`, http.StatusBadRequest)
	}))
	if _, err := bad.GetTicker(context.Background(), "NOPE"); err == nil {
		t.Fatalf("GetTicker() on 400: expected error")
	}
	if n := badCalls.Load(); n != 1 {
		t.Fatalf("server calls = %d, expected 1 (no retry on 4xx)", n)
	}
}

func TestOrderStatusMapping(t *testing.T) {
	cases := map[string]exchange.OrderStatus{
		"NEW":              exchange.OrderStatusNew,
		"partially_filled": exchange.OrderStatusPartiallyFilled,
		"FILLED":           exchange.OrderStatusFilled,
		"CANCELED":         exchange.OrderStatusCanceled,
		"REJECTED":         exchange.OrderStatusRejected,
		"EXPIRED":          exchange.OrderStatusExpired,
		"PENDING_CANCEL":   exchange.OrderStatusUnknown,
	}
	for in, want := range cases {
		if got := mapStatus(in); got != want {
			t.Fatalf("mapStatus(%q)=%v, expected %v", in, got, want)
		}
	}
}

func TestCheckOrderNotional(t *testing.T) {
	body, _ := json.Marshal(map[string]any{
		"symbols": []map[string]any{{
			"symbol": "ETHUSDT",
			"filters": []map[string]any{
				{"filterType": "LOT_SIZE", "stepSize": "0.0001", "minQty": "0.0001"},
				{"filterType": "MIN_NOTIONAL", "minNotional": "10.0"},
			},
		}},
	})
	table := newFilterTable()
	if err := table.load(body); err != nil {
		t.Fatalf("load() error = %v", err)
	}
	f, _ := table.get("ETHUSDT")

	if err := f.CheckOrder(0.001, 2000); err == nil {
		t.Fatalf("CheckOrder() notional 2: expected error below minNotional 10")
	}
	if err := f.CheckOrder(0.01, 2000); err != nil {
		t.Fatalf("CheckOrder() notional 20: error = %v", err)
	}
	// Market orders carry no price; the notional check is skipped.
	if err := f.CheckOrder(0.001, 0); err != nil {
		t.Fatalf("CheckOrder() without price: error = %v", err)
	}
}
