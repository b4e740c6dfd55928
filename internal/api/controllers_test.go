package api

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"trading-engine/internal/balance"
	"trading-engine/internal/events"
	"trading-engine/internal/order"
	"trading-engine/internal/position"
	"trading-engine/internal/risk"
	"trading-engine/internal/strategy"
	"trading-engine/pkg/cache"
	"trading-engine/pkg/db"
	"trading-engine/pkg/exchange"
)

func newTestServer(t *testing.T) (*httptest.Server, *Server) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	store, err := db.Open(":memory:")
	if err != nil {
		t.Fatalf("db.Open: %v", err)
	}
	if err := store.Migrate(); err != nil {
		t.Fatalf("Migrate: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	bus := events.NewBus()
	prices := cache.New()
	balanceMgr := balance.NewFixed(100000)

	riskMgr, err := risk.NewManager(risk.DefaultConfig(), balanceMgr)
	if err != nil {
		t.Fatalf("risk.NewManager: %v", err)
	}

	eng := strategy.NewEngine(nil)
	macd, err := strategy.NewMACDStrategy("macd-btc", strategy.DefaultMACDParams())
	if err != nil {
		t.Fatalf("NewMACDStrategy: %v", err)
	}
	if err := eng.Register(macd); err != nil {
		t.Fatalf("Register: %v", err)
	}

	queue := order.NewQueue(16)
	exec := order.NewExecutor(store, bus, nil, balanceMgr)
	exec.EnableDryRun(order.SimConfig{})
	coord := position.NewCoordinator(eng, riskMgr, risk.NewStopGuard(), store, queue, exec, bus)

	srv := NewServer(bus, store, eng, riskMgr, balanceMgr, coord, queue, prices, nil,
		SystemMeta{
			DryRun:      true,
			Venue:       "binance-testnet",
			Symbols:     []string{"BTCUSDT"},
			Interval:    "1m",
			UseMockFeed: true,
			Version:     "test",
		},
		"test-secret")

	ts := httptest.NewServer(srv.Router)
	t.Cleanup(ts.Close)
	return ts, srv
}

func doJSONRequest(t *testing.T, client *http.Client, method, url, token string, payload any, out any) int {
	t.Helper()

	var buf bytes.Buffer
	if payload != nil {
		if err := json.NewEncoder(&buf).Encode(payload); err != nil {
			t.Fatalf("encode payload: %v", err)
		}
	}

	req, err := http.NewRequest(method, url, &buf)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := client.Do(req)
	if err != nil {
		t.Fatalf("do request: %v", err)
	}
	defer resp.Body.Close()

	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			t.Fatalf("decode response: %v", err)
		}
	}
	return resp.StatusCode
}

func registerAndLogin(t *testing.T, client *http.Client, baseURL string) string {
	t.Helper()
	var regResp struct {
		UserID string `json:"user_id"`
	}
	status := doJSONRequest(t, client, http.MethodPost, baseURL+"/api/auth/register", "", map[string]string{
		"username": "operator",
		"password": "correct-horse",
	}, &regResp)
	if status != http.StatusCreated {
		t.Fatalf("register status=%d resp=%+v", status, regResp)
	}
	if regResp.UserID == "" {
		t.Fatalf("register returned empty user_id")
	}

	var loginResp struct {
		Token string `json:"token"`
	}
	status = doJSONRequest(t, client, http.MethodPost, baseURL+"/api/auth/login", "", map[string]string{
		"username": "operator",
		"password": "correct-horse",
	}, &loginResp)
	if status != http.StatusOK || loginResp.Token == "" {
		t.Fatalf("login failed status=%d resp=%+v", status, loginResp)
	}
	return loginResp.Token
}

func TestHealthAndMetricsAreOpen(t *testing.T) {
	ts, _ := newTestServer(t)
	client := ts.Client()

	resp, err := client.Get(ts.URL + "/health")
	if err != nil {
		t.Fatalf("GET /health: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("health status=%d, expected 200", resp.StatusCode)
	}

	resp, err = client.Get(ts.URL + "/metrics")
	if err != nil {
		t.Fatalf("GET /metrics: %v", err)
	}
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("metrics status=%d, expected 200", resp.StatusCode)
	}
	if !strings.Contains(string(body), "go_goroutines") {
		t.Fatalf("metrics body missing runtime collectors")
	}
}

func TestRegisterValidation(t *testing.T) {
	ts, _ := newTestServer(t)
	client := ts.Client()

	tests := []struct {
		name     string
		payload  map[string]string
		wantCode string
	}{
		{"short username", map[string]string{"username": "op", "password": "long-enough"}, "INVALID_USERNAME"},
		{"short password", map[string]string{"username": "operator", "password": "short"}, "WEAK_PASSWORD"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var resp struct {
				Code string `json:"code"`
			}
			status := doJSONRequest(t, client, http.MethodPost, ts.URL+"/api/auth/register", "", tt.payload, &resp)
			if status != http.StatusBadRequest {
				t.Fatalf("status=%d, expected 400", status)
			}
			if resp.Code != tt.wantCode {
				t.Fatalf("code=%q, expected %q", resp.Code, tt.wantCode)
			}
		})
	}
}

func TestAuthFlow(t *testing.T) {
	ts, _ := newTestServer(t)
	client := ts.Client()
	token := registerAndLogin(t, client, ts.URL)

	// Duplicate registration conflicts, case-insensitively.
	var dupResp struct {
		Code string `json:"code"`
	}
	status := doJSONRequest(t, client, http.MethodPost, ts.URL+"/api/auth/register", "", map[string]string{
		"username": "Operator",
		"password": "another-pass",
	}, &dupResp)
	if status != http.StatusConflict || dupResp.Code != "USERNAME_TAKEN" {
		t.Fatalf("duplicate register status=%d code=%q", status, dupResp.Code)
	}

	// Wrong password and unknown user both read as invalid credentials.
	var loginResp struct {
		Code string `json:"code"`
	}
	status = doJSONRequest(t, client, http.MethodPost, ts.URL+"/api/auth/login", "", map[string]string{
		"username": "operator",
		"password": "wrong-pass",
	}, &loginResp)
	if status != http.StatusUnauthorized || loginResp.Code != "INVALID_CREDENTIALS" {
		t.Fatalf("wrong password status=%d code=%q", status, loginResp.Code)
	}
	status = doJSONRequest(t, client, http.MethodPost, ts.URL+"/api/auth/login", "", map[string]string{
		"username": "nobody",
		"password": "wrong-pass",
	}, &loginResp)
	if status != http.StatusUnauthorized || loginResp.Code != "INVALID_CREDENTIALS" {
		t.Fatalf("unknown user status=%d code=%q", status, loginResp.Code)
	}

	// Protected route rejections.
	var authResp struct {
		Code string `json:"code"`
	}
	status = doJSONRequest(t, client, http.MethodGet, ts.URL+"/api/status", "", nil, &authResp)
	if status != http.StatusUnauthorized || authResp.Code != "MISSING_TOKEN" {
		t.Fatalf("no token status=%d code=%q", status, authResp.Code)
	}
	status = doJSONRequest(t, client, http.MethodGet, ts.URL+"/api/status", "not-a-jwt", nil, &authResp)
	if status != http.StatusUnauthorized || authResp.Code != "INVALID_TOKEN" {
		t.Fatalf("bad token status=%d code=%q", status, authResp.Code)
	}

	// And acceptance.
	status = doJSONRequest(t, client, http.MethodGet, ts.URL+"/api/status", token, nil, nil)
	if status != http.StatusOK {
		t.Fatalf("valid token status=%d, expected 200", status)
	}
}

func TestStatusEndpoint(t *testing.T) {
	ts, _ := newTestServer(t)
	client := ts.Client()
	token := registerAndLogin(t, client, ts.URL)

	var resp struct {
		Mode       string   `json:"mode"`
		DryRun     bool     `json:"dry_run"`
		Venue      string   `json:"venue"`
		Symbols    []string `json:"symbols"`
		Strategies int      `json:"strategies"`
		QueueDepth int      `json:"queue_depth"`
		Balance    struct {
			Asset     string  `json:"asset"`
			Available float64 `json:"available"`
		} `json:"balance"`
		WithinRiskLimits bool `json:"within_risk_limits"`
	}
	status := doJSONRequest(t, client, http.MethodGet, ts.URL+"/api/status", token, nil, &resp)
	if status != http.StatusOK {
		t.Fatalf("status=%d, expected 200", status)
	}
	if resp.Mode != "DRY_RUN" || !resp.DryRun {
		t.Fatalf("mode=%q dry_run=%v, expected DRY_RUN", resp.Mode, resp.DryRun)
	}
	if resp.Venue != "binance-testnet" {
		t.Fatalf("venue=%q", resp.Venue)
	}
	if len(resp.Symbols) != 1 || resp.Symbols[0] != "BTCUSDT" {
		t.Fatalf("symbols=%v", resp.Symbols)
	}
	if resp.Strategies != 1 {
		t.Fatalf("strategies=%d, expected 1", resp.Strategies)
	}
	if resp.QueueDepth != 0 {
		t.Fatalf("queue_depth=%d, expected 0", resp.QueueDepth)
	}
	if resp.Balance.Asset != "USDT" || resp.Balance.Available != 100000 {
		t.Fatalf("balance=%+v", resp.Balance)
	}
	if !resp.WithinRiskLimits {
		t.Fatalf("within_risk_limits=false, expected true")
	}
}

func TestStrategyLifecycle(t *testing.T) {
	ts, srv := newTestServer(t)
	client := ts.Client()
	token := registerAndLogin(t, client, ts.URL)

	var listResp struct {
		Count      int `json:"count"`
		Strategies []struct {
			Name  string `json:"name"`
			Kind  string `json:"kind"`
			State string `json:"state"`
		} `json:"strategies"`
	}
	status := doJSONRequest(t, client, http.MethodGet, ts.URL+"/api/strategies", token, nil, &listResp)
	if status != http.StatusOK || listResp.Count != 1 {
		t.Fatalf("list status=%d count=%d", status, listResp.Count)
	}
	if listResp.Strategies[0].Name != "macd-btc" || listResp.Strategies[0].State != "INACTIVE" {
		t.Fatalf("initial strategy=%+v", listResp.Strategies[0])
	}

	var actionResp struct {
		Status string `json:"status"`
		State  string `json:"state"`
	}
	steps := []struct {
		action    string
		wantState string
	}{
		{"start", "ACTIVE"},
		{"pause", "PAUSED"},
		{"resume", "ACTIVE"},
		{"stop", "INACTIVE"},
	}
	for _, step := range steps {
		status = doJSONRequest(t, client, http.MethodPost, ts.URL+"/api/strategies/macd-btc/"+step.action, token, nil, &actionResp)
		if status != http.StatusOK {
			t.Fatalf("%s status=%d, expected 200", step.action, status)
		}
		if actionResp.State != step.wantState {
			t.Fatalf("%s state=%q, expected %q", step.action, actionResp.State, step.wantState)
		}
		if got := srv.Engine.StrategyState("macd-btc").String(); got != step.wantState {
			t.Fatalf("%s engine state=%q, expected %q", step.action, got, step.wantState)
		}
	}

	var errResp struct {
		Code string `json:"code"`
	}
	status = doJSONRequest(t, client, http.MethodPost, ts.URL+"/api/strategies/nope/start", token, nil, &errResp)
	if status != http.StatusNotFound || errResp.Code != "STRATEGY_NOT_FOUND" {
		t.Fatalf("unknown strategy status=%d code=%q", status, errResp.Code)
	}

	var detail struct {
		Name   string         `json:"name"`
		Config map[string]any `json:"config"`
	}
	status = doJSONRequest(t, client, http.MethodGet, ts.URL+"/api/strategies/macd-btc", token, nil, &detail)
	if status != http.StatusOK || detail.Name != "macd-btc" {
		t.Fatalf("detail status=%d name=%q", status, detail.Name)
	}
	if detail.Config["fastPeriod"] != float64(12) {
		t.Fatalf("config fastPeriod=%v, expected 12", detail.Config["fastPeriod"])
	}
}

func TestUpdateStrategyParams(t *testing.T) {
	ts, _ := newTestServer(t)
	client := ts.Client()
	token := registerAndLogin(t, client, ts.URL)

	var okResp struct {
		Status string         `json:"status"`
		Config map[string]any `json:"config"`
	}
	status := doJSONRequest(t, client, http.MethodPut, ts.URL+"/api/strategies/macd-btc/params", token, map[string]any{
		"fastPeriod":   8,
		"slowPeriod":   21,
		"signalPeriod": 5,
	}, &okResp)
	if status != http.StatusOK {
		t.Fatalf("update status=%d, expected 200", status)
	}
	if okResp.Config["fastPeriod"] != float64(8) || okResp.Config["slowPeriod"] != float64(21) {
		t.Fatalf("config after update=%v", okResp.Config)
	}

	var errResp struct {
		Code string `json:"code"`
	}
	status = doJSONRequest(t, client, http.MethodPut, ts.URL+"/api/strategies/macd-btc/params", token, map[string]any{
		"fastPeriod": 30,
		"slowPeriod": 20,
	}, &errResp)
	if status != http.StatusBadRequest || errResp.Code != "INVALID_PARAMETERS" {
		t.Fatalf("invalid params status=%d code=%q", status, errResp.Code)
	}

	status = doJSONRequest(t, client, http.MethodPut, ts.URL+"/api/strategies/nope/params", token, map[string]any{
		"fastPeriod": 8,
	}, &errResp)
	if status != http.StatusNotFound || errResp.Code != "STRATEGY_NOT_FOUND" {
		t.Fatalf("unknown strategy status=%d code=%q", status, errResp.Code)
	}
}

func TestManualPositionClose(t *testing.T) {
	ts, srv := newTestServer(t)
	client := ts.Client()
	token := registerAndLogin(t, client, ts.URL)

	err := srv.Engine.RegisterPosition(strategy.Position{
		ID:         "pos-1",
		Strategy:   "macd-btc",
		Symbol:     "BTCUSDT",
		Side:       exchange.SideBuy,
		EntryPrice: 50000,
		Quantity:   0.01,
		EntryTime:  time.Now(),
	})
	if err != nil {
		t.Fatalf("RegisterPosition: %v", err)
	}

	var errResp struct {
		Code string `json:"code"`
	}
	status := doJSONRequest(t, client, http.MethodPost, ts.URL+"/api/positions/nope/close", token, nil, &errResp)
	if status != http.StatusNotFound || errResp.Code != "POSITION_NOT_FOUND" {
		t.Fatalf("unknown position status=%d code=%q", status, errResp.Code)
	}

	// No body, no cached price, no mark price: nothing to close against.
	status = doJSONRequest(t, client, http.MethodPost, ts.URL+"/api/positions/pos-1/close", token, nil, &errResp)
	if status != http.StatusBadRequest || errResp.Code != "NO_PRICE" {
		t.Fatalf("no price status=%d code=%q", status, errResp.Code)
	}

	srv.Prices.Set("BTCUSDT", 50500)

	var okResp struct {
		Status string  `json:"status"`
		Price  float64 `json:"price"`
	}
	status = doJSONRequest(t, client, http.MethodPost, ts.URL+"/api/positions/pos-1/close", token, nil, &okResp)
	if status != http.StatusAccepted {
		t.Fatalf("close status=%d, expected 202", status)
	}
	if okResp.Status != "close_requested" || okResp.Price != 50500 {
		t.Fatalf("close resp=%+v", okResp)
	}
	if got := srv.Queue.Len(); got != 1 {
		t.Fatalf("queue depth=%d, expected 1", got)
	}

	// A second close request while the first is in flight is absorbed.
	status = doJSONRequest(t, client, http.MethodPost, ts.URL+"/api/positions/pos-1/close", token, nil, &okResp)
	if status != http.StatusAccepted {
		t.Fatalf("duplicate close status=%d, expected 202", status)
	}
	if got := srv.Queue.Len(); got != 1 {
		t.Fatalf("queue depth after duplicate=%d, expected 1", got)
	}
}

func TestOrderAndTradeEndpoints(t *testing.T) {
	ts, srv := newTestServer(t)
	client := ts.Client()
	token := registerAndLogin(t, client, ts.URL)

	ctx := context.Background()
	if err := srv.Store.InsertOrder(ctx, db.Order{
		ID:            "o-1",
		ClientOrderID: "c-1",
		Strategy:      "macd-btc",
		Symbol:        "BTCUSDT",
		Side:          "BUY",
		Type:          "LIMIT",
		Price:         50000,
		Quantity:      0.01,
		Status:        "NEW",
	}); err != nil {
		t.Fatalf("InsertOrder: %v", err)
	}
	if err := srv.Store.InsertTrade(ctx, db.Trade{
		ID:       "t-1",
		OrderID:  "o-1",
		Strategy: "macd-btc",
		Symbol:   "BTCUSDT",
		Side:     "BUY",
		Price:    50000,
		Quantity: 0.01,
		Fee:      0.5,
	}); err != nil {
		t.Fatalf("InsertTrade: %v", err)
	}

	var orders struct {
		Count  int `json:"count"`
		Orders []struct {
			ID     string `json:"id"`
			Status string `json:"status"`
		} `json:"orders"`
	}
	status := doJSONRequest(t, client, http.MethodGet, ts.URL+"/api/orders", token, nil, &orders)
	if status != http.StatusOK || orders.Count != 1 || orders.Orders[0].ID != "o-1" {
		t.Fatalf("orders status=%d resp=%+v", status, orders)
	}

	status = doJSONRequest(t, client, http.MethodGet, ts.URL+"/api/orders/open", token, nil, &orders)
	if status != http.StatusOK || orders.Count != 1 {
		t.Fatalf("open orders status=%d count=%d", status, orders.Count)
	}

	var trades struct {
		Count  int `json:"count"`
		Trades []struct {
			ID  string  `json:"id"`
			Fee float64 `json:"fee"`
		} `json:"trades"`
	}
	status = doJSONRequest(t, client, http.MethodGet, ts.URL+"/api/trades", token, nil, &trades)
	if status != http.StatusOK || trades.Count != 1 || trades.Trades[0].Fee != 0.5 {
		t.Fatalf("trades status=%d resp=%+v", status, trades)
	}
}

func TestRiskBalancePerformanceEndpoints(t *testing.T) {
	ts, srv := newTestServer(t)
	client := ts.Client()
	token := registerAndLogin(t, client, ts.URL)

	var riskResp struct {
		WithinLimits bool `json:"within_limits"`
		Config       struct {
			MaxPositions int `json:"max_positions"`
		} `json:"config"`
	}
	status := doJSONRequest(t, client, http.MethodGet, ts.URL+"/api/risk", token, nil, &riskResp)
	if status != http.StatusOK || !riskResp.WithinLimits {
		t.Fatalf("risk status=%d within=%v", status, riskResp.WithinLimits)
	}
	if riskResp.Config.MaxPositions != 5 {
		t.Fatalf("max_positions=%d, expected 5", riskResp.Config.MaxPositions)
	}

	var balResp struct {
		Asset     string  `json:"asset"`
		Available float64 `json:"available"`
		Total     float64 `json:"total"`
	}
	status = doJSONRequest(t, client, http.MethodGet, ts.URL+"/api/balance", token, nil, &balResp)
	if status != http.StatusOK || balResp.Available != 100000 || balResp.Total != 100000 {
		t.Fatalf("balance status=%d resp=%+v", status, balResp)
	}

	if err := srv.Store.UpsertRiskDay(context.Background(), db.RiskDay{
		Day:         "2026-08-20",
		RealizedPnL: 12.5,
		Trades:      3,
		Wins:        2,
		Losses:      1,
		MaxDrawdown: 1.2,
	}); err != nil {
		t.Fatalf("UpsertRiskDay: %v", err)
	}

	var perfResp struct {
		TotalPnL float64 `json:"total_pnl"`
		Daily    []struct {
			Day         string  `json:"day"`
			RealizedPnL float64 `json:"realizedPnl"`
		} `json:"daily"`
	}
	status = doJSONRequest(t, client, http.MethodGet, ts.URL+"/api/performance", token, nil, &perfResp)
	if status != http.StatusOK {
		t.Fatalf("performance status=%d", status)
	}
	if len(perfResp.Daily) != 1 || perfResp.Daily[0].RealizedPnL != 12.5 {
		t.Fatalf("daily=%+v", perfResp.Daily)
	}
}

func TestWebsocketPushesEvents(t *testing.T) {
	ts, srv := newTestServer(t)

	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"
	conn, resp, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial %s: %v", wsURL, err)
	}
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	defer conn.Close()

	// The handler subscribes after the upgrade completes, so publish
	// until an envelope lands.
	stop := make(chan struct{})
	defer close(stop)
	go func() {
		ticker := time.NewTicker(20 * time.Millisecond)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				srv.Bus.Publish(events.TopicSignal, events.SignalEvent{
					Strategy: "macd-btc",
					Symbol:   "BTCUSDT",
					Type:     "BUY",
					Price:    50000,
					Time:     time.Now(),
				})
			case <-stop:
				return
			}
		}
	}()

	conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	var envelope struct {
		Topic string `json:"topic"`
		Data  struct {
			Strategy string `json:"Strategy"`
			Symbol   string `json:"Symbol"`
			Type     string `json:"Type"`
		} `json:"data"`
	}
	if err := conn.ReadJSON(&envelope); err != nil {
		t.Fatalf("ReadJSON: %v", err)
	}
	if envelope.Topic != string(events.TopicSignal) {
		t.Fatalf("topic=%q, expected %q", envelope.Topic, events.TopicSignal)
	}
	if envelope.Data.Symbol != "BTCUSDT" || envelope.Data.Type != "BUY" {
		t.Fatalf("data=%+v", envelope.Data)
	}
}
