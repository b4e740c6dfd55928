package binance

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/gorilla/websocket"

	"trading-engine/pkg/exchange"
)

const streamBuffer = 100

// StreamClient consumes Binance public market streams and re-emits them
// as typed channels. Dropped connections are redialed with exponential
// backoff; the venue's periodic close (every 24h) is survived the same
// way.
type StreamClient struct {
	// StreamURL is the websocket base, e.g. wss://host/ws.
	StreamURL string
	dialer    *websocket.Dialer
}

// NewStreamClient builds a websocket client; testnet toggles the host.
func NewStreamClient(testnet bool) *StreamClient {
	host := "stream.binance.com:9443"
	if testnet {
		host = "stream.testnet.binance.vision"
	}
	return &StreamClient{
		StreamURL: (&url.URL{Scheme: "wss", Host: host, Path: "/ws"}).String(),
		dialer:    websocket.DefaultDialer,
	}
}

// SubscribeKlines emits one Kline per closed candle. Intermediate updates
// of the forming candle are dropped so consumers only ever append final
// prices.
func (s *StreamClient) SubscribeKlines(ctx context.Context, symbol, interval string) (<-chan exchange.Kline, func(), error) {
	// The venue requires lowercase symbols in stream names.
	name := fmt.Sprintf("%s@kline_%s", strings.ToLower(symbol), interval)
	out := make(chan exchange.Kline, streamBuffer)
	stop, err := s.subscribe(ctx, name, func(msg []byte) {
		k, closed, err := parseKlineMessage(msg)
		if err != nil {
			log.Printf("binance ws kline parse: %v", err)
			return
		}
		if !closed {
			return
		}
		select {
		case out <- k:
		default:
			log.Printf("binance ws %s: consumer behind, kline dropped", name)
		}
	}, func() { close(out) })
	if err != nil {
		return nil, nil, err
	}
	return out, stop, nil
}

// SubscribeTicker emits 24h rolling ticker updates.
func (s *StreamClient) SubscribeTicker(ctx context.Context, symbol string) (<-chan exchange.Ticker, func(), error) {
	name := fmt.Sprintf("%s@ticker", strings.ToLower(symbol))
	out := make(chan exchange.Ticker, streamBuffer)
	stop, err := s.subscribe(ctx, name, func(msg []byte) {
		t, err := parseTickerMessage(msg)
		if err != nil {
			log.Printf("binance ws ticker parse: %v", err)
			return
		}
		select {
		case out <- t:
		default:
		}
	}, func() { close(out) })
	if err != nil {
		return nil, nil, err
	}
	return out, stop, nil
}

// SubscribeTrades emits public trade prints.
func (s *StreamClient) SubscribeTrades(ctx context.Context, symbol string) (<-chan exchange.Trade, func(), error) {
	name := fmt.Sprintf("%s@trade", strings.ToLower(symbol))
	out := make(chan exchange.Trade, streamBuffer)
	stop, err := s.subscribe(ctx, name, func(msg []byte) {
		t, err := parseTradeMessage(msg)
		if err != nil {
			log.Printf("binance ws trade parse: %v", err)
			return
		}
		select {
		case out <- t:
		default:
		}
	}, func() { close(out) })
	if err != nil {
		return nil, nil, err
	}
	return out, stop, nil
}

// SubscribeDepth emits top-20 order book snapshots.
func (s *StreamClient) SubscribeDepth(ctx context.Context, symbol string) (<-chan exchange.Depth, func(), error) {
	name := fmt.Sprintf("%s@depth20@100ms", strings.ToLower(symbol))
	out := make(chan exchange.Depth, streamBuffer)
	stop, err := s.subscribe(ctx, name, func(msg []byte) {
		d, err := parseDepthMessage(msg)
		if err != nil {
			log.Printf("binance ws depth parse: %v", err)
			return
		}
		d.Symbol = strings.ToUpper(symbol)
		select {
		case out <- d:
		default:
		}
	}, func() { close(out) })
	if err != nil {
		return nil, nil, err
	}
	return out, stop, nil
}

// subscribe dials a stream and pumps raw frames into emit from a
// goroutine until stop is called or ctx ends. The first dial is
// synchronous so bad stream names fail fast; later redials back off and
// keep trying. closed runs exactly once after the pump exits.
func (s *StreamClient) subscribe(ctx context.Context, name string, emit func([]byte), closed func()) (func(), error) {
	u := s.StreamURL + "/" + name
	conn, _, err := s.dialer.DialContext(ctx, u, nil)
	if err != nil {
		return nil, fmt.Errorf("dial binance ws %s: %w", name, err)
	}

	runCtx, cancel := context.WithCancel(ctx)
	sub := &subscription{cancel: cancel, conn: conn}

	go func() {
		defer closed()
		bo := backoff.NewExponentialBackOff()
		bo.InitialInterval = time.Second
		bo.MaxInterval = 30 * time.Second
		bo.MaxElapsedTime = 0
		for {
			err := sub.read(runCtx, emit)
			sub.close()
			if runCtx.Err() != nil || err == nil {
				return
			}
			log.Printf("binance ws %s: %v, reconnecting", name, err)
			if !sub.redial(runCtx, s.dialer, u, bo) {
				return
			}
			bo.Reset()
		}
	}()

	return sub.stop, nil
}

// subscription owns the live connection of one stream across redials.
type subscription struct {
	cancel context.CancelFunc
	once   sync.Once

	mu   sync.Mutex
	conn *websocket.Conn
}

// stop ends the subscription. Cancel first so the reader treats the
// connection teardown as deliberate.
func (s *subscription) stop() {
	s.once.Do(func() {
		s.cancel()
		s.close()
	})
}

// close sends a best-effort close frame and tears the connection down.
func (s *subscription) close() {
	s.mu.Lock()
	conn := s.conn
	s.conn = nil
	s.mu.Unlock()
	if conn == nil {
		return
	}
	_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	_ = conn.Close()
}

// read pumps frames until the connection drops. A nil return means the
// subscription ended locally; an error asks the caller to redial.
func (s *subscription) read(ctx context.Context, emit func([]byte)) error {
	s.mu.Lock()
	conn := s.conn
	s.mu.Unlock()
	if conn == nil {
		return nil
	}
	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}
		_, msg, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		emit(msg)
	}
}

// redial keeps trying until a connection lands or ctx ends.
func (s *subscription) redial(ctx context.Context, dialer *websocket.Dialer, u string, bo backoff.BackOff) bool {
	for {
		select {
		case <-ctx.Done():
			return false
		case <-time.After(bo.NextBackOff()):
		}
		conn, _, err := dialer.DialContext(ctx, u, nil)
		if err != nil {
			log.Printf("binance ws redial %s: %v", u, err)
			continue
		}
		s.mu.Lock()
		s.conn = conn
		s.mu.Unlock()
		return true
	}
}

// parseKlineMessage decodes a kline event; the second return reports
// whether the candle is closed.
func parseKlineMessage(msg []byte) (exchange.Kline, bool, error) {
	var raw struct {
		Kline struct {
			StartTime int64  `json:"t"`
			CloseTime int64  `json:"T"`
			Symbol    string `json:"s"`
			Open      any    `json:"o"`
			Close     any    `json:"c"`
			High      any    `json:"h"`
			Low       any    `json:"l"`
			Volume    any    `json:"v"`
			Closed    bool   `json:"x"`
		} `json:"k"`
	}
	if err := json.Unmarshal(msg, &raw); err != nil {
		return exchange.Kline{}, false, err
	}
	k := raw.Kline
	return exchange.Kline{
		Symbol:    k.Symbol,
		OpenTime:  k.StartTime,
		CloseTime: k.CloseTime,
		Open:      toFloat(k.Open),
		High:      toFloat(k.High),
		Low:       toFloat(k.Low),
		Close:     toFloat(k.Close),
		Volume:    toFloat(k.Volume),
	}, k.Closed, nil
}

func parseTickerMessage(msg []byte) (exchange.Ticker, error) {
	var raw struct {
		Symbol    string `json:"s"`
		Change    any    `json:"p"`
		ChangePct any    `json:"P"`
		Last      any    `json:"c"`
		Bid       any    `json:"b"`
		Ask       any    `json:"a"`
		Volume    any    `json:"v"`
		CloseTime int64  `json:"C"`
	}
	if err := json.Unmarshal(msg, &raw); err != nil {
		return exchange.Ticker{}, err
	}
	return exchange.Ticker{
		Symbol:       raw.Symbol,
		Last:         toFloat(raw.Last),
		Bid:          toFloat(raw.Bid),
		Ask:          toFloat(raw.Ask),
		Volume24h:    toFloat(raw.Volume),
		Change24h:    toFloat(raw.Change),
		ChangePct24h: toFloat(raw.ChangePct),
		Timestamp:    time.UnixMilli(raw.CloseTime),
	}, nil
}

func parseTradeMessage(msg []byte) (exchange.Trade, error) {
	var raw struct {
		Symbol    string `json:"s"`
		Price     any    `json:"p"`
		Qty       any    `json:"q"`
		TradeTime any    `json:"T"`
		MakerBuy  bool   `json:"m"`
	}
	if err := json.Unmarshal(msg, &raw); err != nil {
		return exchange.Trade{}, err
	}
	return exchange.Trade{
		Symbol:   raw.Symbol,
		Price:    toFloat(raw.Price),
		Quantity: toFloat(raw.Qty),
		Time:     toInt64(raw.TradeTime),
		// The taker bought when the buyer was not the maker.
		IsBuyer: !raw.MakerBuy,
	}, nil
}

func parseDepthMessage(msg []byte) (exchange.Depth, error) {
	var raw struct {
		LastUpdateID int64   `json:"lastUpdateId"`
		Bids         [][]any `json:"bids"`
		Asks         [][]any `json:"asks"`
	}
	if err := json.Unmarshal(msg, &raw); err != nil {
		return exchange.Depth{}, err
	}
	return exchange.Depth{
		LastUpdateID: raw.LastUpdateID,
		Bids:         parseDepthLevels(raw.Bids),
		Asks:         parseDepthLevels(raw.Asks),
	}, nil
}

func parseDepthLevels(raw [][]any) []exchange.DepthLevel {
	var out []exchange.DepthLevel
	for _, level := range raw {
		if len(level) < 2 {
			continue
		}
		out = append(out, exchange.DepthLevel{
			Price:    toFloat(level[0]),
			Quantity: toFloat(level[1]),
		})
	}
	return out
}

// Exchange bundles the REST client and the stream client into the full
// contract the engine consumes.
type Exchange struct {
	*Client
	*StreamClient
}

// NewExchange builds the combined client.
func NewExchange(cfg Config) *Exchange {
	return &Exchange{
		Client:       New(cfg),
		StreamClient: NewStreamClient(cfg.Testnet),
	}
}

var _ exchange.Exchange = (*Exchange)(nil)
