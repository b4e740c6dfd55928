package api

import (
	"log"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"trading-engine/internal/events"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// wsEnvelope wraps every pushed event with its topic so a single socket
// carries all streams.
type wsEnvelope struct {
	Topic string `json:"topic"`
	Data  any    `json:"data"`
}

// websocket streams tickers, signals, order updates, position changes
// and risk alerts to the client. Read direction is unused; a client that
// stops reading is dropped on the next failed write.
func (s *Server) websocket(c *gin.Context) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Printf("ws upgrade error: %v", err)
		return
	}
	defer conn.Close()

	if s.Bus == nil {
		_ = conn.WriteMessage(websocket.TextMessage, []byte(`{"error":"bus not ready"}`))
		return
	}

	// Read pump: the client never sends payloads, but reading is what
	// surfaces close frames and dead connections.
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	tickers, unsubTickers := s.Bus.Subscribe(events.TopicTicker, 100)
	defer unsubTickers()
	signals, unsubSignals := s.Bus.Subscribe(events.TopicSignal, 50)
	defer unsubSignals()
	filled, unsubFilled := s.Bus.Subscribe(events.TopicOrderFilled, 50)
	defer unsubFilled()
	rejected, unsubRejected := s.Bus.Subscribe(events.TopicOrderRejected, 50)
	defer unsubRejected()
	opened, unsubOpened := s.Bus.Subscribe(events.TopicPositionOpened, 50)
	defer unsubOpened()
	closed, unsubClosed := s.Bus.Subscribe(events.TopicPositionClosed, 50)
	defer unsubClosed()
	alerts, unsubAlerts := s.Bus.Subscribe(events.TopicRiskAlert, 50)
	defer unsubAlerts()

	write := func(topic events.Topic, data any) bool {
		if err := conn.WriteJSON(wsEnvelope{Topic: string(topic), Data: data}); err != nil {
			log.Printf("ws write error: %v", err)
			return false
		}
		return true
	}

	for {
		var ok bool
		select {
		case msg := <-tickers:
			ok = write(events.TopicTicker, msg)
		case msg := <-signals:
			ok = write(events.TopicSignal, msg)
		case msg := <-filled:
			ok = write(events.TopicOrderFilled, msg)
		case msg := <-rejected:
			ok = write(events.TopicOrderRejected, msg)
		case msg := <-opened:
			ok = write(events.TopicPositionOpened, msg)
		case msg := <-closed:
			ok = write(events.TopicPositionClosed, msg)
		case msg := <-alerts:
			ok = write(events.TopicRiskAlert, msg)
		case <-done:
			return
		}
		if !ok {
			return
		}
	}
}
