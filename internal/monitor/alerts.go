package monitor

import (
	"log"

	"trading-engine/internal/events"
)

// AlertSink delivers one risk alert to an operator channel.
type AlertSink interface {
	Name() string
	Send(alert events.RiskEvent) error
}

// LogSink writes alerts to the process log. It never fails, so it is
// safe as the only sink.
type LogSink struct{}

func (LogSink) Name() string { return "log" }

func (LogSink) Send(a events.RiskEvent) error {
	switch {
	case a.Strategy != "" && a.Symbol != "":
		log.Printf("🚨 %s [%s %s]: %s", a.Kind, a.Strategy, a.Symbol, a.Message)
	case a.Symbol != "":
		log.Printf("🚨 %s [%s]: %s", a.Kind, a.Symbol, a.Message)
	default:
		log.Printf("🚨 %s: %s", a.Kind, a.Message)
	}
	return nil
}
