// Package indicator implements the per-symbol state machines behind the
// strategy families: rolling price windows, derived series, validity
// gating, signal detection with strengths, and per-event throttling.
package indicator

import (
	"math"
	"time"
)

const (
	maxValueHistory  = 500
	maxSignalHistory = 100
)

// Direction is the trade side a detection points at.
type Direction int

const (
	DirectionNone Direction = iota
	DirectionLong
	DirectionShort
)

func (d Direction) String() string {
	switch d {
	case DirectionLong:
		return "LONG"
	case DirectionShort:
		return "SHORT"
	default:
		return "NONE"
	}
}

// Event identifies one detection kind. Throttling is keyed by event.
type Event string

const EventNone Event = ""

// Detection is the outcome of one Update: at most one event per tick,
// the first match in the family's priority order.
type Detection struct {
	Event     Event
	Direction Direction
	Strength  float64
	Reason    string
	At        time.Time
}

// SignalRecord is one entry of the bounded signal history.
type SignalRecord struct {
	Event     Event     `json:"event"`
	Direction string    `json:"direction"`
	Strength  float64   `json:"strength"`
	Price     float64   `json:"price"`
	Timestamp time.Time `json:"timestamp"`
}

// allowSignal suppresses a repeat of the most recent emitted event inside
// the family's throttle window. A different event in between resets it.
func allowSignal(history []SignalRecord, e Event, now time.Time, window time.Duration) bool {
	if len(history) == 0 {
		return true
	}
	last := history[len(history)-1]
	if last.Event == e && now.Sub(last.Timestamp) < window {
		return false
	}
	return true
}

// record appends an emitted signal and trims to the history cap.
func record(history []SignalRecord, rec SignalRecord) []SignalRecord {
	history = append(history, rec)
	if len(history) > maxSignalHistory {
		history = history[len(history)-maxSignalHistory:]
	}
	return history
}

// pushFloat appends v and trims the front so len never exceeds max.
func pushFloat(s []float64, v float64, max int) []float64 {
	s = append(s, v)
	if len(s) > max {
		s = s[len(s)-max:]
	}
	return s
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

func finite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}
