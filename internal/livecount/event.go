package livecount

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Direction of travel across a counting line.
const (
	DirectionIn  = "IN"
	DirectionOut = "OUT"
)

// DetectionEvent is one count update emitted by a live-counting worker.
type DetectionEvent struct {
	Direction  string            `json:"direction"`
	Timestamp  time.Time         `json:"timestamp"`
	Confidence float64           `json:"confidence"`
	Objects    []json.RawMessage `json:"objects,omitempty"`
}

// Validate normalizes the direction and checks bounds. A zero timestamp is
// replaced with the current time.
func (e *DetectionEvent) Validate() error {
	e.Direction = strings.ToUpper(strings.TrimSpace(e.Direction))
	switch e.Direction {
	case DirectionIn, DirectionOut:
	default:
		return fmt.Errorf("direction must be IN or OUT, got %q", e.Direction)
	}
	if e.Confidence < 0 || e.Confidence > 1 {
		return errors.New("confidence must be within [0, 1]")
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}
	return nil
}

// Message is what subscribers receive: the event plus running tallies.
type Message struct {
	StreamID   string            `json:"streamId"`
	Direction  string            `json:"direction"`
	Entered    int               `json:"entered"`
	Exited     int               `json:"exited"`
	Inside     int               `json:"inside"`
	Timestamp  time.Time         `json:"timestamp"`
	Confidence float64           `json:"confidence"`
	Objects    []json.RawMessage `json:"objects"`
}

type tally struct {
	entered int
	exited  int
}

func (t *tally) apply(direction string) {
	switch direction {
	case DirectionIn:
		t.entered++
	case DirectionOut:
		t.exited++
	}
}

func (t tally) inside() int {
	if n := t.entered - t.exited; n > 0 {
		return n
	}
	return 0
}
