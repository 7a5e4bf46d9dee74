// Package alarm holds the alarm domain model and the goroutines that drive
// it: definition loading, one evaluator per configured alarm, and the
// acknowledgement dispatcher. Evaluators read integer measurement samples,
// match them against their configured set/reset values, and publish Event
// values; the dispatcher persists operator acknowledgements and publishes the
// synthetic events that announce them.
package alarm

import "time"

// Severity is the operator-facing urgency carried by every alarm event.
// SeverityUnknown appears only on synthetic ack events.
type Severity string

const (
	SeverityHigh    Severity = "High"
	SeverityMedium  Severity = "Medium"
	SeverityLow     Severity = "Low"
	SeverityUnknown Severity = "Unknown"
)

// State is the digital condition of an alarm. StateUnknown appears only on
// synthetic ack events, which carry no set/reset transition.
type State string

const (
	StateSet     State = "Set"
	StateReset   State = "Reset"
	StateUnknown State = "Unknown"
)

// Ack is the acknowledgement field of an event. AckNone means the field does
// not apply: a reset that cleared a never-acknowledged alarm leaves nothing
// pending for an operator.
type Ack string

const (
	AckAck    Ack = "Ack"
	AckNotAck Ack = "NotAck"
	AckNone   Ack = "None"
)

// Config is one configured alarm, loaded at startup and owned by its
// evaluator for the lifetime of the process.
//
// Name is the fully qualified "<area>/<alarm_name>" form and is unique
// across the whole definition document. Measurement is the routing key of
// the sample stream the alarm listens to. SetValue and ResetValue are the
// exact sample values that drive the state machine and never coincide.
type Config struct {
	Name        string
	Measurement string
	SetValue    int64
	ResetValue  int64
	Severity    Severity
}

// Event is published on every alarm transition and on every acknowledgement.
// It serialises to the JSON shape clients and the egress exchange receive.
//
// Value is the measurement sample that caused the transition; synthetic ack
// events carry math.MaxInt64 there. If State is StateUnknown the event is
// ack-only and Severity is SeverityUnknown; otherwise Severity equals the
// alarm's configured severity.
type Event struct {
	Name      string    `json:"name"`
	Severity  Severity  `json:"severity"`
	State     State     `json:"state"`
	Ack       Ack       `json:"ack"`
	Value     int64     `json:"value"`
	Timestamp time.Time `json:"timestamp"`
}

// LatestRow is the most recent persisted row for one alarm, reduced to the
// columns the reset gate consults. The store keeps ack as a boolean; the
// tri-state Ack of an Event collapses to Acked on write.
type LatestRow struct {
	Name  string
	State State
	Acked bool
}
