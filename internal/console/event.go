package console

import "time"

// EventKind identifies the variant carried by an Event.
type EventKind string

const (
	EventReady   EventKind = "ready"
	EventJoin    EventKind = "join"
	EventLeave   EventKind = "leave"
	EventMessage EventKind = "message"
	EventRaw     EventKind = "raw"
	EventLog     EventKind = "log"

	// Lifecycle kinds, emitted by the supervisor rather than the parser.
	EventStart  EventKind = "start"
	EventExit   EventKind = "exit"
	EventGiveUp EventKind = "giveup"
)

// Event is a tagged union; only the fields relevant to Kind are set.
//
//	ready             -
//	join, leave       Name
//	message           Author, Body
//	raw               Line
//	log               Log
//	start             RunID, PID
//	exit              RunID, PID, Reason
//	giveup            Attempt, Reason
type Event struct {
	Kind    EventKind `json:"kind"`
	Time    time.Time `json:"time"`
	Name    string    `json:"name,omitempty"`
	Author  string    `json:"author,omitempty"`
	Body    string    `json:"body,omitempty"`
	Line    string    `json:"line,omitempty"`
	Log     *LogLine  `json:"log,omitempty"`
	RunID   string    `json:"run_id,omitempty"`
	PID     int       `json:"pid,omitempty"`
	Reason  string    `json:"reason,omitempty"`
	Attempt int       `json:"attempt,omitempty"`
}

// Observer receives events synchronously on the delivering goroutine.
// Implementations must not block; hand work off to a queue instead.
type Observer interface {
	OnEvent(Event)
}

// ObserverFunc adapts a function to Observer.
type ObserverFunc func(Event)

func (f ObserverFunc) OnEvent(e Event) { f(e) }
