package history

import (
	"context"
	"time"

	"github.com/loykin/mcsu/internal/console"
)

// Kind identifies a recorded server event.
type Kind string

const (
	KindStart  Kind = "start"
	KindExit   Kind = "exit"
	KindReady  Kind = "ready"
	KindJoin   Kind = "join"
	KindLeave  Kind = "leave"
	KindChat   Kind = "chat"
	KindGiveUp Kind = "giveup"
)

// TableName is the default table, index, or collection used by sinks.
const TableName = "server_history"

// Event is one history entry exported to external systems.
type Event struct {
	Kind       Kind      `json:"kind"`
	OccurredAt time.Time `json:"occurred_at"`
	Server     string    `json:"server"`
	RunID      string    `json:"run_id,omitempty"`
	PID        int       `json:"pid,omitempty"`
	Player     string    `json:"player,omitempty"`
	Message    string    `json:"message,omitempty"`
}

// Sink is a destination for history events.
// Implementations must be safe for concurrent use.
type Sink interface {
	Send(ctx context.Context, e Event) error
	Close() error
}

// FromConsole maps a console event to a history event. Raw and log events
// are not recorded and report false.
func FromConsole(server string, e console.Event) (Event, bool) {
	h := Event{
		OccurredAt: e.Time,
		Server:     server,
		RunID:      e.RunID,
		PID:        e.PID,
	}
	if h.OccurredAt.IsZero() {
		h.OccurredAt = time.Now()
	}
	switch e.Kind {
	case console.EventStart:
		h.Kind = KindStart
	case console.EventExit:
		h.Kind = KindExit
		h.Message = e.Reason
	case console.EventReady:
		h.Kind = KindReady
	case console.EventJoin:
		h.Kind = KindJoin
		h.Player = e.Name
	case console.EventLeave:
		h.Kind = KindLeave
		h.Player = e.Name
	case console.EventMessage:
		h.Kind = KindChat
		h.Player = e.Author
		h.Message = e.Body
	case console.EventGiveUp:
		h.Kind = KindGiveUp
		h.Message = e.Reason
	default:
		return Event{}, false
	}
	return h, true
}
