package console

import "time"

// LastSeen is either the online sentinel (Online true) or the time of the
// last observed disconnect.
type LastSeen struct {
	Online bool      `json:"online"`
	At     time.Time `json:"at,omitempty"`
}

// sessionState is owned by Parser and only touched under Parser.mu.
type sessionState struct {
	online   []string
	lastSeen map[string]LastSeen
}

func newSessionState() sessionState {
	return sessionState{lastSeen: make(map[string]LastSeen)}
}

// join appends without deduplication; a player reported twice is listed twice.
func (s *sessionState) join(name string) {
	s.online = append(s.online, name)
	s.lastSeen[name] = LastSeen{Online: true}
}

// leave records the disconnect and removes the first occurrence only.
func (s *sessionState) leave(name string, at time.Time) {
	s.lastSeen[name] = LastSeen{At: at}
	for i, n := range s.online {
		if n == name {
			s.online = append(s.online[:i], s.online[i+1:]...)
			return
		}
	}
}

// Snapshot is a detached copy of the session state.
type Snapshot struct {
	Ready    bool                `json:"ready"`
	Online   []string            `json:"online"`
	LastSeen map[string]LastSeen `json:"last_seen"`
}

func (s *sessionState) snapshot(ready bool) Snapshot {
	out := Snapshot{
		Ready:    ready,
		Online:   append([]string(nil), s.online...),
		LastSeen: make(map[string]LastSeen, len(s.lastSeen)),
	}
	for k, v := range s.lastSeen {
		out.LastSeen[k] = v
	}
	return out
}
