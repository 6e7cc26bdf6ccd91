package client

import "time"

// CommandRequest is the body of POST /command.
type CommandRequest struct {
	Command string `json:"command"`
}

// RestartRequest is the body of PUT /restart.
type RestartRequest struct {
	Enabled bool `json:"enabled"`
}

// ServerStatus mirrors GET /status.
type ServerStatus struct {
	Name           string    `json:"name"`
	Running        bool      `json:"running"`
	PID            int       `json:"pid,omitempty"`
	StartedAt      time.Time `json:"started_at,omitempty"`
	StoppedAt      time.Time `json:"stopped_at,omitempty"`
	ExitErr        string    `json:"exit_error,omitempty"`
	State          string    `json:"state"`
	Ready          bool      `json:"ready"`
	RestartEnabled bool      `json:"restart_enabled"`
	Restarts       uint32    `json:"restarts"`
	Attempt        int       `json:"attempt"`
	RunID          string    `json:"run_id,omitempty"`
	Online         []string  `json:"online"`
}

// LastSeen is either online or the time of the last disconnect.
type LastSeen struct {
	Online bool      `json:"online"`
	At     time.Time `json:"at,omitempty"`
}

// Players mirrors GET /players.
type Players struct {
	Ready    bool                `json:"ready"`
	Online   []string            `json:"online"`
	LastSeen map[string]LastSeen `json:"last_seen"`
}

// ErrorResponse represents an API error response
type ErrorResponse struct {
	Error string `json:"error"`
}
