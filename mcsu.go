// Package mcsu supervises a Minecraft server process: it launches the JVM or
// a start script, parses the console for readiness and player sessions, and
// restarts the server when it exits.
package mcsu

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/loykin/mcsu/internal/config"
	"github.com/loykin/mcsu/internal/console"
	"github.com/loykin/mcsu/internal/history"
	"github.com/loykin/mcsu/internal/history/factory"
	"github.com/loykin/mcsu/internal/manager"
	"github.com/loykin/mcsu/internal/metrics"
	"github.com/loykin/mcsu/internal/process"
	"github.com/loykin/mcsu/internal/server"
)

// Re-export core types for external consumers.
// These are aliases so conversions are zero-cost.

type Spec = process.Spec

type Options = manager.Options

type Backoff = manager.Backoff

type Passthrough = manager.Passthrough

type Status = manager.Status

type Config = config.Config

type Event = console.Event

type EventKind = console.EventKind

type Observer = console.Observer

type ObserverFunc = console.ObserverFunc

type Parser = console.Parser

type ParserOption = console.Option

type Snapshot = console.Snapshot

type LastSeen = console.LastSeen

type LogLine = console.LogLine

type HistorySink = history.Sink

type HistoryEvent = history.Event

type HistoryRecorder = history.Recorder

type EventHub = server.Hub

const (
	EventReady   = console.EventReady
	EventJoin    = console.EventJoin
	EventLeave   = console.EventLeave
	EventMessage = console.EventMessage
	EventRaw     = console.EventRaw
	EventLog     = console.EventLog
	EventStart   = console.EventStart
	EventExit    = console.EventExit
	EventGiveUp  = console.EventGiveUp
)

var (
	ErrLaunch     = manager.ErrLaunch
	ErrNotRunning = manager.ErrNotRunning
	ErrClosed     = manager.ErrClosed
)

// Parser options.
var (
	WithLineMode = console.WithLineMode
	WithEncoding = console.WithEncoding
	WithLogger   = console.WithLogger
	WithClock    = console.WithClock
)

const (
	LineModeChunk = console.LineModeChunk
	LineModeLine  = console.LineModeLine
)

// NewParser returns a standalone console parser.
func NewParser(opts ...ParserOption) *Parser { return console.NewParser(opts...) }

// Supervisor is a thin facade over internal/manager.Supervisor.
// It provides a stable public API for embedding.
type Supervisor struct{ inner *manager.Supervisor }

// New creates a supervisor with its own parser.
func New(opts Options) (*Supervisor, error) { return NewWithParser(opts, nil) }

// NewWithParser binds the supervisor to p, so observers subscribed to p
// beforehand see an autostart.
func NewWithParser(opts Options, p *Parser) (*Supervisor, error) {
	inner, err := manager.New(opts, p)
	if err != nil {
		return nil, err
	}
	return &Supervisor{inner: inner}, nil
}

// NewFromConfig builds a supervisor from a loaded configuration.
func NewFromConfig(c *Config, log *slog.Logger) (*Supervisor, error) {
	opts, err := c.ManagerOptions()
	if err != nil {
		return nil, err
	}
	popts, err := c.ParserOptions()
	if err != nil {
		return nil, err
	}
	if log != nil {
		opts.Logger = log
		popts = append(popts, console.WithLogger(log))
	}
	return NewWithParser(opts, console.NewParser(popts...))
}

func (s *Supervisor) Start() error                  { return s.inner.Start() }
func (s *Supervisor) Stop(wait time.Duration) error { return s.inner.Stop(wait) }
func (s *Supervisor) SendCommand(text string) bool  { return s.inner.SendCommand(text) }
func (s *Supervisor) SetRestart(enabled bool)       { s.inner.SetRestart(enabled) }
func (s *Supervisor) RestartEnabled() bool          { return s.inner.RestartEnabled() }
func (s *Supervisor) Status() Status                { return s.inner.Status() }
func (s *Supervisor) Sessions() Snapshot            { return s.inner.Sessions() }
func (s *Supervisor) Ready() bool                   { return s.inner.Parser().Ready() }
func (s *Supervisor) Online() []string              { return s.inner.Parser().Online() }
func (s *Supervisor) Parser() *Parser               { return s.inner.Parser() }
func (s *Supervisor) Close()                        { s.inner.Close() }

func (s *Supervisor) LastSeen(name string) (LastSeen, bool) {
	return s.inner.Parser().LastSeen(name)
}

// Subscribe registers obs for console and lifecycle events and returns the
// unsubscribe function.
func (s *Supervisor) Subscribe(obs Observer) func() { return s.inner.Parser().Subscribe(obs) }

// WatchControl reads host input lines; "stop" disables automatic restart.
func (s *Supervisor) WatchControl(ctx context.Context, r io.Reader) error {
	return s.inner.WatchControl(ctx, r)
}

func LoadConfig(path string) (*Config, error) { return config.Load(path) }

// NewHTTPHandler exposes the control API for s under basePath. hub may be
// nil to leave out the /events stream.
func NewHTTPHandler(s *Supervisor, hub *EventHub, basePath string) http.Handler {
	return server.NewRouter(s.inner, hub, basePath, nil).Handler()
}

// NewEventHub returns a websocket hub; subscribe it to receive events.
func NewEventHub(maxClients int, raw bool) *EventHub { return server.NewHub(maxClients, raw, nil) }

// NewHistoryRecorder opens one sink per DSN and records events
// asynchronously. Subscribe the recorder and Close it after the supervisor.
func NewHistoryRecorder(serverName string, dsns []string, queueSize int) (*HistoryRecorder, error) {
	sinks, err := factory.NewSinks(dsns)
	if err != nil {
		return nil, err
	}
	return history.NewRecorder(serverName, sinks, queueSize, nil), nil
}

// Metrics helpers (public facade)

func RegisterMetrics(r prometheus.Registerer) error { return metrics.Register(r) }
func RegisterMetricsDefault() error                 { return metrics.Register(prometheus.DefaultRegisterer) }
func MetricsHandler() http.Handler                  { return metrics.Handler() }
