package manager

import (
	"io"
	"log/slog"
	"time"

	"github.com/loykin/mcsu/internal/logger"
	"github.com/loykin/mcsu/internal/process"
)

// DefaultName is used when the process spec has no name.
const DefaultName = "minecraft"

// DefaultStopTimeout bounds a graceful stop before signals are sent.
const DefaultStopTimeout = 30 * time.Second

// Passthrough mirrors the server console on the host terminal. Lines read
// from In are forwarded to the server; server output is copied to Out.
type Passthrough struct {
	In  io.Reader
	Out io.Writer
}

// Backoff controls the delay between automatic restarts.
// Initial == 0 restarts immediately. MaxRetries == 0 never gives up.
type Backoff struct {
	Initial    time.Duration `mapstructure:"initial"`
	Max        time.Duration `mapstructure:"max"`
	Multiplier float64       `mapstructure:"multiplier"`
	MaxRetries int           `mapstructure:"max_retries"`
}

// Options configures a Supervisor.
type Options struct {
	Process     process.Spec
	Env         []string // full KEY=VALUE environment; empty inherits the host's
	AutoStart   bool
	Restart     bool
	Backoff     Backoff
	StopTimeout time.Duration
	Passthrough *Passthrough
	Console     logger.ConsoleConfig
	Logger      *slog.Logger
}

func (o Options) withDefaults() Options {
	if o.Process.Name == "" {
		o.Process.Name = DefaultName
	}
	if o.StopTimeout <= 0 {
		o.StopTimeout = DefaultStopTimeout
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	return o
}
