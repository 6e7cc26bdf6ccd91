package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/loykin/mcsu/internal/config"
	"github.com/loykin/mcsu/internal/console"
	"github.com/loykin/mcsu/internal/history"
	"github.com/loykin/mcsu/internal/history/factory"
	"github.com/loykin/mcsu/internal/logger"
	"github.com/loykin/mcsu/internal/manager"
	"github.com/loykin/mcsu/internal/metrics"
	"github.com/loykin/mcsu/internal/server"
)

const shutdownTimeout = 5 * time.Second

// maxEventClients caps concurrent /events websocket clients.
const maxEventClients = 32

func createRunCommand() *cobra.Command {
	b := config.DefaultRestartBackoff
	return &cobra.Command{
		Use:   "run [config]",
		Short: "Supervise the server in the foreground",
		Long: fmt.Sprintf(`Start the supervisor with the given configuration file (TOML, YAML or JSON).
Settings can be overridden with MCSU_ environment variables, e.g.
MCSU_SERVER_MC_PATH=/srv/minecraft.

With server.restart enabled a crashed server is restarted after an
exponential backoff (server.restart_backoff: initial %s, max %s,
multiplier %g) and given up after %d failed attempts in a row. Set
initial = "0s" and max_retries = 0 to restart immediately and forever.

Typing "stop" on this terminal disables automatic restart. With
server.pipe enabled every line typed here is also sent to the server.`,
			b.Initial, b.Max, b.Multiplier, b.MaxRetries),
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := ""
			if len(args) > 0 {
				path = args[0]
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runSupervisor(ctx, path, cmd.InOrStdin(), cmd.OutOrStdout())
		},
	}
}

func runSupervisor(ctx context.Context, path string, stdin io.Reader, stdout io.Writer) error {
	cfg, err := config.Load(path)
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	log, closer, err := logger.New(cfg.Log)
	if err != nil {
		return err
	}
	defer func() { _ = closer.Close() }()
	slog.SetDefault(log)
	gin.SetMode(gin.ReleaseMode)

	a, err := newApp(cfg, log, stdin, stdout)
	if err != nil {
		return err
	}
	defer a.Close()
	return a.Run(ctx)
}

// app wires one supervisor to its observers and listeners.
type app struct {
	cfg      *config.Config
	log      *slog.Logger
	stdin    io.Reader
	parser   *console.Parser
	sup      *manager.Supervisor
	hub      *server.Hub
	recorder *history.Recorder
	sampler  *metrics.ProcessSampler
	api      *http.Server
	metrics  *metrics.Server
}

// newApp builds every component. Observers subscribe before the supervisor
// exists so an autostart is recorded.
func newApp(cfg *config.Config, log *slog.Logger, stdin io.Reader, stdout io.Writer) (*app, error) {
	if log == nil {
		log = slog.Default()
	}
	popts, err := cfg.ParserOptions()
	if err != nil {
		return nil, err
	}
	a := &app{
		cfg:    cfg,
		log:    log,
		stdin:  stdin,
		parser: console.NewParser(append(popts, console.WithLogger(log))...),
	}

	if cfg.Metrics.Enabled {
		if err := metrics.Register(prometheus.DefaultRegisterer); err != nil {
			return nil, fmt.Errorf("register metrics: %w", err)
		}
		a.sampler = metrics.NewProcessSampler(cfg.Server.Name, cfg.Metrics.Process)
		if err := a.sampler.RegisterMetrics(prometheus.DefaultRegisterer); err != nil {
			return nil, fmt.Errorf("register process metrics: %w", err)
		}
	}
	if cfg.History.Enabled {
		sinks, err := factory.NewSinks(cfg.History.DSN)
		if err != nil {
			return nil, err
		}
		a.recorder = history.NewRecorder(cfg.Server.Name, sinks, cfg.History.QueueSize, log)
		a.parser.Subscribe(a.recorder)
	}
	if cfg.API.Enabled {
		a.hub = server.NewHub(maxEventClients, false, log)
		a.parser.Subscribe(a.hub)
	}

	opts, err := cfg.ManagerOptions()
	if err != nil {
		a.Close()
		return nil, err
	}
	opts.Logger = log
	if opts.Restart {
		b := opts.Backoff
		log.Info("automatic restart enabled", "initial", b.Initial, "max", b.Max,
			"multiplier", b.Multiplier, "max_retries", b.MaxRetries)
	}
	if cfg.Server.Pipe {
		opts.Passthrough = &manager.Passthrough{In: stdin, Out: stdout}
	}
	sup, err := manager.New(opts, a.parser)
	if err != nil {
		a.Close()
		return nil, err
	}
	a.sup = sup

	if cfg.API.Enabled {
		router := server.NewRouter(sup, a.hub, cfg.API.BasePath, log)
		a.api = server.NewServer(cfg.API.Listen, router.Handler())
	}
	if cfg.Metrics.Enabled {
		a.metrics = metrics.NewServer(cfg.Metrics.Listen, a.health)
	}
	return a, nil
}

func (a *app) health() metrics.Health {
	st := a.sup.Status()
	h := metrics.Health{Status: "ok", Running: st.Running, Ready: st.Ready, State: st.State}
	if st.State == manager.StateGaveUp.String() {
		h.Status = "gave_up"
	}
	return h
}

// Run serves until ctx is done or a listener fails.
func (a *app) Run(ctx context.Context) error {
	errCh := make(chan error, 2)
	if a.api != nil {
		a.log.Info("api listening", "addr", a.cfg.API.Listen, "base", a.cfg.API.BasePath)
		go func() {
			if err := a.api.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errCh <- fmt.Errorf("api server: %w", err)
			}
		}()
	}
	if a.metrics != nil {
		a.log.Info("metrics listening", "addr", a.cfg.Metrics.Listen)
		go func() {
			if err := a.metrics.Start(); err != nil {
				errCh <- fmt.Errorf("metrics server: %w", err)
			}
		}()
	}
	if a.sampler != nil {
		a.sampler.Start(ctx, func() int32 { return int32(a.sup.PID()) })
	}
	// In pipe mode the supervisor already reads stdin.
	if !a.cfg.Server.Pipe && a.stdin != nil {
		go func() {
			if err := a.sup.WatchControl(ctx, a.stdin); err != nil && !errors.Is(err, context.Canceled) {
				a.log.Warn("control input closed", "error", err)
			}
		}()
	}

	select {
	case <-ctx.Done():
		a.log.Info("shutting down")
		return nil
	case err := <-errCh:
		return err
	}
}

// Close stops the server and releases every component. It tolerates a
// partially built app.
func (a *app) Close() {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if a.api != nil {
		_ = a.api.Shutdown(ctx)
	}
	if a.metrics != nil {
		_ = a.metrics.Shutdown(ctx)
	}
	if a.sampler != nil {
		a.sampler.Stop()
	}
	if a.sup != nil {
		a.sup.Close()
	}
	if a.hub != nil {
		a.hub.Close()
	}
	if a.recorder != nil {
		if err := a.recorder.Close(); err != nil {
			a.log.Warn("history close failed", "error", err)
		}
		if n := a.recorder.Dropped(); n > 0 {
			a.log.Warn("history events dropped", "count", n)
		}
	}
}
