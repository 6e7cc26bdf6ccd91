package manager

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"

	"github.com/loykin/mcsu/internal/console"
	"github.com/loykin/mcsu/internal/metrics"
	"github.com/loykin/mcsu/internal/process"
)

var (
	// ErrLaunch wraps every failure to launch the server: a bad working
	// directory, a bad launch mode, or an OS spawn error.
	ErrLaunch = errors.New("launch failed")
	// ErrNotRunning is reported by callers when no server process is live.
	ErrNotRunning = process.ErrNotRunning
	// ErrClosed is returned by operations after Close.
	ErrClosed = errors.New("supervisor closed")
)

// ControlStop is the control line that disables automatic restart.
const ControlStop = "stop"

// Status is a point-in-time view of the supervisor and its server.
type Status struct {
	process.Status
	State          string   `json:"state"`
	Ready          bool     `json:"ready"`
	RestartEnabled bool     `json:"restart_enabled"`
	Restarts       uint32   `json:"restarts"`
	Attempt        int      `json:"attempt"`
	RunID          string   `json:"run_id,omitempty"`
	Online         []string `json:"online"`
}

type commandAction int

const (
	actionStart commandAction = iota
	actionStop
	actionShutdown
)

type command struct {
	action commandAction
	wait   time.Duration
	reply  chan error
}

// Supervisor owns at most one live server process. Lifecycle changes run
// on a single goroutine fed by cmdChan, exit notices and the restart timer;
// readers take mu only for snapshots.
//
// Start, exit and giveup events reach parser observers from a dedicated
// goroutine, in order, so an observer may call Start, Stop or SetRestart.
// A run's start event is delivered before any of its output is parsed.
type Supervisor struct {
	opts   Options
	name   string
	parser *console.Parser
	log    *slog.Logger

	restart   atomic.Bool // the only auto-restart control flag
	readySeen atomic.Bool // set by the console observer, consumed on exit
	events    *lifecycleQueue

	mu       sync.RWMutex
	state    State
	proc     *process.Process // live run, nil between runs
	last     *process.Process // most recent run, for status after exit
	runID    string
	restarts uint32
	attempt  int

	bo       *backoff.ExponentialBackOff
	timer    *time.Timer
	restartC <-chan time.Time

	consoleOut, consoleErr io.Writer
	passOut                io.Writer
	closers                []io.Closer
	unsubscribe            func()

	cmdChan   chan command
	exitChan  chan *process.Process
	doneChan  chan struct{}
	closeOnce sync.Once
	ctx       context.Context
	cancel    context.CancelFunc
}

// New validates opts and returns a supervisor bound to parser. Nothing is
// spawned unless opts.AutoStart is set, in which case a failed start is
// returned and the supervisor is closed.
func New(opts Options, parser *console.Parser) (*Supervisor, error) {
	opts = opts.withDefaults()
	if err := opts.Process.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrLaunch, err)
	}
	if parser == nil {
		parser = console.NewParser(console.WithLogger(opts.Logger))
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &Supervisor{
		opts:     opts,
		name:     opts.Process.Name,
		parser:   parser,
		log:      opts.Logger.With("server", opts.Process.Name),
		bo:       newBackOff(opts.Backoff),
		events:   newLifecycleQueue(parser.Emit),
		cmdChan:  make(chan command),
		exitChan: make(chan *process.Process),
		doneChan: make(chan struct{}),
		ctx:      ctx,
		cancel:   cancel,
	}
	s.restart.Store(opts.Restart)

	if outW, errW := opts.Console.Writers(opts.Process.Name); outW != nil {
		s.consoleOut, s.consoleErr = outW, errW
		s.closers = append(s.closers, outW, errW)
	}
	if opts.Passthrough != nil {
		s.passOut = opts.Passthrough.Out
	}
	s.unsubscribe = parser.Subscribe(console.ObserverFunc(s.observe))

	metrics.SetCurrentState(s.name, StateStopped.String(), allStates)
	go s.run()

	if opts.Passthrough != nil && opts.Passthrough.In != nil {
		go func() {
			if err := s.WatchControl(s.ctx, opts.Passthrough.In); err != nil && !errors.Is(err, context.Canceled) {
				s.log.Warn("passthrough input closed", "error", err)
			}
		}()
	}

	if opts.AutoStart {
		if err := s.Start(); err != nil {
			s.Close()
			return nil, err
		}
	}
	return s, nil
}

func newBackOff(cfg Backoff) *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = cfg.Initial
	b.RandomizationFactor = 0.2
	b.Multiplier = cfg.Multiplier
	if b.Multiplier < 1 {
		b.Multiplier = 1
	}
	b.MaxInterval = cfg.Max
	if b.MaxInterval < cfg.Initial {
		b.MaxInterval = cfg.Initial
	}
	b.MaxElapsedTime = 0
	b.Reset()
	return b
}

// Parser returns the console parser fed by the server's stdout.
func (s *Supervisor) Parser() *console.Parser { return s.parser }

// Name returns the server name used in logs, metrics and history.
func (s *Supervisor) Name() string { return s.name }

// Start launches the server. A live server is stopped first. Start does not
// wait for readiness.
func (s *Supervisor) Start() error { return s.send(command{action: actionStart}) }

// Stop requests a graceful stop and escalates after wait. The exit does not
// trigger a restart. A non-positive wait uses the configured stop timeout.
func (s *Supervisor) Stop(wait time.Duration) error {
	return s.send(command{action: actionStop, wait: wait})
}

func (s *Supervisor) send(c command) error {
	c.reply = make(chan error, 1)
	select {
	case s.cmdChan <- c:
		return <-c.reply
	case <-s.doneChan:
		return ErrClosed
	}
}

// SendCommand writes text and a newline to the server console. It reports
// false when no server is live or the write fails.
func (s *Supervisor) SendCommand(text string) bool {
	s.mu.RLock()
	proc := s.proc
	s.mu.RUnlock()
	if proc == nil {
		return false
	}
	if err := proc.WriteLine(text); err != nil {
		if !errors.Is(err, process.ErrNotRunning) {
			s.log.Warn("console write failed", "error", err)
		}
		return false
	}
	return true
}

func (s *Supervisor) SetRestart(enabled bool) { s.restart.Store(enabled) }

func (s *Supervisor) RestartEnabled() bool { return s.restart.Load() }

// WatchControl reads lines from the host's own input. A line equal to
// "stop" disables automatic restart; it does not stop the server. With
// passthrough enabled every line, "stop" included, is also forwarded to the
// server console.
func (s *Supervisor) WatchControl(ctx context.Context, r io.Reader) error {
	sc := bufio.NewScanner(r)
	for sc.Scan() {
		if err := ctx.Err(); err != nil {
			return err
		}
		line := strings.TrimSuffix(sc.Text(), "\r")
		if line == ControlStop {
			s.SetRestart(false)
			s.log.Info("automatic restart disabled from console")
		}
		if s.opts.Passthrough != nil && !s.SendCommand(line) {
			s.log.Debug("console line dropped, server not running", "line", line)
		}
	}
	return sc.Err()
}

func (s *Supervisor) Status() Status {
	s.mu.RLock()
	st := Status{
		State:    s.state.String(),
		Restarts: s.restarts,
		Attempt:  s.attempt,
		RunID:    s.runID,
	}
	proc := s.proc
	if proc == nil {
		proc = s.last
	}
	s.mu.RUnlock()

	if proc != nil {
		st.Status = proc.Snapshot()
	}
	st.Name = s.name
	st.RestartEnabled = s.restart.Load()
	snap := s.parser.Snapshot()
	st.Ready = snap.Ready
	st.Online = snap.Online
	return st
}

// Sessions returns the detached session state of the console parser.
func (s *Supervisor) Sessions() console.Snapshot { return s.parser.Snapshot() }

// PID returns the live server PID or 0.
func (s *Supervisor) PID() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.proc == nil {
		return 0
	}
	return s.proc.PID()
}

// Close stops the server, cancels any pending restart, delivers queued
// lifecycle events and releases the console log files. It is safe to call
// more than once, but not from an observer callback.
func (s *Supervisor) Close() {
	s.closeOnce.Do(func() {
		_ = s.send(command{action: actionShutdown})
		<-s.doneChan
		s.events.close()
		s.cancel()
		s.unsubscribe()
		for _, c := range s.closers {
			_ = c.Close()
		}
	})
}

// observe runs on the delivering goroutine and must not block.
func (s *Supervisor) observe(e console.Event) {
	metrics.IncEvent(s.name, string(e.Kind))
	switch e.Kind {
	case console.EventReady:
		s.readySeen.Store(true)
		metrics.SetReady(s.name, true)
		s.log.Info("server ready")
	case console.EventJoin, console.EventLeave:
		metrics.SetPlayersOnline(s.name, len(s.parser.Online()))
	}
}

// run is the lifecycle loop; every state change happens here.
func (s *Supervisor) run() {
	defer close(s.doneChan)
	for {
		select {
		case c := <-s.cmdChan:
			err := s.handleCommand(c)
			c.reply <- err
			if c.action == actionShutdown {
				return
			}
		case proc := <-s.exitChan:
			s.handleExit(proc)
		case <-s.restartC:
			s.restartC = nil
			s.handleRestartTimer()
		}
	}
}

func (s *Supervisor) handleCommand(c command) error {
	switch c.action {
	case actionStart:
		s.cancelRestart()
		if s.current() != nil {
			if err := s.doStop(s.opts.StopTimeout); err != nil {
				return err
			}
		}
		s.mu.Lock()
		s.attempt = 0
		s.mu.Unlock()
		s.bo.Reset()
		return s.doStart()
	case actionStop:
		wait := c.wait
		if wait <= 0 {
			wait = s.opts.StopTimeout
		}
		return s.doStop(wait)
	case actionShutdown:
		return s.doStop(s.opts.StopTimeout)
	}
	return fmt.Errorf("unknown action %d", c.action)
}

func (s *Supervisor) current() *process.Process {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.proc
}

func (s *Supervisor) doStart() error {
	s.setState(StateStarting)
	s.parser.Reset()
	s.readySeen.Store(false)

	proc := process.New(s.opts.Process)
	gate := newStartGate(s.parser)
	stdout := newFanout(gate, s.consoleOut, s.passOut)
	stderr := newFanout(nil, s.consoleErr, s.passOut)
	if err := proc.Start(s.opts.Env, stdout, stderr); err != nil {
		s.setState(StateStopped)
		s.log.Error("server launch failed", "error", err)
		return fmt.Errorf("%w: %w", ErrLaunch, err)
	}
	runID := uuid.NewString()
	pid := proc.PID()
	s.mu.Lock()
	s.proc, s.last, s.runID = proc, proc, runID
	s.mu.Unlock()
	s.setState(StateRunning)

	metrics.IncStart(s.name)
	s.log.Info("server started", "pid", pid, "run_id", runID)
	s.events.push(queuedEvent{
		event: console.Event{Kind: console.EventStart, Time: time.Now(), RunID: runID, PID: pid},
		after: gate.release,
	})

	go func() {
		<-proc.Done()
		select {
		case s.exitChan <- proc:
		case <-s.doneChan:
		}
	}()
	return nil
}

func (s *Supervisor) doStop(wait time.Duration) error {
	s.cancelRestart()
	proc := s.current()
	if proc == nil {
		if s.getState() == StateGaveUp {
			s.setState(StateStopped)
		}
		return nil
	}
	s.setState(StateStopping)
	err := proc.Stop(wait)
	s.handleExit(proc)
	if err != nil {
		return fmt.Errorf("failed to stop server: %w", err)
	}
	return nil
}

// handleExit is idempotent per run: Stop handles the exit inline and the
// monitor's later notice for the same run is ignored.
func (s *Supervisor) handleExit(proc *process.Process) {
	s.mu.Lock()
	if s.proc != proc {
		s.mu.Unlock()
		return
	}
	s.proc = nil
	runID := s.runID
	s.mu.Unlock()

	s.parser.Reset()
	metrics.SetReady(s.name, false)
	metrics.IncStop(s.name)

	reason := "exited"
	if err := proc.ExitErr(); err != nil {
		reason = err.Error()
	}
	pid := proc.PID()
	s.log.Info("server exited", "pid", pid, "run_id", runID, "reason", reason)
	// the second reset covers output that was still held when the run ended
	s.events.push(queuedEvent{
		event:  console.Event{Kind: console.EventExit, Time: time.Now(), RunID: runID, PID: pid, Reason: reason},
		before: s.parser.Reset,
	})

	if proc.StopRequested() || !s.restart.Load() {
		s.setState(StateStopped)
		return
	}
	s.scheduleRestart(reason)
}

func (s *Supervisor) scheduleRestart(reason string) {
	if s.readySeen.Swap(false) {
		s.mu.Lock()
		s.attempt = 0
		s.mu.Unlock()
		s.bo.Reset()
	}
	s.mu.Lock()
	s.attempt++
	attempt := s.attempt
	s.mu.Unlock()

	if limit := s.opts.Backoff.MaxRetries; limit > 0 && attempt > limit {
		s.setState(StateGaveUp)
		metrics.IncGiveUp(s.name)
		s.log.Error("restart budget exhausted, giving up", "attempts", limit, "reason", reason)
		s.events.push(queuedEvent{event: console.Event{Kind: console.EventGiveUp, Time: time.Now(), Attempt: limit, Reason: reason}})
		return
	}

	delay := s.bo.NextBackOff()
	if delay == backoff.Stop || delay < 0 {
		delay = s.opts.Backoff.Max
	}
	s.setState(StateStopped)
	s.log.Info("restart scheduled", "attempt", attempt, "delay", delay)
	s.timer = time.NewTimer(delay)
	s.restartC = s.timer.C
}

func (s *Supervisor) handleRestartTimer() {
	s.timer = nil
	if s.getState() != StateStopped || s.current() != nil {
		return
	}
	if !s.restart.Load() {
		s.log.Info("restart skipped, automatic restart disabled")
		return
	}
	if err := s.doStart(); err != nil {
		s.scheduleRestart(err.Error())
		return
	}
	s.mu.Lock()
	s.restarts++
	s.mu.Unlock()
	metrics.IncRestart(s.name)
}

func (s *Supervisor) cancelRestart() {
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	s.restartC = nil
}

func (s *Supervisor) getState() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

func (s *Supervisor) setState(next State) {
	s.mu.Lock()
	prev := s.state
	s.state = next
	s.mu.Unlock()
	if prev == next {
		return
	}
	metrics.RecordStateTransition(s.name, prev.String(), next.String())
	metrics.SetCurrentState(s.name, next.String(), allStates)
}
