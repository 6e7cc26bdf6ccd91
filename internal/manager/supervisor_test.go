package manager

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loykin/mcsu/internal/console"
)

const readyLine = `[10:00:00] [Server thread/INFO]: Done (1.2s)! For help, type "help"`

// echoServer prints the ready banner, echoes commands as console lines and
// exits on "stop".
const echoServer = `#!/bin/sh
echo '` + readyLine + `'
while read -r line; do
  if [ "$line" = "stop" ]; then
    echo '[10:00:09] [Server thread/INFO]: Stopping server'
    exit 0
  fi
  echo "[10:00:01] [Server thread/INFO]: got $line"
done
`

func requireUnix(t *testing.T) {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("tests require sh on Unix-like systems")
	}
}

func writeScript(t *testing.T, dir, body string) {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "server.sh"), []byte(body), 0o700))
}

type eventLog struct {
	mu     sync.Mutex
	events []console.Event
}

func (l *eventLog) OnEvent(e console.Event) {
	l.mu.Lock()
	l.events = append(l.events, e)
	l.mu.Unlock()
}

func (l *eventLog) count(k console.EventKind) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	n := 0
	for _, e := range l.events {
		if e.Kind == k {
			n++
		}
	}
	return n
}

func (l *eventLog) lines() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []string
	for _, e := range l.events {
		if e.Kind == console.EventLog {
			out = append(out, e.Log.Message)
		}
	}
	return out
}

func (l *eventLog) first(k console.EventKind) (console.Event, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, e := range l.events {
		if e.Kind == k {
			return e, true
		}
	}
	return console.Event{}, false
}

type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func newSupervisor(t *testing.T, opts Options) (*Supervisor, *eventLog) {
	t.Helper()
	p := console.NewParser()
	log := &eventLog{}
	p.Subscribe(log)
	if opts.Process.Script == "" && opts.Process.Jar == "" {
		opts.Process.Script = "server.sh"
	}
	if opts.StopTimeout == 0 {
		opts.StopTimeout = 2 * time.Second
	}
	s, err := New(opts, p)
	require.NoError(t, err)
	t.Cleanup(s.Close)
	return s, log
}

const eventually = 5 * time.Second
const tick = 10 * time.Millisecond

func TestNew_NonexistentWorkDirFails(t *testing.T) {
	_, err := New(Options{Process: specIn(filepath.Join(t.TempDir(), "missing"))}, nil)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrLaunch), "got %v", err)
	assert.Contains(t, err.Error(), "does not exist or is not a valid path")
}

func TestNew_RequiresOneLaunchMode(t *testing.T) {
	dir := t.TempDir()
	_, err := New(Options{Process: specIn(dir)}, nil)
	assert.True(t, errors.Is(err, ErrLaunch))

	both := specIn(dir)
	both.Jar, both.Script = "server.jar", "start.sh"
	_, err = New(Options{Process: both}, nil)
	assert.True(t, errors.Is(err, ErrLaunch))
}

func TestSendCommand_FalseWhenNotRunning(t *testing.T) {
	s, _ := newSupervisor(t, Options{Process: specIn(t.TempDir())})
	assert.False(t, s.SendCommand("list"))
	assert.Equal(t, "stopped", s.Status().State)
}

func TestStartSendStop(t *testing.T) {
	requireUnix(t)
	dir := t.TempDir()
	writeScript(t, dir, echoServer)
	s, events := newSupervisor(t, Options{Process: specIn(dir)})

	require.NoError(t, s.Start())
	require.Eventually(t, s.Parser().Ready, eventually, tick)

	st := s.Status()
	assert.Equal(t, "running", st.State)
	assert.True(t, st.Running)
	assert.NotZero(t, st.PID)
	assert.NotEmpty(t, st.RunID)

	start, ok := events.first(console.EventStart)
	require.True(t, ok)
	assert.Equal(t, st.RunID, start.RunID)
	assert.Equal(t, st.PID, start.PID)

	require.True(t, s.SendCommand("say hi"))
	require.Eventually(t, func() bool {
		for _, l := range events.lines() {
			if l == "got say hi" {
				return true
			}
		}
		return false
	}, eventually, tick)

	require.NoError(t, s.Stop(2*time.Second))
	assert.Equal(t, "stopped", s.Status().State)
	assert.False(t, s.Parser().Ready())
	assert.False(t, s.SendCommand("list"))
	require.Eventually(t, func() bool { return events.count(console.EventExit) == 1 }, eventually, tick)
}

func TestUnrequestedExitWithoutRestartStaysStopped(t *testing.T) {
	requireUnix(t)
	dir := t.TempDir()
	writeScript(t, dir, "#!/bin/sh\necho '"+readyLine+"'\nexit 3\n")
	s, events := newSupervisor(t, Options{Process: specIn(dir)})

	require.NoError(t, s.Start())
	require.Eventually(t, func() bool { return events.count(console.EventExit) == 1 }, eventually, tick)
	require.Eventually(t, func() bool { return s.Status().State == "stopped" }, eventually, tick)
	assert.False(t, s.Parser().Ready())
	exit, _ := events.first(console.EventExit)
	assert.Contains(t, exit.Reason, "exit status 3")
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, 1, events.count(console.EventStart))
}

// The first run prints the ready banner and crashes; the second run never
// becomes ready. Readiness must be false after the restart.
func TestRestartResetsReadiness(t *testing.T) {
	requireUnix(t)
	dir := t.TempDir()
	writeScript(t, dir, `#!/bin/sh
if [ ! -f ran ]; then
  touch ran
  echo '`+readyLine+`'
  exit 1
fi
echo '[10:00:05] [Server thread/INFO]: Loading world'
while read -r line; do :; done
`)
	s, events := newSupervisor(t, Options{Process: specIn(dir), Restart: true})

	require.NoError(t, s.Start())
	require.Eventually(t, func() bool { return events.count(console.EventStart) == 2 }, eventually, tick)
	require.Eventually(t, func() bool {
		for _, l := range events.lines() {
			if l == "Loading world" {
				return true
			}
		}
		return false
	}, eventually, tick)

	assert.Equal(t, 1, events.count(console.EventReady))
	assert.False(t, s.Parser().Ready())
	st := s.Status()
	assert.Equal(t, "running", st.State)
	assert.Equal(t, uint32(1), st.Restarts)
}

func TestGivesUpAfterMaxRetries(t *testing.T) {
	requireUnix(t)
	dir := t.TempDir()
	writeScript(t, dir, "#!/bin/sh\nexit 1\n")
	s, events := newSupervisor(t, Options{
		Process: specIn(dir),
		Restart: true,
		Backoff: Backoff{Initial: 10 * time.Millisecond, Max: 20 * time.Millisecond, Multiplier: 2, MaxRetries: 2},
	})

	require.NoError(t, s.Start())
	require.Eventually(t, func() bool { return events.count(console.EventGiveUp) == 1 }, eventually, tick)
	assert.Equal(t, "gave_up", s.Status().State)
	assert.Equal(t, 3, events.count(console.EventStart))
	giveUp, _ := events.first(console.EventGiveUp)
	assert.Equal(t, 2, giveUp.Attempt)

	// a manual start leaves the terminal state
	writeScript(t, dir, echoServer)
	require.NoError(t, s.Start())
	require.Eventually(t, s.Parser().Ready, eventually, tick)
	assert.Equal(t, "running", s.Status().State)
}

func TestStopSuppressesRestart(t *testing.T) {
	requireUnix(t)
	dir := t.TempDir()
	writeScript(t, dir, echoServer)
	s, events := newSupervisor(t, Options{Process: specIn(dir), Restart: true})

	require.NoError(t, s.Start())
	require.Eventually(t, s.Parser().Ready, eventually, tick)
	require.NoError(t, s.Stop(2*time.Second))
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, 1, events.count(console.EventStart))
	assert.Equal(t, "stopped", s.Status().State)
	assert.True(t, s.RestartEnabled())
}

func TestStartWhileRunningReplacesProcess(t *testing.T) {
	requireUnix(t)
	dir := t.TempDir()
	writeScript(t, dir, echoServer)
	s, events := newSupervisor(t, Options{Process: specIn(dir)})

	require.NoError(t, s.Start())
	first := s.PID()
	require.NoError(t, s.Start())
	second := s.PID()

	assert.NotEqual(t, first, second)
	assert.Equal(t, "running", s.Status().State)
	require.Eventually(t, func() bool { return events.count(console.EventStart) == 2 }, eventually, tick)
	assert.Equal(t, 1, events.count(console.EventExit))
}

// The first run crashes; an observer starts the server again from the exit
// event. The lifecycle loop must not be blocked by that callback.
func TestObserverStartsServerOnExit(t *testing.T) {
	requireUnix(t)
	dir := t.TempDir()
	writeScript(t, dir, `#!/bin/sh
if [ ! -f ran ]; then
  touch ran
  exit 1
fi
`+strings.TrimPrefix(echoServer, "#!/bin/sh\n"))
	s, events := newSupervisor(t, Options{Process: specIn(dir)})

	restarted := make(chan error, 1)
	var once sync.Once
	s.Parser().Subscribe(console.ObserverFunc(func(e console.Event) {
		if e.Kind == console.EventExit {
			once.Do(func() { restarted <- s.Start() })
		}
	}))

	require.NoError(t, s.Start())
	select {
	case err := <-restarted:
		require.NoError(t, err)
	case <-time.After(3 * time.Second):
		t.Fatal("Start from an exit observer did not return")
	}
	require.Eventually(t, s.Parser().Ready, eventually, tick)
	assert.Equal(t, "running", s.Status().State)
	assert.Equal(t, 2, events.count(console.EventStart))
}

func TestObserverStopsServerOnStart(t *testing.T) {
	requireUnix(t)
	dir := t.TempDir()
	writeScript(t, dir, echoServer)
	s, events := newSupervisor(t, Options{Process: specIn(dir), Restart: true})

	stopped := make(chan error, 1)
	var once sync.Once
	s.Parser().Subscribe(console.ObserverFunc(func(e console.Event) {
		if e.Kind == console.EventStart {
			once.Do(func() { stopped <- s.Stop(time.Second) })
		}
	}))

	require.NoError(t, s.Start())
	select {
	case err := <-stopped:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Stop from a start observer did not return")
	}
	assert.Equal(t, "stopped", s.Status().State)
	require.Eventually(t, func() bool { return events.count(console.EventExit) == 1 }, eventually, tick)
	assert.Equal(t, 1, events.count(console.EventStart))
}

// A server that never reads its console must not wedge Status or Stop.
func TestStuckConsoleWriteDoesNotBlockSupervisor(t *testing.T) {
	requireUnix(t)
	dir := t.TempDir()
	writeScript(t, dir, "#!/bin/sh\nexec sleep 60\n")
	s, _ := newSupervisor(t, Options{Process: specIn(dir)})
	require.NoError(t, s.Start())

	line := strings.Repeat("x", 8<<10)
	go func() {
		for i := 0; i < 64; i++ {
			if !s.SendCommand(line) {
				return
			}
		}
	}()
	time.Sleep(200 * time.Millisecond)

	status := make(chan Status, 1)
	go func() { status <- s.Status() }()
	select {
	case st := <-status:
		assert.True(t, st.Running)
	case <-time.After(2 * time.Second):
		t.Fatal("Status blocked behind a stuck console write")
	}

	stopped := make(chan error, 1)
	go func() { stopped <- s.Stop(500 * time.Millisecond) }()
	select {
	case err := <-stopped:
		require.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("Stop blocked behind a stuck console write")
	}
	assert.Equal(t, "stopped", s.Status().State)
}

func TestWatchControl_StopDisablesRestart(t *testing.T) {
	s, _ := newSupervisor(t, Options{Process: specIn(t.TempDir()), Restart: true})
	require.True(t, s.RestartEnabled())

	err := s.WatchControl(context.Background(), strings.NewReader("list\r\nstop\n"))
	require.NoError(t, err)
	assert.False(t, s.RestartEnabled())
}

func TestWatchControl_OnlyExactStop(t *testing.T) {
	s, _ := newSupervisor(t, Options{Process: specIn(t.TempDir()), Restart: true})
	require.NoError(t, s.WatchControl(context.Background(), strings.NewReader(" stop\nstopping\n")))
	assert.True(t, s.RestartEnabled())
}

func TestPassthroughForwardsInputAndOutput(t *testing.T) {
	requireUnix(t)
	dir := t.TempDir()
	writeScript(t, dir, echoServer)
	out := &syncBuffer{}
	s, _ := newSupervisor(t, Options{Process: specIn(dir), Passthrough: &Passthrough{Out: out}, Restart: true})

	require.NoError(t, s.Start())
	require.Eventually(t, s.Parser().Ready, eventually, tick)
	require.NoError(t, s.WatchControl(context.Background(), strings.NewReader("hello\nstop\n")))

	require.Eventually(t, func() bool {
		return strings.Contains(out.String(), "got hello") && strings.Contains(out.String(), "Stopping server")
	}, eventually, tick)
	assert.False(t, s.RestartEnabled())
	require.Eventually(t, func() bool { return s.Status().State == "stopped" }, eventually, tick)
}

func TestAutoStart(t *testing.T) {
	requireUnix(t)
	dir := t.TempDir()
	writeScript(t, dir, echoServer)
	s, _ := newSupervisor(t, Options{Process: specIn(dir), AutoStart: true})
	assert.NotZero(t, s.PID())
}

func TestAutoStartSpawnFailure(t *testing.T) {
	dir := t.TempDir()
	spec := specIn(dir)
	spec.Jar = "server.jar"
	spec.Java = filepath.Join(dir, "no-java")
	_, err := New(Options{Process: spec, AutoStart: true}, nil)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrLaunch))
}

func TestCloseStopsServerAndRejectsCommands(t *testing.T) {
	requireUnix(t)
	dir := t.TempDir()
	writeScript(t, dir, echoServer)
	s, events := newSupervisor(t, Options{Process: specIn(dir), Restart: true})
	require.NoError(t, s.Start())

	s.Close()
	assert.Equal(t, 1, events.count(console.EventExit))
	assert.ErrorIs(t, s.Start(), ErrClosed)
	assert.False(t, s.SendCommand("list"))
	s.Close()
}

func TestConsoleCapture(t *testing.T) {
	requireUnix(t)
	dir := t.TempDir()
	logs := t.TempDir()
	writeScript(t, dir, echoServer+"\n")
	opts := Options{Process: specIn(dir)}
	opts.Process.Name = "lobby"
	opts.Console.Dir = logs
	s, _ := newSupervisor(t, opts)
	require.NoError(t, s.Start())
	require.Eventually(t, s.Parser().Ready, eventually, tick)
	require.NoError(t, s.Stop(time.Second))
	s.Close()

	b, err := os.ReadFile(filepath.Join(logs, "lobby.stdout.log"))
	require.NoError(t, err)
	assert.Contains(t, string(b), "For help, type")
}
