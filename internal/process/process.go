package process

import (
	"errors"
	"fmt"
	"io"
	"os/exec"
	"sync"
	"time"
)

// ErrNotRunning is returned when an operation needs a live process.
var ErrNotRunning = errors.New("process not running")

const (
	// waitDelay bounds how long Wait keeps copying output after the process
	// exits, in case a grandchild still holds the pipes.
	waitDelay = 5 * time.Second
	termGrace = 2 * time.Second
	killGrace = 200 * time.Millisecond
)

// Process is a single run of the server. It is started once; a restart
// creates a new Process.
type Process struct {
	spec     Spec
	mu       sync.Mutex
	writeMu  sync.Mutex // serializes stdin writes; never held with mu
	cmd      *exec.Cmd
	stdin    io.WriteCloser
	status   Status
	stopping bool // stop requested; the supervisor must not auto-restart
	exitErr  error
	done     chan struct{} // closed once cmd.Wait returns
}

func New(spec Spec) *Process { return &Process{spec: spec, status: Status{Name: spec.Name}} }

func (r *Process) Spec() Spec {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.spec
}

// Start launches the command with env, copying output to stdout and stderr.
// A nil writer discards that stream. Start does not wait for readiness; the
// exit is reaped by an internal goroutine and reported through Done.
func (r *Process) Start(env []string, stdout, stderr io.Writer) error {
	r.mu.Lock()
	if r.cmd != nil {
		r.mu.Unlock()
		return errors.New("process already started")
	}
	spec := r.spec
	r.mu.Unlock()

	cmd := spec.BuildCommand()
	if len(env) > 0 {
		cmd.Env = env
	}
	cmd.Stdout = stdout
	cmd.Stderr = stderr
	cmd.WaitDelay = waitDelay
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return fmt.Errorf("stdin pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		_ = stdin.Close()
		return err
	}

	done := make(chan struct{})
	r.mu.Lock()
	r.cmd = cmd
	r.stdin = stdin
	r.done = done
	r.stopping = false
	r.status = Status{
		Name:      spec.Name,
		Running:   true,
		PID:       cmd.Process.Pid,
		StartedAt: time.Now(),
	}
	r.mu.Unlock()

	go r.wait(cmd, done)
	return nil
}

func (r *Process) wait(cmd *exec.Cmd, done chan struct{}) {
	err := cmd.Wait()
	r.mu.Lock()
	r.status.Running = false
	r.status.StoppedAt = time.Now()
	if err != nil {
		r.status.ExitErr = err.Error()
	}
	r.exitErr = err
	r.stdin = nil
	close(done)
	r.mu.Unlock()
}

// Done is closed when the process has exited and been reaped. It is nil
// before Start.
func (r *Process) Done() <-chan struct{} {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.done
}

// ExitErr is the error returned by Wait, valid after Done is closed.
func (r *Process) ExitErr() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.exitErr
}

func (r *Process) Alive() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.status.Running
}

func (r *Process) PID() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.status.PID
}

// Snapshot returns a copy of the current status.
func (r *Process) Snapshot() Status {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.status
}

// WriteLine writes text and a newline to the process stdin. Writes are
// serialized; the call returns once the OS has accepted the bytes. A write
// blocked on a full pipe does not hold up Status, Stop or Kill, and fails
// once the process is reaped.
func (r *Process) WriteLine(text string) error {
	r.mu.Lock()
	stdin := r.stdin
	running := r.status.Running
	r.mu.Unlock()
	if stdin == nil || !running {
		return ErrNotRunning
	}
	r.writeMu.Lock()
	defer r.writeMu.Unlock()
	_, err := io.WriteString(stdin, text+"\n")
	return err
}

func (r *Process) SetStopRequested(v bool) {
	r.mu.Lock()
	r.stopping = v
	r.mu.Unlock()
}

func (r *Process) StopRequested() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.stopping
}

// Stop asks the server to shut down and escalates if it does not.
// With a StopCommand the command is written to stdin first; otherwise the
// process group gets SIGTERM. After wait the group is terminated, then killed.
func (r *Process) Stop(wait time.Duration) error {
	r.mu.Lock()
	done := r.done
	running := r.status.Running
	stopCmd := r.spec.StopCommand
	r.stopping = true
	r.mu.Unlock()
	if done == nil || !running {
		return nil
	}

	graceful := stopCmd != ""
	var written <-chan error
	if graceful {
		// the stop command may sit behind a stuck write; do not wait on it
		ch := make(chan error, 1)
		go func() { ch <- r.WriteLine(stopCmd) }()
		written = ch
	} else {
		_ = r.terminate()
	}
	if r.awaitExit(done, written, wait, &graceful) {
		return nil
	}
	if graceful {
		_ = r.terminate()
		if waitDone(done, termGrace) {
			return nil
		}
	}
	_ = r.Kill()
	if waitDone(done, killGrace) {
		return nil
	}
	return fmt.Errorf("process %d did not exit after kill", r.PID())
}

// awaitExit waits up to d for done. If the stop command write fails first
// the group is terminated and graceful is cleared.
func (r *Process) awaitExit(done <-chan struct{}, written <-chan error, d time.Duration, graceful *bool) bool {
	if d < 0 {
		d = 0
	}
	t := time.NewTimer(d)
	defer t.Stop()
	for {
		select {
		case <-done:
			return true
		case err := <-written:
			written = nil
			if err != nil {
				*graceful = false
				_ = r.terminate()
			}
		case <-t.C:
			return waitDone(done, 0)
		}
	}
}

// Kill sends SIGKILL to the process group without waiting.
func (r *Process) Kill() error {
	r.mu.Lock()
	cmd := r.cmd
	r.mu.Unlock()
	if cmd == nil || cmd.Process == nil {
		return nil
	}
	return killGroup(cmd)
}

func (r *Process) terminate() error {
	r.mu.Lock()
	cmd := r.cmd
	r.mu.Unlock()
	if cmd == nil || cmd.Process == nil {
		return nil
	}
	return terminateGroup(cmd)
}

func waitDone(done <-chan struct{}, d time.Duration) bool {
	if d <= 0 {
		select {
		case <-done:
			return true
		default:
			return false
		}
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-done:
		return true
	case <-t.C:
		return false
	}
}
