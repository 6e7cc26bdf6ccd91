package history

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/loykin/mcsu/internal/console"
)

const (
	DefaultQueueSize = 256
	sendTimeout      = 5 * time.Second
)

// Recorder is a console.Observer that forwards history events to sinks on
// its own goroutine. OnEvent never blocks; when the queue is full the event
// is dropped and counted.
type Recorder struct {
	server string
	sinks  []Sink
	log    *slog.Logger

	mu     sync.RWMutex
	closed bool
	runID  string
	pid    int
	queue  chan Event

	dropped atomic.Uint64
	done    chan struct{}
}

func NewRecorder(server string, sinks []Sink, queueSize int, log *slog.Logger) *Recorder {
	if queueSize <= 0 {
		queueSize = DefaultQueueSize
	}
	if log == nil {
		log = slog.Default()
	}
	r := &Recorder{
		server: server,
		sinks:  sinks,
		log:    log,
		queue:  make(chan Event, queueSize),
		done:   make(chan struct{}),
	}
	go r.loop()
	return r
}

// OnEvent records lifecycle, readiness, session and chat events. Player
// events inherit the run id and PID of the most recent start.
func (r *Recorder) OnEvent(e console.Event) {
	h, ok := FromConsole(r.server, e)
	if !ok {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return
	}
	switch h.Kind {
	case KindStart:
		r.runID, r.pid = h.RunID, h.PID
	case KindExit, KindGiveUp:
	default:
		if h.RunID == "" {
			h.RunID = r.runID
		}
		if h.PID == 0 {
			h.PID = r.pid
		}
	}
	select {
	case r.queue <- h:
	default:
		r.dropped.Add(1)
		r.log.Warn("history queue full, event dropped", "kind", h.Kind, "server", r.server)
	}
}

// Dropped returns the number of events discarded because the queue was full.
func (r *Recorder) Dropped() uint64 { return r.dropped.Load() }

func (r *Recorder) loop() {
	defer close(r.done)
	for e := range r.queue {
		for _, s := range r.sinks {
			ctx, cancel := context.WithTimeout(context.Background(), sendTimeout)
			if err := s.Send(ctx, e); err != nil {
				r.log.Warn("history send failed", "kind", e.Kind, "error", err)
			}
			cancel()
		}
	}
}

// Close drains queued events, then closes every sink.
func (r *Recorder) Close() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		<-r.done
		return nil
	}
	r.closed = true
	close(r.queue)
	r.mu.Unlock()
	<-r.done

	var errs []error
	for _, s := range r.sinks {
		if err := s.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
