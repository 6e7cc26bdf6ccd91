package manager

import (
	"bytes"
	"io"
	"sync"
)

// fanout copies server output to several writers. Only the first writer's
// error is reported; a failing log file or terminal must not stall the
// server's pipe.
type fanout struct {
	primary io.Writer
	extra   []io.Writer
}

func newFanout(primary io.Writer, extra ...io.Writer) io.Writer {
	f := &fanout{primary: primary}
	for _, w := range extra {
		if w != nil {
			f.extra = append(f.extra, w)
		}
	}
	return f
}

func (f *fanout) Write(p []byte) (int, error) {
	for _, w := range f.extra {
		_, _ = w.Write(p)
	}
	if f.primary == nil {
		return len(p), nil
	}
	return f.primary.Write(p)
}

// startGate holds a run's output until its start event has been delivered,
// so that event precedes any parsed output. Held chunks are buffered, never
// blocking the copy from the server's pipe.
type startGate struct {
	w    io.Writer
	mu   sync.Mutex
	open bool
	held [][]byte
}

func newStartGate(w io.Writer) *startGate { return &startGate{w: w} }

func (g *startGate) Write(p []byte) (int, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if !g.open {
		g.held = append(g.held, bytes.Clone(p))
		return len(p), nil
	}
	return g.w.Write(p)
}

// release writes the held chunks in order and lets later writes through.
func (g *startGate) release() {
	g.mu.Lock()
	defer g.mu.Unlock()
	for _, b := range g.held {
		_, _ = g.w.Write(b)
	}
	g.held = nil
	g.open = true
}
