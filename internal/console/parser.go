package console

import (
	"bytes"
	"log/slog"
	"strings"
	"sync"
	"time"

	"golang.org/x/text/encoding"
)

const (
	readyBanner = `For help, type "help"`
	joinSuffix  = " joined the game"
	leaveSuffix = " left the game"

	// maxPending bounds the partial-line buffer in LineModeLine.
	maxPending = 64 << 10
)

// LineMode selects how delivered chunks map to console lines.
type LineMode int

const (
	// LineModeChunk matches each delivered chunk as exactly one line. Chunks
	// holding a partial line or several lines are dropped.
	LineModeChunk LineMode = iota
	// LineModeLine buffers bytes across chunks and matches every complete line.
	LineModeLine
)

// ParseLineMode maps the config spelling to a LineMode.
func ParseLineMode(s string) (LineMode, bool) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "chunk":
		return LineModeChunk, true
	case "line":
		return LineModeLine, true
	}
	return LineModeChunk, false
}

func (m LineMode) String() string {
	if m == LineModeLine {
		return "line"
	}
	return "chunk"
}

// Option configures a Parser.
type Option func(*Parser)

// WithClock overrides the wall clock used for event and last-seen timestamps.
func WithClock(now func() time.Time) Option { return func(p *Parser) { p.now = now } }

// WithEncoding decodes chunks from a single-byte charset before matching.
func WithEncoding(enc encoding.Encoding) Option { return func(p *Parser) { p.enc = enc } }

// WithLineMode selects chunk or line matching.
func WithLineMode(m LineMode) Option { return func(p *Parser) { p.mode = m } }

// WithLogger sets the logger used for dropped-input diagnostics.
func WithLogger(l *slog.Logger) Option { return func(p *Parser) { p.log = l } }

// Parser turns raw console output into events and tracks who is online.
//
// Feed may be called back to back from any goroutine. Parsing and state
// mutation happen under mu; observers run after mu is released.
type Parser struct {
	mu      sync.Mutex
	state   sessionState
	ready   bool
	pending []byte
	dec     *encoding.Decoder
	enc     encoding.Encoding
	mode    LineMode
	now     func() time.Time
	log     *slog.Logger

	obsMu     sync.RWMutex
	observers []subscription
	nextID    int
}

type subscription struct {
	id  int
	obs Observer
}

func NewParser(opts ...Option) *Parser {
	p := &Parser{
		state: newSessionState(),
		now:   time.Now,
		log:   slog.Default(),
	}
	for _, o := range opts {
		o(p)
	}
	if p.enc != nil {
		p.dec = p.enc.NewDecoder()
	}
	return p
}

// Subscribe registers obs and returns a function that removes it.
func (p *Parser) Subscribe(obs Observer) func() {
	p.obsMu.Lock()
	p.nextID++
	id := p.nextID
	p.observers = append(p.observers, subscription{id: id, obs: obs})
	p.obsMu.Unlock()
	return func() {
		p.obsMu.Lock()
		defer p.obsMu.Unlock()
		for i, s := range p.observers {
			if s.id == id {
				p.observers = append(p.observers[:i], p.observers[i+1:]...)
				return
			}
		}
	}
}

// Feed consumes one raw output delivery.
func (p *Parser) Feed(chunk []byte) {
	if len(chunk) == 0 {
		return
	}
	p.mu.Lock()
	events := p.consume(chunk)
	p.mu.Unlock()
	p.Emit(events...)
}

// Write lets the parser sit directly on a process stdout.
func (p *Parser) Write(b []byte) (int, error) {
	p.Feed(b)
	return len(b), nil
}

// Emit delivers events to all observers in subscription order. It is also
// used by the supervisor to publish lifecycle events on the same channel.
func (p *Parser) Emit(events ...Event) {
	if len(events) == 0 {
		return
	}
	p.obsMu.RLock()
	subs := append([]subscription(nil), p.observers...)
	p.obsMu.RUnlock()
	for _, e := range events {
		for _, s := range subs {
			s.obs.OnEvent(e)
		}
	}
}

// Reset returns readiness to false and discards any partial line. Session
// state survives; players are tracked across restarts.
func (p *Parser) Reset() {
	p.mu.Lock()
	p.ready = false
	p.pending = nil
	p.mu.Unlock()
}

func (p *Parser) Ready() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.ready
}

// Online returns a copy of the online list in join order.
func (p *Parser) Online() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.state.online...)
}

func (p *Parser) LastSeen(name string) (LastSeen, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	ls, ok := p.state.lastSeen[name]
	return ls, ok
}

func (p *Parser) Snapshot() Snapshot {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state.snapshot(p.ready)
}

// consume must be called with mu held.
func (p *Parser) consume(chunk []byte) []Event {
	if p.dec != nil {
		decoded, err := p.dec.Bytes(chunk)
		if err != nil {
			p.log.Debug("console chunk decode failed", "error", err)
			return nil
		}
		chunk = decoded
	}

	var events []Event
	switch p.mode {
	case LineModeLine:
		p.pending = append(p.pending, chunk...)
		for {
			i := bytes.IndexByte(p.pending, '\n')
			if i < 0 {
				break
			}
			line := trimTerminator(string(p.pending[:i+1]))
			p.pending = p.pending[i+1:]
			events = p.classify(line, events)
		}
		if len(p.pending) > maxPending {
			p.log.Warn("console partial line too long, dropping", "bytes", len(p.pending))
			p.pending = nil
		} else if len(p.pending) == 0 {
			p.pending = nil
		}
	default:
		events = p.classify(trimTerminator(string(chunk)), events)
	}
	return events
}

// classify must be called with mu held.
func (p *Parser) classify(line string, events []Event) []Event {
	rec, ok := ParseLine(line)
	if !ok {
		return events
	}
	now := p.now()
	msg := rec.Message

	if strings.Contains(msg, readyBanner) {
		p.ready = true
		events = append(events, Event{Kind: EventReady, Time: now})
	}

	if name, ok := strings.CutSuffix(msg, joinSuffix); ok && name != "" {
		p.state.join(name)
		events = append(events, Event{Kind: EventJoin, Time: now, Name: name})
	} else if name, ok := strings.CutSuffix(msg, leaveSuffix); ok && name != "" {
		p.state.leave(name, now)
		events = append(events, Event{Kind: EventLeave, Time: now, Name: name})
	} else if author, body, ok := chatMessage(msg); ok {
		events = append(events, Event{Kind: EventMessage, Time: now, Author: author, Body: body})
	}

	events = append(events,
		Event{Kind: EventRaw, Time: now, Line: line},
		Event{Kind: EventLog, Time: now, Log: &rec},
	)
	return events
}

// chatMessage splits "<author> body" at the first '>'.
func chatMessage(msg string) (author, body string, ok bool) {
	rest, ok := strings.CutPrefix(msg, "<")
	if !ok {
		return "", "", false
	}
	author, body, ok = strings.Cut(rest, ">")
	if !ok {
		return "", "", false
	}
	return author, strings.TrimSpace(body), true
}
