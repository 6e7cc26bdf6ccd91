package mcsu

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const echoServer = `#!/bin/sh
echo '[12:00:00] [Server thread/INFO]: Done (1.2s)! For help, type "help"'
while read -r line; do
  case "$line" in
    stop) exit 0 ;;
    *) echo "[12:00:01] [Server thread/INFO]: $line joined the game" ;;
  esac
done
`

func requireUnix(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("requires Unix-like environment")
	}
}

func serverDir(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "start.sh"), []byte(echoServer), 0o700); err != nil {
		t.Fatal(err)
	}
	return dir
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

type kinds struct {
	mu   sync.Mutex
	seen []EventKind
}

func (k *kinds) OnEvent(e Event) {
	k.mu.Lock()
	k.seen = append(k.seen, e.Kind)
	k.mu.Unlock()
}

func (k *kinds) has(kind EventKind) bool {
	k.mu.Lock()
	defer k.mu.Unlock()
	for _, s := range k.seen {
		if s == kind {
			return true
		}
	}
	return false
}

func TestSupervisorFacade(t *testing.T) {
	requireUnix(t)
	p := NewParser(WithLineMode(LineModeLine))
	obs := &kinds{}
	p.Subscribe(obs)

	s, err := NewWithParser(Options{
		Process:     Spec{WorkDir: serverDir(t), Script: "start.sh", StopCommand: "stop"},
		AutoStart:   true,
		StopTimeout: 2 * time.Second,
	}, p)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	defer s.Close()

	waitFor(t, "ready", s.Ready)
	if !obs.has(EventStart) {
		t.Fatalf("start event not observed before ready")
	}
	if !s.SendCommand("Steve") {
		t.Fatalf("send failed")
	}
	waitFor(t, "join", func() bool { return len(s.Online()) == 1 })
	if ls, ok := s.LastSeen("Steve"); !ok || !ls.Online {
		t.Fatalf("unexpected last seen: %+v %v", ls, ok)
	}
	if err := s.Stop(0); err != nil {
		t.Fatalf("stop: %v", err)
	}
	if st := s.Status(); st.Running || st.State != "stopped" {
		t.Fatalf("unexpected status after stop: %+v", st)
	}
	if s.SendCommand("late") {
		t.Fatalf("send after stop should report false")
	}
	waitFor(t, "exit event", func() bool { return obs.has(EventExit) })
}

func TestNewRejectsMissingDir(t *testing.T) {
	_, err := New(Options{Process: Spec{WorkDir: filepath.Join(t.TempDir(), "missing"), Jar: "server.jar"}})
	if err == nil || !strings.Contains(err.Error(), "does not exist") {
		t.Fatalf("expected missing dir error, got %v", err)
	}
}

func TestHTTPHandlerFacade(t *testing.T) {
	requireUnix(t)
	s, err := New(Options{Process: Spec{WorkDir: serverDir(t), Script: "start.sh", StopCommand: "stop"}, StopTimeout: 2 * time.Second})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	defer s.Close()
	h := NewHTTPHandler(s, nil, "/mc")

	req := httptest.NewRequest(http.MethodPost, "/mc/command", bytes.NewBufferString(`{"command":"list"}`))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusConflict {
		t.Fatalf("expected 409 while stopped, got %d", rec.Code)
	}

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/mc/start", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("start: %d %s", rec.Code, rec.Body.String())
	}
	waitFor(t, "ready", s.Ready)

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/mc/status", nil))
	var st Status
	if err := json.Unmarshal(rec.Body.Bytes(), &st); err != nil {
		t.Fatalf("decode status: %v", err)
	}
	if !st.Running || !st.Ready || st.RunID == "" {
		t.Fatalf("unexpected status: %+v", st)
	}
}

func TestLoadConfigAndNewFromConfig(t *testing.T) {
	requireUnix(t)
	dir := serverDir(t)
	path := filepath.Join(t.TempDir(), "mcsu.yaml")
	body := "server:\n  start_script: start.sh\n  mc_path: " + dir + "\n  line_mode: line\n"
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatal(err)
	}
	c, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	s, err := NewFromConfig(c, nil)
	if err != nil {
		t.Fatalf("new from config: %v", err)
	}
	defer s.Close()
	if s.Status().Name != "minecraft" {
		t.Fatalf("default name not applied: %+v", s.Status())
	}
}

func TestHistoryRecorderFacade(t *testing.T) {
	rec, err := NewHistoryRecorder("lobby", []string{"sqlite://:memory:"}, 8)
	if err != nil {
		t.Fatalf("recorder: %v", err)
	}
	rec.OnEvent(Event{Kind: EventJoin, Name: "Alex", Time: time.Now()})
	if err := rec.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if _, err := NewHistoryRecorder("lobby", []string{"mysql://nope"}, 0); err == nil {
		t.Fatalf("expected error for unsupported DSN")
	}
}

func TestRegisterMetricsFacade(t *testing.T) {
	reg := prometheus.NewRegistry()
	if err := RegisterMetrics(reg); err != nil {
		t.Fatalf("register: %v", err)
	}
	if MetricsHandler() == nil {
		t.Fatalf("nil metrics handler")
	}
}
