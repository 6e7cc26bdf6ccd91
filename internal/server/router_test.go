package server

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loykin/mcsu/internal/console"
	"github.com/loykin/mcsu/internal/manager"
)

type fakeController struct {
	mu       sync.Mutex
	running  bool
	restart  bool
	sent     []string
	stopWait time.Duration
	startErr error
	sessions console.Snapshot
}

func (f *fakeController) Start() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.startErr != nil {
		return f.startErr
	}
	f.running = true
	return nil
}

func (f *fakeController) Stop(wait time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.running = false
	f.stopWait = wait
	return nil
}

func (f *fakeController) SendCommand(text string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.running {
		return false
	}
	f.sent = append(f.sent, text)
	return true
}

func (f *fakeController) SetRestart(enabled bool) {
	f.mu.Lock()
	f.restart = enabled
	f.mu.Unlock()
}

func (f *fakeController) Status() manager.Status {
	f.mu.Lock()
	defer f.mu.Unlock()
	st := manager.Status{State: "stopped", RestartEnabled: f.restart}
	st.Name = "minecraft"
	st.Running = f.running
	if f.running {
		st.State = "running"
		st.PID = 4242
	}
	return st
}

func (f *fakeController) Sessions() console.Snapshot { return f.sessions }

func setupRouter(t *testing.T, base string, ctl Controller) http.Handler {
	t.Helper()
	gin.SetMode(gin.TestMode)
	return NewRouter(ctl, nil, base, nil).Handler()
}

func doReq(t *testing.T, h http.Handler, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var rdr io.Reader
	if body != nil {
		b, _ := json.Marshal(body)
		rdr = bytes.NewReader(b)
	}
	req := httptest.NewRequest(method, path, rdr)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestCommand_NotRunningIsConflict(t *testing.T) {
	h := setupRouter(t, "/api", &fakeController{})
	rec := doReq(t, h, http.MethodPost, "/api/command", map[string]string{"command": "say hi"})
	if rec.Code != http.StatusConflict {
		t.Fatalf("expected 409, got %d: %s", rec.Code, rec.Body.String())
	}
}

func TestCommand_Validation(t *testing.T) {
	h := setupRouter(t, "/api", &fakeController{running: true})
	for _, body := range []any{map[string]string{"command": "  "}, map[string]string{"command": "a\nb"}} {
		rec := doReq(t, h, http.MethodPost, "/api/command", body)
		if rec.Code != http.StatusBadRequest {
			t.Fatalf("expected 400 for %v, got %d", body, rec.Code)
		}
	}
	req := httptest.NewRequest(http.MethodPost, "/api/command", bytes.NewBufferString("{"))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for bad JSON, got %d", rec.Code)
	}
}

func TestStartCommandStop(t *testing.T) {
	ctl := &fakeController{}
	h := setupRouter(t, "api/", ctl)

	rec := doReq(t, h, http.MethodPost, "/api/start", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = doReq(t, h, http.MethodPost, "/api/command", map[string]string{"command": "say hi"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, []string{"say hi"}, ctl.sent)

	rec = doReq(t, h, http.MethodPost, "/api/stop?wait=3s", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, 3*time.Second, ctl.stopWait)
	assert.False(t, ctl.running)
}

func TestStop_InvalidWait(t *testing.T) {
	h := setupRouter(t, "", &fakeController{})
	rec := doReq(t, h, http.MethodPost, "/stop?wait=soon", nil)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
}

func TestStart_ErrorMapping(t *testing.T) {
	h := setupRouter(t, "", &fakeController{startErr: manager.ErrLaunch})
	rec := doReq(t, h, http.MethodPost, "/start", nil)
	assert.Equal(t, http.StatusInternalServerError, rec.Code)

	h = setupRouter(t, "", &fakeController{startErr: manager.ErrClosed})
	rec = doReq(t, h, http.MethodPost, "/start", nil)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestRestartToggle(t *testing.T) {
	ctl := &fakeController{}
	h := setupRouter(t, "/api", ctl)

	rec := doReq(t, h, http.MethodPut, "/api/restart", map[string]bool{"enabled": true})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"enabled":true}`, rec.Body.String())
	assert.True(t, ctl.restart)

	rec = doReq(t, h, http.MethodPut, "/api/restart", map[string]string{})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.True(t, ctl.restart)
}

func TestStatusAndPlayers(t *testing.T) {
	at := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	ctl := &fakeController{
		running: true,
		sessions: console.Snapshot{
			Ready:  true,
			Online: []string{"Steve"},
			LastSeen: map[string]console.LastSeen{
				"Steve": {Online: true},
				"Alex":  {At: at},
			},
		},
	}
	h := setupRouter(t, "/api", ctl)

	rec := doReq(t, h, http.MethodGet, "/api/status", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var st manager.Status
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &st))
	assert.Equal(t, "running", st.State)
	assert.Equal(t, 4242, st.PID)
	assert.Equal(t, "minecraft", st.Name)

	rec = doReq(t, h, http.MethodGet, "/api/players", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var snap console.Snapshot
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &snap))
	assert.Equal(t, []string{"Steve"}, snap.Online)
	assert.True(t, snap.LastSeen["Steve"].Online)
	assert.True(t, at.Equal(snap.LastSeen["Alex"].At))
}

func TestEventsRouteRequiresHub(t *testing.T) {
	h := setupRouter(t, "", &fakeController{})
	rec := doReq(t, h, http.MethodGet, "/events", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestSanitizeBase(t *testing.T) {
	cases := map[string]string{"": "", "/": "", "api": "/api", "/api/": "/api", " /x/y/ ": "/x/y"}
	for in, want := range cases {
		if got := sanitizeBase(in); got != want {
			t.Fatalf("sanitizeBase(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestParseWait(t *testing.T) {
	d, err := parseWait("")
	require.NoError(t, err)
	assert.Zero(t, d)
	d, err = parseWait("-5s")
	require.NoError(t, err)
	assert.Zero(t, d)
	d, err = parseWait("1m")
	require.NoError(t, err)
	assert.Equal(t, time.Minute, d)
	_, err = parseWait("x")
	assert.Error(t, err)
}
