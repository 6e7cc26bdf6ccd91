package server

import (
	"errors"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/loykin/mcsu/internal/console"
	"github.com/loykin/mcsu/internal/manager"
)

// Controller is the part of the supervisor the API drives.
type Controller interface {
	Start() error
	Stop(wait time.Duration) error
	SendCommand(text string) bool
	SetRestart(enabled bool)
	Status() manager.Status
	Sessions() console.Snapshot
}

// Router provides embeddable HTTP handlers for one supervised server.
// Endpoints, relative to basePath:
//
//	POST {basePath}/command   body: {"command":"say hi"}
//	POST {basePath}/start
//	POST {basePath}/stop      query: wait=10s (optional)
//	PUT  {basePath}/restart   body: {"enabled":true}
//	GET  {basePath}/status
//	GET  {basePath}/players
//	GET  {basePath}/events    websocket, only when a hub is attached
type Router struct {
	ctl      Controller
	hub      *Hub
	basePath string
	log      *slog.Logger
	upgrader websocket.Upgrader
}

// NewRouter constructs a Router. hub may be nil to disable /events.
func NewRouter(ctl Controller, hub *Hub, basePath string, log *slog.Logger) *Router {
	if log == nil {
		log = slog.Default()
	}
	r := &Router{ctl: ctl, hub: hub, basePath: sanitizeBase(basePath), log: log}
	r.upgrader = websocket.Upgrader{CheckOrigin: sameOrigin}
	return r
}

// Handler returns an http.Handler powered by gin that can be mounted in any server/mux.
func (r *Router) Handler() http.Handler {
	g := gin.New()
	g.Use(gin.Recovery())
	group := g.Group(r.basePath)
	group.POST("/command", r.handleCommand)
	group.POST("/start", r.handleStart)
	group.POST("/stop", r.handleStop)
	group.PUT("/restart", r.handleRestart)
	group.GET("/status", r.handleStatus)
	group.GET("/players", r.handlePlayers)
	if r.hub != nil {
		group.GET("/events", r.handleEvents)
	}
	return g
}

// NewServer wraps h in an http.Server with the usual timeouts. The write
// timeout leaves room for a slow graceful stop.
func NewServer(addr string, h http.Handler) *http.Server {
	return &http.Server{
		Addr:              addr,
		Handler:           h,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      2 * time.Minute,
		IdleTimeout:       60 * time.Second,
	}
}

type errorResp struct {
	Error string `json:"error"`
}

type okResp struct {
	OK bool `json:"ok"`
}

type commandReq struct {
	Command string `json:"command"`
}

type restartReq struct {
	Enabled *bool `json:"enabled"`
}

type restartResp struct {
	Enabled bool `json:"enabled"`
}

func (r *Router) handleCommand(c *gin.Context) {
	var req commandReq
	if err := c.ShouldBindJSON(&req); err != nil {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: "invalid JSON: " + err.Error()})
		return
	}
	if strings.TrimSpace(req.Command) == "" {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: "command required"})
		return
	}
	if strings.ContainsAny(req.Command, "\r\n") {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: "command must be a single line"})
		return
	}
	if !r.ctl.SendCommand(req.Command) {
		writeJSON(c, http.StatusConflict, errorResp{Error: "server not running"})
		return
	}
	writeJSON(c, http.StatusOK, okResp{OK: true})
}

func (r *Router) handleStart(c *gin.Context) {
	if err := r.ctl.Start(); err != nil {
		r.log.Warn("api start failed", "error", err)
		writeJSON(c, errorStatus(err), errorResp{Error: err.Error()})
		return
	}
	writeJSON(c, http.StatusOK, okResp{OK: true})
}

func (r *Router) handleStop(c *gin.Context) {
	wait, err := parseWait(c.Query("wait"))
	if err != nil {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: "invalid wait: " + err.Error()})
		return
	}
	if err := r.ctl.Stop(wait); err != nil {
		r.log.Warn("api stop failed", "error", err)
		writeJSON(c, errorStatus(err), errorResp{Error: err.Error()})
		return
	}
	writeJSON(c, http.StatusOK, okResp{OK: true})
}

func (r *Router) handleRestart(c *gin.Context) {
	var req restartReq
	if err := c.ShouldBindJSON(&req); err != nil {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: "invalid JSON: " + err.Error()})
		return
	}
	if req.Enabled == nil {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: "enabled required"})
		return
	}
	r.ctl.SetRestart(*req.Enabled)
	writeJSON(c, http.StatusOK, restartResp{Enabled: *req.Enabled})
}

func (r *Router) handleStatus(c *gin.Context) {
	writeJSON(c, http.StatusOK, r.ctl.Status())
}

func (r *Router) handlePlayers(c *gin.Context) {
	writeJSON(c, http.StatusOK, r.ctl.Sessions())
}

func (r *Router) handleEvents(c *gin.Context) {
	conn, err := r.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		// Upgrade has already written the HTTP error
		r.log.Debug("event stream upgrade failed", "error", err)
		return
	}
	cl, err := r.hub.Add(conn)
	if err != nil {
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseTryAgainLater, err.Error()), time.Now().Add(writeWait))
		_ = conn.Close()
		return
	}
	r.log.Debug("event stream client connected", "remote", c.Request.RemoteAddr)

	// The stream is one-way; reading only detects the close.
	conn.SetReadLimit(512)
	go func() {
		defer r.hub.Remove(cl)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()
}

func errorStatus(err error) int {
	if errors.Is(err, manager.ErrClosed) {
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

// sameOrigin accepts non-browser clients and browsers on the API's own host.
func sameOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	u, err := url.Parse(origin)
	if err != nil {
		return false
	}
	return strings.EqualFold(u.Host, r.Host)
}
