package metrics

import (
	"context"
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"
)

// Health is the body of GET /healthz.
type Health struct {
	Status  string `json:"status"`
	Running bool   `json:"running"`
	Ready   bool   `json:"ready"`
	State   string `json:"state"`
}

// Server exposes /metrics and /healthz on a dedicated echo listener so
// scrapes never share a port with the control API.
type Server struct {
	e    *echo.Echo
	addr string
}

// NewServer builds the listener. health is called per request; a nil
// health always reports ok.
func NewServer(addr string, health func() Health) *Server {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.GET("/metrics", echo.WrapHandler(Handler()))
	e.GET("/healthz", func(c echo.Context) error {
		h := Health{Status: "ok"}
		if health != nil {
			h = health()
		}
		code := http.StatusOK
		if h.Status != "ok" {
			code = http.StatusServiceUnavailable
		}
		return c.JSON(code, h)
	})
	return &Server{e: e, addr: addr}
}

// Handler returns the underlying handler, mainly for tests.
func (s *Server) Handler() http.Handler { return s.e }

// Start blocks serving until Shutdown.
func (s *Server) Start() error {
	if err := s.e.Start(s.addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error { return s.e.Shutdown(ctx) }
