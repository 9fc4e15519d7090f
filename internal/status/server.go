package status

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/gommon/log"
)

const keepAliveInterval = 15 * time.Second

type Server struct {
	e    *echo.Echo
	hub  *Hub
	addr string
}

func NewServer(addr string, hub *Hub, logger *log.Logger) *Server {
	s := &Server{e: echo.New(), hub: hub, addr: addr}
	s.e.HideBanner = true
	s.e.HidePort = true
	s.e.Logger = logger
	s.e.GET("/", s.rootHandler)
	s.e.GET("/api/machines", s.apiMachinesHandler)
	s.e.GET("/api/samples/sse", s.apiSamplesSSEHandler)
	return s
}

// Start blocks until the server fails or is shut down.
func (s *Server) Start() error {
	s.e.Logger.Infof("status server listening on %s", s.addr)
	if err := s.e.Start(s.addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.e.Shutdown(ctx)
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.e.ServeHTTP(w, r)
}

func (s *Server) rootHandler(c echo.Context) error {
	c.Response().Header().Set(echo.HeaderContentType, echo.MIMETextHTMLCharsetUTF8)
	c.Response().WriteHeader(http.StatusOK)
	return Page(s.hub.Snapshot()).Render(c.Request().Context(), c.Response().Writer)
}

func (s *Server) apiMachinesHandler(c echo.Context) error {
	return c.JSON(http.StatusOK, s.hub.Snapshot())
}

func (s *Server) apiSamplesSSEHandler(c echo.Context) error {
	c.Logger().Infof("SSE request received from %s", c.Request().RemoteAddr)

	events, unsubscribe := s.hub.Subscribe()
	defer unsubscribe()

	// Set headers for SSE
	resp := c.Response()
	resp.Header().Set("Content-Type", "text/event-stream")
	resp.Header().Set("Cache-Control", "no-cache")
	resp.Header().Set("Connection", "keep-alive")
	resp.Header().Set("Access-Control-Allow-Origin", "*")

	fmt.Fprintf(resp.Writer, "event: connected\ndata: Connected to sample stream\n\n")
	resp.Flush()

	ticker := time.NewTicker(keepAliveInterval)
	defer ticker.Stop()

	ctx := c.Request().Context()
	for {
		select {
		case <-ctx.Done():
			c.Logger().Info("Client disconnected (context done)")
			return nil
		case <-ticker.C:
			if _, err := fmt.Fprint(resp.Writer, ": keep-alive\n\n"); err != nil {
				return nil
			}
			resp.Flush()
		case ev := <-events:
			data, err := json.Marshal(ev)
			if err != nil {
				c.Logger().Errorf("Error encoding sample: %v", err)
				continue
			}
			if _, err := fmt.Fprintf(resp.Writer, "event: sample\ndata: %s\n\n", data); err != nil {
				return nil
			}
			resp.Flush()
		}
	}
}
