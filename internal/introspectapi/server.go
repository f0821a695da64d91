// Package introspectapi exposes a read-only REST mirror of the C14
// introspection RPCs (sinks, sources, modules, connected clients) for
// operators who'd rather curl a daemon than speak the native protocol.
//
// Adapted from server/internal/httpapi/server.go: the Echo app
// construction (HideBanner/HidePort, middleware.Recover, a slog request
// logger) and its JSON-response handler style carry over unchanged;
// the routes and response shapes are retargeted from the teacher's
// chat-room health/state endpoints to the sink/source/module/client
// listings this module's registry actually holds.
package introspectapi

import (
	"context"
	"database/sql"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	"github.com/polypd/polypd/internal/registry"
)

// ClientInfo describes one connected dispatcher session, mirroring the
// fields GET_CLIENT_INFO(_LIST) reports over the wire.
type ClientInfo struct {
	Index    uint32 `json:"index"`
	Name     string `json:"name"`
	Protocol uint32 `json:"protocol_version"`
}

// ClientLister is satisfied by whatever tracks live dispatcher sessions
// (the daemon's connection table, not yet built when this package is
// wired in isolation) — kept as a narrow interface so introspectapi has
// no import-time dependency on the daemon package.
type ClientLister interface {
	ListClients() []ClientInfo
}

// Server is the Echo application serving the introspection REST API.
type Server struct {
	echo     *echo.Echo
	registry *registry.Registry
	clients  ClientLister
}

// New constructs an Echo app with the introspection routes registered.
// clients may be nil, in which case /clients reports an empty list.
func New(reg *registry.Registry, clients ClientLister) *Server {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Use(middleware.Recover())
	e.Use(requestLogger())

	s := &Server{echo: e, registry: reg, clients: clients}
	s.registerRoutes()
	return s
}

// requestLogger returns Echo middleware that logs each HTTP request via slog.
func requestLogger() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()
			err := next(c)
			if err != nil {
				c.Error(err)
			}
			req := c.Request()
			slog.Info("http request",
				"method", req.Method,
				"path", req.URL.Path,
				"status", c.Response().Status,
				"duration_ms", time.Since(start).Milliseconds(),
				"remote", c.RealIP(),
			)
			return nil
		}
	}
}

// Echo exposes the underlying Echo instance for tests.
func (s *Server) Echo() *echo.Echo { return s.echo }

func (s *Server) registerRoutes() {
	s.echo.GET("/health", s.handleHealth)
	s.echo.GET("/sinks", s.handleSinks)
	s.echo.GET("/sinks/:index", s.handleSinkByIndex)
	s.echo.GET("/sources", s.handleSources)
	s.echo.GET("/modules", s.handleModules)
	s.echo.GET("/clients", s.handleClients)
}

// Run starts Echo and blocks until ctx cancellation or startup failure.
func (s *Server) Run(ctx context.Context, addr string) error {
	errCh := make(chan error, 1)
	go func() {
		err := s.echo.Start(addr)
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
			return
		}
		errCh <- nil
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		slog.Info("introspectapi: shutting down")
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.echo.Shutdown(shutCtx)
		return nil
	}
}

type healthResponse struct {
	Status  string `json:"status"`
	Sinks   int    `json:"sinks"`
	Sources int    `json:"sources"`
	Clients int    `json:"clients"`
}

func (s *Server) handleHealth(c echo.Context) error {
	sinks, err := s.registry.ListSinks()
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	sources, err := s.registry.ListSources()
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, healthResponse{
		Status:  "ok",
		Sinks:   len(sinks),
		Sources: len(sources),
		Clients: len(s.listClients()),
	})
}

func (s *Server) handleSinks(c echo.Context) error {
	sinks, err := s.registry.ListSinks()
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	if sinks == nil {
		sinks = []registry.Sink{}
	}
	return c.JSON(http.StatusOK, sinks)
}

func (s *Server) handleSinkByIndex(c echo.Context) error {
	idx, err := parseIndex(c.Param("index"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	sink, err := s.registry.GetSinkByIndex(idx)
	if err != nil {
		return notFoundOr500(err, "sink not found")
	}
	return c.JSON(http.StatusOK, sink)
}

func (s *Server) handleSources(c echo.Context) error {
	sources, err := s.registry.ListSources()
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	if sources == nil {
		sources = []registry.Source{}
	}
	return c.JSON(http.StatusOK, sources)
}

func (s *Server) handleModules(c echo.Context) error {
	modules, err := s.registry.ListModules()
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	if modules == nil {
		modules = []registry.Module{}
	}
	return c.JSON(http.StatusOK, modules)
}

func (s *Server) handleClients(c echo.Context) error {
	return c.JSON(http.StatusOK, s.listClients())
}

func (s *Server) listClients() []ClientInfo {
	if s.clients == nil {
		return []ClientInfo{}
	}
	clients := s.clients.ListClients()
	if clients == nil {
		clients = []ClientInfo{}
	}
	return clients
}

func parseIndex(raw string) (uint32, error) {
	v, err := strconv.ParseUint(raw, 10, 32)
	if err != nil {
		return 0, errors.New("invalid index")
	}
	return uint32(v), nil
}

func notFoundOr500(err error, notFoundMsg string) error {
	if errors.Is(err, sql.ErrNoRows) {
		return echo.NewHTTPError(http.StatusNotFound, notFoundMsg)
	}
	return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
}
